// Package presentation formats orchestrator state for CLI output.
package presentation

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Formatter handles output formatting
type Formatter struct {
	writer io.Writer
}

// NewFormatter creates a new formatter
func NewFormatter(writer io.Writer) *Formatter {
	return &Formatter{
		writer: writer,
	}
}

// FormatStateJSON writes the state view as indented JSON
func (f *Formatter) FormatStateJSON(st StateDTO) error {
	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(st)
}

// FormatState writes the state view as aligned tables, one section per
// non-empty slice.
func (f *Formatter) FormatState(st StateDTO) error {
	w := tabwriter.NewWriter(f.writer, 0, 4, 2, ' ', 0)

	if len(st.Plans) > 0 {
		fmt.Fprintln(w, "PLAN\tNAME\tSTATUS\tTASKS")
		for _, p := range st.Plans {
			id := p.ID
			if p.Active {
				id += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", id, p.Name, p.Status, p.Tasks)
		}
		fmt.Fprintln(w)
	}

	if len(st.Tasks) > 0 {
		fmt.Fprintln(w, "TASK\tNAME\tSTATE\tPRIORITY\tDEPS")
		for _, t := range st.Tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.Name, t.State, t.Priority, strings.Join(t.Dependencies, ","))
		}
		fmt.Fprintln(w)
	}

	if len(st.Workers) > 0 {
		fmt.Fprintln(w, "WORKER\tTASK\tSTATUS\tBRANCH\tDEPTH")
		for _, wk := range st.Workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
				wk.ID, wk.TaskID, wk.Status, wk.Branch, wk.Depth)
		}
		fmt.Fprintln(w)
	}

	if len(st.Runs) > 0 {
		fmt.Fprintln(w, "RUN\tTASK\tOUTCOME\tSTATUS\tTOKENS\tFINISHED")
		for _, r := range st.Runs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				r.WorkerID, r.TaskName, r.Outcome, r.FinalStatus,
				r.TotalTokens, r.FinishedAt.Format("2006-01-02 15:04"))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "tokens: %d prompt, %d completion, %d total\n",
		st.PromptTokens, st.CompletionTokens, st.TotalTokens)
	return w.Flush()
}
