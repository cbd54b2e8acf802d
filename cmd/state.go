package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/OmerMachluf/copilot-orchestrator/internal/infrastructure/sqlite"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/core"
	"github.com/OmerMachluf/copilot-orchestrator/internal/presentation"
)

var (
	stateJSON  bool
	stateLimit int
	statePlan  string
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show plans, tasks, workers, and run history",
	Long: `Prints the persisted orchestrator snapshot for the workspace along
with the most recent runs from the history index and cumulative token
spend. Read-only; safe to run while an orchestrator is active.`,
	RunE: showState,
}

func init() {
	stateCmd.Flags().BoolVar(&stateJSON, "json", false, "emit JSON instead of tables")
	stateCmd.Flags().IntVar(&stateLimit, "limit", 10, "max history rows to show (0 hides history)")
	stateCmd.Flags().StringVar(&statePlan, "plan", "", "restrict history and token totals to one plan")
	rootCmd.AddCommand(stateCmd)
}

func showState(cmd *cobra.Command, _ []string) error {
	plans, tasks, workers, activeID, err := core.LoadSummary(cfg.Workspace)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	var runs []sqlite.Run
	var prompt, completion, total int
	history, err := sqlite.OpenWorkspace(cfg.Workspace)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: run history unavailable: %v\n", err)
	} else {
		defer func() { _ = history.Close() }()
		if stateLimit > 0 {
			runs, err = history.ListRuns(sqlite.ListFilter{PlanID: statePlan, Limit: stateLimit})
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
		}
		prompt, completion, total, err = history.TokenTotals(statePlan)
		if err != nil {
			return fmt.Errorf("token totals: %w", err)
		}
	}

	st := presentation.BuildState(plans, tasks, workers, activeID, runs)
	st.PromptTokens = prompt
	st.CompletionTokens = completion
	st.TotalTokens = total

	f := presentation.NewFormatter(cmd.OutOrStdout())
	if stateJSON {
		return f.FormatStateJSON(st)
	}
	return f.FormatState(st)
}
