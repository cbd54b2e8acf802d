package git

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// previewMaxFileBytes caps how much of a conflicted file we diff.
const previewMaxFileBytes = 64 * 1024

// conflictPreviews builds best-effort diffs between the parent and child
// versions of each conflicted file. Files that cannot be read at either
// ref are skipped.
func (c *Coordinator) conflictPreviews(exec Executor, parentRef, childRef string, files []string) map[string]string {
	previews := make(map[string]string, len(files))
	for _, f := range files {
		parentText, err := exec.ShowFile(parentRef, f)
		if err != nil {
			continue
		}
		childText, err := exec.ShowFile(childRef, f)
		if err != nil {
			continue
		}
		if len(parentText) > previewMaxFileBytes || len(childText) > previewMaxFileBytes {
			previews[f] = fmt.Sprintf("(file too large to preview: %d vs %d bytes)",
				len(parentText), len(childText))
			continue
		}
		previews[f] = renderDiff(parentText, childText)
	}
	return previews
}

// renderDiff produces a compact line-oriented diff, prefixing removed lines
// with "-" and added lines with "+". Unchanged runs longer than two lines
// are elided.
func renderDiff(before, after string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, d := range diffs {
		text := strings.TrimSuffix(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			for _, line := range strings.Split(text, "\n") {
				sb.WriteString("- " + line + "\n")
			}
		case diffmatchpatch.DiffInsert:
			for _, line := range strings.Split(text, "\n") {
				sb.WriteString("+ " + line + "\n")
			}
		case diffmatchpatch.DiffEqual:
			unchanged := strings.Split(text, "\n")
			if len(unchanged) > 2 {
				sb.WriteString("  " + unchanged[0] + "\n")
				sb.WriteString(fmt.Sprintf("  … %d unchanged lines …\n", len(unchanged)-2))
				sb.WriteString("  " + unchanged[len(unchanged)-1] + "\n")
			} else {
				for _, line := range unchanged {
					sb.WriteString("  " + line + "\n")
				}
			}
		}
	}
	return sb.String()
}
