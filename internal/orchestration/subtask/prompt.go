package subtask

import (
	"fmt"
	"strings"
)

// BuildPrompt assembles the message delivered to the model backend: task
// metadata, the user prompt verbatim, the expected deliverable, and the
// contracts the sub-agent must honor (completion signaling, spawning
// policy, worktree restriction, parent communication).
func (m *Manager) BuildPrompt(sub *SubTask) string {
	var b strings.Builder

	b.WriteString("# Delegated Sub-Task\n\n")
	b.WriteString("| Field | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Agent type | %s |\n", sub.AgentType)
	fmt.Fprintf(&b, "| Sub-task id | %s |\n", sub.ID)
	fmt.Fprintf(&b, "| Parent worker | %s |\n", sub.ParentWorkerID)
	fmt.Fprintf(&b, "| Depth | %d |\n", sub.Depth)
	fmt.Fprintf(&b, "| Worktree | %s |\n", sub.WorktreePath)

	b.WriteString("\n## Task\n\n")
	b.WriteString(sub.Prompt)
	b.WriteString("\n")

	if sub.ExpectedOutput != "" {
		b.WriteString("\n## Expected Deliverable\n\n")
		b.WriteString(sub.ExpectedOutput)
		b.WriteString("\n")
	}

	b.WriteString("\n## Completion Contract\n\n")
	b.WriteString("You MUST signal completion by invoking the completion tool with a ")
	b.WriteString("commit message describing your changes. Work that is not signaled ")
	b.WriteString("complete is considered lost. Going silent is not completion.\n")

	b.WriteString("\n## Sub-Task Spawning\n\n")
	if sub.Depth < m.limiter.MaxDepth(sub.SpawnContext) {
		fmt.Fprintf(&b, "You MAY spawn further sub-tasks (current depth %d of %d).\n",
			sub.Depth, m.limiter.MaxDepth(sub.SpawnContext))
	} else {
		b.WriteString("You MUST NOT spawn further sub-tasks; the delegation depth limit is reached.\n")
	}

	b.WriteString("\n## Worktree Restriction\n\n")
	fmt.Fprintf(&b, "All reads and writes MUST stay within %s. ", sub.WorktreePath)
	b.WriteString("Never touch the parent worktree or the main workspace.\n")

	b.WriteString("\n## Communicating With Your Parent\n\n")
	b.WriteString("Use the messaging tools to reach your parent worker: ")
	b.WriteString("`approval_request` before destructive or irreversible actions, ")
	b.WriteString("`status_update` for progress, `question` when blocked on a decision, ")
	b.WriteString("and `completion` (via the completion tool) when done.\n")

	return b.String()
}
