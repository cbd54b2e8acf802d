package subtask

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/mock"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/safety"
)

func TestBuildPrompt_Sections(t *testing.T) {
	m, _ := newTestManager(t, mock.NewRunner())

	sub := &SubTask{
		ID:             "subtask-abc",
		ParentWorkerID: "worker-7",
		WorktreePath:   "/repos/.worktrees/fix-login",
		AgentType:      "claude:reviewer",
		Prompt:         "Review the login flow for session fixation.",
		ExpectedOutput: "A list of findings with severity.",
		Depth:          1,
		SpawnContext:   safety.SpawnOrchestrator,
	}

	prompt := m.BuildPrompt(sub)

	require.Contains(t, prompt, "| Agent type | claude:reviewer |")
	require.Contains(t, prompt, "| Sub-task id | subtask-abc |")
	require.Contains(t, prompt, "| Parent worker | worker-7 |")
	require.Contains(t, prompt, "| Depth | 1 |")
	require.Contains(t, prompt, "Review the login flow for session fixation.")
	require.Contains(t, prompt, "A list of findings with severity.")
	require.Contains(t, prompt, "MUST signal completion")
	require.Contains(t, prompt, "/repos/.worktrees/fix-login")
	require.Contains(t, prompt, "approval_request")
}

func TestBuildPrompt_SpawningPolicy(t *testing.T) {
	m, _ := newTestManager(t, mock.NewRunner())

	sub := &SubTask{
		ID:           "subtask-abc",
		Depth:        1,
		SpawnContext: safety.SpawnOrchestrator, // max depth 2
		Prompt:       "p",
	}
	require.Contains(t, m.BuildPrompt(sub), "You MAY spawn further sub-tasks")

	sub.Depth = 2
	require.Contains(t, m.BuildPrompt(sub), "MUST NOT spawn further sub-tasks")

	sub.Depth = 1
	sub.SpawnContext = safety.SpawnAgent // max depth 1
	require.Contains(t, m.BuildPrompt(sub), "MUST NOT spawn further sub-tasks")
}

func TestBuildPrompt_OmitsEmptyDeliverable(t *testing.T) {
	m, _ := newTestManager(t, mock.NewRunner())

	sub := &SubTask{ID: "subtask-abc", Prompt: "p", SpawnContext: safety.SpawnAgent}
	require.NotContains(t, m.BuildPrompt(sub), "Expected Deliverable")
}
