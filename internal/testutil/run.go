// Package testutil builds run-history fixtures for tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/core"
)

// Run returns a run record with sensible defaults, adjusted by options.
// The default is a finalized, completed run of task-1 on plan-1.
func Run(workerID string, opts ...RunOption) core.RunRecord {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec := core.RunRecord{
		WorkerID:         workerID,
		TaskID:           "task-1",
		PlanID:           "plan-1",
		TaskName:         "fix-login-flow",
		BranchName:       "copilot/fix-login-flow",
		BaseBranch:       "main",
		WorktreePath:     "/tmp/worktrees/fix-login-flow",
		FinalStatus:      "completed",
		Outcome:          "finalized",
		PromptTokens:     1200,
		CompletionTokens: 300,
		TotalTokens:      1500,
		StartedAt:        started,
		FinishedAt:       started.Add(4 * time.Minute),
	}
	for _, opt := range opts {
		opt(&rec)
	}
	return rec
}

// SeedRuns records the runs, failing the test on any error.
func SeedRuns(t *testing.T, recorder core.RunRecorder, runs ...core.RunRecord) {
	t.Helper()
	for _, rec := range runs {
		require.NoError(t, recorder.RecordRun(rec))
	}
}

// RunOption configures a run record during fixture setup.
type RunOption func(*core.RunRecord)

// Plan sets the plan id.
func Plan(id string) RunOption {
	return func(r *core.RunRecord) { r.PlanID = id }
}

// Task sets the task id.
func Task(id string) RunOption {
	return func(r *core.RunRecord) { r.TaskID = id }
}

// TaskName sets the task name.
func TaskName(name string) RunOption {
	return func(r *core.RunRecord) { r.TaskName = name }
}

// Outcome sets why the worker left the orchestrator.
func Outcome(outcome string) RunOption {
	return func(r *core.RunRecord) { r.Outcome = outcome }
}

// FinalStatus sets the worker's status at removal.
func FinalStatus(status string) RunOption {
	return func(r *core.RunRecord) { r.FinalStatus = status }
}

// Failed marks the run as a killed error run with the given message.
func Failed(message string) RunOption {
	return func(r *core.RunRecord) {
		r.FinalStatus = "error"
		r.Outcome = "killed"
		r.ErrorMessage = message
	}
}

// Tokens sets the token spend; the total is derived.
func Tokens(prompt, completion int) RunOption {
	return func(r *core.RunRecord) {
		r.PromptTokens = prompt
		r.CompletionTokens = completion
		r.TotalTokens = prompt + completion
	}
}

// Branch sets the worker's branch name.
func Branch(name string) RunOption {
	return func(r *core.RunRecord) { r.BranchName = name }
}

// FinishedAt sets the completion timestamp.
func FinishedAt(t time.Time) RunOption {
	return func(r *core.RunRecord) { r.FinishedAt = t }
}

// StartedAt sets the start timestamp.
func StartedAt(t time.Time) RunOption {
	return func(r *core.RunRecord) { r.StartedAt = t }
}
