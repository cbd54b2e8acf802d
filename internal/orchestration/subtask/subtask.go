// Package subtask manages delegated work: admission-checked creation,
// execution through a model backend, status tracking, and parent
// notification.
package subtask

import (
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/definitions"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/runner"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/safety"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/state"
)

// SubTask is a worker's delegated unit of work.
type SubTask struct {
	ID              string                      `json:"id"`
	ParentWorkerID  string                      `json:"parentWorkerId"`
	ParentTaskID    string                      `json:"parentTaskId,omitempty"`
	ParentSubTaskID string                      `json:"parentSubTaskId,omitempty"`
	PlanID          string                      `json:"planId,omitempty"`
	WorktreePath    string                      `json:"worktreePath"`
	BaseBranch      string                      `json:"baseBranch,omitempty"`
	AgentType       string                      `json:"agentType"`
	Parsed          definitions.ParsedAgentType `json:"-"`
	Prompt          string                      `json:"prompt"`
	ExpectedOutput  string                      `json:"expectedOutput,omitempty"`
	Depth           int                         `json:"depth"`
	Status          state.Status                `json:"status"`
	TargetFiles     []string                    `json:"targetFiles,omitempty"`
	SpawnContext    safety.SpawnContext         `json:"spawnContext"`
	// InheritedPermissions is the tool allowance set handed down from the
	// parent; empty means the parent's defaults apply.
	InheritedPermissions []string `json:"inheritedPermissions,omitempty"`
	CreatedAt       time.Time                   `json:"createdAt"`
	CompletedAt     *time.Time                  `json:"completedAt,omitempty"`
	Result          *Result                     `json:"result,omitempty"`
}

// Result is the outcome of a finished sub-task.
type Result struct {
	Success   bool         `json:"success"`
	Output    string       `json:"output,omitempty"`
	Error     string       `json:"error,omitempty"`
	SessionID string       `json:"sessionId,omitempty"`
	Usage     runner.Usage `json:"-"`
}

// EventKind distinguishes sub-task events.
type EventKind string

const (
	// EventChanged fires on any sub-task mutation.
	EventChanged EventKind = "subtask_changed"
	// EventCompleted fires when a sub-task reaches a terminal status.
	EventCompleted EventKind = "subtask_completed"
)

// Event carries a snapshot of the sub-task at the time of the change.
type Event struct {
	Kind    EventKind
	SubTask SubTask
}

// Notifier delivers sub-task completions to the parent's message channel.
// The orchestrator wires this to the message bus so parents receive a
// completion message whether the sub-task succeeded or failed.
type Notifier interface {
	SubTaskCompleted(sub SubTask)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(sub SubTask)

func (f NotifierFunc) SubTaskCompleted(sub SubTask) { f(sub) }
