// Package core is the orchestrator: it owns plans, tasks, and workers,
// deploys ready tasks into worktrees, runs them through a model backend,
// and persists its state across restarts.
package core

import (
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/state"
)

// PlanStatus is a plan lifecycle state.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanActive    PlanStatus = "active"
	PlanPaused    PlanStatus = "paused"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// Plan is a named container for related tasks.
type Plan struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	BaseBranch  string     `json:"baseBranch,omitempty"`
	Status      PlanStatus `json:"status"`
}

// Task is a unit of work. Its name doubles as the branch name of the
// worktree it runs in.
type Task struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Description    string           `json:"description,omitempty"`
	Priority       message.Priority `json:"priority"`
	Dependencies   []string         `json:"dependencies,omitempty"`
	PlanID         string           `json:"planId,omitempty"`
	BaseBranch     string           `json:"baseBranch,omitempty"`
	ModelID        string           `json:"modelId,omitempty"`
	AgentType      string           `json:"agentType,omitempty"`
	TargetFiles    []string         `json:"targetFiles,omitempty"`
	State          state.Status     `json:"state"`
	ErrorMessage   string           `json:"errorMessage,omitempty"`
	ParentWorkerID string           `json:"parentWorkerId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
}

// WorkerStatus is a worker lifecycle state.
type WorkerStatus string

const (
	WorkerRunning         WorkerStatus = "running"
	WorkerIdle            WorkerStatus = "idle"
	WorkerWaitingApproval WorkerStatus = "waiting-approval"
	WorkerPaused          WorkerStatus = "paused"
	WorkerCompleted       WorkerStatus = "completed"
	WorkerError           WorkerStatus = "error"
)

// WorkerMessage is one entry in a worker's conversation log.
type WorkerMessage struct {
	From      string       `json:"from"`
	Type      message.Type `json:"type"`
	Content   string       `json:"content"`
	Timestamp time.Time    `json:"timestamp"`
}

// PendingApproval is a worker's outstanding permission request.
type PendingApproval struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Worker is an execution of a task bound to a worktree. It exclusively
// owns that worktree for its lifetime.
type Worker struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	TaskID           string            `json:"taskId"`
	WorktreePath     string            `json:"worktreePath"`
	BranchName       string            `json:"branchName"`
	BaseBranch       string            `json:"baseBranch"`
	CreatedAt        time.Time         `json:"createdAt"`
	LastActivityAt   time.Time         `json:"lastActivityAt"`
	Status           WorkerStatus      `json:"status"`
	Messages         []WorkerMessage   `json:"messages,omitempty"`
	PendingApprovals []PendingApproval `json:"pendingApprovals,omitempty"`
	ParentWorkerID   string            `json:"parentWorkerId,omitempty"`
	PlanID           string            `json:"planId,omitempty"`
	Depth            int               `json:"depth"`
	SessionID        string            `json:"sessionId,omitempty"`
	ErrorMessage     string            `json:"errorMessage,omitempty"`
}

// EventType labels entries on the orchestrator event stream.
type EventType string

const (
	EventTaskQueued     EventType = "task.queued"
	EventTaskStarted    EventType = "task.started"
	EventTaskCompleted  EventType = "task.completed"
	EventTaskFailed     EventType = "task.failed"
	EventWorkerIdle     EventType = "worker.idle"
	EventWorkerError    EventType = "worker.error"
	EventWorkersChanged EventType = "workers.changed"
	EventPlanStarted    EventType = "plan.started"
	EventPlanPaused     EventType = "plan.paused"
	EventPlanResumed    EventType = "plan.resumed"
	EventPlanCompleted  EventType = "plan.completed"
	EventEmergencyStop  EventType = "emergency.stop"
)

// OrchestratorEvent is one entry on the typed event stream any frontend
// can subscribe to.
type OrchestratorEvent struct {
	Type     EventType `json:"type"`
	PlanID   string    `json:"planId,omitempty"`
	TaskID   string    `json:"taskId,omitempty"`
	WorkerID string    `json:"workerId,omitempty"`
	Message  string    `json:"message,omitempty"`
}
