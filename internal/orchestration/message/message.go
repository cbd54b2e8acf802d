// Package message defines the messages exchanged on the orchestration bus.
package message

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders messages on the bus.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank maps a priority to its numeric rank; higher dequeues first.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Type categorizes the purpose of a message.
type Type string

const (
	TypeStatusUpdate       Type = "status_update"
	TypePermissionRequest  Type = "permission_request"
	TypePermissionResponse Type = "permission_response"
	TypeQuestion           Type = "question"
	TypeCompletion         Type = "completion"
	TypeError              Type = "error"
	TypeAnswer             Type = "answer"
	TypeRefinement         Type = "refinement"
	TypeRetryRequest       Type = "retry_request"
	TypeApprovalRequest    Type = "approval_request"
	TypeApprovalResponse   Type = "approval_response"
)

// OwnerType identifies what kind of entity owns (routes) a message.
type OwnerType string

const (
	OwnerOrchestrator OwnerType = "orchestrator"
	OwnerWorker       OwnerType = "worker"
	OwnerAgent        OwnerType = "agent"
)

// Owner routes a message to a specific handler on the bus.
type Owner struct {
	OwnerType  OwnerType `json:"ownerType"`
	OwnerID    string    `json:"ownerId"`
	SessionURI string    `json:"sessionUri,omitempty"`
}

// QueueMessage is one priority-ordered event on the bus.
// Messages are immutable once enqueued; the bus never delivers the same
// id twice.
type QueueMessage struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Priority      Priority  `json:"priority"`
	PlanID        string    `json:"planId,omitempty"`
	TaskID        string    `json:"taskId,omitempty"`
	WorkerID      string    `json:"workerId,omitempty"`
	WorktreePath  string    `json:"worktreePath,omitempty"`
	ParentAgentID string    `json:"parentAgentId,omitempty"`
	SubTaskID     string    `json:"subTaskId,omitempty"`
	Depth         *int      `json:"depth,omitempty"`
	Owner         *Owner    `json:"owner,omitempty"`
	Type          Type      `json:"type"`
	Content       string    `json:"content"`
}

// Option mutates a message under construction.
type Option func(*QueueMessage)

// WithOwner routes the message to a specific owner.
func WithOwner(ownerType OwnerType, ownerID string) Option {
	return func(m *QueueMessage) {
		m.Owner = &Owner{OwnerType: ownerType, OwnerID: ownerID}
	}
}

// WithPlan tags the message with its plan.
func WithPlan(planID string) Option {
	return func(m *QueueMessage) { m.PlanID = planID }
}

// WithTask tags the message with its task.
func WithTask(taskID string) Option {
	return func(m *QueueMessage) { m.TaskID = taskID }
}

// WithWorker tags the message with the worker it concerns.
func WithWorker(workerID, worktreePath string) Option {
	return func(m *QueueMessage) {
		m.WorkerID = workerID
		m.WorktreePath = worktreePath
	}
}

// WithSubTask tags the message with its sub-task and spawn depth.
func WithSubTask(subTaskID string, depth int) Option {
	return func(m *QueueMessage) {
		m.SubTaskID = subTaskID
		m.Depth = &depth
	}
}

// WithParentAgent records the agent that produced the message.
func WithParentAgent(agentID string) Option {
	return func(m *QueueMessage) { m.ParentAgentID = agentID }
}

// New creates a message with a fresh id and timestamp.
func New(msgType Type, priority Priority, content string, opts ...Option) QueueMessage {
	m := QueueMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Priority:  priority,
		Type:      msgType,
		Content:   content,
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// OwnerID returns the routing owner id, or "" when unowned.
func (m QueueMessage) OwnerID() string {
	if m.Owner == nil {
		return ""
	}
	return m.Owner.OwnerID
}
