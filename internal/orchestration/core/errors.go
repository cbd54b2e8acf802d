package core

import (
	"fmt"
	"strings"
)

// NotFoundError reports a missing plan, task, or worker.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// DependencyCycleError reports a cycle in the task dependency graph,
// raised on task creation.
type DependencyCycleError struct {
	TaskIDs []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle through tasks: %s", strings.Join(e.TaskIDs, " -> "))
}

// InfraSubkind narrows an InfrastructureError.
type InfraSubkind string

const (
	InfraNoWorkspace InfraSubkind = "no-workspace"
	InfraWorktree    InfraSubkind = "worktree"
	InfraGit         InfraSubkind = "git"
	InfraBranch      InfraSubkind = "branch"
)

// InfrastructureError aborts a deploy without fallback; the task is marked
// failed with this error's message.
type InfrastructureError struct {
	Subkind InfraSubkind
	Err     error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("infrastructure (%s): %v", e.Subkind, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// InvalidStateError reports a rejected task state transition.
type InvalidStateError struct {
	TaskID string
	From   string
	To     string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}
