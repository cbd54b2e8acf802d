package safety

import (
	"fmt"
	"time"
)

// DepthLimitError rejects a spawn that would exceed the depth cap for its
// spawn context.
type DepthLimitError struct {
	Context SpawnContext
	Current int
	Max     int
}

func (e *DepthLimitError) Error() string {
	return fmt.Sprintf(
		"depth limit exceeded: parent depth %d reaches the maximum of %d for %s-initiated spawns; delegate upward instead of nesting deeper",
		e.Current, e.Max, e.Context)
}

// RateLimitError rejects a spawn that exceeds the per-worker sliding-window
// rate.
type RateLimitError struct {
	WorkerID string
	Window   time.Duration
	Limit    int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf(
		"spawn rate limit exceeded: worker %s already spawned %d sub-tasks in the last %s; wait before spawning again",
		e.WorkerID, e.Limit, e.Window)
}

// TotalLimitError rejects a spawn once a worker has used its lifetime
// sub-task budget.
type TotalLimitError struct {
	WorkerID string
	Count    int
	Limit    int
}

func (e *TotalLimitError) Error() string {
	return fmt.Sprintf(
		"total sub-task limit exceeded: worker %s has spawned %d of %d allowed sub-tasks; finish or consolidate existing work",
		e.WorkerID, e.Count, e.Limit)
}

// ParallelLimitError rejects a spawn while too many sub-tasks are running.
type ParallelLimitError struct {
	WorkerID string
	Running  int
	Limit    int
}

func (e *ParallelLimitError) Error() string {
	return fmt.Sprintf(
		"parallel sub-task limit exceeded: worker %s has %d of %d sub-tasks running; wait for one to finish",
		e.WorkerID, e.Running, e.Limit)
}

// CycleError rejects a spawn whose (agentType, promptHash) already appears
// in its ancestry chain.
type CycleError struct {
	AgentType  string
	PromptHash string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf(
		"cycle detected: an ancestor sub-task already ran agent %q with an equivalent prompt (hash %.12s); rephrase the delegation or handle it directly",
		e.AgentType, e.PromptHash)
}
