package core

import "time"

// RunRecord summarizes a worker's lifetime at the moment it leaves the
// orchestrator, for the run-history index.
type RunRecord struct {
	WorkerID     string
	TaskID       string
	PlanID       string
	TaskName     string
	BranchName   string
	BaseBranch   string
	WorktreePath string
	FinalStatus  string
	Outcome      string // finalized, concluded, killed
	ErrorMessage string

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int

	StartedAt  time.Time
	FinishedAt time.Time
}

// RunRecorder persists finished worker runs. Recording failures are
// logged and never block worker removal.
type RunRecorder interface {
	RecordRun(rec RunRecord) error
}

// WithRunRecorder attaches a run-history recorder; every worker removal
// is indexed through it.
func WithRunRecorder(r RunRecorder) Option {
	return func(c *Core) { c.history = r }
}
