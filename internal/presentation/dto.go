package presentation

import (
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/infrastructure/sqlite"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/core"
)

// PlanDTO represents a plan for presentation
type PlanDTO struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	BaseBranch string `json:"base_branch,omitempty"`
	Active     bool   `json:"active"`
	Tasks      int    `json:"tasks"`
}

// TaskDTO represents a task for presentation
type TaskDTO struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	State        string   `json:"state"`
	Priority     string   `json:"priority"`
	PlanID       string   `json:"plan_id,omitempty"`
	Dependencies []string `json:"depends_on,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// WorkerDTO represents a deployed worker for presentation
type WorkerDTO struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Status   string `json:"status"`
	Branch   string `json:"branch"`
	Worktree string `json:"worktree"`
	Depth    int    `json:"depth"`
}

// RunDTO represents one indexed run from the history database
type RunDTO struct {
	WorkerID    string    `json:"worker_id"`
	TaskID      string    `json:"task_id"`
	PlanID      string    `json:"plan_id,omitempty"`
	TaskName    string    `json:"task_name"`
	Outcome     string    `json:"outcome"`
	FinalStatus string    `json:"final_status"`
	TotalTokens int       `json:"total_tokens"`
	FinishedAt  time.Time `json:"finished_at"`
	Error       string    `json:"error,omitempty"`
}

// StateDTO is the full state view: the persisted snapshot plus the
// run-history tail and token spend.
type StateDTO struct {
	ActivePlanID     string      `json:"active_plan_id,omitempty"`
	Plans            []PlanDTO   `json:"plans"`
	Tasks            []TaskDTO   `json:"tasks"`
	Workers          []WorkerDTO `json:"workers"`
	Runs             []RunDTO    `json:"runs,omitempty"`
	PromptTokens     int         `json:"prompt_tokens"`
	CompletionTokens int         `json:"completion_tokens"`
	TotalTokens      int         `json:"total_tokens"`
}

// FromPlan converts a plan snapshot to a DTO
func FromPlan(p core.Plan, activeID string, tasks []core.Task) PlanDTO {
	count := 0
	for _, t := range tasks {
		if t.PlanID == p.ID {
			count++
		}
	}
	return PlanDTO{
		ID:         p.ID,
		Name:       p.Name,
		Status:     string(p.Status),
		BaseBranch: p.BaseBranch,
		Active:     p.ID == activeID,
		Tasks:      count,
	}
}

// FromTask converts a task snapshot to a DTO
func FromTask(t core.Task) TaskDTO {
	return TaskDTO{
		ID:           t.ID,
		Name:         t.Name,
		State:        string(t.State),
		Priority:     string(t.Priority),
		PlanID:       t.PlanID,
		Dependencies: t.Dependencies,
		Error:        t.ErrorMessage,
	}
}

// FromWorker converts a worker snapshot to a DTO
func FromWorker(w core.Worker) WorkerDTO {
	return WorkerDTO{
		ID:       w.ID,
		TaskID:   w.TaskID,
		Status:   string(w.Status),
		Branch:   w.BranchName,
		Worktree: w.WorktreePath,
		Depth:    w.Depth,
	}
}

// FromRun converts an indexed run to a DTO
func FromRun(r sqlite.Run) RunDTO {
	return RunDTO{
		WorkerID:    r.WorkerID,
		TaskID:      r.TaskID,
		PlanID:      r.PlanID,
		TaskName:    r.TaskName,
		Outcome:     r.Outcome,
		FinalStatus: r.FinalStatus,
		TotalTokens: r.TotalTokens,
		FinishedAt:  r.FinishedAt,
		Error:       r.ErrorMessage,
	}
}

// BuildState assembles the full state view from snapshots and history rows.
func BuildState(plans []core.Plan, tasks []core.Task, workers []core.Worker, activeID string, runs []sqlite.Run) StateDTO {
	st := StateDTO{ActivePlanID: activeID}
	for _, p := range plans {
		st.Plans = append(st.Plans, FromPlan(p, activeID, tasks))
	}
	for _, t := range tasks {
		st.Tasks = append(st.Tasks, FromTask(t))
	}
	for _, w := range workers {
		st.Workers = append(st.Workers, FromWorker(w))
	}
	for _, r := range runs {
		st.Runs = append(st.Runs, FromRun(r))
	}
	return st
}
