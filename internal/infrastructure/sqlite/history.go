// Package sqlite implements the run-history index: a local SQLite
// database recording every worker run the orchestrator retired, so past
// branches, worktrees, and token spend survive state-file rotation.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/core"
)

// HistoryDir and HistoryFileName locate the database inside a workspace.
const (
	HistoryDir      = ".copilot-orchestrator"
	HistoryFileName = "history.db"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id TEXT NOT NULL,
	task_id TEXT NOT NULL,
	plan_id TEXT NOT NULL DEFAULT '',
	task_name TEXT NOT NULL,
	branch_name TEXT NOT NULL,
	base_branch TEXT NOT NULL,
	worktree_path TEXT NOT NULL,
	final_status TEXT NOT NULL,
	outcome TEXT NOT NULL,
	error_message TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_plan ON runs(plan_id);
CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_finished ON runs(finished_at);
`

// runColumns is the list of columns to select for run queries.
const runColumns = `id, worker_id, task_id, plan_id, task_name, branch_name, base_branch,
	worktree_path, final_status, outcome, error_message,
	prompt_tokens, completion_tokens, total_tokens, started_at, finished_at`

// Run is one indexed worker run.
type Run struct {
	ID               int64
	WorkerID         string
	TaskID           string
	PlanID           string
	TaskName         string
	BranchName       string
	BaseBranch       string
	WorktreePath     string
	FinalStatus      string
	Outcome          string
	ErrorMessage     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// ListFilter narrows ListRuns results. Zero values match everything.
type ListFilter struct {
	PlanID  string
	TaskID  string
	Outcome string
	Limit   int
}

// History is the run-history index backed by SQLite.
type History struct {
	db *sql.DB
}

// Ensure History satisfies the core recording hook.
var _ core.RunRecorder = (*History)(nil)

// Open opens (or creates) the history database at path and applies the
// schema.
func Open(path string) (*History, error) {
	if err := os.MkdirAll(filepath.Dir(filepath.Clean(path)), 0o750); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &History{db: db}, nil
}

// OpenWorkspace opens the history database in its conventional location
// inside the workspace.
func OpenWorkspace(workspace string) (*History, error) {
	return Open(filepath.Join(workspace, HistoryDir, HistoryFileName))
}

// OpenMemory opens an in-memory history database, used in tests.
func OpenMemory() (*History, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory history: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &History{db: db}, nil
}

// Close closes the database.
func (h *History) Close() error {
	return h.db.Close()
}

// RecordRun inserts one retired worker run.
func (h *History) RecordRun(rec core.RunRecord) error {
	_, err := h.db.Exec(
		`INSERT INTO runs (
			worker_id, task_id, plan_id, task_name, branch_name, base_branch,
			worktree_path, final_status, outcome, error_message,
			prompt_tokens, completion_tokens, total_tokens, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkerID, rec.TaskID, rec.PlanID, rec.TaskName, rec.BranchName, rec.BaseBranch,
		rec.WorktreePath, rec.FinalStatus, rec.Outcome, rec.ErrorMessage,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.StartedAt.Unix(), rec.FinishedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// scanRun scans a row into a Run.
func scanRun(scanner interface{ Scan(...any) error }) (Run, error) {
	var run Run
	var startedAt, finishedAt int64
	err := scanner.Scan(
		&run.ID, &run.WorkerID, &run.TaskID, &run.PlanID, &run.TaskName,
		&run.BranchName, &run.BaseBranch, &run.WorktreePath,
		&run.FinalStatus, &run.Outcome, &run.ErrorMessage,
		&run.PromptTokens, &run.CompletionTokens, &run.TotalTokens,
		&startedAt, &finishedAt,
	)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = time.Unix(startedAt, 0).UTC()
	run.FinishedAt = time.Unix(finishedAt, 0).UTC()
	return run, nil
}

// ListRuns returns indexed runs matching the filter, newest first.
func (h *History) ListRuns(filter ListFilter) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.PlanID != "" {
		query += ` AND plan_id = ?`
		args = append(args, filter.PlanID)
	}
	if filter.TaskID != "" {
		query += ` AND task_id = ?`
		args = append(args, filter.TaskID)
	}
	if filter.Outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, filter.Outcome)
	}

	query += ` ORDER BY finished_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// FindRun returns the most recent run for a worker.
func (h *History) FindRun(workerID string) (Run, error) {
	row := h.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE worker_id = ? ORDER BY finished_at DESC, id DESC LIMIT 1`,
		workerID,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("no run recorded for worker %s", workerID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("find run: %w", err)
	}
	return run, nil
}

// TokenTotals sums token spend across all indexed runs of a plan; an
// empty plan id sums everything.
func (h *History) TokenTotals(planID string) (prompt, completion, total int, err error) {
	query := `SELECT COALESCE(SUM(prompt_tokens),0), COALESCE(SUM(completion_tokens),0), COALESCE(SUM(total_tokens),0) FROM runs`
	var args []any
	if planID != "" {
		query += ` WHERE plan_id = ?`
		args = append(args, planID)
	}
	row := h.db.QueryRow(query, args...)
	if err := row.Scan(&prompt, &completion, &total); err != nil {
		return 0, 0, 0, fmt.Errorf("sum token totals: %w", err)
	}
	return prompt, completion, total, nil
}
