package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
)

// StateFileName is the orchestrator snapshot, relative to the workspace.
const StateFileName = ".copilot-orchestrator-state.json"

// stateVersion is the current snapshot format. Version 1 snapshots carry
// no worker depth or plan binding and are migrated on load; snapshots
// newer than this are discarded with a warning.
const stateVersion = 2

type persistedState struct {
	Version      int       `json:"version"`
	Plans        []*Plan   `json:"plans"`
	Tasks        []*Task   `json:"tasks"`
	Workers      []*Worker `json:"workers"`
	NextTaskID   int       `json:"nextTaskId"`
	NextPlanID   int       `json:"nextPlanId"`
	ActivePlanID string    `json:"activePlanId,omitempty"`
}

// persister debounces snapshot writes: mutations mark it dirty and the
// write lands after the configured delay, coalescing bursts. Terminal
// transitions flush synchronously so events never outrun the snapshot.
type persister struct {
	path     string
	debounce time.Duration
	snapshot func() persistedState

	mu    sync.Mutex
	timer *time.Timer
}

func newPersister(workspace string, debounce time.Duration, snapshot func() persistedState) *persister {
	return &persister{
		path:     filepath.Join(workspace, StateFileName),
		debounce: debounce,
		snapshot: snapshot,
	}
}

// MarkDirty schedules a write after the debounce window, resetting the
// window on every call.
func (p *persister) MarkDirty() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if err := p.write(); err != nil {
			log.Error(log.CatOrch, "state snapshot failed", "path", p.path, "error", err)
		}
	})
}

// Flush cancels any pending debounce and writes immediately.
func (p *persister) Flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.write()
}

// Stop cancels any pending write without flushing.
func (p *persister) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *persister) write() error {
	st := p.snapshot()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}

// loadState reads a snapshot from the workspace. A missing file yields an
// empty state. Older versions are migrated; newer ones are discarded with
// a warning so a downgraded binary never misreads them.
func loadState(workspace string) (persistedState, error) {
	path := filepath.Join(workspace, StateFileName)
	empty := persistedState{Version: stateVersion}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("read state: %w", err)
	}

	var st persistedState
	if err := json.Unmarshal(data, &st); err != nil {
		return empty, fmt.Errorf("parse state: %w", err)
	}

	switch {
	case st.Version == stateVersion:
		return st, nil
	case st.Version < stateVersion:
		log.Info(log.CatOrch, "migrating state snapshot",
			"from", st.Version, "to", stateVersion)
		return migrate(st), nil
	default:
		log.Warn(log.CatOrch, "state snapshot from a newer version discarded",
			"found", st.Version, "supported", stateVersion)
		return empty, nil
	}
}

// LoadSummary reads the persisted snapshot without constructing a Core,
// for read-only CLI views.
func LoadSummary(workspace string) (plans []Plan, tasks []Task, workers []Worker, activePlanID string, err error) {
	st, err := loadState(workspace)
	if err != nil {
		return nil, nil, nil, "", err
	}
	for _, p := range st.Plans {
		plans = append(plans, *p)
	}
	for _, t := range st.Tasks {
		tasks = append(tasks, *t)
	}
	for _, w := range st.Workers {
		workers = append(workers, *w)
	}
	return plans, tasks, workers, st.ActivePlanID, nil
}

// migrate upgrades older snapshots in place. Version 1 predates worker
// depth and plan binding: workers become depth-0 roots and tasks with a
// missing priority default to normal.
func migrate(st persistedState) persistedState {
	if st.Version <= 1 {
		for _, w := range st.Workers {
			w.Depth = 0
		}
		for _, t := range st.Tasks {
			if t.Priority == "" {
				t.Priority = "normal"
			}
		}
	}
	st.Version = stateVersion
	return st
}
