// Package safety enforces sub-task spawn admission limits: depth, rate,
// totals, parallelism, and delegation-cycle detection, plus cost accounting
// and the emergency stop.
package safety

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/OmerMachluf/copilot-orchestrator/internal/config"
	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
)

// SpawnContext identifies who initiated a spawn chain.
type SpawnContext string

const (
	SpawnOrchestrator SpawnContext = "orchestrator"
	SpawnAgent        SpawnContext = "agent"
	// SpawnSubTask is treated as agent for depth purposes.
	SpawnSubTask SpawnContext = "subtask"
)

// rateWindow is the sliding window for the spawn rate limit.
const rateWindow = time.Minute

// AncestryEntry records one spawned sub-task for cycle detection.
type AncestryEntry struct {
	SubTaskID       string
	ParentSubTaskID string
	WorkerID        string
	PlanID          string
	AgentType       string
	PromptHash      string
}

// AdmissionRequest describes a sub-task about to be created.
type AdmissionRequest struct {
	WorkerID        string
	ParentSubTaskID string // "" when the parent is the worker itself
	ParentDepth     int
	SpawnContext    SpawnContext
	AgentType       string
	Prompt          string
}

// StopScope selects what an emergency stop cancels.
type StopScope string

const (
	StopSubTask StopScope = "subtask"
	StopWorker  StopScope = "worker"
	StopPlan    StopScope = "plan"
	StopGlobal  StopScope = "global"
)

// StopFunc receives the sub-task ids an emergency stop selected.
type StopFunc func(scope StopScope, subTaskIDs []string)

// Limiter evaluates spawn admission and tracks ancestry, rates, and cost.
type Limiter struct {
	cfg config.SafetyConfig
	now func() time.Time

	mu         sync.Mutex
	spawnTimes map[string][]time.Time    // workerID -> spawn timestamps
	totals     map[string]int            // workerID -> lifetime sub-task count
	running    map[string]map[string]bool // workerID -> set of running sub-task ids
	ancestry   map[string]AncestryEntry  // subTaskID -> entry
	costs      costLedger
	onStop     StopFunc
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithStopFunc registers the callback invoked on EmergencyStop.
func WithStopFunc(fn StopFunc) Option {
	return func(l *Limiter) { l.onStop = fn }
}

// SetStopFunc binds the EmergencyStop callback after construction. The
// orchestrator uses this because the sub-task manager that executes the
// stop is built on top of the limiter.
func (l *Limiter) SetStopFunc(fn StopFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onStop = fn
}

// NewLimiter creates a Limiter with the given configuration.
func NewLimiter(cfg config.SafetyConfig, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		now:        time.Now,
		spawnTimes: make(map[string][]time.Time),
		totals:     make(map[string]int),
		running:    make(map[string]map[string]bool),
		ancestry:   make(map[string]AncestryEntry),
		costs:      newCostLedger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// MaxDepth returns the depth cap for a spawn context. The subtask context
// counts as agent.
func (l *Limiter) MaxDepth(ctx SpawnContext) int {
	if ctx == SpawnOrchestrator {
		return l.cfg.MaxDepthOrchestrator
	}
	return l.cfg.MaxDepthAgent
}

// CheckAdmission evaluates the admission predicates in order: depth, rate,
// total, parallel, cycle. It does not mutate any counters; call RecordSpawn
// after the sub-task is actually created.
func (l *Limiter) CheckAdmission(req AdmissionRequest) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// 1. Depth
	maxDepth := l.MaxDepth(req.SpawnContext)
	if req.ParentDepth >= maxDepth {
		return &DepthLimitError{Context: req.SpawnContext, Current: req.ParentDepth, Max: maxDepth}
	}

	// 2. Rate (sliding window)
	if l.cfg.SpawnsPerMinute > 0 {
		recent := l.pruneWindowLocked(req.WorkerID)
		if len(recent) >= l.cfg.SpawnsPerMinute {
			return &RateLimitError{WorkerID: req.WorkerID, Window: rateWindow, Limit: l.cfg.SpawnsPerMinute}
		}
	}

	// 3. Total (terminal sub-tasks count too)
	if l.cfg.MaxSubTasksPerWorker > 0 {
		if count := l.totals[req.WorkerID]; count >= l.cfg.MaxSubTasksPerWorker {
			return &TotalLimitError{WorkerID: req.WorkerID, Count: count, Limit: l.cfg.MaxSubTasksPerWorker}
		}
	}

	// 4. Parallel
	if l.cfg.MaxParallelSubTasks > 0 {
		if running := len(l.running[req.WorkerID]); running >= l.cfg.MaxParallelSubTasks {
			return &ParallelLimitError{WorkerID: req.WorkerID, Running: running, Limit: l.cfg.MaxParallelSubTasks}
		}
	}

	// 5. Cycle
	hash := PromptHash(req.Prompt)
	for id := req.ParentSubTaskID; id != ""; {
		entry, ok := l.ancestry[id]
		if !ok {
			break
		}
		if entry.AgentType == req.AgentType && entry.PromptHash == hash {
			return &CycleError{AgentType: req.AgentType, PromptHash: hash}
		}
		id = entry.ParentSubTaskID
	}

	return nil
}

// RecordSpawn registers a successfully created sub-task: ancestry entry,
// spawn timestamp, total and running counters.
func (l *Limiter) RecordSpawn(entry AncestryEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.ancestry[entry.SubTaskID] = entry
	l.spawnTimes[entry.WorkerID] = append(l.pruneWindowLocked(entry.WorkerID), l.now())
	l.totals[entry.WorkerID]++

	set := l.running[entry.WorkerID]
	if set == nil {
		set = make(map[string]bool)
		l.running[entry.WorkerID] = set
	}
	set[entry.SubTaskID] = true

	log.Debug(log.CatSafety, "spawn recorded",
		"subTask", entry.SubTaskID, "worker", entry.WorkerID,
		"total", l.totals[entry.WorkerID], "running", len(set))
}

// OnTerminal removes a sub-task from the running set and the ancestry store.
func (l *Limiter) OnTerminal(subTaskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ancestry[subTaskID]
	if !ok {
		return
	}
	delete(l.ancestry, subTaskID)
	if set := l.running[entry.WorkerID]; set != nil {
		delete(set, subTaskID)
	}
}

// ResetWorker clears a worker's spawn history, ancestry, and counters.
func (l *Limiter) ResetWorker(workerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.spawnTimes, workerID)
	delete(l.totals, workerID)
	delete(l.running, workerID)
	for id, entry := range l.ancestry {
		if entry.WorkerID == workerID {
			delete(l.ancestry, id)
		}
	}
	log.Info(log.CatSafety, "worker limits reset", "worker", workerID)
}

// RunningCount returns the number of running sub-tasks for a worker.
func (l *Limiter) RunningCount(workerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.running[workerID])
}

// TotalCount returns a worker's lifetime sub-task count.
func (l *Limiter) TotalCount(workerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals[workerID]
}

// Ancestry returns the chain from subTaskID up to the root, nearest first.
func (l *Limiter) Ancestry(subTaskID string) []AncestryEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var chain []AncestryEntry
	for id := subTaskID; id != ""; {
		entry, ok := l.ancestry[id]
		if !ok {
			break
		}
		chain = append(chain, entry)
		id = entry.ParentSubTaskID
	}
	return chain
}

// EmergencyStop cancels the sub-tasks selected by scope and id:
// a single sub-task, a worker's sub-tasks, a plan's sub-tasks, or all of
// them. The registered StopFunc receives the selected ids.
func (l *Limiter) EmergencyStop(scope StopScope, id string) []string {
	l.mu.Lock()
	var ids []string
	for subTaskID, entry := range l.ancestry {
		switch scope {
		case StopSubTask:
			if subTaskID == id {
				ids = append(ids, subTaskID)
			}
		case StopWorker:
			if entry.WorkerID == id {
				ids = append(ids, subTaskID)
			}
		case StopPlan:
			if entry.PlanID == id {
				ids = append(ids, subTaskID)
			}
		case StopGlobal:
			ids = append(ids, subTaskID)
		}
	}
	onStop := l.onStop
	l.mu.Unlock()

	log.Warn(log.CatSafety, "emergency stop", "scope", scope, "id", id, "subTasks", len(ids))
	if onStop != nil {
		onStop(scope, ids)
	}
	return ids
}

// pruneWindowLocked drops spawn timestamps outside the rate window and
// returns the surviving slice. Caller holds the lock.
func (l *Limiter) pruneWindowLocked(workerID string) []time.Time {
	cutoff := l.now().Add(-rateWindow)
	times := l.spawnTimes[workerID]
	kept := times[:0]
	for _, ts := range times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	l.spawnTimes[workerID] = kept
	return kept
}

// PromptHash returns the SHA-256 of the normalized prompt, hex encoded.
func PromptHash(prompt string) string {
	sum := sha256.Sum256([]byte(NormalizePrompt(prompt)))
	return hex.EncodeToString(sum[:])
}

// NormalizePrompt lowercases the prompt and collapses all whitespace runs
// to single spaces, so trivially reworded prompts hash identically.
func NormalizePrompt(prompt string) string {
	return strings.ToLower(strings.Join(strings.Fields(prompt), " "))
}
