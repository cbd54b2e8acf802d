package safety

import "github.com/OmerMachluf/copilot-orchestrator/internal/log"

// Usage is one sub-task's token consumption report.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	Model            string
}

// Total returns the combined token count.
func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

// Cost aggregates token usage.
type Cost struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func (c *Cost) add(u Usage) {
	c.PromptTokens += u.PromptTokens
	c.CompletionTokens += u.CompletionTokens
	c.TotalTokens += u.Total()
}

type costLedger struct {
	perWorker map[string]*Cost
	global    Cost
}

func newCostLedger() costLedger {
	return costLedger{perWorker: make(map[string]*Cost)}
}

// RecordUsage accumulates a sub-task's token usage into the worker and
// global totals.
func (l *Limiter) RecordUsage(workerID string, u Usage) {
	l.mu.Lock()
	defer l.mu.Unlock()

	wc := l.costs.perWorker[workerID]
	if wc == nil {
		wc = &Cost{}
		l.costs.perWorker[workerID] = wc
	}
	wc.add(u)
	l.costs.global.add(u)

	log.Debug(log.CatSafety, "usage recorded",
		"worker", workerID, "model", u.Model, "tokens", u.Total(),
		"workerTotal", wc.TotalTokens)
}

// WorkerCost returns the accumulated cost for a worker.
func (l *Limiter) WorkerCost(workerID string) Cost {
	l.mu.Lock()
	defer l.mu.Unlock()

	if wc := l.costs.perWorker[workerID]; wc != nil {
		return *wc
	}
	return Cost{}
}

// GlobalCost returns the accumulated cost across all workers.
func (l *Limiter) GlobalCost() Cost {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.costs.global
}

// OverBudget reports whether a worker has exhausted its token budget.
// A zero budget means unlimited.
func (l *Limiter) OverBudget(workerID string) bool {
	if l.cfg.MaxCostPerWorker <= 0 {
		return false
	}
	return l.WorkerCost(workerID).TotalTokens >= l.cfg.MaxCostPerWorker
}
