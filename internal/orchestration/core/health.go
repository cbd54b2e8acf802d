package core

import (
	"context"

	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/health"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
	"github.com/OmerMachluf/copilot-orchestrator/internal/pubsub"
)

// HealthEvents is the monitor surface the core consumes. *health.Monitor
// implements it.
type HealthEvents interface {
	Subscribe(ctx context.Context) <-chan pubsub.Event[health.Event]
}

// ObserveHealth forwards monitor events into worker message channels: an
// idle worker receives a status inquiry, an unhealthy one a warning. Idle
// is an inquiry only; nothing here terminalizes a worker or its task.
func (c *Core) ObserveHealth(ctx context.Context, events HealthEvents) {
	ch := events.Subscribe(ctx)
	log.SafeGo("health-observer", func() {
		for ev := range ch {
			c.handleHealthEvent(ctx, ev.Payload)
		}
	})
}

func (c *Core) handleHealthEvent(ctx context.Context, ev health.Event) {
	w, ok := c.Worker(ev.WorkerID)
	if !ok {
		return
	}

	var content string
	switch ev.Kind {
	case health.EventWorkerIdle:
		content = "no recent activity detected; report progress or signal completion"
	case health.EventWorkerUnhealthy:
		content = "health check tripped: " + string(ev.Reason)
		if ev.Tool != "" {
			content += " (repeated tool: " + ev.Tool + ")"
		}
	default:
		return
	}

	log.Info(log.CatHealth, "health inquiry queued", "worker", ev.WorkerID, "reason", ev.Reason)
	c.bus.Enqueue(ctx, message.New(message.TypeQuestion, message.PriorityHigh, content,
		message.WithOwner(message.OwnerWorker, ev.WorkerID),
		message.WithWorker(ev.WorkerID, w.WorktreePath)))
}
