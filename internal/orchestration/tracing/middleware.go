package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/bus"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
)

// Span attribute keys for orchestration tracing.
const (
	AttrMessageID       = "message.id"
	AttrMessageType     = "message.type"
	AttrMessagePriority = "message.priority"
	AttrMessageOwner    = "message.owner"
	AttrPlanID          = "plan.id"
	AttrTaskID          = "task.id"
	AttrWorkerID        = "worker.id"
	AttrSubTaskID       = "subtask.id"
)

const spanPrefixDispatch = "bus.dispatch."

// NewBusMiddleware spans every message dispatch on the bus: one span per
// handler invocation, carrying the message's routing attributes, with
// handler errors recorded. A nil tracer yields a pass-through.
func NewBusMiddleware(tracer trace.Tracer) bus.Middleware {
	if tracer == nil {
		return func(next bus.Handler) bus.Handler { return next }
	}

	return func(next bus.Handler) bus.Handler {
		return func(ctx context.Context, msg message.QueueMessage) error {
			ctx, span := tracer.Start(ctx, spanPrefixDispatch+string(msg.Type),
				trace.WithSpanKind(trace.SpanKindConsumer),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String(AttrMessageID, msg.ID),
				attribute.String(AttrMessageType, string(msg.Type)),
				attribute.String(AttrMessagePriority, string(msg.Priority)),
			)
			if msg.Owner != nil {
				span.SetAttributes(attribute.String(AttrMessageOwner, msg.Owner.OwnerID))
			}
			if msg.PlanID != "" {
				span.SetAttributes(attribute.String(AttrPlanID, msg.PlanID))
			}
			if msg.TaskID != "" {
				span.SetAttributes(attribute.String(AttrTaskID, msg.TaskID))
			}
			if msg.WorkerID != "" {
				span.SetAttributes(attribute.String(AttrWorkerID, msg.WorkerID))
			}
			if msg.SubTaskID != "" {
				span.SetAttributes(attribute.String(AttrSubTaskID, msg.SubTaskID))
			}

			err := next(ctx, msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}
			return err
		}
	}
}
