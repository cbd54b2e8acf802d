// Package bus implements the orchestration message bus: priority-ordered,
// owner-routed, at-most-once delivery with crash-safe persistence.
package bus

import (
	"context"
	"sync"

	"github.com/OmerMachluf/copilot-orchestrator/internal/log"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/queue"
	"github.com/OmerMachluf/copilot-orchestrator/internal/pubsub"
)

// Handler consumes a message. Errors are logged; the message still counts
// as processed (handlers own their retries).
type Handler func(ctx context.Context, msg message.QueueMessage) error

// Middleware wraps a Handler, e.g. for tracing.
type Middleware func(next Handler) Handler

// EventKind identifies a bus lifecycle event.
type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventProcessed EventKind = "processed"
)

// Event is published on the bus broker when a message is enqueued or
// processed.
type Event struct {
	Kind    EventKind
	Message message.QueueMessage
}

// Disposable unregisters a handler.
type Disposable func()

// Bus routes messages to per-owner handlers with a default fallback.
// Processing is cooperative and single-flight: whichever goroutine
// enqueues or registers while the bus is idle drains the queue.
type Bus struct {
	mu            sync.Mutex
	queue         *queue.PriorityQueue
	processed     map[string]struct{}
	defaultHandle Handler
	ownerHandlers map[string]Handler
	middleware    []Middleware
	processing    bool

	broker *pubsub.Broker[Event]
	store  *Store // nil disables persistence
}

// Option configures a Bus.
type Option func(*Bus)

// WithStore enables persistence of the queue snapshot and processed set.
func WithStore(store *Store) Option {
	return func(b *Bus) { b.store = store }
}

// WithMiddleware installs handler middleware, applied in order.
func WithMiddleware(mw ...Middleware) Option {
	return func(b *Bus) { b.middleware = append(b.middleware, mw...) }
}

// New creates a Bus. If a store is configured, previously persisted
// messages are re-enqueued and the processed set restored.
func New(opts ...Option) (*Bus, error) {
	b := &Bus{
		queue:         queue.New(),
		processed:     make(map[string]struct{}),
		ownerHandlers: make(map[string]Handler),
		broker:        pubsub.NewBroker[Event](),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.store != nil {
		state, err := b.store.Load()
		if err != nil {
			return nil, err
		}
		for _, id := range state.ProcessedMessageIDs {
			b.processed[id] = struct{}{}
		}
		for _, msg := range state.Queue {
			b.queue.Enqueue(msg)
		}
		if len(state.Queue) > 0 || len(state.ProcessedMessageIDs) > 0 {
			log.Info(log.CatBus, "restored bus state",
				"queued", len(state.Queue), "processed", len(state.ProcessedMessageIDs))
		}
	}

	return b, nil
}

// Subscribe returns a channel of bus events, cleaned up with the context.
func (b *Bus) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// Close shuts down the event broker.
func (b *Bus) Close() {
	b.broker.Close()
}

// Enqueue adds a message and triggers processing. Re-enqueueing an id that
// is queued or already processed is a no-op.
func (b *Bus) Enqueue(ctx context.Context, msg message.QueueMessage) {
	b.mu.Lock()
	if _, done := b.processed[msg.ID]; done || b.queue.Contains(msg.ID) {
		b.mu.Unlock()
		log.Debug(log.CatBus, "duplicate message ignored", "id", msg.ID)
		return
	}
	b.queue.Enqueue(msg)
	b.persistLocked()
	b.mu.Unlock()

	b.broker.Publish(pubsub.CreatedEvent, Event{Kind: EventEnqueued, Message: msg})
	log.Debug(log.CatBus, "enqueued", "id", msg.ID, "type", msg.Type, "owner", msg.OwnerID())

	b.process(ctx)
}

// RegisterDefaultHandler sets the fallback handler for messages without a
// matching owner handler, and re-triggers processing.
func (b *Bus) RegisterDefaultHandler(ctx context.Context, h Handler) Disposable {
	b.mu.Lock()
	b.defaultHandle = h
	b.mu.Unlock()

	b.process(ctx)
	return func() {
		b.mu.Lock()
		b.defaultHandle = nil
		b.mu.Unlock()
	}
}

// RegisterOwnerHandler routes messages owned by ownerID to h and
// re-processes any pending messages for that owner.
func (b *Bus) RegisterOwnerHandler(ctx context.Context, ownerID string, h Handler) Disposable {
	b.mu.Lock()
	b.ownerHandlers[ownerID] = h
	b.mu.Unlock()

	b.process(ctx)
	return func() {
		b.mu.Lock()
		delete(b.ownerHandlers, ownerID)
		b.mu.Unlock()
	}
}

// PendingForOwner returns queued messages routed to ownerID, in delivery
// order, without consuming them.
func (b *Bus) PendingForOwner(ownerID string) []message.QueueMessage {
	var pending []message.QueueMessage
	for _, msg := range b.queue.Snapshot() {
		if msg.OwnerID() == ownerID {
			pending = append(pending, msg)
		}
	}
	return pending
}

// GetByID returns the queued message with the given id, if present.
func (b *Bus) GetByID(id string) (message.QueueMessage, bool) {
	for _, msg := range b.queue.Snapshot() {
		if msg.ID == id {
			return msg, true
		}
	}
	return message.QueueMessage{}, false
}

// IsProcessed reports whether id is in the dedup set.
func (b *Bus) IsProcessed(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.processed[id]
	return ok
}

// MarkProcessed inserts id into the dedup set without delivery.
func (b *Bus) MarkProcessed(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processed[id] = struct{}{}
	b.persistLocked()
}

// Pending returns the number of queued messages.
func (b *Bus) Pending() int {
	return b.queue.Size()
}

// process drains the queue until empty or no queued message has a handler.
// A re-entrancy guard keeps processing single-flight.
func (b *Bus) process(ctx context.Context) {
	for {
		b.mu.Lock()
		if b.processing {
			b.mu.Unlock()
			return
		}
		b.processing = true
		b.mu.Unlock()

		b.drain(ctx)

		// Releasing the guard and re-checking under the same lock closes
		// the window where a concurrent Enqueue saw the guard still held.
		b.mu.Lock()
		b.processing = false
		again := b.hasDeliverableLocked()
		b.mu.Unlock()
		if !again {
			return
		}
	}
}

func (b *Bus) drain(ctx context.Context) {
	for {
		msg, handler, ok := b.next()
		if !ok {
			return
		}

		if err := handler(ctx, msg); err != nil {
			// Handler errors never abort the loop; the message still
			// counts as processed.
			log.ErrorErr(log.CatBus, "handler failed", err, "id", msg.ID, "type", msg.Type)
		}

		b.mu.Lock()
		b.processed[msg.ID] = struct{}{}
		b.persistLocked()
		b.mu.Unlock()

		b.broker.Publish(pubsub.UpdatedEvent, Event{Kind: EventProcessed, Message: msg})
		log.Debug(log.CatBus, "processed", "id", msg.ID, "type", msg.Type)
	}
}

func (b *Bus) hasDeliverableLocked() bool {
	for _, msg := range b.queue.Snapshot() {
		if b.handlerForLocked(msg) != nil {
			return true
		}
	}
	return false
}

// next removes and returns the first deliverable message in dequeue order
// together with its wrapped handler. Messages whose owner has no handler
// (and no default is set) stay queued until a registration re-triggers
// processing; they do not block other owners.
func (b *Bus) next() (message.QueueMessage, Handler, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, msg := range b.queue.Snapshot() {
		handler := b.handlerForLocked(msg)
		if handler == nil {
			log.Debug(log.CatBus, "no handler, leaving queued", "id", msg.ID, "owner", msg.OwnerID())
			continue
		}
		b.queue.Remove(msg.ID)
		return msg, b.wrap(handler), true
	}
	return message.QueueMessage{}, nil, false
}

func (b *Bus) handlerForLocked(msg message.QueueMessage) Handler {
	if ownerID := msg.OwnerID(); ownerID != "" {
		if h, ok := b.ownerHandlers[ownerID]; ok {
			return h
		}
	}
	return b.defaultHandle
}

func (b *Bus) wrap(h Handler) Handler {
	for i := len(b.middleware) - 1; i >= 0; i-- {
		h = b.middleware[i](h)
	}
	return h
}

// persistLocked snapshots the queue and processed set. Caller holds the lock.
func (b *Bus) persistLocked() {
	if b.store == nil {
		return
	}

	ids := make([]string, 0, len(b.processed))
	for id := range b.processed {
		ids = append(ids, id)
	}

	if err := b.store.Save(State{
		Queue:               b.queue.Snapshot(),
		ProcessedMessageIDs: ids,
	}); err != nil {
		log.ErrorErr(log.CatBus, "failed to persist bus state", err)
	}
}
