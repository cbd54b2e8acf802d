package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBuffer = 64

// Broker delivers published events to every live subscriber. Delivery is
// best-effort: a subscriber that stops draining loses events rather than
// blocking the publisher.
type Broker[T any] struct {
	mu        sync.RWMutex
	listeners map[chan Event[T]]struct{}
	closed    chan struct{}
	buffer    int
}

// NewBroker creates a Broker with the default per-subscriber buffer.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](defaultBuffer)
}

// NewBrokerWithBuffer creates a Broker whose subscriber channels hold up
// to size undelivered events.
func NewBrokerWithBuffer[T any](size int) *Broker[T] {
	return &Broker[T]{
		listeners: make(map[chan Event[T]]struct{}),
		closed:    make(chan struct{}),
		buffer:    size,
	}
}

// Subscribe registers a listener. The returned channel closes when ctx is
// cancelled or the broker shuts down; on an already-closed broker it
// comes back closed immediately.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		ch := make(chan Event[T])
		close(ch)
		return ch
	}

	ch := make(chan Event[T], b.buffer)
	b.listeners[ch] = struct{}{}

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.isClosed() {
			return
		}
		delete(b.listeners, ch)
		close(ch)
	}()

	return ch
}

// Publish stamps the payload and offers it to every subscriber without
// blocking; full subscribers are skipped.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.isClosed() {
		return
	}

	ev := Event[T]{Type: eventType, Payload: payload, Timestamp: time.Now()}
	for ch := range b.listeners {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close shuts the broker down and closes every subscriber channel.
// Publish and Subscribe become no-ops afterwards.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.isClosed() {
		return
	}
	close(b.closed)
	for ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}

// SubscriberCount reports how many listeners are registered.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// isClosed is safe under either lock mode.
func (b *Broker[T]) isClosed() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}
