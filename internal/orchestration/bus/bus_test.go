package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
)

func newMsg(id string, p message.Priority, opts ...message.Option) message.QueueMessage {
	m := message.QueueMessage{ID: id, Timestamp: time.Now(), Priority: p, Type: message.TypeStatusUpdate}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// recorder collects delivered message ids.
type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) handler(err error) Handler {
	return func(_ context.Context, msg message.QueueMessage) error {
		r.mu.Lock()
		r.ids = append(r.ids, msg.ID)
		r.mu.Unlock()
		return err
	}
}

func (r *recorder) got() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestBus_DeliversToDefaultHandler(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	b.RegisterDefaultHandler(ctx, rec.handler(nil))

	b.Enqueue(ctx, newMsg("m1", message.PriorityNormal))
	require.Equal(t, []string{"m1"}, rec.got())
	require.True(t, b.IsProcessed("m1"))
	require.Equal(t, 0, b.Pending())
}

func TestBus_DuplicateEnqueueIsNoop(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	b.RegisterDefaultHandler(ctx, rec.handler(nil))

	m := newMsg("dup", message.PriorityNormal)
	b.Enqueue(ctx, m)
	b.Enqueue(ctx, m)

	require.Equal(t, []string{"dup"}, rec.got(), "same id must deliver exactly once")
}

func TestBus_OwnerRouting(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	owned := &recorder{}
	fallback := &recorder{}
	b.RegisterOwnerHandler(ctx, "worker-1", owned.handler(nil))
	b.RegisterDefaultHandler(ctx, fallback.handler(nil))

	b.Enqueue(ctx, newMsg("for-worker", message.PriorityNormal,
		message.WithOwner(message.OwnerWorker, "worker-1")))
	b.Enqueue(ctx, newMsg("for-other", message.PriorityNormal,
		message.WithOwner(message.OwnerWorker, "worker-2")))
	b.Enqueue(ctx, newMsg("unowned", message.PriorityNormal))

	require.Equal(t, []string{"for-worker"}, owned.got())
	// worker-2 has no handler; the default takes it.
	require.ElementsMatch(t, []string{"for-other", "unowned"}, fallback.got())
}

func TestBus_MessageWaitsForHandlerRegistration(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	b.Enqueue(ctx, newMsg("waiting", message.PriorityNormal,
		message.WithOwner(message.OwnerWorker, "worker-1")))
	require.Equal(t, 1, b.Pending(), "message with no handler stays queued")
	require.False(t, b.IsProcessed("waiting"))

	rec := &recorder{}
	b.RegisterOwnerHandler(ctx, "worker-1", rec.handler(nil))

	require.Equal(t, []string{"waiting"}, rec.got(), "registration must re-trigger processing")
	require.Equal(t, 0, b.Pending())
}

func TestBus_UnhandledOwnerDoesNotBlockOthers(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	b.RegisterOwnerHandler(ctx, "worker-2", rec.handler(nil))

	// Higher priority, but nobody is listening for worker-1 and there is
	// no default handler.
	b.Enqueue(ctx, newMsg("stuck", message.PriorityCritical,
		message.WithOwner(message.OwnerWorker, "worker-1")))
	b.Enqueue(ctx, newMsg("deliverable", message.PriorityLow,
		message.WithOwner(message.OwnerWorker, "worker-2")))

	require.Equal(t, []string{"deliverable"}, rec.got())
	require.Equal(t, 1, b.Pending())
}

func TestBus_HandlerErrorStillMarksProcessed(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	b.RegisterDefaultHandler(ctx, rec.handler(errors.New("handler exploded")))

	b.Enqueue(ctx, newMsg("m1", message.PriorityNormal))
	b.Enqueue(ctx, newMsg("m2", message.PriorityNormal))

	require.Equal(t, []string{"m1", "m2"}, rec.got(), "error must not abort the loop")
	require.True(t, b.IsProcessed("m1"))
	require.True(t, b.IsProcessed("m2"))
}

func TestBus_PriorityThenFIFOPerOwner(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	// Enqueue before any handler exists so ordering is decided by the queue.
	owner := message.WithOwner(message.OwnerWorker, "w")
	b.Enqueue(ctx, newMsg("n1", message.PriorityNormal, owner))
	b.Enqueue(ctx, newMsg("c1", message.PriorityCritical, owner))
	b.Enqueue(ctx, newMsg("n2", message.PriorityNormal, owner))
	b.Enqueue(ctx, newMsg("h1", message.PriorityHigh, owner))

	rec := &recorder{}
	b.RegisterOwnerHandler(ctx, "w", rec.handler(nil))

	require.Equal(t, []string{"c1", "h1", "n1", "n2"}, rec.got())
}

func TestBus_PendingForOwnerAndGetByID(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	b.Enqueue(ctx, newMsg("a", message.PriorityHigh,
		message.WithOwner(message.OwnerWorker, "w1")))
	b.Enqueue(ctx, newMsg("b", message.PriorityNormal,
		message.WithOwner(message.OwnerWorker, "w2")))

	pending := b.PendingForOwner("w1")
	require.Len(t, pending, 1)
	require.Equal(t, "a", pending[0].ID)

	got, ok := b.GetByID("b")
	require.True(t, ok)
	require.Equal(t, "b", got.ID)

	_, ok = b.GetByID("nope")
	require.False(t, ok)

	// Inspection does not consume.
	require.Equal(t, 2, b.Pending())
}

func TestBus_MarkProcessedSuppressesDelivery(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	b.RegisterDefaultHandler(ctx, rec.handler(nil))

	b.MarkProcessed("pre-marked")
	b.Enqueue(ctx, newMsg("pre-marked", message.PriorityNormal))

	require.Empty(t, rec.got())
}

func TestBus_DisposableUnregisters(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	dispose := b.RegisterDefaultHandler(ctx, rec.handler(nil))
	dispose()

	b.Enqueue(ctx, newMsg("orphan", message.PriorityNormal))
	require.Empty(t, rec.got())
	require.Equal(t, 1, b.Pending())
}

func TestBus_PersistsAndRestoresAcrossRestart(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	b1, err := New(WithStore(NewStore(ws)))
	require.NoError(t, err)

	rec1 := &recorder{}
	dispose := b1.RegisterDefaultHandler(ctx, rec1.handler(nil))
	b1.Enqueue(ctx, newMsg("done", message.PriorityNormal))
	dispose()
	// With no handler registered at all, the owned message stays queued
	// and is persisted as pending.
	b1.Enqueue(ctx, newMsg("pending", message.PriorityNormal,
		message.WithOwner(message.OwnerWorker, "w1")))
	b1.Close()

	// "Restart": a fresh bus over the same store.
	b2, err := New(WithStore(NewStore(ws)))
	require.NoError(t, err)
	defer b2.Close()

	require.True(t, b2.IsProcessed("done"), "processed set must survive restart")
	require.Equal(t, 1, b2.Pending())

	rec2 := &recorder{}
	b2.RegisterDefaultHandler(ctx, rec2.handler(nil))
	require.Equal(t, []string{"pending"}, rec2.got())

	// At-most-once across the restart boundary.
	b2.Enqueue(ctx, newMsg("done", message.PriorityNormal))
	require.Empty(t, rec2.got()[1:], "restored processed id must not redeliver")
}

func TestBus_MiddlewareWrapsHandlers(t *testing.T) {
	b, err := New(WithMiddleware(func(next Handler) Handler {
		return func(ctx context.Context, msg message.QueueMessage) error {
			msg.Content = "seen:" + msg.Content
			return next(ctx, msg)
		}
	}))
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	var content string
	b.RegisterDefaultHandler(ctx, func(_ context.Context, msg message.QueueMessage) error {
		content = msg.Content
		return nil
	})

	b.Enqueue(ctx, newMsg("m", message.PriorityNormal))
	require.Equal(t, "seen:", content)
}

func TestBus_Throughput(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	b.RegisterDefaultHandler(ctx, rec.handler(nil))

	const n = 500
	start := time.Now()
	for i := 0; i < n; i++ {
		b.Enqueue(ctx, newMsg(fmt.Sprintf("m%d", i), message.PriorityNormal))
	}
	elapsed := time.Since(start)

	require.Len(t, rec.got(), n)
	require.Less(t, elapsed, 5*time.Second,
		"processing %d messages took %v, below 100 msg/s", n, elapsed)
}

func TestBus_ConcurrentEnqueue(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	rec := &recorder{}
	b.RegisterDefaultHandler(ctx, rec.handler(nil))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				b.Enqueue(ctx, newMsg(fmt.Sprintf("m-%d-%d", n, j), message.PriorityNormal))
			}
		}(i)
	}
	wg.Wait()

	// Every message is eventually delivered exactly once.
	require.Eventually(t, func() bool {
		return len(rec.got()) == 400 && b.Pending() == 0
	}, 2*time.Second, 10*time.Millisecond)

	seen := make(map[string]int)
	for _, id := range rec.got() {
		seen[id]++
		require.Equal(t, 1, seen[id], "message %s delivered more than once", id)
	}
}
