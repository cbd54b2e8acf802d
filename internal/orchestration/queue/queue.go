// Package queue provides a thread-safe priority queue for orchestration
// messages. Higher-priority messages dequeue first; ties resolve FIFO.
package queue

import (
	"sort"
	"sync"

	"github.com/OmerMachluf/copilot-orchestrator/internal/orchestration/message"
)

type entry struct {
	msg message.QueueMessage
	seq uint64
}

// PriorityQueue orders messages by priority rank, FIFO within a rank.
// All operations are synchronous and safe for concurrent use.
type PriorityQueue struct {
	mu      sync.Mutex
	entries []entry
	nextSeq uint64
}

// New creates an empty PriorityQueue.
func New() *PriorityQueue {
	return &PriorityQueue{}
}

// Enqueue adds a message to the queue.
func (q *PriorityQueue) Enqueue(msg message.QueueMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.entries = append(q.entries, entry{msg: msg, seq: q.nextSeq})
	q.nextSeq++
}

// Dequeue removes and returns the highest-priority message, FIFO within
// equal priority. Returns (zero value, false) if the queue is empty.
func (q *PriorityQueue) Dequeue() (message.QueueMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.bestLocked()
	if idx < 0 {
		return message.QueueMessage{}, false
	}

	msg := q.entries[idx].msg
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	return msg, true
}

// Peek returns the message Dequeue would return, without removing it.
func (q *PriorityQueue) Peek() (message.QueueMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.bestLocked()
	if idx < 0 {
		return message.QueueMessage{}, false
	}
	return q.entries[idx].msg, true
}

// bestLocked returns the index of the highest-priority, oldest entry,
// or -1 when empty. Caller holds the lock.
func (q *PriorityQueue) bestLocked() int {
	best := -1
	for i, e := range q.entries {
		if best < 0 {
			best = i
			continue
		}
		b := q.entries[best]
		if e.msg.Priority.Rank() > b.msg.Priority.Rank() ||
			(e.msg.Priority.Rank() == b.msg.Priority.Rank() && e.seq < b.seq) {
			best = i
		}
	}
	return best
}

// Size returns the number of queued messages.
func (q *PriorityQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Contains reports whether a message with the given id is queued.
func (q *PriorityQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.msg.ID == id {
			return true
		}
	}
	return false
}

// Remove deletes the message with the given id from the queue.
// Returns false if no such message is queued.
func (q *PriorityQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.msg.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the queued messages in dequeue order.
func (q *PriorityQueue) Snapshot() []message.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	sorted := make([]entry, len(q.entries))
	copy(sorted, q.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := sorted[i].msg.Priority.Rank(), sorted[j].msg.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return sorted[i].seq < sorted[j].seq
	})

	msgs := make([]message.QueueMessage, len(sorted))
	for i, e := range sorted {
		msgs[i] = e.msg
	}
	return msgs
}

// Clear removes all queued messages.
func (q *PriorityQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}
