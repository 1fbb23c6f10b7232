// Package queue implements the Queue Runtime (C11): ordered user-message
// queue items with enqueue/dequeue/blocked/cleared/dropped lifecycle
// events, grounded on the teacher's non-blocking EventSink contract
// (internal/agent/event_sink.go).
package queue

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind distinguishes a user turn from an approval-recovery item.
type Kind string

const (
	KindMessage  Kind = "message"
	KindApproval Kind = "approval"
)

// Source is who produced the queue item.
type Source string

const (
	SourceUser   Source = "user"
	SourceSystem Source = "system"
)

// Item is one queued turn or approval-recovery payload.
type Item struct {
	ID         string
	Kind       Kind
	Source     Source
	Content    any
	EnqueuedAt time.Time
}

// Sink receives queue lifecycle events. Implementations must not block;
// the runtime calls it while holding no internal lock but on whatever
// goroutine invoked the mutating method.
type Sink func(event string, payload map[string]any)

// Runtime tracks an ordered sequence of queue items plus a latched
// "blocked" state, per spec.md §4.11.
type Runtime struct {
	mu      sync.Mutex
	items   []Item
	blocked bool
	sink    Sink
	now     func() time.Time
}

// NewRuntime returns an empty Runtime. A nil sink is replaced with a
// no-op.
func NewRuntime(sink Sink) *Runtime {
	if sink == nil {
		sink = func(string, map[string]any) {}
	}
	return &Runtime{sink: sink, now: time.Now}
}

// Enqueue appends an item, assigns its id and enqueued_at, and emits
// "enqueued".
func (r *Runtime) Enqueue(kind Kind, source Source, content any) Item {
	r.mu.Lock()
	item := Item{ID: uuid.NewString(), Kind: kind, Source: source, Content: content, EnqueuedAt: r.now()}
	r.items = append(r.items, item)
	queueLen := len(r.items)
	r.mu.Unlock()

	r.sink("enqueued", map[string]any{"item": item, "queue_len_after": queueLen})
	return item
}

// Len returns the current queue length.
func (r *Runtime) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// Consume removes and returns up to n items from the front of the
// queue, emitting "batch_dequeued". Consuming zero items emits nothing.
func (r *Runtime) Consume(n int) []Item {
	r.mu.Lock()
	if n > len(r.items) {
		n = len(r.items)
	}
	batch := append([]Item(nil), r.items[:n]...)
	r.items = r.items[n:]
	queueLenAfter := len(r.items)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	ids := make([]string, len(batch))
	for i, it := range batch {
		ids[i] = it.ID
	}
	r.sink("batch_dequeued", map[string]any{
		"batch_id":        uuid.NewString(),
		"item_ids":        ids,
		"merged_count":    len(batch),
		"queue_len_after": queueLenAfter,
	})
	return batch
}

// TryDequeue drains the whole queue unless pendingTurns > 0 (another
// turn is already active), in which case it latches "blocked" instead
// and returns nothing. The latch fires "blocked" only on its rising
// edge, matching the once-per-block-episode semantics of the source
// system.
func (r *Runtime) TryDequeue(reason string, pendingTurns int) []Item {
	if pendingTurns > 0 {
		r.mu.Lock()
		alreadyBlocked := r.blocked
		r.blocked = true
		r.mu.Unlock()
		if !alreadyBlocked {
			r.sink("blocked", map[string]any{"reason": reason})
		}
		return nil
	}
	return r.Consume(r.Len())
}

// ResetBlocked clears the blocked latch. Callers invoke this once the
// task chain has drained to zero pending turns.
func (r *Runtime) ResetBlocked() {
	r.mu.Lock()
	r.blocked = false
	r.mu.Unlock()
}

// Blocked reports the current latch state.
func (r *Runtime) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

// Clear drains the queue unconditionally and emits "cleared".
func (r *Runtime) Clear(reason string) {
	r.mu.Lock()
	droppedCount := len(r.items)
	r.items = nil
	r.blocked = false
	r.mu.Unlock()

	r.sink("cleared", map[string]any{"reason": reason, "dropped_count": droppedCount})
}

// Drop removes a single stale item (by id) and emits "dropped". A
// missing id is a no-op.
func (r *Runtime) Drop(itemID, reason string) {
	r.mu.Lock()
	found := false
	for i, it := range r.items {
		if it.ID == itemID {
			r.items = append(r.items[:i], r.items[i+1:]...)
			found = true
			break
		}
	}
	r.mu.Unlock()

	if found {
		r.sink("dropped", map[string]any{"item_id": itemID, "reason": reason})
	}
}
