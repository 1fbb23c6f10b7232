package queue

import "testing"

func TestEnqueueEmitsEnqueuedAndTracksLength(t *testing.T) {
	var events []string
	rt := NewRuntime(func(event string, payload map[string]any) { events = append(events, event) })

	rt.Enqueue(KindMessage, SourceUser, "hello")
	if rt.Len() != 1 {
		t.Fatalf("expected len 1, got %d", rt.Len())
	}
	if len(events) != 1 || events[0] != "enqueued" {
		t.Fatalf("got events %v", events)
	}
}

func TestConsumeEmitsBatchDequeuedInOrder(t *testing.T) {
	var payloads []map[string]any
	rt := NewRuntime(func(event string, payload map[string]any) {
		if event == "batch_dequeued" {
			payloads = append(payloads, payload)
		}
	})
	a := rt.Enqueue(KindMessage, SourceUser, "a")
	b := rt.Enqueue(KindMessage, SourceUser, "b")

	batch := rt.Consume(2)
	if len(batch) != 2 || batch[0].ID != a.ID || batch[1].ID != b.ID {
		t.Fatalf("expected order-preserving batch, got %+v", batch)
	}
	if rt.Len() != 0 {
		t.Fatalf("expected empty queue after consume, got %d", rt.Len())
	}
	if len(payloads) != 1 {
		t.Fatalf("expected 1 batch_dequeued event, got %d", len(payloads))
	}
}

func TestConsumeZeroEmitsNothing(t *testing.T) {
	var events []string
	rt := NewRuntime(func(event string, payload map[string]any) { events = append(events, event) })
	rt.Consume(5)
	if len(events) != 0 {
		t.Fatalf("expected no events for an empty consume, got %v", events)
	}
}

func TestTryDequeueLatchesBlockedOnceWhileTurnActive(t *testing.T) {
	var blockedCount int
	rt := NewRuntime(func(event string, payload map[string]any) {
		if event == "blocked" {
			blockedCount++
		}
	})
	rt.Enqueue(KindMessage, SourceUser, "a")

	rt.TryDequeue("turn active", 1)
	rt.TryDequeue("turn active", 1)
	if blockedCount != 1 {
		t.Fatalf("expected blocked latched exactly once, got %d", blockedCount)
	}
	if !rt.Blocked() {
		t.Fatal("expected blocked latch set")
	}
	if rt.Len() != 1 {
		t.Fatalf("expected item retained while blocked, got len %d", rt.Len())
	}
}

func TestTryDequeueDrainsWhenNoPendingTurns(t *testing.T) {
	rt := NewRuntime(nil)
	rt.Enqueue(KindMessage, SourceUser, "a")
	rt.Enqueue(KindMessage, SourceUser, "b")

	batch := rt.TryDequeue("drain", 0)
	if len(batch) != 2 {
		t.Fatalf("expected both items drained, got %d", len(batch))
	}
	if rt.Len() != 0 {
		t.Fatalf("expected empty queue, got %d", rt.Len())
	}
}

func TestClearEmitsClearedAndDrains(t *testing.T) {
	var reasons []string
	rt := NewRuntime(func(event string, payload map[string]any) {
		if event == "cleared" {
			reasons = append(reasons, payload["reason"].(string))
		}
	})
	rt.Enqueue(KindMessage, SourceUser, "a")
	rt.Clear("shutdown")

	if rt.Len() != 0 {
		t.Fatalf("expected drained queue, got %d", rt.Len())
	}
	if len(reasons) != 1 || reasons[0] != "shutdown" {
		t.Fatalf("got reasons %v", reasons)
	}
}

func TestDropRemovesSingleItem(t *testing.T) {
	var dropped []string
	rt := NewRuntime(func(event string, payload map[string]any) {
		if event == "dropped" {
			dropped = append(dropped, payload["item_id"].(string))
		}
	})
	a := rt.Enqueue(KindMessage, SourceUser, "a")
	rt.Enqueue(KindMessage, SourceUser, "b")

	rt.Drop(a.ID, "stale")
	if rt.Len() != 1 {
		t.Fatalf("expected 1 item remaining, got %d", rt.Len())
	}
	if len(dropped) != 1 || dropped[0] != a.ID {
		t.Fatalf("got dropped %v", dropped)
	}
}
