package recovery

import (
	"testing"
	"time"
)

func TestClassifyPendingApprovalsWinsOverEverythingElse(t *testing.T) {
	c := Classify(Error{HasPendingApprovals: true, Transient: true, ConversationBusy: true})
	if c != ResolveApprovalPending {
		t.Fatalf("expected resolve_approval_pending, got %v", c)
	}
}

func TestClassifyTransient(t *testing.T) {
	c := Classify(Error{Transient: true})
	if c != RetryTransient {
		t.Fatalf("got %v", c)
	}
	if MaxRetries(c) != 3 {
		t.Fatalf("expected max 3 retries, got %d", MaxRetries(c))
	}
}

func TestClassifyConversationBusy(t *testing.T) {
	c := Classify(Error{ConversationBusy: true})
	if c != RetryConversationBusy {
		t.Fatalf("got %v", c)
	}
	if MaxRetries(c) != 1 {
		t.Fatalf("expected max 1 retry, got %d", MaxRetries(c))
	}
}

func TestClassifyFatalByDefault(t *testing.T) {
	c := Classify(Error{})
	if c != Fatal {
		t.Fatalf("got %v", c)
	}
	if MaxRetries(c) != 0 {
		t.Fatalf("expected no retries for fatal, got %d", MaxRetries(c))
	}
}

func TestTransientDelaySchedule(t *testing.T) {
	policy := TransientPolicy()
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}
	for _, c := range cases {
		got := DelayWithRand(policy, c.attempt, 0, 0)
		if got != c.want {
			t.Fatalf("attempt %d: got %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestTransientDelayCapsAt30Seconds(t *testing.T) {
	policy := TransientPolicy()
	got := DelayWithRand(policy, 10, 0, 0)
	if got != 30*time.Second {
		t.Fatalf("expected cap at 30s, got %v", got)
	}
}

func TestRetryAfterOverridesComputedDelay(t *testing.T) {
	policy := TransientPolicy()
	got := DelayWithRand(policy, 1, 7*time.Second, 0)
	if got != 7*time.Second {
		t.Fatalf("expected Retry-After override, got %v", got)
	}
}

func TestConversationBusyDelayIsFixed(t *testing.T) {
	policy := ConversationBusyPolicy()
	got := DelayWithRand(policy, 1, 0, 0)
	if got != 2500*time.Millisecond {
		t.Fatalf("got %v", got)
	}
}
