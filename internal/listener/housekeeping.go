package listener

import (
	"time"

	"github.com/robfig/cron/v3"
)

// startHousekeeping runs the runtime's background maintenance on a cron
// schedule, grounded on the teacher's internal/cron scheduler usage
// (recurring jobs via robfig/cron) generalized from reminder scheduling
// to approval-request TTL enforcement. It is a no-op if already running.
func (r *Runtime) startHousekeeping() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cronSched != nil {
		return
	}
	sched := cron.New()
	_, err := sched.AddFunc("@every 1m", r.sweepExpiredApprovalRequests)
	if err != nil {
		r.logger.Error("listener: failed to schedule housekeeping sweep", "error", err)
		return
	}
	sched.Start()
	r.cronSched = sched
}

func (r *Runtime) stopHousekeeping() {
	r.mu.Lock()
	sched := r.cronSched
	r.cronSched = nil
	r.mu.Unlock()
	if sched != nil {
		<-sched.Stop().Done()
	}
}

// sweepExpiredApprovalRequests rejects any needs-user-input control
// request that has outlived approvalRequestTTL without a response,
// unblocking the resolveApprovals goroutine waiting on it rather than
// holding a turn open forever for an operator who never answers.
func (r *Runtime) sweepExpiredApprovalRequests() {
	now := time.Now()
	var expired []string

	r.mu.Lock()
	for id, requestedAt := range r.pendingRequestedAt {
		if now.Sub(requestedAt) >= approvalRequestTTL {
			expired = append(expired, id)
		}
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.rejectPendingResolver(id, "approval request timed out")
	}
}
