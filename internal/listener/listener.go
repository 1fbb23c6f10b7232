// Package listener implements the Listener Runtime (C13) and Pending
// Approval Recovery (C14): WebSocket connect/reconnect/heartbeat, frame
// routing, the turn/approval-loop state machine, and reconnect
// snapshots. Grounded on the teacher's edge daemon client
// (internal/edge/client.go)'s Run/receiveLoop/heartbeatLoop goroutines
// and internal/agent/loop.go's loop-state shape.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/robfig/cron/v3"

	"github.com/letta-ai/exec-agent/internal/approval"
	"github.com/letta-ai/exec-agent/internal/convo"
	"github.com/letta-ai/exec-agent/internal/metrics"
	"github.com/letta-ai/exec-agent/internal/permission"
	"github.com/letta-ai/exec-agent/internal/protocol"
	"github.com/letta-ai/exec-agent/internal/queue"
	"github.com/letta-ai/exec-agent/internal/recovery"
)

const (
	heartbeatInterval    = 30 * time.Second
	reconnectBudget      = 5 * time.Minute
	reconnectBase        = 1 * time.Second
	reconnectCap         = 30 * time.Second
	closeCodeEnvNotFound = 1008

	// approvalRequestTTL bounds how long a needs-user-input control
	// request waits for an operator response before the housekeeping
	// sweep rejects it, freeing the blocked resolveApprovals caller.
	approvalRequestTTL = 10 * time.Minute
)

// RunMeta tracks the active run within a turn.
type RunMeta struct {
	AgentID        string
	ConversationID string
	RunID          string
	StartedAt      time.Time
}

// AlwaysAskTools require user interaction regardless of what the engine
// would otherwise decide, per spec.md §4.13 step 7.
var AlwaysAskTools = map[string]bool{
	"AskUserQuestion": true,
	"EnterPlanMode":   true,
	"ExitPlanMode":    true,
}

// Options configures a Runtime.
type Options struct {
	URL    string
	Dialer *websocket.Dialer
	Header map[string][]string

	Engine   *permission.Engine
	Mode     *permission.ModeController
	Convo    convo.Service
	Executor approval.ToolExecutor
	Logger   *slog.Logger

	// LegacyEngine, when set, makes every permission check run through
	// permission.DualEval against Engine, logging mismatches between
	// the v2 and legacy v1 engines. Controlled by LETTA_PERMISSIONS_DUAL_EVAL.
	LegacyEngine *permission.Engine

	// Metrics is optional; when nil, Prometheus observations are skipped.
	Metrics *metrics.Metrics

	// OnEnvironmentNotFound is invoked on a 1008 close instead of the
	// normal reconnect schedule.
	OnEnvironmentNotFound func()
}

// Runtime is the single active listener runtime for a process.
type Runtime struct {
	opts Options

	mu                      sync.Mutex
	conn                    *websocket.Conn
	writeMu                 sync.Mutex
	enc                     *protocol.Encoder
	queueRt                 *queue.Runtime
	sessionID               string
	pendingResolvers        map[string]chan protocol.ControlResponsePayload
	pendingRequestedAt      map[string]time.Time
	cronSched               *cron.Cron
	controlResponseCapable  bool
	intentionallyClosed     bool
	hasSuccessfulConnection bool
	isProcessing            bool
	lastStopReason          string
	activeRun               *RunMeta
	pendingTurns            int
	isRecoveringApprovals   bool
	queueClearedEmitted     bool
	heartbeatStop           chan struct{}

	logger *slog.Logger
}

// New returns a Runtime in its initial, disconnected state.
func New(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := uuid.NewString()
	r := &Runtime{
		opts:             opts,
		sessionID:        sessionID,
		enc:              protocol.NewEncoder(sessionID),
		pendingResolvers: make(map[string]chan protocol.ControlResponsePayload),
		pendingRequestedAt: make(map[string]time.Time),
		logger:           logger,
	}
	r.queueRt = queue.NewRuntime(func(event string, payload map[string]any) {
		r.emitQueueEvent(event, payload)
	})
	return r
}

// SessionID returns the runtime's stable session id.
func (r *Runtime) SessionID() string { return r.sessionID }

// Stop replaces this runtime: marks intentionally_closed, closes the
// socket, and rejects all pending resolvers ("stopping supersedes",
// spec.md §4.13).
func (r *Runtime) Stop() {
	r.mu.Lock()
	r.intentionallyClosed = true
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	r.cleanupAfterDisconnect()
}

// Run drives the connect/reconnect loop until ctx is cancelled or Stop
// is called.
func (r *Runtime) Run(ctx context.Context) error {
	r.startHousekeeping()
	defer r.stopHousekeeping()

	for {
		select {
		case <-ctx.Done():
			r.cleanupAfterDisconnect()
			return ctx.Err()
		default:
		}

		closeCode, err := r.connectAndServe(ctx)
		if err != nil {
			return err
		}

		r.mu.Lock()
		closed := r.intentionallyClosed
		r.mu.Unlock()
		if closed {
			return nil
		}
		if closeCode == closeCodeEnvNotFound {
			if r.opts.OnEnvironmentNotFound != nil {
				r.opts.OnEnvironmentNotFound()
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// connectAndServe dials with retry, serves frames until the connection
// drops, tears down, and returns the close code observed (0 if none).
func (r *Runtime) connectAndServe(ctx context.Context) (int, error) {
	if err := r.connectWithRetry(ctx); err != nil {
		return 0, err
	}
	closeCode := r.serveUntilDisconnect(ctx)
	return closeCode, nil
}

// connectWithRetry dials with exponential backoff (1s, 2s, ..., capped
// at 30s) for up to a 5 minute budget measured from this call's first
// attempt. Because every call starts its own deadline, a connection
// that later drops after succeeding here gets a fresh budget on the
// next call, matching the "retry budget resets after a prior successful
// connection" rule.
func (r *Runtime) connectWithRetry(ctx context.Context) error {
	deadline := time.Now().Add(reconnectBudget)
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		dialer := r.opts.Dialer
		if dialer == nil {
			dialer = websocket.DefaultDialer
		}
		conn, _, err := dialer.DialContext(ctx, r.opts.URL, r.opts.Header)
		if err == nil {
			r.mu.Lock()
			r.conn = conn
			r.intentionallyClosed = false
			r.hasSuccessfulConnection = true
			r.mu.Unlock()
			r.open(ctx)
			return nil
		}

		attempt++
		r.logger.Warn("listener connect failed", "attempt", attempt, "error", err)
		if time.Now().After(deadline) {
			return fmt.Errorf("listener: reconnect budget exhausted: %w", err)
		}
		delay := recovery.DelayWithRand(recovery.Policy{
			InitialMs: float64(reconnectBase.Milliseconds()),
			MaxMs:     float64(reconnectCap.Milliseconds()),
			Factor:    2,
			Jitter:    0,
		}, attempt, 0, 0)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// open emits the current mode as mode_changed and starts the heartbeat.
func (r *Runtime) open(ctx context.Context) {
	mode := r.opts.Mode.Mode()
	r.send(r.enc.ModeChanged(map[string]any{"mode": mode}))

	stop := make(chan struct{})
	r.mu.Lock()
	r.heartbeatStop = stop
	r.mu.Unlock()
	go r.heartbeatLoop(ctx, stop)
}

func (r *Runtime) heartbeatLoop(ctx context.Context, stop chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			r.send(r.enc.Ping())
		}
	}
}

// serveUntilDisconnect reads frames until the connection errors or
// closes, dispatching each to handleFrame, then tears down for this
// episode and returns the observed close code.
func (r *Runtime) serveUntilDisconnect(ctx context.Context) int {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return 0
	}

	closeCode := 0
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				closeCode = ce.Code
			}
			break
		}
		frame, perr := protocol.ParseInbound(data)
		if perr != nil {
			r.logger.Debug("unparseable frame", "error", perr)
			continue
		}
		r.handleFrame(ctx, frame)
	}

	r.mu.Lock()
	if r.heartbeatStop != nil {
		close(r.heartbeatStop)
		r.heartbeatStop = nil
	}
	r.mu.Unlock()

	r.cleanupAfterDisconnect()
	return closeCode
}

// cleanupAfterDisconnect rejects all pending resolvers and emits
// queue_cleared{reason=shutdown} exactly once per runtime lifetime,
// covering both intentional and unintentional teardown.
func (r *Runtime) cleanupAfterDisconnect() {
	r.rejectAllResolvers("WebSocket disconnected")

	r.mu.Lock()
	alreadyEmitted := r.queueClearedEmitted
	r.queueClearedEmitted = true
	r.mu.Unlock()
	if !alreadyEmitted {
		r.queueRt.Clear("shutdown")
	}
}

func (r *Runtime) rejectAllResolvers(reason string) {
	r.mu.Lock()
	resolvers := r.pendingResolvers
	r.pendingResolvers = make(map[string]chan protocol.ControlResponsePayload)
	r.pendingRequestedAt = make(map[string]time.Time)
	r.mu.Unlock()

	for _, ch := range resolvers {
		ch <- protocol.ControlResponsePayload{Subtype: "error", Error: reason}
		close(ch)
	}
}

// rejectPendingResolver rejects and removes a single pending resolver by
// request id, if it is still outstanding. Used by the housekeeping TTL
// sweep; a no-op if the request was already answered or already removed.
func (r *Runtime) rejectPendingResolver(requestID, reason string) {
	r.mu.Lock()
	ch, ok := r.pendingResolvers[requestID]
	if ok {
		delete(r.pendingResolvers, requestID)
		delete(r.pendingRequestedAt, requestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ch <- protocol.ControlResponsePayload{Subtype: "error", Error: reason}
	close(ch)
}

func (r *Runtime) send(frame protocol.Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		r.logger.Error("failed to marshal outbound frame", "error", err)
		return
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	if r.opts.Metrics != nil && frame.Seq != nil {
		r.opts.Metrics.EventSeq.Set(float64(*frame.Seq))
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.logger.Warn("failed to write frame", "error", err)
	}
}

func (r *Runtime) observePermissionDecision(decision string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.PermissionDecisions.WithLabelValues(decision).Inc()
	}
}

// errorEvent builds an error event payload per spec.md's
// error{message, stop_reason, run_id?} shape, threading through the
// given run (if any) so a client can correlate the error with a turn
// without a separate lookup.
func (r *Runtime) errorEvent(message string, run *RunMeta) map[string]any {
	r.mu.Lock()
	stopReason := r.lastStopReason
	r.mu.Unlock()
	payload := map[string]any{"message": message, "stop_reason": stopReason}
	if run != nil && run.RunID != "" {
		payload["run_id"] = run.RunID
	}
	return payload
}

// resultEvent builds the rich result payload documented in spec.md:
// result{subtype, agent_id, conversation_id, duration_ms,
// duration_api_ms, num_turns, result, run_ids[], usage, stop_reason?}.
func (r *Runtime) resultEvent(subtype, stopReason, resultText string, numTurns int, run *RunMeta) map[string]any {
	payload := map[string]any{
		"subtype":   subtype,
		"num_turns": numTurns,
		"result":    resultText,
		"usage":     map[string]any{},
		"run_ids":   []string{},
	}
	if stopReason != "" {
		payload["stop_reason"] = stopReason
	}
	if run != nil {
		payload["agent_id"] = run.AgentID
		payload["conversation_id"] = run.ConversationID
		if run.RunID != "" {
			payload["run_ids"] = []string{run.RunID}
		}
		durationMs := time.Since(run.StartedAt).Milliseconds()
		payload["duration_ms"] = durationMs
		payload["duration_api_ms"] = durationMs
	}
	return payload
}

func (r *Runtime) emitQueueEvent(event string, payload map[string]any) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.QueueLen.Set(float64(r.queueRt.Len()))
	}
	var frame protocol.Frame
	switch event {
	case "enqueued":
		frame = r.enc.QueueEnqueued(payload)
	case "batch_dequeued":
		frame = r.enc.QueueBatch(payload)
	case "blocked":
		frame = r.enc.QueueBlocked(payload)
	case "cleared":
		frame = r.enc.QueueCleared(payload)
	case "dropped":
		frame = r.enc.QueueDropped(payload)
	default:
		return
	}
	r.send(frame)
}

// handleFrame dispatches one parsed inbound frame. Dispatch never tears
// the connection down on its own; errors are logged.
func (r *Runtime) handleFrame(ctx context.Context, f *protocol.Frame) {
	switch f.Type {
	case protocol.InControlResponse:
		r.handleControlResponse(f)
	case protocol.InStatus:
		r.handleStatus(f)
	case protocol.InModeChange:
		r.handleModeChange(f)
	case protocol.InGetStatus:
		r.handleGetStatus()
	case protocol.InGetState:
		r.handleGetState()
	case protocol.InRecoverPendingApprovals:
		go r.handleRecoverPendingApprovals(ctx, f)
	case protocol.InMessage:
		r.handleMessageFrame(ctx, f)
	case protocol.InPong:
		// no-op: TCP-level liveness only.
	}
}

func (r *Runtime) handleControlResponse(f *protocol.Frame) {
	var payload protocol.ControlResponsePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return
	}
	r.mu.Lock()
	ch, ok := r.pendingResolvers[payload.RequestID]
	if ok {
		delete(r.pendingResolvers, payload.RequestID)
		delete(r.pendingRequestedAt, payload.RequestID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	ch <- payload
	close(ch)
}

func (r *Runtime) handleStatus(f *protocol.Frame) {
	var payload struct {
		LastStopReason string `json:"last_stop_reason"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return
	}
	r.mu.Lock()
	if !r.isProcessing {
		r.lastStopReason = payload.LastStopReason
	}
	r.mu.Unlock()
}

func (r *Runtime) handleModeChange(f *protocol.Frame) {
	var payload protocol.ModeChangePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		r.send(r.enc.ModeChanged(map[string]any{"success": false, "error": "invalid mode_change payload"}))
		return
	}
	r.opts.Mode.SetMode(permission.Mode(payload.Mode))
	r.send(r.enc.ModeChanged(map[string]any{"success": true, "mode": payload.Mode}))
}

func (r *Runtime) handleGetStatus() {
	r.mu.Lock()
	mode := r.opts.Mode.Mode()
	stopReason := r.lastStopReason
	processing := r.isProcessing
	r.mu.Unlock()
	r.send(r.enc.StatusResponse(map[string]any{
		"mode":             mode,
		"last_stop_reason": stopReason,
		"is_processing":    processing,
	}))
}

func (r *Runtime) handleGetState() {
	r.mu.Lock()
	snapshot := map[string]any{
		"session_id":              r.sessionID,
		"snapshot_id":             uuid.NewString(),
		"generated_at":            time.Now().UTC(),
		"mode":                    r.opts.Mode.Mode(),
		"is_processing":           r.isProcessing,
		"last_stop_reason":        r.lastStopReason,
		"control_response_capable": r.controlResponseCapable,
		"active_run":              r.activeRun,
		"pending_control_requests": r.pendingRequestIDsLocked(),
		"queue": map[string]any{
			"queue_len":     r.queueRt.Len(),
			"pending_turns": r.pendingTurns,
		},
	}
	r.mu.Unlock()
	r.send(r.enc.StateResponse(snapshot))
}

func (r *Runtime) pendingRequestIDsLocked() []string {
	ids := make([]string, 0, len(r.pendingResolvers))
	for id := range r.pendingResolvers {
		ids = append(ids, id)
	}
	return ids
}

func (r *Runtime) handleMessageFrame(ctx context.Context, f *protocol.Frame) {
	var payload protocol.MessagePayload
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		r.send(r.enc.Error(r.errorEvent("invalid message payload", nil)))
		return
	}

	r.mu.Lock()
	r.pendingTurns++
	pending := r.pendingTurns
	if payload.SupportsControlResponse {
		r.controlResponseCapable = true
	}
	r.mu.Unlock()
	if r.opts.Metrics != nil {
		r.opts.Metrics.PendingTurns.Set(float64(pending))
	}

	r.queueRt.Enqueue(queue.KindMessage, queue.SourceUser, payload)

	go r.runTurn(ctx, convo.StreamRequest{
		AgentID:        payload.AgentID,
		ConversationID: payload.ConversationID,
		MessagesJSON:   string(payload.Messages),
	})
}

// runTurn is the approval loop (spec.md §4.13 steps 1-9).
func (r *Runtime) runTurn(ctx context.Context, req convo.StreamRequest) {
	defer func() {
		r.mu.Lock()
		r.pendingTurns--
		if r.pendingTurns <= 0 {
			r.pendingTurns = 0
			r.queueRt.ResetBlocked()
		}
		pending := r.pendingTurns
		r.mu.Unlock()
		if r.opts.Metrics != nil {
			r.opts.Metrics.PendingTurns.Set(float64(pending))
		}
	}()

	r.mu.Lock()
	r.isProcessing = true
	r.mu.Unlock()

	numTurns := 0
	var transcript strings.Builder

	for {
		numTurns++
		stream, err := r.openStreamWithRecovery(ctx, req)
		if err != nil {
			r.mu.Lock()
			run := r.activeRun
			r.isProcessing = false
			r.activeRun = nil
			r.mu.Unlock()
			r.send(r.enc.Error(r.errorEvent(err.Error(), run)))
			r.send(r.enc.Result(r.resultEvent("error", "error", err.Error(), numTurns, run)))
			return
		}

		runStarted := false
		var pendingApprovals []convo.ToolCallProposal
		stopReason := ""

		for chunk := range stream {
			if chunk.RunID != "" && !runStarted {
				runStarted = true
				r.mu.Lock()
				r.activeRun = &RunMeta{AgentID: req.AgentID, ConversationID: req.ConversationID, RunID: chunk.RunID, StartedAt: time.Now()}
				r.mu.Unlock()
				r.send(r.enc.RunStarted(map[string]any{"run_id": chunk.RunID}))
			}
			if chunk.Error != "" {
				r.mu.Lock()
				run := r.activeRun
				r.mu.Unlock()
				r.send(r.enc.Error(r.errorEvent(chunk.Error, run)))
			}
			if chunk.Content != "" {
				transcript.WriteString(chunk.Content)
				r.send(r.enc.Message(map[string]any{"content": chunk.Content}))
			}
			if chunk.StopReason == "requires_approval" {
				pendingApprovals = chunk.ToolCalls
			}
			stopReason = chunk.StopReason
		}

		switch stopReason {
		case "end_turn":
			r.mu.Lock()
			r.lastStopReason = stopReason
			run := r.activeRun
			r.isProcessing = false
			r.activeRun = nil
			r.mu.Unlock()
			r.send(r.enc.Result(r.resultEvent("success", stopReason, transcript.String(), numTurns, run)))
			return

		case "requires_approval":
			verdicts, reqErr := r.resolveApprovals(ctx, pendingApprovals)
			if reqErr != nil {
				r.mu.Lock()
				run := r.activeRun
				r.isProcessing = false
				r.mu.Unlock()
				r.send(r.enc.Error(r.errorEvent(reqErr.Error(), run)))
				r.send(r.enc.Result(r.resultEvent("error", stopReason, reqErr.Error(), numTurns, run)))
				return
			}
			outcomes := approval.Execute(verdicts, r.opts.Executor)
			results := make([]convo.ToolResult, 0, len(outcomes))
			for _, o := range outcomes {
				results = append(results, convo.ToolResult{ToolCallID: o.ToolCallID, Result: o.Result, Status: o.Status})
			}
			req.ToolResults = results
			continue

		default:
			r.mu.Lock()
			run := r.activeRun
			r.isProcessing = false
			r.activeRun = nil
			r.mu.Unlock()
			r.send(r.enc.Error(r.errorEvent("stream ended without a stop reason", run)))
			r.send(r.enc.Result(r.resultEvent("error", stopReason, "stream ended without a stop reason", numTurns, run)))
			return
		}
	}
}

func (r *Runtime) openStreamWithRecovery(ctx context.Context, req convo.StreamRequest) (<-chan convo.Chunk, error) {
	attempt := 0
	for {
		stream, err := r.opts.Convo.OpenStream(ctx, req)
		if err == nil {
			return stream, nil
		}

		class := recovery.Classify(classifyStreamErr(err))
		switch class {
		case recovery.ResolveApprovalPending:
			approvals, fetchErr := r.opts.Convo.FetchPendingApprovals(ctx, req.AgentID, req.ConversationID)
			if fetchErr != nil {
				return nil, fetchErr
			}
			verdicts, vErr := r.resolveApprovals(ctx, approvals)
			if vErr != nil {
				return nil, vErr
			}
			outcomes := approval.Execute(verdicts, r.opts.Executor)
			results := make([]convo.ToolResult, 0, len(outcomes))
			for _, o := range outcomes {
				results = append(results, convo.ToolResult{ToolCallID: o.ToolCallID, Result: o.Result, Status: o.Status})
			}
			req.ToolResults = results
			continue

		case recovery.RetryTransient, recovery.RetryConversationBusy:
			attempt++
			if attempt > recovery.MaxRetries(class) {
				return nil, err
			}
			policy := recovery.TransientPolicy()
			if class == recovery.RetryConversationBusy {
				policy = recovery.ConversationBusyPolicy()
			}
			r.send(r.enc.Retry(map[string]any{"attempt": attempt, "reason": string(class)}))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(recovery.Delay(policy, attempt, 0)):
			}
			continue

		default:
			return nil, err
		}
	}
}

// classifyStreamErr is a placeholder hook point: a real conversation
// service would attach retry hints to its errors, which this would
// unwrap into a recovery.Error. Absent that, every open failure here is
// fatal.
func classifyStreamErr(err error) recovery.Error {
	return recovery.Error{}
}

// autoApprovalEvent builds the auto_approval payload documented in
// spec.md: auto_approval{tool_call{name, tool_call_id, arguments},
// reason, matched_rule}.
func autoApprovalEvent(decision, toolName, toolCallID string, args permission.Args, result *permission.Result) map[string]any {
	payload := map[string]any{
		"tool_call": map[string]any{
			"name":         toolName,
			"tool_call_id": toolCallID,
			"arguments":    args,
		},
		"decision": decision,
	}
	if result != nil {
		payload["reason"] = result.Reason
		payload["matched_rule"] = result.MatchedRule
	}
	return payload
}

// resolveApprovals runs Classify, emits auto_approval for every
// auto-allowed/auto-denied call, and poses a control_request for each
// needs-user-input call, awaiting its resolution. Per spec.md §4.13 step
// 7, always_requires_user_input covers AskUserQuestion/EnterPlanMode/
// ExitPlanMode, treat_ask_as_deny is false, and
// require_args_for_auto_approve is true.
func (r *Runtime) resolveApprovals(ctx context.Context, proposals []convo.ToolCallProposal) ([]approval.Verdict, error) {
	requests := make([]approval.Request, 0, len(proposals))
	for _, p := range proposals {
		requests = append(requests, approval.Request{ToolName: p.ToolName, ToolArgsJSON: p.ArgsJSON, ToolCallID: p.ToolCallID})
	}

	classified := approval.Classify(requests, r.opts.Engine, approval.Options{
		AlwaysRequiresUserInput:   func(tool string) bool { return AlwaysAskTools[tool] },
		TreatAskAsDeny:            false,
		RequireArgsForAutoApprove: true,
		LegacyEngine:              r.opts.LegacyEngine,
		Logger:                    r.logger,
	})

	verdicts := make([]approval.Verdict, 0, len(requests))

	for _, d := range classified.AutoAllowed {
		r.observePermissionDecision("allow")
		r.send(r.enc.AutoApproval(autoApprovalEvent("allow", d.ToolName, d.ToolCallID, d.Args, d.Result)))
		verdicts = append(verdicts, approval.Verdict{ToolCallID: d.ToolCallID, ToolName: d.ToolName, Args: d.Args, Approved: true})
	}
	for _, d := range classified.AutoDenied {
		r.observePermissionDecision("deny")
		r.send(r.enc.AutoApproval(autoApprovalEvent("deny", d.ToolName, d.ToolCallID, d.Args, d.Result)))
		verdicts = append(verdicts, approval.Verdict{ToolCallID: d.ToolCallID, ToolName: d.ToolName, Args: d.Args, Approved: false, DenyReason: d.Result.Reason})
	}

	for _, d := range classified.NeedsUserInput {
		r.observePermissionDecision("ask")
		r.mu.Lock()
		capable := r.controlResponseCapable
		r.mu.Unlock()
		if !capable {
			return nil, fmt.Errorf("listener: needs_user_input without a control-response-capable client")
		}

		requestID := "perm-" + d.ToolCallID
		ch := make(chan protocol.ControlResponsePayload, 1)
		r.mu.Lock()
		r.pendingResolvers[requestID] = ch
		r.pendingRequestedAt[requestID] = time.Now()
		r.mu.Unlock()

		r.send(r.enc.ControlRequest(requestID, protocol.CanUseToolRequest{
			ToolName:   d.ToolName,
			Input:      d.Args,
			ToolCallID: d.ToolCallID,
		}))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case resp := <-ch:
			verdict := approval.Verdict{ToolCallID: d.ToolCallID, ToolName: d.ToolName, Args: d.Args}
			switch resp.Subtype {
			case "success":
				var body struct {
					Behavior     string         `json:"behavior"`
					Message      string         `json:"message"`
					UpdatedInput map[string]any `json:"updatedInput"`
				}
				_ = json.Unmarshal(resp.Response, &body)
				if body.Behavior == "deny" {
					verdict.Approved = false
					verdict.DenyReason = body.Message
				} else {
					verdict.Approved = true
					if body.UpdatedInput != nil {
						verdict.Args = body.UpdatedInput
					}
					approved := autoApprovalEvent("allow", d.ToolName, d.ToolCallID, verdict.Args, &permission.Result{Reason: "approved via websocket control_response"})
					approved["via"] = "websocket"
					r.send(r.enc.AutoApproval(approved))
				}
			default:
				verdict.Approved = false
				verdict.DenyReason = resp.Error
			}
			verdicts = append(verdicts, verdict)
		}
	}

	return verdicts, nil
}

// handleRecoverPendingApprovals is C14: on a recover_pending_approvals
// frame, fetch pending approvals for the named agent/conversation,
// classify them, and feed the resulting decisions back as an approval
// payload reopening the stream. A boolean latch prevents concurrent
// recovery.
func (r *Runtime) handleRecoverPendingApprovals(ctx context.Context, f *protocol.Frame) {
	var payload struct {
		AgentID        string `json:"agent_id"`
		ConversationID string `json:"conversation_id"`
	}
	if err := json.Unmarshal(f.Payload, &payload); err != nil {
		return
	}

	r.mu.Lock()
	if r.isRecoveringApprovals {
		r.mu.Unlock()
		return
	}
	r.isRecoveringApprovals = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.isRecoveringApprovals = false
		r.mu.Unlock()
	}()

	approvals, err := r.opts.Convo.FetchPendingApprovals(ctx, payload.AgentID, payload.ConversationID)
	if err != nil {
		r.send(r.enc.Error(r.errorEvent(err.Error(), nil)))
		return
	}
	if len(approvals) == 0 {
		return
	}

	r.queueRt.Enqueue(queue.KindApproval, queue.SourceSystem, approvals)

	verdicts, err := r.resolveApprovals(ctx, approvals)
	if err != nil {
		r.send(r.enc.Error(r.errorEvent(err.Error(), nil)))
		return
	}

	go r.runTurn(ctx, convo.StreamRequest{
		AgentID:        payload.AgentID,
		ConversationID: payload.ConversationID,
		ToolResults:    toolResultsFromVerdicts(verdicts, r.opts.Executor),
	})
}

func toolResultsFromVerdicts(verdicts []approval.Verdict, exec approval.ToolExecutor) []convo.ToolResult {
	outcomes := approval.Execute(verdicts, exec)
	results := make([]convo.ToolResult, 0, len(outcomes))
	for _, o := range outcomes {
		results = append(results, convo.ToolResult{ToolCallID: o.ToolCallID, Result: o.Result, Status: o.Status})
	}
	return results
}
