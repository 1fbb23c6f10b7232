// Package protocol implements the Protocol Codec (C10): parsing inbound
// WebSocket frames and encoding typed outbound events with monotonic
// sequencing, grounded on the teacher's wsFrame tagged union and
// sendEvent's atomic seq stamping (internal/gateway/ws_control_plane.go).
package protocol

import (
	"encoding/json"
	"sync/atomic"
)

// Frame is the wire envelope for both inbound and outbound JSON-over-
// WebSocket messages.
type Frame struct {
	Type      string          `json:"type"`
	Event     string          `json:"event,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       *int64          `json:"event_seq,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
}

// Inbound frame types, per spec.md §4.10.
const (
	InPong                    = "pong"
	InStatus                  = "status"
	InMessage                 = "message"
	InModeChange              = "mode_change"
	InGetStatus               = "get_status"
	InGetState                = "get_state"
	InRecoverPendingApprovals = "recover_pending_approvals"
	InControlResponse         = "control_response"
)

// Outbound frame and event types.
const (
	OutPing           = "ping"
	OutResult         = "result"
	OutRunStarted     = "run_started"
	OutModeChanged    = "mode_changed"
	OutStatusResponse = "status_response"
	OutStateResponse  = "state_response"
	outEvent          = "event"

	EventMessage       = "message"
	EventAutoApproval  = "auto_approval"
	EventError         = "error"
	EventRetry         = "retry"
	EventRecovery      = "recovery"
	EventQueueEnqueued = "queue_item_enqueued"
	EventQueueBatch    = "queue_item_dequeued_batch"
	EventQueueBlocked  = "queue_item_blocked"
	EventQueueCleared  = "queue_item_cleared"
	EventQueueDropped  = "queue_item_dropped"
)

// ParseInbound decodes a raw text frame into its typed envelope. A
// malformed frame is returned as an error, not panicked: the listener
// logs it through a debug sink and keeps the connection open.
func ParseInbound(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ControlResponsePayload is the body of an inbound control_response
// frame resolving a pending approval request.
type ControlResponsePayload struct {
	Subtype   string          `json:"subtype"`
	RequestID string          `json:"request_id"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// MessagePayload is the body of an inbound message (turn) frame.
type MessagePayload struct {
	Messages                json.RawMessage `json:"messages"`
	AgentID                 string          `json:"agent_id"`
	ConversationID          string          `json:"conversation_id,omitempty"`
	SupportsControlResponse bool            `json:"supportsControlResponse,omitempty"`
}

// ModeChangePayload is the body of an inbound mode_change frame.
type ModeChangePayload struct {
	Mode string `json:"mode"`
}

// CanUseToolRequest is the outbound control_request payload posed to the
// cloud for a tool call needing user input, per spec.md §4.13 step 7.
type CanUseToolRequest struct {
	ToolName          string         `json:"tool_name"`
	Input             map[string]any `json:"input"`
	ToolCallID        string         `json:"tool_call_id"`
	PermissionRules   []string       `json:"permission_suggestions,omitempty"`
	DiffPreview       string         `json:"diff_preview,omitempty"`
}

// Encoder stamps every outbound event except ping with a strictly
// monotonic event_seq and the runtime's session_id, per the Listener
// Runtime State's event_seq_counter and §5's ordering guarantees.
type Encoder struct {
	sessionID string
	seq       int64
}

// NewEncoder returns an Encoder bound to one runtime's session id.
func NewEncoder(sessionID string) *Encoder {
	return &Encoder{sessionID: sessionID}
}

// SessionID returns the encoder's bound session id.
func (e *Encoder) SessionID() string { return e.sessionID }

func (e *Encoder) next() int64 {
	return atomic.AddInt64(&e.seq, 1)
}

// Ping builds the unstamped heartbeat frame.
func (e *Encoder) Ping() Frame {
	return Frame{Type: OutPing}
}

func (e *Encoder) stamped(frameType string, payload any) Frame {
	raw, _ := json.Marshal(payload)
	seq := e.next()
	return Frame{Type: frameType, Payload: raw, Seq: &seq, SessionID: e.sessionID}
}

func (e *Encoder) Result(payload any) Frame         { return e.stamped(OutResult, payload) }
func (e *Encoder) RunStarted(payload any) Frame     { return e.stamped(OutRunStarted, payload) }
func (e *Encoder) ModeChanged(payload any) Frame    { return e.stamped(OutModeChanged, payload) }
func (e *Encoder) StatusResponse(payload any) Frame { return e.stamped(OutStatusResponse, payload) }
func (e *Encoder) StateResponse(payload any) Frame  { return e.stamped(OutStateResponse, payload) }

func (e *Encoder) event(event string, payload any) Frame {
	f := e.stamped(outEvent, payload)
	f.Event = event
	return f
}

func (e *Encoder) Message(payload any) Frame       { return e.event(EventMessage, payload) }
func (e *Encoder) AutoApproval(payload any) Frame  { return e.event(EventAutoApproval, payload) }
func (e *Encoder) Error(payload any) Frame         { return e.event(EventError, payload) }
func (e *Encoder) Retry(payload any) Frame         { return e.event(EventRetry, payload) }
func (e *Encoder) Recovery(payload any) Frame      { return e.event(EventRecovery, payload) }
func (e *Encoder) QueueEnqueued(payload any) Frame { return e.event(EventQueueEnqueued, payload) }
func (e *Encoder) QueueBatch(payload any) Frame    { return e.event(EventQueueBatch, payload) }
func (e *Encoder) QueueBlocked(payload any) Frame  { return e.event(EventQueueBlocked, payload) }
func (e *Encoder) QueueCleared(payload any) Frame  { return e.event(EventQueueCleared, payload) }
func (e *Encoder) QueueDropped(payload any) Frame  { return e.event(EventQueueDropped, payload) }

// ControlRequest builds the outbound control_request frame for a
// can_use_tool approval ask, stamped under the given request_id
// ("perm-<tool_call_id>" per spec.md §4.13 step 7).
func (e *Encoder) ControlRequest(requestID string, req CanUseToolRequest) Frame {
	f := e.stamped("control_request", req)
	f.RequestID = requestID
	return f
}
