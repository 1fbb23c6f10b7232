// Package convo defines the conversation-service contract the Listener
// Runtime drives: opening a streaming turn, fetching pending approvals
// on reconnect, and feeding tool results back into a reopened stream.
// Grounded on the teacher's LLMProvider interface shape
// (internal/agent/loop.go).
package convo

import "context"

// Chunk is one piece of a streamed turn.
type Chunk struct {
	RunID      string
	Content    string
	StopReason string // "", "end_turn", "requires_approval", "error"
	Error      string
	ToolCalls  []ToolCallProposal
}

// ToolCallProposal is one tool call the model wants to make, awaiting
// classification/approval.
type ToolCallProposal struct {
	ToolCallID string
	ToolName   string
	ArgsJSON   string
}

// ToolResult feeds a tool's outcome back into a reopened stream.
type ToolResult struct {
	ToolCallID string
	Result     any
	Status     string
}

// StreamRequest opens (or reopens, when ToolResults is non-empty) a
// turn.
type StreamRequest struct {
	AgentID        string
	ConversationID string
	MessagesJSON   string
	ToolResults    []ToolResult
}

// Service is the conversation-service contract.
type Service interface {
	OpenStream(ctx context.Context, req StreamRequest) (<-chan Chunk, error)
	FetchPendingApprovals(ctx context.Context, agentID, conversationID string) ([]ToolCallProposal, error)
}
