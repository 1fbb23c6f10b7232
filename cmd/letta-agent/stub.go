package main

import (
	"context"
	"errors"

	"github.com/letta-ai/exec-agent/internal/convo"
	"github.com/letta-ai/exec-agent/internal/permission"
)

// errNoBackend is returned by the unimplemented conversation-service
// and tool-executor stubs below. Wiring a real LLM API client and a
// real local tool-execution sandbox is out of scope: the controller
// composes turns and tool calls, this binary only evaluates and
// executes them once plugged into a real backend.
var errNoBackend = errors.New("letta-agent: no conversation-service/tool-executor backend configured")

type unimplementedConvo struct{}

func (unimplementedConvo) OpenStream(ctx context.Context, req convo.StreamRequest) (<-chan convo.Chunk, error) {
	return nil, errNoBackend
}

func (unimplementedConvo) FetchPendingApprovals(ctx context.Context, agentID, conversationID string) ([]convo.ToolCallProposal, error) {
	return nil, errNoBackend
}

type unimplementedExecutor struct{}

func (unimplementedExecutor) Execute(toolName string, args permission.Args) (any, error) {
	return nil, errNoBackend
}
