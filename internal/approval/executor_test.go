package approval

import (
	"errors"
	"testing"

	"github.com/letta-ai/exec-agent/internal/permission"
)

type fakeExecutor struct {
	calls []string
}

func (f *fakeExecutor) Execute(toolName string, args permission.Args) (any, error) {
	f.calls = append(f.calls, toolName)
	if toolName == "Boom" {
		return nil, errors.New("boom failed")
	}
	return "ok:" + toolName, nil
}

func TestExecutePreservesOrderAndShapesDenied(t *testing.T) {
	exec := &fakeExecutor{}
	verdicts := []Verdict{
		{ToolCallID: "1", ToolName: "Read", Approved: true},
		{ToolCallID: "2", ToolName: "Write", Approved: false, DenyReason: "not allowed"},
		{ToolCallID: "3", ToolName: "Boom", Approved: true},
	}
	outcomes := Execute(verdicts, exec)

	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].ToolCallID != "1" || outcomes[0].Status != StatusSuccess {
		t.Fatalf("got %+v", outcomes[0])
	}
	if outcomes[1].ToolCallID != "2" || outcomes[1].Status != StatusDenied || outcomes[1].Result != "not allowed" {
		t.Fatalf("got %+v", outcomes[1])
	}
	if outcomes[2].ToolCallID != "3" || outcomes[2].Status != StatusError {
		t.Fatalf("got %+v", outcomes[2])
	}
	if len(exec.calls) != 2 {
		t.Fatalf("expected exec called twice (denied call skipped), got %d", len(exec.calls))
	}
}

func TestExecuteSkipsExecutorForDeniedCalls(t *testing.T) {
	exec := &fakeExecutor{}
	verdicts := []Verdict{{ToolCallID: "1", ToolName: "Write", Approved: false, DenyReason: "no"}}
	Execute(verdicts, exec)
	if len(exec.calls) != 0 {
		t.Fatalf("executor should not be called for denied verdicts")
	}
}
