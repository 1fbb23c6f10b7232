package approval

import "github.com/letta-ai/exec-agent/internal/permission"

// ToolExecutor runs one approved tool call. The conversation-service
// layer supplies the concrete implementation; this package only shapes
// the result envelope around whatever it returns.
type ToolExecutor interface {
	Execute(toolName string, args permission.Args) (result any, err error)
}

// Outcome is one tool call's shaped result, per spec.md §4.9.
type Outcome struct {
	ToolCallID string
	Result     any
	Status     string
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusDenied  = "denied"
)

// Verdict tags one proposed tool call with its approve/deny decision,
// produced by Classify or by an operator resolving an ask.
type Verdict struct {
	ToolCallID string
	ToolName   string
	Args       permission.Args
	Approved   bool
	DenyReason string
}

// Execute runs approved verdicts through exec in input order and shapes
// denied verdicts into an Outcome without invoking exec at all.
func Execute(verdicts []Verdict, exec ToolExecutor) []Outcome {
	outcomes := make([]Outcome, 0, len(verdicts))
	for _, v := range verdicts {
		if !v.Approved {
			outcomes = append(outcomes, Outcome{
				ToolCallID: v.ToolCallID,
				Result:     v.DenyReason,
				Status:     StatusDenied,
			})
			continue
		}

		result, err := exec.Execute(v.ToolName, v.Args)
		if err != nil {
			outcomes = append(outcomes, Outcome{
				ToolCallID: v.ToolCallID,
				Result:     err.Error(),
				Status:     StatusError,
			})
			continue
		}
		outcomes = append(outcomes, Outcome{
			ToolCallID: v.ToolCallID,
			Result:     result,
			Status:     StatusSuccess,
		})
	}
	return outcomes
}
