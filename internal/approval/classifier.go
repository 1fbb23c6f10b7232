package approval

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/letta-ai/exec-agent/internal/permission"
)

// Request is one proposed tool call awaiting classification.
type Request struct {
	ToolName     string
	ToolArgsJSON string
	ToolCallID   string
}

// Decision pairs a proposed call with the permission result it resolved
// to (possibly adjusted by classifier options).
type Decision struct {
	ToolCallID string
	ToolName   string
	Args       permission.Args
	Result     *permission.Result
}

// Options tunes how Classify treats an underlying engine decision before
// sorting it into one of the three output buckets, per spec.md §4.8.
type Options struct {
	AlwaysRequiresUserInput   func(tool string) bool
	TreatAskAsDeny            bool
	DenyReasonForAsk          string
	MissingNameReason         string
	RequireArgsForAutoApprove bool

	// LegacyEngine, when set, routes every check through
	// permission.DualEval against engine instead of calling
	// engine.Check directly, logging decision mismatches between the
	// two engines. Used to validate the v2 (canonicalizing) engine
	// against the pre-canonicalization v1 engine during migration.
	LegacyEngine *permission.Engine
	Logger       *slog.Logger
}

// Classification partitions a batch of proposed calls.
type Classification struct {
	NeedsUserInput []Decision
	AutoAllowed    []Decision
	AutoDenied     []Decision
}

type readArgsShape struct {
	FilePath string `json:"file_path"`
}
type writeArgsShape struct {
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}
type editArgsShape struct {
	FilePath  string `json:"file_path"`
	OldString string `json:"old_string"`
	NewString string `json:"new_string"`
}
type bashArgsShape struct {
	Command string `json:"command"`
}
type webFetchArgsShape struct {
	URL string `json:"url"`
}

// requiredArgsByTool is derived once, at package init, from the
// jsonschema-tagged argument shapes above: a field without "omitempty"
// is required.
var requiredArgsByTool = buildRequiredArgs()

func buildRequiredArgs() map[string][]string {
	reflector := &jsonschema.Reflector{ExpandedStruct: true}
	samples := map[string]any{
		"Read":     readArgsShape{},
		"Write":    writeArgsShape{},
		"Edit":     editArgsShape{},
		"Bash":     bashArgsShape{},
		"WebFetch": webFetchArgsShape{},
	}
	out := make(map[string][]string, len(samples))
	for tool, sample := range samples {
		schema := reflector.Reflect(sample)
		out[tool] = schema.Required
	}
	return out
}

// Classify runs each request through engine and sorts the result into
// NeedsUserInput / AutoAllowed / AutoDenied, applying Options along the
// way. A request with no tool name is always denied, before the engine
// is ever consulted.
func Classify(requests []Request, engine *permission.Engine, opts Options) Classification {
	var out Classification

	for _, req := range requests {
		if req.ToolName == "" {
			out.AutoDenied = append(out.AutoDenied, Decision{
				ToolCallID: req.ToolCallID,
				Result:     &permission.Result{Decision: permission.Deny, Reason: missingNameReason(opts)},
			})
			continue
		}

		args := permission.Args{}
		if req.ToolArgsJSON != "" {
			_ = json.Unmarshal([]byte(req.ToolArgsJSON), &args)
		}

		var res *permission.Result
		if opts.LegacyEngine != nil {
			res = permission.DualEval(engine, opts.LegacyEngine, req.ToolName, args, opts.Logger)
		} else {
			res = engine.Check(req.ToolName, args)
		}

		if res.Decision == permission.Allow && opts.AlwaysRequiresUserInput != nil && opts.AlwaysRequiresUserInput(req.ToolName) {
			res = &permission.Result{Decision: permission.Ask, Reason: "tool always requires user input"}
		}

		if res.Decision == permission.Allow && opts.RequireArgsForAutoApprove {
			if missing := missingRequiredArgs(req.ToolName, args); len(missing) > 0 {
				res = &permission.Result{Decision: permission.Ask, Reason: "missing required argument(s): " + strings.Join(missing, ", ")}
			}
		}

		if res.Decision == permission.Ask && opts.TreatAskAsDeny {
			reason := opts.DenyReasonForAsk
			if reason == "" {
				reason = res.Reason
			}
			out.AutoDenied = append(out.AutoDenied, Decision{
				ToolCallID: req.ToolCallID,
				ToolName:   req.ToolName,
				Args:       args,
				Result:     &permission.Result{Decision: permission.Deny, Reason: reason},
			})
			continue
		}

		dec := Decision{ToolCallID: req.ToolCallID, ToolName: req.ToolName, Args: args, Result: res}
		switch res.Decision {
		case permission.Allow:
			out.AutoAllowed = append(out.AutoAllowed, dec)
		case permission.Deny:
			out.AutoDenied = append(out.AutoDenied, dec)
		default:
			out.NeedsUserInput = append(out.NeedsUserInput, dec)
		}
	}

	return out
}

func missingRequiredArgs(tool string, args permission.Args) []string {
	required, ok := requiredArgsByTool[tool]
	if !ok {
		return nil
	}
	var missing []string
	for _, key := range required {
		if _, present := args[key]; !present {
			missing = append(missing, key)
		}
	}
	return missing
}

func missingNameReason(opts Options) string {
	if opts.MissingNameReason != "" {
		return opts.MissingNameReason
	}
	return "tool call is missing a tool name"
}
