package permission

import (
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/letta-ai/exec-agent/internal/permission/pattern"
	"github.com/letta-ai/exec-agent/internal/shellsafety"
	"github.com/letta-ai/exec-agent/internal/toolname"
)

// defaultAllowReadOnly is the whitelisted read-only tool set auto-allowed
// at the final pipeline stage.
var defaultAllowReadOnly = map[string]bool{
	toolname.Read:    true,
	toolname.Glob:    true,
	toolname.Grep:    true,
	toolname.ListDir: true,
	"TodoWrite":      true,
	"TaskOutput":     true,
}

var defaultAllowSubagentTypes = map[string]bool{
	"explore":          true,
	"plan":             true,
	"recall":           true,
	"reflection":       true,
	"history-analyzer": true,
}

// HookFunc wraps an "ask" decision in an optional external permission
// hook, per spec.md §4.4's closing paragraph. Exit code 0 means allow,
// exit code 2 means deny (feedback becomes the reason); any other
// outcome leaves the ask decision unchanged.
type HookFunc func(tool string, args Args) (exitCode int, feedback string)

// EngineOptions configures an Engine.
type EngineOptions struct {
	WorkingDir            string
	AgentID               string
	Canonicalize          func(string) string
	AskHook               HookFunc
	Trace                 bool
	TraceAll              bool
	Logger                *slog.Logger
}

// Engine is the twelve-stage permission decision pipeline (C4), composing
// the Canonicalizer (C1), Pattern Matcher (C2), Read-only Shell Analyzer
// (C3), Mode Controller (C5), and Rule Store (C6). Grounded primarily on
// internal/tools/policy/resolver.go's deny-first precedence and
// dive/permission_config.go's explicit 8-step evaluation order, extended
// to the spec's 12 stages (mode override sits after CLI-disallow and
// before CLI-allow; shell/memory-dir/working-directory auto-allows sit
// between CLI-allow and session-allow).
type Engine struct {
	store   *Store
	mode    *ModeController
	opts    EngineOptions
	canon   func(string) string
	logger  *slog.Logger
}

// NewEngine returns a v2 engine: canonicalizing, using the full alias
// table from the toolname package.
func NewEngine(store *Store, mode *ModeController, opts EngineOptions) *Engine {
	canon := opts.Canonicalize
	if canon == nil {
		canon = toolname.Canonicalize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: store, mode: mode, opts: opts, canon: canon, logger: logger}
}

// NewLegacyEngine returns a v1 engine, used as the dual-eval comparison
// engine or, with LETTA_PERMISSIONS_V2=false, as the primary engine
// (SPEC_FULL.md §7): no canonicalization, matching raw
// tool names against rules as-is, per spec.md §9's description of v1 as
// "alias-by-alias" with "canonicalization [as] a strict subset" absent.
func NewLegacyEngine(store *Store, mode *ModeController, opts EngineOptions) *Engine {
	opts.Canonicalize = func(s string) string { return s }
	return NewEngine(store, mode, opts)
}

// Check runs the full pipeline for one tool call and returns the
// decision with its matched rule, reason, and (if tracing is enabled)
// an ordered stage trace.
func (e *Engine) Check(tool string, args Args) *Result {
	canonTool := e.canon(tool)
	snap := e.store.Snapshot()
	res := &Result{}
	trace := e.opts.Trace || e.opts.TraceAll

	// Stage 1: deny (persisted settings).
	if m, ok := e.matchAny(canonTool, args, snap.PersistedDeny); ok {
		e.trace(res, trace, "deny-rule", m, true, Deny)
		res.Decision, res.MatchedRule, res.Reason = Deny, m, "matched deny rule "+m
		return e.finish(res, canonTool, args, trace, false)
	}
	e.trace(res, trace, "deny-rule", "", false, "")

	// Stage 2: CLI disallow.
	if m, ok := e.matchAny(canonTool, args, snap.CLIDisallowed); ok {
		e.trace(res, trace, "cli-disallow", m, true, Deny)
		res.Decision, res.MatchedRule, res.Reason = Deny, m, "matched CLI disallow rule "+m+" (CLI)"
		return e.finish(res, canonTool, args, trace, false)
	}
	e.trace(res, trace, "cli-disallow", "", false, "")

	// Stage 3: mode override.
	if ov := e.mode.CheckOverride(canonTool, args); ov.Forced {
		e.trace(res, trace, "mode-override", string(e.mode.Mode()), true, ov.Decision)
		res.Decision, res.Reason = ov.Decision, ov.Reason
		res.MatchedRule = "mode:" + string(e.mode.Mode())
		return e.finish(res, canonTool, args, trace, false)
	}
	e.trace(res, trace, "mode-override", "", false, "")

	// Stage 4: CLI allow.
	if m, ok := e.matchAny(canonTool, args, snap.CLIAllowed); ok {
		e.trace(res, trace, "cli-allow", m, true, Allow)
		res.Decision, res.MatchedRule, res.Reason = Allow, m, "matched CLI allow rule "+m+" (CLI)"
		return e.finish(res, canonTool, args, trace, false)
	}
	e.trace(res, trace, "cli-allow", "", false, "")

	// Stage 5: always-allow Skill tool.
	if canonTool == "Skill" {
		e.trace(res, trace, "skill-auto-allow", "Skill", true, Allow)
		res.Decision, res.Reason = Allow, "Skill tool is always allowed"
		return e.finish(res, canonTool, args, trace, false)
	}
	e.trace(res, trace, "skill-auto-allow", "", false, "")

	// Stage 6: read-only shell.
	if toolname.IsShellTool(canonTool) {
		if cmd, ok := commandArg(args); ok && shellsafety.IsReadOnly(cmd, shellsafety.Options{}) {
			e.trace(res, trace, "readonly-shell-auto-allow", cmd, true, Allow)
			res.Decision, res.Reason = Allow, "read-only shell command"
			return e.finish(res, canonTool, args, trace, false)
		}
	}
	e.trace(res, trace, "readonly-shell-auto-allow", "", false, "")

	// Stage 7: memory-dir shell.
	if toolname.IsShellTool(canonTool) && e.opts.AgentID != "" {
		if cmd, ok := commandArg(args); ok && shellsafety.IsMemoryDirCommand(cmd, e.opts.AgentID, shellsafety.MemoryOptions{}) {
			e.trace(res, trace, "memory-dir-auto-allow", cmd, true, Allow)
			res.Decision, res.Reason = Allow, "command confined to agent memory directory"
			return e.finish(res, canonTool, args, trace, false)
		}
	}
	e.trace(res, trace, "memory-dir-auto-allow", "", false, "")

	// Stage 8: working-directory tools.
	if isWorkingDirTool(canonTool) {
		if path, ok := stringArg(args, "file_path", "path", "pattern"); ok {
			if e.withinWorkingDirs(path, snap.AdditionalDirectories) {
				e.trace(res, trace, "working-directory-auto-allow", path, true, Allow)
				res.Decision, res.Reason = Allow, "within working directory"
				return e.finish(res, canonTool, args, trace, false)
			}
		}
	}
	e.trace(res, trace, "working-directory-auto-allow", "", false, "")

	// Stage 9: session allow.
	if m, ok := e.matchAny(canonTool, args, snap.SessionAllow); ok {
		e.trace(res, trace, "session-allow", m, true, Allow)
		res.Decision, res.MatchedRule, res.Reason = Allow, m, "matched session allow rule "+m
		return e.finish(res, canonTool, args, trace, false)
	}
	e.trace(res, trace, "session-allow", "", false, "")

	// Stage 10: persisted allow.
	if m, ok := e.matchAny(canonTool, args, snap.PersistedAllow); ok {
		e.trace(res, trace, "allow-rule", m, true, Allow)
		res.Decision, res.MatchedRule, res.Reason = Allow, m, "matched allow rule "+m
		return e.finish(res, canonTool, args, trace, false)
	}
	e.trace(res, trace, "allow-rule", "", false, "")

	// Stage 11: ask.
	if m, ok := e.matchAny(canonTool, args, snap.PersistedAsk); ok {
		e.trace(res, trace, "ask-rule", m, true, Ask)
		res.Decision, res.MatchedRule, res.Reason = Ask, m, "matched ask rule "+m
		return e.finish(res, canonTool, args, trace, true)
	}
	e.trace(res, trace, "ask-rule", "", false, "")

	// Stage 12: default.
	if defaultAllowReadOnly[canonTool] {
		e.trace(res, trace, "default-decision", canonTool, true, Allow)
		res.Decision, res.Reason = Allow, "default read-only allow"
		return e.finish(res, canonTool, args, trace, false)
	}
	if canonTool == toolname.Task {
		if st, ok := stringArg(args, "subagent_type"); ok && defaultAllowSubagentTypes[st] {
			e.trace(res, trace, "default-decision", st, true, Allow)
			res.Decision, res.Reason = Allow, "default allow for subagent type " + st
			return e.finish(res, canonTool, args, trace, false)
		}
	}
	e.trace(res, trace, "default-decision", canonTool, true, Ask)
	res.Decision, res.Reason = Ask, "no matching rule; default is ask"
	return e.finish(res, canonTool, args, trace, true)
}

// finish applies the optional ask-hook to an "ask" decision and returns
// the final result.
func (e *Engine) finish(res *Result, tool string, args Args, trace, isAsk bool) *Result {
	if isAsk && e.opts.AskHook != nil {
		code, feedback := e.opts.AskHook(tool, args)
		switch code {
		case 0:
			res.Decision, res.Reason = Allow, "allowed by permission hook"
		case 2:
			res.Decision, res.Reason = Deny, feedback
		}
	}
	if trace && e.logger != nil {
		e.logger.Debug("permission trace", "tool", tool, "decision", res.Decision, "matched_rule", res.MatchedRule, "stages", len(res.Trace))
	}
	return res
}

func (e *Engine) trace(res *Result, enabled bool, stage, pat string, matched bool, decision Decision) {
	if !enabled {
		return
	}
	res.addTrace(stage, pat, matched, decision)
}

// matchAny returns the first rule in rules that matches the query,
// respecting first-match-in-source-order semantics.
func (e *Engine) matchAny(canonTool string, args Args, rules []string) (string, bool) {
	for _, rule := range rules {
		if e.matches(canonTool, args, rule) {
			return rule, true
		}
	}
	return "", false
}

func (e *Engine) matches(canonTool string, args Args, rule string) bool {
	if rule == "*" {
		return true
	}
	ruleTool, _, has := pattern.Parse(rule)
	if e.canon(ruleTool) != canonTool && ruleTool != "*" {
		return false
	}
	switch {
	case toolname.IsShellTool(canonTool):
		cmd, _ := commandArg(args)
		return pattern.MatchBash(cmd, rule)
	case toolname.IsFileTool(canonTool):
		path, ok := stringArg(args, "file_path", "path", "pattern")
		if !ok {
			return !has
		}
		return pattern.MatchFile(canonTool, path, rule, e.opts.WorkingDir)
	default:
		return pattern.MatchTool(canonTool, rule)
	}
}

func isWorkingDirTool(canonTool string) bool {
	switch canonTool {
	case toolname.Read, toolname.Glob, toolname.Grep, toolname.ListDir:
		return true
	}
	return false
}

func (e *Engine) withinWorkingDirs(path string, additional []string) bool {
	dirs := append([]string{e.opts.WorkingDir}, additional...)
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(e.opts.WorkingDir, abs)
	}
	abs = filepath.Clean(abs)
	for _, d := range dirs {
		if d == "" {
			continue
		}
		d = filepath.Clean(d)
		if abs == d || strings.HasPrefix(abs, d+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
