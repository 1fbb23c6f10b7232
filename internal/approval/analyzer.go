// Package approval implements the Approval Analyzer (C7), Classifier
// (C8), and Approval Executor (C9): recommending a persistable rule and
// safety tier for a proposed tool call, partitioning a batch of proposed
// calls into allow/deny/ask sets, and executing the approved calls.
package approval

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/letta-ai/exec-agent/internal/permission"
	"github.com/letta-ai/exec-agent/internal/shellsafety"
	"github.com/letta-ai/exec-agent/internal/toolname"
)

// Scope is where a recommended rule would be persisted if accepted.
type Scope string

const (
	ScopeProject Scope = "project"
	ScopeSession Scope = "session"
	ScopeUser    Scope = "user"
)

// SafetyLevel tiers a proposed tool call for the approval UI.
type SafetyLevel string

const (
	Safe      SafetyLevel = "safe"
	Moderate  SafetyLevel = "moderate"
	Dangerous SafetyLevel = "dangerous"
)

// Context is the Approval Analyzer's recommendation for one tool call,
// per spec.md §3.
type Context struct {
	RecommendedRule   string
	RuleDescription   string
	ApproveAlwaysText string
	DefaultScope      Scope
	AllowPersistence  bool
	SafetyLevel       SafetyLevel
}

var dangerousBaseCommands = map[string]bool{
	"rm": true, "mv": true, "chmod": true, "chown": true, "sudo": true,
	"dd": true, "mkfs": true, "fdisk": true, "kill": true, "killall": true,
}

var dangerousFlags = map[string]bool{"--force": true, "-f": true, "--hard": true}

var readOnlyGitSubcommands = map[string]bool{
	"status": true, "diff": true, "log": true, "show": true,
	"branch": true, "tag": true, "remote": true,
}

var packageManagers = map[string]bool{"npm": true, "bun": true, "yarn": true, "pnpm": true}

// Analyze dispatches by canonical tool name to produce an approval
// recommendation, per spec.md §4.7. tool must already be canonicalized
// (Analyzer composes with, but does not itself run, the Canonicalizer).
func Analyze(tool string, args permission.Args, workingDir string) Context {
	switch tool {
	case toolname.Read:
		return fileToolContext("Read", args, workingDir, Safe, false)
	case toolname.Write:
		return Context{
			RecommendedRule:   "Write(**)",
			RuleDescription:   "write to any file",
			ApproveAlwaysText: "Always allow Write(**)",
			DefaultScope:      ScopeSession,
			AllowPersistence:  true,
			SafetyLevel:       Moderate,
		}
	case toolname.Edit:
		return fileToolContext("Edit", args, workingDir, Safe, false)
	case toolname.Bash:
		cmd, _ := args["command"].(string)
		if cmd == "" {
			if s, ok := args["command"].([]string); ok {
				cmd = strings.Join(s, " ")
			}
		}
		return analyzeBash(cmd)
	case toolname.WebFetch:
		return analyzeWebFetch(args)
	case toolname.Glob:
		return fileToolContext("Glob", args, workingDir, Safe, true)
	case toolname.Grep:
		return fileToolContext("Grep", args, workingDir, Safe, true)
	case toolname.Task:
		return Context{
			RecommendedRule:   "Task",
			RuleDescription:   "dispatch a subagent task",
			ApproveAlwaysText: "Always allow Task",
			DefaultScope:      ScopeSession,
			AllowPersistence:  true,
			SafetyLevel:       Moderate,
		}
	default:
		if toolname.IsFileTool(tool) {
			return fileToolContext(tool, args, workingDir, Safe, false)
		}
		return Context{
			RecommendedRule:   tool,
			RuleDescription:   "use " + tool,
			ApproveAlwaysText: "Always allow " + tool,
			DefaultScope:      ScopeSession,
			AllowPersistence:  true,
			SafetyLevel:       Moderate,
		}
	}
}

// fileToolContext implements the Read/Edit/Glob/Grep/default-file-tool
// shared shape: outside the working directory recommends an absolute
// directory-scoped rule at project scope; inside recommends a
// directory-relative (or whole-tree) rule at session scope. pathIsDir
// is true for tools (Glob, Grep) whose path argument already names the
// directory to scope by, and false for tools (Read, Edit) whose
// path argument names a file, so the containing directory is used.
func fileToolContext(tool string, args permission.Args, workingDir string, safety SafetyLevel, pathIsDir bool) Context {
	var path string
	if pathIsDir {
		path, _ = args["path"].(string)
	} else {
		path, _ = args["file_path"].(string)
		if path == "" {
			path, _ = args["path"].(string)
		}
	}
	if path == "" {
		path, _ = args["pattern"].(string)
	}
	if path == "" {
		// No path to scope by; fall back to the whole working tree at
		// session scope.
		rule := tool + "(**)"
		return Context{
			RecommendedRule:   rule,
			RuleDescription:   "any file under the working directory",
			ApproveAlwaysText: "Always allow " + rule,
			DefaultScope:      ScopeSession,
			AllowPersistence:  true,
			SafetyLevel:       safety,
		}
	}

	dirPattern, outside := dirGlobPattern(path, workingDir, pathIsDir)
	rule := tool + "(" + dirPattern + ")"
	scope := ScopeSession
	if outside {
		scope = ScopeProject
	}
	return Context{
		RecommendedRule:   rule,
		RuleDescription:   "files under " + dirPattern,
		ApproveAlwaysText: "Always allow " + rule,
		DefaultScope:      scope,
		AllowPersistence:  true,
		SafetyLevel:       safety,
	}
}

// dirGlobPattern returns the rule payload for the directory scoping
// path: "//abs/dir/**" if that directory resolves outside workingDir, or
// "rel/dir/**" (or "**" if the directory is workingDir itself)
// otherwise. When asDir is false, path names a file and its containing
// directory is used instead of path itself.
func dirGlobPattern(path, workingDir string, asDir bool) (string, bool) {
	abs := path
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(workingDir, abs)
	}
	abs = filepath.Clean(abs)
	if !asDir {
		abs = filepath.Dir(abs)
	}

	rel, err := filepath.Rel(workingDir, abs)
	outside := err != nil || strings.HasPrefix(rel, "..")

	if outside {
		dir := filepath.ToSlash(abs)
		return "//" + strings.TrimPrefix(dir, "/") + "/**", true
	}

	dir := filepath.ToSlash(rel)
	if dir == "." {
		return "**", false
	}
	return dir + "/**", false
}

func analyzeWebFetch(args permission.Args) Context {
	raw, _ := args["url"].(string)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Context{
			RecommendedRule:   "WebFetch",
			RuleDescription:   "fetch any URL",
			ApproveAlwaysText: "Always allow WebFetch",
			DefaultScope:      ScopeSession,
			AllowPersistence:  true,
			SafetyLevel:       Moderate,
		}
	}
	rule := "WebFetch(" + u.Scheme + "://" + u.Host + "/*)"
	return Context{
		RecommendedRule:   rule,
		RuleDescription:   "fetch from " + u.Host,
		ApproveAlwaysText: "Always allow " + rule,
		DefaultScope:      ScopeProject,
		AllowPersistence:  true,
		SafetyLevel:       Safe,
	}
}

var dangerousContext = Context{
	RecommendedRule:   "",
	RuleDescription:   "",
	ApproveAlwaysText: "",
	DefaultScope:      ScopeSession,
	AllowPersistence:  false,
	SafetyLevel:       Dangerous,
}

func analyzeBash(cmd string) Context {
	cmd = strings.TrimSpace(cmd)
	inner := unwrapLauncher(cmd)

	if isDangerousCommand(inner) {
		return dangerousContext
	}

	if rule, desc, ok := matchSkillScript(inner); ok {
		return Context{
			RecommendedRule:   rule,
			RuleDescription:   desc,
			ApproveAlwaysText: "Always allow " + rule,
			DefaultScope:      ScopeProject,
			AllowPersistence:  true,
			SafetyLevel:       Safe,
		}
	}

	if ctx, ok := trySingleBashRule(inner); ok {
		return ctx
	}

	if segs, compound := splitCompoundSegments(inner); compound {
		for _, seg := range segs {
			trimmed := strings.TrimSpace(seg)
			if trimmed == "" || trimmed == "cd" || strings.HasPrefix(trimmed, "cd ") {
				continue
			}
			if isDangerousCommand(trimmed) {
				return dangerousContext
			}
			if ctx, ok := trySingleBashRule(trimmed); ok {
				return ctx
			}
			break
		}
	}

	rule := "Bash(" + inner + ")"
	return Context{
		RecommendedRule:   rule,
		RuleDescription:   "exact command",
		ApproveAlwaysText: "Always allow " + rule,
		DefaultScope:      ScopeSession,
		AllowPersistence:  true,
		SafetyLevel:       Moderate,
	}
}

func trySingleBashRule(cmd string) (Context, bool) {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return Context{}, false
	}
	name := fields[0]

	switch {
	case name == "git" && len(fields) >= 2:
		sub := fields[1]
		safety := Moderate
		if readOnlyGitSubcommands[sub] {
			safety = Safe
		}
		rule := "Bash(git " + sub + ":*)"
		return Context{
			RecommendedRule:   rule,
			RuleDescription:   "git " + sub + " commands",
			ApproveAlwaysText: "Always allow " + rule,
			DefaultScope:      ScopeProject,
			AllowPersistence:  true,
			SafetyLevel:       safety,
		}, true

	case packageManagers[name] && len(fields) >= 2:
		sub := fields[1]
		rulePrefix := name + " " + sub
		if len(fields) >= 3 && (sub == "run" || sub == "exec") {
			rulePrefix += " " + fields[2]
		}
		rule := "Bash(" + rulePrefix + ":*)"
		return Context{
			RecommendedRule:   rule,
			RuleDescription:   name + " " + sub + " commands",
			ApproveAlwaysText: "Always allow " + rule,
			DefaultScope:      ScopeProject,
			AllowPersistence:  true,
			SafetyLevel:       Moderate,
		}, true

	case shellsafety.IsReadOnly(cmd, shellsafety.Options{}):
		rule := "Bash(" + name + ":*)"
		return Context{
			RecommendedRule:   rule,
			RuleDescription:   name + " commands (read-only)",
			ApproveAlwaysText: "Always allow " + rule,
			DefaultScope:      ScopeSession,
			AllowPersistence:  true,
			SafetyLevel:       Safe,
		}, true
	}
	return Context{}, false
}

func isDangerousCommand(cmd string) bool {
	segs, _ := splitCompoundSegments(cmd)
	if segs == nil {
		segs = []string{cmd}
	}
	for _, seg := range segs {
		fields := strings.Fields(seg)
		if len(fields) == 0 {
			continue
		}
		if dangerousBaseCommands[fields[0]] {
			return true
		}
		for _, f := range fields[1:] {
			if dangerousFlags[f] {
				return true
			}
		}
	}
	return false
}

func unwrapLauncher(cmd string) string {
	for _, launcher := range []string{"bash -lc ", "bash -c ", "sh -lc ", "sh -c "} {
		if strings.HasPrefix(cmd, launcher) {
			inner := strings.TrimSpace(cmd[len(launcher):])
			return strings.Trim(inner, `"'`)
		}
	}
	return cmd
}

func splitCompoundSegments(cmd string) ([]string, bool) {
	if !strings.Contains(cmd, "&&") && !strings.Contains(cmd, "||") && !strings.Contains(cmd, ";") {
		return nil, false
	}
	replaced := cmd
	for _, op := range []string{"&&", "||", ";"} {
		replaced = strings.ReplaceAll(replaced, op, "\x00")
	}
	return strings.Split(replaced, "\x00"), true
}

var skillRootMarkers = []string{".skills/", "skills/builtin/", ".letta/agents/", ".letta/skills/"}

// matchSkillScript recognizes an invocation of a script under a
// recognized skill root (project, agent-scoped, global, or bundled) and
// returns a prefix-scoped rule covering the command text up to and
// including the first "scripts/" after the skill-root marker.
func matchSkillScript(cmd string) (string, string, bool) {
	for _, marker := range skillRootMarkers {
		idx := strings.Index(cmd, marker)
		if idx == -1 {
			continue
		}
		rest := cmd[idx:]
		scriptsIdx := strings.Index(rest, "scripts/")
		if scriptsIdx == -1 {
			continue
		}
		end := idx + scriptsIdx + len("scripts/")
		prefix := cmd[:end]
		rule := "Bash(" + prefix + ":*)"
		return rule, "script under skill root " + prefix, true
	}
	return "", "", false
}
