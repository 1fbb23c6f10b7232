// Package shellsafety statically analyzes shell commands to decide whether
// they are read-only, or whether they are confined to a per-agent memory
// directory, without ever executing them.
//
// Two bug classes motivate the split design here: trusting read-looking
// commands (cat, grep) let arguments exfiltrate arbitrary files, and
// trusting any command after a `cd` into a writable directory let a chain
// like `cd memdir && rm -rf /` slip through. Both are closed by checking
// path-safety per segment and per token rather than only checking the
// leading command name.
package shellsafety

import (
	"os"
	"path/filepath"
	"strings"
)

// Options controls path-safety enforcement for IsReadOnly.
type Options struct {
	// AllowExternalPaths, when true, permits absolute, home-anchored, and
	// ".."-traversal path arguments. Defaults to false (strict).
	AllowExternalPaths bool
}

// alwaysSafe is the fixed set of commands considered read-only by name,
// subject to the path-safety check on their arguments.
var alwaysSafe = map[string]bool{
	"cat": true, "head": true, "tail": true, "less": true, "more": true,
	"grep": true, "rg": true, "ag": true, "ack": true, "fgrep": true, "egrep": true,
	"ls": true, "tree": true, "file": true, "stat": true, "du": true, "df": true,
	"wc": true, "diff": true, "cmp": true, "comm": true, "cut": true, "tr": true,
	"nl": true, "column": true, "fold": true, "pwd": true, "whoami": true,
	"hostname": true, "date": true, "uname": true, "uptime": true, "id": true,
	"echo": true, "printf": true, "env": true, "printenv": true, "which": true,
	"whereis": true, "type": true, "basename": true, "dirname": true,
	"realpath": true, "readlink": true, "jq": true, "yq": true, "strings": true,
	"xxd": true, "hexdump": true, "cd": true,
}

var ghCategoryActions = map[string]map[string]bool{
	"pr":      {"list": true, "view": true, "status": true, "diff": true, "checks": true},
	"issue":   {"list": true, "view": true, "status": true},
	"repo":    {"view": true, "list": true},
	"run":     {"list": true, "view": true, "watch": true},
	"release": {"list": true, "view": true},
}

var ghOpenCategories = map[string]bool{"search": true, "api": true, "status": true}

var gitSafeSubcommands = map[string]bool{
	"status": true, "diff": true, "log": true, "show": true,
	"branch": true, "tag": true, "remote": true,
}

var lettaGroupActions = map[string]map[string]bool{
	"memfs":  {"status": true, "help": true, "backups": true, "export": true},
	"agent":  {"status": true, "list": true, "show": true},
	"skills": {"list": true, "status": true, "help": true},
}

// IsReadOnly reports whether cmd is a read-only shell command under opts.
func IsReadOnly(cmd string, opts Options) bool {
	return isReadOnlyString(cmd, opts)
}

// IsReadOnlyArgs is the array form: if the first token is a shell launcher
// (bash/sh), its -c/-lc argument is extracted and analyzed; otherwise the
// tokens are joined and analyzed as a single string.
func IsReadOnlyArgs(args []string, opts Options) bool {
	if len(args) == 0 {
		return true
	}
	if isShellLauncher(args[0]) {
		if inner, ok := extractDashC(args); ok {
			return isReadOnlyString(inner, opts)
		}
	}
	return isReadOnlyString(strings.Join(args, " "), opts)
}

func isReadOnlyString(cmd string, opts Options) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return true
	}
	segments, ok := splitRejectingUnsafeOperators(cmd)
	if !ok {
		return false
	}
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			continue
		}
		if !isSafeSegment(trimmed, opts) {
			return false
		}
	}
	return true
}

func isSafeSegment(seg string, opts Options) bool {
	tokens := tokenize(seg)
	if len(tokens) == 0 {
		return true
	}
	name := tokens[0]
	args := tokens[1:]

	if isShellLauncher(name) {
		if inner, ok := extractDashC(tokens); ok {
			return isReadOnlyString(inner, opts)
		}
	}

	switch {
	case alwaysSafe[name]:
		return pathSafeArgs(args, opts)
	case name == "sed":
		return !hasSedInPlace(args) && pathSafeArgs(args, opts)
	case name == "git":
		return len(args) > 0 && gitSafeSubcommands[args[0]] && pathSafeArgs(args, opts)
	case name == "gh":
		return isSafeGh(args)
	case name == "letta":
		return isSafeLetta(args)
	case name == "find":
		return !containsAny(args, "-delete", "-exec") && pathSafeArgs(args, opts)
	case name == "sort":
		return !containsAny(args, "-o") && pathSafeArgs(args, opts)
	default:
		return false
	}
}

func isSafeGh(args []string) bool {
	if len(args) == 0 {
		return false
	}
	category := args[0]
	if ghOpenCategories[category] {
		return true
	}
	actions, ok := ghCategoryActions[category]
	if !ok || len(args) < 2 {
		return false
	}
	return actions[args[1]]
}

func isSafeLetta(args []string) bool {
	if len(args) == 0 {
		return false
	}
	actions, ok := lettaGroupActions[args[0]]
	if !ok || len(args) < 2 {
		return false
	}
	return actions[args[1]]
}

func hasSedInPlace(args []string) bool {
	for _, a := range args {
		if a == "-i" || strings.HasPrefix(a, "-i") || a == "--in-place" || strings.HasPrefix(a, "--in-place") {
			return true
		}
	}
	return false
}

func containsAny(args []string, targets ...string) bool {
	for _, a := range args {
		for _, t := range targets {
			if a == t {
				return true
			}
		}
	}
	return false
}

func pathSafeArgs(args []string, opts Options) bool {
	if opts.AllowExternalPaths {
		return true
	}
	for _, a := range args {
		if isEscapingPathArg(a) {
			return false
		}
	}
	return true
}

func isEscapingPathArg(tok string) bool {
	if strings.HasPrefix(tok, "/") {
		return true
	}
	if tok == "~" || strings.HasPrefix(tok, "~/") {
		return true
	}
	if strings.Contains(tok, "..") {
		return true
	}
	return false
}

func isShellLauncher(name string) bool {
	return name == "bash" || name == "sh"
}

// extractDashC finds the first "-c" or "-lc" flag and returns the token
// immediately following it.
func extractDashC(tokens []string) (string, bool) {
	for i, t := range tokens {
		if t == "-c" || t == "-lc" {
			if i+1 < len(tokens) {
				return tokens[i+1], true
			}
			return "", false
		}
	}
	return "", false
}

// splitRejectingUnsafeOperators splits cmd into segments on unquoted
// &&, ||, |, and ;. It returns ok=false if it encounters an unquoted
// redirection (>, >>), or a backtick/$( command substitution anywhere
// outside single quotes (command substitution is rejected even inside
// double quotes, since the shell still expands it there).
func splitRejectingUnsafeOperators(cmd string) (segments []string, ok bool) {
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if escaped {
			cur.WriteRune(c)
			escaped = false
			continue
		}
		if c == '\\' && !inSingle {
			escaped = true
			cur.WriteRune(c)
			continue
		}
		if c == '\'' && !inDouble {
			inSingle = !inSingle
			cur.WriteRune(c)
			continue
		}
		if c == '"' && !inSingle {
			inDouble = !inDouble
			cur.WriteRune(c)
			continue
		}
		if inSingle {
			cur.WriteRune(c)
			continue
		}
		if c == '`' {
			return nil, false
		}
		if c == '$' && i+1 < len(runes) && runes[i+1] == '(' {
			return nil, false
		}
		if inDouble {
			cur.WriteRune(c)
			continue
		}
		switch {
		case c == '>':
			return nil, false
		case c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			segments = append(segments, cur.String())
			cur.Reset()
			i++
		case c == '|' && i+1 < len(runes) && runes[i+1] == '|':
			segments = append(segments, cur.String())
			cur.Reset()
			i++
		case c == '|':
			segments = append(segments, cur.String())
			cur.Reset()
		case c == ';':
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	segments = append(segments, cur.String())
	return segments, true
}

// tokenize splits a single segment into words, respecting single and
// double quotes (both stripped from the resulting tokens) and backslash
// escapes outside single quotes.
func tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	inSingle, inDouble, escaped, hasCur := false, false, false, false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if escaped {
			cur.WriteRune(c)
			escaped = false
			hasCur = true
			continue
		}
		if c == '\\' && !inSingle {
			escaped = true
			continue
		}
		if c == '\'' && !inDouble {
			inSingle = !inSingle
			hasCur = true
			continue
		}
		if c == '"' && !inSingle {
			inDouble = !inDouble
			hasCur = true
			continue
		}
		if !inSingle && !inDouble && (c == ' ' || c == '\t') {
			if hasCur {
				tokens = append(tokens, cur.String())
				cur.Reset()
				hasCur = false
			}
			continue
		}
		cur.WriteRune(c)
		hasCur = true
	}
	if hasCur {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// MemoryOptions controls IsMemoryDirCommand.
type MemoryOptions struct {
	// ApproveAll widens the permitted command set beyond the safe list
	// used for confined memory-directory writes. Defaults to false
	// (strict). No environment variable or config setting sets it: the
	// permission engine always passes the zero value (see SPEC_FULL.md §7).
	ApproveAll bool
}

// memorySafeCommands is the default command set permitted for confined
// memory-directory writes when ApproveAll is false: enough to edit files
// and commit them, nothing that reaches outside the tree by design.
var memorySafeCommands = map[string]bool{
	"git": true, "cat": true, "ls": true, "echo": true, "mkdir": true,
	"rm": true, "mv": true, "cp": true, "tee": true, "find": true,
	"grep": true, "sed": true, "diff": true, "touch": true, "printf": true,
	"head": true, "tail": true, "wc": true, "cd": true, "jq": true,
}

// IsMemoryDirCommand reports whether cmd is confined to the memory
// directory tree for agentID: ~/.letta/agents/<agentID>/memory[-worktrees]/.
// Unlike IsReadOnly, redirection and command substitution are permitted
// here because commits legitimately need them; confinement is enforced by
// path-argument inspection instead.
func IsMemoryDirCommand(cmd string, agentID string, opts MemoryOptions) bool {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || agentID == "" {
		return false
	}
	segments := splitAllOperators(cmd)

	cwdInsideMemory := false
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			continue
		}
		tokens := tokenize(trimmed)
		if len(tokens) == 0 {
			continue
		}
		if tokens[0] == "cd" {
			if len(tokens) < 2 {
				continue
			}
			if !isInsideMemoryPrefix(tokens[1], agentID) {
				return false
			}
			cwdInsideMemory = true
			continue
		}
		if !isMemorySegmentSafe(tokens, cwdInsideMemory, agentID, opts.ApproveAll) {
			return false
		}
	}
	return true
}

func isMemorySegmentSafe(tokens []string, cwdInsideMemory bool, agentID string, approveAll bool) bool {
	name := tokens[0]
	if !approveAll && !memorySafeCommands[name] {
		return false
	}

	anyMemoryToken := false
	allMemoryTokensInside := true
	anyEscaping := false
	for _, tok := range tokens[1:] {
		if strings.Contains(tok, ".letta/agents/") {
			anyMemoryToken = true
			if !isInsideMemoryPrefix(tok, agentID) {
				allMemoryTokensInside = false
			}
			continue
		}
		if isEscapingPathArg(tok) {
			anyEscaping = true
		}
	}

	if cwdInsideMemory && !anyEscaping {
		return true
	}
	if anyMemoryToken && allMemoryTokensInside {
		return true
	}
	return false
}

func memoryPrefixes(agentID string) []string {
	base := "~/.letta/agents/" + agentID + "/"
	return []string{base + "memory", base + "memory-worktrees"}
}

func isInsideMemoryPrefix(rawPath, agentID string) bool {
	expanded := expandHome(rawPath)
	for _, prefix := range memoryPrefixes(agentID) {
		exp := strings.TrimSuffix(expandHome(prefix), "/")
		if expanded == exp || strings.HasPrefix(expanded, exp+"/") {
			return true
		}
	}
	return false
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.ToSlash(filepath.Join(home, p[2:]))
		}
	}
	return filepath.ToSlash(p)
}

// splitAllOperators splits cmd on &&, ||, |, and ; without rejecting
// redirects or substitution (the memory-dir variant permits both).
func splitAllOperators(cmd string) []string {
	var segments []string
	var cur strings.Builder
	inSingle, inDouble, escaped := false, false, false
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if escaped {
			cur.WriteRune(c)
			escaped = false
			continue
		}
		if c == '\\' && !inSingle {
			escaped = true
			cur.WriteRune(c)
			continue
		}
		if c == '\'' && !inDouble {
			inSingle = !inSingle
			cur.WriteRune(c)
			continue
		}
		if c == '"' && !inSingle {
			inDouble = !inDouble
			cur.WriteRune(c)
			continue
		}
		if inSingle || inDouble {
			cur.WriteRune(c)
			continue
		}
		switch {
		case c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			segments = append(segments, cur.String())
			cur.Reset()
			i++
		case c == '|' && i+1 < len(runes) && runes[i+1] == '|':
			segments = append(segments, cur.String())
			cur.Reset()
			i++
		case c == '|':
			segments = append(segments, cur.String())
			cur.Reset()
		case c == ';':
			segments = append(segments, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	segments = append(segments, cur.String())
	return segments
}
