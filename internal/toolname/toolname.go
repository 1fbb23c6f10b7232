// Package toolname canonicalizes tool names and normalizes path-like strings
// used throughout the permission pipeline.
package toolname

import (
	"strings"
)

// Canonical tool names recognized by the permission engine. Any name not in
// this set canonicalizes to itself.
const (
	Bash     = "Bash"
	Read     = "Read"
	Write    = "Write"
	Edit     = "Edit"
	Glob     = "Glob"
	Grep     = "Grep"
	ListDir  = "ListDir"
	Task     = "Task"
	WebFetch = "WebFetch"
)

// aliases maps lowercased alias names onto their canonical tool name.
// Grounded on internal/tools/policy/types.go's ToolAliases map, extended
// with the alias families named in spec.md's Canonicalizer section.
var aliases = map[string]string{
	"bash":              Bash,
	"shell":             Bash,
	"run_shell_command": Bash,
	"exec":              Bash,
	"execute_command":   Bash,

	"read_file":    Read,
	"readfile":     Read,
	"cat":          Read,
	"read_many":    Read,
	"read_text":    Read,

	"write_file":  Write,
	"writefile":   Write,
	"create_file": Write,

	"edit_file":    Edit,
	"apply-patch":  Edit,
	"apply_patch":  Edit,
	"str_replace":  Edit,
	"notebookedit": "NotebookEdit",

	"glob_files": Glob,
	"find_files": Glob,

	"grep_search": Grep,
	"search_text": Grep,
	"ripgrep":     Grep,

	"list_dir":  ListDir,
	"list_files": ListDir,
	"ls":         ListDir,

	"task":        Task,
	"subagent":    Task,
	"dispatch":    Task,

	"webfetch":  WebFetch,
	"web_fetch": WebFetch,
	"fetch_url": WebFetch,
}

// shellTools is the set of canonical names treated as shell-family tools by
// the Read-only Shell Analyzer stages of the Permission Engine.
var shellTools = map[string]bool{
	Bash: true,
}

// fileTools is the set of canonical names treated as file-path tools whose
// payload is a glob pattern rather than a bash prefix or bare tool name.
var fileTools = map[string]bool{
	Read:    true,
	Write:   true,
	Edit:    true,
	Glob:    true,
	Grep:    true,
	ListDir: true,
}

// Canonicalize maps an alias tool name to its canonical form. Unknown names
// are returned unchanged, case-preserved. Canonicalization is idempotent:
// Canonicalize(Canonicalize(x)) == Canonicalize(x) for all x, since every
// alias table value, lowercased, is either absent from the table or a key
// that maps back to that same value (e.g. "bash" -> Bash).
func Canonicalize(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return trimmed
	}
	if canon, ok := aliases[strings.ToLower(trimmed)]; ok {
		return canon
	}
	return trimmed
}

// CanonicalizeAll canonicalizes every element of names, preserving order.
func CanonicalizeAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = Canonicalize(n)
	}
	return out
}

// IsShellTool reports whether the canonical tool name is shell-family.
func IsShellTool(canonicalName string) bool {
	return shellTools[canonicalName]
}

// IsFileTool reports whether the canonical tool name takes a file-glob
// payload.
func IsFileTool(canonicalName string) bool {
	return fileTools[canonicalName]
}

// CanonicalizePathLike normalizes a path-like string for cross-platform
// comparison: backslashes become forward slashes, and a leading slash
// before a Windows drive letter (e.g. "/C:/foo") is stripped with the
// drive letter uppercased, yielding "C:/foo".
func CanonicalizePathLike(s string) string {
	if s == "" {
		return s
	}
	out := strings.ReplaceAll(s, "\\", "/")

	// "/C:/foo" or "/c:/foo" -> "C:/foo"
	if len(out) >= 3 && out[0] == '/' && isDriveLetter(out[1]) && out[2] == ':' {
		out = string(toUpperByte(out[1])) + out[2:]
	} else if len(out) >= 2 && isDriveLetter(out[0]) && out[1] == ':' {
		out = string(toUpperByte(out[0])) + out[1:]
	}
	return out
}

func isDriveLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func toUpperByte(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - ('a' - 'A')
	}
	return b
}
