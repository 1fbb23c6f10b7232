package toolname

import "testing"

func TestCanonicalizeAliases(t *testing.T) {
	cases := map[string]string{
		"bash":              Bash,
		"Shell":             Bash,
		"run_shell_command": Bash,
		"read_file":         Read,
		"apply_patch":       Edit,
		"write_file":        Write,
		"ls":                ListDir,
		"UnknownTool":       "UnknownTool",
		"":                  "",
	}
	for in, want := range cases {
		if got := Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	names := []string{"bash", "read_file", "Read", "Weird_Tool_Name", "MCP:server.tool"}
	for _, n := range names {
		once := Canonicalize(n)
		twice := Canonicalize(once)
		if once != twice {
			t.Errorf("canonicalization not idempotent for %q: %q != %q", n, once, twice)
		}
	}
}

func TestIsShellAndFileTool(t *testing.T) {
	if !IsShellTool(Bash) {
		t.Error("Bash should be a shell tool")
	}
	if IsShellTool(Read) {
		t.Error("Read should not be a shell tool")
	}
	if !IsFileTool(Read) || !IsFileTool(Edit) || !IsFileTool(Glob) {
		t.Error("Read/Edit/Glob should be file tools")
	}
	if IsFileTool(Bash) {
		t.Error("Bash should not be a file tool")
	}
}

func TestCanonicalizePathLike(t *testing.T) {
	cases := map[string]string{
		`foo\bar\baz.txt`: "foo/bar/baz.txt",
		"/C:/Users/me":    "C:/Users/me",
		"/c:/Users/me":    "C:/Users/me",
		"c:\\Users\\me":   "C:/Users/me",
		"relative/path":   "relative/path",
		"":                "",
	}
	for in, want := range cases {
		if got := CanonicalizePathLike(in); got != want {
			t.Errorf("CanonicalizePathLike(%q) = %q, want %q", in, got, want)
		}
	}
}
