package shellsafety

import "testing"

func TestReadOnlyBasics(t *testing.T) {
	cases := []struct {
		cmd  string
		opts Options
		want bool
	}{
		{"cat file.txt", Options{}, true},
		{"cat /etc/passwd", Options{}, false},
		{"cat /etc/passwd", Options{AllowExternalPaths: true}, true},
		{"cat ../secret", Options{}, false},
		{"ls -la", Options{}, true},
		{"git status", Options{}, true},
		{"git push", Options{}, false},
		{"rm -rf /", Options{}, false},
		{"echo hi > out.txt", Options{}, false},
		{"echo `whoami`", Options{}, false},
		{"echo $(whoami)", Options{}, false},
		{"cat a.txt | grep foo", Options{}, true},
		{"cat a.txt; rm b.txt", Options{}, false},
		{"sed -n '1,5p' file.txt", Options{}, true},
		{"sed -i 's/a/b/' file.txt", Options{}, false},
		{"find . -name '*.go'", Options{}, true},
		{"find . -delete", Options{}, false},
		{"sort -o out.txt in.txt", Options{}, false},
		{"sort in.txt", Options{}, true},
	}
	for _, c := range cases {
		if got := IsReadOnly(c.cmd, c.opts); got != c.want {
			t.Errorf("IsReadOnly(%q, %+v) = %v, want %v", c.cmd, c.opts, got, c.want)
		}
	}
}

func TestCdPathRestriction(t *testing.T) {
	if IsReadOnly("cd / && cat rel", Options{}) {
		t.Error("cd into absolute path should fail path-safety even for a trivially read-only chain")
	}
	if !IsReadOnly("cd rel && cat file", Options{}) {
		t.Error("cd into a relative path should be read-only")
	}
}

func TestMemoryDirRejectsEscape(t *testing.T) {
	cmd := "cd ~/.letta/agents/agent1/memory && rm -rf /"
	if IsMemoryDirCommand(cmd, "agent1", MemoryOptions{}) {
		t.Error("cd memory_dir && rm -rf / must be rejected")
	}
}

func TestMemoryDirAllowsConfinedWrite(t *testing.T) {
	cmd := "cd ~/.letta/agents/agent1/memory && git add . && git commit -m update"
	if !IsMemoryDirCommand(cmd, "agent1", MemoryOptions{}) {
		t.Error("confined git commit inside the memory dir should be allowed")
	}
}

func TestMemoryDirWithoutCdUsesExplicitPaths(t *testing.T) {
	cmd := "cat ~/.letta/agents/agent1/memory/notes.md"
	if !IsMemoryDirCommand(cmd, "agent1", MemoryOptions{}) {
		t.Error("explicit in-prefix path should be allowed without a preceding cd")
	}
	cmd2 := "cat ~/.letta/agents/agent2/memory/notes.md"
	if IsMemoryDirCommand(cmd2, "agent1", MemoryOptions{}) {
		t.Error("path for a different agent id must be rejected")
	}
}

func TestShellLauncherUnwrap(t *testing.T) {
	if !IsReadOnly(`bash -c "cat file.txt"`, Options{}) {
		t.Error("wrapped read-only command should unwrap to read-only")
	}
	if IsReadOnly(`bash -c "rm file.txt"`, Options{}) {
		t.Error("wrapped write command should unwrap to unsafe")
	}
}
