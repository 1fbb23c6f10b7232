package approval

import (
	"testing"

	"github.com/letta-ai/exec-agent/internal/permission"
)

func TestAnalyzeReadInsideWorkingDir(t *testing.T) {
	ctx := Analyze("Read", permission.Args{"file_path": "src/a.ts"}, "/u/p")
	if ctx.RecommendedRule != "Read(src/**)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.DefaultScope != ScopeSession {
		t.Fatalf("expected session scope, got %v", ctx.DefaultScope)
	}
}

func TestAnalyzeReadDirectlyInWorkingDir(t *testing.T) {
	ctx := Analyze("Read", permission.Args{"file_path": "a.ts"}, "/u/p")
	if ctx.RecommendedRule != "Read(**)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
}

func TestAnalyzeReadOutsideWorkingDir(t *testing.T) {
	ctx := Analyze("Read", permission.Args{"file_path": "/etc/passwd"}, "/u/p")
	if ctx.RecommendedRule != "Read(//etc/**)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.DefaultScope != ScopeProject {
		t.Fatalf("expected project scope, got %v", ctx.DefaultScope)
	}
}

func TestAnalyzeWriteAlwaysWholeTree(t *testing.T) {
	ctx := Analyze("Write", permission.Args{"file_path": "src/a.ts"}, "/u/p")
	if ctx.RecommendedRule != "Write(**)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.SafetyLevel != Moderate {
		t.Fatalf("expected moderate safety, got %v", ctx.SafetyLevel)
	}
}

func TestAnalyzeBashDangerousCommand(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": "rm -rf /tmp/x"}, "/u/p")
	if ctx.SafetyLevel != Dangerous {
		t.Fatalf("expected dangerous, got %v", ctx.SafetyLevel)
	}
	if ctx.AllowPersistence {
		t.Fatalf("dangerous commands must not allow persistence")
	}
	if ctx.ApproveAlwaysText != "" {
		t.Fatalf("dangerous commands must have empty approve-always text, got %q", ctx.ApproveAlwaysText)
	}
}

func TestAnalyzeBashGitSubcommand(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": "git diff HEAD"}, "/u/p")
	if ctx.RecommendedRule != "Bash(git diff:*)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.SafetyLevel != Safe {
		t.Fatalf("expected git diff to be safe, got %v", ctx.SafetyLevel)
	}
}

func TestAnalyzeBashGitCommitIsModerate(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": "git commit -m x"}, "/u/p")
	if ctx.RecommendedRule != "Bash(git commit:*)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.SafetyLevel != Moderate {
		t.Fatalf("expected git commit to be moderate, got %v", ctx.SafetyLevel)
	}
}

func TestAnalyzeBashPackageManagerScript(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": "npm run build"}, "/u/p")
	if ctx.RecommendedRule != "Bash(npm run build:*)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
}

func TestAnalyzeBashReadOnlyCommand(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": "cat file.txt"}, "/u/p")
	if ctx.RecommendedRule != "Bash(cat:*)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.SafetyLevel != Safe {
		t.Fatalf("expected safe, got %v", ctx.SafetyLevel)
	}
}

func TestAnalyzeBashCompoundSkipsLeadingCd(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": "cd /u/p && git status"}, "/u/p")
	if ctx.RecommendedRule != "Bash(git status:*)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
}

func TestAnalyzeBashSkillScript(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": ".skills/deploy/scripts/run.sh --env prod"}, "/u/p")
	want := "Bash(.skills/deploy/scripts/:*)"
	if ctx.RecommendedRule != want {
		t.Fatalf("got rule %q, want %q", ctx.RecommendedRule, want)
	}
}

func TestAnalyzeBashFallbackExactMatch(t *testing.T) {
	ctx := Analyze("Bash", permission.Args{"command": "some-custom-tool --flag"}, "/u/p")
	if ctx.RecommendedRule != "Bash(some-custom-tool --flag)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.SafetyLevel != Moderate {
		t.Fatalf("expected moderate, got %v", ctx.SafetyLevel)
	}
}

func TestAnalyzeWebFetchValidURL(t *testing.T) {
	ctx := Analyze("WebFetch", permission.Args{"url": "https://example.com/page"}, "/u/p")
	if ctx.RecommendedRule != "WebFetch(https://example.com/*)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.SafetyLevel != Safe {
		t.Fatalf("expected safe, got %v", ctx.SafetyLevel)
	}
}

func TestAnalyzeWebFetchInvalidURL(t *testing.T) {
	ctx := Analyze("WebFetch", permission.Args{"url": "not a url"}, "/u/p")
	if ctx.RecommendedRule != "WebFetch" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
}

func TestAnalyzeTask(t *testing.T) {
	ctx := Analyze("Task", permission.Args{"subagent_type": "explore"}, "/u/p")
	if ctx.RecommendedRule != "Task" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.DefaultScope != ScopeSession || ctx.SafetyLevel != Moderate {
		t.Fatalf("got scope %v safety %v", ctx.DefaultScope, ctx.SafetyLevel)
	}
}

func TestAnalyzeGlobOutsideWorkingDir(t *testing.T) {
	ctx := Analyze("Glob", permission.Args{"path": "/var/log"}, "/u/p")
	if ctx.RecommendedRule != "Glob(//var/log/**)" {
		t.Fatalf("got rule %q", ctx.RecommendedRule)
	}
	if ctx.DefaultScope != ScopeProject {
		t.Fatalf("expected project scope, got %v", ctx.DefaultScope)
	}
}
