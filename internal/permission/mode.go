package permission

import (
	"fmt"
	"strings"
	"sync"

	"github.com/letta-ai/exec-agent/internal/shellsafety"
	"github.com/letta-ai/exec-agent/internal/toolname"
)

// Mode is the current global permission mode.
type Mode string

const (
	ModeDefault           Mode = "default"
	ModeAcceptEdits       Mode = "acceptEdits"
	ModePlan              Mode = "plan"
	ModeBypassPermissions Mode = "bypassPermissions"
)

// planReadOnlyTools are allowed unconditionally in plan mode, including
// the Gemini/Codex read-alias canonical names (already folded onto Read
// by the Canonicalizer upstream) plus plan-specific tools.
var planReadOnlyTools = map[string]bool{
	toolname.Read: true,
	toolname.Glob: true,
	toolname.Grep: true,
	"TaskOutput":  true,
	"TodoWrite":   true,
}

var acceptEditsAllowTools = map[string]bool{
	toolname.Write:   true,
	toolname.Edit:    true,
	"NotebookEdit":   true,
}

// ModeController holds the current mode, a stashed prior mode for
// transient plan-mode entry, and the active plan file path. Grounded on
// dive/permission_config.go's evaluateMode switch and spec.md §4.5.
type ModeController struct {
	mu           sync.Mutex
	mode         Mode
	stashedMode  Mode
	hasStash     bool
	planFilePath string
}

// NewModeController returns a controller in ModeDefault.
func NewModeController() *ModeController {
	return &ModeController{mode: ModeDefault}
}

// Mode returns the current mode.
func (m *ModeController) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode sets the mode directly, without stash semantics. Used for
// ordinary mode_change frames (§4.13) outside the plan-entry flow.
func (m *ModeController) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mode = mode
}

// PlanFilePath returns the currently associated plan file path, if any.
func (m *ModeController) PlanFilePath() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planFilePath
}

// EnterPlan stashes the current mode (if not already stashed) and
// switches to ModePlan with the given plan file path.
func (m *ModeController) EnterPlan(planFilePath string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.hasStash {
		m.stashedMode = m.mode
		m.hasStash = true
	}
	m.mode = ModePlan
	m.planFilePath = planFilePath
}

// ExitPlan restores the stashed mode, consuming the stash. If no stash is
// present (ExitPlan called without a matching EnterPlan), the mode falls
// back to ModeDefault.
func (m *ModeController) ExitPlan() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.hasStash {
		m.mode = m.stashedMode
		m.hasStash = false
	} else {
		m.mode = ModeDefault
	}
	m.planFilePath = ""
}

// Override is the forced decision a mode may impose, short-circuiting the
// remaining pipeline stages.
type Override struct {
	Decision Decision
	Reason   string
	Forced   bool
}

// CheckOverride returns the mode-specific forced decision for a tool
// call, if any. bypassPermissions allows everything (deny rules are
// still evaluated before mode in the pipeline, per spec.md §4.4 stage
// ordering — this function is only ever consulted after the deny/CLI
// stages). acceptEdits allows Write/Edit/NotebookEdit. plan allows
// read-only tools, writes/ApplyPatch targeting the plan file, and
// read-only Bash; anything else is denied with plan-file guidance.
func (m *ModeController) CheckOverride(tool string, args Args) Override {
	mode := m.Mode()
	planPath := m.PlanFilePath()

	switch mode {
	case ModeBypassPermissions:
		return Override{Decision: Allow, Reason: "bypassPermissions mode", Forced: true}

	case ModeAcceptEdits:
		if acceptEditsAllowTools[tool] {
			return Override{Decision: Allow, Reason: "acceptEdits mode", Forced: true}
		}
		return Override{}

	case ModePlan:
		return m.checkPlanOverride(tool, args, planPath)

	default:
		return Override{}
	}
}

func (m *ModeController) checkPlanOverride(tool string, args Args, planPath string) Override {
	if planReadOnlyTools[tool] {
		return Override{Decision: Allow, Reason: "plan mode", Forced: true}
	}

	if tool == toolname.Bash {
		if cmd, ok := commandArg(args); ok && shellsafety.IsReadOnly(cmd, shellsafety.Options{AllowExternalPaths: true}) {
			return Override{Decision: Allow, Reason: "plan mode", Forced: true}
		}
		return Override{
			Decision: Deny,
			Reason:   fmt.Sprintf("plan mode restricts writes; plan file is %s", planPath),
			Forced:   true,
		}
	}

	if tool == toolname.Write || tool == toolname.Edit {
		if path, ok := stringArg(args, "file_path", "path"); ok && path == planPath {
			return Override{Decision: Allow, Reason: "plan mode", Forced: true}
		}
		return Override{
			Decision: Deny,
			Reason:   fmt.Sprintf("plan mode restricts writes to the plan file %s", planPath),
			Forced:   true,
		}
	}

	if tool == "ApplyPatch" {
		if allApplyPatchTargetsMatch(args, planPath) {
			return Override{Decision: Allow, Reason: "plan mode", Forced: true}
		}
		return Override{
			Decision: Deny,
			Reason:   fmt.Sprintf("plan mode: patch must target exactly the plan file %s", planPath),
			Forced:   true,
		}
	}

	return Override{
		Decision: Deny,
		Reason:   fmt.Sprintf("plan mode restricts this tool; plan file is %s", planPath),
		Forced:   true,
	}
}

// allApplyPatchTargetsMatch reports whether every target path named in an
// ApplyPatch call's patch text resolves to planPath. Patch payloads are
// read from a "patch" (or else "input") argument containing
// "*** Update File: <path>" / "*** Add File: <path>" /
// "*** Delete File: <path>" headers; this is a
// best-effort header scan, not a full patch parser, matching the scope of
// what the Permission Engine needs (a path-safety check, not patch
// application).
func allApplyPatchTargetsMatch(args Args, planPath string) bool {
	patch, ok := stringArg(args, "patch", "input")
	if !ok {
		return false
	}
	targets := extractPatchTargets(patch)
	if len(targets) == 0 {
		return false
	}
	for _, t := range targets {
		if t != planPath {
			return false
		}
	}
	return true
}

func extractPatchTargets(patch string) []string {
	var targets []string
	for _, marker := range []string{"*** Update File: ", "*** Add File: ", "*** Delete File: "} {
		idx := 0
		for {
			pos := strings.Index(patch[idx:], marker)
			if pos == -1 {
				break
			}
			start := idx + pos + len(marker)
			rel := strings.IndexByte(patch[start:], '\n')
			end := len(patch)
			if rel != -1 {
				end = start + rel
			}
			targets = append(targets, strings.TrimSpace(patch[start:end]))
			idx = end
		}
	}
	return targets
}
