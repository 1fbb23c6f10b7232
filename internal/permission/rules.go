package permission

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/letta-ai/exec-agent/internal/permission/pattern"
	"github.com/letta-ai/exec-agent/internal/toolname"
)

// PersistedRules is the on-disk shape of a settings file (global user
// settings or project settings), per spec.md §6: a canonical rule-string
// list under each key.
type PersistedRules struct {
	Allow                 []string `yaml:"allow"`
	Deny                  []string `yaml:"deny"`
	Ask                   []string `yaml:"ask"`
	AdditionalDirectories []string `yaml:"additionalDirectories"`
}

// Store holds the three disjoint rule origins from spec.md §3: persisted
// settings, in-memory session rules, and CLI overrides. Grounded on
// internal/tools/policy/resolver.go's Merge/precedence handling, adapted
// from tool-group merging to the file/bash/bare rule-string grammar.
type Store struct {
	mu sync.RWMutex

	persistedAllow           []string
	persistedDeny            []string
	persistedAsk             []string
	persistedAdditionalDirs  []string

	sessionAllow []string

	cliAllowed    []string
	cliDisallowed []string

	logger *slog.Logger
	watcher *fsnotify.Watcher
}

// NewStore returns an empty rule store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger}
}

// NormalizeRule canonicalizes a rule string to a fixed point: the tool
// name is canonicalized, bare tool names are expanded (Bash -> Bash(:*),
// file tools -> Tool(**)), and file-tool payloads have their path-like
// string normalized.
func NormalizeRule(raw string) string {
	tool, payload, has := pattern.Parse(raw)
	if tool == "*" {
		return "*"
	}
	canon := toolname.Canonicalize(tool)
	if !has {
		switch {
		case canon == toolname.Bash:
			return canon + "(:*)"
		case toolname.IsFileTool(canon):
			return canon + "(**)"
		default:
			return canon
		}
	}
	if toolname.IsFileTool(canon) {
		return canon + "(" + toolname.CanonicalizePathLike(payload) + ")"
	}
	return canon + "(" + payload + ")"
}

// NormalizeRules normalizes a slice of rule strings.
func NormalizeRules(raw []string) []string {
	out := make([]string, len(raw))
	for i, r := range raw {
		out[i] = NormalizeRule(r)
	}
	return out
}

// LoadPersisted reads and merges a global and a project settings file.
// Either path may be empty, in which case it is skipped. Project rules
// are appended after global rules, consistent with "first matching
// pattern wins in source order" evaluation downstream.
func (s *Store) LoadPersisted(globalPath, projectPath string) error {
	var merged PersistedRules
	for _, p := range []string{globalPath, projectPath} {
		if p == "" {
			continue
		}
		var pr PersistedRules
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return fmt.Errorf("reading settings file %s: %w", p, err)
		}
		if err := yaml.Unmarshal(data, &pr); err != nil {
			return fmt.Errorf("parsing settings file %s: %w", p, err)
		}
		merged.Allow = append(merged.Allow, pr.Allow...)
		merged.Deny = append(merged.Deny, pr.Deny...)
		merged.Ask = append(merged.Ask, pr.Ask...)
		merged.AdditionalDirectories = append(merged.AdditionalDirectories, pr.AdditionalDirectories...)
	}

	s.mu.Lock()
	s.persistedAllow = NormalizeRules(merged.Allow)
	s.persistedDeny = NormalizeRules(merged.Deny)
	s.persistedAsk = NormalizeRules(merged.Ask)
	s.persistedAdditionalDirs = merged.AdditionalDirectories
	s.mu.Unlock()
	return nil
}

// Watch starts an fsnotify watch on the given settings file paths and
// reloads persisted rules whenever either changes. The returned stop
// function closes the watcher; calling it more than once is safe (later
// calls do nothing), and an error from Close is logged, not propagated.
func (s *Store) Watch(globalPath, projectPath string) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating settings watcher: %w", err)
	}
	for _, p := range []string{globalPath, projectPath} {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			s.logger.Warn("permission: could not watch settings file", "path", p, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := s.LoadPersisted(globalPath, projectPath); err != nil {
						s.logger.Warn("permission: failed to reload settings", "error", err)
					} else {
						s.logger.Debug("permission: reloaded settings", "path", ev.Name)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("permission: settings watcher error", "error", err)
			case <-done:
				return
			}
		}
	}()

	s.watcher = w
	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			close(done)
			if err := w.Close(); err != nil {
				s.logger.Warn("permission: closing settings watcher", "error", err)
			}
		})
	}, nil
}

// SetCLIOverrides replaces the CLI allow/disallow rule lists for the
// lifetime of the process.
func (s *Store) SetCLIOverrides(allowed, disallowed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cliAllowed = NormalizeRules(allowed)
	s.cliDisallowed = NormalizeRules(disallowed)
}

// AddSessionAllow adds a rule to the in-memory session allowlist.
func (s *Store) AddSessionAllow(rule string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionAllow = append(s.sessionAllow, NormalizeRule(rule))
}

// ClearSession clears all session rules. Called at runtime end; never
// persisted.
func (s *Store) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionAllow = nil
}

// Snapshot is a coherent, point-in-time read of all rule collections,
// taken synchronously at the start of a permission check so that
// concurrent mutation of the store cannot produce an inconsistent
// decision mid-check.
type Snapshot struct {
	PersistedAllow        []string
	PersistedDeny         []string
	PersistedAsk          []string
	AdditionalDirectories []string
	SessionAllow          []string
	CLIAllowed            []string
	CLIDisallowed         []string
}

// Snapshot returns a coherent copy of the current rule state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		PersistedAllow:        append([]string(nil), s.persistedAllow...),
		PersistedDeny:         append([]string(nil), s.persistedDeny...),
		PersistedAsk:          append([]string(nil), s.persistedAsk...),
		AdditionalDirectories: append([]string(nil), s.persistedAdditionalDirs...),
		SessionAllow:          append([]string(nil), s.sessionAllow...),
		CLIAllowed:            append([]string(nil), s.cliAllowed...),
		CLIDisallowed:         append([]string(nil), s.cliDisallowed...),
	}
}
