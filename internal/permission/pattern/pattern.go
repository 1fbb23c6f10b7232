// Package pattern implements the permission-rule pattern grammar shared by
// file, bash, and bare-tool rule strings: "Tool", "Tool(payload)", and "*".
package pattern

import (
	"os"
	"path/filepath"
	"strings"
)

// Parse splits a rule string into its tool name and payload. hasPayload is
// true whenever the string carried parentheses, even empty ones
// ("Tool()" has payload "" but hasPayload=true, distinct from bare "Tool").
func Parse(s string) (tool, payload string, hasPayload bool) {
	if s == "*" {
		return "*", "", false
	}
	idx := strings.IndexByte(s, '(')
	if idx == -1 {
		return s, "", false
	}
	if !strings.HasSuffix(s, ")") {
		// Malformed payload syntax; treat the whole string as a bare name
		// rather than erroring, matching the teacher's lenient parsing.
		return s, "", false
	}
	return s[:idx], s[idx+1 : len(s)-1], true
}

// MatchTool matches a canonical tool name against a bare-tool pattern:
// "*" matches everything, "Name" and "Name()" and "Name(...)" all match
// tool name "Name".
func MatchTool(name, pattern string) bool {
	if pattern == "*" {
		return true
	}
	ptool, payload, has := Parse(pattern)
	if ptool != name {
		return false
	}
	if !has {
		return true
	}
	return payload == "" || payload == "..."
}

// MatchBash matches a raw (unparenthesized) shell command string against a
// "Bash(payload)" rule pattern. payload ending in ":*" prefix-matches;
// otherwise it must equal the command exactly. Both the raw command and a
// "stripped" form (first non-cd segment of a compound command) are tried.
func MatchBash(rawCommand, pattern string) bool {
	if pattern == "*" {
		return true
	}
	ptool, payload, has := Parse(pattern)
	if ptool != "Bash" {
		return false
	}
	if !has {
		// Bare "Bash" is equivalent to "Bash(:*)" per the CLI-override
		// normalization rule.
		return true
	}

	candidates := []string{rawCommand}
	if stripped, ok := strippedForm(rawCommand); ok {
		candidates = append(candidates, stripped)
	}

	if strings.HasSuffix(payload, ":*") {
		prefix := strings.TrimSuffix(payload, ":*")
		for _, c := range candidates {
			if strings.HasPrefix(c, prefix) {
				return true
			}
		}
		return false
	}

	for _, c := range candidates {
		if c == payload {
			return true
		}
	}
	return false
}

// strippedForm derives the "first non-cd segment" form of a compound shell
// command joined by &&, ||, |, or ;. Returns ok=false if the command has no
// such operators (the caller should not try a second candidate).
func strippedForm(cmd string) (string, bool) {
	segs, ok := splitCompound(cmd)
	if !ok {
		return "", false
	}
	for _, seg := range segs {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			continue
		}
		if trimmed == "cd" || strings.HasPrefix(trimmed, "cd ") {
			continue
		}
		return trimmed, true
	}
	return "", false
}

// splitCompound splits a command on unquoted &&, ||, |, or ; operators. It
// is intentionally simpler than the shellsafety tokenizer: this is a rule
// matching convenience, not a security boundary.
func splitCompound(cmd string) ([]string, bool) {
	var segs []string
	var cur strings.Builder
	found := false
	inSingle, inDouble := false, false
	runes := []rune(cmd)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteRune(c)
		case c == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteRune(c)
		case !inSingle && !inDouble && c == '&' && i+1 < len(runes) && runes[i+1] == '&':
			segs = append(segs, cur.String())
			cur.Reset()
			i++
			found = true
		case !inSingle && !inDouble && c == '|' && i+1 < len(runes) && runes[i+1] == '|':
			segs = append(segs, cur.String())
			cur.Reset()
			i++
			found = true
		case !inSingle && !inDouble && c == '|':
			segs = append(segs, cur.String())
			cur.Reset()
			found = true
		case !inSingle && !inDouble && c == ';':
			segs = append(segs, cur.String())
			cur.Reset()
			found = true
		default:
			cur.WriteRune(c)
		}
	}
	segs = append(segs, cur.String())
	return segs, found
}

// MatchFile matches a file-path argument against a file-tool rule pattern
// such as "Read(src/**)" or "Read(//abs/path/**)". tool is the query's
// canonical tool name (must equal the pattern's tool). filePath is the raw
// path argument from the tool call; workingDir anchors relative patterns
// and relative query paths.
func MatchFile(tool, filePath, pattern, workingDir string) bool {
	ptool, payload, has := Parse(pattern)
	if pattern == "*" {
		return true
	}
	if ptool != tool {
		return false
	}
	if !has {
		return true
	}

	globPattern := normalizePayload(payload)
	absGlob := false
	if strings.HasPrefix(payload, "//") {
		absGlob = true
	}

	queryRel, queryAbs := resolvePath(filePath, workingDir)

	if absGlob {
		return globMatch(globPattern, queryAbs)
	}

	if globMatch(globPattern, queryRel) {
		return true
	}
	return globMatch(globPattern, queryAbs)
}

// normalizePayload expands ~/ to the user home directory, strips a leading
// "./", and strips one leading slash from a "//abs/**" absolute marker.
func normalizePayload(payload string) string {
	p := payload
	if strings.HasPrefix(p, "//") {
		p = p[1:]
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.ToSlash(filepath.Join(home, p[2:]))
		}
	}
	p = strings.TrimPrefix(p, "./")
	return filepath.ToSlash(p)
}

// resolvePath returns both the path relative to workingDir and the
// absolute path for filePath, each with ~/ expanded and ./ stripped.
func resolvePath(filePath, workingDir string) (rel, abs string) {
	p := filePath
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			p = filepath.Join(home, p[2:])
		}
	}
	p = strings.TrimPrefix(p, "./")

	if filepath.IsAbs(p) {
		abs = filepath.ToSlash(filepath.Clean(p))
		if r, err := filepath.Rel(workingDir, p); err == nil {
			rel = filepath.ToSlash(r)
		} else {
			rel = abs
		}
		return rel, abs
	}

	rel = filepath.ToSlash(filepath.Clean(p))
	abs = filepath.ToSlash(filepath.Clean(filepath.Join(workingDir, p)))
	return rel, abs
}

// globMatch implements ** (any number of path segments) and * (within one
// segment) glob semantics, plus ? for a single character. There is no
// third-party doublestar-capable glob matcher in the retrieval pack, so
// this is hand-rolled in the same spirit as the teacher's own
// matchToolPattern string-matching helper.
func globMatch(pattern, name string) bool {
	pattern = strings.TrimPrefix(pattern, "/")
	name = strings.TrimPrefix(name, "/")
	pSegs := strings.Split(pattern, "/")
	nSegs := strings.Split(name, "/")
	return matchSegs(pSegs, nSegs)
}

func matchSegs(pSegs, nSegs []string) bool {
	if len(pSegs) == 0 {
		return len(nSegs) == 0
	}
	if pSegs[0] == "**" {
		if len(pSegs) == 1 {
			return true
		}
		for i := 0; i <= len(nSegs); i++ {
			if matchSegs(pSegs[1:], nSegs[i:]) {
				return true
			}
		}
		return false
	}
	if len(nSegs) == 0 {
		return false
	}
	if ok, _ := filepath.Match(pSegs[0], nSegs[0]); !ok {
		return false
	}
	return matchSegs(pSegs[1:], nSegs[1:])
}
