// Package naming derives deterministic tmux session and pane names for
// agents managed through the ntm orchestration tool.
//
// Session names follow the grammar `fw-<project>-<agentLabel>-<suffix6>`
// where the suffix is a stable 6-character hash of the agent id. All
// functions here are pure: identical input always yields identical output,
// which is what makes lazy session re-attachment possible.
package naming

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// SessionPrefix is prepended to every generated ntm session name.
	SessionPrefix = "fw"

	// maxProjectLen caps the project segment of a session name.
	maxProjectLen = 16

	// maxLabelLen caps the agent label segment of a session name.
	maxLabelLen = 12

	// suffixLen is the fixed length of the hash suffix.
	suffixLen = 6

	// suffixAlphabet is the 36-symbol alphabet the 32-bit hash is folded into.
	suffixAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

var (
	repeatedHyphens = regexp.MustCompile(`-{2,}`)

	// sessionNameRe matches the exact generated grammar. The suffix is a
	// fixed six lowercase alphanumerics; anything else (wrong length,
	// uppercase, extra segments) is not a flywheel session name.
	sessionNameRe = regexp.MustCompile(`^fw-(.+)-([^-]+)-([a-z0-9]{6})$`)
)

// ExtractProjectName derives a short project identifier from a filesystem
// path. The last non-empty segment (Unix or Windows separators) is
// lowercased, `@` and `#` become hyphens, dots are preserved, repeated
// hyphens collapse, leading/trailing hyphens are trimmed and the result is
// truncated to 16 characters. Degenerate input yields "project".
func ExtractProjectName(path string) string {
	normalized := strings.ReplaceAll(path, "\\", "/")

	var segment string
	for _, part := range strings.Split(normalized, "/") {
		if part != "" {
			segment = part
		}
	}

	name := strings.ToLower(segment)
	name = strings.ReplaceAll(name, "@", "-")
	name = strings.ReplaceAll(name, "#", "-")
	name = repeatedHyphens.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")

	if len(name) > maxProjectLen {
		name = strings.Trim(name[:maxProjectLen], "-")
	}
	if name == "" {
		return "project"
	}
	return name
}

// GenerateAgentSuffix hashes an agent id into a stable 6-character
// lowercase-alphanumeric suffix. The hash is a 32-bit FNV-1a folded into a
// base-36 alphabet; it is not cryptographic, but collisions across 1000
// distinct ids stay under 1%.
func GenerateAgentSuffix(agentID string) string {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)

	var h uint32 = offset32
	for i := 0; i < len(agentID); i++ {
		h ^= uint32(agentID[i])
		h *= prime32
	}

	buf := make([]byte, suffixLen)
	for i := 0; i < suffixLen; i++ {
		buf[i] = suffixAlphabet[h%uint32(len(suffixAlphabet))]
		h /= uint32(len(suffixAlphabet))
		// Re-mix once the quotient runs dry so short hashes still fill
		// all six positions with signal.
		if h == 0 {
			h = offset32 ^ uint32(i+1)*prime32
		}
	}
	return string(buf)
}

// SessionParams carries the inputs for session name generation.
type SessionParams struct {
	AgentID          string
	AgentLabel       string
	WorkingDirectory string
}

// GenerateNtmSessionName builds the canonical ntm session name
// `fw-<project>-<agentLabel>-<suffix6>` for an agent. The label is
// lowercased and truncated to 12 characters; the project segment comes from
// the working directory. Deterministic: the same params always produce the
// same name.
func GenerateNtmSessionName(p SessionParams) string {
	project := ExtractProjectName(p.WorkingDirectory)

	label := strings.ToLower(p.AgentLabel)
	label = strings.ReplaceAll(label, " ", "-")
	label = repeatedHyphens.ReplaceAllString(label, "-")
	label = strings.Trim(label, "-")
	if len(label) > maxLabelLen {
		label = strings.Trim(label[:maxLabelLen], "-")
	}
	if label == "" {
		label = "agent"
	}

	return fmt.Sprintf("%s-%s-%s-%s", SessionPrefix, project, label, GenerateAgentSuffix(p.AgentID))
}

// ParsedSessionName is the result of parsing a generated session name.
type ParsedSessionName struct {
	Project string
	Label   string
	Suffix  string
}

// ParseNtmSessionName parses a name produced by GenerateNtmSessionName.
// It is a left-inverse restricted to that exact grammar: near-misses (wrong
// prefix, wrong suffix length, uppercase suffix) return ok=false.
func ParseNtmSessionName(name string) (ParsedSessionName, bool) {
	m := sessionNameRe.FindStringSubmatch(name)
	if m == nil {
		return ParsedSessionName{}, false
	}
	return ParsedSessionName{Project: m[1], Label: m[2], Suffix: m[3]}, true
}

// PaneID returns the tmux pane target for a session's primary pane.
func PaneID(sessionName string) string {
	return sessionName + ":0.0"
}
