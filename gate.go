package conductor

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// AccessMode distinguishes reads from writes for path policy.
type AccessMode int

const (
	AccessRead AccessMode = iota
	AccessWrite
)

// GatePolicy configures the safety gate.
type GatePolicy struct {
	// Enabled is the master switch. A disabled gate admits everything
	// except path escapes; workspace confinement is never waived.
	Enabled bool
	// CommandAllowlist, when non-empty, requires every command to match
	// one of its prefixes.
	CommandAllowlist []string
	// CommandDenylist rejects matching commands. Evaluated before the
	// allowlist and merged with the hardcoded minimum.
	CommandDenylist []string
	// ProtectedFiles are exact workspace-relative paths writes may not touch.
	ProtectedFiles []string
	// ProtectedPatterns are glob patterns writes may not touch.
	ProtectedPatterns []string
}

// DefaultGatePolicy returns the enabled policy with only the hardcoded
// denylist active.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{Enabled: true}
}

// hardDenyPatterns is the non-configurable denylist minimum. Patterns are
// matched against the normalized, lowercased command line.
var hardDenyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+(-[a-z]*r[a-z]*f|-[a-z]*f[a-z]*r)[a-z]*\s+(/|/\*|~|\$home)(\s|$)`),
	regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`),
	regexp.MustCompile(`\bdd\s+.*\bof=/dev/`),
	regexp.MustCompile(`>\s*/dev/[sh]d[a-z]`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;`),
	regexp.MustCompile(`\b(curl|wget)\b[^|;]*\|\s*(ba|z|da|k)?sh\b`),
	regexp.MustCompile(`\b(python3?|perl|ruby|node)\s+(-[a-z]*\s+)*-[ce]\b`),
}

// zeroWidthReplacer strips Unicode zero-width and invisible characters used
// to smuggle commands past substring matching.
var zeroWidthReplacer = strings.NewReplacer(
	"\u200b", "", // zero-width space
	"\u200c", "", // zero-width non-joiner
	"\u200d", "", // zero-width joiner
	"\ufeff", "", // zero-width no-break space (BOM)
	"\u2060", "", // word joiner
	"\u00ad", "", // soft hyphen
)

// Gate validates tool operations against policy before execution.
// Safe for concurrent use; the policy is immutable after construction.
type Gate struct {
	policy    GatePolicy
	workspace string // absolute, symlink-resolved
}

// NewGate builds a gate confining operations to workspace. The workspace
// path is resolved once at construction.
func NewGate(workspace string, policy GatePolicy) (*Gate, error) {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return nil, err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return &Gate{policy: policy, workspace: abs}, nil
}

// Workspace returns the resolved workspace root.
func (g *Gate) Workspace() string { return g.workspace }

// CheckFileAccess validates a path for the given access mode. Returns nil
// when admitted, or *ErrPolicyViolation. The returned resolved path is
// absolute and guaranteed inside the workspace.
func (g *Gate) CheckFileAccess(path string, mode AccessMode) (string, error) {
	resolved, err := g.resolve(path)
	if err != nil {
		return "", err
	}
	if !g.policy.Enabled || mode == AccessRead {
		return resolved, nil
	}

	rel, err := filepath.Rel(g.workspace, resolved)
	if err != nil {
		return "", &ErrPolicyViolation{Kind: ViolationPathEscape, Target: path}
	}
	for _, p := range g.policy.ProtectedFiles {
		if filepath.Clean(p) == rel {
			return "", &ErrPolicyViolation{Kind: ViolationProtectedPath, Target: rel, Rule: p}
		}
	}
	for _, pat := range g.policy.ProtectedPatterns {
		if ok, _ := filepath.Match(pat, rel); ok {
			return "", &ErrPolicyViolation{Kind: ViolationProtectedPath, Target: rel, Rule: pat}
		}
		// Also match against the basename so patterns like "*.pem" work
		// for nested files.
		if ok, _ := filepath.Match(pat, filepath.Base(rel)); ok {
			return "", &ErrPolicyViolation{Kind: ViolationProtectedPath, Target: rel, Rule: pat}
		}
	}
	return resolved, nil
}

// CheckCommand validates a shell command line. Returns nil when admitted,
// or *ErrPolicyViolation with kind denied_command or not_allowlisted.
func (g *Gate) CheckCommand(command string) error {
	if !g.policy.Enabled {
		return nil
	}
	normalized := normalizeCommand(command)

	for _, re := range hardDenyPatterns {
		if re.MatchString(normalized) {
			return &ErrPolicyViolation{Kind: ViolationDeniedCommand, Target: command, Rule: re.String()}
		}
	}
	for _, deny := range g.policy.CommandDenylist {
		if matchCommandRule(normalized, deny) {
			return &ErrPolicyViolation{Kind: ViolationDeniedCommand, Target: command, Rule: deny}
		}
	}
	if len(g.policy.CommandAllowlist) > 0 {
		for _, allow := range g.policy.CommandAllowlist {
			if matchCommandRule(normalized, allow) {
				return nil
			}
		}
		return &ErrPolicyViolation{Kind: ViolationNotAllowlisted, Target: command}
	}
	return nil
}

// resolve canonicalizes path relative to the workspace and verifies the
// result is a workspace descendant. The deepest existing ancestor is
// symlink-resolved so a symlink inside the workspace cannot point out.
func (g *Gate) resolve(path string) (string, error) {
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.workspace, p)
	}
	p = filepath.Clean(p)

	resolved, err := resolveExisting(p)
	if err != nil {
		return "", &ErrPolicyViolation{Kind: ViolationPathEscape, Target: path}
	}
	if resolved != g.workspace && !strings.HasPrefix(resolved, g.workspace+string(filepath.Separator)) {
		return "", &ErrPolicyViolation{Kind: ViolationPathEscape, Target: path}
	}
	return resolved, nil
}

// resolveExisting resolves symlinks on the deepest existing prefix of p and
// rejoins the non-existent tail. Lets writes target not-yet-created files
// while still catching symlinked escapes.
func resolveExisting(p string) (string, error) {
	existing := p
	var tail []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			break
		}
		tail = append([]string{filepath.Base(existing)}, tail...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	if len(tail) > 0 {
		resolved = filepath.Join(append([]string{resolved}, tail...)...)
	}
	return resolved, nil
}

// normalizeCommand applies NFKC normalization, strips zero-width characters,
// collapses whitespace, and lowercases. Denylist matching runs on the
// normalized form so homoglyph and zero-width evasion does not bypass it.
func normalizeCommand(command string) string {
	s := norm.NFKC.String(command)
	s = zeroWidthReplacer.Replace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(s)
}

// matchCommandRule matches a configured rule against a normalized command:
// prefix match, or substring match when the rule contains a space.
func matchCommandRule(normalized, rule string) bool {
	r := strings.ToLower(strings.TrimSpace(rule))
	if r == "" {
		return false
	}
	if strings.HasPrefix(normalized, r) {
		return true
	}
	return strings.Contains(r, " ") && strings.Contains(normalized, r)
}
