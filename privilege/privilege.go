// Package privilege implements the escalation whitelist and resolution
// policy of spec.md §4.9: a compile-time set of acceptable
// privilege-escalation commands, an optional per-user override file
// (ownership/mode pre-checked via pathutil), and the environment variable
// that names the active tool, subject to the whitelist. Grounded on the
// teacher's config-file ownership/mode discipline (config.Validate's
// directory checks, generalized here to a single file) and its env-driven
// override pattern.
package privilege

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"coldstow/cerrors"
	"coldstow/pathutil"
)

// EnvVar names the environment variable that selects the escalation tool.
const EnvVar = "COLDSTOW_SUDO"

// Whitelist is the compile-time set of acceptable privilege-escalation
// commands. Single-token names only: no path characters, no whitespace.
var Whitelist = []string{"sudo", "doas", "pkexec"}

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Policy resolves and caches the active escalation command vector.
type Policy struct {
	// ConfigPath, if non-empty, is the per-user override file. It must be
	// owned by the current uid with mode 0600; otherwise it is ignored
	// with a warning (never trusted silently).
	ConfigPath string
	warn       func(format string, args ...any)
}

// NewPolicy returns a Policy that warns via warn (nil is allowed and
// suppresses warnings — tests pass nil).
func NewPolicy(configPath string, warn func(format string, args ...any)) *Policy {
	if warn == nil {
		warn = func(string, ...any) {}
	}
	return &Policy{ConfigPath: configPath, warn: warn}
}

// Resolve picks the escalation command per spec.md §4.9's order: config
// default -> first whitelist entry found on PATH -> last-resort fallback
// with a visible warning. Returns the argv prefix to splice in front of a
// command (e.g. []string{"sudo"}).
func (p *Policy) Resolve() ([]string, error) {
	if p.ConfigPath != "" {
		if tool, ok := p.readConfigDefault(); ok {
			return []string{tool}, nil
		}
	}

	if env := os.Getenv(EnvVar); env != "" {
		if !isWhitelisted(env) {
			return nil, cerrors.New(cerrors.InvalidInput,
				fmt.Sprintf("%s=%q is not in the escalation whitelist", EnvVar, env))
		}
		if path, err := exec.LookPath(env); err == nil {
			return []string{path}, nil
		}
	}

	for _, tool := range Whitelist {
		if path, err := exec.LookPath(tool); err == nil {
			return []string{path}, nil
		}
	}

	p.warn("no whitelisted privilege-escalation tool found on PATH; falling back to %q", Whitelist[0])
	return []string{Whitelist[0]}, nil
}

// readConfigDefault reads the first whitelisted token from p.ConfigPath,
// after verifying it is owned by the current uid with mode 0600. Returns
// ok=false if the file is absent, fails the ownership/mode check, or
// contains no recognizable token — any of which falls through to the next
// resolution step rather than erroring the whole operation.
func (p *Policy) readConfigDefault() (string, bool) {
	uid := pathutil.CurrentIdentity().UID
	if err := pathutil.CheckOwnerMode(p.ConfigPath, uid, 0o600); err != nil {
		p.warn("ignoring privilege config %s: %v", p.ConfigPath, err)
		return "", false
	}

	data, err := os.ReadFile(p.ConfigPath)
	if err != nil {
		return "", false
	}
	for _, line := range strings.Split(string(data), "\n") {
		tok := strings.TrimSpace(line)
		if tok == "" || strings.HasPrefix(tok, "#") {
			continue
		}
		if !tokenPattern.MatchString(tok) {
			p.warn("ignoring malformed escalation token %q in %s", tok, p.ConfigPath)
			continue
		}
		if !isWhitelisted(tok) {
			p.warn("ignoring non-whitelisted escalation token %q in %s", tok, p.ConfigPath)
			continue
		}
		if path, err := exec.LookPath(tok); err == nil {
			return path, true
		}
	}
	return "", false
}

func isWhitelisted(tool string) bool {
	if !tokenPattern.MatchString(tool) {
		return false
	}
	for _, w := range Whitelist {
		if w == tool {
			return true
		}
	}
	return false
}

// IsPermissionError classifies whether a combined execution result
// indicates a permission failure that warrants retrying under escalation,
// per spec.md §4.9: "distinguishable exit codes and/or stderr patterns."
func IsPermissionError(exitCode int, hasExit bool, stderr string) bool {
	if !hasExit {
		return false
	}
	if exitCode == 13 { // EACCES-derived conventional exit code for many tools
		return true
	}
	lower := strings.ToLower(stderr)
	for _, pattern := range []string{"permission denied", "operation not permitted", "must be root", "requires root"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
