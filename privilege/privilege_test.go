package privilege

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsWhitelisted(t *testing.T) {
	if !isWhitelisted("sudo") {
		t.Errorf("sudo should be whitelisted")
	}
	if isWhitelisted("sudo; rm -rf /") {
		t.Errorf("command injection payload must not be whitelisted")
	}
	if isWhitelisted("/usr/bin/sudo") {
		t.Errorf("path-qualified name must not be whitelisted (single-token only)")
	}
}

func TestIsPermissionError(t *testing.T) {
	if !IsPermissionError(1, true, "mount: permission denied") {
		t.Errorf("expected permission error detection")
	}
	if IsPermissionError(1, true, "no such file or directory") {
		t.Errorf("unrelated failure must not be classified as permission error")
	}
	if IsPermissionError(1, false, "permission denied") {
		t.Errorf("signal termination (no exit code) must not be classified as permission error")
	}
}

func TestReadConfigDefaultRejectsWrongMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escalation")
	if err := os.WriteFile(path, []byte("sudo\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p := NewPolicy(path, nil)
	if _, ok := p.readConfigDefault(); ok {
		t.Errorf("expected rejection of world/group-readable config file")
	}
}

func TestReadConfigDefaultAcceptsStrictMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "escalation")
	if err := os.WriteFile(path, []byte("doas\n"), 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	var warnings []string
	p := NewPolicy(path, func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	})
	tool, ok := p.readConfigDefault()
	// doas may not be on PATH in the test environment; either outcome is
	// acceptable as long as a strict-mode file isn't rejected for its
	// permissions.
	for _, w := range warnings {
		if strings.Contains(w, "ignoring privilege config") {
			t.Errorf("strict-mode config file was rejected: %s", w)
		}
	}
	if !ok && tool != "" {
		t.Errorf("unexpected partial result")
	}
}
