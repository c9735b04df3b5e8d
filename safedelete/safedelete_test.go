package safedelete

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRemoveZeroByteStubs(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "staging")
	sub := filepath.Join(target, "to_restore", "1")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "file1.txt"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Remove(target); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Errorf("expected target to be removed")
	}
}

func TestRemoveRefusesNonEmptyFile(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "staging")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(target, "oops.txt"), []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Remove(target); err == nil {
		t.Errorf("expected refusal to delete non-empty regular file")
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("target should not have been removed after refusal")
	}
}

func TestRemoveRefusesSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "staging")
	if err := os.MkdirAll(target, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("/etc/passwd", filepath.Join(target, "evil")); err != nil {
		t.Fatal(err)
	}

	if err := Remove(target); err == nil {
		t.Errorf("expected refusal to delete tree containing a symlink")
	}
	if _, err := os.Stat(target); err != nil {
		t.Errorf("target should not have been removed after refusal")
	}
}
