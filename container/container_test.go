package container

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coldstow/execx"
	"coldstow/log"
)

func TestAllocateCreatesSizedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.luks")

	guard, err := Allocate(path, 4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	defer guard.Drop()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != 4096 {
		t.Errorf("size = %d, want 4096", info.Size())
	}
	guard.Commit()
}

func TestAllocateGuardUndoesOnDrop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.luks")

	guard, err := Allocate(path, 1024)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	guard.Drop()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file removed after uncommitted guard drop")
	}
}

func TestFormatFailurePropagatesStderr(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.luks")
	os.WriteFile(path, make([]byte, 4096), 0o600)

	fake := execx.NewFakeExecutor()
	fake.Results["cryptsetup"] = &execx.Result{ExitCode: 1, HasExit: true, Stderr: []byte("Device /dev/loop0 is in use.")}

	_, err := Format(context.Background(), fake, path, "hunter2")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "is in use") {
		t.Errorf("error %q does not carry cryptsetup's stderr", err)
	}
}

// Scenario E: mapper name collision retries through the numbered
// candidates before falling back to the random suffix.
func TestOpenRetriesOnNameTaken(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.luks")
	os.WriteFile(path, make([]byte, 4096), 0o600)

	fake := execx.NewFakeExecutor()
	calls := 0
	fake.Default = &execx.Result{ExitCode: 0, HasExit: true}

	// FakeExecutor's Results map holds one result per command name, so
	// every candidate name is reported as taken (exit 5) and Open must
	// try each of them in turn.
	fake.Results["cryptsetup"] = &execx.Result{ExitCode: cryptsetupNameTakenExit, HasExit: true}

	// After exhausting candidates, Open must return an error rather than
	// loop forever.
	opened, guard, err := Open(context.Background(), fake, log.NoOpLogger{}, path, "sq_archive", "hunter2")
	if err == nil {
		guard.Drop()
		t.Fatalf("expected exhaustion error, got opened=%+v", opened)
	}
	// Open passes the passphrase on stdin, so its attempts are recorded
	// in RunWithStdinCalls: sq_archive, sq_archive_2..sq_archive_10, then
	// one random-suffix name.
	for _, c := range fake.RunWithStdinCalls {
		if c.Name == "cryptsetup" {
			calls++
		}
	}
	if calls != 11 {
		t.Errorf("cryptsetup open attempts = %d, want 11", calls)
	}
}

func TestOpenSucceedsOnFirstCandidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.luks")
	os.WriteFile(path, make([]byte, 4096), 0o600)

	fake := execx.NewFakeExecutor()
	opened, guard, err := Open(context.Background(), fake, log.NoOpLogger{}, path, "sq_archive", "hunter2")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer guard.Drop()
	if opened.Name != "sq_archive" {
		t.Errorf("name = %s, want sq_archive", opened.Name)
	}
	if opened.DevicePath != "/dev/mapper/sq_archive" {
		t.Errorf("device path = %s", opened.DevicePath)
	}
}

func TestParseHeaderOffsetBytes(t *testing.T) {
	dump := "Version:        2\nPayload offset: 32768 [bytes]\n"
	off, err := parseHeaderOffset(dump)
	if err != nil {
		t.Fatalf("parseHeaderOffset: %v", err)
	}
	if off != 32768 {
		t.Errorf("offset = %d, want 32768", off)
	}
}

func TestParseHeaderOffsetSectors(t *testing.T) {
	dump := "Sector size: 4096\nPayload offset: 8 [sectors]\n"
	off, err := parseHeaderOffset(dump)
	if err != nil {
		t.Fatalf("parseHeaderOffset: %v", err)
	}
	if off != 8*4096 {
		t.Errorf("offset = %d, want %d", off, 8*4096)
	}
}

func TestParseHeaderOffsetRefusesToGuess(t *testing.T) {
	dump := "Version: 2\nCipher: aes-xts-plain64\n"
	if _, err := parseHeaderOffset(dump); err == nil {
		t.Errorf("expected error when no offset field is present")
	}
}

func TestTrimNeverGrows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.luks")
	os.WriteFile(path, make([]byte, 1<<20), 0o600) // 1 MiB

	if err := Trim(path, 10<<20, 32768); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	info, _ := os.Stat(path)
	if info.Size() != 1<<20 {
		t.Errorf("size changed from 1MiB to %d though target exceeded current size", info.Size())
	}
}

func TestTrimShrinksToAlignedTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "image.luks")
	os.WriteFile(path, make([]byte, 100<<20), 0o600) // 100 MiB

	if err := Trim(path, 1<<20, 32768); err != nil {
		t.Fatalf("Trim: %v", err)
	}
	info, _ := os.Stat(path)
	if info.Size() >= 100<<20 {
		t.Errorf("expected file to shrink, stayed at %d", info.Size())
	}
	if info.Size()%trimAlignment != 0 {
		t.Errorf("size %d not aligned to %d", info.Size(), trimAlignment)
	}
}
