package restore

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"coldstow/archivedb"
	"coldstow/log"
	"coldstow/manifest"
)

func newTestEngine() *Engine {
	return &Engine{Logger: log.NoOpLogger{}}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// archivePathFor returns <root>/to_restore/<id>/<name>, where a real
// mounted archive keeps entry e.
func archivePathFor(root string, e manifest.Entry) string {
	return filepath.Join(root, restoreDirName, itoa(e.ID), e.Name)
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func TestClassifyMatch(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()

	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Size: 8}
	writeFile(t, filepath.Join(liveDir, "file1.txt"), "content1")
	writeFile(t, archivePathFor(mountRoot, entry), "content1")

	e := newTestEngine()
	result := e.classify(mountRoot, entry, true)
	if result.Status != StatusMatch {
		t.Errorf("status = %s, want MATCH", result.Status)
	}
}

func TestClassifyMissing(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()
	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Size: 8}
	writeFile(t, archivePathFor(mountRoot, entry), "content1")

	e := newTestEngine()
	result := e.classify(mountRoot, entry, false)
	if result.Status != StatusMissing {
		t.Errorf("status = %s, want MISSING", result.Status)
	}
}

func TestClassifyArchiveMissing(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()
	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Size: 8}
	writeFile(t, filepath.Join(liveDir, "file1.txt"), "content1")

	e := newTestEngine()
	result := e.classify(mountRoot, entry, false)
	if result.Status != StatusArchiveMissing {
		t.Errorf("status = %s, want ARCHIVE_MISSING", result.Status)
	}
}

func TestClassifySizeMismatch(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()
	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Size: 8}
	writeFile(t, filepath.Join(liveDir, "file1.txt"), "content1-longer")
	writeFile(t, archivePathFor(mountRoot, entry), "content1")

	e := newTestEngine()
	result := e.classify(mountRoot, entry, false)
	if result.Status != StatusSizeMismatch {
		t.Errorf("status = %s, want SIZE_MISMATCH", result.Status)
	}
}

func TestClassifyContentMismatchRequiresUseCmp(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()
	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Size: 8}
	writeFile(t, filepath.Join(liveDir, "file1.txt"), "aaaaaaaa")
	writeFile(t, archivePathFor(mountRoot, entry), "bbbbbbbb")

	e := newTestEngine()
	withoutCmp := e.classify(mountRoot, entry, false)
	if withoutCmp.Status != StatusMatch {
		t.Errorf("without use_cmp, same-size differing content should read as MATCH, got %s", withoutCmp.Status)
	}
	withCmp := e.classify(mountRoot, entry, true)
	if withCmp.Status != StatusContentMismatch {
		t.Errorf("with use_cmp, differing content should be CONTENT_MISMATCH, got %s", withCmp.Status)
	}
}

func TestClassifyTypeMismatch(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()
	entry := manifest.Entry{ID: 1, Name: "thing", RestorePath: liveDir, Kind: manifest.KindFile, Size: 0}
	os.MkdirAll(filepath.Join(liveDir, "thing"), 0o755)
	writeFile(t, archivePathFor(mountRoot, entry), "")

	e := newTestEngine()
	result := e.classify(mountRoot, entry, false)
	if result.Status != StatusTypeMismatch {
		t.Errorf("status = %s, want TYPE_MISMATCH", result.Status)
	}
}

func TestClassifyLinkMismatch(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()
	entry := manifest.Entry{ID: 1, Name: "link", RestorePath: liveDir, Kind: manifest.KindSymlink, SymlinkTarget: "/a"}

	os.Symlink("/a", filepath.Join(liveDir, "link"))
	archDir := filepath.Join(mountRoot, restoreDirName, "1")
	os.MkdirAll(archDir, 0o755)
	os.Symlink("/b", filepath.Join(archDir, "link"))

	e := newTestEngine()
	result := e.classify(mountRoot, entry, false)
	if result.Status != StatusLinkMismatch {
		t.Errorf("status = %s, want LINK_MISMATCH", result.Status)
	}
}

// Scenario B: the safety gate refuses deletion of a live entry newer than
// its archived counterpart unless force_delete overrides it.
func TestApplyDeletionSafetyGate(t *testing.T) {
	liveDir := t.TempDir()
	path := filepath.Join(liveDir, "file1.txt")
	writeFile(t, path, "content1")
	future := time.Now().Add(time.Hour)
	os.Chtimes(path, future, future)

	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Mtime: time.Now().Add(-time.Hour).Unix()}

	e := newTestEngine()
	result := EntryResult{Entry: entry, Status: StatusMatch}
	e.applyDeletion(&result, entry, false)

	if result.Deleted {
		t.Errorf("expected deletion to be skipped for a live entry newer than archived")
	}
	if result.DeleteSkip == "" {
		t.Errorf("expected a skip reason to be recorded")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("file should not have been deleted")
	}
}

// Scenario B, second half: re-running with force_delete overrides the
// safety gate and deletes the live entry despite its newer mtime.
func TestApplyDeletionForceDeleteOverridesSafetyGate(t *testing.T) {
	liveDir := t.TempDir()
	path := filepath.Join(liveDir, "file1.txt")
	writeFile(t, path, "content1")
	future := time.Now().Add(time.Hour)
	os.Chtimes(path, future, future)

	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Mtime: time.Now().Add(-time.Hour).Unix()}

	e := newTestEngine()
	result := EntryResult{Entry: entry, Status: StatusMatch}
	e.applyDeletion(&result, entry, true)

	if !result.Deleted {
		t.Errorf("expected force_delete to override the safety gate and delete the live entry")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should have been deleted under force_delete")
	}
}

func TestApplyDeletionProceedsWhenNotNewer(t *testing.T) {
	liveDir := t.TempDir()
	path := filepath.Join(liveDir, "file1.txt")
	writeFile(t, path, "content1")
	past := time.Now().Add(-2 * time.Hour)
	os.Chtimes(path, past, past)

	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Mtime: time.Now().Add(-time.Hour).Unix()}

	e := newTestEngine()
	result := EntryResult{Entry: entry, Status: StatusMatch}
	e.applyDeletion(&result, entry, false)

	if !result.Deleted {
		t.Errorf("expected deletion to proceed when live entry is not newer")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("file should have been deleted")
	}
}

func TestFilesEqual(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "identical content")
	writeFile(t, b, "identical content")

	eq, err := filesEqual(a, b)
	if err != nil {
		t.Fatalf("filesEqual: %v", err)
	}
	if !eq {
		t.Errorf("expected identical files to compare equal")
	}
}

func TestFilesEqualDetectsDifference(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "content one")
	writeFile(t, b, "content two")

	eq, err := filesEqual(a, b)
	if err != nil {
		t.Fatalf("filesEqual: %v", err)
	}
	if eq {
		t.Errorf("expected differing files to compare unequal")
	}
}

func TestFilesEqualDifferentLengths(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a")
	b := filepath.Join(dir, "b")
	writeFile(t, a, "short")
	writeFile(t, b, "a much longer string of content")

	eq, err := filesEqual(a, b)
	if err != nil {
		t.Fatalf("filesEqual: %v", err)
	}
	if eq {
		t.Errorf("expected different-length files to compare unequal")
	}
}

func TestClassifyUsesVerificationCacheOnRepeatRun(t *testing.T) {
	liveDir := t.TempDir()
	mountRoot := t.TempDir()
	entry := manifest.Entry{ID: 1, Name: "file1.txt", RestorePath: liveDir, Kind: manifest.KindFile, Size: 8}
	writeFile(t, filepath.Join(liveDir, "file1.txt"), "aaaaaaaa")
	writeFile(t, archivePathFor(mountRoot, entry), "bbbbbbbb")

	db, err := archivedb.Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("archivedb.Open: %v", err)
	}
	defer db.Close()

	e := newTestEngine()
	e.Cache = db
	e.currentImage = "/tmp/archive.sqfs"

	first := e.classify(mountRoot, entry, true)
	if first.Status != StatusContentMismatch {
		t.Fatalf("status = %s, want CONTENT_MISMATCH", first.Status)
	}

	// Overwrite the live file with content that would compare equal if
	// filesEqual ran again, without touching its mtime; a cache hit must
	// still report the memoized mismatch rather than re-reading.
	info, _ := os.Lstat(filepath.Join(liveDir, "file1.txt"))
	mtime := info.ModTime()
	writeFile(t, filepath.Join(liveDir, "file1.txt"), "bbbbbbbb")
	os.Chtimes(filepath.Join(liveDir, "file1.txt"), mtime, mtime)

	second := e.classify(mountRoot, entry, true)
	if second.Status != StatusContentMismatch {
		t.Errorf("status = %s, want cached CONTENT_MISMATCH even though content now matches", second.Status)
	}
}

func TestIsRsyncPermissionCode(t *testing.T) {
	if !isRsyncPermissionCode(23) || !isRsyncPermissionCode(12) {
		t.Errorf("expected 23 and 12 to be classified as permission codes")
	}
	if isRsyncPermissionCode(1) {
		t.Errorf("did not expect generic exit code 1 to be classified as a permission failure")
	}
}
