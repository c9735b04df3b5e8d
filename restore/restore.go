// Package restore implements the check/unfreeze engine of spec.md §4.6:
// mount an archive read-only, parse its manifest, classify every entry
// against the live filesystem, and either report the comparison or
// restore content under a conflict policy. Grounded on the teacher's
// build-verification pass (build/verify.go's per-package status
// classification) generalized from port-build outcomes to filesystem
// entry outcomes.
package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"coldstow/archivedb"
	"coldstow/cerrors"
	"coldstow/execx"
	"coldstow/log"
	"coldstow/manifest"
	"coldstow/mountutil"
	"coldstow/pathutil"
	"coldstow/privilege"
)

// Status classifies one entry's comparison outcome (spec.md §4.6 step 3).
type Status string

const (
	StatusMissing         Status = "MISSING"
	StatusArchiveMissing  Status = "ARCHIVE_MISSING"
	StatusTypeMismatch    Status = "TYPE_MISMATCH"
	StatusSizeMismatch    Status = "SIZE_MISMATCH"
	StatusContentMismatch Status = "CONTENT_MISMATCH"
	StatusLinkMismatch    Status = "LINK_MISMATCH"
	StatusMatch           Status = "MATCH"
)

// EntryResult is one entry's check outcome.
type EntryResult struct {
	Entry      manifest.Entry
	Status     Status
	Deleted    bool
	DeleteSkip string // non-empty reason if delete was requested but skipped
}

// CheckOptions configures check.
type CheckOptions struct {
	UseCmp      bool
	Delete      bool
	ForceDelete bool
}

// CheckReport summarizes one check run.
type CheckReport struct {
	Results []EntryResult
	Tally   map[Status]int
}

const restoreDirName = "to_restore"
const manifestFileName = "list.yaml"

// Engine drives check/unfreeze, owning its own temporary mount point for
// the duration of one operation.
type Engine struct {
	Ex      execx.Executor
	Logger  log.LibraryLogger
	Priv    *privilege.Policy
	WorkDir string // where mount points are created; defaults to os.TempDir()

	// Cache, when non-nil, memoizes the byte-comparison outcome of
	// use_cmp checks across runs (keyed on image/entry/mtime pair) so an
	// unchanged tree doesn't pay for a re-read on the next check.
	Cache *archivedb.DB

	currentImage string // set by Check for the duration of one run, used as the cache key prefix
}

// NewEngine returns an Engine with a resolved working directory.
func NewEngine(ex execx.Executor, logger log.LibraryLogger, priv *privilege.Policy) *Engine {
	return &Engine{Ex: ex, Logger: logger, Priv: priv, WorkDir: os.TempDir()}
}

// Check implements spec.md §4.6's check operation.
func (e *Engine) Check(ctx context.Context, image string, opts CheckOptions) (*CheckReport, error) {
	canonical, err := pathutil.Canonicalize(image)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.InvalidInput, image, err)
	}
	e.currentImage = canonical

	handle, m, err := e.mountAndParse(ctx, image)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mountutil.Unmount(ctx, e.Ex, e.Logger, handle); err != nil {
			e.Logger.Warn("check: failed to unmount %s: %v", handle.Target, err)
		}
	}()

	if host := pathutil.Hostname(); host != m.Metadata.Host && m.Metadata.Host != "" {
		e.Logger.Warn("check: archive was frozen on host %q, running on %q", m.Metadata.Host, host)
	}

	report := &CheckReport{Tally: make(map[Status]int)}
	for _, entry := range m.Entries {
		result := e.classify(handle.Target, entry, opts.UseCmp)

		if opts.Delete && result.Status == StatusMatch {
			e.applyDeletion(&result, entry, opts.ForceDelete)
		}

		report.Tally[result.Status]++
		report.Results = append(report.Results, result)
	}
	return report, nil
}

func (e *Engine) classify(mountRoot string, entry manifest.Entry, useCmp bool) EntryResult {
	livePath := filepath.Join(entry.RestorePath, entry.Name)
	archivePath := filepath.Join(mountRoot, restoreDirName, fmt.Sprint(entry.ID), entry.Name)

	liveInfo, liveErr := os.Lstat(livePath)
	archiveInfo, archiveErr := os.Lstat(archivePath)

	switch {
	case os.IsNotExist(liveErr):
		return EntryResult{Entry: entry, Status: StatusMissing}
	case os.IsNotExist(archiveErr):
		return EntryResult{Entry: entry, Status: StatusArchiveMissing}
	case liveErr != nil || archiveErr != nil:
		return EntryResult{Entry: entry, Status: StatusArchiveMissing}
	}

	liveKind := kindOf(liveInfo)
	archiveKind := kindOf(archiveInfo)
	if liveKind != archiveKind || liveKind != entry.Kind {
		return EntryResult{Entry: entry, Status: StatusTypeMismatch}
	}

	if entry.Kind == manifest.KindSymlink {
		liveTarget, err1 := os.Readlink(livePath)
		archiveTarget, err2 := os.Readlink(archivePath)
		if err1 != nil || err2 != nil || liveTarget != archiveTarget {
			return EntryResult{Entry: entry, Status: StatusLinkMismatch}
		}
		return EntryResult{Entry: entry, Status: StatusMatch}
	}

	if entry.Kind == manifest.KindFile {
		if liveInfo.Size() != archiveInfo.Size() {
			return EntryResult{Entry: entry, Status: StatusSizeMismatch}
		}
		if useCmp {
			equal, err := e.compareContents(livePath, archivePath, entry, liveInfo, archiveInfo)
			if err != nil {
				e.Logger.Warn("check: comparing %s: %v", livePath, err)
				return EntryResult{Entry: entry, Status: StatusContentMismatch}
			}
			if !equal {
				return EntryResult{Entry: entry, Status: StatusContentMismatch}
			}
		}
	}

	return EntryResult{Entry: entry, Status: StatusMatch}
}

// compareContents wraps filesEqual with an archivedb lookup/memoize pass:
// an (image, entry id, live mtime, archive mtime) hit skips the byte
// comparison entirely, and a miss is recorded for next time.
func (e *Engine) compareContents(livePath, archivePath string, entry manifest.Entry, liveInfo, archiveInfo os.FileInfo) (bool, error) {
	if e.Cache == nil {
		return filesEqual(livePath, archivePath)
	}

	key := archivedb.VerifyKey{
		Image:        e.currentImage,
		EntryID:      entry.ID,
		LiveMtime:    liveInfo.ModTime().Unix(),
		ArchiveMtime: archiveInfo.ModTime().Unix(),
	}
	if matched, found := e.Cache.LookupVerify(key); found {
		return matched, nil
	}

	equal, err := filesEqual(livePath, archivePath)
	if err != nil {
		return false, err
	}
	if err := e.Cache.PutVerify(key, equal); err != nil {
		e.Logger.Warn("check: failed to memoize verification result: %v", err)
	}
	return equal, nil
}

func kindOf(info os.FileInfo) manifest.EntryKind {
	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return manifest.KindSymlink
	case info.IsDir():
		return manifest.KindDirectory
	default:
		return manifest.KindFile
	}
}

// filesEqual implements spec.md §4.6's fill-until-full byte comparison:
// short reads are normal, not a mismatch signal; EOF before both buffers
// drain at the same boundary is a deterministic mismatch.
func filesEqual(a, b string) (bool, error) {
	fa, err := os.Open(a)
	if err != nil {
		return false, err
	}
	defer fa.Close()
	fb, err := os.Open(b)
	if err != nil {
		return false, err
	}
	defer fb.Close()

	const bufSize = 64 * 1024
	bufA := make([]byte, bufSize)
	bufB := make([]byte, bufSize)

	for {
		na, erra := fillBuffer(fa, bufA)
		nb, errb := fillBuffer(fb, bufB)
		if na != nb || !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		aEOF := errors.Is(erra, io.EOF)
		bEOF := errors.Is(errb, io.EOF)
		if aEOF != bEOF {
			return false, nil
		}
		if aEOF && bEOF {
			return true, nil
		}
		if erra != nil && !aEOF {
			return false, erra
		}
		if errb != nil && !bEOF {
			return false, errb
		}
	}
}

// fillBuffer reads until buf is full, EOF, or a genuine error, retrying
// transparently on a short read (spec.md §4.6: "treats short reads as
// normal").
func fillBuffer(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.EOF
		}
	}
	return total, nil
}

// applyDeletion implements the safety gate of spec.md §4.6 step 4: refuse
// to delete a live entry newer than its archived copy unless forceDelete
// is also set.
func (e *Engine) applyDeletion(result *EntryResult, entry manifest.Entry, forceDelete bool) {
	livePath := filepath.Join(entry.RestorePath, entry.Name)
	info, err := os.Lstat(livePath)
	if err != nil {
		return
	}
	archiveMtime := time.Unix(entry.Mtime, 0)
	if info.ModTime().After(archiveMtime) && !forceDelete {
		result.DeleteSkip = "live entry is newer than the archived copy; use force_delete to override"
		return
	}
	if err := os.RemoveAll(livePath); err != nil {
		result.DeleteSkip = fmt.Sprintf("delete failed: %v", err)
		return
	}
	result.Deleted = true
}

// ConflictPolicy governs unfreeze's behavior when a destination already
// exists (spec.md §4.6).
type ConflictPolicy string

const (
	ConflictFail         ConflictPolicy = "fail"
	ConflictOverwrite    ConflictPolicy = "overwrite"
	ConflictSkipExisting ConflictPolicy = "skip_existing"
)

// UnfreezeOptions configures unfreeze.
type UnfreezeOptions struct {
	Conflict ConflictPolicy
}

// UnfreezeResult summarizes one unfreeze run.
type UnfreezeResult struct {
	Restored int
	Skipped  int
}

// Unfreeze implements spec.md §4.6's unfreeze operation.
func (e *Engine) Unfreeze(ctx context.Context, image string, opts UnfreezeOptions) (*UnfreezeResult, error) {
	if opts.Conflict == "" {
		opts.Conflict = ConflictFail
	}
	handle, m, err := e.mountAndParse(ctx, image)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := mountutil.Unmount(ctx, e.Ex, e.Logger, handle); err != nil {
			e.Logger.Warn("unfreeze: failed to unmount %s: %v", handle.Target, err)
		}
	}()

	escalation, err := e.Priv.Resolve()
	if err != nil {
		return nil, err
	}

	result := &UnfreezeResult{}
	for _, entry := range m.Entries {
		restored, err := e.restoreOne(ctx, handle.Target, entry, opts.Conflict, escalation)
		if err != nil {
			return nil, err
		}
		if restored {
			result.Restored++
		} else {
			result.Skipped++
		}
	}
	return result, nil
}

func (e *Engine) restoreOne(ctx context.Context, mountRoot string, entry manifest.Entry, policy ConflictPolicy, escalation []string) (bool, error) {
	livePath := filepath.Join(entry.RestorePath, entry.Name)
	archivePath := filepath.Join(mountRoot, restoreDirName, fmt.Sprint(entry.ID), entry.Name)

	if _, err := os.Lstat(livePath); err == nil {
		switch policy {
		case ConflictFail:
			return false, cerrors.New(cerrors.InvalidInput, livePath+": destination already exists")
		case ConflictSkipExisting:
			return false, nil
		case ConflictOverwrite:
			// fall through to copy, which rsync's -a will overwrite in place
		}
	}

	if err := os.MkdirAll(entry.RestorePath, 0o755); err != nil {
		if privilege.IsPermissionError(1, true, err.Error()) {
			if err := e.mkdirPrivileged(ctx, entry.RestorePath, escalation); err != nil {
				return false, err
			}
		} else {
			return false, cerrors.Wrap(cerrors.IoError, entry.RestorePath, err)
		}
	}

	// A trailing slash makes rsync copy a directory's contents onto
	// livePath instead of nesting a new directory inside it.
	src := archivePath
	if entry.Kind == manifest.KindDirectory {
		src += "/"
	}

	res, err := e.Ex.Run(ctx, "rsync", "-a", src, livePath)
	if err != nil {
		return false, cerrors.Wrap(cerrors.ExecutionError, "rsync", err)
	}
	if res.HasExit && res.ExitCode == 0 {
		return true, nil
	}

	stderr := execx.DecodeForDisplay(res.Stderr)
	if isRsyncPermissionCode(res.ExitCode) || privilege.IsPermissionError(res.ExitCode, res.HasExit, stderr) {
		res2, err := e.Ex.RunPrivileged(ctx, escalation, "rsync", "-a", src, livePath)
		if err != nil {
			return false, cerrors.Wrap(cerrors.ExecutionError, "rsync", err)
		}
		if res2.HasExit && res2.ExitCode == 0 {
			return true, nil
		}
		return false, cerrors.New(cerrors.ExecutionError,
			fmt.Sprintf("rsync %s -> %s failed even with escalation: %s", archivePath, livePath, execx.DecodeForDisplay(res2.Stderr)))
	}

	return false, cerrors.New(cerrors.ExecutionError,
		fmt.Sprintf("rsync %s -> %s failed: %s", archivePath, livePath, stderr))
}

// isRsyncPermissionCode reports whether code is one of rsync's
// permission-related exit codes: 23 (partial transfer due to error,
// frequently permissions) or 12 (I/O error, which sometimes masks
// EACCES on restrictive filesystems). Unrelated codes never trigger
// silent escalation (spec.md §4.6 step 5).
func isRsyncPermissionCode(code int) bool {
	return code == 23 || code == 12
}

func (e *Engine) mkdirPrivileged(ctx context.Context, dir string, escalation []string) error {
	res, err := e.Ex.RunPrivileged(ctx, escalation, "mkdir", "-p", dir)
	if err != nil {
		return cerrors.Wrap(cerrors.ExecutionError, "mkdir", err)
	}
	if !res.HasExit || res.ExitCode != 0 {
		return cerrors.New(cerrors.PermissionDenied, dir+": could not create directory even with escalation")
	}
	return nil
}

// mountAndParse mounts image read-only at a freshly generated mount
// point and parses its manifest.
func (e *Engine) mountAndParse(ctx context.Context, image string) (*mountutil.Handle, *manifest.Manifest, error) {
	canonical, err := pathutil.Canonicalize(image)
	if err != nil {
		return nil, nil, cerrors.Wrap(cerrors.InvalidInput, image, err)
	}
	mountPoint := mountutil.GenerateMountPoint(e.WorkDir, canonical, mountutil.Epoch())
	handle, err := mountutil.Mount(ctx, e.Ex, e.Logger, canonical, mountPoint, "")
	if err != nil {
		return nil, nil, err
	}

	f, err := os.Open(filepath.Join(handle.Target, manifestFileName))
	if err != nil {
		mountutil.Unmount(ctx, e.Ex, e.Logger, handle)
		return nil, nil, cerrors.Wrap(cerrors.ManifestError, image, err)
	}
	defer f.Close()
	m, err := manifest.Parse(f)
	if err != nil {
		mountutil.Unmount(ctx, e.Ex, e.Logger, handle)
		return nil, nil, err
	}
	return handle, m, nil
}
