// Package safedelete implements the guarded recursive removal of spec.md
// §4.8: a staging tree may be deleted only if every regular file inside it
// is a zero-byte bind-mount stub, every entry is a plain file or directory
// (no symlinks, devices, or sockets), and no active mount point lies
// inside it. Any violation aborts the whole operation atomically — no
// partial deletion.
package safedelete

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"coldstow/cerrors"
)

// Remove deletes target after verifying every invariant. It never removes
// anything if verification fails.
func Remove(target string) error {
	if err := verify(target); err != nil {
		return cerrors.Wrap(cerrors.StagingError, target, err)
	}
	if err := os.RemoveAll(target); err != nil {
		return cerrors.Wrap(cerrors.IoError, target, err)
	}
	return nil
}

func verify(target string) error {
	canonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		return fmt.Errorf("cannot canonicalize %s: %w", target, err)
	}

	if guarded, mp := anyMountUnder(canonical); guarded {
		return fmt.Errorf("active mount point %s lies inside %s", mp, target)
	}

	return filepath.WalkDir(canonical, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walking %s: %w", path, err)
		}
		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		mode := info.Mode()
		switch {
		case mode.IsDir():
			return nil
		case mode.IsRegular():
			if info.Size() != 0 {
				return fmt.Errorf("refusing to delete: %s is a non-empty regular file", path)
			}
			return nil
		default:
			return fmt.Errorf("refusing to delete: %s is not a regular file or directory (mode %v)", path, mode)
		}
	})
}

// anyMountUnder reports whether any active mount point's target lies at
// or beneath canonical, by reading /proc/self/mountinfo directly (the
// same source mountutil.FindMountsOf reads, but matching on target
// containment rather than source image identity).
func anyMountUnder(canonical string) (bool, string) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		// Fail closed: if we cannot read the mount table we cannot prove
		// the tree is safe, so treat it as guarded.
		return true, "<mount table unreadable>"
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		mt := fields[4]
		if mt == canonical || strings.HasPrefix(mt, canonical+"/") {
			return true, mt
		}
	}
	return false, ""
}
