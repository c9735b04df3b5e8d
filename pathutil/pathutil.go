// Package pathutil collects the small filesystem and identity primitives
// used throughout coldstow: canonical paths, uid/gid/hostname lookups, and
// ownership/mode-checked temp-directory provisioning. Grounded on the
// teacher's config.GetSystemInfo (uname via golang.org/x/sys/unix) and its
// atomic-mkdir-then-lock staging convention.
package pathutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"coldstow/cerrors"
)

// Canonicalize resolves symlinks and relative components, returning an
// absolute path. Unlike filepath.Abs it also resolves symlinks via
// filepath.EvalSymlinks, matching spec.md's "canonicalised" target
// requirement for freeze inputs.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", cerrors.Wrap(cerrors.IoError, path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// Target may legitimately not exist yet (e.g. a freeze output
		// path); fall back to the absolute, non-symlink-resolved form.
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", cerrors.Wrap(cerrors.IoError, path, err)
	}
	return resolved, nil
}

// SplitRestorePath returns the (parent directory, basename) pair used to
// populate Entry.restore_path / Entry.name per spec.md §4.4 step 1.
func SplitRestorePath(canonical string) (restorePath, name string) {
	return filepath.Dir(canonical), filepath.Base(canonical)
}

// Hostname returns the current hostname, used for manifest.Metadata.Host.
func Hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// UnameInfo reports OS name, release and machine architecture via
// unix.Uname, matching config.GetSystemInfo in the teacher.
func UnameInfo() (osname, release, machine string) {
	var u unix.Utsname
	if err := unix.Uname(&u); err != nil {
		return "unknown", "unknown", "unknown"
	}
	osname = trimNull(u.Sysname[:])
	release = trimNull(u.Release[:])
	machine = trimNull(u.Machine[:])
	return
}

func trimNull(b []byte) string {
	s := string(b)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return s
}

// Identity captures the effective UID/GID of the running process.
type Identity struct {
	UID int
	GID int
}

// CurrentIdentity returns the effective uid/gid of the calling process.
func CurrentIdentity() Identity {
	return Identity{UID: os.Geteuid(), GID: os.Getegid()}
}

// IsRoot reports whether the process is currently running with uid 0.
func (i Identity) IsRoot() bool { return i.UID == 0 }

// CheckOwnerMode verifies that path is owned by uid and has exactly the
// given permission bits set (no looser). Used to pre-check the per-user
// privilege-policy config file (spec.md §4.9) before trusting its
// contents.
func CheckOwnerMode(path string, uid int, mode os.FileMode) error {
	info, err := os.Lstat(path)
	if err != nil {
		return cerrors.Wrap(cerrors.IoError, path, err)
	}
	st, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return cerrors.New(cerrors.IoError, fmt.Sprintf("%s: cannot inspect owner", path))
	}
	if int(st.Uid) != uid {
		return cerrors.New(cerrors.PermissionDenied,
			fmt.Sprintf("%s: owned by uid %d, expected %d", path, st.Uid, uid))
	}
	if info.Mode().Perm() != mode {
		return cerrors.New(cerrors.PermissionDenied,
			fmt.Sprintf("%s: mode %04o, expected %04o", path, info.Mode().Perm(), mode))
	}
	return nil
}

// AtomicMkdir creates dir with mode, failing if it already exists. It never
// falls back to MkdirAll: callers that need a fresh, collision-free
// directory (staging roots, mount points) must pass a name they already
// made unique (e.g. via a uuid suffix).
func AtomicMkdir(dir string, mode os.FileMode) error {
	if err := os.Mkdir(dir, mode); err != nil {
		if os.IsExist(err) {
			return cerrors.Wrap(cerrors.StagingError, dir, err)
		}
		return cerrors.Wrap(cerrors.IoError, dir, err)
	}
	return nil
}

// EntryStat captures the subset of an os.FileInfo/unix.Stat_t that the
// manifest model needs: kind, size, mtime, uid, gid, mode.
type EntryStat struct {
	IsDir     bool
	IsSymlink bool
	Size      int64
	MtimeUnix int64
	UID       uint32
	GID       uint32
	Mode      uint32
}

// Stat captures EntryStat for path, following symlinks iff dereference is
// true (spec.md §4.4 step 1: lstat vs stat based on options.dereference).
func Stat(path string, dereference bool) (EntryStat, error) {
	var info os.FileInfo
	var err error
	if dereference {
		info, err = os.Stat(path)
	} else {
		info, err = os.Lstat(path)
	}
	if err != nil {
		return EntryStat{}, cerrors.Wrap(cerrors.IoError, path, err)
	}
	st, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return EntryStat{}, cerrors.New(cerrors.IoError, fmt.Sprintf("%s: cannot inspect", path))
	}
	return EntryStat{
		IsDir:     info.IsDir(),
		IsSymlink: info.Mode()&os.ModeSymlink != 0,
		Size:      info.Size(),
		MtimeUnix: info.ModTime().Unix(),
		UID:       st.Uid,
		GID:       st.Gid,
		Mode:      uint32(info.Mode().Perm()),
	}, nil
}
