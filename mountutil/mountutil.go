// Package mountutil provides the mount/unmount helpers of spec.md §4.8:
// collision-resistant mount-point naming, image mount/unmount (an
// encrypted image is mounted from a mapper device the caller has already
// opened; this package does not open containers), and locating mount
// points of a given image via the kernel's mount table. Grounded on the
// teacher's mount.doUnmount (golang.org/x/sys/unix.Unmount with the same
// "ignore expected errors" posture) and generalized from its
// worker-chroot mounts to single-image read-only mounts.
package mountutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"coldstow/cerrors"
	"coldstow/execx"
	"coldstow/log"
)

// MountPoint describes one line of /proc/self/mountinfo relevant to
// coldstow: where a device is mounted and what backs it.
type MountPoint struct {
	Target string
	Source string
}

// GenerateMountPoint returns a collision-resistant mount directory path
// under workDir, named mount_<sanitized-image-basename>_<epoch>_<random>,
// per spec.md §4.8. epoch is passed in (callers supply time.Now().Unix())
// since workflow scripts may not call time.Now() directly in some
// orchestration contexts; library code is free to call it itself.
func GenerateMountPoint(workDir, imagePath string, epoch int64) string {
	base := sanitize(filepath.Base(imagePath))
	suffix := uuid.New().String()[:8]
	name := fmt.Sprintf("mount_%s_%d_%s", base, epoch, suffix)
	return filepath.Join(workDir, name)
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "image"
	}
	return b.String()
}

// Handle represents an active mount, returned by Mount, and is the input
// to Unmount.
type Handle struct {
	Target        string
	CreatedDir    bool
	MapperName    string // not set by Mount
}

// Mount mounts image read-only at mountPoint, creating the directory if it
// does not exist; an empty mountPoint is an error (callers generate one
// with GenerateMountPoint). A non-empty devicePath is mounted in place of
// image, so a caller that has opened an encrypted container passes the
// mapper device path; Mount itself never opens a container.
func Mount(ctx context.Context, ex execx.Executor, logger log.LibraryLogger, image, mountPoint, devicePath string) (*Handle, error) {
	createdDir := false
	if mountPoint == "" {
		return nil, cerrors.New(cerrors.InvalidInput, "mountutil.Mount: empty mount point")
	}
	if _, err := os.Stat(mountPoint); os.IsNotExist(err) {
		if err := os.MkdirAll(mountPoint, 0o755); err != nil {
			return nil, cerrors.Wrap(cerrors.IoError, mountPoint, err)
		}
		createdDir = true
	}

	source := devicePath
	if source == "" {
		source = image
	}

	res, err := ex.Run(ctx, "mount", "-t", "squashfs", "-o", "ro,loop", source, mountPoint)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ExecutionError, "mount", err)
	}
	if !res.HasExit || res.ExitCode != 0 {
		return nil, cerrors.New(cerrors.IoError,
			fmt.Sprintf("mount %s -> %s failed: %s", source, mountPoint, execx.DecodeForDisplay(res.Stderr)))
	}

	logger.Debug("mounted %s at %s", source, mountPoint)
	return &Handle{Target: mountPoint, CreatedDir: createdDir}, nil
}

// Unmount tears down h's mount point. Per the pass-through policy of
// spec.md §4.8 it removes the mount directory only if this Handle created
// it and it is now empty.
func Unmount(ctx context.Context, ex execx.Executor, logger log.LibraryLogger, h *Handle) error {
	res, err := ex.Run(ctx, "umount", h.Target)
	if err != nil {
		return cerrors.Wrap(cerrors.ExecutionError, "umount", err)
	}
	if !res.HasExit || res.ExitCode != 0 {
		return cerrors.New(cerrors.IoError,
			fmt.Sprintf("umount %s failed: %s", h.Target, execx.DecodeForDisplay(res.Stderr)))
	}

	if h.CreatedDir {
		entries, err := os.ReadDir(h.Target)
		if err == nil && len(entries) == 0 {
			if err := os.Remove(h.Target); err != nil {
				logger.Warn("could not remove empty mount point %s: %v", h.Target, err)
			}
		}
	}
	return nil
}

// UnmountByImage unmounts every mount point that FindMountsOf reports for
// image; mounts whose source is a loop or mapper device not named after
// image are not found and stay mounted.
func UnmountByImage(ctx context.Context, ex execx.Executor, logger log.LibraryLogger, image string) error {
	points, err := FindMountsOf(image)
	if err != nil {
		return err
	}
	var firstErr error
	for _, mp := range points {
		if err := Unmount(ctx, ex, logger, &Handle{Target: mp.Target}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FindMountsOf reads /proc/self/mountinfo and returns every mount point
// whose source equals image or has the same basename as image. Loop and
// device-mapper backing devices are not resolved to the image file they
// expose. image should be an absolute, canonicalized path.
func FindMountsOf(image string) ([]MountPoint, error) {
	data, err := os.ReadFile("/proc/self/mountinfo")
	if err != nil {
		return nil, cerrors.Wrap(cerrors.IoError, "/proc/self/mountinfo", err)
	}

	var out []MountPoint
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		// mountinfo format: ... mount-point ... - fstype source options
		sepIdx := -1
		for i, f := range fields {
			if f == "-" {
				sepIdx = i
				break
			}
		}
		if sepIdx < 0 || sepIdx+2 >= len(fields) {
			continue
		}
		target := fields[4]
		source := fields[sepIdx+2]
		if source == image || filepath.Base(source) == filepath.Base(image) {
			out = append(out, MountPoint{Target: target, Source: source})
		}
	}
	return out, nil
}

// UnshareMountNamespace places the calling goroutine's OS thread into a
// new mount namespace, matching spec.md §4.4's isolated staging
// assembly. Callers must have already called runtime.LockOSThread, since
// unshare(CLONE_NEWNS) only affects the calling thread.
func UnshareMountNamespace() error {
	if err := unix.Unshare(unix.CLONE_NEWNS); err != nil {
		return cerrors.Wrap(cerrors.PermissionDenied, "unshare(CLONE_NEWNS)", err)
	}
	// Make the root mount private so bind mounts created here never
	// propagate to the parent namespace.
	if err := unix.Mount("", "/", "", unix.MS_PRIVATE|unix.MS_REC, ""); err != nil {
		return cerrors.Wrap(cerrors.PermissionDenied, "mount --make-rprivate /", err)
	}
	return nil
}

// BindMount bind-mounts src onto dst. Used directly by the freeze pipeline
// inside the isolated namespace (as opposed to through the generated
// shell script, when the pipeline runs in-process rather than
// re-executing itself).
func BindMount(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return cerrors.Wrap(cerrors.IoError, fmt.Sprintf("bind mount %s -> %s", src, dst), err)
	}
	return nil
}

// Epoch returns the current Unix time; a one-line indirection so callers
// needing a mount-point suffix don't each import "time" directly.
func Epoch() int64 { return time.Now().Unix() }
