// Package container implements the encrypted-container lifecycle of
// spec.md §4.5: allocate -> format -> open -> pack -> close -> trim,
// with an RAII-style guard at each transition that undoes the preceding
// step unless explicitly committed. Wraps cryptsetup; the decrypted
// payload is a plain squashfs image, inspectable with stock tools
// (spec.md §6).
package container

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"coldstow/cerrors"
	"coldstow/execx"
	"coldstow/log"
)

// cryptsetupNameTakenExit is the exit code cryptsetup (and dmsetup
// underneath it) uses when the requested mapper name already exists.
// Any other non-zero code is a terminal error, never retried.
const cryptsetupNameTakenExit = 5

// Guard undoes a resource allocation on Drop unless Commit was called.
// Mirrors the RAII discipline spec.md §4.5 requires at every state-machine
// transition.
type Guard struct {
	committed bool
	undo      func()
}

// Commit disarms the guard; its undo function will not run on Drop.
func (g *Guard) Commit() { g.committed = true }

// Drop runs the guard's undo function unless Commit was already called.
// Callers invoke this via defer immediately after acquiring the guard.
func (g *Guard) Drop() {
	if !g.committed && g.undo != nil {
		g.undo()
	}
}

// Allocate creates (or truncates) path at size bytes and returns a guard
// that unlinks it on failure.
func Allocate(path string, size int64) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ContainerError, path, err)
	}
	if size > 0 {
		if err := f.Truncate(size); err != nil {
			f.Close()
			os.Remove(path)
			return nil, cerrors.Wrap(cerrors.ContainerError, path, err)
		}
	}
	f.Close()
	return &Guard{undo: func() { os.Remove(path) }}, nil
}

// Format runs cryptsetup luksFormat on path with passphrase, returning a
// guard that unlinks the file if the caller fails a later step.
func Format(ctx context.Context, ex execx.Executor, path, passphrase string) (*Guard, error) {
	res, err := runWithStdin(ctx, ex, passphrase, "cryptsetup", "luksFormat", "-q", path)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ContainerError, "luksFormat", err)
	}
	if !res.HasExit || res.ExitCode != 0 {
		return nil, classifyCryptsetupFailure("luksFormat", res)
	}
	return &Guard{undo: func() { os.Remove(path) }}, nil
}

// Opened describes a successfully opened mapper device.
type Opened struct {
	Name       string // mapper name, e.g. "sq_image_2"
	DevicePath string // /dev/mapper/<Name>
}

// Open performs the atomic-name opening of spec.md §4.5: it tries
// baseName, baseName_2 .. baseName_10, then baseName_<epoch>_<random>,
// retrying only on the tool's "name taken" exit code. On success, returns
// a guard that closes the mapper unless committed.
func Open(ctx context.Context, ex execx.Executor, logger log.LibraryLogger, path, baseName, passphrase string) (*Opened, *Guard, error) {
	candidates := []string{baseName}
	for i := 2; i <= 10; i++ {
		candidates = append(candidates, fmt.Sprintf("%s_%d", baseName, i))
	}
	candidates = append(candidates, fmt.Sprintf("%s_%d_%s", baseName, time.Now().Unix(), uuid.New().String()[:8]))

	var lastErr error
	for _, name := range candidates {
		res, err := runWithStdin(ctx, ex, passphrase, "cryptsetup", "open", path, name)
		if err != nil {
			return nil, nil, cerrors.Wrap(cerrors.ContainerError, "open", err)
		}
		if res.HasExit && res.ExitCode == 0 {
			opened := &Opened{Name: name, DevicePath: "/dev/mapper/" + name}
			guard := &Guard{undo: func() {
				_, _ = ex.Run(context.Background(), "cryptsetup", "close", name)
			}}
			return opened, guard, nil
		}
		if res.HasExit && res.ExitCode == cryptsetupNameTakenExit {
			logger.Debug("mapper name %s already taken, retrying", name)
			lastErr = classifyCryptsetupFailure("open", res)
			continue
		}
		return nil, nil, classifyCryptsetupFailure("open", res)
	}
	return nil, nil, cerrors.Wrap(cerrors.ContainerError, "open: exhausted all candidate names", lastErr)
}

// Close closes the mapper device named name.
func Close(ctx context.Context, ex execx.Executor, name string) error {
	res, err := ex.Run(ctx, "cryptsetup", "close", name)
	if err != nil {
		return cerrors.Wrap(cerrors.ContainerError, "close", err)
	}
	if !res.HasExit || res.ExitCode != 0 {
		return classifyCryptsetupFailure("close", res)
	}
	return nil
}

// HeaderInfo is the subset of `cryptsetup luksDump` this package needs to
// compute the trim target: the payload offset, reported either directly
// in bytes or as a sector count requiring multiplication.
type HeaderInfo struct {
	OffsetBytes int64
	SectorSize  int64 // only meaningful if the dump reported sectors
}

// ProbeHeaderOffset runs `cryptsetup luksDump` and extracts the payload
// offset per spec.md §9: probe for a byte field first, fall back to
// sectors, and refuse to guess if neither is present.
func ProbeHeaderOffset(ctx context.Context, ex execx.Executor, path string) (int64, error) {
	res, err := ex.Run(ctx, "cryptsetup", "luksDump", path)
	if err != nil {
		return 0, cerrors.Wrap(cerrors.ContainerError, "luksDump", err)
	}
	if !res.HasExit || res.ExitCode != 0 {
		return 0, classifyCryptsetupFailure("luksDump", res)
	}
	return parseHeaderOffset(string(res.Stdout))
}

// parseHeaderOffset implements the byte-field-first, sector-fallback probe
// described in spec.md §9. Lines look like:
//
//	Payload offset:      32768  [bytes]
//
// or, on the versioned sector-reporting format:
//
//	offset: 4096 [sectors]
func parseHeaderOffset(dump string) (int64, error) {
	var sectorSize int64 = 512
	var byteOffset, sectorOffset int64
	haveBytes, haveSectors := false, false

	for _, line := range strings.Split(dump, "\n") {
		lower := strings.ToLower(line)
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		last := fields[len(fields)-1]

		if strings.Contains(lower, "offset") && strings.Contains(lower, "byte") {
			if v, ok := firstInt(fields); ok {
				byteOffset = v
				haveBytes = true
			}
		} else if strings.Contains(lower, "offset") && strings.Contains(lower, "sector") {
			if v, ok := firstInt(fields); ok {
				sectorOffset = v
				haveSectors = true
			}
		} else if strings.Contains(lower, "sector size") || strings.Contains(lower, "sector-size") {
			if v, ok := parseInt(last); ok {
				sectorSize = v
			}
		}
	}

	if haveBytes {
		return byteOffset, nil
	}
	if haveSectors {
		return sectorOffset * sectorSize, nil
	}
	return 0, cerrors.New(cerrors.ContainerError, "luksDump: neither a byte nor sector payload offset field was found")
}

func firstInt(fields []string) (int64, bool) {
	for _, f := range fields {
		if v, ok := parseInt(f); ok {
			return v, true
		}
	}
	return 0, false
}

func parseInt(s string) (int64, bool) {
	s = strings.TrimFunc(s, func(r rune) bool { return r < '0' || r > '9' })
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

const trimAlignment = 4096
const trimSlack = 1 << 20 // 1 MiB

// Trim shrinks the container file at path to payloadSize + headerOffset +
// slack, rounded up to a 4 KiB boundary, but never grows it. Implements
// spec.md §4.5's size-optimization step.
func Trim(path string, payloadSize, headerOffset int64) error {
	target := payloadSize + headerOffset + trimSlack
	target = ((target + trimAlignment - 1) / trimAlignment) * trimAlignment

	info, err := os.Stat(path)
	if err != nil {
		return cerrors.Wrap(cerrors.ContainerError, path, err)
	}
	if target >= info.Size() {
		return nil
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return cerrors.Wrap(cerrors.ContainerError, path, err)
	}
	defer f.Close()
	if err := f.Truncate(target); err != nil {
		return cerrors.Wrap(cerrors.ContainerError, path, err)
	}
	return nil
}

// IsLuks runs `cryptsetup isLuks` as the post-build verification step for
// encrypted archives (spec.md §4.4 step 6).
func IsLuks(ctx context.Context, ex execx.Executor, path string) (bool, error) {
	res, err := ex.Run(ctx, "cryptsetup", "isLuks", path)
	if err != nil {
		return false, cerrors.Wrap(cerrors.VerificationError, "isLuks", err)
	}
	return res.HasExit && res.ExitCode == 0, nil
}

func classifyCryptsetupFailure(op string, res *execx.Result) error {
	stderr := execx.DecodeForDisplay(res.Stderr)
	e := cerrors.New(cerrors.ContainerError, fmt.Sprintf("cryptsetup %s failed: %s", op, stderr))
	if strings.Contains(strings.ToLower(stderr), "no key available") ||
		strings.Contains(strings.ToLower(stderr), "wrong") && strings.Contains(strings.ToLower(stderr), "passphrase") {
		return e.WithHint("the passphrase may be incorrect")
	}
	return e
}

// runWithStdin feeds passphrase to name's standard input, the standard
// way to authenticate cryptsetup non-interactively without the passphrase
// ever appearing in argv or the environment.
func runWithStdin(ctx context.Context, ex execx.Executor, passphrase, name string, args ...string) (*execx.Result, error) {
	return ex.RunWithStdin(ctx, passphrase+"\n", name, args...)
}
