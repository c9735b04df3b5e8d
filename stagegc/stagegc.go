// Package stagegc reclaims orphaned staging directories under the
// per-user cache root (spec.md §4.7): liveness is decided by an exclusive
// file-lock probe on each candidate's .lock file, falling back to mtime
// age when no lock file exists, and any candidate with an active mount
// point beneath it is left alone regardless of liveness verdict.
package stagegc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"coldstow/cerrors"
	"coldstow/log"
	"coldstow/safedelete"
)

// StagingPrefix is the directory-name prefix the GC scans for under the
// cache root, matching the prefix the freeze pipeline uses when it
// provisions a staging directory (freeze.StagingPrefix).
const StagingPrefix = "coldstow-"

// Verdict records what the GC decided about one candidate and why.
type Verdict string

const (
	VerdictLive      Verdict = "live"
	VerdictStale     Verdict = "stale"
	VerdictUncertain Verdict = "uncertain"
	VerdictGuarded   Verdict = "guarded" // stale but protected by an active mount
	VerdictRemoved   Verdict = "removed"
	VerdictSkipped   Verdict = "skipped" // fail-closed: couldn't determine safely
)

// Candidate is one staging directory the GC examined.
type Candidate struct {
	Path    string
	Verdict Verdict
	Reason  string
}

// Report summarizes one GC pass.
type Report struct {
	Candidates []Candidate
}

// Options configures one GC pass.
type Options struct {
	// AgeThreshold is how old (by mtime) a lock-less staging directory
	// must be before it is considered stale. Spec.md §4.7 suggests 24h.
	AgeThreshold time.Duration
}

// DefaultOptions returns the spec's suggested 24-hour age threshold.
func DefaultOptions() Options {
	return Options{AgeThreshold: 24 * time.Hour}
}

// GC scans cacheRoot for staging directories and removes every one it can
// prove is abandoned. It is fail-closed: any error reading the mount table
// or canonicalizing a candidate path causes that candidate to be skipped,
// never removed.
func GC(cacheRoot string, opts Options, logger log.LibraryLogger) (*Report, error) {
	entries, err := os.ReadDir(cacheRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return &Report{}, nil
		}
		return nil, cerrors.Wrap(cerrors.StagingError, cacheRoot, err)
	}

	mounts, err := readMountTable("/proc/mounts")
	if err != nil {
		logger.Warn("stagegc: cannot read mount table, skipping all candidates: %v", err)
		mounts = nil // handled below: every candidate becomes "skipped"
	}

	report := &Report{}
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), StagingPrefix) {
			continue
		}
		path := filepath.Join(cacheRoot, e.Name())
		cand := evaluate(path, opts)

		if cand.Verdict != VerdictStale {
			report.Candidates = append(report.Candidates, cand)
			continue
		}

		canonical, err := filepath.EvalSymlinks(path)
		if err != nil {
			cand.Verdict = VerdictSkipped
			cand.Reason = fmt.Sprintf("cannot canonicalize: %v", err)
			report.Candidates = append(report.Candidates, cand)
			continue
		}

		if mounts == nil {
			cand.Verdict = VerdictSkipped
			cand.Reason = "mount table unavailable"
			report.Candidates = append(report.Candidates, cand)
			continue
		}

		if guarded, mp := guardedByMount(canonical, mounts); guarded {
			cand.Verdict = VerdictGuarded
			cand.Reason = fmt.Sprintf("active mount at %s", mp)
			logger.Warn("stagegc: leaving %s in place, mount point %s is still active", path, mp)
			report.Candidates = append(report.Candidates, cand)
			continue
		}

		// safedelete.Remove re-verifies the zero-byte-stub/no-symlink/
		// no-active-mount invariants independently of the mount-table
		// check above, so a staging directory is never blown away unless
		// its contents are provably just the bind-mount stub files the
		// freeze pipeline created (spec.md §4.8).
		if err := safedelete.Remove(path); err != nil {
			cand.Verdict = VerdictSkipped
			cand.Reason = fmt.Sprintf("remove failed: %v", err)
		} else {
			cand.Verdict = VerdictRemoved
			logger.Info("stagegc: removed abandoned staging directory %s", path)
		}
		report.Candidates = append(report.Candidates, cand)
	}
	return report, nil
}

// evaluate decides liveness for a single candidate without touching the
// mount table (step 1/2 of spec.md §4.7).
func evaluate(path string, opts Options) Candidate {
	lockPath := filepath.Join(path, ".lock")
	info, err := os.Stat(lockPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return Candidate{Path: path, Verdict: VerdictSkipped, Reason: err.Error()}
		}
		// No lock file: fall back to directory mtime.
		dirInfo, err := os.Stat(path)
		if err != nil {
			return Candidate{Path: path, Verdict: VerdictSkipped, Reason: err.Error()}
		}
		age := time.Since(dirInfo.ModTime())
		if age >= opts.AgeThreshold {
			return Candidate{Path: path, Verdict: VerdictStale, Reason: fmt.Sprintf("no lock, age %s", age.Round(time.Second))}
		}
		return Candidate{Path: path, Verdict: VerdictUncertain, Reason: fmt.Sprintf("no lock, age %s below threshold", age.Round(time.Second))}
	}
	_ = info

	fd, err := unix.Open(lockPath, unix.O_RDONLY, 0)
	if err != nil {
		return Candidate{Path: path, Verdict: VerdictSkipped, Reason: err.Error()}
	}
	defer unix.Close(fd)

	err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		// Could not acquire: another process holds it live.
		return Candidate{Path: path, Verdict: VerdictLive, Reason: "lock held"}
	}
	// We acquired it, so its owner is gone. Release immediately; the
	// directory itself is removed by the caller, not by us holding the fd.
	unix.Flock(fd, unix.LOCK_UN)
	return Candidate{Path: path, Verdict: VerdictStale, Reason: "lock acquired (owner gone)"}
}

// mountEntry is one decoded line from /proc/mounts.
type mountEntry struct {
	Source string
	Target string
}

func readMountTable(path string) ([]mountEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var out []mountEntry
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		source, err := unescapeMountField(fields[0])
		if err != nil {
			return nil, fmt.Errorf("mount table: field %q: %w", fields[0], err)
		}
		target, err := unescapeMountField(fields[1])
		if err != nil {
			return nil, fmt.Errorf("mount table: field %q: %w", fields[1], err)
		}
		out = append(out, mountEntry{Source: source, Target: target})
	}
	return out, nil
}

// guardedByMount reports whether any mount target lies under canonical
// (the candidate's own canonical path, or any path beneath it).
func guardedByMount(canonical string, mounts []mountEntry) (bool, string) {
	for _, m := range mounts {
		if m.Target == canonical || strings.HasPrefix(m.Target, canonical+string(filepath.Separator)) {
			return true, m.Target
		}
	}
	return false, ""
}

// unescapeMountField decodes the kernel's octal escapes (\040 -> space,
// \011 -> tab, \134 -> backslash, \012 -> newline) in a single
// whitespace-delimited /proc/mounts field. Per spec.md §4.7/§8 invariant
// 5, only the digits 0-7 are legal in the three escape positions; any
// other digit is a hard format error rather than a silently coerced value.
func unescapeMountField(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 >= len(s) {
			return "", fmt.Errorf("truncated escape sequence at offset %d", i)
		}
		digits := s[i+1 : i+4]
		val, err := parseOctalTriplet(digits)
		if err != nil {
			return "", fmt.Errorf("offset %d: %w", i, err)
		}
		b.WriteByte(byte(val))
		i += 3
	}
	return b.String(), nil
}

func parseOctalTriplet(digits string) (int, error) {
	if len(digits) != 3 {
		return 0, fmt.Errorf("escape sequence too short")
	}
	for _, d := range digits {
		if d < '0' || d > '7' {
			return 0, fmt.Errorf("non-octal digit %q in escape sequence %q", d, digits)
		}
	}
	v, err := strconv.ParseInt(digits, 8, 16)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}
