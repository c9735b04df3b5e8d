// Package freeze implements the pipeline of spec.md §4.4: plan entries,
// provision a staging tree under the cache root, emit a bind-mount
// script, execute it inside an isolated mount namespace, invoke the
// packer, verify the result, and finalize or roll back transactionally.
// Grounded on the teacher's build pipeline shape (build/build.go's
// plan-stage-execute-verify sequencing) generalized from port builds to
// archive assembly.
package freeze

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"coldstow/cachedir"
	"coldstow/cerrors"
	"coldstow/container"
	"coldstow/execx"
	"coldstow/log"
	"coldstow/manifest"
	"coldstow/mountutil"
	"coldstow/pathutil"
	"coldstow/privilege"
	"coldstow/shellquote"
	"coldstow/ui"
)

// StagingPrefix matches stagegc.StagingPrefix; it is duplicated as a
// constant here rather than imported, so freeze does not depend on
// stagegc.
const StagingPrefix = "coldstow-"

const (
	manifestFileName = "list.yaml"
	scriptFileName   = "freeze.sh"
	restoreDirName   = "to_restore"
	lockFileName     = ".lock"
)

const defaultCompressionLevel = 19

// MinCompressionLevel and MaxCompressionLevel bound Options.CompressionLevel
// (spec.md §4.4).
const (
	MinCompressionLevel = 0
	MaxCompressionLevel = 22
)

// Options configures one freeze operation.
type Options struct {
	CompressionLevel int
	Encrypt          bool
	Passphrase       string // required iff Encrypt
	Dereference      bool
	Progress         bool
	Overwrite        bool

	// OutputPrefix names the archive when output names a directory
	// instead of a file (spec.md §4.4: "a name is formed from a
	// user-supplied or interactive prefix plus a timestamp"). Empty
	// falls back to "archive".
	OutputPrefix string

	// Reporter, when non-nil, receives packer stdout/stderr lines and
	// coarse stage transitions instead of the pipeline running silently.
	// Set from a ui.Reporter constructed by the caller based on Progress
	// and whether stdout is a terminal.
	Reporter ui.Reporter

	// Interrupted is polled after every subprocess boundary (spec.md §5).
	// A nil value is treated as "never interrupted".
	Interrupted *atomic.Bool
}

// DefaultOptions returns spec-compliant defaults.
func DefaultOptions() Options {
	return Options{CompressionLevel: defaultCompressionLevel}
}

// Result summarizes a completed freeze.
type Result struct {
	OutputPath string
	EntryCount int
	Manifest   *manifest.Manifest
}

// Pipeline runs one freeze operation end to end.
type Pipeline struct {
	Ex       execx.Executor
	Logger   log.LibraryLogger
	Priv     *privilege.Policy
	CacheDir string // defaults to cachedir.Root() if empty
}

// NewPipeline builds a Pipeline with a resolved cache directory.
func NewPipeline(ex execx.Executor, logger log.LibraryLogger, priv *privilege.Policy) (*Pipeline, error) {
	root, err := cachedir.Root()
	if err != nil {
		return nil, err
	}
	return &Pipeline{Ex: ex, Logger: logger, Priv: priv, CacheDir: root}, nil
}

// Run executes the freeze pipeline for targets, writing to output.
func (p *Pipeline) Run(ctx context.Context, targets []string, output string, opts Options) (*Result, error) {
	if len(targets) == 0 {
		return nil, cerrors.New(cerrors.InvalidInput, "freeze: no targets given")
	}
	if opts.CompressionLevel < MinCompressionLevel || opts.CompressionLevel > MaxCompressionLevel {
		return nil, cerrors.New(cerrors.InvalidInput, fmt.Sprintf("compression level %d out of range [%d,%d]", opts.CompressionLevel, MinCompressionLevel, MaxCompressionLevel))
	}
	if opts.Encrypt && opts.Passphrase == "" {
		return nil, cerrors.New(cerrors.InvalidInput, "freeze: encrypt requires a passphrase")
	}

	outputPath, err := resolveOutputPath(output, opts.Overwrite, opts.OutputPrefix)
	if err != nil {
		return nil, err
	}

	// Step 1: plan.
	entries, err := plan(targets, opts.Dereference)
	if err != nil {
		return nil, err
	}

	host := pathutil.Hostname()
	ident := pathutil.CurrentIdentity()
	privMode := manifest.PrivilegeUser
	if ident.IsRoot() {
		privMode = manifest.PrivilegeRoot
	}
	m := &manifest.Manifest{
		Metadata: manifest.Metadata{
			Host:          host,
			Date:          time.Now().UTC().Format(time.RFC3339),
			PrivilegeMode: privMode,
			Dereferenced:  opts.Dereference,
		},
		Entries: entries,
	}
	if err := m.Validate(); err != nil {
		return nil, cerrors.Wrap(cerrors.ManifestError, "freeze: planned manifest", err)
	}

	// Step 2: provision staging.
	staging, err := p.provisionStaging()
	if err != nil {
		return nil, err
	}
	stagingFailed := true
	defer func() {
		if stagingFailed {
			p.rollbackStaging(staging)
		}
	}()

	if err := buildTree(staging.Path, entries); err != nil {
		return nil, cerrors.Wrap(cerrors.StagingError, staging.Path, err)
	}
	if err := writeManifestFile(staging.Path, m); err != nil {
		return nil, err
	}

	// Step 3/4/5: execute inside an isolated mount namespace, pack.
	// Encrypted output is packed straight into the opened mapper device.
	var containerGuard *container.Guard
	var mapperName string
	packTarget := outputPath
	if opts.Encrypt {
		allocGuard, err := container.Allocate(outputPath, 0)
		if err != nil {
			return nil, err
		}
		defer allocGuard.Drop()

		headerGuard, err := container.Format(ctx, p.Ex, outputPath, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		defer headerGuard.Drop()

		base := sanitizeMapperBase(filepath.Base(outputPath))
		opened, openGuard, err := container.Open(ctx, p.Ex, p.Logger, outputPath, base, opts.Passphrase)
		if err != nil {
			return nil, err
		}
		containerGuard = openGuard
		defer containerGuard.Drop()
		mapperName = opened.Name
		packTarget = opened.DevicePath

		allocGuard.Commit()
		headerGuard.Commit()
	}

	packerArgs := packerArgsFor(staging.Path, packTarget, opts)
	scriptPath, err := emitScript(staging.Path, entries, packerArgs)
	if err != nil {
		return nil, err
	}

	if opts.Reporter != nil {
		opts.Reporter.UpdateProgress("packing", 0, len(entries))
	}
	if err := p.runInNamespace(ctx, scriptPath, opts.Encrypt, mapperName, opts); err != nil {
		return nil, err
	}
	if opts.Reporter != nil {
		opts.Reporter.UpdateProgress("packed", len(entries), len(entries))
	}
	if p.interrupted(opts) {
		return nil, cerrors.New(cerrors.Interrupted, "freeze: interrupted during packing")
	}

	// Step 6: post-build verification.
	if err := p.verify(ctx, outputPath, opts.Encrypt); err != nil {
		return nil, err
	}

	// Step 7: finalize.
	if opts.Encrypt {
		if err := container.Close(ctx, p.Ex, mapperName); err != nil {
			return nil, err
		}
		containerGuard.Commit()

		offset, err := container.ProbeHeaderOffset(ctx, p.Ex, outputPath)
		if err != nil {
			p.Logger.Warn("freeze: could not determine header offset, skipping trim: %v", err)
		} else if err := container.Trim(outputPath, totalPayloadSize(entries), offset); err != nil {
			p.Logger.Warn("freeze: trim failed: %v", err)
		}
	}

	staging.Release()
	stagingFailed = false

	return &Result{OutputPath: outputPath, EntryCount: len(entries), Manifest: m}, nil
}

func (p *Pipeline) interrupted(opts Options) bool {
	return opts.Interrupted != nil && opts.Interrupted.Load()
}

// plan implements spec.md §4.4 step 1.
func plan(targets []string, dereference bool) ([]manifest.Entry, error) {
	entries := make([]manifest.Entry, 0, len(targets))
	for i, t := range targets {
		canon, err := pathutil.Canonicalize(t)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.InvalidInput, t, err)
		}
		st, err := pathutil.Stat(canon, dereference)
		if err != nil {
			return nil, cerrors.Wrap(cerrors.IoError, canon, err)
		}

		var kind manifest.EntryKind
		switch {
		case st.IsSymlink:
			kind = manifest.KindSymlink
		case st.IsDir:
			kind = manifest.KindDirectory
		default:
			kind = manifest.KindFile
		}

		restoreDir, name := pathutil.SplitRestorePath(canon)
		if err := manifest.ValidateName(name); err != nil {
			return nil, cerrors.Wrap(cerrors.InvalidInput, fmt.Sprintf("%s: %v", canon, err), err)
		}

		size := st.Size
		if kind != manifest.KindFile {
			size = 0
		}

		var symlinkTarget string
		if kind == manifest.KindSymlink {
			target, err := os.Readlink(canon)
			if err != nil {
				return nil, cerrors.Wrap(cerrors.IoError, canon, err)
			}
			symlinkTarget = target
		}

		entries = append(entries, manifest.Entry{
			ID:            i + 1,
			Name:          name,
			RestorePath:   restoreDir,
			Kind:          kind,
			SymlinkTarget: symlinkTarget,
			Size:          size,
			Mtime:         st.MtimeUnix,
			UID:           st.UID,
			GID:           st.GID,
			Mode:          st.Mode,
		})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Staging is the live handle to one provisioned staging directory.
type Staging struct {
	Path     string
	lockPath string
	lockFile *os.File
}

// Release unlocks and removes the staging directory after a successful
// freeze.
func (s *Staging) Release() {
	if s.lockFile != nil {
		s.lockFile.Close()
	}
	os.RemoveAll(s.Path)
}

func (p *Pipeline) provisionStaging() (*Staging, error) {
	root := p.CacheDir
	if root == "" {
		r, err := cachedir.Root()
		if err != nil {
			return nil, cerrors.Wrap(cerrors.StagingError, "cache root", err)
		}
		root = r
	}
	name := StagingPrefix + uuid.New().String()
	path := filepath.Join(root, name)
	if err := pathutil.AtomicMkdir(path, 0o700); err != nil {
		return nil, cerrors.Wrap(cerrors.StagingError, path, err)
	}

	lockPath := filepath.Join(path, lockFileName)
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		os.RemoveAll(path)
		return nil, cerrors.Wrap(cerrors.StagingError, lockPath, err)
	}
	if err := flockExclusive(lf); err != nil {
		lf.Close()
		os.RemoveAll(path)
		return nil, cerrors.Wrap(cerrors.StagingError, "lock: "+lockPath, err)
	}

	if err := os.MkdirAll(filepath.Join(path, restoreDirName), 0o755); err != nil {
		lf.Close()
		os.RemoveAll(path)
		return nil, cerrors.Wrap(cerrors.StagingError, path, err)
	}

	return &Staging{Path: path, lockPath: lockPath, lockFile: lf}, nil
}

func flockExclusive(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func (p *Pipeline) rollbackStaging(s *Staging) {
	if s == nil {
		return
	}
	p.Logger.Warn("freeze: rolling back staging directory %s", s.Path)
	if s.lockFile != nil {
		s.lockFile.Close()
	}
	os.RemoveAll(s.Path)
}

// buildTree implements spec.md §4.4 step 2's mount-target creation rule:
// directories get a directory stub, files and symlinks get an empty
// file.
func buildTree(stagingPath string, entries []manifest.Entry) error {
	for _, e := range entries {
		dir := filepath.Join(stagingPath, restoreDirName, idString(e.ID))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		target := filepath.Join(dir, e.Name)
		if e.Kind == manifest.KindDirectory {
			if err := os.Mkdir(target, 0o755); err != nil && !os.IsExist(err) {
				return err
			}
		} else {
			f, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return err
			}
			f.Close()
		}
	}
	return nil
}

func writeManifestFile(stagingPath string, m *manifest.Manifest) error {
	f, err := os.Create(filepath.Join(stagingPath, manifestFileName))
	if err != nil {
		return cerrors.Wrap(cerrors.IoError, stagingPath, err)
	}
	defer f.Close()
	if err := m.Emit(f); err != nil {
		return cerrors.Wrap(cerrors.ManifestError, stagingPath, err)
	}
	return nil
}

// emitScript implements spec.md §4.4 step 3: a POSIX shell script with
// `set -e`, one shell-quoted `mount --bind` per entry, concluding with
// the packer invocation.
func emitScript(stagingPath string, entries []manifest.Entry, packerArgs []string) (string, error) {
	path := filepath.Join(stagingPath, scriptFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o700)
	if err != nil {
		return "", cerrors.Wrap(cerrors.StagingError, path, err)
	}
	defer f.Close()

	fmt.Fprintln(f, "#!/bin/sh")
	fmt.Fprintln(f, "set -e")
	for _, e := range entries {
		src := filepath.Join(e.RestorePath, e.Name)
		dst := filepath.Join(stagingPath, restoreDirName, idString(e.ID), e.Name)
		fmt.Fprintf(f, "mount --bind %s %s\n", shellquote.Quote(src), shellquote.Quote(dst))
	}
	fmt.Fprintln(f, strings.Join(shellquote.QuoteAll(packerArgs), " "))
	return path, nil
}

func packerArgsFor(stagingPath, outputPath string, opts Options) []string {
	target := outputPath
	args := []string{"mksquashfs", stagingPath, target, "-comp", "zstd", "-Xcompression-level", fmt.Sprint(opts.CompressionLevel), "-noappend"}
	return args
}

// runInNamespace implements spec.md §4.4 steps 4-5: execute the script
// inside a fresh mount namespace so bind mounts never leak to the
// parent, running privileged only when the output is encrypted.
func (p *Pipeline) runInNamespace(ctx context.Context, scriptPath string, privileged bool, mapperTarget string, opts Options) error {
	escalation, err := p.Priv.Resolve()
	if err != nil {
		return err
	}

	res, err := p.runScript(ctx, scriptPath, privileged, escalation, opts.Reporter)
	if err != nil {
		return cerrors.Wrap(cerrors.ExecutionError, scriptPath, err)
	}
	if !res.HasExit {
		return cerrors.New(cerrors.Interrupted, "freeze: script terminated by signal")
	}
	if res.ExitCode != 0 {
		if privilege.IsPermissionError(res.ExitCode, res.HasExit, execx.DecodeForDisplay(res.Stderr)) {
			res2, err := p.runScript(ctx, scriptPath, true, escalation, opts.Reporter)
			if err != nil {
				return cerrors.Wrap(cerrors.ExecutionError, scriptPath, err)
			}
			if !res2.HasExit || res2.ExitCode != 0 {
				return cerrors.New(cerrors.ExecutionError, fmt.Sprintf("freeze script failed even with escalation: %s", execx.DecodeForDisplay(res2.Stderr)))
			}
			return nil
		}
		return cerrors.New(cerrors.ExecutionError, fmt.Sprintf("freeze script failed: %s", execx.DecodeForDisplay(res.Stderr)))
	}
	return nil
}

// namespacedScriptArgs wraps scriptPath's "sh" invocation in
// "unshare --mount" so the script's `mount --bind` lines run inside a
// fresh mount namespace instead of the host's, implementing spec.md §4.4
// step 4 ("Launch the script inside a new mount namespace") and the
// isolation half of §5's ordering guarantees: the namespace (and every
// bind mount it contains) is torn down by the kernel the instant
// unshare's child exits.
//
// Privileged runs (encrypted output, or an unprivileged retry that needed
// escalation) already have CAP_SYS_ADMIN and can unshare the mount
// namespace directly. Unprivileged runs additionally pass
// --map-root-user, which has unshare create a user namespace mapping the
// caller to root inside it, the standard way an unprivileged process
// gets the capability to create mounts within its own namespace.
func namespacedScriptArgs(privileged bool, scriptPath string) []string {
	args := []string{"--mount"}
	if !privileged {
		args = append(args, "--map-root-user")
	}
	return append(args, "--", "sh", scriptPath)
}

// runScript runs scriptPath, namespaced via namespacedScriptArgs, either
// through the capture-only Run/RunPrivileged path (no reporter) or
// through Spawn with a helper goroutine pumping both stdout and stderr
// into the reporter's event log (spec.md §4.9/§5: "progress bars are
// driven by a helper thread reading child stdout").
func (p *Pipeline) runScript(ctx context.Context, scriptPath string, privileged bool, escalation []string, reporter ui.Reporter) (*execx.Result, error) {
	name, args := "unshare", namespacedScriptArgs(privileged, scriptPath)

	if reporter == nil {
		if privileged {
			return p.Ex.RunPrivileged(ctx, escalation, name, args...)
		}
		return p.Ex.Run(ctx, name, args...)
	}

	if privileged && len(escalation) > 0 {
		full := append(append([]string{}, escalation...), name)
		full = append(full, args...)
		name, args = full[0], full[1:]
	}

	proc, err := p.Ex.Spawn(ctx, name, args...)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pumpLines(proc.Stdout, reporter, &wg)
	go pumpLines(proc.Stderr, reporter, &wg)
	wg.Wait()

	return proc.Wait()
}

// pumpLines reads newline-delimited output from r and forwards each line
// to reporter, stopping cleanly when r is closed at process exit.
func pumpLines(r io.Reader, reporter ui.Reporter, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		reporter.LogEvent(scanner.Text())
	}
}

// verify implements spec.md §4.4 step 6.
func (p *Pipeline) verify(ctx context.Context, outputPath string, encrypted bool) error {
	info, err := os.Stat(outputPath)
	if err != nil {
		return cerrors.Wrap(cerrors.VerificationError, outputPath, err)
	}
	if info.Size() == 0 {
		return cerrors.New(cerrors.VerificationError, outputPath+": output is empty")
	}
	if encrypted {
		ok, err := container.IsLuks(ctx, p.Ex, outputPath)
		if err != nil {
			return err
		}
		if !ok {
			return cerrors.New(cerrors.VerificationError, outputPath+": not a valid encrypted container header")
		}
		return nil
	}
	res, err := p.Ex.Run(ctx, "unsquashfs", "-s", outputPath)
	if err != nil {
		return cerrors.Wrap(cerrors.VerificationError, outputPath, err)
	}
	if !res.HasExit || res.ExitCode != 0 {
		return cerrors.New(cerrors.VerificationError, outputPath+": packer superblock check failed")
	}
	return nil
}

func resolveOutputPath(output string, overwrite bool, prefix string) (string, error) {
	info, err := os.Stat(output)
	if err == nil && info.IsDir() {
		if prefix == "" {
			prefix = "archive"
		}
		name := fmt.Sprintf("%s-%d.sqfs", prefix, time.Now().Unix())
		return filepath.Join(output, name), nil
	}
	if err == nil {
		if !overwrite {
			return "", cerrors.New(cerrors.InvalidInput, output+": already exists (use --overwrite)")
		}
		return output, nil
	}
	if !os.IsNotExist(err) {
		return "", cerrors.Wrap(cerrors.IoError, output, err)
	}
	return output, nil
}

func totalPayloadSize(entries []manifest.Entry) int64 {
	var sum int64
	for _, e := range entries {
		sum += e.Size
	}
	return sum
}

func sanitizeMapperBase(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return "sq_" + string(out)
}

func idString(id int) string {
	return fmt.Sprint(id)
}

// UnshareAndBind is exposed for callers (tests, or a trusted sub-process
// entry point) that want to run the isolated-namespace half of the
// pipeline directly, in-process, rather than via the generated shell
// script run under "unshare --mount" (runScript's default path). Exercised
// by the root-requiring integration test in integration_test.go.
func UnshareAndBind(entries []manifest.Entry, stagingPath string) error {
	if err := mountutil.UnshareMountNamespace(); err != nil {
		return cerrors.Wrap(cerrors.ExecutionError, "unshare", err)
	}
	for _, e := range entries {
		src := filepath.Join(e.RestorePath, e.Name)
		dst := filepath.Join(stagingPath, restoreDirName, idString(e.ID), e.Name)
		if err := mountutil.BindMount(src, dst); err != nil {
			return cerrors.Wrap(cerrors.ExecutionError, dst, err)
		}
	}
	return nil
}
