// Package execx provides the uniform spawn/capture/stream interface over
// external tools (spec.md §4.1): mksquashfs, squashfuse, mount, rsync,
// cryptsetup, and the privilege-escalation wrapper. It generalizes the
// teacher's environment.Environment interface (Setup/Execute/Cleanup) into
// the four executor operations the spec calls for, and keeps the same
// fake-for-testing shape as environment.MockEnvironment: a struct field
// holding canned results, with every call recorded for inspection.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"

	"coldstow/cerrors"
)

// Result carries a completed command's exit status and captured streams.
// Stdout/Stderr are raw bytes; use DecodeForDisplay to get human-readable
// text — never use the decoded form for anything that round-trips through
// another program.
type Result struct {
	ExitCode  int
	HasExit   bool // false means the process died from a signal
	Stdout    []byte
	Stderr    []byte
}

// DecodeForDisplay replaces invalid UTF-8 sequences with the Unicode
// replacement character, for printing in human-readable error contexts.
// Spec.md §4.1: "decoded to scalar text with replacement of invalid
// sequences for human-readable reporting only; never for data round-trips."
func DecodeForDisplay(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}

// Executor is implemented by both the real process launcher and the fake
// used in tests, matching the teacher's pattern of injecting
// environment.Environment (real vs MockEnvironment) as an explicit
// dependency rather than a global.
type Executor interface {
	// Run spawns command, waits for completion, and captures stdout and
	// stderr separately. A non-zero exit is returned inside Result,
	// never as an error; only a failure to spawn is an error.
	Run(ctx context.Context, name string, args ...string) (*Result, error)

	// RunPiped spawns two commands with the first's stdout wired to the
	// second's stdin, and returns the second's result.
	RunPiped(ctx context.Context, first, second []string) (*Result, error)

	// RunPrivileged prefixes argv with the active privilege-escalation
	// command vector (as resolved by the privilege package) and runs it.
	RunPrivileged(ctx context.Context, escalation []string, name string, args ...string) (*Result, error)

	// Spawn starts name non-blocking and returns a handle the caller can
	// drive (used to pump stdout into a progress reporter).
	Spawn(ctx context.Context, name string, args ...string) (*Process, error)

	// RunWithStdin behaves like Run but writes stdin to the child's
	// standard input before waiting, the way cryptsetup is fed a
	// passphrase without it ever touching argv or the environment.
	RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (*Result, error)
}

// Process is a non-blocking child handle returned by Spawn.
type Process struct {
	cmd    *exec.Cmd
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Wait blocks until the child exits and returns its Result.
func (p *Process) Wait() (*Result, error) {
	err := p.cmd.Wait()
	return resultFromWaitErr(err), nil
}

// Signal forwards a signal to the child, used by the top-level
// interruption handler (spec.md §5) to propagate SIGINT/SIGTERM.
func (p *Process) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Kill terminates the child immediately.
func (p *Process) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// OSExecutor is the production Executor, backed by os/exec.
type OSExecutor struct{}

// NewOSExecutor returns the real executor used outside of tests.
func NewOSExecutor() *OSExecutor { return &OSExecutor{} }

func (OSExecutor) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(name, args), err)
		}
	}
	res := resultFromWaitErr(err)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	return res, nil
}

func (OSExecutor) RunPiped(ctx context.Context, first, second []string) (*Result, error) {
	if len(first) == 0 || len(second) == 0 {
		return nil, cerrors.New(cerrors.InvalidInput, "RunPiped: empty command vector")
	}
	c1 := exec.CommandContext(ctx, first[0], first[1:]...)
	c2 := exec.CommandContext(ctx, second[0], second[1:]...)

	pipe, err := c1.StdoutPipe()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(first[0], first[1:]), err)
	}
	c2.Stdin = pipe

	var stdout, stderr bytes.Buffer
	c2.Stdout = &stdout
	c2.Stderr = &stderr

	if err := c1.Start(); err != nil {
		return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(first[0], first[1:]), err)
	}
	if err := c2.Start(); err != nil {
		return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(second[0], second[1:]), err)
	}

	err1 := c1.Wait()
	err2 := c2.Wait()
	if _, ok := err2.(*exec.ExitError); err2 != nil && !ok {
		return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(second[0], second[1:]), err2)
	}
	_ = err1 // first command's exit code is not the caller's concern per spec.md §4.1

	res := resultFromWaitErr(err2)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	return res, nil
}

func (e OSExecutor) RunPrivileged(ctx context.Context, escalation []string, name string, args ...string) (*Result, error) {
	if len(escalation) == 0 {
		return e.Run(ctx, name, args...)
	}
	full := append(append([]string{}, escalation...), append([]string{name}, args...)...)
	return e.Run(ctx, full[0], full[1:]...)
}

func (OSExecutor) RunWithStdin(ctx context.Context, stdin string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(name, args), err)
		}
	}
	res := resultFromWaitErr(err)
	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	return res, nil
}

func (OSExecutor) Spawn(ctx context.Context, name string, args ...string) (*Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(name, args), err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(name, args), err)
	}
	if err := cmd.Start(); err != nil {
		return nil, cerrors.Wrap(cerrors.ExecutionError, commandLine(name, args), err)
	}
	return &Process{cmd: cmd, Stdout: stdout, Stderr: stderr}, nil
}

func resultFromWaitErr(err error) *Result {
	if err == nil {
		return &Result{ExitCode: 0, HasExit: true}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ProcessState != nil {
			if code := exitErr.ExitCode(); code >= 0 {
				return &Result{ExitCode: code, HasExit: true}
			}
		}
		return &Result{HasExit: false}
	}
	return &Result{HasExit: false}
}

func commandLine(name string, args []string) string {
	return fmt.Sprintf("%s %v", name, args)
}
