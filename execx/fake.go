package execx

import (
	"context"
	"sync"
)

// FakeExecutor is a test double for Executor, recording every call and
// returning pre-configured results. Shape mirrors environment.MockEnvironment
// in the teacher: public fields the test sets up, a mutex for concurrent
// safety, and call slices for assertions.
type FakeExecutor struct {
	mu sync.Mutex

	// Results keyed by the command name (args ignored); falls back to
	// Default when no entry matches. Lets a single test configure
	// "mksquashfs succeeds, cryptsetup fails" without tracking call order.
	Results map[string]*Result
	Errors  map[string]error
	Default *Result

	RunCalls           []Call
	RunPipedCalls      []PipedCall
	RunPrivilegedCalls []PrivilegedCall
	SpawnCalls         []Call
	RunWithStdinCalls  []StdinCall
}

// StdinCall records one RunWithStdin invocation, including the stdin text
// so a test can assert a passphrase was delivered and never appeared in
// Args.
type StdinCall struct {
	Stdin string
	Name  string
	Args  []string
}

// Call records one Run/Spawn invocation.
type Call struct {
	Name string
	Args []string
}

// PipedCall records one RunPiped invocation.
type PipedCall struct {
	First, Second []string
}

// PrivilegedCall records one RunPrivileged invocation.
type PrivilegedCall struct {
	Escalation []string
	Name       string
	Args       []string
}

// NewFakeExecutor returns a FakeExecutor that succeeds (exit 0, empty
// output) for every command unless configured otherwise.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		Results: make(map[string]*Result),
		Errors:  make(map[string]error),
		Default: &Result{ExitCode: 0, HasExit: true},
	}
}

func (f *FakeExecutor) lookup(name string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Errors[name]; ok {
		return nil, err
	}
	if res, ok := f.Results[name]; ok {
		cp := *res
		return &cp, nil
	}
	cp := *f.Default
	return &cp, nil
}

func (f *FakeExecutor) Run(_ context.Context, name string, args ...string) (*Result, error) {
	f.mu.Lock()
	f.RunCalls = append(f.RunCalls, Call{Name: name, Args: append([]string{}, args...)})
	f.mu.Unlock()
	return f.lookup(name)
}

func (f *FakeExecutor) RunPiped(_ context.Context, first, second []string) (*Result, error) {
	f.mu.Lock()
	f.RunPipedCalls = append(f.RunPipedCalls, PipedCall{First: first, Second: second})
	f.mu.Unlock()
	if len(second) == 0 {
		return f.lookup("")
	}
	return f.lookup(second[0])
}

func (f *FakeExecutor) RunPrivileged(_ context.Context, escalation []string, name string, args ...string) (*Result, error) {
	f.mu.Lock()
	f.RunPrivilegedCalls = append(f.RunPrivilegedCalls, PrivilegedCall{
		Escalation: escalation, Name: name, Args: append([]string{}, args...),
	})
	f.mu.Unlock()
	return f.lookup(name)
}

func (f *FakeExecutor) Spawn(ctx context.Context, name string, args ...string) (*Process, error) {
	f.mu.Lock()
	f.SpawnCalls = append(f.SpawnCalls, Call{Name: name, Args: append([]string{}, args...)})
	f.mu.Unlock()
	// Spawn has no meaningful fake: callers that need streaming behavior
	// should test against OSExecutor behind the integration build tag
	// instead.
	return nil, nil
}

func (f *FakeExecutor) RunWithStdin(_ context.Context, stdin string, name string, args ...string) (*Result, error) {
	f.mu.Lock()
	f.RunWithStdinCalls = append(f.RunWithStdinCalls, StdinCall{Stdin: stdin, Name: name, Args: append([]string{}, args...)})
	f.mu.Unlock()
	return f.lookup(name)
}

// CallCount returns how many times Run was invoked with the given command
// name, matching the teacher's GetExecuteCallCount helper pattern.
func (f *FakeExecutor) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.RunCalls {
		if c.Name == name {
			n++
		}
	}
	return n
}
