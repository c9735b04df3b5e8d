package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// withInterruptHandling returns a context canceled on SIGINT/SIGTERM and
// the atomic flag threaded into the library packages' Options.Interrupted
// (spec.md §5's single process-wide interruption flag). Cancellation
// propagates to the in-flight subprocess automatically: every
// execx.OSExecutor call is started with exec.CommandContext against this
// context, so canceling it kills the child the instant the signal
// arrives rather than coldstow needing to track process groups by hand.
func withInterruptHandling() (context.Context, *atomic.Bool, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	flag := &atomic.Bool{}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		flag.Store(true)
		cancel()
	}()

	return ctx, flag, cancel
}
