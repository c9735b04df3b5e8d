package ui

import (
	"fmt"
	"sync"
	"time"
)

// StdoutReporter is the non-interactive fallback freeze --progress uses
// when stdout isn't a terminal, adapted from the teacher's StdoutUI.
type StdoutReporter struct {
	mu        sync.Mutex
	lastPrint time.Time
}

// NewStdout returns a reporter that prints a throttled progress line to
// stdout.
func NewStdout() *StdoutReporter {
	return &StdoutReporter{}
}

func (r *StdoutReporter) Start() error { return nil }

func (r *StdoutReporter) Stop() {
	fmt.Println()
}

func (r *StdoutReporter) UpdateProgress(stage string, entriesDone, entriesTotal int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.Sub(r.lastPrint) < time.Second && entriesDone < entriesTotal {
		return
	}
	r.lastPrint = now

	fmt.Printf("\r%-80s", fmt.Sprintf("%s: %d/%d entries", stage, entriesDone, entriesTotal))
}

func (r *StdoutReporter) LogEvent(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Printf("\r%-80s\n", line)
}
