package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger is the file-backed LibraryLogger used outside of tests. Unlike the
// teacher's nine-stream build logger (success/failure/ignored/skipped/...,
// one file per build-result bucket), coldstow only has two: a running
// operation transcript (what freeze/check/unfreeze did) and a debug stream
// for verbose diagnostics, since there is no per-port result classification
// to track.
type Logger struct {
	mu        sync.Mutex
	transcript *os.File
	debug      *os.File
	debugOn    bool
}

// NewLogger opens (creating if necessary) the transcript and debug log
// files under dir. Call Close when done.
func NewLogger(dir string, debugEnabled bool) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("log: cannot create %s: %w", dir, err)
	}

	l := &Logger{debugOn: debugEnabled}

	var err error
	l.transcript, err = os.OpenFile(filepath.Join(dir, "operation.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l.debug, err = os.OpenFile(filepath.Join(dir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.transcript.Close()
		return nil, err
	}

	fmt.Fprintf(l.transcript, "--- session started %s ---\n", time.Now().Format(time.RFC3339))
	return l, nil
}

// Close releases the underlying log files. Safe to call once.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	if l.transcript != nil {
		err = l.transcript.Close()
	}
	if l.debug != nil {
		if e := l.debug.Close(); e != nil && err == nil {
			err = e
		}
	}
	return err
}

func (l *Logger) writeLine(f *os.File, level, format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f == nil {
		return
	}
	ts := time.Now().Format("15:04:05")
	fmt.Fprintf(f, "%s [%s] %s\n", ts, level, fmt.Sprintf(format, args...))
}

func (l *Logger) Info(format string, args ...any) { l.writeLine(l.transcript, "INFO", format, args...) }

func (l *Logger) Debug(format string, args ...any) {
	if !l.debugOn {
		return
	}
	l.writeLine(l.debug, "DEBUG", format, args...)
}

func (l *Logger) Warn(format string, args ...any) { l.writeLine(l.transcript, "WARN", format, args...) }

func (l *Logger) Error(format string, args ...any) { l.writeLine(l.transcript, "ERROR", format, args...) }
