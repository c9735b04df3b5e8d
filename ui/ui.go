// Package ui implements coldstow's optional freeze-progress display,
// adapted from the teacher's build.BuildUI pair (NcursesUI/StdoutUI):
// a full-screen tview reporter and a plain stdout fallback, both driven
// by a helper goroutine reading the packer subprocess's stdout rather
// than by polling (spec.md §4.9/§5).
package ui

// Reporter is implemented by both the tview and the stdout progress
// views. freeze.Pipeline drives it from a goroutine pumping the packer
// subprocess's stdout; library code never talks to a terminal directly.
type Reporter interface {
	Start() error
	Stop()
	// UpdateProgress reports a coarse state transition (staging, packing,
	// encrypting, verifying) together with how many of the planned
	// entries have been processed so far.
	UpdateProgress(stage string, entriesDone, entriesTotal int)
	// LogEvent appends one line to the scrolling event log (typically one
	// line of packer stdout/stderr, or a staging/verify milestone).
	LogEvent(line string)
}
