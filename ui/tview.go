package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// TviewReporter is the full-screen progress view for `freeze --progress`,
// adapted from the teacher's NcursesUI: a header/progress/events layout,
// with 'q' and Ctrl+C both stopping the view instead of the build.
type TviewReporter struct {
	app          *tview.Application
	headerText   *tview.TextView
	progressText *tview.TextView
	eventsText   *tview.TextView
	layout       *tview.Flex

	mu            sync.Mutex
	eventLines    []string
	maxEventLines int
	stopped       bool
	onInterrupt   func()
}

// NewTview returns a new full-screen reporter. Call SetInterruptHandler
// before Start if the caller wants 'q'/Ctrl+C to abort the freeze.
func NewTview() *TviewReporter {
	return &TviewReporter{maxEventLines: 200}
}

// SetInterruptHandler registers a callback invoked when the user requests
// early termination from within the view.
func (r *TviewReporter) SetInterruptHandler(handler func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onInterrupt = handler
}

func (r *TviewReporter) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.app = tview.NewApplication()

	r.headerText = tview.NewTextView().SetDynamicColors(true)
	r.headerText.SetBorder(true).SetTitle(" coldstow freeze ")
	r.headerText.SetText("[yellow]Staging...[white]")

	r.progressText = tview.NewTextView().SetDynamicColors(true)
	r.progressText.SetBorder(true).SetTitle(" Progress ")
	r.progressText.SetText("Waiting for the packer to start...")

	r.eventsText = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { r.app.Draw() })
	r.eventsText.SetBorder(true).SetTitle(" Events ")

	r.layout = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(r.headerText, 3, 0, false).
		AddItem(r.progressText, 4, 0, false).
		AddItem(r.eventsText, 0, 1, false)

	r.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		quit := event.Key() == tcell.KeyCtrlC ||
			(event.Key() == tcell.KeyRune && (event.Rune() == 'q' || event.Rune() == 'Q'))
		if !quit {
			return event
		}
		r.app.Stop()
		r.mu.Lock()
		handler := r.onInterrupt
		r.mu.Unlock()
		if handler != nil {
			go handler()
		}
		return nil
	})

	go func() {
		r.app.SetRoot(r.layout, true).EnableMouse(true).Run()
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

func (r *TviewReporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true
	if r.app != nil {
		r.app.Stop()
	}
}

func (r *TviewReporter) UpdateProgress(stage string, entriesDone, entriesTotal int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app == nil || r.stopped {
		return
	}

	header := fmt.Sprintf("[yellow]%s[white] — %d/%d entries", stage, entriesDone, entriesTotal)
	r.app.QueueUpdateDraw(func() {
		r.headerText.SetText(header)
		r.progressText.SetText(fmt.Sprintf("[green]Stage:[white] %s\n[green]Entries:[white] %d/%d", stage, entriesDone, entriesTotal))
	})
}

func (r *TviewReporter) LogEvent(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app == nil || r.stopped {
		return
	}

	timestamp := time.Now().Format("15:04:05")
	r.eventLines = append(r.eventLines, fmt.Sprintf("[%s] %s", timestamp, line))
	if len(r.eventLines) > r.maxEventLines {
		r.eventLines = r.eventLines[1:]
	}

	text := ""
	for _, l := range r.eventLines {
		text += l + "\n"
	}
	r.app.QueueUpdateDraw(func() {
		r.eventsText.SetText(text)
		r.eventsText.ScrollToEnd()
	})
}
