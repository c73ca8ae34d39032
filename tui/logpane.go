package tui

import (
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"linecap/logging"
)

// LogPane follows the log store. Entries arrive on store goroutines and are
// buffered; Refresh moves them into the view from the UI goroutine.
type LogPane struct {
	view *tview.TextView

	mu       sync.Mutex
	lines    []string
	maxLines int
	dirty    bool
}

// NewLogPane creates a log pane keeping at most maxLines lines.
func NewLogPane(maxLines int) *LogPane {
	if maxLines <= 0 {
		maxLines = 1000
	}
	p := &LogPane{maxLines: maxLines}

	p.view = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(CurrentTheme.Text)
	p.view.SetBorder(true).SetTitle(" Log ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)

	p.view.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Rune() {
		case 'c', 'C':
			p.Clear()
			return nil
		case 'G':
			p.view.ScrollToEnd()
			return nil
		case 'g':
			p.view.ScrollToBeginning()
			return nil
		}
		return event
	})
	return p
}

// Append buffers one entry. Safe to call from any goroutine; it never
// touches the view.
func (p *LogPane) Append(e logging.Entry) {
	line := formatEntry(e)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	if len(p.lines) > p.maxLines {
		p.lines = p.lines[len(p.lines)-p.maxLines:]
	}
	p.dirty = true
}

// Clear empties the pane.
func (p *LogPane) Clear() {
	p.mu.Lock()
	p.lines = nil
	p.dirty = true
	p.mu.Unlock()
}

// Refresh redraws the view if entries arrived. Call from the UI goroutine.
func (p *LogPane) Refresh() bool {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return false
	}
	text := strings.Join(p.lines, "\n")
	p.dirty = false
	p.mu.Unlock()

	p.view.SetText(text)
	p.view.ScrollToEnd()
	return true
}

// Lines returns a copy of the buffered lines.
func (p *LogPane) Lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.lines))
	copy(out, p.lines)
	return out
}

// formatEntry renders an entry with a dimmed timestamp. Bracketed text in
// the message is escaped so tview does not read it as a color tag.
func formatEntry(e logging.Entry) string {
	th := CurrentTheme
	msg := tview.Escape(e.Message)
	switch {
	case strings.HasPrefix(e.Message, "Error") || strings.HasPrefix(e.Message, "Failed") || strings.HasPrefix(e.Message, "Unsupported"):
		msg = th.TagError + msg + th.TagReset
	case strings.HasPrefix(e.Message, "Written data"):
		msg = th.TagSuccess + msg + th.TagReset
	}
	return th.TagTextDim + e.Time.Format("15:04:05.000") + th.TagReset + " " + msg
}
