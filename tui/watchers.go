package tui

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"linecap/trigger"
)

var watcherHeaders = []string{"", "Line", "Category", "File", "Trigger", "Captures", "Suppressed", "Errors", "Status"}

// WatcherTable lists the watchers of the current session.
type WatcherTable struct {
	table *tview.Table
	ascii bool
}

// NewWatcherTable creates an empty watcher table.
func NewWatcherTable(ascii bool) *WatcherTable {
	t := &WatcherTable{ascii: ascii}
	t.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.table.SetBorder(true).SetTitle(" Watchers ").SetBorderColor(CurrentTheme.Border).SetTitleColor(CurrentTheme.Accent)
	t.Update(nil)
	return t
}

// Update replaces the table rows with infos.
func (t *WatcherTable) Update(infos []trigger.WatcherInfo) {
	t.table.Clear()
	for col, h := range watcherHeaders {
		t.table.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(CurrentTheme.Accent).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}
	for i, info := range infos {
		for col, text := range watcherRow(info, t.ascii) {
			cell := tview.NewTableCell(text).SetTextColor(CurrentTheme.Text)
			if col == len(watcherHeaders)-1 {
				cell.SetExpansion(1)
			}
			t.table.SetCell(i+1, col, cell)
		}
	}
}

// watcherRow renders one watcher as table cells.
func watcherRow(info trigger.WatcherInfo, ascii bool) []string {
	status := info.Status
	if info.Error != "" && info.Status == trigger.StatusFailed.String() {
		status = info.Status + ": " + firstLine(info.Error)
	}
	return []string{
		statusIndicator(info.Status, ascii),
		info.PLC,
		string(info.Category),
		info.File,
		info.State,
		fmt.Sprintf("%d", info.Captures),
		fmt.Sprintf("%d", info.Suppressed),
		fmt.Sprintf("%d", info.WriteErrors),
		tview.Escape(status),
	}
}

func statusIndicator(status string, ascii bool) string {
	switch status {
	case trigger.StatusRunning.String():
		if ascii {
			return asciiIndicatorConnected
		}
		return StatusIndicatorConnected
	case trigger.StatusConnecting.String():
		if ascii {
			return asciiIndicatorConnecting
		}
		return StatusIndicatorConnecting
	case trigger.StatusFailed.String():
		if ascii {
			return asciiIndicatorError
		}
		return StatusIndicatorError
	default:
		if ascii {
			return asciiIndicatorDisconnected
		}
		return StatusIndicatorDisconnected
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
