// Package tui provides the operator console.
package tui

import "github.com/gdamore/tcell/v2"

// Theme holds the console colors and matching tview color tags.
type Theme struct {
	Text    tcell.Color
	TextDim tcell.Color
	Accent  tcell.Color
	Border  tcell.Color
	Error   tcell.Color
	Success tcell.Color

	TagTextDim string
	TagAccent  string
	TagError   string
	TagSuccess string
	TagReset   string
}

// CurrentTheme is the active color scheme.
var CurrentTheme = Theme{
	Text:    tcell.ColorWhite,
	TextDim: tcell.ColorGray,
	Accent:  tcell.ColorYellow,
	Border:  tcell.ColorBlue,
	Error:   tcell.ColorRed,
	Success: tcell.ColorGreen,

	TagTextDim: "[gray]",
	TagAccent:  "[yellow]",
	TagError:   "[red]",
	TagSuccess: "[green]",
	TagReset:   "[-]",
}

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// ASCII fallbacks for terminals without Unicode glyphs.
const (
	asciiIndicatorConnected    = "[green]*[-]"
	asciiIndicatorDisconnected = "[gray]o[-]"
	asciiIndicatorConnecting   = "[yellow]~[-]"
	asciiIndicatorError        = "[red]![-]"
)

// Help text
const HelpText = `
 Keyboard Shortcuts
 ──────────────────────────────

   r            Run monitoring
   s            Stop monitoring
   Tab          Switch table / log
   G / g        Log end / beginning
   c            Clear log view
   ?            Show this help
   q            Quit
`
