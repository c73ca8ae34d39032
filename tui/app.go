package tui

import (
	"fmt"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"linecap/config"
	"linecap/logging"
	"linecap/trigger"
)

// refreshInterval is how often the watcher table and log pane are redrawn.
const refreshInterval = 250 * time.Millisecond

// App is the operator console.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	header    *tview.TextView
	buttons   *tview.Form
	statusBar *tview.TextView

	watchers *WatcherTable
	logPane  *LogPane

	config     *config.Config
	supervisor *trigger.Supervisor
	logs       *logging.Store
	apiAddress string

	listenerID logging.ListenerID
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewApp creates the console. apiAddress is shown in the header when set.
func NewApp(cfg *config.Config, sup *trigger.Supervisor, logs *logging.Store, apiAddress string) *App {
	a := &App{
		app:        tview.NewApplication(),
		config:     cfg,
		supervisor: sup,
		logs:       logs,
		apiAddress: apiAddress,
		stopChan:   make(chan struct{}),
	}
	a.setupUI()
	return a
}

// NewAppWithScreen creates the console on the provided tcell.Screen.
func NewAppWithScreen(cfg *config.Config, sup *trigger.Supervisor, logs *logging.Store, apiAddress string, screen tcell.Screen) *App {
	a := NewApp(cfg, sup, logs, apiAddress)
	a.app.SetScreen(screen)
	return a
}

func (a *App) setupUI() {
	a.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)

	a.buttons = tview.NewForm().
		SetHorizontal(true).
		AddButton("Run", a.start).
		AddButton("Stop", a.stop).
		AddButton("Quit", a.Shutdown)
	a.buttons.SetButtonsAlign(tview.AlignCenter)

	a.watchers = NewWatcherTable(a.config.UI.ASCIIMode)
	a.logPane = NewLogPane(a.config.UI.LogLines)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(CurrentTheme.Text)

	body := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.header, 1, 0, false).
		AddItem(a.buttons, 3, 0, false).
		AddItem(a.watchers.table, 0, 1, true).
		AddItem(a.logPane.view, 0, 2, false).
		AddItem(a.statusBar, 1, 0, false)

	a.pages = tview.NewPages().AddPage("main", body, true, true)

	a.app.SetInputCapture(a.handleGlobalKeys)
	a.app.SetRoot(a.pages, true)
	a.app.SetFocus(a.watchers.table)

	a.updateHeader()
	a.setStatus("Ready. Press r to run, s to stop, ? for help.")
}

// Run blocks until the console exits.
func (a *App) Run() error {
	a.listenerID = a.logs.Subscribe(a.logPane.Append)
	for _, e := range a.logs.Entries() {
		a.logPane.Append(e)
	}

	if a.config.AutoStart {
		a.start()
	}

	go a.refreshLoop()
	defer a.release()

	return a.app.Run()
}

// Shutdown stops the console. Monitoring is left to the caller.
func (a *App) Shutdown() {
	a.release()
	a.app.Stop()
}

func (a *App) release() {
	a.stopOnce.Do(func() {
		close(a.stopChan)
		a.logs.Unsubscribe(a.listenerID)
	})
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.refresh)
		}
	}
}

// refresh redraws state from the supervisor. Runs on the UI goroutine.
func (a *App) refresh() {
	a.watchers.Update(a.supervisor.GetAllWatcherInfo())
	a.logPane.Refresh()
	a.updateHeader()
}

func (a *App) handleGlobalKeys(event *tcell.EventKey) *tcell.EventKey {
	if event == nil {
		return nil
	}
	if front, _ := a.pages.GetFrontPage(); front != "main" {
		return event
	}

	switch event.Key() {
	case tcell.KeyTab:
		if a.watchers.table.HasFocus() {
			a.app.SetFocus(a.logPane.view)
		} else {
			a.app.SetFocus(a.watchers.table)
		}
		return nil
	case tcell.KeyRune:
	default:
		return event
	}

	switch event.Rune() {
	case 'r', 'R':
		a.start()
		return nil
	case 's', 'S':
		a.stop()
		return nil
	case 'q', 'Q':
		a.Shutdown()
		return nil
	case '?':
		a.showHelp()
		return nil
	}
	return event
}

func (a *App) start() {
	if sess := a.supervisor.StartFromConfig(a.config); sess == nil {
		a.setStatus(CurrentTheme.TagError + "Nothing to monitor: add a PLC and an output to the config." + CurrentTheme.TagReset)
		return
	}
	a.setStatus("Monitoring.")
	a.updateHeader()
}

func (a *App) stop() {
	a.supervisor.Stop()
	a.setStatus("Stopped.")
	a.updateHeader()
}

func (a *App) updateHeader() {
	th := CurrentTheme
	state := th.TagTextDim + "idle" + th.TagReset
	if a.supervisor.IsMonitoring() {
		state = th.TagSuccess + "monitoring" + th.TagReset
	}
	text := fmt.Sprintf("%slinecap%s  %s", th.TagAccent, th.TagReset, state)
	if a.apiAddress != "" {
		text += fmt.Sprintf("  %sAPI %s%s", th.TagTextDim, a.apiAddress, th.TagReset)
	}
	a.header.SetText(text)
}

func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

func (a *App) showHelp() {
	const pageName = "help"

	textView := tview.NewTextView().
		SetText(HelpText).
		SetDynamicColors(true)
	textView.SetBorder(true).SetTitle(" Help ")
	textView.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Key() == tcell.KeyEnter || event.Rune() == '?' {
			a.pages.RemovePage(pageName)
			a.app.SetFocus(a.watchers.table)
			return nil
		}
		return event
	})

	modal := tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(textView, 14, 0, true).
			AddItem(nil, 0, 1, false), 40, 0, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(pageName, modal, true, true)
	a.app.SetFocus(textView)
}
