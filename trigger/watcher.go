// Package trigger runs the capture engine: one watcher per (PLC, output)
// polls a trigger register, detects OFF->ON edges, and writes the output's
// register block when it changed since that watcher's last write.
package trigger

import (
	"context"
	"errors"
	"sync"
	"time"

	"linecap/config"
	"linecap/csvlog"
	"linecap/modbus"
)

// Status is the lifecycle position of a watcher.
type Status int

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusRunning
	StatusStopped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusConnecting:
		return "Connecting"
	case StatusRunning:
		return "Running"
	case StatusStopped:
		return "Stopped"
	case StatusFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Reader is the subset of the Modbus client a watcher polls through.
type Reader interface {
	ReadBits(kind modbus.Kind, address, count uint16) ([]bool, error)
	ReadWords(kind modbus.Kind, address, count uint16) ([]uint16, error)
}

// Conn is a Reader that owns its connection.
type Conn interface {
	Reader
	Connect() error
	Close() error
}

// Dialer creates the connection a new watcher will own.
type Dialer func(plc config.PLCConfig) Conn

// ModbusDialer returns an unconnected Modbus TCP client for plc.
func ModbusDialer(plc config.PLCConfig) Conn {
	return modbus.NewClient(plc.ClientOptions())
}

// Sink stores accepted captures. *csvlog.Writer is the production Sink.
type Sink interface {
	Append(folder, base string, row csvlog.Row) (string, error)
}

// Watcher polls one trigger for one (PLC, output) pair. All of its state is
// private; nothing is shared with sibling watchers.
type Watcher struct {
	plc      config.PLCConfig
	out      config.OutputConfig
	conn     Conn
	sink     Sink
	interval time.Duration
	publish  func(*Capture)
	now      func() time.Time

	trigKind modbus.Kind
	dataKind modbus.Kind
	gate     Gate

	mu          sync.RWMutex
	state       State
	status      Status
	lastErr     error
	captures    int64
	suppressed  int64
	writeErrors int64
	lastCapture time.Time
	lastPath    string

	logFn func(format string, args ...interface{})
}

// NewWatcher creates a watcher that will own conn for its whole life.
func NewWatcher(plc config.PLCConfig, out config.OutputConfig, conn Conn, sink Sink, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = config.DefaultPollRate
	}
	return &Watcher{
		plc:      plc,
		out:      out,
		conn:     conn,
		sink:     sink,
		interval: interval,
		now:      time.Now,
		state:    StateWaitingLow,
		status:   StatusIdle,
	}
}

// SetLogFunc sets the logging callback.
func (w *Watcher) SetLogFunc(fn func(format string, args ...interface{})) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logFn = fn
}

// SetPublishFunc sets the callback run after each successful write.
func (w *Watcher) SetPublishFunc(fn func(*Capture)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.publish = fn
}

func (w *Watcher) log(format string, args ...interface{}) {
	w.mu.RLock()
	fn := w.logFn
	w.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

// Key identifies the watcher by PLC and output.
func (w *Watcher) Key() string {
	return w.plc.Name + "|" + w.out.ID()
}

// PLC returns the watched PLC descriptor.
func (w *Watcher) PLC() config.PLCConfig { return w.plc }

// Output returns the watched output descriptor.
func (w *Watcher) Output() config.OutputConfig { return w.out }

// Run polls until ctx is cancelled or a fatal error occurs. The connection
// is closed on return.
func (w *Watcher) Run(ctx context.Context) {
	defer w.conn.Close()

	cat := w.out.Category

	trigKind, err := modbus.ParseKind(w.out.TriggerType)
	if err != nil {
		w.log("Unsupported trigger register type '%s' for PLC '%s' in category '%s'.", w.out.TriggerType, w.plc.Name, cat)
		w.fail(err)
		return
	}
	w.trigKind = trigKind
	w.dataKind = DataKind(w.out.RegisterType)

	w.setStatus(StatusConnecting)
	if err := w.conn.Connect(); err != nil {
		w.log("Failed to connect to PLC '%s' for category '%s': %v", w.plc.Name, cat, err)
		w.fail(err)
		return
	}
	w.setStatus(StatusRunning)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.setStatus(StatusStopped)
			return
		case <-ticker.C:
			// A cancel that lands while a read is blocked is seen here.
			if ctx.Err() != nil {
				w.setStatus(StatusStopped)
				return
			}
			if err := w.poll(); err != nil {
				w.fail(err)
				return
			}
		}
	}
}

// DataKind picks the word space for the data block. Blocks are always read
// as words; anything other than an input-register type reads holding
// registers.
func DataKind(registerType string) modbus.Kind {
	if k, err := modbus.ParseKind(registerType); err == nil && k == modbus.KindInput {
		return modbus.KindInput
	}
	return modbus.KindHolding
}

// poll runs one tick. A returned error is fatal to the watcher.
func (w *Watcher) poll() error {
	on, err := w.readTrigger()
	if err != nil {
		w.log("Error reading trigger register %d for PLC '%s' in category '%s': %v", w.out.TriggerRegister, w.plc.Name, w.out.Category, err)
		return err
	}

	w.mu.Lock()
	next, fire := w.state.Next(on)
	w.state = next
	w.mu.Unlock()

	if !fire {
		return nil
	}
	return w.capture()
}

func (w *Watcher) readTrigger() (bool, error) {
	addr := w.out.TriggerRegister
	if w.trigKind.IsBit() {
		bits, err := w.conn.ReadBits(w.trigKind, addr, 1)
		if err != nil {
			return false, err
		}
		if len(bits) == 0 {
			return false, &modbus.ReadError{Kind: w.trigKind, Address: addr, Count: 1, Err: errEmptyResponse}
		}
		return bits[0], nil
	}

	words, err := w.conn.ReadWords(w.trigKind, addr, 1)
	if err != nil {
		return false, err
	}
	if len(words) == 0 {
		return false, &modbus.ReadError{Kind: w.trigKind, Address: addr, Count: 1, Err: errEmptyResponse}
	}
	return WordIsOn(words[0]), nil
}

var errEmptyResponse = errors.New("empty response")

// capture reads the data block and writes it when it changed. Only a read
// failure is returned; write failures are logged and polling continues.
func (w *Watcher) capture() error {
	start, count := w.out.StartRegister, w.out.Range
	block, err := w.conn.ReadWords(w.dataKind, start, count)
	if err == nil && len(block) == 0 {
		err = &modbus.ReadError{Kind: w.dataKind, Address: start, Count: count, Err: errEmptyResponse}
	}
	if err != nil {
		w.log("Error reading data registers %d-%d for PLC '%s' in category '%s': %v", start, int(start)+int(count)-1, w.plc.Name, w.out.Category, err)
		return err
	}

	if !w.gate.Changed(block) {
		w.mu.Lock()
		w.suppressed++
		w.mu.Unlock()
		return nil
	}

	ts := w.now()
	row := csvlog.Row{
		Line:      w.plc.Name,
		Equipment: w.plc.Equipment,
		Address:   w.plc.Address,
		Time:      ts,
		Registers: block,
	}
	path, err := w.sink.Append(w.out.Folder, w.out.FileName, row)
	if err != nil {
		w.mu.Lock()
		w.writeErrors++
		w.lastErr = err
		w.mu.Unlock()
		if errors.Is(err, csvlog.ErrNoDestination) {
			w.log("No folder or file name set for PLC '%s' in category '%s'; capture skipped.", w.plc.Name, w.out.Category)
		} else {
			w.log("Error writing to %s for PLC '%s' in category '%s': %v", path, w.plc.Name, w.out.Category, err)
		}
		return nil
	}

	w.gate.Commit(block)

	w.mu.Lock()
	w.captures++
	w.lastCapture = ts
	w.lastPath = path
	w.lastErr = nil
	publish := w.publish
	w.mu.Unlock()

	w.log("Written data for PLC '%s' to %s.", w.plc.Name, path)

	if publish != nil {
		publish(NewCapture(&w.plc, &w.out, ts, path, block))
	}
	return nil
}

func (w *Watcher) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *Watcher) fail(err error) {
	w.mu.Lock()
	w.status = StatusFailed
	w.lastErr = err
	w.mu.Unlock()
}

// WatcherInfo is a point-in-time view of a watcher for the console and API.
type WatcherInfo struct {
	Key         string          `json:"key"`
	PLC         string          `json:"plc"`
	Address     string          `json:"address"`
	Category    config.Category `json:"category"`
	File        string          `json:"file"`
	State       string          `json:"state"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	Captures    int64           `json:"captures"`
	Suppressed  int64           `json:"suppressed"`
	WriteErrors int64           `json:"write_errors"`
	LastCapture time.Time       `json:"last_capture,omitempty"`
	LastPath    string          `json:"last_path,omitempty"`
}

// Info returns a snapshot of the watcher's counters and status.
func (w *Watcher) Info() WatcherInfo {
	w.mu.RLock()
	defer w.mu.RUnlock()

	info := WatcherInfo{
		Key:         w.plc.Name + "|" + w.out.ID(),
		PLC:         w.plc.Name,
		Address:     w.plc.Address,
		Category:    w.out.Category,
		File:        w.out.FileName,
		State:       w.state.String(),
		Status:      w.status.String(),
		Captures:    w.captures,
		Suppressed:  w.suppressed,
		WriteErrors: w.writeErrors,
		LastCapture: w.lastCapture,
		LastPath:    w.lastPath,
	}
	if w.lastErr != nil {
		info.Error = w.lastErr.Error()
	}
	return info
}

// Status returns the watcher's lifecycle status.
func (w *Watcher) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}
