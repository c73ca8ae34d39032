package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const debugTimeLayout = "2006-01-02 15:04:05.000"

// DebugLogger writes a protocol-tagged trace file for chasing Modbus
// connection drops, malformed frames and publisher stalls. It is created
// fresh each session by the -log-debug flag.
type DebugLogger struct {
	mu      sync.Mutex
	file    *os.File
	closed  bool
	filters map[string]bool // empty = every protocol
}

var globalDebug atomic.Pointer[DebugLogger]

// NewDebugLogger truncates path and starts a trace there.
func NewDebugLogger(path string) (*DebugLogger, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log file: %w", err)
	}
	l := &DebugLogger{file: file, filters: make(map[string]bool)}
	l.Log("debug", "Debug logging started - %s", time.Now().Format(time.RFC3339))
	return l, nil
}

// SetFilter limits the trace to a comma-separated list of protocols
// (modbus, trigger, csv, mqtt, kafka, valkey, api, tui). Empty traces all.
// "trigger" also enables "csv" since a capture spans both.
func (l *DebugLogger) SetFilter(filter string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.filters = make(map[string]bool)
	for _, p := range strings.Split(filter, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		l.filters[p] = true
		if p == "trigger" {
			l.filters["csv"] = true
		}
	}
	if len(l.filters) > 0 {
		names := make([]string, 0, len(l.filters))
		for p := range l.filters {
			names = append(names, p)
		}
		l.writeLocked("debug", "Filtering enabled for protocols: "+strings.Join(names, ", "))
	}
}

// enabled reports whether protocol passes the filter. Caller holds l.mu.
func (l *DebugLogger) enabled(protocol string) bool {
	p := strings.ToLower(protocol)
	return len(l.filters) == 0 || l.filters[p] || p == "debug"
}

func (l *DebugLogger) writeLocked(protocol, msg string) {
	fmt.Fprintf(l.file, "%s [%s] %s\n", time.Now().Format(debugTimeLayout), protocol, msg)
}

// Log writes one formatted line tagged with protocol.
func (l *DebugLogger) Log(protocol, format string, args ...interface{}) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.enabled(protocol) {
		return
	}
	l.writeLocked(protocol, fmt.Sprintf(format, args...))
}

// LogFrame writes a raw frame with a hex dump. direction is TX or RX.
func (l *DebugLogger) LogFrame(protocol, direction string, data []byte) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || !l.enabled(protocol) {
		return
	}
	l.writeLocked(protocol, fmt.Sprintf("%s (%d bytes):\n%s", direction, len(data), hexDump(data)))
}

// Close writes a footer and closes the file. Later calls are no-ops.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	l.writeLocked("debug", "Debug logging ended")
	return l.file.Close()
}

// hexDump renders data 16 bytes per line as offset, hex in two groups of
// eight, then printable ASCII:
//
//	0000: 00 01 00 00 00 06 01 03  00 64 00 03              .........d..
func hexDump(data []byte) string {
	if len(data) == 0 {
		return "    (empty)"
	}
	lines := make([]string, 0, (len(data)+15)/16)
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]

		var sb strings.Builder
		fmt.Fprintf(&sb, "    %04X: ", off)
		for i := 0; i < 16; i++ {
			if i == 8 {
				sb.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&sb, "%02X ", row[i])
			} else {
				sb.WriteString("   ")
			}
		}
		sb.WriteByte(' ')
		for _, b := range row {
			if b < 32 || b >= 127 {
				b = '.'
			}
			sb.WriteByte(b)
		}
		lines = append(lines, sb.String())
	}
	return strings.Join(lines, "\n")
}

// SetGlobalDebugLogger installs the process-wide trace. Nil disables it.
func SetGlobalDebugLogger(l *DebugLogger) {
	globalDebug.Store(l)
}

// GetGlobalDebugLogger returns the process-wide trace, or nil.
func GetGlobalDebugLogger() *DebugLogger {
	return globalDebug.Load()
}

// DebugLog writes to the global trace when one is installed.
func DebugLog(protocol, format string, args ...interface{}) {
	GetGlobalDebugLogger().Log(protocol, format, args...)
}

// DebugTX traces an outgoing frame.
func DebugTX(protocol string, data []byte) {
	GetGlobalDebugLogger().LogFrame(protocol, "TX", data)
}

// DebugRX traces an incoming frame.
func DebugRX(protocol string, data []byte) {
	GetGlobalDebugLogger().LogFrame(protocol, "RX", data)
}

// DebugConnect traces a dial attempt.
func DebugConnect(protocol, address string) {
	DebugLog(protocol, "CONNECT to %s", address)
}

// DebugConnectSuccess traces an established connection.
func DebugConnectSuccess(protocol, address, details string) {
	DebugLog(protocol, "CONNECTED to %s - %s", address, details)
}

// DebugConnectError traces a failed dial.
func DebugConnectError(protocol, address string, err error) {
	DebugLog(protocol, "CONNECT FAILED to %s: %v", address, err)
}

// DebugDisconnect traces a closed connection.
func DebugDisconnect(protocol, address, reason string) {
	DebugLog(protocol, "DISCONNECT from %s: %s", address, reason)
}

type debugWriter struct {
	protocol string
}

// DebugWriter returns an io.Writer that forwards each line to the global
// trace under protocol. goburrow's frame log is wired through it.
func DebugWriter(protocol string) io.Writer {
	return debugWriter{protocol: protocol}
}

func (w debugWriter) Write(p []byte) (int, error) {
	if l := GetGlobalDebugLogger(); l != nil {
		for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
			if line != "" {
				l.Log(w.protocol, "%s", line)
			}
		}
	}
	return len(p), nil
}
