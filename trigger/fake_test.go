package trigger

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"linecap/csvlog"
	"linecap/modbus"
)

// fakeConn replays scripted trigger readings and data blocks. After the
// script runs out the last entry repeats.
type fakeConn struct {
	mu sync.Mutex

	triggers []uint16
	blocks   [][]uint16

	connectErr error
	trigErrAt  int // trigger read index that fails, -1 for never
	dataErr    error

	trigReads int
	dataReads int
	connects  int
	closes    int
	lastKind  modbus.Kind
}

func newFakeConn(triggers []uint16, blocks ...[]uint16) *fakeConn {
	return &fakeConn{triggers: triggers, blocks: blocks, trigErrAt: -1}
}

func (c *fakeConn) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return &modbus.ConnectionError{Address: "fake:502", Err: c.connectErr}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) nextTrigger() (uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i := c.trigReads
	c.trigReads++
	if i == c.trigErrAt {
		return 0, &modbus.ReadError{Kind: modbus.KindCoil, Err: errors.New("connection reset")}
	}
	if len(c.triggers) == 0 {
		return 0, nil
	}
	if i >= len(c.triggers) {
		i = len(c.triggers) - 1
	}
	return c.triggers[i], nil
}

func (c *fakeConn) ReadBits(kind modbus.Kind, address, count uint16) ([]bool, error) {
	v, err := c.nextTrigger()
	if err != nil {
		return nil, err
	}
	return []bool{v != 0}, nil
}

func (c *fakeConn) ReadWords(kind modbus.Kind, address, count uint16) ([]uint16, error) {
	c.mu.Lock()
	c.lastKind = kind
	c.mu.Unlock()

	// Single-register reads at the trigger address are trigger polls.
	if count == 1 && address == triggerAddr {
		v, err := c.nextTrigger()
		if err != nil {
			return nil, err
		}
		return []uint16{v}, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataErr != nil {
		return nil, &modbus.ReadError{Kind: kind, Address: address, Count: count, Err: c.dataErr}
	}
	i := c.dataReads
	c.dataReads++
	if len(c.blocks) == 0 {
		return make([]uint16, count), nil
	}
	if i >= len(c.blocks) {
		i = len(c.blocks) - 1
	}
	out := make([]uint16, len(c.blocks[i]))
	copy(out, c.blocks[i])
	return out, nil
}

func (c *fakeConn) counts() (trig, data, connects, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.trigReads, c.dataReads, c.connects, c.closes
}

const triggerAddr = 7

type appendCall struct {
	folder, base string
	row          csvlog.Row
}

// fakeSink records appends; queued errors are returned one per call.
type fakeSink struct {
	mu    sync.Mutex
	calls []appendCall
	errs  []error
}

func (s *fakeSink) Append(folder, base string, row csvlog.Row) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := csvlog.Path(folder, base, row.Time)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return path, err
		}
	}
	s.calls = append(s.calls, appendCall{folder: folder, base: base, row: row})
	return path, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// logRecorder collects formatted log lines.
type logRecorder struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRecorder) log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *logRecorder) matching(substr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, line := range l.lines {
		if strings.Contains(line, substr) {
			n++
		}
	}
	return n
}

func (l *logRecorder) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}
