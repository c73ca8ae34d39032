package trigger

import (
	"bytes"
	"encoding/csv"
	"net"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"linecap/config"
	"linecap/csvlog"
	"linecap/modbus/sim"
)

type capturePublisher struct {
	mu       sync.Mutex
	captures []*Capture
}

func (p *capturePublisher) PublishCapture(c *Capture) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.captures = append(p.captures, c)
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.captures)
}

// dialRecorder hands each watcher a fresh fakeConn built by mk.
type dialRecorder struct {
	mu    sync.Mutex
	mk    func(plc config.PLCConfig) *fakeConn
	conns []*fakeConn
}

func (d *dialRecorder) dial(plc config.PLCConfig) Conn {
	c := d.mk(plc)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func outputsFor(cats ...config.Category) []config.OutputConfig {
	var outs []config.OutputConfig
	for i, c := range cats {
		o := testOutput("Coil")
		o.Category = c
		o.Index = i
		outs = append(outs, o)
	}
	return outs
}

func TestSupervisor_EmptyInputs(t *testing.T) {
	sup := NewSupervisor(&fakeSink{}, func(config.PLCConfig) Conn { return newFakeConn(nil) })
	rec := &logRecorder{}
	sup.SetLogFunc(rec.log)

	if sess := sup.Start(nil, outputsFor(config.CategoryTraceability)); sess != nil {
		t.Error("Start with no PLCs returned a session")
	}
	if sess := sup.Start([]config.PLCConfig{testPLC}, nil); sess != nil {
		t.Error("Start with no outputs returned a session")
	}
	if sup.IsMonitoring() {
		t.Error("IsMonitoring() after empty starts")
	}
	if rec.matching("Nothing to monitor") != 2 {
		t.Errorf("log lines: %v", rec.all())
	}
	sup.Stop()
}

func TestSupervisor_FanOut(t *testing.T) {
	d := &dialRecorder{mk: func(config.PLCConfig) *fakeConn { return newFakeConn([]uint16{0}) }}
	sup := NewSupervisor(&fakeSink{}, d.dial)
	sup.SetPollRate(time.Millisecond)
	rec := &logRecorder{}
	sup.SetLogFunc(rec.log)

	plcs := []config.PLCConfig{
		{Name: "L1", Address: "10.0.0.1", Port: 502},
		{Name: "L2", Address: "10.0.0.2", Port: 502},
	}
	outs := outputsFor(config.CategoryTraceability, config.CategoryErrorCodes, config.CategoryDownTime)

	sess := sup.Start(plcs, outs)
	if sess == nil {
		t.Fatal("Start returned nil")
	}
	if got := len(sess.Watchers()); got != 6 {
		t.Fatalf("watchers = %d, want 6", got)
	}

	keys := make(map[string]bool)
	for _, w := range sess.Watchers() {
		keys[w.Key()] = true
	}
	if len(keys) != 6 {
		t.Errorf("watcher keys not unique: %v", keys)
	}

	// every watcher owns its own connection
	d.mu.Lock()
	if len(d.conns) != 6 {
		t.Errorf("dialed %d connections, want 6", len(d.conns))
	}
	d.mu.Unlock()

	if !sup.IsMonitoring() {
		t.Error("IsMonitoring() = false after Start")
	}
	if again := sup.Start(plcs, outs); again != sess {
		t.Error("second Start replaced a running session")
	}

	waitFor(t, "watchers running", func() bool {
		for _, info := range sup.GetAllWatcherInfo() {
			if info.Status != StatusRunning.String() {
				return false
			}
		}
		return true
	})

	sup.Stop()
	if !sess.Wait(2 * time.Second) {
		t.Fatal("watchers did not stop")
	}
	if sup.IsMonitoring() {
		t.Error("IsMonitoring() after Stop")
	}
	for _, c := range d.conns {
		if _, _, _, closes := c.counts(); closes != 1 {
			t.Errorf("connection closed %d times", closes)
		}
	}
	if rec.matching("Monitoring started...") != 1 || rec.matching("Monitoring stopped.") != 1 {
		t.Errorf("log lines: %v", rec.all())
	}

	next := sup.Start(plcs, outs)
	if next == nil || next == sess || next.ID == sess.ID {
		t.Error("Start after Stop did not open a new session")
	}
	sup.Stop()
	next.Wait(2 * time.Second)
}

func TestSupervisor_FailureIsolated(t *testing.T) {
	d := &dialRecorder{mk: func(plc config.PLCConfig) *fakeConn {
		c := newFakeConn([]uint16{0})
		if plc.Name == "bad" {
			c.trigErrAt = 0
		}
		return c
	}}
	sup := NewSupervisor(&fakeSink{}, d.dial)
	sup.SetPollRate(time.Millisecond)
	rec := &logRecorder{}
	sup.SetLogFunc(rec.log)

	sess := sup.Start([]config.PLCConfig{{Name: "bad"}, {Name: "good"}}, outputsFor(config.CategoryDownTime))
	waitFor(t, "bad watcher to fail", func() bool {
		for _, w := range sess.Watchers() {
			if w.PLC().Name == "bad" {
				return w.Status() == StatusFailed
			}
		}
		return false
	})

	for _, w := range sess.Watchers() {
		if w.PLC().Name == "good" && w.Status() != StatusRunning {
			t.Errorf("sibling watcher status = %s", w.Status())
		}
	}
	if !sup.IsMonitoring() {
		t.Error("one failed watcher ended the session")
	}
	if rec.matching("PLC 'bad' in category 'DownTime'") != 1 {
		t.Errorf("log lines: %v", rec.all())
	}
	sup.Stop()
	sess.Wait(2 * time.Second)
}

func TestSupervisor_SessionEndsWhenAllFail(t *testing.T) {
	d := &dialRecorder{mk: func(config.PLCConfig) *fakeConn {
		c := newFakeConn(nil)
		c.connectErr = os.ErrDeadlineExceeded
		return c
	}}
	sup := NewSupervisor(&fakeSink{}, d.dial)
	sess := sup.Start([]config.PLCConfig{testPLC}, outputsFor(config.CategoryTraceability))

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
	}
	if sup.IsMonitoring() {
		t.Error("IsMonitoring() with every watcher failed")
	}
	if next := sup.Start([]config.PLCConfig{testPLC}, outputsFor(config.CategoryTraceability)); next == sess {
		t.Error("restart reused a finished session")
	}
}

func TestSupervisor_SharedDestination(t *testing.T) {
	dir := t.TempDir()
	writer := csvlog.NewWriter()

	var n uint16
	var nMu sync.Mutex
	d := &dialRecorder{mk: func(config.PLCConfig) *fakeConn {
		nMu.Lock()
		n++
		v := n
		nMu.Unlock()
		return newFakeConn([]uint16{1}, []uint16{v, v, v})
	}}
	sup := NewSupervisor(writer, d.dial)
	sup.SetPollRate(time.Millisecond)
	pub := &capturePublisher{}
	sup.AddPublisher(pub)

	out := testOutput("Coil")
	out.Folder = dir
	plcs := []config.PLCConfig{
		{Name: "L1", Equipment: "Press 1", Address: "10.0.0.1", Port: 502},
		{Name: "L2", Equipment: "Press 2", Address: "10.0.0.2", Port: 502},
		{Name: "L3", Equipment: "Press 3", Address: "10.0.0.3", Port: 502},
	}

	sess := sup.Start(plcs, []config.OutputConfig{out})
	waitFor(t, "three rows", func() bool { return writer.Rows() == 3 })
	sup.Stop()
	sess.Wait(2 * time.Second)

	path := csvlog.Path(dir, "trace", time.Now())
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 4 {
		t.Fatalf("records = %d, want header + 3", len(recs))
	}
	headers := 0
	for _, r := range recs {
		if r[0] == "Line Name" {
			headers++
		}
	}
	if headers != 1 {
		t.Errorf("headers = %d", headers)
	}
	if pub.count() != 3 {
		t.Errorf("published %d captures, want 3", pub.count())
	}
}

// TestSupervisor_ModbusEndToEnd drives a real Modbus TCP exchange against
// the in-process simulator.
func TestSupervisor_ModbusEndToEnd(t *testing.T) {
	srv := sim.NewServer()
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	host, portStr, _ := net.SplitHostPort(srv.Addr().String())
	port, _ := strconv.Atoi(portStr)

	dir := t.TempDir()
	writer := csvlog.NewWriter()
	sup := NewSupervisor(writer, nil)
	sup.SetPollRate(5 * time.Millisecond)

	plc := config.PLCConfig{Name: "L1", Equipment: "Press 4", Address: host, Port: port, Timeout: 2 * time.Second}
	out := testOutput("Coil")
	out.Folder = dir

	srv.SetHoldingRegisters(100, 10, 20, 30)
	sess := sup.Start([]config.PLCConfig{plc}, []config.OutputConfig{out})
	defer func() {
		sup.Stop()
		sess.Wait(2 * time.Second)
	}()

	pulse := func() {
		srv.SetCoil(triggerAddr, true)
		time.Sleep(40 * time.Millisecond)
		srv.SetCoil(triggerAddr, false)
		time.Sleep(40 * time.Millisecond)
	}

	pulse()
	waitFor(t, "first row", func() bool { return writer.Rows() == 1 })

	// same data again is suppressed
	pulse()
	waitFor(t, "suppressed capture", func() bool { return sess.Watchers()[0].Info().Suppressed == 1 })
	if writer.Rows() != 1 {
		t.Fatalf("rows = %d after duplicate", writer.Rows())
	}

	srv.SetHoldingRegisters(100, 10, 20, 31)
	pulse()
	waitFor(t, "second row", func() bool { return writer.Rows() == 2 })

	raw, err := os.ReadFile(csvlog.Path(dir, "trace", time.Now()))
	if err != nil {
		t.Fatal(err)
	}
	recs, _ := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if len(recs) != 3 {
		t.Fatalf("records = %v", recs)
	}
	if recs[1][0] != "L1" || recs[1][1] != "Press 4" || recs[1][2] != host || recs[1][6] != "30" || recs[2][6] != "31" {
		t.Errorf("rows = %v", recs[1:])
	}
}

func TestSupervisor_IncompleteOutputSkipsOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.PollRate = time.Millisecond
	cfg.AddPLC(testPLC)
	good := testOutput("Coil")
	good.Folder = dir
	cfg.AddOutput(config.CategoryTraceability, good)
	bad := testOutput("Coil")
	bad.FileName = "down"
	bad.Folder = ""
	cfg.AddOutput(config.CategoryDownTime, bad)

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	d := &dialRecorder{mk: func(config.PLCConfig) *fakeConn {
		return newFakeConn([]uint16{1}, []uint16{1, 2, 3})
	}}
	sup := NewSupervisor(csvlog.NewWriter(), d.dial)
	rec := &logRecorder{}
	sup.SetLogFunc(rec.log)

	sess := sup.StartFromConfig(cfg)
	if sess == nil {
		t.Fatal("StartFromConfig returned nil")
	}
	waitFor(t, "both watchers to handle the edge", func() bool {
		return rec.matching("Written data") == 1 && rec.matching("capture skipped") == 1
	})

	for _, w := range sess.Watchers() {
		if w.Status() != StatusRunning {
			t.Errorf("%s status = %s", w.Output().Category, w.Status())
		}
	}
	if _, err := os.Stat(csvlog.Path(dir, "trace", time.Now())); err != nil {
		t.Errorf("complete output not written: %v", err)
	}
	sup.Stop()
	sess.Wait(2 * time.Second)
}
