package trigger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"linecap/config"
)

// Publisher receives captures after they are written. PublishCapture must
// not block the calling watcher.
type Publisher interface {
	PublishCapture(c *Capture)
}

// Session is one monitoring run. It owns the cancellation of every watcher
// it started and keeps their handles until the session is discarded.
type Session struct {
	ID      uint64
	Started time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	watchers []*Watcher
}

// Watchers returns the session's watchers in start order.
func (s *Session) Watchers() []*Watcher {
	out := make([]*Watcher, len(s.watchers))
	copy(out, s.watchers)
	return out
}

// Done is closed once every watcher in the session has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Stop cancels the session. Watchers exit at their next poll tick.
func (s *Session) Stop() {
	s.cancel()
}

// Wait blocks until every watcher has returned or the timeout elapses.
// It reports whether all watchers finished.
func (s *Session) Wait(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Active reports whether any watcher is still running.
func (s *Session) Active() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stopping reports whether Stop was called.
func (s *Session) Stopping() bool {
	return s.ctx.Err() != nil
}

func (s *Session) running() bool {
	return s.Active() && !s.Stopping()
}

// Supervisor fans out one watcher per (PLC, output) pair and tracks the
// current session.
type Supervisor struct {
	sink     Sink
	dial     Dialer
	interval time.Duration

	mu         sync.RWMutex
	session    *Session
	publishers []Publisher
	sessionSeq uint64

	logFn func(format string, args ...interface{})
}

// NewSupervisor creates a supervisor writing through sink. A nil dial uses
// ModbusDialer.
func NewSupervisor(sink Sink, dial Dialer) *Supervisor {
	if dial == nil {
		dial = ModbusDialer
	}
	return &Supervisor{
		sink:     sink,
		dial:     dial,
		interval: config.DefaultPollRate,
	}
}

// SetLogFunc sets the logging callback used by the supervisor and every
// watcher it starts.
func (s *Supervisor) SetLogFunc(fn func(format string, args ...interface{})) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logFn = fn
}

// SetPollRate sets the trigger poll interval for sessions started later.
func (s *Supervisor) SetPollRate(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.interval = d
	}
}

// AddPublisher registers a capture publisher.
func (s *Supervisor) AddPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers = append(s.publishers, p)
}

func (s *Supervisor) log(format string, args ...interface{}) {
	s.mu.RLock()
	fn := s.logFn
	s.mu.RUnlock()
	if fn != nil {
		fn(format, args...)
	}
}

func (s *Supervisor) publish(c *Capture) {
	s.mu.RLock()
	pubs := make([]Publisher, len(s.publishers))
	copy(pubs, s.publishers)
	s.mu.RUnlock()

	for _, p := range pubs {
		p.PublishCapture(c)
	}
}

// Start launches one watcher per PLC and output. With nothing to watch it
// logs and returns nil. While the current session has running watchers and
// has not been stopped it is returned unchanged.
func (s *Supervisor) Start(plcs []config.PLCConfig, outputs []config.OutputConfig) *Session {
	s.mu.Lock()
	if s.session != nil && s.session.running() {
		sess := s.session
		s.mu.Unlock()
		s.log("Monitoring is already running.")
		return sess
	}
	if len(plcs) == 0 || len(outputs) == 0 {
		s.mu.Unlock()
		s.log("Nothing to monitor: %d PLCs, %d outputs.", len(plcs), len(outputs))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:      atomic.AddUint64(&s.sessionSeq, 1),
		Started: time.Now(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	logFn := s.logFn
	interval := s.interval

	for _, plc := range plcs {
		for _, out := range outputs {
			w := NewWatcher(plc, out, s.dial(plc), s.sink, interval)
			w.SetLogFunc(logFn)
			w.SetPublishFunc(s.publish)
			sess.watchers = append(sess.watchers, w)
		}
	}
	s.session = sess
	s.mu.Unlock()

	s.log("Monitoring started...")

	for _, w := range sess.watchers {
		sess.wg.Add(1)
		go func(w *Watcher) {
			defer sess.wg.Done()
			w.Run(ctx)
		}(w)
	}
	go func() {
		sess.wg.Wait()
		cancel()
		close(sess.done)
	}()

	return sess
}

// StartFromConfig applies the configured poll rate and starts a session for
// every PLC and output in cfg.
func (s *Supervisor) StartFromConfig(cfg *config.Config) *Session {
	cfg.Lock()
	rate := cfg.PollRate
	cfg.Unlock()
	s.SetPollRate(rate)

	plcs, outputs := cfg.Snapshot()
	return s.Start(plcs, outputs)
}

// Stop cancels the current session. It does not wait for watchers blocked
// in a read; use Session.Wait for that.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()

	if sess == nil || sess.Stopping() {
		return
	}
	sess.Stop()
	s.log("Monitoring stopped.")
}

// IsMonitoring reports whether a session has watchers still running.
func (s *Supervisor) IsMonitoring() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session != nil && s.session.running()
}

// Session returns the most recent session, or nil.
func (s *Supervisor) Session() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// GetAllWatcherInfo returns info for every watcher of the latest session.
func (s *Supervisor) GetAllWatcherInfo() []WatcherInfo {
	sess := s.Session()
	if sess == nil {
		return nil
	}
	infos := make([]WatcherInfo, 0, len(sess.watchers))
	for _, w := range sess.watchers {
		infos = append(infos, w.Info())
	}
	return infos
}
