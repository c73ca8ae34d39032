package logging

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one status line kept by a Store.
type Entry struct {
	Seq     uint64    `json:"seq"`
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// ListenerID identifies a Store subscriber.
type ListenerID string

// listenerBuffer is how many lines a subscriber may fall behind before
// lines are dropped for it.
const listenerBuffer = 256

// listener feeds one subscriber callback from its own goroutine.
type listener struct {
	ch   chan Entry
	done chan struct{}
}

// Store keeps the most recent status lines in a fixed-size ring and fans
// each new line out to subscribers. Log never waits on a consumer: each
// subscriber drains a bounded queue, and lines it cannot keep up with are
// dropped.
type Store struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	count   int
	size    int
	seq     uint64

	listeners   map[ListenerID]*listener
	listenersMu sync.RWMutex
	counter     uint64
	dropped     atomic.Uint64

	fileMu sync.Mutex
	fileID ListenerID
}

// NewStore creates a store holding at most size lines.
func NewStore(size int) *Store {
	if size <= 0 {
		size = 1000
	}
	return &Store{
		entries:   make([]Entry, size),
		size:      size,
		listeners: make(map[ListenerID]*listener),
	}
}

// SetFileLogger mirrors every line to an on-disk log, replacing any
// previous mirror. Nil stops mirroring.
func (s *Store) SetFileLogger(l *FileLogger) {
	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.fileID != "" {
		s.Unsubscribe(s.fileID)
		s.fileID = ""
	}
	if l != nil {
		s.fileID = s.Subscribe(func(e Entry) { l.Log("%s", e.Message) })
	}
}

// Log records a formatted line. Its signature matches the log callbacks
// taken by the trigger and publisher packages.
func (s *Store) Log(format string, args ...interface{}) {
	now := time.Now()
	msg := fmt.Sprintf(format, args...)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := Entry{Seq: s.seq, Time: now, Message: msg}
	idx := (s.head + s.count) % s.size
	if s.count == s.size {
		idx = s.head
		s.head = (s.head + 1) % s.size
	} else {
		s.count++
	}
	s.entries[idx] = e

	// Queued under s.mu so every subscriber sees lines in Seq order.
	s.listenersMu.RLock()
	for _, l := range s.listeners {
		select {
		case l.ch <- e:
		default:
			s.dropped.Add(1)
		}
	}
	s.listenersMu.RUnlock()
}

// Subscribe registers a callback for new lines. cb runs on a goroutine
// owned by the subscription, one line at a time.
func (s *Store) Subscribe(cb func(Entry)) ListenerID {
	l := &listener{
		ch:   make(chan Entry, listenerBuffer),
		done: make(chan struct{}),
	}
	go func() {
		defer close(l.done)
		for e := range l.ch {
			cb(e)
		}
	}()

	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := ListenerID(fmt.Sprintf("log-%d", atomic.AddUint64(&s.counter, 1)))
	s.listeners[id] = l
	return id
}

// Unsubscribe removes a subscriber after its queued lines are delivered.
// It must not be called from that subscriber's callback.
func (s *Store) Unsubscribe(id ListenerID) {
	s.listenersMu.Lock()
	l, ok := s.listeners[id]
	if ok {
		delete(s.listeners, id)
		close(l.ch)
	}
	s.listenersMu.Unlock()

	if ok {
		<-l.done
	}
}

// Close delivers queued lines and removes every subscriber, including the
// file mirror.
func (s *Store) Close() {
	s.SetFileLogger(nil)

	s.listenersMu.RLock()
	ids := make([]ListenerID, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.listenersMu.RUnlock()

	for _, id := range ids {
		s.Unsubscribe(id)
	}
}

// Dropped returns how many lines were discarded for slow subscribers.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Entries returns every retained line, oldest first.
func (s *Store) Entries() []Entry {
	return s.collect(func(Entry) bool { return true })
}

// Since returns retained lines logged strictly after ts.
func (s *Store) Since(ts time.Time) []Entry {
	return s.collect(func(e Entry) bool { return e.Time.After(ts) })
}

// After returns retained lines with a sequence number greater than seq.
func (s *Store) After(seq uint64) []Entry {
	return s.collect(func(e Entry) bool { return e.Seq > seq })
}

// Len returns the number of retained lines.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Store) collect(keep func(Entry) bool) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Entry, 0, s.count)
	for i := 0; i < s.count; i++ {
		e := s.entries[(s.head+i)%s.size]
		if keep(e) {
			result = append(result, e)
		}
	}
	return result
}
