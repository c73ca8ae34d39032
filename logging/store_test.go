package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStore_Ring(t *testing.T) {
	s := NewStore(3)
	for i := 1; i <= 5; i++ {
		s.Log("line %d", i)
	}

	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"line 3", "line 4", "line 5"} {
		if entries[i].Message != want {
			t.Errorf("entry %d = %q, want %q", i, entries[i].Message, want)
		}
	}
	if entries[2].Seq != 5 {
		t.Errorf("last seq = %d, want 5", entries[2].Seq)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}
}

func TestStore_AfterAndSince(t *testing.T) {
	s := NewStore(10)
	s.Log("a")
	s.Log("b")
	mark := time.Now()
	time.Sleep(5 * time.Millisecond)
	s.Log("c")

	after := s.After(1)
	if len(after) != 2 || after[0].Message != "b" {
		t.Errorf("After(1) = %+v", after)
	}

	since := s.Since(mark)
	if len(since) != 1 || since[0].Message != "c" {
		t.Errorf("Since(mark) = %+v", since)
	}
}

func TestStore_Subscribe(t *testing.T) {
	s := NewStore(10)

	var mu sync.Mutex
	var got []string
	id := s.Subscribe(func(e Entry) {
		mu.Lock()
		got = append(got, e.Message)
		mu.Unlock()
	})

	s.Log("first")
	s.Unsubscribe(id)
	s.Log("second")

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "first" {
		t.Errorf("subscriber saw %v, want [first]", got)
	}
}

func TestStore_FileMirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ops.log")
	fl, err := NewFileLogger(path)
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(10)
	s.SetFileLogger(fl)
	s.Log("Failed to connect to PLC '%s' for category '%s'.", "L2", "DownTime")
	s.Close()
	fl.Close()

	content, _ := os.ReadFile(path)
	if !strings.Contains(string(content), "Failed to connect to PLC 'L2' for category 'DownTime'.") {
		t.Errorf("file mirror missing line: %s", content)
	}
}

func TestStore_Concurrent(t *testing.T) {
	s := NewStore(500)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				s.Log("%s", fmt.Sprintf("w%d-%d", n, j))
			}
		}(i)
	}
	wg.Wait()

	entries := s.Entries()
	if len(entries) != 500 {
		t.Fatalf("expected 500 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Seq != entries[i-1].Seq+1 {
			t.Fatalf("sequence gap at %d: %d after %d", i, entries[i].Seq, entries[i-1].Seq)
		}
	}
}

func TestStore_StalledSubscriber(t *testing.T) {
	s := NewStore(listenerBuffer * 2)

	release := make(chan struct{})
	s.Subscribe(func(Entry) { <-release })

	var mu sync.Mutex
	var fast []uint64
	fastID := s.Subscribe(func(e Entry) {
		mu.Lock()
		fast = append(fast, e.Seq)
		mu.Unlock()
	})

	const lines = listenerBuffer + 10
	done := make(chan struct{})
	go func() {
		for i := 0; i < lines; i++ {
			s.Log("line %d", i)
			if i%64 == 0 {
				// let the healthy subscriber keep pace
				time.Sleep(time.Millisecond)
			}
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Log blocked on a stalled subscriber")
	}
	if s.Dropped() < 9 {
		t.Errorf("Dropped() = %d, want at least 9", s.Dropped())
	}
	if s.Len() != lines {
		t.Errorf("Len() = %d, want %d", s.Len(), lines)
	}

	s.Unsubscribe(fastID)
	mu.Lock()
	for i := 1; i < len(fast); i++ {
		if fast[i] <= fast[i-1] {
			t.Fatalf("out of order delivery at %d: %d after %d", i, fast[i], fast[i-1])
		}
	}
	mu.Unlock()

	close(release)
	s.Close()
}

func TestStore_CloseDeliversQueued(t *testing.T) {
	s := NewStore(10)

	var mu sync.Mutex
	var got []string
	s.Subscribe(func(e Entry) {
		mu.Lock()
		got = append(got, e.Message)
		mu.Unlock()
	})

	s.Log("a")
	s.Log("b")
	s.Close()
	s.Log("after close")

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("subscriber saw %v, want [a b]", got)
	}
}
