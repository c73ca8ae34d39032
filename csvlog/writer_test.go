package csvlog

import (
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

var captureTime = time.Date(2024, 3, 9, 14, 5, 7, 0, time.Local)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	return recs
}

func TestPath(t *testing.T) {
	got := Path("/data/trace", "press", captureTime)
	want := filepath.Join("/data/trace", "press_2024-03-09.csv")
	if got != want {
		t.Errorf("Path() = %q, want %q", got, want)
	}
}

func TestHeader(t *testing.T) {
	tests := []struct {
		n    int
		want string
	}{
		{1, "Line Name,Equipment Name,IP Address,Timestamp,Register_1"},
		{3, "Line Name,Equipment Name,IP Address,Timestamp,Register_1,Register_2,Register_3"},
	}
	for _, tc := range tests {
		if got := strings.Join(Header(tc.n), ","); got != tc.want {
			t.Errorf("Header(%d) = %q, want %q", tc.n, got, tc.want)
		}
	}
}

func TestAppend_RowFormat(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "trace")
	w := NewWriter()

	path, err := w.Append(dir, "press", Row{
		Line:      "L1",
		Equipment: "Press 4",
		Address:   "10.0.0.5",
		Time:      captureTime,
		Registers: []uint16{10, 20, 30},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	raw, _ := os.ReadFile(path)
	want := "Line Name,Equipment Name,IP Address,Timestamp,Register_1,Register_2,Register_3\n" +
		"L1,Press 4,10.0.0.5,2024-03-09 14:05:07,10,20,30\n"
	if string(raw) != want {
		t.Errorf("file content:\n%s\nwant:\n%s", raw, want)
	}
	if w.Rows() != 1 {
		t.Errorf("Rows() = %d", w.Rows())
	}
}

func TestAppend_SingleRegister(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()
	path, err := w.Append(dir, "codes", Row{Line: "L1", Address: "10.0.0.5", Time: captureTime, Registers: []uint16{65535}})
	if err != nil {
		t.Fatal(err)
	}

	recs := readCSV(t, path)
	if len(recs) != 2 {
		t.Fatalf("expected header + 1 row, got %d", len(recs))
	}
	if len(recs[0]) != 5 || recs[0][4] != "Register_1" {
		t.Errorf("header = %v", recs[0])
	}
	if recs[1][4] != "65535" {
		t.Errorf("value = %q", recs[1][4])
	}
}

func TestAppend_HeaderOnlyWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()

	// An existing empty file still gets the header.
	empty := Path(dir, "dt", captureTime)
	if err := os.WriteFile(empty, nil, 0644); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := w.Append(dir, "dt", Row{Line: "L1", Time: captureTime, Registers: []uint16{uint16(i)}}); err != nil {
			t.Fatal(err)
		}
	}

	recs := readCSV(t, empty)
	if len(recs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(recs))
	}
	if recs[0][0] != "Line Name" {
		t.Errorf("first record is not the header: %v", recs[0])
	}
	for _, r := range recs[1:] {
		if r[0] == "Line Name" {
			t.Error("header repeated")
		}
	}
}

func TestAppend_NewFilePerDay(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()
	p1, _ := w.Append(dir, "trace", Row{Line: "L1", Time: captureTime, Registers: []uint16{1}})
	p2, _ := w.Append(dir, "trace", Row{Line: "L1", Time: captureTime.Add(24 * time.Hour), Registers: []uint16{1}})
	if p1 == p2 {
		t.Fatalf("same path for different days: %s", p1)
	}
	if len(readCSV(t, p2)) != 2 {
		t.Error("next day's file should start with its own header")
	}
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter()

	const writers, perWriter = 8, 25
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				row := Row{Line: "L" + string(rune('A'+n)), Address: "10.0.0.1", Time: captureTime, Registers: []uint16{uint16(n), uint16(j), 7}}
				if _, err := w.Append(dir, "shared", row); err != nil {
					t.Errorf("Append: %v", err)
				}
			}
		}(i)
	}
	wg.Wait()

	recs := readCSV(t, Path(dir, "shared", captureTime))
	if len(recs) != 1+writers*perWriter {
		t.Fatalf("expected %d records, got %d", 1+writers*perWriter, len(recs))
	}
	headers := 0
	for _, r := range recs {
		if len(r) != 7 {
			t.Fatalf("interleaved record: %v", r)
		}
		if r[0] == "Line Name" {
			headers++
		}
	}
	if headers != 1 {
		t.Errorf("found %d headers, want 1", headers)
	}
}

func TestAppend_Errors(t *testing.T) {
	w := NewWriter()

	t.Run("missing destination", func(t *testing.T) {
		if _, err := w.Append("", "x", Row{Time: captureTime}); !errors.Is(err, ErrNoDestination) {
			t.Errorf("got %v, want ErrNoDestination", err)
		}
		if _, err := w.Append(t.TempDir(), "", Row{Time: captureTime}); !errors.Is(err, ErrNoDestination) {
			t.Errorf("got %v, want ErrNoDestination", err)
		}
	})

	t.Run("folder is a file", func(t *testing.T) {
		blocker := filepath.Join(t.TempDir(), "blocker")
		os.WriteFile(blocker, nil, 0644)

		_, err := w.Append(blocker, "x", Row{Time: captureTime, Registers: []uint16{1}})
		var we *WriteError
		if !errors.As(err, &we) {
			t.Fatalf("expected *WriteError, got %v", err)
		}
		if !strings.HasPrefix(we.Path, blocker) {
			t.Errorf("WriteError.Path = %q", we.Path)
		}
	})
}
