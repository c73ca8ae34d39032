// Package csvlog appends capture rows to per-day CSV files.
package csvlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"linecap/logging"
)

// TimestampLayout is the format of the Timestamp column.
const TimestampLayout = "2006-01-02 15:04:05"

// DateLayout is the date suffix of each file name.
const DateLayout = "2006-01-02"

// ErrNoDestination is returned when an output names no folder or file.
var ErrNoDestination = errors.New("output has no folder or file name")

// Row is one capture ready to be written.
type Row struct {
	Line      string // PLC line name
	Equipment string
	Address   string
	Time      time.Time
	Registers []uint16
}

// WriteError reports a failed append. It never stops the watcher.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Writer appends rows. One Writer is shared by every watcher in the
// process; its mutex covers the header check and the row write.
type Writer struct {
	mu   sync.Mutex
	rows int64
}

// NewWriter returns a ready Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Rows returns the number of rows written since creation.
func (w *Writer) Rows() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rows
}

// Path returns the destination for a folder, base name, and capture date.
func Path(folder, base string, t time.Time) string {
	return filepath.Join(folder, fmt.Sprintf("%s_%s.csv", base, t.Format(DateLayout)))
}

// Header returns the column names for a block of n registers.
func Header(n int) []string {
	h := make([]string, 0, 4+n)
	h = append(h, "Line Name", "Equipment Name", "IP Address", "Timestamp")
	for i := 1; i <= n; i++ {
		h = append(h, "Register_"+strconv.Itoa(i))
	}
	return h
}

// Record returns the CSV fields for a row.
func (r Row) Record() []string {
	rec := make([]string, 0, 4+len(r.Registers))
	rec = append(rec, r.Line, r.Equipment, r.Address, r.Time.Format(TimestampLayout))
	for _, v := range r.Registers {
		rec = append(rec, strconv.FormatUint(uint64(v), 10))
	}
	return rec
}

// Append writes row to <folder>/<base>_<date>.csv, creating the folder and
// writing the header when the file is new or empty. It returns the path
// written.
func (w *Writer) Append(folder, base string, row Row) (string, error) {
	if folder == "" || base == "" {
		return "", ErrNoDestination
	}
	path := Path(folder, base, row.Time)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(folder, 0755); err != nil {
		return path, &WriteError{Path: path, Err: err}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return path, &WriteError{Path: path, Err: err}
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return path, &WriteError{Path: path, Err: err}
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		cw.Write(Header(len(row.Registers)))
	}
	cw.Write(row.Record())
	cw.Flush()

	if err := cw.Error(); err != nil {
		f.Close()
		return path, &WriteError{Path: path, Err: err}
	}
	if err := f.Close(); err != nil {
		return path, &WriteError{Path: path, Err: err}
	}

	w.rows++
	logging.DebugLog("csv", "appended %d registers to %s", len(row.Registers), path)
	return path, nil
}
