package trigger

import (
	"encoding/json"
	"sync/atomic"
	"time"

	"linecap/config"
)

// Global sequence counter for capture ordering
var globalSequence uint64

// Capture is one accepted register block, handed to publishers after the
// CSV row is on disk.
type Capture struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp string          `json:"timestamp"`
	Category  config.Category `json:"category"`
	Line      string          `json:"line"`
	Equipment string          `json:"equipment,omitempty"`
	Address   string          `json:"address"`
	File      string          `json:"file"`
	Path      string          `json:"path"`
	Start     uint16          `json:"start_register"`
	Registers []uint16        `json:"registers"`

	Time time.Time `json:"-"`
}

// NewCapture builds a capture event with the next sequence number.
func NewCapture(plc *config.PLCConfig, out *config.OutputConfig, ts time.Time, path string, block []uint16) *Capture {
	regs := make([]uint16, len(block))
	copy(regs, block)
	return &Capture{
		Sequence:  atomic.AddUint64(&globalSequence, 1),
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
		Category:  out.Category,
		Line:      plc.Name,
		Equipment: plc.Equipment,
		Address:   plc.Address,
		File:      out.FileName,
		Path:      path,
		Start:     out.StartRegister,
		Registers: regs,
		Time:      ts,
	}
}

// ToJSON serializes the capture.
func (c *Capture) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// Key returns a partitioning key (line + file) so captures of one output
// stay ordered.
func (c *Capture) Key() []byte {
	return []byte(c.Line + ":" + c.File)
}
