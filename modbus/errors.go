package modbus

import (
	"errors"
	"fmt"
)

// ErrUnsupportedKind is returned when a read names an address space the
// primitive cannot serve, or a configured register type is unknown.
var ErrUnsupportedKind = errors.New("unsupported register kind")

// ErrNotConnected is returned by reads issued before Connect.
var ErrNotConnected = errors.New("not connected")

// ConnectionError reports a failure to reach the PLC.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ReadError reports a failed or malformed read.
type ReadError struct {
	Kind    Kind
	Address uint16
	Count   uint16
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s %d (x%d): %v", e.Kind, e.Address, e.Count, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsReadError reports whether err is, or wraps, a ReadError.
func IsReadError(err error) bool {
	var re *ReadError
	return errors.As(err, &re)
}
