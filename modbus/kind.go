// Package modbus wraps a Modbus TCP connection to a single PLC and exposes
// the four read primitives used by the capture engine.
package modbus

import (
	"fmt"
	"strings"
)

// Kind identifies a Modbus address space.
type Kind string

const (
	KindCoil     Kind = "coil"
	KindDiscrete Kind = "discrete"
	KindHolding  Kind = "holding"
	KindInput    Kind = "input"
)

// Kinds returns every supported address space in display order.
func Kinds() []Kind {
	return []Kind{KindCoil, KindDiscrete, KindHolding, KindInput}
}

// ParseKind converts a configured register type to a Kind.
// Matching is case-insensitive and accepts the long forms used by
// operators ("Discrete Input", "Holding Register", "Input Register").
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "coil", "coils":
		return KindCoil, nil
	case "discrete", "discrete input", "discrete inputs", "discrete_input":
		return KindDiscrete, nil
	case "holding", "holding register", "holding registers", "holding_register":
		return KindHolding, nil
	case "input", "input register", "input registers", "input_register":
		return KindInput, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
}

// IsBit reports whether the kind is bit-addressed.
func (k Kind) IsBit() bool {
	return k == KindCoil || k == KindDiscrete
}

// IsWord reports whether the kind is word-addressed.
func (k Kind) IsWord() bool {
	return k == KindHolding || k == KindInput
}

// Label returns the name shown to operators.
func (k Kind) Label() string {
	switch k {
	case KindCoil:
		return "Coil"
	case KindDiscrete:
		return "Discrete"
	case KindHolding:
		return "Holding"
	case KindInput:
		return "Input"
	default:
		return "Unknown"
	}
}
