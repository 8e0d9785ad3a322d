// Package trap defines the typed runtime faults produced by executing
// compiled WebAssembly code.
package trap

import (
	"errors"
	"fmt"
)

// Kind identifies the cause of a trap.
type Kind uint8

const (
	Unknown Kind = iota
	OutOfBoundsMemory
	OutOfBoundsTable
	IntegerDivideByZero
	IntegerOverflow
	UnreachableExecuted
	IndirectCallTypeMismatch
	StackOverflow

	numKinds
)

var kindNames = [numKinds]string{
	Unknown:                  "unknown",
	OutOfBoundsMemory:        "out of bounds memory access",
	OutOfBoundsTable:         "out of bounds table access",
	IntegerDivideByZero:      "integer divide by zero",
	IntegerOverflow:          "integer overflow",
	UnreachableExecuted:      "unreachable",
	IndirectCallTypeMismatch: "indirect call type mismatch",
	StackOverflow:            "call stack exhausted",
}

func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("trap(%d)", uint8(k))
}

// Label returns a short identifier suitable for metric labels.
func (k Kind) Label() string {
	switch k {
	case OutOfBoundsMemory:
		return "oob_memory"
	case OutOfBoundsTable:
		return "oob_table"
	case IntegerDivideByZero:
		return "div_by_zero"
	case IntegerOverflow:
		return "int_overflow"
	case UnreachableExecuted:
		return "unreachable"
	case IndirectCallTypeMismatch:
		return "indirect_call_type"
	case StackOverflow:
		return "stack_overflow"
	}
	return "unknown"
}

// Kinds returns every trap kind.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds)
	for k := Kind(0); k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}

// Fatal reports whether the trap leaves the instance unusable.
func (k Kind) Fatal() bool {
	return k == StackOverflow
}

// Trap is a runtime fault. It is a normal outcome of a call, not a
// configuration error.
type Trap struct {
	Cause   error  // host error for Unknown traps raised by imports
	Message string // optional detail, e.g. "invalid conversion to integer"
	Func    uint32 // function index in the trapping module
	Offset  uint32 // offset into the compiled code region
	Kind    Kind
	InCode  bool // Func and Offset locate the trapping instruction
}

func (t *Trap) Error() string {
	msg := "wasm trap: " + t.Kind.String()
	if t.Message != "" {
		msg += ": " + t.Message
	}
	if t.InCode {
		msg += fmt.Sprintf(" (func %d, offset %#x)", t.Func, t.Offset)
	}
	if t.Cause != nil {
		msg += ": " + t.Cause.Error()
	}
	return msg
}

func (t *Trap) Unwrap() error {
	return t.Cause
}

// Is matches another *Trap of the same kind, so sentinel comparisons such
// as errors.Is(err, trap.ErrStackOverflow) work.
func (t *Trap) Is(target error) bool {
	o, ok := target.(*Trap)
	return ok && o.Kind == t.Kind
}

// Sentinel traps for errors.Is.
var (
	ErrOutOfBoundsMemory        = &Trap{Kind: OutOfBoundsMemory}
	ErrOutOfBoundsTable         = &Trap{Kind: OutOfBoundsTable}
	ErrIntegerDivideByZero      = &Trap{Kind: IntegerDivideByZero}
	ErrIntegerOverflow          = &Trap{Kind: IntegerOverflow}
	ErrUnreachable              = &Trap{Kind: UnreachableExecuted}
	ErrIndirectCallTypeMismatch = &Trap{Kind: IndirectCallTypeMismatch}
	ErrStackOverflow            = &Trap{Kind: StackOverflow}
)

// As extracts a *Trap from err.
func As(err error) (*Trap, bool) {
	var t *Trap
	if errors.As(err, &t) {
		return t, true
	}
	return nil, false
}

// KindOf returns the trap kind carried by err, or Unknown with false.
func KindOf(err error) (Kind, bool) {
	if t, ok := As(err); ok {
		return t.Kind, true
	}
	return Unknown, false
}
