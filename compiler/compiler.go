// Package compiler defines the boundary between the engine and the code
// generators that turn a decoded module into executable function bodies.
//
// Backends are registered in a capability table at program start. Which
// backends exist is decided by build tags on the files that import them, so
// availability is always a table lookup.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

// Kind names a code generation strategy.
type Kind uint8

const (
	Singlepass Kind = iota
	Optimizing
	Strict

	numKinds
)

// DefaultOrder is the preference order used when no compiler is requested.
var DefaultOrder = []Kind{Optimizing, Strict, Singlepass}

func (k Kind) String() string {
	switch k {
	case Singlepass:
		return "singlepass"
	case Optimizing:
		return "optimizing"
	case Strict:
		return "strict"
	}
	return fmt.Sprintf("compiler(%d)", uint8(k))
}

// ParseKind parses a compiler name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "singlepass":
		return Singlepass, nil
	case "optimizing", "cranelift":
		return Optimizing, nil
	case "strict", "llvm":
		return Strict, nil
	}
	return 0, fmt.Errorf("unknown compiler %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k >= numKinds {
		return nil, fmt.Errorf("invalid compiler kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

// Backend compiles every locally defined function of a module.
type Backend interface {
	Name() string
	Compile(ctx context.Context, m *wasm.Module, features target.Features, tgt target.Target) (*Output, error)
}

// Output is the result of compiling one module.
type Output struct {
	Functions []Function
	Required  target.Features // proposals the module actually uses
}

// Function is one compiled function body. Code starts with an isa header.
type Function struct {
	Code        []byte
	Relocations []Relocation
	Traps       []TrapSite
	Index       uint32 // index in the module's function index space
	TypeIndex   uint32
	NumLocals   uint32 // declared locals, excluding params
	MaxStack    uint32
}

// RelocKind selects how a relocation operand is patched at map time.
type RelocKind uint8

const (
	// RelocFunc operands hold a function index and become the absolute
	// entry offset of that function.
	RelocFunc RelocKind = iota
	// RelocCode operands hold an offset within the function and become
	// absolute by adding the function's base.
	RelocCode
)

func (k RelocKind) String() string {
	if k == RelocFunc {
		return "func"
	}
	return "code"
}

// Relocation is a 4-byte operand to patch at Offset within Code.
type Relocation struct {
	Offset uint32
	Target uint32
	Kind   RelocKind
}

// TrapSite records an instruction that can fault and the trap it raises.
type TrapSite struct {
	Offset uint32 // offset of the opcode within Code
	Kind   trap.Kind
}
