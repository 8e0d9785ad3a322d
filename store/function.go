package store

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// GoFunc implements a host function. stack holds the parameters on entry
// and receives the results; its length is the larger of the two counts.
// A returned error becomes a trap in the calling code.
type GoFunc func(ctx context.Context, caller *Caller, stack []uint64) error

// Function is a function instance: either compiled code of an instance or
// a host function.
type Function struct {
	store  *Store
	inst   *Instance // nil for host functions
	host   GoFunc
	typ    wasm.FuncType
	name   string
	typeID uint32
	addr   uint32
	index  uint32 // index in the owning instance's function space
	entry  uint32 // header offset in the owning instance's code
}

// NewHostFunction wraps fn with the given signature.
func (s *Store) NewHostFunction(params, results []api.ValueType, fn GoFunc) *Function {
	ft := wasm.FuncType{Params: valTypes(params), Results: valTypes(results)}
	f := &Function{store: s, host: fn, typ: ft}
	s.register(f)
	return f
}

func valTypes(vs []api.ValueType) []wasm.ValType {
	if len(vs) == 0 {
		return nil
	}
	out := make([]wasm.ValType, len(vs))
	for i, v := range vs {
		out[i] = wasm.ValType(v)
	}
	return out
}

// ExternKind implements Extern.
func (f *Function) ExternKind() byte { return wasm.KindFunc }

// Type returns the function's signature.
func (f *Function) Type() wasm.FuncType { return f.typ }

// Name returns the export or import name the function was bound under,
// if any.
func (f *Function) Name() string { return f.name }

// Instance returns the instance owning the function's code, nil for host
// functions.
func (f *Function) Instance() *Instance { return f.inst }

// IsHost reports whether f is implemented in Go.
func (f *Function) IsHost() bool { return f.host != nil }

// Call invokes f. Parameters and results use the raw uint64 encoding of
// wazero's api package (api.EncodeI32, api.DecodeF64 and friends).
//
// Every call from the host is a top-level call with its own trap scope:
// a trap surfaces as a *trap.Trap error and leaves the instance usable
// unless it was a stack overflow.
func (f *Function) Call(ctx context.Context, args ...uint64) ([]uint64, error) {
	if len(args) != len(f.typ.Params) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindInvalidInput).
			Detail("expected %d arguments, got %d", len(f.typ.Params), len(args)).
			Build()
	}
	return f.store.call(ctx, f, args)
}

// Caller is the view of the calling context a host function receives.
type Caller struct {
	store *Store
	inst  *Instance
}

// Store returns the store the call runs in.
func (c *Caller) Store() *Store { return c.store }

// Instance returns the calling instance, nil when the host function was
// called directly.
func (c *Caller) Instance() *Instance { return c.inst }

// Memory returns the calling instance's memory, nil if it has none.
func (c *Caller) Memory() *Memory {
	if c.inst == nil || len(c.inst.memories) == 0 {
		return nil
	}
	return c.inst.memories[0]
}
