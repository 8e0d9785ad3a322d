package store

import (
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// Global is a global variable. The value holds the raw bits of any value
// type.
type Global struct {
	typ wasm.GlobalType
	val uint64
}

// NewGlobal creates a global with an initial value.
func (s *Store) NewGlobal(t wasm.GlobalType, v uint64) (*Global, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.allocGlobal(t, v), nil
}

func (s *Store) allocGlobal(t wasm.GlobalType, v uint64) *Global {
	g := &Global{typ: t, val: v}
	s.globals++
	return g
}

// ExternKind implements Extern.
func (g *Global) ExternKind() byte { return wasm.KindGlobal }

// Type returns the global's type.
func (g *Global) Type() wasm.GlobalType { return g.typ }

// Get returns the current value.
func (g *Global) Get() uint64 { return g.val }

// Set changes the value of a mutable global.
func (g *Global) Set(v uint64) error {
	if !g.typ.Mutable {
		return errors.InvalidInput(errors.PhaseRuntime, "global is immutable")
	}
	g.val = v
	return nil
}
