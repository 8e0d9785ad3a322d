package store

import (
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// Table is a table of references. Elements are stored as uint64: a funcref
// holds its function's store address plus one and an externref holds the
// host value. Zero is the null reference.
type Table struct {
	store *Store
	elems []uint64
	typ   wasm.TableType
	max   uint32
}

// NewTable allocates a table with t's initial size, filled with init.
func (s *Store) NewTable(t wasm.TableType, init uint64) (*Table, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if !t.ElemType.IsRef() {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "table element type must be a reference type")
	}
	if t.Limits.Max != nil && *t.Limits.Max < t.Limits.Min {
		return nil, errors.InvalidInput(errors.PhaseRuntime, "table maximum below minimum")
	}
	return s.allocTable(t, init)
}

func (s *Store) allocTable(t wasm.TableType, init uint64) (*Table, error) {
	maxElems := s.config.MaxTableElements
	if t.Limits.Max != nil && *t.Limits.Max < uint64(maxElems) {
		maxElems = uint32(*t.Limits.Max)
	}
	if t.Limits.Min > uint64(maxElems) {
		return nil, errors.New(errors.PhaseRuntime, errors.KindAllocation).
			Detail("table of %d elements exceeds limit %d", t.Limits.Min, maxElems).
			Build()
	}
	tab := &Table{store: s, typ: t, max: maxElems, elems: make([]uint64, t.Limits.Min)}
	if init != 0 {
		for i := range tab.elems {
			tab.elems[i] = init
		}
	}
	s.tables = append(s.tables, tab)
	return tab, nil
}

// ExternKind implements Extern.
func (t *Table) ExternKind() byte { return wasm.KindTable }

// Type returns the declared type.
func (t *Table) Type() wasm.TableType { return t.typ }

// Size returns the number of elements.
func (t *Table) Size() uint32 { return uint32(len(t.elems)) }

// Get returns the element at i.
func (t *Table) Get(i uint32) (uint64, error) {
	if i >= uint32(len(t.elems)) {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, []string{"table"}, uint64(i), uint64(len(t.elems)))
	}
	return t.elems[i], nil
}

// Set stores v at i.
func (t *Table) Set(i uint32, v uint64) error {
	if i >= uint32(len(t.elems)) {
		return errors.OutOfBounds(errors.PhaseRuntime, []string{"table"}, uint64(i), uint64(len(t.elems)))
	}
	if t.typ.ElemType == wasm.ValFuncRef && v != 0 && !t.store.validFuncRef(v) {
		return errors.InvalidInput(errors.PhaseRuntime, "not a function reference of this store")
	}
	t.elems[i] = v
	return nil
}

// Grow appends delta elements set to init and returns the previous size.
// Like memories, growth past the maximum fails without side effects.
func (t *Table) Grow(delta uint32, init uint64) (uint32, bool) {
	prev := uint32(len(t.elems))
	next := uint64(prev) + uint64(delta)
	if next > uint64(t.max) {
		return prev, false
	}
	for i := uint32(0); i < delta; i++ {
		t.elems = append(t.elems, init)
	}
	return prev, true
}

// FuncRef returns the reference value for f, for storing in funcref tables.
func FuncRef(f *Function) uint64 {
	if f == nil {
		return 0
	}
	return uint64(f.addr) + 1
}

// Function resolves a funcref element.
func (t *Table) Function(i uint32) (*Function, error) {
	v, err := t.Get(i)
	if err != nil {
		return nil, err
	}
	return t.store.funcRef(v), nil
}

func (t *Table) bounds(off, n uint32) bool {
	return uint64(off)+uint64(n) <= uint64(len(t.elems))
}
