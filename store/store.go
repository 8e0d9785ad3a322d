// Package store owns the runtime state of running modules: linear
// memories, tables, globals, function instances and the instances built
// from compiled artifacts, together with the trap scope of the goroutine
// driving them.
//
// A Store is driven by one goroutine at a time. Artifacts are immutable and
// may back instances in many stores concurrently.
package store

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

// Extern is anything that can satisfy an import or be exported: *Function,
// *Memory, *Table or *Global.
type Extern interface {
	ExternKind() byte
}

// Store holds the live objects of one family of instances.
type Store struct {
	config Config
	host   target.Target

	types    map[string]uint32 // interned signatures
	funcs    []*Function       // function address space
	memories []*Memory
	tables   []*Table
	globals  int

	instances []*Instance

	depth  int      // frames on the current call chain
	scopes []*scope // open trap scopes, innermost last
	closed bool
}

// Stats counts the live objects of a store.
type Stats struct {
	Instances      int
	Functions      int
	Memories       int
	Tables         int
	Globals        int
	CommittedBytes int64
}

// New creates an empty store. Zero fields of cfg take their defaults.
func New(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.New(errors.PhaseConfigure, errors.KindInvalidInput).
			Detail("store config").
			Cause(err).
			Build()
	}
	s := &Store{
		config: cfg,
		host:   target.Host(),
		types:  make(map[string]uint32),
	}
	Logger().Debug("created store",
		zap.Int("max_call_depth", cfg.MaxCallDepth),
		zap.Bool("guard_pages", cfg.GuardPages))
	return s, nil
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.config }

// Stats reports the live objects.
func (s *Store) Stats() Stats {
	st := Stats{
		Functions: len(s.funcs),
		Memories:  len(s.memories),
		Tables:    len(s.tables),
		Globals:   s.globals,
	}
	for _, inst := range s.instances {
		if inst.State() != Terminated {
			st.Instances++
		}
	}
	for _, m := range s.memories {
		st.CommittedBytes += int64(m.region.Committed())
	}
	return st
}

// Close terminates every instance and releases all memories. The store
// cannot be used afterwards. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	for _, inst := range s.instances {
		inst.terminate()
	}
	for _, m := range s.memories {
		m.release()
	}
	Logger().Debug("closed store",
		zap.Int("instances", len(s.instances)),
		zap.Int("memories", len(s.memories)))
	s.instances, s.memories, s.tables, s.funcs = nil, nil, nil, nil
	s.globals = 0
	s.closed = true
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return errors.Terminated("store is closed")
	}
	return nil
}

// typeID interns a signature. Equal signatures share an id across every
// instance of the store, which makes call_indirect checks one comparison.
func (s *Store) typeID(ft wasm.FuncType) uint32 {
	key := ft.Key()
	if id, ok := s.types[key]; ok {
		return id
	}
	id := uint32(len(s.types))
	s.types[key] = id
	return id
}

func (s *Store) register(f *Function) {
	f.typeID = s.typeID(f.typ)
	f.addr = uint32(len(s.funcs))
	s.funcs = append(s.funcs, f)
}

func (s *Store) funcRef(v uint64) *Function {
	if v == 0 || v > uint64(len(s.funcs)) {
		return nil
	}
	return s.funcs[v-1]
}

func (s *Store) validFuncRef(v uint64) bool { return s.funcRef(v) != nil }

// snapshot records the object counts so a failed instantiation can roll
// back everything it allocated.
type snapshot struct {
	funcs, memories, tables, globals int
}

func (s *Store) snapshot() snapshot {
	return snapshot{len(s.funcs), len(s.memories), len(s.tables), s.globals}
}

func (s *Store) rollback(snap snapshot) {
	for _, m := range s.memories[snap.memories:] {
		m.release()
	}
	clear(s.funcs[snap.funcs:])
	s.funcs = s.funcs[:snap.funcs]
	clear(s.memories[snap.memories:])
	s.memories = s.memories[:snap.memories]
	clear(s.tables[snap.tables:])
	s.tables = s.tables[:snap.tables]
	s.globals = snap.globals
}
