package compiler

import (
	"sort"
	"sync"

	"github.com/wippyai/wasm-engine/errors"
)

// Factory builds a backend instance.
type Factory func() Backend

// Table maps compiler kinds to the factories present in the build.
type Table struct {
	mu        sync.RWMutex
	factories map[Kind]Factory
}

// NewTable returns an empty capability table.
func NewTable() *Table {
	return &Table{factories: make(map[Kind]Factory)}
}

// Register adds or replaces the factory for kind.
func (t *Table) Register(kind Kind, f Factory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.factories[kind] = f
}

// Available reports whether kind is present.
func (t *Table) Available(kind Kind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.factories[kind]
	return ok
}

// Kinds returns the registered kinds in ascending order.
func (t *Table) Kinds() []Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Kind, 0, len(t.factories))
	for k := range t.factories {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Default returns the first available kind in DefaultOrder.
func (t *Table) Default() (Kind, bool) {
	for _, k := range DefaultOrder {
		if t.Available(k) {
			return k, true
		}
	}
	return 0, false
}

// New instantiates the backend for kind.
func (t *Table) New(kind Kind) (Backend, error) {
	t.mu.RLock()
	f, ok := t.factories[kind]
	t.mu.RUnlock()
	if !ok {
		return nil, errors.Configuration(errors.KindUnavailableBackend, "compiler %s is not available in this build", kind)
	}
	return f(), nil
}

var builtin = NewTable()

// Builtin returns the table populated by the backends compiled into the program.
func Builtin() *Table { return builtin }

// Register adds a backend to the built-in table. Backends call it from init.
func Register(kind Kind, f Factory) { builtin.Register(kind, f) }

// Available reports whether kind is compiled into the program.
func Available(kind Kind) bool { return builtin.Available(kind) }

// Kinds returns the compilers compiled into the program.
func Kinds() []Kind { return builtin.Kinds() }

// New instantiates a built-in backend.
func New(kind Kind) (Backend, error) { return builtin.New(kind) }
