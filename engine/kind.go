package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind names an engine strategy.
type Kind uint8

const (
	// JIT compiles into memory and maps the code at once.
	JIT Kind = iota
	// Native compiles ahead of time. The artifact is mapped by the first
	// instantiation, or written out with WriteObject.
	Native
	// ObjectFile runs previously compiled artifacts and never compiles.
	ObjectFile

	numKinds
)

// DefaultOrder is the preference order used when no strategy is requested.
var DefaultOrder = []Kind{JIT, Native, ObjectFile}

func (k Kind) String() string {
	switch k {
	case JIT:
		return "jit"
	case Native:
		return "native"
	case ObjectFile:
		return "objectfile"
	}
	return fmt.Sprintf("engine(%d)", uint8(k))
}

// ParseKind parses a strategy name.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jit", "universal":
		return JIT, nil
	case "native", "dylib":
		return Native, nil
	case "objectfile", "object-file", "headless":
		return ObjectFile, nil
	}
	return 0, fmt.Errorf("unknown engine %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k >= numKinds {
		return nil, fmt.Errorf("invalid engine kind %d", uint8(k))
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

// Table is the set of strategies present in a build.
type Table struct {
	mu    sync.RWMutex
	kinds map[Kind]bool
}

// NewTable returns an empty strategy table.
func NewTable(kinds ...Kind) *Table {
	t := &Table{kinds: make(map[Kind]bool)}
	for _, k := range kinds {
		t.kinds[k] = true
	}
	return t
}

// Register marks kind as present.
func (t *Table) Register(kind Kind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.kinds[kind] = true
}

// Available reports whether kind is present.
func (t *Table) Available(kind Kind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.kinds[kind]
}

// Kinds returns the present strategies in ascending order.
func (t *Table) Kinds() []Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Kind, 0, len(t.kinds))
	for k := range t.kinds {
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

var builtin = NewTable()

// Builtin returns the strategies compiled into the program.
func Builtin() *Table { return builtin }
