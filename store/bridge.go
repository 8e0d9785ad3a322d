package store

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/metrics"
	"github.com/wippyai/wasm-engine/trap"
)

// scope is the fault handling state of one top-level entry into compiled
// code. Scopes nest when a host function calls back into the store; each
// restores what the enclosing one had when it exits.
type scope struct {
	store     *Store
	m         *machine
	depth     int
	prevFault bool
}

func (s *Store) enter(m *machine) *scope {
	sc := &scope{store: s, m: m, depth: s.depth}
	sc.prevFault = debug.SetPanicOnFault(true)
	s.scopes = append(s.scopes, sc)
	return sc
}

func (sc *scope) exit() {
	s := sc.store
	s.scopes = s.scopes[:len(s.scopes)-1]
	s.depth = sc.depth
	debug.SetPanicOnFault(sc.prevFault)
}

// foreignPanic carries a panic that did not come from compiled code, to be
// re-raised once the scope is closed.
type foreignPanic struct {
	value any
}

func (p *foreignPanic) Error() string { return fmt.Sprintf("panic: %v", p.value) }

type faultAddr interface {
	Addr() uintptr
}

const divideByZero = "runtime error: integer divide by zero"

// classify converts a recovered panic into a trap. Memory faults inside a
// reservation owned by the store become OutOfBoundsMemory. Other runtime
// errors count only when the executing instruction is registered in the
// trap table with a matching kind. Everything else is foreign.
func (sc *scope) classify(r any) error {
	m := sc.m
	rerr, ok := r.(runtime.Error)
	if !ok {
		return &foreignPanic{value: r}
	}
	if fa, ok := r.(faultAddr); ok {
		if sc.store.owns(fa.Addr()) {
			return m.trap(trap.OutOfBoundsMemory)
		}
		return &foreignPanic{value: r}
	}
	if m.cur == nil {
		return &foreignPanic{value: r}
	}
	_, kind, ok := m.cur.code.Lookup(uint32(m.at))
	if ok && kind == trap.IntegerDivideByZero && rerr.Error() == divideByZero {
		return m.trap(kind)
	}
	return &foreignPanic{value: r}
}

// owns reports whether addr lies in one of the store's memory reservations.
func (s *Store) owns(addr uintptr) bool {
	for _, mem := range s.memories {
		if mem.region.Contains(addr) {
			return true
		}
	}
	return false
}

// call performs a top-level call inside a fresh trap scope.
func (s *Store) call(ctx context.Context, f *Function, args []uint64) (results []uint64, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	m := newMachine(ctx, s)
	sc := s.enter(m)
	defer func() {
		if r := recover(); r != nil {
			err = sc.classify(r)
			results = nil
		}
		if t, ok := trap.As(err); ok && t.Kind.Fatal() {
			if m.faulted != nil {
				m.faulted.terminate()
			}
			if f.inst != nil {
				f.inst.terminate()
			}
		}
		m.unwind(err)
		sc.exit()
		if p, ok := err.(*foreignPanic); ok {
			panic(p.value)
		}
		if t, ok := trap.As(err); ok {
			metrics.ObserveTrap(t.Kind)
			Logger().Debug("trap",
				zap.Stringer("kind", t.Kind),
				zap.Uint32("func", t.Func),
				zap.Uint32("offset", t.Offset))
		}
	}()
	return m.invoke(f, args)
}
