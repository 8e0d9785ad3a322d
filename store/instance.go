package store

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/artifact"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/metrics"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

// State is the lifecycle state of an instance.
type State int32

const (
	// Created instances are being assembled and not yet callable.
	Created State = iota
	// Linked instances have every import bound and wait for calls.
	Linked
	// Running instances have frames on a call stack.
	Running
	// SuspendedByTrap instances trapped in their last call. Memories and
	// tables stay inspectable and new calls are allowed.
	SuspendedByTrap
	// Terminated instances reject every call.
	Terminated
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Linked:
		return "linked"
	case Running:
		return "running"
	case SuspendedByTrap:
		return "suspended-by-trap"
	case Terminated:
		return "terminated"
	}
	return "unknown"
}

// Instance is an instantiated module.
type Instance struct {
	store    *Store
	art      *artifact.Artifact
	module   *wasm.Module
	code     *artifact.Code
	bytes    []byte
	funcs    []*Function
	memories []*Memory
	tables   []*Table
	globals  []*Global
	types    []uint32   // store type id by module type index
	data     [][]byte   // passive data segments, nil once dropped
	elems    [][]uint64 // element segments, nil once dropped
	exports  map[string]Extern
	names    []string // export names in declaration order
	state    State
	active   int // frames on any call stack
	released bool
}

// Instantiate creates an instance of art with imports bound positionally,
// in the order art.Imports lists them.
//
// Every import is checked before anything is allocated, so a LinkError
// leaves the store untouched. A trap while applying segments or running
// the start function fails the instantiation and releases the memories,
// tables and globals it allocated. Its functions keep their store
// addresses in a terminated state, and segment writes to imported tables
// stay visible.
func (s *Store) Instantiate(ctx context.Context, art *artifact.Artifact, imports []Extern) (*Instance, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	m := art.Module()
	if err := s.checkImports(m, imports); err != nil {
		return nil, err
	}
	code, err := art.Map(s.host)
	if err != nil {
		return nil, err
	}
	if err := art.Retain(); err != nil {
		return nil, err
	}

	inst := &Instance{
		store:  s,
		art:    art,
		module: m,
		code:   code,
		bytes:  code.Bytes(),
		state:  Created,
	}
	snap := s.snapshot()
	if err := inst.allocate(imports); err != nil {
		s.rollback(snap)
		art.Release()
		return nil, err
	}
	inst.state = Linked
	metrics.Instances.Inc()

	if err := inst.initialize(ctx); err != nil {
		inst.terminate()
		// Segments and the start function may already have published
		// references to the new functions through imported tables or
		// globals. Their addresses stay taken; calls through them fail
		// with a terminated error.
		snap.funcs = len(s.funcs)
		s.rollback(snap)
		Logger().Debug("instantiation failed", zap.Error(err))
		return nil, errors.Instantiation(err)
	}

	s.instances = append(s.instances, inst)
	Logger().Debug("instantiated module",
		zap.String("compiler", art.Compiler()),
		zap.Int("functions", len(inst.funcs)),
		zap.Int("memories", len(inst.memories)),
		zap.Int("exports", len(inst.names)))
	return inst, nil
}

func (inst *Instance) allocate(imports []Extern) error {
	s, m := inst.store, inst.module

	inst.types = make([]uint32, len(m.Types))
	for i, ft := range m.Types {
		inst.types[i] = s.typeID(ft)
	}

	for i, imp := range m.Imports {
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			inst.funcs = append(inst.funcs, imports[i].(*Function))
		case wasm.KindTable:
			inst.tables = append(inst.tables, imports[i].(*Table))
		case wasm.KindMemory:
			inst.memories = append(inst.memories, imports[i].(*Memory))
		case wasm.KindGlobal:
			inst.globals = append(inst.globals, imports[i].(*Global))
		}
	}

	imported := uint32(len(inst.funcs))
	for i, typeIdx := range m.Funcs {
		idx := imported + uint32(i)
		f := &Function{
			store: s,
			inst:  inst,
			typ:   m.Types[typeIdx],
			index: idx,
			entry: inst.code.Entry(idx),
		}
		s.register(f)
		inst.funcs = append(inst.funcs, f)
	}

	for _, g := range m.Globals {
		v, err := inst.evalConst(g.Init)
		if err != nil {
			return err
		}
		inst.globals = append(inst.globals, s.allocGlobal(g.Type, v))
	}

	for _, t := range m.Tables {
		tab, err := s.allocTable(t, 0)
		if err != nil {
			return err
		}
		inst.tables = append(inst.tables, tab)
	}

	for _, mt := range m.Memories {
		if err := checkMemoryType(mt); err != nil {
			return err
		}
		mem, err := s.allocMemory(mt)
		if err != nil {
			return err
		}
		inst.memories = append(inst.memories, mem)
	}

	inst.elems = make([][]uint64, len(m.Elements))
	for i, e := range m.Elements {
		refs := make([]uint64, len(e.Init))
		for j, expr := range e.Init {
			v, err := inst.evalConst(expr)
			if err != nil {
				return err
			}
			refs[j] = v
		}
		inst.elems[i] = refs
	}
	inst.data = make([][]byte, len(m.Data))
	for i, d := range m.Data {
		inst.data[i] = d.Init
	}

	inst.exports = make(map[string]Extern, len(m.Exports))
	for _, exp := range m.Exports {
		var ext Extern
		switch exp.Kind {
		case wasm.KindFunc:
			f := inst.funcs[exp.Idx]
			if f.name == "" {
				f.name = exp.Name
			}
			ext = f
		case wasm.KindTable:
			ext = inst.tables[exp.Idx]
		case wasm.KindMemory:
			ext = inst.memories[exp.Idx]
		case wasm.KindGlobal:
			ext = inst.globals[exp.Idx]
		}
		inst.exports[exp.Name] = ext
		inst.names = append(inst.names, exp.Name)
	}
	return nil
}

// evalConst evaluates a constant expression. Only imported globals are
// visible to global.get at this point, which validation guarantees.
func (inst *Instance) evalConst(expr []byte) (uint64, error) {
	c, err := wasm.DecodeConstExpr(expr)
	if err != nil {
		return 0, errors.InvalidInput(errors.PhaseInstance, err.Error())
	}
	switch c.Opcode {
	case wasm.OpGlobalGet:
		if int(c.Index) >= len(inst.globals) {
			return 0, errors.InvalidInput(errors.PhaseInstance, "constant expression reads an unknown global")
		}
		return inst.globals[c.Index].val, nil
	case wasm.OpRefFunc:
		if int(c.Index) >= len(inst.funcs) {
			return 0, errors.InvalidInput(errors.PhaseInstance, "constant expression references an unknown function")
		}
		return FuncRef(inst.funcs[c.Index]), nil
	case wasm.OpRefNull:
		return 0, nil
	}
	return c.Value, nil
}

// initialize applies active segments in order, then runs the start
// function. It is the first code that can trap.
func (inst *Instance) initialize(ctx context.Context) error {
	m := inst.module
	for i, e := range m.Elements {
		switch e.Mode {
		case wasm.SegmentActive:
			off, err := inst.evalConst(e.Offset)
			if err != nil {
				return err
			}
			tab := inst.tables[e.Table]
			seg := inst.elems[i]
			if !tab.bounds(uint32(off), uint32(len(seg))) {
				return &trap.Trap{Kind: trap.OutOfBoundsTable, Message: "element segment does not fit"}
			}
			copy(tab.elems[uint32(off):], seg)
			inst.elems[i] = nil
		case wasm.SegmentDeclarative:
			inst.elems[i] = nil
		}
	}
	for i, d := range m.Data {
		if d.Mode != wasm.SegmentActive {
			continue
		}
		off, err := inst.evalConst(d.Offset)
		if err != nil {
			return err
		}
		mem := inst.memories[d.Memory].Bytes()
		if uint64(uint32(off))+uint64(len(d.Init)) > uint64(len(mem)) {
			return &trap.Trap{Kind: trap.OutOfBoundsMemory, Message: "data segment does not fit"}
		}
		copy(mem[uint32(off):], d.Init)
		inst.data[i] = nil
	}
	if m.Start != nil {
		if _, err := inst.funcs[*m.Start].Call(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Module returns the module declarations.
func (inst *Instance) Module() *wasm.Module { return inst.module }

// Artifact returns the artifact the instance runs.
func (inst *Instance) Artifact() *artifact.Artifact { return inst.art }

// Store returns the owning store.
func (inst *Instance) Store() *Store { return inst.store }

// State returns the lifecycle state.
func (inst *Instance) State() State { return inst.state }

// Exports returns the export names in declaration order.
func (inst *Instance) Exports() []string { return inst.names }

// Export returns the named export.
func (inst *Instance) Export(name string) (Extern, bool) {
	ext, ok := inst.exports[name]
	return ext, ok
}

func (inst *Instance) export(name string, kind byte) (Extern, error) {
	ext, ok := inst.exports[name]
	if !ok || ext.ExternKind() != kind {
		return nil, errors.NotFound(errors.PhaseInstance, wasm.KindName(kind)+" export", name)
	}
	return ext, nil
}

// Function returns an exported function.
func (inst *Instance) Function(name string) (*Function, error) {
	ext, err := inst.export(name, wasm.KindFunc)
	if err != nil {
		return nil, err
	}
	return ext.(*Function), nil
}

// Memory returns an exported memory.
func (inst *Instance) Memory(name string) (*Memory, error) {
	ext, err := inst.export(name, wasm.KindMemory)
	if err != nil {
		return nil, err
	}
	return ext.(*Memory), nil
}

// Table returns an exported table.
func (inst *Instance) Table(name string) (*Table, error) {
	ext, err := inst.export(name, wasm.KindTable)
	if err != nil {
		return nil, err
	}
	return ext.(*Table), nil
}

// Global returns an exported global.
func (inst *Instance) Global(name string) (*Global, error) {
	ext, err := inst.export(name, wasm.KindGlobal)
	if err != nil {
		return nil, err
	}
	return ext.(*Global), nil
}

// Call invokes an exported function by name.
func (inst *Instance) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	if inst.state == Terminated {
		return nil, errors.Terminated("instance is terminated")
	}
	f, err := inst.Function(name)
	if err != nil {
		return nil, err
	}
	return f.Call(ctx, args...)
}

// Close terminates the instance. Its memories stay with the store; the
// artifact reference is dropped once no call is running in it.
func (inst *Instance) Close() error {
	inst.terminate()
	return nil
}

func (inst *Instance) terminate() {
	if inst.state == Terminated {
		return
	}
	wasLive := inst.state != Created
	inst.state = Terminated
	if wasLive {
		metrics.Instances.Dec()
	}
	if inst.active == 0 {
		inst.release()
	}
}

func (inst *Instance) release() {
	if inst.released {
		return
	}
	inst.released = true
	inst.art.Release()
}

// leave is called as each frame of the instance is popped.
func (inst *Instance) leave(err error) {
	inst.active--
	if inst.active > 0 {
		return
	}
	switch {
	case inst.state == Terminated:
		inst.release()
	case err == nil:
		inst.state = Linked
	default:
		if _, ok := trap.As(err); ok {
			inst.state = SuspendedByTrap
		} else {
			inst.state = Linked
		}
	}
}
