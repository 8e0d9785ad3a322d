// Package artifact holds the immutable output of compiling a module: the
// compiled functions, the module's declarations and the target they were
// built for. Artifacts can be serialized and loaded back on a compatible
// host, and are mapped into a sealed code region before execution.
package artifact

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

// Artifact is a compiled module. It is safe for concurrent use.
//
// The handle returned by compilation holds one reference and every
// instance created from it holds another. The code region is unmapped
// when the last reference is released.
type Artifact struct {
	module    *wasm.Module // declarations only, no code
	functions []compiler.Function
	target    target.Target
	features  target.Features
	required  target.Features
	compiler  string

	refs   atomic.Int64
	closed atomic.Bool

	mapOnce sync.Once
	mapMu   sync.Mutex
	code    *Code
	mapErr  error
}

// New wraps compiler output. m may still carry code; only its declarations
// are kept.
func New(m *wasm.Module, out *compiler.Output, features target.Features, tgt target.Target, compilerName string) *Artifact {
	a := &Artifact{
		module:    m.StripCode(),
		functions: out.Functions,
		target:    tgt,
		features:  features,
		required:  out.Required,
		compiler:  compilerName,
	}
	a.refs.Store(1)
	return a
}

// Module returns the module declarations. Function bodies are absent.
func (a *Artifact) Module() *wasm.Module { return a.module }

// Functions returns the compiled bodies of the locally defined functions.
func (a *Artifact) Functions() []compiler.Function { return a.functions }

// Target returns the target the code was built for.
func (a *Artifact) Target() target.Target { return a.target }

// Features returns the feature set the module was compiled under.
func (a *Artifact) Features() target.Features { return a.features }

// Required returns the proposals the module uses.
func (a *Artifact) Required() target.Features { return a.required }

// Compiler returns the name of the backend that produced the code.
func (a *Artifact) Compiler() string { return a.compiler }

// Refs returns the current reference count.
func (a *Artifact) Refs() int64 { return a.refs.Load() }

// Retain adds a reference. It fails once the artifact has been released.
func (a *Artifact) Retain() error {
	for {
		n := a.refs.Load()
		if n <= 0 {
			return errors.New(errors.PhaseInstance, errors.KindReleased).Detail("artifact already released").Build()
		}
		if a.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference and unmaps the code when none remain.
func (a *Artifact) Release() {
	if a.refs.Add(-1) != 0 {
		return
	}
	a.mapMu.Lock()
	defer a.mapMu.Unlock()
	if a.code != nil {
		if err := a.code.release(); err != nil {
			Logger().Warn("unmap code region", zap.Error(err))
		}
		Logger().Debug("released artifact code", zap.String("compiler", a.compiler))
	}
}

// Close releases the reference held by the compile handle. Instances
// created earlier keep the code alive. Calling Close twice is a no-op.
func (a *Artifact) Close() error {
	if a.closed.CompareAndSwap(false, true) {
		a.Release()
	}
	return nil
}

// Map lays the code out in a sealed region for host and resolves
// relocations. The work happens once; later calls return the same region.
// Code built for a different target is refused.
func (a *Artifact) Map(host target.Target) (*Code, error) {
	if !host.CompatibleWith(a.target) {
		return nil, errors.New(errors.PhaseLink, errors.KindTargetMismatch).
			Detail("artifact built for %s cannot run on %s", a.target.Tag(), host.Tag()).
			Build()
	}
	if a.refs.Load() <= 0 {
		return nil, errors.New(errors.PhaseInstance, errors.KindReleased).Detail("artifact already released").Build()
	}
	a.mapOnce.Do(func() {
		a.mapMu.Lock()
		defer a.mapMu.Unlock()
		a.code, a.mapErr = layout(a.module, a.functions)
		if a.mapErr == nil {
			Logger().Debug("mapped artifact",
				zap.String("compiler", a.compiler),
				zap.Int("functions", len(a.code.entries)),
				zap.Int("bytes", len(a.code.Bytes())))
		}
	})
	return a.code, a.mapErr
}

// Mapped reports whether Map has run successfully.
func (a *Artifact) Mapped() bool {
	a.mapMu.Lock()
	defer a.mapMu.Unlock()
	return a.code != nil && a.code.region != nil
}

// ExternType describes an importable or exportable entity. Exactly one
// pointer matching Kind is set.
type ExternType struct {
	Func   *wasm.FuncType
	Table  *wasm.TableType
	Memory *wasm.MemoryType
	Global *wasm.GlobalType
	Kind   byte
}

func (t ExternType) String() string {
	switch t.Kind {
	case wasm.KindFunc:
		return "func " + t.Func.String()
	case wasm.KindGlobal:
		if t.Global.Mutable {
			return "global mut " + t.Global.ValType.String()
		}
		return "global " + t.Global.ValType.String()
	}
	return wasm.KindName(t.Kind)
}

// ImportType is one import of the module, in declaration order.
type ImportType struct {
	Module string
	Name   string
	Type   ExternType
}

// ExportType is one export of the module.
type ExportType struct {
	Name string
	Type ExternType
}

// Imports lists the module's imports in declaration order.
func (a *Artifact) Imports() []ImportType {
	m := a.module
	out := make([]ImportType, 0, len(m.Imports))
	for _, imp := range m.Imports {
		it := ImportType{Module: imp.Module, Name: imp.Name, Type: ExternType{Kind: imp.Desc.Kind}}
		switch imp.Desc.Kind {
		case wasm.KindFunc:
			ft := m.Types[imp.Desc.TypeIdx]
			it.Type.Func = &ft
		case wasm.KindTable:
			it.Type.Table = imp.Desc.Table
		case wasm.KindMemory:
			it.Type.Memory = imp.Desc.Memory
		case wasm.KindGlobal:
			it.Type.Global = imp.Desc.Global
		}
		out = append(out, it)
	}
	return out
}

// Exports lists the module's exports in declaration order.
func (a *Artifact) Exports() []ExportType {
	m := a.module
	tables := m.TableTypes()
	globals := m.GlobalTypes()
	var memories []wasm.MemoryType
	for _, imp := range m.Imports {
		if imp.Desc.Kind == wasm.KindMemory {
			memories = append(memories, *imp.Desc.Memory)
		}
	}
	memories = append(memories, m.Memories...)

	out := make([]ExportType, 0, len(m.Exports))
	for _, exp := range m.Exports {
		et := ExportType{Name: exp.Name, Type: ExternType{Kind: exp.Kind}}
		switch exp.Kind {
		case wasm.KindFunc:
			et.Type.Func = m.GetFuncType(exp.Idx)
		case wasm.KindTable:
			et.Type.Table = &tables[exp.Idx]
		case wasm.KindMemory:
			et.Type.Memory = &memories[exp.Idx]
		case wasm.KindGlobal:
			et.Type.Global = &globals[exp.Idx]
		}
		out = append(out, et)
	}
	return out
}
