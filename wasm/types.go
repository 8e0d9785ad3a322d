package wasm

import "strings"

// Module represents a decoded WebAssembly module.
type Module struct {
	Start          *uint32
	DataCount      *uint32
	Types          []FuncType
	Imports        []Import
	Funcs          []uint32 // type indices of locally defined functions
	Tables         []TableType
	Memories       []MemoryType
	Globals        []Global
	Exports        []Export
	Elements       []Element
	Code           []FuncBody
	Data           []DataSegment
	CustomSections []CustomSection
}

// FuncType is a function signature.
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures are structurally identical.
func (f FuncType) Equal(o FuncType) bool {
	if len(f.Params) != len(o.Params) || len(f.Results) != len(o.Results) {
		return false
	}
	for i := range f.Params {
		if f.Params[i] != o.Params[i] {
			return false
		}
	}
	for i := range f.Results {
		if f.Results[i] != o.Results[i] {
			return false
		}
	}
	return true
}

// String renders the signature as "(i32 i64) -> (f32)".
func (f FuncType) String() string {
	var b strings.Builder
	writeTypes := func(ts []ValType) {
		b.WriteByte('(')
		for i, t := range ts {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(t.String())
		}
		b.WriteByte(')')
	}
	writeTypes(f.Params)
	b.WriteString(" -> ")
	writeTypes(f.Results)
	return b.String()
}

// Key returns a compact string usable as a map key for signature interning.
func (f FuncType) Key() string {
	b := make([]byte, 0, len(f.Params)+len(f.Results)+1)
	for _, p := range f.Params {
		b = append(b, byte(p))
	}
	b = append(b, 0)
	for _, r := range f.Results {
		b = append(b, byte(r))
	}
	return string(b)
}

// ValType is a value type encoding.
type ValType byte

func (v ValType) String() string {
	switch v {
	case ValI32:
		return "i32"
	case ValI64:
		return "i64"
	case ValF32:
		return "f32"
	case ValF64:
		return "f64"
	case ValV128:
		return "v128"
	case ValFuncRef:
		return "funcref"
	case ValExtern:
		return "externref"
	}
	return "unknown"
}

// IsRef reports whether v is a reference type.
func (v ValType) IsRef() bool {
	return v == ValFuncRef || v == ValExtern
}

// Import is an entry in the import section.
type Import struct {
	Module string
	Name   string
	Desc   ImportDesc
}

// ImportDesc describes what an import provides. Only the field matching Kind is set.
type ImportDesc struct {
	Table   *TableType
	Memory  *MemoryType
	Global  *GlobalType
	TypeIdx uint32
	Kind    byte
}

// TableType describes a table.
type TableType struct {
	Limits   Limits
	ElemType ValType
}

// MemoryType describes a linear memory.
type MemoryType struct {
	Limits Limits
}

// Limits bound a memory or table size.
type Limits struct {
	Max      *uint64
	Min      uint64
	Shared   bool
	Memory64 bool
}

// GlobalType describes a global.
type GlobalType struct {
	ValType ValType
	Mutable bool
}

// Global is a module-defined global with its constant initializer.
type Global struct {
	Init []byte // constant expression including the trailing end opcode
	Type GlobalType
}

// Export is an entry in the export section.
type Export struct {
	Name string
	Kind byte
	Idx  uint32
}

// ElemMode is the mode of an element or data segment.
type ElemMode byte

const (
	SegmentActive ElemMode = iota
	SegmentPassive
	SegmentDeclarative
)

// Element is an element segment. Every initializer is kept as a constant
// expression regardless of the encoding it was read from.
type Element struct {
	Offset []byte
	Init   [][]byte
	Table  uint32
	Type   ValType
	Mode   ElemMode
}

// FuncBody is the local declarations and code of one function.
type FuncBody struct {
	Locals []LocalEntry
	Code   []byte // instructions including the final end opcode
}

// NumLocals returns the total number of declared locals, excluding params.
func (b FuncBody) NumLocals() uint64 {
	var n uint64
	for _, l := range b.Locals {
		n += uint64(l.Count)
	}
	return n
}

// LocalEntry declares Count locals of one type.
type LocalEntry struct {
	Count   uint32
	ValType ValType
}

// DataSegment is a data segment.
type DataSegment struct {
	Offset []byte
	Init   []byte
	Memory uint32
	Mode   ElemMode
}

// CustomSection is an uninterpreted custom section.
type CustomSection struct {
	Name string
	Data []byte
}

// NumImportedFuncs returns the number of imported functions.
func (m *Module) NumImportedFuncs() int {
	return m.countImports(KindFunc)
}

// NumImportedTables returns the number of imported tables.
func (m *Module) NumImportedTables() int {
	return m.countImports(KindTable)
}

// NumImportedMemories returns the number of imported memories.
func (m *Module) NumImportedMemories() int {
	return m.countImports(KindMemory)
}

// NumImportedGlobals returns the number of imported globals.
func (m *Module) NumImportedGlobals() int {
	return m.countImports(KindGlobal)
}

func (m *Module) countImports(kind byte) int {
	n := 0
	for _, imp := range m.Imports {
		if imp.Desc.Kind == kind {
			n++
		}
	}
	return n
}

// NumFuncs returns the size of the function index space.
func (m *Module) NumFuncs() int {
	return m.NumImportedFuncs() + len(m.Funcs)
}

// FuncTypeIndex returns the type index of a function in the function index space.
func (m *Module) FuncTypeIndex(funcIdx uint32) (uint32, bool) {
	i := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != KindFunc {
			continue
		}
		if i == funcIdx {
			return imp.Desc.TypeIdx, true
		}
		i++
	}
	local := funcIdx - i
	if funcIdx < i || int(local) >= len(m.Funcs) {
		return 0, false
	}
	return m.Funcs[local], true
}

// GetFuncType returns the signature of a function in the function index space.
func (m *Module) GetFuncType(funcIdx uint32) *FuncType {
	typeIdx, ok := m.FuncTypeIndex(funcIdx)
	if !ok || int(typeIdx) >= len(m.Types) {
		return nil
	}
	return &m.Types[typeIdx]
}

// GlobalTypes returns the type of every global in the global index space.
func (m *Module) GlobalTypes() []GlobalType {
	out := make([]GlobalType, 0, m.NumImportedGlobals()+len(m.Globals))
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindGlobal {
			out = append(out, *imp.Desc.Global)
		}
	}
	for _, g := range m.Globals {
		out = append(out, g.Type)
	}
	return out
}

// TableTypes returns the type of every table in the table index space.
func (m *Module) TableTypes() []TableType {
	out := make([]TableType, 0, m.NumImportedTables()+len(m.Tables))
	for _, imp := range m.Imports {
		if imp.Desc.Kind == KindTable {
			out = append(out, *imp.Desc.Table)
		}
	}
	return append(out, m.Tables...)
}

// AddType appends a type, reusing an existing identical one.
func (m *Module) AddType(ft FuncType) uint32 {
	for i, t := range m.Types {
		if t.Equal(ft) {
			return uint32(i)
		}
	}
	m.Types = append(m.Types, ft)
	return uint32(len(m.Types) - 1)
}

// StripCode returns a shallow copy of m without function bodies or custom
// sections. The result still describes every signature and segment.
func (m *Module) StripCode() *Module {
	c := *m
	c.Code = nil
	c.CustomSections = nil
	return &c
}
