package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-engine/internal/binary"
)

// Validate checks the module for structural validity: every index refers to
// something that exists and every constant expression is well formed.
// Instruction-level typing is checked when function bodies are lowered.
func (m *Module) Validate() error {
	checks := []func() error{
		m.validateTypeIndices,
		m.validateLimits,
		m.validateGlobals,
		m.validateExports,
		m.validateStart,
		m.validateElements,
		m.validateData,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// ParseModuleValidate parses a WebAssembly binary and validates it.
func ParseModuleValidate(data []byte) (*Module, error) {
	m, err := ParseModule(data)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Module) validateTypeIndices() error {
	numTypes := uint32(len(m.Types))
	for i, typeIdx := range m.Funcs {
		if typeIdx >= numTypes {
			return fmt.Errorf("function %d references invalid type index %d", i, typeIdx)
		}
	}
	for i, imp := range m.Imports {
		if imp.Desc.Kind == KindFunc && imp.Desc.TypeIdx >= numTypes {
			return fmt.Errorf("import %d (%s.%s) references invalid type index %d", i, imp.Module, imp.Name, imp.Desc.TypeIdx)
		}
	}
	return nil
}

func (m *Module) validateLimits() error {
	for i, imp := range m.Imports {
		switch imp.Desc.Kind {
		case KindMemory:
			if err := validateMemoryLimits(imp.Desc.Memory.Limits); err != nil {
				return fmt.Errorf("import %d (%s.%s): %w", i, imp.Module, imp.Name, err)
			}
		case KindTable:
			if err := validateTableLimits(imp.Desc.Table.Limits); err != nil {
				return fmt.Errorf("import %d (%s.%s): %w", i, imp.Module, imp.Name, err)
			}
		}
	}
	for i, mem := range m.Memories {
		if err := validateMemoryLimits(mem.Limits); err != nil {
			return fmt.Errorf("memory %d: %w", i, err)
		}
	}
	for i, t := range m.Tables {
		if err := validateTableLimits(t.Limits); err != nil {
			return fmt.Errorf("table %d: %w", i, err)
		}
	}
	return nil
}

func validateMemoryLimits(l Limits) error {
	if !l.Memory64 && l.Min > MaxPages {
		return fmt.Errorf("memory size must be at most %d pages", MaxPages)
	}
	if l.Max != nil {
		if !l.Memory64 && *l.Max > MaxPages {
			return fmt.Errorf("memory size must be at most %d pages", MaxPages)
		}
		if *l.Max < l.Min {
			return errors.New("size minimum must not be greater than maximum")
		}
	}
	return nil
}

func validateTableLimits(l Limits) error {
	if l.Max != nil && *l.Max < l.Min {
		return errors.New("size minimum must not be greater than maximum")
	}
	return nil
}

func (m *Module) validateGlobals() error {
	imported := uint32(m.NumImportedGlobals())
	for i, g := range m.Globals {
		t, err := m.constExprType(g.Init, imported)
		if err != nil {
			return fmt.Errorf("global %d: %w", i, err)
		}
		if t != g.Type.ValType {
			return fmt.Errorf("global %d: type mismatch: initializer is %s, global is %s", i, t, g.Type.ValType)
		}
	}
	return nil
}

func (m *Module) validateExports() error {
	numFuncs := uint32(m.NumFuncs())
	numTables := uint32(m.NumImportedTables() + len(m.Tables))
	numMems := uint32(m.NumImportedMemories() + len(m.Memories))
	numGlobals := uint32(m.NumImportedGlobals() + len(m.Globals))
	for i, exp := range m.Exports {
		var limit uint32
		switch exp.Kind {
		case KindFunc:
			limit = numFuncs
		case KindTable:
			limit = numTables
		case KindMemory:
			limit = numMems
		case KindGlobal:
			limit = numGlobals
		}
		if exp.Idx >= limit {
			return fmt.Errorf("export %d (%s) references invalid %s index %d", i, exp.Name, KindName(exp.Kind), exp.Idx)
		}
	}
	return nil
}

func (m *Module) validateStart() error {
	if m.Start == nil {
		return nil
	}
	ft := m.GetFuncType(*m.Start)
	if ft == nil {
		return fmt.Errorf("start function index %d exceeds function count %d", *m.Start, m.NumFuncs())
	}
	if len(ft.Params) != 0 || len(ft.Results) != 0 {
		return fmt.Errorf("start function must have type () -> (), got %s", ft)
	}
	return nil
}

func (m *Module) validateElements() error {
	tables := m.TableTypes()
	globals := uint32(m.NumImportedGlobals() + len(m.Globals))
	for i, e := range m.Elements {
		if e.Mode == SegmentActive {
			if int(e.Table) >= len(tables) {
				return fmt.Errorf("element %d references invalid table index %d", i, e.Table)
			}
			if tables[e.Table].ElemType != e.Type {
				return fmt.Errorf("element %d type %s does not match table type %s", i, e.Type, tables[e.Table].ElemType)
			}
			t, err := m.constExprType(e.Offset, globals)
			if err != nil {
				return fmt.Errorf("element %d offset: %w", i, err)
			}
			if t != ValI32 {
				return fmt.Errorf("element %d offset must be i32, got %s", i, t)
			}
		}
		for j, expr := range e.Init {
			t, err := m.constExprType(expr, globals)
			if err != nil {
				return fmt.Errorf("element %d entry %d: %w", i, j, err)
			}
			if t != e.Type {
				return fmt.Errorf("element %d entry %d has type %s, want %s", i, j, t, e.Type)
			}
		}
	}
	return nil
}

func (m *Module) validateData() error {
	numMems := uint32(m.NumImportedMemories() + len(m.Memories))
	globals := uint32(m.NumImportedGlobals() + len(m.Globals))
	for i, d := range m.Data {
		if d.Mode != SegmentActive {
			continue
		}
		if d.Memory >= numMems {
			return fmt.Errorf("data segment %d references invalid memory index %d", i, d.Memory)
		}
		t, err := m.constExprType(d.Offset, globals)
		if err != nil {
			return fmt.Errorf("data segment %d offset: %w", i, err)
		}
		if t != ValI32 {
			return fmt.Errorf("data segment %d offset must be i32, got %s", i, t)
		}
	}
	return nil
}

// constExprType checks a constant expression and returns the type it produces.
// global.get may only reference the first maxGlobal globals.
func (m *Module) constExprType(expr []byte, maxGlobal uint32) (ValType, error) {
	c, err := DecodeConstExpr(expr)
	if err != nil {
		return 0, err
	}
	switch c.Opcode {
	case OpI32Const:
		return ValI32, nil
	case OpI64Const:
		return ValI64, nil
	case OpF32Const:
		return ValF32, nil
	case OpF64Const:
		return ValF64, nil
	case OpRefNull:
		return c.Type, nil
	case OpRefFunc:
		if int(c.Index) >= m.NumFuncs() {
			return 0, fmt.Errorf("ref.func references invalid function index %d", c.Index)
		}
		return ValFuncRef, nil
	case OpGlobalGet:
		globals := m.GlobalTypes()
		if c.Index >= maxGlobal || int(c.Index) >= len(globals) {
			return 0, fmt.Errorf("global.get references unknown global %d", c.Index)
		}
		if globals[c.Index].Mutable {
			return 0, fmt.Errorf("constant expression requires immutable global %d", c.Index)
		}
		return globals[c.Index].ValType, nil
	}
	return 0, fmt.Errorf("unsupported constant opcode 0x%02x", c.Opcode)
}

// ConstExpr is a decoded single-instruction constant expression.
type ConstExpr struct {
	Value  uint64 // raw bits for numeric constants
	Index  uint32 // global or function index
	Opcode byte
	Type   ValType // reference type for ref.null
}

// DecodeConstExpr decodes an expression produced by the module decoder.
func DecodeConstExpr(expr []byte) (ConstExpr, error) {
	r := binary.NewReader(expr)
	op, err := r.ReadByte()
	if err != nil {
		return ConstExpr{}, errors.New("empty constant expression")
	}
	c := ConstExpr{Opcode: op}
	switch op {
	case OpI32Const:
		v, err := r.ReadS32()
		if err != nil {
			return ConstExpr{}, err
		}
		c.Value = uint64(uint32(v))
	case OpI64Const:
		v, err := r.ReadS64()
		if err != nil {
			return ConstExpr{}, err
		}
		c.Value = uint64(v)
	case OpF32Const:
		v, err := r.ReadU32LE()
		if err != nil {
			return ConstExpr{}, err
		}
		c.Value = uint64(v)
	case OpF64Const:
		if c.Value, err = r.ReadU64LE(); err != nil {
			return ConstExpr{}, err
		}
	case OpGlobalGet, OpRefFunc:
		if c.Index, err = r.ReadU32(); err != nil {
			return ConstExpr{}, err
		}
	case OpRefNull:
		t, err := r.ReadByte()
		if err != nil {
			return ConstExpr{}, err
		}
		c.Type = ValType(t)
		if !c.Type.IsRef() {
			return ConstExpr{}, fmt.Errorf("invalid ref.null type 0x%02x", t)
		}
	default:
		return ConstExpr{}, fmt.Errorf("unsupported constant opcode 0x%02x", op)
	}
	end, err := r.ReadByte()
	if err != nil || end != OpEnd || r.Len() != 0 {
		return ConstExpr{}, errors.New("constant expression must be a single instruction followed by end")
	}
	return c, nil
}
