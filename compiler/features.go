package compiler

import (
	"strings"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

// Implemented is the set of proposals the backends can lower.
var Implemented = target.Features{
	MutableGlobal:        true,
	SignExtension:        true,
	SaturatingFloatToInt: true,
	MultiValue:           true,
	BulkMemory:           true,
	ReferenceTypes:       true,
}

// Prepared is a module whose bodies are decoded and whose feature use has
// been checked against an enabled set.
type Prepared struct {
	Module   *wasm.Module
	Bodies   [][]wasm.Instruction
	Required target.Features
}

// Prepare decodes every function body and rejects modules that use a
// proposal the enabled set excludes or no backend implements.
func Prepare(m *wasm.Module, enabled target.Features) (*Prepared, error) {
	p := &Prepared{Module: m, Bodies: make([][]wasm.Instruction, len(m.Code))}
	if len(m.Code) != len(m.Funcs) {
		return nil, errors.Compile(errors.KindInvalidModule, nil, "%d function bodies for %d functions", len(m.Code), len(m.Funcs))
	}
	req, err := moduleFeatures(m)
	if err != nil {
		return nil, err
	}
	for i, body := range m.Code {
		instrs, err := wasm.DecodeInstructions(body.Code)
		if err != nil {
			if f, ok := unsupportedFeature(err); ok {
				req = req.Union(f)
				continue
			}
			return nil, errors.New(errors.PhaseCompile, errors.KindMalformed).
				Cause(err).
				Detail("function %d", uint32(m.NumImportedFuncs()+i)).
				Build()
		}
		p.Bodies[i] = instrs
		req = req.Union(codeFeatures(m, body, instrs))
	}
	p.Required = req
	if err := checkFeatures(req, enabled); err != nil {
		return nil, err
	}
	return p, nil
}

// RequiredFeatures reports the proposals a module uses.
func RequiredFeatures(m *wasm.Module) (target.Features, error) {
	p, err := Prepare(m, target.FeaturesFromBits(^uint32(0)))
	if p != nil {
		return p.Required, nil
	}
	var e *errors.Error
	if errors.As(err, &e) && e.Kind == errors.KindUnsupported {
		if f, ok := e.Value.(target.Features); ok {
			return f, nil
		}
	}
	return target.Features{}, err
}

func checkFeatures(req, enabled target.Features) error {
	if missing := enabled.Missing(req); len(missing) > 0 {
		return errors.New(errors.PhaseCompile, errors.KindUnsupportedFeature).
			Value(req).
			Detail("module uses disabled features: %s", strings.Join(missing, ", ")).
			Build()
	}
	if missing := Implemented.Missing(req); len(missing) > 0 {
		return errors.New(errors.PhaseCompile, errors.KindUnsupported).
			Value(req).
			Detail("features not implemented by any backend: %s", strings.Join(missing, ", ")).
			Build()
	}
	return nil
}

func unsupportedFeature(err error) (target.Features, bool) {
	var u *wasm.UnsupportedOpcodeError
	if !errors.As(err, &u) {
		return target.Features{}, false
	}
	switch u.Prefix {
	case wasm.OpPrefixSIMD:
		return target.Features{SIMD: true}, true
	case wasm.OpPrefixAtomic:
		return target.Features{Threads: true}, true
	case wasm.OpReturnCall, wasm.OpReturnCallIndirect:
		return target.Features{TailCall: true}, true
	}
	return target.Features{}, false
}

func moduleFeatures(m *wasm.Module) (target.Features, error) {
	var f target.Features
	for _, ft := range m.Types {
		if len(ft.Results) > 1 {
			f.MultiValue = true
		}
		for _, v := range append(append([]wasm.ValType{}, ft.Params...), ft.Results...) {
			markValType(&f, v)
		}
	}
	for _, imp := range m.Imports {
		switch imp.Desc.Kind {
		case wasm.KindGlobal:
			if imp.Desc.Global.Mutable {
				f.MutableGlobal = true
			}
			markValType(&f, imp.Desc.Global.ValType)
		case wasm.KindMemory:
			markLimits(&f, imp.Desc.Memory.Limits)
		case wasm.KindTable:
			markValType(&f, imp.Desc.Table.ElemType)
		}
	}
	for _, mem := range m.Memories {
		markLimits(&f, mem.Limits)
	}
	if m.NumImportedMemories()+len(m.Memories) > 1 {
		f.MultiMemory = true
	}
	if m.NumImportedTables()+len(m.Tables) > 1 {
		f.ReferenceTypes = true
	}
	for _, t := range m.Tables {
		markValType(&f, t.ElemType)
	}
	for _, g := range m.Globals {
		markValType(&f, g.Type.ValType)
	}
	globals := m.GlobalTypes()
	for _, exp := range m.Exports {
		if exp.Kind == wasm.KindGlobal && int(exp.Idx) < len(globals) && globals[exp.Idx].Mutable {
			f.MutableGlobal = true
		}
	}
	for _, e := range m.Elements {
		if e.Mode != wasm.SegmentActive || e.Table != 0 {
			f.BulkMemory = true
		}
		if e.Type != wasm.ValFuncRef {
			f.ReferenceTypes = true
		}
		for _, init := range e.Init {
			c, err := wasm.DecodeConstExpr(init)
			if err != nil {
				return f, errors.Compile(errors.KindMalformed, err, "element initializer")
			}
			if c.Opcode != wasm.OpRefFunc {
				f.BulkMemory = true
			}
		}
	}
	if m.DataCount != nil {
		f.BulkMemory = true
	}
	for _, d := range m.Data {
		if d.Mode != wasm.SegmentActive {
			f.BulkMemory = true
		}
		if d.Memory != 0 {
			f.MultiMemory = true
		}
	}
	return f, nil
}

func markValType(f *target.Features, v wasm.ValType) {
	switch {
	case v == wasm.ValV128:
		f.SIMD = true
	case v.IsRef() && v != wasm.ValFuncRef:
		f.ReferenceTypes = true
	}
}

func markLimits(f *target.Features, l wasm.Limits) {
	if l.Shared {
		f.Threads = true
	}
	if l.Memory64 {
		f.Memory64 = true
	}
}

func codeFeatures(m *wasm.Module, body wasm.FuncBody, instrs []wasm.Instruction) target.Features {
	var f target.Features
	for _, l := range body.Locals {
		markValType(&f, l.ValType)
		if l.ValType == wasm.ValFuncRef {
			f.ReferenceTypes = true
		}
	}
	for _, in := range instrs {
		op := in.Opcode
		switch {
		case op >= wasm.OpI32Extend8S && op <= wasm.OpI64Extend32S:
			f.SignExtension = true
		case op == wasm.OpTableGet, op == wasm.OpTableSet, op == wasm.OpSelectType,
			op == wasm.OpRefNull, op == wasm.OpRefIsNull, op == wasm.OpRefFunc:
			f.ReferenceTypes = true
		case op == wasm.OpBlock, op == wasm.OpLoop, op == wasm.OpIf:
			bt := in.Imm.(wasm.BlockImm).Type
			if bt == wasm.BlockTypeV128 {
				f.SIMD = true
			}
			if bt >= 0 {
				if int(bt) < len(m.Types) {
					ft := m.Types[bt]
					if len(ft.Params) > 0 || len(ft.Results) > 1 {
						f.MultiValue = true
					}
				}
			}
		case op == wasm.OpCallIndirect:
			if in.Imm.(wasm.CallIndirectImm).TableIdx != 0 {
				f.ReferenceTypes = true
			}
		case op >= wasm.OpI32Load && op <= wasm.OpI64Store32:
			if in.Imm.(wasm.MemoryImm).MemIdx != 0 {
				f.MultiMemory = true
			}
		case op == wasm.OpMemorySize || op == wasm.OpMemoryGrow:
			if in.Imm.(wasm.MemoryIdxImm).MemIdx != 0 {
				f.MultiMemory = true
			}
		case op == wasm.OpPrefixMisc:
			sub := in.Imm.(wasm.MiscImm).SubOpcode
			switch {
			case sub <= wasm.MiscI64TruncSatF64U:
				f.SaturatingFloatToInt = true
			case sub <= wasm.MiscTableCopy:
				f.BulkMemory = true
			default:
				f.ReferenceTypes = true
			}
		}
	}
	return f
}
