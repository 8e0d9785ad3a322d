// Package lower translates decoded WebAssembly function bodies into isa
// bytecode. Structured control flow is resolved into absolute jumps with
// explicit stack adjustment, so the executor never tracks labels.
package lower

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/wasm"
)

type frameKind byte

const (
	frameFunction frameKind = iota
	frameBlock
	frameLoop
	frameIf
	frameElse
)

type controlFrame struct {
	patches []int // positions of branch operands that resolve to the frame end
	height  int   // operand height below the frame params
	params  int
	results int
	ifPatch int // IfZ operand awaiting the else or end offset, -1 when none
	start   uint32
	kind    frameKind
}

// arity is the number of values a branch to the frame carries.
func (f *controlFrame) arity() int {
	if f.kind == frameLoop {
		return f.params
	}
	return f.results
}

// Options tune the emitted code.
type Options struct {
	// KeepNops emits a nop for every source nop.
	KeepNops bool
}

type lowering struct {
	m        *wasm.Module
	globals  []wasm.GlobalType
	code     []byte
	local    []int // RelocCode operand positions
	relocs   []compiler.Relocation
	traps    []compiler.TrapSite
	frames   []*controlFrame
	height   int
	maxStack int
	locals   int
	tables   int
	memories int
	funcs    int
	opts     Options

	unreachable struct {
		on    bool
		depth int
	}
}

// Func lowers the body of the local function at index local.
func Func(m *wasm.Module, local int, body []wasm.Instruction, opts Options) (compiler.Function, error) {
	funcIdx := uint32(m.NumImportedFuncs() + local)
	typeIdx := m.Funcs[local]
	if int(typeIdx) >= len(m.Types) {
		return compiler.Function{}, fmt.Errorf("function %d: invalid type index %d", funcIdx, typeIdx)
	}
	ft := m.Types[typeIdx]
	declared := m.Code[local].NumLocals()

	c := &lowering{
		m:        m,
		globals:  m.GlobalTypes(),
		code:     make([]byte, isa.HeaderSize, isa.HeaderSize+len(body)*3),
		locals:   len(ft.Params) + int(declared),
		tables:   m.NumImportedTables() + len(m.Tables),
		memories: m.NumImportedMemories() + len(m.Memories),
		funcs:    m.NumFuncs(),
		opts:     opts,
	}
	c.frames = append(c.frames, &controlFrame{kind: frameFunction, results: len(ft.Results), ifPatch: -1})

	for i, in := range body {
		if len(c.frames) == 0 {
			return compiler.Function{}, fmt.Errorf("function %d: instructions after function end at offset %d", funcIdx, in.Offset)
		}
		if err := c.instruction(in); err != nil {
			return compiler.Function{}, fmt.Errorf("function %d: %s at offset %d: %w", funcIdx, name(in.Opcode), body[i].Offset, err)
		}
	}
	if len(c.frames) != 0 {
		return compiler.Function{}, fmt.Errorf("function %d: missing end", funcIdx)
	}

	isa.Header{
		Kind:      isa.KindCode,
		Params:    uint32(len(ft.Params)),
		Results:   uint32(len(ft.Results)),
		Locals:    uint32(declared),
		MaxStack:  uint32(c.maxStack),
		TypeIndex: typeIdx,
		FuncIndex: funcIdx,
	}.Put(c.code)

	for _, pos := range c.local {
		c.relocs = append(c.relocs, compiler.Relocation{
			Offset: uint32(pos),
			Kind:   compiler.RelocCode,
			Target: binary.LittleEndian.Uint32(c.code[pos:]),
		})
	}

	return compiler.Function{
		Code:        c.code,
		Relocations: c.relocs,
		Traps:       c.traps,
		Index:       funcIdx,
		TypeIndex:   typeIdx,
		NumLocals:   uint32(declared),
		MaxStack:    uint32(c.maxStack),
	}, nil
}

func name(op byte) string {
	if op == wasm.OpBlock {
		return "block"
	}
	if op == wasm.OpLoop {
		return "loop"
	}
	if op == wasm.OpElse {
		return "else"
	}
	if op == wasm.OpEnd {
		return "end"
	}
	return isa.Name(op)
}

func (c *lowering) pc() uint32 { return uint32(len(c.code)) }

func (c *lowering) emit(op byte) {
	if kind, ok := isa.TrapKind(op); ok {
		c.traps = append(c.traps, compiler.TrapSite{Offset: c.pc(), Kind: kind})
	}
	c.code = append(c.code, op)
}

func (c *lowering) u32(v uint32) { c.code = isa.Put32(c.code, v) }
func (c *lowering) u64(v uint64) { c.code = isa.Put64(c.code, v) }

func (c *lowering) top() *controlFrame { return c.frames[len(c.frames)-1] }

func (c *lowering) pop(n int) error {
	if c.height-n < c.top().height {
		return fmt.Errorf("operand stack underflow: need %d, have %d", n, c.height-c.top().height)
	}
	c.height -= n
	return nil
}

func (c *lowering) push(n int) {
	c.height += n
	if c.height > c.maxStack {
		c.maxStack = c.height
	}
}

func (c *lowering) apply(pops, pushes int) error {
	if err := c.pop(pops); err != nil {
		return err
	}
	c.push(pushes)
	return nil
}

func (c *lowering) blockArity(bt int64) (int, int, error) {
	switch bt {
	case wasm.BlockTypeVoid:
		return 0, 0, nil
	case wasm.BlockTypeI32, wasm.BlockTypeI64, wasm.BlockTypeF32, wasm.BlockTypeF64,
		wasm.BlockTypeFunc, wasm.BlockTypeExt:
		return 0, 1, nil
	}
	if bt < 0 || bt >= int64(len(c.m.Types)) {
		return 0, 0, fmt.Errorf("invalid block type %d", bt)
	}
	ft := c.m.Types[bt]
	return len(ft.Params), len(ft.Results), nil
}

// branch writes the target, drop and keep operands for a jump to the frame
// at label depth l.
func (c *lowering) branch(l uint32) error {
	if int(l) >= len(c.frames) {
		return fmt.Errorf("invalid label depth %d", l)
	}
	f := c.frames[len(c.frames)-1-int(l)]
	keep := f.arity()
	drop := c.height - f.height - keep
	if drop < 0 {
		return fmt.Errorf("branch needs %d values, have %d", keep, c.height-f.height)
	}
	pos := len(c.code)
	if f.kind == frameLoop {
		c.u32(f.start)
	} else {
		c.u32(0)
		f.patches = append(f.patches, pos)
	}
	c.local = append(c.local, pos)
	c.u32(uint32(drop))
	c.u32(uint32(keep))
	return nil
}

func (c *lowering) patch(pos int, target uint32) {
	binary.LittleEndian.PutUint32(c.code[pos:], target)
}

func (c *lowering) instruction(in wasm.Instruction) error {
	if c.unreachable.on {
		switch in.Opcode {
		case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
			c.unreachable.depth++
			return nil
		case wasm.OpElse:
			if c.unreachable.depth > 0 {
				return nil
			}
		case wasm.OpEnd:
			if c.unreachable.depth > 0 {
				c.unreachable.depth--
				return nil
			}
		default:
			return nil
		}
	}

	op := in.Opcode
	switch op {
	case wasm.OpUnreachable:
		c.emit(isa.Unreachable)
		c.unreachable.on = true

	case wasm.OpNop:
		if c.opts.KeepNops {
			c.emit(isa.Nop)
		}

	case wasm.OpBlock, wasm.OpLoop, wasm.OpIf:
		params, results, err := c.blockArity(in.Imm.(wasm.BlockImm).Type)
		if err != nil {
			return err
		}
		if op == wasm.OpIf {
			if err := c.pop(1); err != nil {
				return err
			}
		}
		if c.height-c.top().height < params {
			return fmt.Errorf("block needs %d params, have %d", params, c.height-c.top().height)
		}
		f := &controlFrame{height: c.height - params, params: params, results: results, ifPatch: -1, start: c.pc()}
		switch op {
		case wasm.OpBlock:
			f.kind = frameBlock
		case wasm.OpLoop:
			f.kind = frameLoop
		case wasm.OpIf:
			f.kind = frameIf
			c.emit(isa.IfZ)
			f.ifPatch = len(c.code)
			c.local = append(c.local, f.ifPatch)
			c.u32(0)
		}
		c.frames = append(c.frames, f)

	case wasm.OpElse:
		f := c.top()
		if f.kind != frameIf {
			return fmt.Errorf("else without if")
		}
		if !c.unreachable.on {
			if c.height != f.height+f.results {
				return fmt.Errorf("then branch leaves %d values, want %d", c.height-f.height, f.results)
			}
			c.emit(isa.Br)
			pos := len(c.code)
			c.u32(0)
			f.patches = append(f.patches, pos)
			c.local = append(c.local, pos)
			c.u32(0)
			c.u32(uint32(f.results))
		}
		c.patch(f.ifPatch, c.pc())
		f.ifPatch = -1
		f.kind = frameElse
		c.height = f.height + f.params
		c.unreachable.on = false

	case wasm.OpEnd:
		f := c.top()
		if !c.unreachable.on && c.height != f.height+f.results {
			return fmt.Errorf("block leaves %d values, want %d", c.height-f.height, f.results)
		}
		if f.kind == frameIf && f.params != f.results {
			return fmt.Errorf("if without else must not change the stack")
		}
		c.frames = c.frames[:len(c.frames)-1]
		end := c.pc()
		if f.ifPatch >= 0 {
			c.patch(f.ifPatch, end)
		}
		for _, pos := range f.patches {
			c.patch(pos, end)
		}
		c.height = f.height + f.results
		if c.height > c.maxStack {
			c.maxStack = c.height
		}
		c.unreachable.on = false
		if f.kind == frameFunction {
			c.emit(isa.Return)
		}

	case wasm.OpBr:
		c.emit(isa.Br)
		if err := c.branch(in.Imm.(wasm.BranchImm).LabelIdx); err != nil {
			return err
		}
		c.unreachable.on = true

	case wasm.OpBrIf:
		if err := c.pop(1); err != nil {
			return err
		}
		c.emit(isa.BrIf)
		return c.branch(in.Imm.(wasm.BranchImm).LabelIdx)

	case wasm.OpBrTable:
		imm := in.Imm.(wasm.BrTableImm)
		if err := c.pop(1); err != nil {
			return err
		}
		c.emit(isa.BrTable)
		c.u32(uint32(len(imm.Labels)))
		for _, l := range imm.Labels {
			if err := c.branch(l); err != nil {
				return err
			}
		}
		if err := c.branch(imm.Default); err != nil {
			return err
		}
		c.unreachable.on = true

	case wasm.OpReturn:
		if err := c.pop(c.frames[0].results); err != nil {
			return err
		}
		c.emit(isa.Return)
		c.unreachable.on = true

	case wasm.OpCall:
		idx := in.Imm.(wasm.CallImm).FuncIdx
		ft := c.m.GetFuncType(idx)
		if ft == nil {
			return fmt.Errorf("invalid function index %d", idx)
		}
		if err := c.apply(len(ft.Params), len(ft.Results)); err != nil {
			return err
		}
		c.emit(isa.Call)
		c.relocs = append(c.relocs, compiler.Relocation{Offset: c.pc(), Kind: compiler.RelocFunc, Target: idx})
		c.u32(idx)

	case wasm.OpCallIndirect:
		imm := in.Imm.(wasm.CallIndirectImm)
		if int(imm.TypeIdx) >= len(c.m.Types) {
			return fmt.Errorf("invalid type index %d", imm.TypeIdx)
		}
		if int(imm.TableIdx) >= c.tables {
			return fmt.Errorf("invalid table index %d", imm.TableIdx)
		}
		ft := c.m.Types[imm.TypeIdx]
		if err := c.apply(len(ft.Params)+1, len(ft.Results)); err != nil {
			return err
		}
		c.emit(isa.CallIndirect)
		c.u32(imm.TypeIdx)
		c.u32(imm.TableIdx)

	case wasm.OpDrop:
		if err := c.pop(1); err != nil {
			return err
		}
		c.emit(isa.Drop)

	case wasm.OpSelect, wasm.OpSelectType:
		if err := c.apply(3, 1); err != nil {
			return err
		}
		c.emit(isa.Select)

	case wasm.OpLocalGet, wasm.OpLocalSet, wasm.OpLocalTee:
		idx := in.Imm.(wasm.LocalImm).LocalIdx
		if int(idx) >= c.locals {
			return fmt.Errorf("invalid local index %d", idx)
		}
		var err error
		switch op {
		case wasm.OpLocalGet:
			c.push(1)
		case wasm.OpLocalSet:
			err = c.pop(1)
		default:
			err = c.apply(1, 1)
		}
		if err != nil {
			return err
		}
		c.emit(op)
		c.u32(idx)

	case wasm.OpGlobalGet, wasm.OpGlobalSet:
		idx := in.Imm.(wasm.GlobalImm).GlobalIdx
		if int(idx) >= len(c.globals) {
			return fmt.Errorf("invalid global index %d", idx)
		}
		if op == wasm.OpGlobalSet {
			if !c.globals[idx].Mutable {
				return fmt.Errorf("global %d is immutable", idx)
			}
			if err := c.pop(1); err != nil {
				return err
			}
		} else {
			c.push(1)
		}
		c.emit(op)
		c.u32(idx)

	case wasm.OpTableGet, wasm.OpTableSet:
		idx := in.Imm.(wasm.TableImm).TableIdx
		if int(idx) >= c.tables {
			return fmt.Errorf("invalid table index %d", idx)
		}
		var err error
		if op == wasm.OpTableGet {
			err = c.apply(1, 1)
		} else {
			err = c.pop(2)
		}
		if err != nil {
			return err
		}
		c.emit(op)
		c.u32(idx)

	case wasm.OpMemorySize, wasm.OpMemoryGrow:
		if c.memories == 0 {
			return fmt.Errorf("no memory")
		}
		var err error
		if op == wasm.OpMemorySize {
			c.push(1)
		} else {
			err = c.apply(1, 1)
		}
		if err != nil {
			return err
		}
		c.emit(op)

	case wasm.OpI32Const:
		c.push(1)
		c.emit(op)
		c.u32(uint32(in.Imm.(wasm.I32Imm).Value))
	case wasm.OpI64Const:
		c.push(1)
		c.emit(op)
		c.u64(uint64(in.Imm.(wasm.I64Imm).Value))
	case wasm.OpF32Const:
		c.push(1)
		c.emit(op)
		c.u32(in.Imm.(wasm.F32Imm).Bits)
	case wasm.OpF64Const:
		c.push(1)
		c.emit(op)
		c.u64(in.Imm.(wasm.F64Imm).Bits)

	case wasm.OpRefNull:
		c.push(1)
		c.emit(op)
	case wasm.OpRefIsNull:
		if err := c.apply(1, 1); err != nil {
			return err
		}
		c.emit(op)
	case wasm.OpRefFunc:
		idx := in.Imm.(wasm.RefFuncImm).FuncIdx
		if int(idx) >= c.funcs {
			return fmt.Errorf("invalid function index %d", idx)
		}
		c.push(1)
		c.emit(op)
		c.u32(idx)

	case wasm.OpPrefixMisc:
		return c.misc(in.Imm.(wasm.MiscImm))

	case isa.I32AddImm:
		if err := c.apply(1, 1); err != nil {
			return err
		}
		c.emit(op)
		c.u32(uint32(in.Imm.(wasm.I32Imm).Value))
	case isa.I64AddImm:
		if err := c.apply(1, 1); err != nil {
			return err
		}
		c.emit(op)
		c.u64(uint64(in.Imm.(wasm.I64Imm).Value))

	default:
		switch {
		case op >= wasm.OpI32Load && op <= wasm.OpI64Store32:
			return c.memoryAccess(op, in.Imm.(wasm.MemoryImm))
		case op >= wasm.OpI32Eqz && op <= wasm.OpI64Extend32S:
			var err error
			if unary(op) {
				err = c.apply(1, 1)
			} else {
				err = c.apply(2, 1)
			}
			if err != nil {
				return err
			}
			c.emit(op)
		default:
			return fmt.Errorf("unsupported opcode 0x%02x", op)
		}
	}
	return nil
}

func (c *lowering) memoryAccess(op byte, imm wasm.MemoryImm) error {
	if imm.MemIdx >= uint32(c.memories) {
		return fmt.Errorf("invalid memory index %d", imm.MemIdx)
	}
	if imm.Offset > math.MaxUint32 {
		return fmt.Errorf("offset %d exceeds 32-bit address space", imm.Offset)
	}
	var err error
	if op <= wasm.OpI64Load32U {
		err = c.apply(1, 1)
	} else {
		err = c.pop(2)
	}
	if err != nil {
		return err
	}
	c.emit(op)
	c.u32(uint32(imm.Offset))
	return nil
}

func (c *lowering) misc(imm wasm.MiscImm) error {
	op := isa.MiscBase + byte(imm.SubOpcode)
	var pops, pushes int
	var operands []uint32
	switch imm.SubOpcode {
	case wasm.MiscI32TruncSatF32S, wasm.MiscI32TruncSatF32U, wasm.MiscI32TruncSatF64S, wasm.MiscI32TruncSatF64U,
		wasm.MiscI64TruncSatF32S, wasm.MiscI64TruncSatF32U, wasm.MiscI64TruncSatF64S, wasm.MiscI64TruncSatF64U:
		pops, pushes = 1, 1
	case wasm.MiscMemoryInit:
		if err := c.checkData(imm.Operands[0]); err != nil {
			return err
		}
		pops, operands = 3, imm.Operands[:1]
	case wasm.MiscDataDrop:
		if err := c.checkData(imm.Operands[0]); err != nil {
			return err
		}
		operands = imm.Operands[:1]
	case wasm.MiscMemoryCopy, wasm.MiscMemoryFill:
		if c.memories == 0 {
			return fmt.Errorf("no memory")
		}
		pops = 3
	case wasm.MiscTableInit:
		if int(imm.Operands[0]) >= len(c.m.Elements) {
			return fmt.Errorf("invalid element index %d", imm.Operands[0])
		}
		if int(imm.Operands[1]) >= c.tables {
			return fmt.Errorf("invalid table index %d", imm.Operands[1])
		}
		pops, operands = 3, imm.Operands
	case wasm.MiscElemDrop:
		if int(imm.Operands[0]) >= len(c.m.Elements) {
			return fmt.Errorf("invalid element index %d", imm.Operands[0])
		}
		operands = imm.Operands
	case wasm.MiscTableCopy:
		for _, t := range imm.Operands {
			if int(t) >= c.tables {
				return fmt.Errorf("invalid table index %d", t)
			}
		}
		pops, operands = 3, imm.Operands
	case wasm.MiscTableGrow, wasm.MiscTableSize, wasm.MiscTableFill:
		if int(imm.Operands[0]) >= c.tables {
			return fmt.Errorf("invalid table index %d", imm.Operands[0])
		}
		operands = imm.Operands
		switch imm.SubOpcode {
		case wasm.MiscTableGrow:
			pops, pushes = 2, 1
		case wasm.MiscTableSize:
			pushes = 1
		default:
			pops = 3
		}
	default:
		return fmt.Errorf("unsupported 0xfc sub-opcode %d", imm.SubOpcode)
	}
	if err := c.apply(pops, pushes); err != nil {
		return err
	}
	c.emit(op)
	for _, v := range operands {
		c.u32(v)
	}
	return nil
}

func (c *lowering) checkData(idx uint32) error {
	if c.m.DataCount == nil {
		return fmt.Errorf("data segment reference requires a data count section")
	}
	if int(idx) >= len(c.m.Data) {
		return fmt.Errorf("invalid data index %d", idx)
	}
	return nil
}

func unary(op byte) bool {
	switch {
	case op == wasm.OpI32Eqz, op == wasm.OpI64Eqz:
		return true
	case op >= wasm.OpI32Clz && op <= wasm.OpI32Popcnt:
		return true
	case op >= wasm.OpI64Clz && op <= wasm.OpI64Popcnt:
		return true
	case op >= wasm.OpF32Abs && op <= wasm.OpF32Sqrt:
		return true
	case op >= wasm.OpF64Abs && op <= wasm.OpF64Sqrt:
		return true
	case op >= wasm.OpI32WrapI64:
		return true
	}
	return false
}
