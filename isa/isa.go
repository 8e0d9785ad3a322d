// Package isa defines the code format emitted by the compiler backends and
// executed by the store: a flat, register-free bytecode with resolved branch
// targets and fixed-width little-endian operands.
//
// Numeric, constant, variable and memory opcodes reuse their WebAssembly
// numbering. Structured control flow is replaced by jumps whose operands
// carry the target offset and the stack adjustment, and the 0xFC prefix
// group is folded into single-byte opcodes starting at MiscBase.
package isa

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

// Control opcodes. Br, BrIf and each BrTable entry carry three u32
// operands: target, number of values to drop, number of values to keep.
const (
	Unreachable  byte = wasm.OpUnreachable
	Nop          byte = wasm.OpNop
	IfZ          byte = wasm.OpIf // target; jumps when the popped i32 is zero
	Br           byte = wasm.OpBr
	BrIf         byte = wasm.OpBrIf
	BrTable      byte = wasm.OpBrTable // count, then count+1 entries
	Return       byte = wasm.OpReturn
	Call         byte = wasm.OpCall         // entry offset of the callee
	CallIndirect byte = wasm.OpCallIndirect // type index, table index
	Drop         byte = wasm.OpDrop
	Select       byte = wasm.OpSelect
)

// MiscBase is the opcode of the first 0xFC sub-opcode.
const MiscBase byte = 0xE0

// Misc opcodes, MiscBase plus the 0xFC sub-opcode.
const (
	I32TruncSatF32S = MiscBase + byte(wasm.MiscI32TruncSatF32S)
	I32TruncSatF32U = MiscBase + byte(wasm.MiscI32TruncSatF32U)
	I32TruncSatF64S = MiscBase + byte(wasm.MiscI32TruncSatF64S)
	I32TruncSatF64U = MiscBase + byte(wasm.MiscI32TruncSatF64U)
	I64TruncSatF32S = MiscBase + byte(wasm.MiscI64TruncSatF32S)
	I64TruncSatF32U = MiscBase + byte(wasm.MiscI64TruncSatF32U)
	I64TruncSatF64S = MiscBase + byte(wasm.MiscI64TruncSatF64S)
	I64TruncSatF64U = MiscBase + byte(wasm.MiscI64TruncSatF64U)
	MemoryInit      = MiscBase + byte(wasm.MiscMemoryInit) // data index
	DataDrop        = MiscBase + byte(wasm.MiscDataDrop)   // data index
	MemoryCopy      = MiscBase + byte(wasm.MiscMemoryCopy)
	MemoryFill      = MiscBase + byte(wasm.MiscMemoryFill)
	TableInit       = MiscBase + byte(wasm.MiscTableInit) // elem index, table index
	ElemDrop        = MiscBase + byte(wasm.MiscElemDrop)  // elem index
	TableCopy       = MiscBase + byte(wasm.MiscTableCopy) // dst table, src table
	TableGrow       = MiscBase + byte(wasm.MiscTableGrow) // table index
	TableSize       = MiscBase + byte(wasm.MiscTableSize) // table index
	TableFill       = MiscBase + byte(wasm.MiscTableFill) // table index
)

// Fused opcodes produced by the optimizing backend.
const (
	I32AddImm byte = 0xF8 // u32 immediate
	I64AddImm byte = 0xF9 // u64 immediate
)

// Function header layout. Every function entry in a code region starts
// with a header; the body follows immediately.
const (
	HeaderSize = 28

	KindCode   byte = 0
	KindImport byte = 1
)

// Header describes one function entry.
type Header struct {
	Params    uint32
	Results   uint32
	Locals    uint32 // declared locals, excluding params
	MaxStack  uint32 // operand stack slots needed above the locals
	TypeIndex uint32
	FuncIndex uint32
	Kind      byte
}

// Put writes h into the first HeaderSize bytes of dst.
func (h Header) Put(dst []byte) {
	dst[0] = h.Kind
	dst[1], dst[2], dst[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(dst[4:], h.Params)
	binary.LittleEndian.PutUint32(dst[8:], h.Results)
	binary.LittleEndian.PutUint32(dst[12:], h.Locals)
	binary.LittleEndian.PutUint32(dst[16:], h.MaxStack)
	binary.LittleEndian.PutUint32(dst[20:], h.TypeIndex)
	binary.LittleEndian.PutUint32(dst[24:], h.FuncIndex)
}

// ReadHeader decodes the header at entry.
func ReadHeader(code []byte, entry uint32) Header {
	b := code[entry : entry+HeaderSize]
	return Header{
		Kind:      b[0],
		Params:    binary.LittleEndian.Uint32(b[4:]),
		Results:   binary.LittleEndian.Uint32(b[8:]),
		Locals:    binary.LittleEndian.Uint32(b[12:]),
		MaxStack:  binary.LittleEndian.Uint32(b[16:]),
		TypeIndex: binary.LittleEndian.Uint32(b[20:]),
		FuncIndex: binary.LittleEndian.Uint32(b[24:]),
	}
}

// Trampoline returns the code of an import trampoline entry.
func Trampoline(funcIdx, typeIdx uint32, ft wasm.FuncType) []byte {
	b := make([]byte, HeaderSize)
	Header{
		Kind:      KindImport,
		Params:    uint32(len(ft.Params)),
		Results:   uint32(len(ft.Results)),
		TypeIndex: typeIdx,
		FuncIndex: funcIdx,
	}.Put(b)
	return b
}

// BranchSize is the encoded size of one branch operand triple.
const BranchSize = 12

// OperandSize returns the size of the operands following op, or -1 when
// the size depends on the operands themselves (BrTable) or op is unknown.
func OperandSize(op byte) int {
	switch {
	case op == Br || op == BrIf:
		return BranchSize
	case op == BrTable:
		return -1
	case op == IfZ, op == Call:
		return 4
	case op == CallIndirect:
		return 8
	case op >= wasm.OpLocalGet && op <= wasm.OpTableSet:
		return 4
	case op >= wasm.OpI32Load && op <= wasm.OpI64Store32:
		return 4
	case op == wasm.OpI32Const || op == wasm.OpF32Const:
		return 4
	case op == wasm.OpI64Const || op == wasm.OpF64Const:
		return 8
	case op == wasm.OpRefFunc:
		return 4
	case op == MemoryInit, op == DataDrop, op == ElemDrop, op == TableGrow, op == TableSize, op == TableFill:
		return 4
	case op == TableInit, op == TableCopy:
		return 8
	case op == I32AddImm:
		return 4
	case op == I64AddImm:
		return 8
	case op >= I32TruncSatF32S && op <= TableFill:
		return 0
	case op == Unreachable, op == Nop, op == Return, op == Drop, op == Select,
		op == wasm.OpMemorySize, op == wasm.OpMemoryGrow,
		op == wasm.OpRefNull, op == wasm.OpRefIsNull:
		return 0
	case op >= wasm.OpI32Eqz && op <= wasm.OpI64Extend32S:
		return 0
	}
	return -1
}

// InstrLen returns the full length of the instruction at pc.
func InstrLen(code []byte, pc int) (int, error) {
	if pc >= len(code) {
		return 0, fmt.Errorf("pc %d past end of code", pc)
	}
	op := code[pc]
	if op == BrTable {
		if pc+5 > len(code) {
			return 0, fmt.Errorf("truncated br_table at %d", pc)
		}
		n := binary.LittleEndian.Uint32(code[pc+1:])
		return 1 + 4 + int(n+1)*BranchSize, nil
	}
	size := OperandSize(op)
	if size < 0 {
		return 0, fmt.Errorf("invalid opcode 0x%02x at %d", op, pc)
	}
	return 1 + size, nil
}

// TrapKind returns the trap an instruction raises through the trap-offset
// table, if it can trap.
func TrapKind(op byte) (trap.Kind, bool) {
	switch {
	case op == Unreachable:
		return trap.UnreachableExecuted, true
	case op >= wasm.OpI32Load && op <= wasm.OpI64Store32,
		op == MemoryInit, op == MemoryCopy, op == MemoryFill:
		return trap.OutOfBoundsMemory, true
	case op == wasm.OpI32DivS, op == wasm.OpI32DivU, op == wasm.OpI32RemS, op == wasm.OpI32RemU,
		op == wasm.OpI64DivS, op == wasm.OpI64DivU, op == wasm.OpI64RemS, op == wasm.OpI64RemU:
		return trap.IntegerDivideByZero, true
	case op >= wasm.OpI32TruncF32S && op <= wasm.OpI32TruncF64U,
		op >= wasm.OpI64TruncF32S && op <= wasm.OpI64TruncF64U:
		return trap.IntegerOverflow, true
	case op == wasm.OpTableGet, op == wasm.OpTableSet,
		op == TableInit, op == TableCopy, op == TableFill:
		return trap.OutOfBoundsTable, true
	case op == CallIndirect:
		return trap.IndirectCallTypeMismatch, true
	case op == Call:
		return trap.StackOverflow, true
	}
	return trap.Unknown, false
}

// Disassemble renders a function entry for debugging and tests.
func Disassemble(code []byte) string {
	var b strings.Builder
	pc := 0
	if len(code) >= HeaderSize {
		h := ReadHeader(code, 0)
		fmt.Fprintf(&b, "func %d type %d params %d results %d locals %d stack %d\n",
			h.FuncIndex, h.TypeIndex, h.Params, h.Results, h.Locals, h.MaxStack)
		pc = HeaderSize
	}
	for pc < len(code) {
		n, err := InstrLen(code, pc)
		if err != nil || pc+n > len(code) {
			fmt.Fprintf(&b, "%04x: ?? %02x\n", pc, code[pc])
			break
		}
		fmt.Fprintf(&b, "%04x: %s", pc, Name(code[pc]))
		for i := pc + 1; i+4 <= pc+n; i += 4 {
			fmt.Fprintf(&b, " %d", binary.LittleEndian.Uint32(code[i:]))
		}
		b.WriteByte('\n')
		pc += n
	}
	return b.String()
}

var names = map[byte]string{
	Unreachable: "unreachable", Nop: "nop", IfZ: "ifz", Br: "br", BrIf: "br_if",
	BrTable: "br_table", Return: "return", Call: "call", CallIndirect: "call_indirect",
	Drop: "drop", Select: "select",
	wasm.OpLocalGet: "local.get", wasm.OpLocalSet: "local.set", wasm.OpLocalTee: "local.tee",
	wasm.OpGlobalGet: "global.get", wasm.OpGlobalSet: "global.set",
	wasm.OpTableGet: "table.get", wasm.OpTableSet: "table.set",
	wasm.OpI32Load: "i32.load", wasm.OpI64Load: "i64.load", wasm.OpI32Store: "i32.store", wasm.OpI64Store: "i64.store",
	wasm.OpMemorySize: "memory.size", wasm.OpMemoryGrow: "memory.grow",
	wasm.OpI32Const: "i32.const", wasm.OpI64Const: "i64.const", wasm.OpF32Const: "f32.const", wasm.OpF64Const: "f64.const",
	wasm.OpI32Add: "i32.add", wasm.OpI32Sub: "i32.sub", wasm.OpI32Mul: "i32.mul", wasm.OpI32DivS: "i32.div_s",
	wasm.OpI64Add: "i64.add", wasm.OpI64Sub: "i64.sub", wasm.OpI64Mul: "i64.mul",
	wasm.OpRefNull: "ref.null", wasm.OpRefIsNull: "ref.is_null", wasm.OpRefFunc: "ref.func",
	MemoryInit: "memory.init", DataDrop: "data.drop", MemoryCopy: "memory.copy", MemoryFill: "memory.fill",
	TableInit: "table.init", ElemDrop: "elem.drop", TableCopy: "table.copy",
	TableGrow: "table.grow", TableSize: "table.size", TableFill: "table.fill",
	I32AddImm: "i32.add_imm", I64AddImm: "i64.add_imm",
}

// Name returns a mnemonic for op.
func Name(op byte) string {
	if n, ok := names[op]; ok {
		return n
	}
	return fmt.Sprintf("op_%02x", op)
}

// Put32 appends a little-endian u32.
func Put32(code []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(code, v)
}

// Put64 appends a little-endian u64.
func Put64(code []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(code, v)
}
