package wasm

import (
	"fmt"
	"math"

	"github.com/wippyai/wasm-engine/internal/binary"
)

// Instruction represents a decoded WebAssembly instruction
type Instruction struct {
	Imm    interface{}
	Offset int // byte offset of the opcode within the function body
	Opcode byte
}

// BlockImm holds the block type for block, loop and if.
type BlockImm struct {
	Type int64 // negative: value type or void, non-negative: type index
}

// BranchImm holds the label index for br and br_if instructions.
type BranchImm struct {
	LabelIdx uint32
}

// BrTableImm holds the label table for br_table instruction.
type BrTableImm struct {
	Labels  []uint32
	Default uint32
}

// CallImm holds the function index for call instruction.
type CallImm struct {
	FuncIdx uint32
}

// CallIndirectImm holds type and table indices for call_indirect instruction.
type CallIndirectImm struct {
	TypeIdx  uint32
	TableIdx uint32
}

// LocalImm holds the local index for local.get, local.set, local.tee.
type LocalImm struct {
	LocalIdx uint32
}

// GlobalImm holds the global index for global.get and global.set.
type GlobalImm struct {
	GlobalIdx uint32
}

// MemoryImm holds memory access parameters for load and store instructions.
type MemoryImm struct {
	Offset uint64
	Align  uint32
	MemIdx uint32
}

// MemoryIdxImm holds memory index for memory.size, memory.grow
type MemoryIdxImm struct {
	MemIdx uint32
}

// I32Imm holds the constant value for i32.const instruction.
type I32Imm struct {
	Value int32
}

// I64Imm holds the constant value for i64.const instruction.
type I64Imm struct {
	Value int64
}

// F32Imm holds the bit pattern for f32.const. Bits keep NaN payloads intact.
type F32Imm struct {
	Bits uint32
}

// F64Imm holds the bit pattern for f64.const.
type F64Imm struct {
	Bits uint64
}

// MiscImm holds the sub-opcode and immediates for 0xFC prefix instructions
type MiscImm struct {
	Operands  []uint32
	SubOpcode uint32
}

// TableImm holds table index for table.get/table.set
type TableImm struct {
	TableIdx uint32
}

// RefNullImm holds the reference type for ref.null
type RefNullImm struct {
	Type ValType
}

// RefFuncImm holds the function index for ref.func
type RefFuncImm struct {
	FuncIdx uint32
}

// SelectTypeImm holds value types for typed select
type SelectTypeImm struct {
	Types []ValType
}

// UnsupportedOpcodeError reports an opcode from a proposal the decoder does
// not lower. Feature detection uses Prefix to name the proposal.
type UnsupportedOpcodeError struct {
	Offset int
	Sub    uint32
	Prefix byte
}

func (e *UnsupportedOpcodeError) Error() string {
	switch e.Prefix {
	case OpPrefixSIMD, OpPrefixAtomic, OpPrefixGC:
		return fmt.Sprintf("unsupported opcode 0x%02x 0x%02x at offset %d", e.Prefix, e.Sub, e.Offset)
	}
	return fmt.Sprintf("unsupported opcode 0x%02x at offset %d", e.Prefix, e.Offset)
}

// DecodeInstructions decodes a function body into instructions.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	r := binary.NewReader(code)
	instrs := make([]Instruction, 0, len(code)/2)

	for r.Len() > 0 {
		offset := r.Position()
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		instr := Instruction{Opcode: op, Offset: offset}

		switch op {
		case OpBlock, OpLoop, OpIf:
			bt, err := r.ReadS33()
			if err != nil {
				return nil, err
			}
			instr.Imm = BlockImm{Type: bt}

		case OpBr, OpBrIf:
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = BranchImm{LabelIdx: idx}

		case OpBrTable:
			count, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			if int(count) > r.Len() {
				return nil, fmt.Errorf("br_table size %d exceeds body at offset %d", count, offset)
			}
			labels := make([]uint32, count)
			for i := range labels {
				if labels[i], err = r.ReadU32(); err != nil {
					return nil, err
				}
			}
			def, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = BrTableImm{Labels: labels, Default: def}

		case OpCall:
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = CallImm{FuncIdx: idx}

		case OpCallIndirect:
			typeIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			tableIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = CallIndirectImm{TypeIdx: typeIdx, TableIdx: tableIdx}

		case OpLocalGet, OpLocalSet, OpLocalTee:
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = LocalImm{LocalIdx: idx}

		case OpGlobalGet, OpGlobalSet:
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = GlobalImm{GlobalIdx: idx}

		case OpTableGet, OpTableSet:
			idx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = TableImm{TableIdx: idx}

		case OpI32Load, OpI64Load, OpF32Load, OpF64Load,
			OpI32Load8S, OpI32Load8U, OpI32Load16S, OpI32Load16U,
			OpI64Load8S, OpI64Load8U, OpI64Load16S, OpI64Load16U, OpI64Load32S, OpI64Load32U,
			OpI32Store, OpI64Store, OpF32Store, OpF64Store,
			OpI32Store8, OpI32Store16, OpI64Store8, OpI64Store16, OpI64Store32:
			memImm, err := readMemArg(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = memImm

		case OpMemorySize, OpMemoryGrow:
			memIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = MemoryIdxImm{MemIdx: memIdx}

		case OpI32Const:
			val, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			instr.Imm = I32Imm{Value: val}

		case OpI64Const:
			val, err := r.ReadS64()
			if err != nil {
				return nil, err
			}
			instr.Imm = I64Imm{Value: val}

		case OpF32Const:
			val, err := r.ReadU32LE()
			if err != nil {
				return nil, err
			}
			instr.Imm = F32Imm{Bits: val}

		case OpF64Const:
			val, err := r.ReadU64LE()
			if err != nil {
				return nil, err
			}
			instr.Imm = F64Imm{Bits: val}

		case OpRefNull:
			t, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			vt := ValType(t)
			if !vt.IsRef() {
				return nil, fmt.Errorf("invalid ref.null type 0x%02x at offset %d", t, offset)
			}
			instr.Imm = RefNullImm{Type: vt}

		case OpRefFunc:
			funcIdx, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			instr.Imm = RefFuncImm{FuncIdx: funcIdx}

		case OpSelectType:
			count, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			if count != 1 {
				return nil, fmt.Errorf("typed select expects one type, got %d", count)
			}
			t, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			vt, err := checkValType(t)
			if err != nil {
				return nil, err
			}
			instr.Imm = SelectTypeImm{Types: []ValType{vt}}

		case OpPrefixMisc:
			imm, err := readMiscImm(r)
			if err != nil {
				return nil, err
			}
			instr.Imm = imm

		case OpPrefixSIMD, OpPrefixAtomic, OpPrefixGC:
			sub, _ := r.ReadU32()
			return nil, &UnsupportedOpcodeError{Prefix: op, Sub: sub, Offset: offset}

		case OpReturnCall, OpReturnCallIndirect:
			return nil, &UnsupportedOpcodeError{Prefix: op, Offset: offset}

		case OpUnreachable, OpNop, OpElse, OpEnd, OpReturn, OpDrop, OpSelect, OpRefIsNull:

		default:
			if op < OpI32Eqz || op > OpI64Extend32S {
				return nil, fmt.Errorf("invalid opcode 0x%02x at offset %d", op, offset)
			}
		}

		instrs = append(instrs, instr)
	}

	return instrs, nil
}

func readMiscImm(r *binary.Reader) (MiscImm, error) {
	sub, err := r.ReadU32()
	if err != nil {
		return MiscImm{}, err
	}
	imm := MiscImm{SubOpcode: sub}
	var n int
	switch sub {
	case MiscI32TruncSatF32S, MiscI32TruncSatF32U, MiscI32TruncSatF64S, MiscI32TruncSatF64U,
		MiscI64TruncSatF32S, MiscI64TruncSatF32U, MiscI64TruncSatF64S, MiscI64TruncSatF64U:
		n = 0
	case MiscMemoryInit, MiscTableInit, MiscMemoryCopy, MiscTableCopy:
		n = 2
	case MiscDataDrop, MiscMemoryFill, MiscElemDrop, MiscTableGrow, MiscTableSize, MiscTableFill:
		n = 1
	default:
		return MiscImm{}, fmt.Errorf("invalid 0xfc sub-opcode 0x%02x", sub)
	}
	for i := 0; i < n; i++ {
		v, err := r.ReadU32()
		if err != nil {
			return MiscImm{}, err
		}
		imm.Operands = append(imm.Operands, v)
	}
	return imm, nil
}

func readMemArg(r *binary.Reader) (MemoryImm, error) {
	align, err := r.ReadU32()
	if err != nil {
		return MemoryImm{}, err
	}
	var memIdx uint32
	// bit 6 of the alignment field signals an explicit memory index
	if align&0x40 != 0 {
		align &^= 0x40
		if memIdx, err = r.ReadU32(); err != nil {
			return MemoryImm{}, err
		}
	}
	offset, err := r.ReadU64()
	if err != nil {
		return MemoryImm{}, err
	}
	return MemoryImm{Offset: offset, Align: align, MemIdx: memIdx}, nil
}

// F32 returns the constant as a float.
func (i F32Imm) F32() float32 { return math.Float32frombits(i.Bits) }

// F64 returns the constant as a float.
func (i F64Imm) F64() float64 { return math.Float64frombits(i.Bits) }
