// Package peephole rewrites decoded instruction sequences before lowering.
// Every pass works on straight-line windows that cannot contain a branch
// target, because labels only exist at block, loop, else and end.
package peephole

import (
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/wasm"
)

// Pass rewrites one function body.
type Pass func([]wasm.Instruction) []wasm.Instruction

// Default is the pass pipeline of the optimizing backends.
var Default = []Pass{RemoveNops, FoldConstants, FuseSetGet, FuseAddImmediate}

// Run applies passes in order.
func Run(code []wasm.Instruction, passes []Pass) []wasm.Instruction {
	for _, p := range passes {
		code = p(code)
	}
	return code
}

// RemoveNops drops nop instructions.
func RemoveNops(code []wasm.Instruction) []wasm.Instruction {
	out := code[:0:0]
	for _, in := range code {
		if in.Opcode != wasm.OpNop {
			out = append(out, in)
		}
	}
	return out
}

// FoldConstants evaluates integer arithmetic on two constant operands.
func FoldConstants(code []wasm.Instruction) []wasm.Instruction {
	out := make([]wasm.Instruction, 0, len(code))
	for _, in := range code {
		n := len(out)
		if n >= 2 {
			a, b := out[n-2], out[n-1]
			switch {
			case a.Opcode == wasm.OpI32Const && b.Opcode == wasm.OpI32Const:
				if v, ok := fold32(in.Opcode, a.Imm.(wasm.I32Imm).Value, b.Imm.(wasm.I32Imm).Value); ok {
					out = append(out[:n-2], wasm.Instruction{Opcode: wasm.OpI32Const, Offset: a.Offset, Imm: wasm.I32Imm{Value: v}})
					continue
				}
			case a.Opcode == wasm.OpI64Const && b.Opcode == wasm.OpI64Const:
				if v, ok := fold64(in.Opcode, a.Imm.(wasm.I64Imm).Value, b.Imm.(wasm.I64Imm).Value); ok {
					out = append(out[:n-2], wasm.Instruction{Opcode: wasm.OpI64Const, Offset: a.Offset, Imm: wasm.I64Imm{Value: v}})
					continue
				}
			}
		}
		out = append(out, in)
	}
	return out
}

func fold32(op byte, a, b int32) (int32, bool) {
	switch op {
	case wasm.OpI32Add:
		return a + b, true
	case wasm.OpI32Sub:
		return a - b, true
	case wasm.OpI32Mul:
		return a * b, true
	case wasm.OpI32And:
		return a & b, true
	case wasm.OpI32Or:
		return a | b, true
	case wasm.OpI32Xor:
		return a ^ b, true
	}
	return 0, false
}

func fold64(op byte, a, b int64) (int64, bool) {
	switch op {
	case wasm.OpI64Add:
		return a + b, true
	case wasm.OpI64Sub:
		return a - b, true
	case wasm.OpI64Mul:
		return a * b, true
	case wasm.OpI64And:
		return a & b, true
	case wasm.OpI64Or:
		return a | b, true
	case wasm.OpI64Xor:
		return a ^ b, true
	}
	return 0, false
}

// FuseSetGet turns local.set x; local.get x into local.tee x.
func FuseSetGet(code []wasm.Instruction) []wasm.Instruction {
	out := make([]wasm.Instruction, 0, len(code))
	for _, in := range code {
		if n := len(out); n > 0 && in.Opcode == wasm.OpLocalGet && out[n-1].Opcode == wasm.OpLocalSet &&
			out[n-1].Imm.(wasm.LocalImm) == in.Imm.(wasm.LocalImm) {
			out[n-1].Opcode = wasm.OpLocalTee
			continue
		}
		out = append(out, in)
	}
	return out
}

// FuseAddImmediate turns a constant followed by add or sub into a single
// add-immediate instruction.
func FuseAddImmediate(code []wasm.Instruction) []wasm.Instruction {
	out := make([]wasm.Instruction, 0, len(code))
	for _, in := range code {
		n := len(out)
		if n > 0 {
			prev := out[n-1]
			switch {
			case prev.Opcode == wasm.OpI32Const && (in.Opcode == wasm.OpI32Add || in.Opcode == wasm.OpI32Sub):
				v := prev.Imm.(wasm.I32Imm).Value
				if in.Opcode == wasm.OpI32Sub {
					v = -v
				}
				out[n-1] = wasm.Instruction{Opcode: isa.I32AddImm, Offset: prev.Offset, Imm: wasm.I32Imm{Value: v}}
				continue
			case prev.Opcode == wasm.OpI64Const && (in.Opcode == wasm.OpI64Add || in.Opcode == wasm.OpI64Sub):
				v := prev.Imm.(wasm.I64Imm).Value
				if in.Opcode == wasm.OpI64Sub {
					v = -v
				}
				out[n-1] = wasm.Instruction{Opcode: isa.I64AddImm, Offset: prev.Offset, Imm: wasm.I64Imm{Value: v}}
				continue
			}
		}
		out = append(out, in)
	}
	return out
}
