package peephole

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/wasm"
)

func i32c(v int32) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI32Const, Imm: wasm.I32Imm{Value: v}}
}

func i64c(v int64) wasm.Instruction {
	return wasm.Instruction{Opcode: wasm.OpI64Const, Imm: wasm.I64Imm{Value: v}}
}

func op(o byte) wasm.Instruction { return wasm.Instruction{Opcode: o} }

func local(o byte, idx uint32) wasm.Instruction {
	return wasm.Instruction{Opcode: o, Imm: wasm.LocalImm{LocalIdx: idx}}
}

func TestPasses(t *testing.T) {
	tests := []struct {
		name string
		pass Pass
		in   []wasm.Instruction
		want []wasm.Instruction
	}{
		{
			name: "remove nops",
			pass: RemoveNops,
			in:   []wasm.Instruction{op(wasm.OpNop), i32c(1), op(wasm.OpNop), op(wasm.OpDrop)},
			want: []wasm.Instruction{i32c(1), op(wasm.OpDrop)},
		},
		{
			name: "fold nested i32",
			pass: FoldConstants,
			in:   []wasm.Instruction{i32c(2), i32c(3), op(wasm.OpI32Mul), i32c(4), op(wasm.OpI32Add)},
			want: []wasm.Instruction{i32c(10)},
		},
		{
			name: "fold i64 wraps",
			pass: FoldConstants,
			in:   []wasm.Instruction{i64c(-1 << 63), i64c(1), op(wasm.OpI64Sub)},
			want: []wasm.Instruction{i64c(1<<63 - 1)},
		},
		{
			name: "division is not folded",
			pass: FoldConstants,
			in:   []wasm.Instruction{i32c(1), i32c(0), op(wasm.OpI32DivS)},
			want: []wasm.Instruction{i32c(1), i32c(0), op(wasm.OpI32DivS)},
		},
		{
			name: "mixed widths are not folded",
			pass: FoldConstants,
			in:   []wasm.Instruction{i32c(1), i64c(2), op(wasm.OpI64Add)},
			want: []wasm.Instruction{i32c(1), i64c(2), op(wasm.OpI64Add)},
		},
		{
			name: "set get becomes tee",
			pass: FuseSetGet,
			in:   []wasm.Instruction{i32c(1), local(wasm.OpLocalSet, 2), local(wasm.OpLocalGet, 2)},
			want: []wasm.Instruction{i32c(1), local(wasm.OpLocalTee, 2)},
		},
		{
			name: "set get of different locals kept",
			pass: FuseSetGet,
			in:   []wasm.Instruction{local(wasm.OpLocalSet, 1), local(wasm.OpLocalGet, 2)},
			want: []wasm.Instruction{local(wasm.OpLocalSet, 1), local(wasm.OpLocalGet, 2)},
		},
		{
			name: "add immediate",
			pass: FuseAddImmediate,
			in:   []wasm.Instruction{local(wasm.OpLocalGet, 0), i32c(5), op(wasm.OpI32Sub)},
			want: []wasm.Instruction{
				local(wasm.OpLocalGet, 0),
				{Opcode: isa.I32AddImm, Imm: wasm.I32Imm{Value: -5}},
			},
		},
		{
			name: "i64 add immediate",
			pass: FuseAddImmediate,
			in:   []wasm.Instruction{local(wasm.OpLocalGet, 0), i64c(7), op(wasm.OpI64Add)},
			want: []wasm.Instruction{
				local(wasm.OpLocalGet, 0),
				{Opcode: isa.I64AddImm, Imm: wasm.I64Imm{Value: 7}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.pass(tt.in)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRunDefault(t *testing.T) {
	in := []wasm.Instruction{
		local(wasm.OpLocalGet, 0), op(wasm.OpNop), i32c(1), i32c(2), op(wasm.OpI32Add), op(wasm.OpI32Add),
	}
	want := []wasm.Instruction{
		local(wasm.OpLocalGet, 0),
		{Opcode: isa.I32AddImm, Imm: wasm.I32Imm{Value: 3}},
	}
	if diff := cmp.Diff(want, Run(in, Default)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
