package lower

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

var (
	i32 = wasm.ValI32
)

func module(params, results []wasm.ValType, code ...byte) *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{{Params: params, Results: results}},
		Funcs: []uint32{0},
		Code:  []wasm.FuncBody{{Code: code}},
	}
}

func lowerFirst(t *testing.T, m *wasm.Module, opts Options) compiler.Function {
	t.Helper()
	local := len(m.Funcs) - 1
	instrs, err := wasm.DecodeInstructions(m.Code[local].Code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	f, err := Func(m, local, instrs, opts)
	if err != nil {
		t.Fatalf("Func: %v", err)
	}
	return f
}

func u32At(code []byte, pos int) uint32 {
	return binary.LittleEndian.Uint32(code[pos:])
}

func TestStraightLine(t *testing.T) {
	m := module([]wasm.ValType{i32, i32}, []wasm.ValType{i32},
		wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI32Add, wasm.OpEnd)
	f := lowerFirst(t, m, Options{})

	want := make([]byte, isa.HeaderSize)
	isa.Header{Params: 2, Results: 1, MaxStack: 2}.Put(want)
	want = isa.Put32(append(want, wasm.OpLocalGet), 0)
	want = isa.Put32(append(want, wasm.OpLocalGet), 1)
	want = append(want, wasm.OpI32Add, isa.Return)

	if diff := cmp.Diff(want, f.Code); diff != "" {
		t.Errorf("code mismatch (-want +got):\n%s", diff)
	}
	if f.MaxStack != 2 || f.Index != 0 || f.NumLocals != 0 {
		t.Errorf("function = %+v", f)
	}
	if len(f.Relocations) != 0 || len(f.Traps) != 0 {
		t.Errorf("unexpected relocations %v or traps %v", f.Relocations, f.Traps)
	}
}

func TestBranchTargets(t *testing.T) {
	tests := []struct {
		name   string
		m      *wasm.Module
		length int
		relocs []compiler.Relocation
	}{
		{
			name: "br_if to block end",
			m: module(nil, []wasm.ValType{i32},
				wasm.OpBlock, 0x7F,
				wasm.OpI32Const, 7, wasm.OpI32Const, 1, wasm.OpBrIf, 0,
				wasm.OpDrop, wasm.OpI32Const, 9,
				wasm.OpEnd, wasm.OpEnd),
			length: 58,
			relocs: []compiler.Relocation{{Offset: 39, Target: 57, Kind: compiler.RelocCode}},
		},
		{
			name: "dead code after br",
			m: module(nil, nil,
				wasm.OpBlock, 0x40, wasm.OpBr, 0, wasm.OpI32Const, 1, wasm.OpDrop, wasm.OpEnd, wasm.OpEnd),
			length: 42,
			relocs: []compiler.Relocation{{Offset: 29, Target: 41, Kind: compiler.RelocCode}},
		},
		{
			name: "if else",
			m: module([]wasm.ValType{i32}, []wasm.ValType{i32},
				wasm.OpLocalGet, 0, wasm.OpIf, 0x7F, wasm.OpI32Const, 1, wasm.OpElse, wasm.OpI32Const, 2,
				wasm.OpEnd, wasm.OpEnd),
			length: 62,
			relocs: []compiler.Relocation{
				{Offset: 34, Target: 56, Kind: compiler.RelocCode},
				{Offset: 44, Target: 61, Kind: compiler.RelocCode},
			},
		},
		{
			name:   "loop back edge",
			m:      module(nil, nil, wasm.OpLoop, 0x40, wasm.OpBr, 0, wasm.OpEnd, wasm.OpEnd),
			length: 42,
			relocs: []compiler.Relocation{{Offset: 29, Target: 28, Kind: compiler.RelocCode}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := lowerFirst(t, tt.m, Options{})
			if len(f.Code) != tt.length {
				t.Fatalf("len = %d, want %d\n%s", len(f.Code), tt.length, isa.Disassemble(f.Code))
			}
			if diff := cmp.Diff(tt.relocs, f.Relocations); diff != "" {
				t.Errorf("relocations (-want +got):\n%s", diff)
			}
			for _, r := range f.Relocations {
				if got := u32At(f.Code, int(r.Offset)); got != r.Target {
					t.Errorf("operand at %d = %d, want %d", r.Offset, got, r.Target)
				}
			}
			if f.Code[len(f.Code)-1] != isa.Return {
				t.Errorf("function does not end in return")
			}
		})
	}
}

func TestBranchStackAdjustment(t *testing.T) {
	// Two extra values sit below the block result when br fires.
	m := module(nil, []wasm.ValType{i32},
		wasm.OpBlock, 0x7F,
		wasm.OpI32Const, 1, wasm.OpI32Const, 2, wasm.OpI32Const, 3, wasm.OpBr, 0,
		wasm.OpEnd, wasm.OpEnd)
	f := lowerFirst(t, m, Options{})
	br := isa.HeaderSize + 15
	if f.Code[br] != isa.Br {
		t.Fatalf("expected br at %d:\n%s", br, isa.Disassemble(f.Code))
	}
	if drop, keep := u32At(f.Code, br+5), u32At(f.Code, br+9); drop != 2 || keep != 1 {
		t.Errorf("drop, keep = %d, %d; want 2, 1", drop, keep)
	}
	if f.MaxStack != 3 {
		t.Errorf("MaxStack = %d, want 3", f.MaxStack)
	}
}

func TestCallRelocationAndTraps(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{{}, {Params: []wasm.ValType{i32, i32}, Results: []wasm.ValType{i32}}},
		Imports: []wasm.Import{{Module: "env", Name: "f", Desc: wasm.ImportDesc{Kind: wasm.KindFunc}}},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Funcs:    []uint32{1},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpCall, 0,
			wasm.OpLocalGet, 0, wasm.OpI32Load, 2, 4,
			wasm.OpLocalGet, 1, wasm.OpI32DivS,
			wasm.OpEnd,
		}}},
	}
	f := lowerFirst(t, m, Options{})
	if f.Index != 1 || f.TypeIndex != 1 {
		t.Errorf("Index, TypeIndex = %d, %d", f.Index, f.TypeIndex)
	}
	wantRelocs := []compiler.Relocation{{Offset: 29, Target: 0, Kind: compiler.RelocFunc}}
	if diff := cmp.Diff(wantRelocs, f.Relocations); diff != "" {
		t.Errorf("relocations (-want +got):\n%s", diff)
	}
	wantTraps := []compiler.TrapSite{
		{Offset: 28, Kind: trap.StackOverflow},
		{Offset: 38, Kind: trap.OutOfBoundsMemory},
		{Offset: 48, Kind: trap.IntegerDivideByZero},
	}
	if diff := cmp.Diff(wantTraps, f.Traps); diff != "" {
		t.Errorf("traps (-want +got):\n%s", diff)
	}
	if off := u32At(f.Code, 39); off != 4 {
		t.Errorf("load offset = %d, want 4", off)
	}
}

func TestKeepNops(t *testing.T) {
	m := module(nil, nil, wasm.OpNop, wasm.OpNop, wasm.OpEnd)
	if n := len(lowerFirst(t, m, Options{}).Code); n != isa.HeaderSize+1 {
		t.Errorf("without nops len = %d", n)
	}
	if n := len(lowerFirst(t, m, Options{KeepNops: true}).Code); n != isa.HeaderSize+3 {
		t.Errorf("with nops len = %d", n)
	}
}

func TestLowerErrors(t *testing.T) {
	tests := []struct {
		name string
		m    *wasm.Module
		want string
	}{
		{"underflow", module(nil, []wasm.ValType{i32}, wasm.OpI32Add, wasm.OpEnd), "underflow"},
		{"bad local", module(nil, nil, wasm.OpLocalGet, 3, wasm.OpDrop, wasm.OpEnd), "invalid local index"},
		{"missing end", module(nil, nil, wasm.OpNop), "missing end"},
		{"bad label", module(nil, nil, wasm.OpBr, 2, wasm.OpEnd), "invalid label depth"},
		{"no memory", module(nil, nil, wasm.OpMemorySize, 0, wasm.OpDrop, wasm.OpEnd), "no memory"},
		{"leftover values", module(nil, nil, wasm.OpI32Const, 1, wasm.OpEnd), "leaves 1 values"},
		{"immutable global", &wasm.Module{
			Types:   []wasm.FuncType{{}},
			Funcs:   []uint32{0},
			Globals: []wasm.Global{{Type: wasm.GlobalType{ValType: i32}, Init: wasm.I32ConstExpr(0)}},
			Code:    []wasm.FuncBody{{Code: []byte{wasm.OpI32Const, 1, wasm.OpGlobalSet, 0, wasm.OpEnd}}},
		}, "immutable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instrs, err := wasm.DecodeInstructions(tt.m.Code[0].Code)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			_, err = Func(tt.m, 0, instrs, Options{})
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}
