package wasm_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/wippyai/wasm-engine/wasm"
)

func u32(v uint32) *uint32 { return &v }
func u64(v uint64) *uint64 { return &v }

func sampleModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{
			{},
			{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "log", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 1}},
			{Module: "env", Name: "g", Desc: wasm.ImportDesc{Kind: wasm.KindGlobal, Global: &wasm.GlobalType{ValType: wasm.ValI32}}},
		},
		Funcs:    []uint32{1, 0},
		Tables:   []wasm.TableType{{ElemType: wasm.ValFuncRef, Limits: wasm.Limits{Min: 2, Max: u64(10)}}},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Max: u64(4)}}},
		Globals: []wasm.Global{
			{Type: wasm.GlobalType{ValType: wasm.ValI64, Mutable: true}, Init: []byte{wasm.OpI64Const, 0x2A, wasm.OpEnd}},
		},
		Exports: []wasm.Export{
			{Name: "inc", Kind: wasm.KindFunc, Idx: 1},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Start: u32(2),
		Elements: []wasm.Element{
			{Mode: wasm.SegmentActive, Type: wasm.ValFuncRef, Offset: wasm.I32ConstExpr(0), Init: [][]byte{wasm.RefFuncExpr(1), wasm.RefFuncExpr(2)}},
			{Mode: wasm.SegmentPassive, Type: wasm.ValFuncRef, Init: [][]byte{{wasm.OpRefNull, byte(wasm.ValFuncRef), wasm.OpEnd}}},
		},
		DataCount: u32(2),
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Const, 1, wasm.OpI32Add, wasm.OpEnd}},
			{Locals: []wasm.LocalEntry{{Count: 2, ValType: wasm.ValI64}}, Code: []byte{wasm.OpEnd}},
		},
		Data: []wasm.DataSegment{
			{Mode: wasm.SegmentActive, Offset: wasm.I32ConstExpr(16), Init: []byte("hello")},
			{Mode: wasm.SegmentPassive, Init: []byte{1, 2, 3}},
		},
		CustomSections: []wasm.CustomSection{{Name: "name", Data: []byte{0}}},
	}
}

func TestEncodeEmptyModule(t *testing.T) {
	data := (&wasm.Module{}).Encode()
	if !bytes.Equal(data, []byte{0x00, 0x61, 0x73, 0x6D, 0x01, 0x00, 0x00, 0x00}) {
		t.Errorf("unexpected empty module encoding: %x", data)
	}
}

func TestEncodeParseRoundTrip(t *testing.T) {
	m := sampleModule()
	parsed, err := wasm.ParseModuleValidate(m.Encode())
	if err != nil {
		t.Fatalf("ParseModuleValidate: %v", err)
	}
	if diff := cmp.Diff(m, parsed, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestStripCodeMetadata(t *testing.T) {
	m := sampleModule()
	meta := m.StripCode().Encode()

	if _, err := wasm.ParseModule(meta); err == nil {
		t.Fatal("strict parse should reject missing code section")
	}
	parsed, err := wasm.ParseMetadata(meta)
	if err != nil {
		t.Fatalf("ParseMetadata: %v", err)
	}
	if len(parsed.Code) != 0 || len(parsed.Funcs) != 2 {
		t.Errorf("unexpected metadata: %d funcs, %d bodies", len(parsed.Funcs), len(parsed.Code))
	}
	if len(m.Code) != 2 {
		t.Error("StripCode must not modify the original module")
	}
}

func TestParseErrors(t *testing.T) {
	valid := sampleModule().Encode()

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"bad magic", []byte{0x00, 0x61, 0x73, 0x6E, 0x01, 0x00, 0x00, 0x00}, wasm.ErrInvalidMagic},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6D, 0x02, 0x00, 0x00, 0x00}, wasm.ErrInvalidVersion},
		{"truncated", valid[:len(valid)-3], nil},
		{"unknown section", append(append([]byte{}, valid[:8]...), 0x0E, 0x00), nil},
		{"out of order", append(append([]byte{}, valid[:8]...), wasm.SectionMemory, 0x01, 0x00, wasm.SectionType, 0x01, 0x00), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.ParseModule(tt.data)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *wasm.Module)
	}{
		{"func type index", func(m *wasm.Module) { m.Funcs[0] = 9 }},
		{"export index", func(m *wasm.Module) { m.Exports[0].Idx = 99 }},
		{"start signature", func(m *wasm.Module) { m.Start = u32(1) }},
		{"memory limits", func(m *wasm.Module) { m.Memories[0].Limits = wasm.Limits{Min: 5, Max: u64(4)} }},
		{"memory too large", func(m *wasm.Module) { m.Memories[0].Limits = wasm.Limits{Min: 70000} }},
		{"global init type", func(m *wasm.Module) { m.Globals[0].Init = wasm.I32ConstExpr(1) }},
		{"element table", func(m *wasm.Module) { m.Elements[0].Table = 3 }},
		{"element func", func(m *wasm.Module) { m.Elements[0].Init[0] = wasm.RefFuncExpr(42) }},
		{"data memory", func(m *wasm.Module) { m.Data[0].Memory = 1 }},
		{"mutable global in init", func(m *wasm.Module) {
			m.Imports[1].Desc.Global.Mutable = true
			m.Data[0].Offset = []byte{wasm.OpGlobalGet, 0, wasm.OpEnd}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := sampleModule()
			tt.mutate(m)
			if err := m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDecodeInstructions(t *testing.T) {
	code := []byte{
		wasm.OpBlock, 0x40,
		wasm.OpI32Const, 0x7F, // -1
		wasm.OpBrTable, 0x02, 0x00, 0x01, 0x00,
		wasm.OpEnd,
		wasm.OpI32Load, 0x02, 0x80, 0x01,
		wasm.OpF64Const, 0, 0, 0, 0, 0, 0, 0xF0, 0x3F,
		wasm.OpPrefixMisc, 0x0A, 0x00, 0x00,
		wasm.OpEnd,
	}
	instrs, err := wasm.DecodeInstructions(code)
	if err != nil {
		t.Fatalf("DecodeInstructions: %v", err)
	}
	want := []wasm.Instruction{
		{Opcode: wasm.OpBlock, Offset: 0, Imm: wasm.BlockImm{Type: wasm.BlockTypeVoid}},
		{Opcode: wasm.OpI32Const, Offset: 2, Imm: wasm.I32Imm{Value: -1}},
		{Opcode: wasm.OpBrTable, Offset: 4, Imm: wasm.BrTableImm{Labels: []uint32{0, 1}, Default: 0}},
		{Opcode: wasm.OpEnd, Offset: 9},
		{Opcode: wasm.OpI32Load, Offset: 10, Imm: wasm.MemoryImm{Align: 2, Offset: 128}},
		{Opcode: wasm.OpF64Const, Offset: 14, Imm: wasm.F64Imm{Bits: 0x3FF0000000000000}},
		{Opcode: wasm.OpPrefixMisc, Offset: 23, Imm: wasm.MiscImm{SubOpcode: wasm.MiscMemoryCopy, Operands: []uint32{0, 0}}},
		{Opcode: wasm.OpEnd, Offset: 27},
	}
	if diff := cmp.Diff(want, instrs); diff != "" {
		t.Errorf("instructions mismatch (-want +got):\n%s", diff)
	}
	if f := instrs[5].Imm.(wasm.F64Imm).F64(); f != 1.0 {
		t.Errorf("f64 const: got %v", f)
	}
}

func TestDecodeInstructionsUnsupported(t *testing.T) {
	tests := []struct {
		name   string
		code   []byte
		prefix byte
	}{
		{"simd", []byte{wasm.OpPrefixSIMD, 0x0C}, wasm.OpPrefixSIMD},
		{"atomic", []byte{wasm.OpPrefixAtomic, 0x03, 0x00}, wasm.OpPrefixAtomic},
		{"tail call", []byte{wasm.OpReturnCall, 0x00}, wasm.OpReturnCall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wasm.DecodeInstructions(tt.code)
			var ue *wasm.UnsupportedOpcodeError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UnsupportedOpcodeError, got %v", err)
			}
			if ue.Prefix != tt.prefix {
				t.Errorf("prefix: got 0x%02x, want 0x%02x", ue.Prefix, tt.prefix)
			}
		})
	}

	if _, err := wasm.DecodeInstructions([]byte{0xC5}); err == nil {
		t.Error("expected error for invalid opcode")
	}
}

func TestDecodeConstExpr(t *testing.T) {
	tests := []struct {
		name string
		expr []byte
		want wasm.ConstExpr
	}{
		{"i32", wasm.I32ConstExpr(-2), wasm.ConstExpr{Opcode: wasm.OpI32Const, Value: 0xFFFFFFFE}},
		{"i64", []byte{wasm.OpI64Const, 0x7F, wasm.OpEnd}, wasm.ConstExpr{Opcode: wasm.OpI64Const, Value: 0xFFFFFFFFFFFFFFFF}},
		{"f32", []byte{wasm.OpF32Const, 0, 0, 0x80, 0x3F, wasm.OpEnd}, wasm.ConstExpr{Opcode: wasm.OpF32Const, Value: 0x3F800000}},
		{"global", []byte{wasm.OpGlobalGet, 3, wasm.OpEnd}, wasm.ConstExpr{Opcode: wasm.OpGlobalGet, Index: 3}},
		{"ref.func", wasm.RefFuncExpr(300), wasm.ConstExpr{Opcode: wasm.OpRefFunc, Index: 300}},
		{"ref.null", []byte{wasm.OpRefNull, byte(wasm.ValExtern), wasm.OpEnd}, wasm.ConstExpr{Opcode: wasm.OpRefNull, Type: wasm.ValExtern}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wasm.DecodeConstExpr(tt.expr)
			if err != nil {
				t.Fatalf("DecodeConstExpr: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}

	if _, err := wasm.DecodeConstExpr([]byte{wasm.OpI32Const, 1, wasm.OpI32Const, 2, wasm.OpEnd}); err == nil {
		t.Error("expected error for multi-instruction expression")
	}
}

func TestFuncType(t *testing.T) {
	a := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValF64}, Results: []wasm.ValType{wasm.ValI64}}
	b := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32, wasm.ValF64}, Results: []wasm.ValType{wasm.ValI64}}
	c := wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI64, wasm.ValF64}}

	if !a.Equal(b) || a.Key() != b.Key() {
		t.Error("identical signatures should be equal")
	}
	if a.Equal(c) || a.Key() == c.Key() {
		t.Error("different signatures should not be equal")
	}
	if got := a.String(); got != "(i32 f64) -> (i64)" {
		t.Errorf("String: got %q", got)
	}
}
