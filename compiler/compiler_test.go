package compiler_test

import (
	"context"
	"testing"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/compiler/optimizing"
	"github.com/wippyai/wasm-engine/compiler/singlepass"
	"github.com/wippyai/wasm-engine/compiler/strict"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

func funcModule(results []wasm.ValType, code ...byte) *wasm.Module {
	return &wasm.Module{
		Types:   []wasm.FuncType{{Results: results}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "f", Kind: wasm.KindFunc}},
		Code:    []wasm.FuncBody{{Code: code}},
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want compiler.Kind
	}{
		{"singlepass", compiler.Singlepass},
		{"Optimizing", compiler.Optimizing},
		{"cranelift", compiler.Optimizing},
		{"llvm", compiler.Strict},
		{" strict ", compiler.Strict},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := compiler.ParseKind(tt.in)
			if err != nil {
				t.Fatalf("ParseKind: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if _, err := compiler.ParseKind("fast"); err == nil {
		t.Error("expected error for unknown compiler")
	}
	var k compiler.Kind
	if err := k.UnmarshalText([]byte("singlepass")); err != nil || k != compiler.Singlepass {
		t.Errorf("UnmarshalText = %v, %v", k, err)
	}
}

func TestTable(t *testing.T) {
	tbl := compiler.NewTable()
	if _, ok := tbl.Default(); ok {
		t.Fatal("empty table has a default")
	}
	_, err := tbl.New(compiler.Optimizing)
	if !errors.Is(err, errors.ErrUnavailableBackend) || !errors.IsConfiguration(err) {
		t.Fatalf("New on empty table: %v", err)
	}

	tbl.Register(compiler.Singlepass, singlepass.New)
	tbl.Register(compiler.Strict, strict.New)
	if k, _ := tbl.Default(); k != compiler.Strict {
		t.Errorf("Default = %v, want strict", k)
	}
	tbl.Register(compiler.Optimizing, optimizing.New)
	if k, _ := tbl.Default(); k != compiler.Optimizing {
		t.Errorf("Default = %v, want optimizing", k)
	}
	if got := tbl.Kinds(); len(got) != 3 || got[0] != compiler.Singlepass {
		t.Errorf("Kinds = %v", got)
	}
}

func TestBuiltinRegistration(t *testing.T) {
	for _, k := range []compiler.Kind{compiler.Singlepass, compiler.Optimizing, compiler.Strict} {
		if !compiler.Available(k) {
			t.Errorf("%v not registered", k)
		}
	}
}

func TestBackendsCompile(t *testing.T) {
	m := funcModule([]wasm.ValType{wasm.ValI32},
		wasm.OpNop, wasm.OpI32Const, 40, wasm.OpI32Const, 2, wasm.OpI32Add, wasm.OpEnd)

	sizes := map[compiler.Kind]int{}
	for _, k := range compiler.Kinds() {
		t.Run(k.String(), func(t *testing.T) {
			b, err := compiler.New(k)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if b.Name() != k.String() {
				t.Errorf("Name = %q", b.Name())
			}
			out, err := b.Compile(context.Background(), m, target.DefaultFeatures(), target.Host())
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			if len(out.Functions) != 1 {
				t.Fatalf("functions = %d", len(out.Functions))
			}
			h := isa.ReadHeader(out.Functions[0].Code, 0)
			if h.Results != 1 || h.Kind != isa.KindCode {
				t.Errorf("header = %+v", h)
			}
			sizes[k] = len(out.Functions[0].Code)
		})
	}
	// nop + two constants + add against one folded constant
	if sizes[compiler.Singlepass] != isa.HeaderSize+1+5+5+1+1 {
		t.Errorf("singlepass size = %d", sizes[compiler.Singlepass])
	}
	if sizes[compiler.Optimizing] != isa.HeaderSize+5+1 {
		t.Errorf("optimizing size = %d", sizes[compiler.Optimizing])
	}
}

func TestStrictRejectsIllTyped(t *testing.T) {
	m := funcModule([]wasm.ValType{wasm.ValI32}, wasm.OpI64Const, 1, wasm.OpEnd)

	if _, err := singlepass.New().Compile(context.Background(), m, target.DefaultFeatures(), target.Host()); err != nil {
		t.Fatalf("singlepass: %v", err)
	}
	_, err := strict.New().Compile(context.Background(), m, target.DefaultFeatures(), target.Host())
	if err == nil {
		t.Fatal("strict accepted an ill-typed body")
	}
	if !errors.IsCompile(err) {
		t.Errorf("expected compile error, got %v", err)
	}
}

func TestFeatureGate(t *testing.T) {
	signExt := funcModule([]wasm.ValType{wasm.ValI32}, wasm.OpI32Const, 1, wasm.OpI32Extend8S, wasm.OpEnd)
	simd := funcModule(nil, wasm.OpPrefixSIMD, 0x0C, wasm.OpEnd)

	tests := []struct {
		name     string
		m        *wasm.Module
		features target.Features
		kind     errors.Kind
	}{
		{"disabled sign extension", signExt, target.Features{}, errors.KindUnsupportedFeature},
		{"disabled simd", simd, target.DefaultFeatures(), errors.KindUnsupportedFeature},
		{"enabled but unimplemented simd", simd, target.Features{SIMD: true}, errors.KindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := compiler.Prepare(tt.m, tt.features)
			var e *errors.Error
			if !errors.As(err, &e) {
				t.Fatalf("err = %v, want *errors.Error", err)
			}
			if e.Kind != tt.kind || e.Phase != errors.PhaseCompile {
				t.Errorf("err = %v, want kind %s", err, tt.kind)
			}
		})
	}

	if _, err := compiler.Prepare(signExt, target.DefaultFeatures()); err != nil {
		t.Errorf("sign extension with defaults: %v", err)
	}
}

func TestRequiredFeatures(t *testing.T) {
	m := &wasm.Module{
		Types: []wasm.FuncType{{Results: []wasm.ValType{wasm.ValI32, wasm.ValI32}}},
		Funcs: []uint32{0},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpI32Const, 1, wasm.OpPrefixMisc, byte(wasm.MiscI32TruncSatF32S), wasm.OpDrop,
			wasm.OpI32Const, 1, wasm.OpI32Const, 2, wasm.OpEnd,
		}}},
	}
	got, err := compiler.RequiredFeatures(m)
	if err != nil {
		t.Fatalf("RequiredFeatures: %v", err)
	}
	want := target.Features{MultiValue: true, SaturatingFloatToInt: true}
	if got != want {
		t.Errorf("RequiredFeatures = %v, want %v", got, want)
	}

	simd, err := compiler.RequiredFeatures(funcModule(nil, wasm.OpPrefixSIMD, 0x0C, wasm.OpEnd))
	if err != nil {
		t.Fatalf("RequiredFeatures simd: %v", err)
	}
	if !simd.SIMD {
		t.Errorf("simd not reported: %v", simd)
	}
}

func TestConcurrentCompiles(t *testing.T) {
	b, err := compiler.New(compiler.Optimizing)
	if err != nil {
		t.Fatal(err)
	}
	m := funcModule([]wasm.ValType{wasm.ValI32}, wasm.OpI32Const, 7, wasm.OpEnd)
	errs := make(chan error, 8)
	outs := make(chan *compiler.Output, 8)
	for i := 0; i < 8; i++ {
		go func() {
			out, err := b.Compile(context.Background(), m, target.DefaultFeatures(), target.Host())
			errs <- err
			outs <- out
		}()
	}
	var first []byte
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("compile: %v", err)
		}
		out := <-outs
		if first == nil {
			first = out.Functions[0].Code
			continue
		}
		if string(out.Functions[0].Code) != string(first) {
			t.Errorf("concurrent compile produced different code")
		}
	}
}

func TestCompileCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := funcModule([]wasm.ValType{wasm.ValI32}, wasm.OpI32Const, 7, wasm.OpEnd)
	if _, err := singlepass.New().Compile(ctx, m, target.DefaultFeatures(), target.Host()); err == nil {
		t.Error("expected error for canceled context")
	}
}
