package linker

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-engine/artifact"
	"github.com/wippyai/wasm-engine/compiler/singlepass"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/store"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

var (
	i32       = []api.ValueType{api.ValueTypeI32}
	unaryType = wasm.FuncType{Params: []wasm.ValType{wasm.ValI32}, Results: []wasm.ValType{wasm.ValI32}}
)

func newLinker(t *testing.T, opts Options) *Linker {
	t.Helper()
	s, err := store.New(store.Config{})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, opts)
}

func compile(t *testing.T, m *wasm.Module) *artifact.Artifact {
	t.Helper()
	out, err := singlepass.New().Compile(context.Background(), m, target.DefaultFeatures(), target.Host())
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	a := artifact.New(m, out, target.DefaultFeatures(), target.Host(), "singlepass")
	t.Cleanup(func() { a.Close() })
	return a
}

// doubler imports module::double and exports run, which calls it.
func doubler(module string) *wasm.Module {
	return &wasm.Module{
		Types:   []wasm.FuncType{unaryType},
		Imports: []wasm.Import{{Module: module, Name: "double", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 1}},
		Code:    []wasm.FuncBody{{Code: []byte{wasm.OpLocalGet, 0, wasm.OpCall, 0, wasm.OpEnd}}},
	}
}

func double(ctx context.Context, c *store.Caller, stack []uint64) error {
	stack[0] = uint64(uint32(stack[0]) * 2)
	return nil
}

func TestNewLinker(t *testing.T) {
	l := newLinker(t, DefaultOptions())
	if !l.Options().SemverMatching {
		t.Error("expected SemverMatching to be true by default")
	}
	if l.Store() == nil {
		t.Error("Store() returned nil")
	}
}

func TestLinkerInstantiate(t *testing.T) {
	l := newLinker(t, DefaultOptions())
	if err := l.DefineFunc("env", "double", double, i32, i32); err != nil {
		t.Fatalf("DefineFunc: %v", err)
	}
	inst, err := l.Instantiate(context.Background(), compile(t, doubler("env")))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	res, err := inst.Call(context.Background(), "run", 21)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res[0] != 42 {
		t.Errorf("run(21) = %d, want 42", res[0])
	}
}

func TestLinkerDuplicate(t *testing.T) {
	l := newLinker(t, DefaultOptions())
	if err := l.DefineFunc("env", "double", double, i32, i32); err != nil {
		t.Fatalf("DefineFunc: %v", err)
	}
	if err := l.DefineFunc("env", "double", double, i32, i32); err == nil {
		t.Error("expected duplicate definition error")
	}

	shadow := newLinker(t, Options{AllowShadowing: true})
	for range 2 {
		if err := shadow.DefineFunc("env", "double", double, i32, i32); err != nil {
			t.Fatalf("DefineFunc with shadowing: %v", err)
		}
	}
}

func TestLinkerMissingImports(t *testing.T) {
	l := newLinker(t, DefaultOptions())
	m := doubler("env")
	m.Imports = append(m.Imports, wasm.Import{Module: "wasi", Name: "clock", Desc: wasm.ImportDesc{
		Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 1}},
	}})
	before := l.Store().Stats()

	_, err := l.Instantiate(context.Background(), compile(t, m))
	var missing *errors.MissingImportsError
	if !stderrors.As(err, &missing) {
		t.Fatalf("expected MissingImportsError, got %v", err)
	}
	want := []errors.MissingImport{
		{Module: "env", Name: "double", Kind: "func"},
		{Module: "wasi", Name: "clock", Kind: "memory"},
	}
	if diff := cmp.Diff(want, missing.Imports); diff != "" {
		t.Errorf("missing imports (-want +got):\n%s", diff)
	}
	if !stderrors.Is(err, errors.ErrUnresolvedImport) || !errors.IsLink(err) {
		t.Errorf("expected unresolved import link error, got %v", err)
	}
	if diff := cmp.Diff(before, l.Store().Stats()); diff != "" {
		t.Errorf("store changed (-before +after):\n%s", diff)
	}
}

func TestLinkerUnknownImportsTrap(t *testing.T) {
	l := newLinker(t, Options{UnknownImportsTrap: true})
	inst, err := l.Instantiate(context.Background(), compile(t, doubler("env")))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	_, err = inst.Call(context.Background(), "run", 1)
	if !stderrors.Is(err, errors.ErrUnresolvedImport) {
		t.Fatalf("expected call to fail with the unresolved import, got %v", err)
	}
}

func TestLinkerSemver(t *testing.T) {
	tests := []struct {
		name    string
		defined []string
		module  string
		semver  bool
		found   bool
	}{
		{"exact", []string{"wasi:io@0.2.0"}, "wasi:io@0.2.0", true, true},
		{"newer patch", []string{"wasi:io@0.2.3"}, "wasi:io@0.2.0", true, true},
		{"newer minor", []string{"wasi:io@0.3.0"}, "wasi:io@0.2.1", true, true},
		{"older", []string{"wasi:io@0.2.0"}, "wasi:io@0.2.3", true, false},
		{"other major", []string{"wasi:io@1.0.0"}, "wasi:io@0.2.0", true, false},
		{"disabled", []string{"wasi:io@0.2.3"}, "wasi:io@0.2.0", false, false},
		{"unversioned", []string{"wasi:io"}, "wasi:io@0.2.0", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLinker(t, Options{SemverMatching: tt.semver})
			for _, mod := range tt.defined {
				if err := l.DefineFunc(mod, "double", double, i32, i32); err != nil {
					t.Fatalf("DefineFunc: %v", err)
				}
			}
			_, ok := l.Get(tt.module, "double")
			if ok != tt.found {
				t.Errorf("Get(%q) found = %v, want %v", tt.module, ok, tt.found)
			}
		})
	}
}

func TestLinkerSemverPicksNewest(t *testing.T) {
	l := newLinker(t, DefaultOptions())
	var hits []string
	for _, mod := range []string{"pkg@1.0.0", "pkg@1.4.0", "pkg@1.2.0"} {
		err := l.DefineFunc(mod, "double", func(ctx context.Context, c *store.Caller, stack []uint64) error {
			hits = append(hits, mod)
			return nil
		}, i32, i32)
		if err != nil {
			t.Fatalf("DefineFunc: %v", err)
		}
	}
	inst, err := l.Instantiate(context.Background(), compile(t, doubler("pkg@1.1.0")))
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if _, err := inst.Call(context.Background(), "run", 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	if diff := cmp.Diff([]string{"pkg@1.4.0"}, hits); diff != "" {
		t.Errorf("called (-want +got):\n%s", diff)
	}
}

func TestDefineInstance(t *testing.T) {
	l := newLinker(t, DefaultOptions())
	provider := &wasm.Module{
		Types:   []wasm.FuncType{unaryType},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "double", Kind: wasm.KindFunc, Idx: 0}},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpLocalGet, 0, wasm.OpLocalGet, 0, wasm.OpI32Add, wasm.OpEnd,
		}}},
	}
	p, err := l.Instantiate(context.Background(), compile(t, provider))
	if err != nil {
		t.Fatalf("Instantiate provider: %v", err)
	}
	if err := l.DefineInstance("math", p); err != nil {
		t.Fatalf("DefineInstance: %v", err)
	}
	if diff := cmp.Diff([]string{"math::double"}, l.Names()); diff != "" {
		t.Errorf("Names (-want +got):\n%s", diff)
	}

	inst, err := l.Instantiate(context.Background(), compile(t, doubler("math")))
	if err != nil {
		t.Fatalf("Instantiate consumer: %v", err)
	}
	res, err := inst.Call(context.Background(), "run", 8)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res[0] != 16 {
		t.Errorf("run(8) = %d, want 16", res[0])
	}
}

func TestHostModuleBuilder(t *testing.T) {
	l := newLinker(t, DefaultOptions())
	noop := func(context.Context, *store.Caller, []uint64) error { return nil }

	err := l.NewHostModule("env").
		Func("double", double, i32, i32).
		Func("noop", noop, nil, nil).
		Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if diff := cmp.Diff([]string{"env::double", "env::noop"}, l.Names()); diff != "" {
		t.Errorf("Names (-want +got):\n%s", diff)
	}

	err = l.NewHostModule("env").
		Func("other", noop, nil, nil).
		Func("noop", noop, nil, nil).
		Build()
	if err == nil {
		t.Fatal("expected duplicate error")
	}
	if _, ok := l.Get("env", "other"); ok {
		t.Error("failed Build defined a function")
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want Version
		ok   bool
	}{
		{"0.2.0", Version{0, 2, 0}, true},
		{"1.2", Version{1, 2, 0}, true},
		{"3", Version{3, 0, 0}, true},
		{"", Version{}, false},
		{"1.2.3.4", Version{}, false},
		{"1..2", Version{}, false},
		{"1.x", Version{}, false},
		{"99999999999", Version{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := ParseVersion(tt.in)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ParseVersion(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
			}
		})
	}
	if s := (Version{1, 2, 3}).String(); s != "1.2.3" {
		t.Errorf("String = %q", s)
	}
}

func TestLinkerUnknownImportsAllocateNothingOnLinkError(t *testing.T) {
	l := newLinker(t, Options{UnknownImportsTrap: true})
	if err := l.DefineFunc("env", "g", double, nil, nil); err != nil {
		t.Fatalf("DefineFunc: %v", err)
	}
	m := &wasm.Module{
		Types: []wasm.FuncType{unaryType},
		Imports: []wasm.Import{
			{Module: "env", Name: "f", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
			{Module: "env", Name: "g", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
	}
	art := compile(t, m)

	before := l.Store().Stats()
	for range 3 {
		_, err := l.Instantiate(context.Background(), art)
		if !stderrors.Is(err, errors.ErrSignatureMismatch) {
			t.Fatalf("expected signature mismatch, got %v", err)
		}
	}
	if diff := cmp.Diff(before, l.Store().Stats()); diff != "" {
		t.Errorf("failed link allocated store objects (-before +after):\n%s", diff)
	}
}

func TestLinkerReusesTrapStubs(t *testing.T) {
	l := newLinker(t, Options{UnknownImportsTrap: true})
	art := compile(t, doubler("env"))

	first, err := l.Instantiate(context.Background(), art)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	afterFirst := l.Store().Stats().Functions
	if _, err := l.Instantiate(context.Background(), art); err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	// The second instance adds only its own function.
	if got := l.Store().Stats().Functions; got != afterFirst+1 {
		t.Errorf("functions = %d, want %d", got, afterFirst+1)
	}

	resolved, err := l.Resolve(art)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := l.Store().Stats().Functions; got != afterFirst+1 {
		t.Errorf("Resolve created a new stub: functions = %d", got)
	}
	if _, err := first.Call(context.Background(), "run", 1); !stderrors.Is(err, errors.ErrUnresolvedImport) {
		t.Errorf("expected stub call to fail with the unresolved import, got %v", err)
	}
	if resolved[0] == nil {
		t.Error("Resolve left the stub slot empty")
	}
}
