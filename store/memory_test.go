package store_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/store"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

func maxPages(n uint64) *uint64 { return &n }

// memoryModule exports load, store, grow and size over one memory of one
// page that may grow to two. "hi" is placed at offset 8.
func memoryModule() *wasm.Module {
	return &wasm.Module{
		Types: []wasm.FuncType{unaryType, storeI32Typ, constType},
		Funcs: []uint32{0, 1, 0, 2, 0},
		Memories: []wasm.MemoryType{{
			Limits: wasm.Limits{Min: 1, Max: maxPages(2)},
		}},
		Data: []wasm.DataSegment{{
			Mode:   wasm.SegmentActive,
			Offset: wasm.I32ConstExpr(8),
			Init:   []byte("hi"),
		}},
		Exports: []wasm.Export{
			{Name: "load", Kind: wasm.KindFunc, Idx: 0},
			{Name: "store", Kind: wasm.KindFunc, Idx: 1},
			{Name: "grow", Kind: wasm.KindFunc, Idx: 2},
			{Name: "size", Kind: wasm.KindFunc, Idx: 3},
			{Name: "load8", Kind: wasm.KindFunc, Idx: 4},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Code: []wasm.FuncBody{
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Load, 2, 0, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpLocalGet, 1, wasm.OpI32Store, 2, 0, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpMemoryGrow, 0, wasm.OpEnd}},
			{Code: []byte{wasm.OpMemorySize, 0, wasm.OpEnd}},
			{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Load8U, 0, 0, wasm.OpEnd}},
		},
	}
}

func memoryConfigs(t *testing.T) map[string]store.Config {
	configs := map[string]store.Config{
		"heap": {GuardPages: false},
	}
	if store.DefaultConfig().GuardPages {
		configs["guarded"] = store.Config{GuardPages: true, StaticMemoryPages: 4}
	} else {
		t.Log("guard pages unsupported on this platform")
	}
	return configs
}

func TestMemoryAccess(t *testing.T) {
	for name, cfg := range memoryConfigs(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, cfg)
			inst := instantiate(t, s, memoryModule())

			if got := call(t, inst, "load8", 9); got[0] != 'i' {
				t.Errorf("data segment byte = %q, want 'i'", rune(got[0]))
			}
			call(t, inst, "store", store.PageSize-4, 0xDEADBEEF)
			if got := call(t, inst, "load", store.PageSize-4); got[0] != 0xDEADBEEF {
				t.Errorf("load = %#x, want 0xdeadbeef", got[0])
			}

			mem, err := inst.Memory("memory")
			if err != nil {
				t.Fatalf("Memory: %v", err)
			}
			v, err := mem.ReadU32(store.PageSize - 4)
			if err != nil || v != 0xDEADBEEF {
				t.Errorf("ReadU32 = %#x, %v", v, err)
			}
			if mem.Guarded() != cfg.GuardPages {
				t.Errorf("Guarded = %v, want %v", mem.Guarded(), cfg.GuardPages)
			}
		})
	}
}

func TestMemoryOutOfBounds(t *testing.T) {
	for name, cfg := range memoryConfigs(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, cfg)
			inst := instantiate(t, s, memoryModule())

			for _, addr := range []uint64{store.PageSize - 3, store.PageSize, 2 * store.PageSize, 0xFFFFFFFF} {
				_, err := inst.Call(context.Background(), "load", addr)
				if !stderrors.Is(err, trap.ErrOutOfBoundsMemory) {
					t.Errorf("load(%#x): err = %v, want out of bounds", addr, err)
				}
				_, err = inst.Call(context.Background(), "store", addr, 1)
				if !stderrors.Is(err, trap.ErrOutOfBoundsMemory) {
					t.Errorf("store(%#x): err = %v, want out of bounds", addr, err)
				}
			}

			mem, _ := inst.Memory("memory")
			if _, err := mem.ReadU32(store.PageSize - 3); err == nil {
				t.Error("host read past the end succeeded")
			}
			if err := mem.Write(store.PageSize, []byte{1}); err == nil {
				t.Error("host write past the end succeeded")
			}
		})
	}
}

func TestMemoryGrow(t *testing.T) {
	for name, cfg := range memoryConfigs(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, cfg)
			inst := instantiate(t, s, memoryModule())
			call(t, inst, "store", 16, 77)

			if got := call(t, inst, "grow", 2); got[0] != store.GrowFailed {
				t.Fatalf("grow past max = %d, want %d", got[0], uint32(store.GrowFailed))
			}
			if got := call(t, inst, "size"); got[0] != 1 {
				t.Fatalf("size after failed grow = %d, want 1", got[0])
			}
			if _, err := inst.Call(context.Background(), "load", store.PageSize); !stderrors.Is(err, trap.ErrOutOfBoundsMemory) {
				t.Fatalf("failed grow made the second page accessible: %v", err)
			}

			if got := call(t, inst, "grow", 1); got[0] != 1 {
				t.Fatalf("grow = %d, want previous size 1", got[0])
			}
			if got := call(t, inst, "size"); got[0] != 2 {
				t.Fatalf("size = %d, want 2", got[0])
			}
			if got := call(t, inst, "load", 16); got[0] != 77 {
				t.Errorf("contents lost after grow: %d", got[0])
			}
			call(t, inst, "store", 2*store.PageSize-4, 5)
			if got := call(t, inst, "load", 2*store.PageSize-4); got[0] != 5 {
				t.Errorf("load in new page = %d", got[0])
			}
		})
	}
}

func TestHostMemory(t *testing.T) {
	s := newStore(t, store.Config{})
	mem, err := s.NewMemory(wasm.MemoryType{Limits: wasm.Limits{Min: 1}})
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	if err := mem.Write(100, []byte("wasm")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	got, err := mem.Read(100, 4)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if diff := cmp.Diff([]byte("wasm"), got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}
	_, err = mem.Read(store.PageSize-2, 4)
	if !stderrors.Is(err, &errors.Error{Phase: errors.PhaseRuntime, Kind: errors.KindOutOfBounds}) {
		t.Errorf("expected out of bounds error, got %v", err)
	}

	for _, tt := range []struct {
		name string
		typ  wasm.MemoryType
	}{
		{"memory64", wasm.MemoryType{Limits: wasm.Limits{Min: 1, Memory64: true}}},
		{"shared", wasm.MemoryType{Limits: wasm.Limits{Min: 1, Max: maxPages(1), Shared: true}}},
		{"too large", wasm.MemoryType{Limits: wasm.Limits{Min: store.MaxPages + 1}}},
		{"max below min", wasm.MemoryType{Limits: wasm.Limits{Min: 2, Max: maxPages(1)}}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.NewMemory(tt.typ); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestImportedMemory(t *testing.T) {
	s := newStore(t, store.Config{})
	mem, err := s.NewMemory(wasm.MemoryType{Limits: wasm.Limits{Min: 1, Max: maxPages(1)}})
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	m := &wasm.Module{
		Types: []wasm.FuncType{unaryType},
		Imports: []wasm.Import{{Module: "env", Name: "memory", Desc: wasm.ImportDesc{
			Kind: wasm.KindMemory, Memory: &wasm.MemoryType{Limits: wasm.Limits{Min: 1}},
		}}},
		Funcs:   []uint32{0},
		Exports: []wasm.Export{{Name: "load8", Kind: wasm.KindFunc, Idx: 0}},
		Code:    []wasm.FuncBody{{Code: []byte{wasm.OpLocalGet, 0, wasm.OpI32Load8U, 0, 0, wasm.OpEnd}}},
	}
	inst := instantiate(t, s, m, mem)
	if err := mem.WriteU8(3, 9); err != nil {
		t.Fatalf("WriteU8: %v", err)
	}
	if got := call(t, inst, "load8", 3); got[0] != 9 {
		t.Errorf("load8 = %d, want 9", got[0])
	}
}

func TestCallerMemory(t *testing.T) {
	s := newStore(t, store.Config{})
	var seen uint32
	peek := s.NewHostFunction([]api.ValueType{api.ValueTypeI32}, nil,
		func(ctx context.Context, c *store.Caller, stack []uint64) error {
			v, err := c.Memory().ReadU32(uint32(stack[0]))
			seen = v
			return err
		})
	m := &wasm.Module{
		Types:    []wasm.FuncType{{Params: []wasm.ValType{i32}}, voidType},
		Imports:  []wasm.Import{{Module: "env", Name: "peek", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}}},
		Funcs:    []uint32{1},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1}}},
		Exports:  []wasm.Export{{Name: "run", Kind: wasm.KindFunc, Idx: 1}},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpI32Const, 4, wasm.OpI32Const, 0x2A, wasm.OpI32Store, 2, 0,
			wasm.OpI32Const, 4, wasm.OpCall, 0,
			wasm.OpEnd,
		}}},
	}
	inst := instantiate(t, s, m, peek)
	call(t, inst, "run")
	if seen != 0x2A {
		t.Errorf("host saw %#x, want 0x2a", seen)
	}
}

func TestMemoryGrowPageByPage(t *testing.T) {
	const pages = 64
	for name, cfg := range memoryConfigs(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t, cfg)
			mem, err := s.NewMemory(wasm.MemoryType{Limits: wasm.Limits{Min: 1}})
			if err != nil {
				t.Fatalf("NewMemory: %v", err)
			}
			if err := mem.WriteU32(0, 0xC0FFEE); err != nil {
				t.Fatalf("WriteU32: %v", err)
			}

			moves := 0
			for want := uint32(1); want < pages; want++ {
				base := &mem.Bytes()[0]
				prev, ok := mem.Grow(1)
				if !ok || prev != want {
					t.Fatalf("Grow(1) = %d, %v; want %d, true", prev, ok, want)
				}
				if &mem.Bytes()[0] != base {
					moves++
				}
			}
			// Room doubles on every move, so 63 single-page grows from one
			// page move at most log2(64) times.
			if moves > 6 {
				t.Errorf("memory moved %d times growing to %d pages", moves, pages)
			}
			if v, err := mem.ReadU32(0); err != nil || v != 0xC0FFEE {
				t.Errorf("contents after growth = %#x, %v", v, err)
			}
			if mem.Size() != pages {
				t.Errorf("size = %d, want %d", mem.Size(), pages)
			}
		})
	}
}
