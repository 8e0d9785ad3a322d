package wasmengine_test

import (
	"context"
	"testing"

	"github.com/tetratelabs/wazero/api"

	wasmengine "github.com/wippyai/wasm-engine"
	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/linker"
	"github.com/wippyai/wasm-engine/store"
	"github.com/wippyai/wasm-engine/wasm"
)

// pipeModule imports env.write(ptr) and exports run, which asks the host to
// write at 16 and returns the i32 stored there.
func pipeModule() []byte {
	m := &wasm.Module{
		Types: []wasm.FuncType{
			{Params: []wasm.ValType{wasm.ValI32}},
			{Results: []wasm.ValType{wasm.ValI32}},
		},
		Imports: []wasm.Import{
			{Module: "env", Name: "write", Desc: wasm.ImportDesc{Kind: wasm.KindFunc, TypeIdx: 0}},
		},
		Funcs:    []uint32{1},
		Memories: []wasm.MemoryType{{Limits: wasm.Limits{Min: 1, Max: ptr(uint64(2))}}},
		Exports: []wasm.Export{
			{Name: "run", Kind: wasm.KindFunc, Idx: 1},
			{Name: "memory", Kind: wasm.KindMemory, Idx: 0},
		},
		Code: []wasm.FuncBody{{Code: []byte{
			wasm.OpI32Const, 16,
			wasm.OpCall, 0,
			wasm.OpI32Const, 16,
			wasm.OpI32Load, 2, 0,
			wasm.OpEnd,
		}}},
	}
	return m.Encode()
}

func ptr[T any](v T) *T { return &v }

func TestHostMemoryInterface(t *testing.T) {
	ctx := context.Background()
	eng, err := engine.NewDefault()
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	art, err := eng.Compile(ctx, pipeModule())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer art.Close()

	s, err := store.New(store.DefaultConfig())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer s.Close()

	l := linker.NewWithDefaults(s)
	write := func(_ context.Context, caller *store.Caller, stack []uint64) error {
		var mem wasmengine.Memory = caller.Memory()
		return mem.WriteU32(api.DecodeU32(stack[0]), 0xCAFE)
	}
	if err := l.NewHostModule("env").Func("write", write, []api.ValueType{api.ValueTypeI32}, nil).Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
	inst, err := l.Instantiate(ctx, art)
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	res, err := inst.Call(ctx, "run")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := api.DecodeU32(res[0]); got != 0xCAFE {
		t.Errorf("run = %#x, want 0xcafe", got)
	}

	mem, err := inst.Memory("memory")
	if err != nil {
		t.Fatalf("Memory: %v", err)
	}
	var sized wasmengine.MemorySizer = mem
	var grower wasmengine.MemoryGrower = mem
	if sized.Size() != 1 {
		t.Errorf("Size = %d, want 1", sized.Size())
	}
	if _, ok := grower.Grow(2); ok {
		t.Error("grew past the maximum")
	}
	if sized.Size() != 1 {
		t.Errorf("Size after failed grow = %d, want 1", sized.Size())
	}
	if _, err := wasmengine.Memory(mem).ReadU8(store.PageSize); !isOOB(err) {
		t.Errorf("ReadU8 past the end = %v, want out of bounds", err)
	}
}

func isOOB(err error) bool {
	var e *errors.Error
	return errors.As(err, &e) && e.Kind == errors.KindOutOfBounds
}
