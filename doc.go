// Package wasmengine is a WebAssembly execution engine.
//
// A module goes through three stages. An engine compiles the binary into an
// artifact under a fixed compiler, strategy, feature set and target. A
// store instantiates the artifact against its imports, allocating memories,
// tables and globals. The instance then runs exported functions, turning
// faults in guest code into typed traps.
//
// # Packages
//
//	wasmengine/     Root package with the host Memory interfaces
//	├── engine/     Compiler and strategy selection, Compile and Deserialize
//	├── compiler/   Backend table and the singlepass, optimizing and strict backends
//	├── artifact/   Compiled modules, serialization and code mapping
//	├── store/      Stores, instances, memories, tables, globals, trap bridge
//	├── linker/     Name-based import resolution with semver matching
//	├── cache/      On-disk artifact cache
//	├── target/     Target triples and WebAssembly feature sets
//	├── trap/       Trap kinds
//	├── metrics/    Prometheus collectors
//	├── errors/     Structured errors by phase and kind
//	├── isa/        The executable instruction format
//	└── wasm/       Binary decoding, encoding and validation
//
// # Quick Start
//
//	eng, err := engine.NewDefault()
//	if err != nil {
//	    return err
//	}
//	art, err := eng.Compile(ctx, wasmBytes)
//	if err != nil {
//	    return err
//	}
//	defer art.Close()
//
//	s, err := store.New(store.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	l := linker.NewWithDefaults(s)
//	err = l.NewHostModule("env").
//	    Func("log", logFunc, []api.ValueType{api.ValueTypeI32}, nil).
//	    Build()
//	inst, err := l.Instantiate(ctx, art)
//	results, err := inst.Call(ctx, "run")
//
// # Errors
//
// Configuration, compile, deserialize and link failures are *errors.Error
// values told apart by phase; use errors.IsConfiguration, errors.IsCompile,
// errors.IsDeserialize and errors.IsLink, or errors.Is with a sentinel such
// as errors.ErrUnresolvedImport. Runtime faults are *trap.Trap values.
//
// Only one condition is fatal: a build that carries no engine strategy
// makes engine.New panic.
//
// # Build Tags
//
// Backends and strategies are compiled in unless excluded:
//
//	wasmengine_no_singlepass   wasmengine_no_jit
//	wasmengine_no_optimizing   wasmengine_no_native
//	wasmengine_no_strict       wasmengine_no_objectfile
package wasmengine
