// Package engine turns WebAssembly binaries into compiled artifacts.
//
// An Engine binds a compiler backend, an engine strategy, a feature set
// and a target once, at construction. It is immutable afterwards and safe
// for concurrent use: any number of goroutines may compile through it,
// each getting an independent artifact.
//
// # Strategies
//
// Three strategies decide what Compile produces:
//
//	JIT         - compile and map the code for immediate execution
//	Native      - compile only; the first instantiation maps the code
//	ObjectFile  - never compile; accept previously serialized artifacts
//
// Which strategies and which compiler backends exist is decided at build
// time by build tags (wasmengine_no_jit, wasmengine_no_singlepass, ...).
// Requesting something the build left out is a configuration error.
// Leaving out every strategy makes New panic.
//
// # Defaults
//
// Without an explicit choice the compiler is the first available of
// optimizing, strict and singlepass, and the strategy is the first
// available of JIT, Native and ObjectFile. A build with no compiler at all
// yields a headless engine whose Compile fails with ErrNoCompiler.
//
// # Example
//
//	eng, err := engine.NewDefault()
//	art, err := eng.Compile(ctx, wasmBytes)
//	defer art.Close()
//
//	s, _ := store.New(store.DefaultConfig())
//	inst, err := s.Instantiate(ctx, art, nil)
//	results, err := inst.Call(ctx, "run")
package engine
