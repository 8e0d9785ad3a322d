// Package wasm provides the module IR consumed by the compiler backends:
// a WebAssembly binary decoder, encoder, instruction decoder and structural
// validator.
//
// The decoder accepts the WebAssembly 2.0 binary format (multi-value,
// reference types, bulk memory, sign extension, saturating conversions).
// Instructions from proposals the engine does not execute (SIMD, threads,
// tail calls, GC) are reported as *UnsupportedOpcodeError so feature
// detection can name the proposal instead of failing with a generic error.
//
// # Parsing
//
//	data, _ := os.ReadFile("module.wasm")
//	module, err := wasm.ParseModuleValidate(data)
//
// # Metadata
//
// Compiled artifacts keep a code-less copy of the module for linking:
//
//	meta := module.StripCode().Encode()
//	restored, err := wasm.ParseMetadata(meta)
package wasm
