//go:build !wasmengine_no_optimizing

package engine

import _ "github.com/wippyai/wasm-engine/compiler/optimizing"
