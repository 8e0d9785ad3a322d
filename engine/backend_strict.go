//go:build !wasmengine_no_strict

package engine

import _ "github.com/wippyai/wasm-engine/compiler/strict"
