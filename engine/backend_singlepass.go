//go:build !wasmengine_no_singlepass

package engine

import _ "github.com/wippyai/wasm-engine/compiler/singlepass"
