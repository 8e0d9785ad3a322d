//go:build !wasmengine_no_jit

package engine

func init() { builtin.Register(JIT) }
