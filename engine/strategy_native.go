//go:build !wasmengine_no_native

package engine

func init() { builtin.Register(Native) }
