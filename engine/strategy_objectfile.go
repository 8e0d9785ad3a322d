//go:build !wasmengine_no_objectfile

package engine

func init() { builtin.Register(ObjectFile) }
