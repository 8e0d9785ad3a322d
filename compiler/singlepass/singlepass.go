// Package singlepass is the fastest backend: one linear walk over each
// body with no rewriting.
package singlepass

import (
	"context"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/compiler/internal/lower"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

func init() {
	compiler.Register(compiler.Singlepass, New)
}

type backend struct{}

// New returns a singlepass backend.
func New() compiler.Backend { return backend{} }

func (backend) Name() string { return compiler.Singlepass.String() }

func (b backend) Compile(ctx context.Context, m *wasm.Module, features target.Features, _ target.Target) (*compiler.Output, error) {
	p, err := compiler.Prepare(m, features)
	if err != nil {
		return nil, err
	}
	return compiler.Lower(ctx, b.Name(), p, func(m *wasm.Module, local int, body []wasm.Instruction) (compiler.Function, error) {
		return lower.Func(m, local, body, lower.Options{KeepNops: true})
	})
}
