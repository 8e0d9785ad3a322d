// Package optimizing lowers after running peephole passes over each body.
package optimizing

import (
	"context"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/compiler/internal/lower"
	"github.com/wippyai/wasm-engine/compiler/internal/peephole"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

func init() {
	compiler.Register(compiler.Optimizing, New)
}

type backend struct {
	passes []peephole.Pass
}

// New returns an optimizing backend with the default pass pipeline.
func New() compiler.Backend { return backend{passes: peephole.Default} }

func (backend) Name() string { return compiler.Optimizing.String() }

func (b backend) Compile(ctx context.Context, m *wasm.Module, features target.Features, _ target.Target) (*compiler.Output, error) {
	p, err := compiler.Prepare(m, features)
	if err != nil {
		return nil, err
	}
	return compiler.Lower(ctx, b.Name(), p, LowerFunc(b.passes))
}

// LowerFunc returns a lowering function that rewrites each body with passes
// first.
func LowerFunc(passes []peephole.Pass) compiler.LowerFunc {
	return func(m *wasm.Module, local int, body []wasm.Instruction) (compiler.Function, error) {
		return lower.Func(m, local, peephole.Run(body, passes), lower.Options{})
	}
}
