// Package strict runs full module validation through wazero before
// lowering with the optimizing pipeline. It rejects modules the other
// backends would accept on structure alone, such as ill-typed bodies.
package strict

import (
	"context"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/compiler/internal/peephole"
	"github.com/wippyai/wasm-engine/compiler/optimizing"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

func init() {
	compiler.Register(compiler.Strict, New)
}

type backend struct{}

// New returns a strict backend.
func New() compiler.Backend { return backend{} }

func (backend) Name() string { return compiler.Strict.String() }

func (b backend) Compile(ctx context.Context, m *wasm.Module, features target.Features, _ target.Target) (*compiler.Output, error) {
	p, err := compiler.Prepare(m, features)
	if err != nil {
		return nil, err
	}
	if err := Validate(ctx, m.Encode(), features); err != nil {
		return nil, err
	}
	return compiler.Lower(ctx, b.Name(), p, optimizing.LowerFunc(peephole.Default))
}

// Validate type-checks a module binary with wazero under the given
// feature set. Nothing is instantiated.
func Validate(ctx context.Context, bin []byte, features target.Features) error {
	cfg := wazero.NewRuntimeConfigInterpreter().WithCoreFeatures(features.CoreFeatures())
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	defer rt.Close(ctx)

	cm, err := rt.CompileModule(ctx, bin)
	if err != nil {
		compiler.Logger().Debug("strict validation failed", zap.Error(err))
		return errors.Compile(errors.KindInvalidModule, err, "validation")
	}
	return cm.Close(ctx)
}
