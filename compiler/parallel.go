package compiler

import (
	"context"
	"runtime"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// LowerFunc lowers one decoded function body. local indexes m.Funcs.
type LowerFunc func(m *wasm.Module, local int, body []wasm.Instruction) (Function, error)

// Lower runs fn over every body of p concurrently, bounded by GOMAXPROCS.
// Bodies are independent, so the output order matches m.Funcs regardless
// of scheduling.
func Lower(ctx context.Context, backend string, p *Prepared, fn LowerFunc) (*Output, error) {
	start := time.Now()
	out := make([]Function, len(p.Bodies))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i := range p.Bodies {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			f, err := fn(p.Module, i, p.Bodies[i])
			if err != nil {
				return errors.Compile(errors.KindBackend, err, "%s", backend)
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	Logger().Debug("lowered module",
		zap.String("backend", backend),
		zap.Int("functions", len(out)),
		zap.Duration("elapsed", time.Since(start)))
	return &Output{Functions: out, Required: p.Required}, nil
}
