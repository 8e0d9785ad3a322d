package engine

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/artifact"
	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/metrics"
	"github.com/wippyai/wasm-engine/target"
	"github.com/wippyai/wasm-engine/wasm"
)

// Options selects how an engine compiles. Nil fields take defaults.
type Options struct {
	// Compiler names the backend. Nil picks the first available in
	// compiler.DefaultOrder, or none at all.
	Compiler *compiler.Kind
	// Kind names the strategy. Nil picks the first available in DefaultOrder.
	Kind *Kind
	// Features defaults to target.DefaultFeatures.
	Features *target.Features
	// Target defaults to target.Host. ObjectFile engines always run on
	// the host and ignore it.
	Target *target.Target

	// Compilers and Engines override the build-time capability tables.
	Compilers *compiler.Table
	Engines   *Table
}

// Engine compiles modules under one fixed configuration. It is immutable
// after New and safe for concurrent use.
type Engine struct {
	backend  compiler.Backend
	compiler *compiler.Kind
	features target.Features
	target   target.Target
	kind     Kind
}

// New builds an engine. It fails with a configuration error when an
// explicitly requested compiler or strategy is missing from the build or
// the target cannot be served. It panics when the build carries no
// strategy at all.
func New(opts Options) (*Engine, error) {
	engines := opts.Engines
	if engines == nil {
		engines = Builtin()
	}
	compilers := opts.Compilers
	if compilers == nil {
		compilers = compiler.Builtin()
	}

	kind, ok := engines.Default()
	if !ok {
		panic("wasm-engine: no engine strategy compiled into this build")
	}
	if opts.Kind != nil {
		kind = *opts.Kind
		if !engines.Available(kind) {
			return nil, errors.Configuration(errors.KindUnavailableEngine, "engine %s is not available in this build", kind)
		}
	}

	e := &Engine{
		kind:     kind,
		features: target.DefaultFeatures(),
		target:   target.Host(),
	}
	if opts.Features != nil {
		e.features = *opts.Features
	}
	if opts.Target != nil {
		if kind == ObjectFile {
			Logger().Debug("objectfile engine ignores target", zap.Stringer("target", *opts.Target))
		} else {
			e.target = *opts.Target
		}
	}
	if err := e.target.Validate(); err != nil {
		return nil, errors.New(errors.PhaseConfigure, errors.KindUnsupportedTarget).
			Cause(err).
			Detail("target %s", e.target.Tag()).
			Build()
	}
	if kind == JIT && !target.Host().CompatibleWith(e.target) {
		return nil, errors.Configuration(errors.KindUnsupportedTarget,
			"%s engine cannot run code for %s on %s", kind, e.target.Tag(), target.Host().Tag())
	}

	// An ObjectFile engine still rejects an unavailable compiler but never
	// keeps one, so it always reports itself headless.
	if opts.Compiler != nil {
		ck := *opts.Compiler
		if !compilers.Available(ck) {
			return nil, errors.Configuration(errors.KindUnavailableBackend, "compiler %s is not available in this build", ck)
		}
		if kind != ObjectFile {
			e.compiler = &ck
		}
	} else if ck, ok := compilers.Default(); ok && kind != ObjectFile {
		e.compiler = &ck
	}
	if e.compiler != nil {
		backend, err := compilers.New(*e.compiler)
		if err != nil {
			return nil, err
		}
		e.backend = backend
	}

	Logger().Debug("engine created",
		zap.Stringer("engine", e.kind),
		zap.String("compiler", e.compilerName()),
		zap.Stringer("target", e.target),
		zap.Stringer("features", e.features))
	return e, nil
}

// NewDefault builds an engine with every option at its default.
func NewDefault() (*Engine, error) {
	return New(Options{})
}

// Kind returns the engine strategy.
func (e *Engine) Kind() Kind { return e.kind }

// Compiler returns the selected compiler, false when the engine is headless.
func (e *Engine) Compiler() (compiler.Kind, bool) {
	if e.compiler == nil {
		return 0, false
	}
	return *e.compiler, true
}

// Features returns the enabled proposals.
func (e *Engine) Features() target.Features { return e.features }

// Target returns the code generation target.
func (e *Engine) Target() target.Target { return e.target }

// Headless reports whether the engine can only load serialized artifacts.
func (e *Engine) Headless() bool { return e.backend == nil }

func (e *Engine) compilerName() string {
	if e.compiler == nil {
		return "none"
	}
	return e.compiler.String()
}

// Compile turns a WebAssembly binary into an artifact. A JIT engine maps the
// code before returning; a Native engine leaves mapping to the first
// instantiation. An ObjectFile engine expects data to be a serialized
// artifact and never invokes a compiler.
func (e *Engine) Compile(ctx context.Context, data []byte) (*artifact.Artifact, error) {
	if e.kind == ObjectFile {
		return e.Deserialize(data)
	}
	start := time.Now()
	art, err := e.compile(ctx, data)
	metrics.ObserveCompile(e.compilerName(), e.kind.String(), time.Since(start), err)
	if err != nil {
		Logger().Debug("compile failed", zap.String("compiler", e.compilerName()), zap.Error(err))
		return nil, err
	}
	Logger().Debug("compiled module",
		zap.String("compiler", e.compilerName()),
		zap.Stringer("engine", e.kind),
		zap.Int("functions", len(art.Functions())),
		zap.Duration("elapsed", time.Since(start)))
	return art, nil
}

func (e *Engine) compile(ctx context.Context, data []byte) (*artifact.Artifact, error) {
	if e.backend == nil {
		return nil, errors.Compile(errors.KindNoCompiler, nil, "engine has no compiler")
	}
	m, err := parse(data)
	if err != nil {
		return nil, err
	}
	out, err := e.backend.Compile(ctx, m, e.features, e.target)
	if err != nil {
		return nil, err
	}
	art := artifact.New(m, out, e.features, e.target, e.backend.Name())
	if e.kind == JIT {
		if _, err := art.Map(target.Host()); err != nil {
			art.Close()
			return nil, err
		}
	}
	return art, nil
}

func parse(data []byte) (*wasm.Module, error) {
	m, err := wasm.ParseModule(data)
	if err != nil {
		return nil, errors.ParseFailed("module", err)
	}
	if err := m.Validate(); err != nil {
		return nil, errors.Compile(errors.KindInvalidModule, err, "validate module")
	}
	return m, nil
}

// Deserialize loads an artifact previously produced by Serialize. The
// artifact must carry this engine's target tag and need no proposal the
// engine disables. JIT and ObjectFile engines map it immediately.
func (e *Engine) Deserialize(data []byte) (*artifact.Artifact, error) {
	art, err := e.deserialize(data)
	metrics.ObserveDeserialize(err)
	if err != nil {
		Logger().Debug("deserialize failed", zap.Error(err))
		return nil, err
	}
	return art, nil
}

func (e *Engine) deserialize(data []byte) (*artifact.Artifact, error) {
	art, err := artifact.Deserialize(data, e.target, e.features)
	if err != nil {
		return nil, err
	}
	if e.kind != Native {
		if _, err := art.Map(target.Host()); err != nil {
			art.Close()
			return nil, err
		}
	}
	return art, nil
}

// WriteObject writes art in serialized form, ready for an ObjectFile
// engine on a compatible host.
func (e *Engine) WriteObject(w io.Writer, art *artifact.Artifact) error {
	if !e.target.CompatibleWith(art.Target()) {
		return errors.New(errors.PhaseDeserialize, errors.KindTargetMismatch).
			Detail("artifact built for %s, engine targets %s", art.Target().Tag(), e.target.Tag()).
			Build()
	}
	_, err := art.WriteTo(w)
	return err
}

// Validate decodes and checks data without producing code. It reports the
// same malformed-module and feature errors Compile would.
func (e *Engine) Validate(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := parse(data)
	if err != nil {
		return err
	}
	_, err = compiler.Prepare(m, e.features)
	return err
}

// IsCompilerAvailable reports whether kind is compiled into the program.
func IsCompilerAvailable(kind compiler.Kind) bool { return compiler.Available(kind) }

// IsEngineAvailable reports whether kind is compiled into the program.
func IsEngineAvailable(kind Kind) bool { return Builtin().Available(kind) }
