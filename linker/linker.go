package linker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/artifact"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/store"
	"github.com/wippyai/wasm-engine/wasm"
)

// Options configures linker behavior.
type Options struct {
	// SemverMatching lets an import of "pkg@1.2.0" resolve to the newest
	// definition under "pkg@1.x.y" that is compatible.
	SemverMatching bool
	// AllowShadowing lets a later definition replace an earlier one.
	AllowShadowing bool
	// UnknownImportsTrap satisfies unresolved function imports with
	// functions that fail when called.
	UnknownImportsTrap bool
}

// DefaultOptions returns default linker configuration.
func DefaultOptions() Options {
	return Options{
		SemverMatching: true,
	}
}

type key struct {
	module string
	name   string
}

// Linker holds named definitions for one store.
// Thread-safe.
type Linker struct {
	store   *store.Store
	defs    map[key]store.Extern
	stubs   map[stubKey]*store.Function
	options Options
	mu      sync.RWMutex
}

// New creates a linker that defines into and instantiates in s.
func New(s *store.Store, opts Options) *Linker {
	return &Linker{
		store:   s,
		defs:    make(map[key]store.Extern),
		stubs:   make(map[stubKey]*store.Function),
		options: opts,
	}
}

// NewWithDefaults creates a new Linker with default options.
func NewWithDefaults(s *store.Store) *Linker {
	return New(s, DefaultOptions())
}

// Store returns the store the linker is bound to.
func (l *Linker) Store() *store.Store {
	return l.store
}

// Options returns the configuration.
func (l *Linker) Options() Options {
	return l.options
}

// Define binds ext to module::name.
func (l *Linker) Define(module, name string, ext store.Extern) error {
	if ext == nil {
		return fmt.Errorf("linker: define %s::%s: nil extern", module, name)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.define(module, name, ext)
}

func (l *Linker) define(module, name string, ext store.Extern) error {
	k := key{module, name}
	if _, exists := l.defs[k]; exists && !l.options.AllowShadowing {
		return duplicate(module, name, ext.ExternKind())
	}
	l.defs[k] = ext
	return nil
}

// DefineFunc wraps fn as a host function and binds it to module::name.
func (l *Linker) DefineFunc(module, name string, fn store.GoFunc, params, results []api.ValueType) error {
	return l.Define(module, name, l.store.NewHostFunction(params, results, fn))
}

// DefineInstance binds every export of inst under module.
func (l *Linker) DefineInstance(module string, inst *store.Instance) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, name := range inst.Exports() {
		ext, _ := inst.Export(name)
		if err := l.define(module, name, ext); err != nil {
			return err
		}
	}
	Logger().Debug("defined instance", zap.String("module", module), zap.Int("exports", len(inst.Exports())))
	return nil
}

// Get returns the definition an import of module::name would use.
func (l *Linker) Get(module, name string) (store.Extern, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lookup(module, name)
}

func (l *Linker) lookup(module, name string) (store.Extern, bool) {
	if ext, ok := l.defs[key{module, name}]; ok {
		return ext, true
	}
	if !l.options.SemverMatching {
		return nil, false
	}
	base, want := splitVersion(module)
	if want == nil {
		return nil, false
	}
	var (
		best    store.Extern
		bestVer Version
	)
	for k, ext := range l.defs {
		if k.name != name {
			continue
		}
		b, v := splitVersion(k.module)
		if b != base || v == nil || !v.Compatible(*want) {
			continue
		}
		if best == nil || bestVer.Less(*v) {
			best, bestVer = ext, *v
		}
	}
	return best, best != nil
}

// Names returns every defined module::name, sorted.
func (l *Linker) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.defs))
	for k := range l.defs {
		out = append(out, k.module+"::"+k.name)
	}
	sort.Strings(out)
	return out
}

// Resolve returns the externs for art's imports in declaration order.
// Every unresolved import is reported in one MissingImportsError.
func (l *Linker) Resolve(art *artifact.Artifact) ([]store.Extern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out, err := l.resolve(art)
	if err != nil {
		return nil, err
	}
	l.fillStubs(art, out)
	return out, nil
}

// resolve looks up every import. Function imports left to trap stubs stay
// nil in the result.
func (l *Linker) resolve(art *artifact.Artifact) ([]store.Extern, error) {
	imports := art.Imports()
	out := make([]store.Extern, len(imports))
	var miss []errors.MissingImport
	for i, imp := range imports {
		if ext, ok := l.lookup(imp.Module, imp.Name); ok {
			out[i] = ext
			continue
		}
		if l.options.UnknownImportsTrap && imp.Type.Kind == wasm.KindFunc {
			continue
		}
		miss = append(miss, missing(imp.Module, imp.Name, imp.Type.Kind))
	}
	if len(miss) > 0 {
		return nil, &errors.MissingImportsError{Imports: miss}
	}
	return out, nil
}

func (l *Linker) fillStubs(art *artifact.Artifact, out []store.Extern) {
	for i, imp := range art.Imports() {
		if out[i] == nil {
			out[i] = l.trapFunc(imp)
		}
	}
}

type stubKey struct {
	key
	sig string
}

// trapFunc returns the stub for an undefined function import. Stubs are
// created once per name and signature and reused by later instances.
func (l *Linker) trapFunc(imp artifact.ImportType) *store.Function {
	ft := imp.Type.Func
	k := stubKey{key{imp.Module, imp.Name}, ft.Key()}
	if f, ok := l.stubs[k]; ok {
		return f
	}
	err := errors.Link(errors.KindUnresolvedImport, imp.Module, imp.Name, "called an undefined import")
	f := l.store.NewHostFunction(apiTypes(ft.Params), apiTypes(ft.Results),
		func(context.Context, *store.Caller, []uint64) error { return err })
	l.stubs[k] = f
	return f
}

func apiTypes(vs []wasm.ValType) []api.ValueType {
	out := make([]api.ValueType, len(vs))
	for i, v := range vs {
		out[i] = api.ValueType(v)
	}
	return out
}

// Instantiate resolves art's imports and instantiates it in the store.
// Trap stubs for undefined imports are only created once every defined
// import has been accepted, so a failed link allocates nothing.
func (l *Linker) Instantiate(ctx context.Context, art *artifact.Artifact) (*store.Instance, error) {
	imports, err := l.link(art)
	if err != nil {
		Logger().Debug("link failed", zap.Error(err))
		return nil, err
	}
	return l.store.Instantiate(ctx, art, imports)
}

func (l *Linker) link(art *artifact.Artifact) ([]store.Extern, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	imports, err := l.resolve(art)
	if err != nil {
		return nil, err
	}
	for i, ext := range imports {
		if ext == nil {
			continue
		}
		if err := l.store.CheckImport(art, i, ext); err != nil {
			return nil, err
		}
	}
	l.fillStubs(art, imports)
	return imports, nil
}

// HostModuleBuilder collects host functions under one module name.
type HostModuleBuilder struct {
	linker     *Linker
	moduleName string
	funcs      []hostFunc
}

type hostFunc struct {
	name    string
	fn      store.GoFunc
	params  []api.ValueType
	results []api.ValueType
}

// NewHostModule starts building a host module with the given name.
func (l *Linker) NewHostModule(name string) *HostModuleBuilder {
	return &HostModuleBuilder{linker: l, moduleName: name}
}

// Func adds a function to the host module builder.
func (b *HostModuleBuilder) Func(name string, fn store.GoFunc, params, results []api.ValueType) *HostModuleBuilder {
	b.funcs = append(b.funcs, hostFunc{name: name, fn: fn, params: params, results: results})
	return b
}

// Build defines every collected function. Nothing is defined if any name
// is already taken.
func (b *HostModuleBuilder) Build() error {
	l := b.linker
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.options.AllowShadowing {
		for _, f := range b.funcs {
			if _, exists := l.defs[key{b.moduleName, f.name}]; exists {
				return duplicate(b.moduleName, f.name, wasm.KindFunc)
			}
		}
	}
	for _, f := range b.funcs {
		l.defs[key{b.moduleName, f.name}] = l.store.NewHostFunction(f.params, f.results, f.fn)
	}
	Logger().Debug("defined host module", zap.String("module", b.moduleName), zap.Int("funcs", len(b.funcs)))
	return nil
}
