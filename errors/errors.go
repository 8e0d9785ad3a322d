package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseConfigure   Phase = "configure"   // engine construction
	PhaseParse       Phase = "parse"       // module decoding
	PhaseCompile     Phase = "compile"     // backend compilation
	PhaseDeserialize Phase = "deserialize" // artifact loading
	PhaseLink        Phase = "link"        // import resolution
	PhaseInstance    Phase = "instance"    // instance lifecycle
	PhaseRuntime     Phase = "runtime"     // host-side runtime operations
	PhaseLoad        Phase = "load"        // configuration and cache files
)

// Kind categorizes the error
type Kind string

const (
	KindUnavailableBackend Kind = "unavailable_backend"
	KindUnavailableEngine  Kind = "unavailable_engine"
	KindUnsupportedTarget  Kind = "unsupported_target"
	KindNoCompiler         Kind = "no_compiler"
	KindMalformed          Kind = "malformed"
	KindInvalidModule      Kind = "invalid_module"
	KindUnsupportedFeature Kind = "unsupported_feature"
	KindUnsupported        Kind = "unsupported"
	KindBackend            Kind = "backend"
	KindTargetMismatch     Kind = "target_mismatch"
	KindFeatureMismatch    Kind = "feature_mismatch"
	KindCorrupt            Kind = "corrupt"
	KindVersion            Kind = "version"
	KindUnresolvedImport   Kind = "unresolved_import"
	KindSignatureMismatch  Kind = "signature_mismatch"
	KindIncompatibleImport Kind = "incompatible_import"
	KindTerminated         Kind = "terminated"
	KindInstantiation      Kind = "instantiation"
	KindReleased           Kind = "released"
	KindOutOfBounds        Kind = "out_of_bounds"
	KindNotFound           Kind = "not_found"
	KindInvalidInput       Kind = "invalid_input"
	KindAllocation         Kind = "allocation"
)

// Error is the structured error type used throughout the engine
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Module string
	Name   string
	Detail string
	Path   []string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" at ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.Module != "" || e.Name != "" {
		b.WriteString(" ")
		b.WriteString(e.Module)
		b.WriteString("::")
		b.WriteString(e.Name)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is checks. Matching compares phase and kind only.
var (
	ErrUnavailableBackend = &Error{Phase: PhaseConfigure, Kind: KindUnavailableBackend}
	ErrUnavailableEngine  = &Error{Phase: PhaseConfigure, Kind: KindUnavailableEngine}
	ErrUnsupportedTarget  = &Error{Phase: PhaseConfigure, Kind: KindUnsupportedTarget}
	ErrNoCompiler         = &Error{Phase: PhaseCompile, Kind: KindNoCompiler}
	ErrUnsupportedFeature = &Error{Phase: PhaseCompile, Kind: KindUnsupportedFeature}
	ErrTargetMismatch     = &Error{Phase: PhaseDeserialize, Kind: KindTargetMismatch}
	ErrFeatureMismatch    = &Error{Phase: PhaseDeserialize, Kind: KindFeatureMismatch}
	ErrCorrupt            = &Error{Phase: PhaseDeserialize, Kind: KindCorrupt}
	ErrUnresolvedImport   = &Error{Phase: PhaseLink, Kind: KindUnresolvedImport}
	ErrSignatureMismatch  = &Error{Phase: PhaseLink, Kind: KindSignatureMismatch}
	ErrTerminated         = &Error{Phase: PhaseInstance, Kind: KindTerminated}
)

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the field path
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Import sets the module and field name of the import or export involved
func (b *Builder) Import(module, name string) *Builder {
	b.err.Module = module
	b.err.Name = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Taxonomy helpers. Each reports whether err carries an *Error from the phase.

// IsConfiguration reports a configuration error raised while building an engine.
func IsConfiguration(err error) bool { return hasPhase(err, PhaseConfigure) }

// IsCompile reports a compile error, including malformed module input.
func IsCompile(err error) bool { return hasPhase(err, PhaseCompile) || hasPhase(err, PhaseParse) }

// IsLink reports an instantiation-time import resolution error.
func IsLink(err error) bool {
	var missing *MissingImportsError
	return hasPhase(err, PhaseLink) || errors.As(err, &missing)
}

// IsDeserialize reports a corrupt or incompatible serialized artifact.
func IsDeserialize(err error) bool { return hasPhase(err, PhaseDeserialize) }

func hasPhase(err error, phase Phase) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Phase == phase {
			return true
		}
		err = e.Cause
	}
	return false
}

// Convenience constructors for common error patterns

// Configuration creates a configuration error
func Configuration(kind Kind, detail string, args ...any) *Error {
	return New(PhaseConfigure, kind).Detail(detail, args...).Build()
}

// Compile creates a compile error
func Compile(kind Kind, cause error, detail string, args ...any) *Error {
	return New(PhaseCompile, kind).Cause(cause).Detail(detail, args...).Build()
}

// Deserialize creates a deserialization error
func Deserialize(kind Kind, detail string, args ...any) *Error {
	return New(PhaseDeserialize, kind).Detail(detail, args...).Build()
}

// Link creates a link error for the named import
func Link(kind Kind, module, name, detail string, args ...any) *Error {
	return New(PhaseLink, kind).Import(module, name).Detail(detail, args...).Build()
}

// Terminated creates the error returned by calls into a terminated instance
func Terminated(detail string) *Error {
	return &Error{
		Phase:  PhaseInstance,
		Kind:   KindTerminated,
		Detail: detail,
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// OutOfBounds creates an out of bounds error
func OutOfBounds(phase Phase, path []string, index, length uint64) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindOutOfBounds,
		Path:   path,
		Detail: fmt.Sprintf("index %d out of bounds (length %d)", index, length),
		Value:  index,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Instantiation creates an instantiation error
func Instantiation(cause error) *Error {
	return &Error{
		Phase:  PhaseInstance,
		Kind:   KindInstantiation,
		Detail: "instantiate module",
		Cause:  cause,
	}
}

// Load creates a file loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidInput,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a module decoding error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindMalformed,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// MissingImport represents a single unresolved import
type MissingImport struct {
	Module string
	Name   string
	Kind   string
}

// MissingImportsError lists every import a linker could not satisfy
type MissingImportsError struct {
	Imports []MissingImport
}

func (e *MissingImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[link] unresolved_import: no imports specified"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "missing %d import(s):\n", len(e.Imports))

	byModule := make(map[string][]string)
	var order []string
	for _, imp := range e.Imports {
		if _, exists := byModule[imp.Module]; !exists {
			order = append(order, imp.Module)
		}
		byModule[imp.Module] = append(byModule[imp.Module], imp.Kind+" "+imp.Name)
	}

	for _, mod := range order {
		b.WriteString("\n  ")
		b.WriteString(mod)
		b.WriteString(":\n")
		for _, name := range byModule[mod] {
			b.WriteString("    - ")
			b.WriteString(name)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type. It also matches the
// unresolved import sentinel so callers can treat both the same way.
func (e *MissingImportsError) Is(target error) bool {
	if _, ok := target.(*MissingImportsError); ok {
		return true
	}
	return target == ErrUnresolvedImport
}

// Is forwards to the standard library so callers need a single errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As forwards to the standard library.
func As(err error, target any) bool { return errors.As(err, target) }

// Join forwards to the standard library.
func Join(errs ...error) error { return errors.Join(errs...) }
