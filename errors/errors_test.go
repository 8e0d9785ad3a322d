package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name: "full error",
			err: &Error{
				Phase:  PhaseLink,
				Kind:   KindSignatureMismatch,
				Path:   []string{"imports", "3"},
				Module: "env",
				Name:   "log",
				Detail: "expected (i32) -> ()",
			},
			contains: []string{"[link]", "signature_mismatch", "imports.3", "env::log", "expected (i32) -> ()"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseDeserialize,
				Kind:  KindCorrupt,
			},
			contains: []string{"[deserialize]", "corrupt"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseCompile,
				Kind:   KindBackend,
				Detail: "lower function 2",
				Cause:  errors.New("stack underflow"),
			},
			contains: []string{"[compile]", "backend", "lower function 2", "caused by", "stack underflow"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				if !strings.Contains(msg, s) {
					t.Errorf("error message %q does not contain %q", msg, s)
				}
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Wrap(PhaseLoad, KindInvalidInput, cause, "read config")
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause")
	}
}

func TestError_Is(t *testing.T) {
	err := Link(KindUnresolvedImport, "env", "missing", "no binding provided")
	wrapped := fmt.Errorf("instantiate: %w", err)

	if !errors.Is(wrapped, ErrUnresolvedImport) {
		t.Error("expected match on unresolved import sentinel")
	}
	if errors.Is(wrapped, ErrSignatureMismatch) {
		t.Error("unexpected match on signature mismatch sentinel")
	}

	samePhaseOtherKind := &Error{Phase: PhaseLink, Kind: KindSignatureMismatch}
	if err.Is(samePhaseOtherKind) {
		t.Error("kind must be part of the match")
	}
}

func TestBuilder(t *testing.T) {
	cause := errors.New("io failure")
	err := New(PhaseDeserialize, KindCorrupt).
		Path("payload", "functions").
		Value(7).
		Cause(cause).
		Detail("function %d truncated", 7).
		Build()

	if err.Phase != PhaseDeserialize || err.Kind != KindCorrupt {
		t.Errorf("unexpected phase/kind: %s/%s", err.Phase, err.Kind)
	}
	if err.Detail != "function 7 truncated" {
		t.Errorf("detail: got %q", err.Detail)
	}
	if err.Value != 7 {
		t.Errorf("value: got %v", err.Value)
	}
	if !errors.Is(err, cause) {
		t.Error("cause should be reachable")
	}
	if got := strings.Join(err.Path, "."); got != "payload.functions" {
		t.Errorf("path: got %q", got)
	}
}

func TestTaxonomyHelpers(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want func(error) bool
	}{
		{"configuration", Configuration(KindUnavailableBackend, "compiler %q", "strict"), IsConfiguration},
		{"compile", Compile(KindNoCompiler, nil, "no backend"), IsCompile},
		{"parse counts as compile", ParseFailed("module", errors.New("bad magic")), IsCompile},
		{"link", Link(KindUnresolvedImport, "env", "f", ""), IsLink},
		{"deserialize", Deserialize(KindTargetMismatch, "aarch64 vs x86_64"), IsDeserialize},
		{"nested", Instantiation(Link(KindSignatureMismatch, "env", "f", "")), IsLink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.want(tt.err) {
				t.Errorf("helper returned false for %v", tt.err)
			}
		})
	}

	if IsLink(Configuration(KindUnavailableEngine, "jit")) {
		t.Error("configuration error reported as link error")
	}
	if IsDeserialize(errors.New("plain")) {
		t.Error("plain error reported as deserialize error")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name  string
		err   *Error
		phase Phase
		kind  Kind
	}{
		{"terminated", Terminated("stack overflow"), PhaseInstance, KindTerminated},
		{"unsupported", Unsupported(PhaseCompile, "simd"), PhaseCompile, KindUnsupported},
		{"out of bounds", OutOfBounds(PhaseRuntime, nil, 10, 4), PhaseRuntime, KindOutOfBounds},
		{"not found", NotFound(PhaseInstance, "export", "run"), PhaseInstance, KindNotFound},
		{"invalid input", InvalidInput(PhaseRuntime, "nil artifact"), PhaseRuntime, KindInvalidInput},
		{"load", Load("read file", nil), PhaseLoad, KindInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Phase != tt.phase {
				t.Errorf("phase: got %s, want %s", tt.err.Phase, tt.phase)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("kind: got %s, want %s", tt.err.Kind, tt.kind)
			}
		})
	}

	if !errors.Is(Terminated("x"), ErrTerminated) {
		t.Error("Terminated should match ErrTerminated")
	}
}

func TestMissingImportsError(t *testing.T) {
	err := &MissingImportsError{Imports: []MissingImport{
		{Module: "env", Name: "log", Kind: "func"},
		{Module: "env", Name: "memory", Kind: "memory"},
		{Module: "wasi", Name: "fd_write", Kind: "func"},
	}}

	msg := err.Error()
	for _, s := range []string{"missing 3 import(s)", "env:", "func log", "memory memory", "wasi:", "func fd_write"} {
		if !strings.Contains(msg, s) {
			t.Errorf("message %q does not contain %q", msg, s)
		}
	}
	if !errors.Is(err, ErrUnresolvedImport) {
		t.Error("missing imports should match the unresolved import sentinel")
	}

	empty := &MissingImportsError{}
	if !strings.Contains(empty.Error(), "no imports") {
		t.Errorf("unexpected empty message: %q", empty.Error())
	}
}
