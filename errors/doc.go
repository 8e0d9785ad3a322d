// Package errors provides structured error types for the engine.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error
// category). A configuration error is any *Error in PhaseConfigure, a link
// error one in PhaseLink, and so on; IsConfiguration, IsCompile, IsLink and
// IsDeserialize test for them anywhere in a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseLink, errors.KindSignatureMismatch).
//		Import("env", "log").
//		Detail("expected (i32) -> (), got () -> ()").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Configuration(errors.KindUnavailableBackend, "compiler %s is not available", kind)
//	err := errors.OutOfBounds(errors.PhaseRuntime, []string{"memory"}, 70000, 65536)
//
// Sentinels such as ErrUnresolvedImport match any error of the same phase
// and kind with errors.Is.
package errors
