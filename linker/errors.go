package linker

import (
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// duplicate reports a second definition of module::name.
func duplicate(module, name string, kind byte) error {
	return errors.New(errors.PhaseLink, errors.KindInvalidInput).
		Import(module, name).
		Detail("%s already defined", wasm.KindName(kind)).
		Build()
}

func missing(module, name string, kind byte) errors.MissingImport {
	return errors.MissingImport{Module: module, Name: name, Kind: wasm.KindName(kind)}
}
