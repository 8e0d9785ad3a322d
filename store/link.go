package store

import (
	"strconv"

	"github.com/wippyai/wasm-engine/artifact"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/wasm"
)

// checkImports matches the supplied externs against the module's imports.
// It runs before any allocation.
func (s *Store) checkImports(m *wasm.Module, imports []Extern) error {
	if len(imports) > len(m.Imports) {
		return errors.New(errors.PhaseLink, errors.KindIncompatibleImport).
			Detail("module declares %d imports, got %d", len(m.Imports), len(imports)).
			Build()
	}
	for i, imp := range m.Imports {
		if i >= len(imports) || imports[i] == nil {
			return errors.Link(errors.KindUnresolvedImport, imp.Module, imp.Name,
				"no %s provided", wasm.KindName(imp.Desc.Kind))
		}
		if err := s.checkImport(m, imp, imports[i]); err != nil {
			return err
		}
	}
	return nil
}

// CheckImport reports whether ext satisfies the i-th import of art with
// the errors Instantiate would return. It allocates nothing.
func (s *Store) CheckImport(art *artifact.Artifact, i int, ext Extern) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	m := art.Module()
	if i < 0 || i >= len(m.Imports) {
		return errors.New(errors.PhaseLink, errors.KindIncompatibleImport).
			Detail("module declares %d imports, no import %d", len(m.Imports), i).
			Build()
	}
	imp := m.Imports[i]
	if ext == nil {
		return errors.Link(errors.KindUnresolvedImport, imp.Module, imp.Name,
			"no %s provided", wasm.KindName(imp.Desc.Kind))
	}
	return s.checkImport(m, imp, ext)
}

func (s *Store) checkImport(m *wasm.Module, imp wasm.Import, ext Extern) error {
	mismatch := func(format string, args ...any) error {
		return errors.Link(errors.KindSignatureMismatch, imp.Module, imp.Name, format, args...)
	}
	incompatible := func(format string, args ...any) error {
		return errors.Link(errors.KindIncompatibleImport, imp.Module, imp.Name, format, args...)
	}

	if ext.ExternKind() != imp.Desc.Kind {
		return mismatch("expected %s, got %s", wasm.KindName(imp.Desc.Kind), wasm.KindName(ext.ExternKind()))
	}

	switch x := ext.(type) {
	case *Function:
		if x.store != s {
			return incompatible("function belongs to another store")
		}
		want := m.Types[imp.Desc.TypeIdx]
		if !x.typ.Equal(want) {
			return mismatch("expected %s, got %s", want, x.typ)
		}
	case *Memory:
		if x.store != s {
			return incompatible("memory belongs to another store")
		}
		if x.released {
			return incompatible("memory is released")
		}
		want := imp.Desc.Memory.Limits
		if !limitsMatch(uint64(x.Size()), x.typ.Limits.Max, want) {
			return incompatible("memory limits do not satisfy min %d%s", want.Min, maxSuffix(want))
		}
	case *Table:
		if x.store != s {
			return incompatible("table belongs to another store")
		}
		want := imp.Desc.Table
		if x.typ.ElemType != want.ElemType {
			return mismatch("expected %s table, got %s", want.ElemType, x.typ.ElemType)
		}
		if !limitsMatch(uint64(x.Size()), x.typ.Limits.Max, want.Limits) {
			return incompatible("table limits do not satisfy min %d%s", want.Limits.Min, maxSuffix(want.Limits))
		}
	case *Global:
		want := *imp.Desc.Global
		if x.typ != want {
			return mismatch("expected %s, got %s", globalString(want), globalString(x.typ))
		}
	default:
		return mismatch("unsupported extern %T", ext)
	}
	return nil
}

// limitsMatch applies import subtyping: the provided size must reach the
// declared minimum and a declared maximum must bound the provided one.
func limitsMatch(size uint64, max *uint64, want wasm.Limits) bool {
	if size < want.Min {
		return false
	}
	if want.Max == nil {
		return true
	}
	return max != nil && *max <= *want.Max
}

func maxSuffix(l wasm.Limits) string {
	if l.Max == nil {
		return ""
	}
	return " max " + strconv.FormatUint(*l.Max, 10)
}

func globalString(g wasm.GlobalType) string {
	if g.Mutable {
		return "mut " + g.ValType.String()
	}
	return g.ValType.String()
}
