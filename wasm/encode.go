package wasm

import (
	"github.com/wippyai/wasm-engine/internal/binary"
)

// Encode serializes the module to the WebAssembly binary format.
// Element segments are always written with expression initializers.
func (m *Module) Encode() []byte {
	w := binary.NewWriter()
	w.WriteU32LE(Magic)
	w.WriteU32LE(Version)

	if len(m.Types) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Types)))
		for _, t := range m.Types {
			s.Byte(0x60)
			writeValTypes(s, t.Params)
			writeValTypes(s, t.Results)
		}
		writeSection(w, SectionType, s.Bytes())
	}

	if len(m.Imports) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			s.WriteName(imp.Module)
			s.WriteName(imp.Name)
			s.Byte(imp.Desc.Kind)
			switch imp.Desc.Kind {
			case KindFunc:
				s.WriteU32(imp.Desc.TypeIdx)
			case KindTable:
				writeTableType(s, *imp.Desc.Table)
			case KindMemory:
				writeLimits(s, imp.Desc.Memory.Limits)
			case KindGlobal:
				writeGlobalType(s, *imp.Desc.Global)
			}
		}
		writeSection(w, SectionImport, s.Bytes())
	}

	if len(m.Funcs) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Funcs)))
		for _, idx := range m.Funcs {
			s.WriteU32(idx)
		}
		writeSection(w, SectionFunction, s.Bytes())
	}

	if len(m.Tables) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Tables)))
		for _, t := range m.Tables {
			writeTableType(s, t)
		}
		writeSection(w, SectionTable, s.Bytes())
	}

	if len(m.Memories) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(s, mem.Limits)
		}
		writeSection(w, SectionMemory, s.Bytes())
	}

	if len(m.Globals) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(s, g.Type)
			s.WriteBytes(g.Init)
		}
		writeSection(w, SectionGlobal, s.Bytes())
	}

	if len(m.Exports) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Exports)))
		for _, e := range m.Exports {
			s.WriteName(e.Name)
			s.Byte(e.Kind)
			s.WriteU32(e.Idx)
		}
		writeSection(w, SectionExport, s.Bytes())
	}

	if m.Start != nil {
		s := binary.NewWriter()
		s.WriteU32(*m.Start)
		writeSection(w, SectionStart, s.Bytes())
	}

	if len(m.Elements) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Elements)))
		for _, e := range m.Elements {
			writeElement(s, e)
		}
		writeSection(w, SectionElement, s.Bytes())
	}

	if m.DataCount != nil {
		s := binary.NewWriter()
		s.WriteU32(*m.DataCount)
		writeSection(w, SectionDataCount, s.Bytes())
	}

	if len(m.Code) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Code)))
		for _, body := range m.Code {
			b := binary.NewWriter()
			b.WriteU32(uint32(len(body.Locals)))
			for _, l := range body.Locals {
				b.WriteU32(l.Count)
				b.Byte(byte(l.ValType))
			}
			b.WriteBytes(body.Code)
			s.WriteBlob(b.Bytes())
		}
		writeSection(w, SectionCode, s.Bytes())
	}

	if len(m.Data) > 0 {
		s := binary.NewWriter()
		s.WriteU32(uint32(len(m.Data)))
		for _, d := range m.Data {
			switch {
			case d.Mode == SegmentPassive:
				s.WriteU32(1)
			case d.Memory != 0:
				s.WriteU32(2)
				s.WriteU32(d.Memory)
				s.WriteBytes(d.Offset)
			default:
				s.WriteU32(0)
				s.WriteBytes(d.Offset)
			}
			s.WriteBlob(d.Init)
		}
		writeSection(w, SectionData, s.Bytes())
	}

	for _, c := range m.CustomSections {
		s := binary.NewWriter()
		s.WriteName(c.Name)
		s.WriteBytes(c.Data)
		writeSection(w, SectionCustom, s.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *binary.Writer, id byte, data []byte) {
	w.Byte(id)
	w.WriteBlob(data)
}

func writeValTypes(w *binary.Writer, types []ValType) {
	w.WriteU32(uint32(len(types)))
	for _, t := range types {
		w.Byte(byte(t))
	}
}

func writeLimits(w *binary.Writer, l Limits) {
	var flags byte
	if l.Max != nil {
		flags |= LimitsHasMax
	}
	if l.Shared {
		flags |= LimitsShared
	}
	if l.Memory64 {
		flags |= LimitsMemory64
	}
	w.Byte(flags)
	w.WriteU64(l.Min)
	if l.Max != nil {
		w.WriteU64(*l.Max)
	}
}

func writeTableType(w *binary.Writer, t TableType) {
	w.Byte(byte(t.ElemType))
	writeLimits(w, t.Limits)
}

func writeGlobalType(w *binary.Writer, g GlobalType) {
	w.Byte(byte(g.ValType))
	if g.Mutable {
		w.Byte(1)
	} else {
		w.Byte(0)
	}
}

func writeElement(w *binary.Writer, e Element) {
	switch e.Mode {
	case SegmentPassive:
		w.WriteU32(5)
		w.Byte(byte(e.Type))
	case SegmentDeclarative:
		w.WriteU32(7)
		w.Byte(byte(e.Type))
	default:
		if e.Table == 0 && e.Type == ValFuncRef {
			w.WriteU32(4)
			w.WriteBytes(e.Offset)
		} else {
			w.WriteU32(6)
			w.WriteU32(e.Table)
			w.WriteBytes(e.Offset)
			w.Byte(byte(e.Type))
		}
	}
	w.WriteU32(uint32(len(e.Init)))
	for _, expr := range e.Init {
		w.WriteBytes(expr)
	}
}
