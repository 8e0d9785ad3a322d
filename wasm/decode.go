package wasm

import (
	"errors"
	"fmt"

	"github.com/wippyai/wasm-engine/internal/binary"
)

// Parsing errors returned by ParseModule.
var (
	ErrInvalidMagic   = errors.New("invalid wasm magic number")
	ErrInvalidVersion = errors.New("invalid wasm version")
)

type parseOptions struct {
	// allowMissingCode accepts a function section without a matching code
	// section. Artifact metadata is stored this way.
	allowMissingCode bool
}

// ParseModule parses a WebAssembly binary module
func ParseModule(data []byte) (*Module, error) {
	return parseModule(data, parseOptions{})
}

// ParseMetadata parses a module whose function bodies were stripped by
// Module.StripCode before encoding.
func ParseMetadata(data []byte) (*Module, error) {
	return parseModule(data, parseOptions{allowMissingCode: true})
}

func parseModule(data []byte, opts parseOptions) (*Module, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic {
		return nil, ErrInvalidMagic
	}

	version, err := r.ReadU32LE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if version != Version {
		return nil, ErrInvalidVersion
	}

	m := &Module{}
	var lastSectionOrder int
	sawCode := false

	for r.Len() > 0 {
		sectionID, err := r.ReadByte()
		if err != nil {
			return nil, r.WrapError("section header", err)
		}

		if sectionID != SectionCustom {
			order := sectionOrder(sectionID)
			if order <= lastSectionOrder {
				return nil, fmt.Errorf("section %d appears out of order", sectionID)
			}
			lastSectionOrder = order
		}

		sectionSize, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("section size", err)
		}

		sr, err := r.Sub(int(sectionSize))
		if err != nil {
			return nil, r.WrapError("section data", err)
		}

		name, parse := sectionParser(sectionID)
		if parse == nil {
			return nil, fmt.Errorf("unknown section ID: 0x%02x", sectionID)
		}
		if err := parse(sr, m); err != nil {
			return nil, sr.WrapError(name, err)
		}
		if sr.Len() != 0 {
			return nil, sr.WrapError(name, errors.New("section size mismatch"))
		}
		if sectionID == SectionCode {
			sawCode = true
		}
	}

	if len(m.Funcs) != len(m.Code) && !(opts.allowMissingCode && !sawCode) {
		return nil, fmt.Errorf("function and code section have inconsistent lengths: %d vs %d", len(m.Funcs), len(m.Code))
	}
	if m.DataCount != nil && int(*m.DataCount) != len(m.Data) {
		return nil, fmt.Errorf("data count and data section have inconsistent lengths: %d vs %d", *m.DataCount, len(m.Data))
	}

	return m, nil
}

func sectionParser(id byte) (string, func(*binary.Reader, *Module) error) {
	switch id {
	case SectionCustom:
		return "custom section", parseCustomSection
	case SectionType:
		return "type section", parseTypeSection
	case SectionImport:
		return "import section", parseImportSection
	case SectionFunction:
		return "function section", parseFunctionSection
	case SectionTable:
		return "table section", parseTableSection
	case SectionMemory:
		return "memory section", parseMemorySection
	case SectionGlobal:
		return "global section", parseGlobalSection
	case SectionExport:
		return "export section", parseExportSection
	case SectionStart:
		return "start section", parseStartSection
	case SectionElement:
		return "element section", parseElementSection
	case SectionCode:
		return "code section", parseCodeSection
	case SectionData:
		return "data section", parseDataSection
	case SectionDataCount:
		return "data count section", parseDataCountSection
	}
	return "", nil
}

// sectionOrder returns the canonical ordering for a section ID.
// DataCount sits between Element and Code even though its ID is larger.
func sectionOrder(id byte) int {
	switch id {
	case SectionDataCount:
		return int(SectionElement) + 1
	case SectionCode, SectionData:
		return int(id) + 1
	}
	return int(id)
}

func parseCustomSection(r *binary.Reader, m *Module) error {
	name, err := r.ReadName()
	if err != nil {
		return err
	}
	data := r.ReadRemaining()
	m.CustomSections = append(m.CustomSections, CustomSection{Name: name, Data: append([]byte(nil), data...)})
	return nil
}

func parseTypeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, count)
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("unsupported type form 0x%02x", form)
		}
		if m.Types[i].Params, err = readValTypes(r); err != nil {
			return err
		}
		if m.Types[i].Results, err = readValTypes(r); err != nil {
			return err
		}
	}
	return nil
}

func readValTypes(r *binary.Reader) ([]ValType, error) {
	count, err := r.ReadU32()
	if err != nil {
		return nil, err
	}
	if int(count) > r.Len() {
		return nil, fmt.Errorf("value type count %d exceeds section", count)
	}
	out := make([]ValType, count)
	for i := range out {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if out[i], err = checkValType(b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func checkValType(b byte) (ValType, error) {
	switch v := ValType(b); v {
	case ValI32, ValI64, ValF32, ValF64, ValV128, ValFuncRef, ValExtern:
		return v, nil
	}
	return 0, fmt.Errorf("invalid value type 0x%02x", b)
}

func parseImportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, count)
	for i := uint32(0); i < count; i++ {
		module, err := r.ReadName()
		if err != nil {
			return err
		}
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		imp := Import{Module: module, Name: name, Desc: ImportDesc{Kind: kind}}

		switch kind {
		case KindFunc:
			imp.Desc.TypeIdx, err = r.ReadU32()
			if err != nil {
				return err
			}
		case KindTable:
			table, err := readTableType(r)
			if err != nil {
				return err
			}
			imp.Desc.Table = &table
		case KindMemory:
			memory, err := readMemoryType(r)
			if err != nil {
				return err
			}
			imp.Desc.Memory = &memory
		case KindGlobal:
			global, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Desc.Global = &global
		default:
			return fmt.Errorf("unknown import kind: %d", kind)
		}

		m.Imports[i] = imp
	}
	return nil
}

func parseFunctionSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	if int(count) > r.Len() {
		return fmt.Errorf("function count %d exceeds section", count)
	}
	m.Funcs = make([]uint32, count)
	for i := uint32(0); i < count; i++ {
		m.Funcs[i], err = r.ReadU32()
		if err != nil {
			return err
		}
	}
	return nil
}

func parseTableSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Tables = make([]TableType, count)
	for i := uint32(0); i < count; i++ {
		m.Tables[i], err = readTableType(r)
		if err != nil {
			return err
		}
	}
	return nil
}

func parseMemorySection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Memories = make([]MemoryType, count)
	for i := uint32(0); i < count; i++ {
		m.Memories[i], err = readMemoryType(r)
		if err != nil {
			return err
		}
	}
	return nil
}

func parseGlobalSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Globals = make([]Global, count)
	for i := uint32(0); i < count; i++ {
		globalType, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, err := readInitExpr(r)
		if err != nil {
			return err
		}
		m.Globals[i] = Global{Type: globalType, Init: init}
	}
	return nil
}

func parseExportSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, count)
	seen := make(map[string]struct{}, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.ReadName()
		if err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate export name %q", name)
		}
		seen[name] = struct{}{}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		if kind > KindGlobal {
			return fmt.Errorf("invalid export kind: 0x%02x", kind)
		}
		idx, err := r.ReadU32()
		if err != nil {
			return err
		}
		m.Exports[i] = Export{Name: name, Kind: kind, Idx: idx}
	}
	return nil
}

func parseStartSection(r *binary.Reader, m *Module) error {
	idx, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Start = &idx
	return nil
}

// parseElementSection decodes all eight element segment encodings.
// Bit 0 marks passive or declarative, bit 1 an explicit table index (or
// declarative when bit 0 is set) and bit 2 expression initializers.
func parseElementSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Elements = make([]Element, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 7 {
			return fmt.Errorf("invalid element segment flags: %d", flags)
		}

		elem := Element{Type: ValFuncRef}
		switch {
		case flags&0x01 == 0:
			elem.Mode = SegmentActive
		case flags&0x02 != 0:
			elem.Mode = SegmentDeclarative
		default:
			elem.Mode = SegmentPassive
		}
		usesExprs := flags&0x04 != 0

		if elem.Mode == SegmentActive {
			if flags&0x02 != 0 {
				if elem.Table, err = r.ReadU32(); err != nil {
					return err
				}
			}
			if elem.Offset, err = readInitExpr(r); err != nil {
				return err
			}
		}

		if flags&0x03 != 0 {
			b, err := r.ReadByte()
			if err != nil {
				return err
			}
			if usesExprs {
				t, err := checkValType(b)
				if err != nil || !t.IsRef() {
					return fmt.Errorf("invalid element reference type 0x%02x", b)
				}
				elem.Type = t
			} else if b != 0x00 {
				return fmt.Errorf("invalid element kind 0x%02x", b)
			}
		}

		vecCount, err := r.ReadU32()
		if err != nil {
			return err
		}
		if int(vecCount) > r.Len() {
			return fmt.Errorf("element count %d exceeds section", vecCount)
		}
		elem.Init = make([][]byte, vecCount)
		for j := uint32(0); j < vecCount; j++ {
			if usesExprs {
				elem.Init[j], err = readInitExpr(r)
			} else {
				var idx uint32
				idx, err = r.ReadU32()
				elem.Init[j] = RefFuncExpr(idx)
			}
			if err != nil {
				return err
			}
		}

		m.Elements[i] = elem
	}
	return nil
}

func parseCodeSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Code = make([]FuncBody, count)
	for i := uint32(0); i < count; i++ {
		bodySize, err := r.ReadU32()
		if err != nil {
			return err
		}
		br, err := r.Sub(int(bodySize))
		if err != nil {
			return err
		}

		localCount, err := br.ReadU32()
		if err != nil {
			return err
		}
		var locals []LocalEntry
		var total uint64
		for j := uint32(0); j < localCount; j++ {
			n, err := br.ReadU32()
			if err != nil {
				return err
			}
			t, err := br.ReadByte()
			if err != nil {
				return err
			}
			vt, err := checkValType(t)
			if err != nil {
				return err
			}
			total += uint64(n)
			if total > MaxLocals {
				return fmt.Errorf("function %d declares too many locals", i)
			}
			locals = append(locals, LocalEntry{Count: n, ValType: vt})
		}

		code := br.ReadRemaining()
		if len(code) == 0 || code[len(code)-1] != OpEnd {
			return fmt.Errorf("function %d body does not end with end opcode", i)
		}
		m.Code[i] = FuncBody{Locals: locals, Code: code}
	}
	return nil
}

// MaxLocals bounds the number of locals a single function may declare.
const MaxLocals = 50000

func parseDataSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.Data = make([]DataSegment, count)
	for i := uint32(0); i < count; i++ {
		flags, err := r.ReadU32()
		if err != nil {
			return err
		}
		if flags > 2 {
			return fmt.Errorf("invalid data segment flags: %d", flags)
		}

		// 0: active in memory 0, 1: passive, 2: active with explicit memory
		seg := DataSegment{Mode: SegmentActive}
		if flags == 1 {
			seg.Mode = SegmentPassive
		}
		if flags == 2 {
			if seg.Memory, err = r.ReadU32(); err != nil {
				return err
			}
		}
		if flags != 1 {
			if seg.Offset, err = readInitExpr(r); err != nil {
				return err
			}
		}

		initLen, err := r.ReadU32()
		if err != nil {
			return err
		}
		data, err := r.ReadBytes(int(initLen))
		if err != nil {
			return err
		}
		seg.Init = append([]byte(nil), data...)

		m.Data[i] = seg
	}
	return nil
}

func parseDataCountSection(r *binary.Reader, m *Module) error {
	count, err := r.ReadU32()
	if err != nil {
		return err
	}
	m.DataCount = &count
	return nil
}

func readLimits(r *binary.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	if flags > LimitsHasMax|LimitsShared|LimitsMemory64 {
		return Limits{}, fmt.Errorf("invalid limits flags 0x%02x", flags)
	}

	l := Limits{
		Shared:   flags&LimitsShared != 0,
		Memory64: flags&LimitsMemory64 != 0,
	}

	if l.Memory64 {
		if l.Min, err = r.ReadU64(); err != nil {
			return Limits{}, err
		}
		if flags&LimitsHasMax != 0 {
			maxVal, err := r.ReadU64()
			if err != nil {
				return Limits{}, err
			}
			l.Max = &maxVal
		}
		return l, nil
	}

	minVal, err := r.ReadU32()
	if err != nil {
		return Limits{}, err
	}
	l.Min = uint64(minVal)
	if flags&LimitsHasMax != 0 {
		maxVal, err := r.ReadU32()
		if err != nil {
			return Limits{}, err
		}
		max64 := uint64(maxVal)
		l.Max = &max64
	}
	return l, nil
}

func readTableType(r *binary.Reader) (TableType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return TableType{}, err
	}
	t, err := checkValType(b)
	if err != nil || !t.IsRef() {
		return TableType{}, fmt.Errorf("invalid table element type 0x%02x", b)
	}
	limits, err := readLimits(r)
	if err != nil {
		return TableType{}, err
	}
	return TableType{ElemType: t, Limits: limits}, nil
}

func readMemoryType(r *binary.Reader) (MemoryType, error) {
	limits, err := readLimits(r)
	if err != nil {
		return MemoryType{}, err
	}
	return MemoryType{Limits: limits}, nil
}

func readGlobalType(r *binary.Reader) (GlobalType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	t, err := checkValType(b)
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	if mut > 1 {
		return GlobalType{}, fmt.Errorf("invalid global mutability %d", mut)
	}
	return GlobalType{ValType: t, Mutable: mut == 1}, nil
}

// readInitExpr reads a constant expression and returns its raw bytes,
// including the terminating end opcode.
func readInitExpr(r *binary.Reader) ([]byte, error) {
	start := r.Position()
	var expr []byte
	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		expr = append(expr, op)
		switch op {
		case OpEnd:
			return expr, nil
		case OpI32Const:
			v, err := r.ReadS32()
			if err != nil {
				return nil, err
			}
			expr = AppendS64(expr, int64(v))
		case OpI64Const:
			v, err := r.ReadS64()
			if err != nil {
				return nil, err
			}
			expr = AppendS64(expr, v)
		case OpF32Const:
			b, err := r.ReadBytes(4)
			if err != nil {
				return nil, err
			}
			expr = append(expr, b...)
		case OpF64Const:
			b, err := r.ReadBytes(8)
			if err != nil {
				return nil, err
			}
			expr = append(expr, b...)
		case OpGlobalGet, OpRefFunc:
			v, err := r.ReadU32()
			if err != nil {
				return nil, err
			}
			expr = AppendU32(expr, v)
		case OpRefNull:
			t, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			expr = append(expr, t)
		case OpPrefixSIMD:
			return nil, &UnsupportedOpcodeError{Prefix: op, Offset: start}
		default:
			return nil, fmt.Errorf("opcode 0x%02x not allowed in constant expression at %d", op, start)
		}
	}
}

// RefFuncExpr returns the constant expression "ref.func idx end".
func RefFuncExpr(idx uint32) []byte {
	return append(AppendU32([]byte{OpRefFunc}, idx), OpEnd)
}

// I32ConstExpr returns the constant expression "i32.const v end".
func I32ConstExpr(v int32) []byte {
	return append(AppendS64([]byte{OpI32Const}, int64(v)), OpEnd)
}

// AppendU32 appends v as unsigned LEB128.
func AppendU32(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

// AppendS64 appends v as signed LEB128.
func AppendS64(b []byte, v int64) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0) {
			return append(b, c)
		}
		b = append(b, c|0x80)
	}
}
