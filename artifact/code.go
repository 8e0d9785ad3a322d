package artifact

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/wippyai/wasm-engine/compiler"
	"github.com/wippyai/wasm-engine/internal/mmap"
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

// Code is a mapped, read-only code region. Every function in the module's
// index space has an entry: imported functions get a trampoline header the
// executor dispatches to the bound host or foreign function.
type Code struct {
	region  *mmap.Region
	entries []uint32 // entry offset by function index, ascending
	sites   []site   // ascending by pc
}

type site struct {
	pc   uint32
	kind trap.Kind
}

func layout(m *wasm.Module, funcs []compiler.Function) (*Code, error) {
	imported := m.NumImportedFuncs()
	if len(funcs) != len(m.Funcs) {
		return nil, fmt.Errorf("artifact has %d bodies for %d functions", len(funcs), len(m.Funcs))
	}

	size := imported * isa.HeaderSize
	for _, f := range funcs {
		size += len(f.Code)
	}
	buf := make([]byte, 0, size)
	entries := make([]uint32, 0, imported+len(funcs))

	i := uint32(0)
	for _, imp := range m.Imports {
		if imp.Desc.Kind != wasm.KindFunc {
			continue
		}
		entries = append(entries, uint32(len(buf)))
		buf = append(buf, isa.Trampoline(i, imp.Desc.TypeIdx, m.Types[imp.Desc.TypeIdx])...)
		i++
	}
	for _, f := range funcs {
		entries = append(entries, uint32(len(buf)))
		buf = append(buf, f.Code...)
	}

	var sites []site
	for n, f := range funcs {
		base := entries[imported+n]
		for _, r := range f.Relocations {
			if int(r.Offset)+4 > len(f.Code) {
				return nil, fmt.Errorf("function %d: relocation at %d outside body", f.Index, r.Offset)
			}
			var v uint32
			switch r.Kind {
			case compiler.RelocFunc:
				if int(r.Target) >= len(entries) {
					return nil, fmt.Errorf("function %d: call to unknown function %d", f.Index, r.Target)
				}
				v = entries[r.Target]
			case compiler.RelocCode:
				v = base + r.Target
			default:
				return nil, fmt.Errorf("function %d: unknown relocation kind %d", f.Index, r.Kind)
			}
			binary.LittleEndian.PutUint32(buf[base+r.Offset:], v)
		}
		for _, t := range f.Traps {
			sites = append(sites, site{pc: base + t.Offset, kind: t.Kind})
		}
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].pc < sites[j].pc })

	region, err := mmap.MapCode(buf)
	if err != nil {
		return nil, err
	}
	return &Code{region: region, entries: entries, sites: sites}, nil
}

// Bytes returns the sealed code.
func (c *Code) Bytes() []byte { return c.region.Bytes() }

// NumFuncs returns the size of the function index space.
func (c *Code) NumFuncs() int { return len(c.entries) }

// Entry returns the offset of a function's header.
func (c *Code) Entry(funcIdx uint32) uint32 { return c.entries[funcIdx] }

// FuncAt returns the function whose code contains pc.
func (c *Code) FuncAt(pc uint32) (uint32, bool) {
	if len(c.entries) == 0 || pc >= uint32(len(c.Bytes())) {
		return 0, false
	}
	i := sort.Search(len(c.entries), func(i int) bool { return c.entries[i] > pc })
	if i == 0 {
		return 0, false
	}
	return uint32(i - 1), true
}

// TrapAt returns the trap registered for the instruction at pc.
func (c *Code) TrapAt(pc uint32) (trap.Kind, bool) {
	i := sort.Search(len(c.sites), func(i int) bool { return c.sites[i].pc >= pc })
	if i < len(c.sites) && c.sites[i].pc == pc {
		return c.sites[i].kind, true
	}
	return trap.Unknown, false
}

// Lookup resolves a faulting pc to its function and trap kind.
func (c *Code) Lookup(pc uint32) (funcIdx uint32, kind trap.Kind, ok bool) {
	funcIdx, ok = c.FuncAt(pc)
	if !ok {
		return 0, trap.Unknown, false
	}
	kind, ok = c.TrapAt(pc)
	return funcIdx, kind, ok
}

func (c *Code) release() error {
	if c.region == nil {
		return nil
	}
	err := c.region.Release()
	c.region = nil
	return err
}
