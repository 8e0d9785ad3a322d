package store

import (
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/trap"
)

// bulk executes the bulk memory and table instructions. Bounds are checked
// against the committed size before anything is written, so a trapping
// instruction has no effect.
func (m *machine) bulk(inst *Instance, op byte, code []byte, pc int) error {
	switch op {
	case isa.MemoryInit:
		seg := inst.data[u32(code, pc+1)]
		n, src, dst := m.popU32(), m.popU32(), m.popU32()
		mem := inst.memories[0].Bytes()
		if uint64(src)+uint64(n) > uint64(len(seg)) || uint64(dst)+uint64(n) > uint64(len(mem)) {
			return m.trap(trap.OutOfBoundsMemory)
		}
		copy(mem[dst:], seg[src:src+n])

	case isa.DataDrop:
		inst.data[u32(code, pc+1)] = nil

	case isa.MemoryCopy:
		n, src, dst := m.popU32(), m.popU32(), m.popU32()
		mem := inst.memories[0].Bytes()
		if uint64(src)+uint64(n) > uint64(len(mem)) || uint64(dst)+uint64(n) > uint64(len(mem)) {
			return m.trap(trap.OutOfBoundsMemory)
		}
		copy(mem[dst:dst+n], mem[src:src+n])

	case isa.MemoryFill:
		n, v, dst := m.popU32(), byte(m.pop()), m.popU32()
		mem := inst.memories[0].Bytes()
		if uint64(dst)+uint64(n) > uint64(len(mem)) {
			return m.trap(trap.OutOfBoundsMemory)
		}
		region := mem[dst : dst+n]
		for i := range region {
			region[i] = v
		}

	case isa.TableInit:
		seg := inst.elems[u32(code, pc+1)]
		tab := inst.tables[u32(code, pc+5)]
		n, src, dst := m.popU32(), m.popU32(), m.popU32()
		if uint64(src)+uint64(n) > uint64(len(seg)) || !tab.bounds(dst, n) {
			return m.trap(trap.OutOfBoundsTable)
		}
		copy(tab.elems[dst:], seg[src:src+n])

	case isa.ElemDrop:
		inst.elems[u32(code, pc+1)] = nil

	case isa.TableCopy:
		dstTab := inst.tables[u32(code, pc+1)]
		srcTab := inst.tables[u32(code, pc+5)]
		n, src, dst := m.popU32(), m.popU32(), m.popU32()
		if !srcTab.bounds(src, n) || !dstTab.bounds(dst, n) {
			return m.trap(trap.OutOfBoundsTable)
		}
		copy(dstTab.elems[dst:dst+n], srcTab.elems[src:src+n])

	case isa.TableGrow:
		tab := inst.tables[u32(code, pc+1)]
		n := m.popU32()
		init := m.pop()
		if prev, ok := tab.Grow(n, init); ok {
			m.push(uint64(prev))
		} else {
			m.push(GrowFailed)
		}

	case isa.TableSize:
		m.push(uint64(inst.tables[u32(code, pc+1)].Size()))

	case isa.TableFill:
		tab := inst.tables[u32(code, pc+1)]
		n, v, dst := m.popU32(), m.pop(), m.popU32()
		if !tab.bounds(dst, n) {
			return m.trap(trap.OutOfBoundsTable)
		}
		region := tab.elems[dst : dst+n]
		for i := range region {
			region[i] = v
		}
	}
	return nil
}
