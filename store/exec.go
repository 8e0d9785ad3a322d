package store

import (
	"context"
	"encoding/binary"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

const initialStack = 256

type frame struct {
	inst    *Instance
	code    []byte
	pc      int // resume point while a callee runs
	bp      int // first local
	results int
}

// machine executes one top-level call. Wasm-to-wasm calls push frames
// instead of recursing, so only host re-entry grows the Go stack.
type machine struct {
	ctx     context.Context
	store   *Store
	stack   []uint64
	frames  []frame
	sp      int
	at      int       // pc of the executing instruction
	cur     *Instance // instance of the top frame
	faulted *Instance // instance that raised the last trap
}

func newMachine(ctx context.Context, s *Store) *machine {
	return &machine{ctx: ctx, store: s, stack: make([]uint64, initialStack)}
}

func (m *machine) push(v uint64) {
	m.stack[m.sp] = v
	m.sp++
}

func (m *machine) pop() uint64 {
	m.sp--
	return m.stack[m.sp]
}

// grow makes the stack at least n slots long.
func (m *machine) grow(n int) {
	if n <= len(m.stack) {
		return
	}
	next := make([]uint64, max(2*len(m.stack), n))
	copy(next, m.stack[:m.sp])
	m.stack = next
}

func u32(code []byte, at int) uint32 { return binary.LittleEndian.Uint32(code[at:]) }
func u64(code []byte, at int) uint64 { return binary.LittleEndian.Uint64(code[at:]) }

func (m *machine) trap(k trap.Kind) error { return m.trapf(k, "") }

func (m *machine) trapf(k trap.Kind, msg string) error {
	t := &trap.Trap{Kind: k, Message: msg, Offset: uint32(m.at)}
	if m.cur != nil {
		if fn, ok := m.cur.code.FuncAt(uint32(m.at)); ok {
			t.Func, t.InCode = fn, true
		}
	}
	m.faulted = m.cur
	return t
}

func (m *machine) hostTrap(f *Function, err error) error {
	msg := "host function failed"
	if f.name != "" {
		msg = "host function " + f.name + " failed"
	}
	t := m.trapf(trap.Unknown, msg).(*trap.Trap)
	t.Cause = err
	return t
}

// invoke runs f with args and returns its results.
func (m *machine) invoke(f *Function, args []uint64) ([]uint64, error) {
	n := len(f.typ.Results)
	m.grow(max(len(args), n))
	copy(m.stack, args)
	m.sp = len(args)
	if err := m.dispatch(f); err != nil {
		return nil, err
	}
	if f.host == nil {
		if err := m.run(); err != nil {
			return nil, err
		}
	}
	out := make([]uint64, n)
	copy(out, m.stack[m.sp-n:m.sp])
	return out, nil
}

// dispatch starts a call to f with its arguments on the stack. Host
// functions complete immediately; wasm functions get a frame.
func (m *machine) dispatch(f *Function) error {
	if f.host != nil {
		return m.callHost(f)
	}
	return m.pushFrame(f.inst, f.entry)
}

func (m *machine) pushFrame(inst *Instance, entry uint32) error {
	if m.store.depth >= m.store.config.MaxCallDepth {
		return m.trap(trap.StackOverflow)
	}
	if inst.state == Terminated {
		return errors.Terminated("call into terminated instance")
	}
	h := isa.ReadHeader(inst.bytes, entry)
	if h.Kind == isa.KindImport {
		return m.dispatch(inst.funcs[h.FuncIndex])
	}
	m.store.depth++
	bp := m.sp - int(h.Params)
	m.grow(m.sp + int(h.Locals) + int(h.MaxStack))
	clear(m.stack[m.sp : m.sp+int(h.Locals)])
	m.sp += int(h.Locals)
	m.frames = append(m.frames, frame{
		inst:    inst,
		code:    inst.bytes,
		pc:      int(entry) + isa.HeaderSize,
		bp:      bp,
		results: int(h.Results),
	})
	inst.active++
	inst.state = Running
	m.cur = inst
	return nil
}

func (m *machine) popFrame() {
	top := len(m.frames) - 1
	inst := m.frames[top].inst
	m.frames[top] = frame{}
	m.frames = m.frames[:top]
	m.store.depth--
	inst.leave(nil)
	if top > 0 {
		m.cur = m.frames[top-1].inst
	} else {
		m.cur = nil
	}
}

// unwind drops the frames left by a failed call.
func (m *machine) unwind(err error) {
	for i := len(m.frames) - 1; i >= 0; i-- {
		m.frames[i].inst.leave(err)
	}
	clear(m.frames)
	m.frames = m.frames[:0]
	m.cur = nil
}

func (m *machine) callHost(f *Function) error {
	if m.store.depth >= m.store.config.MaxCallDepth {
		return m.trap(trap.StackOverflow)
	}
	p, r := len(f.typ.Params), len(f.typ.Results)
	base := m.sp - p
	n := max(p, r)
	m.grow(base + n)
	m.store.depth++
	err := f.host(m.ctx, &Caller{store: m.store, inst: m.cur}, m.stack[base:base+n:base+n])
	m.store.depth--
	if err != nil {
		return m.hostTrap(f, err)
	}
	m.sp = base + r
	if m.cur != nil && m.cur.state == Terminated {
		return errors.Terminated("instance closed during host call")
	}
	return nil
}

func (m *machine) branch(code []byte, at int) int {
	drop := int(u32(code, at+4))
	if drop > 0 {
		keep := int(u32(code, at+8))
		copy(m.stack[m.sp-keep-drop:], m.stack[m.sp-keep:m.sp])
		m.sp -= drop
	}
	return int(u32(code, at))
}

// address pops a base address and returns the size bytes at base+off.
// Guarded memories are indexed through the whole reservation, so an access
// past the committed size faults and the bridge reports it.
func (m *machine) address(inst *Instance, off uint32, size uint64) ([]byte, error) {
	ea := uint64(m.popU32()) + uint64(off)
	view := inst.memories[0].view()
	if ea+size > uint64(len(view)) {
		return nil, m.trap(trap.OutOfBoundsMemory)
	}
	return view[ea : ea+size], nil
}

// run executes until the bottom frame returns.
func (m *machine) run() error {
	fr := m.frames[len(m.frames)-1]
	inst, code, pc, bp := fr.inst, fr.code, fr.pc, fr.bp

	for {
		m.at = pc
		op := code[pc]
		switch op {
		case isa.Unreachable:
			return m.trap(trap.UnreachableExecuted)
		case isa.Nop:
			pc++

		case isa.IfZ:
			if m.popU32() == 0 {
				pc = int(u32(code, pc+1))
			} else {
				pc += 5
			}
		case isa.Br:
			pc = m.branch(code, pc+1)
		case isa.BrIf:
			if m.popU32() != 0 {
				pc = m.branch(code, pc+1)
			} else {
				pc += 1 + isa.BranchSize
			}
		case isa.BrTable:
			n := u32(code, pc+1)
			i := min(m.popU32(), n)
			pc = m.branch(code, pc+5+int(i)*isa.BranchSize)

		case isa.Return:
			top := &m.frames[len(m.frames)-1]
			n := top.results
			copy(m.stack[top.bp:], m.stack[m.sp-n:m.sp])
			m.sp = top.bp + n
			m.popFrame()
			if len(m.frames) == 0 {
				return nil
			}
			fr = m.frames[len(m.frames)-1]
			inst, code, pc, bp = fr.inst, fr.code, fr.pc, fr.bp
			if inst.state == Terminated {
				return errors.Terminated("instance closed during call")
			}

		case isa.Call, isa.CallIndirect:
			var err error
			if op == isa.Call {
				m.frames[len(m.frames)-1].pc = pc + 5
				err = m.pushFrame(inst, u32(code, pc+1))
			} else {
				m.frames[len(m.frames)-1].pc = pc + 9
				err = m.callIndirect(inst, u32(code, pc+1), u32(code, pc+5))
			}
			if err != nil {
				return err
			}
			fr = m.frames[len(m.frames)-1]
			inst, code, pc, bp = fr.inst, fr.code, fr.pc, fr.bp

		case isa.Drop:
			m.sp--
		case isa.Select:
			c := m.popU32()
			b := m.pop()
			a := m.pop()
			if c != 0 {
				m.push(a)
			} else {
				m.push(b)
			}

		case wasm.OpLocalGet:
			m.push(m.stack[bp+int(u32(code, pc+1))])
			pc += 5
		case wasm.OpLocalSet:
			m.stack[bp+int(u32(code, pc+1))] = m.pop()
			pc += 5
		case wasm.OpLocalTee:
			m.stack[bp+int(u32(code, pc+1))] = m.stack[m.sp-1]
			pc += 5
		case wasm.OpGlobalGet:
			m.push(inst.globals[u32(code, pc+1)].val)
			pc += 5
		case wasm.OpGlobalSet:
			inst.globals[u32(code, pc+1)].val = m.pop()
			pc += 5

		case wasm.OpTableGet:
			tab := inst.tables[u32(code, pc+1)]
			i := m.popU32()
			if i >= tab.Size() {
				return m.trap(trap.OutOfBoundsTable)
			}
			m.push(tab.elems[i])
			pc += 5
		case wasm.OpTableSet:
			tab := inst.tables[u32(code, pc+1)]
			v := m.pop()
			i := m.popU32()
			if i >= tab.Size() {
				return m.trap(trap.OutOfBoundsTable)
			}
			tab.elems[i] = v
			pc += 5

		case wasm.OpI32Load, wasm.OpF32Load:
			b, err := m.address(inst, u32(code, pc+1), 4)
			if err != nil {
				return err
			}
			m.push(uint64(binary.LittleEndian.Uint32(b)))
			pc += 5
		case wasm.OpI64Load, wasm.OpF64Load:
			b, err := m.address(inst, u32(code, pc+1), 8)
			if err != nil {
				return err
			}
			m.push(binary.LittleEndian.Uint64(b))
			pc += 5
		case wasm.OpI32Load8S, wasm.OpI32Load8U, wasm.OpI64Load8S, wasm.OpI64Load8U:
			b, err := m.address(inst, u32(code, pc+1), 1)
			if err != nil {
				return err
			}
			switch op {
			case wasm.OpI32Load8S:
				m.pushI32(int32(int8(b[0])))
			case wasm.OpI64Load8S:
				m.pushI64(int64(int8(b[0])))
			default:
				m.push(uint64(b[0]))
			}
			pc += 5
		case wasm.OpI32Load16S, wasm.OpI32Load16U, wasm.OpI64Load16S, wasm.OpI64Load16U:
			b, err := m.address(inst, u32(code, pc+1), 2)
			if err != nil {
				return err
			}
			v := binary.LittleEndian.Uint16(b)
			switch op {
			case wasm.OpI32Load16S:
				m.pushI32(int32(int16(v)))
			case wasm.OpI64Load16S:
				m.pushI64(int64(int16(v)))
			default:
				m.push(uint64(v))
			}
			pc += 5
		case wasm.OpI64Load32S, wasm.OpI64Load32U:
			b, err := m.address(inst, u32(code, pc+1), 4)
			if err != nil {
				return err
			}
			v := binary.LittleEndian.Uint32(b)
			if op == wasm.OpI64Load32S {
				m.pushI64(int64(int32(v)))
			} else {
				m.push(uint64(v))
			}
			pc += 5

		case wasm.OpI32Store, wasm.OpF32Store, wasm.OpI64Store32:
			v := m.pop()
			b, err := m.address(inst, u32(code, pc+1), 4)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint32(b, uint32(v))
			pc += 5
		case wasm.OpI64Store, wasm.OpF64Store:
			v := m.pop()
			b, err := m.address(inst, u32(code, pc+1), 8)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(b, v)
			pc += 5
		case wasm.OpI32Store8, wasm.OpI64Store8:
			v := m.pop()
			b, err := m.address(inst, u32(code, pc+1), 1)
			if err != nil {
				return err
			}
			b[0] = byte(v)
			pc += 5
		case wasm.OpI32Store16, wasm.OpI64Store16:
			v := m.pop()
			b, err := m.address(inst, u32(code, pc+1), 2)
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint16(b, uint16(v))
			pc += 5

		case wasm.OpMemorySize:
			m.push(uint64(inst.memories[0].Size()))
			pc++
		case wasm.OpMemoryGrow:
			if prev, ok := inst.memories[0].Grow(m.popU32()); ok {
				m.push(uint64(prev))
			} else {
				m.push(GrowFailed)
			}
			pc++

		case wasm.OpI32Const, wasm.OpF32Const:
			m.push(uint64(u32(code, pc+1)))
			pc += 5
		case wasm.OpI64Const, wasm.OpF64Const:
			m.push(u64(code, pc+1))
			pc += 9
		case isa.I32AddImm:
			m.push(uint64(m.popU32() + u32(code, pc+1)))
			pc += 5
		case isa.I64AddImm:
			m.push(m.pop() + u64(code, pc+1))
			pc += 9

		case wasm.OpRefNull:
			m.push(0)
			pc++
		case wasm.OpRefIsNull:
			m.pushBool(m.pop() == 0)
			pc++
		case wasm.OpRefFunc:
			m.push(FuncRef(inst.funcs[u32(code, pc+1)]))
			pc += 5

		case isa.MemoryInit, isa.DataDrop, isa.MemoryCopy, isa.MemoryFill,
			isa.TableInit, isa.ElemDrop, isa.TableCopy, isa.TableGrow, isa.TableSize, isa.TableFill:
			if err := m.bulk(inst, op, code, pc); err != nil {
				return err
			}
			pc += 1 + isa.OperandSize(op)

		default:
			if err := m.numeric(op); err != nil {
				return err
			}
			pc++
		}
	}
}

func (m *machine) callIndirect(inst *Instance, typeIdx, tableIdx uint32) error {
	tab := inst.tables[tableIdx]
	i := m.popU32()
	if i >= tab.Size() {
		return m.trapf(trap.OutOfBoundsTable, "undefined element")
	}
	f := m.store.funcRef(tab.elems[i])
	if f == nil {
		return m.trapf(trap.OutOfBoundsTable, "uninitialized element")
	}
	if f.typeID != inst.types[typeIdx] {
		return m.trap(trap.IndirectCallTypeMismatch)
	}
	return m.dispatch(f)
}
