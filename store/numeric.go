package store

import (
	"math"
	"math/bits"

	"github.com/wippyai/wasm-engine/isa"
	"github.com/wippyai/wasm-engine/trap"
	"github.com/wippyai/wasm-engine/wasm"
)

const (
	maxInt32Plus1  = float64(1 << 31)
	maxUint32Plus1 = float64(1 << 32)
	maxInt64Plus1  = float64(1 << 63)
	maxUint64Plus1 = 18446744073709551616.0
)

// Typed views of the uint64 operand stack. Narrow values are stored zero
// extended.

func (m *machine) pushI32(v int32)   { m.push(uint64(uint32(v))) }
func (m *machine) pushI64(v int64)   { m.push(uint64(v)) }
func (m *machine) pushF32(v float32) { m.push(uint64(math.Float32bits(v))) }
func (m *machine) pushF64(v float64) { m.push(math.Float64bits(v)) }
func (m *machine) pushBool(b bool) {
	if b {
		m.push(1)
	} else {
		m.push(0)
	}
}

func (m *machine) popI32() int32   { return int32(uint32(m.pop())) }
func (m *machine) popU32() uint32  { return uint32(m.pop()) }
func (m *machine) popI64() int64   { return int64(m.pop()) }
func (m *machine) popF32() float32 { return math.Float32frombits(uint32(m.pop())) }
func (m *machine) popF64() float64 { return math.Float64frombits(m.pop()) }

func (m *machine) handleBinaryInt32(op func(a, b uint32) uint32) {
	b := m.popU32()
	a := m.popU32()
	m.push(uint64(op(a, b)))
}

func (m *machine) handleBinaryInt64(op func(a, b uint64) uint64) {
	b := m.pop()
	a := m.pop()
	m.push(op(a, b))
}

func (m *machine) handleBinaryFloat32(op func(a, b float32) float32) {
	b := m.popF32()
	a := m.popF32()
	m.pushF32(op(a, b))
}

func (m *machine) handleBinaryFloat64(op func(a, b float64) float64) {
	b := m.popF64()
	a := m.popF64()
	m.pushF64(op(a, b))
}

func (m *machine) handleCompareInt32(op func(a, b uint32) bool) {
	b := m.popU32()
	a := m.popU32()
	m.pushBool(op(a, b))
}

func (m *machine) handleCompareInt64(op func(a, b uint64) bool) {
	b := m.pop()
	a := m.pop()
	m.pushBool(op(a, b))
}

func (m *machine) handleCompareFloat32(op func(a, b float32) bool) {
	b := m.popF32()
	a := m.popF32()
	m.pushBool(op(a, b))
}

func (m *machine) handleCompareFloat64(op func(a, b float64) bool) {
	b := m.popF64()
	a := m.popF64()
	m.pushBool(op(a, b))
}

// numeric executes a stack-only instruction. Division by zero is left to
// the Go runtime; the bridge maps the panic through the trap table.
func (m *machine) numeric(op byte) error {
	switch op {
	case wasm.OpI32Eqz:
		m.pushBool(m.popU32() == 0)
	case wasm.OpI32Eq:
		m.handleCompareInt32(func(a, b uint32) bool { return a == b })
	case wasm.OpI32Ne:
		m.handleCompareInt32(func(a, b uint32) bool { return a != b })
	case wasm.OpI32LtS:
		m.handleCompareInt32(func(a, b uint32) bool { return int32(a) < int32(b) })
	case wasm.OpI32LtU:
		m.handleCompareInt32(func(a, b uint32) bool { return a < b })
	case wasm.OpI32GtS:
		m.handleCompareInt32(func(a, b uint32) bool { return int32(a) > int32(b) })
	case wasm.OpI32GtU:
		m.handleCompareInt32(func(a, b uint32) bool { return a > b })
	case wasm.OpI32LeS:
		m.handleCompareInt32(func(a, b uint32) bool { return int32(a) <= int32(b) })
	case wasm.OpI32LeU:
		m.handleCompareInt32(func(a, b uint32) bool { return a <= b })
	case wasm.OpI32GeS:
		m.handleCompareInt32(func(a, b uint32) bool { return int32(a) >= int32(b) })
	case wasm.OpI32GeU:
		m.handleCompareInt32(func(a, b uint32) bool { return a >= b })

	case wasm.OpI64Eqz:
		m.pushBool(m.pop() == 0)
	case wasm.OpI64Eq:
		m.handleCompareInt64(func(a, b uint64) bool { return a == b })
	case wasm.OpI64Ne:
		m.handleCompareInt64(func(a, b uint64) bool { return a != b })
	case wasm.OpI64LtS:
		m.handleCompareInt64(func(a, b uint64) bool { return int64(a) < int64(b) })
	case wasm.OpI64LtU:
		m.handleCompareInt64(func(a, b uint64) bool { return a < b })
	case wasm.OpI64GtS:
		m.handleCompareInt64(func(a, b uint64) bool { return int64(a) > int64(b) })
	case wasm.OpI64GtU:
		m.handleCompareInt64(func(a, b uint64) bool { return a > b })
	case wasm.OpI64LeS:
		m.handleCompareInt64(func(a, b uint64) bool { return int64(a) <= int64(b) })
	case wasm.OpI64LeU:
		m.handleCompareInt64(func(a, b uint64) bool { return a <= b })
	case wasm.OpI64GeS:
		m.handleCompareInt64(func(a, b uint64) bool { return int64(a) >= int64(b) })
	case wasm.OpI64GeU:
		m.handleCompareInt64(func(a, b uint64) bool { return a >= b })

	case wasm.OpF32Eq:
		m.handleCompareFloat32(func(a, b float32) bool { return a == b })
	case wasm.OpF32Ne:
		m.handleCompareFloat32(func(a, b float32) bool { return a != b })
	case wasm.OpF32Lt:
		m.handleCompareFloat32(func(a, b float32) bool { return a < b })
	case wasm.OpF32Gt:
		m.handleCompareFloat32(func(a, b float32) bool { return a > b })
	case wasm.OpF32Le:
		m.handleCompareFloat32(func(a, b float32) bool { return a <= b })
	case wasm.OpF32Ge:
		m.handleCompareFloat32(func(a, b float32) bool { return a >= b })
	case wasm.OpF64Eq:
		m.handleCompareFloat64(func(a, b float64) bool { return a == b })
	case wasm.OpF64Ne:
		m.handleCompareFloat64(func(a, b float64) bool { return a != b })
	case wasm.OpF64Lt:
		m.handleCompareFloat64(func(a, b float64) bool { return a < b })
	case wasm.OpF64Gt:
		m.handleCompareFloat64(func(a, b float64) bool { return a > b })
	case wasm.OpF64Le:
		m.handleCompareFloat64(func(a, b float64) bool { return a <= b })
	case wasm.OpF64Ge:
		m.handleCompareFloat64(func(a, b float64) bool { return a >= b })

	case wasm.OpI32Clz:
		m.push(uint64(bits.LeadingZeros32(m.popU32())))
	case wasm.OpI32Ctz:
		m.push(uint64(bits.TrailingZeros32(m.popU32())))
	case wasm.OpI32Popcnt:
		m.push(uint64(bits.OnesCount32(m.popU32())))
	case wasm.OpI32Add:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a + b })
	case wasm.OpI32Sub:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a - b })
	case wasm.OpI32Mul:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a * b })
	case wasm.OpI32DivS:
		b := m.popI32()
		a := m.popI32()
		if a == math.MinInt32 && b == -1 {
			return m.trap(trap.IntegerOverflow)
		}
		m.pushI32(a / b)
	case wasm.OpI32DivU:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a / b })
	case wasm.OpI32RemS:
		b := m.popI32()
		a := m.popI32()
		if b == -1 {
			m.pushI32(0)
		} else {
			m.pushI32(a % b)
		}
	case wasm.OpI32RemU:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a % b })
	case wasm.OpI32And:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a & b })
	case wasm.OpI32Or:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a | b })
	case wasm.OpI32Xor:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a ^ b })
	case wasm.OpI32Shl:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a << (b & 31) })
	case wasm.OpI32ShrS:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return uint32(int32(a) >> (b & 31)) })
	case wasm.OpI32ShrU:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return a >> (b & 31) })
	case wasm.OpI32Rotl:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return bits.RotateLeft32(a, int(b&31)) })
	case wasm.OpI32Rotr:
		m.handleBinaryInt32(func(a, b uint32) uint32 { return bits.RotateLeft32(a, -int(b&31)) })

	case wasm.OpI64Clz:
		m.push(uint64(bits.LeadingZeros64(m.pop())))
	case wasm.OpI64Ctz:
		m.push(uint64(bits.TrailingZeros64(m.pop())))
	case wasm.OpI64Popcnt:
		m.push(uint64(bits.OnesCount64(m.pop())))
	case wasm.OpI64Add:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a + b })
	case wasm.OpI64Sub:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a - b })
	case wasm.OpI64Mul:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a * b })
	case wasm.OpI64DivS:
		b := m.popI64()
		a := m.popI64()
		if a == math.MinInt64 && b == -1 {
			return m.trap(trap.IntegerOverflow)
		}
		m.pushI64(a / b)
	case wasm.OpI64DivU:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a / b })
	case wasm.OpI64RemS:
		b := m.popI64()
		a := m.popI64()
		if b == -1 {
			m.pushI64(0)
		} else {
			m.pushI64(a % b)
		}
	case wasm.OpI64RemU:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a % b })
	case wasm.OpI64And:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a & b })
	case wasm.OpI64Or:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a | b })
	case wasm.OpI64Xor:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a ^ b })
	case wasm.OpI64Shl:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a << (b & 63) })
	case wasm.OpI64ShrS:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return uint64(int64(a) >> (b & 63)) })
	case wasm.OpI64ShrU:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return a >> (b & 63) })
	case wasm.OpI64Rotl:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return bits.RotateLeft64(a, int(b&63)) })
	case wasm.OpI64Rotr:
		m.handleBinaryInt64(func(a, b uint64) uint64 { return bits.RotateLeft64(a, -int(b&63)) })

	case wasm.OpF32Abs:
		m.push(m.pop() &^ (1 << 31))
	case wasm.OpF32Neg:
		m.push(m.pop() ^ (1 << 31))
	case wasm.OpF32Ceil:
		m.pushF32(float32(math.Ceil(float64(m.popF32()))))
	case wasm.OpF32Floor:
		m.pushF32(float32(math.Floor(float64(m.popF32()))))
	case wasm.OpF32Trunc:
		m.pushF32(float32(math.Trunc(float64(m.popF32()))))
	case wasm.OpF32Nearest:
		m.pushF32(float32(nearest(float64(m.popF32()))))
	case wasm.OpF32Sqrt:
		m.pushF32(float32(math.Sqrt(float64(m.popF32()))))
	case wasm.OpF32Add:
		m.handleBinaryFloat32(func(a, b float32) float32 { return a + b })
	case wasm.OpF32Sub:
		m.handleBinaryFloat32(func(a, b float32) float32 { return a - b })
	case wasm.OpF32Mul:
		m.handleBinaryFloat32(func(a, b float32) float32 { return a * b })
	case wasm.OpF32Div:
		m.handleBinaryFloat32(func(a, b float32) float32 { return a / b })
	case wasm.OpF32Min:
		m.handleBinaryFloat32(func(a, b float32) float32 { return min(a, b) })
	case wasm.OpF32Max:
		m.handleBinaryFloat32(func(a, b float32) float32 { return max(a, b) })
	case wasm.OpF32Copysign:
		b := m.pop()
		a := m.pop()
		m.push(a&^(1<<31) | b&(1<<31))

	case wasm.OpF64Abs:
		m.push(m.pop() &^ (1 << 63))
	case wasm.OpF64Neg:
		m.push(m.pop() ^ (1 << 63))
	case wasm.OpF64Ceil:
		m.pushF64(math.Ceil(m.popF64()))
	case wasm.OpF64Floor:
		m.pushF64(math.Floor(m.popF64()))
	case wasm.OpF64Trunc:
		m.pushF64(math.Trunc(m.popF64()))
	case wasm.OpF64Nearest:
		m.pushF64(nearest(m.popF64()))
	case wasm.OpF64Sqrt:
		m.pushF64(math.Sqrt(m.popF64()))
	case wasm.OpF64Add:
		m.handleBinaryFloat64(func(a, b float64) float64 { return a + b })
	case wasm.OpF64Sub:
		m.handleBinaryFloat64(func(a, b float64) float64 { return a - b })
	case wasm.OpF64Mul:
		m.handleBinaryFloat64(func(a, b float64) float64 { return a * b })
	case wasm.OpF64Div:
		m.handleBinaryFloat64(func(a, b float64) float64 { return a / b })
	case wasm.OpF64Min:
		m.handleBinaryFloat64(func(a, b float64) float64 { return min(a, b) })
	case wasm.OpF64Max:
		m.handleBinaryFloat64(func(a, b float64) float64 { return max(a, b) })
	case wasm.OpF64Copysign:
		b := m.pop()
		a := m.pop()
		m.push(a&^(1<<63) | b&(1<<63))

	case wasm.OpI32WrapI64:
		m.push(uint64(uint32(m.pop())))
	case wasm.OpI32TruncF32S:
		return m.truncToInt(float64(m.popF32()), math.MinInt32, maxInt32Plus1, false)
	case wasm.OpI32TruncF32U:
		return m.truncToInt(float64(m.popF32()), 0, maxUint32Plus1, false)
	case wasm.OpI32TruncF64S:
		return m.truncToInt(m.popF64(), math.MinInt32, maxInt32Plus1, false)
	case wasm.OpI32TruncF64U:
		return m.truncToInt(m.popF64(), 0, maxUint32Plus1, false)
	case wasm.OpI64ExtendI32S:
		m.pushI64(int64(m.popI32()))
	case wasm.OpI64ExtendI32U:
		m.push(uint64(m.popU32()))
	case wasm.OpI64TruncF32S:
		return m.truncToInt(float64(m.popF32()), math.MinInt64, maxInt64Plus1, true)
	case wasm.OpI64TruncF32U:
		return m.truncToInt(float64(m.popF32()), 0, maxUint64Plus1, true)
	case wasm.OpI64TruncF64S:
		return m.truncToInt(m.popF64(), math.MinInt64, maxInt64Plus1, true)
	case wasm.OpI64TruncF64U:
		return m.truncToInt(m.popF64(), 0, maxUint64Plus1, true)
	case wasm.OpF32ConvertI32S:
		m.pushF32(float32(m.popI32()))
	case wasm.OpF32ConvertI32U:
		m.pushF32(float32(m.popU32()))
	case wasm.OpF32ConvertI64S:
		m.pushF32(float32(m.popI64()))
	case wasm.OpF32ConvertI64U:
		m.pushF32(float32(m.pop()))
	case wasm.OpF32DemoteF64:
		m.pushF32(float32(m.popF64()))
	case wasm.OpF64ConvertI32S:
		m.pushF64(float64(m.popI32()))
	case wasm.OpF64ConvertI32U:
		m.pushF64(float64(m.popU32()))
	case wasm.OpF64ConvertI64S:
		m.pushF64(float64(m.popI64()))
	case wasm.OpF64ConvertI64U:
		m.pushF64(float64(m.pop()))
	case wasm.OpF64PromoteF32:
		m.pushF64(float64(m.popF32()))
	case wasm.OpI32ReinterpretF32, wasm.OpI64ReinterpretF64,
		wasm.OpF32ReinterpretI32, wasm.OpF64ReinterpretI64:
		// bit patterns are already stored as is

	case wasm.OpI32Extend8S:
		m.pushI32(int32(int8(m.pop())))
	case wasm.OpI32Extend16S:
		m.pushI32(int32(int16(m.pop())))
	case wasm.OpI64Extend8S:
		m.pushI64(int64(int8(m.pop())))
	case wasm.OpI64Extend16S:
		m.pushI64(int64(int16(m.pop())))
	case wasm.OpI64Extend32S:
		m.pushI64(int64(int32(m.pop())))

	case isa.I32TruncSatF32S:
		m.pushI32(int32(truncSat(float64(m.popF32()), math.MinInt32, math.MaxInt32)))
	case isa.I32TruncSatF32U:
		m.push(uint64(uint32(truncSatU(float64(m.popF32()), math.MaxUint32))))
	case isa.I32TruncSatF64S:
		m.pushI32(int32(truncSat(m.popF64(), math.MinInt32, math.MaxInt32)))
	case isa.I32TruncSatF64U:
		m.push(uint64(uint32(truncSatU(m.popF64(), math.MaxUint32))))
	case isa.I64TruncSatF32S:
		m.pushI64(truncSat(float64(m.popF32()), math.MinInt64, math.MaxInt64))
	case isa.I64TruncSatF32U:
		m.push(truncSatU(float64(m.popF32()), math.MaxUint64))
	case isa.I64TruncSatF64S:
		m.pushI64(truncSat(m.popF64(), math.MinInt64, math.MaxInt64))
	case isa.I64TruncSatF64U:
		m.push(truncSatU(m.popF64(), math.MaxUint64))

	default:
		return m.trap(trap.Unknown)
	}
	return nil
}

// truncToInt pushes trunc(v) when it lies in [lo, hiExcl). NaN and out of
// range values trap with IntegerOverflow.
func (m *machine) truncToInt(v, lo, hiExcl float64, wide bool) error {
	if math.IsNaN(v) {
		return m.trapf(trap.IntegerOverflow, "invalid conversion to integer")
	}
	t := math.Trunc(v)
	if t < lo || t >= hiExcl {
		return m.trap(trap.IntegerOverflow)
	}
	switch {
	case lo == 0 && wide:
		m.push(uint64(t))
	case lo == 0:
		m.push(uint64(uint32(t)))
	case wide:
		m.pushI64(int64(t))
	default:
		m.pushI32(int32(t))
	}
	return nil
}

func truncSat(v float64, lo, hi int64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= float64(lo):
		return lo
	case v >= float64(hi):
		return hi
	}
	return int64(v)
}

func truncSatU(v float64, hi uint64) uint64 {
	switch {
	case math.IsNaN(v) || v <= 0:
		return 0
	case v >= float64(hi):
		return hi
	}
	return uint64(v)
}

func nearest(v float64) float64 {
	return math.Copysign(math.RoundToEven(v), v)
}
