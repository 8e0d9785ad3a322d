package store

import (
	"encoding/binary"
	"math"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/internal/mmap"
	"github.com/wippyai/wasm-engine/metrics"
	"github.com/wippyai/wasm-engine/wasm"
)

const (
	// PageSize is the size of a WebAssembly page in bytes.
	PageSize = 65536
	// MaxPages is the page limit of a 32-bit memory.
	MaxPages = 65536

	// GrowFailed is what memory.grow and table.grow push on failure.
	GrowFailed = math.MaxUint32
)

// Memory is a linear memory owned by a Store.
//
// With guard pages enabled the memory sits at the start of an address
// space reservation followed by an inaccessible guard. Compiled code
// accesses it through the whole reservation and relies on the hardware to
// fault past the committed size. Host accessors always bounds check.
type Memory struct {
	store    *Store
	region   *mmap.Region
	typ      wasm.MemoryType
	max      uint32
	released bool
}

// NewMemory allocates a memory with t's initial size.
func (s *Store) NewMemory(t wasm.MemoryType) (*Memory, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := checkMemoryType(t); err != nil {
		return nil, err
	}
	return s.allocMemory(t)
}

func checkMemoryType(t wasm.MemoryType) error {
	if t.Limits.Memory64 {
		return errors.Unsupported(errors.PhaseRuntime, "64-bit memories")
	}
	if t.Limits.Shared {
		return errors.Unsupported(errors.PhaseRuntime, "shared memories")
	}
	if t.Limits.Min > MaxPages {
		return errors.InvalidInput(errors.PhaseRuntime, "memory minimum exceeds 65536 pages")
	}
	if t.Limits.Max != nil && (*t.Limits.Max > MaxPages || *t.Limits.Max < t.Limits.Min) {
		return errors.InvalidInput(errors.PhaseRuntime, "memory maximum out of range")
	}
	return nil
}

func (s *Store) allocMemory(t wasm.MemoryType) (*Memory, error) {
	maxPages := uint32(MaxPages)
	if t.Limits.Max != nil {
		maxPages = uint32(*t.Limits.Max)
	}
	region, err := s.reserve(uint32(t.Limits.Min), maxPages)
	if err != nil {
		return nil, errors.New(errors.PhaseRuntime, errors.KindAllocation).
			Detail("allocate memory of %d pages", t.Limits.Min).
			Cause(err).
			Build()
	}
	m := &Memory{store: s, region: region, typ: t, max: maxPages}
	s.memories = append(s.memories, m)
	metrics.MemoryBytes.Add(float64(region.Committed()))
	Logger().Debug("allocated memory",
		zap.Uint64("pages", t.Limits.Min),
		zap.Uint32("max", maxPages),
		zap.Bool("guarded", region.Mapped()))
	return m, nil
}

// reserve picks the allocation policy for a memory of pages pages that may
// grow to maxPages. Heap memories start without spare capacity.
func (s *Store) reserve(pages, maxPages uint32) (*mmap.Region, error) {
	if !s.config.GuardPages {
		return s.region(pages, pages)
	}
	return s.region(pages, max(pages, min(maxPages, s.config.StaticMemoryPages)))
}

// regrow allocates the replacement region for a memory growing from prev
// to next pages. The room at least doubles, capped at maxPages, so a
// memory grown a page at a time moves a logarithmic number of times.
func (s *Store) regrow(prev, next, maxPages uint32) (*mmap.Region, error) {
	room := max(next, min(maxPages, 2*prev))
	if s.config.GuardPages {
		room = max(room, min(maxPages, s.config.StaticMemoryPages))
	}
	if uint64(room)*PageSize > math.MaxInt {
		room = next
	}
	r, err := s.region(next, room)
	if err != nil && room > next {
		return s.region(next, next)
	}
	return r, err
}

func (s *Store) region(pages, room uint32) (*mmap.Region, error) {
	committed := int(pages) * PageSize
	if !s.config.GuardPages {
		return mmap.Heap(committed, int(room)*PageSize), nil
	}
	return mmap.Reserve(committed, int(room)*PageSize, s.config.GuardSize)
}

// ExternKind implements Extern.
func (m *Memory) ExternKind() byte { return wasm.KindMemory }

// Type returns the declared type. The minimum is the initial size.
func (m *Memory) Type() wasm.MemoryType { return m.typ }

// Size returns the current size in pages.
func (m *Memory) Size() uint32 { return uint32(m.region.Committed() / PageSize) }

// Max returns the page limit growth cannot pass.
func (m *Memory) Max() uint32 { return m.max }

// Guarded reports whether out of bounds accesses fault in hardware.
func (m *Memory) Guarded() bool { return m.region.Mapped() }

// Bytes returns the current contents. The slice is invalidated by Grow.
func (m *Memory) Bytes() []byte { return m.region.Bytes() }

// view is the slice compiled code indexes: the whole reservation for
// guarded memories, the committed bytes otherwise.
func (m *Memory) view() []byte { return m.region.Full() }

// Grow adds delta pages and returns the previous size. Growing past the
// maximum, or failing to find the address space, returns false and leaves
// the memory unchanged. It never traps.
func (m *Memory) Grow(delta uint32) (uint32, bool) {
	prev := m.Size()
	if m.released {
		return prev, false
	}
	if delta == 0 {
		return prev, true
	}
	next := uint64(prev) + uint64(delta)
	if next > uint64(m.max) || next*PageSize > math.MaxInt {
		return prev, false
	}
	size := int(next) * PageSize
	old := m.region.Committed()
	if err := m.region.Commit(size); err != nil {
		r, err := m.store.regrow(prev, uint32(next), m.max)
		if err != nil {
			Logger().Debug("memory growth failed", zap.Uint64("pages", next), zap.Error(err))
			return prev, false
		}
		copy(r.Bytes(), m.region.Bytes())
		if err := m.region.Release(); err != nil {
			Logger().Warn("release memory region", zap.Error(err))
		}
		m.region = r
	}
	metrics.MemoryBytes.Add(float64(size - old))
	return prev, true
}

func (m *Memory) release() {
	if m.released {
		return
	}
	m.released = true
	metrics.MemoryBytes.Sub(float64(m.region.Committed()))
	if err := m.region.Release(); err != nil {
		Logger().Warn("release memory region", zap.Error(err))
	}
	m.region = mmap.Heap(0, 0)
}

func (m *Memory) check(offset, n uint32) (int, error) {
	end := uint64(offset) + uint64(n)
	size := uint64(m.region.Committed())
	if end > size {
		return 0, errors.OutOfBounds(errors.PhaseRuntime, []string{"memory"}, end, size)
	}
	return int(offset), nil
}

// Read returns a copy of n bytes at offset.
func (m *Memory) Read(offset, n uint32) ([]byte, error) {
	at, err := m.check(offset, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, m.Bytes()[at:])
	return out, nil
}

// Write copies data to offset.
func (m *Memory) Write(offset uint32, data []byte) error {
	at, err := m.check(offset, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(m.Bytes()[at:], data)
	return nil
}

// ReadU8 reads a byte.
func (m *Memory) ReadU8(offset uint32) (uint8, error) {
	at, err := m.check(offset, 1)
	if err != nil {
		return 0, err
	}
	return m.Bytes()[at], nil
}

// ReadU16 reads a little-endian uint16.
func (m *Memory) ReadU16(offset uint32) (uint16, error) {
	at, err := m.check(offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(m.Bytes()[at:]), nil
}

// ReadU32 reads a little-endian uint32.
func (m *Memory) ReadU32(offset uint32) (uint32, error) {
	at, err := m.check(offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.Bytes()[at:]), nil
}

// ReadU64 reads a little-endian uint64.
func (m *Memory) ReadU64(offset uint32) (uint64, error) {
	at, err := m.check(offset, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.Bytes()[at:]), nil
}

// WriteU8 writes a byte.
func (m *Memory) WriteU8(offset uint32, v uint8) error {
	at, err := m.check(offset, 1)
	if err != nil {
		return err
	}
	m.Bytes()[at] = v
	return nil
}

// WriteU16 writes a little-endian uint16.
func (m *Memory) WriteU16(offset uint32, v uint16) error {
	at, err := m.check(offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(m.Bytes()[at:], v)
	return nil
}

// WriteU32 writes a little-endian uint32.
func (m *Memory) WriteU32(offset uint32, v uint32) error {
	at, err := m.check(offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.Bytes()[at:], v)
	return nil
}

// WriteU64 writes a little-endian uint64.
func (m *Memory) WriteU64(offset uint32, v uint64) error {
	at, err := m.check(offset, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.Bytes()[at:], v)
	return nil
}
