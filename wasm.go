package wasmengine

import "github.com/wippyai/wasm-engine/store"

// Memory is host access to a linear memory. Every accessor is bounds
// checked against the current size.
type Memory interface {
	Read(offset uint32, length uint32) ([]byte, error)
	Write(offset uint32, data []byte) error
	ReadU8(offset uint32) (uint8, error)
	ReadU16(offset uint32) (uint16, error)
	ReadU32(offset uint32) (uint32, error)
	ReadU64(offset uint32) (uint64, error)
	WriteU8(offset uint32, value uint8) error
	WriteU16(offset uint32, value uint16) error
	WriteU32(offset uint32, value uint32) error
	WriteU64(offset uint32, value uint64) error
}

// MemorySizer provides the current size of a linear memory in pages.
type MemorySizer interface {
	Size() uint32
}

// MemoryGrower grows a linear memory by delta pages, returning the previous
// size. It reports false, leaving the memory unchanged, when the growth
// would pass the maximum.
type MemoryGrower interface {
	Grow(delta uint32) (uint32, bool)
}

var (
	_ Memory       = (*store.Memory)(nil)
	_ MemorySizer  = (*store.Memory)(nil)
	_ MemoryGrower = (*store.Memory)(nil)
)
