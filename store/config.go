package store

import (
	"fmt"
	"strconv"

	"github.com/wippyai/wasm-engine/internal/mmap"
)

// Config controls resource limits and the memory allocation policy of a
// Store.
type Config struct {
	// MaxCallDepth bounds nested wasm and host frames. Exceeding it raises
	// a StackOverflow trap and terminates the instance.
	MaxCallDepth int `yaml:"max-call-depth"`
	// StaticMemoryPages is the address space reserved up front for each
	// memory, in 64 KiB pages, so growth within it never moves the memory.
	StaticMemoryPages uint32 `yaml:"static-memory-pages"`
	// GuardSize is the inaccessible region placed after every reservation.
	GuardSize int `yaml:"guard-size"`
	// GuardPages selects reserved mappings with guard pages. When false, or
	// when the platform has no mmap, memories live on the heap and every
	// access is bounds checked in software.
	GuardPages bool `yaml:"guard-pages"`
	// MaxTableElements caps tables declared without a maximum.
	MaxTableElements uint32 `yaml:"max-table-elements"`
}

// Default limits.
const (
	DefaultMaxCallDepth      = 1000
	DefaultStaticMemoryPages = 4096
	DefaultGuardSize         = 64 << 10
	DefaultMaxTableElements  = 10_000_000

	// minGuardSize covers the widest single access.
	minGuardSize = 8
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxCallDepth:      DefaultMaxCallDepth,
		StaticMemoryPages: DefaultStaticMemoryPages,
		GuardSize:         DefaultGuardSize,
		GuardPages:        mmap.Supported && strconv.IntSize == 64,
		MaxTableElements:  DefaultMaxTableElements,
	}
}

// Validate reports settings no store can run with.
func (c Config) Validate() error {
	if c.MaxCallDepth <= 0 {
		return fmt.Errorf("max call depth must be positive, got %d", c.MaxCallDepth)
	}
	if c.GuardPages && c.GuardSize < minGuardSize {
		return fmt.Errorf("guard size %d is smaller than the widest access (%d bytes)", c.GuardSize, minGuardSize)
	}
	if c.StaticMemoryPages > MaxPages {
		return fmt.Errorf("static memory reservation of %d pages exceeds %d", c.StaticMemoryPages, MaxPages)
	}
	return nil
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxCallDepth == 0 {
		c.MaxCallDepth = d.MaxCallDepth
	}
	if c.StaticMemoryPages == 0 {
		c.StaticMemoryPages = d.StaticMemoryPages
	}
	if c.GuardSize == 0 {
		c.GuardSize = d.GuardSize
	}
	if c.MaxTableElements == 0 {
		c.MaxTableElements = d.MaxTableElements
	}
	if !mmap.Supported {
		c.GuardPages = false
	}
	return c
}
