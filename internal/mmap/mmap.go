// Package mmap manages address-space reservations for linear memories and
// read-only code regions.
//
// A reservation maps reserve+guard bytes inaccessible and commits a
// read-write prefix. Accesses that land past the committed prefix but
// inside the reservation fault in hardware; with runtime/debug.SetPanicOnFault
// enabled the fault surfaces as a recoverable panic whose address can be
// matched against Contains. Platforms without mmap support fall back to
// heap slices, where every access is checked in software.
package mmap

import (
	"errors"
	"os"
	"unsafe"
)

// ErrExhausted is returned when a commit would pass the reservation.
var ErrExhausted = errors.New("mmap: reservation exhausted")

// Region is a reserved span of address space.
type Region struct {
	mem       []byte // whole reservation, guard included
	committed int
	reserve   int
	mapped    bool
}

// PageSize is the host page size.
var PageSize = os.Getpagesize()

func roundUp(n int) int {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// Mapped reports whether the region is backed by a real reservation with
// inaccessible guard pages.
func (r *Region) Mapped() bool { return r.mapped }

// Bytes returns the committed prefix.
func (r *Region) Bytes() []byte { return r.mem[:r.committed] }

// Full returns the whole reservation including the guard. Indexing past
// the committed prefix faults when the region is mapped. For heap regions
// it equals Bytes.
func (r *Region) Full() []byte {
	if !r.mapped {
		return r.mem[:r.committed]
	}
	return r.mem
}

// Committed returns the committed size in bytes.
func (r *Region) Committed() int { return r.committed }

// Reserved returns the size that can be committed without moving.
func (r *Region) Reserved() int { return r.reserve }

// Contains reports whether addr falls inside the reservation.
func (r *Region) Contains(addr uintptr) bool {
	if r == nil || cap(r.mem) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(unsafe.SliceData(r.mem)))
	return addr >= base && addr < base+uintptr(cap(r.mem))
}

// Commit grows the committed prefix to n bytes. New bytes are zero.
func (r *Region) Commit(n int) error {
	if n <= r.committed {
		return nil
	}
	if n > r.reserve {
		return ErrExhausted
	}
	if err := r.commit(n); err != nil {
		return err
	}
	r.committed = n
	return nil
}

// Release unmaps the region. The region must not be used afterwards.
func (r *Region) Release() error {
	if r == nil || r.mem == nil {
		return nil
	}
	err := r.release()
	r.mem, r.committed, r.reserve = nil, 0, 0
	return err
}

// Heap returns a region backed by a Go slice. Nothing past the committed
// prefix is reachable, so callers bounds check every access.
func Heap(committed, reserve int) *Region { return heapRegion(committed, reserve) }

func heapRegion(committed, reserve int) *Region {
	return &Region{mem: make([]byte, committed, reserve), committed: committed, reserve: reserve}
}
