//go:build linux || darwin

package mmap

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Supported reports whether guard-page reservations are available.
const Supported = true

// Reserve maps reserve+guard bytes inaccessible and commits the first
// committed bytes read-write.
func Reserve(committed, reserve, guard int) (*Region, error) {
	if committed > reserve {
		return nil, fmt.Errorf("mmap: commit %d exceeds reservation %d", committed, reserve)
	}
	total := roundUp(reserve + guard)
	if total == 0 {
		return &Region{mapped: true}, nil
	}
	mem, err := unix.Mmap(-1, 0, total, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mmap: reserve %d bytes: %w", total, err)
	}
	r := &Region{mem: mem, reserve: reserve, mapped: true}
	if err := r.Commit(committed); err != nil {
		_ = unix.Munmap(mem)
		return nil, err
	}
	return r, nil
}

func (r *Region) commit(n int) error {
	if !r.mapped {
		r.mem = r.mem[:n]
		return nil
	}
	if err := unix.Mprotect(r.mem[:roundUp(n)], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mmap: commit %d bytes: %w", n, err)
	}
	return nil
}

func (r *Region) release() error {
	if !r.mapped || len(r.mem) == 0 {
		return nil
	}
	return unix.Munmap(r.mem)
}

// MapCode copies code into a fresh mapping and seals it read-only.
func MapCode(code []byte) (*Region, error) {
	if len(code) == 0 {
		return &Region{mapped: true}, nil
	}
	size := roundUp(len(code))
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap: map code: %w", err)
	}
	copy(mem, code)
	if err := unix.Mprotect(mem, unix.PROT_READ); err != nil {
		_ = unix.Munmap(mem)
		return nil, fmt.Errorf("mmap: seal code: %w", err)
	}
	return &Region{mem: mem[:len(code)], committed: len(code), reserve: len(code), mapped: true}, nil
}
