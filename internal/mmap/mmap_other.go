//go:build !linux && !darwin

package mmap

// Supported reports whether guard-page reservations are available.
const Supported = false

// Reserve allocates committed bytes on the heap with capacity for reserve.
// The guard is ignored; callers must bounds check every access.
func Reserve(committed, reserve, guard int) (*Region, error) {
	return heapRegion(committed, reserve), nil
}

func (r *Region) commit(n int) error {
	r.mem = r.mem[:n]
	return nil
}

func (r *Region) release() error { return nil }

// MapCode copies code into a heap region.
func MapCode(code []byte) (*Region, error) {
	c := append([]byte(nil), code...)
	return &Region{mem: c, committed: len(c), reserve: len(c)}, nil
}
