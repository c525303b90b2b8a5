// Package arena allocates the fixed-size tensor arena that backs every input,
// output and scratch tensor of the interpreter.
package arena

import (
	"unsafe"

	"github.com/docker/go-units"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/mem"
)

// Alignment is the byte alignment of every carved region.
const Alignment = 16

var (
	// ErrAllocation is returned when the arena itself cannot be allocated.
	ErrAllocation = errors.New("arena allocation failed")
	// ErrArenaExhausted is returned when a carve does not fit in the arena.
	ErrArenaExhausted = errors.New("tensor arena exhausted")
)

// Pool selects the memory the arena is allocated from.
type Pool string

const (
	// PoolAuto picks the largest pool available on the platform.
	PoolAuto Pool = "auto"
	// PoolMapped uses an anonymous private mapping outside the Go heap.
	PoolMapped Pool = "mmap"
	// PoolHeap uses the Go heap.
	PoolHeap Pool = "heap"
)

// availableMemory reports the bytes the host can still hand out. Swapped in
// tests.
var availableMemory = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// Arena is a bump allocator over one fixed byte region.
type Arena struct {
	buf     []byte
	used    int
	pool    Pool
	release func() error
}

// New allocates an arena of size bytes from pool.
func New(size int, pool Pool) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrAllocation, "invalid arena size %d", size)
	}
	if avail, err := availableMemory(); err == nil && avail < uint64(size) {
		return nil, errors.Wrapf(ErrAllocation, "couldn't allocate memory of %d bytes: only %s available",
			size, units.BytesSize(float64(avail)))
	}

	switch pool {
	case PoolAuto, "":
		if a, err := mapped(size); err == nil {
			return a, nil
		}
		return heap(size), nil
	case PoolMapped:
		a, err := mapped(size)
		if err != nil {
			return nil, errors.Wrapf(ErrAllocation, "couldn't allocate memory of %d bytes: %v", size, err)
		}
		return a, nil
	case PoolHeap:
		return heap(size), nil
	default:
		return nil, errors.Wrapf(ErrAllocation, "unknown memory pool %q", pool)
	}
}

func heap(size int) *Arena {
	return &Arena{buf: make([]byte, size), pool: PoolHeap}
}

// Size returns the arena capacity in bytes.
func (a *Arena) Size() int { return len(a.buf) }

// Used returns the bytes carved so far, including alignment padding.
func (a *Arena) Used() int { return a.used }

// Pool returns the pool the arena was allocated from.
func (a *Arena) Pool() Pool { return a.pool }

// Carve returns the next n bytes of the arena, aligned to Alignment.
func (a *Arena) Carve(n int) ([]byte, error) {
	if a.buf == nil {
		return nil, errors.New("arena is closed")
	}
	start := (a.used + Alignment - 1) &^ (Alignment - 1)
	if n < 0 || start+n > len(a.buf) {
		return nil, errors.Wrapf(ErrArenaExhausted, "need %d bytes, %d of %d in use", n, a.used, len(a.buf))
	}
	a.used = start + n
	region := a.buf[start:a.used:a.used]
	clear(region)
	return region, nil
}

// Reset forgets every carved region.
func (a *Arena) Reset() { a.used = 0 }

// Close releases the arena memory. Regions carved from it must not be used
// afterwards.
func (a *Arena) Close() error {
	if a.buf == nil {
		return nil
	}
	a.buf, a.used = nil, 0
	if a.release != nil {
		return a.release()
	}
	return nil
}

// Int8 reinterprets b as signed bytes.
func Int8(b []byte) []int8 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b[0])), len(b))
}

// Float32 reinterprets b as float32 values. len(b) must be a multiple of 4
// and b must be 4-byte aligned, which Carve guarantees.
func Float32(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// FreeMemory reports the host's available memory.
func FreeMemory() (uint64, error) {
	return availableMemory()
}
