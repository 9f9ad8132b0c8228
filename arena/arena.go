// Package arena provides a fixed-capacity bump allocator addressed by
// plain index values instead of pointers. Allocation is monotonic: there
// is no per-object free, only a global Reset that invalidates every
// outstanding index. All offsets are normalized to an 8-byte boundary.
//
// Element types must not contain Go pointers; the arena stores raw value
// bytes and the garbage collector does not scan them.
package arena

import (
	"errors"
	"unsafe"
)

var (
	ErrArenaFull  = errors.New("arena: capacity exhausted")
	ErrBlocksFull = errors.New("arena: no free block slots")
)

const alignment = 8

// Arena is a single fixed-capacity byte region sized at construction.
// It is not safe for concurrent use; mutate it only from the goroutine
// that owns the backend setup path.
type Arena struct {
	buf []byte
	off int
}

// New creates an arena with the given byte capacity, rounded up to the
// alignment boundary.
func New(capacity int) *Arena {
	if capacity < 0 {
		capacity = 0
	}
	capacity = alignUp(capacity)
	return &Arena{buf: make([]byte, capacity)}
}

// Reset invalidates every index issued so far and makes the full
// capacity available again.
func (a *Arena) Reset() {
	a.off = 0
}

// Cap returns the total byte capacity.
func (a *Arena) Cap() int { return len(a.buf) }

// Remaining returns the bytes still available before ErrArenaFull.
func (a *Arena) Remaining() int { return len(a.buf) - a.off }

// Bytes carves a raw byte run out of the arena. The slice stays valid
// until the next Reset.
func (a *Arena) Bytes(n int) ([]byte, error) {
	off, err := a.alloc(n)
	if err != nil {
		return nil, err
	}
	return a.buf[off : off+n : off+n], nil
}

func (a *Arena) alloc(size int) (int, error) {
	if size < 0 {
		size = 0
	}
	size = alignUp(size)
	if a.off+size > len(a.buf) {
		return 0, ErrArenaFull
	}
	off := a.off
	a.off += size
	// Space may have been used before the last Reset.
	clear(a.buf[off : off+size])
	return off, nil
}

func alignUp(n int) int {
	return (n + alignment - 1) &^ (alignment - 1)
}

// Index addresses a single value of type T inside an arena. It is valid
// only until the arena's next Reset and is never reused across one.
type Index[T any] struct {
	off uint32
}

// SliceIndex addresses a contiguous run of count values of type T.
type SliceIndex[T any] struct {
	off   uint32
	count uint32
}

// Count returns the number of elements the run holds.
func (s SliceIndex[T]) Count() int { return int(s.count) }

// Write copies v into the arena and returns its index.
func Write[T any](a *Arena, v T) (Index[T], error) {
	off, err := a.alloc(int(unsafe.Sizeof(v)))
	if err != nil {
		return Index[T]{}, err
	}
	*(*T)(unsafe.Pointer(&a.buf[off])) = v
	return Index[T]{off: uint32(off)}, nil
}

// Get returns a copy of the value at idx.
func Get[T any](a *Arena, idx Index[T]) T {
	return *GetPtr(a, idx)
}

// GetPtr returns a mutable reference to the value at idx. The pointer
// stays valid until the arena's next Reset.
func GetPtr[T any](a *Arena, idx Index[T]) *T {
	return (*T)(unsafe.Pointer(&a.buf[idx.off]))
}

// Reserve carves space for count zeroed values of type T.
func Reserve[T any](a *Arena, count int) (SliceIndex[T], error) {
	if count < 0 {
		count = 0
	}
	var zero T
	off, err := a.alloc(count * int(unsafe.Sizeof(zero)))
	if err != nil {
		return SliceIndex[T]{}, err
	}
	return SliceIndex[T]{off: uint32(off), count: uint32(count)}, nil
}

// Slice materializes the run addressed by idx. The slice aliases arena
// memory and stays valid until the next Reset.
func Slice[T any](a *Arena, idx SliceIndex[T]) []T {
	if idx.count == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&a.buf[idx.off])), idx.count)
}
