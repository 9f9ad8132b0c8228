package arena

import "math/bits"

// MaxBlockSlots is the slot limit of a BlockStable, bounded by its
// bitmask free-list.
const MaxBlockSlots = 64

// BlockStable manages one fixed block of slots with a bitmask free-list,
// so individual slots can be released and reused without moving other
// elements. Callers may hold pointers into live slots for as long as the
// slot stays allocated and the arena is not Reset.
type BlockStable[T any] struct {
	slots SliceIndex[T]
	used  uint64
}

// NewBlockStable reserves a block of capacity slots (at most
// MaxBlockSlots).
func NewBlockStable[T any](a *Arena, capacity int) (BlockStable[T], error) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity > MaxBlockSlots {
		capacity = MaxBlockSlots
	}
	slots, err := Reserve[T](a, capacity)
	if err != nil {
		return BlockStable[T]{}, err
	}
	return BlockStable[T]{slots: slots}, nil
}

// Alloc claims the lowest free slot, zeroes it, and returns its index
// and a stable pointer to it.
func (b *BlockStable[T]) Alloc(a *Arena) (int, *T, error) {
	slot := bits.TrailingZeros64(^b.used)
	if slot >= b.slots.Count() {
		return 0, nil, ErrBlocksFull
	}
	b.used |= 1 << slot
	p := &Slice(a, b.slots)[slot]
	var zero T
	*p = zero
	return slot, p, nil
}

// Release frees a slot for reuse. Releasing a free or out-of-range slot
// is a no-op.
func (b *BlockStable[T]) Release(slot int) {
	if slot < 0 || slot >= b.slots.Count() {
		return
	}
	b.used &^= 1 << slot
}

// InUse reports whether the slot is currently allocated.
func (b *BlockStable[T]) InUse(slot int) bool {
	return slot >= 0 && slot < b.slots.Count() && b.used&(1<<slot) != 0
}

// At returns a stable pointer to the slot. The slot must be in use.
func (b *BlockStable[T]) At(a *Arena, slot int) *T {
	return &Slice(a, b.slots)[slot]
}

// Len returns the number of allocated slots.
func (b *BlockStable[T]) Len() int { return bits.OnesCount64(b.used) }

// Cap returns the block's slot capacity.
func (b *BlockStable[T]) Cap() int { return b.slots.Count() }
