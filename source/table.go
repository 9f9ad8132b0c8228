package source

import (
	"go2tv.app/mediasource/arena"
)

type tableSlot[S any] struct {
	state StreamState
	data  S
}

// Table tracks the streams of one backend. Slot payloads are carved
// from the backend's arena through a block free-list, so a slot's
// pointer stays stable while other streams come and go. Payload types
// must be pointer-free; callback values belong in ordinary memory
// beside the table, not inside it, because arena bytes are invisible
// to the garbage collector.
//
// The table is not synchronized; backends bracket access with their
// transport lock.
type Table[S any] struct {
	a     *arena.Arena
	block arena.BlockStable[tableSlot[S]]
}

// NewTable reserves a stream table of the given capacity (clamped to
// MaxStreams) in the arena.
func NewTable[S any](a *arena.Arena, capacity int) (Table[S], error) {
	if capacity < 1 || capacity > MaxStreams {
		capacity = MaxStreams
	}
	block, err := arena.NewBlockStable[tableSlot[S]](a, capacity)
	if err != nil {
		return Table[S]{}, err
	}
	return Table[S]{a: a, block: block}, nil
}

// Create claims a slot in StreamInitializing and returns its handle
// and payload pointer.
func (t *Table[S]) Create() (StreamHandle, *S, error) {
	slot, p, err := t.block.Alloc(t.a)
	if err != nil {
		return 0, nil, err
	}
	p.state = StreamInitializing
	return StreamHandle(slot), &p.data, nil
}

// Get returns the payload of a live stream.
func (t *Table[S]) Get(h StreamHandle) (*S, error) {
	if !t.block.InUse(int(h)) {
		return nil, ErrInvalidHandle
	}
	return &t.block.At(t.a, int(h)).data, nil
}

// State returns the stream state, or StreamClosed for a handle that
// names no live stream.
func (t *Table[S]) State(h StreamHandle) StreamState {
	if !t.block.InUse(int(h)) {
		return StreamClosed
	}
	return t.block.At(t.a, int(h)).state
}

// Set forces the stream state. The handle must be live.
func (t *Table[S]) Set(h StreamHandle, state StreamState) error {
	if !t.block.InUse(int(h)) {
		return ErrInvalidHandle
	}
	t.block.At(t.a, int(h)).state = state
	return nil
}

// Transition moves the stream from an expected prior state to the
// next. A mismatched prior state is a caller bug.
func (t *Table[S]) Transition(h StreamHandle, from, to StreamState) error {
	if !t.block.InUse(int(h)) {
		return ErrInvalidHandle
	}
	slot := t.block.At(t.a, int(h))
	if slot.state != from {
		return ErrStreamState
	}
	slot.state = to
	return nil
}

// Release closes a stream and frees its slot for reuse. Releasing an
// already-closed handle is a no-op.
func (t *Table[S]) Release(h StreamHandle) {
	if !t.block.InUse(int(h)) {
		return
	}
	t.block.At(t.a, int(h)).state = StreamClosed
	t.block.Release(int(h))
}

// Each calls fn for every live stream.
func (t *Table[S]) Each(fn func(h StreamHandle, state StreamState, data *S)) {
	for i := 0; i < t.block.Cap(); i++ {
		if t.block.InUse(i) {
			slot := t.block.At(t.a, i)
			fn(StreamHandle(i), slot.state, &slot.data)
		}
	}
}

// Len returns the number of live streams.
func (t *Table[S]) Len() int { return t.block.Len() }
