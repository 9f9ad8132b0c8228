package arena

// Cluster layers a capacity/length pair over a contiguous run so callers
// get an amortized-growth collection without leaving the arena's bump
// model. Growing abandons the old run; the space is reclaimed at the
// next Reset.
type Cluster[T any] struct {
	items SliceIndex[T]
	len   uint32
}

// NewCluster reserves an initial run of the given capacity.
func NewCluster[T any](a *Arena, capacity int) (Cluster[T], error) {
	if capacity < 1 {
		capacity = 1
	}
	items, err := Reserve[T](a, capacity)
	if err != nil {
		return Cluster[T]{}, err
	}
	return Cluster[T]{items: items}, nil
}

// Len returns the number of live elements.
func (c *Cluster[T]) Len() int { return int(c.len) }

// Cap returns the current reserved capacity.
func (c *Cluster[T]) Cap() int { return c.items.Count() }

// Items returns the live elements. The slice aliases arena memory and is
// invalidated by the next Push that regrows, and by Reset.
func (c *Cluster[T]) Items(a *Arena) []T {
	return Slice(a, c.items)[:c.len]
}

// Push appends v, doubling the reserved run when full.
func (c *Cluster[T]) Push(a *Arena, v T) error {
	if int(c.len) == c.items.Count() {
		grown, err := Reserve[T](a, c.items.Count()*2)
		if err != nil {
			return err
		}
		copy(Slice(a, grown), Slice(a, c.items))
		c.items = grown
	}
	Slice(a, c.items)[c.len] = v
	c.len++
	return nil
}

// SwapRemove removes the element at i by swapping the last element into
// its place, returning the removed value. Order is not preserved.
func (c *Cluster[T]) SwapRemove(a *Arena, i int) T {
	items := Slice(a, c.items)
	v := items[i]
	c.len--
	items[i] = items[c.len]
	var zero T
	items[c.len] = zero
	return v
}
