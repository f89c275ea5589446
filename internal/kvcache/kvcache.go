// Package kvcache stores the key/value projections computed by each attention
// layer so that incremental decode steps only project the newest position.
//
// A Cache is a fixed-capacity buffer laid out [heads, capacity, headDim]. Only
// the first Len() positions along the sequence axis hold valid content; the
// remainder is reserved and never exposed to readers.
package kvcache

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned when an update would write past the
	// cache capacity. The cache is left unchanged.
	ErrCapacityExceeded = errors.New("kv cache capacity exceeded")
	// ErrShapeMismatch is returned when update inputs do not match the cache
	// geometry.
	ErrShapeMismatch = errors.New("kv cache shape mismatch")
)

// CapacityError reports an overflowing update.
type CapacityError struct {
	Len      int
	Append   int
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("kv cache: cannot append %d positions at length %d (capacity %d)", e.Append, e.Len, e.Capacity)
}

func (e *CapacityError) Unwrap() error {
	return ErrCapacityExceeded
}

// Cache is the per-layer key/value buffer.
type Cache struct {
	capacity int
	heads    int
	headDim  int
	length   int

	keys   []float32
	values []float32
}

// New allocates a zero-filled cache able to hold capacity positions.
func New(capacity, heads, headDim int) (*Cache, error) {
	if capacity <= 0 || heads <= 0 || headDim <= 0 {
		return nil, fmt.Errorf("kv cache: invalid geometry capacity=%d heads=%d head_dim=%d", capacity, heads, headDim)
	}
	n := heads * capacity * headDim
	if n/heads/capacity != headDim {
		return nil, fmt.Errorf("kv cache: geometry overflows: capacity=%d heads=%d head_dim=%d", capacity, heads, headDim)
	}
	return &Cache{
		capacity: capacity,
		heads:    heads,
		headDim:  headDim,
		keys:     make([]float32, n),
		values:   make([]float32, n),
	}, nil
}

func (c *Cache) Len() int       { return c.length }
func (c *Cache) Cap() int       { return c.capacity }
func (c *Cache) Heads() int     { return c.heads }
func (c *Cache) HeadDim() int   { return c.headDim }
func (c *Cache) Remaining() int { return c.capacity - c.length }

// Update appends seqLen new positions. keys and values are laid out
// [heads, seqLen, headDim]; seqLen is inferred from their length.
//
// On overflow Update returns a *CapacityError and writes nothing.
func (c *Cache) Update(keys, values []float32) error {
	if len(keys) != len(values) {
		return fmt.Errorf("%w: keys=%d values=%d", ErrShapeMismatch, len(keys), len(values))
	}
	stride := c.heads * c.headDim
	if len(keys)%stride != 0 {
		return fmt.Errorf("%w: %d elements is not a multiple of heads*head_dim=%d", ErrShapeMismatch, len(keys), stride)
	}
	seqLen := len(keys) / stride
	if seqLen == 0 {
		return nil
	}
	if seqLen > c.capacity-c.length {
		return &CapacityError{Len: c.length, Append: seqLen, Capacity: c.capacity}
	}

	for h := 0; h < c.heads; h++ {
		src := h * seqLen * c.headDim
		dst := c.offset(h, c.length)
		n := seqLen * c.headDim
		copy(c.keys[dst:dst+n], keys[src:src+n])
		copy(c.values[dst:dst+n], values[src:src+n])
	}
	c.length += seqLen
	return nil
}

// View returns a read-only window over the valid positions [0, Len()).
func (c *Cache) View() View {
	return View{c: c, n: c.length}
}

// Clear resets the length without releasing the buffers.
func (c *Cache) Clear() {
	c.length = 0
}

func (c *Cache) offset(head, pos int) int {
	return (head*c.capacity + pos) * c.headDim
}

// View is a snapshot of the valid cache window. Its length is fixed at the
// time View was called; later updates are not visible through it.
type View struct {
	c *Cache
	n int
}

func (v View) Len() int     { return v.n }
func (v View) Heads() int   { return v.c.heads }
func (v View) HeadDim() int { return v.c.headDim }

// Key returns the key vector stored for head at pos. The slice is capped so
// appends cannot reach into neighbouring positions. It panics if pos is
// outside the window.
func (v View) Key(head, pos int) []float32 {
	off := v.index(head, pos)
	return v.c.keys[off : off+v.c.headDim : off+v.c.headDim]
}

// Value returns the value vector stored for head at pos.
func (v View) Value(head, pos int) []float32 {
	off := v.index(head, pos)
	return v.c.values[off : off+v.c.headDim : off+v.c.headDim]
}

func (v View) index(head, pos int) int {
	if head < 0 || head >= v.c.heads {
		panic(fmt.Sprintf("kv cache view: head %d out of range [0,%d)", head, v.c.heads))
	}
	if pos < 0 || pos >= v.n {
		panic(fmt.Sprintf("kv cache view: position %d out of range [0,%d)", pos, v.n))
	}
	return v.c.offset(head, pos)
}
