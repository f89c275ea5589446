package kvcache

import (
	"errors"
	"fmt"
)

// Set owns one Cache per model layer, index-aligned to layer order. A Set
// belongs to a single generation session and must never be shared between
// sessions running concurrently.
type Set struct {
	layers []*Cache
}

// NewSet allocates layers caches with identical geometry.
func NewSet(layers, capacity, heads, headDim int) (*Set, error) {
	if layers <= 0 {
		return nil, fmt.Errorf("kv cache set: invalid layer count %d", layers)
	}
	s := &Set{layers: make([]*Cache, layers)}
	for i := range s.layers {
		c, err := New(capacity, heads, headDim)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		s.layers[i] = c
	}
	return s, nil
}

func (s *Set) Layers() int { return len(s.layers) }

// Layer returns the cache for layer i. It panics on an out-of-range index.
func (s *Set) Layer(i int) *Cache {
	if i < 0 || i >= len(s.layers) {
		panic(fmt.Sprintf("kv cache set: layer %d out of range [0,%d)", i, len(s.layers)))
	}
	return s.layers[i]
}

// Len returns the number of positions held by the first layer. After a
// complete forward pass all layers hold the same number of positions.
func (s *Set) Len() int {
	if len(s.layers) == 0 {
		return 0
	}
	return s.layers[0].length
}

// Cap returns the capacity shared by every layer.
func (s *Set) Cap() int {
	if len(s.layers) == 0 {
		return 0
	}
	return s.layers[0].capacity
}

// CheckAligned reports an error if the layers disagree on their length,
// which happens when a forward pass failed part-way through.
func (s *Set) CheckAligned() error {
	var errs []error
	want := s.Len()
	for i, c := range s.layers {
		if c.length != want {
			errs = append(errs, fmt.Errorf("layer %d holds %d positions, layer 0 holds %d", i, c.length, want))
		}
	}
	return errors.Join(errs...)
}

// Clear resets every layer.
func (s *Set) Clear() {
	for _, c := range s.layers {
		c.Clear()
	}
}
