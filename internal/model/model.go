// Package model defines the forward-pass contract the generation engine
// drives, plus a small reference transformer that satisfies it.
package model

import (
	"context"
	"errors"

	"github.com/samcharles93/cinder/internal/kvcache"
)

var (
	// ErrEmptyInput is returned when Forward is called without token ids.
	ErrEmptyInput = errors.New("forward called with no tokens")
	// ErrTokenOutOfRange is returned for ids outside [0, vocab).
	ErrTokenOutOfRange = errors.New("token id out of range")
	// ErrCacheGeometry is returned when a cache set does not match the model.
	ErrCacheGeometry = errors.New("kv cache set does not match model geometry")
)

// Model is a generative language model driven one forward pass at a time.
//
// Forward processes ids at positions [caches.Len(), caches.Len()+len(ids)),
// appends their key/value projections to every layer of caches, and returns
// the logits for the last position. Implementations must treat their weights
// as read-only so one Model can serve many sessions concurrently; all
// per-session state lives in caches.
type Model interface {
	Config() Config
	Forward(ctx context.Context, ids []int, caches *kvcache.Set) ([]float32, error)
}

// NewCaches allocates a cache set sized for cfg, one layer per model layer
// with capacity MaxSeqLen.
func NewCaches(cfg Config) (*kvcache.Set, error) {
	return kvcache.NewSet(cfg.Layers, cfg.MaxSeqLen, cfg.Heads, cfg.HeadDim())
}
