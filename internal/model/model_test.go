package model

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/cinder/internal/kvcache"
)

func testConfig() Config {
	return Config{Layers: 2, Heads: 2, Embd: 8, Vocab: 16, MaxSeqLen: 12}
}

func newTestModel(t *testing.T) *Transformer {
	t.Helper()
	m, err := NewTransformer(testConfig(), 3)
	if err != nil {
		t.Fatalf("NewTransformer() error = %v", err)
	}
	return m
}

func newTestCaches(t *testing.T, m Model) *kvcache.Set {
	t.Helper()
	s, err := NewCaches(m.Config())
	if err != nil {
		t.Fatalf("NewCaches() error = %v", err)
	}
	return s
}

func closeEnough(a, b []float32, tol float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}
	return true
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	cfg, err := ParseConfig([]byte(`{"n_embd": 64, "n_head": 4, "n_layer": 2, "vocab_size": 256, "max_seq_len": 128}`))
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	want := Config{Layers: 2, Heads: 4, Embd: 64, Vocab: 256, MaxSeqLen: 128, RopeTheta: 10000, NormEps: 1e-5, FFNMult: 4}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.HeadDim() != 16 {
		t.Fatalf("HeadDim() = %d, want 16", cfg.HeadDim())
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero-layers", Config{Heads: 2, Embd: 8, Vocab: 4, MaxSeqLen: 4}},
		{"indivisible", Config{Layers: 1, Heads: 3, Embd: 8, Vocab: 4, MaxSeqLen: 4}},
		{"odd-head-dim", Config{Layers: 1, Heads: 2, Embd: 6, Vocab: 4, MaxSeqLen: 4}},
		{"no-context", Config{Layers: 1, Heads: 2, Embd: 8, Vocab: 4}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"n_embd": 8, "n_head": 2, "n_layer": 1, "vocab_size": 4}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("missing max_seq_len should be rejected, got %v", err)
	}
	if _, err := LoadConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatalf("expected error for a missing file")
	}
}

func TestForwardAdvancesEveryLayer(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	caches := newTestCaches(t, m)
	logits, err := m.Forward(context.Background(), []int{1, 2, 3}, caches)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if len(logits) != m.Config().Vocab {
		t.Fatalf("len(logits) = %d, want %d", len(logits), m.Config().Vocab)
	}
	for l := 0; l < caches.Layers(); l++ {
		if got := caches.Layer(l).Len(); got != 3 {
			t.Fatalf("layer %d length = %d, want 3", l, got)
		}
	}
	if _, err := m.Forward(context.Background(), []int{4}, caches); err != nil {
		t.Fatal(err)
	}
	if caches.Len() != 4 {
		t.Fatalf("decode step should append one position, len = %d", caches.Len())
	}
}

func TestForwardDeterministic(t *testing.T) {
	t.Parallel()

	a, err := NewTransformer(testConfig(), 11)
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewTransformer(testConfig(), 11)
	if err != nil {
		t.Fatal(err)
	}
	la, err := a.Forward(context.Background(), []int{5, 6}, newTestCaches(t, a))
	if err != nil {
		t.Fatal(err)
	}
	lb, err := b.Forward(context.Background(), []int{5, 6}, newTestCaches(t, b))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(la, lb); diff != "" {
		t.Fatalf("same seed produced different logits:\n%s", diff)
	}
}

// Prefilling a sequence and decoding it one token at a time must agree: the
// cache carries exactly the context the full pass would recompute.
func TestIncrementalDecodeMatchesPrefill(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	ids := []int{3, 9, 1, 14, 7}

	full, err := m.Forward(context.Background(), ids, newTestCaches(t, m))
	if err != nil {
		t.Fatal(err)
	}

	caches := newTestCaches(t, m)
	var step []float32
	if _, err := m.Forward(context.Background(), ids[:2], caches); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids[2:] {
		step, err = m.Forward(context.Background(), []int{id}, caches)
		if err != nil {
			t.Fatal(err)
		}
	}
	if !closeEnough(full, step, 1e-4) {
		t.Fatalf("incremental logits diverge from prefill:\nfull=%v\nstep=%v", full, step)
	}
}

func TestForwardCapacityLeavesCachesUntouched(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	caches := newTestCaches(t, m)
	ids := make([]int, m.Config().MaxSeqLen-1)
	if _, err := m.Forward(context.Background(), ids, caches); err != nil {
		t.Fatal(err)
	}
	_, err := m.Forward(context.Background(), []int{1, 2}, caches)
	var capErr *kvcache.CapacityError
	if !errors.As(err, &capErr) || !errors.Is(err, kvcache.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if caches.Len() != m.Config().MaxSeqLen-1 {
		t.Fatalf("failed forward must not advance the cache, len = %d", caches.Len())
	}
	if err := caches.CheckAligned(); err != nil {
		t.Fatalf("layers misaligned after rejected forward: %v", err)
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	caches := newTestCaches(t, m)
	if _, err := m.Forward(context.Background(), nil, caches); !errors.Is(err, ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if _, err := m.Forward(context.Background(), []int{99}, caches); !errors.Is(err, ErrTokenOutOfRange) {
		t.Fatalf("expected ErrTokenOutOfRange, got %v", err)
	}
	wrong, err := kvcache.NewSet(1, 8, 2, 4)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Forward(context.Background(), []int{1}, wrong); !errors.Is(err, ErrCacheGeometry) {
		t.Fatalf("expected ErrCacheGeometry, got %v", err)
	}
	if caches.Len() != 0 {
		t.Fatalf("rejected calls must not touch the cache")
	}
}

func TestForwardHonoursContext(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Forward(ctx, []int{1}, newTestCaches(t, m)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestConcurrentSessionsShareWeights(t *testing.T) {
	t.Parallel()

	m := newTestModel(t)
	prompts := [][]int{{1, 2, 3}, {15, 14}, {7}, {0, 0, 0, 0}}

	want := make([][]float32, len(prompts))
	for i, p := range prompts {
		l, err := m.Forward(context.Background(), p, newTestCaches(t, m))
		if err != nil {
			t.Fatal(err)
		}
		want[i] = l
	}

	got := make([][]float32, len(prompts))
	errs := make([]error, len(prompts))
	var wg sync.WaitGroup
	for i, p := range prompts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			caches, err := NewCaches(m.Config())
			if err != nil {
				errs[i] = err
				return
			}
			got[i], errs[i] = m.Forward(context.Background(), p, caches)
		}()
	}
	wg.Wait()

	for i := range prompts {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i, errs[i])
		}
		if diff := cmp.Diff(want[i], got[i]); diff != "" {
			t.Fatalf("session %d logits changed under concurrency:\n%s", i, diff)
		}
	}
}
