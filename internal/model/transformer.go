package model

import (
	"context"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/cinder/internal/kvcache"
	"github.com/samcharles93/cinder/internal/tensor"
)

type block struct {
	attnNorm []float32
	wq       tensor.Mat // [Embd x Embd]
	wk       tensor.Mat
	wv       tensor.Mat
	wo       tensor.Mat
	ffnNorm  []float32
	w1       tensor.Mat // [Hidden x Embd]
	w2       tensor.Mat // [Embd x Hidden]
}

// Transformer is a pre-norm decoder with rotary attention and a SiLU
// feed-forward block. Weights are generated deterministically from a seed and
// never written after NewTransformer returns.
type Transformer struct {
	cfg     Config
	hidden  int
	embed   tensor.Mat // [Vocab x Embd]
	blocks  []block
	outNorm []float32
	lmHead  tensor.Mat // [Vocab x Embd]
	invFreq []float64
}

// NewTransformer builds a model for cfg. Each tensor is filled from its own
// seed, derived from seed and the tensor name, so the weights of one layer do
// not depend on how many layers precede it.
func NewTransformer(cfg Config, seed int64) (*Transformer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	e := cfg.Embd
	hidden := e * cfg.FFNMult

	projScale := float32(1 / math.Sqrt(float64(e)))
	ffnScale := float32(1 / math.Sqrt(float64(hidden)))

	mat := func(name string, r, c int, scale float32) tensor.Mat {
		m := tensor.NewMat(r, c)
		tensor.FillRand(&m, tensorSeed(seed, name), scale)
		return m
	}

	t := &Transformer{
		cfg:     cfg,
		hidden:  hidden,
		embed:   mat("tok_embeddings", cfg.Vocab, e, 1),
		blocks:  make([]block, cfg.Layers),
		outNorm: ones(e),
		lmHead:  mat("output", cfg.Vocab, e, projScale),
		invFreq: tensor.RoPEFrequencies(cfg.HeadDim(), cfg.RopeTheta),
	}
	for l := range t.blocks {
		name := func(s string) string { return fmt.Sprintf("layers.%d.%s", l, s) }
		t.blocks[l] = block{
			attnNorm: ones(e),
			wq:       mat(name("attention.wq"), e, e, projScale),
			wk:       mat(name("attention.wk"), e, e, projScale),
			wv:       mat(name("attention.wv"), e, e, projScale),
			wo:       mat(name("attention.wo"), e, e, projScale),
			ffnNorm:  ones(e),
			w1:       mat(name("feed_forward.w1"), hidden, e, projScale),
			w2:       mat(name("feed_forward.w2"), e, hidden, ffnScale),
		}
	}
	return t, nil
}

func tensorSeed(seed int64, name string) int64 {
	return int64(xxhash.Sum64String(name) ^ uint64(seed))
}

func ones(n int) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = 1
	}
	return v
}

func (t *Transformer) Config() Config { return t.cfg }

// Forward implements Model. On any error before the first cache write the
// cache set is left untouched; a cancelled context observed between layers
// leaves the set misaligned and the caller must discard it.
func (t *Transformer) Forward(ctx context.Context, ids []int, caches *kvcache.Set) ([]float32, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyInput
	}
	if err := t.checkCaches(caches); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if id < 0 || id >= t.cfg.Vocab {
			return nil, fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, id, t.cfg.Vocab)
		}
	}
	start := caches.Len()
	if rem := caches.Layer(0).Remaining(); len(ids) > rem {
		return nil, &kvcache.CapacityError{Len: start, Append: len(ids), Capacity: caches.Cap()}
	}

	cfg := t.cfg
	e, heads, hd := cfg.Embd, cfg.Heads, cfg.HeadDim()
	n := len(ids)

	x := make([]float32, n*e)
	for i, id := range ids {
		copy(x[i*e:(i+1)*e], t.embed.Row(id))
	}

	s := newScratch(n, e, t.hidden, start+n)
	for l := range t.blocks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b := &t.blocks[l]
		cache := caches.Layer(l)

		for i := 0; i < n; i++ {
			tensor.RMSNorm(s.norm, x[i*e:(i+1)*e], b.attnNorm, cfg.NormEps)
			q := s.q[i*e : (i+1)*e]
			k := s.k[i*e : (i+1)*e]
			tensor.MatVec(q, &b.wq, s.norm)
			tensor.MatVec(k, &b.wk, s.norm)
			tensor.MatVec(s.v[i*e:(i+1)*e], &b.wv, s.norm)
			tensor.ApplyRoPE(q, heads, hd, start+i, t.invFreq)
			tensor.ApplyRoPE(k, heads, hd, start+i, t.invFreq)
		}

		// The cache expects [heads, seq, headDim]; projections are [seq, heads*headDim].
		for h := 0; h < heads; h++ {
			for i := 0; i < n; i++ {
				dst := (h*n + i) * hd
				src := i*e + h*hd
				copy(s.kT[dst:dst+hd], s.k[src:src+hd])
				copy(s.vT[dst:dst+hd], s.v[src:src+hd])
			}
		}
		if err := cache.Update(s.kT, s.vT); err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}

		view := cache.View()
		scale := float32(1 / math.Sqrt(float64(hd)))
		for i := 0; i < n; i++ {
			// Causal: position start+i sees [0, start+i].
			visible := start + i + 1
			attn := s.attn
			clear(attn)
			for h := 0; h < heads; h++ {
				q := s.q[i*e+h*hd : i*e+(h+1)*hd]
				scores := s.scores[:visible]
				for p := 0; p < visible; p++ {
					scores[p] = tensor.Dot(q, view.Key(h, p)) * scale
				}
				tensor.Softmax(scores)
				out := attn[h*hd : (h+1)*hd]
				for p := 0; p < visible; p++ {
					w := scores[p]
					for d, v := range view.Value(h, p) {
						out[d] += w * v
					}
				}
			}
			xi := x[i*e : (i+1)*e]
			tensor.MatVec(s.proj, &b.wo, attn)
			tensor.Add(xi, s.proj)

			tensor.RMSNorm(s.norm, xi, b.ffnNorm, cfg.NormEps)
			tensor.MatVec(s.ffn, &b.w1, s.norm)
			for j, v := range s.ffn {
				s.ffn[j] = tensor.Silu(v)
			}
			tensor.MatVec(s.proj, &b.w2, s.ffn)
			tensor.Add(xi, s.proj)
		}
	}

	last := x[(n-1)*e:]
	tensor.RMSNorm(s.norm, last, t.outNorm, cfg.NormEps)
	logits := make([]float32, cfg.Vocab)
	tensor.MatVec(logits, &t.lmHead, s.norm)
	return logits, nil
}

func (t *Transformer) checkCaches(caches *kvcache.Set) error {
	if caches == nil {
		return fmt.Errorf("%w: nil cache set", ErrCacheGeometry)
	}
	if caches.Layers() != t.cfg.Layers {
		return fmt.Errorf("%w: %d layers, model has %d", ErrCacheGeometry, caches.Layers(), t.cfg.Layers)
	}
	c := caches.Layer(0)
	if c.Heads() != t.cfg.Heads || c.HeadDim() != t.cfg.HeadDim() {
		return fmt.Errorf("%w: heads=%d head_dim=%d, model has heads=%d head_dim=%d",
			ErrCacheGeometry, c.Heads(), c.HeadDim(), t.cfg.Heads, t.cfg.HeadDim())
	}
	if err := caches.CheckAligned(); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheGeometry, err)
	}
	return nil
}

// scratch holds the per-call activations. It is allocated per Forward so the
// model itself carries no mutable state.
type scratch struct {
	norm   []float32
	q      []float32
	k      []float32
	v      []float32
	kT     []float32
	vT     []float32
	attn   []float32
	proj   []float32
	ffn    []float32
	scores []float32
}

func newScratch(n, e, hidden, positions int) *scratch {
	return &scratch{
		norm:   make([]float32, e),
		q:      make([]float32, n*e),
		k:      make([]float32, n*e),
		v:      make([]float32, n*e),
		kT:     make([]float32, n*e),
		vT:     make([]float32, n*e),
		attn:   make([]float32, e),
		proj:   make([]float32, e),
		ffn:    make([]float32, hidden),
		scores: make([]float32, positions),
	}
}
