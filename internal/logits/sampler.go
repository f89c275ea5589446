package logits

import (
	"cmp"
	"errors"
	"math"
	"math/rand"
	"slices"
)

var (
	// ErrEmptyDistribution is returned when no candidate with positive mass
	// survives filtering.
	ErrEmptyDistribution = errors.New("empty sampling distribution")
	// ErrEmptyLogits is returned for a zero-length logits vector.
	ErrEmptyLogits = errors.New("empty logits")
	errNilRNG      = errors.New("stochastic sampling requires a random source")
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Params
	Seed int64
}

type candidate struct {
	id   int
	prob float64
}

// Sampler owns the random source and scratch buffers of one session. It is
// not safe for concurrent use.
type Sampler struct {
	rng    *rand.Rand
	params Params

	scratch   []float32
	cands     []candidate
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a new sampler with the provided configuration.
func NewSampler(cfg SamplerConfig) (*Sampler, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		params: cfg.Params,
	}, nil
}

func (s *Sampler) Params() Params { return s.params }

// Sample draws the next token id for logits given the token history.
func (s *Sampler) Sample(logits []float32, history []int) (int, error) {
	return s.sample(logits, history)
}

// Sample draws a single token id from logits. It never mutates logits. With
// a greedy temperature rng is not consulted and may be nil.
//
// The steps, in order:
//
//  1. Repetition penalty over the deduplicated history: negative logits are
//     multiplied by the penalty, non-negative logits divided by it.
//  2. Temperature below GreedyThreshold returns the arg-max index.
//  3. Logits are divided by the temperature and passed through softmax.
//  4. Candidates are stably sorted by descending probability and cut to
//     TopK when 0 < TopK < vocab.
//  5. The sorted candidates are cut at the first index where cumulative mass
//     exceeds TopP, inclusive of that index.
//  6. The survivors are renormalised and one is drawn by weight.
func Sample(logits []float32, p Params, history []int, rng *rand.Rand) (int, error) {
	if err := p.Validate(); err != nil {
		return 0, err
	}
	s := &Sampler{rng: rng, params: p}
	return s.sample(logits, history)
}

func (s *Sampler) sample(logits []float32, history []int) (int, error) {
	if len(logits) == 0 {
		return 0, ErrEmptyLogits
	}
	s.scratch = append(s.scratch[:0], logits...)
	x := s.scratch

	s.applyPenalty(x, history)

	if s.params.Greedy() {
		return argmax(x)
	}
	if s.rng == nil {
		return 0, errNilRNG
	}

	cands := s.distribution(x)
	cands = filterTopK(cands, s.params.TopK)
	cands = filterTopP(cands, s.params.TopP)
	cands, err := renormalize(cands)
	if err != nil {
		return 0, err
	}

	r := s.rng.Float64()
	var c float64
	for _, cand := range cands {
		c += cand.prob
		if r < c {
			return cand.id, nil
		}
	}
	// Rounding left r above the final cumulative sum; take the last
	// candidate that carries mass.
	for i := len(cands) - 1; i >= 0; i-- {
		if cands[i].prob > 0 {
			return cands[i].id, nil
		}
	}
	return 0, ErrEmptyDistribution
}

func (s *Sampler) applyPenalty(x []float32, history []int) {
	penalty := s.params.RepetitionPenalty
	if penalty == 1 || len(history) == 0 {
		return
	}
	window := history
	if n := s.params.RepeatLastN; n > 0 && len(window) > n {
		window = window[len(window)-n:]
	}

	if len(s.seenMark) < len(x) {
		s.seenMark = make([]uint32, len(x))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]
	for _, id := range window {
		if id >= 0 && id < len(x) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, id)
		}
	}

	pen := float32(penalty)
	for _, id := range s.seenList {
		if x[id] < 0 {
			x[id] *= pen
		} else {
			x[id] /= pen
		}
	}
}

// distribution returns every vocabulary entry with its softmax probability
// at the configured temperature, stably sorted by descending probability.
func (s *Sampler) distribution(x []float32) []candidate {
	invTemp := 1 / s.params.Temperature
	maxv := math.Inf(-1)
	for _, l := range x {
		v := float64(l) * invTemp
		if v > maxv {
			maxv = v
		}
	}

	if cap(s.cands) < len(x) {
		s.cands = make([]candidate, len(x))
	}
	cands := s.cands[:len(x)]
	var sum float64
	for i, l := range x {
		e := math.Exp(float64(l)*invTemp - maxv)
		if math.IsNaN(e) {
			e = 0
		}
		cands[i] = candidate{id: i, prob: e}
		sum += e
	}
	if sum > 0 && !math.IsInf(sum, 0) {
		inv := 1 / sum
		for i := range cands {
			cands[i].prob *= inv
		}
	}

	slices.SortStableFunc(cands, func(a, b candidate) int {
		return cmp.Compare(b.prob, a.prob)
	})
	return cands
}

// filterTopK keeps the first k candidates of a sorted slice.
func filterTopK(cands []candidate, k int) []candidate {
	if k > 0 && k < len(cands) {
		return cands[:k]
	}
	return cands
}

// filterTopP keeps candidates up to and including the first index where the
// cumulative probability exceeds p.
func filterTopP(cands []candidate, p float64) []candidate {
	if p >= 1 {
		return cands
	}
	var c float64
	for i, cand := range cands {
		c += cand.prob
		if c > p {
			return cands[:i+1]
		}
	}
	return cands
}

func renormalize(cands []candidate) ([]candidate, error) {
	if len(cands) == 0 {
		return nil, ErrEmptyDistribution
	}
	var sum float64
	for _, c := range cands {
		sum += c.prob
	}
	if !(sum > 0) || math.IsInf(sum, 0) {
		return nil, ErrEmptyDistribution
	}
	inv := 1 / sum
	for i := range cands {
		cands[i].prob *= inv
	}
	return cands, nil
}

// argmax returns the index of the first maximal, non-NaN value.
func argmax(x []float32) (int, error) {
	best := -1
	var bestV float32
	for i, v := range x {
		if v != v {
			continue
		}
		if best < 0 || v > bestV {
			best, bestV = i, v
		}
	}
	if best < 0 {
		return 0, ErrEmptyDistribution
	}
	return best, nil
}
