package logits

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParams is returned for sampling parameters outside their domain.
var ErrInvalidParams = errors.New("invalid sampling parameters")

// GreedyThreshold is the temperature below which sampling collapses to
// arg-max.
const GreedyThreshold = 1e-5

// Params configures a single request. Params are immutable for the lifetime
// of a session.
type Params struct {
	// Temperature scales logits before softmax. Values below GreedyThreshold
	// select the arg-max token and bypass the stochastic path entirely.
	Temperature float64
	// TopK keeps only the K most probable candidates. 0 disables the cutoff.
	TopK int
	// TopP keeps the smallest probability-sorted prefix whose cumulative mass
	// exceeds TopP. 1 disables the cutoff.
	TopP float64
	// RepetitionPenalty adjusts logits of tokens already in the history.
	// 1 disables the penalty.
	RepetitionPenalty float64
	// RepeatLastN restricts the penalty to the most recent N history
	// entries. 0 penalises the whole history.
	RepeatLastN int
}

// DefaultParams returns the engine defaults.
func DefaultParams() Params {
	return Params{
		Temperature:       0.8,
		TopK:              40,
		TopP:              0.95,
		RepetitionPenalty: 1.1,
	}
}

// Greedy reports whether these parameters select arg-max decoding.
func (p Params) Greedy() bool {
	return p.Temperature < GreedyThreshold
}

func (p Params) Validate() error {
	switch {
	case math.IsNaN(p.Temperature) || p.Temperature < 0:
		return fmt.Errorf("%w: temperature must be >= 0, got %v", ErrInvalidParams, p.Temperature)
	case math.IsInf(p.Temperature, 1):
		return fmt.Errorf("%w: temperature must be finite", ErrInvalidParams)
	case p.TopK < 0:
		return fmt.Errorf("%w: top_k must be >= 0, got %d", ErrInvalidParams, p.TopK)
	case math.IsNaN(p.TopP) || p.TopP <= 0 || p.TopP > 1:
		return fmt.Errorf("%w: top_p must be in (0, 1], got %v", ErrInvalidParams, p.TopP)
	case math.IsNaN(p.RepetitionPenalty) || math.IsInf(p.RepetitionPenalty, 0) || p.RepetitionPenalty <= 0:
		// A zero penalty would divide non-negative logits by zero.
		return fmt.Errorf("%w: repetition_penalty must be > 0, got %v", ErrInvalidParams, p.RepetitionPenalty)
	case p.RepeatLastN < 0:
		return fmt.Errorf("%w: repeat_last_n must be >= 0, got %d", ErrInvalidParams, p.RepeatLastN)
	}
	return nil
}
