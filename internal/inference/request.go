package inference

import (
	"time"

	"github.com/samcharles93/cinder/internal/logits"
)

// GenDefaults are sampling defaults supplied by a model's generation config.
// Nil fields fall back to the engine defaults.
type GenDefaults struct {
	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
	MaxNewTokens      *int
}

// RequestOptions carries caller overrides. Nil fields are unset.
type RequestOptions struct {
	PromptIDs []int

	MaxNewTokens   *int
	MaxInputTokens *int
	Seed           *int64

	Temperature       *float64
	TopK              *int
	TopP              *float64
	RepetitionPenalty *float64
	RepeatLastN       *int

	Mode       *EmissionMode
	Buffer     *int
	StopTokens []int
}

const (
	DefaultMaxNewTokens   = 50
	DefaultMaxInputTokens = 1024
)

// ResolveRequest layers opts over defaults over the engine defaults. The
// result is not validated; StartSession does that. Mode is only ever taken
// from opts, so a request without one is rejected.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) SessionRequest {
	req := SessionRequest{
		PromptIDs:      opts.PromptIDs,
		Params:         logits.DefaultParams(),
		Seed:           time.Now().UnixNano(),
		MaxNewTokens:   DefaultMaxNewTokens,
		MaxInputTokens: DefaultMaxInputTokens,
		StopTokens:     opts.StopTokens,
	}

	if defaults.Temperature != nil && *defaults.Temperature >= 0 {
		req.Params.Temperature = *defaults.Temperature
	}
	if defaults.TopK != nil && *defaults.TopK >= 0 {
		req.Params.TopK = *defaults.TopK
	}
	if defaults.TopP != nil && *defaults.TopP > 0 && *defaults.TopP <= 1 {
		req.Params.TopP = *defaults.TopP
	}
	if defaults.RepetitionPenalty != nil && *defaults.RepetitionPenalty > 0 {
		req.Params.RepetitionPenalty = *defaults.RepetitionPenalty
	}
	if defaults.MaxNewTokens != nil && *defaults.MaxNewTokens >= 0 {
		req.MaxNewTokens = *defaults.MaxNewTokens
	}

	if opts.MaxNewTokens != nil {
		req.MaxNewTokens = *opts.MaxNewTokens
	}
	if opts.MaxInputTokens != nil {
		req.MaxInputTokens = *opts.MaxInputTokens
	}
	if opts.Seed != nil {
		req.Seed = *opts.Seed
	}
	if opts.Temperature != nil {
		req.Params.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.Params.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.Params.TopP = *opts.TopP
	}
	if opts.RepetitionPenalty != nil {
		req.Params.RepetitionPenalty = *opts.RepetitionPenalty
	}
	if opts.RepeatLastN != nil {
		req.Params.RepeatLastN = *opts.RepeatLastN
	}
	if opts.Mode != nil {
		req.Mode = *opts.Mode
	}
	if opts.Buffer != nil {
		req.Buffer = *opts.Buffer
	}

	return req
}
