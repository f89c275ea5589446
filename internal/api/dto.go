package api

import (
	"github.com/samcharles93/cinder/internal/inference"
)

// GenerateRequest is the body of POST /v1/generate. Unset fields fall back
// to the model's generation defaults, then to the engine defaults.
type GenerateRequest struct {
	Prompt            string   `json:"prompt"`
	MaxNewTokens      *int     `json:"max_new_tokens,omitempty"`
	MaxInputTokens    *int     `json:"max_input_tokens,omitempty"`
	Temperature       *float64 `json:"temperature,omitempty"`
	TopK              *int     `json:"top_k,omitempty"`
	TopP              *float64 `json:"top_p,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty"`
	RepeatLastN       *int     `json:"repeat_last_n,omitempty"`
	Seed              *int64   `json:"seed,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
	EmissionMode      string   `json:"emission_mode,omitempty"`
	Buffer            *int     `json:"buffer,omitempty"`
	Stop              []string `json:"stop,omitempty"`
}

type GenerateResponse struct {
	ID           string `json:"id"`
	Object       string `json:"object"`
	Text         string `json:"text"`
	Tokens       []int  `json:"tokens"`
	FinishReason string `json:"finish_reason"`
	State        string `json:"state"`
	Usage        Usage  `json:"usage"`
}

type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	TruncatedTokens  int     `json:"truncated_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	DurationMS       int64   `json:"duration_ms"`
	PrefillMS        int64   `json:"prefill_ms"`
	TokensPerSecond  float64 `json:"tokens_per_second"`
}

// TokenEvent is streamed once per emitted token. Text is empty while the
// bytes of a multi-byte rune are still arriving.
type TokenEvent struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Token int    `json:"token"`
	Text  string `json:"text"`
}

// DoneEvent closes a stream. TailText holds bytes that never completed a
// rune.
type DoneEvent struct {
	GenerateResponse
	TailText string `json:"tail_text,omitempty"`
}

type ResponseError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Param   string `json:"param,omitempty"`
}

type HealthResponse struct {
	Status    string `json:"status"`
	Layers    int    `json:"n_layer"`
	Vocab     int    `json:"vocab_size"`
	MaxSeqLen int    `json:"max_seq_len"`
}

func newGenerateResponse(res inference.Result, text string) GenerateResponse {
	tokens := res.Generated
	if tokens == nil {
		tokens = []int{}
	}
	return GenerateResponse{
		ID:           res.SessionID,
		Object:       "generation",
		Text:         text,
		Tokens:       tokens,
		FinishReason: string(res.Reason),
		State:        res.State.String(),
		Usage: Usage{
			PromptTokens:     res.PromptTokens,
			TruncatedTokens:  res.Truncated,
			CompletionTokens: res.Stats.TokensGenerated,
			DurationMS:       res.Stats.Duration.Milliseconds(),
			PrefillMS:        res.Stats.PrefillDuration.Milliseconds(),
			TokensPerSecond:  res.Stats.TPS,
		},
	}
}
