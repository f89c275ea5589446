package inference

import (
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/cinder/internal/logits"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StatePrefilling
	StateDecoding
	StateFinished
	// StateAborted means the consumer went away. It is not an error.
	StateAborted
	// StateFailed means a forward pass, cache update or sampling step failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrefilling:
		return "prefilling"
	case StateDecoding:
		return "decoding"
	case StateFinished:
		return "finished"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateAborted || s == StateFailed
}

// EmissionMode selects how tokens are handed to the consumer. The zero value
// is deliberately invalid so callers always choose.
type EmissionMode int

const (
	// EmitBackpressure blocks the decode loop until the consumer receives
	// each token. No token is lost.
	EmitBackpressure EmissionMode = iota + 1
	// EmitDropOnFull never blocks: if the channel buffer is full the session
	// aborts immediately.
	EmitDropOnFull
)

func (m EmissionMode) String() string {
	switch m {
	case EmitBackpressure:
		return "backpressure"
	case EmitDropOnFull:
		return "drop"
	default:
		return fmt.Sprintf("emission_mode(%d)", int(m))
	}
}

func (m EmissionMode) Valid() bool {
	return m == EmitBackpressure || m == EmitDropOnFull
}

// ParseEmissionMode accepts "backpressure" (or "block") and "drop" (or
// "drop-on-full").
func ParseEmissionMode(s string) (EmissionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "backpressure", "block", "blocking":
		return EmitBackpressure, nil
	case "drop", "drop-on-full", "drop_on_full":
		return EmitDropOnFull, nil
	default:
		return 0, fmt.Errorf("unknown emission mode %q (want backpressure or drop)", s)
	}
}

func (m EmissionMode) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("invalid emission mode %d", int(m))
	}
	return []byte(m.String()), nil
}

func (m *EmissionMode) UnmarshalText(b []byte) error {
	v, err := ParseEmissionMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// StopReason explains why a session ended.
type StopReason string

const (
	StopEmptyPrompt     StopReason = "empty_prompt"
	StopMaxTokens       StopReason = "max_tokens"
	StopContextFull     StopReason = "context_full"
	StopToken           StopReason = "stop_token"
	StopCancelled       StopReason = "cancelled"
	StopConsumerLagging StopReason = "consumer_lagging"
	StopError           StopReason = "error"
)

// SessionRequest describes one generation.
type SessionRequest struct {
	PromptIDs []int
	Params    logits.Params
	Seed      int64
	// MaxNewTokens bounds the decode steps after the first, prefill-derived
	// token, so at most MaxNewTokens+1 tokens are emitted.
	MaxNewTokens int
	// MaxInputTokens, when positive and smaller than the model context,
	// further limits how many of the most recent prompt tokens are kept.
	MaxInputTokens int
	Mode           EmissionMode
	// Buffer is the output channel capacity. 0 selects the mode default:
	// unbuffered for backpressure, MaxNewTokens+1 for drop.
	Buffer int
	// StopTokens end the session as finished when sampled. The stop token
	// itself is not emitted.
	StopTokens []int
}

// Stats holds timing for a session.
type Stats struct {
	TokensGenerated int
	Duration        time.Duration
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
	TPS             float64
}

// Result is the terminal summary of a session.
type Result struct {
	SessionID    string
	PromptTokens int
	// Truncated is the number of oldest prompt tokens dropped to fit the
	// context window.
	Truncated int
	Generated []int
	Reason    StopReason
	State     State
	Stats     Stats
}
