package inference

import (
	"fmt"
	"slices"

	"github.com/samcharles93/cinder/internal/tokenizer"
)

// BuildStopTokens encodes each stop string and returns the deduplicated ids.
// Only strings that encode to exactly one token can stop generation, since
// the engine matches sampled ids one at a time.
func BuildStopTokens(tok tokenizer.Tokenizer, stops []string) ([]int, error) {
	var out []int
	for _, s := range stops {
		if s == "" {
			continue
		}
		ids, err := safeEncode(tok, s)
		if err != nil {
			return nil, fmt.Errorf("encode stop %q: %w", s, err)
		}
		if len(ids) != 1 {
			return nil, fmt.Errorf("stop %q encodes to %d tokens, want exactly 1", s, len(ids))
		}
		if !slices.Contains(out, ids[0]) {
			out = append(out, ids[0])
		}
	}
	return out, nil
}
