package tokenizer

import (
	"fmt"
	"maps"
	"regexp"
	"strings"
	"sync"
)

// gpt2Pattern is the GPT-2 pre-tokenizer split without its trailing
// whitespace lookahead, which Go regexp does not support.
const gpt2Pattern = `'s|'t|'re|'ve|'m|'ll|'d| ?\p{L}+| ?\p{N}+| ?[^\s\p{L}\p{N}]+|\s+`

// llama3Pattern replaces pre-tokenizer regexes that rely on lookahead or
// inline flags.
const llama3Pattern = `(?:'[sS]|'[tT]|'[rR][eE]|'[vV][eE]|'[mM]|'[lL][lL]|'[dD])|[^\r\n\p{L}\p{N}]?\p{L}+|\p{N}{1,3}| ?[^\s\p{L}\p{N}]+[\r\n]*|\s*[\r\n]+|\s+`

// maxCachedWords bounds the merge cache so arbitrary prompts cannot grow it
// without limit.
const maxCachedWords = 1 << 16

// BPEConfig describes a byte-pair-encoding vocabulary.
type BPEConfig struct {
	// Vocab maps token strings to ids.
	Vocab map[string]int
	// Merges are "left right" lines in rank order. Blank lines and lines
	// starting with '#' are skipped.
	Merges []string
	// ByteLevel selects GPT-2 byte-to-unicode token strings. Otherwise
	// tokens are raw text and bytes missing from the vocabulary fall back
	// to <0xNN> tokens.
	ByteLevel bool
	// Pattern is the pre-tokenizer regex. Empty selects the GPT-2 split.
	Pattern string
	// UnkToken, when present in Vocab, is emitted for pieces that cannot be
	// encoded any other way.
	UnkToken string
	// IgnoreMerges encodes a whole pre-token directly when it is already in
	// the vocabulary.
	IgnoreMerges bool
}

// BPETokenizer is a byte-pair-encoding tokenizer. It is safe for concurrent
// use; the per-word merge cache is guarded by a mutex.
type BPETokenizer struct {
	encoder      map[string]int
	decoder      []string
	ranks        map[Pair]int
	pattern      *regexp.Regexp
	byteLevel    bool
	ignoreMerges bool
	unkID        int
	special      []string

	mu    sync.Mutex
	cache map[string][]string
}

// NewBPE builds a tokenizer from cfg.
func NewBPE(cfg BPEConfig) (*BPETokenizer, error) {
	if len(cfg.Vocab) == 0 {
		return nil, fmt.Errorf("empty vocabulary")
	}
	maxID := -1
	for tok, id := range cfg.Vocab {
		if id < 0 {
			return nil, fmt.Errorf("token %q has negative id %d", tok, id)
		}
		maxID = max(maxID, id)
	}
	decoder := make([]string, maxID+1)
	for tok, id := range cfg.Vocab {
		decoder[id] = tok
	}

	pat := cfg.Pattern
	if pat == "" {
		pat = gpt2Pattern
	}
	if strings.Contains(pat, `(?!`) || strings.Contains(pat, `(?i:`) {
		pat = llama3Pattern
	}
	re, err := regexp.Compile(pat)
	if err != nil {
		return nil, fmt.Errorf("compile pre-tokenizer pattern: %w", err)
	}

	unkID := -1
	if id, ok := cfg.Vocab[cfg.UnkToken]; ok && cfg.UnkToken != "" {
		unkID = id
	}

	return &BPETokenizer{
		encoder:      maps.Clone(cfg.Vocab),
		decoder:      decoder,
		ranks:        parseMerges(cfg.Merges),
		pattern:      re,
		byteLevel:    cfg.ByteLevel,
		ignoreMerges: cfg.IgnoreMerges,
		unkID:        unkID,
		special:      collectSpecials(decoder),
		cache:        make(map[string][]string),
	}, nil
}

// VocabSize is one past the largest token id.
func (t *BPETokenizer) VocabSize() int { return len(t.decoder) }

// TokenString returns the vocabulary entry for id, or "" when there is none.
func (t *BPETokenizer) TokenString(id int) string {
	if id < 0 || id >= len(t.decoder) {
		return ""
	}
	return t.decoder[id]
}

func (t *BPETokenizer) Encode(text string) ([]int, error) {
	var ids []int
	for _, part := range splitSpecials(text, t.special) {
		if part.isSpecial {
			ids = append(ids, t.encoder[part.text])
			continue
		}
		for _, word := range t.pattern.FindAllString(part.text, -1) {
			if t.byteLevel {
				word = byteLevelEncode(word)
			}
			for _, piece := range t.bpe(word) {
				var err error
				if ids, err = t.appendPiece(ids, piece); err != nil {
					return nil, err
				}
			}
		}
	}
	return ids, nil
}

func (t *BPETokenizer) appendPiece(ids []int, piece string) ([]int, error) {
	if id, ok := t.encoder[piece]; ok {
		return append(ids, id), nil
	}
	if !t.byteLevel {
		if fallback, ok := t.byteFallback(piece); ok {
			return append(ids, fallback...), nil
		}
	}
	if t.unkID >= 0 {
		return append(ids, t.unkID), nil
	}
	return nil, fmt.Errorf("unknown token: %q", piece)
}

// byteFallback spells piece as <0xNN> tokens. It fails if any byte has no
// such token.
func (t *BPETokenizer) byteFallback(piece string) ([]int, bool) {
	out := make([]int, 0, len(piece))
	for i := 0; i < len(piece); i++ {
		id, ok := t.encoder[byteToken(piece[i])]
		if !ok {
			return nil, false
		}
		out = append(out, id)
	}
	return out, true
}

func (t *BPETokenizer) Decode(ids []int) (string, error) {
	var b []byte
	for _, id := range ids {
		if id < 0 || id >= len(t.decoder) {
			return "", fmt.Errorf("%w: %d", ErrUnknownToken, id)
		}
		tok := t.decoder[id]
		switch {
		case isSpecialToken(tok):
			b = append(b, tok...)
		case t.byteLevel:
			b = byteLevelDecode(b, tok)
		default:
			if by, ok := parseByteToken(tok); ok {
				b = append(b, by)
			} else {
				b = append(b, tok...)
			}
		}
	}
	return string(b), nil
}

// bpe splits word into runes and applies merges lowest rank first until no
// ranked pair remains.
func (t *BPETokenizer) bpe(word string) []string {
	t.mu.Lock()
	cached, ok := t.cache[word]
	t.mu.Unlock()
	if ok {
		return cached
	}

	var parts []string
	if _, known := t.encoder[word]; known && t.ignoreMerges {
		parts = []string{word}
	} else {
		parts = splitRunes(word)
		for len(parts) > 1 {
			best, found := t.lowestRankPair(parts)
			if !found {
				break
			}
			parts = mergePair(parts, best)
		}
	}

	t.mu.Lock()
	if len(t.cache) < maxCachedWords {
		t.cache[word] = parts
	}
	t.mu.Unlock()
	return parts
}

func (t *BPETokenizer) lowestRankPair(parts []string) (Pair, bool) {
	var best Pair
	bestRank := -1
	for i := 0; i+1 < len(parts); i++ {
		p := Pair{A: parts[i], B: parts[i+1]}
		if r, ok := t.ranks[p]; ok && (bestRank < 0 || r < bestRank) {
			best, bestRank = p, r
		}
	}
	return best, bestRank >= 0
}
