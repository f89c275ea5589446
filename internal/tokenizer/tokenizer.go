// Package tokenizer converts between text and model token ids.
package tokenizer

import (
	"errors"
	"fmt"
)

// ErrUnknownToken is returned when Decode sees an id outside the vocabulary.
var ErrUnknownToken = errors.New("unknown token id")

// Tokenizer defines the minimal interface used by the engine and transports.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

// Vocabulary is a Tokenizer with a fixed id range [0, VocabSize).
type Vocabulary interface {
	Tokenizer
	VocabSize() int
}

// ByteTokenizer maps every byte of the UTF-8 input to its own id in
// [0, 256). It round-trips any id sequence it produces and needs no
// vocabulary file, which makes it the default for the reference model.
type ByteTokenizer struct{}

// ByteVocabSize is the vocabulary size of ByteTokenizer.
const ByteVocabSize = 256

func (ByteTokenizer) VocabSize() int { return ByteVocabSize }

func (ByteTokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, len(text))
	for i := 0; i < len(text); i++ {
		ids[i] = int(text[i])
	}
	return ids, nil
}

func (ByteTokenizer) Decode(ids []int) (string, error) {
	buf := make([]byte, len(ids))
	for i, id := range ids {
		if id < 0 || id >= ByteVocabSize {
			return "", fmt.Errorf("%w: %d", ErrUnknownToken, id)
		}
		buf[i] = byte(id)
	}
	return string(buf), nil
}
