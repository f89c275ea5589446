package tokenizer

import "unicode/utf8"

// StreamDecoder decodes tokens one at a time for streaming output. Bytes of a
// multi-byte rune that has not fully arrived are held back until it has, so
// each returned chunk is valid UTF-8.
type StreamDecoder struct {
	tok     Tokenizer
	pending []int
}

func NewStreamDecoder(tok Tokenizer) *StreamDecoder {
	return &StreamDecoder{tok: tok}
}

// Push adds one token and returns the text that is now complete, which may be
// empty.
func (d *StreamDecoder) Push(id int) (string, error) {
	d.pending = append(d.pending, id)
	text, err := d.tok.Decode(d.pending)
	if err != nil {
		d.pending = d.pending[:len(d.pending)-1]
		return "", err
	}
	if incompleteTail(text) {
		// A rune can span at most utf8.UTFMax bytes; beyond that the input
		// is invalid and is flushed as-is.
		if len(d.pending) < utf8.UTFMax {
			return "", nil
		}
	}
	d.pending = d.pending[:0]
	return text, nil
}

// Flush returns whatever is still buffered.
func (d *StreamDecoder) Flush() (string, error) {
	if len(d.pending) == 0 {
		return "", nil
	}
	text, err := d.tok.Decode(d.pending)
	d.pending = d.pending[:0]
	return text, err
}

// incompleteTail reports whether s ends with the prefix of a multi-byte rune.
func incompleteTail(s string) bool {
	if s == "" {
		return false
	}
	start := len(s) - utf8.UTFMax
	if start < 0 {
		start = 0
	}
	for i := len(s) - 1; i >= start; i-- {
		b := s[i]
		if utf8.RuneStart(b) {
			if b < utf8.RuneSelf {
				return false
			}
			return !utf8.FullRuneInString(s[i:])
		}
	}
	return false
}
