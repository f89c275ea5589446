package tokenizer

import (
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
)

// LoadBPEFiles reads a vocab.json ({"token": id, ...}) and a merges.txt with
// one "left right" pair per line. The vocabulary is treated as raw text with
// <0xNN> byte fallback when it carries <0x00>; otherwise it is assumed to
// use GPT-2 byte-level token strings.
func LoadBPEFiles(vocabPath, mergesPath string) (*BPETokenizer, error) {
	raw, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("read vocab: %w", err)
	}
	var vocab map[string]int
	if err := json.Unmarshal(raw, &vocab); err != nil {
		return nil, fmt.Errorf("parse vocab %s: %w", vocabPath, err)
	}

	var merges []string
	if mergesPath != "" {
		raw, err := os.ReadFile(mergesPath)
		if err != nil {
			return nil, fmt.Errorf("read merges: %w", err)
		}
		merges = strings.Split(string(raw), "\n")
	}

	_, fallback := vocab[byteToken(0)]
	return NewBPE(BPEConfig{
		Vocab:     vocab,
		Merges:    merges,
		ByteLevel: !fallback,
		UnkToken:  "<UNK>",
	})
}

type hfTokenizerJSON struct {
	Model struct {
		Type         string         `json:"type"`
		Vocab        map[string]int `json:"vocab"`
		Merges       []any          `json:"merges"`
		IgnoreMerges bool           `json:"ignore_merges"`
		ByteFallback bool           `json:"byte_fallback"`
		UnkToken     string         `json:"unk_token"`
	} `json:"model"`
	PreTokenizer hfPreTokenizer `json:"pre_tokenizer"`
	AddedTokens  []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
}

type hfPreTokenizer struct {
	Type          string `json:"type"`
	Pretokenizers []struct {
		Type    string `json:"type"`
		Pattern struct {
			Regex string `json:"Regex"`
		} `json:"pattern"`
	} `json:"pretokenizers"`
}

// pattern returns the first Split regex of a Sequence pre-tokenizer.
func (p hfPreTokenizer) pattern() string {
	if p.Type != "Sequence" {
		return ""
	}
	for _, sub := range p.Pretokenizers {
		if sub.Type == "Split" && sub.Pattern.Regex != "" {
			return sub.Pattern.Regex
		}
	}
	return ""
}

// LoadHFTokenizer reads a Hugging Face tokenizer.json with a BPE model.
func LoadHFTokenizer(path string) (*BPETokenizer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseHFTokenizer(raw)
}

func ParseHFTokenizer(raw []byte) (*BPETokenizer, error) {
	var tj hfTokenizerJSON
	if err := json.Unmarshal(raw, &tj); err != nil {
		return nil, fmt.Errorf("parse tokenizer.json: %w", err)
	}
	if !strings.EqualFold(tj.Model.Type, "BPE") {
		return nil, fmt.Errorf("unsupported tokenizer model: %q", tj.Model.Type)
	}

	vocab := make(map[string]int, len(tj.Model.Vocab)+len(tj.AddedTokens))
	for tok, id := range tj.Model.Vocab {
		vocab[tok] = id
	}
	for _, at := range tj.AddedTokens {
		vocab[at.Content] = at.ID
	}

	merges := make([]string, 0, len(tj.Model.Merges))
	for _, m := range tj.Model.Merges {
		switch v := m.(type) {
		case string:
			merges = append(merges, v)
		case []any:
			if len(v) != 2 {
				continue
			}
			a, aok := v[0].(string)
			b, bok := v[1].(string)
			if aok && bok {
				merges = append(merges, a+" "+b)
			}
		}
	}

	return NewBPE(BPEConfig{
		Vocab:        vocab,
		Merges:       merges,
		ByteLevel:    !tj.Model.ByteFallback,
		Pattern:      tj.PreTokenizer.pattern(),
		UnkToken:     tj.Model.UnkToken,
		IgnoreMerges: tj.Model.IgnoreMerges,
	})
}
