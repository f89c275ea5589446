package inference

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/cinder/internal/model"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

// Loader builds the reference model and tokenizer. Checkpoint weights are not
// read: the transformer is initialised from Seed, as a randomly initialised
// model would be before training.
//
// The tokenizer is a BPE read from TokenizerPath (tokenizer.json) or from
// VocabPath and MergesPath, and the byte tokenizer otherwise. Without a
// ConfigPath the model vocabulary follows the tokenizer.
type Loader struct {
	// ConfigPath points at a config.json. Empty selects model.DefaultConfig.
	ConfigPath    string
	TokenizerPath string
	VocabPath     string
	MergesPath    string
	// GenerationConfigPath optionally points at a generation_config.json
	// supplying sampling defaults.
	GenerationConfigPath string
	Seed                 int64
	// MaxContext, when positive, caps the model context length.
	MaxContext int
}

type LoadResult struct {
	Model              *model.Transformer
	Tokenizer          tokenizer.Vocabulary
	GenerationDefaults GenDefaults
}

func (l Loader) Load() (*LoadResult, error) {
	cfg := model.DefaultConfig()
	if l.ConfigPath != "" {
		loaded, err := model.LoadConfig(l.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if l.MaxContext > 0 && l.MaxContext < cfg.MaxSeqLen {
		cfg.MaxSeqLen = l.MaxContext
	}

	tok, err := l.tokenizer()
	if err != nil {
		return nil, err
	}
	if l.ConfigPath == "" {
		cfg.Vocab = tok.VocabSize()
	} else if cfg.Vocab != tok.VocabSize() {
		return nil, fmt.Errorf("vocab_size %d does not match the tokenizer (%d)", cfg.Vocab, tok.VocabSize())
	}

	m, err := model.NewTransformer(cfg, l.Seed)
	if err != nil {
		return nil, err
	}

	var genDefaults GenDefaults
	if l.GenerationConfigPath != "" {
		genBytes, err := os.ReadFile(l.GenerationConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load generation config: %w", err)
		}
		genDefaults = parseGenerationDefaults(genBytes)
	}

	return &LoadResult{
		Model:              m,
		Tokenizer:          tok,
		GenerationDefaults: genDefaults,
	}, nil
}

func (l Loader) tokenizer() (tokenizer.Vocabulary, error) {
	switch {
	case l.TokenizerPath != "":
		tok, err := tokenizer.LoadHFTokenizer(l.TokenizerPath)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
		return tok, nil
	case l.VocabPath != "":
		tok, err := tokenizer.LoadBPEFiles(l.VocabPath, l.MergesPath)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
		return tok, nil
	case l.MergesPath != "":
		return nil, fmt.Errorf("merges file given without a vocab file")
	default:
		return tokenizer.ByteTokenizer{}, nil
	}
}

func parseGenerationDefaults(genBytes []byte) GenDefaults {
	type generationConfig struct {
		Temperature       *float64 `json:"temperature"`
		TopK              *int     `json:"top_k"`
		TopP              *float64 `json:"top_p"`
		RepetitionPenalty *float64 `json:"repetition_penalty"`
		MaxNewTokens      *int     `json:"max_new_tokens"`
	}
	if len(genBytes) == 0 {
		return GenDefaults{}
	}
	var cfg generationConfig
	if err := json.Unmarshal(genBytes, &cfg); err != nil {
		return GenDefaults{}
	}
	return GenDefaults(cfg)
}
