package model

import (
	"errors"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// ErrInvalidConfig is returned by Validate for unusable model geometry.
var ErrInvalidConfig = errors.New("invalid model config")

const (
	defaultRopeTheta = 10000.0
	defaultNormEps   = 1e-5
)

// Config describes the model geometry. Field names follow config.json.
type Config struct {
	Layers    int `json:"n_layer"`
	Heads     int `json:"n_head"`
	Embd      int `json:"n_embd"`
	Vocab     int `json:"vocab_size"`
	MaxSeqLen int `json:"max_seq_len"`

	RopeTheta float64 `json:"rope_theta,omitempty"`
	NormEps   float32 `json:"norm_eps,omitempty"`
	// FFNMult scales the hidden width of the feed-forward block. Defaults to 4.
	FFNMult int `json:"ffn_mult,omitempty"`
}

// DefaultConfig is the geometry used when no config.json is supplied: a
// small randomly initialised model over the byte vocabulary.
func DefaultConfig() Config {
	return Config{
		Layers:    4,
		Heads:     4,
		Embd:      128,
		Vocab:     256,
		MaxSeqLen: 2048,
	}.withDefaults()
}

// HeadDim returns Embd / Heads.
func (c Config) HeadDim() int {
	if c.Heads == 0 {
		return 0
	}
	return c.Embd / c.Heads
}

func (c Config) Validate() error {
	var errs []error
	check := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, v))
		}
	}
	check("n_layer", c.Layers)
	check("n_head", c.Heads)
	check("n_embd", c.Embd)
	check("vocab_size", c.Vocab)
	check("max_seq_len", c.MaxSeqLen)
	if c.FFNMult < 0 {
		errs = append(errs, fmt.Errorf("ffn_mult must be >= 0, got %d", c.FFNMult))
	}
	if c.Heads > 0 && c.Embd > 0 {
		if c.Embd%c.Heads != 0 {
			errs = append(errs, fmt.Errorf("n_embd %d is not divisible by n_head %d", c.Embd, c.Heads))
		} else if c.HeadDim()%2 != 0 {
			errs = append(errs, fmt.Errorf("head dim %d must be even for rotary embeddings", c.HeadDim()))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.RopeTheta == 0 {
		c.RopeTheta = defaultRopeTheta
	}
	if c.NormEps == 0 {
		c.NormEps = defaultNormEps
	}
	if c.FFNMult == 0 {
		c.FFNMult = 4
	}
	return c
}

// ParseConfig decodes and validates a config.json document.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse model config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// LoadConfig reads a config.json file from path.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read model config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
