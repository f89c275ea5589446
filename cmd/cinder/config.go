package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/cinder/internal/inference"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

// Config represents the cinder configuration file (~/.config/cinder/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelConfig      string `yaml:"model_config"`
	GenerationConfig string `yaml:"generation_config"`
	Tokenizer        string `yaml:"tokenizer"`
	Vocab            string `yaml:"vocab"`
	Merges           string `yaml:"merges"`
	WeightSeed       *int64 `yaml:"weight_seed"`
	MaxContext       *int64 `yaml:"max_context"`

	// Sampling defaults
	Temperature       *float64 `yaml:"temperature"`
	TopK              *int64   `yaml:"top_k"`
	TopP              *float64 `yaml:"top_p"`
	RepetitionPenalty *float64 `yaml:"repetition_penalty"`
	RepeatLastN       *int64   `yaml:"repeat_last_n"`
	MaxNewTokens      *int64   `yaml:"max_new_tokens"`
	MaxInputTokens    *int64   `yaml:"max_input_tokens"`
	Seed              *int64   `yaml:"seed"`
	EmissionMode      string   `yaml:"emission_mode"`
	Buffer            *int64   `yaml:"buffer"`
	Stop              []string `yaml:"stop"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress  string         `yaml:"server_address"`
	RequestTimeout *time.Duration `yaml:"request_timeout"`
	MaxSessions    *int64         `yaml:"max_sessions"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cinder", "config.yaml")
}

// loadConfig reads path, or the default location when path is empty. A
// missing default file yields a zero Config; a missing explicit file is an
// error.
func loadConfig(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = configPath()
		if path == "" {
			return Config{}, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func isSet(c *cli.Command, names ...string) bool {
	for _, n := range names {
		if c.IsSet(n) {
			return true
		}
	}
	return false
}

// applyModelConfig applies config file defaults to the model flags when the
// corresponding CLI flag was not explicitly set.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelConfig != "" && !isSet(c, "model-config") {
		modelConfigPath = cfg.ModelConfig
	}
	if cfg.GenerationConfig != "" && !isSet(c, "generation-config") {
		genConfigPath = cfg.GenerationConfig
	}
	if cfg.Tokenizer != "" && !isSet(c, "tokenizer") {
		tokenizerPath = cfg.Tokenizer
	}
	if cfg.Vocab != "" && !isSet(c, "vocab") {
		vocabPath = cfg.Vocab
	}
	if cfg.Merges != "" && !isSet(c, "merges") {
		mergesPath = cfg.Merges
	}
	if cfg.WeightSeed != nil && !isSet(c, "weight-seed") {
		weightSeed = *cfg.WeightSeed
	}
	if cfg.MaxContext != nil && !isSet(c, "max-context") {
		maxContext = *cfg.MaxContext
	}
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !isSet(c, "log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !isSet(c, "log-format") {
		logFormat = cfg.LogFormat
	}
}

// requestOptions builds session overrides from explicitly set flags, falling
// back to the config file. Anything left unset resolves to the model's
// generation defaults and then to the engine defaults.
func (o *samplingOptions) requestOptions(c *cli.Command, cfg Config, tok tokenizer.Tokenizer) (inference.RequestOptions, error) {
	var opts inference.RequestOptions

	intOpt := func(v int64, fromFile *int64, names ...string) *int {
		switch {
		case isSet(c, names...):
			n := int(v)
			return &n
		case fromFile != nil:
			n := int(*fromFile)
			return &n
		}
		return nil
	}
	floatOpt := func(v float64, fromFile *float64, names ...string) *float64 {
		switch {
		case isSet(c, names...):
			return &v
		case fromFile != nil:
			f := *fromFile
			return &f
		}
		return nil
	}

	opts.MaxNewTokens = intOpt(o.maxNewTokens, cfg.MaxNewTokens, "max-new-tokens")
	opts.MaxInputTokens = intOpt(o.maxInputTokens, cfg.MaxInputTokens, "max-input-tokens")
	opts.TopK = intOpt(o.topK, cfg.TopK, "top-k")
	opts.RepeatLastN = intOpt(o.repeatLastN, cfg.RepeatLastN, "repeat-last-n")
	opts.Buffer = intOpt(o.buffer, cfg.Buffer, "buffer")
	opts.Temperature = floatOpt(o.temperature, cfg.Temperature, "temperature")
	opts.TopP = floatOpt(o.topP, cfg.TopP, "top-p")
	opts.RepetitionPenalty = floatOpt(o.repetitionPenalty, cfg.RepetitionPenalty, "repetition-penalty")

	seed := o.seed
	if !isSet(c, "seed") && cfg.Seed != nil {
		seed = *cfg.Seed
	}
	if seed >= 0 {
		opts.Seed = &seed
	}

	modeName := o.emissionMode
	if !isSet(c, "emission-mode") && cfg.EmissionMode != "" {
		modeName = cfg.EmissionMode
	}
	mode, err := inference.ParseEmissionMode(modeName)
	if err != nil {
		return opts, err
	}
	opts.Mode = &mode

	stops := o.stop
	if !isSet(c, "stop") && len(cfg.Stop) > 0 {
		stops = cfg.Stop
	}
	if len(stops) > 0 {
		ids, err := inference.BuildStopTokens(tok, stops)
		if err != nil {
			return opts, err
		}
		opts.StopTokens = ids
	}
	return opts, nil
}
