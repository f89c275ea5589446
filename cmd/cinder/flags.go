package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cinder/internal/inference"
)

var (
	modelConfigPath string
	genConfigPath   string
	tokenizerPath   string
	vocabPath       string
	mergesPath      string
	weightSeed      int64
	maxContext      int64
	configFile      string
	logLevel        string
	logFormat       string
	debug           bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model-config",
			Aliases:     []string{"config-json", "m"},
			Usage:       "path to config.json (default: built-in 4 layer byte model)",
			Destination: &modelConfigPath,
		},
		&cli.StringFlag{
			Name:        "generation-config",
			Usage:       "path to generation_config.json with sampling defaults",
			Destination: &genConfigPath,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "path to a BPE tokenizer.json (default: byte tokenizer)",
			Destination: &tokenizerPath,
		},
		&cli.StringFlag{
			Name:        "vocab",
			Usage:       "path to a BPE vocab.json, used with --merges",
			Destination: &vocabPath,
		},
		&cli.StringFlag{
			Name:        "merges",
			Usage:       "path to a BPE merges.txt",
			Destination: &mergesPath,
		},
		&cli.Int64Flag{
			Name:        "weight-seed",
			Usage:       "seed for the model weights",
			Value:       1,
			Destination: &weightSeed,
		},
		&cli.Int64Flag{
			Name:        "max-context",
			Aliases:     []string{"max-ctx", "ctx", "c"},
			Usage:       "cap the model context length (0 = model max_seq_len)",
			Destination: &maxContext,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "config",
			Usage:       "path to config.yaml (default: $XDG_CONFIG_HOME/cinder/config.yaml)",
			Destination: &configFile,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// samplingOptions holds the per-session flags shared by generate and bench.
type samplingOptions struct {
	maxNewTokens      int64
	maxInputTokens    int64
	temperature       float64
	topK              int64
	topP              float64
	repetitionPenalty float64
	repeatLastN       int64
	seed              int64
	emissionMode      string
	buffer            int64
	stop              []string
}

func (o *samplingOptions) flags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "max-new-tokens",
			Aliases:     []string{"n", "steps"},
			Usage:       "decode steps after the first token",
			Value:       inference.DefaultMaxNewTokens,
			Destination: &o.maxNewTokens,
		},
		&cli.Int64Flag{
			Name:        "max-input-tokens",
			Usage:       "keep at most this many of the most recent prompt tokens",
			Value:       inference.DefaultMaxInputTokens,
			Destination: &o.maxInputTokens,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Aliases:     []string{"temp", "t"},
			Usage:       "sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &o.temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Aliases:     []string{"top_k", "topk"},
			Usage:       "top-k cutoff (0 = disabled)",
			Value:       40,
			Destination: &o.topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Aliases:     []string{"top_p", "topp"},
			Usage:       "nucleus cutoff (1 = disabled)",
			Value:       0.95,
			Destination: &o.topP,
		},
		&cli.Float64Flag{
			Name:        "repetition-penalty",
			Aliases:     []string{"repeat-penalty", "repeat_penalty"},
			Usage:       "repetition penalty (1 = disabled)",
			Value:       1.1,
			Destination: &o.repetitionPenalty,
		},
		&cli.Int64Flag{
			Name:        "repeat-last-n",
			Aliases:     []string{"repeat_last_n"},
			Usage:       "penalise only the last n tokens (0 = whole history)",
			Destination: &o.repeatLastN,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "sampling RNG seed (-1 = random)",
			Value:       -1,
			Destination: &o.seed,
		},
		&cli.StringFlag{
			Name:        "emission-mode",
			Aliases:     []string{"mode"},
			Usage:       "token delivery when the consumer is slow (backpressure, drop)",
			Value:       "backpressure",
			Destination: &o.emissionMode,
		},
		&cli.Int64Flag{
			Name:        "buffer",
			Usage:       "token channel capacity (0 = mode default)",
			Destination: &o.buffer,
		},
		&cli.StringSliceFlag{
			Name:        "stop",
			Usage:       "stop when this single-token string is sampled (repeatable)",
			Destination: &o.stop,
		},
	}
}
