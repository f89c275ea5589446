package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/cinder/internal/inference"
	"github.com/samcharles93/cinder/internal/logger"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

func generateCmd() *cli.Command {
	var (
		sampling samplingOptions
		prompt   string
		stats    bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, sampling.flags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text (default: read stdin when it is not a terminal)",
			Destination: &prompt,
		},
		&cli.BoolFlag{
			Name:        "stats",
			Usage:       "print timing statistics to stderr",
			Value:       true,
			Destination: &stats,
		},
	)

	return &cli.Command{
		Name:    "generate",
		Aliases: []string{"run", "gen"},
		Usage:   "Stream generated text for a prompt to stdout",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			if prompt == "" && !isTerminal(os.Stdin) {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read prompt: %v", err), 1)
				}
				prompt = strings.TrimRight(string(b), "\r\n")
			}

			engine, loaded, err := loadEngine(cmd, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			opts, err := sampling.requestOptions(cmd, fileConfig, loaded.Tokenizer)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			req := inference.ResolveRequest(opts, loaded.GenerationDefaults)

			res, err := streamGeneration(ctx, os.Stdout, engine, loaded.Tokenizer, prompt, req)
			if isTerminal(os.Stdout) {
				fmt.Println()
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: generate: %v", err), 1)
			}
			if stats {
				printStats(os.Stderr, res)
			}
			return nil
		},
	}
}

// streamGeneration runs one session and writes its text to w as tokens
// arrive. Bytes of an incomplete rune are written once the rune completes,
// or at the end of the stream.
func streamGeneration(ctx context.Context, w io.Writer, e *inference.Engine, tok tokenizer.Tokenizer, prompt string, req inference.SessionRequest) (inference.Result, error) {
	sess, tokens, err := e.Generate(ctx, prompt, req, tok)
	if err != nil {
		return inference.Result{}, err
	}
	defer sess.Cancel()

	abort := func(err error) (inference.Result, error) {
		sess.Cancel()
		res, _ := sess.Wait()
		return res, err
	}

	dec := tokenizer.NewStreamDecoder(tok)
	for id := range tokens {
		text, err := dec.Push(id)
		if err != nil {
			return abort(fmt.Errorf("decode token %d: %w", id, err))
		}
		if _, err := io.WriteString(w, text); err != nil {
			return abort(fmt.Errorf("write output: %w", err))
		}
	}

	res, err := sess.Wait()
	if tail, flushErr := dec.Flush(); flushErr == nil && tail != "" {
		_, _ = io.WriteString(w, tail)
	}
	return res, err
}

func printStats(w io.Writer, res inference.Result) {
	_, _ = fmt.Fprintf(w, "\n--- %s ---\n", res.SessionID)
	_, _ = fmt.Fprintf(w, "state:     %s (%s)\n", res.State, res.Reason)
	_, _ = fmt.Fprintf(w, "prompt:    %d tokens", res.PromptTokens)
	if res.Truncated > 0 {
		_, _ = fmt.Fprintf(w, " (%d truncated)", res.Truncated)
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "generated: %d tokens\n", res.Stats.TokensGenerated)
	_, _ = fmt.Fprintf(w, "prefill:   %s\n", res.Stats.PrefillDuration.Round(time.Microsecond))
	_, _ = fmt.Fprintf(w, "decode:    %s\n", res.Stats.DecodeDuration.Round(time.Microsecond))
	_, _ = fmt.Fprintf(w, "speed:     %.2f tok/s\n", res.Stats.TPS)
}

// loadEngine builds the reference model from the model flags and wraps it in
// an engine.
func loadEngine(cmd *cli.Command, log logger.Logger, opts ...inference.Option) (*inference.Engine, *inference.LoadResult, error) {
	applyModelConfig(cmd, fileConfig)

	start := time.Now()
	loader := inference.Loader{
		ConfigPath:           modelConfigPath,
		GenerationConfigPath: genConfigPath,
		TokenizerPath:        tokenizerPath,
		VocabPath:            vocabPath,
		MergesPath:           mergesPath,
		Seed:                 weightSeed,
		MaxContext:           int(maxContext),
	}
	loaded, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	cfg := loaded.Model.Config()
	log.Debug("model ready",
		"n_layer", cfg.Layers,
		"n_head", cfg.Heads,
		"n_embd", cfg.Embd,
		"vocab_size", cfg.Vocab,
		"max_seq_len", cfg.MaxSeqLen,
		"load_time", time.Since(start),
	)

	engine, err := inference.NewEngine(loaded.Model, append([]inference.Option{inference.WithLogger(log)}, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return engine, loaded, nil
}
