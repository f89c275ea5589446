package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/cinder/internal/inference"
	"github.com/samcharles93/cinder/internal/logger"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

func benchCmd() *cli.Command {
	var (
		sampling  samplingOptions
		sessions  int64
		prompt    string
		skipCheck bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags, sampling.flags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "sessions",
			Aliases:     []string{"j"},
			Usage:       "number of concurrent sessions",
			Value:       8,
			Destination: &sessions,
		},
		&cli.StringFlag{
			Name:        "prompt",
			Aliases:     []string{"p"},
			Usage:       "prompt text; each session appends its index",
			Value:       "Once upon a time",
			Destination: &prompt,
		},
		&cli.BoolFlag{
			Name:        "skip-isolation-check",
			Usage:       "do not replay sessions one at a time to compare outputs",
			Destination: &skipCheck,
		},
	)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Run concurrent sessions against one model and check they stay isolated",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if sessions < 1 {
				return cli.Exit("error: --sessions must be >= 1", 1)
			}

			engine, loaded, err := loadEngine(cmd, log)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			opts, err := sampling.requestOptions(cmd, fileConfig, loaded.Tokenizer)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if opts.Seed == nil {
				seed := int64(42)
				opts.Seed = &seed
			}
			reqs, err := benchRequests(loaded.Tokenizer, prompt, int(sessions), inference.ResolveRequest(opts, loaded.GenerationDefaults))
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			cfg := engine.Config()
			fmt.Println("=== Cinder Benchmark ===")
			fmt.Printf("Model:      %d layers, %d heads, n_embd %d, ctx %d\n", cfg.Layers, cfg.Heads, cfg.Embd, cfg.MaxSeqLen)
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Sessions:   %d\n", sessions)
			fmt.Printf("Max new:    %d tokens\n", reqs[0].MaxNewTokens)
			fmt.Printf("Mode:       %s\n", reqs[0].Mode)
			fmt.Println()

			var reference []inference.Result
			if !skipCheck {
				log.Info("replaying sessions one at a time", "sessions", len(reqs))
				reference = make([]inference.Result, len(reqs))
				for i, req := range reqs {
					res, err := benchSessions(ctx, engine, []inference.SessionRequest{req}, nil)
					if err != nil {
						return cli.Exit(fmt.Sprintf("error: reference session %d: %v", i, err), 1)
					}
					reference[i] = res[0]
				}
			}

			total := 0
			for _, req := range reqs {
				total += req.MaxNewTokens + 1
			}
			bar := progressbar.NewOptions(total,
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("Generating"),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("tok"),
				progressbar.OptionSetTheme(progressbar.Theme{
					Saucer:        "=",
					SaucerHead:    ">",
					SaucerPadding: " ",
					BarStart:      "[",
					BarEnd:        "]",
				}),
			)
			start := time.Now()
			results, err := benchSessions(ctx, engine, reqs, func() { _ = bar.Add(1) })
			elapsed := time.Since(start)
			_ = bar.Finish()
			_, _ = fmt.Fprintln(os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-8s %10s %10s %10s %-14s %s\n", "Session", "Prompt", "Tokens", "tok/s", "Reason", "Isolated")
			generated := 0
			mismatches := 0
			for i, res := range results {
				isolated := "-"
				if reference != nil {
					isolated = "yes"
					if !slices.Equal(reference[i].Generated, res.Generated) {
						isolated = "NO"
						mismatches++
					}
				}
				generated += res.Stats.TokensGenerated
				fmt.Printf("%-8d %10d %10d %10.2f %-14s %s\n",
					i, res.PromptTokens, res.Stats.TokensGenerated, res.Stats.TPS, res.Reason, isolated)
			}
			fmt.Printf("\nAggregate: %d tokens in %s (%.2f tok/s)\n",
				generated, elapsed.Round(time.Millisecond), float64(generated)/elapsed.Seconds())

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("Memory: %.1f MB alloc, %.1f MB sys\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024))

			if mismatches > 0 {
				return cli.Exit(fmt.Sprintf("error: %d sessions diverged when run concurrently", mismatches), 1)
			}
			return nil
		},
	}
}

// benchRequests derives one request per session from base, each with its own
// prompt suffix and seed.
func benchRequests(tok tokenizer.Tokenizer, prompt string, n int, base inference.SessionRequest) ([]inference.SessionRequest, error) {
	reqs := make([]inference.SessionRequest, n)
	for i := range reqs {
		ids, err := tok.Encode(fmt.Sprintf("%s [%d]", prompt, i))
		if err != nil {
			return nil, fmt.Errorf("encode prompt %d: %w", i, err)
		}
		req := base
		req.PromptIDs = ids
		req.Seed = base.Seed + int64(i)
		reqs[i] = req
	}
	return reqs, nil
}

// benchSessions runs reqs concurrently and returns their results in request
// order. onToken, when set, is called for every token received.
func benchSessions(ctx context.Context, e *inference.Engine, reqs []inference.SessionRequest, onToken func()) ([]inference.Result, error) {
	results := make([]inference.Result, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			sess, tokens, err := e.StartSession(gctx, req)
			if err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			for range tokens {
				if onToken != nil {
					onToken()
				}
			}
			res, err := sess.Wait()
			if err != nil {
				return fmt.Errorf("session %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
