package inference

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/samcharles93/cinder/internal/kvcache"
	"github.com/samcharles93/cinder/internal/logger"
	"github.com/samcharles93/cinder/internal/logits"
	"github.com/samcharles93/cinder/internal/metrics"
)

// Session is the handle for one running generation.
type Session struct {
	id     string
	engine *Engine
	req    SessionRequest
	caches *kvcache.Set
	log    logger.Logger

	out    chan int
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	state  atomic.Int32

	mu      sync.Mutex
	history []int

	// Written by run before done is closed.
	result Result
	err    error
}

func (s *Session) ID() string { return s.id }

// Tokens returns the output channel also returned by StartSession.
func (s *Session) Tokens() <-chan int { return s.out }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is terminal and its channel closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cancel signals the session to stop. It is idempotent.
func (s *Session) Cancel() { s.cancel() }

// History returns a copy of every token the session has seen: the kept
// prompt window followed by the emitted tokens.
func (s *Session) History() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history)
}

// Wait blocks until the session ends. The error is non-nil only for
// StateFailed; a consumer that went away is reported in Result.Reason.
func (s *Session) Wait() (Result, error) {
	<-s.done
	return s.result, s.err
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) appendHistory(ids ...int) {
	s.mu.Lock()
	s.history = append(s.history, ids...)
	s.mu.Unlock()
}

func (s *Session) run() {
	e := s.engine
	start := time.Now()
	res := Result{SessionID: s.id}

	defer func() {
		s.cancel()
		res.Stats.Duration = time.Since(start)
		if secs := res.Stats.Duration.Seconds(); secs > 0 {
			res.Stats.TPS = float64(res.Stats.TokensGenerated) / secs
		}
		res.State = s.State()
		s.result = res
		close(s.out)
		if e.sem != nil {
			e.sem.Release(1)
		}
		e.metrics.SessionFinished(string(res.Reason))
		s.logFinish(res)
		close(s.done)
	}()

	finish := func(st State, reason StopReason, err error) {
		s.setState(st)
		res.Reason = reason
		s.err = err
	}

	prompt := s.req.PromptIDs
	if len(prompt) == 0 {
		finish(StateFinished, StopEmptyPrompt, nil)
		return
	}

	limit := e.cfg.MaxSeqLen
	if n := s.req.MaxInputTokens; n > 0 && n < limit {
		limit = n
	}
	if len(prompt) > limit {
		res.Truncated = len(prompt) - limit
		prompt = prompt[len(prompt)-limit:]
	}
	res.PromptTokens = len(prompt)
	s.appendHistory(prompt...)
	s.log.Debug("session started",
		"prompt_tokens", len(prompt),
		"truncated", res.Truncated,
		"prompt_hash", promptHash(prompt),
		"max_new_tokens", s.req.MaxNewTokens,
		"mode", s.req.Mode.String(),
	)

	sampler, err := logits.NewSampler(logits.SamplerConfig{Params: s.req.Params, Seed: s.req.Seed})
	if err != nil {
		finish(StateFailed, StopError, err)
		return
	}

	s.setState(StatePrefilling)
	prefillStart := time.Now()
	vec, err := s.forward(prompt, metrics.PhasePrefill, 0)
	res.Stats.PrefillDuration = time.Since(prefillStart)
	if err != nil {
		s.fail(finish, err)
		return
	}

	tokens := slices.Clone(prompt)
	next, err := safeSample(sampler, vec, tokens)
	if err != nil {
		finish(StateFailed, StopError, fmt.Errorf("sample first token: %w", err))
		return
	}

	s.setState(StateDecoding)
	decodeStart := time.Now()
	defer func() { res.Stats.DecodeDuration = time.Since(decodeStart) }()

	for step := 0; ; step++ {
		if slices.Contains(s.req.StopTokens, next) {
			finish(StateFinished, StopToken, nil)
			return
		}
		if ok, reason := s.emit(next); !ok {
			finish(StateAborted, reason, nil)
			return
		}
		tokens = append(tokens, next)
		s.appendHistory(next)
		res.Generated = append(res.Generated, next)
		res.Stats.TokensGenerated++

		if step >= s.req.MaxNewTokens {
			finish(StateFinished, StopMaxTokens, nil)
			return
		}
		if len(tokens) >= e.cfg.MaxSeqLen {
			finish(StateFinished, StopContextFull, nil)
			return
		}

		vec, err = s.forward([]int{next}, metrics.PhaseDecode, step+1)
		if err != nil {
			s.fail(finish, err)
			return
		}
		next, err = safeSample(sampler, vec, tokens)
		if err != nil {
			finish(StateFailed, StopError, fmt.Errorf("sample step %d: %w", step+1, err))
			return
		}
	}
}

// fail classifies a forward error: a cancelled session context means the
// consumer left, anything else is fatal.
func (s *Session) fail(finish func(State, StopReason, error), err error) {
	if s.ctx.Err() != nil && errors.Is(err, s.ctx.Err()) {
		finish(StateAborted, StopCancelled, nil)
		return
	}
	finish(StateFailed, StopError, err)
}

func (s *Session) forward(ids []int, phase string, step int) ([]float32, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	t0 := time.Now()
	vec, err := safeForward(s.ctx, s.engine.model, ids, s.caches)
	s.engine.metrics.ObserveForward(phase, time.Since(t0))
	if err != nil {
		if s.ctx.Err() != nil && errors.Is(err, s.ctx.Err()) {
			return nil, err
		}
		return nil, &ForwardPassError{Phase: phase, Step: step, Err: err}
	}
	if len(vec) != s.engine.cfg.Vocab {
		return nil, &ForwardPassError{
			Phase: phase,
			Step:  step,
			Err:   fmt.Errorf("model returned %d logits, vocab is %d", len(vec), s.engine.cfg.Vocab),
		}
	}
	return vec, nil
}

// emit hands tok to the consumer according to the session mode.
func (s *Session) emit(tok int) (bool, StopReason) {
	if s.ctx.Err() != nil {
		return false, StopCancelled
	}
	switch s.req.Mode {
	case EmitDropOnFull:
		select {
		case s.out <- tok:
		default:
			return false, StopConsumerLagging
		}
	default:
		select {
		case s.out <- tok:
		case <-s.ctx.Done():
			return false, StopCancelled
		}
	}
	s.engine.metrics.TokenEmitted()
	return true, ""
}

func (s *Session) logFinish(res Result) {
	args := []any{
		"state", res.State.String(),
		"reason", string(res.Reason),
		"prompt_tokens", res.PromptTokens,
		"generated", res.Stats.TokensGenerated,
		"duration", res.Stats.Duration,
	}
	if s.err != nil {
		s.log.Error("session failed", append(args, "error", s.err)...)
		return
	}
	s.log.Info("session finished", args...)
}

// promptHash fingerprints prompt ids so logs can correlate identical
// prompts without printing them.
func promptHash(ids []int) uint64 {
	d := xxhash.New()
	var buf [8]byte
	for _, id := range ids {
		binary.LittleEndian.PutUint64(buf[:], uint64(id))
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}
