package inference

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/samcharles93/cinder/internal/logger"
	"github.com/samcharles93/cinder/internal/metrics"
	"github.com/samcharles93/cinder/internal/model"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

// Engine starts generation sessions against one shared, read-only model.
// Every session owns its caches, history and sampler; the model weights are
// the only thing sessions have in common.
type Engine struct {
	model   model.Model
	cfg     model.Config
	log     logger.Logger
	metrics *metrics.Metrics
	sem     *semaphore.Weighted
	newID   func() string
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxSessions bounds the number of sessions decoding at once.
// StartSession blocks until a slot is free or its context is done.
func WithMaxSessions(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func withIDFunc(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

func NewEngine(m model.Model, opts ...Option) (*Engine, error) {
	if m == nil {
		return nil, errors.New("model is required")
	}
	cfg := m.Config()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		model: m,
		cfg:   cfg,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Default()
	}
	return e, nil
}

func (e *Engine) Config() model.Config { return e.cfg }

// StartSession validates req, allocates the session caches and starts the
// decode loop on its own goroutine. The returned channel is closed when the
// session reaches a terminal state.
//
// Cancelling ctx, or calling Cancel, is treated as the consumer going away:
// the session stops before its next forward pass and ends Aborted.
func (e *Engine) StartSession(ctx context.Context, req SessionRequest) (*Session, <-chan int, error) {
	if ctx == nil {
		return nil, nil, fmt.Errorf("context is required")
	}
	if err := e.validate(req); err != nil {
		return nil, nil, err
	}

	caches, err := model.NewCaches(e.cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate kv caches: %w", err)
	}

	out := make(chan int, e.bufferSize(req))

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     e.newID(),
		engine: e,
		req:    req,
		caches: caches,
		out:    out,
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: cancel,
	}
	s.log = e.log.With("session", s.id)
	s.state.Store(int32(StateIdle))

	e.metrics.SessionStarted()
	go s.run()
	return s, s.out, nil
}

// Cancel stops s. It is idempotent and safe after the session has ended.
func (e *Engine) Cancel(s *Session) {
	if s != nil {
		s.Cancel()
	}
}

// Generate encodes text with tok and starts a session for it.
func (e *Engine) Generate(ctx context.Context, text string, req SessionRequest, tok tokenizer.Tokenizer) (*Session, <-chan int, error) {
	if tok == nil {
		return nil, nil, fmt.Errorf("tokenizer is required")
	}
	ids, err := safeEncode(tok, text)
	if err != nil {
		return nil, nil, fmt.Errorf("encode prompt: %w", err)
	}
	req.PromptIDs = ids
	return e.StartSession(ctx, req)
}

func (e *Engine) validate(req SessionRequest) error {
	if !req.Mode.Valid() {
		return invalidRequest("emission mode must be set explicitly")
	}
	if err := req.Params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if req.MaxNewTokens < 0 {
		return invalidRequest("max_new_tokens must be >= 0, got %d", req.MaxNewTokens)
	}
	if req.MaxInputTokens < 0 {
		return invalidRequest("max_input_tokens must be >= 0, got %d", req.MaxInputTokens)
	}
	if req.Buffer < 0 {
		return invalidRequest("buffer must be >= 0, got %d", req.Buffer)
	}
	if limit := e.cfg.MaxSeqLen + 1; req.Buffer > limit {
		return invalidRequest("buffer must be <= %d, got %d", limit, req.Buffer)
	}
	for _, id := range req.PromptIDs {
		if id < 0 || id >= e.cfg.Vocab {
			return invalidRequest("prompt token %d outside vocabulary of %d", id, e.cfg.Vocab)
		}
	}
	return nil
}

// bufferSize is the channel capacity for req. A session emits at most
// min(MaxNewTokens, MaxSeqLen)+1 tokens, so the drop-mode default never
// needs to exceed that.
func (e *Engine) bufferSize(req SessionRequest) int {
	if req.Buffer > 0 || req.Mode != EmitDropOnFull {
		return req.Buffer
	}
	return min(req.MaxNewTokens, e.cfg.MaxSeqLen) + 1
}
