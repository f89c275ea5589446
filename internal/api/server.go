package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/samcharles93/cinder/internal/inference"
	"github.com/samcharles93/cinder/internal/logger"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

type ServerConfig struct {
	Engine    *inference.Engine
	Tokenizer tokenizer.Tokenizer
	Defaults  inference.GenDefaults
	Logger    logger.Logger
	// RequestTimeout bounds a whole generation. Zero means no limit beyond
	// the client connection.
	RequestTimeout time.Duration
	// Gatherer backs GET /metrics. Nil disables the route.
	Gatherer prometheus.Gatherer
	// WebUI, when set, is served at GET /.
	WebUI http.Handler
	// Mode applies to requests that omit emission_mode. The zero value
	// makes the field mandatory.
	Mode inference.EmissionMode
}

// Server exposes an Engine over HTTP. Every request runs one session, and
// the session lives exactly as long as the request context.
type Server struct {
	engine   *inference.Engine
	tok      tokenizer.Tokenizer
	defaults inference.GenDefaults
	log      logger.Logger
	timeout  time.Duration
	gatherer prometheus.Gatherer
	mode     inference.EmissionMode
	webUI    http.Handler
}

func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if cfg.Tokenizer == nil {
		return nil, errors.New("tokenizer is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		engine:   cfg.Engine,
		tok:      cfg.Tokenizer,
		defaults: cfg.Defaults,
		log:      log,
		timeout:  cfg.RequestTimeout,
		gatherer: cfg.Gatherer,
		webUI:    cfg.WebUI,
		mode:     cfg.Mode,
	}, nil
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/healthz", s.handleHealth)
	if s.gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.webUI != nil {
		e.GET("/", echo.WrapHandler(s.webUI))
	}
}

func (s *Server) handleHealth(c *echo.Context) error {
	cfg := s.engine.Config()
	return writeJSON(c, http.StatusOK, HealthResponse{
		Status:    "ok",
		Layers:    cfg.Layers,
		Vocab:     cfg.Vocab,
		MaxSeqLen: cfg.MaxSeqLen,
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, "invalid JSON body")
	}
	sessReq, err := s.sessionRequest(req)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	ctx := c.Request().Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sess, tokens, err := s.engine.Generate(ctx, req.Prompt, sessReq, s.tok)
	if err != nil {
		return writeEngineError(c, err)
	}
	// A handler that returns early must not leave the session running.
	defer sess.Cancel()

	if req.Stream {
		return s.stream(c, sess, tokens)
	}

	for range tokens {
	}
	res, runErr := sess.Wait()
	if runErr != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", runErr.Error(), "", "")
	}
	text, err := s.tok.Decode(res.Generated)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}
	return writeJSON(c, http.StatusOK, newGenerateResponse(res, text))
}

func (s *Server) stream(c *echo.Context, sess *inference.Session, tokens <-chan int) error {
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		sess.Cancel()
		_, _ = sess.Wait()
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), "", "")
	}

	dec := tokenizer.NewStreamDecoder(s.tok)
	index := 0
	for id := range tokens {
		text, err := dec.Push(id)
		if err != nil {
			sess.Cancel()
			_, _ = sess.Wait()
			return w.Failed(sess.ID(), err)
		}
		if err := w.Token(TokenEvent{ID: sess.ID(), Index: index, Token: id, Text: text}); err != nil {
			// The client is gone; cancelling stops the session before its
			// next forward pass.
			sess.Cancel()
			_, _ = sess.Wait()
			s.log.Debug("stream write failed", "session", sess.ID(), "error", err)
			return nil
		}
		index++
	}

	res, runErr := sess.Wait()
	if c.Request().Context().Err() != nil {
		return nil
	}
	if runErr != nil {
		return w.Failed(sess.ID(), runErr)
	}
	tail, _ := dec.Flush()
	full, err := s.tok.Decode(res.Generated)
	if err != nil {
		return w.Failed(sess.ID(), err)
	}
	return w.Done(DoneEvent{
		GenerateResponse: newGenerateResponse(res, full),
		TailText:         tail,
	})
}

// sessionRequest resolves body overrides against the model defaults.
func (s *Server) sessionRequest(req GenerateRequest) (inference.SessionRequest, error) {
	opts := inference.RequestOptions{
		MaxNewTokens:      req.MaxNewTokens,
		MaxInputTokens:    req.MaxInputTokens,
		Seed:              req.Seed,
		Temperature:       req.Temperature,
		TopK:              req.TopK,
		TopP:              req.TopP,
		RepetitionPenalty: req.RepetitionPenalty,
		RepeatLastN:       req.RepeatLastN,
		Buffer:            req.Buffer,
	}
	switch {
	case req.EmissionMode != "":
		mode, err := inference.ParseEmissionMode(req.EmissionMode)
		if err != nil {
			return inference.SessionRequest{}, newInvalidRequest(err.Error())
		}
		opts.Mode = &mode
	case s.mode.Valid():
		mode := s.mode
		opts.Mode = &mode
	default:
		return inference.SessionRequest{}, newInvalidRequest("emission_mode is required")
	}
	if len(req.Stop) > 0 {
		ids, err := inference.BuildStopTokens(s.tok, req.Stop)
		if err != nil {
			return inference.SessionRequest{}, newInvalidRequest(err.Error())
		}
		opts.StopTokens = ids
	}
	return inference.ResolveRequest(opts, s.defaults), nil
}
