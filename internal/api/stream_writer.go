package api

import (
	"fmt"
	"io"

	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes generation events as server-sent events. Token
// events are unnamed; the closing event is named "done" or "error" and is
// followed by a literal [DONE] sentinel.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	begun   bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
	}, nil
}

// Started reports whether any bytes have been written, after which errors
// can no longer be sent as a JSON body.
func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) Token(ev TokenEvent) error {
	return s.send("", ev)
}

func (s *SSEStreamWriter) Done(ev DoneEvent) error {
	if err := s.send("done", ev); err != nil {
		return err
	}
	return s.sentinel()
}

func (s *SSEStreamWriter) Failed(id string, err error) error {
	payload := map[string]any{
		"id": id,
		"error": ResponseError{
			Message: err.Error(),
			Type:    "server_error",
		},
	}
	if err := s.send("error", payload); err != nil {
		return err
	}
	return s.sentinel()
}

func (s *SSEStreamWriter) send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.begun = true
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEStreamWriter) sentinel() error {
	if _, err := io.WriteString(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *SSEStreamWriter) flush() {
	if s.flusher != nil {
		s.flusher()
	}
}
