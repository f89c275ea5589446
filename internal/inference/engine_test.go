package inference

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/samcharles93/cinder/internal/kvcache"
	"github.com/samcharles93/cinder/internal/logger"
	"github.com/samcharles93/cinder/internal/logits"
	"github.com/samcharles93/cinder/internal/metrics"
	"github.com/samcharles93/cinder/internal/model"
	"github.com/samcharles93/cinder/internal/tokenizer"
)

// fakeModel appends zeroed positions to every cache layer and, by default,
// returns one-hot logits for (last id + 1) so greedy decoding counts upward.
type fakeModel struct {
	cfg model.Config

	// logits overrides the default one-hot output. call is 1-based.
	logits func(call int, ids []int) ([]float32, error)
	// grow is the number of cache positions appended per input id.
	grow int

	mu    sync.Mutex
	calls [][]int
}

func newFakeModel() *fakeModel {
	return &fakeModel{
		cfg:  model.Config{Layers: 2, Heads: 1, Embd: 2, Vocab: 32, MaxSeqLen: 16},
		grow: 1,
	}
}

func (m *fakeModel) Config() model.Config { return m.cfg }

func (m *fakeModel) Forward(_ context.Context, ids []int, caches *kvcache.Set) ([]float32, error) {
	m.mu.Lock()
	m.calls = append(m.calls, slices.Clone(ids))
	call := len(m.calls)
	m.mu.Unlock()

	n := len(ids) * m.grow * m.cfg.Heads * m.cfg.HeadDim()
	for l := 0; l < caches.Layers(); l++ {
		if err := caches.Layer(l).Update(make([]float32, n), make([]float32, n)); err != nil {
			return nil, err
		}
	}
	if m.logits != nil {
		return m.logits(call, ids)
	}
	out := make([]float32, m.cfg.Vocab)
	out[(ids[len(ids)-1]+1)%m.cfg.Vocab] = 10
	return out, nil
}

func (m *fakeModel) Calls() [][]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

func greedy() logits.Params {
	return logits.Params{Temperature: 0, TopP: 1, RepetitionPenalty: 1}
}

func newTestEngine(t *testing.T, m model.Model, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	e, err := NewEngine(m, opts...)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func collect(ch <-chan int) []int {
	var out []int
	for id := range ch {
		out = append(out, id)
	}
	return out
}

func run(t *testing.T, e *Engine, req SessionRequest) ([]int, Result, error) {
	t.Helper()
	s, ch, err := e.StartSession(context.Background(), req)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	got := collect(ch)
	res, err := s.Wait()
	return got, res, err
}

func TestEmptyPromptMakesNoForwardCall(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	e := newTestEngine(t, m)
	got, res, err := run(t, e, SessionRequest{Params: greedy(), MaxNewTokens: 5, Mode: EmitBackpressure})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no tokens, got %v", got)
	}
	if len(m.Calls()) != 0 {
		t.Fatalf("expected no forward calls, got %d", len(m.Calls()))
	}
	if res.State != StateFinished || res.Reason != StopEmptyPrompt {
		t.Fatalf("state=%v reason=%v", res.State, res.Reason)
	}
}

func TestZeroMaxNewTokensEmitsPrefillToken(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	e := newTestEngine(t, m)
	got, res, err := run(t, e, SessionRequest{PromptIDs: []int{1, 2}, Params: greedy(), Mode: EmitBackpressure})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{3}, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if res.State != StateFinished || res.Reason != StopMaxTokens {
		t.Fatalf("state=%v reason=%v", res.State, res.Reason)
	}
	if n := len(m.Calls()); n != 1 {
		t.Fatalf("expected only the prefill call, got %d", n)
	}
}

func TestDecodeLoopFeedsOneTokenPerStep(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	e := newTestEngine(t, m)
	s, ch, err := e.StartSession(context.Background(), SessionRequest{
		PromptIDs:    []int{4, 5, 6},
		Params:       greedy(),
		MaxNewTokens: 3,
		Mode:         EmitBackpressure,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(ch)
	res, err := s.Wait()
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]int{7, 8, 9, 10}, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	wantCalls := [][]int{{4, 5, 6}, {7}, {8}, {9}}
	if diff := cmp.Diff(wantCalls, m.Calls()); diff != "" {
		t.Fatalf("forward calls mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{4, 5, 6, 7, 8, 9, 10}, s.History()); diff != "" {
		t.Fatalf("history mismatch (-want +got):\n%s", diff)
	}
	if res.PromptTokens != 3 || res.Stats.TokensGenerated != 4 || !slices.Equal(res.Generated, got) {
		t.Fatalf("unexpected result: %+v", res)
	}
	if s.State() != StateFinished {
		t.Fatalf("State() = %v", s.State())
	}
}

func TestContextFullFinishes(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	e := newTestEngine(t, m)
	prompt := make([]int, 14)
	got, res, err := run(t, e, SessionRequest{PromptIDs: prompt, Params: greedy(), MaxNewTokens: 10, Mode: EmitBackpressure})
	if err != nil {
		t.Fatalf("reaching the context limit must not be an error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tokens before the context filled, got %v", got)
	}
	if res.State != StateFinished || res.Reason != StopContextFull {
		t.Fatalf("state=%v reason=%v", res.State, res.Reason)
	}
}

func TestPromptKeepsMostRecentTokens(t *testing.T) {
	t.Parallel()

	prompt := make([]int, 20)
	for i := range prompt {
		prompt[i] = i
	}

	cases := []struct {
		name      string
		maxInput  int
		wantKept  int
		wantFirst int
	}{
		{"context-limit", 0, 16, 4},
		{"max-input-tokens", 5, 5, 15},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newFakeModel()
			e := newTestEngine(t, m)
			_, res, err := run(t, e, SessionRequest{
				PromptIDs:      prompt,
				Params:         greedy(),
				MaxInputTokens: tc.maxInput,
				Mode:           EmitBackpressure,
			})
			if err != nil {
				t.Fatal(err)
			}
			prefill := m.Calls()[0]
			if len(prefill) != tc.wantKept || prefill[0] != tc.wantFirst || prefill[len(prefill)-1] != 19 {
				t.Fatalf("prefill ids = %v", prefill)
			}
			if res.PromptTokens != tc.wantKept || res.Truncated != 20-tc.wantKept {
				t.Fatalf("prompt=%d truncated=%d", res.PromptTokens, res.Truncated)
			}
		})
	}
}

func TestCancelMidDecodeAborts(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newFakeModel()
	m.logits = func(call int, ids []int) ([]float32, error) {
		if call == 3 {
			// The consumer leaves while the third forward pass runs.
			cancel()
		}
		out := make([]float32, 32)
		out[call] = 1
		return out, nil
	}
	e := newTestEngine(t, m)
	s, ch, err := e.StartSession(ctx, SessionRequest{
		PromptIDs:    []int{1},
		Params:       greedy(),
		MaxNewTokens: 10,
		Mode:         EmitBackpressure,
		Buffer:       16,
	})
	if err != nil {
		t.Fatal(err)
	}
	got := collect(ch)
	res, err := s.Wait()
	if err != nil {
		t.Fatalf("disconnect is not an error, got %v", err)
	}
	if res.State != StateAborted || res.Reason != StopCancelled {
		t.Fatalf("state=%v reason=%v", res.State, res.Reason)
	}
	if len(got) != 2 {
		t.Fatalf("expected the two tokens sampled before cancellation, got %v", got)
	}
	if n := len(m.Calls()); n != 3 {
		t.Fatalf("no forward pass may follow the cancellation, got %d calls", n)
	}
}

func TestSessionCancelStopsBlockedEmission(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	e := newTestEngine(t, m)
	s, ch, err := e.StartSession(context.Background(), SessionRequest{
		PromptIDs:    []int{1},
		Params:       greedy(),
		MaxNewTokens: 10,
		Mode:         EmitBackpressure,
	})
	if err != nil {
		t.Fatal(err)
	}
	first := <-ch
	second := <-ch
	s.Cancel()
	rest := collect(ch)
	res, err := s.Wait()
	if err != nil {
		t.Fatal(err)
	}
	// A send already racing the cancellation may still land.
	if first != 2 || second != 3 || len(rest) > 1 {
		t.Fatalf("tokens = %d %d %v", first, second, rest)
	}
	if res.State != StateAborted {
		t.Fatalf("State = %v", res.State)
	}
	// Prefill, the pass for the second token, and at most one more whose
	// token was never delivered.
	if n := len(m.Calls()); n > len(res.Generated)+1 {
		t.Fatalf("%d forward calls for %d delivered tokens", n, len(res.Generated))
	}

	s.Cancel()
	e.Cancel(s)
	e.Cancel(nil)
}

func TestDropModeAbortsWhenConsumerLags(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	e := newTestEngine(t, m)
	s, ch, err := e.StartSession(context.Background(), SessionRequest{
		PromptIDs:    []int{1},
		Params:       greedy(),
		MaxNewTokens: 5,
		Mode:         EmitDropOnFull,
		Buffer:       1,
	})
	if err != nil {
		t.Fatal(err)
	}
	<-s.Done()
	got := collect(ch)
	res, err := s.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2}, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if res.State != StateAborted || res.Reason != StopConsumerLagging {
		t.Fatalf("state=%v reason=%v", res.State, res.Reason)
	}
	if n := len(m.Calls()); n != 2 {
		t.Fatalf("expected prefill plus one decode call, got %d", n)
	}
}

func TestDropModeDefaultBufferHoldsWholeGeneration(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeModel())
	s, ch, err := e.StartSession(context.Background(), SessionRequest{
		PromptIDs:    []int{1},
		Params:       greedy(),
		MaxNewTokens: 4,
		Mode:         EmitDropOnFull,
	})
	if err != nil {
		t.Fatal(err)
	}
	<-s.Done()
	if diff := cmp.Diff([]int{2, 3, 4, 5, 6}, collect(ch)); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if res, _ := s.Wait(); res.State != StateFinished {
		t.Fatalf("State = %v", res.State)
	}
}

func TestDropModeDefaultBufferBoundedByContext(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeModel(), WithMaxSessions(1))
	req := SessionRequest{PromptIDs: []int{1}, Params: greedy(), MaxNewTokens: 1 << 50, Mode: EmitDropOnFull}
	if got := e.bufferSize(req); got != 17 {
		t.Fatalf("bufferSize() = %d, want 17", got)
	}

	got, res, err := run(t, e, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopContextFull || len(got) != 15 {
		t.Fatalf("reason=%v tokens=%d", res.Reason, len(got))
	}

	// The slot must be free again.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s, ch, err := e.StartSession(ctx, SessionRequest{PromptIDs: []int{1}, Params: greedy(), Mode: EmitBackpressure})
	if err != nil {
		t.Fatalf("second session: %v", err)
	}
	collect(ch)
	if _, err := s.Wait(); err != nil {
		t.Fatal(err)
	}
}

func TestBackpressureWaitsForSlowConsumer(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeModel())
	s, ch, err := e.StartSession(context.Background(), SessionRequest{
		PromptIDs:    []int{1},
		Params:       greedy(),
		MaxNewTokens: 4,
		Mode:         EmitBackpressure,
	})
	if err != nil {
		t.Fatal(err)
	}
	var got []int
	for id := range ch {
		time.Sleep(5 * time.Millisecond)
		got = append(got, id)
	}
	res, err := s.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3, 4, 5, 6}, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if res.Reason != StopMaxTokens {
		t.Fatalf("Reason = %v", res.Reason)
	}
}

var errForced = errors.New("forced forward failure")

func TestForwardErrorFailsSession(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	m.logits = func(call int, ids []int) ([]float32, error) {
		if call == 2 {
			return nil, errForced
		}
		out := make([]float32, 32)
		out[7] = 1
		return out, nil
	}
	e := newTestEngine(t, m)
	got, res, err := run(t, e, SessionRequest{PromptIDs: []int{1}, Params: greedy(), MaxNewTokens: 5, Mode: EmitBackpressure})
	if !errors.Is(err, ErrForwardPass) || !errors.Is(err, errForced) {
		t.Fatalf("expected wrapped forward error, got %v", err)
	}
	var fpe *ForwardPassError
	if !errors.As(err, &fpe) || fpe.Phase != metrics.PhaseDecode || fpe.Step != 1 {
		t.Fatalf("unexpected ForwardPassError: %#v", fpe)
	}
	if res.State != StateFailed || res.Reason != StopError {
		t.Fatalf("state=%v reason=%v", res.State, res.Reason)
	}
	if diff := cmp.Diff([]int{7}, got); diff != "" {
		t.Fatalf("already delivered tokens must remain, nothing after the error (-want +got):\n%s", diff)
	}
}

type panicModel struct{ *fakeModel }

func (panicModel) Forward(context.Context, []int, *kvcache.Set) ([]float32, error) {
	panic("boom")
}

func TestForwardPanicBecomesError(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, panicModel{newFakeModel()})
	_, res, err := run(t, e, SessionRequest{PromptIDs: []int{1}, Params: greedy(), Mode: EmitBackpressure})
	if !errors.Is(err, ErrForwardPass) || !strings.Contains(err.Error(), "panic in Forward") {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("State = %v", res.State)
	}
}

func TestCacheOverflowFailsSession(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	// A model that writes two positions per token outruns the context check.
	m.grow = 2
	e := newTestEngine(t, m)
	_, res, err := run(t, e, SessionRequest{PromptIDs: make([]int, 6), Params: greedy(), MaxNewTokens: 10, Mode: EmitBackpressure})
	if !errors.Is(err, kvcache.ErrCapacityExceeded) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if res.State != StateFailed {
		t.Fatalf("State = %v", res.State)
	}
}

func TestEmptyDistributionFailsSession(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	m.logits = func(int, []int) ([]float32, error) {
		out := make([]float32, 32)
		for i := range out {
			out[i] = float32(math.Inf(-1))
		}
		return out, nil
	}
	e := newTestEngine(t, m)
	got, res, err := run(t, e, SessionRequest{
		PromptIDs: []int{1},
		Params:    logits.Params{Temperature: 1, TopP: 1, RepetitionPenalty: 1},
		Mode:      EmitBackpressure,
	})
	if !errors.Is(err, logits.ErrEmptyDistribution) {
		t.Fatalf("expected ErrEmptyDistribution, got %v", err)
	}
	if len(got) != 0 || res.State != StateFailed {
		t.Fatalf("tokens=%v state=%v", got, res.State)
	}
}

func TestWrongLogitWidthFailsSession(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	m.logits = func(int, []int) ([]float32, error) { return []float32{1, 2}, nil }
	e := newTestEngine(t, m)
	_, _, err := run(t, e, SessionRequest{PromptIDs: []int{1}, Params: greedy(), Mode: EmitBackpressure})
	if !errors.Is(err, ErrForwardPass) {
		t.Fatalf("expected ErrForwardPass, got %v", err)
	}
}

func TestStopTokenEndsWithoutEmitting(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeModel())
	got, res, err := run(t, e, SessionRequest{
		PromptIDs:    []int{1},
		Params:       greedy(),
		MaxNewTokens: 10,
		Mode:         EmitBackpressure,
		StopTokens:   []int{5},
	})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{2, 3, 4}, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if res.State != StateFinished || res.Reason != StopToken {
		t.Fatalf("state=%v reason=%v", res.State, res.Reason)
	}
}

func TestStartSessionRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeModel())
	cases := []struct {
		name string
		req  SessionRequest
	}{
		{"no-mode", SessionRequest{PromptIDs: []int{1}, Params: greedy()}},
		{"bad-params", SessionRequest{PromptIDs: []int{1}, Params: logits.Params{Temperature: -1, TopP: 1, RepetitionPenalty: 1}, Mode: EmitBackpressure}},
		{"negative-max-new", SessionRequest{PromptIDs: []int{1}, Params: greedy(), MaxNewTokens: -1, Mode: EmitBackpressure}},
		{"negative-buffer", SessionRequest{PromptIDs: []int{1}, Params: greedy(), Buffer: -1, Mode: EmitDropOnFull}},
		{"buffer-beyond-context", SessionRequest{PromptIDs: []int{1}, Params: greedy(), Buffer: 18, Mode: EmitDropOnFull}},
		{"out-of-vocab", SessionRequest{PromptIDs: []int{32}, Params: greedy(), Mode: EmitBackpressure}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := e.StartSession(context.Background(), tc.req); !errors.Is(err, ErrInvalidRequest) {
				t.Fatalf("expected ErrInvalidRequest, got %v", err)
			}
		})
	}
}

func TestMaxSessionsBlocksUntilSlotFrees(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, newFakeModel(), WithMaxSessions(1))
	req := SessionRequest{PromptIDs: []int{1}, Params: greedy(), MaxNewTokens: 10, Mode: EmitBackpressure}

	first, _, err := e.StartSession(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := e.StartSession(ctx, req); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the second session to wait for a slot, got %v", err)
	}

	first.Cancel()
	if _, err := first.Wait(); err != nil {
		t.Fatal(err)
	}
	req.MaxNewTokens = 0
	if got, _, err := run(t, e, req); err != nil || len(got) != 1 {
		t.Fatalf("slot should be free: tokens=%v err=%v", got, err)
	}
}

func TestGenerateEncodesPrompt(t *testing.T) {
	t.Parallel()

	m := newFakeModel()
	m.cfg.Vocab = 256
	e := newTestEngine(t, m)
	s, ch, err := e.Generate(context.Background(), "hi", SessionRequest{Params: greedy(), Mode: EmitBackpressure}, tokenizer.ByteTokenizer{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{'j'}, collect(ch)); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]int{{'h', 'i'}}, m.Calls()); diff != "" {
		t.Fatalf("prefill mismatch (-want +got):\n%s", diff)
	}

	if _, _, err := e.Generate(context.Background(), "x", SessionRequest{Params: greedy(), Mode: EmitBackpressure}, panicEncodeTokenizer{}); err == nil || !strings.Contains(err.Error(), "panic in Encode") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMetricsAndLogging(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	mt, err := metrics.Register(reg)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	e := newTestEngine(t, newFakeModel(),
		WithMetrics(mt),
		WithLogger(logger.JSON(&buf, slog.LevelDebug)),
		withIDFunc(func() string { return "sess-1" }),
	)
	_, res, err := run(t, e, SessionRequest{PromptIDs: []int{1, 2}, Params: greedy(), MaxNewTokens: 2, Mode: EmitBackpressure})
	if err != nil {
		t.Fatal(err)
	}
	if res.SessionID != "sess-1" {
		t.Fatalf("SessionID = %q", res.SessionID)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[mf.GetName()] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				values[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	want := map[string]float64{
		"cinder_sessions_started_total":  1,
		"cinder_sessions_finished_total": 1,
		"cinder_tokens_emitted_total":    3,
		"cinder_forward_seconds":         3,
		"cinder_sessions_in_flight":      0,
	}
	if diff := cmp.Diff(want, values); diff != "" {
		t.Fatalf("metrics mismatch (-want +got):\n%s", diff)
	}

	out := buf.String()
	for _, s := range []string{`"session":"sess-1"`, "session started", "prompt_hash", "session finished", `"reason":"max_tokens"`} {
		if !strings.Contains(out, s) {
			t.Fatalf("log output missing %s:\n%s", s, out)
		}
	}
}

func TestNewEngineRejectsInvalidModel(t *testing.T) {
	t.Parallel()

	if _, err := NewEngine(nil); err == nil {
		t.Fatalf("expected error for nil model")
	}
	m := newFakeModel()
	m.cfg.MaxSeqLen = 0
	if _, err := NewEngine(m); !errors.Is(err, model.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestStateAndModeStrings(t *testing.T) {
	t.Parallel()

	if StateAborted.String() != "aborted" || !StateFailed.Terminal() || StateDecoding.Terminal() {
		t.Fatalf("unexpected state helpers")
	}
	for _, in := range []string{"drop", "drop-on-full", " Backpressure "} {
		if _, err := ParseEmissionMode(in); err != nil {
			t.Fatalf("ParseEmissionMode(%q) error = %v", in, err)
		}
	}
	if _, err := ParseEmissionMode("fast"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	var m EmissionMode
	if err := m.UnmarshalText([]byte("drop")); err != nil || m != EmitDropOnFull {
		t.Fatalf("UnmarshalText() = %v, %v", m, err)
	}
	if _, err := EmissionMode(0).MarshalText(); err == nil {
		t.Fatalf("zero mode must not marshal")
	}
}
