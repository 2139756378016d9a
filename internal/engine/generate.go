package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"LlamaRun/internal/batch"
	"LlamaRun/internal/sampling"
)

// State is the phase of a generation session.
type State int

const (
	StateInit State = iota
	StatePrefill
	StateDecoding
	StateFinished
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StatePrefill:
		return "prefill"
	case StateDecoding:
		return "decoding"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s >= StateFinished }

// FinishReason says why a successful generation stopped.
type FinishReason string

const (
	FinishEOS       FinishReason = "eos"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
)

// Request is one generation call.
type Request struct {
	Prompt string

	// MaxTokens is the number of output tokens requested. Prompt tokens plus
	// MaxTokens must fit the context window.
	MaxTokens int

	Params sampling.Params
}

// Stats describes the work a generation did.
type Stats struct {
	PromptTokens    int
	GeneratedTokens int
	DecodeCalls     int
	TTFT            time.Duration
	Duration        time.Duration
}

// Result is the outcome of a generation that did not fail. Text holds
// everything emitted up to the stop point, cancellation included.
type Result struct {
	Text   string
	Tokens []int32
	Finish FinishReason
	State  State
	Stats  Stats
}

// TextFunc receives the full accumulated text after every emitted token.
// It runs on the generating goroutine and should return quickly.
type TextFunc func(text string)

var seqZero = []int32{0}

// Generate runs a generation on the calling goroutine. Cancelling ctx or
// closing the handle stops it at the next step boundary; that outcome is
// returned as a Result with FinishCancelled and a nil error.
func (c *ContextHandle) Generate(ctx context.Context, req Request, progress TextFunc) (Result, error) {
	if req.MaxTokens < 0 {
		return Result{State: StateFailed}, fmt.Errorf("engine: max tokens %d is negative", req.MaxTokens)
	}
	if err := c.acquire(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Result{Finish: FinishCancelled, State: StateCancelled}, nil
		}
		return Result{State: StateFailed}, err
	}
	defer c.releaseBusy()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.disposal, cancel)
	defer stop()

	s := &session{
		handle:   c,
		req:      req,
		progress: progress,
		log:      logger().With("n_ctx", c.ctx.Capacity()),
	}
	return s.run(runCtx)
}

// session is the state of one generation.
type session struct {
	handle   *ContextHandle
	req      Request
	progress TextFunc
	log      *slog.Logger

	state State
	stats Stats
	start time.Time
}

func (s *session) enter(next State) {
	s.log.Debug("generation state", "from", s.state, "to", next)
	s.state = next
}

func (s *session) stopRequested(ctx context.Context) bool {
	return ctx.Err() != nil || s.handle.disposal.Err() != nil
}

func (s *session) fail(err error) (Result, error) {
	s.enter(StateFailed)
	s.stats.Duration = time.Since(s.start)
	s.log.Error("generation failed", "err", err, "decode_calls", s.stats.DecodeCalls)
	return Result{State: StateFailed, Stats: s.stats}, err
}

func (s *session) decode(b *batch.Batch) error {
	s.stats.DecodeCalls++
	return s.handle.decode(b)
}

func (s *session) run(ctx context.Context) (Result, error) {
	s.start = time.Now()
	s.state = StateInit
	if s.stopRequested(ctx) {
		s.enter(StateCancelled)
		return Result{Finish: FinishCancelled, State: StateCancelled}, nil
	}

	m := s.handle.model.model
	bctx := s.handle.ctx

	tokens, err := Tokenize(m, s.req.Prompt, true)
	if err != nil {
		return s.fail(err)
	}
	n := len(tokens)
	if n == 0 {
		return s.fail(ErrEmptyPrompt)
	}
	s.stats.PromptTokens = n

	required := n + s.req.MaxTokens
	if capacity := bctx.Capacity(); required > capacity {
		return s.fail(&ContextOverflowError{PromptTokens: n, MaxTokens: s.req.MaxTokens, Capacity: capacity})
	}

	sampler, err := sampling.New(bctx.Primitives(), s.req.Params, m.TokenNL())
	if err != nil {
		return s.fail(err)
	}
	window := sampling.NewState(s.req.Params.NPrev, tokens)

	b, err := s.handle.NewBatch(n)
	if err != nil {
		return s.fail(err)
	}
	defer b.Free()

	bctx.ClearKV()

	s.enter(StatePrefill)
	batch.FromPrompt(b, tokens)
	if err := s.decode(b); err != nil {
		return s.fail(err)
	}

	s.enter(StateDecoding)
	eos := m.TokenEOS()
	finish := FinishLength
	var (
		text strings.Builder
		out  []int32
	)
	for pos := n; pos < required; pos++ {
		logits := bctx.Logits(b.LastLogitsIndex())
		if logits == nil {
			return s.fail(fmt.Errorf("engine: no logits at output %d after decode", b.LastLogitsIndex()))
		}
		id, err := sampler.Sample(logits, window)
		if err != nil {
			return s.fail(err)
		}
		window.Accept(id)
		if id == eos {
			finish = FinishEOS
			break
		}

		if len(out) == 0 {
			s.stats.TTFT = time.Since(s.start)
		}
		out = append(out, id)

		piece, err := TokenToText(m, id)
		if err != nil {
			var tte *TokenToTextError
			if !errors.As(err, &tte) {
				return s.fail(err)
			}
			s.log.Warn("token has no text, skipping", "token", id, "err", err)
		}
		text.WriteString(piece)
		if s.progress != nil {
			s.progress(text.String())
		}

		b.Reset()
		b.Add(id, int32(pos), seqZero, true)

		if s.stopRequested(ctx) {
			finish = FinishCancelled
			break
		}
		if err := s.decode(b); err != nil {
			return s.fail(err)
		}
	}

	final := StateFinished
	if finish == FinishCancelled {
		final = StateCancelled
	}
	s.enter(final)
	s.stats.GeneratedTokens = len(out)
	s.stats.Duration = time.Since(s.start)
	s.log.Info("generation done",
		"finish", finish,
		"prompt_tokens", n,
		"generated", len(out),
		"decode_calls", s.stats.DecodeCalls,
		"duration", s.stats.Duration)

	return Result{
		Text:   text.String(),
		Tokens: out,
		Finish: finish,
		State:  final,
		Stats:  s.stats,
	}, nil
}

// ---------------------------------------------------------------------------
// Async execution
// ---------------------------------------------------------------------------

// Task is a generation running on its own goroutine.
type Task struct {
	done chan struct{}
	res  Result
	err  error
}

// Run starts Generate on a worker goroutine and returns immediately.
func (c *ContextHandle) Run(ctx context.Context, req Request, progress TextFunc) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		t.res, t.err = c.Generate(ctx, req, progress)
	}()
	return t
}

// Done is closed when the generation has reached a terminal state.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result blocks until the generation ends.
func (t *Task) Result() (Result, error) {
	<-t.done
	return t.res, t.err
}

// Wait blocks until the generation ends or ctx is done. Giving up on the
// wait does not cancel the generation; cancel the context passed to Run.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
