package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	goruntime "runtime"
	"sync"

	"LlamaRun/internal/batch"
)

// DefaultContextSize is used when ContextOptions.ContextSize is zero.
const DefaultContextSize = 2048

// DefaultSeed is used by callers that want reproducible output without
// choosing a seed.
const DefaultSeed = 1234

func logger() *slog.Logger {
	return slog.Default().With("component", "engine")
}

// ---------------------------------------------------------------------------
// Model handle
// ---------------------------------------------------------------------------

// ModelHandle owns a loaded model. The native model is released once the
// handle is closed and every context created from it has been closed.
type ModelHandle struct {
	model Model
	path  string

	disposal context.Context
	dispose  context.CancelFunc

	mu       sync.Mutex
	contexts int
	closed   bool
	freed    bool
}

// LoadModel loads path on a worker goroutine. progress, when non-nil,
// receives non-decreasing fractions in [0,1] from that worker. If ctx ends
// before the backend returns, LoadModel returns ctx.Err() and the late model
// is released in the background.
func LoadModel(ctx context.Context, loader Loader, path string, opts ModelOptions, progress func(float32)) (*ModelHandle, error) {
	if loader == nil {
		return nil, errors.New("engine: nil loader")
	}
	if path == "" {
		return nil, &ModelLoadError{Path: path}
	}

	sink := &loadProgress{fn: progress}
	done := make(chan Model, 1)
	go func() {
		done <- loader.LoadModel(path, opts, sink.report)
	}()

	select {
	case m := <-done:
		if m == nil {
			logger().Error("model load failed", "path", path)
			return nil, &ModelLoadError{Path: path}
		}
		sink.report(1)
		logger().Info("model loaded", "path", path, "vocab", m.VocabSize(), "desc", m.Description())
		return newModelHandle(m, path), nil
	case <-ctx.Done():
		go func() {
			if m := <-done; m != nil {
				m.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func newModelHandle(m Model, path string) *ModelHandle {
	disposal, dispose := context.WithCancel(context.Background())
	return &ModelHandle{model: m, path: path, disposal: disposal, dispose: dispose}
}

// Done is closed when Close is called.
func (h *ModelHandle) Done() <-chan struct{} { return h.disposal.Done() }

// Path is the file the model was loaded from.
func (h *ModelHandle) Path() string { return h.path }

// Model exposes the backend model for tokenizer calls.
func (h *ModelHandle) Model() Model { return h.model }

func (h *ModelHandle) VocabSize() int { return h.model.VocabSize() }

func (h *ModelHandle) EndOfSequenceID() int32 { return h.model.TokenEOS() }

func (h *ModelHandle) Description() string { return h.model.Description() }

// Tokenize runs the model's tokenizer over text.
func (h *ModelHandle) Tokenize(text string, addBOS bool) ([]int32, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	return Tokenize(h.model, text, addBOS)
}

// TokenToText renders a single token.
func (h *ModelHandle) TokenToText(token int32) (string, error) {
	if h.isClosed() {
		return "", ErrClosed
	}
	return TokenToText(h.model, token)
}

// NewContext creates an inference context bound to this model. Zero fields
// of opts take their defaults: ContextSize 2048, BatchSize = ContextSize,
// Threads = CPU count, ThreadsBatch = Threads.
func (h *ModelHandle) NewContext(opts ContextOptions) (*ContextHandle, error) {
	opts = opts.withDefaults()

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	c := h.model.NewContext(opts)
	if c == nil {
		logger().Error("context creation failed", "n_ctx", opts.ContextSize)
		return nil, &ContextCreateError{ContextSize: opts.ContextSize}
	}
	h.contexts++

	disposal, dispose := context.WithCancel(h.disposal)
	logger().Debug("context created", "n_ctx", c.Capacity(), "threads", opts.Threads, "seed", opts.Seed)
	return &ContextHandle{
		model:    h,
		ctx:      c,
		opts:     opts,
		disposal: disposal,
		dispose:  dispose,
		busy:     make(chan struct{}, 1),
	}, nil
}

// Close cancels generation on every dependent context and releases the
// model once the last of them is closed. Safe to call more than once.
func (h *ModelHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.dispose()
	h.freeLocked()
	return nil
}

func (h *ModelHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *ModelHandle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contexts--
	h.freeLocked()
}

func (h *ModelHandle) freeLocked() {
	if !h.closed || h.contexts > 0 || h.freed {
		return
	}
	h.freed = true
	h.model.Close()
	logger().Debug("model released", "path", h.path)
}

func (o ContextOptions) withDefaults() ContextOptions {
	if o.ContextSize <= 0 {
		o.ContextSize = DefaultContextSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = o.ContextSize
	}
	if o.Threads <= 0 {
		o.Threads = goruntime.NumCPU()
	}
	if o.ThreadsBatch <= 0 {
		o.ThreadsBatch = o.Threads
	}
	return o
}

// ---------------------------------------------------------------------------
// Context handle
// ---------------------------------------------------------------------------

// ContextHandle owns one inference context. Generations on the same handle
// run one at a time.
type ContextHandle struct {
	model *ModelHandle
	ctx   Context
	opts  ContextOptions

	disposal context.Context
	dispose  context.CancelFunc

	busy chan struct{}

	mu       sync.Mutex
	inUse    bool
	closed   bool
	released bool
}

// Done is closed when the handle or its model starts closing. A running
// generation observes it at the next step boundary.
func (c *ContextHandle) Done() <-chan struct{} { return c.disposal.Done() }

// Capacity is the context window in tokens.
func (c *ContextHandle) Capacity() int { return c.ctx.Capacity() }

// Options returns the options the context was created with.
func (c *ContextHandle) Options() ContextOptions { return c.opts }

// Model returns the owning model handle.
func (c *ContextHandle) Model() *ModelHandle { return c.model }

// NewBatch allocates a backend-owned batch for this context.
func (c *ContextHandle) NewBatch(capacity int) (*batch.Batch, error) {
	b := c.ctx.NewBatch(capacity, 1)
	if b == nil {
		return nil, fmt.Errorf("engine: backend could not allocate a batch of %d tokens", capacity)
	}
	return b, nil
}

// Decode submits b and turns a non-zero status into a DecodeError whose
// position is that of the batch's first slot. It waits for any running
// generation on the handle to finish first.
func (c *ContextHandle) Decode(b *batch.Batch) error {
	if err := c.acquire(context.Background()); err != nil {
		return err
	}
	defer c.releaseBusy()
	return c.decode(b)
}

func (c *ContextHandle) decode(b *batch.Batch) error {
	if status := c.ctx.Decode(b); status != 0 {
		pos := 0
		if b.Len() > 0 {
			pos = int(b.Pos[0])
		}
		return &DecodeError{Status: status, Position: pos, Prefill: pos == 0}
	}
	return nil
}

// Close cancels any in-flight generation and releases the native context.
// When a generation holds the context, the release happens as that
// generation leaves it, so Close may be called from its progress sink.
// Safe to call more than once.
func (c *ContextHandle) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.dispose()
	if c.inUse {
		c.mu.Unlock()
		return nil
	}
	c.released = true
	c.mu.Unlock()

	c.free()
	return nil
}

func (c *ContextHandle) free() {
	c.ctx.Close()
	c.model.release()
}

func (c *ContextHandle) acquire(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	select {
	case c.busy <- struct{}{}:
	case <-c.disposal.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.disposal.Err() != nil {
		<-c.busy
		return ErrClosed
	}
	c.inUse = true
	return nil
}

func (c *ContextHandle) releaseBusy() {
	c.mu.Lock()
	c.inUse = false
	pending := c.closed && !c.released
	if pending {
		c.released = true
	}
	c.mu.Unlock()

	if pending {
		c.free()
	}
	<-c.busy
}

func (c *ContextHandle) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ---------------------------------------------------------------------------
// Engine: model + context pair
// ---------------------------------------------------------------------------

// Engine pairs a model with the single context most callers need.
type Engine struct {
	Model   *ModelHandle
	Context *ContextHandle
}

// Open loads a model and creates its context. If the context cannot be
// created the model is released before the error is returned.
func Open(ctx context.Context, loader Loader, path string, mopts ModelOptions, copts ContextOptions, progress func(float32)) (*Engine, error) {
	m, err := LoadModel(ctx, loader, path, mopts, progress)
	if err != nil {
		return nil, err
	}
	c, err := m.NewContext(copts)
	if err != nil {
		m.Close()
		return nil, err
	}
	return &Engine{Model: m, Context: c}, nil
}

// Generate runs a generation on the engine's context.
func (e *Engine) Generate(ctx context.Context, req Request, progress TextFunc) (Result, error) {
	return e.Context.Generate(ctx, req, progress)
}

// Run starts a generation on a worker goroutine.
func (e *Engine) Run(ctx context.Context, req Request, progress TextFunc) *Task {
	return e.Context.Run(ctx, req, progress)
}

// Close releases the context, then the model.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	if e.Context != nil {
		e.Context.Close()
	}
	if e.Model != nil {
		e.Model.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Load progress
// ---------------------------------------------------------------------------

type loadProgress struct {
	mu   sync.Mutex
	last float32
	seen bool
	fn   func(float32)
}

// report forwards f clamped to [0,1], dropping values that would move the
// bar backwards.
func (p *loadProgress) report(f float32) {
	if p.fn == nil || math.IsNaN(float64(f)) {
		return
	}
	f = min(max(f, 0), 1)

	p.mu.Lock()
	if p.seen && f <= p.last {
		p.mu.Unlock()
		return
	}
	p.seen = true
	p.last = f
	p.mu.Unlock()

	p.fn(f)
}
