// Package enginetest provides a scripted in-memory backend for exercising
// the engine without the native library.
//
// Tokenization maps every byte of the text to id byte+ByteOffset, so
// "abc" with BOS becomes [BOS, 'a'+3, 'b'+3, 'c'+3]. Each decode makes the
// next scripted token overwhelmingly likely; once the script runs out the
// model emits EOS.
package enginetest

import (
	"sync"
	"sync/atomic"

	"LlamaRun/internal/batch"
	"LlamaRun/internal/engine"
	"LlamaRun/internal/sampling"
)

const (
	BOS        int32 = 1
	EOS        int32 = 2
	ByteOffset int32 = 3
	NL         int32 = '\n' + ByteOffset
)

// Vocab covers the control ids plus every byte.
const Vocab = 256 + int(ByteOffset)

const hot = 50

// ByteToken is the id the fake tokenizer gives to c.
func ByteToken(c byte) int32 { return int32(c) + ByteOffset }

// Tokens returns the ids of s, one per byte.
func Tokens(s string) []int32 {
	out := make([]int32, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = ByteToken(s[i])
	}
	return out
}

// ---------------------------------------------------------------------------
// Loader
// ---------------------------------------------------------------------------

// Loader hands out Model, or nil when Model is nil.
type Loader struct {
	Model *Model

	// Progress values are reported in order before returning.
	Progress []float32

	// Gate, when set, blocks LoadModel until it is closed.
	Gate chan struct{}

	Paths []string
	mu    sync.Mutex
}

func (l *Loader) LoadModel(path string, _ engine.ModelOptions, progress func(float32)) engine.Model {
	l.mu.Lock()
	l.Paths = append(l.Paths, path)
	l.mu.Unlock()

	for _, p := range l.Progress {
		if progress != nil {
			progress(p)
		}
	}
	if l.Gate != nil {
		<-l.Gate
	}
	if l.Model == nil {
		return nil
	}
	return l.Model
}

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

// Model is a fake vocabulary plus a factory for scripted contexts.
type Model struct {
	Desc string

	// Script is copied into every context created from the model.
	Script []int32

	// Capacity is the n_ctx every context reports. 0 = requested size.
	Capacity int

	// Pieces overrides the text of individual tokens.
	Pieces map[int32]string

	// Broken tokens answer every TokenToPiece call with "need 32 bytes".
	Broken map[int32]bool

	// FailContext makes NewContext return nil.
	FailContext bool

	// FailAt makes the Nth decode call (1-based) of every context return
	// FailStatus.
	FailAt     int
	FailStatus int32

	mu       sync.Mutex
	contexts []*Context
	closes   atomic.Int32
}

// NewModel returns a model that will emit script, then EOS.
func NewModel(script ...int32) *Model {
	return &Model{Desc: "fake 1B Q4_0", Script: script}
}

// ScriptText scripts the model to emit the bytes of s.
func ScriptText(s string) *Model { return NewModel(Tokens(s)...) }

func (m *Model) VocabSize() int      { return Vocab }
func (m *Model) TokenBOS() int32     { return BOS }
func (m *Model) TokenEOS() int32     { return EOS }
func (m *Model) TokenNL() int32      { return NL }
func (m *Model) Description() string { return m.Desc }

func (m *Model) Tokenize(text string, buf []int32, addBOS, _ bool) int {
	need := len(text)
	if addBOS {
		need++
	}
	if len(buf) < need {
		return -need
	}
	i := 0
	if addBOS {
		buf[0] = BOS
		i = 1
	}
	for j := 0; j < len(text); j++ {
		buf[i+j] = ByteToken(text[j])
	}
	return need
}

func (m *Model) piece(token int32) string {
	if p, ok := m.Pieces[token]; ok {
		return p
	}
	if token >= ByteOffset && token < int32(Vocab) {
		return string([]byte{byte(token - ByteOffset)})
	}
	return ""
}

func (m *Model) TokenToPiece(token int32, buf []byte) int {
	if m.Broken[token] {
		return -32
	}
	p := m.piece(token)
	if len(buf) < len(p) {
		return -len(p)
	}
	return copy(buf, p)
}

func (m *Model) NewContext(opts engine.ContextOptions) engine.Context {
	if m.FailContext {
		return nil
	}
	n := opts.ContextSize
	if m.Capacity > 0 {
		n = m.Capacity
	}
	c := &Context{
		model:  m,
		nCtx:   n,
		script: append([]int32(nil), m.Script...),
		prims:  sampling.NewBuiltin(int64(opts.Seed)),
	}
	m.mu.Lock()
	m.contexts = append(m.contexts, c)
	m.mu.Unlock()
	return c
}

func (m *Model) Close() { m.closes.Add(1) }

// Closes counts Close calls on the native model.
func (m *Model) Closes() int { return int(m.closes.Load()) }

// Contexts returns every context created so far.
func (m *Model) Contexts() []*Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Context(nil), m.contexts...)
}

// ---------------------------------------------------------------------------
// Context
// ---------------------------------------------------------------------------

// DecodeCall is a snapshot of one submitted batch.
type DecodeCall struct {
	Tokens []int32
	Pos    []int32
	Logits []int8
}

// Context replays the model's script one token per decode, restarting
// from the top whenever the KV cache is cleared.
type Context struct {
	model  *Model
	nCtx   int
	script []int32
	prims  sampling.Primitives

	// OnDecode runs inside Decode before the call returns.
	OnDecode func(call int)

	mu         sync.Mutex
	calls      []DecodeCall
	row        []float32
	rowIndex   int
	kvClears   int
	sinceClear int
	closes     int
	active     atomic.Int32
	overlapped atomic.Bool
}

func (c *Context) Capacity() int { return c.nCtx }

func (c *Context) NewBatch(capacity, nSeqMax int) *batch.Batch {
	return batch.New(capacity, nSeqMax)
}

func (c *Context) Decode(b *batch.Batch) int32 {
	if c.active.Add(1) > 1 {
		c.overlapped.Store(true)
	}
	defer c.active.Add(-1)

	c.mu.Lock()
	call := DecodeCall{
		Tokens: append([]int32(nil), b.Token[:b.Len()]...),
		Pos:    append([]int32(nil), b.Pos[:b.Len()]...),
		Logits: append([]int8(nil), b.Logits[:b.Len()]...),
	}
	c.calls = append(c.calls, call)
	n := len(c.calls)
	c.sinceClear++
	step := c.sinceClear
	hook := c.OnDecode
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}
	if c.model.FailAt == n {
		return c.model.FailStatus
	}

	next := EOS
	if step-1 < len(c.script) {
		next = c.script[step-1]
	}
	row := make([]float32, Vocab)
	row[next] = hot

	c.mu.Lock()
	c.row = row
	c.rowIndex = b.Len() - 1
	c.mu.Unlock()
	return 0
}

func (c *Context) Logits(i int) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.row == nil || i != c.rowIndex {
		return nil
	}
	return c.row
}

func (c *Context) ClearKV() {
	c.mu.Lock()
	c.kvClears++
	c.sinceClear = 0
	c.mu.Unlock()
}

func (c *Context) Primitives() sampling.Primitives { return c.prims }

func (c *Context) Close() {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
}

// Calls returns a copy of every decode submitted so far.
func (c *Context) Calls() []DecodeCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]DecodeCall(nil), c.calls...)
}

// Closes counts Close calls on the native context.
func (c *Context) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// KVClears counts ClearKV calls.
func (c *Context) KVClears() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.kvClears
}

// Overlapped reports whether two decodes ever ran at the same time.
func (c *Context) Overlapped() bool { return c.overlapped.Load() }
