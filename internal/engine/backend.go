// Package engine drives autoregressive generation on top of a native
// inference backend: model and context lifecycle, prompt tokenization,
// batch submission, sampling and the per-token decode loop.
//
// The backend is reached only through the Loader, Model and Context
// interfaces below. The cgo implementation lives in internal/llama; tests
// use the scripted backend in internal/engine/enginetest.
package engine

import (
	"LlamaRun/internal/batch"
	"LlamaRun/internal/sampling"
)

// Loader opens model files. It returns nil when the backend could not load
// the model; the engine turns that into a ModelLoadError.
type Loader interface {
	LoadModel(path string, opts ModelOptions, progress func(float32)) Model
}

// Model is a loaded set of weights plus its vocabulary. Implementations must
// be safe for concurrent read calls.
type Model interface {
	VocabSize() int
	TokenBOS() int32
	TokenEOS() int32
	TokenNL() int32
	Description() string

	// Tokenize writes token ids into buf and returns how many were written.
	// A negative result is the buffer size the backend needs.
	Tokenize(text string, buf []int32, addBOS, special bool) int

	// TokenToPiece writes the text of token into buf and returns the byte
	// count. A negative result is the buffer size the backend needs.
	TokenToPiece(token int32, buf []byte) int

	// NewContext returns nil when the backend cannot create the context.
	NewContext(opts ContextOptions) Context

	Close()
}

// Context is the mutable inference state (KV cache, logits buffer, RNG)
// bound to one model. A context must never be used from two goroutines at
// once.
type Context interface {
	// Capacity is the maximum number of token positions (n_ctx).
	Capacity() int

	// NewBatch allocates a batch whose storage the backend owns.
	NewBatch(capacity, nSeqMax int) *batch.Batch

	// Decode runs the model over b. Zero means success.
	Decode(b *batch.Batch) int32

	// Logits returns the logits row for output index i of the last decode.
	// The slice is only valid until the next Decode.
	Logits(i int) []float32

	// ClearKV drops every cached position.
	ClearKV()

	// Primitives returns the sampling primitives bound to this context's
	// random source.
	Primitives() sampling.Primitives

	Close()
}

// ModelOptions configures native model loading.
type ModelOptions struct {
	// GPULayers is the number of layers offloaded to the GPU. 0 = CPU only.
	GPULayers int
	MainGPU   int
	UseMmap   bool
	UseMlock  bool
}

// DefaultModelOptions loads on the CPU with mmap.
func DefaultModelOptions() ModelOptions {
	return ModelOptions{UseMmap: true}
}

// ContextOptions configures native context creation.
type ContextOptions struct {
	Seed uint32

	// ContextSize is the context window in tokens (n_ctx).
	ContextSize int

	// BatchSize is the maximum tokens per decode call. 0 = ContextSize.
	BatchSize int

	Threads      int
	ThreadsBatch int

	// RopeScaling selects the RoPE scaling type. -1 = model default.
	RopeScaling int8
}
