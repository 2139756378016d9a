//go:build native

package llama

/*
#include "llama.h"
*/
import "C"
import (
	"runtime/cgo"
	"sync"

	"LlamaRun/internal/engine"
)

// Loader opens GGUF files with llama.cpp.
type Loader struct{}

// LoadModel loads the weights at path. It returns nil when llama.cpp
// rejects the file.
func (Loader) LoadModel(path string, opts engine.ModelOptions, progress func(float32)) engine.Model {
	acquireBackend()

	var h cgo.Handle
	if progress != nil {
		h = cgo.NewHandle(progress)
		defer h.Delete()
	}

	handle := cModelLoad(path, int32(opts.GPULayers), int32(opts.MainGPU), opts.UseMmap, opts.UseMlock, h)
	if handle == nil {
		releaseBackend()
		return nil
	}

	return &Model{
		handle: handle,
		vocab:  cVocabSize(handle),
		desc:   cModelDesc(handle),
		bos:    cTokenBOS(handle),
		eos:    cTokenEOS(handle),
		nl:     cTokenNL(handle),
	}
}

// Model wraps a loaded llama_model. Read calls are safe for concurrent use.
type Model struct {
	handle *C.struct_llama_model
	vocab  int
	desc   string
	bos    int32
	eos    int32
	nl     int32

	mu     sync.RWMutex
	closed bool
}

func (m *Model) VocabSize() int      { return m.vocab }
func (m *Model) TokenBOS() int32     { return m.bos }
func (m *Model) TokenEOS() int32     { return m.eos }
func (m *Model) TokenNL() int32      { return m.nl }
func (m *Model) Description() string { return m.desc }

// Tokenize implements engine.Model. A closed model yields zero tokens.
func (m *Model) Tokenize(text string, buf []int32, addBOS, special bool) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0
	}
	return cTokenize(m.handle, text, buf, addBOS, special)
}

// TokenToPiece implements engine.Model.
func (m *Model) TokenToPiece(token int32, buf []byte) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0
	}
	return cTokenToPiece(m.handle, token, buf)
}

// NewContext creates a llama_context over the model, or returns nil.
func (m *Model) NewContext(opts engine.ContextOptions) engine.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil
	}

	handle := cContextNew(m.handle, opts.Seed, opts.ContextSize, opts.BatchSize,
		opts.Threads, opts.ThreadsBatch, opts.RopeScaling)
	if handle == nil {
		return nil
	}
	return newContext(handle, m.vocab)
}

// Close frees the model. The engine only calls it once every context
// created from the model has been closed.
func (m *Model) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	cModelFree(m.handle)
	m.handle = nil
	releaseBackend()
}
