//go:build native

package llama

/*
#include "llama.h"
*/
import "C"
import (
	"sync"

	"LlamaRun/internal/batch"
	"LlamaRun/internal/sampling"
)

// Context wraps a llama_context. The engine serializes every call on it.
type Context struct {
	handle *C.struct_llama_context
	vocab  int
	prims  *primitives

	mu      sync.Mutex
	batches map[*batch.Batch]C.llama_batch
	// scratch backs batches that were not allocated through NewBatch.
	scratch       C.llama_batch
	scratchCap    int
	scratchSeqMax int
	closed        bool
}

func newContext(handle *C.struct_llama_context, vocab int) *Context {
	c := &Context{
		handle:  handle,
		vocab:   vocab,
		batches: make(map[*batch.Batch]C.llama_batch),
	}
	c.prims = &primitives{ctx: c}
	return c
}

func (c *Context) Capacity() int { return cContextSize(c.handle) }

// NewBatch allocates the batch with llama_batch_init and exposes its arrays
// as bounds-checked slices. Free on the returned batch releases the native
// storage.
func (c *Context) NewBatch(capacity, nSeqMax int) *batch.Batch {
	cb := cBatchInit(capacity, nSeqMax)
	token, pos, nSeqID, seqID, logits := cBatchViews(&cb, capacity, nSeqMax)

	var b *batch.Batch
	b, err := batch.NewView(token, pos, nSeqID, seqID, logits, nSeqMax, func() {
		c.mu.Lock()
		delete(c.batches, b)
		c.mu.Unlock()
		cBatchFree(cb)
	})
	if err != nil {
		cBatchFree(cb)
		return nil
	}

	c.mu.Lock()
	c.batches[b] = cb
	c.mu.Unlock()
	return b
}

// Decode submits b. Batches that do not own native storage are copied into
// a scratch llama_batch first.
func (c *Context) Decode(b *batch.Batch) int32 {
	c.mu.Lock()
	cb, ok := c.batches[b]
	c.mu.Unlock()
	if !ok {
		cb = c.copyToScratch(b)
	}
	return cDecode(c.handle, cb, b.Len())
}

func (c *Context) copyToScratch(b *batch.Batch) C.llama_batch {
	if c.scratchCap < b.Len() || c.scratchCap == 0 || c.scratchSeqMax != b.SeqMax() {
		if c.scratchCap > 0 {
			cBatchFree(c.scratch)
		}
		c.scratchCap = max(b.Len(), 1)
		c.scratchSeqMax = b.SeqMax()
		c.scratch = cBatchInit(c.scratchCap, c.scratchSeqMax)
	}
	token, pos, nSeqID, seqID, logits := cBatchViews(&c.scratch, c.scratchCap, b.SeqMax())
	for i := 0; i < b.Len(); i++ {
		token[i] = b.Token[i]
		pos[i] = b.Pos[i]
		nSeqID[i] = b.NSeqID[i]
		copy(seqID[i], b.SeqID[i][:b.NSeqID[i]])
		logits[i] = b.Logits[i]
	}
	return c.scratch
}

func (c *Context) Logits(i int) []float32 { return cLogits(c.handle, i, c.vocab) }

func (c *Context) ClearKV() { cKVClear(c.handle) }

func (c *Context) Primitives() sampling.Primitives { return c.prims }

// Close frees the context and any batches still registered against it.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := make([]*batch.Batch, 0, len(c.batches))
	for b := range c.batches {
		pending = append(pending, b)
	}
	c.mu.Unlock()

	for _, b := range pending {
		b.Free()
	}
	if c.scratchCap > 0 {
		cBatchFree(c.scratch)
		c.scratchCap = 0
	}
	cContextFree(c.handle)
	c.handle = nil
}
