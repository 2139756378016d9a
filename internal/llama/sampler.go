//go:build native

package llama

/*
#include "llama.h"
*/
import "C"
import "LlamaRun/internal/sampling"

// primitives runs the sampling pipeline with llama.cpp's llama_sample_*
// functions, using the context's RNG for the final draw.
type primitives struct {
	ctx *Context
}

func (p *primitives) RepetitionPenalties(c *sampling.Candidates, last []int32, repeat, freq, present float32) {
	withCandidates(c, func(arr *C.llama_token_data_array) {
		cSampleRepetition(p.ctx.handle, arr, last, repeat, freq, present)
	})
}

func (p *primitives) Softmax(c *sampling.Candidates) {
	withCandidates(c, func(arr *C.llama_token_data_array) { cSampleSoftmax(p.ctx.handle, arr) })
}

func (p *primitives) TopK(c *sampling.Candidates, k, minKeep int) {
	withCandidates(c, func(arr *C.llama_token_data_array) { cSampleTopK(p.ctx.handle, arr, k, minKeep) })
}

func (p *primitives) TailFree(c *sampling.Candidates, z float32, minKeep int) {
	withCandidates(c, func(arr *C.llama_token_data_array) { cSampleTailFree(p.ctx.handle, arr, z, minKeep) })
}

func (p *primitives) Typical(c *sampling.Candidates, typ float32, minKeep int) {
	withCandidates(c, func(arr *C.llama_token_data_array) { cSampleTypical(p.ctx.handle, arr, typ, minKeep) })
}

func (p *primitives) TopP(c *sampling.Candidates, top float32, minKeep int) {
	withCandidates(c, func(arr *C.llama_token_data_array) { cSampleTopP(p.ctx.handle, arr, top, minKeep) })
}

func (p *primitives) MinP(c *sampling.Candidates, floor float32, minKeep int) {
	withCandidates(c, func(arr *C.llama_token_data_array) { cSampleMinP(p.ctx.handle, arr, floor, minKeep) })
}

func (p *primitives) Temp(c *sampling.Candidates, temp float32) {
	withCandidates(c, func(arr *C.llama_token_data_array) { cSampleTemp(p.ctx.handle, arr, temp) })
}

func (p *primitives) Greedy(c *sampling.Candidates) int32 {
	id := int32(-1)
	withCandidates(c, func(arr *C.llama_token_data_array) { id = cSampleGreedy(p.ctx.handle, arr) })
	return id
}

func (p *primitives) Sample(c *sampling.Candidates) int32 {
	id := int32(-1)
	withCandidates(c, func(arr *C.llama_token_data_array) { id = cSampleToken(p.ctx.handle, arr) })
	return id
}
