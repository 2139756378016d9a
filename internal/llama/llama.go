//go:build native

// Package llama binds the engine's backend interfaces to llama.cpp through
// cgo. Every C call goes through one c* wrapper in this file; Go memory
// handed to C is kept alive with runtime.KeepAlive or pinned for the call.
//
// Build with: go build -tags native
// Requires: libllama built from the vendored llama.cpp checkout.
package llama

/*
#cgo CFLAGS: -I${SRCDIR}/../../llama.cpp -I${SRCDIR}/../../llama.cpp/common -O2
#cgo LDFLAGS: -L${SRCDIR}/../../llama.cpp/build -lllama -lggml_static -lm -lstdc++ -lpthread
#include <stdint.h>
#include <stdio.h>
#include <stdlib.h>
#include "llama.h"

extern void goLlamaProgress(float progress, void * user);

static void lr_set_progress(struct llama_model_params * p, uintptr_t handle) {
	p->progress_callback = goLlamaProgress;
	p->progress_callback_user_data = (void *) handle;
}

static FILE * lr_log_file = NULL;

static void lr_log_discard(enum ggml_log_level level, const char * text, void * user) {
	(void) level; (void) text; (void) user;
}

static void lr_log_write(enum ggml_log_level level, const char * text, void * user) {
	(void) level; (void) user;
	if (lr_log_file != NULL) {
		fputs(text, lr_log_file);
		fflush(lr_log_file);
	}
}

static void lr_log_disable(void) {
	llama_log_set(lr_log_discard, NULL);
}

static int lr_log_to_file(const char * path) {
	FILE * f = fopen(path, "a");
	if (f == NULL) {
		return -1;
	}
	if (lr_log_file != NULL) {
		fclose(lr_log_file);
	}
	lr_log_file = f;
	llama_log_set(lr_log_write, NULL);
	return 0;
}
*/
import "C"
import (
	"runtime"
	"runtime/cgo"
	"sync"
	"unsafe"

	"LlamaRun/internal/logging"
	"LlamaRun/internal/sampling"
)

// Available reports whether the binary was built with the native backend.
func Available() bool { return true }

// ---------------------------------------------------------------------------
// Backend lifecycle
// ---------------------------------------------------------------------------

var (
	backendMu   sync.Mutex
	backendRefs int
	logOnce     sync.Once
)

// acquireBackend initialises llama.cpp for the first live model.
func acquireBackend() {
	backendMu.Lock()
	defer backendMu.Unlock()
	if backendRefs == 0 {
		logOnce.Do(routeNativeLogs)
		C.llama_backend_init(C.bool(false))
	}
	backendRefs++
}

// releaseBackend frees llama.cpp once the last model is gone.
func releaseBackend() {
	backendMu.Lock()
	defer backendMu.Unlock()
	if backendRefs == 0 {
		return
	}
	backendRefs--
	if backendRefs == 0 {
		C.llama_backend_free()
	}
}

// routeNativeLogs sends llama.cpp's own log lines to the log file when file
// logging is active and drops them otherwise, so they never reach a TUI.
func routeNativeLogs() {
	if p := logging.FilePath(); p != "" {
		cpath := C.CString(p)
		defer C.free(unsafe.Pointer(cpath))
		if C.lr_log_to_file(cpath) == 0 {
			return
		}
	}
	C.lr_log_disable()
}

// ---------------------------------------------------------------------------
// Model: low-level C wrappers
// ---------------------------------------------------------------------------

func cModelLoad(path string, gpuLayers, mainGPU int32, useMmap, useMlock bool, progress cgo.Handle) *C.struct_llama_model {
	params := C.llama_model_default_params()
	params.n_gpu_layers = C.int32_t(gpuLayers)
	params.main_gpu = C.int32_t(mainGPU)
	params.use_mmap = C.bool(useMmap)
	params.use_mlock = C.bool(useMlock)
	if progress != 0 {
		C.lr_set_progress(&params, C.uintptr_t(progress))
	}

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))
	return C.llama_load_model_from_file(cpath, params)
}

func cModelFree(m *C.struct_llama_model) {
	C.llama_free_model(m)
}

func cVocabSize(m *C.struct_llama_model) int {
	return int(C.llama_n_vocab(m))
}

func cModelDesc(m *C.struct_llama_model) string {
	buf := make([]byte, 256)
	n := C.llama_model_desc(m, (*C.char)(unsafe.Pointer(&buf[0])), C.size_t(len(buf)))
	if n <= 0 {
		return ""
	}
	return string(buf[:min(int(n), len(buf)-1)])
}

func cTokenBOS(m *C.struct_llama_model) int32 { return int32(C.llama_token_bos(m)) }
func cTokenEOS(m *C.struct_llama_model) int32 { return int32(C.llama_token_eos(m)) }
func cTokenNL(m *C.struct_llama_model) int32  { return int32(C.llama_token_nl(m)) }

// ---------------------------------------------------------------------------
// Tokenization: low-level C wrappers
// ---------------------------------------------------------------------------

// cTokenize writes ids into tokens and returns the count, or the negated
// size needed when tokens is too small.
func cTokenize(m *C.struct_llama_model, text string, tokens []int32, addBOS, special bool) int {
	ctext := C.CString(text)
	defer C.free(unsafe.Pointer(ctext))

	var ptr *C.llama_token
	if len(tokens) > 0 {
		ptr = (*C.llama_token)(unsafe.Pointer(&tokens[0]))
	}
	n := C.llama_tokenize(m, ctext, C.int(len(text)), ptr, C.int(len(tokens)), C.bool(addBOS), C.bool(special))
	runtime.KeepAlive(tokens)
	return int(n)
}

// cTokenToPiece writes the text of token into buf, or returns the negated
// size needed.
func cTokenToPiece(m *C.struct_llama_model, token int32, buf []byte) int {
	var ptr *C.char
	if len(buf) > 0 {
		ptr = (*C.char)(unsafe.Pointer(&buf[0]))
	}
	n := C.llama_token_to_piece(m, C.llama_token(token), ptr, C.int(len(buf)))
	runtime.KeepAlive(buf)
	return int(n)
}

// ---------------------------------------------------------------------------
// Context: low-level C wrappers
// ---------------------------------------------------------------------------

func cContextNew(m *C.struct_llama_model, seed uint32, nCtx, nBatch, nThreads, nThreadsBatch int, ropeScaling int8) *C.struct_llama_context {
	params := C.llama_context_default_params()
	params.seed = C.uint32_t(seed)
	params.n_ctx = C.uint32_t(nCtx)
	params.n_batch = C.uint32_t(nBatch)
	params.n_threads = C.uint32_t(nThreads)
	params.n_threads_batch = C.uint32_t(nThreadsBatch)
	params.rope_scaling_type = C.int8_t(ropeScaling)
	return C.llama_new_context_with_model(m, params)
}

func cContextFree(ctx *C.struct_llama_context) {
	C.llama_free(ctx)
}

func cContextSize(ctx *C.struct_llama_context) int {
	return int(C.llama_n_ctx(ctx))
}

func cKVClear(ctx *C.struct_llama_context) {
	C.llama_kv_cache_clear(ctx)
}

// ---------------------------------------------------------------------------
// Batch / decode: low-level C wrappers
// ---------------------------------------------------------------------------

func cBatchInit(nTokens, nSeqMax int) C.llama_batch {
	return C.llama_batch_init(C.int32_t(nTokens), 0, C.int32_t(nSeqMax))
}

func cBatchFree(b C.llama_batch) {
	C.llama_batch_free(b)
}

// cBatchViews exposes the arrays of a batch allocated with capacity slots.
// This is the only place the batch pointers are turned into slices.
func cBatchViews(b *C.llama_batch, capacity, nSeqMax int) (token, pos, nSeqID []int32, seqID [][]int32, logits []int8) {
	token = unsafe.Slice((*int32)(unsafe.Pointer(b.token)), capacity)
	pos = unsafe.Slice((*int32)(unsafe.Pointer(b.pos)), capacity)
	nSeqID = unsafe.Slice((*int32)(unsafe.Pointer(b.n_seq_id)), capacity)
	logits = unsafe.Slice((*int8)(unsafe.Pointer(b.logits)), capacity)

	rows := unsafe.Slice((**C.llama_seq_id)(unsafe.Pointer(b.seq_id)), capacity)
	seqID = make([][]int32, capacity)
	for i, row := range rows {
		seqID[i] = unsafe.Slice((*int32)(unsafe.Pointer(row)), nSeqMax)
	}
	return token, pos, nSeqID, seqID, logits
}

func cDecode(ctx *C.struct_llama_context, b C.llama_batch, nTokens int) int32 {
	b.n_tokens = C.int32_t(nTokens)
	return int32(C.llama_decode(ctx, b))
}

// cLogits returns the logits row for output index i. The slice aliases
// context memory and is valid until the next decode.
func cLogits(ctx *C.struct_llama_context, i, vocab int) []float32 {
	ptr := C.llama_get_logits_ith(ctx, C.int32_t(i))
	if ptr == nil {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(ptr)), vocab)
}

// ---------------------------------------------------------------------------
// Sampling: low-level C wrappers
// ---------------------------------------------------------------------------

func init() {
	if unsafe.Sizeof(sampling.TokenData{}) != unsafe.Sizeof(C.llama_token_data{}) {
		panic("llama: sampling.TokenData does not match llama_token_data")
	}
}

// withCandidates pins c's data for the duration of fn and copies the size
// and sorted flag written by llama.cpp back into c.
func withCandidates(c *sampling.Candidates, fn func(arr *C.llama_token_data_array)) {
	if len(c.Data) == 0 {
		return
	}
	var pin runtime.Pinner
	pin.Pin(&c.Data[0])
	defer pin.Unpin()

	arr := C.llama_token_data_array{
		data:   (*C.llama_token_data)(unsafe.Pointer(&c.Data[0])),
		size:   C.size_t(len(c.Data)),
		sorted: C.bool(c.Sorted),
	}
	fn(&arr)
	c.Data = c.Data[:int(arr.size)]
	c.Sorted = bool(arr.sorted)
}

func cSampleRepetition(ctx *C.struct_llama_context, arr *C.llama_token_data_array, last []int32, repeat, freq, present float32) {
	if len(last) == 0 {
		return
	}
	C.llama_sample_repetition_penalties(ctx, arr,
		(*C.llama_token)(unsafe.Pointer(&last[0])), C.size_t(len(last)),
		C.float(repeat), C.float(freq), C.float(present))
	runtime.KeepAlive(last)
}

func cSampleSoftmax(ctx *C.struct_llama_context, arr *C.llama_token_data_array) {
	C.llama_sample_softmax(ctx, arr)
}

func cSampleTopK(ctx *C.struct_llama_context, arr *C.llama_token_data_array, k, minKeep int) {
	C.llama_sample_top_k(ctx, arr, C.int(k), C.size_t(minKeep))
}

func cSampleTailFree(ctx *C.struct_llama_context, arr *C.llama_token_data_array, z float32, minKeep int) {
	C.llama_sample_tail_free(ctx, arr, C.float(z), C.size_t(minKeep))
}

func cSampleTypical(ctx *C.struct_llama_context, arr *C.llama_token_data_array, p float32, minKeep int) {
	C.llama_sample_typical(ctx, arr, C.float(p), C.size_t(minKeep))
}

func cSampleTopP(ctx *C.struct_llama_context, arr *C.llama_token_data_array, p float32, minKeep int) {
	C.llama_sample_top_p(ctx, arr, C.float(p), C.size_t(minKeep))
}

func cSampleMinP(ctx *C.struct_llama_context, arr *C.llama_token_data_array, p float32, minKeep int) {
	C.llama_sample_min_p(ctx, arr, C.float(p), C.size_t(minKeep))
}

func cSampleTemp(ctx *C.struct_llama_context, arr *C.llama_token_data_array, temp float32) {
	C.llama_sample_temp(ctx, arr, C.float(temp))
}

func cSampleGreedy(ctx *C.struct_llama_context, arr *C.llama_token_data_array) int32 {
	return int32(C.llama_sample_token_greedy(ctx, arr))
}

func cSampleToken(ctx *C.struct_llama_context, arr *C.llama_token_data_array) int32 {
	return int32(C.llama_sample_token(ctx, arr))
}
