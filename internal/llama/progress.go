//go:build native

package llama

/*
#include <stdint.h>
*/
import "C"
import (
	"runtime/cgo"
	"unsafe"
)

// goLlamaProgress receives model load progress from llama.cpp. user carries
// the cgo.Handle of the Go callback.
//
//export goLlamaProgress
func goLlamaProgress(progress C.float, user unsafe.Pointer) {
	h := cgo.Handle(uintptr(user))
	if fn, ok := h.Value().(func(float32)); ok {
		fn(float32(progress))
	}
}
