//go:build !native

// Package llama binds the engine to llama.cpp. Without the native build tag
// only this stub is compiled and no backend is registered.
package llama

import "LlamaRun/internal/runtime"

// Available reports whether the binary was built with the native backend.
func Available() bool { return false }

// Register is a no-op without the native build tag.
func Register(runtime.Registry) {}
