//go:build native

package llama

import (
	"context"

	"LlamaRun/internal/config"
	"LlamaRun/internal/runtime"
)

// Register adds the llama.cpp adapter to reg under "native".
func Register(reg runtime.Registry) {
	reg.Register("native", func(ctx context.Context, cfg config.Config, progress func(float32)) (runtime.Adapter, error) {
		return runtime.NewEngineAdapter(ctx, "native", Loader{}, cfg, progress)
	})
}
