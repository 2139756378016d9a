package runtime

import (
	"context"

	"LlamaRun/internal/config"
)

// AdapterFactory constructs a new adapter from configuration. progress
// receives model load progress in [0,1] and may be nil.
type AdapterFactory func(ctx context.Context, cfg config.Config, progress func(float32)) (Adapter, error)

// Registry maps backend keys to factories initialising adapters.
type Registry map[string]AdapterFactory

// NewRegistry returns an empty registry.
func NewRegistry() Registry {
	return Registry{}
}

// Register adds a new adapter factory under name.
func (r Registry) Register(name string, factory AdapterFactory) {
	r[name] = factory
}

// Names lists the registered backends.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}
