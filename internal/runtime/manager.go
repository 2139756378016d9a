package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"LlamaRun/internal/config"
)

// Manager routes generation requests to the configured runtime adapter.
type Manager struct {
	adapter Adapter
}

// NewManager constructs the runtime manager using the provided configuration.
func NewManager(ctx context.Context, cfg config.Config, registry Registry, progress func(float32)) (*Manager, error) {
	backend := strings.TrimSpace(strings.ToLower(cfg.Runtime.Backend))
	if backend == "" {
		backend = "native"
	}

	factory, ok := registry[backend]
	if !ok {
		names := registry.Names()
		sort.Strings(names)
		return nil, fmt.Errorf("runtime: backend %q not registered (available: %s)", backend, strings.Join(names, ", "))
	}

	adapter, err := factory(ctx, cfg, progress)
	if err != nil {
		return nil, err
	}

	return &Manager{adapter: adapter}, nil
}

// Adapter returns the underlying adapter.
func (m *Manager) Adapter() Adapter {
	return m.adapter
}

// Close frees adapter resources.
func (m *Manager) Close() error {
	if m == nil || m.adapter == nil {
		return nil
	}
	return m.adapter.Close()
}

// Generate runs a single-shot completion request.
func (m *Manager) Generate(ctx context.Context, req Request) (Response, error) {
	if m == nil || m.adapter == nil {
		return Response{}, fmt.Errorf("runtime: no adapter configured")
	}
	return m.adapter.Generate(ctx, req)
}

// Stream requests a streaming generation.
func (m *Manager) Stream(ctx context.Context, req Request, cb StreamCallback) error {
	if m == nil || m.adapter == nil {
		return fmt.Errorf("runtime: no adapter configured")
	}
	return m.adapter.Stream(ctx, req, cb)
}

// Tokenize splits text with the loaded model's vocabulary.
func (m *Manager) Tokenize(text string) ([]Token, error) {
	if m == nil || m.adapter == nil {
		return nil, fmt.Errorf("runtime: no adapter configured")
	}
	return m.adapter.Tokenize(text)
}
