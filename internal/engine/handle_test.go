package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LlamaRun/internal/engine"
	"LlamaRun/internal/engine/enginetest"
)

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func TestLoadModelFailure(t *testing.T) {
	_, err := engine.LoadModel(context.Background(), &enginetest.Loader{}, "missing.gguf", engine.DefaultModelOptions(), nil)
	var le *engine.ModelLoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "missing.gguf", le.Path)
	assert.ErrorIs(t, err, engine.ErrModelLoad)
}

func TestLoadProgressIsClampedAndMonotonic(t *testing.T) {
	loader := &enginetest.Loader{
		Model:    enginetest.NewModel(),
		Progress: []float32{-0.5, 0.25, 0.1, 0.5, 1.5, 0.7},
	}

	var mu sync.Mutex
	var seen []float32
	m, err := engine.LoadModel(context.Background(), loader, "m.gguf", engine.DefaultModelOptions(), func(f float32) {
		mu.Lock()
		seen = append(seen, f)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, []float32{0, 0.25, 0.5, 1}, seen)
}

func TestLoadModelGivesUpOnContext(t *testing.T) {
	fm := enginetest.NewModel()
	gate := make(chan struct{})
	loader := &enginetest.Loader{Model: fm, Gate: gate}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := engine.LoadModel(ctx, loader, "slow.gguf", engine.DefaultModelOptions(), nil)
	assert.ErrorIs(t, err, context.Canceled)

	close(gate)
	assert.Eventually(t, func() bool { return fm.Closes() == 1 }, 2*time.Second, 5*time.Millisecond,
		"late model must be released")
}

func TestOpenUnwindsModelOnContextFailure(t *testing.T) {
	fm := enginetest.NewModel()
	fm.FailContext = true

	_, err := engine.Open(context.Background(), &enginetest.Loader{Model: fm}, "m.gguf",
		engine.DefaultModelOptions(), engine.ContextOptions{ContextSize: 512}, nil)
	var ce *engine.ContextCreateError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 512, ce.ContextSize)
	assert.Equal(t, 1, fm.Closes(), "model is released before the error propagates")
}

func TestContextDefaults(t *testing.T) {
	m, err := engine.LoadModel(context.Background(), &enginetest.Loader{Model: enginetest.NewModel()}, "m.gguf", engine.DefaultModelOptions(), nil)
	require.NoError(t, err)
	defer m.Close()

	c, err := m.NewContext(engine.ContextOptions{})
	require.NoError(t, err)
	defer c.Close()

	opts := c.Options()
	assert.Equal(t, engine.DefaultContextSize, opts.ContextSize)
	assert.Equal(t, opts.ContextSize, opts.BatchSize)
	assert.Positive(t, opts.Threads)
	assert.Equal(t, opts.Threads, opts.ThreadsBatch)
	assert.Equal(t, engine.DefaultContextSize, c.Capacity())
	assert.Equal(t, enginetest.Vocab, m.VocabSize())
	assert.Equal(t, enginetest.EOS, m.EndOfSequenceID())
}

// ---------------------------------------------------------------------------
// Disposal
// ---------------------------------------------------------------------------

func TestCloseIsIdempotent(t *testing.T) {
	fm := enginetest.ScriptText("a")
	e, fc := openFake(t, fm, 64)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.NoError(t, e.Model.Close())

	assert.Equal(t, 1, fc.Closes())
	assert.Equal(t, 1, fm.Closes())

	_, err := e.Generate(context.Background(), request("q", 1), nil)
	assert.ErrorIs(t, err, engine.ErrClosed)
	_, err = e.Model.Tokenize("q", true)
	assert.ErrorIs(t, err, engine.ErrClosed)
}

func TestModelOutlivesItsContexts(t *testing.T) {
	fm := enginetest.ScriptText("a")
	m, err := engine.LoadModel(context.Background(), &enginetest.Loader{Model: fm}, "m.gguf", engine.DefaultModelOptions(), nil)
	require.NoError(t, err)

	c1, err := m.NewContext(engine.ContextOptions{ContextSize: 64})
	require.NoError(t, err)
	c2, err := m.NewContext(engine.ContextOptions{ContextSize: 64})
	require.NoError(t, err)

	m.Close()
	assert.Equal(t, 0, fm.Closes(), "contexts still depend on the model")
	_, err = m.NewContext(engine.ContextOptions{})
	assert.ErrorIs(t, err, engine.ErrClosed)

	c1.Close()
	assert.Equal(t, 0, fm.Closes())
	c2.Close()
	assert.Equal(t, 1, fm.Closes())
}

func TestCloseCancelsInFlightGeneration(t *testing.T) {
	fm := enginetest.ScriptText("abcdefghijklmnop")
	e, fc := openFake(t, fm, 2048)

	closed := make(chan struct{})
	fc.OnDecode = func(call int) {
		if call == 1 {
			go func() {
				e.Close()
				close(closed)
			}()
			<-e.Context.Done()
		}
	}

	res, err := e.Generate(context.Background(), request("q", 16), nil)
	require.NoError(t, err)
	assert.Equal(t, engine.FinishCancelled, res.Finish)
	assert.Equal(t, "a", res.Text)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return after the generation stopped")
	}
	assert.Len(t, fc.Calls(), 1)
	assert.Equal(t, 1, fc.Closes())
	assert.Equal(t, 1, fm.Closes())
}

func TestCloseFromProgressSink(t *testing.T) {
	tests := []struct {
		name  string
		close func(e *engine.Engine) error
	}{
		{name: "context", close: func(e *engine.Engine) error { return e.Context.Close() }},
		{name: "engine", close: func(e *engine.Engine) error { return e.Close() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := enginetest.ScriptText("abcdef")
			e, fc := openFake(t, fm, 2048)

			type outcome struct {
				res engine.Result
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := e.Generate(context.Background(), request("q", 6), func(text string) {
					if text == "a" {
						assert.NoError(t, tt.close(e))
						assert.Equal(t, 0, fc.Closes(), "context is still in use by the generation")
					}
				})
				done <- outcome{res, err}
			}()

			var got outcome
			select {
			case got = <-done:
			case <-time.After(2 * time.Second):
				t.Fatal("generation did not return after Close from its own sink")
			}
			require.NoError(t, got.err)
			assert.Equal(t, engine.FinishCancelled, got.res.Finish)
			assert.Equal(t, "a", got.res.Text)
			assert.Len(t, fc.Calls(), 1, "no decode after Close")
			assert.Equal(t, 1, fc.Closes(), "context released once the generation left it")

			require.NoError(t, e.Close())
			assert.Equal(t, 1, fc.Closes())
			assert.Equal(t, 1, fm.Closes())

			_, err := e.Generate(context.Background(), request("q", 1), nil)
			assert.ErrorIs(t, err, engine.ErrClosed)
		})
	}
}

func TestSeparateContextsRunInParallel(t *testing.T) {
	fm := enginetest.ScriptText("abcd")
	m, err := engine.LoadModel(context.Background(), &enginetest.Loader{Model: fm}, "m.gguf", engine.DefaultModelOptions(), nil)
	require.NoError(t, err)
	defer m.Close()

	var tasks []*engine.Task
	for i := 0; i < 3; i++ {
		c, err := m.NewContext(engine.ContextOptions{ContextSize: 64, Seed: uint32(i)})
		require.NoError(t, err)
		defer c.Close()
		tasks = append(tasks, c.Run(context.Background(), request("q", 4), nil))
	}
	for _, task := range tasks {
		res, err := task.Result()
		require.NoError(t, err)
		assert.Equal(t, "abcd", res.Text)
	}
}
