package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LlamaRun/internal/config"
	"LlamaRun/internal/engine/enginetest"
	"LlamaRun/internal/runtime"
)

func newFakeServer(t *testing.T, script string) *HTTPServer {
	t.Helper()
	cfg := config.Default()
	cfg.Runtime.Backend = "fake"
	cfg.Runtime.Native.ModelPath = "fake.gguf"
	cfg.Conversation.Template = runtime.TemplateRaw

	reg := runtime.NewRegistry()
	reg.Register("fake", func(ctx context.Context, cfg config.Config, progress func(float32)) (runtime.Adapter, error) {
		return runtime.NewEngineAdapter(ctx, "fake", &enginetest.Loader{Model: enginetest.ScriptText(script)}, cfg, progress)
	})
	mgr, err := runtime.NewManager(context.Background(), cfg, reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { mgr.Close() })

	return NewHTTPServer("127.0.0.1", "0", "fake", mgr, time.Minute)
}

func do(t *testing.T, s *HTTPServer, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newFakeServer(t, "")
	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "fake", h.Backend)
	assert.Zero(t, h.Sessions)
}

func TestGenerateJSON(t *testing.T) {
	s := newFakeServer(t, "hello")
	rec := do(t, s, http.MethodPost, "/v1/generate", `{"prompt":"hi","options":{"max_tokens":5}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp GenerateResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hello", resp.Text)
	assert.Equal(t, runtime.FinishLength, resp.Finish)
	assert.True(t, resp.Done)
	assert.NotEmpty(t, resp.ID)
	require.NotNil(t, resp.Stats)
	assert.Equal(t, 5, resp.Stats.GeneratedTokens)
}

func TestGenerateValidation(t *testing.T) {
	s := newFakeServer(t, "x")

	rec := do(t, s, http.MethodPost, "/v1/generate", `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/v1/generate", `{"prompt":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "prompt is required")
}

func TestGenerateStream(t *testing.T) {
	s := newFakeServer(t, "abc")
	rec := do(t, s, http.MethodPost, "/v1/generate", `{"id":"s1","prompt":"q","stream":true,"options":{"max_tokens":3}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var chunks []StreamChunk
	var final GenerateResponse
	sc := bufio.NewScanner(rec.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := []byte(strings.TrimPrefix(line, "data: "))
		if strings.Contains(line, `"finish"`) {
			require.NoError(t, json.Unmarshal(data, &final))
			continue
		}
		var ch StreamChunk
		require.NoError(t, json.Unmarshal(data, &ch))
		chunks = append(chunks, ch)
	}

	require.Len(t, chunks, 3)
	assert.Equal(t, "a", chunks[0].Text)
	assert.Equal(t, "abc", chunks[2].Text)
	assert.Equal(t, "c", chunks[2].Delta)
	assert.Equal(t, "s1", chunks[1].ID)
	assert.True(t, final.Done)
	assert.Equal(t, "abc", final.Text)
	assert.Equal(t, runtime.FinishLength, final.Finish)
}

// blockingGenerator runs until its context is cancelled.
type blockingGenerator struct {
	started chan struct{}
}

func (g *blockingGenerator) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	close(g.started)
	<-ctx.Done()
	return runtime.Response{ID: req.ID, Finish: runtime.FinishCancelled}, nil
}

func (g *blockingGenerator) Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error {
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return err
	}
	return cb(runtime.StreamEvent{Final: true, Finish: resp.Finish})
}

func (g *blockingGenerator) Tokenize(string) ([]runtime.Token, error) { return nil, nil }

func TestTokenize(t *testing.T) {
	s := newFakeServer(t, "")
	rec := do(t, s, http.MethodPost, "/v1/tokenize", `{"text":"ab"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TokenizeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Tokens, 3)
	assert.Equal(t, enginetest.BOS, resp.Tokens[0].ID)
	assert.Equal(t, TokenJSON{ID: enginetest.ByteToken('a'), Piece: "a"}, resp.Tokens[1])

	rec = do(t, s, http.MethodPost, "/v1/tokenize", `nope`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelSession(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{})}
	s := NewHTTPServer("127.0.0.1", "0", "fake", gen, time.Minute)

	rec := do(t, s, http.MethodPost, "/v1/sessions/nope/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- do(t, s, http.MethodPost, "/v1/generate", `{"id":"job-1","prompt":"q"}`)
	}()

	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not start")
	}

	health := do(t, s, http.MethodGet, "/health", "")
	assert.Contains(t, health.Body.String(), `"sessions":1`)

	rec = do(t, s, http.MethodPost, "/v1/sessions/job-1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	select {
	case res := <-done:
		require.Equal(t, http.StatusOK, res.Code)
		var resp GenerateResponse
		require.NoError(t, json.Unmarshal(res.Body.Bytes(), &resp))
		assert.Equal(t, runtime.FinishCancelled, resp.Finish)
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop after cancel")
	}

	rec = do(t, s, http.MethodPost, "/v1/sessions/job-1/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "finished sessions leave the registry")
}

// gatedGenerator counts generations and blocks each until cancelled.
type gatedGenerator struct {
	runs    atomic.Int32
	started chan struct{}
}

func (g *gatedGenerator) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	g.runs.Add(1)
	g.started <- struct{}{}
	<-ctx.Done()
	return runtime.Response{ID: req.ID, Finish: runtime.FinishCancelled}, nil
}

func (g *gatedGenerator) Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error {
	resp, err := g.Generate(ctx, req)
	if err != nil {
		return err
	}
	return cb(runtime.StreamEvent{Final: true, Finish: resp.Finish})
}

func (g *gatedGenerator) Tokenize(string) ([]runtime.Token, error) { return nil, nil }

func TestDuplicateIDsUnderConcurrency(t *testing.T) {
	const requests = 8
	gen := &gatedGenerator{started: make(chan struct{}, requests)}
	s := NewHTTPServer("127.0.0.1", "0", "fake", gen, time.Minute)

	results := make(chan int, requests)
	var ready sync.WaitGroup
	ready.Add(requests)
	start := make(chan struct{})
	for range requests {
		go func() {
			ready.Done()
			<-start
			results <- do(t, s, http.MethodPost, "/v1/generate", `{"id":"dup","prompt":"q"}`).Code
		}()
	}
	ready.Wait()
	close(start)

	for i := 0; i < requests-1; i++ {
		select {
		case code := <-results:
			assert.Equal(t, http.StatusConflict, code)
		case <-time.After(2 * time.Second):
			t.Fatal("duplicate request was not rejected")
		}
	}
	select {
	case <-gen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not start")
	}
	assert.EqualValues(t, 1, gen.runs.Load(), "only one generation runs per id")

	health := do(t, s, http.MethodGet, "/health", "")
	assert.Contains(t, health.Body.String(), `"sessions":1`)

	rec := do(t, s, http.MethodPost, "/v1/sessions/dup/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code, "the running generation stays cancellable")

	select {
	case code := <-results:
		assert.Equal(t, http.StatusOK, code)
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop after cancel")
	}

	rec = do(t, s, http.MethodPost, "/v1/sessions/dup/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
