// Package client talks to a running llamarun server. It satisfies the same
// Generate/Stream/Tokenize surface as the in-process runtime, so front ends
// can drive either.
package client

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"LlamaRun/internal/runtime"
	"LlamaRun/server"
)

// ErrServer is wrapped by errors the server reported.
var ErrServer = errors.New("server error")

// Client is an HTTP client for one llamarun server.
type Client struct {
	BaseURL string

	// httpClient is used for short requests; streams use streamClient,
	// which has no overall timeout.
	httpClient   *http.Client
	streamClient *http.Client
}

// New returns a client for baseURL. timeout bounds non-streaming calls;
// 0 means 60s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		BaseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// Health queries GET /health.
func (c *Client) Health(ctx context.Context) (server.HealthResponse, error) {
	var out server.HealthResponse
	err := c.call(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Generate runs a blocking generation on the server.
func (c *Client) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	body := toWire(req, false)
	var out server.GenerateResponse
	if err := c.call(ctx, http.MethodPost, "/v1/generate", body, &out); err != nil {
		return runtime.Response{ID: body.ID}, err
	}
	resp := runtime.Response{ID: out.ID, Text: out.Text, Finish: out.Finish}
	if out.Stats != nil {
		resp.Stats = fromStatsJSON(*out.Stats)
	}
	return resp, nil
}

// Stream runs a streaming generation, calling cb for every SSE event.
// Cancelling ctx closes the connection, which cancels the generation on the
// server.
func (c *Client) Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error {
	body := toWire(req, true)
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/v1/generate", body)
	if err != nil {
		return err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return cb(runtime.StreamEvent{Final: true, Finish: runtime.FinishCancelled})
		}
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}

	var text string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		// Chunks and the final event share id/text/done; only the final
		// event carries done=true.
		var probe struct {
			Done bool `json:"done"`
		}
		if err := json.Unmarshal([]byte(data), &probe); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}

		if !probe.Done {
			var ch server.StreamChunk
			if err := json.Unmarshal([]byte(data), &ch); err != nil {
				return fmt.Errorf("decode chunk: %w", err)
			}
			text = ch.Text
			if err := cb(runtime.StreamEvent{Text: ch.Text, Delta: ch.Delta, Index: ch.Index}); err != nil {
				return err
			}
			continue
		}

		var final server.GenerateResponse
		if err := json.Unmarshal([]byte(data), &final); err != nil {
			return fmt.Errorf("decode final event: %w", err)
		}
		if final.Error != "" {
			return fmt.Errorf("%w: %s", ErrServer, final.Error)
		}
		ev := runtime.StreamEvent{Text: final.Text, Final: true, Finish: final.Finish}
		if final.Stats != nil {
			st := fromStatsJSON(*final.Stats)
			ev.Stats = &st
		}
		return cb(ev)
	}

	if ctx.Err() != nil {
		return cb(runtime.StreamEvent{Text: text, Final: true, Finish: runtime.FinishCancelled})
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return fmt.Errorf("%w: stream ended without a final event", ErrServer)
}

// Tokenize asks the server to tokenize text with its model.
func (c *Client) Tokenize(text string) ([]runtime.Token, error) {
	var out server.TokenizeResponse
	if err := c.call(context.Background(), http.MethodPost, "/v1/tokenize", server.TokenizeRequest{Text: text}, &out); err != nil {
		return nil, err
	}
	tokens := make([]runtime.Token, len(out.Tokens))
	for i, t := range out.Tokens {
		tokens[i] = runtime.Token{ID: t.ID, Piece: t.Piece}
	}
	return tokens, nil
}

// Cancel stops the running generation with the given request id.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/cancel", nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func readError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("%w: %d: %s", ErrServer, resp.StatusCode, body.Error)
	}
	return fmt.Errorf("%w: status %d: %s", ErrServer, resp.StatusCode, strings.TrimSpace(string(data)))
}

func toWire(req runtime.Request, stream bool) server.GenerateRequest {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	o := req.Options
	return server.GenerateRequest{
		ID:     id,
		Prompt: req.Prompt,
		System: req.System,
		Raw:    req.Raw,
		Stream: stream,
		Options: server.GenerateOptions{
			MaxTokens:     o.MaxTokens,
			Temperature:   o.Temperature,
			TopK:          o.TopK,
			TopP:          o.TopP,
			MinP:          o.MinP,
			RepeatPenalty: o.RepeatPenalty,
			RepeatLastN:   o.RepeatLastN,
			Stop:          o.Stop,
		},
	}
}

func fromStatsJSON(s server.StatsJSON) runtime.Stats {
	return runtime.Stats{
		TokensEvaluated: s.PromptTokens,
		TokensGenerated: s.GeneratedTokens,
		DecodeCalls:     s.DecodeCalls,
		TTFT:            time.Duration(s.TTFTMillis) * time.Millisecond,
		Duration:        time.Duration(s.DurationMillis) * time.Millisecond,
		GenerationTPS:   s.TokensPerSecond,
	}
}
