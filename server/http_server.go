package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"LlamaRun/internal/runtime"
)

// Generator is the part of the runtime the server drives.
type Generator interface {
	Generate(ctx context.Context, req runtime.Request) (runtime.Response, error)
	Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error
	Tokenize(text string) ([]runtime.Token, error)
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	ID      string          `json:"id,omitempty"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Raw     bool            `json:"raw,omitempty"`
	Stream  bool            `json:"stream,omitempty"`
	Options GenerateOptions `json:"options,omitempty"`
}

// GenerateOptions mirrors runtime.GenerationOptions on the wire.
type GenerateOptions struct {
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	TopP          float64  `json:"top_p,omitempty"`
	MinP          float64  `json:"min_p,omitempty"`
	RepeatPenalty float64  `json:"repeat_penalty,omitempty"`
	RepeatLastN   int      `json:"repeat_last_n,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

// GenerateResponse is the reply to a non-streaming generation and the
// payload of the final SSE event.
type GenerateResponse struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Finish string     `json:"finish,omitempty"`
	Done   bool       `json:"done"`
	Stats  *StatsJSON `json:"stats,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// StreamChunk is one SSE event of a streaming generation. Text is the full
// visible text so far.
type StreamChunk struct {
	ID    string `json:"id"`
	Text  string `json:"text"`
	Delta string `json:"delta"`
	Index int    `json:"index"`
	Done  bool   `json:"done"`
}

// StatsJSON reports generation statistics.
type StatsJSON struct {
	PromptTokens    int     `json:"prompt_tokens"`
	GeneratedTokens int     `json:"generated_tokens"`
	DecodeCalls     int     `json:"decode_calls"`
	TTFTMillis      int64   `json:"ttft_ms"`
	DurationMillis  int64   `json:"duration_ms"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// TokenizeRequest is the body of POST /v1/tokenize.
type TokenizeRequest struct {
	Text string `json:"text"`
}

// TokenJSON is one token of a TokenizeResponse.
type TokenJSON struct {
	ID    int32  `json:"id"`
	Piece string `json:"piece"`
}

// TokenizeResponse lists the tokens of the text, BOS first.
type TokenizeResponse struct {
	Tokens []TokenJSON `json:"tokens"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status   string `json:"status"`
	Backend  string `json:"backend,omitempty"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
}

// session is one in-flight generation that can be cancelled by id.
type session struct {
	cancel context.CancelFunc
}

// HTTPServer serves generation requests over HTTP.
type HTTPServer struct {
	Address string
	Port    string

	backend   string
	gen       Generator
	sessions  *ttlcache.Cache[string, *session]
	echo      *echo.Echo
	startTime time.Time
	log       *slog.Logger
}

// NewHTTPServer creates a server for gen. Sessions are dropped from the
// cancellation registry after ttl even if their generation never reports
// back.
func NewHTTPServer(address, port, backend string, gen Generator, ttl time.Duration) *HTTPServer {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	s := &HTTPServer{
		Address: address,
		Port:    port,
		backend: backend,
		gen:     gen,
		sessions: ttlcache.New[string, *session](
			ttlcache.WithTTL[string, *session](ttl),
			ttlcache.WithDisableTouchOnHit[string, *session](),
		),
		startTime: time.Now(),
		log:       slog.Default().With("component", "server"),
	}

	e := echo.New()
	e.Use(middleware.Recover())
	e.GET("/health", s.handleHealth)
	e.POST("/v1/generate", s.handleGenerate)
	e.POST("/v1/tokenize", s.handleTokenize)
	e.POST("/v1/sessions/:id/cancel", s.handleCancel)
	s.echo = e
	return s
}

// Handler exposes the routes, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.echo
}

// Start listens until ctx is done.
func (s *HTTPServer) Start(ctx context.Context) error {
	go s.sessions.Start()
	defer s.sessions.Stop()

	s.echo.Use(middleware.RequestLogger())
	addr := net.JoinHostPort(s.Address, s.Port)
	s.log.Info("HTTP server starting", "address", addr, "backend", s.backend)

	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	if err := sc.Start(ctx, s.echo); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server: %w", err)
	}
	s.log.Info("HTTP server stopped", "address", addr)
	return nil
}

func (s *HTTPServer) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Backend:  s.backend,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
		Sessions: s.sessions.Len(),
	})
}

func (s *HTTPServer) handleCancel(c *echo.Context) error {
	id := c.Param("id")
	item := s.sessions.Get(id)
	if item == nil {
		return writeError(c, http.StatusNotFound, fmt.Sprintf("no running generation %q", id))
	}
	item.Value().cancel()
	s.log.Info("generation cancelled by client", "request", id)
	return c.JSON(http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func (s *HTTPServer) handleTokenize(c *echo.Context) error {
	req, err := decodeJSON[TokenizeRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	tokens, err := s.gen.Tokenize(req.Text)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	out := TokenizeResponse{Tokens: make([]TokenJSON, len(tokens))}
	for i, t := range tokens {
		out.Tokens[i] = TokenJSON{ID: t.ID, Piece: t.Piece}
	}
	return c.JSON(http.StatusOK, out)
}

// forget unregisters id only while it still maps to sess, so an expired
// entry reused by a later request is left alone.
func (s *HTTPServer) forget(id string, sess *session) {
	if item := s.sessions.Get(id); item != nil && item.Value() == sess {
		s.sessions.Delete(id)
	}
}

func (s *HTTPServer) handleGenerate(c *echo.Context) error {
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
	}
	if strings.TrimSpace(req.Prompt) == "" && !req.Raw {
		return writeError(c, http.StatusBadRequest, "prompt is required")
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	sess := &session{cancel: cancel}
	if _, found := s.sessions.GetOrSet(id, sess); found {
		return writeError(c, http.StatusConflict, fmt.Sprintf("generation %q is already running", id))
	}
	defer s.forget(id, sess)

	rreq := runtime.Request{
		ID:     id,
		Prompt: req.Prompt,
		System: req.System,
		Raw:    req.Raw,
		Options: runtime.GenerationOptions{
			MaxTokens:     req.Options.MaxTokens,
			Temperature:   req.Options.Temperature,
			TopK:          req.Options.TopK,
			TopP:          req.Options.TopP,
			MinP:          req.Options.MinP,
			RepeatPenalty: req.Options.RepeatPenalty,
			RepeatLastN:   req.Options.RepeatLastN,
			Stop:          req.Options.Stop,
		},
	}

	if req.Stream {
		return s.stream(ctx, c, id, rreq)
	}

	resp, err := s.gen.Generate(ctx, rreq)
	if err != nil {
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, GenerateResponse{
		ID:     id,
		Text:   resp.Text,
		Finish: resp.Finish,
		Done:   true,
		Stats:  toStatsJSON(resp.Stats),
	})
}

// stream writes one SSE event per visible text change and a final event
// with the finish reason.
func (s *HTTPServer) stream(ctx context.Context, c *echo.Context, id string, req runtime.Request) error {
	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.Header().Set("X-Request-Id", id)

	flusher, ok := res.(http.Flusher)
	if !ok {
		return writeError(c, http.StatusInternalServerError, "streaming not supported")
	}
	c.Response().WriteHeader(http.StatusOK)

	send := func(payload any) error {
		if err := writeEvent(res, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := s.gen.Stream(ctx, req, func(ev runtime.StreamEvent) error {
		if ev.Final {
			out := GenerateResponse{ID: id, Text: ev.Text, Finish: ev.Finish, Done: true}
			if ev.Stats != nil {
				out.Stats = toStatsJSON(*ev.Stats)
			}
			return send(out)
		}
		return send(StreamChunk{ID: id, Text: ev.Text, Delta: ev.Delta, Index: ev.Index})
	})
	if err != nil {
		s.log.Error("stream failed", "request", id, "error", err)
		return send(GenerateResponse{ID: id, Done: true, Error: err.Error()})
	}
	return nil
}

func toStatsJSON(st runtime.Stats) *StatsJSON {
	return &StatsJSON{
		PromptTokens:    st.TokensEvaluated,
		GeneratedTokens: st.TokensGenerated,
		DecodeCalls:     st.DecodeCalls,
		TTFTMillis:      st.TTFT.Milliseconds(),
		DurationMillis:  st.Duration.Milliseconds(),
		TokensPerSecond: st.GenerationTPS,
	}
}

func writeEvent(w io.Writer, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, map[string]any{"error": msg, "done": true})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
