// Package runtime puts a request/response surface over the generation
// engine: option merging with configured defaults, prompt templates, stop
// sequences and model presets. Backends register an AdapterFactory in a
// Registry; the Manager owns the adapter built from configuration.
package runtime

import (
	"context"
	"time"
)

// Request captures a user prompt along with tunable generation options.
type Request struct {
	// ID identifies the generation in logs. Empty gets a fresh UUID.
	ID string

	Prompt string

	// System overrides the configured system message.
	System string

	// Raw sends Prompt to the model without a chat template.
	Raw bool

	Options GenerationOptions
}

// GenerationOptions overrides the configured defaults for one request. Zero
// values keep the default.
type GenerationOptions struct {
	MaxTokens int

	// Temperature is a pointer because 0 selects greedy decoding.
	Temperature   *float64
	TopK          int
	TopP          float64
	MinP          float64
	RepeatPenalty float64
	RepeatLastN   int
	Stop          []string
}

// Response contains the final text plus statistics.
type Response struct {
	ID     string
	Text   string
	Stats  Stats
	Finish string
}

// Finish reasons reported in Response.Finish.
const (
	FinishEOS       = "eos"
	FinishLength    = "length"
	FinishStop      = "stop"
	FinishCancelled = "cancelled"
)

// Stats summarises runtime execution characteristics.
type Stats struct {
	TokensEvaluated int
	TokensGenerated int
	DecodeCalls     int
	Duration        time.Duration

	// TTFT is the time from request start until the first generated token.
	TTFT time.Duration

	// GenerationTPS is the token generation throughput (tokens/second).
	GenerationTPS float64
}

// StreamEvent is emitted for each visible text change during streaming and
// once more with Final set.
type StreamEvent struct {
	// Text is the full visible text so far; Delta is what this event added.
	Text  string
	Delta string
	Index int
	Final bool

	// Finish and Stats are populated on the final event.
	Finish string
	Stats  *Stats
}

// StreamCallback is invoked for each StreamEvent. Returning an error stops
// the generation.
type StreamCallback func(StreamEvent) error

// Token is one prompt token with its rendered text.
type Token struct {
	ID    int32
	Piece string
}

// Adapter is the contract runtime backends must implement.
type Adapter interface {
	Name() string
	Generate(ctx context.Context, req Request) (Response, error)
	Stream(ctx context.Context, req Request, cb StreamCallback) error
	Tokenize(text string) ([]Token, error)
	Close() error
}
