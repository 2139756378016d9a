package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrModelLoad matches every ModelLoadError.
	ErrModelLoad = errors.New("engine: model load failed")
	// ErrContextCreate matches every ContextCreateError.
	ErrContextCreate = errors.New("engine: context creation failed")
	// ErrContextOverflow matches every ContextOverflowError.
	ErrContextOverflow = errors.New("engine: context window exceeded")
	// ErrDecode matches every DecodeError.
	ErrDecode = errors.New("engine: decode failed")
	// ErrTokenToText matches every TokenToTextError.
	ErrTokenToText = errors.New("engine: token to text failed")

	ErrClosed      = errors.New("engine: handle is closed")
	ErrEmptyPrompt = errors.New("engine: prompt tokenized to zero tokens")
)

// ModelLoadError reports that the backend returned no model for Path.
type ModelLoadError struct {
	Path string
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("engine: failed to load model from %q", e.Path)
}

func (e *ModelLoadError) Unwrap() error { return ErrModelLoad }

// ContextCreateError reports that the backend returned no context.
type ContextCreateError struct {
	ContextSize int
}

func (e *ContextCreateError) Error() string {
	return fmt.Sprintf("engine: failed to create context of %d tokens", e.ContextSize)
}

func (e *ContextCreateError) Unwrap() error { return ErrContextCreate }

// ContextOverflowError reports that prompt plus requested output does not
// fit the context window.
type ContextOverflowError struct {
	PromptTokens int
	MaxTokens    int
	Capacity     int
}

// Required is the number of positions the request needs.
func (e *ContextOverflowError) Required() int { return e.PromptTokens + e.MaxTokens }

func (e *ContextOverflowError) Error() string {
	return fmt.Sprintf("engine: prompt of %d tokens plus %d output tokens exceeds context size %d",
		e.PromptTokens, e.MaxTokens, e.Capacity)
}

func (e *ContextOverflowError) Unwrap() error { return ErrContextOverflow }

// DecodeError carries the non-zero status of a failed decode call.
type DecodeError struct {
	Status   int32
	Position int
	Prefill  bool
}

func (e *DecodeError) Error() string {
	stage := "step"
	if e.Prefill {
		stage = "prefill"
	}
	return fmt.Sprintf("engine: decode failed during %s at position %d with code %d", stage, e.Position, e.Status)
}

func (e *DecodeError) Unwrap() error { return ErrDecode }

// TokenToTextError reports a token whose text could not be produced.
type TokenToTextError struct {
	Token    int32
	Required int
}

func (e *TokenToTextError) Error() string {
	return fmt.Sprintf("engine: token %d text unavailable (backend asked for %d bytes twice)", e.Token, e.Required)
}

func (e *TokenToTextError) Unwrap() error { return ErrTokenToText }
