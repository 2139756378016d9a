package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"LlamaRun/internal/config"
	"LlamaRun/internal/engine"
)

// EngineAdapter implements Adapter on top of an engine.Engine. Any backend
// that provides an engine.Loader can be served through it.
type EngineAdapter struct {
	name   string
	engine *engine.Engine
	cfg    config.Config
	preset string
	log    *slog.Logger
}

// NewEngineAdapter loads the configured model with loader and creates its
// inference context.
func NewEngineAdapter(ctx context.Context, name string, loader engine.Loader, cfg config.Config, progress func(float32)) (*EngineAdapter, error) {
	nc := cfg.Runtime.Native
	if nc.ModelPath == "" {
		return nil, fmt.Errorf("%s: model_path is required", name)
	}

	mopts := engine.DefaultModelOptions()
	mopts.GPULayers = nc.GPULayers
	mopts.MainGPU = nc.MainGPU
	if nc.Mmap != nil {
		mopts.UseMmap = *nc.Mmap
	}
	if nc.Mlock != nil {
		mopts.UseMlock = *nc.Mlock
	}

	copts := engine.ContextOptions{
		Seed:         nc.Seed,
		ContextSize:  nc.ContextSize,
		BatchSize:    nc.BatchSize,
		Threads:      nc.Threads,
		ThreadsBatch: nc.ThreadsBatch,
		RopeScaling:  nc.RopeScalingType(),
	}

	e, err := engine.Open(ctx, loader, nc.ModelPath, mopts, copts, progress)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	log := slog.Default().With("component", "runtime", "backend", name)
	a := &EngineAdapter{name: name, engine: e, cfg: cfg, log: log}

	desc := e.Model.Description()
	if preset, ok := matchPreset(desc, nc.ModelPath); ok {
		applyPreset(&a.cfg, preset)
		a.preset = preset.Name
		log.Info("auto-detected model preset", "preset", preset.Name, "model", desc)
	}

	opts := e.Context.Options()
	log.Info("model loaded",
		"model", desc,
		"vocab", e.Model.VocabSize(),
		"ctx", opts.ContextSize,
		"batch", opts.BatchSize,
		"threads", opts.Threads)

	return a, nil
}

// Name returns the adapter identifier.
func (a *EngineAdapter) Name() string { return a.name }

// Preset returns the matched model preset name, or "".
func (a *EngineAdapter) Preset() string { return a.preset }

// Engine exposes the underlying engine.
func (a *EngineAdapter) Engine() *engine.Engine { return a.engine }

// Generate performs a blocking generation.
func (a *EngineAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	return a.run(ctx, req, nil)
}

// Stream emits visible text as it is produced and a final event carrying
// the finish reason and stats.
func (a *EngineAdapter) Stream(ctx context.Context, req Request, cb StreamCallback) error {
	idx := 0
	resp, err := a.run(ctx, req, func(text, delta string) error {
		ev := StreamEvent{Text: text, Delta: delta, Index: idx}
		idx++
		return cb(ev)
	})
	if err != nil {
		return err
	}
	return cb(StreamEvent{Text: resp.Text, Index: idx, Final: true, Finish: resp.Finish, Stats: &resp.Stats})
}

// Tokenize splits text with the model vocabulary, BOS included.
func (a *EngineAdapter) Tokenize(text string) ([]Token, error) {
	ids, err := a.engine.Model.Tokenize(text, true)
	if err != nil {
		return nil, err
	}
	out := make([]Token, len(ids))
	for i, id := range ids {
		piece, err := a.engine.Model.TokenToText(id)
		if err != nil && !errors.Is(err, engine.ErrTokenToText) {
			return nil, err
		}
		out[i] = Token{ID: id, Piece: piece}
	}
	return out, nil
}

// Close frees the engine.
func (a *EngineAdapter) Close() error {
	return a.engine.Close()
}

// run drives one generation. onText, when set, receives the visible text
// and what it added; text that could still turn into a stop sequence is
// held back until it is resolved.
func (a *EngineAdapter) run(ctx context.Context, req Request, onText func(text, delta string) error) (Response, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	log := a.log.With("request", id)

	defaults := mergeOptions(a.cfg.Runtime.Defaults, req.Options)
	params, err := defaults.SamplingParams()
	if err != nil {
		return Response{ID: id}, err
	}

	prompt := req.Prompt
	if !req.Raw {
		system := req.System
		if system == "" {
			system = a.cfg.Conversation.SystemMessage
		}
		prompt, err = FormatPrompt(a.cfg.Conversation.Template, system, req.Prompt)
		if err != nil {
			return Response{ID: id}, err
		}
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		stopped bool
		cbErr   error
		sent    string
	)
	progress := func(full string) {
		if stopped || cbErr != nil {
			return
		}
		visible := full
		if idx := stopIndex(full, defaults.Stop); idx >= 0 {
			stopped = true
			cancel()
			visible = full[:idx]
		} else {
			visible = full[:len(full)-heldBack(full, defaults.Stop)]
		}
		if onText == nil || len(visible) <= len(sent) || !strings.HasPrefix(visible, sent) {
			return
		}
		if cbErr = onText(visible, visible[len(sent):]); cbErr != nil {
			cancel()
			return
		}
		sent = visible
	}

	log.Debug("generation started", "max_tokens", defaults.MaxTokens, "temperature", params.Temperature)
	res, err := a.engine.Generate(genCtx, engine.Request{
		Prompt:    prompt,
		MaxTokens: defaults.MaxTokens,
		Params:    params,
	}, progress)
	if err != nil {
		log.Error("generation failed", "error", err)
		return Response{ID: id}, err
	}
	if cbErr != nil {
		return Response{ID: id}, cbErr
	}

	text := trimAtStop(res.Text, defaults.Stop)
	finish := string(res.Finish)
	if stopped {
		finish = FinishStop
	}

	// Flush anything that was held back for a stop sequence that never came.
	if onText != nil && len(text) > len(sent) && strings.HasPrefix(text, sent) {
		if err := onText(text, text[len(sent):]); err != nil {
			return Response{ID: id}, err
		}
	}

	stats := convertStats(res.Stats)
	log.Info("generation finished",
		"finish", finish,
		"prompt_tokens", stats.TokensEvaluated,
		"generated", stats.TokensGenerated,
		"ttft", stats.TTFT,
		"duration", stats.Duration)

	return Response{ID: id, Text: text, Stats: stats, Finish: finish}, nil
}

func convertStats(s engine.Stats) Stats {
	out := Stats{
		TokensEvaluated: s.PromptTokens,
		TokensGenerated: s.GeneratedTokens,
		DecodeCalls:     s.DecodeCalls,
		Duration:        s.Duration,
		TTFT:            s.TTFT,
	}
	if gen := s.Duration - s.TTFT; gen > 0 && s.GeneratedTokens > 1 {
		out.GenerationTPS = float64(s.GeneratedTokens-1) / gen.Seconds()
	}
	return out
}

// mergeOptions applies non-zero request overrides on top of the configured
// defaults.
func mergeOptions(base config.GenerationDefaults, override GenerationOptions) config.GenerationDefaults {
	result := base

	if override.MaxTokens != 0 {
		result.MaxTokens = override.MaxTokens
	}
	if override.Temperature != nil {
		t := *override.Temperature
		result.Temperature = &t
	}
	if override.TopK != 0 {
		result.TopK = override.TopK
	}
	if override.TopP != 0 {
		result.TopP = override.TopP
	}
	if override.MinP != 0 {
		result.MinP = override.MinP
	}
	if override.RepeatPenalty != 0 {
		result.RepeatPenalty = override.RepeatPenalty
	}
	if override.RepeatLastN != 0 {
		result.RepeatLastN = override.RepeatLastN
	}
	if len(override.Stop) > 0 {
		result.Stop = append([]string(nil), override.Stop...)
	}

	return result
}
