package subcommands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"

	"LlamaRun/internal/config"
	"LlamaRun/internal/runtime"
)

// Backend is the part of the runtime the interactive front ends drive.
// *runtime.Manager satisfies it.
type Backend interface {
	Generate(ctx context.Context, req runtime.Request) (runtime.Response, error)
	Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error
	Tokenize(text string) ([]runtime.Token, error)
}

// Session holds per-run settings that /set can change.
type Session struct {
	System    string
	Raw       bool
	ShowStats bool
	Options   runtime.GenerationOptions
}

// Request builds a runtime request for prompt.
func (s Session) Request(prompt string) runtime.Request {
	opts := s.Options
	opts.Stop = append([]string(nil), s.Options.Stop...)
	return runtime.Request{Prompt: prompt, System: s.System, Raw: s.Raw, Options: opts}
}

// LoadManager loads the configured backend. Unless quiet, model load
// progress is drawn on stderr.
func LoadManager(ctx context.Context, cfg config.Config, registry runtime.Registry, quiet bool) (*runtime.Manager, error) {
	var progress func(float32)
	var bar *progressbar.ProgressBar
	if !quiet {
		bar = progressbar.NewOptions(100,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("loading model"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		progress = func(p float32) {
			_ = bar.Set(int(p * 100))
		}
	}

	mgr, err := runtime.NewManager(ctx, cfg, registry, progress)
	if bar != nil {
		_ = bar.Finish()
	}
	if err != nil {
		return nil, err
	}
	return mgr, nil
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "true", "on", "1", "yes":
		return true, nil
	case "false", "off", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("%q is not a boolean", value)
}

// setParam applies "/set <param> <value>".
func setParam(s *Session, param, value string) error {
	value = strings.TrimSpace(value)
	o := &s.Options

	var err error
	switch strings.ToLower(strings.ReplaceAll(param, "-", "_")) {
	case "system":
		s.System = value
	case "raw":
		s.Raw, err = parseBool(value)
	case "stats":
		s.ShowStats, err = parseBool(value)
	case "stop":
		o.Stop = nil
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				o.Stop = append(o.Stop, part)
			}
		}
	case "temperature", "temp":
		var t float64
		if t, err = strconv.ParseFloat(value, 64); err == nil {
			if t < 0 {
				return fmt.Errorf("temperature must be >= 0")
			}
			o.Temperature = &t
		}
	case "max_tokens":
		o.MaxTokens, err = strconv.Atoi(value)
	case "top_k":
		o.TopK, err = strconv.Atoi(value)
	case "top_p":
		o.TopP, err = strconv.ParseFloat(value, 64)
	case "min_p":
		o.MinP, err = strconv.ParseFloat(value, 64)
	case "repeat_penalty":
		o.RepeatPenalty, err = strconv.ParseFloat(value, 64)
	case "repeat_last_n":
		o.RepeatLastN, err = strconv.Atoi(value)
	default:
		return fmt.Errorf("unknown parameter %q", param)
	}
	if err != nil {
		return fmt.Errorf("%s: %w", param, err)
	}
	return nil
}

func describeSession(s Session) string {
	temp := "default"
	if s.Options.Temperature != nil {
		temp = strconv.FormatFloat(*s.Options.Temperature, 'g', -1, 64)
	}
	orDefault := func(v any, zero bool) string {
		if zero {
			return "default"
		}
		return fmt.Sprint(v)
	}
	o := s.Options
	return fmt.Sprintf(`
### Session Configuration
- **System**: %s
- **Raw prompt**: %v
- **Show stats**: %v
- **Temperature**: %s
- **Max tokens**: %s
- **Top-k**: %s
- **Top-p**: %s
- **Min-p**: %s
- **Repeat penalty**: %s
- **Stop**: %q
`,
		orDefault(s.System, s.System == ""), s.Raw, s.ShowStats, temp,
		orDefault(o.MaxTokens, o.MaxTokens == 0),
		orDefault(o.TopK, o.TopK == 0),
		orDefault(o.TopP, o.TopP == 0),
		orDefault(o.MinP, o.MinP == 0),
		orDefault(o.RepeatPenalty, o.RepeatPenalty == 0),
		o.Stop)
}

func formatStats(st runtime.Stats, finish string) string {
	return fmt.Sprintf("prompt=%d | gen=%d | decodes=%d | ttft=%s | %.1f tok/s | %s",
		st.TokensEvaluated, st.TokensGenerated, st.DecodeCalls,
		st.TTFT.Round(time.Millisecond), st.GenerationTPS, finish)
}
