// Package bench measures generation latency and throughput through a
// runtime.Adapter. Each iteration is an independent generation; the engine
// clears the KV cache between them so runs are comparable.
package bench

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	json "github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"

	"LlamaRun/internal/runtime"
)

// Config controls a benchmark run.
type Config struct {
	Iterations       int      `json:"iterations"`
	WarmupIterations int      `json:"warmup_iterations"`
	MaxTokens        int      `json:"max_tokens"`
	Prompts          []Prompt `json:"prompts"`

	// Greedy forces temperature 0 so repeated runs can be compared for
	// determinism.
	Greedy bool `json:"greedy"`

	OutputPath string `json:"-"`
	Progress   bool   `json:"-"`
}

// DefaultConfig returns small settings suited to edge devices.
func DefaultConfig() Config {
	return Config{
		Iterations:       5,
		WarmupIterations: 1,
		MaxTokens:        128,
		Greedy:           true,
	}
}

// Prompt is one benchmark workload.
type Prompt struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// StandardPrompts covers short, medium and long prompt prefill.
func StandardPrompts() []Prompt {
	return []Prompt{
		{Name: "short", Text: "Hello!"},
		{
			Name: "medium",
			Text: "Explain the difference between a stack and a queue. Give a real-world analogy for each.",
		},
		{
			Name: "long",
			Text: "I'm building a small weather station with a Raspberry Pi. I want to measure temperature, " +
				"humidity, barometric pressure, wind speed and rainfall. Which sensors should I use, how " +
				"should I wire them, and what software would you recommend for logging the data every " +
				"five minutes and serving a dashboard on my local network?",
		},
	}
}

// IterationResult captures one generation.
type IterationResult struct {
	Prompt          string        `json:"prompt"`
	Iteration       int           `json:"iteration"`
	TTFT            time.Duration `json:"ttft_ns"`
	Duration        time.Duration `json:"duration_ns"`
	TokensEvaluated int           `json:"tokens_evaluated"`
	TokensGenerated int           `json:"tokens_generated"`
	DecodeCalls     int           `json:"decode_calls"`
	PromptTPS       float64       `json:"prompt_tps"`
	GenerationTPS   float64       `json:"generation_tps"`
	Finish          string        `json:"finish,omitempty"`
	Text            string        `json:"-"`
	Error           string        `json:"error,omitempty"`
}

// PromptSummary aggregates the iterations of one prompt.
type PromptSummary struct {
	Name          string        `json:"name"`
	Iterations    int           `json:"iterations"`
	Errors        int           `json:"errors"`
	TTFT          DurationStats `json:"ttft"`
	Duration      DurationStats `json:"duration"`
	PromptTPS     FloatStats    `json:"prompt_tps"`
	GenerationTPS FloatStats    `json:"generation_tps"`
	AvgGenerated  float64       `json:"avg_tokens_generated"`

	// Deterministic is set when every successful iteration produced the
	// same text. Only meaningful for greedy runs.
	Deterministic bool `json:"deterministic"`
}

// DurationStats summarises durations.
type DurationStats struct {
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	P95    time.Duration `json:"p95_ns"`
}

// FloatStats summarises float samples.
type FloatStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// Report is the result of a run.
type Report struct {
	Timestamp time.Time         `json:"timestamp"`
	Backend   string            `json:"backend"`
	Config    Config            `json:"config"`
	Summaries []PromptSummary   `json:"summaries"`
	Raw       []IterationResult `json:"raw_results,omitempty"`
}

// Runner executes benchmarks against an adapter.
type Runner struct {
	adapter runtime.Adapter
	cfg     Config
	out     io.Writer
	log     *slog.Logger
}

// NewRunner creates a runner that prints summaries to out.
func NewRunner(adapter runtime.Adapter, cfg Config, out io.Writer) *Runner {
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = StandardPrompts()
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1
	}
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		adapter: adapter,
		cfg:     cfg,
		out:     out,
		log:     slog.Default().With("component", "bench"),
	}
}

// Run executes every prompt and returns the report. Failed iterations are
// recorded, not returned; only cancellation stops the run early.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{
		Timestamp: time.Now(),
		Backend:   r.adapter.Name(),
		Config:    r.cfg,
	}

	for _, p := range r.cfg.Prompts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		fmt.Fprintf(r.out, "\n--- %s ---\n", p.Name)

		results := r.benchmarkPrompt(ctx, p)
		report.Raw = append(report.Raw, results...)
		s := summarize(p.Name, results)
		report.Summaries = append(report.Summaries, s)
		printSummary(r.out, s)
	}

	if r.cfg.OutputPath != "" {
		if err := saveReport(report, r.cfg.OutputPath); err != nil {
			return report, fmt.Errorf("save report: %w", err)
		}
		fmt.Fprintf(r.out, "\nResults saved to %s\n", r.cfg.OutputPath)
	}
	return report, nil
}

func (r *Runner) benchmarkPrompt(ctx context.Context, p Prompt) []IterationResult {
	for i := 0; i < r.cfg.WarmupIterations; i++ {
		if _, err := r.runOnce(ctx, p, -1); err != nil {
			r.log.Warn("warmup failed", "prompt", p.Name, "error", err)
		}
	}

	var bar *progressbar.ProgressBar
	if r.cfg.Progress {
		bar = progressbar.NewOptions(r.cfg.Iterations,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetDescription(p.Name),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}

	results := make([]IterationResult, 0, r.cfg.Iterations)
	for i := 0; i < r.cfg.Iterations; i++ {
		if ctx.Err() != nil {
			break
		}
		res, err := r.runOnce(ctx, p, i)
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return results
}

func (r *Runner) runOnce(ctx context.Context, p Prompt, iteration int) (IterationResult, error) {
	req := runtime.Request{
		Prompt:  p.Text,
		Options: runtime.GenerationOptions{MaxTokens: r.cfg.MaxTokens},
	}
	if r.cfg.Greedy {
		zero := 0.0
		req.Options.Temperature = &zero
	}

	result := IterationResult{Prompt: p.Name, Iteration: iteration}
	resp, err := r.adapter.Generate(ctx, req)
	if err != nil {
		return result, err
	}

	st := resp.Stats
	result.TTFT = st.TTFT
	result.Duration = st.Duration
	result.TokensEvaluated = st.TokensEvaluated
	result.TokensGenerated = st.TokensGenerated
	result.DecodeCalls = st.DecodeCalls
	result.GenerationTPS = st.GenerationTPS
	result.Finish = resp.Finish
	result.Text = resp.Text
	if st.TTFT > 0 {
		result.PromptTPS = float64(st.TokensEvaluated) / st.TTFT.Seconds()
	}

	r.log.Debug("iteration done",
		"prompt", p.Name,
		"iteration", iteration,
		"ttft", st.TTFT,
		"generated", st.TokensGenerated,
		"tps", st.GenerationTPS)
	return result, nil
}

func summarize(name string, results []IterationResult) PromptSummary {
	s := PromptSummary{Name: name}
	valid := filterValid(results)
	s.Iterations = len(valid)
	s.Errors = len(results) - len(valid)
	if len(valid) == 0 {
		return s
	}

	s.TTFT = computeDurationStats(extract(valid, func(r IterationResult) time.Duration { return r.TTFT }))
	s.Duration = computeDurationStats(extract(valid, func(r IterationResult) time.Duration { return r.Duration }))
	s.PromptTPS = computeFloatStats(extract(valid, func(r IterationResult) float64 { return r.PromptTPS }))
	s.GenerationTPS = computeFloatStats(extract(valid, func(r IterationResult) float64 { return r.GenerationTPS }))

	var gen float64
	s.Deterministic = true
	for _, r := range valid {
		gen += float64(r.TokensGenerated)
		if r.Text != valid[0].Text {
			s.Deterministic = false
		}
	}
	s.AvgGenerated = gen / float64(len(valid))
	return s
}

func filterValid(results []IterationResult) []IterationResult {
	var out []IterationResult
	for _, r := range results {
		if r.Error == "" {
			out = append(out, r)
		}
	}
	return out
}

func extract[T any](results []IterationResult, fn func(IterationResult) T) []T {
	out := make([]T, len(results))
	for i, r := range results {
		out[i] = fn(r)
	}
	return out
}

type number interface {
	~int64 | ~float64
}

func stats[T number](vals []T) (lo, hi, mean, median, p95 T) {
	sorted := append([]T(nil), vals...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum T
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	median = sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[0], sorted[n-1], sum / T(n), median, sorted[percentileIndex(n, 95)]
}

func computeDurationStats(vals []time.Duration) DurationStats {
	if len(vals) == 0 {
		return DurationStats{}
	}
	var d DurationStats
	d.Min, d.Max, d.Mean, d.Median, d.P95 = stats(vals)
	return d
}

func computeFloatStats(vals []float64) FloatStats {
	if len(vals) == 0 {
		return FloatStats{}
	}
	var f FloatStats
	f.Min, f.Max, f.Mean, f.Median, f.P95 = stats(vals)
	return f
}

// percentileIndex is the nearest-rank index ceil(n*pct/100)-1 clamped to
// [0, n-1].
func percentileIndex(n, pct int) int {
	if n <= 0 {
		return 0
	}
	idx := (n*pct+99)/100 - 1
	return max(0, min(idx, n-1))
}

func printSummary(w io.Writer, s PromptSummary) {
	ms := func(d time.Duration) time.Duration { return d.Round(time.Millisecond) }
	fmt.Fprintf(w, "  TTFT:       min=%v  avg=%v  p95=%v\n", ms(s.TTFT.Min), ms(s.TTFT.Mean), ms(s.TTFT.P95))
	fmt.Fprintf(w, "  Duration:   min=%v  avg=%v  p95=%v\n", ms(s.Duration.Min), ms(s.Duration.Mean), ms(s.Duration.P95))
	fmt.Fprintf(w, "  Gen TPS:    min=%.1f  avg=%.1f  p95=%.1f\n", s.GenerationTPS.Min, s.GenerationTPS.Mean, s.GenerationTPS.P95)
	fmt.Fprintf(w, "  Prompt TPS: min=%.1f  avg=%.1f  p95=%.1f\n", s.PromptTPS.Min, s.PromptTPS.Mean, s.PromptTPS.P95)
	fmt.Fprintf(w, "  Tokens:     avg_gen=%.0f  deterministic=%t\n", s.AvgGenerated, s.Deterministic)
	if s.Errors > 0 {
		fmt.Fprintf(w, "  Errors:     %d/%d\n", s.Errors, s.Iterations+s.Errors)
	}
}

func saveReport(report *Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
