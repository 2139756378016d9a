// Package cli wires configuration, logging and the runtime into the
// llamarun command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v3"

	"LlamaRun/client"
	"LlamaRun/internal/bench"
	"LlamaRun/internal/cli/subcommands"
	"LlamaRun/internal/config"
	"LlamaRun/internal/llama"
	"LlamaRun/internal/logging"
	"LlamaRun/internal/runtime"
)

// app carries state resolved once for the whole invocation.
type app struct {
	cfg      config.Config
	registry runtime.Registry

	configPath string
	backend    string
	modelPath  string
	template   string
	ctxSize    int64
	threads    int64
	gpuLayers  int64
	seed       int64
	logLevel   string
	quiet      bool
	remote     string
}

// sessionFlags are the per-request generation flags shared by run and tui.
type sessionFlags struct {
	system        string
	raw           bool
	stats         bool
	maxTokens     int64
	temperature   float64
	topK          int64
	topP          float64
	minP          float64
	repeatPenalty float64
	repeatLastN   int64
	stop          []string
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	a := &app{}
	if err := a.command().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "llamarun:", err)
		return 1
	}
	return 0
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:  "llamarun",
		Usage: "Run local GGUF language models through llama.cpp",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "config file (yaml or toml)", Sources: cli.EnvVars("APP_CONFIG"), Destination: &a.configPath},
			&cli.StringFlag{Name: "backend", Usage: "runtime backend", Destination: &a.backend},
			&cli.StringFlag{Name: "model", Aliases: []string{"m"}, Usage: "path to a GGUF model", Destination: &a.modelPath},
			&cli.StringFlag{Name: "template", Usage: "prompt template (raw, chatml, llama3, gemma, phi3, zephyr)", Destination: &a.template},
			&cli.Int64Flag{Name: "ctx-size", Aliases: []string{"c"}, Usage: "context window in tokens", Destination: &a.ctxSize},
			&cli.Int64Flag{Name: "threads", Usage: "CPU threads for generation and prompt processing", Destination: &a.threads},
			&cli.Int64Flag{Name: "gpu-layers", Aliases: []string{"ngl"}, Usage: "layers to offload to the GPU", Destination: &a.gpuLayers},
			&cli.Int64Flag{Name: "seed", Usage: "sampling RNG seed", Destination: &a.seed},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", Destination: &a.logLevel},
			&cli.StringFlag{Name: "remote", Usage: "drive a running llamarun server at this URL instead of loading a model", Destination: &a.remote},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "hide the model load progress bar", Destination: &a.quiet},
		},
		After: func(ctx context.Context, cmd *cli.Command) error {
			logging.Close()
			return nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			a.runCmd(),
			a.tuiCmd(),
			a.serveCmd(),
			a.tokenizeCmd(),
			a.benchCmd(),
			a.configCmd(),
		},
	}
}

// setup resolves configuration, applies global flag overrides and sets up
// logging. It runs at the start of every subcommand so flags given after the
// subcommand name count too. The tui logs to a file so it does not draw over
// the screen.
func (a *app) setup(cmd *cli.Command, logToFile bool) error {
	if a.configPath != "" {
		if err := os.Setenv("APP_CONFIG", a.configPath); err != nil {
			return err
		}
	}
	cfg, err := config.Resolve()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	n := &cfg.Runtime.Native
	if cmd.IsSet("backend") {
		cfg.Runtime.Backend = a.backend
	}
	if cmd.IsSet("model") {
		n.ModelPath = a.modelPath
	}
	if cmd.IsSet("template") {
		cfg.Conversation.Template = a.template
	}
	if cmd.IsSet("ctx-size") {
		n.ContextSize = int(a.ctxSize)
	}
	if cmd.IsSet("threads") {
		n.Threads = int(a.threads)
		n.ThreadsBatch = int(a.threads)
	}
	if cmd.IsSet("gpu-layers") {
		n.GPULayers = int(a.gpuLayers)
	}
	if cmd.IsSet("seed") {
		n.Seed = uint32(a.seed)
	}
	if cmd.IsSet("log-level") {
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	if err := logging.Init(cfg.Logging, logToFile); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	a.registry = runtime.NewRegistry()
	llama.Register(a.registry)
	if !llama.Available() {
		slog.Debug("built without the native backend")
	}
	return nil
}

func (a *app) load(ctx context.Context) (*runtime.Manager, error) {
	return subcommands.LoadManager(ctx, a.cfg, a.registry, a.quiet)
}

// open returns the backend for run, tui and tokenize: a remote server when
// --remote is set, else a freshly loaded model. The label names it in the UI.
func (a *app) open(ctx context.Context) (backend subcommands.Backend, label string, closeFn func(), err error) {
	if a.remote != "" {
		c := client.New(a.remote, 0)
		h, err := c.Health(ctx)
		if err != nil {
			return nil, "", nil, fmt.Errorf("remote %s: %w", a.remote, err)
		}
		return c, fmt.Sprintf("%s @ %s", h.Backend, a.remote), func() {}, nil
	}

	mgr, err := a.load(ctx)
	if err != nil {
		return nil, "", nil, err
	}
	label = mgr.Adapter().Name()
	if ea, ok := mgr.Adapter().(*runtime.EngineAdapter); ok {
		label = ea.Engine().Model.Description()
		if p := ea.Preset(); p != "" {
			label += " · " + p
		}
	}
	return mgr, label, func() { mgr.Close() }, nil
}

func (s *sessionFlags) flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "system", Aliases: []string{"sys"}, Usage: "system message", Destination: &s.system},
		&cli.BoolFlag{Name: "raw", Usage: "send the prompt without a template", Destination: &s.raw},
		&cli.BoolFlag{Name: "stats", Usage: "print generation statistics", Destination: &s.stats},
		&cli.Int64Flag{Name: "max-tokens", Aliases: []string{"n"}, Usage: "tokens to generate", Destination: &s.maxTokens},
		&cli.Float64Flag{Name: "temperature", Aliases: []string{"temp", "t"}, Usage: "sampling temperature (0 = greedy)", Destination: &s.temperature},
		&cli.Int64Flag{Name: "top-k", Usage: "top-k sampling", Destination: &s.topK},
		&cli.Float64Flag{Name: "top-p", Usage: "nucleus sampling", Destination: &s.topP},
		&cli.Float64Flag{Name: "min-p", Usage: "min-p sampling", Destination: &s.minP},
		&cli.Float64Flag{Name: "repeat-penalty", Usage: "repetition penalty (1 = off)", Destination: &s.repeatPenalty},
		&cli.Int64Flag{Name: "repeat-last-n", Usage: "tokens considered for penalties", Destination: &s.repeatLastN},
		&cli.StringSliceFlag{Name: "stop", Usage: "stop sequence (repeatable)", Destination: &s.stop},
	}
}

func (s *sessionFlags) session(cmd *cli.Command) subcommands.Session {
	sess := subcommands.Session{
		System:    s.system,
		Raw:       s.raw,
		ShowStats: s.stats,
		Options: runtime.GenerationOptions{
			MaxTokens:     int(s.maxTokens),
			TopK:          int(s.topK),
			TopP:          s.topP,
			MinP:          s.minP,
			RepeatPenalty: s.repeatPenalty,
			RepeatLastN:   int(s.repeatLastN),
			Stop:          s.stop,
		},
	}
	if cmd.IsSet("temperature") {
		t := s.temperature
		sess.Options.Temperature = &t
	}
	return sess
}

func (a *app) runCmd() *cli.Command {
	var (
		sf          sessionFlags
		prompt      string
		interactive bool
	)
	return &cli.Command{
		Name:      "run",
		Usage:     "Generate a completion, or chat line by line with -i",
		ArgsUsage: "[prompt]",
		Flags: append(sf.flags(),
			&cli.StringFlag{Name: "prompt", Aliases: []string{"p"}, Usage: "prompt text", Destination: &prompt},
			&cli.BoolFlag{Name: "interactive", Aliases: []string{"i"}, Usage: "read prompts from stdin", Destination: &interactive},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := a.setup(cmd, false); err != nil {
				return err
			}
			if prompt == "" {
				prompt = strings.Join(cmd.Args().Slice(), " ")
			}
			if !interactive && strings.TrimSpace(prompt) == "" {
				return errors.New("run needs a prompt (--prompt or positional) or -i")
			}

			backend, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()

			sess := sf.session(cmd)
			if interactive {
				return subcommands.RunCli(ctx, backend, sess, os.Stdin, os.Stdout)
			}
			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			return subcommands.RunPrompt(sigCtx, backend, sess, prompt, os.Stdout)
		},
	}
}

func (a *app) tuiCmd() *cli.Command {
	var sf sessionFlags
	return &cli.Command{
		Name:  "tui",
		Usage: "Full-screen terminal UI",
		Flags: sf.flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := a.setup(cmd, true); err != nil {
				return err
			}
			backend, label, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			return subcommands.RunTui(ctx, backend, sf.session(cmd), label)
		},
	}
}

func (a *app) serveCmd() *cli.Command {
	var (
		host string
		port int64
	)
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve generations over HTTP with SSE streaming",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "listen address (overrides config)", Destination: &host},
			&cli.Int64Flag{Name: "port", Usage: "listen port (overrides config)", Destination: &port},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := a.setup(cmd, false); err != nil {
				return err
			}
			cfg := a.cfg
			if cmd.IsSet("host") {
				cfg.Server.Host = host
			}
			if cmd.IsSet("port") {
				cfg.Server.Port = int(port)
			}

			mgr, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer mgr.Close()
			return subcommands.RunServe(ctx, cfg, mgr.Adapter().Name(), mgr, os.Stdout)
		},
	}
}

func (a *app) tokenizeCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:      "tokenize",
		Usage:     "Show the token ids of text",
		ArgsUsage: "<text>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			text := strings.Join(cmd.Args().Slice(), " ")
			if text == "" {
				return errors.New("tokenize needs text")
			}
			if err := a.setup(cmd, false); err != nil {
				return err
			}
			a.quiet = true
			backend, _, closeFn, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer closeFn()
			return subcommands.RunTokenize(backend, text, asJSON, os.Stdout)
		},
	}
}

func (a *app) benchCmd() *cli.Command {
	bc := bench.DefaultConfig()
	var (
		iterations, warmup, maxTokens int64 = int64(bc.Iterations), int64(bc.WarmupIterations), int64(bc.MaxTokens)
		sample                        bool
	)
	return &cli.Command{
		Name:  "bench",
		Usage: "Measure TTFT and token throughput",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "iterations", Value: iterations, Usage: "runs per prompt", Destination: &iterations},
			&cli.Int64Flag{Name: "warmup", Value: warmup, Usage: "unrecorded runs per prompt", Destination: &warmup},
			&cli.Int64Flag{Name: "max-tokens", Value: maxTokens, Usage: "tokens per run", Destination: &maxTokens},
			&cli.BoolFlag{Name: "sample", Usage: "use configured sampling instead of greedy", Destination: &sample},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "write the JSON report here", Destination: &bc.OutputPath},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := a.setup(cmd, false); err != nil {
				return err
			}
			mgr, err := a.load(ctx)
			if err != nil {
				return err
			}
			defer mgr.Close()

			bc.Iterations = int(iterations)
			bc.WarmupIterations = int(warmup)
			bc.MaxTokens = int(maxTokens)
			bc.Greedy = !sample
			bc.Progress = !a.quiet

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			_, err = bench.NewRunner(mgr.Adapter(), bc, os.Stdout).Run(sigCtx)
			return err
		},
	}
}

func (a *app) configCmd() *cli.Command {
	var format string
	return &cli.Command{
		Name:  "config",
		Usage: "Print the resolved configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "format", Value: "yaml", Usage: "yaml or toml", Destination: &format},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := a.setup(cmd, false); err != nil {
				return err
			}
			return subcommands.RunConfig(a.cfg, format, os.Stdout)
		},
	}
}
