package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"LlamaRun/internal/sampling"
)

// Config captures runtime, server, conversation and logging settings for LlamaRun.
type Config struct {
	Runtime      RuntimeConfig      `yaml:"runtime" toml:"runtime"`
	Server       ServerConfig       `yaml:"server" toml:"server"`
	Conversation ConversationConfig `yaml:"conversation" toml:"conversation"`
	Logging      LoggingConfig      `yaml:"logging" toml:"logging"`
}

// RuntimeConfig selects which backend implementation to use and its settings.
type RuntimeConfig struct {
	Backend  string             `yaml:"backend" toml:"backend"`
	Native   NativeConfig       `yaml:"native" toml:"native"`
	Defaults GenerationDefaults `yaml:"defaults" toml:"defaults"`
}

// NativeConfig configures model loading and context creation for the
// llama.cpp backend.
type NativeConfig struct {
	ModelPath string `yaml:"model_path" toml:"model_path"`

	// GPULayers is the number of layers offloaded to the GPU. 0 = CPU only.
	GPULayers int `yaml:"gpu_layers" toml:"gpu_layers"`
	MainGPU   int `yaml:"main_gpu" toml:"main_gpu"`

	// Mmap and Mlock are pointers so a file can switch them off.
	Mmap  *bool `yaml:"mmap" toml:"mmap"`
	Mlock *bool `yaml:"mlock" toml:"mlock"`

	ContextSize int `yaml:"context_size" toml:"context_size"`
	// BatchSize 0 = ContextSize.
	BatchSize    int    `yaml:"batch_size" toml:"batch_size"`
	Threads      int    `yaml:"threads" toml:"threads"`
	ThreadsBatch int    `yaml:"threads_batch" toml:"threads_batch"`
	Seed         uint32 `yaml:"seed" toml:"seed"`

	// RopeScaling is "", "none", "linear" or "yarn".
	RopeScaling string `yaml:"rope_scaling" toml:"rope_scaling"`
}

// GenerationDefaults allows overriding common inference parameters globally.
type GenerationDefaults struct {
	MaxTokens int `yaml:"max_tokens" toml:"max_tokens"`

	// Temperature is a pointer because 0 selects greedy decoding.
	Temperature      *float64 `yaml:"temperature" toml:"temperature"`
	TopK             int      `yaml:"top_k" toml:"top_k"`
	TopP             float64  `yaml:"top_p" toml:"top_p"`
	MinP             float64  `yaml:"min_p" toml:"min_p"`
	TfsZ             float64  `yaml:"tfs_z" toml:"tfs_z"`
	TypicalP         float64  `yaml:"typical_p" toml:"typical_p"`
	RepeatPenalty    float64  `yaml:"repeat_penalty" toml:"repeat_penalty"`
	RepeatLastN      int      `yaml:"repeat_last_n" toml:"repeat_last_n"`
	FrequencyPenalty float64  `yaml:"frequency_penalty" toml:"frequency_penalty"`
	PresencePenalty  float64  `yaml:"presence_penalty" toml:"presence_penalty"`
	PenalizeNewline  *bool    `yaml:"penalize_newline" toml:"penalize_newline"`
	NPrev            int      `yaml:"n_prev" toml:"n_prev"`
	NProbs           int      `yaml:"n_probs" toml:"n_probs"`

	// LogitBias maps token ids (as strings, so TOML can carry them) to an
	// additive bias.
	LogitBias map[string]float64 `yaml:"logit_bias" toml:"logit_bias"`
	Stop      []string           `yaml:"stop" toml:"stop"`
}

// ServerConfig defines the HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`

	// SessionTTL bounds how long a generation stays registered for cancellation.
	SessionTTL string `yaml:"session_ttl" toml:"session_ttl"`
}

// ConversationConfig governs how the prompt is assembled.
type ConversationConfig struct {
	SystemMessage string `yaml:"system_message" toml:"system_message"`

	// Template names a prompt format (raw, chatml, llama3, gemma, phi3,
	// zephyr). Empty picks the model preset.
	Template string `yaml:"template" toml:"template"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

const defaultConfigFile = "llamarun.yaml"

// Default returns a Config pre-populated with the engine's documented defaults.
func Default() Config {
	mmap, mlock, penalizeNL := true, false, true
	temp := 0.8
	threads := runtime.NumCPU()
	return Config{
		Runtime: RuntimeConfig{
			Backend: "native",
			Native: NativeConfig{
				Mmap:         &mmap,
				Mlock:        &mlock,
				ContextSize:  2048,
				Threads:      threads,
				ThreadsBatch: threads,
				Seed:         1234,
			},
			Defaults: GenerationDefaults{
				MaxTokens:        512,
				Temperature:      &temp,
				TopK:             40,
				TopP:             0.95,
				MinP:             0.05,
				TfsZ:             1,
				TypicalP:         1,
				RepeatPenalty:    1.1,
				RepeatLastN:      64,
				FrequencyPenalty: 0,
				PresencePenalty:  0,
				PenalizeNewline:  &penalizeNL,
				NPrev:            64,
				NProbs:           0,
			},
		},
		Server: ServerConfig{
			Host:       "127.0.0.1",
			Port:       42067,
			SessionTTL: "10m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("APP_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("provided APP_CONFIG file %q not found", path)
	}

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
	}

	return cfg, nil
}

func merge(base, override Config) Config {
	result := base

	if override.Runtime.Backend != "" {
		result.Runtime.Backend = override.Runtime.Backend
	}

	n := override.Runtime.Native
	if n.ModelPath != "" {
		result.Runtime.Native.ModelPath = n.ModelPath
	}
	if n.GPULayers != 0 {
		result.Runtime.Native.GPULayers = n.GPULayers
	}
	if n.MainGPU != 0 {
		result.Runtime.Native.MainGPU = n.MainGPU
	}
	if n.Mmap != nil {
		result.Runtime.Native.Mmap = n.Mmap
	}
	if n.Mlock != nil {
		result.Runtime.Native.Mlock = n.Mlock
	}
	if n.ContextSize != 0 {
		result.Runtime.Native.ContextSize = n.ContextSize
	}
	if n.BatchSize != 0 {
		result.Runtime.Native.BatchSize = n.BatchSize
	}
	if n.Threads != 0 {
		result.Runtime.Native.Threads = n.Threads
	}
	if n.ThreadsBatch != 0 {
		result.Runtime.Native.ThreadsBatch = n.ThreadsBatch
	}
	if n.Seed != 0 {
		result.Runtime.Native.Seed = n.Seed
	}
	if n.RopeScaling != "" {
		result.Runtime.Native.RopeScaling = n.RopeScaling
	}

	d := override.Runtime.Defaults
	if d.MaxTokens != 0 {
		result.Runtime.Defaults.MaxTokens = d.MaxTokens
	}
	if d.Temperature != nil {
		result.Runtime.Defaults.Temperature = d.Temperature
	}
	if d.TopK != 0 {
		result.Runtime.Defaults.TopK = d.TopK
	}
	if d.TopP != 0 {
		result.Runtime.Defaults.TopP = d.TopP
	}
	if d.MinP != 0 {
		result.Runtime.Defaults.MinP = d.MinP
	}
	if d.TfsZ != 0 {
		result.Runtime.Defaults.TfsZ = d.TfsZ
	}
	if d.TypicalP != 0 {
		result.Runtime.Defaults.TypicalP = d.TypicalP
	}
	if d.RepeatPenalty != 0 {
		result.Runtime.Defaults.RepeatPenalty = d.RepeatPenalty
	}
	if d.RepeatLastN != 0 {
		result.Runtime.Defaults.RepeatLastN = d.RepeatLastN
	}
	if d.FrequencyPenalty != 0 {
		result.Runtime.Defaults.FrequencyPenalty = d.FrequencyPenalty
	}
	if d.PresencePenalty != 0 {
		result.Runtime.Defaults.PresencePenalty = d.PresencePenalty
	}
	if d.PenalizeNewline != nil {
		result.Runtime.Defaults.PenalizeNewline = d.PenalizeNewline
	}
	if d.NPrev != 0 {
		result.Runtime.Defaults.NPrev = d.NPrev
	}
	if d.NProbs != 0 {
		result.Runtime.Defaults.NProbs = d.NProbs
	}
	if len(d.LogitBias) != 0 {
		bias := make(map[string]float64, len(d.LogitBias))
		for k, v := range d.LogitBias {
			bias[k] = v
		}
		result.Runtime.Defaults.LogitBias = bias
	}
	if len(d.Stop) != 0 {
		result.Runtime.Defaults.Stop = append([]string(nil), d.Stop...)
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.SessionTTL != "" {
		result.Server.SessionTTL = override.Server.SessionTTL
	}

	if override.Conversation.SystemMessage != "" {
		result.Conversation.SystemMessage = override.Conversation.SystemMessage
	}
	if override.Conversation.Template != "" {
		result.Conversation.Template = override.Conversation.Template
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APP_BACKEND")); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MODEL")); v != "" {
		cfg.Runtime.Native.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_GPU_LAYERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Runtime.Native.GPULayers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_CONTEXT_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Native.ContextSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Runtime.Native.Threads = n
			cfg.Runtime.Native.ThreadsBatch = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SEED")); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Runtime.Native.Seed = uint32(n)
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_MAX_TOKENS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Runtime.Defaults.MaxTokens = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TEMPERATURE")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Runtime.Defaults.Temperature = &f
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SYSMSG")); v != "" {
		cfg.Conversation.SystemMessage = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_TEMPLATE")); v != "" {
		cfg.Conversation.Template = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_LEVEL")); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_LOG_FORMAT")); v != "" {
		cfg.Logging.Format = v
	}
}

// RopeScalingType maps the configured name to llama.cpp's rope scaling
// enum. Unknown or empty names use the model default (-1).
func (n NativeConfig) RopeScalingType() int8 {
	switch strings.ToLower(strings.TrimSpace(n.RopeScaling)) {
	case "none":
		return 0
	case "linear":
		return 1
	case "yarn":
		return 2
	default:
		return -1
	}
}

// SamplingParams converts the defaults into sampling parameters. Logit bias
// keys that are not token ids are rejected.
func (d GenerationDefaults) SamplingParams() (sampling.Params, error) {
	p := sampling.DefaultParams()
	if d.Temperature != nil {
		p.Temperature = float32(*d.Temperature)
	}
	p.TopK = d.TopK
	p.TopP = float32(d.TopP)
	p.MinP = float32(d.MinP)
	p.TfsZ = float32(d.TfsZ)
	p.TypicalP = float32(d.TypicalP)
	p.PenaltyLastN = d.RepeatLastN
	p.PenaltyRepeat = float32(d.RepeatPenalty)
	p.PenaltyFreq = float32(d.FrequencyPenalty)
	p.PenaltyPresent = float32(d.PresencePenalty)
	if d.PenalizeNewline != nil {
		p.PenalizeNL = *d.PenalizeNewline
	}
	if d.NPrev > 0 {
		p.NPrev = d.NPrev
	}
	p.NProbs = d.NProbs

	if len(d.LogitBias) > 0 {
		p.LogitBias = make(map[int32]float32, len(d.LogitBias))
		for k, v := range d.LogitBias {
			id, err := strconv.ParseInt(strings.TrimSpace(k), 10, 32)
			if err != nil {
				return sampling.Params{}, fmt.Errorf("config: logit_bias key %q is not a token id", k)
			}
			p.LogitBias[int32(id)] = float32(v)
		}
	}
	return p, p.Validate()
}
