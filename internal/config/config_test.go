package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesEngineDefaults(t *testing.T) {
	cfg := Default()
	n := cfg.Runtime.Native

	assert.Equal(t, "native", cfg.Runtime.Backend)
	assert.Equal(t, 2048, n.ContextSize)
	assert.Equal(t, uint32(1234), n.Seed)
	assert.Positive(t, n.Threads)
	assert.Equal(t, n.Threads, n.ThreadsBatch)
	require.NotNil(t, n.Mmap)
	assert.True(t, *n.Mmap)
	assert.Equal(t, int8(-1), n.RopeScalingType())

	p, err := cfg.Runtime.Defaults.SamplingParams()
	require.NoError(t, err)
	assert.InDelta(t, 0.8, p.Temperature, 1e-6)
	assert.Equal(t, 40, p.TopK)
	assert.True(t, p.PenalizeNL)
}

func TestMergeNativeFields(t *testing.T) {
	base := Default()

	t.Run("model path and context size", func(t *testing.T) {
		override := Config{}
		override.Runtime.Native.ModelPath = "model.gguf"
		override.Runtime.Native.ContextSize = 512
		result := merge(base, override)
		assert.Equal(t, "model.gguf", result.Runtime.Native.ModelPath)
		assert.Equal(t, 512, result.Runtime.Native.ContextSize)
		assert.Equal(t, base.Runtime.Native.Threads, result.Runtime.Native.Threads)
	})

	t.Run("mmap can be switched off", func(t *testing.T) {
		f := false
		override := Config{}
		override.Runtime.Native.Mmap = &f
		result := merge(base, override)
		require.NotNil(t, result.Runtime.Native.Mmap)
		assert.False(t, *result.Runtime.Native.Mmap)
	})

	t.Run("mmap kept when nil", func(t *testing.T) {
		result := merge(base, Config{})
		require.NotNil(t, result.Runtime.Native.Mmap)
		assert.True(t, *result.Runtime.Native.Mmap)
	})
}

func TestMergeGenerationDefaults(t *testing.T) {
	base := Default()

	t.Run("zero temperature selects greedy", func(t *testing.T) {
		zero := 0.0
		override := Config{}
		override.Runtime.Defaults.Temperature = &zero
		result := merge(base, override)
		p, err := result.Runtime.Defaults.SamplingParams()
		require.NoError(t, err)
		assert.Zero(t, p.Temperature)
	})

	t.Run("stop list replaced", func(t *testing.T) {
		override := Config{}
		override.Runtime.Defaults.Stop = []string{"<|im_end|>"}
		result := merge(base, override)
		assert.Equal(t, []string{"<|im_end|>"}, result.Runtime.Defaults.Stop)
		assert.Nil(t, base.Runtime.Defaults.Stop, "base is not mutated")
	})

	t.Run("logit bias copied", func(t *testing.T) {
		override := Config{}
		override.Runtime.Defaults.LogitBias = map[string]float64{"15": -100}
		result := merge(base, override)
		override.Runtime.Defaults.LogitBias["15"] = 5
		assert.Equal(t, -100.0, result.Runtime.Defaults.LogitBias["15"])
	})
}

func TestSamplingParamsRejectsBadBias(t *testing.T) {
	d := Default().Runtime.Defaults
	d.LogitBias = map[string]float64{"newline": 1}
	_, err := d.SamplingParams()
	assert.Error(t, err)

	d.LogitBias = map[string]float64{" 13 ": 2.5}
	p, err := d.SamplingParams()
	require.NoError(t, err)
	assert.InDelta(t, 2.5, p.LogitBias[13], 1e-6)
}

func TestResolveFromFiles(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{
			name: "yaml",
			file: "llamarun.yaml",
			content: `runtime:
  native:
    model_path: /models/tiny.gguf
    context_size: 1024
  defaults:
    temperature: 0
    stop: ["</s>"]
server:
  port: 9000
`,
		},
		{
			name: "toml",
			file: "llamarun.toml",
			content: `[runtime.native]
model_path = "/models/tiny.gguf"
context_size = 1024

[runtime.defaults]
temperature = 0.0
stop = ["</s>"]

[server]
port = 9000
`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))
			t.Setenv("APP_CONFIG", path)

			cfg, err := Resolve()
			require.NoError(t, err)
			assert.Equal(t, "/models/tiny.gguf", cfg.Runtime.Native.ModelPath)
			assert.Equal(t, 1024, cfg.Runtime.Native.ContextSize)
			require.NotNil(t, cfg.Runtime.Defaults.Temperature)
			assert.Zero(t, *cfg.Runtime.Defaults.Temperature)
			assert.Equal(t, []string{"</s>"}, cfg.Runtime.Defaults.Stop)
			assert.Equal(t, 9000, cfg.Server.Port)
			assert.Equal(t, "127.0.0.1", cfg.Server.Host)
		})
	}
}

func TestResolveMissingConfig(t *testing.T) {
	t.Setenv("APP_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Resolve()
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_CONFIG", "")
	t.Chdir(t.TempDir())
	t.Setenv("APP_MODEL", "env.gguf")
	t.Setenv("APP_THREADS", "3")
	t.Setenv("APP_TEMPERATURE", "0")
	t.Setenv("APP_SERVER_PORT", "not-a-port")

	cfg, err := Resolve()
	require.NoError(t, err)
	assert.Equal(t, "env.gguf", cfg.Runtime.Native.ModelPath)
	assert.Equal(t, 3, cfg.Runtime.Native.Threads)
	assert.Equal(t, 3, cfg.Runtime.Native.ThreadsBatch)
	require.NotNil(t, cfg.Runtime.Defaults.Temperature)
	assert.Zero(t, *cfg.Runtime.Defaults.Temperature)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port, "invalid values are ignored")
}
