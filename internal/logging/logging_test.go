package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LlamaRun/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestNewHandlerFormats(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewHandler(&buf, "json", slog.LevelInfo)).Info("hello", "key", "value")
	assert.Contains(t, buf.String(), `"key":"value"`)

	buf.Reset()
	slog.New(NewHandler(&buf, "text", slog.LevelWarn)).Info("hidden")
	assert.Empty(t, buf.String())
}

func TestInitToFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	require.NoError(t, Init(config.LoggingConfig{Level: "debug"}, true))
	assert.True(t, IsFileLogging())
	path := FilePath()
	assert.Equal(t, filepath.Join(home, ".llamarun", "logs"), LogDir())
	assert.True(t, strings.HasPrefix(filepath.Base(path), "llamarun-"))

	slog.Debug("decode step", "pos", 7)
	Close()
	assert.False(t, IsFileLogging())
	assert.Empty(t, FilePath())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "decode step")
	assert.Contains(t, string(data), "session ended")
}
