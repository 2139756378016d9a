// Package logging configures the process-wide slog logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"LlamaRun/internal/config"
)

var (
	mu        sync.Mutex
	logFile   *os.File
	logDir    string
	isFileLog bool
)

// Init installs the default slog logger. If toFile is true, logs are written
// to a file in the logs directory instead of stderr. This prevents log output
// from corrupting the TUI.
func Init(cfg config.LoggingConfig, toFile bool) error {
	mu.Lock()
	defer mu.Unlock()

	level := ParseLevel(cfg.Level)
	if !toFile {
		slog.SetDefault(slog.New(NewHandler(os.Stderr, cfg.Format, level)))
		return nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	logDir = filepath.Join(homeDir, ".llamarun", "logs")

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02")
	logPath := filepath.Join(logDir, fmt.Sprintf("llamarun-%s.log", timestamp))

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if logFile != nil {
		logFile.Close()
	}
	logFile = f
	isFileLog = true

	slog.SetDefault(slog.New(NewHandler(f, cfg.Format, level)))
	slog.Info("=== LlamaRun session started ===")
	return nil
}

// Close closes the log file if one is open.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		slog.Info("=== LlamaRun session ended ===")
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
		logFile.Close()
		logFile = nil
		isFileLog = false
	}
}

// Discard drops all log output.
func Discard() {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// LogDir returns the directory where log files are stored.
func LogDir() string {
	mu.Lock()
	defer mu.Unlock()
	return logDir
}

// FilePath returns the open log file, or "" when logging to stderr.
func FilePath() string {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return ""
	}
	return logFile.Name()
}

// IsFileLogging returns true if logging is going to a file.
func IsFileLogging() bool {
	mu.Lock()
	defer mu.Unlock()
	return isFileLog
}

// NewHandler builds a text or JSON handler. Unknown formats fall back to text.
func NewHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		opts.AddSource = true
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
