package scraper

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error
	Level string `mapstructure:"level"`

	// Format is the log format: text, json
	Format string `mapstructure:"format"`

	// Output is where to write logs: stdout, stderr, or file path
	Output string `mapstructure:"output"`

	// LogHeaders adds request and response headers to proxy log lines
	LogHeaders bool `mapstructure:"log_headers"`
}

// NewLogger builds a logger from the settings. The returned closer
// releases a log file and is a no-op for stdout and stderr.
func (lc LoggingConfig) NewLogger() (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(lc.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch lc.Output {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(lc.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(lc.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", lc.Format)
	}
	return slog.New(h), closer, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
