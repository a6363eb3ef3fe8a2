package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"

	"github.com/antra-tess/connectome-adapters/internal/config"
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. Text output is colorized only when
// stderr is a terminal and nothing is tee'd to a file. The returned closer
// releases the log file, if any.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	var (
		out    io.Writer = os.Stderr
		closer           = func() error { return nil }
	)
	toFile := cfg.File != ""
	if toFile {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closer = f.Close
	}

	level := parseLevel(cfg.Level)
	var handler slog.Handler
	switch {
	case strings.EqualFold(cfg.Format, "json"):
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    toFile || !isatty.IsTerminal(os.Stderr.Fd()),
		})
	}
	return slog.New(handler), closer, nil
}
