// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger returns the service logger writing to stdout.
func NewLogger(env, service string) *slog.Logger {
	return New(os.Stdout, env, service)
}

// New builds a logger on w.
// - env=prod: JSON handler without source locations
// - otherwise: text handler with source locations
// LOG_LEVEL controls the level (debug/info/warn/error), default info.
// The worker child process passes os.Stderr because stdout carries its frames.
func New(w io.Writer, env, service string) *slog.Logger {
	level := parseLevel(os.Getenv("LOG_LEVEL"))

	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: false,
		})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: true,
		})
	}

	logger := slog.New(handler)
	if service = strings.TrimSpace(service); service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

// Discard is used by tests and by callers that pass no logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
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
