// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"log/slog"
	"os"

	"golang.org/x/term"
)

// LogLevelEnvVar raises or lowers command log output ("debug", "warn").
const LogLevelEnvVar = "TALLOW_LOG_LEVEL"

// NewCommandLogger creates a structured logger for CLI command operations.
// When stderr is a terminal, uses slog.TextHandler for human-readable output.
// When stderr is piped or redirected, uses slog.JSONHandler for
// machine-parseable output.
//
// Command.Execute scopes the logger with the command path before calling
// Run.
func NewCommandLogger() *slog.Logger {
	level := slog.LevelInfo
	if text := os.Getenv(LogLevelEnvVar); text != "" {
		level.UnmarshalText([]byte(text))
	}
	var handler slog.Handler
	options := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
