// Package logging builds the orchestrator's root *slog.Logger (§A
// "Logging"), ported from the teacher's cmd/hector/logger.go and
// pkg/logger: level/file/format resolved with CLI flags beating
// config-file values beating defaults. Format "json" selects JSON output;
// any other value selects text. No environment variable is read here.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/agentmesh/orchestrator/pkg/config"
)

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging: unknown level %q", s)
	}
}

// OpenLogFile opens path for appending, returning a cleanup func to
// close it once the logger is no longer needed.
func OpenLogFile(path string) (*os.File, func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// Build constructs the root logger from CLI overrides layered over a
// LoggerConfig (which already carries config-file values over defaults).
// Empty CLI strings mean "no override."
func Build(cliLevel, cliFile, cliFormat string, cfg config.LoggerConfig) (*slog.Logger, func(), error) {
	level := cliLevel
	if level == "" {
		level = cfg.Level
	}
	file := cliFile
	if file == "" {
		file = cfg.File
	}
	format := cliFormat
	if format == "" {
		format = cfg.Format
	}

	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, c, err := OpenLogFile(file)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open log file: %w", err)
		}
		output = f
		cleanup = c
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, cleanup, nil
}
