// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides the structured logger shared by catalog binaries.
//
// # Destinations
//
// Records go to stderr (text or JSON) and, when LogDir is set, to a JSON
// log file rotated by size:
//
//	logger := logging.New(logging.Config{
//	    Level:   logging.LevelInfo,
//	    LogDir:  "~/.catalog/logs",
//	    Service: "catalog",
//	})
//	defer logger.Close()
//
// Components receive the *slog.Logger from Slog() and derive child loggers
// with a "component" attribute.
//
// # Runtime level changes
//
// The minimum level lives in a slog.LevelVar shared by every handler, so
// SetLevel takes effect immediately for the logger and all its children.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is a log severity. Debug < Info < Warn < Error.
type Level int

const (
	// LevelDebug is for development troubleshooting.
	LevelDebug Level = iota

	// LevelInfo is for normal operational messages.
	LevelInfo

	// LevelWarn is for conditions the system recovered from, such as a
	// derived store write that was skipped.
	LevelWarn

	// LevelError is for failed operations.
	LevelError
)

// String returns "DEBUG", "INFO", "WARN", "ERROR" or "UNKNOWN".
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a configuration string to a Level.
//
// Inputs:
//
//	s - "debug", "info", "warn"/"warning" or "error", case-insensitive.
//
// Outputs:
//
//	Level - The parsed level.
//	error - Non-nil for any other value.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures a Logger. The zero value writes Info and above to
// stderr as text.
type Config struct {
	// Level sets the minimum level. Default LevelInfo.
	Level Level

	// LogDir enables file logging. The file is "{Service}.log" in JSON and
	// rotates at MaxSizeMB. A leading ~ expands to the home directory.
	LogDir string

	// Service is attached to every record as the "service" attribute.
	Service string

	// JSON switches stderr output to JSON. File output is always JSON.
	JSON bool

	// Quiet disables stderr output.
	Quiet bool

	// MaxSizeMB is the size at which the log file rotates. Default 100.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default 5.
	MaxBackups int

	// Output replaces stderr. Used by tests.
	Output io.Writer
}

// =============================================================================
// Logger
// =============================================================================

// Logger is a structured logger with optional rotated file output.
//
// Thread Safety: Safe for concurrent use. Close must be called once when
// file logging is enabled.
type Logger struct {
	slog  *slog.Logger
	level *slog.LevelVar
	file  *lumberjack.Logger
}

// New creates a Logger from config.
//
// Description:
//
//	Builds a stderr handler (unless Quiet) and a JSON file handler (when
//	LogDir is set) and fans records out to both. A file that cannot be
//	opened is reported on stderr and file logging is skipped; the logger
//	is always usable.
func New(config Config) *Logger {
	level := new(slog.LevelVar)
	level.Set(config.Level.toSlogLevel())
	opts := &slog.HandlerOptions{Level: level}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}

	var handlers []slog.Handler
	if !config.Quiet {
		if config.JSON {
			handlers = append(handlers, slog.NewJSONHandler(out, opts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(out, opts))
		}
	}

	l := &Logger{level: level}
	if config.LogDir != "" {
		dir := expandPath(config.LogDir)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintf(out, "logging: file output disabled: %v\n", err)
		} else {
			service := config.Service
			if service == "" {
				service = "catalog"
			}
			l.file = &lumberjack.Logger{
				Filename:   filepath.Join(dir, service+".log"),
				MaxSize:    positiveOr(config.MaxSizeMB, 100),
				MaxBackups: positiveOr(config.MaxBackups, 5),
				Compress:   true,
			}
			handlers = append(handlers, slog.NewJSONHandler(l.file, opts))
		}
	}

	var handler slog.Handler
	switch len(handlers) {
	case 0:
		handler = slog.NewTextHandler(io.Discard, opts)
	case 1:
		handler = handlers[0]
	default:
		handler = &multiHandler{handlers: handlers}
	}
	if config.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", config.Service)})
	}

	l.slog = slog.New(handler)
	return l
}

// Default returns an Info level stderr logger for the catalog service.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "catalog"})
}

// Slog returns the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// With returns a child logger sharing the level and file of l.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{slog: l.slog.With(args...), level: l.level, file: l.file}
}

// SetLevel changes the minimum level for l and every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level.toSlogLevel())
}

// Level returns the current minimum level.
func (l *Logger) Level() Level {
	switch l.level.Level() {
	case slog.LevelDebug:
		return LevelDebug
	case slog.LevelWarn:
		return LevelWarn
	case slog.LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// Close closes the log file, if any. Loggers derived with With share the
// file; close only the root logger.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle writes r to every enabled handler. Every handler is attempted.
func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

// expandPath expands a leading ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
