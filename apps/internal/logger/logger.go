// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package logger wraps log/slog for the internal packages.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type Level string

const (
	Info  Level = "info"
	Err   Level = "error"
	Warn  Level = "warn"
	Debug Level = "debug"
)

// LoggerInterface defines the methods that a logger should implement
type LoggerInterface interface {
	Log(ctx context.Context, level Level, message string, fields ...any)
}

// logger adapts an *slog.Logger to LoggerInterface.
type logger struct {
	logging *slog.Logger
}

// New creates a logger writing to slogLogger. A nil slogLogger selects a text logger on stderr
// at warn level, so that library users don't get debug output unless they ask for it.
func New(slogLogger *slog.Logger) LoggerInterface {
	if slogLogger == nil {
		slogLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return &logger{logging: slogLogger}
}

// Discard returns a logger that drops everything.
func Discard() LoggerInterface {
	return &logger{logging: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Log method with full support for structured logging and multiple log levels.
func (a *logger) Log(ctx context.Context, level Level, message string, fields ...any) {
	if a == nil || a.logging == nil {
		return
	}
	var slogLevel slog.Level
	switch level {
	case Info:
		slogLevel = slog.LevelInfo
	case Err:
		slogLevel = slog.LevelError
	case Warn:
		slogLevel = slog.LevelWarn
	case Debug:
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	a.logging.Log(ctx, slogLevel, message, fields...)
}

// Field creates a slog field for any value
func Field(key string, value any) any {
	return slog.Any(key, value)
}
