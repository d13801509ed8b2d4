// Package logger provides the leveled, structured logging interface used
// across the library, with slog and zerolog backed implementations.
package logger

import (
	"log/slog"
)

// Logger is the minimal structured logging contract the library depends on.
// Arguments follow the slog convention of alternating keys and values.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
}

type slogHandler struct {
	logger *slog.Logger
}

// New returns a Logger backed by the given slog handler.
func New(h slog.Handler) Logger {
	return &slogHandler{logger: slog.New(h)}
}

func (handler *slogHandler) Error(msg string, args ...any) {
	handler.logger.Error(msg, args...)
}

func (handler *slogHandler) Warn(msg string, args ...any) {
	handler.logger.Warn(msg, args...)
}

func (handler *slogHandler) Info(msg string, args ...any) {
	handler.logger.Info(msg, args...)
}

func (handler *slogHandler) Debug(msg string, args ...any) {
	handler.logger.Debug(msg, args...)
}

type nopLogger struct{}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return nopLogger{}
}

func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Debug(msg string, args ...any) {}
