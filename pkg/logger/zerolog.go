package logger

import (
	"fmt"

	"github.com/rs/zerolog"
)

type zerologHandler struct {
	logger zerolog.Logger
}

// NewZerolog returns a Logger backed by the given zerolog logger.
func NewZerolog(l zerolog.Logger) Logger {
	return &zerologHandler{logger: l}
}

func (handler *zerologHandler) Error(msg string, args ...any) {
	handler.logger.Error().Fields(fields(args)).Msg(msg)
}

func (handler *zerologHandler) Warn(msg string, args ...any) {
	handler.logger.Warn().Fields(fields(args)).Msg(msg)
}

func (handler *zerologHandler) Info(msg string, args ...any) {
	handler.logger.Info().Fields(fields(args)).Msg(msg)
}

func (handler *zerologHandler) Debug(msg string, args ...any) {
	handler.logger.Debug().Fields(fields(args)).Msg(msg)
}

// fields converts slog-style alternating key/value args into a zerolog field map.
func fields(args []any) map[string]any {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]any, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		m[key] = args[i+1]
	}
	if len(args)%2 != 0 {
		m["arg"] = args[len(args)-1]
	}
	return m
}
