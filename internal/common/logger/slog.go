package logger

import (
	"context"
	"log/slog"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Slog returns a *slog.Logger backed by this Logger. Used to hand our zap
// pipeline to libraries that only accept log/slog (the ACP SDK connection).
func (l *Logger) Slog() *slog.Logger {
	return slog.New(&zapSlogHandler{zap: l.zap})
}

type zapSlogHandler struct {
	zap    *zap.Logger
	groups []string
}

func (h *zapSlogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.zap.Core().Enabled(slogToZapLevel(level))
}

func (h *zapSlogHandler) Handle(_ context.Context, rec slog.Record) error {
	fields := make([]zap.Field, 0, rec.NumAttrs())
	rec.Attrs(func(attr slog.Attr) bool {
		fields = append(fields, h.attrToField(attr))
		return true
	})
	if ce := h.zap.Check(slogToZapLevel(rec.Level), rec.Message); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

func (h *zapSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	fields := make([]zap.Field, 0, len(attrs))
	for _, attr := range attrs {
		fields = append(fields, h.attrToField(attr))
	}
	return &zapSlogHandler{zap: h.zap.With(fields...), groups: h.groups}
}

func (h *zapSlogHandler) WithGroup(name string) slog.Handler {
	return &zapSlogHandler{zap: h.zap, groups: append(append([]string{}, h.groups...), name)}
}

func (h *zapSlogHandler) attrToField(attr slog.Attr) zap.Field {
	key := attr.Key
	for i := len(h.groups) - 1; i >= 0; i-- {
		key = h.groups[i] + "." + key
	}
	return zap.Any(key, attr.Value.Resolve().Any())
}

func slogToZapLevel(level slog.Level) zapcore.Level {
	switch {
	case level >= slog.LevelError:
		return zapcore.ErrorLevel
	case level >= slog.LevelWarn:
		return zapcore.WarnLevel
	case level >= slog.LevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
