// Package logging provides the replica-wide structured logger. Every
// component is handed a *Logger pre-bound with the replica id so log
// lines never have to repeat it.
package logging

import (
	"context"
	"log/slog"
	"os"

	"github.com/cockroachdb/redact"
)

type Logger struct {
	base *slog.Logger
}

// New builds a logger writing leveled, structured lines through handler
// (NewDefault uses a text handler on stderr). Fields passed here (e.g.
// "replica", id) are attached to every subsequent line.
func New(handler slog.Handler, kv ...any) *Logger {
	return &Logger{base: slog.New(handler).With(kv...)}
}

func NewDefault(kv ...any) *Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return New(h, kv...)
}

func (l *Logger) With(kv ...any) *Logger {
	return &Logger{base: l.base.With(kv...)}
}

func (l *Logger) Debug(msg string, kv ...any) { l.base.Debug(msg, kv...) }
func (l *Logger) Info(msg string, kv ...any)  { l.base.Info(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...any)  { l.base.Warn(msg, kv...) }
func (l *Logger) Error(msg string, kv ...any) { l.base.Error(msg, kv...) }

func (l *Logger) DebugCtx(ctx context.Context, msg string, kv ...any) { l.base.DebugContext(ctx, msg, kv...) }
func (l *Logger) InfoCtx(ctx context.Context, msg string, kv ...any)  { l.base.InfoContext(ctx, msg, kv...) }
func (l *Logger) WarnCtx(ctx context.Context, msg string, kv ...any)  { l.base.WarnContext(ctx, msg, kv...) }
func (l *Logger) ErrorCtx(ctx context.Context, msg string, kv ...any) { l.base.ErrorContext(ctx, msg, kv...) }

// RedactBytes never logs user row payloads verbatim (they are opaque and
// may be sensitive); it logs only the payload's length, marked safe, and
// leaves the payload bytes out of the result entirely.
func RedactBytes(b []byte) redact.RedactableString {
	return redact.Sprintf("%d bytes of row payload", redact.Safe(len(b)))
}
