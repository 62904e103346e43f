// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package logger

import (
	"context"
	"io"
	"log/slog"
	"os"

	"go.astrophena.name/hexbot/internal/syncx"
)

// Logger bundles a [slog.Logger] with the [slog.LevelVar] that controls its
// verbosity.
type Logger struct {
	Logger *slog.Logger
	Level  *slog.LevelVar
}

// New returns a [Logger] writing to w at [slog.LevelInfo].
//
// Records carry no timestamp. The writer is expected to prefix each line with
// one if needed.
func New(w io.Writer) *Logger {
	level := new(slog.LevelVar)
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
	return &Logger{Logger: slog.New(h), Level: level}
}

type ctxKey struct{}

// WithLogger returns a new context based on ctx that carries l.
func WithLogger(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

var defaultLogger syncx.Lazy[*Logger]

// Get returns the [Logger] carried by ctx, or a process-wide default writing
// to standard error if ctx has none.
func Get(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return defaultLogger.Get(func() *Logger { return New(os.Stderr) })
}

// Debug logs at [slog.LevelDebug] using the [Logger] carried by ctx.
func Debug(ctx context.Context, msg string, args ...any) {
	Get(ctx).Logger.DebugContext(ctx, msg, args...)
}

// Info logs at [slog.LevelInfo] using the [Logger] carried by ctx.
func Info(ctx context.Context, msg string, args ...any) {
	Get(ctx).Logger.InfoContext(ctx, msg, args...)
}

// Warn logs at [slog.LevelWarn] using the [Logger] carried by ctx.
func Warn(ctx context.Context, msg string, args ...any) {
	Get(ctx).Logger.WarnContext(ctx, msg, args...)
}

// Error logs at [slog.LevelError] using the [Logger] carried by ctx.
func Error(ctx context.Context, msg string, args ...any) {
	Get(ctx).Logger.ErrorContext(ctx, msg, args...)
}
