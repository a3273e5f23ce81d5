// Package fluxlog is the structured-logging wrapper every FluxGate
// component logs through. It carries request correlation ids from a
// context into every event so one request's lines can be stitched
// back together across components.
package fluxlog

import (
	"context"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const requestIDKey contextKey = "fluxgate-request-id"

// Logger wraps a zerolog.Logger. The zero value is not usable; use
// New or Default.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger writing JSON lines to w.
func New(w io.Writer) Logger {
	return Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// Default returns a Logger writing to stderr, used when a host
// application doesn't supply its own sink.
func Default() Logger {
	return New(os.Stderr)
}

// With returns a child logger carrying the request id found in ctx,
// if any, as a "request_id" field.
func (l Logger) With(ctx context.Context) zerolog.Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.zl.With().Str("request_id", id).Logger()
	}
	return l.zl
}

func (l Logger) Debug(ctx context.Context) *zerolog.Event { zl := l.With(ctx); return zl.Debug() }
func (l Logger) Info(ctx context.Context) *zerolog.Event  { zl := l.With(ctx); return zl.Info() }
func (l Logger) Warn(ctx context.Context) *zerolog.Event  { zl := l.With(ctx); return zl.Warn() }
func (l Logger) Error(ctx context.Context) *zerolog.Event { zl := l.With(ctx); return zl.Error() }

// WithRequestID attaches a correlation id to ctx for downstream logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves a correlation id previously attached
// with WithRequestID, generating none if absent.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// NewRequestID mints a fresh correlation id for a call that doesn't
// already have one.
func NewRequestID() string {
	return uuid.New().String()
}
