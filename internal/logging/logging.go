// Package logging builds the process-wide zerolog logger, carries
// request-scoped fields through context.Context, and bridges to log/slog
// for components (the invalidation consumer in particular) that are more
// naturally written against the standard library's logging interface.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the base logger's verbosity, output format, and static
// fields attached to every record.
type Config struct {
	Level     string
	Console   bool
	Component string
}

type ctxKey string

const (
	ctxRequestID ctxKey = "request_id"
	ctxComponent ctxKey = "component"
	ctxCellID    ctxKey = "cell_id"
	ctxOperation ctxKey = "operation"
)

// WithRequestID attaches a request id to ctx, generating one if reqID is
// empty.
func WithRequestID(ctx context.Context, reqID string) context.Context {
	if reqID == "" {
		reqID = NewID()
	}
	return context.WithValue(ctx, ctxRequestID, reqID)
}

// WithComponent attaches the name of the subsystem handling ctx.
func WithComponent(ctx context.Context, component string) context.Context {
	if component == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxComponent, component)
}

// WithCellID attaches the grid cell id an operation is acting on.
func WithCellID(ctx context.Context, cellID string) context.Context {
	if cellID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxCellID, cellID)
}

// WithOperation attaches the logical operation name (put, get, range_query,
// preload, evict, ...) an operation is performing.
func WithOperation(ctx context.Context, op string) context.Context {
	if op == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxOperation, op)
}

// NewID returns a short random hex id suitable for request correlation.
func NewID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Build constructs the process-wide zerolog.Logger. out defaults to stdout.
func Build(cfg Config, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "timestamp"
	zerolog.LevelFieldName = "level"
	zerolog.MessageFieldName = "msg"

	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Level)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if cfg.Component != "" {
		ctx = ctx.Str("component", cfg.Component)
	}
	return ctx.Logger()
}

// FromContext returns a child logger of parent with any request-scoped
// fields carried by ctx applied.
func FromContext(ctx context.Context, parent *zerolog.Logger) *zerolog.Logger {
	var base zerolog.Logger
	if parent == nil {
		base = zerolog.New(io.Discard)
	} else {
		base = *parent
	}
	w := base.With()
	if v, ok := ctx.Value(ctxRequestID).(string); ok && v != "" {
		w = w.Str("request_id", v)
	}
	if v, ok := ctx.Value(ctxComponent).(string); ok && v != "" {
		w = w.Str("component", v)
	}
	if v, ok := ctx.Value(ctxCellID).(string); ok && v != "" {
		w = w.Str("cell_id", v)
	}
	if v, ok := ctx.Value(ctxOperation).(string); ok && v != "" {
		w = w.Str("operation", v)
	}
	l := w.Logger()
	return &l
}
