// Package requestctx carries per-request values between middleware, handlers and services.
package requestctx

import (
	"context"

	"go.uber.org/zap"
)

// key is a typed context key; the pointer identity keeps keys from colliding.
type key[T any] struct{ name string }

func (k *key[T]) with(ctx context.Context, v T) context.Context {
	return context.WithValue(ctx, k, v)
}

func (k *key[T]) from(ctx context.Context) (T, bool) {
	var zero T
	if ctx == nil {
		return zero, false
	}
	v, ok := ctx.Value(k).(T)
	return v, ok
}

var (
	loggerKey   = &key[*zap.Logger]{"logger"}
	traceKey    = &key[TraceInfo]{"trace"}
	clientIPKey = &key[string]{"client-ip"}

	nop = zap.NewNop()
)

// TraceInfo is the Cloud Trace context of the request.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger attaches logger to ctx. A nil logger attaches a no-op one.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return loggerKey.with(ctx, logger)
}

// Logger returns the request logger, or a no-op logger when none is attached.
func Logger(ctx context.Context) *zap.Logger {
	if logger, ok := loggerKey.from(ctx); ok && logger != nil {
		return logger
	}
	return nop
}

// NoopLogger is the logger Logger falls back to, for callers that need to tell it apart.
func NoopLogger() *zap.Logger { return nop }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return traceKey.with(ctx, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	return traceKey.from(ctx)
}

// TraceID is Trace(ctx).TraceID, or "" outside a traced request.
func TraceID(ctx context.Context) string {
	info, _ := traceKey.from(ctx)
	return info.TraceID
}

// WithClientIP records the caller address used for rate limiting and bot verification.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return clientIPKey.with(ctx, ip)
}

func ClientIP(ctx context.Context) string {
	ip, _ := clientIPKey.from(ctx)
	return ip
}
