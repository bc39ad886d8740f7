package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type clientIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string {
	return uuid.NewString()
}

// WithClientID tags ctx with the client a task belongs to. It is only used
// for log correlation; routing always takes the client ID explicitly.
func WithClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

func ClientID(ctx context.Context) string {
	if v, ok := ctx.Value(clientIDKey{}).(string); ok {
		return v
	}
	return ""
}

// LogAttrs returns the correlation attributes carried by ctx, ready to pass
// to a slog call.
func LogAttrs(ctx context.Context) []any {
	attrs := []any{"trace_id", TraceID(ctx)}
	if id := ClientID(ctx); id != "" {
		attrs = append(attrs, "client_id", id)
	}
	return attrs
}
