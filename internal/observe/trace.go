package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// scope is the instrumentation scope of every Waypoint tracer and meter.
const scope = "github.com/MrWong99/waypoint"

// Span attribute keys shared across packages.
const (
	AttrSessionID = attribute.Key("waypoint.session_id")
	AttrRequestID = attribute.Key("waypoint.request_id")
	AttrTool      = attribute.Key("waypoint.tool")
	AttrVariant   = attribute.Key("waypoint.tool.variant")
	AttrAttempts  = attribute.Key("waypoint.tool.attempts")
)

type ctxKey int

const (
	sessionKey ctxKey = iota
	correlationKey
)

// Tracer returns the Waypoint tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(scope)
}

// WithSession records the conversation a request belongs to. Spans started
// and loggers derived from the returned context carry the session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionID returns the session id stored by [WithSession].
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey).(string)
	return id
}

// StartSpan starts a span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := SessionID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(AttrSessionID.String(id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// withCorrelationID stores a caller-supplied correlation id.
func withCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the id that ties a client request to server logs:
// the X-Correlation-ID the caller sent, otherwise the trace id. Empty when
// neither exists.
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey).(string); ok {
		return id
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with the trace, span,
// correlation and session ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id, ok := ctx.Value(correlationKey).(string); ok {
		attrs = append(attrs, slog.String("correlation_id", id))
	}
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String("session_id", id))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
