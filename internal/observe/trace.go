package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the callbridge tracer.
const tracerName = "github.com/MrWong99/callbridge"

// Span attribute keys identifying a call.
const (
	AttrSessionID = attribute.Key("callbridge.session_id")
	AttrCallSID   = attribute.Key("callbridge.call_sid")
	AttrTenantID  = attribute.Key("callbridge.tenant_id")
)

// Tracer returns the callbridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Call identifies the call a context belongs to.
type Call struct {
	SessionID string
	CallSID   string
	TenantID  string
}

// Attributes returns the non-empty identifiers as span attributes.
func (c Call) Attributes() []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if c.SessionID != "" {
		attrs = append(attrs, AttrSessionID.String(c.SessionID))
	}
	if c.CallSID != "" {
		attrs = append(attrs, AttrCallSID.String(c.CallSID))
	}
	if c.TenantID != "" {
		attrs = append(attrs, AttrTenantID.String(c.TenantID))
	}
	return attrs
}

type callKey struct{}

// WithCall returns a context carrying c. Loggers from [Logger] include its
// identifiers and the active span, if any, is annotated with them.
func WithCall(ctx context.Context, c Call) context.Context {
	trace.SpanFromContext(ctx).SetAttributes(c.Attributes()...)
	return context.WithValue(ctx, callKey{}, c)
}

// CallFrom returns the call stored by [WithCall].
func CallFrom(ctx context.Context) (Call, bool) {
	c, ok := ctx.Value(callKey{}).(Call)
	return c, ok
}

// Logger returns the default logger enriched with the call identifiers and
// trace ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if c, ok := CallFrom(ctx); ok {
		var args []any
		if c.SessionID != "" {
			args = append(args, slog.String("session_id", c.SessionID))
		}
		if c.CallSID != "" {
			args = append(args, slog.String("call_sid", c.CallSID))
		}
		if c.TenantID != "" {
			args = append(args, slog.String("tenant_id", c.TenantID))
		}
		l = l.With(args...)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// CallLogger is [Logger] for code that knows the call but may run outside a
// call-scoped context. Identity already carried by ctx wins over c.
func CallLogger(ctx context.Context, c Call) *slog.Logger {
	if _, ok := CallFrom(ctx); !ok {
		ctx = context.WithValue(ctx, callKey{}, c)
	}
	return Logger(ctx)
}
