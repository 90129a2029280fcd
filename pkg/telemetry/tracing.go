package telemetry

import "context"

// SpanContext carries the correlation ids the logger stamps onto events.
// The compiler does not propagate traces itself; callers that front a
// compile with an HTTP request put the request's ids on the context and
// every store/transport log line downstream picks them up.
type SpanContext struct {
	TraceID string
	SpanID  string
}

type spanContextKey struct{}

// ContextWithSpanContext returns a context carrying sc.
func ContextWithSpanContext(ctx context.Context, sc SpanContext) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, spanContextKey{}, sc)
}

// SpanContextFromContext extracts the span context, if any was attached.
func SpanContextFromContext(ctx context.Context) (SpanContext, bool) {
	if ctx == nil {
		return SpanContext{}, false
	}
	sc, ok := ctx.Value(spanContextKey{}).(SpanContext)
	if !ok || (sc.TraceID == "" && sc.SpanID == "") {
		return SpanContext{}, false
	}
	return sc, true
}
