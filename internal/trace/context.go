package trace

import "context"

// scope is what a context carries: the tracer and the span new work nests
// under.
type scope struct {
	tracer Tracer
	span   SpanContext
}

type scopeKey struct{}

func scopeOf(ctx context.Context) scope {
	if ctx != nil {
		if s, ok := ctx.Value(scopeKey{}).(scope); ok {
			return s
		}
	}
	return scope{tracer: Nop}
}

// FromContext returns the tracer attached to ctx, or Nop.
func FromContext(ctx context.Context) Tracer {
	return scopeOf(ctx).tracer
}

// WithTracer attaches t to ctx. The current span is kept.
func WithTracer(ctx context.Context, t Tracer) context.Context {
	if t == nil {
		t = Nop
	}
	s := scopeOf(ctx)
	s.tracer = t
	return context.WithValue(ctx, scopeKey{}, s)
}

// SpanContext identifies the span a context is running under.
type SpanContext struct {
	SpanID uint64
	GID    uint64
}

// CurrentSpan returns the span recorded by WithSpan, or the zero value.
func CurrentSpan(ctx context.Context) SpanContext {
	return scopeOf(ctx).span
}

// WithSpan records s as the current span of ctx. Disabled spans leave ctx
// unchanged.
func WithSpan(ctx context.Context, s *Span) context.Context {
	if s == nil || s.id == 0 {
		return ctx
	}
	sc := scopeOf(ctx)
	sc.span = SpanContext{SpanID: s.id, GID: s.gid}
	return context.WithValue(ctx, scopeKey{}, sc)
}
