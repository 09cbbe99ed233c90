// Package trace records what the paranoid checker and the replay driver do.
//
// Events form spans (begin/end pairs) and instant points. Each event has a
// scope and the tracer's level decides which scopes pass:
//
//   - LevelError: only check failures (KindError)
//   - LevelPhase: driver and scenario spans
//   - LevelDetail: plus call frames
//   - LevelDebug: plus every instruction hook
//
// Tracers are StreamTracer (write immediately), RingTracer (keep the last N
// events for a post-mortem dump), MultiTracer (fan out) and Nop.
//
//	ctx = trace.WithTracer(ctx, tracer)
//	t := trace.FromContext(ctx)
//
//	span := trace.Begin(t, trace.ScopeScenario, "scenario:transfer", trace.CurrentSpan(ctx).SpanID)
//	defer span.End("")
package trace
