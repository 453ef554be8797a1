package core

import (
	"context"
	"time"
)

// MetricsRecorder observes the outcome and latency of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// EventCounter is optionally implemented by a MetricsRecorder to count
// notable domain events.
type EventCounter interface {
	Count(ctx context.Context, event string)
}

// Domain events counted through EventCounter.
const (
	EventIntakeDuplicate   = "intake_duplicate"
	EventOversellRejection = "oversell_rejection"
	EventAuditSinkFailure  = "audit_sink_failure"
	EventInvariantFailure  = "invariant_failure"
)

// Tracer starts a span around a service operation.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended exactly once with the operation's final error.
type TraceSpan interface {
	End(err error)
}

type noopMetrics struct{}

func (noopMetrics) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}
