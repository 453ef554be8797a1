package core

import (
	"medtrace/internal/blob"
	"time"

	"go.uber.org/zap"
)

// Clock supplies the current time to the service.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now returns the current instant in UTC. A nil ClockFunc reads the wall clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

// Defaults for the tunable service limits.
const (
	DefaultBulkWorkers   = 4
	DefaultMaxBulkItems  = 500
	DefaultMaxImageBytes = 10 << 20
)

// ServiceOption configures optional service behaviour.
type ServiceOption func(*Service)

// WithLogger sets the structured logger. Nil keeps the no-op logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the operation metrics recorder.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer sets the tracer used to wrap every operation in a span.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithClock overrides the clock used for archive keys and durations.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithAuditSink forwards committed audit entries to sink.
func WithAuditSink(sink AuditSink) ServiceOption {
	return func(s *Service) {
		s.auditSink = sink
	}
}

// WithDetector sets the external Detector collaborator.
func WithDetector(detector Detector) ServiceOption {
	return func(s *Service) {
		s.detector = detector
	}
}

// WithAnchor sets the external Ledger-Anchor collaborator.
func WithAnchor(anchor Anchor) ServiceOption {
	return func(s *Service) {
		s.anchor = anchor
	}
}

// WithImageArchive stores every original intake image in archive.
func WithImageArchive(archive blob.Store) ServiceOption {
	return func(s *Service) {
		s.archive = archive
	}
}

// WithBulkWorkers bounds how many bulk moderation items run at once.
func WithBulkWorkers(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.bulkWorkers = n
		}
	}
}

// WithMaxBulkItems caps the number of ids accepted by ApplyBulk.
func WithMaxBulkItems(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxBulkItems = n
		}
	}
}

// WithMaxImageBytes caps the size of an intake image.
func WithMaxImageBytes(n int) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxImageBytes = n
		}
	}
}
