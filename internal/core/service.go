package core

import (
	"context"
	"errors"
	"medtrace/internal/blob"
	"medtrace/pkg/domain"

	"go.uber.org/zap"
)

// Service is the verification moderation and lot-ledger engine. Every
// mutating operation runs as one store transaction and stages its audit
// entry inside that transaction.
type Service struct {
	store     domain.PersistentStore
	logger    *zap.Logger
	metrics   MetricsRecorder
	tracer    Tracer
	clock     Clock
	auditSink AuditSink

	detector Detector
	anchor   Anchor
	archive  blob.Store

	intakeLocks   *keyLock
	bulkWorkers   int
	maxBulkItems  int
	maxImageBytes int
}

// NewService constructs a service backed by the supplied store.
func NewService(store domain.PersistentStore, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		logger:        zap.NewNop(),
		metrics:       noopMetrics{},
		tracer:        noopTracer{},
		clock:         ClockFunc(nil),
		intakeLocks:   newKeyLock(),
		bulkWorkers:   DefaultBulkWorkers,
		maxBulkItems:  DefaultMaxBulkItems,
		maxImageBytes: DefaultMaxImageBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying persistent store.
func (s *Service) Store() domain.PersistentStore {
	return s.store
}

// run wraps an operation with tracing, metrics, and error translation.
func (s *Service) run(ctx context.Context, op string, fn func(context.Context) error) error {
	start := s.clock.Now()
	ctx, span := s.tracer.Start(ctx, op)
	err := s.translate(ctx, op, fn(ctx))
	s.metrics.Observe(ctx, op, err == nil, s.clock.Now().Sub(start))
	span.End(err)
	return err
}

// translate converts a blocking rule result into InternalInvariantError and
// logs each error class at the level operators need.
func (s *Service) translate(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		rv        domain.RuleViolationError
		invariant domain.InternalInvariantError
		conflict  domain.ConflictError
		external  domain.ExternalServiceError
		perm      domain.PermissionError
	)
	switch {
	case errors.As(err, &rv):
		blocking := rv.Result.Blocking()
		invariant = domain.InternalInvariantError{Violations: blocking}
		s.logInvariant(ctx, op, invariant)
		return invariant
	case errors.As(err, &invariant):
		s.logInvariant(ctx, op, invariant)
	case errors.As(err, &conflict):
		if conflict.Reason == domain.ReasonOversell {
			s.count(ctx, EventOversellRejection)
			s.logger.Info("oversell rejected", zap.String("operation", op), zap.String("lot_id", conflict.ID), zap.String("detail", conflict.Message))
		} else {
			s.logger.Debug("conflict", zap.String("operation", op), zap.String("reason", string(conflict.Reason)), zap.String("id", conflict.ID))
		}
	case errors.As(err, &external):
		s.logger.Warn("external service failed", zap.String("operation", op), zap.String("service", external.Service), zap.Bool("timeout", external.Timeout()), zap.Error(external.Err))
	case errors.As(err, &perm):
		s.logger.Info("permission denied", zap.String("operation", op), zap.String("role", string(perm.Role)))
	case domain.IsValidation(err), domain.IsNotFound(err):
		s.logger.Debug("request rejected", zap.String("operation", op), zap.Error(err))
	default:
		s.logger.Error("operation failed", zap.String("operation", op), zap.Error(err))
	}
	return err
}

func (s *Service) logInvariant(ctx context.Context, op string, err domain.InternalInvariantError) {
	s.count(ctx, EventInvariantFailure)
	rules := make([]string, 0, len(err.Violations))
	for _, v := range err.Violations {
		rules = append(rules, v.Rule)
	}
	s.logger.Error("internal invariant violated",
		zap.String("operation", op),
		zap.Strings("rules", rules),
		zap.String("detail", err.Error()),
	)
}

func (s *Service) count(ctx context.Context, event string) {
	if c, ok := s.metrics.(EventCounter); ok {
		c.Count(ctx, event)
	}
}

// view runs fn against committed state.
func (s *Service) view(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.store.View(ctx, fn)
}

// write runs fn in a transaction and forwards the audit entries it staged
// to the sink once the transaction has committed.
func (s *Service) write(ctx context.Context, fn func(tx domain.Transaction, audit *auditStager) error) error {
	var staged *auditStager
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		staged = &auditStager{tx: tx}
		return fn(tx, staged)
	})
	if err != nil {
		return err
	}
	if staged != nil {
		s.forwardAudit(ctx, staged.entries)
	}
	return nil
}
