package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
	"slices"

	"go.uber.org/zap"
)

// AuditSink receives audit entries after their transaction has committed.
// Delivery is best effort: a sink failure is logged and counted but never
// changes the outcome already decided for the caller.
type AuditSink interface {
	Record(ctx context.Context, entry domain.AuditLogEntry) error
}

// AuditSinkFunc adapts a function to AuditSink.
type AuditSinkFunc func(ctx context.Context, entry domain.AuditLogEntry) error

// Record calls f.
func (f AuditSinkFunc) Record(ctx context.Context, entry domain.AuditLogEntry) error {
	return f(ctx, entry)
}

// NewLogAuditSink writes every committed audit entry to logger at Info.
func NewLogAuditSink(logger *zap.Logger) AuditSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return AuditSinkFunc(func(_ context.Context, e domain.AuditLogEntry) error {
		logger.Info("audit",
			zap.String("audit_id", e.ID),
			zap.String("action", string(e.Action)),
			zap.String("user", e.User),
			zap.String("entity", string(e.Entity)),
			zap.String("target_id", e.TargetID),
			zap.String("task", e.Task),
			zap.Time("timestamp", e.Timestamp),
		)
		return nil
	})
}

// auditStager appends audit entries inside the transaction of the mutation
// they document, so a mutation commits only together with its entry.
type auditStager struct {
	tx      domain.Transaction
	entries []domain.AuditLogEntry
}

func (a *auditStager) record(actor domain.Actor, action domain.AuditAction, entity domain.EntityType, targetID, task string) error {
	entry, err := a.tx.AppendAudit(domain.AuditLogEntry{
		Action:   action,
		User:     actor.Username,
		Task:     task,
		Entity:   entity,
		TargetID: targetID,
	})
	if err != nil {
		return fmt.Errorf("stage audit %s: %w", action, err)
	}
	a.entries = append(a.entries, entry)
	return nil
}

func (s *Service) forwardAudit(ctx context.Context, entries []domain.AuditLogEntry) {
	if s.auditSink == nil {
		return
	}
	for _, e := range entries {
		if err := s.auditSink.Record(ctx, e); err != nil {
			s.count(ctx, EventAuditSinkFailure)
			s.logger.Error("audit sink failed",
				zap.String("audit_id", e.ID),
				zap.String("action", string(e.Action)),
				zap.String("target_id", e.TargetID),
				zap.Error(err),
			)
		}
	}
}

// ListAudit returns audit entries matching filter in (timestamp, id) order.
// A positive filter.Limit keeps only the most recent entries.
func (s *Service) ListAudit(ctx context.Context, actor domain.Actor, filter domain.AuditFilter) ([]domain.AuditLogEntry, error) {
	var out []domain.AuditLogEntry
	err := s.run(ctx, "list_audit", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpAuditRead); err != nil {
			return err
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			out = v.ListAudit(filter)
			return nil
		})
	})
	return out, err
}

// ExportAudit returns the full matching log in a stable total order
// (timestamp, then id) for external consumption.
func (s *Service) ExportAudit(ctx context.Context, actor domain.Actor, filter domain.AuditFilter) ([]domain.AuditLogEntry, error) {
	var out []domain.AuditLogEntry
	err := s.run(ctx, "export_audit", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpAuditExport); err != nil {
			return err
		}
		filter.Limit = 0
		return s.view(ctx, func(v domain.TransactionView) error {
			out = v.ListAudit(filter)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b domain.AuditLogEntry) int {
		switch {
		case domain.AuditBefore(a, b):
			return -1
		case domain.AuditBefore(b, a):
			return 1
		}
		return 0
	})
	return out, nil
}
