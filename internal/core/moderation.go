package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// transition describes one moderation edge: the status it requires, the
// status it produces and the counter deltas applied to the record's lot.
type transition struct {
	op            string
	action        domain.AuditAction
	from          domain.RecordStatus
	to            domain.RecordStatus
	idempotentOn  domain.RecordStatus
	deltaPending  int
	deltaApproved int
}

var (
	linkTransition = transition{
		op: "link", action: domain.AuditLink,
		from: domain.StatusUnlinked, to: domain.StatusPending,
		deltaPending: 1,
	}
	unlinkTransition = transition{
		op: "unlink", action: domain.AuditUnlink,
		from: domain.StatusPending, to: domain.StatusUnlinked,
		deltaPending: -1,
	}
	approveTransition = transition{
		op: "approve", action: domain.AuditApprove,
		from: domain.StatusPending, to: domain.StatusApproved,
		idempotentOn: domain.StatusApproved,
		deltaPending: -1, deltaApproved: 1,
	}
	rejectTransition = transition{
		op: "reject", action: domain.AuditReject,
		from: domain.StatusPending, to: domain.StatusRejected,
		idempotentOn: domain.StatusRejected,
		deltaPending: -1,
	}
)

// Link associates an UNLINKED record with lotID, moving it to PENDING.
func (s *Service) Link(ctx context.Context, actor domain.Actor, id, lotID string) (domain.VerificationRecord, error) {
	return s.moderate(ctx, actor, linkTransition, id, lotID)
}

// Unlink returns a PENDING record to UNLINKED. Decided records keep their lot.
func (s *Service) Unlink(ctx context.Context, actor domain.Actor, id string) (domain.VerificationRecord, error) {
	return s.moderate(ctx, actor, unlinkTransition, id, "")
}

// Approve moves a PENDING record to APPROVED. Approving an APPROVED record
// succeeds without touching counters or the audit log.
func (s *Service) Approve(ctx context.Context, actor domain.Actor, id string) (domain.VerificationRecord, error) {
	return s.moderate(ctx, actor, approveTransition, id, "")
}

// Reject moves a PENDING record to REJECTED. Rejecting a REJECTED record
// succeeds without touching counters or the audit log.
func (s *Service) Reject(ctx context.Context, actor domain.Actor, id string) (domain.VerificationRecord, error) {
	return s.moderate(ctx, actor, rejectTransition, id, "")
}

func (s *Service) moderate(ctx context.Context, actor domain.Actor, t transition, id, lotID string) (domain.VerificationRecord, error) {
	var out domain.VerificationRecord
	err := s.run(ctx, t.op, func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpVerificationModerate); err != nil {
			return err
		}
		var err error
		out, err = s.applyTransition(ctx, actor, t, id, lotID)
		return err
	})
	return out, err
}

// applyTransition runs one transition in its own transaction. Writers are
// serialized by the store, so the status read and the write cannot
// interleave with another transition on the same record.
func (s *Service) applyTransition(ctx context.Context, actor domain.Actor, t transition, id, lotID string) (domain.VerificationRecord, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.VerificationRecord{}, domain.ValidationError{Field: "id", Message: "required"}
	}
	lotID = strings.TrimSpace(lotID)
	if t.action == domain.AuditLink && lotID == "" {
		return domain.VerificationRecord{}, domain.ValidationError{Field: "lot_id", Message: "required"}
	}
	var out domain.VerificationRecord
	err := s.write(ctx, func(tx domain.Transaction, audit *auditStager) error {
		current, ok := tx.FindVerification(id)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityVerification, ID: id}
		}
		if t.idempotentOn != "" && current.Status == t.idempotentOn {
			out = current
			return nil
		}
		if current.Status != t.from {
			return domain.ConflictError{
				Reason:  domain.ReasonInvalidTransition,
				Entity:  domain.EntityVerification,
				ID:      id,
				Message: fmt.Sprintf("cannot %s a %s record", t.op, current.Status),
			}
		}
		target := current.LinkedLot()
		if t.action == domain.AuditLink {
			lot, ok := tx.FindLot(lotID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityLot, ID: lotID}
			}
			target = lot.ID
		}
		if target == "" {
			return domain.InternalInvariantError{Message: fmt.Sprintf("%s record %s has no lot", current.Status, id)}
		}
		updated, err := tx.UpdateVerification(id, func(rec *domain.VerificationRecord) error {
			rec.Status = t.to
			switch t.to {
			case domain.StatusUnlinked:
				rec.LotID = nil
			case domain.StatusPending:
				lot := target
				rec.LotID = &lot
			}
			return nil
		})
		if err != nil {
			return err
		}
		if _, err := tx.AdjustLotCounts(target, t.deltaPending, t.deltaApproved); err != nil {
			return err
		}
		out = updated
		task := fmt.Sprintf("%s verification %s (%s -> %s) on lot %s", t.op, id, t.from, t.to, target)
		return audit.record(actor, t.action, domain.EntityVerification, id, task)
	})
	if domain.IsConflict(err, domain.ReasonInvalidTransition) {
		s.logger.Info("moderation transition refused",
			zap.String("operation", t.op),
			zap.String("verification_id", id),
			zap.Error(err),
		)
	}
	return out, err
}

// BulkAction names a moderation transition that ApplyBulk can fan out.
type BulkAction string

// Supported bulk actions.
const (
	BulkApprove BulkAction = "approve"
	BulkReject  BulkAction = "reject"
	BulkLink    BulkAction = "link"
	BulkUnlink  BulkAction = "unlink"
)

func (a BulkAction) transition() (transition, bool) {
	switch BulkAction(strings.ToLower(string(a))) {
	case BulkApprove:
		return approveTransition, true
	case BulkReject:
		return rejectTransition, true
	case BulkLink:
		return linkTransition, true
	case BulkUnlink:
		return unlinkTransition, true
	}
	return transition{}, false
}

// BulkItemResult is the outcome for one id of a bulk request.
type BulkItemResult struct {
	ID     string
	Record domain.VerificationRecord
	Err    error
}

// OK reports whether the item succeeded.
func (r BulkItemResult) OK() bool { return r.Err == nil }

// BulkResult summarises a bulk request. Items keep the order of the input.
type BulkResult struct {
	Items     []BulkItemResult
	Succeeded int
	Failed    int
}

// ByID indexes the items by record id. Repeated ids keep their last result.
func (r BulkResult) ByID() map[string]BulkItemResult {
	out := make(map[string]BulkItemResult, len(r.Items))
	for _, item := range r.Items {
		out[item.ID] = item
	}
	return out
}

// ApplyBulk applies action to every id independently. Each item commits in
// its own transaction; a failing item is reported in the result and never
// aborts the rest. lotID is required for BulkLink and ignored otherwise.
// Only authorization or a malformed batch fails the call as a whole.
func (s *Service) ApplyBulk(ctx context.Context, actor domain.Actor, ids []string, action BulkAction, lotID string) (BulkResult, error) {
	var result BulkResult
	err := s.run(ctx, "apply_bulk", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpVerificationModerate); err != nil {
			return err
		}
		t, ok := action.transition()
		if !ok {
			return domain.ValidationError{Field: "action", Message: "unknown bulk action " + string(action)}
		}
		switch {
		case len(ids) == 0:
			return domain.ValidationError{Field: "ids", Message: "required"}
		case len(ids) > s.maxBulkItems:
			return domain.ValidationError{Field: "ids", Message: fmt.Sprintf("at most %d ids per request", s.maxBulkItems)}
		case t.action == domain.AuditLink && strings.TrimSpace(lotID) == "":
			return domain.ValidationError{Field: "lot_id", Message: "required for link"}
		}

		items := make([]BulkItemResult, len(ids))
		// Items run independently, so the group context is never cancelled
		// by an item failure.
		var g errgroup.Group
		g.SetLimit(s.bulkWorkers)
		for i, id := range ids {
			g.Go(func() error {
				var rec domain.VerificationRecord
				err := s.run(ctx, t.op, func(ctx context.Context) error {
					var err error
					rec, err = s.applyTransition(ctx, actor, t, id, lotID)
					return err
				})
				items[i] = BulkItemResult{ID: id, Record: rec, Err: err}
				return nil
			})
		}
		_ = g.Wait()

		result.Items = items
		for _, item := range items {
			if item.OK() {
				result.Succeeded++
			} else {
				result.Failed++
			}
		}
		s.logger.Debug("bulk moderation finished",
			zap.String("action", string(action)),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
		return nil
	})
	return result, err
}
