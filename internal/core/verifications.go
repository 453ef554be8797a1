package core

import (
	"context"
	"medtrace/pkg/domain"
)

// GetVerification returns the record with id.
func (s *Service) GetVerification(ctx context.Context, actor domain.Actor, id string) (domain.VerificationRecord, error) {
	var rec domain.VerificationRecord
	err := s.run(ctx, "get_verification", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpVerificationRead); err != nil {
			return err
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			found, ok := v.FindVerification(id)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityVerification, ID: id}
			}
			rec = found
			return nil
		})
	})
	return rec, err
}

// FindVerificationByHash returns the original record for a content hash.
func (s *Service) FindVerificationByHash(ctx context.Context, actor domain.Actor, hash string) (domain.VerificationRecord, error) {
	var rec domain.VerificationRecord
	err := s.run(ctx, "find_verification_by_hash", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpVerificationRead); err != nil {
			return err
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			found, ok := v.FindVerificationByHash(hash)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityVerification, ID: hash}
			}
			rec = found
			return nil
		})
	})
	return rec, err
}

// ListVerifications returns records matching filter.
func (s *Service) ListVerifications(ctx context.Context, actor domain.Actor, filter domain.VerificationFilter) ([]domain.VerificationRecord, error) {
	var out []domain.VerificationRecord
	err := s.run(ctx, "list_verifications", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpVerificationRead); err != nil {
			return err
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return domain.ValidationError{Field: "status", Message: "unknown status " + string(filter.Status)}
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			out = v.ListVerifications(filter)
			return nil
		})
	})
	return out, err
}

// ListByLot returns every record associated with lotID, including
// rejected records that keep their last lot for audit.
func (s *Service) ListByLot(ctx context.Context, actor domain.Actor, lotID string) ([]domain.VerificationRecord, error) {
	return s.ListVerifications(ctx, actor, domain.VerificationFilter{LotID: lotID})
}

// ListByStatus returns every record in status.
func (s *Service) ListByStatus(ctx context.Context, actor domain.Actor, status domain.RecordStatus) ([]domain.VerificationRecord, error) {
	return s.ListVerifications(ctx, actor, domain.VerificationFilter{Status: status})
}

// ListUnlinked returns records awaiting a lot association.
func (s *Service) ListUnlinked(ctx context.Context, actor domain.Actor) ([]domain.VerificationRecord, error) {
	return s.ListByStatus(ctx, actor, domain.StatusUnlinked)
}
