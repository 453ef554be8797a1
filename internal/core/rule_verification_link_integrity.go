package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
)

// NewVerificationLinkIntegrityRule validates the lot association and
// duplicate reference of every written verification record.
func NewVerificationLinkIntegrityRule() domain.Rule {
	return verificationLinkIntegrityRule{}
}

type verificationLinkIntegrityRule struct{}

func (verificationLinkIntegrityRule) Name() string { return "verification_link_integrity" }

func (r verificationLinkIntegrityRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, id := range domain.TouchedIDs(changes, domain.EntityVerification) {
		rec, ok := view.FindVerification(id)
		if !ok {
			continue
		}
		if msg := checkLink(view, rec); msg != "" {
			res.Violations = append(res.Violations, r.violation(id, msg))
		}
		if msg := checkDuplicate(view, rec); msg != "" {
			res.Violations = append(res.Violations, r.violation(id, msg))
		}
	}
	return res, nil
}

func (r verificationLinkIntegrityRule) violation(id, message string) domain.Violation {
	return domain.Violation{
		Rule:     r.Name(),
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   domain.EntityVerification,
		EntityID: id,
	}
}

func checkLink(view domain.TransactionView, rec domain.VerificationRecord) string {
	switch rec.Status {
	case domain.StatusUnlinked:
		if rec.LotID != nil {
			return fmt.Sprintf("unlinked record %s references lot %s", rec.ID, *rec.LotID)
		}
	case domain.StatusPending, domain.StatusApproved:
		if rec.LotID == nil {
			return fmt.Sprintf("%s record %s has no lot", rec.Status, rec.ID)
		}
		if _, ok := view.FindLot(*rec.LotID); !ok {
			return fmt.Sprintf("record %s references missing lot %s", rec.ID, *rec.LotID)
		}
	case domain.StatusRejected:
	default:
		return fmt.Sprintf("record %s has unknown status %q", rec.ID, rec.Status)
	}
	return ""
}

func checkDuplicate(view domain.TransactionView, rec domain.VerificationRecord) string {
	if !rec.IsDuplicate() {
		return ""
	}
	original, ok := view.FindVerification(*rec.DuplicateOf)
	switch {
	case !ok:
		return fmt.Sprintf("record %s duplicates missing record %s", rec.ID, *rec.DuplicateOf)
	case original.ContentHash != rec.ContentHash:
		return fmt.Sprintf("record %s duplicates %s with a different content hash", rec.ID, original.ID)
	case !sameAnchor(original.LedgerAnchor, rec.LedgerAnchor):
		return fmt.Sprintf("record %s carries a ledger anchor different from original %s", rec.ID, original.ID)
	}
	return ""
}

func sameAnchor(a, b *domain.LedgerAnchor) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.TxHash == b.TxHash && a.BlockHeight == b.BlockHeight && a.AnchoredAt.Equal(b.AnchoredAt)
}
