package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
)

// NewLotVerificationCountersRule checks pending_count and approved_count
// against the records actually linked to each touched lot.
func NewLotVerificationCountersRule() domain.Rule {
	return lotVerificationCountersRule{}
}

type lotVerificationCountersRule struct{}

func (lotVerificationCountersRule) Name() string { return "lot_verification_counters" }

func (r lotVerificationCountersRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, id := range touchedLots(changes) {
		lot, ok := view.FindLot(id)
		if !ok {
			continue
		}
		var pending, approved int
		// rejected records keep their lot and are listed here too
		for _, rec := range view.ListVerifications(domain.VerificationFilter{LotID: id}) {
			switch rec.Status {
			case domain.StatusPending:
				pending++
			case domain.StatusApproved:
				approved++
			}
		}
		if pending != lot.PendingCount || approved != lot.ApprovedCount {
			res.Violations = append(res.Violations, lotViolation(r.Name(), id,
				fmt.Sprintf("lot %s counters pending=%d approved=%d, records pending=%d approved=%d",
					lot.LotNumber, lot.PendingCount, lot.ApprovedCount, pending, approved)))
		}
	}
	return res, nil
}
