package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
)

// NewLotDistributionBalanceRule requires every unit missing from a lot to
// be accounted for by its distribution events.
func NewLotDistributionBalanceRule() domain.Rule {
	return lotDistributionBalanceRule{}
}

type lotDistributionBalanceRule struct{}

func (lotDistributionBalanceRule) Name() string { return "lot_distribution_balance" }

func (r lotDistributionBalanceRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, id := range touchedLots(changes) {
		lot, ok := view.FindLot(id)
		if !ok {
			continue
		}
		shipped := 0
		for _, e := range view.ListDistributions(id) {
			shipped += e.Quantity
		}
		if shipped != lot.DistributedQuantity() {
			res.Violations = append(res.Violations, lotViolation(r.Name(), id,
				fmt.Sprintf("lot %s distributed %d but events total %d", lot.LotNumber, lot.DistributedQuantity(), shipped)))
		}
	}
	return res, nil
}
