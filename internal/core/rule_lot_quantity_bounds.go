package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
)

// NewLotQuantityBoundsRule keeps remaining_quantity within [0, total_quantity].
func NewLotQuantityBoundsRule() domain.Rule {
	return lotQuantityBoundsRule{}
}

type lotQuantityBoundsRule struct{}

func (lotQuantityBoundsRule) Name() string { return "lot_quantity_bounds" }

func (r lotQuantityBoundsRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, id := range touchedLots(changes) {
		lot, ok := view.FindLot(id)
		if !ok {
			continue
		}
		if lot.RemainingQuantity < 0 || lot.RemainingQuantity > lot.TotalQuantity {
			res.Violations = append(res.Violations, lotViolation(r.Name(), id,
				fmt.Sprintf("lot %s remaining %d outside [0, %d]", lot.LotNumber, lot.RemainingQuantity, lot.TotalQuantity)))
		}
	}
	return res, nil
}
