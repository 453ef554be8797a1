package core

import "medtrace/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in ledger
// invariants. Every rule blocks, so a transaction that would leave the
// ledger inconsistent never commits.
func NewDefaultRulesEngine() *domain.RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewLotQuantityBoundsRule())
	engine.Register(NewLotDistributionBalanceRule())
	engine.Register(NewLotVerificationCountersRule())
	engine.Register(NewVerificationLinkIntegrityRule())
	return engine
}

// touchedLots returns the lots whose invariants a change set can affect:
// lots written directly plus the lots named by written records and
// distributions, including a record's previous lot.
func touchedLots(changes []domain.Change) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, c := range changes {
		switch c.Entity {
		case domain.EntityLot:
			add(c.ID)
		case domain.EntityVerification:
			if rec, ok := c.Before.(domain.VerificationRecord); ok {
				add(rec.LinkedLot())
			}
			if rec, ok := c.After.(domain.VerificationRecord); ok {
				add(rec.LinkedLot())
			}
		case domain.EntityDistribution:
			if e, ok := c.After.(domain.DistributionEvent); ok {
				add(e.LotID)
			}
		}
	}
	return out
}

func lotViolation(rule, lotID, message string) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   domain.EntityLot,
		EntityID: lotID,
	}
}
