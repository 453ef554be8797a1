package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
	"strings"
)

// DistributionRequest is the input to RecordDistribution.
type DistributionRequest struct {
	LotID    string
	Quantity int
	Location string
}

func (r DistributionRequest) validate() error {
	switch {
	case strings.TrimSpace(r.LotID) == "":
		return domain.ValidationError{Field: "lot_id", Message: "required"}
	case r.Quantity <= 0:
		return domain.ValidationError{Field: "quantity", Message: "must be positive"}
	case strings.TrimSpace(r.Location) == "":
		return domain.ValidationError{Field: "location", Message: "required"}
	}
	return nil
}

// RecordDistribution debits the lot and records the shipment. An oversell
// returns ConflictError(oversell) and persists nothing.
func (s *Service) RecordDistribution(ctx context.Context, actor domain.Actor, req DistributionRequest) (domain.DistributionEvent, error) {
	var event domain.DistributionEvent
	err := s.run(ctx, "record_distribution", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpDistributionCreate); err != nil {
			return err
		}
		if err := req.validate(); err != nil {
			return err
		}
		lotID := strings.TrimSpace(req.LotID)
		return s.write(ctx, func(tx domain.Transaction, audit *auditStager) error {
			lot, err := tx.DebitLot(lotID, req.Quantity)
			if err != nil {
				return err
			}
			created, err := tx.CreateDistribution(domain.DistributionEvent{
				LotID:    lot.ID,
				Quantity: req.Quantity,
				Location: strings.TrimSpace(req.Location),
				Actor:    actor.Username,
			})
			if err != nil {
				return err
			}
			event = created
			task := fmt.Sprintf("distributed %d units of lot %s to %s (%d remaining)", created.Quantity, lot.LotNumber, created.Location, lot.RemainingQuantity)
			return audit.record(actor, domain.AuditDistribute, domain.EntityDistribution, created.ID, task)
		})
	})
	return event, err
}

// GetDistribution returns the event with id.
func (s *Service) GetDistribution(ctx context.Context, actor domain.Actor, id string) (domain.DistributionEvent, error) {
	var event domain.DistributionEvent
	err := s.run(ctx, "get_distribution", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpDistributionRead); err != nil {
			return err
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			found, ok := v.FindDistribution(id)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityDistribution, ID: id}
			}
			event = found
			return nil
		})
	})
	return event, err
}

// ListDistributions returns the events of lotID, or every event when lotID
// is empty. A named lot must exist.
func (s *Service) ListDistributions(ctx context.Context, actor domain.Actor, lotID string) ([]domain.DistributionEvent, error) {
	var events []domain.DistributionEvent
	err := s.run(ctx, "list_distributions", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpDistributionRead); err != nil {
			return err
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			if lotID != "" {
				if _, ok := v.FindLot(lotID); !ok {
					return domain.NotFoundError{Entity: domain.EntityLot, ID: lotID}
				}
			}
			events = v.ListDistributions(lotID)
			return nil
		})
	})
	return events, err
}
