package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
	"strings"
	"time"
)

// LotRegistration is the input to RegisterLot.
type LotRegistration struct {
	ProductName     string
	ProductCode     string
	LotNumber       string
	Producer        string // defaults to the acting user
	ManufactureDate time.Time
	ExpiryDate      time.Time
	TotalQuantity   int
}

func (r LotRegistration) validate() error {
	switch {
	case strings.TrimSpace(r.ProductName) == "":
		return domain.ValidationError{Field: "product_name", Message: "required"}
	case strings.TrimSpace(r.LotNumber) == "":
		return domain.ValidationError{Field: "lot_number", Message: "required"}
	case r.TotalQuantity <= 0:
		return domain.ValidationError{Field: "total_quantity", Message: "must be positive"}
	case r.ManufactureDate.IsZero() || r.ExpiryDate.IsZero():
		return domain.ValidationError{Field: "manufacture_date", Message: "manufacture and expiry dates are required"}
	case !r.ExpiryDate.After(r.ManufactureDate):
		return domain.ValidationError{Field: "expiry_date", Message: "must be after manufacture_date"}
	}
	return nil
}

// RegisterLot creates a lot with remaining_quantity equal to its total.
// A lot_number already in use fails with ConflictError(duplicate_lot_number).
func (s *Service) RegisterLot(ctx context.Context, actor domain.Actor, req LotRegistration) (domain.Lot, error) {
	var created domain.Lot
	err := s.run(ctx, "register_lot", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpLotCreate); err != nil {
			return err
		}
		if err := req.validate(); err != nil {
			return err
		}
		producer := strings.TrimSpace(req.Producer)
		if producer == "" {
			producer = actor.Username
		}
		return s.write(ctx, func(tx domain.Transaction, audit *auditStager) error {
			lot, err := tx.CreateLot(domain.Lot{
				ProductName:       strings.TrimSpace(req.ProductName),
				ProductCode:       strings.TrimSpace(req.ProductCode),
				LotNumber:         strings.TrimSpace(req.LotNumber),
				Producer:          producer,
				ManufactureDate:   req.ManufactureDate.UTC(),
				ExpiryDate:        req.ExpiryDate.UTC(),
				TotalQuantity:     req.TotalQuantity,
				RemainingQuantity: req.TotalQuantity,
			})
			if err != nil {
				return err
			}
			created = lot
			task := fmt.Sprintf("registered lot %s of %s (%d units)", lot.LotNumber, lot.ProductName, lot.TotalQuantity)
			return audit.record(actor, domain.AuditRegisterLot, domain.EntityLot, lot.ID, task)
		})
	})
	return created, err
}

// GetLot returns the lot with id.
func (s *Service) GetLot(ctx context.Context, actor domain.Actor, id string) (domain.Lot, error) {
	var lot domain.Lot
	err := s.run(ctx, "get_lot", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpLotRead); err != nil {
			return err
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			found, ok := v.FindLot(id)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityLot, ID: id}
			}
			lot = found
			return nil
		})
	})
	return lot, err
}

// GetLotByNumber resolves a lot number, typically decoded from a QR code.
func (s *Service) GetLotByNumber(ctx context.Context, actor domain.Actor, number string) (domain.Lot, error) {
	var lot domain.Lot
	err := s.run(ctx, "get_lot_by_number", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpLotRead); err != nil {
			return err
		}
		number = strings.TrimSpace(number)
		return s.view(ctx, func(v domain.TransactionView) error {
			found, ok := v.FindLotByNumber(number)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityLot, ID: number}
			}
			lot = found
			return nil
		})
	})
	return lot, err
}

// ListLots returns lots matching filter.
func (s *Service) ListLots(ctx context.Context, actor domain.Actor, filter domain.LotFilter) ([]domain.Lot, error) {
	var lots []domain.Lot
	err := s.run(ctx, "list_lots", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpLotRead); err != nil {
			return err
		}
		return s.view(ctx, func(v domain.TransactionView) error {
			lots = v.ListLots(filter)
			return nil
		})
	})
	return lots, err
}
