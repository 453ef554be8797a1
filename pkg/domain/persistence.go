package domain

import (
	"context"
	"time"
)

// LotFilter narrows ListLots results. The zero value matches every lot.
type LotFilter struct {
	// PendingOnly keeps lots with at least one verification awaiting moderation.
	PendingOnly bool
	Status      LotVerificationStatus
}

// Matches reports whether lot satisfies the filter.
func (f LotFilter) Matches(lot Lot) bool {
	if f.PendingOnly && lot.PendingCount == 0 {
		return false
	}
	if f.Status != "" && lot.VerificationStatus() != f.Status {
		return false
	}
	return true
}

// VerificationFilter narrows ListVerifications results. The zero value matches every record.
type VerificationFilter struct {
	LotID  string
	Status RecordStatus
}

// Matches reports whether rec satisfies the filter.
func (f VerificationFilter) Matches(rec VerificationRecord) bool {
	if f.LotID != "" && rec.LinkedLot() != f.LotID {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	return true
}

// AuditFilter narrows ListAudit results. Limit <= 0 means unbounded.
type AuditFilter struct {
	Action   AuditAction
	User     string
	TargetID string
	Limit    int
}

// Matches reports whether entry satisfies the filter, ignoring Limit.
func (f AuditFilter) Matches(entry AuditLogEntry) bool {
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.User != "" && entry.User != f.User {
		return false
	}
	if f.TargetID != "" && entry.TargetID != f.TargetID {
		return false
	}
	return true
}

// TransactionView provides read-only access to store data for services and rules.
// Lists are ordered by creation time, then id.
type TransactionView interface {
	FindLot(id string) (Lot, bool)
	FindLotByNumber(number string) (Lot, bool)
	ListLots(filter LotFilter) []Lot
	FindVerification(id string) (VerificationRecord, bool)
	// FindVerificationByHash returns the original (non-duplicate) record for hash.
	FindVerificationByHash(hash string) (VerificationRecord, bool)
	ListVerifications(filter VerificationFilter) []VerificationRecord
	FindDistribution(id string) (DistributionEvent, bool)
	// ListDistributions returns the events of lotID, or every event when lotID is empty.
	ListDistributions(lotID string) []DistributionEvent
	ListAudit(filter AuditFilter) []AuditLogEntry
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	TransactionView
	Now() time.Time
	CreateLot(Lot) (Lot, error)
	// DebitLot subtracts quantity from the lot's remaining quantity or fails
	// with ConflictError(oversell).
	DebitLot(id string, quantity int) (Lot, error)
	// AdjustLotCounts applies counter deltas; a negative result is an
	// InternalInvariantError.
	AdjustLotCounts(id string, deltaPending, deltaApproved int) (Lot, error)
	CreateVerification(VerificationRecord) (VerificationRecord, error)
	UpdateVerification(id string, mutator func(*VerificationRecord) error) (VerificationRecord, error)
	CreateDistribution(DistributionEvent) (DistributionEvent, error)
	AppendAudit(AuditLogEntry) (AuditLogEntry, error)
}

// PersistentStore is the abstraction over memory and durable backends used by the core.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Close() error
}
