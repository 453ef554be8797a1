package memory

import (
	"context"
	"errors"
	"medtrace/pkg/domain"
	"sync"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func seedLot(t *testing.T, store *Store, number string, total int) domain.Lot {
	t.Helper()
	var lot domain.Lot
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		var err error
		lot, err = tx.CreateLot(domain.Lot{LotNumber: number, ProductName: "Amoxicillin", TotalQuantity: total, RemainingQuantity: total})
		return err
	})
	if err != nil {
		t.Fatalf("seed lot: %v", err)
	}
	return lot
}

func TestStoreRunInTransactionAndSnapshots(t *testing.T) {
	store := NewStore(nil, WithClock(fixedClock()))
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, ok := tx.FindLot("missing"); ok {
			t.Fatalf("expected missing lot lookup")
		}
		created, err := tx.CreateLot(domain.Lot{LotNumber: "A-1", TotalQuantity: 5, RemainingQuantity: 5})
		if err != nil {
			return err
		}
		if created.ID == "" {
			t.Fatalf("expected generated ID")
		}
		if len(tx.ListLots(domain.LotFilter{})) != 1 {
			t.Fatalf("overlay lot not visible inside transaction")
		}
		if _, ok := tx.FindLotByNumber("A-1"); !ok {
			t.Fatalf("expected lot number lookup inside transaction")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run transaction: %v", err)
	}
	snapshot := store.ExportState()
	if len(snapshot.Lots) != 1 {
		t.Fatalf("expected persisted lot")
	}
	store.ImportState(Snapshot{})
	if len(store.ExportState().Lots) != 0 {
		t.Fatalf("expected cleared state")
	}
	store.ImportState(snapshot)
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindLotByNumber("A-1"); !ok {
			t.Fatalf("expected lot number index rebuilt on import")
		}
		return nil
	})
	if store.RulesEngine() == nil || store.NowFunc() == nil {
		t.Fatalf("expected engine and clock")
	}
}

func TestTransactionErrorDiscardsOverlay(t *testing.T) {
	store := NewStore(nil)
	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.CreateLot(domain.Lot{LotNumber: "X", TotalQuantity: 1, RemainingQuantity: 1}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.ExportState().Lots) != 0 {
		t.Fatalf("expected no lot after failed transaction")
	}
}

func TestStoreRuleViolation(t *testing.T) {
	store := NewStore(domain.NewRulesEngine())
	store.RulesEngine().Register(blockingRule{})
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateLot(domain.Lot{LotNumber: "F", TotalQuantity: 1, RemainingQuantity: 1})
		return e
	})
	var rv domain.RuleViolationError
	if !errors.As(err, &rv) {
		t.Fatalf("expected rule violation error, got %v", err)
	}
	if len(store.ExportState().Lots) != 0 {
		t.Fatalf("blocked transaction must not publish")
	}
}

type blockingRule struct{}

func (blockingRule) Name() string { return "block" }

func (blockingRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	if len(view.ListLots(domain.LotFilter{})) == 0 || len(changes) == 0 {
		return domain.Result{}, errors.New("rule must see staged writes")
	}
	return domain.Result{Violations: []domain.Violation{{Rule: "block", Severity: domain.SeverityBlock}}}, nil
}

func TestCommitHookFailureDiscards(t *testing.T) {
	hookErr := errors.New("disk full")
	var seen []domain.Change
	store := NewStore(nil, WithCommitHook(func(_ context.Context, changes []domain.Change) error {
		seen = changes
		return hookErr
	}))
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateLot(domain.Lot{LotNumber: "H", TotalQuantity: 1, RemainingQuantity: 1})
		return e
	})
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if len(seen) != 1 || seen[0].Entity != domain.EntityLot {
		t.Fatalf("expected hook to receive lot change, got %+v", seen)
	}
	if len(store.ExportState().Lots) != 0 {
		t.Fatalf("expected nothing published")
	}
}

func TestDuplicateLotNumber(t *testing.T) {
	store := NewStore(nil)
	seedLot(t, store, "DUP", 10)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.CreateLot(domain.Lot{LotNumber: "DUP", TotalQuantity: 1, RemainingQuantity: 1})
		return e
	})
	if !domain.IsConflict(err, domain.ReasonDuplicateLotNumber) {
		t.Fatalf("expected duplicate lot number conflict, got %v", err)
	}
}

func TestDebitLotOversell(t *testing.T) {
	store := NewStore(nil)
	lot := seedLot(t, store, "D-1", 10)
	ctx := context.Background()
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, e := tx.DebitLot(lot.ID, 11)
		return e
	})
	if !domain.IsConflict(err, domain.ReasonOversell) {
		t.Fatalf("expected oversell, got %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, e := tx.DebitLot("missing", 1)
		return e
	})
	if !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		updated, e := tx.DebitLot(lot.ID, 10)
		if e == nil && updated.RemainingQuantity != 0 {
			t.Fatalf("expected remaining 0, got %d", updated.RemainingQuantity)
		}
		return e
	})
	if err != nil {
		t.Fatalf("debit all: %v", err)
	}
}

func TestAdjustLotCountsNeverNegative(t *testing.T) {
	store := NewStore(nil)
	lot := seedLot(t, store, "C-1", 10)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		_, e := tx.AdjustLotCounts(lot.ID, -1, 0)
		return e
	})
	var inv domain.InternalInvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestVerificationIndexes(t *testing.T) {
	store := NewStore(nil)
	lot := seedLot(t, store, "V-1", 10)
	ctx := context.Background()
	var original domain.VerificationRecord
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		original, err = tx.CreateVerification(domain.VerificationRecord{ContentHash: "h1", Status: domain.StatusUnlinked})
		if err != nil {
			return err
		}
		origID := original.ID
		_, err = tx.CreateVerification(domain.VerificationRecord{ContentHash: "h1", Status: domain.StatusUnlinked, DuplicateOf: &origID})
		return err
	})
	if err != nil {
		t.Fatalf("create verifications: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, e := tx.CreateVerification(domain.VerificationRecord{ContentHash: "h1", Status: domain.StatusUnlinked})
		return e
	})
	if !domain.IsConflict(err, domain.ReasonDuplicateContent) {
		t.Fatalf("expected duplicate content conflict, got %v", err)
	}

	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, e := tx.UpdateVerification(original.ID, func(r *domain.VerificationRecord) error {
			r.Status = domain.StatusPending
			r.LotID = &lot.ID
			r.ContentHash = "tampered"
			return nil
		})
		if e != nil {
			return e
		}
		if got := tx.ListVerifications(domain.VerificationFilter{LotID: lot.ID}); len(got) != 1 {
			t.Fatalf("expected staged lot link visible, got %d", len(got))
		}
		if got := tx.ListVerifications(domain.VerificationFilter{Status: domain.StatusUnlinked}); len(got) != 1 {
			t.Fatalf("expected one unlinked record in overlay, got %d", len(got))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		found, ok := v.FindVerificationByHash("h1")
		if !ok || found.ID != original.ID {
			t.Fatalf("expected hash lookup to return original, got %+v", found)
		}
		if found.ContentHash != "h1" {
			t.Fatalf("content hash must be immutable")
		}
		if got := v.ListVerifications(domain.VerificationFilter{Status: domain.StatusPending}); len(got) != 1 {
			t.Fatalf("expected pending index updated, got %d", len(got))
		}
		if got := v.ListVerifications(domain.VerificationFilter{}); len(got) != 2 {
			t.Fatalf("expected two records, got %d", len(got))
		}
		return nil
	})
}

func TestAuditTimestampsStrictlyIncrease(t *testing.T) {
	store := NewStore(nil, WithClock(fixedClock()))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			for j := 0; j < 2; j++ {
				if _, err := tx.AppendAudit(domain.AuditLogEntry{Action: domain.AuditVerify, TargetID: "t"}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("append audit: %v", err)
		}
	}
	entries := store.ExportState().Audit
	if len(entries) != 6 {
		t.Fatalf("expected 6 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].Timestamp.After(entries[i-1].Timestamp) {
			t.Fatalf("timestamps not strictly increasing at %d", i)
		}
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		recent := v.ListAudit(domain.AuditFilter{Limit: 2})
		if len(recent) != 2 || recent[1].ID != entries[5].ID {
			t.Fatalf("expected most recent two entries")
		}
		return nil
	})
}

func TestViewRejectsWrites(t *testing.T) {
	store := NewStore(nil)
	err := store.View(context.Background(), func(v domain.TransactionView) error {
		tx, ok := v.(domain.Transaction)
		if !ok {
			return nil
		}
		_, err := tx.CreateLot(domain.Lot{LotNumber: "RO"})
		return err
	})
	if err == nil {
		t.Fatalf("expected read-only view to reject writes")
	}
}

func TestConcurrentDebitsNeverOversell(t *testing.T) {
	const n = 32
	store := NewStore(nil)
	lot := seedLot(t, store, "P-1", n-1)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		oversells int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
				_, e := tx.DebitLot(lot.ID, 1)
				return e
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case domain.IsConflict(err, domain.ReasonOversell):
				oversells++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != n-1 || oversells != 1 {
		t.Fatalf("expected %d successes and 1 oversell, got %d/%d", n-1, successes, oversells)
	}
	_ = store.View(context.Background(), func(v domain.TransactionView) error {
		got, _ := v.FindLot(lot.ID)
		if got.RemainingQuantity != 0 {
			t.Fatalf("expected remaining 0, got %d", got.RemainingQuantity)
		}
		return nil
	})
}

func TestRunInTransactionHonoursCancelledContext(t *testing.T) {
	store := NewStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.RunInTransaction(ctx, func(domain.Transaction) error {
		t.Fatalf("fn must not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
