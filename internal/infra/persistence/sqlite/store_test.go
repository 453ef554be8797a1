package sqlite

import (
	"context"
	"errors"
	"medtrace/pkg/domain"
	"path/filepath"
	"strings"
	"testing"
)

func registerLot(ctx context.Context, store domain.PersistentStore, number string, total int) (domain.Lot, error) {
	var lot domain.Lot
	_, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		lot, err = tx.CreateLot(domain.Lot{LotNumber: number, TotalQuantity: total, RemainingQuantity: total})
		if err != nil {
			return err
		}
		_, err = tx.AppendAudit(domain.AuditLogEntry{Action: domain.AuditRegisterLot, TargetID: lot.ID, Entity: domain.EntityLot})
		return err
	})
	return lot, err
}

func TestSQLiteStorePersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	lot, err := registerLot(ctx, store, "SQL-1", 10)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, e := tx.DebitLot(lot.ID, 4)
		return e
	}); err != nil {
		t.Fatalf("debit: %v", err)
	}
	if store.Path() != path {
		t.Fatalf("unexpected path %s", store.Path())
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM records WHERE bucket = ?`, "lots").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one lot row, got %d", count)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	t.Cleanup(func() { _ = reloaded.Close() })
	_ = reloaded.View(ctx, func(v domain.TransactionView) error {
		got, ok := v.FindLotByNumber("SQL-1")
		if !ok || got.RemainingQuantity != 6 {
			t.Fatalf("expected persisted debit, got %+v", got)
		}
		if entries := v.ListAudit(domain.AuditFilter{}); len(entries) != 1 {
			t.Fatalf("expected one audit entry, got %d", len(entries))
		}
		return nil
	})
}

func TestSQLiteStoreFailedTransactionWritesNothing(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	lot, err := registerLot(ctx, store, "SQL-2", 1)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.AppendAudit(domain.AuditLogEntry{Action: domain.AuditDistribute, TargetID: lot.ID}); err != nil {
			return err
		}
		_, e := tx.DebitLot(lot.ID, 2)
		return e
	})
	if !domain.IsConflict(err, domain.ReasonOversell) {
		t.Fatalf("expected oversell, got %v", err)
	}
	var count int
	if err := store.DB().QueryRow(`SELECT COUNT(*) FROM records WHERE bucket = ?`, "audit").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the registration audit row, got %d", count)
	}
}

func TestSQLiteStoreLoadInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "load.db")
	store, err := NewStore(path, domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if _, err := store.DB().Exec(`INSERT INTO records(bucket,id,payload) VALUES(?,?,?)`, "lots", "broken", []byte("not-json")); err != nil {
		t.Fatalf("inject invalid row: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_, err = NewStore(path, domain.NewRulesEngine())
	if err == nil || !strings.Contains(err.Error(), "decode lots broken") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestSQLiteStoreCommitFailureKeepsMemoryUnchanged(t *testing.T) {
	ctx := context.Background()
	store, err := NewStore(filepath.Join(t.TempDir(), "state.db"), domain.NewRulesEngine())
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	if err := store.DB().Close(); err != nil {
		t.Fatalf("close db: %v", err)
	}
	_, err = registerLot(ctx, store, "SQL-3", 5)
	if err == nil {
		t.Fatalf("expected persist error on closed database")
	}
	var rv domain.RuleViolationError
	if errors.As(err, &rv) {
		t.Fatalf("unexpected rule violation: %v", err)
	}
	_ = store.View(ctx, func(v domain.TransactionView) error {
		if _, ok := v.FindLotByNumber("SQL-3"); ok {
			t.Fatalf("lot must not be visible after failed persist")
		}
		return nil
	})
}
