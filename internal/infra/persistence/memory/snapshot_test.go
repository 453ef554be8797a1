package memory

import (
	"context"
	"medtrace/pkg/domain"
	"testing"
)

func TestEncodeChangesKeepsFinalValue(t *testing.T) {
	changes := []domain.Change{
		{Entity: domain.EntityLot, ID: "l1", After: domain.Lot{ID: "l1", RemainingQuantity: 10}},
		{Entity: domain.EntityAudit, ID: "a1", After: domain.AuditLogEntry{ID: "a1"}},
		{Entity: domain.EntityLot, ID: "l1", After: domain.Lot{ID: "l1", RemainingQuantity: 4}},
	}
	rows, err := EncodeChanges(changes)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected collapsed rows, got %d", len(rows))
	}
	if rows[0].Bucket != BucketLots || string(rows[0].Key()) != "lots/l1" {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
	var snap Snapshot
	for _, r := range rows {
		if err := snap.Apply(r); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if len(snap.Lots) != 1 || snap.Lots[0].RemainingQuantity != 4 {
		t.Fatalf("expected final lot value, got %+v", snap.Lots)
	}
}

func TestEncodeChangesUnknownEntity(t *testing.T) {
	if _, err := EncodeChanges([]domain.Change{{Entity: "organism", ID: "x"}}); err == nil {
		t.Fatalf("expected unknown entity error")
	}
	var snap Snapshot
	if err := snap.Apply(Row{Bucket: "nope"}); err == nil {
		t.Fatalf("expected unknown bucket error")
	}
	if err := snap.Apply(Row{Bucket: BucketLots, ID: "x", Payload: []byte("{")}); err == nil {
		t.Fatalf("expected decode error")
	}
}

func TestSnapshotRowsRoundTripThroughStore(t *testing.T) {
	store := NewStore(nil)
	lot := seedLot(t, store, "R-1", 3)
	_, err := store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		if _, err := tx.DebitLot(lot.ID, 1); err != nil {
			return err
		}
		if _, err := tx.CreateDistribution(domain.DistributionEvent{LotID: lot.ID, Quantity: 1, Location: "Hanoi"}); err != nil {
			return err
		}
		_, err := tx.AppendAudit(domain.AuditLogEntry{Action: domain.AuditDistribute, TargetID: lot.ID})
		return err
	})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	rows, err := store.ExportState().Rows()
	if err != nil {
		t.Fatalf("rows: %v", err)
	}
	var snap Snapshot
	for _, r := range rows {
		if err := snap.Apply(r); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	restored := NewStore(nil)
	restored.ImportState(snap)
	_ = restored.View(context.Background(), func(v domain.TransactionView) error {
		if got := v.ListDistributions(lot.ID); len(got) != 1 || got[0].Location != "Hanoi" {
			t.Fatalf("expected restored distribution, got %+v", got)
		}
		if got := v.ListAudit(domain.AuditFilter{Action: domain.AuditDistribute}); len(got) != 1 {
			t.Fatalf("expected restored audit entry")
		}
		return nil
	})
}
