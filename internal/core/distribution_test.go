package core

import (
	"context"
	"medtrace/pkg/domain"
	"sync"
	"testing"

	"go.uber.org/goleak"
)

func TestDistributionScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lot := f.registerLot(t, "L1", 100)

	ev, err := f.svc.RecordDistribution(ctx, distributor, DistributionRequest{LotID: lot.ID, Quantity: 30, Location: "Warehouse A"})
	if err != nil {
		t.Fatalf("distribute 30: %v", err)
	}
	if ev.Actor != distributor.Username || ev.LotID != lot.ID || ev.Timestamp.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := f.lot(t, lot.ID).RemainingQuantity; got != 70 {
		t.Fatalf("expected remaining 70, got %d", got)
	}

	_, err = f.svc.RecordDistribution(ctx, distributor, DistributionRequest{LotID: lot.ID, Quantity: 80, Location: "Warehouse B"})
	expectConflict(t, err, domain.ReasonOversell)
	if got := f.lot(t, lot.ID).RemainingQuantity; got != 70 {
		t.Fatalf("oversell must not debit, remaining %d", got)
	}

	if _, err := f.svc.RecordDistribution(ctx, distributor, DistributionRequest{LotID: lot.ID, Quantity: 70, Location: "Warehouse B"}); err != nil {
		t.Fatalf("distribute 70: %v", err)
	}
	if got := f.lot(t, lot.ID).RemainingQuantity; got != 0 {
		t.Fatalf("expected remaining 0, got %d", got)
	}

	events, err := f.svc.ListDistributions(ctx, distributor, lot.ID)
	if err != nil {
		t.Fatalf("list distributions: %v", err)
	}
	if len(events) != 2 || events[0].Quantity+events[1].Quantity != 100 {
		t.Fatalf("expected two events totalling 100, got %+v", events)
	}
	got, err := f.svc.GetDistribution(ctx, distributor, ev.ID)
	if err != nil || got.ID != ev.ID {
		t.Fatalf("get distribution: %+v %v", got, err)
	}
	audit, _ := f.svc.ListAudit(ctx, admin, domain.AuditFilter{Action: domain.AuditDistribute})
	if len(audit) != 2 {
		t.Fatalf("expected DISTRIBUTE audit per successful shipment, got %d", len(audit))
	}
}

func TestConcurrentDebitsNeverOversell(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	f := newFixture(t)
	const n = 32
	lot := f.registerLot(t, "HOT", n-1)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		oversells int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.RecordDistribution(ctx, distributor, DistributionRequest{LotID: lot.ID, Quantity: 1, Location: "clinic"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case domain.IsConflict(err, domain.ReasonOversell):
				oversells++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok != n-1 || oversells != 1 {
		t.Fatalf("expected %d successes and 1 oversell, got %d/%d", n-1, ok, oversells)
	}
	if got := f.lot(t, lot.ID).RemainingQuantity; got != 0 {
		t.Fatalf("expected remaining 0, got %d", got)
	}
}

func TestDistributionValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lot := f.registerLot(t, "L1", 10)
	for _, req := range []DistributionRequest{
		{Quantity: 1, Location: "x"},
		{LotID: lot.ID, Quantity: 0, Location: "x"},
		{LotID: lot.ID, Quantity: -3, Location: "x"},
		{LotID: lot.ID, Quantity: 1},
	} {
		if _, err := f.svc.RecordDistribution(ctx, distributor, req); !domain.IsValidation(err) {
			t.Fatalf("expected validation error for %+v, got %v", req, err)
		}
	}
	if _, err := f.svc.RecordDistribution(ctx, distributor, DistributionRequest{LotID: "missing", Quantity: 1, Location: "x"}); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err := f.svc.RecordDistribution(ctx, pharmacy, DistributionRequest{LotID: lot.ID, Quantity: 1, Location: "x"})
	expectPermission(t, err)
	if _, err := f.svc.ListDistributions(ctx, distributor, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found listing unknown lot, got %v", err)
	}
}
