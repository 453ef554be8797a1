package core

import (
	"context"
	"errors"
	"fmt"
	"medtrace/internal/infra/persistence/memory"
	"medtrace/pkg/domain"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	admin        = domain.Actor{Username: "admin", Role: domain.RoleAdmin}
	manufacturer = domain.Actor{Username: "acme", Role: domain.RoleManufacturer}
	distributor  = domain.Actor{Username: "truck", Role: domain.RoleDistributor}
	pharmacy     = domain.Actor{Username: "corner", Role: domain.RolePharmacy}
	consumer     = domain.Actor{Username: "alice", Role: domain.RoleConsumer}
)

type stubDetector struct {
	calls      atomic.Int32
	detections []domain.Detection
	err        error
}

func (d *stubDetector) Detect(context.Context, []byte) ([]domain.Detection, error) {
	d.calls.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	return d.detections, nil
}

type stubAnchor struct {
	calls    atomic.Int32
	err      error
	mu       sync.Mutex
	requests []domain.AnchorRequest
}

func (a *stubAnchor) Anchor(_ context.Context, req domain.AnchorRequest) (domain.LedgerAnchor, error) {
	n := a.calls.Add(1)
	if a.err != nil {
		return domain.LedgerAnchor{}, a.err
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return domain.LedgerAnchor{
		TxHash:      fmt.Sprintf("0xtx%d", n),
		BlockHeight: int64(100 + n),
		AnchoredAt:  time.Date(2026, 3, 1, 12, 0, int(n), 0, time.UTC),
	}, nil
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditLogEntry
	err     error
}

func (s *recordingSink) Record(_ context.Context, e domain.AuditLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return s.err
}

func (s *recordingSink) actions() []domain.AuditAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Action)
	}
	return out
}

func genuine(conf float64) domain.Detection {
	return domain.Detection{DetectorLabel: "box", DetectorConfidence: 0.9, ClassifierLabel: "genuine", ClassifierConfidence: conf, Result: domain.ResultGenuine}
}

func counterfeit(conf float64) domain.Detection {
	return domain.Detection{DetectorLabel: "box", DetectorConfidence: 0.9, ClassifierLabel: "fake", ClassifierConfidence: conf, Result: domain.ResultCounterfeit}
}

type fixture struct {
	svc      *Service
	store    *memory.Store
	detector *stubDetector
	anchor   *stubAnchor
	sink     *recordingSink
}

func newFixture(t *testing.T, opts ...ServiceOption) fixture {
	t.Helper()
	f := fixture{
		store:    memory.NewStore(NewDefaultRulesEngine()),
		detector: &stubDetector{detections: []domain.Detection{genuine(0.95)}},
		anchor:   &stubAnchor{},
		sink:     &recordingSink{},
	}
	base := []ServiceOption{WithDetector(f.detector), WithAnchor(f.anchor), WithAuditSink(f.sink)}
	f.svc = NewService(f.store, append(base, opts...)...)
	return f
}

func (f fixture) registerLot(t *testing.T, number string, total int) domain.Lot {
	t.Helper()
	lot, err := f.svc.RegisterLot(context.Background(), manufacturer, LotRegistration{
		ProductName:     "Amoxicillin 500mg",
		ProductCode:     "AMX-500",
		LotNumber:       number,
		ManufactureDate: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ExpiryDate:      time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC),
		TotalQuantity:   total,
	})
	if err != nil {
		t.Fatalf("register lot %s: %v", number, err)
	}
	return lot
}

func (f fixture) intake(t *testing.T, image, hint string) IntakeResult {
	t.Helper()
	res, err := f.svc.Intake(context.Background(), consumer, IntakeRequest{Image: []byte(image), LotHint: hint})
	if err != nil {
		t.Fatalf("intake %q: %v", image, err)
	}
	return res
}

func (f fixture) lot(t *testing.T, id string) domain.Lot {
	t.Helper()
	lot, err := f.svc.GetLot(context.Background(), admin, id)
	if err != nil {
		t.Fatalf("get lot %s: %v", id, err)
	}
	return lot
}

func expectConflict(t *testing.T, err error, reason domain.ConflictReason) {
	t.Helper()
	if !domain.IsConflict(err, reason) {
		t.Fatalf("expected conflict %q, got %v", reason, err)
	}
}

func expectPermission(t *testing.T, err error) {
	t.Helper()
	var perm domain.PermissionError
	if !errors.As(err, &perm) {
		t.Fatalf("expected permission error, got %v", err)
	}
}
