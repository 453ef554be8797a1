package core

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
	"testing"

	"go.uber.org/goleak"
)

func TestModerationTransitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lot := f.registerLot(t, "L1", 10)
	rec := f.intake(t, "img-1", "").Record

	linked, err := f.svc.Link(ctx, manufacturer, rec.ID, lot.ID)
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if linked.Status != domain.StatusPending || linked.LinkedLot() != lot.ID {
		t.Fatalf("expected PENDING on lot, got %+v", linked)
	}
	if got := f.lot(t, lot.ID); got.PendingCount != 1 || got.VerificationStatus() != domain.LotVerificationPending {
		t.Fatalf("unexpected counters after link: %+v", got)
	}

	_, err = f.svc.Link(ctx, manufacturer, rec.ID, lot.ID)
	expectConflict(t, err, domain.ReasonInvalidTransition)

	unlinked, err := f.svc.Unlink(ctx, manufacturer, rec.ID)
	if err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if unlinked.Status != domain.StatusUnlinked || unlinked.LotID != nil {
		t.Fatalf("expected UNLINKED without lot, got %+v", unlinked)
	}
	if f.lot(t, lot.ID).PendingCount != 0 {
		t.Fatalf("unlink should release the pending counter")
	}

	_, err = f.svc.Approve(ctx, manufacturer, rec.ID)
	expectConflict(t, err, domain.ReasonInvalidTransition)
	_, err = f.svc.Reject(ctx, manufacturer, rec.ID)
	expectConflict(t, err, domain.ReasonInvalidTransition)

	if _, err := f.svc.Link(ctx, manufacturer, rec.ID, lot.ID); err != nil {
		t.Fatalf("relink: %v", err)
	}
	approved, err := f.svc.Approve(ctx, manufacturer, rec.ID)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != domain.StatusApproved {
		t.Fatalf("expected APPROVED, got %s", approved.Status)
	}
	got := f.lot(t, lot.ID)
	if got.PendingCount != 0 || got.ApprovedCount != 1 || got.VerificationStatus() != domain.LotVerificationApproved {
		t.Fatalf("unexpected counters after approve: %+v", got)
	}

	_, err = f.svc.Unlink(ctx, manufacturer, rec.ID)
	expectConflict(t, err, domain.ReasonInvalidTransition)
	_, err = f.svc.Reject(ctx, manufacturer, rec.ID)
	expectConflict(t, err, domain.ReasonInvalidTransition)
}

func TestApproveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lot := f.registerLot(t, "L1", 10)
	rec := f.intake(t, "img", lot.ID).Record

	for i := range 2 {
		out, err := f.svc.Approve(ctx, manufacturer, rec.ID)
		if err != nil {
			t.Fatalf("approve #%d: %v", i+1, err)
		}
		if out.Status != domain.StatusApproved {
			t.Fatalf("approve #%d returned %s", i+1, out.Status)
		}
	}
	if got := f.lot(t, lot.ID).ApprovedCount; got != 1 {
		t.Fatalf("expected approved_count 1, got %d", got)
	}
	audit, err := f.svc.ListAudit(ctx, admin, domain.AuditFilter{Action: domain.AuditApprove})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(audit) != 1 {
		t.Fatalf("expected one APPROVE entry, got %d", len(audit))
	}
}

func TestRejectIsIdempotentAndFinal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	lot := f.registerLot(t, "L1", 10)
	rec := f.intake(t, "img", lot.ID).Record

	if _, err := f.svc.Reject(ctx, manufacturer, rec.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	again, err := f.svc.Reject(ctx, manufacturer, rec.ID)
	if err != nil || again.Status != domain.StatusRejected {
		t.Fatalf("second reject should succeed, got %+v %v", again, err)
	}
	if again.LinkedLot() != lot.ID {
		t.Fatalf("rejected record must keep its lot")
	}
	got := f.lot(t, lot.ID)
	if got.PendingCount != 0 || got.ApprovedCount != 0 {
		t.Fatalf("unexpected counters after reject: %+v", got)
	}
	for name, fn := range map[string]func() error{
		"approve": func() error { _, err := f.svc.Approve(ctx, manufacturer, rec.ID); return err },
		"unlink":  func() error { _, err := f.svc.Unlink(ctx, manufacturer, rec.ID); return err },
		"link":    func() error { _, err := f.svc.Link(ctx, manufacturer, rec.ID, lot.ID); return err },
	} {
		if err := fn(); !domain.IsConflict(err, domain.ReasonInvalidTransition) {
			t.Fatalf("%s on REJECTED: expected invalid transition, got %v", name, err)
		}
	}
	byLot, err := f.svc.ListByLot(ctx, admin, lot.ID)
	if err != nil || len(byLot) != 1 {
		t.Fatalf("rejected record should still be listed by lot, got %d %v", len(byLot), err)
	}
}

func TestModerationErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rec := f.intake(t, "img", "").Record

	if _, err := f.svc.Approve(ctx, manufacturer, "missing"); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := f.svc.Link(ctx, manufacturer, rec.ID, "missing-lot"); !domain.IsNotFound(err) {
		t.Fatalf("expected lot not found, got %v", err)
	}
	if _, err := f.svc.Link(ctx, manufacturer, rec.ID, ""); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err := f.svc.Approve(ctx, pharmacy, rec.ID)
	expectPermission(t, err)
}

func TestApplyBulkReportsPerItemOutcome(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	f := newFixture(t)
	lot := f.registerLot(t, "L1", 10)
	a := f.intake(t, "a", lot.ID).Record
	b := f.intake(t, "b", lot.ID).Record
	c := f.intake(t, "c", lot.ID).Record
	if _, err := f.svc.Reject(ctx, manufacturer, b.ID); err != nil {
		t.Fatalf("reject b: %v", err)
	}
	res, err := f.svc.ApplyBulk(ctx, manufacturer, []string{a.ID, b.ID, c.ID}, BulkApprove, "")
	if err != nil {
		t.Fatalf("apply bulk: %v", err)
	}
	if res.Succeeded != 2 || res.Failed != 1 {
		t.Fatalf("expected 2 ok 1 failed, got %+v", res)
	}
	if res.Items[0].ID != a.ID || res.Items[1].ID != b.ID || res.Items[2].ID != c.ID {
		t.Fatalf("items must keep input order")
	}
	byID := res.ByID()
	if !byID[a.ID].OK() || !byID[c.ID].OK() {
		t.Fatalf("a and c should succeed: %+v", byID)
	}
	expectConflict(t, byID[b.ID].Err, domain.ReasonInvalidTransition)

	for id, want := range map[string]domain.RecordStatus{a.ID: domain.StatusApproved, b.ID: domain.StatusRejected, c.ID: domain.StatusApproved} {
		rec, err := f.svc.GetVerification(ctx, admin, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if rec.Status != want {
			t.Fatalf("record %s: expected %s, got %s", id, want, rec.Status)
		}
	}
	if got := f.lot(t, lot.ID); got.ApprovedCount != 2 || got.PendingCount != 0 {
		t.Fatalf("unexpected counters: %+v", got)
	}
}

func TestApplyBulkLinkManyConcurrently(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	f := newFixture(t, WithBulkWorkers(3))
	lot := f.registerLot(t, "L1", 10)
	var ids []string
	for i := range 20 {
		ids = append(ids, f.intake(t, fmt.Sprintf("img-%d", i), "").Record.ID)
	}
	// a repeated id must still be transitioned only once
	ids = append(ids, ids[0])

	res, err := f.svc.ApplyBulk(ctx, manufacturer, ids, BulkLink, lot.ID)
	if err != nil {
		t.Fatalf("bulk link: %v", err)
	}
	if res.Succeeded != 20 || res.Failed != 1 {
		t.Fatalf("expected 20 ok and 1 conflict, got %d/%d", res.Succeeded, res.Failed)
	}
	if got := f.lot(t, lot.ID).PendingCount; got != 20 {
		t.Fatalf("expected pending_count 20, got %d", got)
	}
}

func TestApplyBulkBatchValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithMaxBulkItems(2))
	cases := []struct {
		name   string
		actor  domain.Actor
		ids    []string
		action BulkAction
		lot    string
	}{
		{"empty", manufacturer, nil, BulkApprove, ""},
		{"unknown action", manufacturer, []string{"a"}, BulkAction("archive"), ""},
		{"too many", manufacturer, []string{"a", "b", "c"}, BulkReject, ""},
		{"link without lot", manufacturer, []string{"a"}, BulkLink, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.ApplyBulk(ctx, tc.actor, tc.ids, tc.action, tc.lot); !domain.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
	_, err := f.svc.ApplyBulk(ctx, distributor, []string{"a"}, BulkApprove, "")
	expectPermission(t, err)
}
