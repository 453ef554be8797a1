package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestAggregateDetections(t *testing.T) {
	cases := []struct {
		name       string
		detections []Detection
		want       DetectionResult
		confidence float64
	}{
		{name: "empty", want: ResultUnknown},
		{
			name: "all genuine",
			detections: []Detection{
				{Result: ResultGenuine, ClassifierConfidence: 0.9},
				{Result: ResultGenuine, ClassifierConfidence: 0.8},
			},
			want:       ResultGenuine,
			confidence: 0.8,
		},
		{
			name: "counterfeit wins",
			detections: []Detection{
				{Result: ResultGenuine, ClassifierConfidence: 0.2},
				{Result: ResultCounterfeit, ClassifierConfidence: 0.7},
				{Result: ResultSuspicious, ClassifierConfidence: 0.1},
			},
			want:       ResultCounterfeit,
			confidence: 0.7,
		},
		{
			name: "minimum among worst",
			detections: []Detection{
				{Result: ResultSuspicious, ClassifierConfidence: 0.95},
				{Result: ResultSuspicious, ClassifierConfidence: 0.6},
				{Result: ResultGenuine, ClassifierConfidence: 0.3},
			},
			want:       ResultSuspicious,
			confidence: 0.6,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, conf := AggregateDetections(tc.detections)
			if got != tc.want || conf != tc.confidence {
				t.Fatalf("expected %s/%v, got %s/%v", tc.want, tc.confidence, got, conf)
			}
		})
	}
}

func TestLotVerificationStatus(t *testing.T) {
	if s := (Lot{}).VerificationStatus(); s != LotVerificationNone {
		t.Fatalf("expected NONE, got %s", s)
	}
	if s := (Lot{PendingCount: 2}).VerificationStatus(); s != LotVerificationPending {
		t.Fatalf("expected PENDING, got %s", s)
	}
	if s := (Lot{PendingCount: 2, ApprovedCount: 1}).VerificationStatus(); s != LotVerificationApproved {
		t.Fatalf("expected APPROVED, got %s", s)
	}
	if d := (Lot{TotalQuantity: 100, RemainingQuantity: 70}).DistributedQuantity(); d != 30 {
		t.Fatalf("expected 30 distributed, got %d", d)
	}
}

func TestRecordStatusHelpers(t *testing.T) {
	for _, s := range []RecordStatus{StatusUnlinked, StatusPending, StatusApproved, StatusRejected} {
		if !s.Valid() {
			t.Fatalf("expected %s valid", s)
		}
	}
	if RecordStatus("DELETED").Valid() {
		t.Fatalf("unexpected valid status")
	}
	if StatusRejected.CountsTowardLot() || StatusUnlinked.CountsTowardLot() {
		t.Fatalf("rejected and unlinked records must not count")
	}
	if !StatusPending.CountsTowardLot() || !StatusApproved.CountsTowardLot() {
		t.Fatalf("pending and approved records must count")
	}
}

func TestRoleCapabilities(t *testing.T) {
	cases := []struct {
		role Role
		op   Operation
		want bool
	}{
		{RoleAdmin, OpAuditExport, true},
		{RoleManufacturer, OpLotCreate, true},
		{RoleManufacturer, OpVerificationModerate, true},
		{RoleManufacturer, OpAuditRead, false},
		{RoleDistributor, OpDistributionCreate, true},
		{RoleDistributor, OpLotCreate, false},
		{RoleDistributor, OpVerificationModerate, false},
		{RolePharmacy, OpDistributionCreate, false},
		{RoleConsumer, OpVerificationCreate, true},
		{RoleConsumer, OpLotRead, false},
		{Role("GUEST"), OpVerificationRead, false},
	}
	for _, tc := range cases {
		if got := tc.role.Permits(tc.op); got != tc.want {
			t.Fatalf("%s %s: expected %v, got %v", tc.role, tc.op, tc.want, got)
		}
	}
	ops := RoleAdmin.Operations()
	ops[0] = "mutated"
	if RoleAdmin.Operations()[0] == "mutated" {
		t.Fatalf("Operations must return a copy")
	}
}

func TestParseRoleAndAuthorize(t *testing.T) {
	role, ok := ParseRole(" pharmacy ")
	if !ok || role != RolePharmacy {
		t.Fatalf("expected pharmacy, got %q %v", role, ok)
	}
	if _, ok := ParseRole("root"); ok {
		t.Fatalf("expected unknown role")
	}
	err := Actor{Username: "p", Role: RolePharmacy}.Authorize(OpLotCreate)
	var perr PermissionError
	if !errors.As(err, &perr) || perr.Operation != OpLotCreate {
		t.Fatalf("expected permission error, got %v", err)
	}
	if err := SystemActor.Authorize(OpAuditExport); err != nil {
		t.Fatalf("system actor: %v", err)
	}
}

func TestErrorHelpers(t *testing.T) {
	wrapped := fmt.Errorf("debit: %w", ConflictError{Reason: ReasonOversell, Entity: EntityLot, ID: "l1"})
	if !IsConflict(wrapped, ReasonOversell) || !IsConflict(wrapped, "") {
		t.Fatalf("expected oversell conflict")
	}
	if IsConflict(wrapped, ReasonInvalidTransition) {
		t.Fatalf("unexpected reason match")
	}
	if !IsNotFound(fmt.Errorf("x: %w", NotFoundError{Entity: EntityLot, ID: "l"})) {
		t.Fatalf("expected not found")
	}
	if !IsValidation(ValidationError{Field: "image", Message: "required"}) {
		t.Fatalf("expected validation")
	}
	if got := (NotFoundError{Entity: EntityLot, ID: "l"}).Error(); got != "lot l not found" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestExternalServiceErrorTimeout(t *testing.T) {
	err := ExternalServiceError{Service: "detector", Err: fmt.Errorf("post: %w", context.DeadlineExceeded)}
	if !err.Timeout() {
		t.Fatalf("expected timeout")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected unwrap to deadline")
	}
	if (ExternalServiceError{Service: "anchor", Err: errors.New("503")}).Timeout() {
		t.Fatalf("unexpected timeout")
	}
}

func TestAuditBefore(t *testing.T) {
	a := AuditLogEntry{ID: "b"}
	b := AuditLogEntry{ID: "a", Timestamp: a.Timestamp.Add(1)}
	if !AuditBefore(a, b) || AuditBefore(b, a) {
		t.Fatalf("expected timestamp ordering")
	}
	c := AuditLogEntry{ID: "a"}
	if !AuditBefore(c, a) {
		t.Fatalf("expected id tiebreak")
	}
}

func TestFilters(t *testing.T) {
	lot := "l1"
	rec := VerificationRecord{Status: StatusPending, LotID: &lot}
	if !(VerificationFilter{LotID: "l1", Status: StatusPending}).Matches(rec) {
		t.Fatalf("expected match")
	}
	if (VerificationFilter{Status: StatusUnlinked}).Matches(rec) {
		t.Fatalf("unexpected status match")
	}
	if (LotFilter{PendingOnly: true}).Matches(Lot{}) {
		t.Fatalf("expected pending filter to exclude idle lot")
	}
	if !(AuditFilter{Action: AuditVerify}).Matches(AuditLogEntry{Action: AuditVerify}) {
		t.Fatalf("expected audit match")
	}
}
