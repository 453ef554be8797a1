// Package domain defines the persistent entities, value types, and
// rule evaluation primitives used by medtrace.
package domain

import "time"

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityLot identifies a registered medicine lot.
	EntityLot EntityType = "lot"
	// EntityVerification identifies a verification record.
	EntityVerification EntityType = "verification"
	// EntityDistribution identifies a distribution event.
	EntityDistribution EntityType = "distribution_event"
	// EntityAudit identifies an audit log entry.
	EntityAudit EntityType = "audit_entry"
)

// RecordStatus enumerates the moderation states of a verification record.
type RecordStatus string

// Moderation states. APPROVED and REJECTED records keep their lot association.
const (
	StatusUnlinked RecordStatus = "UNLINKED"
	StatusPending  RecordStatus = "PENDING"
	StatusApproved RecordStatus = "APPROVED"
	StatusRejected RecordStatus = "REJECTED"
)

// Valid reports whether s is a known record status.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusUnlinked, StatusPending, StatusApproved, StatusRejected:
		return true
	default:
		return false
	}
}

// CountsTowardLot reports whether a record in this status contributes to its lot's aggregates.
func (s RecordStatus) CountsTowardLot() bool {
	return s == StatusPending || s == StatusApproved
}

// LotVerificationStatus is the aggregate verification state derived from a lot's counters.
type LotVerificationStatus string

// Lot verification states.
const (
	LotVerificationNone     LotVerificationStatus = "NONE"
	LotVerificationPending  LotVerificationStatus = "PENDING"
	LotVerificationApproved LotVerificationStatus = "APPROVED"
)

// DetectionResult classifies the authenticity of one package or a whole image.
type DetectionResult string

// Detection results ordered from least to most severe. UNKNOWN is only
// produced for images in which the detector found no packages.
const (
	ResultUnknown     DetectionResult = "UNKNOWN"
	ResultGenuine     DetectionResult = "GENUINE"
	ResultSuspicious  DetectionResult = "SUSPICIOUS"
	ResultCounterfeit DetectionResult = "COUNTERFEIT"
)

// Severity returns the rank used by worst-wins aggregation.
func (r DetectionResult) Severity() int {
	switch r {
	case ResultGenuine:
		return 1
	case ResultSuspicious:
		return 2
	case ResultCounterfeit:
		return 3
	default:
		return 0
	}
}

// Lot represents a registered, dated batch of a product.
type Lot struct {
	ID                string    `json:"id"`
	ProductName       string    `json:"product_name"`
	ProductCode       string    `json:"product_code"`
	LotNumber         string    `json:"lot_number"`
	Producer          string    `json:"producer"`
	ManufactureDate   time.Time `json:"manufacture_date"`
	ExpiryDate        time.Time `json:"expiry_date"`
	TotalQuantity     int       `json:"total_quantity"`
	RemainingQuantity int       `json:"remaining_quantity"`
	PendingCount      int       `json:"pending_count"`
	ApprovedCount     int       `json:"approved_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// VerificationStatus derives the lot's aggregate verification state.
func (l Lot) VerificationStatus() LotVerificationStatus {
	switch {
	case l.ApprovedCount > 0:
		return LotVerificationApproved
	case l.PendingCount > 0:
		return LotVerificationPending
	default:
		return LotVerificationNone
	}
}

// DistributedQuantity returns the number of units that have left the lot.
func (l Lot) DistributedQuantity() int {
	return l.TotalQuantity - l.RemainingQuantity
}

// BoundingBox locates a detected package inside an image, in pixels.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Detection is one localized package found by the external detector.
type Detection struct {
	BBox                 BoundingBox     `json:"bbox"`
	DetectorLabel        string          `json:"detector_label"`
	DetectorConfidence   float64         `json:"detector_confidence"`
	ClassifierLabel      string          `json:"classifier_label"`
	ClassifierConfidence float64         `json:"classifier_confidence"`
	Result               DetectionResult `json:"result"`
}

// LedgerAnchor is the external timestamping reference attached to a verification.
type LedgerAnchor struct {
	TxHash      string    `json:"tx_hash"`
	BlockHeight int64     `json:"block_height"`
	AnchoredAt  time.Time `json:"anchored_at"`
}

// AnchorRequest is what the Ledger-Anchor service timestamps for one original verification.
type AnchorRequest struct {
	ContentHash string          `json:"image_hash"`
	Result      DetectionResult `json:"result"`
	Confidence  float64         `json:"confidence"`
}

// VerificationRecord is the outcome of one authenticity check on one image.
type VerificationRecord struct {
	ID                string          `json:"id"`
	ContentHash       string          `json:"content_hash"`
	Detections        []Detection     `json:"detections"`
	OverallResult     DetectionResult `json:"overall_result"`
	OverallConfidence float64         `json:"overall_confidence"`
	Status            RecordStatus    `json:"status"`
	LotID             *string         `json:"lot_id"`
	LedgerAnchor      *LedgerAnchor   `json:"ledger_anchor"`
	DuplicateOf       *string         `json:"duplicate_of"`
	ImageKey          string          `json:"image_key,omitempty"`
	SubmittedBy       string          `json:"submitted_by"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// IsDuplicate reports whether the record was synthesized from a prior record with the same hash.
func (r VerificationRecord) IsDuplicate() bool {
	return r.DuplicateOf != nil
}

// LinkedLot returns the associated lot id, or "" when the record is unlinked.
func (r VerificationRecord) LinkedLot() string {
	if r.LotID == nil {
		return ""
	}
	return *r.LotID
}

// DistributionEvent is the immutable record of one shipment out of a lot.
type DistributionEvent struct {
	ID        string    `json:"id"`
	LotID     string    `json:"lot_id"`
	Quantity  int       `json:"quantity"`
	Location  string    `json:"location"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditAction tags the kind of mutation an audit entry documents.
type AuditAction string

// Audit action tags.
const (
	AuditRegisterLot AuditAction = "REGISTER_LOT"
	AuditVerify      AuditAction = "VERIFY"
	AuditLink        AuditAction = "LINK"
	AuditUnlink      AuditAction = "UNLINK"
	AuditApprove     AuditAction = "APPROVE"
	AuditReject      AuditAction = "REJECT"
	AuditDistribute  AuditAction = "DISTRIBUTE"
)

// AuditLogEntry is an immutable, append-only record of one mutation.
type AuditLogEntry struct {
	ID        string      `json:"id"`
	Action    AuditAction `json:"action"`
	User      string      `json:"user"`
	Task      string      `json:"task"`
	Entity    EntityType  `json:"entity"`
	TargetID  string      `json:"target_id"`
	Timestamp time.Time   `json:"timestamp"`
}

// AuditBefore reports whether a sorts before b in export order (timestamp, then id).
func AuditBefore(a, b AuditLogEntry) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}
