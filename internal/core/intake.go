package core

import (
	"context"
	"errors"
	"fmt"
	"medtrace/internal/blob"
	"medtrace/internal/contentaddr"
	"medtrace/pkg/domain"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Detector finds and classifies packages in an image.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]domain.Detection, error)
}

// Anchor timestamps an original verification on the external ledger.
type Anchor interface {
	Anchor(ctx context.Context, req domain.AnchorRequest) (domain.LedgerAnchor, error)
}

// Collaborator names used when a dependency is missing or fails without
// reporting an ExternalServiceError itself.
const (
	serviceDetector = "detector"
	serviceAnchor   = "ledger_anchor"
	serviceArchive  = "image_archive"
)

var errNotConfigured = errors.New("not configured")

// IntakeRequest carries one uploaded image and an optional lot hint. The
// hint may be a lot id or a lot number decoded from a QR code.
type IntakeRequest struct {
	Image       []byte
	ContentType string
	LotHint     string
}

// IntakeResult is the outcome of Intake. AlreadyVerified is set when the
// image bytes matched an earlier record and no external call was made.
type IntakeResult struct {
	Record          domain.VerificationRecord
	AlreadyVerified bool
}

type detectionOutcome struct {
	detections []domain.Detection
	result     domain.DetectionResult
	confidence float64
	anchor     *domain.LedgerAnchor
	imageKey   string
}

// Intake records one verification attempt. Same-image submissions are
// serialized on the content hash so only the first reaches the Detector
// and Ledger-Anchor; later ones become duplicates carrying the original's
// anchor. External calls run before the transaction opens, and any failure
// leaves nothing persisted.
func (s *Service) Intake(ctx context.Context, actor domain.Actor, req IntakeRequest) (IntakeResult, error) {
	var out IntakeResult
	err := s.run(ctx, "intake", func(ctx context.Context) error {
		if err := actor.Authorize(domain.OpVerificationCreate); err != nil {
			return err
		}
		if len(req.Image) == 0 {
			return domain.ValidationError{Field: "image", Message: "required"}
		}
		if len(req.Image) > s.maxImageBytes {
			return domain.ValidationError{Field: "image", Message: fmt.Sprintf("exceeds %d bytes", s.maxImageBytes)}
		}
		hash := contentaddr.Of(req.Image)
		unlock := s.intakeLocks.Lock(hash)
		defer unlock()

		var original domain.VerificationRecord
		var known bool
		if err := s.view(ctx, func(v domain.TransactionView) error {
			original, known = v.FindVerificationByHash(hash)
			return nil
		}); err != nil {
			return err
		}

		var outcome detectionOutcome
		if !known {
			var err error
			outcome, err = s.inspect(ctx, hash, req)
			if err != nil {
				return err
			}
		}

		return s.write(ctx, func(tx domain.Transaction, audit *auditStager) error {
			if !known {
				// Another writer of the same hash cannot get between the view
				// above and this transaction while the key lock is held, but
				// durable stores may have been hydrated by a peer process.
				original, known = tx.FindVerificationByHash(hash)
			}
			rec := domain.VerificationRecord{ContentHash: hash, SubmittedBy: actor.Username, Status: domain.StatusUnlinked}
			if known {
				id := original.ID
				rec.DuplicateOf = &id
				rec.Detections = original.Detections
				rec.OverallResult = original.OverallResult
				rec.OverallConfidence = original.OverallConfidence
				rec.LedgerAnchor = original.LedgerAnchor
				rec.ImageKey = original.ImageKey
			} else {
				rec.Detections = outcome.detections
				rec.OverallResult = outcome.result
				rec.OverallConfidence = outcome.confidence
				rec.LedgerAnchor = outcome.anchor
				rec.ImageKey = outcome.imageKey
			}
			lot, linked := resolveLotHint(tx, req.LotHint)
			if linked {
				lotID := lot.ID
				rec.Status = domain.StatusPending
				rec.LotID = &lotID
			}
			created, err := tx.CreateVerification(rec)
			if err != nil {
				return err
			}
			if linked {
				if _, err := tx.AdjustLotCounts(lot.ID, 1, 0); err != nil {
					return err
				}
			}
			out = IntakeResult{Record: created, AlreadyVerified: known}
			return audit.record(actor, domain.AuditVerify, domain.EntityVerification, created.ID, intakeTask(created, lot, linked))
		})
	})
	if err == nil && out.AlreadyVerified {
		s.count(ctx, EventIntakeDuplicate)
		s.logger.Debug("intake resolved as duplicate",
			zap.String("verification_id", out.Record.ID),
			zap.String("duplicate_of", *out.Record.DuplicateOf),
		)
	}
	return out, err
}

// inspect runs the external Detector and, when something was detected, the
// Ledger-Anchor, then archives the image.
func (s *Service) inspect(ctx context.Context, hash string, req IntakeRequest) (detectionOutcome, error) {
	if s.detector == nil {
		return detectionOutcome{}, domain.ExternalServiceError{Service: serviceDetector, Err: errNotConfigured}
	}
	detections, err := s.detector.Detect(ctx, req.Image)
	if err != nil {
		return detectionOutcome{}, asExternal(serviceDetector, err)
	}
	result, confidence := domain.AggregateDetections(detections)
	outcome := detectionOutcome{detections: detections, result: result, confidence: confidence}
	if len(detections) > 0 {
		if s.anchor == nil {
			return detectionOutcome{}, domain.ExternalServiceError{Service: serviceAnchor, Err: errNotConfigured}
		}
		anchor, err := s.anchor.Anchor(ctx, domain.AnchorRequest{ContentHash: hash, Result: result, Confidence: confidence})
		if err != nil {
			return detectionOutcome{}, asExternal(serviceAnchor, err)
		}
		outcome.anchor = &anchor
	}
	if s.archive != nil {
		contentType := req.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(req.Image)
		}
		key := blob.ImageKey(s.clock.Now(), hash)
		if _, err := blob.PutImage(ctx, s.archive, key, req.Image, contentType, map[string]string{"content-hash": hash}); err != nil {
			return detectionOutcome{}, domain.ExternalServiceError{Service: serviceArchive, Err: err}
		}
		outcome.imageKey = key
	}
	return outcome, nil
}

// resolveLotHint accepts a lot id or a lot number; anything else leaves
// the record unlinked.
func resolveLotHint(view domain.TransactionView, hint string) (domain.Lot, bool) {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return domain.Lot{}, false
	}
	if lot, ok := view.FindLot(hint); ok {
		return lot, true
	}
	return view.FindLotByNumber(hint)
}

func asExternal(service string, err error) error {
	var ext domain.ExternalServiceError
	if errors.As(err, &ext) {
		return err
	}
	return domain.ExternalServiceError{Service: service, Err: err}
}

func intakeTask(rec domain.VerificationRecord, lot domain.Lot, linked bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "verified image %s: %s", shortHash(rec.ContentHash), rec.OverallResult)
	if rec.IsDuplicate() {
		fmt.Fprintf(&b, " (duplicate of %s)", *rec.DuplicateOf)
	}
	if linked {
		fmt.Fprintf(&b, " for lot %s", lot.LotNumber)
	}
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
