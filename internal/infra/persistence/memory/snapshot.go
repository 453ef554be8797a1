package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"medtrace/pkg/domain"
	"slices"
)

// Persistence buckets shared by the durable backends.
const (
	BucketLots          = "lots"
	BucketVerifications = "verifications"
	BucketDistributions = "distributions"
	BucketAudit         = "audit"
)

// Buckets lists every bucket in hydration order.
var Buckets = []string{BucketLots, BucketVerifications, BucketDistributions, BucketAudit}

// Snapshot captures a point-in-time copy of the store state.
type Snapshot struct {
	Lots          []domain.Lot                `json:"lots"`
	Verifications []domain.VerificationRecord `json:"verifications"`
	Distributions []domain.DistributionEvent  `json:"distributions"`
	Audit         []domain.AuditLogEntry      `json:"audit"`
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	var snap Snapshot
	_ = s.View(context.Background(), func(view domain.TransactionView) error {
		snap = Snapshot{
			Lots:          view.ListLots(domain.LotFilter{}),
			Verifications: view.ListVerifications(domain.VerificationFilter{}),
			Distributions: view.ListDistributions(""),
			Audit:         view.ListAudit(domain.AuditFilter{}),
		}
		return nil
	})
	return snap
}

// ImportState replaces the store state with the provided snapshot and rebuilds every index.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	for _, l := range snapshot.Lots {
		state.putLot(l)
	}
	for _, r := range snapshot.Verifications {
		state.putRecord(cloneRecord(r))
	}
	for _, e := range snapshot.Distributions {
		state.putDistribution(e)
	}
	audit := slices.Clone(snapshot.Audit)
	slices.SortStableFunc(audit, func(a, b domain.AuditLogEntry) int {
		return compareCreated(a.Timestamp, a.ID, b.Timestamp, b.ID)
	})
	for _, e := range audit {
		state.appendAudit(e)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Row is one persisted entity: its bucket, id, and JSON payload.
type Row struct {
	Bucket  string
	ID      string
	Payload []byte
}

// Key returns the composite "bucket/id" key used by key-value backends.
func (r Row) Key() []byte {
	return []byte(r.Bucket + "/" + r.ID)
}

// BucketFor maps an entity type to its persistence bucket.
func BucketFor(entity domain.EntityType) (string, error) {
	switch entity {
	case domain.EntityLot:
		return BucketLots, nil
	case domain.EntityVerification:
		return BucketVerifications, nil
	case domain.EntityDistribution:
		return BucketDistributions, nil
	case domain.EntityAudit:
		return BucketAudit, nil
	default:
		return "", fmt.Errorf("memory: unknown entity type %q", entity)
	}
}

// EncodeChanges collapses a change set to the final value of every written
// entity, in first-write order, and encodes each as a Row.
func EncodeChanges(changes []domain.Change) ([]Row, error) {
	index := make(map[string]int, len(changes))
	var rows []Row
	for _, c := range changes {
		bucket, err := BucketFor(c.Entity)
		if err != nil {
			return nil, err
		}
		payload, err := json.Marshal(c.After)
		if err != nil {
			return nil, fmt.Errorf("memory: encode %s %s: %w", c.Entity, c.ID, err)
		}
		row := Row{Bucket: bucket, ID: c.ID, Payload: payload}
		key := string(row.Key())
		if i, ok := index[key]; ok {
			rows[i] = row
			continue
		}
		index[key] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}

// Rows encodes the whole snapshot, bucket by bucket.
func (s Snapshot) Rows() ([]Row, error) {
	var rows []Row
	add := func(bucket, id string, v any) error {
		payload, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("memory: encode %s %s: %w", bucket, id, err)
		}
		rows = append(rows, Row{Bucket: bucket, ID: id, Payload: payload})
		return nil
	}
	for _, l := range s.Lots {
		if err := add(BucketLots, l.ID, l); err != nil {
			return nil, err
		}
	}
	for _, r := range s.Verifications {
		if err := add(BucketVerifications, r.ID, r); err != nil {
			return nil, err
		}
	}
	for _, e := range s.Distributions {
		if err := add(BucketDistributions, e.ID, e); err != nil {
			return nil, err
		}
	}
	for _, e := range s.Audit {
		if err := add(BucketAudit, e.ID, e); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

// Apply decodes row into the snapshot.
func (s *Snapshot) Apply(row Row) error {
	var err error
	switch row.Bucket {
	case BucketLots:
		var l domain.Lot
		if err = json.Unmarshal(row.Payload, &l); err == nil {
			s.Lots = append(s.Lots, l)
		}
	case BucketVerifications:
		var r domain.VerificationRecord
		if err = json.Unmarshal(row.Payload, &r); err == nil {
			s.Verifications = append(s.Verifications, r)
		}
	case BucketDistributions:
		var e domain.DistributionEvent
		if err = json.Unmarshal(row.Payload, &e); err == nil {
			s.Distributions = append(s.Distributions, e)
		}
	case BucketAudit:
		var e domain.AuditLogEntry
		if err = json.Unmarshal(row.Payload, &e); err == nil {
			s.Audit = append(s.Audit, e)
		}
	default:
		return fmt.Errorf("memory: unknown bucket %q", row.Bucket)
	}
	if err != nil {
		return fmt.Errorf("memory: decode %s %s: %w", row.Bucket, row.ID, err)
	}
	return nil
}
