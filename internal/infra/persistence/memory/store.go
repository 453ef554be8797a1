// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments, and as the working set of the
// durable backends.
package memory

import (
	"context"
	"fmt"
	"medtrace/pkg/domain"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var (
	_ domain.PersistentStore = (*Store)(nil)
	_ domain.Transaction     = (*transaction)(nil)
)

// CommitHook is invoked with the transaction's change set after rules pass
// and before the changes become visible. A non-nil error discards the transaction.
type CommitHook func(ctx context.Context, changes []domain.Change) error

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for entity timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithCommitHook installs a hook that runs inside every commit.
func WithCommitHook(hook CommitHook) Option {
	return func(s *Store) { s.hook = hook }
}

type memoryState struct {
	lots               map[string]domain.Lot
	lotNumbers         map[string]string
	records            map[string]domain.VerificationRecord
	hashes             map[string]string
	recordsByLot       map[string]map[string]struct{}
	recordsByStatus    map[domain.RecordStatus]map[string]struct{}
	distributions      map[string]domain.DistributionEvent
	distributionsByLot map[string][]string
	audit              []domain.AuditLogEntry
	lastAudit          time.Time
}

func newMemoryState() memoryState {
	return memoryState{
		lots:               make(map[string]domain.Lot),
		lotNumbers:         make(map[string]string),
		records:            make(map[string]domain.VerificationRecord),
		hashes:             make(map[string]string),
		recordsByLot:       make(map[string]map[string]struct{}),
		recordsByStatus:    make(map[domain.RecordStatus]map[string]struct{}),
		distributions:      make(map[string]domain.DistributionEvent),
		distributionsByLot: make(map[string][]string),
	}
}

func (s *memoryState) putLot(l domain.Lot) {
	s.lots[l.ID] = l
	s.lotNumbers[l.LotNumber] = l.ID
}

func (s *memoryState) putRecord(r domain.VerificationRecord) {
	if old, ok := s.records[r.ID]; ok {
		if lot := old.LinkedLot(); lot != "" {
			delete(s.recordsByLot[lot], r.ID)
		}
		delete(s.recordsByStatus[old.Status], r.ID)
	}
	s.records[r.ID] = r
	if lot := r.LinkedLot(); lot != "" {
		addIndex(s.recordsByLot, lot, r.ID)
	}
	addIndex(s.recordsByStatus, r.Status, r.ID)
	if !r.IsDuplicate() {
		s.hashes[r.ContentHash] = r.ID
	}
}

func (s *memoryState) putDistribution(e domain.DistributionEvent) {
	s.distributions[e.ID] = e
	s.distributionsByLot[e.LotID] = append(s.distributionsByLot[e.LotID], e.ID)
}

func (s *memoryState) appendAudit(e domain.AuditLogEntry) {
	s.audit = append(s.audit, e)
	if e.Timestamp.After(s.lastAudit) {
		s.lastAudit = e.Timestamp
	}
}

func addIndex[K comparable](index map[K]map[string]struct{}, key K, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func cloneRecord(r domain.VerificationRecord) domain.VerificationRecord {
	cp := r
	cp.Detections = slices.Clone(r.Detections)
	if r.LotID != nil {
		lot := *r.LotID
		cp.LotID = &lot
	}
	if r.DuplicateOf != nil {
		dup := *r.DuplicateOf
		cp.DuplicateOf = &dup
	}
	if r.LedgerAnchor != nil {
		anchor := *r.LedgerAnchor
		cp.LedgerAnchor = &anchor
	}
	return cp
}

// Store provides an in-memory transactional store for the core domain.
// Writers are serialized; each transaction stages its writes in an overlay
// and publishes them only after rules and the commit hook succeed.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *domain.RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *domain.RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RulesEngine exposes the configured engine.
func (s *Store) RulesEngine() *domain.RulesEngine {
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	return s.nowFn
}

// SetCommitHook replaces the commit hook. Durable backends install theirs
// after hydrating so the import itself is not written back.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Close satisfies domain.PersistentStore; the memory store holds no resources.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn within an isolated overlay of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	if err := ctx.Err(); err != nil {
		return domain.Result{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store:         s,
		base:          &s.state,
		now:           s.nowFn().UTC(),
		lots:          make(map[string]domain.Lot),
		records:       make(map[string]domain.VerificationRecord),
		distributions: make(map[string]domain.DistributionEvent),
		lastAudit:     s.state.lastAudit,
	}
	if err := fn(tx); err != nil {
		return domain.Result{}, err
	}

	var result domain.Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, tx, tx.changes)
		if err != nil {
			return domain.Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}
	if s.hook != nil && len(tx.changes) > 0 {
		if err := s.hook(ctx, tx.changes); err != nil {
			return result, fmt.Errorf("memory: commit hook: %w", err)
		}
	}
	tx.publish()
	return result, nil
}

// View executes fn against a read-only view of the committed state.
func (s *Store) View(_ context.Context, fn func(domain.TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&transaction{store: s, base: &s.state})
}

// transaction reads through its overlay to the committed base. A transaction
// with nil overlay maps is a plain read-only view.
type transaction struct {
	store         *Store
	base          *memoryState
	now           time.Time
	lots          map[string]domain.Lot
	records       map[string]domain.VerificationRecord
	distributions map[string]domain.DistributionEvent
	audit         []domain.AuditLogEntry
	lastAudit     time.Time
	changes       []domain.Change
}

func (tx *transaction) publish() {
	for _, l := range tx.lots {
		tx.base.putLot(l)
	}
	for _, r := range tx.records {
		tx.base.putRecord(r)
	}
	for _, e := range tx.distributions {
		tx.base.putDistribution(e)
	}
	for _, e := range tx.audit {
		tx.base.appendAudit(e)
	}
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) lot(id string) (domain.Lot, bool) {
	if l, ok := tx.lots[id]; ok {
		return l, true
	}
	l, ok := tx.base.lots[id]
	return l, ok
}

func (tx *transaction) record(id string) (domain.VerificationRecord, bool) {
	if r, ok := tx.records[id]; ok {
		return r, true
	}
	r, ok := tx.base.records[id]
	return r, ok
}

func (tx *transaction) distribution(id string) (domain.DistributionEvent, bool) {
	if e, ok := tx.distributions[id]; ok {
		return e, true
	}
	e, ok := tx.base.distributions[id]
	return e, ok
}

// Now returns the transaction's timestamp.
func (tx *transaction) Now() time.Time { return tx.now }

// FindLot returns the lot with id.
func (tx *transaction) FindLot(id string) (domain.Lot, bool) {
	return tx.lot(id)
}

// FindLotByNumber resolves a lot through the lot_number index.
func (tx *transaction) FindLotByNumber(number string) (domain.Lot, bool) {
	for _, l := range tx.lots {
		if l.LotNumber == number {
			return l, true
		}
	}
	id, ok := tx.base.lotNumbers[number]
	if !ok {
		return domain.Lot{}, false
	}
	return tx.lot(id)
}

// ListLots returns lots matching filter ordered by creation time.
func (tx *transaction) ListLots(filter domain.LotFilter) []domain.Lot {
	out := make([]domain.Lot, 0, len(tx.base.lots)+len(tx.lots))
	for id, l := range tx.base.lots {
		if staged, ok := tx.lots[id]; ok {
			l = staged
		}
		if filter.Matches(l) {
			out = append(out, l)
		}
	}
	for id, l := range tx.lots {
		if _, ok := tx.base.lots[id]; !ok && filter.Matches(l) {
			out = append(out, l)
		}
	}
	slices.SortFunc(out, func(a, b domain.Lot) int {
		return compareCreated(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return out
}

// FindVerification returns the record with id.
func (tx *transaction) FindVerification(id string) (domain.VerificationRecord, bool) {
	r, ok := tx.record(id)
	if !ok {
		return domain.VerificationRecord{}, false
	}
	return cloneRecord(r), true
}

// FindVerificationByHash resolves the original record for hash through the content_hash index.
func (tx *transaction) FindVerificationByHash(hash string) (domain.VerificationRecord, bool) {
	for _, r := range tx.records {
		if r.ContentHash == hash && !r.IsDuplicate() {
			return cloneRecord(r), true
		}
	}
	id, ok := tx.base.hashes[hash]
	if !ok {
		return domain.VerificationRecord{}, false
	}
	return tx.FindVerification(id)
}

// ListVerifications returns records matching filter ordered by creation time.
func (tx *transaction) ListVerifications(filter domain.VerificationFilter) []domain.VerificationRecord {
	seen := make(map[string]struct{})
	var out []domain.VerificationRecord
	consider := func(id string) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		r, ok := tx.record(id)
		if ok && filter.Matches(r) {
			out = append(out, cloneRecord(r))
		}
	}
	switch {
	case filter.LotID != "":
		for id := range tx.base.recordsByLot[filter.LotID] {
			consider(id)
		}
	case filter.Status != "":
		for id := range tx.base.recordsByStatus[filter.Status] {
			consider(id)
		}
	default:
		for id := range tx.base.records {
			consider(id)
		}
	}
	for id := range tx.records {
		consider(id)
	}
	slices.SortFunc(out, func(a, b domain.VerificationRecord) int {
		return compareCreated(a.CreatedAt, a.ID, b.CreatedAt, b.ID)
	})
	return out
}

// FindDistribution returns the distribution event with id.
func (tx *transaction) FindDistribution(id string) (domain.DistributionEvent, bool) {
	return tx.distribution(id)
}

// ListDistributions returns events for lotID, or all events when lotID is empty.
func (tx *transaction) ListDistributions(lotID string) []domain.DistributionEvent {
	var out []domain.DistributionEvent
	if lotID == "" {
		for _, e := range tx.base.distributions {
			out = append(out, e)
		}
	} else {
		for _, id := range tx.base.distributionsByLot[lotID] {
			out = append(out, tx.base.distributions[id])
		}
	}
	for _, e := range tx.distributions {
		if lotID == "" || e.LotID == lotID {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b domain.DistributionEvent) int {
		return compareCreated(a.Timestamp, a.ID, b.Timestamp, b.ID)
	})
	return out
}

// ListAudit returns audit entries matching filter in export order. A
// positive Limit keeps the most recent entries.
func (tx *transaction) ListAudit(filter domain.AuditFilter) []domain.AuditLogEntry {
	var out []domain.AuditLogEntry
	for _, e := range tx.base.audit {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	for _, e := range tx.audit {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	slices.SortStableFunc(out, func(a, b domain.AuditLogEntry) int {
		return compareCreated(a.Timestamp, a.ID, b.Timestamp, b.ID)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

func compareCreated(at time.Time, aID string, bt time.Time, bID string) int {
	if c := at.Compare(bt); c != 0 {
		return c
	}
	switch {
	case aID < bID:
		return -1
	case aID > bID:
		return 1
	default:
		return 0
	}
}

func (tx *transaction) newID() string {
	return uuid.NewString()
}

func (tx *transaction) writable() error {
	if tx.lots == nil {
		return fmt.Errorf("memory: write attempted on read-only view")
	}
	return nil
}

// CreateLot stores a new lot within the transaction.
func (tx *transaction) CreateLot(l domain.Lot) (domain.Lot, error) {
	if err := tx.writable(); err != nil {
		return domain.Lot{}, err
	}
	if l.ID == "" {
		l.ID = tx.newID()
	}
	if _, exists := tx.lot(l.ID); exists {
		return domain.Lot{}, fmt.Errorf("lot %q already exists", l.ID)
	}
	if existing, taken := tx.FindLotByNumber(l.LotNumber); taken {
		return domain.Lot{}, domain.ConflictError{
			Reason:  domain.ReasonDuplicateLotNumber,
			Entity:  domain.EntityLot,
			ID:      existing.ID,
			Message: fmt.Sprintf("lot number %q already registered", l.LotNumber),
		}
	}
	l.CreatedAt = tx.now
	l.UpdatedAt = tx.now
	tx.lots[l.ID] = l
	tx.recordChange(domain.Change{Entity: domain.EntityLot, Action: domain.ActionCreate, ID: l.ID, After: l})
	return l, nil
}

// DebitLot atomically decrements remaining quantity.
func (tx *transaction) DebitLot(id string, quantity int) (domain.Lot, error) {
	if err := tx.writable(); err != nil {
		return domain.Lot{}, err
	}
	current, ok := tx.lot(id)
	if !ok {
		return domain.Lot{}, domain.NotFoundError{Entity: domain.EntityLot, ID: id}
	}
	if quantity > current.RemainingQuantity {
		return domain.Lot{}, domain.ConflictError{
			Reason:  domain.ReasonOversell,
			Entity:  domain.EntityLot,
			ID:      id,
			Message: fmt.Sprintf("requested %d, remaining %d", quantity, current.RemainingQuantity),
		}
	}
	before := current
	current.RemainingQuantity -= quantity
	current.UpdatedAt = tx.now
	tx.lots[id] = current
	tx.recordChange(domain.Change{Entity: domain.EntityLot, Action: domain.ActionUpdate, ID: id, Before: before, After: current})
	return current, nil
}

// AdjustLotCounts applies verification counter deltas to a lot.
func (tx *transaction) AdjustLotCounts(id string, deltaPending, deltaApproved int) (domain.Lot, error) {
	if err := tx.writable(); err != nil {
		return domain.Lot{}, err
	}
	current, ok := tx.lot(id)
	if !ok {
		return domain.Lot{}, domain.NotFoundError{Entity: domain.EntityLot, ID: id}
	}
	pending := current.PendingCount + deltaPending
	approved := current.ApprovedCount + deltaApproved
	if pending < 0 || approved < 0 {
		return domain.Lot{}, domain.InternalInvariantError{
			Message: fmt.Sprintf("lot %s counters would become pending=%d approved=%d", id, pending, approved),
		}
	}
	before := current
	current.PendingCount = pending
	current.ApprovedCount = approved
	current.UpdatedAt = tx.now
	tx.lots[id] = current
	tx.recordChange(domain.Change{Entity: domain.EntityLot, Action: domain.ActionUpdate, ID: id, Before: before, After: current})
	return current, nil
}

// CreateVerification stores a new verification record within the transaction.
func (tx *transaction) CreateVerification(r domain.VerificationRecord) (domain.VerificationRecord, error) {
	if err := tx.writable(); err != nil {
		return domain.VerificationRecord{}, err
	}
	if r.ID == "" {
		r.ID = tx.newID()
	}
	if _, exists := tx.record(r.ID); exists {
		return domain.VerificationRecord{}, fmt.Errorf("verification %q already exists", r.ID)
	}
	if !r.IsDuplicate() {
		if original, found := tx.FindVerificationByHash(r.ContentHash); found {
			return domain.VerificationRecord{}, domain.ConflictError{
				Reason:  domain.ReasonDuplicateContent,
				Entity:  domain.EntityVerification,
				ID:      original.ID,
				Message: "content hash already has an original record",
			}
		}
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	r = cloneRecord(r)
	tx.records[r.ID] = r
	tx.recordChange(domain.Change{Entity: domain.EntityVerification, Action: domain.ActionCreate, ID: r.ID, After: cloneRecord(r)})
	return cloneRecord(r), nil
}

// UpdateVerification mutates a record using the provided mutator function.
// Identity, content hash, and creation time are immutable.
func (tx *transaction) UpdateVerification(id string, mutator func(*domain.VerificationRecord) error) (domain.VerificationRecord, error) {
	if err := tx.writable(); err != nil {
		return domain.VerificationRecord{}, err
	}
	stored, ok := tx.record(id)
	if !ok {
		return domain.VerificationRecord{}, domain.NotFoundError{Entity: domain.EntityVerification, ID: id}
	}
	before := cloneRecord(stored)
	current := cloneRecord(stored)
	if err := mutator(&current); err != nil {
		return domain.VerificationRecord{}, err
	}
	current.ID = id
	current.ContentHash = before.ContentHash
	current.DuplicateOf = before.DuplicateOf
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.records[id] = cloneRecord(current)
	tx.recordChange(domain.Change{Entity: domain.EntityVerification, Action: domain.ActionUpdate, ID: id, Before: before, After: cloneRecord(current)})
	return current, nil
}

// CreateDistribution stores an immutable distribution event.
func (tx *transaction) CreateDistribution(e domain.DistributionEvent) (domain.DistributionEvent, error) {
	if err := tx.writable(); err != nil {
		return domain.DistributionEvent{}, err
	}
	if e.ID == "" {
		e.ID = tx.newID()
	}
	if _, exists := tx.distribution(e.ID); exists {
		return domain.DistributionEvent{}, fmt.Errorf("distribution %q already exists", e.ID)
	}
	if _, ok := tx.lot(e.LotID); !ok {
		return domain.DistributionEvent{}, domain.NotFoundError{Entity: domain.EntityLot, ID: e.LotID}
	}
	e.Timestamp = tx.now
	tx.distributions[e.ID] = e
	tx.recordChange(domain.Change{Entity: domain.EntityDistribution, Action: domain.ActionCreate, ID: e.ID, After: e})
	return e, nil
}

// AppendAudit stages an audit entry. Timestamps strictly increase across
// the whole log, so export order is total and monotonic per entity.
func (tx *transaction) AppendAudit(e domain.AuditLogEntry) (domain.AuditLogEntry, error) {
	if err := tx.writable(); err != nil {
		return domain.AuditLogEntry{}, err
	}
	if e.ID == "" {
		e.ID = tx.newID()
	}
	ts := tx.now
	if !ts.After(tx.lastAudit) {
		ts = tx.lastAudit.Add(time.Nanosecond)
	}
	e.Timestamp = ts
	tx.lastAudit = ts
	tx.audit = append(tx.audit, e)
	tx.recordChange(domain.Change{Entity: domain.EntityAudit, Action: domain.ActionCreate, ID: e.ID, After: e})
	return e, nil
}
