package compensation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/roach88/ledgerops/internal/ir"
)

// ErrUnknownOperation is returned for an operation id the store has never
// seen.
var ErrUnknownOperation = ir.ErrOperationNotFound

// ErrOperationExists is returned when an operation id is tracked twice.
var ErrOperationExists = errors.New("operation already tracked")

// Store persists everything the ledger knows about an operation. Appends
// are idempotent on their natural key: a record id, a resolution's record
// id. Reads return entries in sequence order.
type Store interface {
	CreateOperation(ctx context.Context, op ir.OperationRecord) error
	// UpdateStatus sets the operation status to change.To and appends
	// change to the change log.
	UpdateStatus(ctx context.Context, change ir.StatusChange) error
	ReadOperation(ctx context.Context, id string) (ir.OperationRecord, error)

	AppendRecord(ctx context.Context, rec ir.CompensationRecord) error
	AppendOutcome(ctx context.Context, e ir.OutcomeEntry) error
	AppendCheckpoint(ctx context.Context, c ir.Checkpoint) error
	// PutResolution stores r unless the record already has a resolution.
	// It reports whether r was inserted.
	PutResolution(ctx context.Context, r ir.Resolution) (bool, error)

	ReadRecords(ctx context.Context, id string) ([]ir.CompensationRecord, error)
	ReadOutcomes(ctx context.Context, id string) ([]ir.OutcomeEntry, error)
	ReadResolutions(ctx context.Context, id string) ([]ir.Resolution, error)
	ReadCheckpoints(ctx context.Context, id string) ([]ir.Checkpoint, error)
	ReadStatusLog(ctx context.Context, id string) ([]ir.StatusChange, error)

	// MaxSeq returns the highest sequence number stored, or 0.
	MaxSeq(ctx context.Context) (int64, error)
}

// MemoryStore is a Store kept in process memory. Each operation has its
// own lock; there is no store-wide lock.
type MemoryStore struct {
	ops    sync.Map // operation id -> *memEntry
	maxSeq atomic.Int64
}

type memEntry struct {
	mu          sync.Mutex
	op          ir.OperationRecord
	records     []ir.CompensationRecord
	recordIDs   map[string]bool
	outcomes    []ir.OutcomeEntry
	checkpoints []ir.Checkpoint
	changes     []ir.StatusChange
	resolutions map[string]ir.Resolution
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) entry(id string) (*memEntry, error) {
	v, ok := s.ops.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, id)
	}
	return v.(*memEntry), nil
}

func (s *MemoryStore) observe(seq int64) {
	for {
		cur := s.maxSeq.Load()
		if seq <= cur || s.maxSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

func (s *MemoryStore) CreateOperation(_ context.Context, op ir.OperationRecord) error {
	e := &memEntry{
		op:          op,
		recordIDs:   map[string]bool{},
		resolutions: map[string]ir.Resolution{},
	}
	if _, loaded := s.ops.LoadOrStore(op.ID, e); loaded {
		return fmt.Errorf("%w: %s", ErrOperationExists, op.ID)
	}
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, change ir.StatusChange) error {
	e, err := s.entry(change.OperationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.op.Status = change.To
	e.op.UpdatedAt = change.At
	e.changes = append(e.changes, change)
	s.observe(change.Seq)
	return nil
}

func (s *MemoryStore) ReadOperation(_ context.Context, id string) (ir.OperationRecord, error) {
	e, err := s.entry(id)
	if err != nil {
		return ir.OperationRecord{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.op, nil
}

func (s *MemoryStore) AppendRecord(_ context.Context, rec ir.CompensationRecord) error {
	e, err := s.entry(rec.OperationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.recordIDs[rec.ID] {
		return nil
	}
	e.recordIDs[rec.ID] = true
	e.records = append(e.records, rec)
	s.observe(rec.Seq)
	return nil
}

func (s *MemoryStore) AppendOutcome(_ context.Context, o ir.OutcomeEntry) error {
	e, err := s.entry(o.OperationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outcomes = append(e.outcomes, o)
	s.observe(o.Seq)
	return nil
}

func (s *MemoryStore) AppendCheckpoint(_ context.Context, c ir.Checkpoint) error {
	e, err := s.entry(c.OperationID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checkpoints = append(e.checkpoints, c)
	s.observe(c.Seq)
	return nil
}

func (s *MemoryStore) PutResolution(_ context.Context, r ir.Resolution) (bool, error) {
	e, err := s.entry(r.OperationID)
	if err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.resolutions[r.RecordID]; ok {
		return false, nil
	}
	e.resolutions[r.RecordID] = r
	s.observe(r.Seq)
	return true, nil
}

func bySeq[T any](items []T, seq func(T) int64) []T {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b T) int { return cmp.Compare(seq(a), seq(b)) })
	return out
}

func (s *MemoryStore) ReadRecords(_ context.Context, id string) ([]ir.CompensationRecord, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return bySeq(e.records, func(r ir.CompensationRecord) int64 { return r.Seq }), nil
}

func (s *MemoryStore) ReadOutcomes(_ context.Context, id string) ([]ir.OutcomeEntry, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return bySeq(e.outcomes, func(o ir.OutcomeEntry) int64 { return o.Seq }), nil
}

func (s *MemoryStore) ReadResolutions(_ context.Context, id string) ([]ir.Resolution, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ir.Resolution, 0, len(e.resolutions))
	for _, r := range e.resolutions {
		out = append(out, r)
	}
	return bySeq(out, func(r ir.Resolution) int64 { return r.Seq }), nil
}

func (s *MemoryStore) ReadCheckpoints(_ context.Context, id string) ([]ir.Checkpoint, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return bySeq(e.checkpoints, func(c ir.Checkpoint) int64 { return c.Seq }), nil
}

func (s *MemoryStore) ReadStatusLog(_ context.Context, id string) ([]ir.StatusChange, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return bySeq(e.changes, func(c ir.StatusChange) int64 { return c.Seq }), nil
}

func (s *MemoryStore) MaxSeq(context.Context) (int64, error) {
	return s.maxSeq.Load(), nil
}
