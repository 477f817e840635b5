// Package compensation tracks every side effect an operation may have had
// on the ledger and, after a terminal failure, undoes what can be undone.
//
// Records are written ahead of submission and never rewritten. Outcomes
// and resolutions are appended beside them, so the full history of an
// operation can be replayed from the store alone.
package compensation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/ledgerops/internal/clock"
	"github.com/roach88/ledgerops/internal/ir"
)

// Ledger is the compensation ledger. It is safe for concurrent use; calls
// for one operation id are serialised where ordering matters.
type Ledger struct {
	store    Store
	seq      *clock.Seq
	now      clock.Now
	actions  Actions
	observer func(operationID string, e Entry)
	logger   *slog.Logger

	locks sync.Map // operation id -> *sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithActions sets the chain actions rollback uses.
func WithActions(a Actions) Option {
	return func(l *Ledger) { l.actions = a }
}

// WithNow replaces the wall clock used for timestamps.
func WithNow(now clock.Now) Option {
	return func(l *Ledger) { l.now = now }
}

// WithRollbackObserver receives every entry rollback resolves.
func WithRollbackObserver(fn func(operationID string, e Entry)) Option {
	return func(l *Ledger) { l.observer = fn }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger over store. The sequence clock resumes after
// the highest sequence already stored.
func NewLedger(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	start, err := store.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	l := &Ledger{
		store:   store,
		seq:     clock.NewSeqAt(start),
		now:     clock.System,
		actions: noActions{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "compensation")
	return l, nil
}

func (l *Ledger) lock(id string) func() {
	v, _ := l.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// TrackOperation starts tracking op. It fails if the id is already known.
func (l *Ledger) TrackOperation(ctx context.Context, op *ir.Operation) error {
	rec, err := op.Record()
	if err != nil {
		return fmt.Errorf("track operation %s: %w", op.ID, err)
	}
	if err := l.store.CreateOperation(ctx, rec); err != nil {
		return fmt.Errorf("track operation %s: %w", op.ID, err)
	}
	err = l.store.UpdateStatus(ctx, ir.StatusChange{
		OperationID: op.ID,
		To:          op.Status,
		Reason:      "tracked",
		Seq:         l.seq.Next(),
		At:          l.now(),
	})
	if err != nil {
		return fmt.Errorf("track operation %s: %w", op.ID, err)
	}
	l.logger.Debug("operation tracked", "operation_id", op.ID, "kind", op.Kind)
	return nil
}

// Transition moves an operation to status to and logs the change.
func (l *Ledger) Transition(ctx context.Context, id string, to ir.Status, reason string) error {
	defer l.lock(id)()
	return l.transition(ctx, id, to, reason)
}

func (l *Ledger) transition(ctx context.Context, id string, to ir.Status, reason string) error {
	op, err := l.store.ReadOperation(ctx, id)
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	if err := ir.CheckTransition(op.Status, to); err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	err = l.store.UpdateStatus(ctx, ir.StatusChange{
		OperationID: id,
		From:        op.Status,
		To:          to,
		Reason:      reason,
		Seq:         l.seq.Next(),
		At:          l.now(),
	})
	if err != nil {
		return fmt.Errorf("transition %s: %w", id, err)
	}
	l.logger.Debug("status changed", "operation_id", id, "from", op.Status, "to", to, "reason", reason)
	return nil
}

// CompletedReason is the status-change reason recorded by MarkComplete.
const CompletedReason = "all groups landed"

// MarkComplete moves an executing operation to completed.
func (l *Ledger) MarkComplete(ctx context.Context, id string) error {
	return l.Transition(ctx, id, ir.StatusCompleted, CompletedReason)
}

// Status returns the current status of an operation.
func (l *Ledger) Status(ctx context.Context, id string) (ir.Status, error) {
	op, err := l.store.ReadOperation(ctx, id)
	if err != nil {
		return "", err
	}
	return op.Status, nil
}

// AddRecord stamps rec with the operation id, the next sequence number,
// a content-derived id and the current time, and appends it.
func (l *Ledger) AddRecord(ctx context.Context, operationID string, rec ir.CompensationRecord) (ir.CompensationRecord, error) {
	rec.OperationID = operationID
	rec.Seq = l.seq.Next()
	rec.CreatedAt = l.now()
	id, err := ir.RecordID(operationID, rec.Seq, rec.Action, rec.Target)
	if err != nil {
		return ir.CompensationRecord{}, fmt.Errorf("add record: %w", err)
	}
	rec.ID = id
	if err := l.store.AppendRecord(ctx, rec); err != nil {
		return ir.CompensationRecord{}, fmt.Errorf("add record: %w", err)
	}
	return rec, nil
}

// RecordOutcome appends what is known about transaction txID.
func (l *Ledger) RecordOutcome(ctx context.Context, operationID, txID string, outcome ir.Outcome, detail string) error {
	err := l.store.AppendOutcome(ctx, ir.OutcomeEntry{
		OperationID: operationID,
		TxID:        txID,
		Outcome:     outcome,
		Detail:      detail,
		Seq:         l.seq.Next(),
		At:          l.now(),
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// Checkpoint appends a named checkpoint.
func (l *Ledger) Checkpoint(ctx context.Context, operationID, name, detail string) error {
	err := l.store.AppendCheckpoint(ctx, ir.Checkpoint{
		OperationID: operationID,
		Name:        name,
		Detail:      detail,
		Seq:         l.seq.Next(),
		At:          l.now(),
	})
	if err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	return nil
}

// Records returns the records of an operation in sequence order.
func (l *Ledger) Records(ctx context.Context, id string) ([]ir.CompensationRecord, error) {
	return l.store.ReadRecords(ctx, id)
}

// Exposed reports whether anything of an operation may be on the ledger:
// an off-chain effect, or a transaction whose latest outcome is not a
// definite failure.
func (l *Ledger) Exposed(ctx context.Context, id string) (bool, error) {
	records, err := l.store.ReadRecords(ctx, id)
	if err != nil {
		return false, err
	}
	outcomes, err := l.store.ReadOutcomes(ctx, id)
	if err != nil {
		return false, err
	}
	latest := latestOutcomes(outcomes)
	for _, rec := range records {
		if rec.TxID == "" || latest[rec.TxID].Outcome != ir.OutcomeFailed {
			return true, nil
		}
	}
	return false, nil
}

// History is everything recorded about one operation.
type History struct {
	Operation   ir.OperationRecord      `json:"operation"`
	Status      ir.Status               `json:"status"`
	Changes     []ir.StatusChange       `json:"changes"`
	Checkpoints []ir.Checkpoint         `json:"checkpoints"`
	Records     []ir.CompensationRecord `json:"records"`
	Outcomes    []ir.OutcomeEntry       `json:"outcomes"`
	Resolutions []ir.Resolution         `json:"resolutions"`
}

// History returns the full history of an operation.
func (l *Ledger) History(ctx context.Context, id string) (*History, error) {
	op, err := l.store.ReadOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	h := &History{Operation: op, Status: op.Status}
	if h.Changes, err = l.store.ReadStatusLog(ctx, id); err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	if h.Checkpoints, err = l.store.ReadCheckpoints(ctx, id); err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	if h.Records, err = l.store.ReadRecords(ctx, id); err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	if h.Outcomes, err = l.store.ReadOutcomes(ctx, id); err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	if h.Resolutions, err = l.store.ReadResolutions(ctx, id); err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	return h, nil
}

// latestOutcomes returns the last outcome per transaction id. outcomes
// must be in sequence order.
func latestOutcomes(outcomes []ir.OutcomeEntry) map[string]ir.OutcomeEntry {
	latest := make(map[string]ir.OutcomeEntry, len(outcomes))
	for _, o := range outcomes {
		latest[o.TxID] = o
	}
	return latest
}
