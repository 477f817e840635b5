package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/ir"
)

// timeFormat is used for every stored timestamp. Timestamps are
// informational only; ordering always uses seq.
const timeFormat = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

// requireOperation returns ErrUnknownOperation if id has no row.
func (s *Store) requireOperation(ctx context.Context, id string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM operations WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", compensation.ErrUnknownOperation, id)
	}
	if err != nil {
		return fmt.Errorf("lookup operation: %w", err)
	}
	return nil
}

// CreateOperation inserts the operation header. A second insert of the
// same id returns ErrOperationExists.
func (s *Store) CreateOperation(ctx context.Context, op ir.OperationRecord) error {
	params := string(op.Params)
	if params == "" {
		params = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO operations (id, kind, payer, status, params, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		op.ID,
		string(op.Kind),
		op.Payer,
		string(op.Status),
		params,
		formatTime(op.CreatedAt),
		formatTime(op.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create operation: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("create operation: %w: %s", compensation.ErrOperationExists, op.ID)
	}
	return nil
}

// UpdateStatus sets the operation status and appends the change log entry
// in one transaction.
func (s *Store) UpdateStatus(ctx context.Context, change ir.StatusChange) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE operations SET status = ?, updated_at = ? WHERE id = ?
	`, string(change.To), formatTime(change.At), change.OperationID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("update status: %w: %s", compensation.ErrUnknownOperation, change.OperationID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO status_log (operation_id, from_status, to_status, reason, seq, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		change.OperationID,
		string(change.From),
		string(change.To),
		change.Reason,
		change.Seq,
		formatTime(change.At),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// AppendRecord inserts a compensation record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - a record written twice
// is stored once.
//
// Amounts are stored as decimal text because SQLite integers are signed.
func (s *Store) AppendRecord(ctx context.Context, rec ir.CompensationRecord) error {
	if err := s.requireOperation(ctx, rec.OperationID); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records
		(id, operation_id, seq, action, reversibility, wallet, target, asset, amount,
		 tx_id, group_index, group_label, method, participant, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.OperationID,
		rec.Seq,
		string(rec.Action),
		string(rec.Reversibility),
		rec.Wallet,
		rec.Target,
		rec.Asset,
		strconv.FormatUint(rec.Amount, 10),
		rec.TxID,
		rec.GroupIndex,
		string(rec.GroupLabel),
		string(rec.Method),
		rec.Participant,
		rec.Detail,
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	return nil
}

// AppendOutcome appends an observation about a transaction.
func (s *Store) AppendOutcome(ctx context.Context, o ir.OutcomeEntry) error {
	if err := s.requireOperation(ctx, o.OperationID); err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outcomes (operation_id, tx_id, outcome, detail, seq, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, o.OperationID, o.TxID, string(o.Outcome), o.Detail, o.Seq, formatTime(o.At))
	if err != nil {
		return fmt.Errorf("append outcome: %w", err)
	}
	return nil
}

// AppendCheckpoint appends a checkpoint.
func (s *Store) AppendCheckpoint(ctx context.Context, c ir.Checkpoint) error {
	if err := s.requireOperation(ctx, c.OperationID); err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (operation_id, name, detail, seq, at)
		VALUES (?, ?, ?, ?, ?)
	`, c.OperationID, c.Name, c.Detail, c.Seq, formatTime(c.At))
	if err != nil {
		return fmt.Errorf("append checkpoint: %w", err)
	}
	return nil
}

// PutResolution stores r unless its record is already resolved.
// ON CONFLICT(record_id) DO NOTHING makes a replayed rollback a no-op.
func (s *Store) PutResolution(ctx context.Context, r ir.Resolution) (bool, error) {
	if err := s.requireOperation(ctx, r.OperationID); err != nil {
		return false, fmt.Errorf("put resolution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO resolutions (record_id, operation_id, state, detail, tx_id, seq, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(record_id) DO NOTHING
	`, r.RecordID, r.OperationID, string(r.State), r.Detail, r.TxID, r.Seq, formatTime(r.At))
	if err != nil {
		return false, fmt.Errorf("put resolution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("put resolution: %w", err)
	}
	return n > 0, nil
}
