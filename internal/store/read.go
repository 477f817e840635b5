package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/ir"
)

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// ReadOperation returns the operation header.
func (s *Store) ReadOperation(ctx context.Context, id string) (ir.OperationRecord, error) {
	var (
		op               ir.OperationRecord
		kind, status     string
		params           string
		created, updated string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, payer, status, params, created_at, updated_at
		FROM operations
		WHERE id = ?
	`, id).Scan(&op.ID, &kind, &op.Payer, &status, &params, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.OperationRecord{}, fmt.Errorf("read operation: %w: %s", compensation.ErrUnknownOperation, id)
	}
	if err != nil {
		return ir.OperationRecord{}, fmt.Errorf("read operation: %w", err)
	}
	op.Kind = ir.OperationKind(kind)
	op.Status = ir.Status(status)
	op.Params = json.RawMessage(params)
	if op.CreatedAt, err = parseTime(created); err != nil {
		return ir.OperationRecord{}, fmt.Errorf("read operation: %w", err)
	}
	if op.UpdatedAt, err = parseTime(updated); err != nil {
		return ir.OperationRecord{}, fmt.Errorf("read operation: %w", err)
	}
	return op, nil
}

// ReadRecords returns an operation's records.
// Ordered deterministically: ORDER BY seq ASC, id COLLATE BINARY ASC.
func (s *Store) ReadRecords(ctx context.Context, id string) ([]ir.CompensationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, seq, action, reversibility, wallet, target, asset, amount,
		       tx_id, group_index, group_label, method, participant, detail, created_at
		FROM records
		WHERE operation_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []ir.CompensationRecord
	for rows.Next() {
		var (
			rec                          ir.CompensationRecord
			action, reversibility, label string
			method, amount, created      string
		)
		err := rows.Scan(&rec.ID, &rec.OperationID, &rec.Seq, &action, &reversibility,
			&rec.Wallet, &rec.Target, &rec.Asset, &amount, &rec.TxID, &rec.GroupIndex,
			&label, &method, &rec.Participant, &rec.Detail, &created)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Action = ir.ActionType(action)
		rec.Reversibility = ir.Reversibility(reversibility)
		rec.GroupLabel = ir.GroupLabel(label)
		rec.Method = ir.Method(method)
		if rec.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return nil, fmt.Errorf("scan record %s amount: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("scan record %s: %w", rec.ID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// ReadOutcomes returns an operation's outcome entries in seq order.
func (s *Store) ReadOutcomes(ctx context.Context, id string) ([]ir.OutcomeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, tx_id, outcome, detail, seq, at
		FROM outcomes
		WHERE operation_id = ?
		ORDER BY seq ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	var out []ir.OutcomeEntry
	for rows.Next() {
		var (
			o           ir.OutcomeEntry
			outcome, at string
		)
		if err := rows.Scan(&o.OperationID, &o.TxID, &outcome, &o.Detail, &o.Seq, &at); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Outcome = ir.Outcome(outcome)
		if o.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return out, nil
}

// ReadResolutions returns an operation's resolutions in seq order.
func (s *Store) ReadResolutions(ctx context.Context, id string) ([]ir.Resolution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, operation_id, state, detail, tx_id, seq, at
		FROM resolutions
		WHERE operation_id = ?
		ORDER BY seq ASC, record_id COLLATE BINARY ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query resolutions: %w", err)
	}
	defer rows.Close()

	var out []ir.Resolution
	for rows.Next() {
		var (
			r         ir.Resolution
			state, at string
		)
		if err := rows.Scan(&r.RecordID, &r.OperationID, &state, &r.Detail, &r.TxID, &r.Seq, &at); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		r.State = ir.ResolutionState(state)
		if r.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("scan resolution: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resolutions: %w", err)
	}
	return out, nil
}

// ReadCheckpoints returns an operation's checkpoints in seq order.
func (s *Store) ReadCheckpoints(ctx context.Context, id string) ([]ir.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, name, detail, seq, at
		FROM checkpoints
		WHERE operation_id = ?
		ORDER BY seq ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints: %w", err)
	}
	defer rows.Close()

	var out []ir.Checkpoint
	for rows.Next() {
		var (
			c  ir.Checkpoint
			at string
		)
		if err := rows.Scan(&c.OperationID, &c.Name, &c.Detail, &c.Seq, &at); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		if c.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return out, nil
}

// ReadStatusLog returns an operation's status changes in seq order.
func (s *Store) ReadStatusLog(ctx context.Context, id string) ([]ir.StatusChange, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, from_status, to_status, reason, seq, at
		FROM status_log
		WHERE operation_id = ?
		ORDER BY seq ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query status log: %w", err)
	}
	defer rows.Close()

	var out []ir.StatusChange
	for rows.Next() {
		var (
			c            ir.StatusChange
			from, to, at string
		)
		if err := rows.Scan(&c.OperationID, &from, &to, &c.Reason, &c.Seq, &at); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		c.From = ir.Status(from)
		c.To = ir.Status(to)
		if c.At, err = parseTime(at); err != nil {
			return nil, fmt.Errorf("scan status change: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status log: %w", err)
	}
	return out, nil
}

// MaxSeq returns the highest seq stored in any table, or 0.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT seq FROM records
			UNION ALL SELECT seq FROM outcomes
			UNION ALL SELECT seq FROM resolutions
			UNION ALL SELECT seq FROM checkpoints
			UNION ALL SELECT seq FROM status_log
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return seq, nil
}

// ListOperations returns operation headers, newest first, optionally
// filtered by status.
func (s *Store) ListOperations(ctx context.Context, status ir.Status) ([]ir.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM operations
		WHERE ? = '' OR status = ?
		ORDER BY created_at DESC, id COLLATE BINARY ASC
	`, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan operation id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}

	ops := make([]ir.OperationRecord, 0, len(ids))
	for _, id := range ids {
		op, err := s.ReadOperation(ctx, id)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}
