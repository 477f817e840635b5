package compensation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// Actions are the chain operations rollback performs.
type Actions interface {
	// AccountEmpty reports whether an account holds nothing. A missing
	// account is a KindAccountNotFound error.
	AccountEmpty(ctx context.Context, address string) (bool, error)
	// CloseAccount closes an empty account, returning rent to owner, and
	// returns the confirmed transaction id.
	CloseAccount(ctx context.Context, account, owner string) (string, error)
	RollbackUpload(ctx context.Context, uri string) (string, error)
	TransactionStatus(ctx context.Context, txID string) (chain.Confirmation, error)
}

var errNoActions = errors.New("no chain actions configured")

type noActions struct{}

func (noActions) AccountEmpty(context.Context, string) (bool, error) { return false, errNoActions }
func (noActions) CloseAccount(context.Context, string, string) (string, error) {
	return "", errNoActions
}
func (noActions) RollbackUpload(context.Context, string) (string, error) { return "", errNoActions }
func (noActions) TransactionStatus(context.Context, string) (chain.Confirmation, error) {
	return "", errNoActions
}

// ErrNotRollbackable is returned when rollback is requested for an
// operation that has not failed.
var ErrNotRollbackable = errors.New("operation is not rollbackable")

// Entry is the rollback result for one record.
type Entry struct {
	RecordID    string             `json:"record_id"`
	Action      ir.ActionType      `json:"action"`
	Wallet      string             `json:"wallet,omitempty"`
	Target      string             `json:"target,omitempty"`
	Asset       string             `json:"asset,omitempty"`
	Amount      uint64             `json:"amount,omitempty"`
	GroupIndex  int                `json:"group_index"`
	GroupLabel  ir.GroupLabel      `json:"group_label,omitempty"`
	Participant bool               `json:"participant,omitempty"`
	State       ir.ResolutionState `json:"state"`
	Detail      string             `json:"detail,omitempty"`
	TxID        string             `json:"tx_id,omitempty"`

	// Replayed marks an entry resolved by an earlier rollback.
	Replayed bool `json:"replayed,omitempty"`

	// Err is set when a compensation action failed. Such entries are not
	// persisted and are retried by the next rollback.
	Err string `json:"error,omitempty"`
}

// ManualAction is a side effect that needs a human.
type ManualAction struct {
	RecordID    string        `json:"record_id"`
	Action      ir.ActionType `json:"action"`
	Wallet      string        `json:"wallet,omitempty"`
	Target      string        `json:"target,omitempty"`
	Asset       string        `json:"asset,omitempty"`
	Amount      uint64        `json:"amount,omitempty"`
	Description string        `json:"description"`
}

// RollbackReport is the result of a rollback.
type RollbackReport struct {
	OperationID   string             `json:"operation_id"`
	Kind          ir.OperationKind   `json:"kind"`
	Entries       []Entry            `json:"entries"`
	ManualActions []ManualAction     `json:"manual_actions,omitempty"`
	ByWallet      map[string][]Entry `json:"by_wallet,omitempty"`

	// Complete is true when every record has a persisted resolution.
	Complete bool `json:"complete"`
}

// Compensated returns the entries rolled back automatically.
func (r *RollbackReport) Compensated() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.State == ir.ResolutionCompensated {
			out = append(out, e)
		}
	}
	return out
}

// Rollback compensates a failed operation. Records are processed newest
// first. Records whose transaction never landed are skipped; pending or
// unknown outcomes are verified on-chain first. Every resolution is
// persisted, so calling Rollback again replays the stored result without
// touching the chain.
func (l *Ledger) Rollback(ctx context.Context, id string) (*RollbackReport, error) {
	defer l.lock(id)()

	op, err := l.store.ReadOperation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", id, err)
	}
	if op.Status != ir.StatusFailed && op.Status != ir.StatusRolledBack {
		return nil, fmt.Errorf("rollback %s: %w: status %s", id, ErrNotRollbackable, op.Status)
	}

	records, err := l.store.ReadRecords(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", id, err)
	}
	outcomes, err := l.store.ReadOutcomes(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", id, err)
	}
	resolutions, err := l.store.ReadResolutions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("rollback %s: %w", id, err)
	}

	r := &rollback{
		ledger:   l,
		id:       id,
		latest:   latestOutcomes(outcomes),
		verified: map[string]landing{},
		resolved: map[string]ir.Resolution{},
		closed:   map[string]bool{},
		targets:  map[string]ir.CompensationRecord{},
	}
	for _, res := range resolutions {
		r.resolved[res.RecordID] = res
	}
	for _, rec := range records {
		if rec.Action == ir.ActionAccountCreated {
			r.targets[rec.ID] = rec
		}
	}
	for _, res := range resolutions {
		if rec, ok := r.targets[res.RecordID]; ok && res.State == ir.ResolutionCompensated {
			r.closed[rec.Target] = true
		}
	}

	report := &RollbackReport{OperationID: id, Kind: op.Kind, Complete: true}
	var deferred []ir.CompensationRecord
	for _, rec := range slices.Backward(records) {
		if rec.Action == ir.ActionMetadataRegister {
			deferred = append(deferred, rec)
			continue
		}
		e, err := r.resolve(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("rollback %s: %w", id, err)
		}
		report.add(e)
	}
	// Registered metadata goes away with its account, so it is judged
	// after every account closure has been attempted.
	for _, rec := range deferred {
		e, err := r.resolve(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("rollback %s: %w", id, err)
		}
		report.add(e)
	}
	report.Complete = !r.incomplete

	if hasParticipants(records) {
		report.ByWallet = map[string][]Entry{}
		for _, e := range report.Entries {
			if e.Wallet != "" {
				report.ByWallet[e.Wallet] = append(report.ByWallet[e.Wallet], e)
			}
		}
	}

	if report.Complete && op.Status == ir.StatusFailed {
		if err := l.transition(ctx, id, ir.StatusRolledBack, "rollback complete"); err != nil {
			return nil, fmt.Errorf("rollback %s: %w", id, err)
		}
	}
	l.logger.Info("rollback finished",
		"operation_id", id,
		"entries", len(report.Entries),
		"compensated", len(report.Compensated()),
		"manual", len(report.ManualActions),
		"complete", report.Complete)
	return report, nil
}

func (rep *RollbackReport) add(e Entry) {
	rep.Entries = append(rep.Entries, e)
	if e.State == ir.ResolutionManual {
		rep.ManualActions = append(rep.ManualActions, ManualAction{
			RecordID:    e.RecordID,
			Action:      e.Action,
			Wallet:      e.Wallet,
			Target:      e.Target,
			Asset:       e.Asset,
			Amount:      e.Amount,
			Description: e.Detail,
		})
	}
}

func hasParticipants(records []ir.CompensationRecord) bool {
	for _, rec := range records {
		if rec.Participant {
			return true
		}
	}
	return false
}

type landing int

const (
	landed landing = iota
	notLanded
	unverified
)

// rollback is the state of one Rollback call.
type rollback struct {
	ledger     *Ledger
	id         string
	latest     map[string]ir.OutcomeEntry
	verified   map[string]landing
	resolved   map[string]ir.Resolution
	closed     map[string]bool
	targets    map[string]ir.CompensationRecord
	incomplete bool
}

func entryFor(rec ir.CompensationRecord) Entry {
	return Entry{
		RecordID:    rec.ID,
		Action:      rec.Action,
		Wallet:      rec.Wallet,
		Target:      rec.Target,
		Asset:       rec.Asset,
		Amount:      rec.Amount,
		GroupIndex:  rec.GroupIndex,
		GroupLabel:  rec.GroupLabel,
		Participant: rec.Participant,
	}
}

// resolve produces the entry for rec, running at most one compensation
// action and persisting the resolution unless the outcome is uncertain.
func (r *rollback) resolve(ctx context.Context, rec ir.CompensationRecord) (Entry, error) {
	e := entryFor(rec)
	if res, ok := r.resolved[rec.ID]; ok {
		e.State = res.State
		e.Detail = res.Detail
		e.TxID = res.TxID
		e.Replayed = true
		return e, nil
	}

	l := r.ledger
	switch r.landing(ctx, rec) {
	case notLanded:
		return r.persist(ctx, e, ir.ResolutionSkipped, "transaction never landed", "")
	case unverified:
		r.incomplete = true
		e.State = ir.ResolutionManual
		e.Detail = fmt.Sprintf("outcome of transaction %s is unknown; verify on-chain before retrying", rec.TxID)
		return e, nil
	}

	switch rec.Reversibility {
	case ir.NoActionNeeded:
		return r.persist(ctx, e, ir.ResolutionSkipped, "no action needed", "")
	case ir.RequiresManualAction:
		return r.persist(ctx, e, ir.ResolutionManual, manualDescription(rec), "")
	}

	switch rec.Action {
	case ir.ActionAccountCreated:
		empty, err := l.actions.AccountEmpty(ctx, rec.Target)
		switch {
		case chain.IsKind(err, chain.KindAccountNotFound):
			return r.persist(ctx, e, ir.ResolutionSkipped, "account no longer exists", "")
		case err != nil:
			return r.failed(e, fmt.Errorf("check account %s: %w", rec.Target, err)), nil
		case !empty:
			return r.persist(ctx, e, ir.ResolutionManual,
				fmt.Sprintf("account %s still holds a balance; drain and close it manually", rec.Target), "")
		}
		txID, err := l.actions.CloseAccount(ctx, rec.Target, rec.Wallet)
		if err != nil {
			return r.failed(e, fmt.Errorf("close account %s: %w", rec.Target, err)), nil
		}
		r.closed[rec.Target] = true
		return r.persist(ctx, e, ir.ResolutionCompensated, "closed account "+rec.Target, txID)

	case ir.ActionMetadataRegister:
		if r.closed[rec.Target] {
			return r.persist(ctx, e, ir.ResolutionCompensated, "removed with account "+rec.Target, "")
		}
		return r.persist(ctx, e, ir.ResolutionManual,
			fmt.Sprintf("metadata remains registered on %s", rec.Target), "")

	case ir.ActionMetadataUpload:
		receipt, err := l.actions.RollbackUpload(ctx, rec.Target)
		if err != nil {
			l.logger.Warn("metadata rollback failed",
				"operation_id", r.id,
				"uri", rec.Target,
				"error", err)
			return r.persist(ctx, e, ir.ResolutionSkipped, "metadata rollback failed: "+err.Error(), "")
		}
		return r.persist(ctx, e, ir.ResolutionCompensated, "metadata upload removed", receipt)
	}
	return r.persist(ctx, e, ir.ResolutionManual, manualDescription(rec), "")
}

// landing decides whether rec's transaction reached the ledger. Records
// without a transaction describe off-chain effects that already happened.
func (r *rollback) landing(ctx context.Context, rec ir.CompensationRecord) landing {
	if rec.TxID == "" {
		return landed
	}
	if v, ok := r.verified[rec.TxID]; ok {
		return v
	}
	v := r.check(ctx, rec.TxID)
	r.verified[rec.TxID] = v
	return v
}

func (r *rollback) check(ctx context.Context, txID string) landing {
	o, ok := r.latest[txID]
	if ok {
		switch o.Outcome {
		case ir.OutcomeLanded:
			return landed
		case ir.OutcomeFailed:
			return notLanded
		}
	}
	l := r.ledger
	status, err := l.actions.TransactionStatus(ctx, txID)
	if err != nil {
		l.logger.Warn("transaction status check failed", "operation_id", r.id, "tx", txID, "error", err)
		return unverified
	}
	var outcome ir.Outcome
	v := unverified
	switch status {
	case chain.Confirmed:
		outcome, v = ir.OutcomeLanded, landed
	case chain.Failed, chain.NotFound:
		outcome, v = ir.OutcomeFailed, notLanded
	default:
		return unverified
	}
	if err := l.RecordOutcome(ctx, r.id, txID, outcome, "verified on-chain"); err != nil {
		l.logger.Error("failed to record verified outcome", "operation_id", r.id, "tx", txID, "error", err)
	}
	return v
}

func (r *rollback) persist(ctx context.Context, e Entry, state ir.ResolutionState, detail, txID string) (Entry, error) {
	l := r.ledger
	res := ir.Resolution{
		RecordID:    e.RecordID,
		OperationID: r.id,
		State:       state,
		Detail:      detail,
		TxID:        txID,
		Seq:         l.seq.Next(),
		At:          l.now(),
	}
	if _, err := l.store.PutResolution(ctx, res); err != nil {
		return Entry{}, fmt.Errorf("persist resolution: %w", err)
	}
	e.State = state
	e.Detail = detail
	e.TxID = txID
	if l.observer != nil {
		l.observer(r.id, e)
	}
	return e, nil
}

// failed reports an action that could not run. The record stays
// unresolved so a later rollback retries it.
func (r *rollback) failed(e Entry, err error) Entry {
	l := r.ledger
	r.incomplete = true
	e.State = ir.ResolutionManual
	e.Detail = fmt.Sprintf("compensation failed, retry rollback or resolve manually: %v", err)
	e.Err = err.Error()
	l.logger.Warn("compensation action failed", "operation_id", r.id, "record", e.RecordID, "error", err)
	if l.observer != nil {
		l.observer(r.id, e)
	}
	return e
}

func manualDescription(rec ir.CompensationRecord) string {
	asset := rec.Asset
	if asset == chain.NativeAsset {
		asset = "native"
	}
	switch rec.Action {
	case ir.ActionMint:
		return fmt.Sprintf("minted %d of %s to %s; burn manually if unwanted", rec.Amount, asset, rec.Target)
	case ir.ActionTransfer:
		return fmt.Sprintf("transferred %d of %s from %s to %s; request a return transfer", rec.Amount, asset, rec.Wallet, rec.Target)
	case ir.ActionLiquidityMoved:
		return fmt.Sprintf("moved %d of %s into pool %s; withdraw the liquidity manually", rec.Amount, asset, rec.Target)
	case ir.ActionMetadataUpdated:
		return fmt.Sprintf("metadata of %s was updated; restore the previous metadata manually", rec.Target)
	case ir.ActionAuthorityRevoked:
		return fmt.Sprintf("%s on %s", rec.Detail, rec.Target)
	}
	return fmt.Sprintf("%s on %s needs manual review", rec.Action, rec.Target)
}
