package compensation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

type fakeActions struct {
	accounts  map[string]bool // address -> empty
	statuses  map[string]chain.Confirmation
	uploadErr error
	closeErr  error

	closed   []string
	uploads  []string
	statusOf []string
}

func newFakeActions() *fakeActions {
	return &fakeActions{accounts: map[string]bool{}, statuses: map[string]chain.Confirmation{}}
}

func (f *fakeActions) AccountEmpty(_ context.Context, address string) (bool, error) {
	empty, ok := f.accounts[address]
	if !ok {
		return false, chain.NewError(chain.KindAccountNotFound, "account empty", "no account %s", address)
	}
	return empty, nil
}

func (f *fakeActions) CloseAccount(_ context.Context, account, _ string) (string, error) {
	if f.closeErr != nil {
		return "", f.closeErr
	}
	f.closed = append(f.closed, account)
	delete(f.accounts, account)
	return "close-" + account, nil
}

func (f *fakeActions) RollbackUpload(_ context.Context, uri string) (string, error) {
	f.uploads = append(f.uploads, uri)
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	return "removed", nil
}

func (f *fakeActions) TransactionStatus(_ context.Context, txID string) (chain.Confirmation, error) {
	f.statusOf = append(f.statusOf, txID)
	if s, ok := f.statuses[txID]; ok {
		return s, nil
	}
	return chain.NotFound, nil
}

type recorder struct {
	t  *testing.T
	l  *Ledger
	id string
}

func (r recorder) add(txID string, group int, label ir.GroupLabel, effects ...ir.Effect) {
	r.t.Helper()
	ctx := context.Background()
	_, err := r.l.AddRecord(ctx, r.id, ir.CompensationRecord{
		Action: ir.ActionTransactionAttempt, Reversibility: ir.NoActionNeeded,
		Target: txID, TxID: txID, GroupIndex: group, GroupLabel: label,
	})
	require.NoError(r.t, err)
	for _, eff := range effects {
		_, err := r.l.AddRecord(ctx, r.id, ir.CompensationRecord{
			Action: eff.Action, Reversibility: eff.Reversibility, Wallet: eff.Wallet,
			Target: eff.Target, Asset: eff.Asset, Amount: eff.Amount, Participant: eff.Participant,
			Detail: eff.Detail, TxID: txID, GroupIndex: group, GroupLabel: label,
		})
		require.NoError(r.t, err)
	}
	require.NoError(r.t, r.l.RecordOutcome(ctx, r.id, txID, ir.OutcomePending, ""))
}

func (r recorder) outcome(txID string, o ir.Outcome) {
	r.t.Helper()
	require.NoError(r.t, r.l.RecordOutcome(context.Background(), r.id, txID, o, ""))
}

// seedAssetCreation records a sequential asset creation where the
// create-account and metadata groups landed and the mint group failed.
func seedAssetCreation(t *testing.T, l *Ledger) {
	t.Helper()
	trackFailed(t, l, "op-1", &ir.AssetCreationParams{Payer: "payer", Decimals: 6})
	r := recorder{t: t, l: l, id: "op-1"}
	r.add("tx-create", 0, ir.GroupCreateAccount,
		ir.Effect{Action: ir.ActionAccountCreated, Reversibility: ir.AutoReversible, Wallet: "payer", Target: "mint", Asset: "mint"},
		ir.Effect{Action: ir.ActionAccountCreated, Reversibility: ir.AutoReversible, Wallet: "payer", Target: "ata", Asset: "mint"},
	)
	r.outcome("tx-create", ir.OutcomeLanded)
	r.add("tx-meta", 1, ir.GroupMetadata,
		ir.Effect{Action: ir.ActionMetadataRegister, Reversibility: ir.AutoReversible, Wallet: "payer", Target: "mint", Asset: "mint"},
	)
	r.outcome("tx-meta", ir.OutcomeLanded)
	r.add("tx-mint", 2, ir.GroupMint,
		ir.Effect{Action: ir.ActionMint, Reversibility: ir.RequiresManualAction, Wallet: "payer", Target: "ata", Asset: "mint", Amount: 1_000_000},
	)
	r.outcome("tx-mint", ir.OutcomeFailed)
}

func statesByAction(entries []Entry) map[ir.ActionType][]ir.ResolutionState {
	out := map[ir.ActionType][]ir.ResolutionState{}
	for _, e := range entries {
		out[e.Action] = append(out[e.Action], e.State)
	}
	return out
}

func TestRollbackAssetCreation(t *testing.T) {
	ctx := context.Background()
	actions := newFakeActions()
	actions.accounts["mint"] = true
	actions.accounts["ata"] = true
	var observed []Entry
	l := newTestLedger(t, NewMemoryStore(), WithActions(actions), WithRollbackObserver(func(_ string, e Entry) {
		observed = append(observed, e)
	}))
	seedAssetCreation(t, l)

	report, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Equal(t, ir.KindAssetCreation, report.Kind)
	assert.Empty(t, report.ManualActions)
	assert.Nil(t, report.ByWallet)

	// Newest first: the token account closes before its mint.
	assert.Equal(t, []string{"ata", "mint"}, actions.closed)
	assert.Empty(t, actions.statusOf)

	states := statesByAction(report.Entries)
	assert.Equal(t, []ir.ResolutionState{ir.ResolutionSkipped}, states[ir.ActionMint])
	assert.Equal(t, []ir.ResolutionState{ir.ResolutionCompensated, ir.ResolutionCompensated}, states[ir.ActionAccountCreated])
	assert.Equal(t, []ir.ResolutionState{ir.ResolutionCompensated}, states[ir.ActionMetadataRegister])
	assert.Len(t, states[ir.ActionTransactionAttempt], 3)

	last := report.Entries[len(report.Entries)-1]
	assert.Equal(t, ir.ActionMetadataRegister, last.Action, "metadata is judged after account closures")
	assert.Len(t, observed, len(report.Entries))

	status, err := l.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRolledBack, status)
}

func TestRollbackIsIdempotent(t *testing.T) {
	ctx := context.Background()
	actions := newFakeActions()
	actions.accounts["mint"] = true
	actions.accounts["ata"] = true
	l := newTestLedger(t, NewMemoryStore(), WithActions(actions))
	seedAssetCreation(t, l)

	first, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	second, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)

	assert.Len(t, actions.closed, 2, "no action runs twice")
	require.Len(t, second.Entries, len(first.Entries))
	for i := range first.Entries {
		assert.True(t, second.Entries[i].Replayed)
		assert.Equal(t, first.Entries[i].RecordID, second.Entries[i].RecordID)
		assert.Equal(t, first.Entries[i].State, second.Entries[i].State)
		assert.Equal(t, first.Entries[i].TxID, second.Entries[i].TxID)
	}
	assert.True(t, second.Complete)
}

func TestRollbackRefusesLiveOperation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, NewMemoryStore())
	require.NoError(t, l.TrackOperation(ctx, ir.NewOperation("op-1", &ir.DistributionParams{}, fixedNow)))

	_, err := l.Rollback(ctx, "op-1")
	require.ErrorIs(t, err, ErrNotRollbackable)

	_, err = l.Rollback(ctx, "missing")
	require.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRollbackVerifiesUncertainOutcomes(t *testing.T) {
	ctx := context.Background()
	actions := newFakeActions()
	actions.statuses["tx-a"] = chain.Confirmed
	actions.statuses["tx-c"] = chain.Pending
	l := newTestLedger(t, NewMemoryStore(), WithActions(actions))
	trackFailed(t, l, "op-1", &ir.DistributionParams{Sender: "alice", Mint: "mint"})
	r := recorder{t: t, l: l, id: "op-1"}

	transfer := func(to string) ir.Effect {
		return ir.Effect{Action: ir.ActionTransfer, Reversibility: ir.RequiresManualAction, Wallet: "alice", Target: to, Asset: "mint", Amount: 5}
	}
	r.add("tx-a", 0, ir.GroupTransfer, transfer("bob"))
	r.outcome("tx-a", ir.OutcomeUnknown)
	r.add("tx-b", 1, ir.GroupTransfer, transfer("carol"))
	r.add("tx-c", 2, ir.GroupTransfer, transfer("dave"))
	r.outcome("tx-c", ir.OutcomeUnknown)

	report, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, report.Complete)
	assert.ElementsMatch(t, []string{"tx-a", "tx-b", "tx-c"}, actions.statusOf)

	byTarget := map[string]Entry{}
	for _, e := range report.Entries {
		if e.Action == ir.ActionTransfer {
			byTarget[e.Target] = e
		}
	}
	assert.Equal(t, ir.ResolutionManual, byTarget["bob"].State, "confirmed transfer needs a manual return")
	assert.Equal(t, ir.ResolutionSkipped, byTarget["carol"].State, "dropped transfer never landed")
	assert.Equal(t, ir.ResolutionManual, byTarget["dave"].State)
	assert.Contains(t, byTarget["dave"].Detail, "unknown")
	assert.Len(t, report.ManualActions, 3, "bob's transfer plus the unverified attempt and transfer of tx-c")

	status, err := l.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusFailed, status, "an unverified outcome keeps the operation failed")

	outcomes, err := l.store.ReadOutcomes(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, ir.OutcomeLanded, latestOutcomes(outcomes)["tx-a"].Outcome, "verification is recorded")

	// Once the chain settles, a second rollback finishes the job.
	actions.statuses["tx-c"] = chain.Failed
	again, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, again.Complete)
	status, err = l.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRolledBack, status)
}

func TestRollbackMetadataUploadFailureIsNotEscalated(t *testing.T) {
	ctx := context.Background()
	actions := newFakeActions()
	actions.uploadErr = errors.New("storage offline")
	l := newTestLedger(t, NewMemoryStore(), WithActions(actions))
	trackFailed(t, l, "op-1", &ir.AssetCreationParams{Payer: "payer"})
	_, err := l.AddRecord(ctx, "op-1", ir.CompensationRecord{
		Action: ir.ActionMetadataUpload, Reversibility: ir.AutoReversible, Wallet: "payer", Target: "ipfs://meta", GroupIndex: -1,
	})
	require.NoError(t, err)

	report, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, report.Complete)
	require.Len(t, report.Entries, 1)
	assert.Equal(t, ir.ResolutionSkipped, report.Entries[0].State)
	assert.Contains(t, report.Entries[0].Detail, "storage offline")
	assert.Equal(t, []string{"ipfs://meta"}, actions.uploads)
}

func TestRollbackLeavesFundedAccountsToHumans(t *testing.T) {
	ctx := context.Background()
	actions := newFakeActions()
	actions.accounts["pool"] = false
	l := newTestLedger(t, NewMemoryStore(), WithActions(actions))
	trackFailed(t, l, "op-1", &ir.PoolCreationParams{Payer: "payer", Mint: "mint"})
	r := recorder{t: t, l: l, id: "op-1"}
	r.add("tx-pool", 0, ir.GroupCreatePool,
		ir.Effect{Action: ir.ActionAccountCreated, Reversibility: ir.AutoReversible, Wallet: "payer", Target: "pool", Asset: "mint"})
	r.outcome("tx-pool", ir.OutcomeLanded)
	r.add("tx-liq", 1, ir.GroupLiquidity,
		ir.Effect{Action: ir.ActionLiquidityMoved, Reversibility: ir.RequiresManualAction, Wallet: "payer", Target: "pool", Asset: "mint", Amount: 100},
		ir.Effect{Action: ir.ActionLiquidityMoved, Reversibility: ir.RequiresManualAction, Wallet: "payer", Target: "pool", Asset: chain.NativeAsset, Amount: 50})
	r.outcome("tx-liq", ir.OutcomeLanded)

	report, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, report.Complete)
	assert.Empty(t, actions.closed)
	require.Len(t, report.ManualActions, 3)
	assert.Contains(t, report.ManualActions[0].Description, "50 of native")
	assert.Contains(t, report.ManualActions[1].Description, "100 of mint")
	assert.Contains(t, report.ManualActions[2].Description, "still holds a balance")
}

func TestRollbackRetriesFailedActions(t *testing.T) {
	ctx := context.Background()
	actions := newFakeActions()
	actions.accounts["pool"] = true
	actions.closeErr = errors.New("rpc down")
	l := newTestLedger(t, NewMemoryStore(), WithActions(actions))
	trackFailed(t, l, "op-1", &ir.PoolCreationParams{Payer: "payer", Mint: "mint"})
	r := recorder{t: t, l: l, id: "op-1"}
	r.add("tx-pool", 0, ir.GroupCreatePool,
		ir.Effect{Action: ir.ActionAccountCreated, Reversibility: ir.AutoReversible, Wallet: "payer", Target: "pool", Asset: "mint"})
	r.outcome("tx-pool", ir.OutcomeLanded)

	report, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, report.Complete)
	var failed Entry
	for _, e := range report.Entries {
		if e.Action == ir.ActionAccountCreated {
			failed = e
		}
	}
	assert.Equal(t, "close account pool: rpc down", failed.Err)

	actions.closeErr = nil
	again, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, again.Complete)
	assert.Equal(t, []string{"pool"}, actions.closed)
	for _, e := range again.Entries {
		if e.Action == ir.ActionAccountCreated {
			assert.False(t, e.Replayed)
			assert.Equal(t, ir.ResolutionCompensated, e.State)
			assert.Equal(t, "close-pool", e.TxID)
		}
	}
}

func TestRollbackGroupsParticipantsByWallet(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, NewMemoryStore(), WithActions(newFakeActions()))
	trackFailed(t, l, "op-1", &ir.PoolCreationParams{Payer: "payer", Mint: "mint"})
	r := recorder{t: t, l: l, id: "op-1"}
	contribution := func(wallet string, amount uint64) ir.Effect {
		return ir.Effect{Action: ir.ActionTransfer, Reversibility: ir.RequiresManualAction, Wallet: wallet, Target: "payer", Amount: amount, Participant: true}
	}
	r.add("tx-c0", 0, ir.GroupContribution, contribution("p1", 10))
	r.outcome("tx-c0", ir.OutcomeLanded)
	r.add("tx-c1", 1, ir.GroupContribution, contribution("p2", 20))
	r.outcome("tx-c1", ir.OutcomeFailed)

	report, err := l.Rollback(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, report.ByWallet)
	require.Len(t, report.ByWallet["p1"], 1)
	assert.Equal(t, ir.ResolutionManual, report.ByWallet["p1"][0].State)
	assert.Contains(t, report.ByWallet["p1"][0].Detail, "from p1 to payer")
	require.Len(t, report.ByWallet["p2"], 1)
	assert.Equal(t, ir.ResolutionSkipped, report.ByWallet["p2"][0].State)
}
