// Package storetest holds the conformance suite every compensation.Store
// implementation must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/ir"
)

// Run exercises a fresh store from newStore per subtest.
func Run(t *testing.T, newStore func(t *testing.T) compensation.Store) {
	t.Run("operations", func(t *testing.T) { testOperations(t, newStore(t)) })
	t.Run("records", func(t *testing.T) { testRecords(t, newStore(t)) })
	t.Run("resolutions", func(t *testing.T) { testResolutions(t, newStore(t)) })
	t.Run("logs", func(t *testing.T) { testLogs(t, newStore(t)) })
}

var at = time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)

func create(t *testing.T, s compensation.Store, id string) {
	t.Helper()
	require.NoError(t, s.CreateOperation(context.Background(), ir.OperationRecord{
		ID:        id,
		Kind:      ir.KindAssetCreation,
		Payer:     "payer",
		Status:    ir.StatusPending,
		Params:    []byte(`{"payer":"payer"}`),
		CreatedAt: at,
		UpdatedAt: at,
	}))
}

func testOperations(t *testing.T, s compensation.Store) {
	ctx := context.Background()
	_, err := s.ReadOperation(ctx, "missing")
	require.ErrorIs(t, err, compensation.ErrUnknownOperation)

	create(t, s, "op-1")
	require.ErrorIs(t, s.CreateOperation(ctx, ir.OperationRecord{ID: "op-1", Kind: ir.KindAssetCreation, Status: ir.StatusPending}),
		compensation.ErrOperationExists)

	got, err := s.ReadOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, ir.KindAssetCreation, got.Kind)
	assert.Equal(t, "payer", got.Payer)
	assert.JSONEq(t, `{"payer":"payer"}`, string(got.Params))
	assert.True(t, at.Equal(got.CreatedAt))

	require.NoError(t, s.UpdateStatus(ctx, ir.StatusChange{
		OperationID: "op-1", From: ir.StatusPending, To: ir.StatusValidating, Reason: "validate", Seq: 7, At: at.Add(time.Minute),
	}))
	got, err = s.ReadOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatusValidating, got.Status)
	assert.True(t, at.Add(time.Minute).Equal(got.UpdatedAt))

	require.ErrorIs(t, s.UpdateStatus(ctx, ir.StatusChange{OperationID: "nope", To: ir.StatusFailed, Seq: 8}),
		compensation.ErrUnknownOperation)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
}

func testRecords(t *testing.T, s compensation.Store) {
	ctx := context.Background()
	create(t, s, "op-1")

	rec := ir.CompensationRecord{
		ID: "r2", OperationID: "op-1", Seq: 2, Action: ir.ActionMint, Reversibility: ir.RequiresManualAction,
		Wallet: "payer", Target: "ata", Asset: "mint", Amount: 1 << 62, TxID: "tx-1", GroupIndex: 2,
		GroupLabel: ir.GroupMint, Method: ir.MethodSequential, Participant: true, Detail: "d", CreatedAt: at,
	}
	require.NoError(t, s.AppendRecord(ctx, rec))
	require.NoError(t, s.AppendRecord(ctx, rec), "appending the same record twice is a no-op")
	require.NoError(t, s.AppendRecord(ctx, ir.CompensationRecord{
		ID: "r1", OperationID: "op-1", Seq: 1, Action: ir.ActionMetadataUpload, Reversibility: ir.AutoReversible,
		Target: "ipfs://x", GroupIndex: -1, CreatedAt: at,
	}))

	records, err := s.ReadRecords(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "r1", records[0].ID)
	assert.Equal(t, -1, records[0].GroupIndex)
	got := records[1]
	assert.True(t, at.Equal(got.CreatedAt))
	got.CreatedAt = rec.CreatedAt
	assert.Equal(t, rec, got)

	require.NoError(t, s.AppendOutcome(ctx, ir.OutcomeEntry{OperationID: "op-1", TxID: "tx-1", Outcome: ir.OutcomePending, Seq: 3, At: at}))
	require.NoError(t, s.AppendOutcome(ctx, ir.OutcomeEntry{OperationID: "op-1", TxID: "tx-1", Outcome: ir.OutcomeLanded, Detail: "confirmed", Seq: 4, At: at}))
	outcomes, err := s.ReadOutcomes(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	assert.Equal(t, ir.OutcomeLanded, outcomes[1].Outcome)
	assert.Equal(t, "confirmed", outcomes[1].Detail)

	require.ErrorIs(t, s.AppendRecord(ctx, ir.CompensationRecord{ID: "x", OperationID: "missing", Seq: 9}),
		compensation.ErrUnknownOperation)
}

func testResolutions(t *testing.T, s compensation.Store) {
	ctx := context.Background()
	create(t, s, "op-1")

	first := ir.Resolution{RecordID: "r1", OperationID: "op-1", State: ir.ResolutionCompensated, Detail: "closed", TxID: "tx-close", Seq: 10, At: at}
	inserted, err := s.PutResolution(ctx, first)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = s.PutResolution(ctx, ir.Resolution{RecordID: "r1", OperationID: "op-1", State: ir.ResolutionSkipped, Seq: 11, At: at})
	require.NoError(t, err)
	assert.False(t, inserted, "a record is resolved at most once")

	res, err := s.ReadResolutions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, ir.ResolutionCompensated, res[0].State)
	assert.Equal(t, "tx-close", res[0].TxID)

	seq, err := s.MaxSeq(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seq, int64(10))
}

func testLogs(t *testing.T, s compensation.Store) {
	ctx := context.Background()
	create(t, s, "op-1")
	create(t, s, "op-2")

	require.NoError(t, s.AppendCheckpoint(ctx, ir.Checkpoint{OperationID: "op-1", Name: "group-confirmed", Detail: "1", Seq: 6, At: at}))
	require.NoError(t, s.AppendCheckpoint(ctx, ir.Checkpoint{OperationID: "op-1", Name: "group-confirmed", Detail: "0", Seq: 5, At: at}))
	require.NoError(t, s.AppendCheckpoint(ctx, ir.Checkpoint{OperationID: "op-2", Name: "bundle-landed", Seq: 4, At: at}))

	cps, err := s.ReadCheckpoints(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, cps, 2)
	assert.Equal(t, "0", cps[0].Detail)
	assert.Equal(t, "1", cps[1].Detail)

	require.NoError(t, s.UpdateStatus(ctx, ir.StatusChange{OperationID: "op-2", To: ir.StatusPending, Reason: "tracked", Seq: 1, At: at}))
	require.NoError(t, s.UpdateStatus(ctx, ir.StatusChange{OperationID: "op-2", From: ir.StatusPending, To: ir.StatusCancelled, Reason: "cancelled", Seq: 2, At: at}))
	log, err := s.ReadStatusLog(ctx, "op-2")
	require.NoError(t, err)
	require.Len(t, log, 2)
	assert.Equal(t, ir.Status(""), log[0].From)
	assert.Equal(t, ir.StatusCancelled, log[1].To)

	empty, err := s.ReadStatusLog(ctx, "op-1")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
