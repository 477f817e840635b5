package orchestrator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/config"
	"github.com/roach88/ledgerops/internal/ir"
)

func labels(groups []GroupResult) []ir.GroupLabel {
	out := make([]ir.GroupLabel, len(groups))
	for i, g := range groups {
		out[i] = g.Label
	}
	return out
}

func submittedBy(sim *simchain.Chain, method ir.Method) []simchain.Submission {
	var out []simchain.Submission
	for _, s := range sim.Submitted() {
		if s.Method == method {
			out = append(out, s)
		}
	}
	return out
}

func TestAssetCreationLandsAtomically(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, "op-1", res.OperationID)
	assert.Equal(t, ir.StatusCompleted, res.Status)
	assert.Equal(t, ir.MethodAtomic, res.Method)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.FellBack)
	require.Len(t, res.IDs, 3)
	assert.Equal(t, []ir.GroupLabel{ir.GroupCreateAccount, ir.GroupMetadata, ir.GroupMint}, labels(res.Groups))
	for i, g := range res.Groups {
		assert.True(t, g.Landed)
		assert.Equal(t, res.IDs[i], g.TxID)
	}

	calls := f.sim.Calls()
	assert.Equal(t, 1, calls.Bundles)
	assert.Zero(t, calls.SubmitOne)

	mint, ok := f.sim.Mint(createdMint(t, f, res.OperationID))
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000_000), mint.Supply)
	assert.Equal(t, "LDG", mint.Metadata["symbol"])

	assert.Equal(t, []EventType{
		EventOperationStarted,
		EventStatusChanged,
		EventStatusChanged,
		EventAttemptStarted,
		EventGroupConfirmed,
		EventGroupConfirmed,
		EventGroupConfirmed,
		EventStatusChanged,
	}, f.events.Types())
}

func TestRejectedBundlesFallBackAndCompensate(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.sim.RejectBundles(3)
	f.sim.FailGroup(ir.GroupMint, simchain.Failure{Stage: simchain.StageExecute, Message: "mint instruction failed"})

	params := f.assetParams()
	params.MetadataUploaded = true

	res, err := f.orch.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, res.Success)

	assert.Equal(t, chain.KindProgramError, res.ErrorKind)
	assert.True(t, res.FellBack)
	assert.Equal(t, ir.MethodSequential, res.Method)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, 3, f.sim.Calls().Bundles)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, f.sleeper.Delays())

	// create-account and metadata landed on their own; mint did not.
	require.Len(t, res.IDs, 2)
	assert.True(t, res.Groups[0].Landed)
	assert.True(t, res.Groups[1].Landed)
	assert.False(t, res.Groups[2].Landed)
	assert.True(t, res.Groups[2].Attempted)
	assert.Equal(t, "mint instruction failed", f.sim.FailureReason(res.Groups[2].TxID))

	require.NotNil(t, res.Rollback)
	assert.True(t, res.Rollback.Complete)
	assert.Empty(t, res.ManualActions)
	assert.Equal(t, ir.StatusRolledBack, res.Status)

	compensated := map[ir.ActionType]int{}
	for _, e := range res.Rollback.Compensated() {
		compensated[e.Action]++
	}
	assert.Equal(t, map[ir.ActionType]int{
		ir.ActionAccountCreated:   2,
		ir.ActionMetadataRegister: 1,
		ir.ActionMetadataUpload:   1,
	}, compensated)
	assert.Equal(t, []string{params.Metadata.URI}, f.sim.MetadataRollbacks())

	mint := createdMint(t, f, res.OperationID)
	_, exists := f.sim.Mint(mint)
	assert.False(t, exists, "mint account closed")

	closes := submittedBy(f.sim, ir.MethodSequential)
	var closeCount int
	for _, s := range closes {
		if s.GroupLabel == ir.GroupCloseAccount {
			closeCount++
		}
	}
	assert.Equal(t, 2, closeCount)

	status, err := f.orch.Ledger().Status(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusRolledBack, status)
}

func TestFallbackSubmitsEveryGroupInOrder(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.sim.RejectBundles(10)

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, ir.MethodSequential, res.Method)
	assert.True(t, res.FellBack)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, uint64(22_500), res.Fee)
	require.Len(t, res.IDs, 3)

	seq := submittedBy(f.sim, ir.MethodSequential)
	require.Len(t, seq, 3)
	for i, s := range seq {
		assert.Equal(t, i, s.GroupIndex)
		assert.Equal(t, res.IDs[i], s.TxID)
		assert.Equal(t, uint64(22_500), s.Fee)
	}

	var escalations, fallbacks int
	for _, ev := range f.events.Events() {
		switch ev.Type {
		case EventFeeEscalated:
			escalations++
		case EventFallingBack:
			fallbacks++
			assert.Equal(t, chain.KindBundleRejected, ev.ErrorKind)
		}
	}
	assert.Equal(t, 2, escalations)
	assert.Equal(t, 1, fallbacks)

	h, err := f.orch.GetOperationHistory(context.Background(), res.OperationID)
	require.NoError(t, err)
	var switched int
	for _, cp := range h.Checkpoints {
		if cp.Name == CheckpointMethodSwitched {
			switched++
			assert.Equal(t, "atomic -> sequential", cp.Detail)
		}
	}
	assert.Equal(t, 1, switched)
}

func TestSequentialRetryResubmitsOnlyPendingGroups(t *testing.T) {
	f := newFixture(t, fixtureOptions{noAtomic: true})
	f.sim.FailGroup(ir.GroupMint, simchain.Failure{Stage: simchain.StageSubmit, Kind: chain.KindTransportError, Times: 1})

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.IDs, 3)

	var perGroup [3]int
	for _, s := range f.sim.Submitted() {
		perGroup[s.GroupIndex]++
	}
	assert.Equal(t, [3]int{1, 1, 2}, perGroup)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, f.sleeper.Delays())
}

func mintSubmissions(sim *simchain.Chain) int {
	var n int
	for _, s := range sim.Submitted() {
		if s.GroupLabel == ir.GroupMint {
			n++
		}
	}
	return n
}

func TestLostSubmissionIsVerifiedNotResent(t *testing.T) {
	f := newFixture(t, fixtureOptions{noAtomic: true})
	f.sim.FailGroup(ir.GroupMint, simchain.Failure{Stage: simchain.StageLost, Message: "connection reset", Times: 1})

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.IDs, 3)
	assert.True(t, res.Groups[2].Landed)

	assert.Equal(t, 1, mintSubmissions(f.sim), "a transaction that may have landed is checked, not re-sent")
	assert.Equal(t, 1, f.sim.Calls().StatusChecks)
	mint, ok := f.sim.Mint(createdMint(t, f, res.OperationID))
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000_000), mint.Supply)

	h, err := f.orch.GetOperationHistory(context.Background(), res.OperationID)
	require.NoError(t, err)
	last := h.Outcomes[len(h.Outcomes)-1]
	assert.Equal(t, res.IDs[2], last.TxID)
	assert.Equal(t, ir.OutcomeLanded, last.Outcome)
	assert.Equal(t, "verified before retry", last.Detail)
}

func TestConfirmationTimeoutIsNeverResent(t *testing.T) {
	cfg := config.Default()
	cfg.AtomicChannel = false
	cfg.Polling.MaxPolls = 2
	f := newFixture(t, fixtureOptions{noAtomic: true, opts: []Option{WithConfig(cfg)}})
	f.sim.FailGroup(ir.GroupMint, simchain.Failure{Stage: simchain.StageDelay, PendingPolls: 5, Times: 1})

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, chain.KindConfirmationTimeout, res.ErrorKind)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, mintSubmissions(f.sim))

	// Rollback found the mint on-chain: it is reported for manual
	// handling and the supply was minted exactly once.
	mint, ok := f.sim.Mint(createdMint(t, f, res.OperationID))
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000_000), mint.Supply)
	require.NotNil(t, res.Rollback)
	var manualMint bool
	for _, a := range res.ManualActions {
		if a.Action == ir.ActionMint {
			manualMint = true
		}
	}
	assert.True(t, manualMint, "landed mint is a manual action")
}

func TestValidationFailureSubmitsNothing(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	params := f.assetParams()
	params.Metadata.Symbol = ""
	params.Decimals = 12

	res, err := f.orch.Execute(context.Background(), params)
	require.NoError(t, err)
	require.False(t, res.Success)

	assert.Equal(t, ir.StatusFailed, res.Status)
	assert.Equal(t, chain.KindValidation, res.ErrorKind)
	assert.Len(t, res.Violations, 2)
	assert.Empty(t, res.IDs)
	assert.Nil(t, res.Rollback)
	assert.Zero(t, f.sim.Calls().Signs)
	assert.Empty(t, f.sim.Submitted())
}

func TestInsufficientBalanceIsViolation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	params := f.assetParams()
	params.Payer = f.sim.Fund("poor", 1_000)

	res, err := f.orch.Execute(context.Background(), params)
	require.NoError(t, err)
	assert.Equal(t, chain.KindValidation, res.ErrorKind)
	require.NotEmpty(t, res.Violations)
	assert.Equal(t, "params.payer", res.Violations[0].Field)
}

func TestSigningFailureIsNotRolledBack(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.sim.DenySigner(f.payer)

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.False(t, res.Success)

	assert.Equal(t, chain.KindSigning, res.ErrorKind)
	assert.True(t, chain.IsKind(res.Err, chain.KindSigning))
	assert.Equal(t, res.Err.Error(), res.Error)
	assert.Equal(t, ir.StatusFailed, res.Status)
	assert.Equal(t, 1, res.Attempts)
	assert.Nil(t, res.Rollback)
	assert.Empty(t, f.sim.Submitted())
}

func TestCancelledBeforeValidation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.orch.Execute(ctx, f.assetParams())
	require.NoError(t, err)
	assert.Equal(t, ir.StatusCancelled, res.Status)
	assert.Equal(t, chain.KindCancelled, res.ErrorKind)
	assert.Empty(t, f.sim.Submitted())

	status, err := f.orch.Ledger().Status(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, ir.StatusCancelled, status)
}

func TestCancelledDuringBackoff(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	f.sim.RejectBundles(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sleeper.OnSleep = func(int) { cancel() }

	res, err := f.orch.Execute(ctx, f.assetParams())
	require.NoError(t, err)
	require.False(t, res.Success)

	assert.Equal(t, chain.KindCancelled, res.ErrorKind)
	assert.Equal(t, ir.StatusCancelled, res.Status)
	assert.Equal(t, 1, f.sim.Calls().Bundles)
	assert.Nil(t, res.Rollback)
	assert.Empty(t, res.IDs)
}

func TestPoolCreationWithParticipants(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	mint := f.sim.Wallet("mint")
	f.sim.InstallMint(mint, f.payer, 6)
	f.sim.FundToken(f.payer, mint, 5_000_000)
	alice := f.sim.Fund("alice", 2_000_000_000)
	pool := f.sim.Wallet("pool")

	res, err := f.orch.Execute(context.Background(), &ir.PoolCreationParams{
		Payer:        f.payer,
		Mint:         mint,
		Pool:         pool,
		TokenAmount:  1_000_000,
		NativeAmount: 500_000_000,
		Participants: []ir.WalletParticipant{{Address: alice, NativeAmount: 250_000_000}},
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, []ir.GroupLabel{ir.GroupCreatePool, ir.GroupLiquidity, ir.GroupContribution}, labels(res.Groups))
	p, ok := f.sim.Pool(pool)
	require.True(t, ok)
	assert.Equal(t, uint64(1_000_000), p.Token)
	assert.Equal(t, uint64(500_000_000), p.Native)

	bal, err := f.sim.Balance(context.Background(), alice, chain.NativeAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_750_000_000), bal)
}

func TestConcurrentOperations(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	const n = 4

	results := make(chan *OperationResult, n)
	for i := 0; i < n; i++ {
		payer := f.sim.Fund(fmt.Sprintf("payer-%d", i), funded)
		go func() {
			params := f.assetParams()
			params.Payer = payer
			res, err := f.orch.Execute(context.Background(), params)
			if err != nil {
				res = &OperationResult{Error: err.Error()}
			}
			results <- res
		}()
	}

	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		res := <-results
		require.True(t, res.Success, res.Error)
		assert.False(t, seen[res.OperationID])
		seen[res.OperationID] = true
	}
	assert.Equal(t, n, f.sim.Calls().Bundles)
}

// Property: however many recipients a distribution has, its transfers land
// in group order on either path.
func TestDistributionOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("ids follow group order", prop.ForAll(
		func(recipients int, atomic bool) bool {
			f := newFixture(t, fixtureOptions{noAtomic: !atomic})
			mint := f.sim.Wallet("mint")
			f.sim.InstallMint(mint, f.payer, 0)
			f.sim.FundToken(f.payer, mint, 1_000_000)

			params := &ir.DistributionParams{Sender: f.payer, Mint: mint}
			for i := 0; i < recipients; i++ {
				params.Recipients = append(params.Recipients, ir.Recipient{
					Address: f.sim.Wallet(fmt.Sprintf("r%d", i)),
					Amount:  uint64(i + 1),
				})
			}

			res, err := f.orch.Execute(context.Background(), params)
			if err != nil || !res.Success {
				return false
			}
			want := (recipients + 4) / 5
			if len(res.IDs) != want || len(res.Groups) != want {
				return false
			}
			submitted := f.sim.Submitted()
			if len(submitted) != want {
				return false
			}
			for i, s := range submitted {
				if s.GroupIndex != i || s.TxID != res.IDs[i] || res.Groups[i].Index != i {
					return false
				}
			}
			if atomic != (res.Method == ir.MethodAtomic) {
				return false
			}
			for i := 0; i < recipients; i++ {
				got, err := f.sim.Balance(context.Background(), f.sim.Wallet(fmt.Sprintf("r%d", i)), mint)
				if err != nil || got != uint64(i+1) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 25),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
