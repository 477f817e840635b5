package bundler

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/ir"
)

var ctx = context.Background()

func groupsFor(t *testing.T, sim *simchain.Chain, n int) ([]ir.InstructionGroup, string) {
	t.Helper()
	payer := sim.Fund("payer", 1_000_000)
	var groups []ir.InstructionGroup
	for i := 0; i < n; i++ {
		in, err := sim.Transfer(payer, sim.Wallet("bob"), chain.NativeAsset, uint64(i+1))
		require.NoError(t, err)
		groups = append(groups, ir.InstructionGroup{Index: i, Label: ir.GroupTransfer, Instructions: []ir.Instruction{in}})
	}
	return groups, payer
}

func TestBundlePreservesOrder(t *testing.T) {
	sim := simchain.New()
	groups, payer := groupsFor(t, sim, 3)
	b := New(sim, sim, sim, WithAtomic(true))

	p, err := b.Bundle(ctx, groups, payer, &ir.ExecutionContext{OperationID: "op", Attempt: 1})
	require.NoError(t, err)
	require.NotNil(t, p.Bundle)
	assert.Equal(t, ir.MethodAtomic, p.Method())
	require.Len(t, p.Bundle.Transactions, 3)
	for i, tx := range p.Bundle.Transactions {
		assert.Equal(t, i, tx.GroupIndex)
		assert.Equal(t, p.Transactions[i].ID, tx.ID)
	}
	assert.Equal(t, ir.BundleID(p.Bundle.IDs()), p.Bundle.ID)
}

func TestNoBundleWithoutAtomicOrInFallback(t *testing.T) {
	sim := simchain.New()
	groups, payer := groupsFor(t, sim, 2)

	p, err := New(sim, sim, sim).Bundle(ctx, groups, payer, &ir.ExecutionContext{})
	require.NoError(t, err)
	assert.Nil(t, p.Bundle)

	p, err = New(sim, sim, sim, WithAtomic(true)).Bundle(ctx, groups, payer, &ir.ExecutionContext{Fallback: true})
	require.NoError(t, err)
	assert.Nil(t, p.Bundle)
	assert.Equal(t, ir.MethodSequential, p.Method())
}

func TestOversizedOperationIsNotBundled(t *testing.T) {
	sim := simchain.New()
	groups, payer := groupsFor(t, sim, ir.MaxBundleSize+1)
	p, err := New(sim, sim, sim, WithAtomic(true)).Bundle(ctx, groups, payer, &ir.ExecutionContext{})
	require.NoError(t, err)
	assert.Nil(t, p.Bundle)
	assert.Len(t, p.Transactions, ir.MaxBundleSize+1)
}

func TestRetriesRederiveTransactions(t *testing.T) {
	sim := simchain.New()
	groups, payer := groupsFor(t, sim, 1)
	b := New(sim, sim, sim, WithAtomic(true))

	first, err := b.Bundle(ctx, groups, payer, &ir.ExecutionContext{Attempt: 1})
	require.NoError(t, err)
	second, err := b.Bundle(ctx, groups, payer, &ir.ExecutionContext{Attempt: 2})
	require.NoError(t, err)

	assert.NotEqual(t, first.Transactions[0].Blockhash, second.Transactions[0].Blockhash)
	assert.NotEqual(t, first.Transactions[0].ID, second.Transactions[0].ID)
}

func TestSignaturesVerify(t *testing.T) {
	sim := simchain.New()
	payer := sim.Fund("payer", 10*simchain.DefaultRent)
	extra, err := sim.Generate(ctx)
	require.NoError(t, err)
	in, err := sim.CreateMint(extra, payer, 0)
	require.NoError(t, err)
	g := ir.InstructionGroup{Label: ir.GroupCreateAccount, Instructions: []ir.Instruction{in}, ExtraSigner: extra}

	tx, err := New(sim, sim, sim).SignGroup(ctx, g, payer, &ir.ExecutionContext{Fee: 5000})
	require.NoError(t, err)
	assert.Equal(t, []string{payer, extra}, tx.Signers)
	require.Len(t, tx.Signatures, 2)
	assert.Len(t, tx.Instructions, 2, "priority fee prepended")

	for i, s := range tx.Signers {
		pub, err := chain.ParseAddress(s)
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(ed25519.PublicKey(pub), tx.Message, tx.Signatures[i]))
	}

	id, err := sim.SubmitOne(ctx, tx)
	require.NoError(t, err)
	status, err := sim.PollConfirmation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chain.Confirmed, status)
}

func TestSigningFailureIsClassified(t *testing.T) {
	sim := simchain.New()
	groups, payer := groupsFor(t, sim, 2)
	sim.DenySigner(payer)

	_, err := New(sim, sim, sim).Bundle(ctx, groups, payer, &ir.ExecutionContext{})
	require.Error(t, err)
	assert.Equal(t, chain.KindSigning, chain.KindOf(err))
	assert.Contains(t, err.Error(), payer)
}

func TestCancelledSigning(t *testing.T) {
	sim := simchain.New()
	groups, payer := groupsFor(t, sim, 1)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	_, err := New(sim, sim, sim).Bundle(cctx, groups, payer, &ir.ExecutionContext{})
	assert.Equal(t, chain.KindCancelled, chain.KindOf(err))
}
