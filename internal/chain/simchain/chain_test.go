package simchain

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

var ctx = context.Background()

// signed builds a transaction signed by every signer.
func signed(t *testing.T, c *Chain, label ir.GroupLabel, index int, signers []string, ins ...ir.Instruction) ir.Transaction {
	t.Helper()
	bh, err := c.LatestBlockhash(ctx)
	require.NoError(t, err)
	msg := []byte(bh)
	for _, in := range ins {
		msg = append(msg, in...)
	}
	tx := ir.Transaction{GroupIndex: index, GroupLabel: label, Blockhash: bh, Signers: signers, Instructions: ins, Message: msg}
	for _, s := range signers {
		sig, err := c.Sign(ctx, s, msg)
		require.NoError(t, err)
		tx.Signatures = append(tx.Signatures, sig)
	}
	tx.ID = chain.EncodeAddress(tx.Signatures[0])
	return tx
}

// must unwraps an encoder result: must(t)(c.Transfer(...)).
func must(t *testing.T) func(ir.Instruction, error) ir.Instruction {
	return func(in ir.Instruction, err error) ir.Instruction {
		t.Helper()
		require.NoError(t, err)
		return in
	}
}

func TestWalletIsDeterministic(t *testing.T) {
	a := New().Wallet("alice")
	b := New().Wallet("alice")
	assert.Equal(t, a, b)
	assert.True(t, chain.ValidAddress(a))
	assert.NotEqual(t, a, New().Wallet("bob"))
}

func TestBundleAppliesAllOrNothing(t *testing.T) {
	c := New()
	payer := c.Fund("payer", 10*DefaultRent)
	mint, err := c.Generate(ctx)
	require.NoError(t, err)

	create := signed(t, c, ir.GroupCreateAccount, 0, []string{payer, mint},
		must(t)(c.CreateMint(mint, payer, 9)),
		must(t)(c.CreateTokenAccount(payer, payer, mint)))
	// minting more than the payer's token account can be credited works,
	// but transferring a token the payer does not hold fails.
	bad := signed(t, c, ir.GroupMint, 1, []string{payer},
		must(t)(c.Transfer(payer, c.Wallet("bob"), mint, 5)))

	_, err = c.SubmitBundle(ctx, []ir.Transaction{create, bad})
	require.Error(t, err)
	assert.Equal(t, chain.KindSimulationFailed, chain.KindOf(err))

	exists, err := c.AccountExists(ctx, mint)
	require.NoError(t, err)
	assert.False(t, exists, "rejected bundle must not leave the mint behind")

	mintTo := signed(t, c, ir.GroupMint, 1, []string{payer}, must(t)(c.MintTo(mint, payer, payer, 1000)))
	receipt, err := c.SubmitBundle(ctx, []ir.Transaction{create, mintTo})
	require.NoError(t, err)
	assert.True(t, receipt.Accepted)

	bal, err := c.Balance(ctx, payer, mint)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), bal)
	native, err := c.Balance(ctx, payer, chain.NativeAsset)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*DefaultRent), native)
}

func TestScriptedBundleRejection(t *testing.T) {
	c := New()
	payer := c.Fund("payer", 10*DefaultRent)
	mint, _ := c.Generate(ctx)
	c.RejectBundles(1)

	tx := signed(t, c, ir.GroupCreateAccount, 0, []string{payer, mint}, must(t)(c.CreateMint(mint, payer, 0)))
	_, err := c.SubmitBundle(ctx, []ir.Transaction{tx})
	assert.Equal(t, chain.KindBundleRejected, chain.KindOf(err))

	tx = signed(t, c, ir.GroupCreateAccount, 0, []string{payer, mint}, must(t)(c.CreateMint(mint, payer, 0)))
	_, err = c.SubmitBundle(ctx, []ir.Transaction{tx})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Calls().Bundles)
}

func TestMissingSignatureIsRejected(t *testing.T) {
	c := New()
	payer := c.Fund("payer", 10*DefaultRent)
	mint, _ := c.Generate(ctx)

	tx := signed(t, c, ir.GroupCreateAccount, 0, []string{payer}, must(t)(c.CreateMint(mint, payer, 0)))
	_, err := c.SubmitOne(ctx, tx)
	assert.Equal(t, chain.KindSimulationFailed, chain.KindOf(err))
}

func TestSequentialStages(t *testing.T) {
	c := New()
	alice := c.Fund("alice", 1000)
	bob := c.Wallet("bob")

	c.FailGroup(ir.GroupTransfer, Failure{Stage: StageSubmit, Kind: chain.KindNetworkCongestion, Times: 1})
	tx := signed(t, c, ir.GroupTransfer, 0, []string{alice}, must(t)(c.Transfer(alice, bob, chain.NativeAsset, 10)))
	_, err := c.SubmitOne(ctx, tx)
	assert.Equal(t, chain.KindNetworkCongestion, chain.KindOf(err))

	c.FailGroup(ir.GroupTransfer, Failure{Stage: StageExecute, Kind: chain.KindProgramError, Times: 1})
	tx = signed(t, c, ir.GroupTransfer, 0, []string{alice}, must(t)(c.Transfer(alice, bob, chain.NativeAsset, 10)))
	id, err := c.SubmitOne(ctx, tx)
	require.NoError(t, err)
	status, err := c.PollConfirmation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chain.Failed, status)

	c.FailGroup(ir.GroupTransfer, Failure{Stage: StageDelay, PendingPolls: 2, Times: 1})
	tx = signed(t, c, ir.GroupTransfer, 0, []string{alice}, must(t)(c.Transfer(alice, bob, chain.NativeAsset, 10)))
	id, err = c.SubmitOne(ctx, tx)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		status, err = c.PollConfirmation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, chain.Pending, status)
	}
	status, err = c.PollConfirmation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chain.Confirmed, status)

	bal, _ := c.Balance(ctx, bob, chain.NativeAsset)
	assert.Equal(t, uint64(10), bal)

	c.FailGroup(ir.GroupTransfer, Failure{Stage: StageDrop, Times: 1})
	tx = signed(t, c, ir.GroupTransfer, 0, []string{alice}, must(t)(c.Transfer(alice, bob, chain.NativeAsset, 10)))
	id, err = c.SubmitOne(ctx, tx)
	require.NoError(t, err)
	status, _ = c.TransactionStatus(ctx, id)
	assert.Equal(t, chain.NotFound, status)
}

func TestDelayedTransactionSettlesOnStatusLookup(t *testing.T) {
	c := New()
	alice := c.Fund("alice", 1000)
	bob := c.Wallet("bob")
	c.FailGroup(ir.GroupTransfer, Failure{Stage: StageDelay, PendingPolls: 100})

	tx := signed(t, c, ir.GroupTransfer, 0, []string{alice}, must(t)(c.Transfer(alice, bob, chain.NativeAsset, 1)))
	id, err := c.SubmitOne(ctx, tx)
	require.NoError(t, err)

	status, err := c.TransactionStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, chain.Confirmed, status)
}

func TestCloseAccountRequiresEmpty(t *testing.T) {
	c := New()
	payer := c.Fund("payer", 10*DefaultRent)
	mint, _ := c.Generate(ctx)

	create := signed(t, c, ir.GroupCreateAccount, 0, []string{payer, mint},
		must(t)(c.CreateMint(mint, payer, 0)),
		must(t)(c.CreateTokenAccount(payer, payer, mint)))
	_, err := c.SubmitBundle(ctx, []ir.Transaction{create})
	require.NoError(t, err)

	ata, err := c.TokenAccountAddress(payer, mint)
	require.NoError(t, err)
	empty, err := c.AccountEmpty(ctx, ata)
	require.NoError(t, err)
	assert.True(t, empty)

	closeTx := signed(t, c, "close", 0, []string{payer},
		must(t)(c.CloseAccount(ata, payer, payer)),
		must(t)(c.CloseAccount(mint, payer, payer)))
	_, err = c.SubmitBundle(ctx, []ir.Transaction{closeTx})
	require.NoError(t, err)

	native, _ := c.Balance(ctx, payer, chain.NativeAsset)
	assert.Equal(t, uint64(10*DefaultRent), native)
	_, err = c.AccountEmpty(ctx, mint)
	assert.Equal(t, chain.KindAccountNotFound, chain.KindOf(err))
}

func TestDeniedSigner(t *testing.T) {
	c := New()
	alice := c.Wallet("alice")
	c.DenySigner(alice)
	_, err := c.Sign(ctx, alice, []byte("m"))
	assert.Error(t, err)
	_, err = c.Sign(ctx, "unknown", []byte("m"))
	assert.Error(t, err)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	c := New()
	alice := c.Fund("alice", 500)
	gen, _ := c.Generate(ctx)

	path := filepath.Join(t.TempDir(), "chain.json")
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	addr, ok := loaded.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, alice, addr)
	bal, _ := loaded.Balance(ctx, alice, chain.NativeAsset)
	assert.Equal(t, uint64(500), bal)

	_, err = loaded.Sign(ctx, gen, []byte("m"))
	assert.NoError(t, err, "generated keys survive a reload")
}
