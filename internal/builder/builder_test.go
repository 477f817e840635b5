package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/ir"
)

var (
	ctx = context.Background()
	t0  = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
)

func labels(groups []ir.InstructionGroup) []ir.GroupLabel {
	out := make([]ir.GroupLabel, len(groups))
	for i, g := range groups {
		out[i] = g.Label
	}
	return out
}

func TestAssetCreationOrder(t *testing.T) {
	sim := simchain.New()
	payer := sim.Wallet("payer")
	mint := sim.Wallet("mint")
	b := New(sim, sim)

	op := ir.NewOperation("op", &ir.AssetCreationParams{
		Payer:         payer,
		Decimals:      9,
		Metadata:      ir.Metadata{Name: "Demo", Symbol: "DMO"},
		InitialSupply: 1000,
	}, t0)
	groups, err := b.Build(ctx, Input{Operation: op, NewMint: mint})
	require.NoError(t, err)

	assert.Equal(t, []ir.GroupLabel{ir.GroupCreateAccount, ir.GroupMetadata, ir.GroupMint}, labels(groups))
	for i, g := range groups {
		assert.Equal(t, i, g.Index)
	}
	assert.Equal(t, mint, groups[0].ExtraSigner)
	assert.Len(t, groups[0].Instructions, 2, "mint account and payer token account")
	require.Len(t, groups[2].Effects, 1)
	assert.Equal(t, uint64(1_000_000_000_000), groups[2].Effects[0].Amount)
}

func TestAssetCreationOptionalGroups(t *testing.T) {
	sim := simchain.New()
	b := New(sim, sim)

	op := ir.NewOperation("op", &ir.AssetCreationParams{Payer: sim.Wallet("payer"), Decimals: 0}, t0)
	groups, err := b.Build(ctx, Input{Operation: op, NewMint: sim.Wallet("mint")})
	require.NoError(t, err)

	assert.Equal(t, []ir.GroupLabel{ir.GroupCreateAccount}, labels(groups))
	assert.Len(t, groups[0].Instructions, 1, "no token account without a mint")
}

func TestFragmentsFollowBaseGroups(t *testing.T) {
	sim := simchain.New()
	b := New(sim, sim)
	payer := sim.Wallet("payer")

	frag, err := sim.Transfer(sim.Wallet("p1"), payer, chain.NativeAsset, 10)
	require.NoError(t, err)
	op := ir.NewOperation("op", &ir.AssetCreationParams{Payer: payer, InitialSupply: 1, Metadata: ir.Metadata{Name: "A", Symbol: "A"}}, t0)
	groups, err := b.Build(ctx, Input{
		Operation: op,
		NewMint:   sim.Wallet("mint"),
		Fragments: []ir.InstructionGroup{{Label: ir.GroupContribution, Instructions: []ir.Instruction{frag}}},
	})
	require.NoError(t, err)

	assert.Equal(t, []ir.GroupLabel{ir.GroupCreateAccount, ir.GroupMetadata, ir.GroupMint, ir.GroupContribution}, labels(groups))
	assert.Equal(t, 3, groups[3].Index)
}

func TestDistributionChunks(t *testing.T) {
	sim := simchain.New()
	b := New(sim, sim, WithTransfersPerGroup(2))

	p := &ir.DistributionParams{Sender: sim.Wallet("s"), Mint: sim.Wallet("m")}
	for i := 0; i < 5; i++ {
		p.Recipients = append(p.Recipients, ir.Recipient{Address: sim.Wallet(fmt.Sprintf("r%d", i)), Amount: uint64(i + 1)})
	}
	groups, err := b.Build(ctx, Input{Operation: ir.NewOperation("op", p, t0)})
	require.NoError(t, err)

	require.Len(t, groups, 3)
	assert.Len(t, groups[0].Instructions, 2)
	assert.Len(t, groups[2].Instructions, 1)
	assert.Equal(t, p.Recipients[4].Address, groups[2].Effects[0].Target)
	assert.Equal(t, ir.RequiresManualAction, groups[2].Effects[0].Reversibility)
}

func TestPoolCreationSkipsExistingPool(t *testing.T) {
	sim := simchain.New()
	payer := sim.Wallet("payer")
	mint := sim.Wallet("mint")
	b := New(sim, sim)

	p := &ir.PoolCreationParams{Payer: payer, Mint: mint, TokenAmount: 5, NativeAmount: 7}
	groups, err := b.Build(ctx, Input{Operation: ir.NewOperation("op", p, t0), NewPool: sim.Wallet("pool")})
	require.NoError(t, err)
	assert.Equal(t, []ir.GroupLabel{ir.GroupCreatePool, ir.GroupLiquidity}, labels(groups))
	assert.Equal(t, sim.Wallet("pool"), groups[0].ExtraSigner)

	sim.InstallMint(sim.Wallet("pool"), payer, 0)
	groups, err = b.Build(ctx, Input{Operation: ir.NewOperation("op", p, t0), NewPool: sim.Wallet("pool")})
	require.NoError(t, err)
	assert.Equal(t, []ir.GroupLabel{ir.GroupLiquidity}, labels(groups))

	_, err = b.Build(ctx, Input{Operation: ir.NewOperation("op", p, t0)})
	assert.True(t, chain.IsKind(err, chain.KindValidation))
}

func TestAuthorityRevoke(t *testing.T) {
	sim := simchain.New()
	b := New(sim, sim)
	p := &ir.AuthorityRevokeParams{Authority: sim.Wallet("a"), Mint: sim.Wallet("m"), RevokeMint: true, RevokeFreeze: true}
	groups, err := b.Build(ctx, Input{Operation: ir.NewOperation("op", p, t0)})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Instructions, 2)
	assert.Len(t, groups[0].Effects, 2)
}

func TestGroupTooLargeIsNotSplit(t *testing.T) {
	sim := simchain.New()
	b := New(sim, sim, WithMaxTransactionSize(300))

	op := ir.NewOperation("op", &ir.AssetCreationParams{
		Payer:    sim.Wallet("payer"),
		Metadata: ir.Metadata{Name: "Demo", Symbol: "DMO", URI: "https://example.test/" + strings.Repeat("x", 180)},
	}, t0)
	_, err := b.Build(ctx, Input{Operation: op, NewMint: sim.Wallet("mint")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGroupTooLarge))
	assert.True(t, chain.IsKind(err, chain.KindValidation))

	var ce *chain.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, string(ir.GroupMetadata), ce.Details["group"])
}

func TestSizeLimitLeavesRoomForPriorityFee(t *testing.T) {
	sim := simchain.New()
	p := &ir.DistributionParams{
		Sender:     sim.Wallet("sender"),
		Mint:       sim.Wallet("m"),
		Recipients: []ir.Recipient{{Address: sim.Wallet("r"), Amount: 1}},
	}
	op := ir.NewOperation("op", p, t0)

	groups, err := New(sim, sim).Build(ctx, Input{Operation: op})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	size := groups[0].Size()

	reserve, err := New(sim, sim).FeeReserve()
	require.NoError(t, err)
	fee, err := sim.PriorityFee(1_000_000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reserve, len(fee))

	// Fits alone but not once the fee instruction is prepended.
	_, err = New(sim, sim, WithMaxTransactionSize(size)).Build(ctx, Input{Operation: op})
	require.ErrorIs(t, err, ErrGroupTooLarge)
	var ce *chain.Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, fmt.Sprint(reserve), ce.Details["reserved"])

	_, err = New(sim, sim, WithMaxTransactionSize(size+reserve)).Build(ctx, Input{Operation: op})
	assert.NoError(t, err)
}

func TestInvalidAddressIsValidationError(t *testing.T) {
	sim := simchain.New()
	b := New(sim, sim)
	p := &ir.DistributionParams{Sender: "bad", Mint: sim.Wallet("m"), Recipients: []ir.Recipient{{Address: sim.Wallet("r"), Amount: 1}}}
	_, err := b.Build(ctx, Input{Operation: ir.NewOperation("op", p, t0)})
	assert.True(t, chain.IsKind(err, chain.KindValidation))
}
