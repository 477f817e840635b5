package validate

import (
	"context"
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

func op(p ir.Params) *ir.Operation {
	return ir.NewOperation("op-1", p, t0)
}

func demoAsset(payer string) *ir.AssetCreationParams {
	return &ir.AssetCreationParams{
		Payer:         payer,
		Decimals:      9,
		Metadata:      ir.Metadata{Name: "Demo", Symbol: "DMO", URI: "https://example.test/demo.json"},
		InitialSupply: 1000,
	}
}

func TestValidateAcceptsFundedAssetCreation(t *testing.T) {
	sim := simchain.New()
	payer := sim.Fund("payer", 1_000_000_000)
	v := New(sim)

	res, err := v.Validate(ctx, op(demoAsset(payer)))
	require.NoError(t, err)
	assert.True(t, res.OK, "%v", res.Violations)
	assert.NoError(t, res.Err())
}

func TestValidateNilOperation(t *testing.T) {
	v := New(simchain.New())
	_, err := v.Validate(ctx, nil)
	assert.ErrorIs(t, err, ErrNilOperation)
	_, err = v.Validate(ctx, &ir.Operation{})
	assert.ErrorIs(t, err, ErrNilOperation)
}

func TestValidateStructuralViolations(t *testing.T) {
	sim := simchain.New()
	payer := sim.Fund("payer", 1_000_000_000)
	v := New(sim)

	tests := []struct {
		name   string
		mutate func(p *ir.AssetCreationParams)
		field  string
	}{
		{"bad payer", func(p *ir.AssetCreationParams) { p.Payer = "not-base58-0OIl" }, "params.payer"},
		{"missing payer", func(p *ir.AssetCreationParams) { p.Payer = "" }, "params.payer"},
		{"decimals", func(p *ir.AssetCreationParams) { p.Decimals = 10 }, "params.decimals"},
		{"long name", func(p *ir.AssetCreationParams) { p.Metadata.Name = strings.Repeat("n", 33) }, "params.metadata.name"},
		{"long symbol", func(p *ir.AssetCreationParams) { p.Metadata.Symbol = "ABCDEFGHIJK" }, "params.metadata.symbol"},
		{"missing symbol", func(p *ir.AssetCreationParams) { p.Metadata.Symbol = "" }, "params.metadata.symbol"},
		{"uploaded without uri", func(p *ir.AssetCreationParams) { p.Metadata.URI = ""; p.MetadataUploaded = true }, "params.metadata.uri"},
		{"token contribution", func(p *ir.AssetCreationParams) {
			p.Participants = []ir.WalletParticipant{{Address: p.Payer + "x", TokenAmount: 1}}
		}, "participants[0].address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := demoAsset(payer)
			tt.mutate(p)
			res, err := v.Validate(ctx, op(p))
			require.NoError(t, err)
			assert.False(t, res.OK)
			assert.Contains(t, res.Fields(), tt.field)
			assert.True(t, chain.IsKind(res.Err(), chain.KindValidation))
		})
	}
}

func TestValidateNameCountsNormalizedRunes(t *testing.T) {
	sim := simchain.New()
	payer := sim.Fund("payer", 1_000_000_000)
	v := New(sim)

	// 32 decomposed characters normalise to 32 runes.
	p := demoAsset(payer)
	p.Metadata.Name = strings.Repeat("e\u0301", 32)
	res, err := v.Validate(ctx, op(p))
	require.NoError(t, err)
	assert.True(t, res.OK, "%v", res.Violations)
}

func TestValidateInsufficientBalance(t *testing.T) {
	sim := simchain.New()
	limits := DefaultLimits()
	payer := sim.Fund("payer", 2*limits.AccountRent+limits.RentFloor-1)
	v := New(sim, WithLimits(limits))

	res, err := v.Validate(ctx, op(demoAsset(payer)))
	require.NoError(t, err)
	require.False(t, res.OK)
	assert.Equal(t, []string{"params.payer"}, res.Fields())
	assert.Contains(t, res.Violations[0].Message, "insufficient native balance")

	sim.Fund("payer", 1)
	res, err = v.Validate(ctx, op(demoAsset(payer)))
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestValidateDistribution(t *testing.T) {
	sim := simchain.New()
	sender := sim.Fund("sender", 1_000_000_000)
	mint := sim.Wallet("mint")
	sim.InstallMint(mint, sender, 0)
	sim.FundToken(sender, mint, 100)
	v := New(sim)

	p := &ir.DistributionParams{
		Sender: sender,
		Mint:   mint,
		Recipients: []ir.Recipient{
			{Address: sim.Wallet("a"), Amount: 60},
			{Address: sim.Wallet("b"), Amount: 40},
		},
	}
	res, err := v.Validate(ctx, op(p))
	require.NoError(t, err)
	assert.True(t, res.OK, "%v", res.Violations)

	p.Recipients[1].Amount = 41
	res, err = v.Validate(ctx, op(p))
	require.NoError(t, err)
	assert.Equal(t, []string{"params.sender"}, res.Fields())

	p.Recipients = append(p.Recipients, ir.Recipient{Address: sender, Amount: 0})
	res, err = v.Validate(ctx, op(p))
	require.NoError(t, err)
	assert.Equal(t, []string{"params.recipients[2].address", "params.recipients[2].amount"}, res.Fields())
}

func TestValidateAuthorityRevokeNeedsTarget(t *testing.T) {
	sim := simchain.New()
	auth := sim.Fund("auth", 1_000_000_000)
	v := New(sim)

	res, err := v.Validate(ctx, op(&ir.AuthorityRevokeParams{Authority: auth, Mint: sim.Wallet("mint")}))
	require.NoError(t, err)
	assert.Equal(t, []string{"params.revoke_mint"}, res.Fields())
}

func TestCheckParticipant(t *testing.T) {
	sim := simchain.New()
	limits := DefaultLimits()
	target := sim.Wallet("target")
	rich := sim.Fund("rich", limits.RentFloor+500)
	poor := sim.Fund("poor", limits.RentFloor+10)
	v := New(sim)

	vs, err := v.CheckParticipant(ctx, 0, ir.WalletParticipant{Address: rich, NativeAmount: 500}, chain.NativeAsset, target)
	require.NoError(t, err)
	assert.Empty(t, vs)

	vs, err = v.CheckParticipant(ctx, 1, ir.WalletParticipant{Address: poor, NativeAmount: 500}, chain.NativeAsset, target)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "participants[1].native_amount", vs[0].Field)

	vs, err = v.CheckParticipant(ctx, 2, ir.WalletParticipant{Address: target, NativeAmount: 1}, chain.NativeAsset, target)
	require.NoError(t, err)
	require.Len(t, vs, 1)
	assert.Equal(t, "participants[2].address", vs[0].Field)
}
