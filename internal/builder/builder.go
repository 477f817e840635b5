// Package builder turns a typed operation into its ordered instruction
// groups.
//
// Group order is a correctness invariant: account creation precedes
// metadata registration, which precedes the initial mint, which precedes
// any participant fragments. Each group becomes exactly one transaction.
// The builder never splits a group; a group over the transaction size
// limit is a validation error. The limit is checked with room left for the
// priority-fee instruction the bundler prepends at signing time.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// ErrGroupTooLarge is wrapped by the Validation error returned for a
// group exceeding MaxTransactionSize.
var ErrGroupTooLarge = errors.New("instruction group exceeds transaction size")

const (
	// DefaultMaxTransactionSize is the observed ledger's packet limit.
	DefaultMaxTransactionSize = 1232

	// DefaultTransfersPerGroup bounds how many transfers share one group.
	DefaultTransfersPerGroup = 5
)

// Input is everything Build needs beyond the ledger lookups.
type Input struct {
	Operation *ir.Operation

	// NewMint is the freshly generated mint account for asset creation.
	NewMint string

	// NewPool is the generated pool account, used when the parameters
	// leave the pool address empty.
	NewPool string

	// Fragments are participant groups appended after the base groups.
	Fragments []ir.InstructionGroup
}

// Builder produces instruction groups.
type Builder struct {
	enc               chain.Encoder
	accounts          chain.AccountReader
	maxTxSize         int
	transfersPerGroup int
	logger            *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithMaxTransactionSize overrides DefaultMaxTransactionSize.
func WithMaxTransactionSize(n int) Option {
	return func(b *Builder) { b.maxTxSize = n }
}

// WithTransfersPerGroup overrides DefaultTransfersPerGroup.
func WithTransfersPerGroup(n int) Option {
	return func(b *Builder) {
		if n > 0 {
			b.transfersPerGroup = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New creates a Builder.
func New(enc chain.Encoder, accounts chain.AccountReader, opts ...Option) *Builder {
	b := &Builder{
		enc:               enc,
		accounts:          accounts,
		maxTxSize:         DefaultMaxTransactionSize,
		transfersPerGroup: DefaultTransfersPerGroup,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build returns the ordered groups for in. The result is deterministic for
// a given input and ledger state.
func (b *Builder) Build(ctx context.Context, in Input) ([]ir.InstructionGroup, error) {
	if in.Operation == nil || in.Operation.Params == nil {
		return nil, fmt.Errorf("build: nil operation")
	}

	var (
		groups []ir.InstructionGroup
		err    error
	)
	switch p := in.Operation.Params.(type) {
	case *ir.AssetCreationParams:
		groups, err = b.assetCreation(ctx, p, in.NewMint)
	case *ir.DistributionParams:
		groups, err = b.distribution(p)
	case *ir.PoolCreationParams:
		groups, err = b.poolCreation(ctx, p, in.NewPool)
	case *ir.MetadataUpdateParams:
		groups, err = b.metadataUpdate(p)
	case *ir.AuthorityRevokeParams:
		groups, err = b.authorityRevoke(p)
	default:
		err = chain.NewError(chain.KindValidation, "build", "unsupported params %T", p)
	}
	if err != nil {
		return nil, err
	}

	groups = ir.Relabel(append(groups, in.Fragments...))
	reserve, err := b.FeeReserve()
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if size := g.Size(); size+reserve > b.maxTxSize {
			return nil, &chain.Error{
				Kind: chain.KindValidation,
				Op:   "build",
				Err:  ErrGroupTooLarge,
				Details: map[string]string{
					"group":    string(g.Label),
					"index":    strconv.Itoa(g.Index),
					"size":     strconv.Itoa(size),
					"reserved": strconv.Itoa(reserve),
					"limit":    strconv.Itoa(b.maxTxSize),
				},
			}
		}
	}

	b.logger.Debug("groups built",
		"operation_id", in.Operation.ID,
		"kind", in.Operation.Kind,
		"groups", len(groups),
		"fragments", len(in.Fragments))
	return groups, nil
}

// FeeReserve is the size of the largest priority-fee instruction, which
// every group must leave room for.
func (b *Builder) FeeReserve() (int, error) {
	fee, err := b.enc.PriorityFee(math.MaxUint64)
	if err != nil {
		return 0, chain.Wrap(chain.KindValidation, "priority fee", err)
	}
	return len(fee), nil
}

// encoder collects instructions, remembering the first encoding error.
type encoder struct {
	ins []ir.Instruction
	err error
}

func (e *encoder) add(in ir.Instruction, err error) {
	if e.err != nil {
		return
	}
	if err != nil {
		e.err = chain.Wrap(chain.KindValidation, "encode", err)
		return
	}
	e.ins = append(e.ins, in)
}

func (b *Builder) assetCreation(ctx context.Context, p *ir.AssetCreationParams, mint string) ([]ir.InstructionGroup, error) {
	if mint == "" {
		return nil, chain.NewError(chain.KindValidation, "build", "asset creation needs a generated mint account")
	}
	supply, err := ir.ScaleAmount(p.InitialSupply, p.Decimals)
	if err != nil {
		return nil, chain.Wrap(chain.KindValidation, "build", err)
	}
	ata, err := b.enc.TokenAccountAddress(p.Payer, mint)
	if err != nil {
		return nil, chain.Wrap(chain.KindValidation, "build", err)
	}

	var groups []ir.InstructionGroup

	create := &encoder{}
	create.add(b.enc.CreateMint(mint, p.Payer, p.Decimals))
	effects := []ir.Effect{{Action: ir.ActionAccountCreated, Reversibility: ir.AutoReversible, Wallet: p.Payer, Target: mint, Asset: mint}}
	if supply > 0 {
		exists, err := b.accounts.AccountExists(ctx, ata)
		if err != nil {
			return nil, fmt.Errorf("build: lookup %s: %w", ata, err)
		}
		if !exists {
			create.add(b.enc.CreateTokenAccount(p.Payer, p.Payer, mint))
			effects = append(effects, ir.Effect{Action: ir.ActionAccountCreated, Reversibility: ir.AutoReversible, Wallet: p.Payer, Target: ata, Asset: mint})
		}
	}
	if create.err != nil {
		return nil, create.err
	}
	groups = append(groups, ir.InstructionGroup{Label: ir.GroupCreateAccount, Instructions: create.ins, ExtraSigner: mint, Effects: effects})

	if p.Metadata.Present() {
		md := &encoder{}
		md.add(b.enc.RegisterMetadata(mint, p.Payer, p.Metadata))
		if md.err != nil {
			return nil, md.err
		}
		groups = append(groups, ir.InstructionGroup{
			Label:        ir.GroupMetadata,
			Instructions: md.ins,
			Effects: []ir.Effect{{
				Action:        ir.ActionMetadataRegister,
				Reversibility: ir.AutoReversible,
				Wallet:        p.Payer,
				Target:        mint,
				Asset:         mint,
				Detail:        p.Metadata.URI,
			}},
		})
	}

	if supply > 0 {
		m := &encoder{}
		m.add(b.enc.MintTo(mint, p.Payer, p.Payer, supply))
		if m.err != nil {
			return nil, m.err
		}
		groups = append(groups, ir.InstructionGroup{
			Label:        ir.GroupMint,
			Instructions: m.ins,
			Effects: []ir.Effect{{
				Action:        ir.ActionMint,
				Reversibility: ir.RequiresManualAction,
				Wallet:        p.Payer,
				Target:        ata,
				Asset:         mint,
				Amount:        supply,
			}},
		})
	}
	return groups, nil
}

func (b *Builder) distribution(p *ir.DistributionParams) ([]ir.InstructionGroup, error) {
	var groups []ir.InstructionGroup
	for start := 0; start < len(p.Recipients); start += b.transfersPerGroup {
		end := min(start+b.transfersPerGroup, len(p.Recipients))
		enc := &encoder{}
		var effects []ir.Effect
		for _, r := range p.Recipients[start:end] {
			enc.add(b.enc.Transfer(p.Sender, r.Address, p.Mint, r.Amount))
			effects = append(effects, ir.Effect{
				Action:        ir.ActionTransfer,
				Reversibility: ir.RequiresManualAction,
				Wallet:        p.Sender,
				Target:        r.Address,
				Asset:         p.Mint,
				Amount:        r.Amount,
			})
		}
		if enc.err != nil {
			return nil, enc.err
		}
		groups = append(groups, ir.InstructionGroup{Label: ir.GroupTransfer, Instructions: enc.ins, Effects: effects})
	}
	return groups, nil
}

func (b *Builder) poolCreation(ctx context.Context, p *ir.PoolCreationParams, generated string) ([]ir.InstructionGroup, error) {
	pool := p.Pool
	if pool == "" {
		pool = generated
	}
	if pool == "" {
		return nil, chain.NewError(chain.KindValidation, "build", "pool creation needs a pool account")
	}

	var groups []ir.InstructionGroup
	exists, err := b.accounts.AccountExists(ctx, pool)
	if err != nil {
		return nil, fmt.Errorf("build: lookup %s: %w", pool, err)
	}
	if !exists {
		enc := &encoder{}
		enc.add(b.enc.CreatePool(pool, p.Mint, p.Payer))
		if enc.err != nil {
			return nil, enc.err
		}
		groups = append(groups, ir.InstructionGroup{
			Label:        ir.GroupCreatePool,
			Instructions: enc.ins,
			ExtraSigner:  pool,
			Effects: []ir.Effect{{
				Action:        ir.ActionAccountCreated,
				Reversibility: ir.AutoReversible,
				Wallet:        p.Payer,
				Target:        pool,
				Asset:         p.Mint,
			}},
		})
	}

	enc := &encoder{}
	enc.add(b.enc.AddLiquidity(pool, p.Payer, p.Mint, p.TokenAmount, p.NativeAmount))
	if enc.err != nil {
		return nil, enc.err
	}
	groups = append(groups, ir.InstructionGroup{
		Label:        ir.GroupLiquidity,
		Instructions: enc.ins,
		Effects: []ir.Effect{
			{Action: ir.ActionLiquidityMoved, Reversibility: ir.RequiresManualAction, Wallet: p.Payer, Target: pool, Asset: p.Mint, Amount: p.TokenAmount},
			{Action: ir.ActionLiquidityMoved, Reversibility: ir.RequiresManualAction, Wallet: p.Payer, Target: pool, Asset: chain.NativeAsset, Amount: p.NativeAmount},
		},
	})
	return groups, nil
}

func (b *Builder) metadataUpdate(p *ir.MetadataUpdateParams) ([]ir.InstructionGroup, error) {
	enc := &encoder{}
	enc.add(b.enc.UpdateMetadata(p.Mint, p.Authority, p.Metadata))
	if enc.err != nil {
		return nil, enc.err
	}
	return []ir.InstructionGroup{{
		Label:        ir.GroupUpdateMetadata,
		Instructions: enc.ins,
		Effects: []ir.Effect{{
			Action:        ir.ActionMetadataUpdated,
			Reversibility: ir.RequiresManualAction,
			Wallet:        p.Authority,
			Target:        p.Mint,
			Asset:         p.Mint,
			Detail:        p.Metadata.URI,
		}},
	}}, nil
}

func (b *Builder) authorityRevoke(p *ir.AuthorityRevokeParams) ([]ir.InstructionGroup, error) {
	enc := &encoder{}
	var effects []ir.Effect
	revoke := func(which chain.Authority) {
		enc.add(b.enc.RevokeAuthority(p.Mint, p.Authority, which))
		effects = append(effects, ir.Effect{
			Action:        ir.ActionAuthorityRevoked,
			Reversibility: ir.RequiresManualAction,
			Wallet:        p.Authority,
			Target:        p.Mint,
			Asset:         p.Mint,
			Detail:        string(which) + " authority revocation is permanent",
		})
	}
	if p.RevokeMint {
		revoke(chain.AuthorityMint)
	}
	if p.RevokeFreeze {
		revoke(chain.AuthorityFreeze)
	}
	if enc.err != nil {
		return nil, enc.err
	}
	return []ir.InstructionGroup{{Label: ir.GroupRevokeAuthority, Instructions: enc.ins, Effects: effects}}, nil
}
