// Package participants prepares the contribution groups of multi-wallet
// operations. Every participant's balance is checked concurrently and all
// checks must pass before any group is produced.
package participants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
	"github.com/roach88/ledgerops/internal/validate"
)

// ErrPanicRecovered is returned when a balance check panics.
var ErrPanicRecovered = errors.New("participants: panic recovered")

// DefaultConcurrency bounds the balance checks in flight at once.
const DefaultConcurrency = 8

// Checker validates one participant against live balances.
type Checker interface {
	CheckParticipant(ctx context.Context, index int, p ir.WalletParticipant, mint, target string) ([]validate.Violation, error)
}

// Contributions are the prepared participant groups and their totals.
type Contributions struct {
	Fragments   []ir.InstructionGroup
	TotalNative uint64
	TotalToken  uint64
}

// Coordinator prepares participant contributions.
type Coordinator struct {
	checker     Checker
	enc         chain.Encoder
	concurrency int
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConcurrency bounds concurrent balance checks. n <= 0 removes the
// bound.
func WithConcurrency(n int) Option {
	return func(c *Coordinator) { c.concurrency = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a Coordinator.
func New(checker Checker, enc chain.Encoder, opts ...Option) *Coordinator {
	c := &Coordinator{
		checker:     checker,
		enc:         enc,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PrepareContributions checks every participant and, if all pass, returns
// one contribution group per participant paying target. Token
// contributions draw from mint; pass chain.NativeAsset when only native
// contributions are allowed. Any failing participant fails the whole call
// and no fragments are returned.
func (c *Coordinator) PrepareContributions(ctx context.Context, mint string, parts []ir.WalletParticipant, target string) (*Contributions, error) {
	if len(parts) == 0 {
		return &Contributions{}, nil
	}

	violations := make([][]validate.Violation, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	if c.concurrency > 0 {
		g.SetLimit(c.concurrency)
	}
	for i, p := range parts {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: participant %d: %v", ErrPanicRecovered, i, r)
				}
			}()
			v, err := c.checker.CheckParticipant(gctx, i, p, mint, target)
			if err != nil {
				return fmt.Errorf("check participant %s: %w", p.Address, err)
			}
			if len(v) > 0 {
				violations[i] = v
				return &chain.Error{
					Kind:    chain.KindValidation,
					Op:      "prepare contributions",
					Message: fmt.Sprintf("%s: %s", v[0].Field, v[0].Message),
					Details: map[string]string{"field": v[0].Field, "participant": p.Address},
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.logger.Info("participant check failed", "participants", len(parts), "error", err)
		return nil, err
	}

	out := &Contributions{}
	natives := make([]uint64, 0, len(parts))
	tokens := make([]uint64, 0, len(parts))
	for _, p := range parts {
		group, err := c.contribution(p, mint, target)
		if err != nil {
			return nil, err
		}
		out.Fragments = append(out.Fragments, group)
		natives = append(natives, p.NativeAmount)
		tokens = append(tokens, p.TokenAmount)
	}
	var err error
	if out.TotalNative, err = ir.SumAmounts(natives...); err != nil {
		return nil, chain.Wrap(chain.KindValidation, "prepare contributions", fmt.Errorf("native total: %w", err))
	}
	if out.TotalToken, err = ir.SumAmounts(tokens...); err != nil {
		return nil, chain.Wrap(chain.KindValidation, "prepare contributions", fmt.Errorf("token total: %w", err))
	}
	c.logger.Debug("contributions prepared",
		"participants", len(parts),
		"total_native", out.TotalNative,
		"total_token", out.TotalToken)
	return out, nil
}

func (c *Coordinator) contribution(p ir.WalletParticipant, mint, target string) (ir.InstructionGroup, error) {
	group := ir.InstructionGroup{Label: ir.GroupContribution, ExtraSigner: p.Address}
	add := func(asset string, amount uint64) error {
		if amount == 0 {
			return nil
		}
		ins, err := c.enc.Transfer(p.Address, target, asset, amount)
		if err != nil {
			return fmt.Errorf("encode contribution of %s: %w", p.Address, err)
		}
		group.Instructions = append(group.Instructions, ins)
		group.Effects = append(group.Effects, ir.Effect{
			Action:        ir.ActionTransfer,
			Reversibility: ir.RequiresManualAction,
			Wallet:        p.Address,
			Target:        target,
			Asset:         asset,
			Amount:        amount,
			Participant:   true,
		})
		return nil
	}
	if err := add(chain.NativeAsset, p.NativeAmount); err != nil {
		return ir.InstructionGroup{}, err
	}
	if err := add(mint, p.TokenAmount); err != nil {
		return ir.InstructionGroup{}, err
	}
	return group, nil
}
