// Package bundler signs instruction groups into transactions and packs
// them into bundles for the atomic channel.
package bundler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mr-tron/base58"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// Prepared is the signed form of one attempt.
type Prepared struct {
	Groups       []ir.InstructionGroup
	Transactions []ir.Transaction

	// Bundle is nil when the attempt goes through the sequential path.
	Bundle *ir.Bundle
}

// Method reports which path the prepared attempt targets.
func (p *Prepared) Method() ir.Method {
	if p.Bundle != nil {
		return ir.MethodAtomic
	}
	return ir.MethodSequential
}

// Bundler signs groups. Every call fetches a fresh blockhash, so a retry
// always re-derives its transactions instead of resending stale ones.
type Bundler struct {
	enc       chain.Encoder
	signer    chain.Signer
	blockhash chain.BlockhashSource
	atomic    bool
	logger    *slog.Logger
}

// Option configures a Bundler.
type Option func(*Bundler)

// WithAtomic marks the atomic channel as available on this network.
func WithAtomic(available bool) Option {
	return func(b *Bundler) { b.atomic = available }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bundler) { b.logger = l }
}

// New creates a Bundler.
func New(enc chain.Encoder, signer chain.Signer, blockhash chain.BlockhashSource, opts ...Option) *Bundler {
	b := &Bundler{enc: enc, signer: signer, blockhash: blockhash, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Atomic reports whether bundles can be formed at all.
func (b *Bundler) Atomic() bool { return b.atomic }

// CanBundle reports whether n groups fit one bundle.
func CanBundle(n int) bool {
	return n > 0 && n <= ir.MaxBundleSize
}

// Bundle signs groups in order with primary plus each group's extra
// signer. When the atomic channel is available, the context is not in
// fallback and the groups fit, the transactions are wrapped in a Bundle
// with identical order.
func (b *Bundler) Bundle(ctx context.Context, groups []ir.InstructionGroup, primary string, ectx *ir.ExecutionContext) (*Prepared, error) {
	hash, err := b.blockhash.LatestBlockhash(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, chain.Wrap(chain.KindTransportError, "latest blockhash", err)
	}

	p := &Prepared{Groups: groups, Transactions: make([]ir.Transaction, 0, len(groups))}
	for _, g := range groups {
		tx, err := b.sign(ctx, g, primary, hash, ectx)
		if err != nil {
			return nil, err
		}
		p.Transactions = append(p.Transactions, tx)
	}

	if b.atomic && !ectx.Fallback && CanBundle(len(p.Transactions)) {
		ids := make([]string, len(p.Transactions))
		for i, tx := range p.Transactions {
			ids[i] = tx.ID
		}
		p.Bundle = &ir.Bundle{ID: ir.BundleID(ids), Transactions: p.Transactions}
	}

	b.logger.Debug("attempt prepared",
		"operation_id", ectx.OperationID,
		"attempt", ectx.Attempt,
		"method", p.Method(),
		"transactions", len(p.Transactions),
		"fee", ectx.Fee)
	return p, nil
}

// SignGroup signs a single group outside any bundle, for follow-up
// transactions such as account closures during rollback.
func (b *Bundler) SignGroup(ctx context.Context, g ir.InstructionGroup, primary string, ectx *ir.ExecutionContext) (ir.Transaction, error) {
	hash, err := b.blockhash.LatestBlockhash(ctx)
	if err != nil {
		return ir.Transaction{}, chain.Wrap(chain.KindTransportError, "latest blockhash", err)
	}
	return b.sign(ctx, g, primary, hash, ectx)
}

// message is the canonical payload every signer signs.
type message struct {
	OperationID  string   `json:"operation_id"`
	GroupIndex   int      `json:"group_index"`
	GroupLabel   string   `json:"group_label"`
	Blockhash    string   `json:"blockhash"`
	Fee          uint64   `json:"fee"`
	Signers      []string `json:"signers"`
	Instructions []string `json:"instructions"`
}

func (b *Bundler) sign(ctx context.Context, g ir.InstructionGroup, primary, hash string, ectx *ir.ExecutionContext) (ir.Transaction, error) {
	ins := g.Instructions
	if ectx.Fee > 0 {
		fee, err := b.enc.PriorityFee(ectx.Fee)
		if err != nil {
			return ir.Transaction{}, chain.Wrap(chain.KindValidation, "priority fee", err)
		}
		ins = append([]ir.Instruction{fee}, ins...)
	}

	signers := g.Signers(primary)
	encoded := make([]string, len(ins))
	for i, in := range ins {
		encoded[i] = base58.Encode(in)
	}
	msg, err := ir.MarshalCanonical(message{
		OperationID:  ectx.OperationID,
		GroupIndex:   g.Index,
		GroupLabel:   string(g.Label),
		Blockhash:    hash,
		Fee:          ectx.Fee,
		Signers:      signers,
		Instructions: encoded,
	})
	if err != nil {
		return ir.Transaction{}, fmt.Errorf("bundler: message: %w", err)
	}

	tx := ir.Transaction{
		OperationID:  ectx.OperationID,
		GroupIndex:   g.Index,
		GroupLabel:   g.Label,
		Blockhash:    hash,
		Fee:          ectx.Fee,
		Signers:      signers,
		Instructions: ins,
		Message:      msg,
		Signatures:   make([][]byte, 0, len(signers)),
	}
	for _, s := range signers {
		sig, err := b.signer.Sign(ctx, s, msg)
		if err != nil {
			if ctx.Err() != nil {
				return ir.Transaction{}, ctx.Err()
			}
			return ir.Transaction{}, (&chain.Error{Kind: chain.KindSigning, Op: "sign", Err: err}).
				With("signer", s).
				With("group", string(g.Label))
		}
		tx.Signatures = append(tx.Signatures, sig)
	}
	tx.ID = base58.Encode(tx.Signatures[0])
	return tx, nil
}
