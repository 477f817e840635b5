// Package validate checks operation parameters and signer balances before
// any instruction is built.
package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

// ErrNilOperation is returned when Validate is called without an operation.
var ErrNilOperation = errors.New("validate: nil operation")

// Limits are the structural bounds and balance floors enforced before
// building.
type Limits struct {
	MaxNameLength   int
	MaxSymbolLength int
	MaxURILength    int
	MaxDecimals     uint8
	MaxRecipients   int

	// RentFloor is the native balance a wallet must keep to stay alive.
	RentFloor uint64

	// AccountRent is the native amount locked per created account.
	AccountRent uint64
}

// DefaultLimits returns the bounds of the observed ledger.
func DefaultLimits() Limits {
	return Limits{
		MaxNameLength:   32,
		MaxSymbolLength: 10,
		MaxURILength:    200,
		MaxDecimals:     9,
		MaxRecipients:   25,
		RentFloor:       890_880,
		AccountRent:     2_039_280,
	}
}

// Violation names one offending field.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Result is the outcome of validation.
type Result struct {
	OK         bool        `json:"ok"`
	Violations []Violation `json:"violations,omitempty"`
}

// Err returns nil for a passing result and a Validation error naming every
// violation otherwise.
func (r *Result) Err() error {
	if r == nil || r.OK {
		return nil
	}
	parts := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		parts[i] = v.String()
	}
	err := chain.NewError(chain.KindValidation, "validate", "%s", strings.Join(parts, "; "))
	if len(r.Violations) > 0 {
		err = err.With("field", r.Violations[0].Field)
	}
	return err
}

// Fields returns the offending field names in order.
func (r *Result) Fields() []string {
	fields := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		fields[i] = v.Field
	}
	return fields
}

type collector struct {
	violations []Violation
}

func (c *collector) add(field, format string, args ...any) {
	c.violations = append(c.violations, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (c *collector) address(field, value string) bool {
	if _, err := chain.ParseAddress(value); err != nil {
		if value == "" {
			c.add(field, "is required")
		} else {
			c.add(field, "is not a valid address")
		}
		return false
	}
	return true
}

func (c *collector) result() *Result {
	return &Result{OK: len(c.violations) == 0, Violations: c.violations}
}

// Validator checks operations against Limits and live balances.
type Validator struct {
	balances chain.BalanceReader
	limits   Limits
	logger   *slog.Logger
}

// Option configures a Validator.
type Option func(*Validator)

// WithLimits overrides DefaultLimits.
func WithLimits(l Limits) Option {
	return func(v *Validator) { v.limits = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// New creates a Validator reading balances from balances.
func New(balances chain.BalanceReader, opts ...Option) *Validator {
	v := &Validator{balances: balances, limits: DefaultLimits(), logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Limits returns the enforced limits.
func (v *Validator) Limits() Limits { return v.limits }

// Validate checks op. Business-rule violations are returned in the Result;
// the error is reserved for API misuse and failed balance lookups.
func (v *Validator) Validate(ctx context.Context, op *ir.Operation) (*Result, error) {
	if op == nil || op.Params == nil {
		return nil, ErrNilOperation
	}
	c := &collector{}
	if !op.Kind.Valid() || op.Kind != op.Params.Kind() {
		c.add("kind", "unknown operation kind %q", op.Kind)
		return c.result(), nil
	}

	var needs []need
	switch p := op.Params.(type) {
	case *ir.AssetCreationParams:
		needs = v.assetCreation(c, p)
	case *ir.DistributionParams:
		needs = v.distribution(c, p)
	case *ir.PoolCreationParams:
		needs = v.poolCreation(c, p)
	case *ir.MetadataUpdateParams:
		needs = v.metadataUpdate(c, p)
	case *ir.AuthorityRevokeParams:
		needs = v.authorityRevoke(c, p)
	}

	// Balance lookups only run for structurally valid input.
	if len(c.violations) > 0 {
		return c.result(), nil
	}
	for _, n := range needs {
		if err := v.checkNeed(ctx, c, n); err != nil {
			return nil, err
		}
	}

	res := c.result()
	v.logger.Debug("operation validated", "operation_id", op.ID, "kind", op.Kind, "ok", res.OK, "violations", len(res.Violations))
	return res, nil
}

// need is a balance requirement for one wallet.
type need struct {
	field  string
	owner  string
	mint   string
	amount uint64
}

func (v *Validator) checkNeed(ctx context.Context, c *collector, n need) error {
	have, err := v.balances.Balance(ctx, n.owner, n.mint)
	if err != nil {
		return fmt.Errorf("validate: balance of %s: %w", n.owner, err)
	}
	if have < n.amount {
		asset := "native"
		if n.mint != chain.NativeAsset {
			asset = "token"
		}
		c.add(n.field, "insufficient %s balance: have %d, need %d", asset, have, n.amount)
	}
	return nil
}

// nativeNeed adds the rent floor to a native requirement.
func (v *Validator) nativeNeed(field, owner string, amounts ...uint64) (need, error) {
	total, err := ir.SumAmounts(append(amounts, v.limits.RentFloor)...)
	if err != nil {
		return need{}, err
	}
	return need{field: field, owner: owner, mint: chain.NativeAsset, amount: total}, nil
}

func (v *Validator) metadata(c *collector, field string, md ir.Metadata, required bool) {
	if !md.Present() && !required {
		return
	}
	if md.Name == "" {
		c.add(field+".name", "is required")
	} else if n := utf8.RuneCountInString(norm.NFC.String(md.Name)); n > v.limits.MaxNameLength {
		c.add(field+".name", "is %d characters, max %d", n, v.limits.MaxNameLength)
	}
	if md.Symbol == "" {
		c.add(field+".symbol", "is required")
	} else if n := utf8.RuneCountInString(norm.NFC.String(md.Symbol)); n > v.limits.MaxSymbolLength {
		c.add(field+".symbol", "is %d characters, max %d", n, v.limits.MaxSymbolLength)
	}
	if len(md.URI) > v.limits.MaxURILength {
		c.add(field+".uri", "is %d bytes, max %d", len(md.URI), v.limits.MaxURILength)
	}
}

func (v *Validator) assetCreation(c *collector, p *ir.AssetCreationParams) []need {
	c.address("params.payer", p.Payer)
	if p.Decimals > v.limits.MaxDecimals {
		c.add("params.decimals", "must be between 0 and %d", v.limits.MaxDecimals)
	}
	v.metadata(c, "params.metadata", p.Metadata, false)
	if p.MetadataUploaded && p.Metadata.URI == "" {
		c.add("params.metadata.uri", "is required when metadata was uploaded")
	}
	if _, err := ir.ScaleAmount(p.InitialSupply, p.Decimals); err != nil {
		c.add("params.initial_supply", "%v", err)
	}
	for i, part := range p.Participants {
		v.participantShape(c, i, part, p.Payer, false)
	}
	v.duplicateParticipants(c, p.Participants)

	rent := 2 * v.limits.AccountRent
	n, err := v.nativeNeed("params.payer", p.Payer, rent)
	if err != nil {
		c.add("params.payer", "%v", err)
		return nil
	}
	needs := []need{n}
	for i, part := range p.Participants {
		pn, err := v.participantNeeds(i, part, chain.NativeAsset)
		if err != nil {
			c.add(participantField(i, "native_amount"), "%v", err)
			continue
		}
		needs = append(needs, pn...)
	}
	return needs
}

func (v *Validator) distribution(c *collector, p *ir.DistributionParams) []need {
	c.address("params.sender", p.Sender)
	c.address("params.mint", p.Mint)
	if len(p.Recipients) == 0 {
		c.add("params.recipients", "at least one recipient is required")
	}
	if v.limits.MaxRecipients > 0 && len(p.Recipients) > v.limits.MaxRecipients {
		c.add("params.recipients", "has %d recipients, max %d", len(p.Recipients), v.limits.MaxRecipients)
	}
	amounts := make([]uint64, 0, len(p.Recipients))
	for i, r := range p.Recipients {
		field := fmt.Sprintf("params.recipients[%d]", i)
		if c.address(field+".address", r.Address) && r.Address == p.Sender {
			c.add(field+".address", "must differ from the sender")
		}
		if r.Amount == 0 {
			c.add(field+".amount", "must be positive")
		}
		amounts = append(amounts, r.Amount)
	}
	total, err := ir.SumAmounts(amounts...)
	if err != nil {
		c.add("params.recipients", "%v", err)
		return nil
	}
	n, err := v.nativeNeed("params.sender", p.Sender)
	if err != nil {
		return nil
	}
	return []need{
		n,
		{field: "params.sender", owner: p.Sender, mint: p.Mint, amount: total},
	}
}

func (v *Validator) poolCreation(c *collector, p *ir.PoolCreationParams) []need {
	c.address("params.payer", p.Payer)
	c.address("params.mint", p.Mint)
	if p.Pool != "" {
		c.address("params.pool", p.Pool)
	}
	if p.TokenAmount == 0 {
		c.add("params.token_amount", "must be positive")
	}
	if p.NativeAmount == 0 {
		c.add("params.native_amount", "must be positive")
	}
	for i, part := range p.Participants {
		v.participantShape(c, i, part, p.Payer, true)
	}
	v.duplicateParticipants(c, p.Participants)

	n, err := v.nativeNeed("params.payer", p.Payer, p.NativeAmount, v.limits.AccountRent)
	if err != nil {
		c.add("params.native_amount", "%v", err)
		return nil
	}
	needs := []need{n, {field: "params.payer", owner: p.Payer, mint: p.Mint, amount: p.TokenAmount}}
	for i, part := range p.Participants {
		pn, err := v.participantNeeds(i, part, p.Mint)
		if err != nil {
			c.add(participantField(i, "native_amount"), "%v", err)
			continue
		}
		needs = append(needs, pn...)
	}
	return needs
}

func (v *Validator) metadataUpdate(c *collector, p *ir.MetadataUpdateParams) []need {
	c.address("params.authority", p.Authority)
	c.address("params.mint", p.Mint)
	v.metadata(c, "params.metadata", p.Metadata, true)
	n, err := v.nativeNeed("params.authority", p.Authority)
	if err != nil {
		return nil
	}
	return []need{n}
}

func (v *Validator) authorityRevoke(c *collector, p *ir.AuthorityRevokeParams) []need {
	c.address("params.authority", p.Authority)
	c.address("params.mint", p.Mint)
	if !p.RevokeMint && !p.RevokeFreeze {
		c.add("params.revoke_mint", "at least one authority must be revoked")
	}
	n, err := v.nativeNeed("params.authority", p.Authority)
	if err != nil {
		return nil
	}
	return []need{n}
}
