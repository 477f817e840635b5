package validate

import (
	"context"
	"fmt"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
)

func participantField(i int, name string) string {
	return fmt.Sprintf("participants[%d].%s", i, name)
}

// participantShape checks the structure of one participant.
func (v *Validator) participantShape(c *collector, i int, p ir.WalletParticipant, target string, tokensAllowed bool) {
	if c.address(participantField(i, "address"), p.Address) && p.Address == target {
		c.add(participantField(i, "address"), "must differ from the target wallet")
	}
	if p.NativeAmount == 0 && p.TokenAmount == 0 {
		c.add(participantField(i, "native_amount"), "participant must contribute something")
	}
	if p.TokenAmount > 0 && !tokensAllowed {
		c.add(participantField(i, "token_amount"), "token contributions need an existing asset")
	}
}

func (v *Validator) duplicateParticipants(c *collector, parts []ir.WalletParticipant) {
	seen := map[string]int{}
	for i, p := range parts {
		if j, ok := seen[p.Address]; ok && p.Address != "" {
			c.add(participantField(i, "address"), "duplicates participants[%d]", j)
			continue
		}
		seen[p.Address] = i
	}
}

func (v *Validator) participantNeeds(i int, p ir.WalletParticipant, mint string) ([]need, error) {
	native, err := v.nativeNeed(participantField(i, "native_amount"), p.Address, p.NativeAmount)
	if err != nil {
		return nil, err
	}
	needs := []need{native}
	if p.TokenAmount > 0 {
		needs = append(needs, need{field: participantField(i, "token_amount"), owner: p.Address, mint: mint, amount: p.TokenAmount})
	}
	return needs, nil
}

// CheckParticipant validates one participant of a multi-wallet operation:
// its shape and its balance against the required contribution plus the
// rent floor. mint is the asset token contributions are drawn from, or
// chain.NativeAsset when token contributions are not allowed.
func (v *Validator) CheckParticipant(ctx context.Context, index int, p ir.WalletParticipant, mint, target string) ([]Violation, error) {
	c := &collector{}
	v.participantShape(c, index, p, target, mint != chain.NativeAsset)
	if len(c.violations) > 0 {
		return c.violations, nil
	}
	needs, err := v.participantNeeds(index, p, mint)
	if err != nil {
		c.add(participantField(index, "native_amount"), "%v", err)
		return c.violations, nil
	}
	for _, n := range needs {
		if err := v.checkNeed(ctx, c, n); err != nil {
			return nil, err
		}
	}
	return c.violations, nil
}
