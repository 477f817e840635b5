package builder

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/ir"
)

var rank = map[ir.GroupLabel]int{
	ir.GroupCreateAccount: 0,
	ir.GroupMetadata:      1,
	ir.GroupMint:          2,
	ir.GroupContribution:  3,
}

// Property: for any combination of optional groups and fragments, labels
// appear in creation -> metadata -> mint -> fragment order with dense
// indices.
func TestGroupOrderProperty(t *testing.T) {
	sim := simchain.New()
	payer := sim.Wallet("payer")
	mint := sim.Wallet("mint")
	b := New(sim, sim)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("group order is fixed", prop.ForAll(
		func(withMetadata bool, supply uint64, fragments int) bool {
			p := &ir.AssetCreationParams{Payer: payer, Decimals: 2, InitialSupply: supply}
			if withMetadata {
				p.Metadata = ir.Metadata{Name: "N", Symbol: "S"}
			}
			var frags []ir.InstructionGroup
			for i := 0; i < fragments; i++ {
				in, err := sim.Transfer(sim.Wallet(fmt.Sprintf("p%d", i)), payer, "", 1)
				if err != nil {
					return false
				}
				frags = append(frags, ir.InstructionGroup{Label: ir.GroupContribution, Instructions: []ir.Instruction{in}})
			}

			groups, err := b.Build(ctx, Input{Operation: ir.NewOperation("op", p, t0), NewMint: mint, Fragments: frags})
			if err != nil {
				return false
			}
			want := 1 + fragments
			if withMetadata {
				want++
			}
			if supply > 0 {
				want++
			}
			if len(groups) != want {
				return false
			}
			for i, g := range groups {
				if g.Index != i {
					return false
				}
				if i > 0 && rank[groups[i-1].Label] > rank[g.Label] {
					return false
				}
			}
			return groups[0].Label == ir.GroupCreateAccount
		},
		gen.Bool(),
		gen.UInt64Range(0, 1_000_000),
		gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
