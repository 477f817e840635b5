package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/ir"
)

// Setup funds wallets, installs mints and applies script to sim. Names
// already known to sim may be referenced without being listed again, so
// a saved chain can be extended across runs.
func Setup(sim *simchain.Chain, wallets []WalletSetup, mints []MintSetup, script ChainScript) error {
	for _, w := range wallets {
		sim.Fund(w.Name, w.Native)
	}
	for _, m := range mints {
		authority, ok := sim.Lookup(m.Authority)
		if !ok {
			return fmt.Errorf("mint %s: unknown authority %q", m.Name, m.Authority)
		}
		addr := sim.Wallet(m.Name)
		sim.InstallMint(addr, authority, m.Decimals)

		holders := make([]string, 0, len(m.Holders))
		for h := range m.Holders {
			holders = append(holders, h)
		}
		slices.Sort(holders)
		for _, h := range holders {
			owner, ok := sim.Lookup(h)
			if !ok {
				return fmt.Errorf("mint %s: unknown holder %q", m.Name, h)
			}
			sim.FundToken(owner, addr, m.Holders[h])
		}
	}

	if len(script.Bundles) > 0 {
		errs := make([]error, len(script.Bundles))
		for i, b := range script.Bundles {
			if b == "accept" {
				continue
			}
			kind, err := chain.ParseKind(b)
			if err != nil {
				return err
			}
			errs[i] = chain.NewError(kind, "submit bundle", "scripted %s", kind)
		}
		sim.ScriptBundles(errs...)
	}
	for _, f := range script.Failures {
		sim.FailGroup(ir.GroupLabel(f.Group), f.Failure)
	}
	for _, name := range script.DenySigners {
		addr, ok := sim.Lookup(name)
		if !ok {
			return fmt.Errorf("deny signer: unknown wallet %q", name)
		}
		sim.DenySigner(addr)
	}
	if script.MetadataRollbackError != "" {
		sim.FailMetadataRollback(errors.New(script.MetadataRollbackError))
	}
	return nil
}

// Resolve replaces "$name" strings with the address of the named wallet
// or mint, recursing into maps and lists.
func Resolve(sim *simchain.Chain, v any) (any, error) {
	switch val := v.(type) {
	case string:
		if name, ok := strings.CutPrefix(val, "$"); ok {
			addr, found := sim.Lookup(name)
			if !found {
				return nil, fmt.Errorf("unknown reference %q", val)
			}
			return addr, nil
		}
		return val, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			res, err := Resolve(sim, item)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			res, err := Resolve(sim, item)
			if err != nil {
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	}
	return v, nil
}

// DecodeParams resolves references in params and decodes them for kind.
func DecodeParams(sim *simchain.Chain, kind string, params map[string]any) (ir.Params, error) {
	resolved, err := Resolve(sim, params)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(resolved)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	return ir.DecodeParams(ir.OperationKind(kind), raw)
}
