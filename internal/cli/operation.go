package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/config"
	"github.com/roach88/ledgerops/internal/harness"
	"github.com/roach88/ledgerops/internal/ir"
)

// OperationFile is the document read by execute and validate:
//
//	kind: distribution
//	wallets:
//	  - { name: payer, native: 10000000000 }
//	mints:
//	  - { name: usd, authority: payer, decimals: 6, holders: { payer: 5000000 } }
//	chain:
//	  atomic_channel: false
//	params:
//	  sender: $payer
//	  mint: $usd
//	  recipients:
//	    - { address: $alice, amount: 100 }
//
// Wallets and mints are added to the ledger before the operation runs;
// names from earlier runs stay resolvable through the ledger snapshot.
// The chain script applies to this run only.
type OperationFile struct {
	Kind    string                `yaml:"kind"`
	Params  map[string]any        `yaml:"params"`
	Wallets []harness.WalletSetup `yaml:"wallets,omitempty"`
	Mints   []harness.MintSetup   `yaml:"mints,omitempty"`
	Chain   harness.ChainScript   `yaml:"chain,omitempty"`
}

// LoadError is an operation file that cannot be used.
type LoadError struct {
	Code    string
	Path    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Path, e.Code, e.Message)
}

// LoadOperation reads and checks an operation file. Unknown fields are
// rejected.
func LoadOperation(path string) (*OperationFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &LoadError{Code: ErrCodeNotFound, Path: path, Message: "operation file not found"}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Path: path, Message: err.Error()}
	}

	var f OperationFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, &LoadError{Code: ErrCodeInvalidFile, Path: path, Message: fmt.Sprintf("failed to parse YAML: %v", err)}
	}
	if !ir.OperationKind(f.Kind).Valid() {
		return nil, &LoadError{Code: ErrCodeInvalidFile, Path: path, Message: fmt.Sprintf("unknown operation kind %q", f.Kind)}
	}
	if f.Params == nil {
		return nil, &LoadError{Code: ErrCodeInvalidFile, Path: path, Message: "params is required"}
	}
	return &f, nil
}

// prepare applies the file's atomic_channel override to cfg and adds its
// wallets, mints and chain script to sim.
func (f *OperationFile) prepare(cfg *config.Config, sim *simchain.Chain) error {
	if f.Chain.AtomicChannel != nil {
		cfg.AtomicChannel = *f.Chain.AtomicChannel
	}
	return harness.Setup(sim, f.Wallets, f.Mints, f.Chain)
}

// decode resolves $names against sim and decodes the parameters.
func (f *OperationFile) decode(sim *simchain.Chain) (ir.Params, error) {
	return harness.DecodeParams(sim, f.Kind, f.Params)
}

// loadOperationOrReport loads path and reports a load failure through
// formatter.
func loadOperationOrReport(formatter *OutputFormatter, path string) (*OperationFile, error) {
	f, err := LoadOperation(path)
	if err == nil {
		return f, nil
	}
	var le *LoadError
	if errors.As(err, &le) {
		_ = formatter.Error(le.Code, le.Message, map[string]string{"path": le.Path})
	} else {
		_ = formatter.Error(ErrCodeGeneric, err.Error(), nil)
	}
	return nil, WrapExitError(ExitCommandError, "failed to load operation", err)
}
