package cli

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Valid(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "asset.yaml", assetOperation)

	stdout, _, err := env.run("validate", path)
	require.NoError(t, err)
	assert.Equal(t, "✓ operation valid\n", stdout)

	_, statErr := os.Stat(env.chain)
	assert.True(t, os.IsNotExist(statErr), "validate must not write the ledger snapshot")
}

func TestValidate_Invalid(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "asset.yaml", invalidAssetOperation)

	stdout, _, err := env.run("validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "✗ operation invalid: 1 violation(s)")
	assert.Contains(t, stdout, "params.decimals: must be between 0 and 9")
}

func TestValidate_InvalidJSON(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "dist.yaml", `kind: distribution
wallets:
  - { name: payer, native: 10000000000 }
  - { name: alice, native: 0 }
mints:
  - { name: usd, authority: payer, decimals: 6, holders: { payer: 5000000 } }
params:
  sender: $payer
  mint: $usd
  recipients:
    - { address: $payer, amount: 100 }
    - { address: $alice, amount: 0 }
`)

	stdout, _, err := env.run("--format", "json", "validate", path)
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)
	assert.False(t, resp.Data.Valid)
	assert.Equal(t, "distribution", resp.Data.Kind)

	fields := make([]string, len(resp.Data.Violations))
	for i, v := range resp.Data.Violations {
		fields[i] = v.Field
	}
	assert.Equal(t, []string{"params.recipients[0].address", "params.recipients[1].amount"}, fields)
}

func TestValidate_BadFile(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "op.yaml", "kind: teleport\nparams: {}\n")

	stdout, _, err := env.run("validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "Error [E003]")
}
