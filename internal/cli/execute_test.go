package cli

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/ir"
	"github.com/roach88/ledgerops/internal/orchestrator"
)

type executeResponse struct {
	Status string                       `json:"status"`
	Data   orchestrator.OperationResult `json:"data"`
	Error  *CLIError                    `json:"error"`
}

func decodeExecute(t *testing.T, stdout string) executeResponse {
	t.Helper()
	var resp executeResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	return resp
}

// executeJSON runs execute with JSON output and returns the decoded
// response along with the command error.
func executeJSON(t *testing.T, env *cliEnv, content string) (executeResponse, error) {
	t.Helper()
	path := env.write(t, "op.yaml", content)
	stdout, _, err := env.run("--format", "json", "execute", path)
	return decodeExecute(t, stdout), err
}

func TestExecute_Text(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "asset.yaml", assetOperation)

	stdout, _, err := env.run("execute", path)
	require.NoError(t, err)
	assert.Contains(t, stdout, "✓ ")
	assert.Contains(t, stdout, "completed (asset-creation)")
	assert.Contains(t, stdout, "Method:   atomic")
	assert.Contains(t, stdout, "Attempts: 1")
	assert.Contains(t, stdout, "[0] create-account")
	assert.Contains(t, stdout, "[1] mint")
	assert.NotContains(t, stdout, "Rollback:")

	_, statErr := os.Stat(env.chain)
	assert.NoError(t, statErr, "ledger snapshot should be saved")
	_, statErr = os.Stat(env.db)
	assert.NoError(t, statErr, "database should be created")
}

func TestExecute_JSON(t *testing.T) {
	env := newCLIEnv(t)
	resp, err := executeJSON(t, env, assetOperation)
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
	assert.True(t, resp.Data.Success)
	assert.Equal(t, ir.StatusCompleted, resp.Data.Status)
	assert.Equal(t, ir.MethodAtomic, resp.Data.Method)
	assert.Len(t, resp.Data.IDs, 2)
	assert.NotEmpty(t, resp.Data.OperationID)
}

func TestExecute_RolledBack(t *testing.T) {
	env := newCLIEnv(t)
	resp, err := executeJSON(t, env, failingAssetOperation)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeExecution, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "rolled_back")

	assert.False(t, resp.Data.Success)
	assert.Equal(t, ir.StatusRolledBack, resp.Data.Status)
	assert.Equal(t, ir.MethodSequential, resp.Data.Method)
	assert.Equal(t, chain.KindProgramError, resp.Data.ErrorKind)
	require.NotNil(t, resp.Data.Rollback)
	assert.True(t, resp.Data.Rollback.Complete)
	assert.Empty(t, resp.Data.Rollback.ManualActions)
}

func TestExecute_RolledBackText(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "op.yaml", failingAssetOperation)

	stdout, _, err := env.run("execute", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, stdout, "✗ ")
	assert.Contains(t, stdout, "rolled_back")
	assert.Contains(t, stdout, "Method:   sequential")
	assert.Contains(t, stdout, "Rollback: complete")
}

func TestExecute_ValidationFailure(t *testing.T) {
	env := newCLIEnv(t)
	resp, err := executeJSON(t, env, invalidAssetOperation)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)
	assert.Equal(t, ir.StatusFailed, resp.Data.Status)
	assert.Equal(t, chain.KindValidation, resp.Data.ErrorKind)
	assert.Zero(t, resp.Data.Attempts)
	require.Len(t, resp.Data.Violations, 1)
	assert.Equal(t, "params.decimals", resp.Data.Violations[0].Field)
}

func TestExecute_Events(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "asset.yaml", assetOperation)

	_, stderr, err := env.run("execute", "--events", path)
	require.NoError(t, err)
	assert.Contains(t, stderr, "operation-started")
	assert.Contains(t, stderr, "attempt-started")
	assert.Contains(t, stderr, "group=0:create-account")
	assert.Contains(t, stderr, "status=completed")

	// events and verbose logs share stderr
	_, stderr, err = env.run("execute", "--events", "--verbose", path)
	require.NoError(t, err)
	assert.Contains(t, stderr, "operation-started")
	assert.Contains(t, stderr, "session ready")
}

func TestExecute_MissingFile(t *testing.T) {
	env := newCLIEnv(t)
	stdout, _, err := env.run("execute", "missing.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "Error [E002]")
}

func TestExecute_UnknownReference(t *testing.T) {
	env := newCLIEnv(t)
	path := env.write(t, "op.yaml", "kind: asset-creation\nparams: { payer: $nobody, decimals: 6 }\n")

	stdout, _, err := env.run("execute", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, stdout, "Error [E003]")
	assert.Contains(t, stdout, "$nobody")
}

func TestExecute_NamesPersistAcrossRuns(t *testing.T) {
	env := newCLIEnv(t)
	_, err := executeJSON(t, env, assetOperation)
	require.NoError(t, err)

	// The second file declares no wallets; $payer comes from the snapshot.
	resp, err := executeJSON(t, env, "kind: asset-creation\nparams: { payer: $payer, decimals: 2, initial_supply: 7 }\n")
	require.NoError(t, err)
	assert.True(t, resp.Data.Success)
}

func TestExecute_ConfigDisablesAtomic(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.write(t, "policy.yaml", "atomic_channel: false\n")
	path := env.write(t, "asset.yaml", assetOperation)

	stdout, _, err := env.run("--config", cfgPath, "--format", "json", "execute", path)
	require.NoError(t, err)
	resp := decodeExecute(t, stdout)
	assert.Equal(t, ir.MethodSequential, resp.Data.Method)
}

func TestExecute_InvalidConfig(t *testing.T) {
	env := newCLIEnv(t)
	cfgPath := env.write(t, "policy.yaml", "limits: { transfers_per_group: 500 }\n")
	path := env.write(t, "asset.yaml", assetOperation)

	_, _, err := env.run("--config", cfgPath, "execute", path)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}
