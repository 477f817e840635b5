package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/compensation"
	"github.com/roach88/ledgerops/internal/ir"
)

func TestHistory_Text(t *testing.T) {
	env := newCLIEnv(t)
	executed, err := executeJSON(t, env, failingAssetOperation)
	require.Error(t, err)
	id := executed.Data.OperationID

	stdout, _, err := env.run("history", id)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Operation: "+id)
	assert.Contains(t, stdout, "Kind:      asset-creation")
	assert.Contains(t, stdout, "Status:    rolled_back")
	assert.Contains(t, stdout, "=== Status ===")
	assert.Contains(t, stdout, "-> rolled_back")
	assert.Contains(t, stdout, "=== Records ===")
	assert.Contains(t, stdout, "account-created")
	assert.Contains(t, stdout, "=== Outcomes ===")
	assert.Contains(t, stdout, "=== Resolutions ===")
	assert.Contains(t, stdout, "compensated")
}

func TestHistory_JSON(t *testing.T) {
	env := newCLIEnv(t)
	executed, err := executeJSON(t, env, assetOperation)
	require.NoError(t, err)
	id := executed.Data.OperationID

	stdout, _, err := env.run("--format", "json", "history", id)
	require.NoError(t, err)

	var resp struct {
		Status string               `json:"status"`
		Data   compensation.History `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp), stdout)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, id, resp.Data.Operation.ID)
	assert.Equal(t, ir.StatusCompleted, resp.Data.Status)
	require.NotEmpty(t, resp.Data.Changes)
	assert.Equal(t, ir.StatusCompleted, resp.Data.Changes[len(resp.Data.Changes)-1].To)
	assert.NotEmpty(t, resp.Data.Records)
	assert.Empty(t, resp.Data.Resolutions)
}

func TestHistory_UnknownOperation(t *testing.T) {
	env := newCLIEnv(t)
	stdout, _, err := env.run("--format", "json", "history", "no-such-op")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	resp := decodeResponse(t, stdout)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeUnknownOp, resp.Error.Code)
}
