package harness

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/config"
)

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		name := strings.TrimSuffix(filepath.Base(path), ".yaml")
		t.Run(name, func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(context.Background(), scenario)
			require.NoError(t, err)
			if !result.Pass {
				t.Fatalf("scenario failed:\n%s\ntrace:\n%s", strings.Join(result.Errors, "\n"), FormatTrace(result.Trace))
			}
		})
	}
}

func assetCreation(expect *ExpectClause) *Scenario {
	return &Scenario{
		Name:        "asset",
		Description: "plain asset creation",
		Wallets:     []WalletSetup{{Name: "payer", Native: 10_000_000_000}},
		Flow: []FlowStep{{
			Invoke: InvokeExecute,
			Kind:   "asset-creation",
			Params: map[string]any{"payer": "$payer", "decimals": 6, "initial_supply": 5},
			Expect: expect,
		}},
	}
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

func TestRun_Success(t *testing.T) {
	result, err := Run(context.Background(), assetCreation(&ExpectClause{
		Success: boolPtr(true),
		Status:  "completed",
		Method:  "atomic",
		IDs:     intPtr(2),
		Landed:  []string{"create-account", "mint"},
	}))
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)

	require.Len(t, result.Steps, 1)
	step := result.Steps[0]
	require.NotNil(t, step.Operation)
	assert.Equal(t, "op-1", step.Operation.OperationID)
	assert.Empty(t, step.Err)

	assert.Equal(t, EventInvoke, result.Trace[0].Type)
	last := result.Trace[len(result.Trace)-1]
	assert.Equal(t, EventResult, last.Type)
	v, ok := last.Get("success")
	require.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestRun_ExpectMismatch(t *testing.T) {
	result, err := Run(context.Background(), assetCreation(&ExpectClause{
		Success:  boolPtr(false),
		Method:   "sequential",
		Attempts: intPtr(3),
		Landed:   []string{"mint"},
		Complete: boolPtr(true),
	}))
	require.NoError(t, err)
	assert.False(t, result.Pass)

	joined := strings.Join(result.Errors, "\n")
	assert.Contains(t, joined, "flow[0]: success: expected false, got true")
	assert.Contains(t, joined, "method: expected sequential, got atomic")
	assert.Contains(t, joined, "attempts: expected 3, got 1")
	assert.Contains(t, joined, "landed: expected [mint], got [create-account mint]")
	assert.Contains(t, joined, "rollback: expected a rollback report, got none")
}

func TestRun_UnknownReference(t *testing.T) {
	s := assetCreation(nil)
	s.Flow[0].Params["payer"] = "$ghost"

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `unknown reference "$ghost"`)
	require.Len(t, result.Steps, 1)
	assert.NotEmpty(t, result.Steps[0].Err)
}

func TestRun_UnknownReferenceInAssertion(t *testing.T) {
	s := assetCreation(nil)
	s.Assertions = []Assertion{{
		Type:   AssertFinalState,
		Table:  "records",
		Where:  map[string]any{"wallet": "$nobody"},
		Expect: map[string]any{"action": "mint"},
	}}

	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, strings.Join(result.Errors, "\n"), `unknown reference "$nobody"`)
}

func TestRun_RollbackWithoutOperation(t *testing.T) {
	s := &Scenario{
		Name:        "rollback-first",
		Description: "rollback before anything ran",
		Flow:        []FlowStep{{Invoke: InvokeRollback}},
	}
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Contains(t, strings.Join(result.Errors, "\n"), "no operation to roll back")
}

func TestRun_ExpectedErrorMismatch(t *testing.T) {
	s := &Scenario{
		Name:        "rollback-missing",
		Description: "rollback of an unknown operation",
		Flow: []FlowStep{{
			Invoke:    InvokeRollback,
			Operation: "op-7",
			Expect:    &ExpectClause{Error: "permission denied"},
		}},
	}
	result, err := Run(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `expected "permission denied"`)
}

func TestRun_WithConfig(t *testing.T) {
	cfg := config.Default()
	cfg.AtomicChannel = false

	result, err := Run(context.Background(), assetCreation(&ExpectClause{
		Success: boolPtr(true),
		Method:  "sequential",
	}), WithConfig(cfg))
	require.NoError(t, err)
	require.True(t, result.Pass, result.Errors)
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "fallback_rollback.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.Equal(t, FormatTrace(first.Trace), FormatTrace(second.Trace))
}
