package orchestrator

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerops/internal/chain"
	"github.com/roach88/ledgerops/internal/chain/simchain"
	"github.com/roach88/ledgerops/internal/ir"
)

func TestMetricsFollowExecution(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newFixture(t, fixtureOptions{opts: []Option{WithMetrics(m)}})
	f.sim.RejectBundles(3)

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.True(t, res.Success, res.Error)

	assert.Equal(t, 1.0, promtest.ToFloat64(m.Operations.WithLabelValues(string(ir.KindAssetCreation), string(ir.StatusCompleted))))
	assert.Equal(t, 3.0, promtest.ToFloat64(m.Attempts.WithLabelValues(string(ir.MethodAtomic), string(chain.KindBundleRejected))))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Attempts.WithLabelValues(string(ir.MethodSequential), "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Fallbacks))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.FeeEscalations))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	for _, want := range []string{
		"ledgerops_operations_total",
		"ledgerops_attempts_total",
		"ledgerops_fallbacks_total",
		"ledgerops_fee_escalations_total",
		"ledgerops_operation_duration_seconds",
	} {
		assert.True(t, names[want], want)
	}
}

func TestMetricsCountRollbackEntries(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, fixtureOptions{noAtomic: true, opts: []Option{WithMetrics(m)}})
	f.sim.FailGroup(ir.GroupMint, simchain.Failure{Stage: simchain.StageExecute})

	res, err := f.orch.Execute(context.Background(), f.assetParams())
	require.NoError(t, err)
	require.NotNil(t, res.Rollback)

	assert.Equal(t, float64(len(res.Rollback.Compensated())),
		promtest.ToFloat64(m.RollbackEntries.WithLabelValues(string(ir.ResolutionCompensated))))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.Operations.WithLabelValues(string(ir.KindAssetCreation), string(ir.StatusRolledBack))))
}

func TestNilMetricsAreIgnored(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.operation(ir.KindDistribution, ir.StatusCompleted, 0)
		m.attempt(ir.MethodAtomic, nil)
		m.fallback()
		m.feeEscalated()
		m.rollbackEntry("skipped")
	})
}
