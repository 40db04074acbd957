package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := NewPrometheus(reg, "test")

	p.RecordFacadeCall("assign", 3, true)
	p.RecordFacadeCall("assign", 2, false)
	p.RecordFacadeCall("deallocate", 1, true)
	p.RecordRejectedBatch("chain-affinity", 4)
	p.RecordRegistrySize(5, 2)
	p.RecordChainPush(3, true)
	p.RecordEvent("add_rules", 0.002)
	p.RecordRebalance("chain-affinity", 4, 2)

	require.InDelta(t, 1, testutil.ToFloat64(p.facadeCalls.WithLabelValues("assign", "success")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.facadeCalls.WithLabelValues("assign", "failure")), 0)
	require.InDelta(t, 5, testutil.ToFloat64(p.facadeRules.WithLabelValues("assign")), 0)
	require.InDelta(t, 4, testutil.ToFloat64(p.rejectedRules.WithLabelValues("chain-affinity")), 0)
	require.InDelta(t, 5, testutil.ToFloat64(p.middleboxes), 0)
	require.InDelta(t, 2, testutil.ToFloat64(p.instances), 0)
	require.InDelta(t, 3, testutil.ToFloat64(p.steeredChains), 0)
	require.InDelta(t, 1, testutil.ToFloat64(p.rebalances.WithLabelValues("chain-affinity", "2")), 0)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNewPrometheus_Defaults(t *testing.T) {
	p := NewPrometheus(nil, "")
	require.Equal(t, "moly", p.namespace)
	require.Equal(t, prometheus.DefaultRegisterer, p.reg)
}
