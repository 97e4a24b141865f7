package obs_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/nexus-finance-backend/internal/obs"
)

func gatheredNames(t *testing.T, g prometheus.Gatherer) map[string]bool {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestDomainMetricsUseConfiguredNamespace(t *testing.T) {
	registry := prometheus.NewRegistry()
	obs.ReconcileTotal.WithLabelValues("activated").Inc()
	obs.MustRegisterDomainMetrics("relay", registry)
	obs.MustRegisterDomainMetrics("relay", registry)

	names := gatheredNames(t, registry)
	require.True(t, names["relay_payment_reconcile_total"])
	require.False(t, names["payment_reconcile_total"])
}

func TestMustRegisterAppliesNamespaceToAnyCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "worker_backlog", Help: "test gauge"})
	obs.MustRegister(obs.Namespaced("billing", registry), gauge)
	gauge.Set(3)

	require.True(t, gatheredNames(t, registry)["billing_worker_backlog"])
}
