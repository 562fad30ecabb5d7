package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestNoopCollector(t *testing.T) {
	collector := Noop()
	require.NotNil(t, collector)
	collector.ObserveRequest("/v1/players", "POST", "200", time.Millisecond)
	collector.SetPoolEntries(2, 1)
	collector.IncEntryDiscarded()
}

func TestPrometheusCollectorRecordsRequests(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.NotNil(t, collector)

	collector.ObserveRequest("/v1/players", "POST", "200", 5*time.Millisecond)
	collector.ObserveRequest("/v1/players", "POST", "200", 7*time.Millisecond)
	collector.IncAcquireTimeout()
	collector.SetPoolEntries(5, 2)

	families := gather(t, reg)
	requireCounterValue(t, families["game_api_requests_total"], 2)
	requireCounterValue(t, families["game_api_pool_acquire_timeouts_total"], 1)
	requireGaugeValue(t, families["game_api_pool_entries"], 5)
	requireGaugeValue(t, families["game_api_pool_idle_entries"], 2)
}

func TestPrometheusCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPrometheusCollector(reg)
	require.NoError(t, err)

	again, err := NewPrometheusCollector(reg)
	require.NoError(t, err)
	require.Same(t, collector.requests, again.requests)
	require.Same(t, collector.rateLimited, again.rateLimited)

	collector.IncRateLimited("/v1/players")
	again.IncRateLimited("/v1/players")

	families := gather(t, reg)
	requireCounterValue(t, families["game_api_rate_limited_total"], 2)
}

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	families := make(map[string]*dto.MetricFamily, len(metrics))
	for _, mf := range metrics {
		families[mf.GetName()] = mf
	}
	return families
}

func requireCounterValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.NotNil(t, mf)
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Counter)
	require.Equal(t, value, mf.Metric[0].Counter.GetValue())
}

func requireGaugeValue(t *testing.T, mf *dto.MetricFamily, value float64) {
	t.Helper()
	require.NotNil(t, mf)
	require.Len(t, mf.Metric, 1)
	require.NotNil(t, mf.Metric[0].Gauge)
	require.Equal(t, value, mf.Metric[0].Gauge.GetValue())
}
