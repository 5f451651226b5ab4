package metrics_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/metrics"
)

func counterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	return testutil.ToFloat64(c)
}

func TestHTTPMiddleware_RecordsRequestMetrics(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	before := counterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")

	resp, err := http.Get(server.URL + "/some/asset.js")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := counterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "200")
	assert.Equal(t, float64(1), after-before)
}

func TestHTTPMiddleware_KeepsMetricsPathDistinct(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	before := counterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")

	resp, err := http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := counterValue(t, metrics.HTTPRequestsTotal, "GET", "/metrics", "200")
	assert.Equal(t, float64(1), after-before)
}

func TestHTTPMiddleware_Records404(t *testing.T) {
	handler := metrics.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	before := counterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")

	resp, err := http.Get(server.URL + "/nonexistent")
	require.NoError(t, err)
	_ = resp.Body.Close()

	after := counterValue(t, metrics.HTTPRequestsTotal, "GET", "/other", "404")
	assert.Equal(t, float64(1), after-before)
}

func TestActiveAgentsGauge(t *testing.T) {
	g := metrics.ActiveAgents.WithLabelValues("team-a", "Idle")
	before := testutil.ToFloat64(g)
	g.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(g))
	g.Dec()
	assert.Equal(t, before, testutil.ToFloat64(g))
}

func TestMetricsRegistered(t *testing.T) {
	count, err := testutil.GatherAndCount(prometheus.DefaultGatherer)
	require.NoError(t, err)
	assert.Greater(t, count, 0, "should have registered metrics")
}
