package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Lifecycle(t *testing.T) {
	m := New()

	m.RecordStarted("C_PROD", "web")
	m.RecordStarted("C_PROD", "all")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.activeDeployments))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deploymentsStarted.WithLabelValues("C_PROD", "web")))

	m.RecordFinished("C_PROD", "done", 90*time.Second)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.activeDeployments))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.deploymentsFinished.WithLabelValues("C_PROD", "done")))

	m.RecordCheckFailure("okfde/froide")
	m.RecordCheckFailure("okfde/froide")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.checkFailures.WithLabelValues("okfde/froide")))

	m.RecordProgress("Restart web")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.progressEvents.WithLabelValues("Restart web")))

	m.RecordPhase("checks", "succeeded", time.Second)
	assert.Equal(t, 1, testutil.CollectAndCount(m.phaseDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStarted("t", "web")
		m.RecordFinished("t", "done", time.Second)
		m.RecordPhase("sync", "failed", time.Second)
		m.RecordCheckFailure("o/r")
		m.RecordProgress("x")
	})
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.RecordStarted("C_TEST", "backend")

	server := httptest.NewServer(m.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `deploybot_deployments_started_total{tag="backend",target="C_TEST"} 1`)
	assert.Contains(t, string(body), "deploybot_active_deployments 1")
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 5*time.Millisecond)
}
