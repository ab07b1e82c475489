package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_JobLifecycle(t *testing.T) {
	m := New()

	m.JobStarted("q1")
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkersBusy.WithLabelValues("q1")))

	m.JobFinished("q1", "SleepJob", 10*time.Millisecond, nil)
	m.JobStarted("q1")
	m.JobFinished("q1", "SleepJob", 10*time.Millisecond, errors.New("boom"))
	m.JobRetried("q1")
	m.JobDead("q1")
	m.WorkerRestarted("q1")
	m.WorkersChanged(3)
	m.WorkersChanged(-1)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.WorkersBusy.WithLabelValues("q1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsProcessed.WithLabelValues("q1", "SleepJob")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsFailed.WithLabelValues("q1", "SleepJob")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsRetried.WithLabelValues("q1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.JobsDead.WithLabelValues("q1")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.WorkerRestarts.WithLabelValues("q1")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.Workers))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.JobStarted("q1")
		m.JobFinished("q1", "X", time.Second, nil)
		m.JobRetried("q1")
		m.JobDead("q1")
		m.WorkerRestarted("q1")
		m.WorkersChanged(1)
	})
	assert.NotNil(t, m.Handler())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.JobRetried("critical")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `resqued_jobs_retried_total{queue="critical"} 1`)
}
