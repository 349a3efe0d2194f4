package metrics

import (
	"context"
	"expvar"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetSingleton zeroes every counter of the process-wide instance. An
// expvar name can be published only once per process, so the instance is
// kept rather than rebuilt.
func resetSingleton() {
	m := GetMetrics()
	for _, v := range []*expvar.Int{m.JobsSubmitted, m.JobsRunning, m.JobsCompleted, m.JobsFailed,
		m.JobsResumed, m.JobsKilledEarly, m.ActiveLocalWorkers, m.SubmissionRetries} {
		v.Set(0)
	}
	m.BackendLatencies.Init()
	m.ErrorCounts.Init()
}

func TestMetricsSingleton(t *testing.T) {
	resetSingleton()

	m1 := GetMetrics()
	m2 := GetMetrics()

	assert.Same(t, m1, m2, "GetMetrics should return the same instance")
}

func TestJobLifecycleMetrics(t *testing.T) {
	resetSingleton()
	m := GetMetrics()

	m.RecordJobSubmitted()
	m.RecordJobSubmitted()
	assert.EqualValues(t, 2, m.JobsSubmitted.Value())

	m.RecordJobStarted()
	assert.EqualValues(t, 1, m.JobsRunning.Value())

	m.RecordJobConcluded()
	assert.EqualValues(t, 0, m.JobsRunning.Value())
	assert.EqualValues(t, 1, m.JobsCompleted.Value())

	m.RecordJobFailed()
	assert.EqualValues(t, 1, m.JobsFailed.Value())

	m.RecordJobResumed()
	assert.EqualValues(t, 1, m.JobsResumed.Value())

	m.RecordJobKilledEarly()
	assert.EqualValues(t, 1, m.JobsKilledEarly.Value())
}

func TestLocalWorkerMetrics(t *testing.T) {
	resetSingleton()
	m := GetMetrics()

	m.RecordLocalWorkerStart()
	m.RecordLocalWorkerStart()
	assert.EqualValues(t, 2, m.ActiveLocalWorkers.Value())

	m.RecordLocalWorkerStop()
	assert.EqualValues(t, 1, m.ActiveLocalWorkers.Value())
}

func TestSubmissionRetryMetric(t *testing.T) {
	resetSingleton()
	m := GetMetrics()

	m.RecordSubmissionRetry()
	m.RecordSubmissionRetry()
	assert.EqualValues(t, 2, m.SubmissionRetries.Value())
}

func TestBackendLatencyAndErrorMetrics(t *testing.T) {
	resetSingleton()
	m := GetMetrics()

	// These only need to not panic; expvar.Map doesn't expose per-key
	// values for easy assertion.
	m.RecordBackendLatency("submit", 100*time.Millisecond)
	m.RecordError("submission")
	m.RecordError("submission")
	m.RecordError("sacct_poll")
}

func TestMetricsServerStartStop(t *testing.T) {
	resetSingleton()
	m := GetMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.StartMetricsServer(ctx, 0)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("metrics server did not shut down in time")
	}
}

func TestHealthHandler(t *testing.T) {
	resetSingleton()
	m := GetMetrics()

	req, err := http.NewRequest("GET", "/health", nil)
	require.NoError(t, err)

	rr := &testResponseWriter{}
	m.healthHandler(rr, req)

	assert.Equal(t, http.StatusOK, rr.statusCode)
	assert.Equal(t, "application/json", rr.header.Get("Content-Type"))
	assert.Contains(t, string(rr.body), `"status":"healthy"`)
}

func TestReadinessHandler(t *testing.T) {
	resetSingleton()
	m := GetMetrics()

	req, err := http.NewRequest("GET", "/ready", nil)
	require.NoError(t, err)

	rr := &testResponseWriter{}
	m.readinessHandler(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.statusCode)

	m.RecordJobSubmitted()
	rr2 := &testResponseWriter{}
	m.readinessHandler(rr2, req)
	assert.Equal(t, http.StatusOK, rr2.statusCode)
	assert.Contains(t, string(rr2.body), `"status":"ready"`)
}

type testResponseWriter struct {
	header     http.Header
	body       []byte
	statusCode int
}

func (rw *testResponseWriter) Header() http.Header {
	if rw.header == nil {
		rw.header = make(http.Header)
	}
	return rw.header
}

func (rw *testResponseWriter) Write(data []byte) (int, error) {
	rw.body = append(rw.body, data...)
	return len(data), nil
}

func (rw *testResponseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
}
