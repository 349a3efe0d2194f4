// Package metrics exposes process-wide counters for the orchestration run:
// jobs by terminal outcome, active local workers, backend submission
// latency, and per-error-type counts, all published over expvar.
package metrics

import (
	"context"
	"expvar"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Metrics holds the orchestrator's process-wide counters.
type Metrics struct {
	JobsSubmitted     *expvar.Int
	JobsRunning       *expvar.Int
	JobsCompleted     *expvar.Int
	JobsFailed        *expvar.Int
	JobsResumed       *expvar.Int
	JobsKilledEarly   *expvar.Int
	ActiveLocalWorkers *expvar.Int
	SubmissionRetries *expvar.Int
	BackendLatencies  *expvar.Map
	ErrorCounts       *expvar.Map
	startTime         time.Time
	log               *logrus.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// GetMetrics returns the singleton metrics instance, constructing it (and
// registering its expvar variables) on first use.
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			JobsSubmitted:      expvar.NewInt("jobs_submitted_total"),
			JobsRunning:        expvar.NewInt("jobs_running"),
			JobsCompleted:      expvar.NewInt("jobs_completed_total"),
			JobsFailed:         expvar.NewInt("jobs_failed_total"),
			JobsResumed:        expvar.NewInt("jobs_resumed_total"),
			JobsKilledEarly:    expvar.NewInt("jobs_killed_early_total"),
			ActiveLocalWorkers: expvar.NewInt("local_workers_active"),
			SubmissionRetries:  expvar.NewInt("submission_retries_total"),
			BackendLatencies:   expvar.NewMap("backend_latencies_ms"),
			ErrorCounts:        expvar.NewMap("error_counts"),
			startTime:          time.Now(),
			log:                logrus.New(),
		}

		expvar.Publish("uptime_seconds", expvar.Func(func() any {
			return int64(time.Since(instance.startTime).Seconds())
		}))
	})
	return instance
}

// RecordJobSubmitted increments the submitted-jobs counter.
func (m *Metrics) RecordJobSubmitted() { m.JobsSubmitted.Add(1) }

// RecordJobStarted increments the currently-running gauge.
func (m *Metrics) RecordJobStarted() { m.JobsRunning.Add(1) }

// RecordJobConcluded decrements the running gauge and increments completed.
func (m *Metrics) RecordJobConcluded() {
	m.JobsRunning.Add(-1)
	m.JobsCompleted.Add(1)
}

// RecordJobFailed increments the failure counter; the running gauge is left
// unchanged.
func (m *Metrics) RecordJobFailed() {
	m.JobsFailed.Add(1)
}

// RecordJobResumed increments the resume counter.
func (m *Metrics) RecordJobResumed() { m.JobsResumed.Add(1) }

// RecordJobKilledEarly increments the early-kill counter.
func (m *Metrics) RecordJobKilledEarly() { m.JobsKilledEarly.Add(1) }

// RecordLocalWorkerStart increments the active local-backend worker gauge.
func (m *Metrics) RecordLocalWorkerStart() { m.ActiveLocalWorkers.Add(1) }

// RecordLocalWorkerStop decrements the active local-backend worker gauge.
func (m *Metrics) RecordLocalWorkerStop() { m.ActiveLocalWorkers.Add(-1) }

// RecordSubmissionRetry increments the submission-retry counter.
func (m *Metrics) RecordSubmissionRetry() { m.SubmissionRetries.Add(1) }

// RecordBackendLatency records how long a backend operation (submit, poll,
// stop) took, keyed by operation name.
func (m *Metrics) RecordBackendLatency(operation string, duration time.Duration) {
	m.BackendLatencies.Add(operation, int64(duration.Milliseconds()))
}

// RecordError records an error by a short type tag (e.g. "submission",
// "sacct_poll", "grace_timeout").
func (m *Metrics) RecordError(errorType string) {
	m.ErrorCounts.Add(errorType, 1)
}

// StartMetricsServer serves /metrics (expvar), /health and /ready until ctx
// is canceled.
func (m *Metrics) StartMetricsServer(ctx context.Context, port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/health", m.healthHandler)
	mux.HandleFunc("/ready", m.readinessHandler)

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			m.log.Errorf("metrics server shutdown error: %v", err)
		}
	}()

	m.log.Infof("metrics server starting on port %d", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (m *Metrics) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","timestamp":"` + time.Now().Format(time.RFC3339) + `"}`))
}

// readinessHandler reports ready once at least one job has been recorded
// as submitted -- i.e. the orchestrator has actually started dispatching
// work.
func (m *Metrics) readinessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	submitted := m.JobsSubmitted.Value()
	if submitted > 0 {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","jobs_submitted":` + strconv.FormatInt(submitted, 10) + `}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not_ready","jobs_submitted":0}`))
	}
}
