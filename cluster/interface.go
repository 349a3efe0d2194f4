// Package cluster implements the batch-backend abstraction consumed by
// the orchestrator: Condor, Slurm, and Local variants behind one shared
// public contract. Backends never apply results themselves -- they only
// detect failure beyond message loss; success always arrives through the
// communication server.
package cluster

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/job"
)

// Logger is the narrow logging seam shared across this module's
// subsystems.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Hook is a submission hook: a side effect run around every submission,
// with a sticky error state surfaced through update_status-style polling.
type Hook interface {
	Identifier() string
	PreRunRoutine(j *job.Job) error
	PostRunRoutine(j *job.Job) error
	// UpdateStatus reports whether the hook is currently healthy (state
	// 0/OK) or has recorded an error (state 1).
	UpdateStatus() (ok bool, detail string)
}

// SubmitFunc hands a rendered run script to the backend and returns the
// backend-assigned cluster id.
type SubmitFunc func(j *job.Job, scriptPath string) (clusterID string, err error)

// StopFunc cancels a job already known to the backend.
type StopFunc func(clusterID string) error

// MarkFailedFunc scans currently-submitted/running jobs for backend-visible
// failure and mutates any it finds via j.MarkFailed. seen deduplicates
// repeated error text across calls.
type MarkFailedFunc func(jobs []*job.Job, log Logger, seen map[string]bool)

// Base implements the bookkeeping shared by every concrete backend: job
// queue, accessors, hooks, and the submission retry loop. Concrete
// backends embed Base and supply SubmitFn/StopFn/MarkFailedFn/ReadyFn.
type Base struct {
	log      Logger
	jobsDir  string
	connInfo comm.ConnectionInfo

	SubmitFn     SubmitFunc
	StopFn       StopFunc
	MarkFailedFn MarkFailedFunc
	// ReadyFn gates CheckForFailedJobs, e.g. Slurm's 60s sacct throttle.
	// A nil ReadyFn means always ready.
	ReadyFn func() bool
	// WrapScriptFn turns the bare execution command body into the full run
	// script a backend hands to its launcher (shebang, scheduler directives,
	// exit-code handling). A nil WrapScriptFn writes the bare body.
	WrapScriptFn func(j *job.Job, body, scriptPath string) string
	// SpecFn writes the backend-specific job-spec file (e.g. a Condor
	// submit description) next to the run script and returns its path. A
	// nil SpecFn means the run script itself is what gets submitted.
	SpecFn func(j *job.Job, scriptPath string) (string, error)

	mu     sync.Mutex
	queue  []*job.Job
	all    map[int]*job.Job
	seen   map[string]bool
	hooks  []Hook
	closed bool
}

// NewBase constructs the shared backend state.
func NewBase(jobsDir string, connInfo comm.ConnectionInfo, log Logger) *Base {
	return &Base{
		log:      log,
		jobsDir:  jobsDir,
		connInfo: connInfo,
		all:      make(map[int]*job.Job),
		seen:     make(map[string]bool),
	}
}

// RegisterSubmissionHook attaches a hook invoked around every submission.
func (b *Base) RegisterSubmissionHook(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, h)
}

// Hooks returns the currently registered submission hooks, for the
// orchestrator's per-iteration report_data.json.
func (b *Base) Hooks() []Hook {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Hook(nil), b.hooks...)
}

// AddJobs registers jobs with the backend, optionally enqueueing them for
// submission.
func (b *Base) AddJobs(jobs []*job.Job, enqueue bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, j := range jobs {
		b.all[j.ID] = j
		if enqueue {
			b.queue = append(b.queue, j)
		}
	}
}

// HasUnsubmittedJobs reports whether any job is still queued.
func (b *Base) HasUnsubmittedJobs() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) > 0
}

// SubmitNext pops the head of the FIFO queue and submits it, rendering its
// run script first unless it is resuming. Retries submission up to 10
// times with a 15s per-attempt timeout; persistent failure closes the
// backend and returns an error.
func (b *Base) SubmitNext() error {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	j := b.queue[0]
	b.queue = b.queue[1:]
	hooks := append([]Hook(nil), b.hooks...)
	b.mu.Unlock()

	for _, h := range hooks {
		if err := h.PreRunRoutine(j); err != nil {
			b.log.Warnf("submission hook %s pre_run_routine failed for job %d: %v", h.Identifier(), j.ID, err)
		}
	}

	if !j.WaitingForResume {
		scriptPath := filepath.Join(b.jobsDir, fmt.Sprintf("%d_%d.sh", j.Iteration, j.ID))
		content := j.GenerateExecutionCmd(b.connInfo.IP, b.connInfo.Port)
		if b.WrapScriptFn != nil {
			content = b.WrapScriptFn(j, content, scriptPath)
		}
		if err := os.WriteFile(scriptPath, []byte(content), 0o755); err != nil {
			return errors.Wrapf(err, "render run script for job %d", j.ID)
		}
		j.RunScriptPath = scriptPath
		if b.SpecFn != nil {
			specPath, err := b.SpecFn(j, scriptPath)
			if err != nil {
				return errors.Wrapf(err, "write job spec for job %d", j.ID)
			}
			j.JobSpecFilePath = specPath
		}
	}

	clusterID, err := retrySubmit(func() (string, error) {
		return b.SubmitFn(j, j.RunScriptPath)
	})
	if err != nil {
		b.Close(false)
		return errors.Wrapf(err, "submit job %d after exhausting retries", j.ID)
	}

	j.MarkSubmitted(clusterID)
	metrics.GetMetrics().RecordJobSubmitted()

	for _, h := range hooks {
		if err := h.PostRunRoutine(j); err != nil {
			b.log.Warnf("submission hook %s post_run_routine failed for job %d: %v", h.Identifier(), j.ID, err)
		}
	}
	return nil
}

// CheckForFailedJobs scans currently-submitted/running jobs for
// backend-visible failure. Gated by ReadyFn where a backend needs to
// throttle an expensive polling call.
func (b *Base) CheckForFailedJobs() {
	if b.ReadyFn != nil && !b.ReadyFn() {
		return
	}
	candidates := b.jobsInStatuses(job.Submitted, job.Running)
	if b.MarkFailedFn == nil || len(candidates) == 0 {
		return
	}
	b.MarkFailedFn(candidates, b.log, b.seen)
}

// Stop cancels a single job.
func (b *Base) Stop(j *job.Job) error {
	if b.StopFn == nil || j.ClusterID == "" {
		return nil
	}
	return b.StopFn(j.ClusterID)
}

// StopAll cancels every job currently tracked.
func (b *Base) StopAll() {
	b.mu.Lock()
	jobs := make([]*job.Job, 0, len(b.all))
	for _, j := range b.all {
		jobs = append(jobs, j)
	}
	b.mu.Unlock()
	for _, j := range jobs {
		if err := b.Stop(j); err != nil {
			b.log.Warnf("stop job %d: %v", j.ID, err)
		}
	}
}

// Resume marks a job as waiting for resume and re-enqueues it, the default
// behavior used by Slurm and Local. Condor overrides this to only mark the
// job, without re-enqueueing it, because its scheduler re-queues on exit
// code 3 automatically.
func (b *Base) Resume(j *job.Job) {
	j.BeginResume()
	b.mu.Lock()
	b.queue = append(b.queue, j)
	b.mu.Unlock()
}

// Close stops everything tracked by the backend. When removeJobsDir is
// true the rendered run-script directory is also removed.
func (b *Base) Close(removeJobsDir bool) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.StopAll()
	if removeJobsDir {
		if err := os.RemoveAll(b.jobsDir); err != nil {
			b.log.Warnf("remove jobs directory %s: %v", b.jobsDir, err)
		}
	}
}

func (b *Base) jobsInStatuses(statuses ...job.Status) []*job.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	want := make(map[job.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*job.Job
	for _, j := range b.all {
		j.Lock()
		st := j.Status
		j.Unlock()
		if want[st] {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// SubmittedJobs returns jobs currently in status SUBMITTED.
func (b *Base) SubmittedJobs() []*job.Job { return b.jobsInStatuses(job.Submitted) }

// RunningJobs returns jobs currently in status RUNNING.
func (b *Base) RunningJobs() []*job.Job { return b.jobsInStatuses(job.Running) }

// CompletedJobs returns jobs in any terminal status.
func (b *Base) CompletedJobs() []*job.Job {
	return b.jobsInStatuses(job.Concluded, job.ConcludedWithoutResults, job.Failed)
}

// SuccessfulJobs returns jobs that concluded with results applied.
func (b *Base) SuccessfulJobs() []*job.Job { return b.jobsInStatuses(job.Concluded) }

// FailedJobs returns jobs in status FAILED.
func (b *Base) FailedJobs() []*job.Job { return b.jobsInStatuses(job.Failed) }

// IdleJobs returns jobs still queued and not yet submitted.
func (b *Base) IdleJobs() []*job.Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*job.Job(nil), b.queue...)
}

// MedianTimeLeft returns the median estimated time remaining across
// running jobs that have reported at least one progress update.
func (b *Base) MedianTimeLeft() (time.Duration, bool) {
	running := b.RunningJobs()
	var left []time.Duration
	for _, j := range running {
		if d := j.TimeLeft(); d > 0 {
			left = append(left, d)
		}
	}
	if len(left) == 0 {
		return 0, false
	}
	sort.Slice(left, func(i, k int) bool { return left[i] < left[k] })
	return left[len(left)/2], true
}

// GetBestSeenValueOfMainMetric scans completed jobs for the best observed
// value of their watched metric.
func (b *Base) GetBestSeenValueOfMainMetric(minimize bool) (float64, bool) {
	completed := b.CompletedJobs()
	var best float64
	found := false
	for _, j := range completed {
		j.Lock()
		v, ok := j.Metrics[j.MetricToWatch]
		j.Unlock()
		if !ok {
			continue
		}
		if !found || (minimize && v < best) || (!minimize && v > best) {
			best = v
			found = true
		}
	}
	return best, found
}
