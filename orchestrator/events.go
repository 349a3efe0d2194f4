package orchestrator

import (
	"time"

	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/job"
	"github.com/martius-lab/cluster-utils-go/wire"
)

// ApplyEvent applies one decoded communication-server event to the Job it
// names. It is the only place
// outside submission/iteration bookkeeping that mutates Job state, and it
// always runs on the orchestrator's own goroutine (see drainEvents),
// preserving the single-writer-per-Job discipline even though events
// arrive from the communication server's independent goroutine.
func (o *Orchestrator) ApplyEvent(ev comm.Event) {
	switch ev.Type {
	case wire.JobStarted:
		p := ev.Payload.(*wire.JobStartedPayload)
		o.withJob(p.JobID, func(j *job.Job) {
			j.MarkStarted(p.Hostname)
			metrics.GetMetrics().RecordJobStarted()
		})

	case wire.ErrorEncountered:
		p := ev.Payload.(*wire.ErrorEncounteredPayload)
		o.withJob(p.JobID, func(j *job.Job) {
			text := joinLines(p.Lines)
			j.MarkFailed(text)
			o.log.Errorf("job %d reported an error: %s", p.JobID, text)
			metrics.GetMetrics().RecordError("job_reported")
			metrics.GetMetrics().RecordJobFailed()
		})

	case wire.JobSentResults:
		p := ev.Payload.(*wire.JobSentResultsPayload)
		o.withJob(p.JobID, func(j *job.Job) {
			o.cancelGraceTimer(p.JobID)
			j.ReceiveResults(p.Metrics)
			if j.Status == job.Concluded {
				metrics.GetMetrics().RecordJobConcluded()
			}
		})

	case wire.JobConcluded:
		p := ev.Payload.(*wire.JobConcludedPayload)
		o.withJob(p.JobID, func(j *job.Job) {
			needsGrace := j.Conclude()
			if needsGrace {
				o.armGraceTimer(p.JobID)
			} else {
				metrics.GetMetrics().RecordJobConcluded()
			}
		})

	case wire.ExitForResume:
		p := ev.Payload.(*wire.ExitForResumePayload)
		o.withJob(p.JobID, func(j *job.Job) {
			o.backend.Resume(j)
			metrics.GetMetrics().RecordJobResumed()
		})

	case wire.JobProgressPercentage:
		p := ev.Payload.(*wire.JobProgressPercentagePayload)
		o.withJob(p.JobID, func(j *job.Job) {
			j.ReportProgress(p.Fraction)
		})

	case wire.MetricEarlyReport:
		p := ev.Payload.(*wire.MetricEarlyReportPayload)
		o.withJob(p.JobID, func(j *job.Job) {
			j.ReportEarlyMetric(p.Metrics)
		})

	default:
		o.log.Warnf("received a message I did not understand: type %v", ev.Type)
	}
}

func (o *Orchestrator) withJob(id int, fn func(j *job.Job)) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		o.log.Warnf("event for unknown job id %d", id)
		return
	}
	j.Lock()
	fn(j)
	j.Unlock()
}

// armGraceTimer starts the CONCLUDED_WITHOUT_RESULTS grace timer for a
// job. It is not busy-polled: a single
// time.AfterFunc fires once unless canceled by a later JOB_SENT_RESULTS.
func (o *Orchestrator) armGraceTimer(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.graceTimers[id]; exists {
		return
	}
	o.graceTimers[id] = time.AfterFunc(ConcludedWithoutResultsGrace, func() {
		o.withJob(id, func(j *job.Job) {
			if j.FailIfStillWithoutResults() {
				o.log.Warnf("job %d concluded without results; grace window expired", id)
				metrics.GetMetrics().RecordError("grace_expired")
				metrics.GetMetrics().RecordJobFailed()
			}
		})
		o.mu.Lock()
		delete(o.graceTimers, id)
		o.mu.Unlock()
	})
}

func (o *Orchestrator) cancelGraceTimer(id int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.graceTimers[id]; ok {
		t.Stop()
		delete(o.graceTimers, id)
	}
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
