package orchestrator

import (
	"sort"

	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/job"
	"github.com/martius-lab/cluster-utils-go/wire"
)

// JobRef is a read-only projection of a Job, safe to hand to the console's
// command shell (list_jobs, show_job, ...) without giving it a *job.Job it
// could mutate outside the orchestrator's single-writer discipline.
type JobRef struct {
	ID         int
	ClusterID  string
	Iteration  int
	Status     string
	Hostname   string
	ErrorInfo  string
	TimeLeft   string
	BestMetric float64
	HasMetric  bool
}

func newJobRef(j *job.Job) JobRef {
	j.Lock()
	defer j.Unlock()

	ref := JobRef{
		ID:        j.ID,
		ClusterID: j.ClusterID,
		Iteration: j.Iteration,
		Status:    j.Status.String(),
		Hostname:  j.Hostname,
		ErrorInfo: j.ErrorInfo,
		TimeLeft:  job.TimeLeftToStr(j.TimeLeft()),
	}
	if v, ok := j.Metrics[j.MetricToWatch]; ok {
		ref.BestMetric = v
		ref.HasMetric = true
	}
	return ref
}

// ListJobs returns a JobRef for every job the orchestrator has ever built,
// ordered by ID, for the console's list_jobs command.
func (o *Orchestrator) ListJobs() []JobRef {
	o.mu.Lock()
	ids := make([]int, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	jobs := o.jobs
	o.mu.Unlock()

	refs := make([]JobRef, 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		refs = append(refs, newJobRef(jobs[id]))
	}
	return refs
}

// ListRunningJobs returns JobRefs for jobs currently RUNNING.
func (o *Orchestrator) ListRunningJobs() []JobRef {
	return refsOf(o.backend.RunningJobs())
}

// ListSuccessfulJobs returns JobRefs for jobs that concluded with results.
func (o *Orchestrator) ListSuccessfulJobs() []JobRef {
	return refsOf(o.backend.SuccessfulJobs())
}

// ListIdleJobs returns JobRefs for jobs still queued, not yet submitted.
func (o *Orchestrator) ListIdleJobs() []JobRef {
	return refsOf(o.backend.IdleJobs())
}

// ShowJob returns the JobRef for a single job id, for the console's
// show_job command.
func (o *Orchestrator) ShowJob(id int) (JobRef, bool) {
	o.mu.Lock()
	j, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return JobRef{}, false
	}
	return newJobRef(j), true
}

// StopRemainingJobs cancels every job not yet in a terminal state. Per the
// console's stop_remaining_jobs command (which itself gates this behind a
// confirmation prompt), it does not mutate Job state directly -- that would
// violate the single-writer-per-Job discipline from a non-loop goroutine --
// it injects a synthetic ERROR_ENCOUNTERED event into the communication
// server's Events channel for every job that is neither CONCLUDED nor
// FAILED, same as a real
// datagram, so the orchestrator's own loop applies it on its next drain.
func (o *Orchestrator) StopRemainingJobs() {
	o.backend.StopAll()

	if o.server == nil {
		return
	}
	o.mu.Lock()
	ids := make([]int, 0, len(o.jobs))
	for id := range o.jobs {
		ids = append(ids, id)
	}
	jobs := o.jobs
	o.mu.Unlock()

	sort.Ints(ids)
	for _, id := range ids {
		j := jobs[id]
		j.Lock()
		st := j.Status
		j.Unlock()
		if st == job.Concluded || st == job.Failed {
			continue
		}
		select {
		case o.server.Events <- comm.Event{
			Type:    wire.ErrorEncountered,
			Payload: &wire.ErrorEncounteredPayload{JobID: id, Lines: []string{"stopped from the interactive console"}},
		}:
		default:
			o.log.Warnf("communication server event queue full, could not inject stop for job %d", id)
		}
	}
}

func refsOf(jobs []*job.Job) []JobRef {
	refs := make([]JobRef, 0, len(jobs))
	for _, j := range jobs {
		refs = append(refs, newJobRef(j))
	}
	return refs
}
