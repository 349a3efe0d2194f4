package orchestrator

import (
	"time"

	"github.com/martius-lab/cluster-utils-go/job"
)

// fakeBackend is an in-memory Backend used to drive orchestrator logic
// (early-kill, failure budget, tick bookkeeping) without a real cluster.
type fakeBackend struct {
	all     map[int]*job.Job
	queue   []*job.Job
	stopped []*job.Job
	hooks   []Hook
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{all: make(map[int]*job.Job)}
}

func (f *fakeBackend) AddJobs(jobs []*job.Job, enqueue bool) {
	for _, j := range jobs {
		f.all[j.ID] = j
		if enqueue {
			f.queue = append(f.queue, j)
		}
	}
}

func (f *fakeBackend) HasUnsubmittedJobs() bool { return len(f.queue) > 0 }

func (f *fakeBackend) SubmitNext() error {
	if len(f.queue) == 0 {
		return nil
	}
	j := f.queue[0]
	f.queue = f.queue[1:]
	j.Lock()
	j.MarkSubmitted("fake-cluster-id")
	j.Unlock()
	return nil
}

func (f *fakeBackend) CheckForFailedJobs() {}

func (f *fakeBackend) Stop(j *job.Job) error {
	f.stopped = append(f.stopped, j)
	return nil
}

func (f *fakeBackend) StopAll() {
	for _, j := range f.all {
		f.stopped = append(f.stopped, j)
	}
}

// Resume matches cluster.Base.Resume's contract: the caller (the
// orchestrator's withJob) already holds j's lock, so this must not
// re-lock it.
func (f *fakeBackend) Resume(j *job.Job) {
	j.BeginResume()
	f.queue = append(f.queue, j)
}

func (f *fakeBackend) Close(removeJobsDir bool) {}

func (f *fakeBackend) RegisterSubmissionHook(h Hook) { f.hooks = append(f.hooks, h) }

func (f *fakeBackend) Hooks() []Hook { return append([]Hook(nil), f.hooks...) }

func (f *fakeBackend) jobsInStatus(statuses ...job.Status) []*job.Job {
	want := make(map[job.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []*job.Job
	for _, j := range f.all {
		j.Lock()
		st := j.Status
		j.Unlock()
		if want[st] {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeBackend) SubmittedJobs() []*job.Job { return f.jobsInStatus(job.Submitted) }
func (f *fakeBackend) RunningJobs() []*job.Job   { return f.jobsInStatus(job.Running) }
func (f *fakeBackend) CompletedJobs() []*job.Job {
	return f.jobsInStatus(job.Concluded, job.ConcludedWithoutResults, job.Failed)
}
func (f *fakeBackend) SuccessfulJobs() []*job.Job { return f.jobsInStatus(job.Concluded) }
func (f *fakeBackend) FailedJobs() []*job.Job     { return f.jobsInStatus(job.Failed) }
func (f *fakeBackend) IdleJobs() []*job.Job       { return append([]*job.Job(nil), f.queue...) }

func (f *fakeBackend) MedianTimeLeft() (time.Duration, bool) { return 0, false }

func (f *fakeBackend) GetBestSeenValueOfMainMetric(minimize bool) (float64, bool) {
	return 0, false
}

type fakeLogger struct{}

func (fakeLogger) Infof(format string, args ...any)  {}
func (fakeLogger) Warnf(format string, args ...any)  {}
func (fakeLogger) Errorf(format string, args ...any) {}
