// Package orchestrator implements the long-lived control loop: it asks an
// optimizer for parameter settings, builds Jobs from them, hands them to a
// cluster backend, applies lifecycle events decoded by the communication
// server, and feeds completed results back into the optimizer until the
// sample budget (hp_optimization) or enumeration (grid_search) is
// exhausted. The loop is a time.Ticker-driven tick function; out-of-band
// events from the communication server arrive over a channel and are
// applied on the loop's own goroutine.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/martius-lab/cluster-utils-go/cluster"
	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/config"
	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/job"
	"github.com/martius-lab/cluster-utils-go/lock"
	"github.com/martius-lab/cluster-utils-go/optimizer"
	"github.com/martius-lab/cluster-utils-go/paramtree"
)

// LoopSleep is the control loop's tick period (JOB_MANAGER_LOOP_SLEEP_TIME_IN_SECS).
const LoopSleep = 200 * time.Millisecond

// ConcludedWithoutResultsGrace is how long a job may sit in
// CONCLUDED_WITHOUT_RESULTS before being failed.
const ConcludedWithoutResultsGrace = 5 * time.Second

const failureBudgetSlack = 5
const gridFailureBudgetSlack = 5
const maxGridSubmitsPerTick = 5

// Logger is the narrow logging seam shared across this module's subsystems.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Backend is the subset of cluster.Base's public contract the orchestrator
// depends on, satisfied by *cluster.Condor, *cluster.Slurm, and
// *cluster.Local through their embedded *cluster.Base.
type Backend interface {
	AddJobs(jobs []*job.Job, enqueue bool)
	HasUnsubmittedJobs() bool
	SubmitNext() error
	CheckForFailedJobs()
	Stop(j *job.Job) error
	StopAll()
	Resume(j *job.Job)
	Close(removeJobsDir bool)
	RegisterSubmissionHook(h Hook)
	Hooks() []Hook
	SubmittedJobs() []*job.Job
	RunningJobs() []*job.Job
	CompletedJobs() []*job.Job
	SuccessfulJobs() []*job.Job
	FailedJobs() []*job.Job
	IdleJobs() []*job.Job
	MedianTimeLeft() (time.Duration, bool)
	GetBestSeenValueOfMainMetric(minimize bool) (float64, bool)
}

// Hook is an alias of cluster.Hook: *cluster.Base's RegisterSubmissionHook
// and Hooks methods are declared in terms of cluster.Hook, so the Backend
// interface above must name that exact type (not merely a structurally
// identical one) for *cluster.Condor/*cluster.Slurm/*cluster.Local to
// satisfy it.
type Hook = cluster.Hook

// Progress is the narrow seam the console package implements to render
// Submitted/Started/Completed bars without the orchestrator depending on
// bubbletea directly.
type Progress interface {
	SetSubmitted(n int)
	SetRunning(n int, failed int)
	SetCompleted(n int, medianETA string, bestValue string)
}

type noopProgress struct{}

func (noopProgress) SetSubmitted(int)            {}
func (noopProgress) SetRunning(int, int)         {}
func (noopProgress) SetCompleted(int, string, string) {}

// Orchestrator drives the main control loop. Job mutation happens on the
// goroutine running Run, except for the CONCLUDED_WITHOUT_RESULTS grace
// timer, whose callback runs on its own timer goroutine and fails the job
// under the Job's lock; the communication server's goroutine only ever
// pushes decoded Events onto a channel.
type Orchestrator struct {
	cfg        *config.RunConfig
	log        Logger
	backend    Backend
	server     *comm.Server
	opt        optimizer.Optimizer
	lockStore  *lock.Store
	progress   Progress
	instanceID string
	cmdPrefix  string

	mu              sync.Mutex
	jobs            map[int]*job.Job
	nextJobID       int
	iteration       int
	startIteration  int
	completedBase   int
	submittedInIter int
	totalSubmitted  int
	graceTimers     map[int]*time.Timer

	sigCh       chan os.Signal
	interrupted bool
}

// Option configures optional Orchestrator behavior.
type Option func(*Orchestrator)

// WithProgress attaches a Progress sink (the interactive or no-op console).
func WithProgress(p Progress) Option {
	return func(o *Orchestrator) { o.progress = p }
}

// WithCmdPrefix sets the backend command prefix applied to every rendered
// run script's executor line (e.g. "srun" for Slurm).
func WithCmdPrefix(prefix string) Option {
	return func(o *Orchestrator) { o.cmdPrefix = prefix }
}

// SetProgress attaches a Progress sink after construction, letting callers
// build the console (which itself needs a reference to the Orchestrator
// for its command shell) only after New has returned.
func (o *Orchestrator) SetProgress(p Progress) {
	if p == nil {
		p = noopProgress{}
	}
	o.progress = p
}

// New builds an Orchestrator. server may be nil in tests that drive
// ApplyEvent directly instead of through a live UDP socket.
func New(cfg *config.RunConfig, log Logger, backend Backend, server *comm.Server, opt optimizer.Optimizer, lockStore *lock.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		log:         log,
		backend:     backend,
		server:      server,
		opt:         opt,
		lockStore:   lockStore,
		progress:    noopProgress{},
		instanceID:  uuid.NewString(),
		jobs:        make(map[int]*job.Job),
		nextJobID:   1,
		graceTimers: make(map[int]*time.Timer),
		sigCh:       make(chan os.Signal, 1),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the full run: preconditions, resume-from-snapshot, the
// control loop, and final artifact persistence. It returns the process
// exit code (0 clean, 1 on SIGINT or failure-budget abort) and any fatal
// error encountered.
func (o *Orchestrator) Run(ctx context.Context) (exitCode int, err error) {
	if err := o.checkNewRunPreconditions(); err != nil {
		return 1, err
	}

	if o.lockStore != nil {
		acquired, lockErr := o.lockStore.Acquire(o.cfg.ResultsDir, o.instanceID)
		if lockErr != nil {
			return 1, errors.Wrap(lockErr, "acquire result directory lock")
		}
		if !acquired {
			return 1, errors.Errorf("result directory %s is locked by another running instance", o.cfg.ResultsDir)
		}
		defer o.lockStore.Release(o.cfg.ResultsDir, o.instanceID)
	}

	if err := o.resumeFromSnapshotIfPresent(); err != nil {
		return 1, err
	}

	runType := "HP_OPTIMIZATION"
	if o.cfg.IsGridSearch() {
		runType = "GRID_SEARCH"
	}
	if err := o.writeMetadata(runType); err != nil {
		return 1, err
	}

	signal.Notify(o.sigCh, syscall.SIGINT)
	defer signal.Stop(o.sigCh)

	if checkpointCron := o.startCheckpointCron(); checkpointCron != nil {
		defer checkpointCron.Stop()
	}

	if o.cfg.IsGridSearch() {
		err = o.runGridSearch(ctx)
	} else {
		err = o.runHPOptimization(ctx)
	}

	o.backend.Close(false)

	o.mu.Lock()
	interrupted := o.interrupted
	o.mu.Unlock()

	if err != nil {
		return 1, err
	}
	if interrupted {
		return 1, nil
	}
	return 0, nil
}

func (o *Orchestrator) checkInterrupted() bool {
	select {
	case <-o.sigCh:
		o.mu.Lock()
		o.interrupted = true
		o.mu.Unlock()
		o.log.Warnf("SIGINT received, shutting down after current tick")
		return true
	default:
		o.mu.Lock()
		v := o.interrupted
		o.mu.Unlock()
		return v
	}
}

// drainEvents applies every pending communication-server event without
// blocking, so every decoded event is applied on this goroutine; the only
// job.Job mutator called elsewhere is the grace timer's
// FailIfStillWithoutResults (see armGraceTimer).
func (o *Orchestrator) drainEvents() {
	if o.server == nil {
		return
	}
	for {
		select {
		case ev := <-o.server.Events:
			o.ApplyEvent(ev)
		default:
			return
		}
	}
}

func (o *Orchestrator) checkNewRunPreconditions() error {
	snapshotPath := filepath.Join(o.cfg.ResultsDir, "status.snapshot")
	if _, err := os.Stat(snapshotPath); err == nil {
		return nil // resuming; dir is expected to be non-empty
	}

	entries, err := os.ReadDir(o.cfg.ResultsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.Wrapf(os.MkdirAll(o.cfg.ResultsDir, 0o755), "create results directory %s", o.cfg.ResultsDir)
		}
		return errors.Wrapf(err, "inspect results directory %s", o.cfg.ResultsDir)
	}
	if len(entries) == 0 {
		return nil
	}
	if o.cfg.NoUserInteraction {
		return errors.Errorf("results directory %s is non-empty and --no-user-interaction was given", o.cfg.ResultsDir)
	}
	fmt.Printf("Results directory %s is not empty. Continue and overwrite? [y/N] ", o.cfg.ResultsDir)
	var answer string
	fmt.Scanln(&answer)
	if answer != "y" && answer != "Y" {
		return errors.Errorf("aborted: results directory %s is not empty", o.cfg.ResultsDir)
	}
	return nil
}

// newJob constructs a Job from an optimizer-proposed flat dotted-path
// setting, merging in fixed_params and this run's path configuration.
func (o *Orchestrator) newJob(flatSettings map[string]any, iteration int) (*job.Job, error) {
	tree := paramtree.New(nil)
	for path, value := range flatSettings {
		if err := tree.Set(path, value); err != nil {
			return nil, errors.Wrapf(err, "denest optimizer setting %q", path)
		}
	}

	o.mu.Lock()
	id := o.nextJobID
	o.nextJobID++
	o.mu.Unlock()

	paths := job.Paths{
		MainPath:         o.cfg.MainPath,
		ScriptRelPath:    o.cfg.ScriptRelativePath,
		RunAsModule:      o.cfg.RunAsModule,
		VirtualEnvPath:   o.cfg.EnvironmentSetup.VirtualEnvPath,
		CondaEnvPath:     o.cfg.EnvironmentSetup.CondaEnvPath,
		PreJobScript:     o.cfg.EnvironmentSetup.PreJobScript,
		Variables:        o.cfg.EnvironmentSetup.Variables,
		SingularityImage: o.cfg.EnvironmentSetup.SingularityImage,
		CmdPrefix:        o.cmdPrefix,
		JobsDir:          o.cfg.JobsDir,
		WorkingDirFor: func(id int) string {
			return filepath.Join(o.cfg.ResultsDir, "working_directories", fmt.Sprintf("%d", id))
		},
	}

	j := job.New(id, tree.Nested(), o.cfg.FixedParams, iteration, o.cfg.MetricToOptimize, paths)

	o.mu.Lock()
	o.jobs[id] = j
	o.mu.Unlock()
	return j, nil
}

func maxSubmittedInIteration(nCompletedInIter, nCompletedBeforeResubmit, nJobsPerIteration int) int {
	if nCompletedBeforeResubmit <= 0 {
		nCompletedBeforeResubmit = 1
	}
	return (nCompletedInIter/nCompletedBeforeResubmit)*nCompletedBeforeResubmit + nJobsPerIteration
}

// completedCount is the number of jobs that have reached a terminal state
// (CONCLUDED, CONCLUDED_WITHOUT_RESULTS, or FAILED). It is derived from
// the backend's own job set rather than hand-maintained, so failures
// detected anywhere (error messages, grace expiry, backend polling) count
// without a separate bookkeeping site per transition. completedBase adds
// completions restored from a snapshot whose jobs no longer exist in this
// process.
func (o *Orchestrator) completedCount() int {
	o.mu.Lock()
	base := o.completedBase
	o.mu.Unlock()
	return base + len(o.backend.CompletedJobs())
}

// checkFailureBudget enforces the failure budget: too many failures
// relative to successes and in-flight jobs is fatal.
func (o *Orchestrator) checkFailureBudget(slack int) error {
	nFailed := len(o.backend.FailedJobs())
	nSuccessful := len(o.backend.SuccessfulJobs())
	nRunning := len(o.backend.RunningJobs())
	if nFailed > nSuccessful+nRunning+slack {
		return errors.Errorf("Too many (%d) jobs failed", nFailed)
	}
	return nil
}

func (o *Orchestrator) updateProgress() {
	submitted := len(o.backend.SubmittedJobs())
	running := len(o.backend.RunningJobs())
	failed := len(o.backend.FailedJobs())
	completed := len(o.backend.CompletedJobs())

	medianETA := ""
	if d, ok := o.backend.MedianTimeLeft(); ok {
		medianETA = job.TimeLeftToStr(d)
	}
	bestValue := ""
	if v, ok := o.backend.GetBestSeenValueOfMainMetric(o.cfg.Minimize); ok {
		bestValue = fmt.Sprintf("%.6g", v)
	}

	o.progress.SetSubmitted(submitted)
	o.progress.SetRunning(running, failed)
	o.progress.SetCompleted(completed, medianETA, bestValue)
	_ = metrics.GetMetrics()
}
