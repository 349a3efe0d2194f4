package orchestrator

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/martius-lab/cluster-utils-go/config"
	"github.com/martius-lab/cluster-utils-go/job"
	"github.com/martius-lab/cluster-utils-go/optimizer"
)

// runHPOptimization drives the hp_optimization control loop: tell
// completions to the optimizer, throttle new asks against the number
// completed this iteration, enqueue and submit, close out the iteration,
// watch for backend-detected failures, enforce the failure budget, run the
// early killer, and report progress -- repeating until the optimizer's
// sample budget is exhausted or a fatal condition ends the run.
func (o *Orchestrator) runHPOptimization(ctx context.Context) error {
	ticker := time.NewTicker(LoopSleep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		o.drainEvents()
		o.tellCompletedResults()

		if o.checkInterrupted() {
			o.backend.StopAll()
			return nil
		}

		if err := o.checkFailureBudget(failureBudgetSlack); err != nil {
			o.backend.StopAll()
			return err
		}

		if o.cfg.KillBadJobsEarly {
			o.runEarlyKiller()
		}

		o.mu.Lock()
		totalSubmitted := o.totalSubmitted
		o.mu.Unlock()

		if totalSubmitted < o.cfg.NumberOfSamples {
			o.fillIterationQueue()
		}

		// One submission per tick: a Condor/Slurm submit is a blocking
		// subprocess call, so pacing keeps event handling responsive.
		if o.backend.HasUnsubmittedJobs() {
			if err := o.backend.SubmitNext(); err != nil {
				o.log.Warnf("submission failed, will retry: %v", err)
			}
		}

		o.backend.CheckForFailedJobs()
		o.updateProgress()

		if err := o.closeIterationIfDone(); err != nil {
			o.log.Warnf("closing iteration: %v", err)
		}
		if err := o.writeStatusSnapshot(); err != nil {
			o.log.Warnf("persisting iteration snapshot: %v", err)
		}

		if o.runFinished() {
			return o.finalizeHPOptimization()
		}
	}
}

// tellCompletedResults reports every job that concluded with results since
// the last tick to the optimizer, exactly once per job.
func (o *Orchestrator) tellCompletedResults() {
	var results []optimizer.Result
	for _, j := range o.backend.CompletedJobs() {
		j.Lock()
		if j.Status == job.Concluded && !j.ResultsUsedForUpdate && j.Metrics != nil {
			if v, ok := j.Metrics[o.cfg.MetricToOptimize]; ok {
				results = append(results, optimizer.Result{Params: flattenAny(j.Settings), Metric: v})
			} else {
				o.log.Errorf("job %d concluded, but its results do not contain the optimized metric %q (got: %s); the optimizer will not see this job",
					j.ID, o.cfg.MetricToOptimize, metricNames(j.Metrics))
			}
			j.ResultsUsedForUpdate = true
			if err := writeJobWorkingDirArtifacts(filepath.Join(o.cfg.ResultsDir, "working_directories", strconv.Itoa(j.ID)), j.Settings, j.Metrics); err != nil {
				o.log.Warnf("writing working directory artifacts for job %d: %v", j.ID, err)
			}
		}
		j.Unlock()
	}
	if len(results) > 0 {
		o.opt.Tell(results)
	}
}

func metricNames(metrics map[string]float64) string {
	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// currentIteration is how many iterations have closed since this process
// started (or resumed), independent of the snapshot's absolute counters.
func (o *Orchestrator) currentIteration() int {
	return o.iteration - o.startIteration
}

// fillIterationQueue asks the optimizer for at most one new setting per
// tick (the throttle permitting) and enqueues the resulting job with the
// backend. One ask per tick keeps the optimizer seeing the freshest
// completions before each proposal.
func (o *Orchestrator) fillIterationQueue() {
	completed := o.completedCount()

	o.mu.Lock()
	current := o.currentIteration()
	submittedInIter := o.submittedInIter
	remainingBudget := o.cfg.NumberOfSamples - o.totalSubmitted
	o.mu.Unlock()

	nCompletedInIter := completed - o.cfg.NJobsPerIteration*current
	maxInIter := maxSubmittedInIteration(nCompletedInIter, o.cfg.NCompletedJobsBeforeResubmit, o.cfg.NJobsPerIteration)
	if submittedInIter >= maxInIter || remainingBudget <= 0 {
		return
	}

	proposals := o.opt.Ask(1)
	if len(proposals) == 0 {
		return
	}

	// The round index is 1-based and stable for every job submitted before
	// the next iteration closes (see closeIterationIfDone).
	j, err := o.newJob(proposals[0], current+1)
	if err != nil {
		o.log.Warnf("building job from optimizer proposal: %v", err)
		return
	}
	o.backend.AddJobs([]*job.Job{j}, true)

	o.mu.Lock()
	o.submittedInIter++
	o.totalSubmitted++
	o.mu.Unlock()
}

// closeIterationIfDone closes out a finished round: once every job
// of the current round has completed, tell any stragglers, advance the
// iteration counter, persist optimizer state and the best results'
// summaries under best_jobs/, and (when configured) emit the
// per-iteration report data.
func (o *Orchestrator) closeIterationIfDone() error {
	completed := o.completedCount()
	o.mu.Lock()
	nJobsPerIteration := o.cfg.NJobsPerIteration
	current := o.currentIteration()
	o.mu.Unlock()
	if nJobsPerIteration <= 0 || completed/nJobsPerIteration <= current {
		return nil
	}

	o.tellCompletedResults()

	o.mu.Lock()
	o.iteration++
	o.submittedInIter = 0
	o.mu.Unlock()

	if err := o.writeStatusSnapshot(); err != nil {
		return errors.Wrap(err, "save optimizer state at iteration close")
	}
	if err := o.persistBestJobs(o.cfg.NumBestJobsWhoseDataIsKept); err != nil {
		return errors.Wrap(err, "persist best job working directories")
	}
	if err := o.writeReportData(o.backend.Hooks()); err != nil {
		o.log.Warnf("writing per-iteration report data: %v", err)
	}
	if o.cfg.GenerateReport == config.ReportEveryIteration {
		if err := o.writeAllDataCSV(); err != nil {
			return errors.Wrap(err, "write all_data.csv at iteration close")
		}
		if err := o.writeReducedDataCSV(); err != nil {
			return errors.Wrap(err, "write reduced_data.csv at iteration close")
		}
	}
	return nil
}

// runFinished reports whether the optimizer's sample budget has been
// exhausted and every submitted job has reached a terminal state.
func (o *Orchestrator) runFinished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.totalSubmitted < o.cfg.NumberOfSamples {
		return false
	}
	if o.backend.HasUnsubmittedJobs() {
		return false
	}
	return len(o.backend.RunningJobs())+len(o.backend.SubmittedJobs())+len(o.backend.IdleJobs()) == 0
}

func (o *Orchestrator) finalizeHPOptimization() error {
	if err := o.writeStatusSnapshot(); err != nil {
		return err
	}
	if err := o.writeAllDataCSV(); err != nil {
		return err
	}
	if err := o.writeReducedDataCSV(); err != nil {
		return err
	}
	if err := o.persistBestJobs(o.cfg.NumBestJobsWhoseDataIsKept); err != nil {
		return err
	}
	if err := o.writeReportData(o.backend.Hooks()); err != nil {
		o.log.Warnf("writing final report data: %v", err)
	}
	return nil
}

// runGridSearch drives the simpler grid_search loop: every combination is
// enumerated up front by the optimizer (see optimizer.GridSearch), so this
// loop only needs to submit, poll, and persist until the grid is drained.
func (o *Orchestrator) runGridSearch(ctx context.Context) error {
	if err := o.enumerateGridJobs(); err != nil {
		return err
	}

	ticker := time.NewTicker(LoopSleep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		o.drainEvents()
		o.tellGridResults()

		if o.checkInterrupted() {
			o.backend.StopAll()
			return nil
		}

		if err := o.checkFailureBudget(gridFailureBudgetSlack); err != nil {
			o.backend.StopAll()
			return err
		}

		submitted := 0
		for submitted < maxGridSubmitsPerTick && o.backend.HasUnsubmittedJobs() {
			if err := o.backend.SubmitNext(); err != nil {
				o.log.Warnf("submission failed, will retry: %v", err)
				break
			}
			submitted++
		}

		o.backend.CheckForFailedJobs()
		o.updateProgress()

		if err := o.writeStatusSnapshot(); err != nil {
			o.log.Warnf("persisting grid snapshot: %v", err)
		}

		if !o.backend.HasUnsubmittedJobs() &&
			len(o.backend.RunningJobs())+len(o.backend.SubmittedJobs())+len(o.backend.IdleJobs()) == 0 {
			if err := o.writeAllDataCSV(); err != nil {
				return err
			}
			if err := o.writeReducedDataCSV(); err != nil {
				return err
			}
			return nil
		}
	}
}

// enumerateGridJobs drains the optimizer's grid once (Ask permanently
// advances GridSearch's cursor, so it cannot be re-asked per restart) and
// then builds Restarts separate Jobs for every combination, so the whole
// grid is known before anything is submitted.
// With load_existing_results, a job whose working directory already holds
// a metrics.csv from a previous run is registered as CONCLUDED instead of
// queued, so re-running over the same results directory submits nothing
// already done.
func (o *Orchestrator) enumerateGridJobs() error {
	// A restored snapshot leaves the grid cursor at its end; with
	// load_existing_results the grid must be re-walked so finished points
	// can be recognized on disk instead of silently skipped.
	if gs, ok := o.opt.(interface{ SetCursor(int) }); ok && o.cfg.LoadExistingResults {
		gs.SetCursor(0)
	}
	optimizerHasResults := false
	if s, ok := o.opt.(optimizer.Snapshottable); ok && len(s.AllResults()) > 0 {
		optimizerHasResults = true
	}

	var combos []map[string]any
	for {
		proposals := o.opt.Ask(maxGridSubmitsPerTick)
		if len(proposals) == 0 {
			break
		}
		combos = append(combos, proposals...)
	}

	var fresh, preloaded []*job.Job
	for restart := 0; restart < o.cfg.Restarts; restart++ {
		for _, settings := range combos {
			j, err := o.newJob(settings, restart+1)
			if err != nil {
				return err
			}
			if o.cfg.LoadExistingResults && o.loadExistingResult(j, optimizerHasResults) {
				preloaded = append(preloaded, j)
				continue
			}
			fresh = append(fresh, j)
		}
	}
	o.backend.AddJobs(preloaded, false)
	o.backend.AddJobs(fresh, true)
	o.mu.Lock()
	o.totalSubmitted = len(fresh) + len(preloaded)
	o.mu.Unlock()
	o.log.Infof("enumerated %d grid jobs (%d combinations x %d restarts), %d loaded from existing results",
		len(fresh)+len(preloaded), len(combos), o.cfg.Restarts, len(preloaded))
	return nil
}

// loadExistingResult checks the filesystem for a metrics file left by a
// previous run of the same grid point and, if one parses, marks the job
// CONCLUDED without running it. alreadyTold suppresses the optimizer
// update when a restored snapshot has replayed these results already.
func (o *Orchestrator) loadExistingResult(j *job.Job, alreadyTold bool) bool {
	path := filepath.Join(o.cfg.ResultsDir, "working_directories", strconv.Itoa(j.ID), "metrics.csv")
	metrics, err := job.LoadMetricsCSV(path)
	if err != nil || len(metrics) == 0 {
		return false
	}
	j.Lock()
	j.Metrics = metrics
	j.Status = job.Concluded
	j.ResultsUsedForUpdate = alreadyTold
	j.Unlock()
	return true
}

func (o *Orchestrator) tellGridResults() {
	var results []optimizer.Result
	for _, j := range o.backend.CompletedJobs() {
		j.Lock()
		if j.Status == job.Concluded && !j.ResultsUsedForUpdate && j.Metrics != nil {
			if v, ok := j.Metrics[o.cfg.MetricToOptimize]; ok {
				results = append(results, optimizer.Result{Params: flattenAny(j.Settings), Metric: v})
			} else {
				o.log.Errorf("job %d concluded, but its results do not contain the optimized metric %q (got: %s); the optimizer will not see this job",
					j.ID, o.cfg.MetricToOptimize, metricNames(j.Metrics))
			}
			j.ResultsUsedForUpdate = true
			if err := writeJobWorkingDirArtifacts(filepath.Join(o.cfg.ResultsDir, "working_directories", strconv.Itoa(j.ID)), j.Settings, j.Metrics); err != nil {
				o.log.Warnf("writing working directory artifacts for job %d: %v", j.ID, err)
			}
		}
		j.Unlock()
	}
	if len(results) > 0 {
		o.opt.Tell(results)
	}
}
