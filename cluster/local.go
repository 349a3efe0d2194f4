package cluster

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/job"
)

// Local runs jobs as local subprocesses through a bounded worker pool
// instead of handing them to a batch scheduler. It is the backend used in
// tests and on workstations without cluster access.
type Local struct {
	*Base

	concurrency int
	cpusPerJob  int

	sem     chan struct{}
	results chan localResult
	nextID  int64

	idMu    sync.Mutex
	byID    map[int64]*job.Job
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

type localResult struct {
	runID    int64
	exitCode int
	stderr   string
	err      error
}

// NewLocal creates a Local backend with the given worker concurrency.
func NewLocal(concurrency int, jobsDir string, connInfo comm.ConnectionInfo, log Logger) *Local {
	if concurrency < 1 {
		concurrency = 1
	}
	l := &Local{
		Base:        NewBase(jobsDir, connInfo, log),
		concurrency: concurrency,
		sem:         make(chan struct{}, concurrency),
		results:     make(chan localResult, 256),
		byID:        make(map[int64]*job.Job),
		cancels:     make(map[string]context.CancelFunc),
	}
	l.Base.SubmitFn = l.submit
	l.Base.StopFn = l.stop
	l.Base.MarkFailedFn = l.markFailed
	l.Base.WrapScriptFn = func(j *job.Job, body, scriptPath string) string {
		return wrapRunScript(nil, body, scriptPath, false)
	}
	return l
}

// SetCPUBinding pins each worker slot to its own block of cpusPerJob CPUs
// via taskset, so concurrent local jobs do not contend for the same cores.
// Zero (the default) disables pinning.
func (l *Local) SetCPUBinding(cpusPerJob int) { l.cpusPerJob = cpusPerJob }

func (l *Local) submit(j *job.Job, scriptPath string) (string, error) {
	runID := atomic.AddInt64(&l.nextID, 1)
	clusterID := fmt.Sprintf("local-%d", runID)

	l.idMu.Lock()
	l.byID[runID] = j
	l.idMu.Unlock()

	l.wg.Add(1)
	go l.run(runID, clusterID, scriptPath)
	return clusterID, nil
}

// cpuList assigns a worker slot its own contiguous CPU range, the taskset
// --cpu-list binding from the local wrapper contract.
func (l *Local) cpuList(runID int64) string {
	slot := int(runID-1) % l.concurrency
	first := slot * l.cpusPerJob
	last := first + l.cpusPerJob - 1
	cpus := make([]string, 0, l.cpusPerJob)
	for c := first; c <= last; c++ {
		cpus = append(cpus, strconv.Itoa(c))
	}
	return strings.Join(cpus, ",")
}

func (l *Local) run(runID int64, clusterID, scriptPath string) {
	defer l.wg.Done()
	l.sem <- struct{}{}
	metrics.GetMetrics().RecordLocalWorkerStart()
	defer func() {
		<-l.sem
		metrics.GetMetrics().RecordLocalWorkerStop()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	l.idMu.Lock()
	l.cancels[clusterID] = cancel
	l.idMu.Unlock()
	defer func() {
		cancel()
		l.idMu.Lock()
		delete(l.cancels, clusterID)
		l.idMu.Unlock()
	}()

	var cmd *exec.Cmd
	if l.cpusPerJob > 0 {
		cmd = exec.CommandContext(ctx, "taskset", "--cpu-list", l.cpuList(runID), "/bin/bash", scriptPath)
	} else {
		cmd = exec.CommandContext(ctx, "/bin/bash", scriptPath)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	appendToFile(strings.TrimSuffix(scriptPath, ".sh")+".out", stdout.Bytes())
	appendToFile(strings.TrimSuffix(scriptPath, ".sh")+".err", stderr.Bytes())

	l.results <- localResult{runID: runID, exitCode: exitCode, stderr: stderr.String(), err: err}
}

// appendToFile mirrors the append-mode output convention of the batch
// backends: a resumed run's output is concatenated after its predecessor's.
func appendToFile(path string, data []byte) {
	if len(data) == 0 {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.Write(data)
}

func (l *Local) stop(clusterID string) error {
	l.idMu.Lock()
	cancel, ok := l.cancels[clusterID]
	l.idMu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (l *Local) markFailed(jobs []*job.Job, log Logger, seen map[string]bool) {
	_ = jobs // Local identifies completions by run id, not by scanning the candidate list.

	for {
		select {
		case res := <-l.results:
			l.idMu.Lock()
			j := l.byID[res.runID]
			delete(l.byID, res.runID)
			l.idMu.Unlock()
			if j == nil {
				continue
			}
			if res.exitCode != 0 && res.exitCode != resumeExitCode {
				key := fmt.Sprintf("%d:%s", j.ID, res.stderr)
				if !seen[key] {
					seen[key] = true
					log.Errorf("job %d failed locally (exit %d): %s", j.ID, res.exitCode, res.stderr)
					metrics.GetMetrics().RecordError("local_exit")
				}
				j.Lock()
				j.MarkFailed(res.stderr)
				j.Unlock()
				metrics.GetMetrics().RecordJobFailed()
			}
		default:
			return
		}
	}
}

// Wait blocks until all dispatched local jobs have finished, for use in
// Close or tests.
func (l *Local) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
