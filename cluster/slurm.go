package cluster

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/internal/ratelimit"
	"github.com/martius-lab/cluster-utils-go/job"
)

var slurmFailingStates = map[string]bool{
	"BOOT_FAIL":     true,
	"CANCELLED":     true,
	"DEADLINE":      true,
	"FAILED":        true,
	"NODE_FAIL":     true,
	"OUT_OF_MEMORY": true,
	"PREEMPTED":     true,
	"REVOKED":       true,
	"TIMEOUT":       true,
}

// sacctRunner abstracts the sacct CLI invocation so it can be faked in
// tests without shelling out.
type sacctRunner func(jobIDs []string) (string, error)

// Slurm submits via sbatch and detects failure by polling sacct, throttled
// to at most once every 60 seconds. Resume re-enqueues the job; the
// rendered script's --open-mode=append keeps output from successive runs
// concatenated instead of truncated.
type Slurm struct {
	*Base
	req     Requirements
	limiter *ratelimit.RateLimiter
	sacct   sacctRunner
}

// NewSlurm creates a Slurm backend.
func NewSlurm(req Requirements, jobsDir string, connInfo comm.ConnectionInfo, log Logger) *Slurm {
	s := &Slurm{
		Base:    NewBase(jobsDir, connInfo, log),
		req:     req,
		limiter: ratelimit.NewRateLimiter(1.0/60.0, 1),
	}
	s.sacct = s.runSacct
	s.Base.SubmitFn = s.submit
	s.Base.StopFn = s.stop
	s.Base.MarkFailedFn = s.markFailed
	s.Base.ReadyFn = func() bool { return s.limiter.Allow() }
	// Exit code 3 is swallowed: the resume request already travels over
	// UDP, and forwarding 3 to Slurm would mark the job FAILED in sacct.
	s.Base.WrapScriptFn = func(j *job.Job, body, scriptPath string) string {
		return wrapRunScript(s.sbatchDirectives(j, scriptPath), body, scriptPath, true)
	}
	return s
}

// sbatchDirectives renders the #SBATCH header for one job's run script.
func (s *Slurm) sbatchDirectives(j *job.Job, scriptPath string) []string {
	base := strings.TrimSuffix(scriptPath, ".sh")
	d := []string{
		fmt.Sprintf("#SBATCH --job-name=%d_%d", j.Iteration, j.ID),
		fmt.Sprintf("#SBATCH --output=%s.out", base),
		fmt.Sprintf("#SBATCH --error=%s.err", base),
		"#SBATCH --open-mode=append",
	}
	if s.req.Partition != "" {
		d = append(d, fmt.Sprintf("#SBATCH --partition=%s", s.req.Partition))
	}
	d = append(d, fmt.Sprintf("#SBATCH --cpus-per-task=%d", s.req.RequestCPUs))
	if s.req.RequestGPUs > 0 {
		d = append(d, fmt.Sprintf("#SBATCH --gpus-per-task=%d", s.req.RequestGPUs))
	}
	if s.req.MemoryInMB > 0 {
		d = append(d, fmt.Sprintf("#SBATCH --mem=%dM", s.req.MemoryInMB))
	}
	if s.req.RequestTime != "" {
		d = append(d, fmt.Sprintf("#SBATCH --time=%s", s.req.RequestTime))
	}
	d = append(d, "#SBATCH --nodes=1", "#SBATCH --ntasks=1")
	if len(s.req.ForbiddenHostnames) > 0 {
		d = append(d, fmt.Sprintf("#SBATCH --exclude=%s", strings.Join(s.req.ForbiddenHostnames, ",")))
	}
	for _, opt := range s.req.ExtraSubmissionOptions {
		d = append(d, "#SBATCH "+opt)
	}
	return d
}

func (s *Slurm) submit(j *job.Job, scriptPath string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "sbatch", scriptPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "sbatch: %s", out)
	}
	return parseSbatchJobID(string(out))
}

var sbatchIDField = "Submitted batch job"

func parseSbatchJobID(output string) (string, error) {
	idx := strings.Index(output, sbatchIDField)
	if idx < 0 {
		return "", errors.Errorf("could not find job id in sbatch output: %q", output)
	}
	rest := strings.TrimSpace(output[idx+len(sbatchIDField):])
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", errors.Errorf("could not parse job id from sbatch output: %q", output)
	}
	return fields[0], nil
}

func (s *Slurm) stop(clusterID string) error {
	return exec.Command("scancel", clusterID).Run()
}

func (s *Slurm) runSacct(jobIDs []string) (string, error) {
	cmd := exec.Command("sacct", "--jobs", strings.Join(jobIDs, ","),
		"--parsable2", "--format=JobID,NodeList,State,ExitCode", "--noheader")
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func (s *Slurm) markFailed(jobs []*job.Job, log Logger, seen map[string]bool) {
	if len(jobs) == 0 {
		return
	}

	byClusterID := make(map[string]*job.Job, len(jobs))
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		j.Lock()
		cid := j.ClusterID
		j.Unlock()
		if cid == "" {
			continue
		}
		byClusterID[cid] = j
		ids = append(ids, cid)
	}

	out, err := s.sacct(ids)
	if err != nil {
		log.Warnf("sacct poll failed: %v", err)
		return
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, "|")
		if len(fields) < 4 {
			continue
		}
		jobID, _, state, exitCode := fields[0], fields[1], fields[2], fields[3]

		if strings.Contains(jobID, ".batch") || strings.Contains(jobID, ".extern") ||
			strings.ContainsRune(jobID, '.') {
			continue
		}

		j, ok := byClusterID[jobID]
		if !ok {
			continue
		}

		exitStatus := strings.SplitN(exitCode, ":", 2)[0]
		code, _ := strconv.Atoi(exitStatus)

		if code == 0 && !slurmFailingStates[state] {
			continue
		}

		errText := readErrFile(strings.TrimSuffix(j.RunScriptPath, ".sh") + ".err")
		key := fmt.Sprintf("%d:%s:%s", j.ID, state, errText)
		if !seen[key] {
			seen[key] = true
			log.Errorf("job %d failed (slurm state %s, exit %s): %s", j.ID, state, exitCode, errText)
			metrics.GetMetrics().RecordError("slurm_state_" + state)
		}
		j.Lock()
		j.MarkFailed(errText)
		j.Unlock()
		metrics.GetMetrics().RecordJobFailed()
	}
}
