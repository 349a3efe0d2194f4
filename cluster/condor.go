package cluster

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/job"
)

var (
	condorReturnValueRe = regexp.MustCompile(`return value (-?\d+)`)
	condorHostRe        = regexp.MustCompile(`Job executing on host: <([0-9.]+)`)
)

// Condor submits through HTCondor's condor_submit_bid and detects failure
// by reading the job event log it writes alongside the run script.
// condor_submit_bid manages requeue-on-exit-3 itself via on_exit_hold and
// periodic_release, so Resume does not re-enqueue the job here.
type Condor struct {
	*Base
	req Requirements
}

// NewCondor creates a Condor backend submitting with req.Bid.
func NewCondor(req Requirements, jobsDir string, connInfo comm.ConnectionInfo, log Logger) *Condor {
	c := &Condor{Base: NewBase(jobsDir, connInfo, log), req: req}
	c.Base.SubmitFn = c.submit
	c.Base.StopFn = c.stop
	c.Base.MarkFailedFn = c.markFailed
	// Condor reads the job's real exit code to drive on_exit_hold, so the
	// run script must forward code 3 untouched.
	c.Base.WrapScriptFn = func(j *job.Job, body, scriptPath string) string {
		return wrapRunScript(nil, body, scriptPath, false)
	}
	c.Base.SpecFn = c.writeSubmitFile
	return c
}

// Resume marks the job as waiting for resume (job.BeginResume) but does
// not re-enqueue it: condor's scheduler re-queues the job automatically.
func (c *Condor) Resume(j *job.Job) { j.BeginResume() }

// writeSubmitFile renders the Condor submit description next to the run
// script. The on_exit_hold/periodic_release pair implements the resume
// convention: exit code 3 holds the job with subcode 2, and the periodic
// release expression re-queues exactly those holds.
func (c *Condor) writeSubmitFile(j *job.Job, scriptPath string) (string, error) {
	base := strings.TrimSuffix(scriptPath, ".sh")
	var b strings.Builder
	fmt.Fprintf(&b, "executable = %s\n", scriptPath)
	fmt.Fprintf(&b, "error = %s.err\n", base)
	fmt.Fprintf(&b, "output = %s.out\n", base)
	fmt.Fprintf(&b, "log = %s.log\n", base)
	fmt.Fprintf(&b, "request_cpus = %d\n", c.req.RequestCPUs)
	fmt.Fprintf(&b, "request_gpus = %d\n", c.req.RequestGPUs)
	fmt.Fprintf(&b, "request_memory = %d\n", c.req.MemoryInMB)
	if expr := c.req.condorRequirementsExpr(); expr != "" {
		fmt.Fprintf(&b, "requirements = %s\n", expr)
	}
	fmt.Fprintf(&b, "on_exit_hold = (ExitCode =?= %d)\n", resumeExitCode)
	b.WriteString("on_exit_hold_subcode = 2\n")
	b.WriteString("periodic_release = ((JobStatus =?= 5) && (HoldReasonCode =?= 3) && (HoldReasonSubCode =?= 2))\n")
	b.WriteString("getenv = True\n")
	if c.req.ConcurrencyLimitTag != "" && c.req.ConcurrencyLimit > 0 {
		fmt.Fprintf(&b, "concurrency_limits = user.%s:%d\n",
			c.req.ConcurrencyLimitTag, concurrencyLimitMax/c.req.ConcurrencyLimit)
	}
	for _, opt := range c.req.ExtraSubmissionOptions {
		b.WriteString(opt + "\n")
	}
	b.WriteString("queue\n")

	specPath := base + ".sub"
	if err := os.WriteFile(specPath, []byte(b.String()), 0o644); err != nil {
		return "", errors.Wrap(err, "write condor submit file")
	}
	return specPath, nil
}

func (c *Condor) submit(j *job.Job, scriptPath string) (string, error) {
	specPath := j.JobSpecFilePath
	if specPath == "" {
		specPath = scriptPath
	}
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "condor_submit_bid", strconv.Itoa(c.req.Bid), specPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "condor_submit_bid: %s", out)
	}
	clusterID, err := parseCondorClusterID(string(out))
	if err != nil {
		return "", err
	}
	return clusterID, nil
}

var condorClusterIDRe = regexp.MustCompile(`submitted to cluster (\d+)`)

func parseCondorClusterID(output string) (string, error) {
	m := condorClusterIDRe.FindStringSubmatch(output)
	if m == nil {
		return "", errors.Errorf("could not find cluster id in condor_submit_bid output: %q", output)
	}
	return m[1], nil
}

func (c *Condor) stop(clusterID string) error {
	return exec.Command("condor_rm", clusterID).Run()
}

func (c *Condor) markFailed(jobs []*job.Job, log Logger, seen map[string]bool) {
	for _, j := range jobs {
		j.Lock()
		scriptPath := j.RunScriptPath
		j.Unlock()
		if scriptPath == "" {
			continue
		}

		logPath := strings.TrimSuffix(scriptPath, ".sh") + ".log"
		data, err := os.ReadFile(logPath)
		if err != nil {
			continue
		}
		text := string(data)

		if m := condorHostRe.FindStringSubmatch(text); m != nil {
			j.Lock()
			if j.Hostname == "" {
				j.Hostname = m[1]
			}
			j.Unlock()
		}

		matches := condorReturnValueRe.FindAllStringSubmatch(text, -1)
		if len(matches) == 0 {
			continue
		}
		last := matches[len(matches)-1][1]
		code, err := strconv.Atoi(last)
		if err != nil || code == 0 || code == resumeExitCode {
			continue
		}

		errText := readErrFile(strings.TrimSuffix(scriptPath, ".sh") + ".err")
		key := fmt.Sprintf("%d:%s", j.ID, errText)
		if !seen[key] {
			seen[key] = true
			log.Errorf("job %d failed (condor exit %s): %s", j.ID, last, errText)
			metrics.GetMetrics().RecordError("condor_exit")
		}
		j.Lock()
		j.MarkFailed(errText)
		j.Unlock()
		metrics.GetMetrics().RecordJobFailed()
	}
}

func readErrFile(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}
