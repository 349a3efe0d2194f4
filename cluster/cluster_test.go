package cluster

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martius-lab/cluster-utils-go/comm"
	"github.com/martius-lab/cluster-utils-go/job"
)

type testLogger struct{}

func (testLogger) Infof(string, ...any)  {}
func (testLogger) Warnf(string, ...any)  {}
func (testLogger) Errorf(string, ...any) {}

func newTestJob(t *testing.T, id int) *job.Job {
	t.Helper()
	return job.New(id, map[string]any{}, map[string]any{}, 0, "loss", job.Paths{
		MainPath: t.TempDir(),
	})
}

func TestBaseSubmitNextRendersScriptAndMarksSubmitted(t *testing.T) {
	jobsDir := t.TempDir()
	b := NewBase(jobsDir, comm.ConnectionInfo{IP: "127.0.0.1", Port: 9999}, testLogger{})

	var submittedScript string
	b.SubmitFn = func(j *job.Job, scriptPath string) (string, error) {
		submittedScript = scriptPath
		return "cid-1", nil
	}

	j := newTestJob(t, 1)
	b.AddJobs([]*job.Job{j}, true)

	require.True(t, b.HasUnsubmittedJobs())
	require.NoError(t, b.SubmitNext())
	require.False(t, b.HasUnsubmittedJobs())

	assert.Equal(t, job.Submitted, j.Status)
	assert.Equal(t, "cid-1", j.ClusterID)
	assert.FileExists(t, submittedScript)

	data, err := os.ReadFile(submittedScript)
	require.NoError(t, err)
	assert.Contains(t, string(data), "--job-id=1")
}

func TestBaseSubmitNextRetriesThenFails(t *testing.T) {
	jobsDir := t.TempDir()
	b := NewBase(jobsDir, comm.ConnectionInfo{IP: "127.0.0.1", Port: 1}, testLogger{})

	attempts := 0
	b.SubmitFn = func(j *job.Job, scriptPath string) (string, error) {
		attempts++
		return "", assertError{}
	}

	j := newTestJob(t, 2)
	b.AddJobs([]*job.Job{j}, true)

	err := b.SubmitNext()
	assert.Error(t, err)
	assert.Equal(t, submitMaxAttempts, attempts)
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

func TestBaseAccessorsPartitionByStatus(t *testing.T) {
	jobsDir := t.TempDir()
	b := NewBase(jobsDir, comm.ConnectionInfo{}, testLogger{})

	idle := newTestJob(t, 1)
	running := newTestJob(t, 2)
	running.MarkSubmitted("c2")
	running.MarkStarted("host")
	failed := newTestJob(t, 3)
	failed.MarkFailed("oops")

	b.AddJobs([]*job.Job{idle, running, failed}, false)
	b.AddJobs([]*job.Job{idle}, true)

	assert.Len(t, b.IdleJobs(), 1)
	assert.Len(t, b.RunningJobs(), 1)
	assert.Len(t, b.FailedJobs(), 1)
}

func TestLocalBackendRunsScriptAndReportsFailure(t *testing.T) {
	jobsDir := t.TempDir()
	local := NewLocal(2, jobsDir, comm.ConnectionInfo{IP: "127.0.0.1", Port: 5005}, testLogger{})

	failScript := filepath.Join(jobsDir, "0_1.sh")
	require.NoError(t, os.WriteFile(failScript, []byte("#!/bin/bash\necho failing 1>&2\nexit 7\n"), 0o755))

	j := newTestJob(t, 1)
	j.RunScriptPath = failScript
	clusterID, err := local.submit(j, failScript)
	require.NoError(t, err)
	j.MarkSubmitted(clusterID)

	require.True(t, local.Wait(5*time.Second))

	seen := map[string]bool{}
	local.markFailed([]*job.Job{j}, testLogger{}, seen)

	assert.Equal(t, job.Failed, j.Status)
	assert.Contains(t, j.ErrorInfo, "failing")
}

func TestParseCondorClusterID(t *testing.T) {
	id, err := parseCondorClusterID("1 job(s) submitted to cluster 4821.")
	require.NoError(t, err)
	assert.Equal(t, "4821", id)

	_, err = parseCondorClusterID("nonsense output")
	assert.Error(t, err)
}

func TestParseSbatchJobID(t *testing.T) {
	id, err := parseSbatchJobID("Submitted batch job 99213\n")
	require.NoError(t, err)
	assert.Equal(t, "99213", id)

	_, err = parseSbatchJobID("nonsense output")
	assert.Error(t, err)
}

func TestSlurmMarkFailedUsesSacctOutput(t *testing.T) {
	jobsDir := t.TempDir()
	s := NewSlurm(Requirements{RequestCPUs: 1}, jobsDir, comm.ConnectionInfo{}, testLogger{})

	scriptPath := filepath.Join(jobsDir, "0_5.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/bash\n"), 0o755))
	errPath := filepath.Join(jobsDir, "0_5.err")
	require.NoError(t, os.WriteFile(errPath, []byte("traceback: boom"), 0o644))

	j := newTestJob(t, 5)
	j.RunScriptPath = scriptPath
	j.MarkSubmitted("777")

	s.sacct = func(ids []string) (string, error) {
		return "777.batch|node1|FAILED|1:0\n777|node1|FAILED|1:0\n", nil
	}

	seen := map[string]bool{}
	s.markFailed([]*job.Job{j}, testLogger{}, seen)

	assert.Equal(t, job.Failed, j.Status)
	assert.Contains(t, j.ErrorInfo, "boom")
}

func TestCondorWriteSubmitFileRendersResumeDirectives(t *testing.T) {
	jobsDir := t.TempDir()
	c := NewCondor(Requirements{
		Bid:                 25,
		RequestCPUs:         4,
		RequestGPUs:         1,
		MemoryInMB:          8000,
		CudaRequirement:     "8.0",
		ForbiddenHostnames:  []string{"badnode"},
		ConcurrencyLimitTag: "gpu",
		ConcurrencyLimit:    20,
	}, jobsDir, comm.ConnectionInfo{IP: "127.0.0.1", Port: 1}, testLogger{})

	j := newTestJob(t, 3)
	scriptPath := filepath.Join(jobsDir, "1_3.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/bash\n"), 0o755))

	specPath, err := c.writeSubmitFile(j, scriptPath)
	require.NoError(t, err)
	data, err := os.ReadFile(specPath)
	require.NoError(t, err)
	spec := string(data)

	assert.Contains(t, spec, "executable = "+scriptPath)
	assert.Contains(t, spec, "request_cpus = 4")
	assert.Contains(t, spec, "request_gpus = 1")
	assert.Contains(t, spec, "request_memory = 8000")
	assert.Contains(t, spec, "on_exit_hold = (ExitCode =?= 3)")
	assert.Contains(t, spec, "periodic_release = ((JobStatus =?= 5) && (HoldReasonCode =?= 3) && (HoldReasonSubCode =?= 2))")
	assert.Contains(t, spec, "getenv = True")
	assert.Contains(t, spec, "requirements = (TARGET.CUDACapability >= 8.0)")
	assert.Contains(t, spec, `(UtsnameNodename =!= "badnode")`)
	assert.Contains(t, spec, "concurrency_limits = user.gpu:500")
	assert.Contains(t, spec, "queue\n")
}

func TestSlurmWrapScriptRendersSbatchHeader(t *testing.T) {
	jobsDir := t.TempDir()
	s := NewSlurm(Requirements{
		Partition:          "gpu",
		RequestCPUs:        2,
		RequestGPUs:        1,
		MemoryInMB:         4000,
		RequestTime:        "04:00:00",
		ForbiddenHostnames: []string{"a", "b"},
	}, jobsDir, comm.ConnectionInfo{}, testLogger{})

	j := newTestJob(t, 7)
	j.Iteration = 2
	scriptPath := filepath.Join(jobsDir, "2_7.sh")
	content := s.WrapScriptFn(j, "echo body", scriptPath)

	assert.Contains(t, content, "#SBATCH --job-name=2_7")
	assert.Contains(t, content, "#SBATCH --partition=gpu")
	assert.Contains(t, content, "#SBATCH --cpus-per-task=2")
	assert.Contains(t, content, "#SBATCH --gpus-per-task=1")
	assert.Contains(t, content, "#SBATCH --mem=4000M")
	assert.Contains(t, content, "#SBATCH --time=04:00:00")
	assert.Contains(t, content, "#SBATCH --nodes=1")
	assert.Contains(t, content, "#SBATCH --ntasks=1")
	assert.Contains(t, content, "#SBATCH --exclude=a,b")
	assert.Contains(t, content, "#SBATCH --open-mode=append")
	// Exit code 3 must not reach Slurm's accounting as a failure.
	assert.Contains(t, content, "if [ $rc -eq 3 ]; then\n    exit 0\nfi")
}

func TestWrapRunScriptSentinelBehavior(t *testing.T) {
	dir := t.TempDir()

	failing := filepath.Join(dir, "fail.sh")
	require.NoError(t, os.WriteFile(failing,
		[]byte(wrapRunScript(nil, "(exit 7)", failing, false)), 0o755))
	err := exec.Command("/bin/bash", failing).Run()
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 7, exitErr.ExitCode())
	assert.FileExists(t, failing+".FAILED")

	// A resume exit leaves no sentinel and, when swallowed, exits 0.
	resuming := filepath.Join(dir, "resume.sh")
	require.NoError(t, os.WriteFile(resuming,
		[]byte(wrapRunScript(nil, "(exit 3)", resuming, true)), 0o755))
	require.NoError(t, exec.Command("/bin/bash", resuming).Run())
	assert.NoFileExists(t, resuming+".FAILED")

	// Without swallowing, the resume code is forwarded untouched.
	forwarding := filepath.Join(dir, "forward.sh")
	require.NoError(t, os.WriteFile(forwarding,
		[]byte(wrapRunScript(nil, "(exit 3)", forwarding, false)), 0o755))
	err = exec.Command("/bin/bash", forwarding).Run()
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode())
	assert.NoFileExists(t, forwarding+".FAILED")
}

func TestCondorMarkFailedParsesLogAndErrFiles(t *testing.T) {
	jobsDir := t.TempDir()
	c := NewCondor(Requirements{Bid: 25, RequestCPUs: 1}, jobsDir, comm.ConnectionInfo{}, testLogger{})

	scriptPath := filepath.Join(jobsDir, "0_9.sh")
	require.NoError(t, os.WriteFile(scriptPath, []byte("#!/bin/bash\n"), 0o755))
	logPath := filepath.Join(jobsDir, "0_9.log")
	require.NoError(t, os.WriteFile(logPath, []byte(
		"Job executing on host: <172.22.1.5:50000>\n...\nreturn value 1\n"), 0o644))
	errPath := filepath.Join(jobsDir, "0_9.err")
	require.NoError(t, os.WriteFile(errPath, []byte("stack trace here"), 0o644))

	j := newTestJob(t, 9)
	j.RunScriptPath = scriptPath
	j.MarkSubmitted("123")

	seen := map[string]bool{}
	c.markFailed([]*job.Job{j}, testLogger{}, seen)

	assert.Equal(t, job.Failed, j.Status)
	assert.Equal(t, "172.22.1.5", j.Hostname)
	assert.Contains(t, j.ErrorInfo, "stack trace here")
}
