package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob() *Job {
	return New(1, map[string]any{"x": 1}, map[string]any{"z": 3}, 1, "result", Paths{
		MainPath:      "/home/user/project",
		ScriptRelPath: "train.py",
	})
}

func TestLifecycleHappyPath(t *testing.T) {
	j := newTestJob()
	assert.Equal(t, Initial, j.Status)

	j.MarkSubmitted("123")
	assert.Equal(t, Submitted, j.Status)
	assert.Equal(t, "123", j.ClusterID)

	j.MarkStarted("node01")
	assert.Equal(t, Running, j.Status)
	assert.Equal(t, "node01", j.Hostname)
	assert.False(t, j.StartTime.IsZero())

	j.ReceiveResults(map[string]float64{"result": 13})
	assert.Equal(t, SentResults, j.Status)

	needsGrace := j.Conclude()
	assert.False(t, needsGrace)
	assert.Equal(t, Concluded, j.Status)
}

func TestConcludeWithoutResultsThenGraceRecovers(t *testing.T) {
	j := newTestJob()
	j.MarkSubmitted("1")
	j.MarkStarted("n1")

	needsGrace := j.Conclude()
	require.True(t, needsGrace)
	assert.Equal(t, ConcludedWithoutResults, j.Status)

	j.ReceiveResults(map[string]float64{"result": 1})
	assert.Equal(t, Concluded, j.Status)

	// grace firing afterwards must be a no-op
	fired := j.FailIfStillWithoutResults()
	assert.False(t, fired)
	assert.Equal(t, Concluded, j.Status)
}

func TestConcludeWithoutResultsGraceExpires(t *testing.T) {
	j := newTestJob()
	j.MarkSubmitted("1")
	j.MarkStarted("n1")
	j.Conclude()

	fired := j.FailIfStillWithoutResults()
	assert.True(t, fired)
	assert.Equal(t, Failed, j.Status)
	assert.Equal(t, "Job concluded but sent no results.", j.ErrorInfo)
}

func TestResumeEdgePreservesID(t *testing.T) {
	j := newTestJob()
	j.MarkSubmitted("1")
	j.MarkStarted("n1")

	j.BeginResume()
	assert.Equal(t, Submitted, j.Status)
	assert.True(t, j.WaitingForResume)
	assert.Equal(t, 1, j.ID)

	j.MarkStarted("n2")
	assert.False(t, j.WaitingForResume)
	assert.Equal(t, Running, j.Status)
}

func TestReportProgressEstimatesEnd(t *testing.T) {
	j := newTestJob()
	j.StartTime = time.Now().Add(-10 * time.Second)
	j.ReportProgress(0.5)
	assert.False(t, j.EstimatedEnd.IsZero())
	assert.WithinDuration(t, j.StartTime.Add(20*time.Second), j.EstimatedEnd, 2*time.Second)
}

func TestReportProgressIgnoresOutOfRange(t *testing.T) {
	j := newTestJob()
	j.StartTime = time.Now()
	j.ReportProgress(0)
	assert.True(t, j.EstimatedEnd.IsZero())
	j.ReportProgress(1.5)
	assert.True(t, j.EstimatedEnd.IsZero())
}

func TestReportEarlyMetricOnlyWatchedMetric(t *testing.T) {
	j := newTestJob()
	j.ReportEarlyMetric(map[string]float64{"result": 1, "other": 99})
	j.ReportEarlyMetric(map[string]float64{"other": 99})
	require.Len(t, j.ReportedMetricValues, 1)
	assert.Equal(t, 1.0, j.ReportedMetricValues[0])
}

func TestTimeLeftToStr(t *testing.T) {
	assert.Equal(t, "", TimeLeftToStr(0))
	assert.Equal(t, "45s", TimeLeftToStr(45*time.Second))
	assert.Equal(t, "2m5s", TimeLeftToStr(2*time.Minute+5*time.Second))
	assert.Equal(t, "1h2m", TimeLeftToStr(time.Hour+2*time.Minute))
}

func TestLoadMetricsCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.csv")
	require.NoError(t, os.WriteFile(path, []byte("loss,accuracy\n0.25,0.91\n"), 0o644))

	metrics, err := LoadMetricsCSV(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"loss": 0.25, "accuracy": 0.91}, metrics)

	_, err = LoadMetricsCSV(filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.csv")
	require.NoError(t, os.WriteFile(bad, []byte("loss\nnot-a-number\n"), 0o644))
	_, err = LoadMetricsCSV(bad)
	assert.Error(t, err)
}

func TestGenerateExecutionCmdOrderAndSingularity(t *testing.T) {
	j := New(7, map[string]any{"lr": 0.1}, nil, 1, "loss", Paths{
		MainPath:         "/work",
		ScriptRelPath:    "run.py",
		VirtualEnvPath:   "/envs/myenv",
		Variables:        map[string]string{"FOO": "bar"},
		PreJobScript:     "echo hi",
		SingularityImage: "/images/img.sif",
		WorkingDirFor:    func(id int) string { return "/work/wd/7" },
	})
	cmd := j.GenerateExecutionCmd("10.0.0.1", 5555)

	lines := splitLines(cmd)
	require.True(t, len(lines) >= 5)
	assert.Equal(t, "cd '/work'", lines[0])
	assert.Contains(t, lines[1], "source '/envs/myenv/bin/activate'")
	assert.Contains(t, cmd, "export FOO='bar'")
	assert.Contains(t, cmd, "echo hi")
	assert.Contains(t, cmd, "singularity exec --bind=/tmp,/work/wd/7,$(pwd)")
	assert.Contains(t, cmd, "--job-id=7")
	assert.Contains(t, cmd, "10.0.0.1:5555")
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
