// Package job defines the unit of work the orchestrator submits to a cluster
// backend: its identity, its payload, and the state machine that the
// communication server and the orchestrator drive it through.
package job

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Status is a Job's position in its lifecycle. Transitions are monotonic
// except the explicit resume edge (SUBMITTED|RUNNING -> SUBMITTED).
type Status int

const (
	Initial Status = iota
	Submitted
	Running
	SentResults
	Concluded
	ConcludedWithoutResults
	Failed
)

func (s Status) String() string {
	switch s {
	case Initial:
		return "INITIAL"
	case Submitted:
		return "SUBMITTED"
	case Running:
		return "RUNNING"
	case SentResults:
		return "SENT_RESULTS"
	case Concluded:
		return "CONCLUDED"
	case ConcludedWithoutResults:
		return "CONCLUDED_WITHOUT_RESULTS"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Paths carries the on-disk layout and environment setup needed to render a
// run script for a Job. It is supplied by the settings file (out of scope)
// and merely consumed here.
type Paths struct {
	MainPath         string
	ScriptRelPath    string
	RunAsModule      bool
	VirtualEnvPath   string
	CondaEnvPath     string
	PreJobScript     string
	Variables        map[string]string
	SingularityImage string
	CmdPrefix        string
	JobsDir          string
	WorkingDirFor    func(id int) string
}

// Job is one scheduled execution of the user program for one parameter
// setting.
type Job struct {
	mu sync.Mutex

	ID        int
	ClusterID string

	Settings       map[string]any
	OtherParams    map[string]any
	Iteration      int
	MetricToWatch  string

	Status                Status
	Hostname               string
	StartTime              time.Time
	EstimatedEnd           time.Time
	WaitingForResume       bool
	ReportedMetricValues   []float64
	Metrics                map[string]float64
	ErrorInfo              string
	ResultsUsedForUpdate   bool

	RunScriptPath   string
	JobSpecFilePath string

	ConnectionIP   string
	ConnectionPort int

	Paths Paths
}

// New constructs a Job in the INITIAL state.
func New(id int, settings, otherParams map[string]any, iteration int, metricToWatch string, paths Paths) *Job {
	return &Job{
		ID:            id,
		Settings:      settings,
		OtherParams:   otherParams,
		Iteration:     iteration,
		MetricToWatch: metricToWatch,
		Status:        Initial,
		Paths:         paths,
	}
}

// Lock/Unlock expose the single-writer-per-Job discipline required by the
// concurrency model: the orchestrator's application of decoded
// communication-server events and its own submission/iteration/resume
// bookkeeping both mutate a Job only while holding its lock, so no
// goroutine ever observes a torn update.
func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// MarkSubmitted records a successful submission attempt.
func (j *Job) MarkSubmitted(clusterID string) {
	j.ClusterID = clusterID
	j.Status = Submitted
}

// MarkStarted applies the JOB_STARTED transition.
func (j *Job) MarkStarted(hostname string) {
	j.Status = Running
	j.Hostname = hostname
	if !j.WaitingForResume {
		j.StartTime = time.Now()
	}
	j.WaitingForResume = false
}

// MarkFailed applies an unconditional transition to FAILED, recording the
// error text. Used both by ERROR_ENCOUNTERED messages and by backend
// polling (Condor log parsing, Slurm sacct, local exit codes).
func (j *Job) MarkFailed(errInfo string) {
	j.Status = Failed
	j.ErrorInfo = errInfo
}

// ReceiveResults applies the JOB_SENT_RESULTS transition.
func (j *Job) ReceiveResults(metrics map[string]float64) {
	if j.Status == ConcludedWithoutResults {
		j.Status = Concluded
	} else {
		j.Status = SentResults
	}
	j.Metrics = metrics
}

// Conclude applies the JOB_CONCLUDED transition. Returns true if the Job
// moved to CONCLUDED_WITHOUT_RESULTS and the caller must arm a grace timer.
func (j *Job) Conclude() (needsGraceTimer bool) {
	if j.Status == SentResults && j.Metrics != nil {
		j.Status = Concluded
		return false
	}
	j.Status = ConcludedWithoutResults
	return true
}

// FailIfStillWithoutResults is invoked by the grace timer; it only acts if
// the Job has not transitioned away from CONCLUDED_WITHOUT_RESULTS meanwhile.
func (j *Job) FailIfStillWithoutResults() bool {
	if j.Status == ConcludedWithoutResults {
		j.Status = Failed
		j.ErrorInfo = "Job concluded but sent no results."
		return true
	}
	return false
}

// BeginResume marks the Job for re-submission, preserving its ID.
func (j *Job) BeginResume() {
	j.Status = Submitted
	j.WaitingForResume = true
}

// ReportProgress applies the JOB_PROGRESS_PERCENTAGE transition.
func (j *Job) ReportProgress(fraction float64) {
	if fraction <= 0 || fraction > 1 || j.StartTime.IsZero() {
		return
	}
	elapsed := time.Since(j.StartTime)
	j.EstimatedEnd = j.StartTime.Add(time.Duration(float64(elapsed) / fraction))
}

// ReportEarlyMetric applies the METRIC_EARLY_REPORT transition for the
// watched metric only; other reported metrics are discarded, since only
// the watched scalar feeds the early-kill rank matrix.
func (j *Job) ReportEarlyMetric(metrics map[string]float64) {
	if v, ok := metrics[j.MetricToWatch]; ok {
		j.ReportedMetricValues = append(j.ReportedMetricValues, v)
	}
}

// TimeLeft returns the duration until EstimatedEnd, or zero if unknown.
func (j *Job) TimeLeft() time.Duration {
	if j.EstimatedEnd.IsZero() {
		return 0
	}
	d := time.Until(j.EstimatedEnd)
	if d < 0 {
		return 0
	}
	return d
}

// TimeLeftToStr renders TimeLeft as a short human string ("2h15m", "45s"),
// or "" when no estimate is available yet.
func TimeLeftToStr(d time.Duration) string {
	if d <= 0 {
		return ""
	}
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	switch {
	case h > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// LoadMetricsCSV reads a one-row metrics file (header row of metric names,
// one row of values) as written into a job's working directory. Used by
// grid_search's load_existing_results policy to recognize grid points a
// previous run already finished.
func LoadMetricsCSV(path string) (map[string]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse metrics file %s: %w", path, err)
	}
	if len(records) < 2 || len(records[0]) != len(records[1]) {
		return nil, fmt.Errorf("metrics file %s is not a one-row CSV", path)
	}

	metrics := make(map[string]float64, len(records[0]))
	for i, name := range records[0] {
		v, err := strconv.ParseFloat(strings.TrimSpace(records[1][i]), 64)
		if err != nil {
			return nil, fmt.Errorf("metrics file %s: column %q: %w", path, name, err)
		}
		metrics[name] = v
	}
	return metrics, nil
}

// GenerateExecutionCmd synthesizes the shell script body that a backend
// writes to <jobs_dir>/<iteration>_<id>.sh. Lines are newline-joined in the
// fixed order: cd, venv/conda activation, env exports, pre-job script, the
// wrapped executor invocation (Singularity applied last), optionally
// prefixed by a backend runner command (e.g. "srun").
func (j *Job) GenerateExecutionCmd(connIP string, connPort int) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("cd %s", shellQuote(j.Paths.MainPath)))

	if j.Paths.VirtualEnvPath != "" {
		lines = append(lines, fmt.Sprintf("source %s", shellQuote(j.Paths.VirtualEnvPath+"/bin/activate")))
	}
	if j.Paths.CondaEnvPath != "" {
		lines = append(lines, fmt.Sprintf("conda activate %s", shellQuote(j.Paths.CondaEnvPath)))
	}
	for k, v := range j.Paths.Variables {
		lines = append(lines, fmt.Sprintf("export %s=%s", k, shellQuote(v)))
	}
	if j.Paths.PreJobScript != "" {
		lines = append(lines, j.Paths.PreJobScript)
	}

	exe := j.executorInvocation(connIP, connPort)
	if j.Paths.SingularityImage != "" {
		exe = j.singularityWrap(exe)
	}
	if j.Paths.CmdPrefix != "" {
		exe = j.Paths.CmdPrefix + " " + exe
	}
	lines = append(lines, exe)

	return strings.Join(lines, "\n")
}

func (j *Job) executorInvocation(connIP string, connPort int) string {
	merged := make(map[string]any, len(j.Settings)+len(j.OtherParams))
	for k, v := range j.OtherParams {
		merged[k] = v
	}
	for k, v := range j.Settings {
		merged[k] = v
	}
	settingsLiteral := literalDict(merged)
	args := fmt.Sprintf(`--job-id=%d --cluster-utils-server=%s:%d --parameter-dict %s`,
		j.ID, connIP, connPort, shellQuote(settingsLiteral))

	if j.Paths.RunAsModule {
		return fmt.Sprintf("python -m %s %s", j.Paths.ScriptRelPath, args)
	}
	if strings.HasSuffix(j.Paths.ScriptRelPath, ".py") {
		return fmt.Sprintf("python %s %s", j.Paths.ScriptRelPath, args)
	}
	return fmt.Sprintf("%s %s", j.Paths.ScriptRelPath, args)
}

// singularityWrap wraps cmd inside a singularity invocation, binding /tmp,
// the job's working directory and the current directory.
func (j *Job) singularityWrap(cmd string) string {
	workingDir := ""
	if j.Paths.WorkingDirFor != nil {
		workingDir = j.Paths.WorkingDirFor(j.ID)
	}
	return fmt.Sprintf(
		`singularity exec --bind=/tmp,%s,$(pwd) --pwd=$(pwd) %s %s`,
		workingDir, j.Paths.SingularityImage, cmd,
	)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// literalDict renders settings as a Python-literal-looking dict string,
// matching the wire contract the user-side client library expects.
func literalDict(m map[string]any) string {
	var b strings.Builder
	b.WriteByte('{')
	first := true
	for k, v := range m {
		if !first {
			b.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&b, "%q: %s", k, literalValue(v))
	}
	b.WriteByte('}')
	return b.String()
}

func literalValue(v any) string {
	switch t := v.(type) {
	case string:
		return fmt.Sprintf("%q", t)
	case map[string]any:
		return literalDict(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
