package orchestrator

import (
	"bytes"
	"encoding/csv"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/martius-lab/cluster-utils-go/optimizer"
)

// runMetadata is the content of metadata.json, written once at run start.
type runMetadata struct {
	RunType   string    `json:"run_type"`
	StartTime time.Time `json:"start_time"`
}

func (o *Orchestrator) writeMetadata(runType string) error {
	meta := runMetadata{RunType: runType, StartTime: time.Now()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal run metadata")
	}
	path := filepath.Join(o.cfg.ResultsDir, "metadata.json")
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// snapshotPayload is gob-encoded inside optimizer.Snapshot.Payload, carrying
// enough state to resume either a GridSearch or a CEM run: its accumulated
// results (replayed through Tell to refit distributions) plus the
// orchestrator's own iteration counters and, for grid search, its cursor.
type snapshotPayload struct {
	Results        []optimizer.Result
	Iteration      int
	StartIteration int
	CompletedCount int
	GridCursor     int
}

func (o *Orchestrator) snapshotPath() string {
	return filepath.Join(o.cfg.ResultsDir, "status.snapshot")
}

// writeStatusSnapshot persists the optimizer's accumulated state and the
// orchestrator's iteration bookkeeping, guarded by the distributed lock so
// a concurrently-launched second instance cannot corrupt it mid-write.
func (o *Orchestrator) writeStatusSnapshot() error {
	snappable, ok := o.opt.(optimizer.Snapshottable)
	if !ok {
		return nil
	}

	payload := snapshotPayload{
		Results:        snappable.AllResults(),
		Iteration:      o.iteration,
		StartIteration: o.startIteration,
		CompletedCount: o.completedCount(),
	}
	if gs, ok := o.opt.(interface{ Cursor() int }); ok {
		payload.GridCursor = gs.Cursor()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return errors.Wrap(err, "encode snapshot payload")
	}

	kind := "hp_optimization"
	if o.cfg.IsGridSearch() {
		kind = "grid_search"
	}
	snap := optimizer.Snapshot{
		Metric:   o.cfg.MetricToOptimize,
		Minimize: o.cfg.Minimize,
		Kind:     kind,
		Payload:  buf.Bytes(),
	}
	return errors.Wrap(optimizer.Save(o.snapshotPath(), snap), "save optimizer snapshot")
}

// resumeFromSnapshotIfPresent loads status.snapshot, if any, and replays
// its results through the optimizer and restores orchestrator counters.
func (o *Orchestrator) resumeFromSnapshotIfPresent() error {
	snap, ok, err := optimizer.Load(o.snapshotPath())
	if err != nil {
		return errors.Wrap(err, "load optimizer snapshot")
	}
	if !ok {
		return nil
	}
	if err := optimizer.CheckResumable(snap, o.cfg.MetricToOptimize, o.cfg.Minimize); err != nil {
		return err
	}

	var payload snapshotPayload
	if err := gob.NewDecoder(bytes.NewReader(snap.Payload)).Decode(&payload); err != nil {
		return errors.Wrap(err, "decode snapshot payload")
	}

	if snappable, ok := o.opt.(optimizer.Snapshottable); ok {
		snappable.RestoreResults(payload.Results)
	}
	if gs, ok := o.opt.(interface{ SetCursor(int) }); ok {
		gs.SetCursor(payload.GridCursor)
	}

	o.mu.Lock()
	o.iteration = payload.Iteration
	o.startIteration = payload.StartIteration
	o.completedBase = payload.CompletedCount
	o.mu.Unlock()
	o.log.Infof("resumed from snapshot at iteration %d, %d jobs already completed", payload.Iteration, payload.CompletedCount)
	return nil
}

// writeAllDataCSV writes one row per completed job with results applied,
// flattened parameter columns followed by metric columns.
func (o *Orchestrator) writeAllDataCSV() error {
	completed := o.backend.CompletedJobs()

	columns := map[string]bool{}
	type row struct {
		id        int
		iteration int
		params    map[string]any
		metrics   map[string]float64
	}
	var rows []row
	for _, j := range completed {
		j.Lock()
		if j.Metrics == nil {
			j.Unlock()
			continue
		}
		r := row{id: j.ID, iteration: j.Iteration, params: flattenAny(j.Settings), metrics: j.Metrics}
		j.Unlock()
		for k := range r.params {
			columns[k] = true
		}
		for k := range r.metrics {
			columns["metric."+k] = true
		}
		rows = append(rows, r)
	}

	colNames := []string{"id", "iteration"}
	var paramCols, metricCols []string
	for c := range columns {
		if len(c) > 7 && c[:7] == "metric." {
			metricCols = append(metricCols, c)
		} else {
			paramCols = append(paramCols, c)
		}
	}
	sort.Strings(paramCols)
	sort.Strings(metricCols)
	colNames = append(colNames, paramCols...)
	colNames = append(colNames, metricCols...)

	path := filepath.Join(o.cfg.ResultsDir, "all_data.csv")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(colNames); err != nil {
		return errors.Wrap(err, "write all_data.csv header")
	}
	for _, r := range rows {
		record := make([]string, len(colNames))
		record[0] = strconv.Itoa(r.id)
		record[1] = strconv.Itoa(r.iteration)
		for i, c := range paramCols {
			record[2+i] = fmt.Sprintf("%v", r.params[c])
		}
		for i, c := range metricCols {
			record[2+len(paramCols)+i] = fmt.Sprintf("%v", r.metrics[c[len("metric."):]])
		}
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, "write all_data.csv row")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flush all_data.csv")
}

// writeReducedDataCSV averages metric values across restarts of identical
// parameter tuples.
func (o *Orchestrator) writeReducedDataCSV() error {
	completed := o.backend.SuccessfulJobs()
	type bucket struct {
		params map[string]any
		sum    map[string]float64
		count  map[string]int
	}
	buckets := map[string]*bucket{}
	var keyOrder []string

	for _, j := range completed {
		j.Lock()
		params := flattenAny(j.Settings)
		metricsMap := j.Metrics
		j.Unlock()

		key := paramTupleKey(params)
		b, ok := buckets[key]
		if !ok {
			b = &bucket{params: params, sum: map[string]float64{}, count: map[string]int{}}
			buckets[key] = b
			keyOrder = append(keyOrder, key)
		}
		for m, v := range metricsMap {
			b.sum[m] += v
			b.count[m]++
		}
	}

	columns := map[string]bool{}
	for _, b := range buckets {
		for k := range b.params {
			columns[k] = true
		}
		for k := range b.sum {
			columns["mean."+k] = true
			columns["restarts"] = true
		}
	}
	var paramCols []string
	var metricCols []string
	for c := range columns {
		switch {
		case c == "restarts":
		case len(c) > 5 && c[:5] == "mean.":
			metricCols = append(metricCols, c)
		default:
			paramCols = append(paramCols, c)
		}
	}
	sort.Strings(paramCols)
	sort.Strings(metricCols)
	header := append([]string{}, paramCols...)
	header = append(header, metricCols...)
	header = append(header, "restarts")

	path := filepath.Join(o.cfg.ResultsDir, "reduced_data.csv")
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return errors.Wrap(err, "write reduced_data.csv header")
	}
	for _, key := range keyOrder {
		b := buckets[key]
		record := make([]string, 0, len(header))
		for _, c := range paramCols {
			record = append(record, fmt.Sprintf("%v", b.params[c]))
		}
		maxCount := 0
		for _, c := range metricCols {
			m := c[len("mean."):]
			cnt := b.count[m]
			if cnt > maxCount {
				maxCount = cnt
			}
			mean := 0.0
			if cnt > 0 {
				mean = b.sum[m] / float64(cnt)
			}
			record = append(record, fmt.Sprintf("%v", mean))
		}
		record = append(record, strconv.Itoa(maxCount))
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, "write reduced_data.csv row")
		}
	}
	w.Flush()
	return errors.Wrap(w.Error(), "flush reduced_data.csv")
}

func paramTupleKey(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%v;", k, params[k])
	}
	return buf.String()
}

// flattenAny dotted-flattens a nested settings map for CSV column naming.
func flattenAny(nested map[string]any) map[string]any {
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if sub, ok := v.(map[string]any); ok {
				walk(key, sub)
				continue
			}
			out[key] = v
		}
	}
	walk("", nested)
	return out
}

// hookStats is the submission-hook section of report_data.json.
type hookStats struct {
	Identifier string `json:"identifier"`
	OK         bool   `json:"ok"`
	Detail     string `json:"detail,omitempty"`
}

// writeReportData writes report_data.json: submission hook health plus
// run-level counters, the "misc" half of what the (out-of-scope) PDF
// report generator would otherwise consume.
func (o *Orchestrator) writeReportData(hooks []Hook) error {
	stats := make([]hookStats, 0, len(hooks))
	for _, h := range hooks {
		ok, detail := h.UpdateStatus()
		stats = append(stats, hookStats{Identifier: h.Identifier(), OK: ok, Detail: detail})
	}

	report := struct {
		Hooks          []hookStats `json:"hooks"`
		Iteration      int         `json:"iteration"`
		CompletedCount int         `json:"completed_count"`
		TotalSubmitted int         `json:"total_submitted"`
	}{
		Hooks:          stats,
		Iteration:      o.iteration,
		CompletedCount: o.completedCount(),
		TotalSubmitted: o.totalSubmitted,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal report data")
	}
	path := filepath.Join(o.cfg.ResultsDir, "report_data.json")
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "write %s", path)
}

// persistBestJobs writes, for each of the howMany best results, a
// summary.json holding that result's parameters and metric under
// best_jobs/rank<N>/ in the results directory. The jobs' working
// directories are not copied.
func (o *Orchestrator) persistBestJobs(howMany int) error {
	if howMany <= 0 {
		return nil
	}
	snappable, ok := o.opt.(optimizer.Snapshottable)
	if !ok {
		return nil
	}
	results := snappable.AllResults()
	if len(results) == 0 {
		return nil
	}

	type scored struct {
		idx int
		v   float64
	}
	scoredResults := make([]scored, len(results))
	for i, r := range results {
		scoredResults[i] = scored{idx: i, v: r.Metric}
	}
	sort.Slice(scoredResults, func(i, k int) bool {
		if o.cfg.Minimize {
			return scoredResults[i].v < scoredResults[k].v
		}
		return scoredResults[i].v > scoredResults[k].v
	})

	bestDir := filepath.Join(o.cfg.ResultsDir, "best_jobs")
	if err := os.MkdirAll(bestDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", bestDir)
	}

	n := howMany
	if n > len(scoredResults) {
		n = len(scoredResults)
	}
	for rank := 0; rank < n; rank++ {
		shortID := fmt.Sprintf("rank%d", rank)
		dst := filepath.Join(bestDir, shortID)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return errors.Wrapf(err, "create %s", dst)
		}
		data, err := json.MarshalIndent(results[scoredResults[rank].idx], "", "  ")
		if err != nil {
			return errors.Wrap(err, "marshal best job summary")
		}
		if err := os.WriteFile(filepath.Join(dst, "summary.json"), data, 0o644); err != nil {
			return errors.Wrapf(err, "write best job summary in %s", dst)
		}
	}
	return nil
}

// writeJobWorkingDirArtifacts writes settings.json, param_choice.csv, and
// metrics.csv into one job's working directory.
func writeJobWorkingDirArtifacts(workingDir string, params map[string]any, metrics map[string]float64) error {
	if err := os.MkdirAll(workingDir, 0o755); err != nil {
		return errors.Wrapf(err, "create working directory %s", workingDir)
	}

	settingsData, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal settings.json")
	}
	if err := os.WriteFile(filepath.Join(workingDir, "settings.json"), settingsData, 0o644); err != nil {
		return errors.Wrap(err, "write settings.json")
	}

	if err := writeOneRowCSV(filepath.Join(workingDir, "param_choice.csv"), flattenAny(params)); err != nil {
		return err
	}
	metricRow := make(map[string]any, len(metrics))
	for k, v := range metrics {
		metricRow[k] = v
	}
	return writeOneRowCSV(filepath.Join(workingDir, "metrics.csv"), metricRow)
}

func writeOneRowCSV(path string, row map[string]any) error {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}
	defer f.Close()
	w := csv.NewWriter(f)
	if err := w.Write(keys); err != nil {
		return err
	}
	values := make([]string, len(keys))
	for i, k := range keys {
		values[i] = fmt.Sprintf("%v", row[k])
	}
	if err := w.Write(values); err != nil {
		return err
	}
	w.Flush()
	return w.Error()
}
