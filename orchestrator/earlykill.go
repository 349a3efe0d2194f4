package orchestrator

import (
	"math"
	"sort"

	"github.com/martius-lab/cluster-utils-go/internal/metrics"
	"github.com/martius-lab/cluster-utils-go/job"
)

// runEarlyKiller implements the bad-job early-killing policy: form a
// matrix of completed jobs' early-report histories, compute a per-timestep
// rank-deviation, and stop any running job whose current rank is
// statistically far enough behind to call bad early.
func (o *Orchestrator) runEarlyKiller() {
	completed := o.backend.SuccessfulJobs()
	lengthGroups := make(map[int][]*job.Job)
	for _, j := range completed {
		j.Lock()
		n := len(j.ReportedMetricValues)
		j.Unlock()
		if n > 0 {
			lengthGroups[n] = append(lengthGroups[n], j)
		}
	}

	var commonLen int
	var cohort []*job.Job
	for length, js := range lengthGroups {
		if len(js) >= 5 && len(js) > len(cohort) {
			commonLen = length
			cohort = js
		}
	}
	if len(cohort) == 0 {
		return
	}

	matrix := make([][]float64, len(cohort))
	for i, j := range cohort {
		j.Lock()
		matrix[i] = append([]float64(nil), j.ReportedMetricValues...)
		j.Unlock()
	}

	finalRanks := rankColumn(matrix, commonLen-1, o.cfg.Minimize)
	targetRank := float64(len(cohort)+1) / 2 // median rank among the cohort

	sigmas := make([]float64, commonLen)
	for t := 0; t < commonLen; t++ {
		ranksT := rankColumn(matrix, t, o.cfg.Minimize)
		var sumSq float64
		for i := range ranksT {
			d := ranksT[i] - finalRanks[i]
			sumSq += d * d
		}
		sigmas[t] = math.Sqrt(sumSq / float64(len(ranksT)))
	}

	for _, running := range o.backend.RunningJobs() {
		running.Lock()
		n := len(running.ReportedMetricValues)
		running.Unlock()
		if n == 0 || n > commonLen/2 {
			continue
		}
		t := n - 1

		running.Lock()
		currentValue := running.ReportedMetricValues[t]
		running.Unlock()

		valuesAtT := make([]float64, len(cohort)+1)
		copy(valuesAtT, columnOf(matrix, t))
		valuesAtT[len(cohort)] = currentValue
		ranksAtT := rankValues(valuesAtT, o.cfg.Minimize)
		currentRank := ranksAtT[len(valuesAtT)-1]

		if currentRank-o.cfg.EarlyKillingParams.HowManyStds*sigmas[t] <= targetRank {
			continue
		}

		running.Lock()
		clusterID := running.ClusterID
		running.Metrics = map[string]float64{running.MetricToWatch: currentValue}
		running.Status = job.Concluded
		jobID := running.ID
		running.Unlock()

		o.log.Infof("killing job %d early: rank %.2f exceeds target %.2f by more than %.2f std devs",
			jobID, currentRank, targetRank, o.cfg.EarlyKillingParams.HowManyStds)

		if err := o.backend.Stop(running); err != nil {
			o.log.Warnf("stop early-killed job %d (cluster id %s): %v", jobID, clusterID, err)
		}

		metrics.GetMetrics().RecordJobKilledEarly()
		metrics.GetMetrics().RecordJobConcluded()
	}
}

func columnOf(matrix [][]float64, t int) []float64 {
	out := make([]float64, len(matrix))
	for i, row := range matrix {
		out[i] = row[t]
	}
	return out
}

// rankColumn returns, for each row in matrix, its 1-based rank at column t
// (rank 1 = best, where "best" respects minimize).
func rankColumn(matrix [][]float64, t int, minimize bool) []float64 {
	return rankValues(columnOf(matrix, t), minimize)
}

// rankValues returns the 1-based rank of each value (rank 1 = best),
// assigning tied values the same average rank.
func rankValues(values []float64, minimize bool) []float64 {
	type indexed struct {
		v   float64
		idx int
	}
	idxed := make([]indexed, len(values))
	for i, v := range values {
		idxed[i] = indexed{v: v, idx: i}
	}
	sort.Slice(idxed, func(i, k int) bool {
		if minimize {
			return idxed[i].v < idxed[k].v
		}
		return idxed[i].v > idxed[k].v
	})

	ranks := make([]float64, len(values))
	i := 0
	for i < len(idxed) {
		j := i
		for j < len(idxed) && idxed[j].v == idxed[i].v {
			j++
		}
		avgRank := float64(i+j+1) / 2 // 1-based, averaged over the tie block [i, j)
		for k := i; k < j; k++ {
			ranks[idxed[k].idx] = avgRank
		}
		i = j
	}
	return ranks
}
