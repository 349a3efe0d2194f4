package optimizer

import (
	"math/rand"
	"sort"
)

// ParamValues is one grid dimension: a dotted parameter path and its
// discrete candidate values.
type ParamValues struct {
	Name   string
	Values []any
}

// GridSearch walks the Cartesian product of a set of parameter value
// lists. When Samples is positive and smaller than the full grid, it
// draws that many combinations without replacement instead of enumerating
// the full product.
type GridSearch struct {
	metric   string
	minimize bool

	combos []map[string]any
	cursor int

	results []Result
}

// NewGridSearch builds the full (or sampled) grid up front. rng is
// injected so callers can get deterministic sampling in tests; pass
// rand.New(rand.NewSource(time.Now().UnixNano())) in production.
func NewGridSearch(paramValues []ParamValues, samples int, metric string, minimize bool, rng *rand.Rand) *GridSearch {
	combos := cartesianProduct(paramValues)
	if samples > 0 && samples < len(combos) {
		rng.Shuffle(len(combos), func(i, j int) { combos[i], combos[j] = combos[j], combos[i] })
		combos = combos[:samples]
	}
	return &GridSearch{metric: metric, minimize: minimize, combos: combos}
}

func cartesianProduct(paramValues []ParamValues) []map[string]any {
	if len(paramValues) == 0 {
		return nil
	}
	combos := []map[string]any{{}}
	for _, pv := range paramValues {
		var next []map[string]any
		for _, combo := range combos {
			for _, v := range pv.Values {
				extended := make(map[string]any, len(combo)+1)
				for k, existing := range combo {
					extended[k] = existing
				}
				extended[pv.Name] = v
				next = append(next, extended)
			}
		}
		combos = next
	}
	return combos
}

// Ask returns the next numSamples grid points, or fewer once the grid is
// exhausted.
func (g *GridSearch) Ask(numSamples int) []map[string]any {
	if g.cursor >= len(g.combos) {
		return nil
	}
	end := g.cursor + numSamples
	if end > len(g.combos) {
		end = len(g.combos)
	}
	out := g.combos[g.cursor:end]
	g.cursor = end
	return out
}

// Tell records completed results; grid search does not adapt its future
// asks based on them.
func (g *GridSearch) Tell(results []Result) {
	g.results = append(g.results, results...)
}

// GetBest returns the howMany best results seen so far.
func (g *GridSearch) GetBest(howMany int) []Result {
	return bestOf(g.results, howMany, g.minimize)
}

// MinFractionToFinish requires the whole grid to be asked before the
// optimizer is considered able to recommend anything meaningful.
func (g *GridSearch) MinFractionToFinish() float64 { return 1.0 }

// Remaining reports how many grid points have not yet been asked for.
func (g *GridSearch) Remaining() int {
	if g.cursor >= len(g.combos) {
		return 0
	}
	return len(g.combos) - g.cursor
}

// AllResults implements Snapshottable.
func (g *GridSearch) AllResults() []Result { return append([]Result(nil), g.results...) }

// RestoreResults implements Snapshottable.
func (g *GridSearch) RestoreResults(results []Result) {
	g.results = append(g.results, results...)
}

// Cursor reports how many grid points have been asked for so far, for
// checkpointing.
func (g *GridSearch) Cursor() int { return g.cursor }

// SetCursor restores a previously checkpointed cursor position.
func (g *GridSearch) SetCursor(c int) {
	if c < 0 {
		c = 0
	}
	if c > len(g.combos) {
		c = len(g.combos)
	}
	g.cursor = c
}

func bestOf(results []Result, howMany int, minimize bool) []Result {
	sorted := append([]Result(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if minimize {
			return sorted[i].Metric < sorted[j].Metric
		}
		return sorted[i].Metric > sorted[j].Metric
	})
	if howMany > len(sorted) {
		howMany = len(sorted)
	}
	return sorted[:howMany]
}
