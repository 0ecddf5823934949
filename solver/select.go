package solver

import (
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat/sampleuv"
)

// GreedyIndices returns the positions of the n highest scores in
// descending score order. Equal scores keep their pool order.
func GreedyIndices(scores []float64, n int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx[:min(n, len(idx))]
}

// SampleIndices draws min(n, len(scores)) distinct positions, each draw
// weighted by score plus floor. Negative scores count as zero. Once only
// zero weights remain the rest are drawn uniformly from the untaken
// positions. A nil src uses the global source.
func SampleIndices(scores []float64, n int, floor float64, src rand.Source) []int {
	if len(scores) == 0 || n <= 0 {
		return nil
	}
	weights := make([]float64, len(scores))
	for i, s := range scores {
		weights[i] = max(s, 0) + floor
	}

	w := sampleuv.NewWeighted(weights, src)
	taken := make([]bool, len(scores))
	out := make([]int, 0, min(n, len(scores)))
	for len(out) < cap(out) {
		i, ok := w.Take()
		if !ok {
			for j, t := range taken {
				if !t {
					w.Reweight(j, 1)
				}
			}
			continue
		}
		taken[i] = true
		out = append(out, i)
	}
	return out
}
