package task

import (
	"regexp"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// NeutralScore is the value assigned when no rating can be parsed.
const NeutralScore = 5.0

var (
	bestChoiceRe = regexp.MustCompile(`(?i)best\s+choice\s+is\s+(\d+)`)
	firstIntRe   = regexp.MustCompile(`(\d+)`)
	scoreIsRe    = regexp.MustCompile(`(?i)score\s+is\s+(\d+)`)
	ratingRe     = regexp.MustCompile(`\b(10|[1-9])\b`)
)

// ParseVotes tallies vote outputs over n candidates. Each output names a
// 1-based choice, taken from "best choice is N" when present and from the
// first integer otherwise. Outputs with no integer or an out-of-range
// choice contribute nothing.
func ParseVotes(outputs []string, n int) []int {
	if n < 0 {
		n = 0
	}
	scores := make([]int, n)
	for _, out := range outputs {
		m := bestChoiceRe.FindStringSubmatch(out)
		if m == nil {
			m = firstIntRe.FindStringSubmatch(out)
		}
		if m == nil {
			continue
		}
		choice, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if idx := choice - 1; idx >= 0 && idx < n {
			scores[idx]++
		}
	}
	return scores
}

// ParseValue averages one rating in [1, 10] per output, preferring the
// last "score is N" conclusion and falling back to the first standalone
// integer in range. It returns NeutralScore when nothing parses.
func ParseValue(outputs []string) float64 {
	var vals []float64
	for _, out := range outputs {
		if v, ok := rating(out); ok {
			vals = append(vals, float64(v))
		}
	}
	if len(vals) == 0 {
		return NeutralScore
	}
	return stat.Mean(vals, nil)
}

func rating(out string) (int, bool) {
	if all := scoreIsRe.FindAllStringSubmatch(out, -1); len(all) > 0 {
		if v, err := strconv.Atoi(all[len(all)-1][1]); err == nil && v >= 1 && v <= 10 {
			return v, true
		}
	}
	if m := ratingRe.FindStringSubmatch(out); m != nil {
		v, _ := strconv.Atoi(m[1])
		return v, true
	}
	return 0, false
}
