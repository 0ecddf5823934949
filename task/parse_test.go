package task

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseVotes(t *testing.T) {
	tests := []struct {
		name    string
		outputs []string
		n       int
		want    []int
	}{
		{
			name:    "explicit pattern and unparseable text",
			outputs: []string{"I think the best choice is 2", "nonsense"},
			n:       3,
			want:    []int{0, 1, 0},
		},
		{
			name:    "falls back to first integer",
			outputs: []string{"Choice 3 handles every edge case."},
			n:       3,
			want:    []int{0, 0, 1},
		},
		{
			name:    "pattern wins over earlier integers",
			outputs: []string{"Choice 1 is slow, choice 2 is wrong.\nThe best choice is 3"},
			n:       3,
			want:    []int{0, 0, 1},
		},
		{
			name:    "case insensitive",
			outputs: []string{"BEST CHOICE IS 1"},
			n:       2,
			want:    []int{1, 0},
		},
		{
			name:    "out of range ignored",
			outputs: []string{"The best choice is 4", "The best choice is 0", "7 apples"},
			n:       3,
			want:    []int{0, 0, 0},
		},
		{
			name:    "tallies accumulate",
			outputs: []string{"The best choice is 1", "The best choice is 1", "The best choice is 2"},
			n:       2,
			want:    []int{2, 1},
		},
		{
			name:    "no candidates",
			outputs: []string{"The best choice is 1"},
			n:       0,
			want:    []int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseVotes(tt.outputs, tt.n)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseVotes mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseValue(t *testing.T) {
	tests := []struct {
		name    string
		outputs []string
		want    float64
	}{
		{"two conclusions", []string{"Thus the solution score is 7", "score is 3"}, 5.0},
		{"no integers", []string{"looks fine", "hard to say"}, NeutralScore},
		{"no outputs", nil, NeutralScore},
		{"ten is in range", []string{"Thus the solution score is 10"}, 10},
		{"last conclusion wins", []string{"A score is 2 at first glance.\nThus the solution score is 8"}, 8},
		{"out of range conclusion falls back", []string{"Step 4 is fine. Thus the solution score is 11"}, 4},
		{"standalone rating", []string{"I rate this 6/10 overall"}, 6},
		{"mixed parse and miss", []string{"score is 9", "no idea"}, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseValue(tt.outputs); got != tt.want {
				t.Errorf("ParseValue(%q) = %v, want %v", tt.outputs, got, tt.want)
			}
		})
	}
}
