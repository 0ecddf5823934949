package driver

import (
	"sort"

	"github.com/scttfrdmn/totcode/task"
)

// MergeReport describes how well a set of results covers a dataset.
type MergeReport struct {
	DatasetSize int            `json:"dataset_size"`
	Covered     int            `json:"covered"`
	Coverage    float64        `json:"coverage"`
	Missing     []string       `json:"missing,omitempty"`
	Extra       []string       `json:"extra,omitempty"`
	Duplicates  map[string]int `json:"duplicates,omitempty"`
}

// Merge orders results by datasetIDs, keeping the first result for each
// id. Ids with no result are reported as missing in dataset order; result
// ids absent from the dataset are reported as extra, sorted.
func Merge(datasetIDs []string, results []task.Solution) ([]task.Solution, *MergeReport) {
	byID := make(map[string][]task.Solution)
	for _, r := range results {
		byID[r.TaskID] = append(byID[r.TaskID], r)
	}

	report := &MergeReport{Duplicates: make(map[string]int)}
	inDataset := make(map[string]bool, len(datasetIDs))
	var merged []task.Solution
	for _, id := range datasetIDs {
		if inDataset[id] {
			continue
		}
		inDataset[id] = true
		rs, ok := byID[id]
		if !ok {
			report.Missing = append(report.Missing, id)
			continue
		}
		if len(rs) > 1 {
			report.Duplicates[id] = len(rs)
		}
		merged = append(merged, rs[0])
	}

	for id := range byID {
		if !inDataset[id] {
			report.Extra = append(report.Extra, id)
		}
	}
	sort.Strings(report.Extra)

	report.DatasetSize = len(inDataset)
	report.Covered = len(merged)
	if report.DatasetSize > 0 {
		report.Coverage = float64(report.Covered) / float64(report.DatasetSize) * 100
	}
	return merged, report
}
