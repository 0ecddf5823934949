package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/totcode/dataset"
	"github.com/scttfrdmn/totcode/driver"
	"github.com/scttfrdmn/totcode/task"
)

// reportLimit bounds the ids printed for missing and extra results.
const reportLimit = 10

var mergeFlags struct {
	dataset   string
	results   []string
	resultDir string
	pattern   string
	output    string
	redisURL  string
	redisKey  string
	asJSON    bool
}

func newMergeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge shard outputs into one file in dataset order",
		Long: `Merge reads solution files written by one or more runs, keeps the first
solution seen for each task id, and writes them in dataset order. It reports
task ids that have no solution and solutions whose id is not in the dataset.

Examples:
  totcode merge -d humaneval.jsonl --result-dir logs/code -o merged.jsonl
  totcode merge -d humaneval.jsonl --results 'logs/code/gpt-4o_*.jsonl' -o merged.jsonl
  totcode merge -d humaneval.jsonl --redis-url redis://localhost:6379 --redis-key totcode:<run>:solutions -o merged.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if mergeFlags.dataset == "" {
				mergeFlags.dataset = opts.cfg.Dataset.Path
			}
			return runMerge(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&mergeFlags.dataset, "dataset", "d", "", "Dataset JSONL path or gs://bucket/object (default: from config)")
	f.StringSliceVar(&mergeFlags.results, "results", nil, "Result files or glob patterns")
	f.StringVar(&mergeFlags.resultDir, "result-dir", "", "Directory of result files")
	f.StringVar(&mergeFlags.pattern, "pattern", "*.jsonl", "File pattern inside --result-dir")
	f.StringVarP(&mergeFlags.output, "output", "o", "", "Merged output path")
	f.StringVar(&mergeFlags.redisURL, "redis-url", "", "Read results from this Redis instance")
	f.StringVar(&mergeFlags.redisKey, "redis-key", "", "Redis list key holding the results")
	f.BoolVar(&mergeFlags.asJSON, "json", false, "Print the report as JSON")
	cmd.MarkFlagsRequiredTogether("redis-url", "redis-key")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func runMerge(cmd *cobra.Command, opts *rootOptions) error {
	ctx := cmd.Context()
	logger := opts.logger

	if mergeFlags.dataset == "" {
		return errors.New("--dataset is required")
	}
	data, err := dataset.Load(ctx, mergeFlags.dataset, dataset.Options{
		CredentialsFile: opts.cfg.Dataset.CredentialsFile,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	files, err := resultFiles(mergeFlags.results, mergeFlags.resultDir, mergeFlags.pattern, mergeFlags.output)
	if err != nil {
		return err
	}
	if len(files) == 0 && mergeFlags.redisURL == "" {
		return errors.New("no result files found")
	}

	var results []task.Solution
	for _, path := range files {
		sols, err := driver.LoadSolutions(path, logger)
		if err != nil {
			return err
		}
		logger.Info("read results", "path", path, "solutions", len(sols))
		results = append(results, sols...)
	}
	if mergeFlags.redisURL != "" {
		sink, err := driver.NewRedisSink(mergeFlags.redisURL, mergeFlags.redisKey)
		if err != nil {
			return err
		}
		sols, err := sink.Solutions(ctx)
		sink.Close()
		if err != nil {
			return err
		}
		logger.Info("read results", "key", mergeFlags.redisKey, "solutions", len(sols))
		results = append(results, sols...)
	}

	merged, report := driver.Merge(data.IDs(), results)
	if err := writeSolutions(ctx, mergeFlags.output, merged); err != nil {
		return err
	}

	if mergeFlags.asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printMergeReport(cmd.OutOrStdout(), report, mergeFlags.output, len(merged))
	return nil
}

// resultFiles expands the given paths and globs plus dir/pattern into a
// sorted, de-duplicated list. The output path is never an input.
func resultFiles(patterns []string, dir, pattern, output string) ([]string, error) {
	if dir != "" {
		patterns = append(patterns, filepath.Join(dir, pattern))
	}
	outAbs, _ := filepath.Abs(output)

	seen := make(map[string]bool)
	var files []string
	for _, p := range patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", p, err)
		}
		for _, m := range matches {
			abs, _ := filepath.Abs(m)
			if seen[abs] || abs == outAbs {
				continue
			}
			seen[abs] = true
			files = append(files, m)
		}
	}
	sort.Strings(files)
	return files, nil
}

// writeSolutions replaces path with one JSON line per solution.
func writeSolutions(ctx context.Context, path string, solutions []task.Solution) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	sink, err := driver.NewFileSink(path)
	if err != nil {
		return err
	}
	if err := sink.Write(ctx, solutions); err != nil {
		sink.Close()
		return err
	}
	return sink.Close()
}

func printMergeReport(w io.Writer, r *driver.MergeReport, output string, written int) {
	fmt.Fprintf(w, "Merged %d solutions into %s\n", written, output)
	fmt.Fprintf(w, "Coverage: %d/%d (%.2f%%)\n", r.Covered, r.DatasetSize, r.Coverage)
	if len(r.Duplicates) > 0 {
		fmt.Fprintf(w, "Duplicates: %d task ids had more than one solution\n", len(r.Duplicates))
	}
	printIDs(w, "Missing", r.Missing)
	printIDs(w, "Extra", r.Extra)
}

func printIDs(w io.Writer, label string, ids []string) {
	if len(ids) == 0 {
		return
	}
	shown := ids
	if len(shown) > reportLimit {
		shown = shown[:reportLimit]
	}
	fmt.Fprintf(w, "%s (%d): %s", label, len(ids), strings.Join(shown, ", "))
	if len(ids) > reportLimit {
		fmt.Fprintf(w, ", ... and %d more", len(ids)-reportLimit)
	}
	fmt.Fprintln(w)
}
