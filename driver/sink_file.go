package driver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/scttfrdmn/totcode/dataset"
	"github.com/scttfrdmn/totcode/task"
)

// FileSink appends one JSON object per solution to a local file.
type FileSink struct {
	mu   sync.Mutex
	path string
	f    *os.File
	enc  *json.Encoder
}

// NewFileSink opens path for appending, creating it and its directory.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &FileSink{path: path, f: f, enc: enc}, nil
}

// Path returns the output path.
func (s *FileSink) Path() string {
	return s.path
}

// Write appends solutions in order.
func (s *FileSink) Write(ctx context.Context, solutions []task.Solution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sol := range solutions {
		if err := s.enc.Encode(sol); err != nil {
			return fmt.Errorf("failed to write solution %s: %w", sol.TaskID, err)
		}
	}
	return nil
}

// Close closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// ReadSolutions decodes JSON lines from r. Blank lines are ignored; lines
// that do not decode, or carry no task id, are counted in skipped.
func ReadSolutions(r io.Reader) (solutions []task.Solution, skipped int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec struct {
			TaskID     *dataset.ID `json:"task_id"`
			QuestionID *dataset.ID `json:"question_id"`
			Code       string      `json:"code"`
		}
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		switch {
		case rec.TaskID != nil:
			solutions = append(solutions, task.Solution{TaskID: string(*rec.TaskID), Code: rec.Code})
		case rec.QuestionID != nil:
			solutions = append(solutions, task.Solution{TaskID: string(*rec.QuestionID), Code: rec.Code})
		default:
			skipped++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("failed to read solutions: %w", err)
	}
	return solutions, skipped, nil
}

// LoadSolutions reads a solutions file. A missing file yields no
// solutions and no error.
func LoadSolutions(path string, logger *slog.Logger) ([]task.Solution, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	solutions, skipped, err := ReadSolutions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if skipped > 0 && logger != nil {
		logger.Warn("skipped unreadable result lines", "path", path, "skipped", skipped)
	}
	return solutions, nil
}

// CompletedIDs returns the set of task ids present in solutions.
func CompletedIDs(solutions []task.Solution) map[string]bool {
	ids := make(map[string]bool, len(solutions))
	for _, s := range solutions {
		ids[s.TaskID] = true
	}
	return ids
}
