package task

import (
	"fmt"
	"strings"

	"github.com/scttfrdmn/totcode/dataset"
)

// ImplementationStop ends the approach step so the next step writes code.
const ImplementationStop = "\n# Implementation:\n"

// CodeTask generates code for a dataset of programming problems.
// It is safe for concurrent use: it holds no per-index state.
type CodeTask struct {
	data *dataset.Dataset
	kind Kind
}

// KindFor returns the task kind for a dataset family.
func KindFor(family dataset.Family) Kind {
	switch family {
	case dataset.FamilyLiveCodeBench, dataset.FamilyCodeContests:
		return KindScript
	}
	return KindFunction
}

// NewCodeTask creates a code task over data. An empty kind is derived from
// the dataset family. Script tasks whose record carries starter code are
// presented as KindScriptWithStarter.
func NewCodeTask(data *dataset.Dataset, kind Kind) (*CodeTask, error) {
	if data == nil {
		return nil, fmt.Errorf("dataset is required")
	}
	if kind == "" {
		kind = KindFor(data.Family)
	}
	if _, err := ParseKind(string(kind)); err != nil {
		return nil, err
	}
	return &CodeTask{data: data, kind: kind}, nil
}

// Kind returns the kind chosen at construction.
func (t *CodeTask) Kind() Kind {
	return t.kind
}

// Len returns the number of problems.
func (t *CodeTask) Len() int {
	return t.data.Len()
}

// Steps returns 2: an approach step and an implementation step.
func (t *CodeTask) Steps() int {
	return 2
}

// Stop returns the implementation marker for the first step and nil after.
func (t *CodeTask) Stop(step int) []string {
	if step == 0 {
		return []string{ImplementationStop}
	}
	return nil
}

// TaskID returns the identifier of the record at index without building
// a full input.
func (t *CodeTask) TaskID(index int) (string, error) {
	rec, err := t.data.At(index)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrIndexOutOfRange, err)
	}
	return rec.ID(), nil
}

// Input builds the context for index.
func (t *CodeTask) Input(index int) (*Input, error) {
	rec, err := t.data.At(index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIndexOutOfRange, err)
	}

	in := &Input{
		Index:   index,
		TaskID:  rec.ID(),
		Kind:    t.kind,
		Problem: rec.Problem(),
	}

	switch t.kind {
	case KindFunction:
		in.EntryPoint = rec.EntryPoint
		lines := make([]string, 0)
		for _, tc := range rec.PublicTests() {
			lines = append(lines, "- "+tc)
		}
		in.Tests = strings.Join(lines, "\n")
		in.Meta = "Task ID: " + in.TaskID
	default:
		if rec.StarterCode != "" {
			in.Kind = KindScriptWithStarter
			in.EntryPoint = rec.StarterCode
		}
		in.Tests = rec.PublicTestsJSON()
		in.Meta = "Problem ID: " + in.TaskID
	}
	return in, nil
}

// StandardPrompt builds the single-shot prompt followed by partial.
func (t *CodeTask) StandardPrompt(in *Input, partial string) string {
	name := tmplScriptStandard
	if in.Kind == KindFunction {
		name = tmplFunctionStandard
	}
	return render(name, in) + partial
}

// CoTPrompt builds the step-wise prompt followed by partial.
func (t *CodeTask) CoTPrompt(in *Input, partial string) string {
	var name string
	switch in.Kind {
	case KindFunction:
		name = tmplFunctionCoT
	case KindScriptWithStarter:
		name = tmplStarterCoT
	default:
		name = tmplScriptCoT
	}
	return render(name, in) + partial
}

// ProposePrompt is the step-wise prompt; each output line is one proposal.
func (t *CodeTask) ProposePrompt(in *Input, partial string) string {
	return t.CoTPrompt(in, partial)
}

// VotePrompt lists every candidate as a numbered choice.
func (t *CodeTask) VotePrompt(in *Input, candidates []string) string {
	return render(tmplVote, evalData{Input: in, Candidates: candidates})
}

// ParseVotes tallies vote outputs per candidate.
func (t *CodeTask) ParseVotes(outputs []string, candidates int) []int {
	return ParseVotes(outputs, candidates)
}

// ValuePrompt asks for a 1-10 rating of candidate.
func (t *CodeTask) ValuePrompt(in *Input, candidate string) string {
	return render(tmplValue, evalData{Input: in, Output: candidate})
}

// ParseValue averages the parsed ratings.
func (t *CodeTask) ParseValue(in *Input, candidate string, outputs []string) float64 {
	return ParseValue(outputs)
}

// Finalize extracts the code from output. Function tasks are narrowed to
// the entry point definition.
func (t *CodeTask) Finalize(in *Input, output string) Solution {
	entryPoint := ""
	if in.Kind == KindFunction {
		entryPoint = in.EntryPoint
	}
	return Solution{
		TaskID: in.TaskID,
		Code:   ExtractCode(output, entryPoint),
	}
}

var _ Task = (*CodeTask)(nil)
