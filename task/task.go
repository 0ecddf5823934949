// Package task defines the problem domain the search solver runs over.
//
// A Task maps an index to an explicit Input value and turns that input into
// generation, vote and value prompts. The Input is returned to the caller and
// passed back into every prompt method, so prompts for one index can never
// observe the context of another.
package task

import (
	"errors"
)

// ErrIndexOutOfRange is returned by Input for an index outside [0, Len()).
var ErrIndexOutOfRange = errors.New("task index out of range")

// Kind is the closed set of code task variants.
type Kind string

const (
	// KindFunction asks for a single function with a fixed entry point.
	KindFunction Kind = "function"
	// KindScript asks for a complete program reading stdin.
	KindScript Kind = "script"
	// KindScriptWithStarter is a script problem that supplies starter code
	// the solution must complete.
	KindScriptWithStarter Kind = "script_with_starter"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindFunction, KindScript, KindScriptWithStarter:
		return k, nil
	}
	return "", errors.New("unknown task kind: " + s)
}

// Label is the human readable name of the kind.
func (k Kind) Label() string {
	switch k {
	case KindScript:
		return "script task"
	case KindScriptWithStarter:
		return "script task with starter code"
	}
	return "function task"
}

// Input is the per-index context. It is a pure function of the underlying
// record and is never modified after Task.Input returns it.
type Input struct {
	Index  int
	TaskID string
	Kind   Kind

	Problem string
	// EntryPoint is the required function name for function tasks and the
	// starter code for script tasks that have one.
	EntryPoint string
	// Tests is the rendered public test cases.
	Tests string
	// Meta identifies the problem inside prompts.
	Meta string
}

// String returns the problem text.
func (in *Input) String() string {
	return in.Problem
}

// Solution is the record persisted for one finished candidate.
type Solution struct {
	TaskID string `json:"task_id"`
	Code   string `json:"code"`
}

// Task is the capability set the solver needs from a problem domain.
type Task interface {
	// Len is the number of indexable problem instances.
	Len() int

	// Input returns the context for index. Calling it twice for the same
	// index yields equal values.
	Input(index int) (*Input, error)

	// Steps is the number of search steps.
	Steps() int

	// Stop returns the stop sequences for a step, or nil.
	Stop(step int) []string

	// StandardPrompt builds a single-shot generation prompt.
	StandardPrompt(in *Input, partial string) string

	// CoTPrompt builds a step-wise generation prompt.
	CoTPrompt(in *Input, partial string) string

	// ProposePrompt builds a prompt whose output lists several next steps.
	ProposePrompt(in *Input, partial string) string

	// VotePrompt embeds every candidate in one prompt.
	VotePrompt(in *Input, candidates []string) string

	// ParseVotes tallies raw vote outputs into one count per candidate.
	ParseVotes(outputs []string, candidates int) []int

	// ValuePrompt asks for a numeric rating of one candidate.
	ValuePrompt(in *Input, candidate string) string

	// ParseValue reduces raw value outputs to one score.
	ParseValue(in *Input, candidate string, outputs []string) float64

	// Finalize converts a finished candidate into a persisted record.
	Finalize(in *Input, output string) Solution
}
