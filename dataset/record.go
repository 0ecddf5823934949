// Package dataset loads code-generation problems from newline-delimited JSON.
//
// Records come from several benchmark families that name the same fields
// differently. Record normalizes them: the identifier is question_id or
// task_id, the problem text is question_content or prompt.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ID is a record identifier that may be encoded as a JSON string or number.
type ID string

// UnmarshalJSON accepts strings, numbers and null.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Record is one problem instance.
type Record struct {
	TaskID          ID              `json:"task_id"`
	QuestionID      ID              `json:"question_id"`
	Prompt          string          `json:"prompt"`
	QuestionContent string          `json:"question_content"`
	EntryPoint      string          `json:"entry_point"`
	StarterCode     string          `json:"starter_code"`
	PublicTestCases json.RawMessage `json:"public_test_cases"`
}

// ID returns question_id when present, else task_id.
func (r Record) ID() string {
	if r.QuestionID != "" {
		return string(r.QuestionID)
	}
	return string(r.TaskID)
}

// Problem returns question_content when present, else prompt.
func (r Record) Problem() string {
	if r.QuestionContent != "" {
		return r.QuestionContent
	}
	return r.Prompt
}

// PublicTests returns the public test cases as display strings. A list
// yields one entry per case; a JSON-encoded string holding a list is
// decoded first; any other value yields its compact JSON.
func (r Record) PublicTests() []string {
	raw := bytes.TrimSpace(r.PublicTestCases)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var s string
	if json.Unmarshal(raw, &s) == nil {
		inner := bytes.TrimSpace([]byte(s))
		if len(inner) > 0 && inner[0] == '[' && json.Valid(inner) {
			raw = inner
		} else {
			return []string{s}
		}
	}

	var items []json.RawMessage
	if json.Unmarshal(raw, &items) != nil {
		return []string{compact(raw)}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var text string
		if json.Unmarshal(item, &text) == nil {
			out = append(out, text)
			continue
		}
		out = append(out, compact(item))
	}
	return out
}

// PublicTestsJSON returns the public test cases as compact JSON, or "" if absent.
func (r Record) PublicTestsJSON() string {
	raw := bytes.TrimSpace(r.PublicTestCases)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return compact(raw)
}

func compact(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// Family is the benchmark family a dataset file belongs to, derived from
// its base name.
type Family string

const (
	FamilyMBPP          Family = "mbppplus"
	FamilyHumanEval     Family = "humanevalplus"
	FamilyLiveCodeBench Family = "lcb"
	FamilyCodeContests  Family = "code_contests"
	FamilyUnknown       Family = ""
)

// FamilyOf maps a dataset path or name such as "data/mbppplus.jsonl" to its family.
func FamilyOf(name string) Family {
	base := name
	if i := strings.LastIndexAny(base, "/\\"); i >= 0 {
		base = base[i+1:]
	}
	base = strings.TrimSuffix(base, ".jsonl")
	switch Family(base) {
	case FamilyMBPP, FamilyHumanEval, FamilyLiveCodeBench, FamilyCodeContests:
		return Family(base)
	}
	return FamilyUnknown
}
