package task

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/scttfrdmn/totcode/dataset"
)

func functionDataset() *dataset.Dataset {
	return &dataset.Dataset{
		Name:   "mbppplus.jsonl",
		Family: dataset.FamilyMBPP,
		Records: []dataset.Record{
			{
				TaskID:          "Mbpp/2",
				Prompt:          "Write a function to find the shared elements from the given two lists.",
				EntryPoint:      "similar_elements",
				PublicTestCases: json.RawMessage(`["assert similar_elements((3, 4), (4, 5)) == (4,)"]`),
			},
			{
				TaskID:     "Mbpp/3",
				Prompt:     "Write a python function to identify non-prime numbers.",
				EntryPoint: "is_not_prime",
			},
		},
	}
}

func scriptDataset() *dataset.Dataset {
	return &dataset.Dataset{
		Name:   "lcb.jsonl",
		Family: dataset.FamilyLiveCodeBench,
		Records: []dataset.Record{
			{
				QuestionID:      "abc301_a",
				QuestionContent: "Read N and print N+1.",
				PublicTestCases: json.RawMessage(`[{"input": "1\n", "output": "2\n"}]`),
			},
			{
				QuestionID:      "3000",
				QuestionContent: "Return the sum of nums.",
				StarterCode:     "class Solution:\n    def sumOf(self, nums: List[int]) -> int:\n        ",
			},
		},
	}
}

func mustTask(t *testing.T, ds *dataset.Dataset, kind Kind) *CodeTask {
	t.Helper()
	task, err := NewCodeTask(ds, kind)
	if err != nil {
		t.Fatalf("NewCodeTask failed: %v", err)
	}
	return task
}

func TestKindChosenAtConstruction(t *testing.T) {
	if k := mustTask(t, functionDataset(), "").Kind(); k != KindFunction {
		t.Errorf("Expected function kind, got %s", k)
	}
	if k := mustTask(t, scriptDataset(), "").Kind(); k != KindScript {
		t.Errorf("Expected script kind, got %s", k)
	}
	if k := mustTask(t, functionDataset(), KindScript).Kind(); k != KindScript {
		t.Errorf("Expected explicit kind to win, got %s", k)
	}
	if _, err := NewCodeTask(functionDataset(), Kind("essay")); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestStepsAndStops(t *testing.T) {
	task := mustTask(t, functionDataset(), "")
	if task.Steps() != 2 {
		t.Errorf("Expected 2 steps, got %d", task.Steps())
	}
	if diff := cmp.Diff([]string{"\n# Implementation:\n"}, task.Stop(0)); diff != "" {
		t.Errorf("Stop(0) mismatch (-want +got):\n%s", diff)
	}
	if task.Stop(1) != nil {
		t.Errorf("Expected no stop for the last step, got %q", task.Stop(1))
	}
}

func TestInputIsIdempotent(t *testing.T) {
	task := mustTask(t, functionDataset(), "")

	first, err := task.Input(0)
	if err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	second, err := task.Input(0)
	if err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("Input not idempotent (-first +second):\n%s", diff)
	}
	if first.String() != second.String() {
		t.Error("Expected identical input strings")
	}
}

func TestInputFields(t *testing.T) {
	fn, err := mustTask(t, functionDataset(), "").Input(0)
	if err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	want := &Input{
		Index:      0,
		TaskID:     "Mbpp/2",
		Kind:       KindFunction,
		Problem:    "Write a function to find the shared elements from the given two lists.",
		EntryPoint: "similar_elements",
		Tests:      "- assert similar_elements((3, 4), (4, 5)) == (4,)",
		Meta:       "Task ID: Mbpp/2",
	}
	if diff := cmp.Diff(want, fn); diff != "" {
		t.Errorf("function input mismatch (-want +got):\n%s", diff)
	}

	scripts := mustTask(t, scriptDataset(), "")
	plain, err := scripts.Input(0)
	if err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	if plain.Kind != KindScript || plain.Tests != `[{"input":"1\n","output":"2\n"}]` || plain.Meta != "Problem ID: abc301_a" {
		t.Errorf("Unexpected script input: %+v", plain)
	}

	starter, err := scripts.Input(1)
	if err != nil {
		t.Fatalf("Input failed: %v", err)
	}
	if starter.Kind != KindScriptWithStarter || !strings.HasPrefix(starter.EntryPoint, "class Solution") {
		t.Errorf("Unexpected starter input: %+v", starter)
	}
}

func TestInputOutOfRange(t *testing.T) {
	task := mustTask(t, functionDataset(), "")
	for _, idx := range []int{-1, 2} {
		if _, err := task.Input(idx); !errors.Is(err, ErrIndexOutOfRange) {
			t.Errorf("Input(%d) error = %v, want ErrIndexOutOfRange", idx, err)
		}
	}
}

func TestPromptsUseOwnInput(t *testing.T) {
	task := mustTask(t, functionDataset(), "")
	a, _ := task.Input(0)
	b, _ := task.Input(1)

	// Interleave: build b after a and check a's prompt still describes a.
	promptA := task.CoTPrompt(a, "")
	_ = task.CoTPrompt(b, "")
	promptA2 := task.CoTPrompt(a, "")

	if promptA != promptA2 {
		t.Error("Prompt for index 0 changed after building index 1")
	}
	if !strings.Contains(promptA, "similar_elements") || strings.Contains(promptA, "is_not_prime") {
		t.Errorf("Prompt for index 0 leaks another index:\n%s", promptA)
	}
}

func TestPromptsConcurrentUse(t *testing.T) {
	task := mustTask(t, functionDataset(), "")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			in, err := task.Input(idx % 2)
			if err != nil {
				t.Errorf("Input failed: %v", err)
				return
			}
			prompt := task.ValuePrompt(in, "def f(): pass")
			if !strings.Contains(prompt, in.EntryPoint) {
				t.Errorf("value prompt for %d lacks its entry point", idx%2)
			}
		}(i)
	}
	wg.Wait()
}

func TestPromptTemplates(t *testing.T) {
	fnTask := mustTask(t, functionDataset(), "")
	fn, _ := fnTask.Input(0)
	scTask := mustTask(t, scriptDataset(), "")
	sc, _ := scTask.Input(0)
	st, _ := scTask.Input(1)

	tests := []struct {
		name     string
		prompt   string
		contains []string
	}{
		{"function standard", fnTask.StandardPrompt(fn, "# Approach:\n"), []string{"Function Task (standard)", "Task ID: Mbpp/2", "similar_elements", "- assert similar_elements", "# Approach:\n"}},
		{"function cot", fnTask.CoTPrompt(fn, ""), []string{"Let's think step by step", `starting with "def similar_elements(...):"`}},
		{"script standard", scTask.StandardPrompt(sc, ""), []string{"Script Task (standard)", "Problem ID: abc301_a", "Your complete Python script here."}},
		{"script cot", scTask.CoTPrompt(sc, ""), []string{"Script Task (cot)", "I/O parsing"}},
		{"starter cot", scTask.CoTPrompt(st, ""), []string{"Starter code", "class Solution", "starting with the function definition"}},
		{"propose", fnTask.ProposePrompt(fn, "partial"), []string{"Let's think step by step", "partial"}},
		{"vote", fnTask.VotePrompt(fn, []string{"cand one", "cand two"}), []string{"Choice 1:\ncand one", "Choice 2:\ncand two", "Entry point: similar_elements", "Reference tests:", "The best choice is {s}"}},
		{"value", fnTask.ValuePrompt(fn, "def similar_elements(a, b): ..."), []string{"Solution:\ndef similar_elements(a, b): ...", "Thus the solution score is s", "Task ID: Mbpp/2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, want := range tt.contains {
				if !strings.Contains(tt.prompt, want) {
					t.Errorf("prompt missing %q:\n%s", want, tt.prompt)
				}
			}
		})
	}
}

func TestFinalize(t *testing.T) {
	fnTask := mustTask(t, functionDataset(), "")
	fn, _ := fnTask.Input(0)

	output := "# Approach:\nintersect\n# Implementation:\ndef similar_elements(a, b):\n    return tuple(set(a) & set(b))\ndef unused():\n    pass"
	got := fnTask.Finalize(fn, output)
	want := Solution{TaskID: "Mbpp/2", Code: "def similar_elements(a, b):\n    return tuple(set(a) & set(b))"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Finalize mismatch (-want +got):\n%s", diff)
	}

	scTask := mustTask(t, scriptDataset(), "")
	st, _ := scTask.Input(1)
	script := scTask.Finalize(st, "```python\nclass Solution:\n    def sumOf(self, nums):\n        return sum(nums)\n```")
	if script.TaskID != "3000" || !strings.HasPrefix(script.Code, "class Solution") {
		t.Errorf("Unexpected starter solution %+v", script)
	}
}
