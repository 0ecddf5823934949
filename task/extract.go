package task

import (
	"regexp"
	"strings"
)

// ImplementationMarker separates the approach from the code in model output.
const ImplementationMarker = "# Implementation:"

var (
	pythonBlockRe = regexp.MustCompile("(?s)```python\\s*(.*?)```")
	topLevelDefRe = regexp.MustCompile(`^def\s+|^class\s+`)
)

// ExtractCode pulls the final code out of free-form model output: the last
// python fenced block, else the text after the last implementation marker,
// else the whole output. With an entry point the result is narrowed to
// that function's definition.
func ExtractCode(output, entryPoint string) string {
	var code string
	if blocks := pythonBlockRe.FindAllStringSubmatch(output, -1); len(blocks) > 0 {
		code = strings.TrimSpace(blocks[len(blocks)-1][1])
	} else if i := strings.LastIndex(output, ImplementationMarker); i >= 0 {
		code = strings.TrimSpace(output[i+len(ImplementationMarker):])
	} else {
		code = strings.TrimSpace(output)
	}

	if entryPoint != "" && code != "" {
		code = ExtractFunction(code, entryPoint)
	}
	return code
}

// ExtractFunction returns the block starting at the first "def entryPoint("
// and ending before the next top-level def or class. The code is returned
// unchanged when the definition is absent.
func ExtractFunction(code, entryPoint string) string {
	if entryPoint == "" {
		return strings.TrimSpace(code)
	}
	defRe := regexp.MustCompile(`^\s*def\s+` + regexp.QuoteMeta(entryPoint) + `\s*\(`)

	lines := strings.Split(code, "\n")
	start := -1
	for i, line := range lines {
		if defRe.MatchString(line) {
			start = i
			break
		}
	}
	if start < 0 {
		return strings.TrimSpace(code)
	}

	collected := []string{lines[start]}
	for _, line := range lines[start+1:] {
		if topLevelDefRe.MatchString(line) {
			break
		}
		collected = append(collected, line)
	}
	return strings.TrimSpace(strings.Join(collected, "\n"))
}
