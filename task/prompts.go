package task

import (
	"bytes"
	"embed"
	"fmt"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// Template names under prompts/.
const (
	tmplFunctionStandard = "function_standard.tmpl"
	tmplFunctionCoT      = "function_cot.tmpl"
	tmplScriptStandard   = "script_standard.tmpl"
	tmplScriptCoT        = "script_cot.tmpl"
	tmplStarterCoT       = "starter_cot.tmpl"
	tmplVote             = "vote.tmpl"
	tmplValue            = "value.tmpl"
)

var prompts = template.Must(
	template.New("prompts").Funcs(template.FuncMap{
		// A Caser is stateful, so each call gets its own.
		"title": func(s string) string { return cases.Title(language.English).String(s) },
		"inc":   func(i int) int { return i + 1 },
	}).ParseFS(promptFS, "prompts/*.tmpl"),
)

// evalData feeds the vote and value templates.
type evalData struct {
	Input      *Input
	Candidates []string
	Output     string
}

func render(name string, data interface{}) string {
	var buf bytes.Buffer
	if err := prompts.ExecuteTemplate(&buf, name, data); err != nil {
		// Templates are embedded and parsed at init, so this is a programming error.
		panic(fmt.Sprintf("render prompt %s: %v", name, err))
	}
	return buf.String()
}
