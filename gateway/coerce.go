package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/scttfrdmn/totcode/adapter/llm"
)

// render produces a best-effort string for a value the provider returned
// in place of completion text.
func render(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(data)
}

// coerced is one chunk's outputs after shape repair.
type coerced struct {
	outputs   []string
	reasons   []string
	truncated int
	malformed int
}

// coerce returns exactly want outputs for resp. Choices without text are
// rendered from their raw payload, missing choices are filled with a
// rendering of the whole response, and surplus choices are dropped.
func coerce(resp *llm.Response, want int) coerced {
	c := coerced{
		outputs: make([]string, 0, want),
		reasons: make([]string, 0, want),
	}

	var choices []llm.Choice
	if resp != nil {
		choices = resp.Choices
	}
	if len(choices) > want {
		choices = choices[:want]
	}

	for _, ch := range choices {
		text := ch.Text
		if ch.Missing {
			text = render(ch.Raw)
			c.malformed++
		}
		if ch.Truncated() {
			c.truncated++
		}
		c.outputs = append(c.outputs, text)
		c.reasons = append(c.reasons, ch.FinishReason)
	}

	if len(c.outputs) < want {
		var raw interface{}
		if resp != nil {
			raw = resp.Raw
			if raw == nil {
				raw = resp
			}
		}
		filler := render(raw)
		for len(c.outputs) < want {
			c.outputs = append(c.outputs, filler)
			c.reasons = append(c.reasons, "")
			c.malformed++
		}
	}

	return c
}
