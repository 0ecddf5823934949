// Package llm provides the provider clients used by the model gateway.
//
// A Client performs exactly one chat-completion request that may ask for
// several choices at once. Chunking, retries, failover and usage accounting
// live one level up, in the gateway package, so every client stays a thin
// translation between the shared Request/Response shapes and one SDK.
//
// Example:
//
//	client, err := llm.NewOpenAIClient(llm.OpenAIConfig{APIKey: "sk-..."})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	req := llm.BuildRequest("gpt-4o-mini", thought.UserPrompt("Hello!"),
//	    llm.WithTemperature(0.7),
//	    llm.WithN(2),
//	)
//	resp, err := client.Complete(ctx, req)
package llm

import (
	"context"

	"github.com/scttfrdmn/totcode/thought"
)

// FinishReasonLength is the normalized finish reason for a completion that
// hit the max_tokens ceiling.
const FinishReasonLength = "length"

// FinishReasonStop is the normalized finish reason for a natural stop.
const FinishReasonStop = "stop"

// Client is the minimal contract every provider adapter implements.
type Client interface {
	// Complete sends one request and returns the provider's choices.
	//
	// Implementations return at most req.N choices and never more than
	// MaxChoicesPerCall. Errors are classified with adapter/errors.Classify.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Provider returns a short provider name used in logs and metrics.
	Provider() string

	// MaxChoicesPerCall is the largest n the endpoint accepts in one request.
	MaxChoicesPerCall() int
}

// Request is one chat-completion request.
type Request struct {
	Model       string
	Messages    []thought.Message
	Temperature *float64
	MaxTokens   *int
	TopP        *float64
	N           int
	Stop        []string

	// Provider-specific options
	Extra map[string]interface{}
}

// Clone returns a copy of the request with its own slices and maps.
func (r *Request) Clone() *Request {
	c := *r
	c.Messages = append([]thought.Message(nil), r.Messages...)
	c.Stop = append([]string(nil), r.Stop...)
	c.Extra = make(map[string]interface{}, len(r.Extra))
	for k, v := range r.Extra {
		c.Extra[k] = v
	}
	return &c
}

// Response is the provider-neutral result of one request.
type Response struct {
	ID      string
	Model   string
	Choices []Choice
	Usage   Usage

	// Raw is the decoded provider response, kept for best-effort rendering.
	Raw interface{}
}

// Choice is one completion within a response.
type Choice struct {
	Text         string
	FinishReason string

	// Missing is set when the provider returned a choice without a usable
	// text payload. Raw then holds the original choice for rendering.
	Missing bool
	Raw     interface{}
}

// Truncated reports whether the choice stopped at the max_tokens ceiling.
func (c Choice) Truncated() bool {
	return c.FinishReason == FinishReasonLength
}

// Usage holds the token counters reported by the provider (0 if unavailable).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// CallOption is a functional option for configuring a request.
type CallOption func(*Request)

// WithTemperature sets the sampling temperature (typically 0.0-2.0).
func WithTemperature(temperature float64) CallOption {
	return func(r *Request) {
		r.Temperature = &temperature
	}
}

// WithMaxTokens sets the maximum number of tokens to generate.
func WithMaxTokens(maxTokens int) CallOption {
	return func(r *Request) {
		r.MaxTokens = &maxTokens
	}
}

// WithTopP sets the nucleus sampling parameter.
func WithTopP(topP float64) CallOption {
	return func(r *Request) {
		r.TopP = &topP
	}
}

// WithN sets the number of completions to request.
func WithN(n int) CallOption {
	return func(r *Request) {
		r.N = n
	}
}

// WithStop sets the stop sequences. Empty strings are ignored.
func WithStop(stop ...string) CallOption {
	return func(r *Request) {
		r.Stop = r.Stop[:0]
		for _, s := range stop {
			if s != "" {
				r.Stop = append(r.Stop, s)
			}
		}
	}
}

// WithExtra adds a provider-specific option.
func WithExtra(key string, value interface{}) CallOption {
	return func(r *Request) {
		if r.Extra == nil {
			r.Extra = make(map[string]interface{})
		}
		r.Extra[key] = value
	}
}

// BuildRequest creates a request from functional options. N defaults to 1.
func BuildRequest(model string, messages []thought.Message, opts ...CallOption) *Request {
	req := &Request{
		Model:    model,
		Messages: messages,
		N:        1,
		Extra:    make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}
