// Package llmtest provides a scriptable llm.Client for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/scttfrdmn/totcode/adapter/llm"
)

// HandlerFunc answers one request. call is the 1-based call number.
type HandlerFunc func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error)

// Client is a fake provider that delegates to a handler and records every
// request it receives. It is safe for concurrent use.
type Client struct {
	Name    string
	Cap     int
	Handler HandlerFunc

	mu       sync.Mutex
	requests []*llm.Request
}

// New creates a fake client with the given name, per-call cap and handler.
func New(name string, maxChoices int, handler HandlerFunc) *Client {
	return &Client{Name: name, Cap: maxChoices, Handler: handler}
}

// Provider returns the client name.
func (c *Client) Provider() string {
	if c.Name == "" {
		return "fake"
	}
	return c.Name
}

// MaxChoicesPerCall returns Cap, or 4 when unset.
func (c *Client) MaxChoicesPerCall() int {
	if c.Cap <= 0 {
		return 4
	}
	return c.Cap
}

// Complete records the request and invokes the handler.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req.Clone())
	call := len(c.requests)
	c.mu.Unlock()

	if req.N > c.MaxChoicesPerCall() {
		return nil, fmt.Errorf("%s: requested %d choices, cap is %d", c.Provider(), req.N, c.MaxChoicesPerCall())
	}
	if c.Handler == nil {
		return Texts(req.N, "ok"), nil
	}
	return c.Handler(ctx, req, call)
}

// Requests returns a copy of the recorded requests.
func (c *Client) Requests() []*llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*llm.Request(nil), c.requests...)
}

// Calls returns the number of requests received.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Texts builds a response with n choices. Texts are used in order and the
// last one repeats when n exceeds len(texts).
func Texts(n int, texts ...string) *llm.Response {
	resp := &llm.Response{Model: "fake"}
	for i := 0; i < n; i++ {
		text := ""
		if len(texts) > 0 {
			text = texts[len(texts)-1]
			if i < len(texts) {
				text = texts[i]
			}
		}
		resp.Choices = append(resp.Choices, llm.Choice{Text: text, FinishReason: llm.FinishReasonStop})
	}
	return resp
}

// WithUsage sets the usage counters on resp and returns it.
func WithUsage(resp *llm.Response, prompt, completion int) *llm.Response {
	resp.Usage = llm.Usage{PromptTokens: prompt, CompletionTokens: completion}
	return resp
}

// ByPrompt answers every request with a fixed text chosen by the content of
// the last message, falling back to def.
func ByPrompt(answers map[string]string, def string) HandlerFunc {
	return func(ctx context.Context, req *llm.Request, call int) (*llm.Response, error) {
		prompt := ""
		if len(req.Messages) > 0 {
			prompt = req.Messages[len(req.Messages)-1].Content
		}
		if text, ok := answers[prompt]; ok {
			return Texts(req.N, text), nil
		}
		return Texts(req.N, def), nil
	}
}
