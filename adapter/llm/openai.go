package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/thought"
)

// DefaultOpenAIMaxChoices is the per-request choice cap used when none is
// configured. Several OpenAI-compatible endpoints reject n > 4.
const DefaultOpenAIMaxChoices = 4

// OpenAIConfig configures an OpenAI-compatible chat endpoint.
type OpenAIConfig struct {
	// APIKey is the bearer credential. Required.
	APIKey string

	// BaseURL overrides the API base (e.g. a proxy or a compatible vendor).
	BaseURL string

	// Name labels this endpoint in logs and metrics. Default: "openai".
	Name string

	// MaxChoices caps n per request. Default: DefaultOpenAIMaxChoices.
	MaxChoices int

	// HTTPClient overrides the transport (tests, custom timeouts).
	HTTPClient *http.Client
}

// OpenAIClient is an adapter for OpenAI and OpenAI-compatible chat endpoints.
//
// Wraps the go-openai SDK. A request for n choices is sent as a single API
// call; callers needing more than MaxChoicesPerCall must chunk.
type OpenAIClient struct {
	client     *openai.Client
	name       string
	maxChoices int
}

// NewOpenAIClient creates a new OpenAI client.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, apierrors.NewConfigError("api_key", "OpenAI API key is not set")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}
	if cfg.Name == "" {
		cfg.Name = "openai"
	}
	if cfg.MaxChoices <= 0 {
		cfg.MaxChoices = DefaultOpenAIMaxChoices
	}
	return &OpenAIClient{
		client:     openai.NewClientWithConfig(clientCfg),
		name:       cfg.Name,
		maxChoices: cfg.MaxChoices,
	}, nil
}

// Provider returns the endpoint label.
func (o *OpenAIClient) Provider() string {
	return o.name
}

// MaxChoicesPerCall returns the configured n cap.
func (o *OpenAIClient) MaxChoicesPerCall() int {
	return o.maxChoices
}

// Complete sends one chat completion request.
func (o *OpenAIClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	if n > o.maxChoices {
		return nil, fmt.Errorf("%s: requested %d choices, endpoint cap is %d", o.name, n, o.maxChoices)
	}

	creq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: o.convertMessages(req.Messages),
		N:        n,
	}
	if req.Temperature != nil {
		creq.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens != nil {
		creq.MaxTokens = *req.MaxTokens
	}
	if req.TopP != nil {
		creq.TopP = float32(*req.TopP)
	}
	if len(req.Stop) > 0 {
		creq.Stop = req.Stop
	}
	if fp, ok := req.Extra["frequency_penalty"].(float64); ok {
		creq.FrequencyPenalty = float32(fp)
	}
	if pp, ok := req.Extra["presence_penalty"].(float64); ok {
		creq.PresencePenalty = float32(pp)
	}
	if seed, ok := req.Extra["seed"].(int); ok {
		creq.Seed = &seed
	}

	resp, err := o.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, apierrors.Classify(o.name, fmt.Errorf("openai api error: %w", err))
	}

	out := &Response{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
		Raw:     resp,
		Choices: make([]Choice, 0, len(resp.Choices)),
	}
	for _, c := range resp.Choices {
		out.Choices = append(out.Choices, o.convertChoice(c))
	}
	return out, nil
}

// convertChoice extracts the text payload of a choice. Content delivered as
// multi-part text is joined. An empty text that ended in a normal stop or
// length is a valid completion; one that carries a refusal or tool call,
// or ended for any other reason, is flagged Missing.
func (o *OpenAIClient) convertChoice(c openai.ChatCompletionChoice) Choice {
	choice := Choice{FinishReason: string(c.FinishReason)}

	text := c.Message.Content
	if text == "" {
		var parts []string
		for _, part := range c.Message.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText {
				parts = append(parts, part.Text)
			}
		}
		text = strings.Join(parts, "")
	}
	if text == "" && !emptyCompletion(c) {
		choice.Missing = true
		choice.Raw = c
		return choice
	}
	choice.Text = text
	return choice
}

func emptyCompletion(c openai.ChatCompletionChoice) bool {
	if c.Message.Refusal != "" || len(c.Message.ToolCalls) > 0 || c.Message.FunctionCall != nil {
		return false
	}
	switch c.FinishReason {
	case openai.FinishReasonStop, openai.FinishReasonLength:
		return true
	}
	return false
}

// convertMessages converts thought messages to the OpenAI wire format.
func (o *OpenAIClient) convertMessages(messages []thought.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, msg := range messages {
		role := msg.Role
		switch role {
		case thought.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case thought.RoleUser:
			role = openai.ChatMessageRoleUser
		default:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    role,
			Content: msg.Content,
		})
	}
	return out
}

// Unwrap returns the underlying OpenAI client.
func (o *OpenAIClient) Unwrap() interface{} {
	return o.client
}
