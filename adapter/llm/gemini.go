package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/thought"
)

// geminiMaxCandidates is the documented CandidateCount ceiling.
const geminiMaxCandidates = 8

// GeminiClient is an adapter for Google's Gemini models.
//
// Several choices are requested at once through CandidateCount.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient creates a new Gemini client. An empty apiKey falls back to
// GEMINI_API_KEY, then GOOGLE_API_KEY.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, apierrors.NewConfigError("api_key", "gemini api key required: set GEMINI_API_KEY or GOOGLE_API_KEY")
		}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// Provider returns "gemini".
func (g *GeminiClient) Provider() string {
	return "gemini"
}

// MaxChoicesPerCall returns the CandidateCount ceiling.
func (g *GeminiClient) MaxChoicesPerCall() int {
	return geminiMaxCandidates
}

// Complete sends one GenerateContent request through a chat session.
func (g *GeminiClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	n := req.N
	if n <= 0 {
		n = 1
	}
	if n > geminiMaxCandidates {
		return nil, fmt.Errorf("gemini: requested %d choices, endpoint cap is %d", n, geminiMaxCandidates)
	}

	model := g.client.GenerativeModel(req.Model)
	count := int32(n)
	model.CandidateCount = &count
	if req.Temperature != nil {
		temp := float32(*req.Temperature)
		model.Temperature = &temp
	}
	if req.MaxTokens != nil {
		maxTokens := int32(*req.MaxTokens)
		model.MaxOutputTokens = &maxTokens
	}
	if req.TopP != nil {
		topP := float32(*req.TopP)
		model.TopP = &topP
	}
	if len(req.Stop) > 0 {
		model.StopSequences = req.Stop
	}

	history, last, system := g.convertMessages(req.Messages)
	if system != nil {
		model.SystemInstruction = system
	}
	session := model.StartChat()
	session.History = history

	resp, err := session.SendMessage(ctx, last...)
	if err != nil {
		return nil, apierrors.Classify("gemini", fmt.Errorf("gemini api error: %w", err))
	}

	out := &Response{Model: req.Model, Raw: resp}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	for _, cand := range resp.Candidates {
		out.Choices = append(out.Choices, g.convertCandidate(cand))
	}
	return out, nil
}

func (g *GeminiClient) convertCandidate(cand *genai.Candidate) Choice {
	choice := Choice{FinishReason: geminiFinishReason(cand.FinishReason)}
	if cand.Content == nil || len(cand.Content.Parts) == 0 {
		choice.Missing = true
		choice.Raw = cand
		return choice
	}
	var text string
	for _, part := range cand.Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text += string(txt)
		}
	}
	choice.Text = text
	return choice
}

func geminiFinishReason(reason genai.FinishReason) string {
	switch reason {
	case genai.FinishReasonMaxTokens:
		return FinishReasonLength
	case genai.FinishReasonStop:
		return FinishReasonStop
	case genai.FinishReasonUnspecified:
		return ""
	}
	return reason.String()
}

// convertMessages turns the conversation into chat history plus the parts of
// the final message. System messages become the system instruction.
func (g *GeminiClient) convertMessages(messages []thought.Message) ([]*genai.Content, []genai.Part, *genai.Content) {
	var system *genai.Content
	var rest []thought.Message
	for _, msg := range messages {
		if msg.Role == thought.RoleSystem {
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, genai.Text(msg.Content))
			continue
		}
		rest = append(rest, msg)
	}
	if len(rest) == 0 {
		return nil, nil, system
	}

	var history []*genai.Content
	for _, msg := range rest[:len(rest)-1] {
		role := "model"
		if msg.Role == thought.RoleUser {
			role = "user"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(msg.Content)},
		})
	}
	last := []genai.Part{genai.Text(rest[len(rest)-1].Content)}
	return history, last, system
}

// Close closes the Gemini client.
func (g *GeminiClient) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}
