package llm

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	apierrors "github.com/scttfrdmn/totcode/adapter/errors"
	"github.com/scttfrdmn/totcode/thought"
)

// BedrockClient is an adapter for Amazon Bedrock foundation models via the
// Converse API. Converse returns one completion per call.
//
// Supports the full AWS credential chain:
//   - Explicit credentials (access key ID, secret access key)
//   - AWS profiles (~/.aws/config)
//   - Environment variables (AWS_ACCESS_KEY_ID, etc.)
//   - IAM roles (EC2, ECS, EKS)
type BedrockClient struct {
	client converser
}

// converser is the subset of the Bedrock runtime client used here.
type converser interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockConfig holds configuration for creating a Bedrock client.
type BedrockConfig struct {
	// Region is the AWS region (default: us-east-1)
	Region string

	// Profile is the AWS profile name (optional)
	Profile string

	// AccessKeyID is the AWS access key (optional)
	AccessKeyID string

	// SecretAccessKey is the AWS secret key (optional)
	SecretAccessKey string

	// SessionToken is the AWS session token (optional)
	SessionToken string

	// EndpointURL is a custom endpoint URL for VPC endpoints (optional)
	EndpointURL string
}

// NewBedrockClient creates a new Bedrock client.
func NewBedrockClient(ctx context.Context, cfg BedrockConfig) (*BedrockClient, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))
	if cfg.Profile != "" {
		configOpts = append(configOpts, config.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsConfig, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, apierrors.NewConfigError("bedrock", fmt.Sprintf("failed to load AWS config: %v", err))
	}

	var clientOpts []func(*bedrockruntime.Options)
	if cfg.EndpointURL != "" {
		clientOpts = append(clientOpts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
		})
	}

	return &BedrockClient{client: bedrockruntime.NewFromConfig(awsConfig, clientOpts...)}, nil
}

// Provider returns "bedrock".
func (b *BedrockClient) Provider() string {
	return "bedrock"
}

// MaxChoicesPerCall is 1: Converse has no n parameter.
func (b *BedrockClient) MaxChoicesPerCall() int {
	return 1
}

// Complete sends one Converse request.
func (b *BedrockClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req.N > 1 {
		return nil, fmt.Errorf("bedrock: requested %d choices, endpoint cap is 1", req.N)
	}

	messages, system := b.convertMessages(req.Messages)

	inference := &types.InferenceConfiguration{}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(float32(*req.Temperature))
	}
	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	inference.MaxTokens = aws.Int32(int32(maxTokens))
	if req.TopP != nil {
		inference.TopP = aws.Float32(float32(*req.TopP))
	}
	if len(req.Stop) > 0 {
		inference.StopSequences = req.Stop
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model),
		Messages:        messages,
		InferenceConfig: inference,
	}
	if len(system) > 0 {
		input.System = system
	}

	output, err := b.client.Converse(ctx, input)
	if err != nil {
		return nil, apierrors.Classify("bedrock", fmt.Errorf("bedrock api error: %w", err))
	}

	resp := &Response{Model: req.Model, Raw: output}
	if output.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(output.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(output.Usage.OutputTokens)),
		}
	}

	choice := Choice{FinishReason: bedrockFinishReason(output.StopReason)}
	var text string
	found := false
	if msg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
				text += textBlock.Value
				found = true
			}
		}
	}
	if !found {
		choice.Missing = true
		choice.Raw = output.Output
	}
	choice.Text = text
	resp.Choices = []Choice{choice}
	return resp, nil
}

func bedrockFinishReason(reason types.StopReason) string {
	switch reason {
	case types.StopReasonMaxTokens:
		return FinishReasonLength
	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return FinishReasonStop
	}
	return string(reason)
}

// convertMessages splits system prompts from the conversation.
func (b *BedrockClient) convertMessages(messages []thought.Message) ([]types.Message, []types.SystemContentBlock) {
	var out []types.Message
	var system []types.SystemContentBlock

	for _, msg := range messages {
		if msg.Role == thought.RoleSystem {
			system = append(system, &types.SystemContentBlockMemberText{Value: msg.Content})
			continue
		}
		role := types.ConversationRoleAssistant
		if msg.Role == thought.RoleUser {
			role = types.ConversationRoleUser
		}
		out = append(out, types.Message{
			Role:    role,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: msg.Content}},
		})
	}
	return out, system
}
