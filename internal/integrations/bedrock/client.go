package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"clone-agent/internal/domain"
	"clone-agent/internal/usecase"
)

const anthropicVersion = "bedrock-2023-05-31"

// invokeRequest is the Anthropic messages payload accepted by Bedrock.
type invokeRequest struct {
	AnthropicVersion string               `json:"anthropic_version"`
	MaxTokens        int                  `json:"max_tokens"`
	Temperature      float64              `json:"temperature"`
	System           string               `json:"system,omitempty"`
	Messages         []domain.ChatMessage `json:"messages"`
}

// invokeResponse is the minimal response shape returned by InvokeModel
// for Anthropic models.
type invokeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// runtimeAPI is the minimal Bedrock Runtime interface required by
// Client. *bedrockruntime.Client satisfies it.
type runtimeAPI interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Client invokes Anthropic models hosted on Bedrock. It serves every
// model-backed decision step as well as final response generation.
type Client struct {
	api runtimeAPI
}

func New(api runtimeAPI) (*Client, error) {
	if api == nil {
		return nil, errors.New("bedrock: api must not be nil")
	}
	return &Client{api: api}, nil
}

// Invoke runs one inference call and returns the concatenated text
// blocks of the model reply.
func (c *Client) Invoke(ctx context.Context, req usecase.ModelRequest) (string, error) {
	if strings.TrimSpace(req.ModelID) == "" {
		return "", errors.New("bedrock: model id must not be empty")
	}
	if len(req.Messages) == 0 {
		return "", errors.New("bedrock: messages must not be empty")
	}

	body, err := json.Marshal(invokeRequest{
		AnthropicVersion: anthropicVersion,
		MaxTokens:        req.MaxTokens,
		Temperature:      req.Temperature,
		System:           req.System,
		Messages:         req.Messages,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: marshal request: %w", err)
	}

	out, err := c.api.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.ModelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", fmt.Errorf("bedrock: invoke model %s: %w", req.ModelID, err)
	}

	var payload invokeResponse
	if err := json.Unmarshal(out.Body, &payload); err != nil {
		return "", fmt.Errorf("bedrock: decode response: %w", err)
	}
	if len(payload.Content) == 0 {
		return "", errors.New("bedrock: no content in response")
	}

	var b strings.Builder
	for _, block := range payload.Content {
		if block.Type == "" || block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String(), nil
}
