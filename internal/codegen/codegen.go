// Package codegen asks an OpenAI-compatible model (Gemini by default) to
// write code for a prompt.
package codegen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultLanguage is used when a request names none.
const DefaultLanguage = "html"

// ErrNoCode is returned when the model answers with nothing usable.
var ErrNoCode = errors.New("model returned no code")

// Client generates code through a chat completion endpoint.
type Client struct {
	client *openai.Client
	model  string
}

// NewClient creates a generator for the given endpoint.
func NewClient(baseURL, apiKey, model string) *Client {
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(2),
	)
	return &Client{
		client: &client,
		model:  model,
	}
}

// Generate returns the model's answer for prompt, trimmed of surrounding
// whitespace.
func (c *Client) Generate(ctx context.Context, prompt, language string) (string, error) {
	if language == "" {
		language = DefaultLanguage
	}

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(fmt.Sprintf("Generate %s code for: %s", language, prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrNoCode
	}

	code := strings.TrimSpace(completion.Choices[0].Message.Content)
	if code == "" {
		return "", ErrNoCode
	}
	return code, nil
}
