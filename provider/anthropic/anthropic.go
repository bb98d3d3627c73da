// Package anthropic implements the reasoning provider adapter over the
// Anthropic Messages API.
package anthropic

import (
	"context"
	"fmt"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Config configures the completer.
type Config struct {
	// APIKey authenticates against the Anthropic API. Required.
	APIKey string

	// Model is the model identifier. Defaults to claude-sonnet-4-20250514.
	Model string

	// MaxTokens caps response length. Defaults to 2048.
	MaxTokens int64

	// Timeout bounds each completion call. Defaults to 30s. The engine
	// relies on this bound to trigger its documented fallbacks instead of
	// blocking callers.
	Timeout time.Duration
}

// Completer calls the Anthropic Messages API with a single-turn prompt.
type Completer struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// New creates a Completer. A missing API key is a configuration error.
func New(cfg Config) (*Completer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: APIKey is required")
	}
	if cfg.Model == "" {
		cfg.Model = "claude-sonnet-4-20250514"
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}

	client := anthropic.NewClient(option.WithAPIKey(cfg.APIKey))

	return &Completer{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
	}, nil
}

// Complete sends the prompt as a single user message and returns the
// concatenated text blocks of the response.
func (c *Completer) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}
