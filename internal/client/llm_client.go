package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/shelfscope/api/internal/config"
)

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("language model not configured")

	// ErrRejected marks a request the service refused for reasons retrying will not fix.
	ErrRejected = errors.New("request rejected by language model")

	// ErrEmptyCompletion is returned when the service answers without text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// LLMClient talks to any OpenAI compatible chat completion endpoint.
type LLMClient struct {
	client     openai.Client
	model      string
	timeout    time.Duration
	configured bool
}

// NewLLMClient creates a client. Without an API key the client reports
// itself unconfigured and every call fails with ErrNotConfigured.
func NewLLMClient(cfg *config.LLMConfig) *LLMClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		// retries are owned by the insight generator
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &LLMClient{
		client:     openai.NewClient(opts...),
		model:      cfg.Model,
		timeout:    timeout,
		configured: cfg.APIKey != "",
	}
}

// Complete sends one system+user exchange and returns the reply text.
func (c *LLMClient) Complete(ctx context.Context, system, user string) (string, error) {
	if !c.IsConfigured() {
		return "", ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	completion, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(0.7),
	})
	if err != nil {
		return "", classify(err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

// Ping checks the configured model is reachable.
func (c *LLMClient) Ping(ctx context.Context) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}
	_, err := c.client.Models.Get(ctx, c.model)
	if err != nil {
		return classify(err)
	}
	return nil
}

// IsConfigured returns true if the client has an API key.
func (c *LLMClient) IsConfigured() bool {
	return c != nil && c.configured
}

func classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 && apiErr.StatusCode != 408 {
			return fmt.Errorf("%w: status %d: %v", ErrRejected, apiErr.StatusCode, err)
		}
	}
	return fmt.Errorf("chat completion: %w", err)
}
