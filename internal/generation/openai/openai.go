package openai

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"manualrag/internal/domain"
)

const provider = "openai"

// Config configures the chat completion generator.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// Generator answers prompts with the OpenAI chat completions API.
type Generator struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// New creates a generator. The per-attempt deadline comes from the caller's
// context; Timeout only bounds the underlying HTTP client.
func New(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing OpenAI API key", domain.ErrInvalidConfiguration)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-nano"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Generator{client: openai.NewClientWithConfig(oc), model: cfg.Model, maxTokens: cfg.MaxTokens}, nil
}

func (g *Generator) Identity() string { return provider + "/" + g.model }

// Generate sends prompt as a single user message.
func (g *Generator) Generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Temperature: temperature,
		MaxTokens:   g.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", &domain.GenerationError{Provider: provider, Retryable: true, Cause: errors.New("empty choices")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// classify maps SDK and transport failures onto transient or terminal.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &domain.GenerationError{Provider: provider, StatusCode: apiErr.HTTPStatusCode, Retryable: domain.RetryableStatus(apiErr.HTTPStatusCode), Cause: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &domain.GenerationError{Provider: provider, StatusCode: reqErr.HTTPStatusCode, Retryable: domain.RetryableStatus(reqErr.HTTPStatusCode), Cause: err}
	}
	return transportError(provider, err)
}

func transportError(name string, err error) error {
	if errors.Is(err, context.Canceled) {
		return &domain.GenerationError{Provider: name, Cause: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &domain.GenerationError{Provider: name, Retryable: true, Cause: err}
	}
	return &domain.GenerationError{Provider: name, Cause: err}
}

var _ domain.Generator = (*Generator)(nil)
