package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"manualrag/internal/domain"
)

const provider = "anthropic"

// Config configures the Messages API generator.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

// Generator answers prompts with the Anthropic Messages API. SDK-level
// retries are disabled; the query engine owns the retry policy.
type Generator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func New(cfg Config) (*Generator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing Anthropic API key", domain.ErrInvalidConfiguration)
	}
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Generator{
		client:    anthropic.NewClient(opts...),
		model:     cfg.Model,
		maxTokens: int64(cfg.MaxTokens),
	}, nil
}

func (g *Generator) Identity() string { return provider + "/" + g.model }

// Generate sends prompt as a single user turn and joins the text blocks of
// the reply.
func (g *Generator) Generate(ctx context.Context, prompt string, temperature float32) (string, error) {
	msg, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(g.model),
		MaxTokens:   g.maxTokens,
		Temperature: anthropic.Float(float64(temperature)),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", classify(err)
	}
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", &domain.GenerationError{Provider: provider, Retryable: true, Cause: errors.New("no text in response")}
	}
	return strings.TrimSpace(b.String()), nil
}

func classify(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &domain.GenerationError{Provider: provider, StatusCode: apiErr.StatusCode, Retryable: domain.RetryableStatus(apiErr.StatusCode), Cause: err}
	}
	if errors.Is(err, context.Canceled) {
		return &domain.GenerationError{Provider: provider, Cause: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return &domain.GenerationError{Provider: provider, Retryable: true, Cause: err}
	}
	return &domain.GenerationError{Provider: provider, Cause: err}
}

var _ domain.Generator = (*Generator)(nil)
