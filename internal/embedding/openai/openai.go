package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"manualrag/internal/domain"
)

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	Timeout    time.Duration
}

// Client is an OpenAI-compatible embeddings client implementing domain.Embedder.
type Client struct {
	client     *openai.Client
	model      string
	dimensions int
	batchSize  int
}

// NewClient creates a new embeddings client using the provided configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: missing OpenAI API key", domain.ErrInvalidConfiguration)
	}
	if cfg.Model == "" {
		cfg.Model = string(openai.SmallEmbedding3)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &Client{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
	}, nil
}

// Identity names the provider, model and requested dimension.
func (c *Client) Identity() string {
	if c.dimensions > 0 {
		return fmt.Sprintf("openai/%s@%d", c.model, c.dimensions)
	}
	return "openai/" + c.model
}

// BatchSize returns how many texts are sent per request.
func (c *Client) BatchSize() int { return c.batchSize }

// Embed returns one vector per text, in input order. Texts are sent in
// batches of BatchSize.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := min(start+c.batchSize, len(texts))
		resp, err := c.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      texts[start:end],
			Model:      openai.EmbeddingModel(c.model),
			Dimensions: c.dimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("openai embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("openai embeddings: got %d vectors for %d inputs", len(resp.Data), end-start)
		}
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= end-start {
				return nil, errors.New("openai embeddings: response index out of range")
			}
			out[start+d.Index] = d.Embedding
		}
	}
	return out, nil
}

var _ domain.Embedder = (*Client)(nil)
