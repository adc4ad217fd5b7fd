package domain

import (
	"context"
	"time"
)

// Document is a single manual loaded from the corpus source.
type Document struct {
	ID      string
	Content []byte
	Pages   []Page
}

// Page is the plain text extracted from one page of a document.
// Number is 1-based.
type Page struct {
	Number int
	Text   string
}

// Chunk is a bounded passage of a page, the unit of retrieval.
// Start and End are byte offsets into the page text.
type Chunk struct {
	DocumentID string
	Page       int
	Seq        int
	Text       string
	Start      int
	End        int
}

// SearchResult represents a matching chunk with a relevance score.
type SearchResult struct {
	Chunk Chunk
	Score float64
}

// Outcome describes how an answer was produced.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeDegradedNoContext Outcome = "degraded-no-context"
	OutcomeFailed            Outcome = "failed"
)

// AnswerResult is what a query returns to callers.
type AnswerResult struct {
	Answer       string
	Retrieval    []SearchResult
	Status       Outcome
	GenerationID string
	Attempts     int
	Elapsed      time.Duration
	// Err is set when Status is OutcomeFailed.
	Err error
}

// Question is a query request. MaxResults overrides the configured
// retrieval count when positive.
type Question struct {
	Text       string
	MaxResults int
}

// Status reports the generation currently served.
type Status struct {
	Loaded       bool
	GenerationID string
	BuiltAt      time.Time
	EmbedderID   string
	Chunks       int
	Digest       string
}

// Embedder converts free text into vectors. Identity names the model and
// version; vectors from different identities are not comparable.
type Embedder interface {
	Identity() string
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Generator produces free text from a grounded prompt.
type Generator interface {
	Identity() string
	Generate(ctx context.Context, prompt string, temperature float32) (string, error)
}

// DocumentLoader reads every document of the corpus source.
type DocumentLoader interface {
	Load(ctx context.Context) ([]Document, error)
}
