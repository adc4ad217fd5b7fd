package retrieval

import (
	"fmt"
	"strings"

	"manualrag/internal/domain"
)

// NoContextMarker stands in for the excerpts when retrieval found nothing.
const NoContextMarker = "(no relevant excerpts were found in the manuals)"

const promptTemplate = `Answer the following question based only on the provided context:

<context>
%s
</context>

Question: %s`

// BuildPrompt renders the grounded prompt. The same question and results
// always give the same prompt.
func BuildPrompt(question string, results []domain.SearchResult) string {
	return fmt.Sprintf(promptTemplate, ContextText(results), strings.TrimSpace(question))
}

// ContextText joins the excerpts in rank order, each headed by its source.
func ContextText(results []domain.SearchResult) string {
	if len(results) == 0 {
		return NoContextMarker
	}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("[%d] %s (page %d)\n%s", i+1, r.Chunk.DocumentID, r.Chunk.Page, strings.TrimSpace(r.Chunk.Text))
	}
	return strings.Join(parts, "\n\n")
}

// SourceLabels formats results as "Rank N: <document> (Page P)".
func SourceLabels(results []domain.SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = fmt.Sprintf("Rank %d: %s (Page %d)", i+1, r.Chunk.DocumentID, r.Chunk.Page)
	}
	return out
}
