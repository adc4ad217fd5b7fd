package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"manualrag/internal/domain"
)

func TestBuildPrompt(t *testing.T) {
	results := []domain.SearchResult{
		{Chunk: domain.Chunk{DocumentID: "b.txt", Page: 4, Text: " reset the controller by holding the power button "}, Score: 0.6},
		{Chunk: domain.Chunk{DocumentID: "a.txt", Page: 1, Text: "replace the filter"}, Score: 0.1},
	}
	want := "Answer the following question based only on the provided context:\n\n" +
		"<context>\n" +
		"[1] b.txt (page 4)\nreset the controller by holding the power button\n\n" +
		"[2] a.txt (page 1)\nreplace the filter\n" +
		"</context>\n\n" +
		"Question: how do I reset it?"
	assert.Equal(t, want, BuildPrompt("  how do I reset it? ", results))
	assert.Equal(t, BuildPrompt("q", results), BuildPrompt("q", results))
}

func TestBuildPromptWithoutResults(t *testing.T) {
	assert.Contains(t, BuildPrompt("q", nil), NoContextMarker)
}

func TestSourceLabels(t *testing.T) {
	labels := SourceLabels([]domain.SearchResult{
		{Chunk: domain.Chunk{DocumentID: "manuals/heater.pdf", Page: 12}},
		{Chunk: domain.Chunk{DocumentID: "manuals/router.pdf", Page: 3}},
	})
	assert.Equal(t, []string{"Rank 1: manuals/heater.pdf (Page 12)", "Rank 2: manuals/router.pdf (Page 3)"}, labels)
}
