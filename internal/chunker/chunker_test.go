package chunker

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"manualrag/internal/domain"
)

func collect(c *Chunker, text string) []Span {
	var spans []Span
	for s := range c.Split(text) {
		spans = append(spans, s)
	}
	return spans
}

// reconstruct glues spans back together, dropping each overlap.
func reconstruct(t *testing.T, spans []Span) string {
	t.Helper()
	var b strings.Builder
	prevEnd := 0
	for i, s := range spans {
		if i == 0 {
			require.Equal(t, 0, s.Start)
		}
		require.LessOrEqual(t, s.Start, prevEnd, "gap before span %d", i)
		b.WriteString(s.Text[prevEnd-s.Start:])
		prevEnd = s.End
	}
	return b.String()
}

func TestNewRejectsInvalidConfiguration(t *testing.T) {
	cases := []struct{ size, overlap int }{{0, 0}, {-5, 0}, {10, 10}, {10, 11}, {10, -1}}
	for _, tc := range cases {
		_, err := New(tc.size, tc.overlap)
		assert.ErrorIs(t, err, domain.ErrInvalidConfiguration, "size=%d overlap=%d", tc.size, tc.overlap)
	}
}

func TestSplitCoversTextWithoutGaps(t *testing.T) {
	texts := []string{
		"reset the controller by holding the power button for 10 seconds",
		strings.Repeat("abcdefghij", 37),
		"Line one of the manual.\nLine two explains the filter.\n\nSection 2\nReplace the filter every 3 months to keep airflow steady.",
		"Überprüfen Sie den Filter – alle drei Monate wechseln. 日本語のテキストも含まれています。",
		"short",
	}
	configs := []struct{ size, overlap int }{{50, 10}, {7, 3}, {1, 0}, {20, 19}, {500, 50}}

	for _, text := range texts {
		for _, cfg := range configs {
			c, err := New(cfg.size, cfg.overlap)
			require.NoError(t, err)

			spans := collect(c, text)
			require.NotEmpty(t, spans)
			for _, s := range spans {
				assert.LessOrEqual(t, utf8.RuneCountInString(s.Text), cfg.size)
				assert.Equal(t, text[s.Start:s.End], s.Text)
			}
			assert.Equal(t, len(text), spans[len(spans)-1].End)
			assert.Equal(t, text, reconstruct(t, spans), "size=%d overlap=%d", cfg.size, cfg.overlap)
		}
	}
}

func TestSplitIsRestartable(t *testing.T) {
	c, err := New(10, 2)
	require.NoError(t, err)

	seq := c.Split("the quick brown fox jumps over the lazy dog")
	var first, second []Span
	for s := range seq {
		first = append(first, s)
	}
	for s := range seq {
		second = append(second, s)
	}
	assert.Equal(t, first, second)

	// Stopping early must not break a later full pass.
	for range seq {
		break
	}
	assert.Equal(t, first, collect(c, "the quick brown fox jumps over the lazy dog"))
}

func TestSplitPrefersWhitespaceBoundaries(t *testing.T) {
	c, err := New(50, 10)
	require.NoError(t, err)

	spans := collect(c, "reset the controller by holding the power button for 10 seconds")
	require.Len(t, spans, 2)
	assert.Equal(t, "reset the controller by holding the power button ", spans[0].Text)
	assert.Equal(t, "er button for 10 seconds", spans[1].Text)
}

func TestSplitKeepsShortFinalChunk(t *testing.T) {
	c, err := New(4, 1)
	require.NoError(t, err)

	spans := collect(c, "abcdefghij")
	require.NotEmpty(t, spans)
	last := spans[len(spans)-1]
	assert.Equal(t, "j", last.Text[len(last.Text)-1:])
	assert.LessOrEqual(t, len(last.Text), 4)
}

func TestSplitBlankText(t *testing.T) {
	c, err := New(10, 2)
	require.NoError(t, err)
	assert.Empty(t, collect(c, ""))
	assert.Empty(t, collect(c, "   \n\t "))
}

func TestChunksNumbersAcrossPages(t *testing.T) {
	c, err := New(20, 5)
	require.NoError(t, err)

	doc := domain.Document{
		ID: "manuals/v243.pdf",
		Pages: []domain.Page{
			{Number: 1, Text: "Firmware version is shown on the status screen."},
			{Number: 2, Text: "   "},
			{Number: 3, Text: "Hold reset."},
		},
	}
	chunks := c.Chunks(doc)
	require.NotEmpty(t, chunks)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.Seq)
		assert.Equal(t, "manuals/v243.pdf", ch.DocumentID)
		assert.NotEqual(t, 2, ch.Page)
	}
	last := chunks[len(chunks)-1]
	assert.Equal(t, 3, last.Page)
	assert.Equal(t, "Hold reset.", last.Text)
}
