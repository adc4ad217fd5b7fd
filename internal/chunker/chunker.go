package chunker

import (
	"fmt"
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"manualrag/internal/domain"
)

// Chunker splits text into windows of at most size characters, each
// starting overlap characters before the previous one ended. Windows end on
// a line break or whitespace when one is available in the second half of the
// window, otherwise they are cut at exactly size characters.
type Chunker struct {
	size    int
	overlap int
}

// Span is one window of the input. Start and End are byte offsets.
type Span struct {
	Text  string
	Start int
	End   int
}

// New validates the window configuration.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: chunk size must be positive, got %d", domain.ErrInvalidConfiguration, size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("%w: chunk overlap must be in [0, %d), got %d", domain.ErrInvalidConfiguration, size, overlap)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Size returns the maximum window length in characters.
func (c *Chunker) Size() int { return c.size }

// Overlap returns the overlap between consecutive windows in characters.
func (c *Chunker) Overlap() int { return c.overlap }

// Split returns a lazy sequence of windows covering text with no gaps.
// Each range over the sequence starts again from the beginning. Blank text
// yields nothing; the final window keeps its natural length.
func (c *Chunker) Split(text string) iter.Seq[Span] {
	return func(yield func(Span) bool) {
		if strings.TrimSpace(text) == "" {
			return
		}
		bounds := runeBounds(text)
		n := len(bounds) - 1
		start := 0
		for {
			end := start + c.size
			if end >= n {
				yield(Span{Text: text[bounds[start]:], Start: bounds[start], End: len(text)})
				return
			}
			end = c.breakPoint(text, bounds, start, end)
			if !yield(Span{Text: text[bounds[start]:bounds[end]], Start: bounds[start], End: bounds[end]}) {
				return
			}
			start = end - c.overlap
		}
	}
}

// breakPoint moves a window end back to just after a newline, or failing
// that any whitespace, as long as the window stays at least half full and
// the next window still advances.
func (c *Chunker) breakPoint(text string, bounds []int, start, end int) int {
	lowest := start + c.overlap + 1
	if half := start + (c.size+1)/2; half > lowest {
		lowest = half
	}
	for _, isBreak := range []func(rune) bool{isNewline, unicode.IsSpace} {
		for j := end; j >= lowest; j-- {
			r, _ := utf8.DecodeRuneInString(text[bounds[j-1]:])
			if isBreak(r) {
				return j
			}
		}
	}
	return end
}

// Chunks splits every page of doc, numbering chunks across the whole
// document. Windows containing only whitespace are dropped.
func (c *Chunker) Chunks(doc domain.Document) []domain.Chunk {
	var out []domain.Chunk
	seq := 0
	for _, page := range doc.Pages {
		for span := range c.Split(page.Text) {
			if strings.TrimSpace(span.Text) == "" {
				continue
			}
			out = append(out, domain.Chunk{
				DocumentID: doc.ID,
				Page:       page.Number,
				Seq:        seq,
				Text:       span.Text,
				Start:      span.Start,
				End:        span.End,
			})
			seq++
		}
	}
	return out
}

func isNewline(r rune) bool { return r == '\n' }

// runeBounds returns the byte offset of every rune plus len(text).
func runeBounds(text string) []int {
	bounds := make([]int, 0, len(text)+1)
	for i := range text {
		bounds = append(bounds, i)
	}
	return append(bounds, len(text))
}
