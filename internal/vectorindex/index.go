package vectorindex

import (
	"bytes"
	"cmp"
	"encoding/gob"
	"fmt"
	"math"
	"slices"

	"manualrag/internal/domain"
)

// Index is an immutable brute-force cosine index. Vectors are L2-normalized
// at build time so a search is a dot product per slot. Equal scores are
// ordered by slot, which keeps results deterministic.
type Index struct {
	dimension int
	vectors   [][]float32
	chunks    []domain.Chunk
}

// Build copies and normalizes vectors; vectors[i] belongs to chunks[i].
func Build(vectors [][]float32, chunks []domain.Chunk) (*Index, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: index needs at least one vector", domain.ErrInvalidArgument)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: %d vectors for %d chunks", domain.ErrInvalidArgument, len(vectors), len(chunks))
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, fmt.Errorf("%w: zero-length vector", domain.ErrDimensionMismatch)
	}
	ix := &Index{
		dimension: dim,
		vectors:   make([][]float32, len(vectors)),
		chunks:    slices.Clone(chunks),
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", domain.ErrDimensionMismatch, i, len(v), dim)
		}
		ix.vectors[i] = normalize(v)
	}
	return ix, nil
}

// Dimension returns the vector length every query must match.
func (ix *Index) Dimension() int { return ix.dimension }

// Len returns the number of indexed chunks.
func (ix *Index) Len() int { return len(ix.chunks) }

// Chunk returns the metadata stored in slot i.
func (ix *Index) Chunk(i int) domain.Chunk { return ix.chunks[i] }

// Search returns the k most similar chunks, nearest first. When fewer than k
// chunks exist all of them are returned.
func (ix *Index) Search(query []float32, k int) ([]domain.SearchResult, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", domain.ErrInvalidArgument, k)
	}
	if len(query) != ix.dimension {
		return nil, fmt.Errorf("%w: query has %d dimensions, index has %d", domain.ErrDimensionMismatch, len(query), ix.dimension)
	}
	q := normalize(query)
	scores := make([]float64, len(ix.vectors))
	for i, v := range ix.vectors {
		scores[i] = dot(v, q)
	}
	idxs := make([]int, len(scores))
	for i := range idxs {
		idxs[i] = i
	}
	slices.SortFunc(idxs, func(a, b int) int {
		if c := cmp.Compare(scores[b], scores[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if k > len(idxs) {
		k = len(idxs)
	}
	results := make([]domain.SearchResult, 0, k)
	for _, j := range idxs[:k] {
		results = append(results, domain.SearchResult{Chunk: ix.chunks[j], Score: scores[j]})
	}
	return results, nil
}

type snapshot struct {
	Dimension int
	Vectors   [][]float32
	Chunks    []domain.Chunk
}

// MarshalBinary encodes the normalized vectors and chunk metadata with gob.
func (ix *Index) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(snapshot{Dimension: ix.dimension, Vectors: ix.vectors, Chunks: ix.chunks})
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores an index written by MarshalBinary.
func (ix *Index) UnmarshalBinary(data []byte) error {
	var s snapshot
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&s); err != nil {
		return fmt.Errorf("decode index: %w", err)
	}
	if len(s.Vectors) == 0 || len(s.Vectors) != len(s.Chunks) {
		return fmt.Errorf("%w: %d vectors for %d chunks", domain.ErrInvalidArgument, len(s.Vectors), len(s.Chunks))
	}
	for i, v := range s.Vectors {
		if len(v) != s.Dimension {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", domain.ErrDimensionMismatch, i, len(v), s.Dimension)
		}
	}
	ix.dimension = s.Dimension
	ix.vectors = s.Vectors
	ix.chunks = s.Chunks
	return nil
}

// Decode is shorthand for UnmarshalBinary into a fresh Index.
func Decode(data []byte) (*Index, error) {
	ix := &Index{}
	if err := ix.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return ix, nil
}

func normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	norm := 0.0
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return out
	}
	inv := 1 / math.Sqrt(norm)
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func dot(a, b []float32) float64 {
	sum := 0.0
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
