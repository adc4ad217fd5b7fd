package indexstore

import (
	"bytes"
	"crypto/sha256"
	"encoding/gob"
	"fmt"
	"time"

	"github.com/google/uuid"

	"manualrag/internal/domain"
	"manualrag/internal/vectorindex"
)

// Generation is one complete, immutable index build. It is never mutated
// after construction; a rebuild produces a new Generation.
type Generation struct {
	ID         string
	Index      *vectorindex.Index
	BuiltAt    time.Time
	EmbedderID string
	Digest     string
}

// NewGeneration stamps a freshly built index with a new id.
func NewGeneration(ix *vectorindex.Index, embedderID, digest string) *Generation {
	return &Generation{
		ID:         uuid.NewString(),
		Index:      ix,
		BuiltAt:    time.Now().UTC(),
		EmbedderID: embedderID,
		Digest:     digest,
	}
}

// Status summarizes the generation for callers.
func (g *Generation) Status() domain.Status {
	if g == nil {
		return domain.Status{}
	}
	return domain.Status{
		Loaded:       true,
		GenerationID: g.ID,
		BuiltAt:      g.BuiltAt,
		EmbedderID:   g.EmbedderID,
		Chunks:       g.Index.Len(),
		Digest:       g.Digest,
	}
}

var magic = [8]byte{'M', 'R', 'A', 'G', 'G', 'E', 'N', '1'}

type envelope struct {
	ID         string
	BuiltAt    time.Time
	EmbedderID string
	Digest     string
	Index      []byte
}

// Encode lays a generation out as magic | gob envelope | sha256 of both.
func Encode(g *Generation) ([]byte, error) {
	ix, err := g.Index.MarshalBinary()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Write(magic[:])
	env := envelope{ID: g.ID, BuiltAt: g.BuiltAt, EmbedderID: g.EmbedderID, Digest: g.Digest, Index: ix}
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, fmt.Errorf("encode generation: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// Decode verifies and parses bytes written by Encode. Truncated or altered
// payloads fail with domain.ErrCorruptGeneration.
func Decode(data []byte) (*Generation, error) {
	if len(data) < len(magic)+sha256.Size || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, fmt.Errorf("%w: bad header", domain.ErrCorruptGeneration)
	}
	body, trailer := data[:len(data)-sha256.Size], data[len(data)-sha256.Size:]
	if sum := sha256.Sum256(body); !bytes.Equal(sum[:], trailer) {
		return nil, fmt.Errorf("%w: checksum mismatch", domain.ErrCorruptGeneration)
	}
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(body[len(magic):])).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptGeneration, err)
	}
	ix, err := vectorindex.Decode(env.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCorruptGeneration, err)
	}
	return &Generation{ID: env.ID, Index: ix, BuiltAt: env.BuiltAt, EmbedderID: env.EmbedderID, Digest: env.Digest}, nil
}
