package embeddings

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// HashProvider is a deterministic in-process embedder: each whitespace
// token hashes to a dimension bucket, producing a normalized bag-of-words
// style vector. Not semantically meaningful, but stable across runs, which
// is what tests and offline smoke operation need.
type HashProvider struct {
	dim int
}

// NewHashProvider creates a hash embedder of the given dimension.
func NewHashProvider(dim int) *HashProvider {
	return &HashProvider{dim: dim}
}

// Embed hashes tokens into buckets and L2-normalizes the result.
func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	v := make([]float32, p.dim)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := xxhash.Sum64String(tok)
		bucket := int(h % uint64(p.dim))
		// A second hash bit picks the sign, spreading mass around zero.
		if (h>>63)&1 == 1 {
			v[bucket] += 1
		} else {
			v[bucket] -= 1
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		// All-empty token streams still need a valid non-zero vector.
		v[0] = 1
		return v, nil
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v, nil
}

// EmbedBatch embeds each text independently.
func (p *HashProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimension returns the embedding dimension.
func (p *HashProvider) Dimension() int { return p.dim }

// Close is a no-op.
func (p *HashProvider) Close() error { return nil }

var _ Provider = (*HashProvider)(nil)
