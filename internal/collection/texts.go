package collection

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// Embedder turns text into dense vectors. The embeddings package provides
// implementations; the collection only consumes the capability.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// TextItem is one document for the text ingestion path.
type TextItem struct {
	ID      string
	Text    string
	Payload map[string]any
}

// InsertTexts embeds the items in one batch call and inserts the resulting
// vectors. Either the whole batch is inserted or none of it.
func (c *Collection) InsertTexts(ctx context.Context, embedder Embedder, items []TextItem) error {
	if c.ReadOnly() {
		return fmt.Errorf("%w: %s", vecerr.ErrReadOnly, c.cfg.Name)
	}
	if len(items) == 0 {
		return nil
	}
	if embedder.Dimension() != c.cfg.Dim {
		return fmt.Errorf("%w: embedder dimension %d, collection %d",
			vecerr.ErrDimensionMismatch, embedder.Dimension(), c.cfg.Dim)
	}

	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}
	embedded, err := embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("%w: %v", vecerr.ErrEmbeddingFailed, err)
	}
	if len(embedded) != len(items) {
		return fmt.Errorf("%w: got %d embeddings for %d texts",
			vecerr.ErrEmbeddingFailed, len(embedded), len(items))
	}

	vecs := make([]Vector, len(items))
	for i, it := range items {
		vecs[i] = Vector{ID: it.ID, Values: embedded[i], Payload: it.Payload}
	}
	return c.insertBatch(ctx, vecs)
}
