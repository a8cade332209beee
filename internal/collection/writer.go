package collection

import (
	"context"
)

// Writer is the mutation capability for workspace collections. The public
// API rejects writes to workspace collections; only the workspace indexer
// holds a Writer, and only for the duration of the registry's life.
//
// A Writer never extends the collection's lifetime: it is a plain handle,
// dropped with the indexer.
type Writer struct {
	c *Collection
}

// NewWriter returns the internal write capability. Callers outside the
// workspace indexer and recovery paths must not retain one.
func (c *Collection) NewWriter() *Writer {
	return &Writer{c: c}
}

// Insert bypasses the read-only guard.
func (w *Writer) Insert(ctx context.Context, vec Vector) error {
	return w.c.insert(ctx, vec)
}

// InsertBatch bypasses the read-only guard.
func (w *Writer) InsertBatch(ctx context.Context, vecs []Vector) error {
	return w.c.insertBatch(ctx, vecs)
}

// Delete bypasses the read-only guard.
func (w *Writer) Delete(ctx context.Context, ids []string) error {
	return w.c.delete(ctx, ids)
}

// FindIDsByPayload returns the ids of live vectors whose payload value for
// key equals value. The indexer uses it to locate a file's chunks.
func (w *Writer) FindIDsByPayload(key string, value any) []string {
	w.c.mu.RLock()
	defer w.c.mu.RUnlock()

	var ids []string
	for _, e := range w.c.entries {
		if e.tombstone {
			continue
		}
		if matchEqual(e.payload[key], value) {
			ids = append(ids, e.id)
		}
	}
	return ids
}

// Collection returns the underlying collection for read operations.
func (w *Writer) Collection() *Collection { return w.c }

// beginReplay suppresses journaling while the WAL is replayed into the
// collection; endReplay restores it.
func (c *Collection) beginReplay() { c.replaying = true }
func (c *Collection) endReplay()   { c.replaying = false }

// Replay applies journaled mutations without re-journaling them.
func (c *Collection) Replay(ctx context.Context, apply func(w *Writer) error) error {
	c.beginReplay()
	defer c.endReplay()
	return apply(&Writer{c: c})
}
