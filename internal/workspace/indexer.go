package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fyrsmithlabs/vectord/internal/collection"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// retryInterval paces the deferred-event queue when the embedding provider
// stays unavailable.
const retryInterval = 30 * time.Second

// Binding connects one workspace collection config to its live collection
// through the write capability. The indexer observes collections it may
// mutate but never reads their internals; the Writer is usable only while
// the registry is live and never prolongs collection lifetime.
type Binding struct {
	Project string
	Root    string
	Config  CollectionConfig
	Matcher *Matcher
	Writer  *collection.Writer
	Cache   *Cache
}

// Indexer is the actor that consumes file events and produces insert and
// delete commands against workspace collections.
type Indexer struct {
	cfg        Config
	bindings   []*Binding
	provider   embeddings.Provider
	transmuter Transmuter
	embedSem   *semaphore.Weighted
	logger     *zap.Logger

	mu       sync.Mutex
	deferred map[string]Event // path -> event awaiting retry
}

// NewIndexer creates an indexer.
func NewIndexer(cfg Config, provider embeddings.Provider, tm Transmuter, logger *zap.Logger) *Indexer {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{
		cfg:        cfg,
		provider:   provider,
		transmuter: tm,
		embedSem:   semaphore.NewWeighted(int64(cfg.MaxInFlightEmbeds)),
		logger:     logger.Named("indexer"),
		deferred:   make(map[string]Event),
	}
}

// AddBinding registers a workspace collection.
func (ix *Indexer) AddBinding(b *Binding) { ix.bindings = append(ix.bindings, b) }

// Bindings returns the registered bindings.
func (ix *Indexer) Bindings() []*Binding { return ix.bindings }

// SyncAll reconciles every binding with the filesystem: index new and
// changed files, drop chunks for vanished or no-longer-matching files.
// A file whose indexing fails is logged and skipped, so its chunks stay
// as they were before the pass.
func (ix *Indexer) SyncAll(ctx context.Context) error {
	for _, b := range ix.bindings {
		if err := ix.syncBinding(ctx, b); err != nil {
			return fmt.Errorf("syncing collection %q: %w", b.Config.Name, err)
		}
	}
	return nil
}

func (ix *Indexer) syncBinding(ctx context.Context, b *Binding) error {
	onDisk := make(map[string]bool)
	err := filepath.WalkDir(b.Root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !b.Matcher.Match(rel) {
			return nil
		}
		onDisk[rel] = true
		if b.Cache.Valid(b.Root, rel, ix.cfg.Validation) {
			return nil
		}
		if err := ix.indexFile(ctx, b, rel); err != nil {
			// Per-file failures never abort the batch.
			ix.logger.Warn("indexing file failed",
				zap.String("collection", b.Config.Name),
				zap.String("path", rel),
				zap.Error(err),
			)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Remove chunks whose source is gone or no longer matches.
	for _, rel := range b.Cache.Paths() {
		if onDisk[rel] {
			continue
		}
		if err := ix.deleteFile(ctx, b, rel); err != nil {
			ix.logger.Warn("removing stale chunks failed",
				zap.String("collection", b.Config.Name),
				zap.String("path", rel),
				zap.Error(err),
			)
		}
	}
	return b.Cache.Flush()
}

// Run consumes events until the context ends. Deferred events retry on a
// ticker. A cancelled run stops accepting new events but lets the in-flight
// handler finish.
func (ix *Indexer) Run(ctx context.Context, events <-chan Event) {
	ticker := time.NewTicker(retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			ix.handleEvent(ctx, ev)
		case <-ticker.C:
			ix.retryDeferred(ctx)
		}
	}
}

// handleEvent routes one debounced event to every matching binding.
func (ix *Indexer) handleEvent(ctx context.Context, ev Event) {
	for _, b := range ix.bindings {
		rel, err := filepath.Rel(b.Root, ev.Path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		if !b.Matcher.Match(rel) {
			continue
		}

		switch ev.Kind {
		case EventDeleted:
			if err := ix.deleteFile(ctx, b, rel); err != nil {
				ix.logger.Warn("delete failed",
					zap.String("collection", b.Config.Name),
					zap.String("path", rel),
					zap.Error(err),
				)
			}
		case EventCreated, EventModified:
			if err := ix.indexFile(ctx, b, rel); err != nil {
				if vecerr.IsRetryable(err) {
					ix.defer_(ev)
				}
				ix.logger.Warn("index failed",
					zap.String("collection", b.Config.Name),
					zap.String("path", rel),
					zap.Error(err),
				)
			}
		}
		if err := b.Cache.Flush(); err != nil {
			ix.logger.Warn("cache flush failed", zap.String("collection", b.Config.Name), zap.Error(err))
		}
	}
}

// indexFile replaces a file's chunks with the chunks of its current
// content. A content hash match short-circuits to a no-op.
func (ix *Indexer) indexFile(ctx context.Context, b *Binding, rel string) error {
	abs := filepath.Join(b.Root, filepath.FromSlash(rel))

	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("%w: %v", vecerr.ErrFileReadFailed, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fmt.Errorf("%w: %v", vecerr.ErrFileReadFailed, err)
	}

	hash := HashBytes(data)
	if cached, ok := b.Cache.Get(rel); ok && cached.Hash == hash {
		return nil // no-op modification
	}

	text, err := extractText(data, MimeForPath(rel), ix.transmuter)
	if err != nil {
		return err
	}
	chunks := ChunkText(text, b.Config.ChunkSize, b.Config.ChunkOverlap)

	var vectors []collection.Vector
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Text
		}

		// Bound concurrent embedding calls across all files.
		if err := ix.embedSem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%w: %v", vecerr.ErrCancelled, err)
		}
		embedded, err := ix.provider.EmbedBatch(ctx, texts)
		ix.embedSem.Release(1)
		if err != nil {
			return fmt.Errorf("%w: %v", vecerr.ErrEmbeddingFailed, err)
		}

		vectors = make([]collection.Vector, len(chunks))
		for i, ch := range chunks {
			vectors[i] = collection.Vector{
				ID:     fmt.Sprintf("%s#%d", rel, ch.Index),
				Values: embedded[i],
				Payload: map[string]any{
					"file_path":    rel,
					"chunk_index":  ch.Index,
					"chunk_size":   len(ch.Text),
					"content_hash": fmt.Sprintf("%016x", hash),
				},
			}
		}
	}

	// Replace: drop chunks beyond the new count, overwrite the rest.
	if old := b.Writer.FindIDsByPayload("file_path", rel); len(old) > 0 {
		stale := old[:0]
		keep := make(map[string]bool, len(vectors))
		for _, v := range vectors {
			keep[v.ID] = true
		}
		for _, id := range old {
			if !keep[id] {
				stale = append(stale, id)
			}
		}
		if len(stale) > 0 {
			if err := b.Writer.Delete(ctx, stale); err != nil {
				return fmt.Errorf("removing stale chunks: %w", err)
			}
		}
	}
	if len(vectors) > 0 {
		if err := b.Writer.InsertBatch(ctx, vectors); err != nil {
			return fmt.Errorf("inserting chunks: %w", err)
		}
	}

	b.Cache.Put(rel, FileState{Hash: hash, ModTime: info.ModTime(), Size: info.Size(), Chunks: len(chunks)})
	ix.logger.Debug("file indexed",
		zap.String("collection", b.Config.Name),
		zap.String("path", rel),
		zap.Int("chunks", len(chunks)),
	)
	return nil
}

// deleteFile drops every chunk derived from the file.
func (ix *Indexer) deleteFile(ctx context.Context, b *Binding, rel string) error {
	ids := b.Writer.FindIDsByPayload("file_path", rel)
	if len(ids) > 0 {
		if err := b.Writer.Delete(ctx, ids); err != nil {
			return err
		}
	}
	b.Cache.Delete(rel)
	ix.logger.Debug("file chunks removed",
		zap.String("collection", b.Config.Name),
		zap.String("path", rel),
		zap.Int("chunks", len(ids)),
	)
	return nil
}

func (ix *Indexer) defer_(ev Event) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.deferred[ev.Path] = ev
}

func (ix *Indexer) retryDeferred(ctx context.Context) {
	ix.mu.Lock()
	if len(ix.deferred) == 0 {
		ix.mu.Unlock()
		return
	}
	batch := make([]Event, 0, len(ix.deferred))
	for _, ev := range ix.deferred {
		batch = append(batch, ev)
	}
	ix.deferred = make(map[string]Event)
	ix.mu.Unlock()

	ix.logger.Info("retrying deferred events", zap.Int("count", len(batch)))
	for _, ev := range batch {
		ix.handleEvent(ctx, ev)
	}
}
