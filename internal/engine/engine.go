// Package engine hosts the database facade: it owns the collection
// registry, the persistence layer and the workspace indexer, and ties the
// durability loop together (WAL -> checkpoint -> snapshot -> truncate).
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/collection"
	"github.com/fyrsmithlabs/vectord/internal/config"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/persist"
	"github.com/fyrsmithlabs/vectord/internal/registry"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
	"github.com/fyrsmithlabs/vectord/internal/workspace"
)

// Engine is the long-lived database instance.
type Engine struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *registry.Registry
	provider embeddings.Provider

	walMu sync.Mutex
	wals  map[string]*persist.WAL

	snapshotter *persist.Snapshotter
	metrics     *collection.Metrics

	checkpointMu   sync.Mutex
	opsSinceCheck  atomic.Int64
	checkpointSeqs map[string]uint64 // collection -> seq covered by archive

	indexer *workspace.Indexer
	watcher *workspace.Watcher

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option configures the engine at open time.
type Option func(*Engine)

// WithMetricsRegistry registers prometheus collectors.
func WithMetricsRegistry(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = collection.NewMetrics(reg) }
}

// Open loads or creates the database under cfg.Storage.Dir, recovering
// state from the compact archive plus WAL replay. Collections that fail
// integrity checks are marked unavailable; the rest keep serving.
func Open(cfg *config.Config, provider embeddings.Provider, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger.Named("engine"),
		registry:       registry.New(logger),
		provider:       provider,
		wals:           make(map[string]*persist.WAL),
		snapshotter:    persist.NewSnapshotter(cfg.Storage.Snapshots, logger),
		checkpointSeqs: make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.recover(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) archivePath() string {
	return filepath.Join(e.cfg.Storage.Dir, e.cfg.Storage.ArchiveName)
}

func (e *Engine) walPath(name string) string {
	return filepath.Join(e.cfg.Storage.Dir, "wal", name+".wal")
}

func (e *Engine) syncMode() persist.SyncMode {
	return persist.SyncMode(e.cfg.Storage.WALSync)
}

// recover loads the archive, replays per-collection WALs past their
// checkpoint sequence, and resurrects collections whose WAL holds a
// create-collection record the archive never saw.
func (e *Engine) recover() error {
	ctx := context.Background()
	restored := make(map[string]bool)

	if _, err := os.Stat(e.archivePath()); err == nil {
		cols, err := persist.ReadArchive(e.archivePath())
		if err != nil {
			// A damaged archive is fatal for everything it held; WAL-only
			// collections below may still come back.
			e.logger.Error("archive unreadable", zap.Error(err))
			if !vecerr.IsIntegrity(err) {
				return err
			}
		}
		for _, col := range cols {
			name := col.State.Config.Name
			if err := e.recoverCollection(ctx, col); err != nil {
				e.registry.MarkUnavailable(name, err)
				continue
			}
			restored[name] = true
		}
	}

	// WAL files without an archived collection: created after the last
	// checkpoint.
	walDir := filepath.Join(e.cfg.Storage.Dir, "wal")
	entries, err := os.ReadDir(walDir)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("listing wal directory: %w", err)
	}
	for _, entry := range entries {
		name := strings.TrimSuffix(entry.Name(), ".wal")
		if name == entry.Name() || restored[name] {
			continue
		}
		if err := e.recoverFromWALOnly(ctx, name); err != nil {
			e.registry.MarkUnavailable(name, err)
		}
	}
	return nil
}

// recoverCollection restores one archived collection and replays its WAL
// tail.
func (e *Engine) recoverCollection(ctx context.Context, col persist.ArchiveCollection) error {
	name := col.State.Config.Name

	var opts []collection.Option
	if e.metrics != nil {
		opts = append(opts, collection.WithMetrics(e.metrics))
	}

	var wal *persist.WAL
	if col.State.Config.Type == collection.Dynamic {
		var err error
		wal, err = persist.OpenWAL(e.walPath(name), e.syncMode(), e.logger)
		if err != nil {
			return fmt.Errorf("%w: opening wal: %v", vecerr.ErrWALReplayFailed, err)
		}
		opts = append(opts, collection.WithJournal(e.countingJournal(persist.NewJournal(wal))))
	}

	c, err := collection.Restore(col.State, e.logger, opts...)
	if err != nil {
		if wal != nil {
			wal.Close()
		}
		return err
	}

	if wal != nil {
		if err := replayWAL(ctx, c, wal, col.CheckpointSeq); err != nil {
			wal.Close()
			return err
		}
		e.walMu.Lock()
		e.wals[name] = wal
		e.walMu.Unlock()
		e.checkpointSeqs[name] = col.CheckpointSeq
	}
	return e.registry.Add(c)
}

// recoverFromWALOnly rebuilds a collection that was created after the last
// checkpoint: its WAL starts with a create-collection record.
func (e *Engine) recoverFromWALOnly(ctx context.Context, name string) error {
	wal, err := persist.OpenWAL(e.walPath(name), e.syncMode(), e.logger)
	if err != nil {
		return fmt.Errorf("%w: opening wal: %v", vecerr.ErrWALReplayFailed, err)
	}

	var cfg *collection.Config
	err = wal.Replay(0, func(rec persist.Record) error {
		if rec.Op == persist.OpCreateCollection && cfg == nil {
			var c collection.Config
			if err := json.Unmarshal(rec.Payload, &c); err != nil {
				return err
			}
			cfg = &c
		}
		return nil
	})
	if err != nil {
		wal.Close()
		return err
	}
	if cfg == nil {
		wal.Close()
		e.logger.Warn("orphan wal without create record", zap.String("collection", name))
		return os.Remove(e.walPath(name))
	}

	var opts []collection.Option
	if e.metrics != nil {
		opts = append(opts, collection.WithMetrics(e.metrics))
	}
	opts = append(opts, collection.WithJournal(e.countingJournal(persist.NewJournal(wal))))

	c, err := collection.New(*cfg, e.logger, opts...)
	if err != nil {
		wal.Close()
		return err
	}
	if err := replayWAL(ctx, c, wal, 0); err != nil {
		wal.Close()
		return err
	}

	e.walMu.Lock()
	e.wals[name] = wal
	e.walMu.Unlock()
	return e.registry.Add(c)
}

// replayWAL applies records with seq beyond fromSeq through the writer
// capability with journaling suppressed.
func replayWAL(ctx context.Context, c *collection.Collection, wal *persist.WAL, fromSeq uint64) error {
	return c.Replay(ctx, func(w *collection.Writer) error {
		return wal.Replay(fromSeq, func(rec persist.Record) error {
			switch rec.Op {
			case persist.OpInsert, persist.OpUpdate:
				var p persist.InsertPayload
				if err := json.Unmarshal(rec.Payload, &p); err != nil {
					return err
				}
				vecs := make([]collection.Vector, len(p.Vectors))
				for i, vr := range p.Vectors {
					vecs[i] = collection.Vector{ID: vr.ID, Values: vr.Values, Payload: vr.Payload, Sparse: vr.Sparse}
				}
				return w.InsertBatch(ctx, vecs)
			case persist.OpDelete:
				var p persist.DeletePayload
				if err := json.Unmarshal(rec.Payload, &p); err != nil {
					return err
				}
				return w.Delete(ctx, p.IDs)
			default:
				return nil // create/delete-collection records are structural
			}
		})
	})
}

// CreateCollection creates and registers a dynamic or workspace collection.
// Dynamic collections get a WAL whose first record re-creates them on
// recovery.
func (e *Engine) CreateCollection(ctx context.Context, cfg collection.Config) (*collection.Collection, error) {
	if err := registry.ValidateName(cfg.Name); err != nil {
		return nil, err
	}
	if _, err := e.registry.Get(cfg.Name); err == nil {
		return nil, fmt.Errorf("%w: collection %q", vecerr.ErrAlreadyExists, cfg.Name)
	}

	var opts []collection.Option
	if e.metrics != nil {
		opts = append(opts, collection.WithMetrics(e.metrics))
	}

	var wal *persist.WAL
	cfg.ApplyDefaults()
	if cfg.Type == collection.Dynamic {
		var err error
		wal, err = persist.OpenWAL(e.walPath(cfg.Name), e.syncMode(), e.logger)
		if err != nil {
			return nil, fmt.Errorf("opening wal: %w", err)
		}
		if _, err := wal.Append(persist.OpCreateCollection, cfg); err != nil {
			wal.Close()
			return nil, fmt.Errorf("journaling create: %w", err)
		}
		opts = append(opts, collection.WithJournal(e.countingJournal(persist.NewJournal(wal))))
	}

	c, err := collection.New(cfg, e.logger, opts...)
	if err != nil {
		if wal != nil {
			wal.Close()
		}
		return nil, err
	}
	if err := e.registry.Add(c); err != nil {
		if wal != nil {
			wal.Close()
		}
		return nil, err
	}
	if wal != nil {
		e.walMu.Lock()
		e.wals[cfg.Name] = wal
		e.walMu.Unlock()
	}
	return c, nil
}

// Collection returns a registered collection.
func (e *Engine) Collection(name string) (*collection.Collection, error) {
	return e.registry.Get(name)
}

// Collections lists registered collection names.
func (e *Engine) Collections() []string { return e.registry.List() }

// Health reports collection availability.
func (e *Engine) Health() registry.Health { return e.registry.Health() }

// DropCollection removes a dynamic collection and its durable state. The
// archive is rewritten immediately so a crash cannot resurrect it.
func (e *Engine) DropCollection(ctx context.Context, name string) error {
	if _, err := e.registry.Drop(name, false); err != nil {
		return err
	}

	e.walMu.Lock()
	if wal, ok := e.wals[name]; ok {
		wal.Close()
		delete(e.wals, name)
	}
	e.walMu.Unlock()
	os.Remove(e.walPath(name))
	delete(e.checkpointSeqs, name)

	if err := e.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint after drop: %w", err)
	}
	return nil
}

// countingJournal wraps a journal so checkpoint cadence can follow the
// operation count.
type countingJournal struct {
	inner collection.Journal
	e     *Engine
}

func (e *Engine) countingJournal(inner collection.Journal) collection.Journal {
	return &countingJournal{inner: inner, e: e}
}

func (j *countingJournal) LogInsert(ctx context.Context, vecs []collection.Vector) error {
	if err := j.inner.LogInsert(ctx, vecs); err != nil {
		return err
	}
	j.e.opsSinceCheck.Add(int64(len(vecs)))
	return nil
}

func (j *countingJournal) LogDelete(ctx context.Context, ids []string) error {
	if err := j.inner.LogDelete(ctx, ids); err != nil {
		return err
	}
	j.e.opsSinceCheck.Add(int64(len(ids)))
	return nil
}

// Checkpoint flushes every collection to the compact archive, snapshots
// the archive, then truncates the WALs. Truncation strictly follows the
// snapshot so a failure between the two never loses acknowledged writes.
func (e *Engine) Checkpoint(ctx context.Context) error {
	e.checkpointMu.Lock()
	defer e.checkpointMu.Unlock()

	cols := e.registry.All()
	archived := make([]persist.ArchiveCollection, 0, len(cols))
	seqs := make(map[string]uint64, len(cols))

	for _, c := range cols {
		st, err := c.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshotting %q: %w", c.Name(), err)
		}
		var seq uint64
		e.walMu.Lock()
		if wal, ok := e.wals[c.Name()]; ok {
			seq = wal.LastSeq()
		}
		e.walMu.Unlock()
		seqs[c.Name()] = seq
		archived = append(archived, persist.ArchiveCollection{State: st, CheckpointSeq: seq})
	}

	if err := persist.WriteArchive(e.archivePath(), archived, persist.ArchiveOptions{
		CompressionLevel: e.cfg.Storage.CompressionLevel,
	}); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	if _, err := e.snapshotter.Create(e.archivePath()); err != nil {
		e.logger.Warn("snapshot failed; wal kept until next checkpoint", zap.Error(err))
		return nil
	}

	e.walMu.Lock()
	for name, wal := range e.wals {
		if err := wal.Truncate(); err != nil {
			e.logger.Error("wal truncation failed", zap.String("collection", name), zap.Error(err))
		}
	}
	e.walMu.Unlock()

	for name, seq := range seqs {
		e.checkpointSeqs[name] = seq
	}
	e.opsSinceCheck.Store(0)
	e.logger.Info("checkpoint complete", zap.Int("collections", len(archived)))
	return nil
}

// Start launches the background loops: checkpoint cadence and, when
// workspace projects are configured, the watcher and indexer.
func (e *Engine) Start(ctx context.Context) error {
	ctx, e.cancel = context.WithCancel(ctx)

	if len(e.cfg.Workspace.Projects) > 0 {
		if err := e.startWorkspace(ctx); err != nil {
			return err
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.Storage.CheckpointInterval)
		defer ticker.Stop()
		poll := time.NewTicker(time.Second)
		defer poll.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-poll.C:
				if int(e.opsSinceCheck.Load()) < e.cfg.Storage.CheckpointOps {
					continue
				}
			}
			if err := e.Checkpoint(ctx); err != nil {
				e.logger.Error("background checkpoint failed", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops background work, takes a final checkpoint and releases the
// WALs. After a clean Close the archive plus empty WALs reconstruct the
// exact in-memory state.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		e.watcher.Close()
	}
	e.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.Checkpoint(ctx); err != nil {
		e.logger.Error("final checkpoint failed", zap.Error(err))
	}

	e.walMu.Lock()
	defer e.walMu.Unlock()
	var firstErr error
	for name, wal := range e.wals {
		if err := wal.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing wal %q: %w", name, err)
		}
	}
	e.wals = map[string]*persist.WAL{}
	return firstErr
}
