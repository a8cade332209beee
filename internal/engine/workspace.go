package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/collection"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
	"github.com/fyrsmithlabs/vectord/internal/workspace"
)

// startWorkspace materializes workspace collections and launches the
// watcher and the indexing actor.
//
// Startup per collection: if the archive restored it and the cache
// validates, the sync pass touches nothing; otherwise the per-file diff
// re-indexes exactly what changed.
func (e *Engine) startWorkspace(ctx context.Context) error {
	if e.provider == nil {
		return fmt.Errorf("%w: workspace projects configured without an embedding provider",
			vecerr.ErrInvalidParameter)
	}

	cacheDir := e.cfg.Workspace.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(e.cfg.Storage.Dir, "cache")
	}

	e.indexer = workspace.NewIndexer(e.cfg.Workspace, e.provider, nil, e.logger)

	for _, project := range e.cfg.Workspace.Projects {
		for _, cc := range project.Collections {
			coll, err := e.registry.Get(cc.Name)
			if err != nil {
				if !errors.Is(err, vecerr.ErrNotFound) {
					return err
				}
				coll, err = e.CreateCollection(ctx, collection.Config{
					Name:   cc.Name,
					Dim:    e.provider.Dimension(),
					Type:   collection.Workspace,
					Metric: "", // cosine default
				})
				if err != nil {
					return fmt.Errorf("creating workspace collection %q: %w", cc.Name, err)
				}
			}
			if !coll.ReadOnly() {
				return fmt.Errorf("%w: collection %q exists but is not a workspace collection",
					vecerr.ErrAlreadyExists, cc.Name)
			}

			matcher, err := workspace.NewMatcher(cc.Include, cc.Exclude)
			if err != nil {
				return fmt.Errorf("collection %q: %w", cc.Name, err)
			}
			cache, err := workspace.OpenCache(cacheDir, cc.Name)
			if err != nil {
				return fmt.Errorf("collection %q: %w", cc.Name, err)
			}

			e.indexer.AddBinding(&workspace.Binding{
				Project: project.Name,
				Root:    project.Root,
				Config:  cc,
				Matcher: matcher,
				Writer:  coll.NewWriter(),
				Cache:   cache,
			})
		}
	}

	// Reconcile before watching: after SyncAll each collection matches the
	// current file set exactly.
	if err := e.indexer.SyncAll(ctx); err != nil {
		return err
	}

	watcher, err := workspace.NewWatcher(e.cfg.Workspace.Debounce(), e.cfg.Workspace.MaxPendingEvents, e.logger)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	e.watcher = watcher
	for _, project := range e.cfg.Workspace.Projects {
		if err := watcher.WatchTree(project.Root); err != nil {
			watcher.Close()
			e.watcher = nil
			return fmt.Errorf("watching %q: %w", project.Root, err)
		}
	}

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		watcher.Run(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.indexer.Run(ctx, watcher.Events())
	}()

	e.logger.Info("workspace indexing started",
		zap.Int("projects", len(e.cfg.Workspace.Projects)),
		zap.Int("collections", len(e.indexer.Bindings())),
	)
	return nil
}
