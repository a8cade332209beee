package workspace

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// EventKind classifies a filesystem event.
type EventKind int

const (
	// EventCreated marks a new file.
	EventCreated EventKind = iota
	// EventModified marks changed content.
	EventModified
	// EventDeleted marks a removed file.
	EventDeleted
)

// Event is one debounced filesystem change.
type Event struct {
	Path string // absolute path
	Kind EventKind
}

// Watcher wraps fsnotify with recursive directory registration,
// deduplication and debouncing. Events land on a bounded channel; when the
// channel is full the watcher blocks, which stops it emitting until the
// consumer drains — that is the backpressure contract with the indexer.
type Watcher struct {
	fsw      *fsnotify.Watcher
	events   chan Event
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingEvent
	closed  bool
}

type pendingEvent struct {
	kind  EventKind
	timer *time.Timer
}

// NewWatcher creates a watcher with the given debounce window and queue
// bound.
func NewWatcher(debounce time.Duration, queueSize int, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		fsw:      fsw,
		events:   make(chan Event, queueSize),
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]*pendingEvent),
	}, nil
}

// Events is the debounced event stream.
func (w *Watcher) Events() <-chan Event { return w.events }

// WatchTree registers root and every directory beneath it.
func (w *Watcher) WatchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.fsw.Add(path)
		}
		return nil
	})
}

// Run pumps raw fsnotify events through dedup and debounce until the
// context ends.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleRaw(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleRaw folds a raw event into the pending set and (re)arms its
// debounce timer. Rapid edits collapse to one emitted event; a rename is
// surfaced as delete-of-old (fsnotify reports the new path as Create).
func (w *Watcher) handleRaw(ev fsnotify.Event) {
	var kind EventKind
	switch {
	case ev.Op.Has(fsnotify.Create):
		// New directories join the watch; files become events.
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.fsw.Add(ev.Name); err != nil {
				w.logger.Warn("watching new directory", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
		kind = EventCreated
	case ev.Op.Has(fsnotify.Write):
		kind = EventModified
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		kind = EventDeleted
	default:
		return // chmod etc.
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, ok := w.pending[ev.Name]; ok {
		// Deletion overrides modification; creation followed by write
		// stays creation.
		if kind == EventDeleted {
			p.kind = EventDeleted
		} else if p.kind == EventDeleted {
			p.kind = EventModified
		}
		p.timer.Reset(w.debounce)
		return
	}

	p := &pendingEvent{kind: kind}
	p.timer = time.AfterFunc(w.debounce, func() { w.emit(ev.Name) })
	w.pending[ev.Name] = p
}

func (w *Watcher) emit(path string) {
	w.mu.Lock()
	p, ok := w.pending[path]
	if ok {
		delete(w.pending, path)
	}
	closed := w.closed
	w.mu.Unlock()
	if !ok || closed {
		return
	}
	// Blocking send: full queue pauses emission (backpressure).
	w.events <- Event{Path: path, Kind: p.kind}
}

// Close stops the watcher and its event stream.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	for _, p := range w.pending {
		p.timer.Stop()
	}
	w.pending = map[string]*pendingEvent{}
	w.mu.Unlock()
	return w.fsw.Close()
}
