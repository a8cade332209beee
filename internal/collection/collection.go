// Package collection implements the per-collection container: the vector
// payload table, the HNSW index, the optional sparse companion index, the
// quantization state and the lock discipline that keeps readers unblocked
// by short writes.
//
// A collection exclusively owns its table and indexes. Readers obtain a
// consistent view for the duration of one query via the collection's read
// lock; writers serialize on the write lock. Mutations on dynamic
// collections are journaled to the WAL before they become visible.
package collection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/hnsw"
	"github.com/fyrsmithlabs/vectord/internal/numeric"
	"github.com/fyrsmithlabs/vectord/internal/quant"
	"github.com/fyrsmithlabs/vectord/internal/sparse"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

const (
	// quantTrainThreshold is the live-vector count at which a configured
	// quantizer is trained and codes are backfilled.
	quantTrainThreshold = 256

	// compactionThreshold is the tombstone fraction that triggers a graph
	// rebuild on the next insert; deletes do not check it.
	compactionThreshold = 0.2
)

// Type distinguishes workspace-derived read-only collections from dynamic
// read-write ones.
type Type string

const (
	// Dynamic collections are mutable via the public API and durable via
	// WAL + checkpoint.
	Dynamic Type = "dynamic"
	// Workspace collections are derived from filesystem sources and
	// read-only via the public API.
	Workspace Type = "workspace"
)

// Config is the immutable per-collection configuration.
type Config struct {
	Name           string            `json:"name" koanf:"name"`
	Dim            int               `json:"dim" koanf:"dim"`
	Metric         numeric.Metric    `json:"metric" koanf:"metric"`
	M              int               `json:"m,omitempty" koanf:"m"`
	EfConstruction int               `json:"ef_construction,omitempty" koanf:"ef_construction"`
	EfSearch       int               `json:"ef_search,omitempty" koanf:"ef_search"`
	MaxLevel       int               `json:"max_level,omitempty" koanf:"max_level"`
	Quantization   quant.Descriptor  `json:"quantization,omitempty" koanf:"quantization"`
	Type           Type              `json:"type" koanf:"type"`
	Sparse         bool              `json:"sparse,omitempty" koanf:"sparse"`

	// Seed makes HNSW level sampling reproducible when non-zero.
	Seed int64 `json:"seed,omitempty" koanf:"seed"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Metric == "" {
		c.Metric = numeric.Cosine
	}
	if c.M == 0 {
		c.M = hnsw.DefaultM
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = hnsw.DefaultEfConstruction
	}
	if c.EfSearch == 0 {
		c.EfSearch = hnsw.DefaultEfSearch
	}
	if c.MaxLevel == 0 {
		c.MaxLevel = hnsw.DefaultMaxLevel
	}
	if c.Type == "" {
		c.Type = Dynamic
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: collection name required", vecerr.ErrInvalidParameter)
	}
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive", vecerr.ErrInvalidParameter)
	}
	if !c.Metric.Valid() {
		return fmt.Errorf("%w: unknown metric %q", vecerr.ErrInvalidParameter, c.Metric)
	}
	if c.Type != Dynamic && c.Type != Workspace {
		return fmt.Errorf("%w: unknown collection type %q", vecerr.ErrInvalidParameter, c.Type)
	}
	return c.Quantization.Validate(c.Dim)
}

// Vector is one stored vector with its identity and payload.
type Vector struct {
	// ID is unique within the collection. Empty IDs are assigned a UUID.
	ID string

	// Values is the full-precision vector of the collection's dimension.
	Values []float32

	// Payload maps string keys to arbitrary JSON-compatible values.
	Payload map[string]any

	// Sparse is the optional sparse companion vector for hybrid search.
	Sparse sparse.Vector
}

// Journal receives mutations before they become visible to readers. The
// persistence layer's WAL implements it for dynamic collections; workspace
// collections run without one.
type Journal interface {
	LogInsert(ctx context.Context, vecs []Vector) error
	LogDelete(ctx context.Context, ids []string) error
}

// entry is one row of the vector table. The table is append-only; deletes
// tombstone in place and compaction rewrites the table preserving order.
type entry struct {
	id        string
	vec       []float32
	payload   map[string]any
	sparseVec sparse.Vector
	tombstone bool
}

// Collection owns one collection's state.
type Collection struct {
	cfg Config

	mu      sync.RWMutex
	entries []entry
	offsets map[string]uint32 // live id -> offset
	index   *hnsw.Index
	sparse  *sparse.Index
	tombs   int

	quantizer quant.Quantizer
	codes     [][]byte // aligned with entries once the quantizer is trained

	journal   Journal
	replaying bool

	createdAt time.Time
	updatedAt time.Time

	logger  *zap.Logger
	metrics *Metrics
}

// Option configures a Collection at construction.
type Option func(*Collection)

// WithJournal attaches the write-ahead journal.
func WithJournal(j Journal) Option {
	return func(c *Collection) { c.journal = j }
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *Collection) { c.metrics = m }
}

// New creates an empty collection.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Collection, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Collection{
		cfg:       cfg,
		offsets:   make(map[string]uint32),
		createdAt: time.Now(),
		updatedAt: time.Now(),
		logger:    logger.With(zap.String("collection", cfg.Name)),
	}
	for _, opt := range opts {
		opt(c)
	}

	ix, err := hnsw.New(hnsw.Config{
		Dim:            cfg.Dim,
		M:              cfg.M,
		EfConstruction: cfg.EfConstruction,
		EfSearch:       cfg.EfSearch,
		MaxLevel:       cfg.MaxLevel,
		Metric:         cfg.Metric,
		Seed:           cfg.Seed,
	}, (*tableSource)(c))
	if err != nil {
		return nil, fmt.Errorf("creating index: %w", err)
	}
	c.index = ix

	if cfg.Quantization.Enabled() {
		q, err := quant.New(cfg.Quantization, cfg.Dim, cfg.Metric)
		if err != nil {
			return nil, fmt.Errorf("creating quantizer: %w", err)
		}
		c.quantizer = q
	}
	if cfg.Sparse {
		c.sparse = sparse.NewIndex()
	}

	c.logger.Info("collection created",
		zap.Int("dim", cfg.Dim),
		zap.String("metric", string(cfg.Metric)),
		zap.String("type", string(cfg.Type)),
		zap.String("quantization", string(cfg.Quantization.Kind)),
	)
	return c, nil
}

// tableSource adapts the vector table to hnsw.VectorSource.
type tableSource Collection

func (s *tableSource) Vector(o uint32) []float32 { return s.entries[o].vec }

// Config returns the immutable configuration.
func (c *Collection) Config() Config { return c.cfg }

// Name returns the collection name.
func (c *Collection) Name() string { return c.cfg.Name }

// ReadOnly reports whether public mutations are rejected.
func (c *Collection) ReadOnly() bool { return c.cfg.Type == Workspace }

// Count returns the number of live vectors.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries) - c.tombs
}

// Insert adds or overwrites one vector. Overwriting an existing id
// tombstones the old offset and appends a new one.
func (c *Collection) Insert(ctx context.Context, vec Vector) error {
	if c.ReadOnly() {
		return fmt.Errorf("%w: %s", vecerr.ErrReadOnly, c.cfg.Name)
	}
	return c.insert(ctx, vec)
}

// InsertBatch adds or overwrites many vectors, amortizing quantization and
// running graph updates in parallel where per-node locks allow.
func (c *Collection) InsertBatch(ctx context.Context, vecs []Vector) error {
	if c.ReadOnly() {
		return fmt.Errorf("%w: %s", vecerr.ErrReadOnly, c.cfg.Name)
	}
	return c.insertBatch(ctx, vecs)
}

// Update replaces a vector's values and payload, atomically with respect to
// concurrent searches. The id must exist.
func (c *Collection) Update(ctx context.Context, id string, values []float32, payload map[string]any) error {
	if c.ReadOnly() {
		return fmt.Errorf("%w: %s", vecerr.ErrReadOnly, c.cfg.Name)
	}

	c.mu.RLock()
	_, exists := c.offsets[id]
	c.mu.RUnlock()
	if !exists {
		return fmt.Errorf("%w: vector %q", vecerr.ErrNotFound, id)
	}
	return c.insert(ctx, Vector{ID: id, Values: values, Payload: payload})
}

// Delete tombstones a vector by id.
func (c *Collection) Delete(ctx context.Context, id string) error {
	if c.ReadOnly() {
		return fmt.Errorf("%w: %s", vecerr.ErrReadOnly, c.cfg.Name)
	}
	return c.delete(ctx, []string{id})
}

// DeleteBatch tombstones many vectors. Missing ids fail the whole batch
// before any mutation.
func (c *Collection) DeleteBatch(ctx context.Context, ids []string) error {
	if c.ReadOnly() {
		return fmt.Errorf("%w: %s", vecerr.ErrReadOnly, c.cfg.Name)
	}
	return c.delete(ctx, ids)
}

// Get returns the payload and a copy of the full-precision vector for id.
func (c *Collection) Get(ctx context.Context, id string) (*Vector, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	o, ok := c.offsets[id]
	if !ok {
		return nil, fmt.Errorf("%w: vector %q", vecerr.ErrNotFound, id)
	}
	e := c.entries[o]
	vec := make([]float32, len(e.vec))
	copy(vec, e.vec)
	return &Vector{ID: e.id, Values: vec, Payload: e.payload, Sparse: e.sparseVec}, nil
}

// insert is the journal-then-apply write path shared by the public API and
// the workspace writer capability.
func (c *Collection) insert(ctx context.Context, vec Vector) error {
	return c.insertBatch(ctx, []Vector{vec})
}

func (c *Collection) insertBatch(ctx context.Context, vecs []Vector) error {
	if len(vecs) == 0 {
		return nil
	}
	for i := range vecs {
		if err := c.validateVector(&vecs[i]); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.maybeCompactLocked(ctx); err != nil {
		return err
	}

	// Journal before visibility: a crash after this point replays the
	// mutation, a crash before it loses an unacknowledged write.
	if c.journal != nil && !c.replaying {
		if err := c.journal.LogInsert(ctx, vecs); err != nil {
			return fmt.Errorf("journaling insert: %w", err)
		}
	}

	start := time.Now()
	firstOffset := uint32(len(c.entries))
	dense := make([][]float32, 0, len(vecs))
	for i := range vecs {
		v := &vecs[i]
		if old, exists := c.offsets[v.ID]; exists {
			c.tombstoneLocked(old)
		}
		e := entry{id: v.ID, vec: v.Values, payload: v.Payload, sparseVec: v.Sparse}
		c.entries = append(c.entries, e)
		c.offsets[v.ID] = firstOffset + uint32(len(dense))
		dense = append(dense, v.Values)

		if c.quantizer != nil && c.quantizer.Trained() {
			code, err := c.quantizer.Encode(v.Values)
			if err != nil {
				return fmt.Errorf("encoding vector %q: %w", v.ID, err)
			}
			c.codes = append(c.codes, code)
		}
		if c.sparse != nil && v.Sparse != nil {
			c.sparse.Add(c.offsets[v.ID], v.Sparse)
		}
	}

	if len(dense) == 1 {
		if err := c.index.Insert(ctx, firstOffset, dense[0]); err != nil {
			return fmt.Errorf("indexing vector: %w", err)
		}
	} else {
		if err := c.index.InsertBatch(ctx, firstOffset, dense); err != nil {
			return fmt.Errorf("indexing batch: %w", err)
		}
	}

	if err := c.maybeTrainQuantizerLocked(ctx); err != nil {
		return err
	}

	c.updatedAt = time.Now()
	c.metrics.ObserveInsert(c.cfg.Name, len(vecs), time.Since(start))
	return nil
}

// validateVector checks dimension and metric constraints and assigns an id
// when the caller supplied none.
func (c *Collection) validateVector(v *Vector) error {
	if len(v.Values) == 0 {
		return fmt.Errorf("%w: zero-length vector", vecerr.ErrInvalidParameter)
	}
	if len(v.Values) != c.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", vecerr.ErrDimensionMismatch, len(v.Values), c.cfg.Dim)
	}
	if c.cfg.Metric == numeric.Cosine && numeric.IsZero(v.Values) {
		return vecerr.ErrZeroVector
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	return nil
}

func (c *Collection) delete(ctx context.Context, ids []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range ids {
		if _, ok := c.offsets[id]; !ok {
			return fmt.Errorf("%w: vector %q", vecerr.ErrNotFound, id)
		}
	}

	if c.journal != nil && !c.replaying {
		if err := c.journal.LogDelete(ctx, ids); err != nil {
			return fmt.Errorf("journaling delete: %w", err)
		}
	}

	for _, id := range ids {
		c.tombstoneLocked(c.offsets[id])
	}
	c.updatedAt = time.Now()
	c.metrics.ObserveDelete(c.cfg.Name, len(ids))
	return nil
}

// tombstoneLocked marks an offset dead in the table, graph and sparse index.
func (c *Collection) tombstoneLocked(o uint32) {
	e := &c.entries[o]
	if e.tombstone {
		return
	}
	e.tombstone = true
	c.tombs++
	delete(c.offsets, e.id)
	if err := c.index.Delete(o); err != nil {
		// The graph and table agree by construction; disagreement is a bug
		// worth hearing about but not worth failing the write.
		c.logger.Warn("graph delete mismatch", zap.Uint32("offset", o), zap.Error(err))
	}
	if c.sparse != nil {
		c.sparse.Remove(o)
	}
}

// maybeTrainQuantizerLocked trains a configured quantizer once enough live
// vectors accumulated and backfills codes for the existing table.
func (c *Collection) maybeTrainQuantizerLocked(ctx context.Context) error {
	if c.quantizer == nil || c.quantizer.Trained() {
		return nil
	}
	live := len(c.entries) - c.tombs
	if live < quantTrainThreshold {
		return nil
	}

	samples := make([][]float32, 0, live)
	for _, e := range c.entries {
		if !e.tombstone {
			samples = append(samples, e.vec)
		}
	}
	if err := c.quantizer.Train(ctx, samples); err != nil {
		return fmt.Errorf("training quantizer: %w", err)
	}

	// Tombstoned entries get codes too: the graph still traverses them, so
	// the estimator must be able to score every arena offset.
	c.codes = make([][]byte, len(c.entries))
	for i, e := range c.entries {
		code, err := c.quantizer.Encode(e.vec)
		if err != nil {
			return fmt.Errorf("backfilling code for %q: %w", e.id, err)
		}
		c.codes[i] = code
	}
	c.logger.Info("quantizer trained",
		zap.Int("samples", len(samples)),
		zap.Int("code_bytes", c.quantizer.CodeSize()),
	)
	return nil
}

// maybeCompactLocked rebuilds the table and graph when the tombstone
// fraction exceeds the threshold.
func (c *Collection) maybeCompactLocked(ctx context.Context) error {
	if len(c.entries) == 0 || float64(c.tombs)/float64(len(c.entries)) <= compactionThreshold {
		return nil
	}
	return c.compactLocked(ctx)
}

// compactLocked rewrites the table without tombstones, preserving insertion
// order, and rebuilds the graph from it. HNSW is order-sensitive; the
// rebuild must see vectors in their original order.
func (c *Collection) compactLocked(ctx context.Context) error {
	if c.tombs == 0 {
		return nil
	}
	start := time.Now()

	kept := make([]entry, 0, len(c.entries)-c.tombs)
	remap := make(map[uint32]uint32, len(c.entries)-c.tombs)
	for o, e := range c.entries {
		if e.tombstone {
			continue
		}
		remap[uint32(o)] = uint32(len(kept))
		kept = append(kept, e)
	}

	c.entries = kept
	c.offsets = make(map[string]uint32, len(kept))
	for o, e := range kept {
		c.offsets[e.id] = uint32(o)
	}

	fresh, err := c.index.Rebuild(ctx, (*tableSource)(c), len(kept))
	if err != nil {
		return fmt.Errorf("rebuilding index: %w", err)
	}
	c.index = fresh

	if c.quantizer != nil && c.quantizer.Trained() {
		codes := make([][]byte, len(kept))
		for i, e := range kept {
			code, err := c.quantizer.Encode(e.vec)
			if err != nil {
				return fmt.Errorf("re-encoding %q: %w", e.id, err)
			}
			codes[i] = code
		}
		c.codes = codes
	} else {
		c.codes = nil
	}

	if c.sparse != nil {
		c.sparse.Compact(remap)
	}

	removed := c.tombs
	c.tombs = 0
	c.logger.Info("collection compacted",
		zap.Int("removed", removed),
		zap.Int("live", len(kept)),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
