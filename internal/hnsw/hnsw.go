// Package hnsw implements a Hierarchical Navigable Small World proximity
// graph for approximate nearest neighbor search (Malkov & Yashunin).
//
// The graph is an arena of nodes indexed by the owning collection's internal
// vector offsets. Nodes carry per-level adjacency lists of bounded size
// (M above level 0, 2M at level 0). Deletes are tombstones: the node stays
// navigable until the owner rebuilds the graph.
//
// Concurrency: searches run concurrently under a shared read lock. Single
// inserts and deletes are serialized by the owner; batch insert runs link
// updates in parallel under per-node locks ordered by offset.
package hnsw

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/fyrsmithlabs/vectord/internal/numeric"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

const (
	// DefaultM is the default per-level connection cap.
	DefaultM = 16
	// DefaultEfConstruction is the default build-time candidate list size.
	DefaultEfConstruction = 200
	// DefaultEfSearch is the default query-time candidate list size.
	DefaultEfSearch = 50
	// DefaultMaxLevel caps level sampling.
	DefaultMaxLevel = 16
)

// Config holds graph parameters. The zero value is completed by
// ApplyDefaults.
type Config struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	MaxLevel       int
	Metric         numeric.Metric

	// Seed makes level sampling reproducible when non-zero.
	Seed int64
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.M == 0 {
		c.M = DefaultM
	}
	if c.EfConstruction == 0 {
		c.EfConstruction = DefaultEfConstruction
	}
	if c.EfSearch == 0 {
		c.EfSearch = DefaultEfSearch
	}
	if c.MaxLevel == 0 {
		c.MaxLevel = DefaultMaxLevel
	}
	if c.Metric == "" {
		c.Metric = numeric.Cosine
	}
}

// Validate checks parameter ranges.
func (c *Config) Validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive", vecerr.ErrInvalidParameter)
	}
	if c.M < 2 || c.M > 256 {
		return fmt.Errorf("%w: M must be in [2, 256], got %d", vecerr.ErrInvalidParameter, c.M)
	}
	if c.EfConstruction < c.M {
		return fmt.Errorf("%w: ef_construction %d below M %d", vecerr.ErrInvalidParameter, c.EfConstruction, c.M)
	}
	if c.EfSearch <= 0 {
		return fmt.Errorf("%w: ef_search must be positive", vecerr.ErrInvalidParameter)
	}
	if c.MaxLevel <= 0 || c.MaxLevel > 64 {
		return fmt.Errorf("%w: max_level must be in [1, 64]", vecerr.ErrInvalidParameter)
	}
	if !c.Metric.Valid() {
		return fmt.Errorf("%w: unknown metric %q", vecerr.ErrInvalidParameter, c.Metric)
	}
	return nil
}

// VectorSource resolves internal offsets to full-precision vectors. The
// owning collection's vector table implements it.
type VectorSource interface {
	Vector(offset uint32) []float32
}

// DistanceToFunc computes the distance from the current query to the vector
// at offset. The owner chooses the estimator: exact kernel distance or a
// quantized asymmetric estimate.
type DistanceToFunc func(offset uint32) (float32, error)

// Candidate is a scored offset returned by Search.
type Candidate struct {
	Offset   uint32
	Distance float32
}

type node struct {
	mu    sync.Mutex
	level int
	// links[l] holds neighbor offsets at level l, capped at M (2M at level 0).
	links     [][]uint32
	tombstone bool
}

// Index is the layered proximity graph.
type Index struct {
	cfg  Config
	dist numeric.DistanceFunc
	mL   float64

	// mu guards the graph structure: arena growth, entry point, rebuild,
	// serialization. Searches hold it for read; structural writes hold it
	// for write.
	mu       sync.RWMutex
	nodes    []*node
	entry    uint32
	hasEntry bool
	maxLevel int
	live     int

	rngMu sync.Mutex
	rng   *rand.Rand

	source VectorSource
}

// New creates an empty index over the given vector source.
func New(cfg Config, source VectorSource) (*Index, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: vector source is required", vecerr.ErrInvalidParameter)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &Index{
		cfg:    cfg,
		dist:   mustDistance(cfg.Metric),
		mL:     1 / math.Log(float64(cfg.M)),
		rng:    rand.New(rand.NewSource(seed)),
		source: source,
	}, nil
}

func mustDistance(m numeric.Metric) numeric.DistanceFunc {
	fn, err := numeric.Distance(m)
	if err != nil {
		panic(err) // metric validated by Config.Validate
	}
	return fn
}

// Len returns the number of live (non-tombstoned) nodes.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.live
}

// NodeCount returns the total arena size including tombstones.
func (ix *Index) NodeCount() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.nodes)
}

// TombstoneRatio returns the fraction of arena nodes that are tombstoned.
func (ix *Index) TombstoneRatio() float64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if len(ix.nodes) == 0 {
		return 0
	}
	return float64(len(ix.nodes)-ix.live) / float64(len(ix.nodes))
}

// capAt returns the connection cap for a level.
func (ix *Index) capAt(level int) int {
	if level == 0 {
		return 2 * ix.cfg.M
	}
	return ix.cfg.M
}

// sampleLevel draws a level from the exponential distribution with
// parameter mL = 1/ln(M), capped at MaxLevel.
func (ix *Index) sampleLevel() int {
	ix.rngMu.Lock()
	defer ix.rngMu.Unlock()
	level := int(-math.Log(1-ix.rng.Float64()) * ix.mL)
	if level > ix.cfg.MaxLevel {
		level = ix.cfg.MaxLevel
	}
	return level
}

// distBetween computes the exact distance between two stored offsets.
func (ix *Index) distBetween(a, b uint32) (float32, error) {
	return ix.dist(ix.source.Vector(a), ix.source.Vector(b))
}

// distToVec computes the exact distance from vec to the stored offset.
func (ix *Index) distToVec(vec []float32, o uint32) (float32, error) {
	return ix.dist(vec, ix.source.Vector(o))
}

// neighbors returns a copy of the node's links at level l.
func (n *node) neighbors(l int) []uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if l >= len(n.links) {
		return nil
	}
	out := make([]uint32, len(n.links[l]))
	copy(out, n.links[l])
	return out
}
