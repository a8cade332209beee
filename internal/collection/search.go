package collection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/hnsw"
	"github.com/fyrsmithlabs/vectord/internal/numeric"
	"github.com/fyrsmithlabs/vectord/internal/quant"
	"github.com/fyrsmithlabs/vectord/internal/sparse"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// filterOversample widens the candidate fetch when a post-retrieval filter
// is present, compensating for attrition.
const filterOversample = 4

// FusionKind selects how dense and sparse rankings are merged.
type FusionKind string

const (
	// FusionRRF is reciprocal-rank fusion with k=60.
	FusionRRF FusionKind = "rrf"
	// FusionLinear is alpha*dense + (1-alpha)*sparse over min-max
	// normalized scores.
	FusionLinear FusionKind = "linear"
)

// SearchOptions tunes one query.
type SearchOptions struct {
	// Filter restricts results by payload; evaluated post-retrieval.
	Filter *Filter

	// Ef widens the collection's ef_search for this query; values at or
	// below ef_search leave it unchanged.
	Ef int

	// RerankFactor requests exact-distance reranking of the top
	// RerankFactor*k quantized candidates. Zero means 3 when a quantizer
	// is active, no rerank otherwise.
	RerankFactor int

	// SparseQuery enables hybrid search when the collection carries a
	// sparse index.
	SparseQuery sparse.Vector

	// Fusion picks the hybrid merge strategy. Default FusionRRF.
	Fusion FusionKind

	// Alpha weighs the dense ranking under FusionLinear. Default 0.5.
	Alpha float64
}

// Result is one ranked hit.
type Result struct {
	ID      string
	Score   float32
	Payload map[string]any
}

// Search returns up to k live vectors ranked by ascending distance to the
// query. An empty collection returns an empty slice, not an error.
func (c *Collection) Search(ctx context.Context, query []float32, k int, opts SearchOptions) ([]Result, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", vecerr.ErrInvalidParameter)
	}
	if len(query) != c.cfg.Dim {
		return nil, fmt.Errorf("%w: got %d, want %d", vecerr.ErrDimensionMismatch, len(query), c.cfg.Dim)
	}

	start := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.entries)-c.tombs == 0 {
		return []Result{}, nil
	}

	fetch := k
	if opts.Filter != nil {
		fetch *= filterOversample
	}

	quantized := c.quantizer != nil && c.quantizer.Trained()
	rerank := 0
	if quantized {
		rerank = opts.RerankFactor
		if rerank == 0 {
			rerank = 3
		}
		if fetch < rerank*k {
			fetch = rerank * k
		}
	}

	distTo, err := c.distanceEstimator(query, quantized)
	if err != nil {
		return nil, err
	}

	cands, err := c.index.Search(ctx, distTo, fetch, opts.Ef)
	if err != nil {
		if errors.Is(err, vecerr.ErrEmptyIndex) {
			return []Result{}, nil
		}
		return nil, err
	}

	if quantized && rerank > 0 {
		if cands, err = c.rerankExact(query, cands); err != nil {
			return nil, err
		}
	}

	if opts.SparseQuery != nil && c.sparse != nil {
		cands = c.fuseSparse(cands, opts, fetch)
	}

	results := make([]Result, 0, k)
	for _, cand := range cands {
		e := c.entries[cand.Offset]
		if e.tombstone {
			continue
		}
		if opts.Filter != nil && !opts.Filter.Matches(e.payload) {
			continue
		}
		results = append(results, Result{ID: e.id, Score: cand.Distance, Payload: e.payload})
		if len(results) == k {
			break
		}
	}

	c.metrics.ObserveSearch(c.cfg.Name, len(results), time.Since(start))
	return results, nil
}

// distanceEstimator picks the exact kernel distance or the quantized
// asymmetric estimate. Offsets without a code fall back to exact distance;
// the training backfill encodes every arena offset, tombstones included.
func (c *Collection) distanceEstimator(query []float32, quantized bool) (hnsw.DistanceToFunc, error) {
	exact, err := c.exactDistance(query)
	if err != nil {
		return nil, err
	}
	if !quantized {
		return exact, nil
	}

	// PQ amortizes per-query work into a lookup table.
	if pq, ok := c.quantizer.(*quant.ProductQuantizer); ok {
		table, err := pq.DistanceTable(query)
		if err != nil {
			return nil, err
		}
		return func(o uint32) (float32, error) {
			code := c.codes[o]
			if code == nil {
				return exact(o)
			}
			return pq.EstimateDistanceWithTable(table, code)
		}, nil
	}

	return func(o uint32) (float32, error) {
		code := c.codes[o]
		if code == nil {
			return exact(o)
		}
		return c.quantizer.EstimateDistance(query, code)
	}, nil
}

// exactDistance returns the kernel distance to a stored offset.
func (c *Collection) exactDistance(query []float32) (hnsw.DistanceToFunc, error) {
	dist, err := c.distFunc()
	if err != nil {
		return nil, err
	}
	return func(o uint32) (float32, error) {
		return dist(query, c.entries[o].vec)
	}, nil
}

func (c *Collection) distFunc() (numeric.DistanceFunc, error) {
	return numeric.Distance(c.cfg.Metric)
}

// rerankExact recomputes exact distances for quantized candidates and
// re-sorts, ties by offset.
func (c *Collection) rerankExact(query []float32, cands []hnsw.Candidate) ([]hnsw.Candidate, error) {
	dist, err := c.distFunc()
	if err != nil {
		return nil, err
	}
	out := make([]hnsw.Candidate, len(cands))
	for i, cand := range cands {
		d, err := dist(query, c.entries[cand.Offset].vec)
		if err != nil {
			return nil, err
		}
		out[i] = hnsw.Candidate{Offset: cand.Offset, Distance: d}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Offset < out[j].Offset
	})
	return out, nil
}

// fuseSparse merges the dense candidates with a BM25 sparse ranking. Fused
// candidates keep a fusion score in Distance space: lower is better, so the
// fusion similarity is negated.
func (c *Collection) fuseSparse(dense []hnsw.Candidate, opts SearchOptions, fetch int) []hnsw.Candidate {
	sparseHits := c.sparse.Search(opts.SparseQuery, fetch)

	denseRanked := make([]sparse.Ranked, len(dense))
	for i, cand := range dense {
		denseRanked[i] = sparse.Ranked{Offset: cand.Offset, Score: cand.Distance}
	}
	sparseRanked := make([]sparse.Ranked, len(sparseHits))
	for i, h := range sparseHits {
		sparseRanked[i] = sparse.Ranked{Offset: h.Offset, Score: h.Score}
	}

	var fused []sparse.Scored
	switch opts.Fusion {
	case FusionLinear:
		alpha := opts.Alpha
		if alpha == 0 {
			alpha = 0.5
		}
		fused = sparse.FuseLinear(alpha, denseRanked, sparseRanked)
	default:
		fused = sparse.FuseRRF(sparse.RRFConstant, denseRanked, sparseRanked)
	}

	out := make([]hnsw.Candidate, len(fused))
	for i, f := range fused {
		out[i] = hnsw.Candidate{Offset: f.Offset, Distance: -f.Score}
	}
	return out
}
