package hnsw

import (
	"context"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vectord/internal/numeric"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// sliceSource backs the index with a plain slice for tests.
type sliceSource struct {
	vecs [][]float32
}

func (s *sliceSource) Vector(o uint32) []float32 { return s.vecs[o] }

func newTestIndex(t *testing.T, dim int, metric numeric.Metric) (*Index, *sliceSource) {
	t.Helper()
	src := &sliceSource{}
	ix, err := New(Config{Dim: dim, Metric: metric, Seed: 42}, src)
	require.NoError(t, err)
	return ix, src
}

func insertAll(t *testing.T, ix *Index, src *sliceSource, vecs [][]float32) {
	t.Helper()
	ctx := context.Background()
	for _, v := range vecs {
		o := uint32(len(src.vecs))
		src.vecs = append(src.vecs, v)
		require.NoError(t, ix.Insert(ctx, o, v))
	}
}

func seededVectors(seed int64, n, dim int) [][]float32 {
	r := rand.New(rand.NewSource(seed))
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(r.NormFloat64())
		}
		out[i] = v
	}
	return out
}

// bruteForce returns the exact k nearest offsets, ties by offset.
func bruteForce(t *testing.T, vecs [][]float32, query []float32, k int, metric numeric.Metric, skip map[uint32]bool) []uint32 {
	t.Helper()
	dist, err := numeric.Distance(metric)
	require.NoError(t, err)

	type scored struct {
		o uint32
		d float32
	}
	all := make([]scored, 0, len(vecs))
	for i, v := range vecs {
		if skip[uint32(i)] {
			continue
		}
		d, err := dist(query, v)
		require.NoError(t, err)
		all = append(all, scored{uint32(i), d})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].o < all[j].o
	})
	if k > len(all) {
		k = len(all)
	}
	out := make([]uint32, k)
	for i := range out {
		out[i] = all[i].o
	}
	return out
}

func TestEmptyIndexSearch(t *testing.T) {
	ix, _ := newTestIndex(t, 4, numeric.Euclidean)
	_, err := ix.Search(context.Background(), ix.exactDistTo([]float32{0, 0, 0, 0}), 5, 0)
	assert.ErrorIs(t, err, vecerr.ErrEmptyIndex)
}

func TestInsertAndExactTopOne(t *testing.T) {
	ix, src := newTestIndex(t, 16, numeric.Euclidean)
	vecs := seededVectors(1, 200, 16)
	insertAll(t, ix, src, vecs)
	assert.Equal(t, 200, ix.Len())

	// Every inserted vector is its own top-1.
	ctx := context.Background()
	for i := 0; i < 200; i += 17 {
		res, err := ix.Search(ctx, ix.exactDistTo(vecs[i]), 1, 0)
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, uint32(i), res[0].Offset)
		assert.InDelta(t, 0, res[0].Distance, 1e-5)
	}
}

func TestRecallAgainstBruteForce(t *testing.T) {
	const (
		n   = 1000
		dim = 32
		k   = 10
	)
	ix, src := newTestIndex(t, dim, numeric.Euclidean)
	vecs := seededVectors(2, n, dim)
	insertAll(t, ix, src, vecs)

	ctx := context.Background()
	queries := seededVectors(3, 50, dim)
	var hits, total int
	for _, q := range queries {
		truth := bruteForce(t, vecs, q, k, numeric.Euclidean, nil)
		res, err := ix.Search(ctx, ix.exactDistTo(q), k, 100)
		require.NoError(t, err)

		got := map[uint32]bool{}
		for _, c := range res {
			got[c.Offset] = true
		}
		for _, o := range truth {
			total++
			if got[o] {
				hits++
			}
		}
	}
	recall := float64(hits) / float64(total)
	assert.GreaterOrEqual(t, recall, 0.9, "recall@%d = %.3f", k, recall)
}

func TestDeleteTombstonesExcludedFromResults(t *testing.T) {
	ix, src := newTestIndex(t, 8, numeric.Euclidean)
	vecs := seededVectors(4, 100, 8)
	insertAll(t, ix, src, vecs)

	ctx := context.Background()
	require.NoError(t, ix.Delete(7))
	require.NoError(t, ix.Delete(13))
	assert.Equal(t, 98, ix.Len())

	// Deleting again reports NotFound.
	assert.ErrorIs(t, ix.Delete(7), vecerr.ErrNotFound)

	for _, q := range vecs[:20] {
		res, err := ix.Search(ctx, ix.exactDistTo(q), 20, 60)
		require.NoError(t, err)
		for _, c := range res {
			assert.NotEqual(t, uint32(7), c.Offset)
			assert.NotEqual(t, uint32(13), c.Offset)
		}
	}

	assert.InDelta(t, 0.02, ix.TombstoneRatio(), 1e-9)
}

func TestSearchDeterministicTieOrder(t *testing.T) {
	ix, src := newTestIndex(t, 2, numeric.Euclidean)
	// Four points equidistant from the origin query.
	vecs := [][]float32{{1, 0}, {0, 1}, {-1, 0}, {0, -1}}
	insertAll(t, ix, src, vecs)

	ctx := context.Background()
	first, err := ix.Search(ctx, ix.exactDistTo([]float32{0, 0}), 4, 10)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		res, err := ix.Search(ctx, ix.exactDistTo([]float32{0, 0}), 4, 10)
		require.NoError(t, err)
		assert.Equal(t, first, res)
	}
	// Equal distances surface in ascending offset order.
	for i := 1; i < len(first); i++ {
		if first[i].Distance == first[i-1].Distance {
			assert.Greater(t, first[i].Offset, first[i-1].Offset)
		}
	}
}

func TestKLargerThanIndex(t *testing.T) {
	ix, src := newTestIndex(t, 4, numeric.Euclidean)
	vecs := seededVectors(5, 3, 4)
	insertAll(t, ix, src, vecs)

	res, err := ix.Search(context.Background(), ix.exactDistTo(vecs[0]), 10, 0)
	require.NoError(t, err)
	assert.Len(t, res, 3)
}

func TestInsertBatchMatchesSequentialSet(t *testing.T) {
	const dim = 16
	vecs := seededVectors(6, 300, dim)

	ix, src := newTestIndex(t, dim, numeric.Euclidean)
	src.vecs = vecs
	require.NoError(t, ix.InsertBatch(context.Background(), 0, vecs))
	assert.Equal(t, 300, ix.Len())

	// The batch-built graph reaches the same neighbors as brute force.
	ctx := context.Background()
	var hits, total int
	for _, q := range seededVectors(7, 20, dim) {
		truth := bruteForce(t, vecs, q, 10, numeric.Euclidean, nil)
		res, err := ix.Search(ctx, ix.exactDistTo(q), 10, 100)
		require.NoError(t, err)
		got := map[uint32]bool{}
		for _, c := range res {
			got[c.Offset] = true
		}
		for _, o := range truth {
			total++
			if got[o] {
				hits++
			}
		}
	}
	assert.GreaterOrEqual(t, float64(hits)/float64(total), 0.85)
}

func TestMarshalRoundTrip(t *testing.T) {
	const dim = 8
	ix, src := newTestIndex(t, dim, numeric.Cosine)
	vecs := seededVectors(8, 120, dim)
	insertAll(t, ix, src, vecs)
	require.NoError(t, ix.Delete(5))

	data, err := ix.Marshal()
	require.NoError(t, err)

	restored, err := New(Config{Dim: dim, Metric: numeric.Cosine, Seed: 42}, src)
	require.NoError(t, err)
	require.NoError(t, restored.Unmarshal(data))

	assert.Equal(t, ix.Len(), restored.Len())
	assert.Equal(t, ix.NodeCount(), restored.NodeCount())

	ctx := context.Background()
	for _, q := range vecs[:10] {
		a, err := ix.Search(ctx, ix.exactDistTo(q), 5, 30)
		require.NoError(t, err)
		b, err := restored.Search(ctx, restored.exactDistTo(q), 5, 30)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	ix, _ := newTestIndex(t, 8, numeric.Euclidean)
	err := ix.Unmarshal([]byte{1, 2, 3})
	assert.ErrorIs(t, err, vecerr.ErrCorruptedArchive)
}

func TestRebuildDropsTombstones(t *testing.T) {
	const dim = 8
	ix, src := newTestIndex(t, dim, numeric.Euclidean)
	vecs := seededVectors(9, 50, dim)
	insertAll(t, ix, src, vecs)

	require.NoError(t, ix.Delete(10))
	require.NoError(t, ix.Delete(20))

	// Compact: live vectors in insertion order, new dense offsets.
	liveVecs := make([][]float32, 0, 48)
	for i, v := range vecs {
		if i == 10 || i == 20 {
			continue
		}
		liveVecs = append(liveVecs, v)
	}
	fresh, err := ix.Rebuild(context.Background(), &sliceSource{vecs: liveVecs}, len(liveVecs))
	require.NoError(t, err)

	assert.Equal(t, 48, fresh.Len())
	assert.Equal(t, 48, fresh.NodeCount())
	assert.Zero(t, fresh.TombstoneRatio())

	res, err := fresh.Search(context.Background(), fresh.exactDistTo(liveVecs[0]), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), res[0].Offset)
}

func TestConcurrentSearches(t *testing.T) {
	const dim = 16
	ix, src := newTestIndex(t, dim, numeric.Euclidean)
	vecs := seededVectors(10, 500, dim)
	insertAll(t, ix, src, vecs)

	ctx := context.Background()
	done := make(chan error, 8)
	for w := 0; w < 8; w++ {
		go func(seed int64) {
			for _, q := range seededVectors(seed, 20, dim) {
				if _, err := ix.Search(ctx, ix.exactDistTo(q), 10, 50); err != nil {
					done <- err
					return
				}
			}
			done <- nil
		}(int64(100 + w))
	}
	for w := 0; w < 8; w++ {
		require.NoError(t, <-done)
	}
}

func TestInvalidConfig(t *testing.T) {
	src := &sliceSource{}
	_, err := New(Config{Dim: 0}, src)
	assert.ErrorIs(t, err, vecerr.ErrInvalidParameter)

	_, err = New(Config{Dim: 8, M: 1}, src)
	assert.ErrorIs(t, err, vecerr.ErrInvalidParameter)

	_, err = New(Config{Dim: 8, EfConstruction: 4}, src)
	assert.ErrorIs(t, err, vecerr.ErrInvalidParameter)
}
