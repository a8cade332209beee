package collection

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/numeric"
	"github.com/fyrsmithlabs/vectord/internal/quant"
	"github.com/fyrsmithlabs/vectord/internal/sparse"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

func newTestCollection(t *testing.T, cfg Config, opts ...Option) *Collection {
	t.Helper()
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	c, err := New(cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return c
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

func TestBasicCosineScenario(t *testing.T) {
	// Collection "A": dimension 3, cosine. Three vectors u, v, w; query
	// [1,0,0] with k=2 returns u at ~0.0 then w at ~0.293.
	c := newTestCollection(t, Config{Name: "A", Dim: 3, Metric: numeric.Cosine})
	ctx := context.Background()

	s := float32(1 / math.Sqrt2)
	require.NoError(t, c.Insert(ctx, Vector{ID: "u", Values: []float32{1, 0, 0}}))
	require.NoError(t, c.Insert(ctx, Vector{ID: "v", Values: []float32{0, 1, 0}}))
	require.NoError(t, c.Insert(ctx, Vector{ID: "w", Values: []float32{s, s, 0}}))

	res, err := c.Search(ctx, []float32{1, 0, 0}, 2, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "u", res[0].ID)
	assert.InDelta(t, 0.0, res[0].Score, 1e-5)
	assert.Equal(t, "w", res[1].ID)
	assert.InDelta(t, 0.293, res[1].Score, 1e-3)
}

func TestCountTracksInsertsAndDeletes(t *testing.T) {
	c := newTestCollection(t, Config{Name: "counts", Dim: 4, Metric: numeric.Euclidean})
	ctx := context.Background()

	vecs := seededVectors(1, 20, 4)
	for i, v := range vecs {
		require.NoError(t, c.Insert(ctx, Vector{ID: fmt.Sprintf("v%d", i), Values: v}))
	}
	assert.Equal(t, 20, c.Count())

	require.NoError(t, c.Delete(ctx, "v3"))
	require.NoError(t, c.Delete(ctx, "v7"))
	assert.Equal(t, 18, c.Count())

	// Overwriting an id keeps the count stable.
	require.NoError(t, c.Insert(ctx, Vector{ID: "v0", Values: vecs[1]}))
	assert.Equal(t, 18, c.Count())
}

func TestDeleteNonExistentReturnsNotFound(t *testing.T) {
	c := newTestCollection(t, Config{Name: "nf", Dim: 4, Metric: numeric.Euclidean})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, Vector{ID: "a", Values: []float32{1, 0, 0, 0}}))
	before := c.Count()

	err := c.Delete(ctx, "missing")
	assert.ErrorIs(t, err, vecerr.ErrNotFound)
	assert.Equal(t, before, c.Count(), "failed delete must not mutate state")
}

func TestValidationRejections(t *testing.T) {
	c := newTestCollection(t, Config{Name: "val", Dim: 4, Metric: numeric.Cosine})
	ctx := context.Background()

	err := c.Insert(ctx, Vector{ID: "empty", Values: nil})
	assert.ErrorIs(t, err, vecerr.ErrInvalidParameter)

	err = c.Insert(ctx, Vector{ID: "short", Values: []float32{1, 2}})
	assert.ErrorIs(t, err, vecerr.ErrDimensionMismatch)

	err = c.Insert(ctx, Vector{ID: "zero", Values: []float32{0, 0, 0, 0}})
	assert.ErrorIs(t, err, vecerr.ErrZeroVector)

	_, err = c.Search(ctx, []float32{1}, 5, SearchOptions{})
	assert.ErrorIs(t, err, vecerr.ErrDimensionMismatch)
}

func TestEmptyCollectionSearch(t *testing.T) {
	c := newTestCollection(t, Config{Name: "empty", Dim: 4, Metric: numeric.Euclidean})
	res, err := c.Search(context.Background(), []float32{1, 2, 3, 4}, 5, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestKLargerThanCollection(t *testing.T) {
	c := newTestCollection(t, Config{Name: "small", Dim: 4, Metric: numeric.Euclidean})
	ctx := context.Background()
	for i, v := range seededVectors(2, 3, 4) {
		require.NoError(t, c.Insert(ctx, Vector{ID: fmt.Sprintf("v%d", i), Values: v}))
	}
	res, err := c.Search(ctx, []float32{0, 0, 0, 0}, 10, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, res, 3)
}

func TestBoundaryDimensions(t *testing.T) {
	for _, dim := range []int{1, 4096} {
		t.Run(fmt.Sprintf("dim%d", dim), func(t *testing.T) {
			c := newTestCollection(t, Config{Name: "dims", Dim: dim, Metric: numeric.Euclidean})
			ctx := context.Background()
			vecs := seededVectors(3, 5, dim)
			for i, v := range vecs {
				require.NoError(t, c.Insert(ctx, Vector{ID: fmt.Sprintf("v%d", i), Values: v}))
			}
			res, err := c.Search(ctx, vecs[2], 1, SearchOptions{})
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, "v2", res[0].ID)
		})
	}
}

func TestSearchNeverReturnsDeleted(t *testing.T) {
	c := newTestCollection(t, Config{Name: "tombs", Dim: 8, Metric: numeric.Euclidean})
	ctx := context.Background()

	vecs := seededVectors(4, 50, 8)
	for i, v := range vecs {
		require.NoError(t, c.Insert(ctx, Vector{ID: fmt.Sprintf("v%d", i), Values: v}))
	}
	require.NoError(t, c.DeleteBatch(ctx, []string{"v1", "v2", "v3"}))

	for _, q := range vecs[:10] {
		res, err := c.Search(ctx, q, 20, SearchOptions{})
		require.NoError(t, err)
		for _, r := range res {
			assert.NotContains(t, []string{"v1", "v2", "v3"}, r.ID)
		}
	}
}

func TestInsertedVectorIsTopResult(t *testing.T) {
	c := newTestCollection(t, Config{Name: "top1", Dim: 16, Metric: numeric.Euclidean})
	ctx := context.Background()

	vecs := seededVectors(5, 100, 16)
	for i, v := range vecs {
		require.NoError(t, c.Insert(ctx, Vector{ID: fmt.Sprintf("v%d", i), Values: v}))
	}
	for i := 0; i < 100; i += 11 {
		res, err := c.Search(ctx, vecs[i], 1, SearchOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, fmt.Sprintf("v%d", i), res[0].ID)
		assert.InDelta(t, 0, res[0].Score, 1e-5)
	}
}

func TestUpdateReplacesVector(t *testing.T) {
	c := newTestCollection(t, Config{Name: "upd", Dim: 4, Metric: numeric.Euclidean})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, Vector{ID: "a", Values: []float32{1, 0, 0, 0}, Payload: map[string]any{"rev": 1}}))
	require.NoError(t, c.Update(ctx, "a", []float32{0, 1, 0, 0}, map[string]any{"rev": 2}))

	got, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0, 0}, got.Values)
	assert.Equal(t, map[string]any{"rev": 2}, got.Payload)

	assert.ErrorIs(t, c.Update(ctx, "ghost", []float32{1, 1, 1, 1}, nil), vecerr.ErrNotFound)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	c := newTestCollection(t, Config{Name: "get", Dim: 4, Metric: numeric.Euclidean})
	_, err := c.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, vecerr.ErrNotFound)
}

func TestReadOnlyCollectionRejectsPublicWrites(t *testing.T) {
	c := newTestCollection(t, Config{Name: "ws", Dim: 4, Metric: numeric.Euclidean, Type: Workspace})
	ctx := context.Background()
	v := Vector{ID: "a", Values: []float32{1, 2, 3, 4}}

	assert.ErrorIs(t, c.Insert(ctx, v), vecerr.ErrReadOnly)
	assert.ErrorIs(t, c.InsertBatch(ctx, []Vector{v}), vecerr.ErrReadOnly)
	assert.ErrorIs(t, c.Delete(ctx, "a"), vecerr.ErrReadOnly)
	assert.ErrorIs(t, c.Update(ctx, "a", v.Values, nil), vecerr.ErrReadOnly)

	// The writer capability bypasses the guard.
	w := c.NewWriter()
	require.NoError(t, w.Insert(ctx, v))
	assert.Equal(t, 1, c.Count())
	require.NoError(t, w.Delete(ctx, []string{"a"}))
	assert.Equal(t, 0, c.Count())
}

func TestWriterFindIDsByPayload(t *testing.T) {
	c := newTestCollection(t, Config{Name: "find", Dim: 2, Metric: numeric.Euclidean})
	ctx := context.Background()
	w := c.NewWriter()

	require.NoError(t, w.Insert(ctx, Vector{ID: "a0", Values: []float32{1, 0}, Payload: map[string]any{"file_path": "a.md"}}))
	require.NoError(t, w.Insert(ctx, Vector{ID: "a1", Values: []float32{0, 1}, Payload: map[string]any{"file_path": "a.md"}}))
	require.NoError(t, w.Insert(ctx, Vector{ID: "b0", Values: []float32{1, 1}, Payload: map[string]any{"file_path": "b.md"}}))

	ids := w.FindIDsByPayload("file_path", "a.md")
	assert.ElementsMatch(t, []string{"a0", "a1"}, ids)
}

func TestFilterTree(t *testing.T) {
	c := newTestCollection(t, Config{Name: "filters", Dim: 2, Metric: numeric.Euclidean})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, Vector{ID: "x", Values: []float32{0.1, 0}, Payload: map[string]any{"lang": "go", "stars": 100}}))
	require.NoError(t, c.Insert(ctx, Vector{ID: "y", Values: []float32{0.2, 0}, Payload: map[string]any{"lang": "rust", "stars": 10}}))
	require.NoError(t, c.Insert(ctx, Vector{ID: "z", Values: []float32{0.3, 0}, Payload: map[string]any{"lang": "go", "stars": 5}}))

	gte := 50.0
	res, err := c.Search(ctx, []float32{0, 0}, 3, SearchOptions{
		Filter: &Filter{
			Must: []Condition{
				{Match: &MatchCondition{Key: "lang", Value: "go"}},
				{Range: &RangeCondition{Key: "stars", GTE: &gte}},
			},
		},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "x", res[0].ID)

	res, err = c.Search(ctx, []float32{0, 0}, 3, SearchOptions{
		Filter: &Filter{MustNot: []Condition{{Match: &MatchCondition{Key: "lang", Value: "go"}}}},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "y", res[0].ID)

	res, err = c.Search(ctx, []float32{0, 0}, 3, SearchOptions{
		Filter: &Filter{Should: []Condition{
			{Match: &MatchCondition{Key: "lang", Value: "rust"}},
			{Match: &MatchCondition{Key: "stars", Value: 5}},
		}},
	})
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestQuantizedCollectionRecall(t *testing.T) {
	const (
		dim = 32
		n   = 600
	)
	c := newTestCollection(t, Config{
		Name:         "sq8",
		Dim:          dim,
		Metric:       numeric.Euclidean,
		Quantization: quant.Descriptor{Kind: quant.Scalar},
	})
	ctx := context.Background()

	vecs := seededVectors(6, n, dim)
	batch := make([]Vector, n)
	for i, v := range vecs {
		batch[i] = Vector{ID: fmt.Sprintf("v%d", i), Values: v}
	}
	require.NoError(t, c.InsertBatch(ctx, batch))

	st := c.Stats()
	assert.True(t, st.Quantized, "quantizer trains past the threshold")
	assert.InDelta(t, 4.0, st.CompressionX, 0.01)

	// With exact rerank the quantized path still finds the exact vector.
	for i := 0; i < n; i += 97 {
		res, err := c.Search(ctx, vecs[i], 1, SearchOptions{})
		require.NoError(t, err)
		require.NotEmpty(t, res)
		assert.Equal(t, fmt.Sprintf("v%d", i), res[0].ID)
	}
}

func TestHybridSearchRRF(t *testing.T) {
	c := newTestCollection(t, Config{Name: "hybrid", Dim: 4, Metric: numeric.Euclidean, Sparse: true})
	ctx := context.Background()

	require.NoError(t, c.Insert(ctx, Vector{
		ID: "densefit", Values: []float32{0.9, 0.1, 0, 0}, Sparse: sparse.Vector{99: 1},
	}))
	require.NoError(t, c.Insert(ctx, Vector{
		ID: "sparsefit", Values: []float32{0, 1, 1, 0}, Sparse: sparse.Vector{7: 5},
	}))
	require.NoError(t, c.Insert(ctx, Vector{
		ID: "both", Values: []float32{1, 0, 0, 0}, Sparse: sparse.Vector{7: 3},
	}))

	res, err := c.Search(ctx, []float32{1, 0, 0, 0}, 3, SearchOptions{
		SparseQuery: sparse.Vector{7: 1},
		Fusion:      FusionRRF,
	})
	require.NoError(t, err)
	require.NotEmpty(t, res)
	// "both" leads the dense list and places in the sparse list, so fusion
	// puts it first.
	assert.Equal(t, "both", res[0].ID)
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	const (
		dim = 16
		n   = 300
	)
	c := newTestCollection(t, Config{Name: "rt", Dim: dim, Metric: numeric.Cosine})
	ctx := context.Background()

	vecs := seededVectors(7, n, dim)
	batch := make([]Vector, n)
	for i, v := range vecs {
		batch[i] = Vector{ID: fmt.Sprintf("v%d", i), Values: v, Payload: map[string]any{"i": i}}
	}
	require.NoError(t, c.InsertBatch(ctx, batch))
	require.NoError(t, c.Delete(ctx, "v5"))

	st, err := c.Snapshot(ctx)
	require.NoError(t, err)

	// Snapshot compacts: ids stay in insertion order minus the tombstone.
	assert.Len(t, st.IDs, n-1)
	assert.Equal(t, "v0", st.IDs[0])
	assert.Equal(t, "v4", st.IDs[4])
	assert.Equal(t, "v6", st.IDs[5])
	assert.Equal(t, fmt.Sprintf("v%d", n-1), st.IDs[len(st.IDs)-1])

	restored, err := Restore(st, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, c.Count(), restored.Count())

	// Vectors survive bit-exactly; payloads structurally.
	got, err := restored.Get(ctx, "v10")
	require.NoError(t, err)
	assert.Equal(t, vecs[10], got.Values)
	assert.Equal(t, map[string]any{"i": 10}, got.Payload)

	// Searches agree between the original and the restored copy.
	for i := 0; i < 10; i++ {
		a, err := c.Search(ctx, vecs[i*13], 5, SearchOptions{})
		require.NoError(t, err)
		b, err := restored.Search(ctx, vecs[i*13], 5, SearchOptions{})
		require.NoError(t, err)
		assert.Equal(t, a, b)
	}
}

func TestReinsertSameContentKeepsState(t *testing.T) {
	c := newTestCollection(t, Config{Name: "idem", Dim: 4, Metric: numeric.Euclidean})
	ctx := context.Background()
	v := Vector{ID: "a", Values: []float32{1, 2, 3, 4}, Payload: map[string]any{"k": "v"}}

	require.NoError(t, c.Insert(ctx, v))
	require.NoError(t, c.Insert(ctx, v))

	assert.Equal(t, 1, c.Count())
	res, err := c.Search(ctx, v.Values, 1, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a", res[0].ID)
}

func TestConcurrentWritesToSameIDSerialize(t *testing.T) {
	c := newTestCollection(t, Config{Name: "race", Dim: 4, Metric: numeric.Euclidean})
	ctx := context.Background()

	a := []float32{1, 0, 0, 0}
	b := []float32{0, 1, 0, 0}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Insert(ctx, Vector{ID: "x", Values: a})
		}()
		go func() {
			defer wg.Done()
			_ = c.Insert(ctx, Vector{ID: "x", Values: b})
		}()
	}
	wg.Wait()

	got, err := c.Get(ctx, "x")
	require.NoError(t, err)
	// One of the two values, never a mix.
	if got.Values[0] == 1 {
		assert.Equal(t, a, got.Values)
	} else {
		assert.Equal(t, b, got.Values)
	}
	assert.Equal(t, 1, c.Count())
}

func TestConcurrentSearchesDuringInserts(t *testing.T) {
	c := newTestCollection(t, Config{Name: "rw", Dim: 8, Metric: numeric.Euclidean})
	ctx := context.Background()

	seedVecs := seededVectors(8, 200, 8)
	for i, v := range seedVecs {
		require.NoError(t, c.Insert(ctx, Vector{ID: fmt.Sprintf("s%d", i), Values: v}))
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 16)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			for _, q := range seededVectors(seed, 25, 8) {
				if _, err := c.Search(ctx, q, 10, SearchOptions{}); err != nil {
					errCh <- err
					return
				}
			}
		}(int64(100 + w))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i, v := range seededVectors(9, 100, 8) {
			if err := c.Insert(ctx, Vector{ID: fmt.Sprintf("n%d", i), Values: v}); err != nil {
				errCh <- err
				return
			}
		}
	}()
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
	assert.Equal(t, 300, c.Count())
}

func TestInsertTexts(t *testing.T) {
	c := newTestCollection(t, Config{Name: "texts", Dim: 4, Metric: numeric.Euclidean})
	ctx := context.Background()

	emb := &stubEmbedder{dim: 4}
	err := c.InsertTexts(ctx, emb, []TextItem{
		{ID: "t1", Text: "hello", Payload: map[string]any{"source": "test"}},
		{ID: "t2", Text: "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, c.Count())

	got, err := c.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"source": "test"}, got.Payload)
}

// stubEmbedder hashes text bytes into a deterministic vector.
type stubEmbedder struct{ dim int }

func (s *stubEmbedder) Dimension() int { return s.dim }

func (s *stubEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, s.dim)
	for i, b := range []byte(text) {
		v[i%s.dim] += float32(b) / 255
	}
	return v, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
