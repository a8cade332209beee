package numeric

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.NormFloat64())
	}
	return v
}

func TestCosineDistance(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float32
	}{
		{"identical", []float32{1, 0, 0}, []float32{1, 0, 0}, 0},
		{"orthogonal", []float32{1, 0, 0}, []float32{0, 1, 0}, 1},
		{"opposite", []float32{1, 0, 0}, []float32{-1, 0, 0}, 2},
		{"scaled identical", []float32{2, 0, 0}, []float32{5, 0, 0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineDistance(tt.a, tt.b)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestCosineDistanceZeroNorm(t *testing.T) {
	// Zero-norm vectors return the maximum distance rather than NaN.
	d, err := CosineDistance([]float32{0, 0, 0}, []float32{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, float32(1.0), d)
	assert.False(t, math.IsNaN(float64(d)))
}

func TestEuclideanDistance(t *testing.T) {
	d, err := EuclideanDistance([]float32{0, 0}, []float32{3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, 1e-6)
}

func TestDotDistance(t *testing.T) {
	d, err := DotDistance([]float32{1, 2, 3}, []float32{4, 5, 6})
	require.NoError(t, err)
	assert.InDelta(t, -32.0, d, 1e-6)
}

func TestDimensionMismatch(t *testing.T) {
	for _, fn := range []DistanceFunc{CosineDistance, EuclideanDistance, DotDistance} {
		_, err := fn([]float32{1, 2}, []float32{1, 2, 3})
		assert.ErrorIs(t, err, vecerr.ErrDimensionMismatch)
	}
}

func TestUnrolledMatchesScalar(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	// Dimensions chosen to exercise the 8-lane body, the scalar tail, and
	// the supported extremes.
	for _, dim := range []int{1, 3, 8, 9, 15, 16, 127, 128, 4096} {
		a := randomVector(r, dim)
		b := randomVector(r, dim)

		dot := dotProduct(a, b)
		assert.InEpsilon(t, scalarDot(a, b), dot, 1e-6, "dot dim=%d", dim)

		l2 := squaredL2(a, b)
		if ref := scalarSquaredL2(a, b); ref != 0 {
			assert.InEpsilon(t, ref, l2, 1e-6, "l2 dim=%d", dim)
		}

		d, na, nb := dotAndNorms(a, b)
		assert.InEpsilon(t, scalarDot(a, b), d, 1e-6, "fused dot dim=%d", dim)
		assert.InEpsilon(t, scalarDot(a, a), na, 1e-6, "fused normA dim=%d", dim)
		assert.InEpsilon(t, scalarDot(b, b), nb, 1e-6, "fused normB dim=%d", dim)
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)
	assert.InDelta(t, 1.0, Norm(n), 1e-6)
	assert.Equal(t, []float32{3, 4}, v, "input must not be mutated")

	zero := []float32{0, 0}
	NormalizeInPlace(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestDistanceSelection(t *testing.T) {
	for _, m := range []Metric{Cosine, Euclidean, Dot} {
		fn, err := Distance(m)
		require.NoError(t, err)
		require.NotNil(t, fn)
		assert.True(t, m.Valid())
	}

	_, err := Distance(Metric("hamming"))
	assert.ErrorIs(t, err, vecerr.ErrInvalidParameter)
}
