package quant

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/fyrsmithlabs/vectord/internal/numeric"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// ProductQuantizer splits vectors into m sub-vectors and quantizes each
// against a per-sub-space codebook trained with k-means. Distances are
// estimated asymmetrically via per-query lookup tables: O(m) per stored
// code instead of O(dim).
type ProductQuantizer struct {
	dim       int
	m         int // sub-space count
	k         int // centroids per sub-space
	subDim    int
	iters     int
	metric    numeric.Metric
	codebooks [][][]float32 // [subspace][code] -> centroid
	trained   bool
}

// NewProductQuantizer creates an untrained PQ codec.
func NewProductQuantizer(dim, m, k, iters int, metric numeric.Metric) (*ProductQuantizer, error) {
	if m <= 0 || dim%m != 0 {
		return nil, fmt.Errorf("%w: dimension %d not divisible by %d subvectors",
			vecerr.ErrInvalidParameter, dim, m)
	}
	if k <= 0 || k > 256 {
		return nil, fmt.Errorf("%w: centroids must be in [1, 256], got %d",
			vecerr.ErrInvalidParameter, k)
	}
	return &ProductQuantizer{
		dim:    dim,
		m:      m,
		k:      k,
		subDim: dim / m,
		iters:  iters,
		metric: metric,
	}, nil
}

// Train runs k-means per sub-space over the sample.
func (q *ProductQuantizer) Train(ctx context.Context, samples [][]float32) error {
	if len(samples) == 0 {
		return fmt.Errorf("%w: empty training sample", vecerr.ErrInvalidParameter)
	}
	for _, v := range samples {
		if err := checkDim(len(v), q.dim); err != nil {
			return err
		}
	}

	// Deterministic seeding keeps save/rebuild cycles reproducible.
	rng := rand.New(rand.NewSource(int64(q.dim)*7919 + int64(q.m)))

	books := make([][][]float32, q.m)
	for sv := 0; sv < q.m; sv++ {
		start := sv * q.subDim
		subs := make([][]float32, len(samples))
		for i, v := range samples {
			subs[i] = v[start : start+q.subDim]
		}
		k := q.k
		if k > len(samples) {
			k = len(samples)
		}
		cents, err := kMeans(ctx, subs, k, q.iters, rng)
		if err != nil {
			return fmt.Errorf("training subspace %d: %w", sv, err)
		}
		books[sv] = cents
	}
	q.codebooks = books
	q.trained = true
	return nil
}

// Trained reports whether Train has completed.
func (q *ProductQuantizer) Trained() bool { return q.trained }

// Encode assigns each sub-vector its nearest centroid index.
func (q *ProductQuantizer) Encode(vec []float32) ([]byte, error) {
	if !q.trained {
		return nil, fmt.Errorf("%w: product quantizer not trained", vecerr.ErrInvalidParameter)
	}
	if err := checkDim(len(vec), q.dim); err != nil {
		return nil, err
	}
	code := make([]byte, q.m)
	for sv := 0; sv < q.m; sv++ {
		start := sv * q.subDim
		sub := vec[start : start+q.subDim]
		best, bestDist := 0, math.MaxFloat64
		for c, cent := range q.codebooks[sv] {
			if d := sqDist(sub, cent); d < bestDist {
				best, bestDist = c, d
			}
		}
		code[sv] = byte(best)
	}
	return code, nil
}

// Decode concatenates the centroids named by the code.
func (q *ProductQuantizer) Decode(code []byte) ([]float32, error) {
	if !q.trained {
		return nil, fmt.Errorf("%w: product quantizer not trained", vecerr.ErrInvalidParameter)
	}
	if err := checkDim(len(code), q.m); err != nil {
		return nil, err
	}
	out := make([]float32, q.dim)
	for sv, c := range code {
		if int(c) >= len(q.codebooks[sv]) {
			return nil, fmt.Errorf("%w: code %d out of range for subspace %d",
				vecerr.ErrCorruptedArchive, c, sv)
		}
		copy(out[sv*q.subDim:], q.codebooks[sv][c])
	}
	return out, nil
}

// DistanceTable precomputes per-sub-space distances from the query to every
// centroid. EstimateDistanceWithTable then reduces each code to m lookups.
func (q *ProductQuantizer) DistanceTable(query []float32) ([][]float32, error) {
	if !q.trained {
		return nil, fmt.Errorf("%w: product quantizer not trained", vecerr.ErrInvalidParameter)
	}
	if err := checkDim(len(query), q.dim); err != nil {
		return nil, err
	}
	table := make([][]float32, q.m)
	for sv := 0; sv < q.m; sv++ {
		start := sv * q.subDim
		sub := query[start : start+q.subDim]
		row := make([]float32, len(q.codebooks[sv]))
		for c, cent := range q.codebooks[sv] {
			row[c] = float32(sqDist(sub, cent))
		}
		table[sv] = row
	}
	return table, nil
}

// EstimateDistanceWithTable sums table lookups for the code. The result is
// a squared-L2 estimate, monotone with the exact distance for ranking.
func (q *ProductQuantizer) EstimateDistanceWithTable(table [][]float32, code []byte) (float32, error) {
	if len(code) != q.m {
		return 0, fmt.Errorf("%w: code length %d, want %d", vecerr.ErrDimensionMismatch, len(code), q.m)
	}
	var sum float32
	for sv, c := range code {
		if int(c) >= len(table[sv]) {
			return 0, fmt.Errorf("%w: code %d out of range for subspace %d",
				vecerr.ErrCorruptedArchive, c, sv)
		}
		sum += table[sv][c]
	}
	return sum, nil
}

// EstimateDistance computes the asymmetric estimate without a reusable
// table. Callers scanning many codes should build a DistanceTable once.
func (q *ProductQuantizer) EstimateDistance(query []float32, code []byte) (float32, error) {
	table, err := q.DistanceTable(query)
	if err != nil {
		return 0, err
	}
	return q.EstimateDistanceWithTable(table, code)
}

// CodeSize returns one byte per sub-space.
func (q *ProductQuantizer) CodeSize() int { return q.m }

// Marshal serializes the codebooks.
// Layout: dim, m, k, subDim uint32 | per subspace: count uint32, centroids.
func (q *ProductQuantizer) Marshal() ([]byte, error) {
	if !q.trained {
		return nil, fmt.Errorf("%w: product quantizer not trained", vecerr.ErrInvalidParameter)
	}
	size := 16
	for _, book := range q.codebooks {
		size += 4 + len(book)*q.subDim*4
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:], uint32(q.dim))
	binary.LittleEndian.PutUint32(buf[4:], uint32(q.m))
	binary.LittleEndian.PutUint32(buf[8:], uint32(q.k))
	binary.LittleEndian.PutUint32(buf[12:], uint32(q.subDim))
	off := 16
	for _, book := range q.codebooks {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(book)))
		off += 4
		for _, cent := range book {
			for _, x := range cent {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(x))
				off += 4
			}
		}
	}
	return buf, nil
}

// Unmarshal restores state produced by Marshal.
func (q *ProductQuantizer) Unmarshal(data []byte) error {
	if len(data) < 16 {
		return fmt.Errorf("%w: product quantizer state truncated", vecerr.ErrCorruptedArchive)
	}
	q.dim = int(binary.LittleEndian.Uint32(data[0:]))
	q.m = int(binary.LittleEndian.Uint32(data[4:]))
	q.k = int(binary.LittleEndian.Uint32(data[8:]))
	q.subDim = int(binary.LittleEndian.Uint32(data[12:]))
	off := 16
	books := make([][][]float32, q.m)
	for sv := 0; sv < q.m; sv++ {
		if off+4 > len(data) {
			return fmt.Errorf("%w: product quantizer state truncated", vecerr.ErrCorruptedArchive)
		}
		count := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		book := make([][]float32, count)
		for c := 0; c < count; c++ {
			cent := make([]float32, q.subDim)
			for d := 0; d < q.subDim; d++ {
				if off+4 > len(data) {
					return fmt.Errorf("%w: product quantizer state truncated", vecerr.ErrCorruptedArchive)
				}
				cent[d] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
				off += 4
			}
			book[c] = cent
		}
		books[sv] = book
	}
	q.codebooks = books
	q.trained = true
	return nil
}

var _ Quantizer = (*ProductQuantizer)(nil)
