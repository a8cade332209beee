package quant

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// kMeans clusters points into k centroids with k-means++ seeding and a
// fixed iteration cap. Returns exactly k centroids; when there are fewer
// distinct points than k, surplus centroids are duplicates of sampled
// points so code values stay dense.
func kMeans(ctx context.Context, points [][]float32, k, maxIters int, rng *rand.Rand) ([][]float32, error) {
	if len(points) == 0 {
		return nil, fmt.Errorf("%w: empty training sample", vecerr.ErrInvalidParameter)
	}
	dim := len(points[0])
	centroids := seedPlusPlus(points, k, rng)

	assign := make([]int, len(points))
	for iter := 0; iter < maxIters; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", vecerr.ErrCancelled, err)
		}

		changed := false
		for i, p := range points {
			best, bestDist := 0, math.MaxFloat64
			for c, cent := range centroids {
				d := sqDist(p, cent)
				if d < bestDist {
					best, bestDist = c, d
				}
			}
			if assign[i] != best {
				assign[i] = best
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		sums := make([][]float64, k)
		counts := make([]int, k)
		for c := range sums {
			sums[c] = make([]float64, dim)
		}
		for i, p := range points {
			c := assign[i]
			counts[c]++
			for d, x := range p {
				sums[c][d] += float64(x)
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed empty clusters from a random point.
				centroids[c] = clone(points[rng.Intn(len(points))])
				continue
			}
			cent := make([]float32, dim)
			for d := range cent {
				cent[d] = float32(sums[c][d] / float64(counts[c]))
			}
			centroids[c] = cent
		}
	}
	return centroids, nil
}

// seedPlusPlus picks initial centroids with the k-means++ strategy: each
// subsequent seed is sampled proportionally to its squared distance from
// the nearest existing seed.
func seedPlusPlus(points [][]float32, k int, rng *rand.Rand) [][]float32 {
	centroids := make([][]float32, 0, k)
	centroids = append(centroids, clone(points[rng.Intn(len(points))]))

	dists := make([]float64, len(points))
	for len(centroids) < k {
		var total float64
		for i, p := range points {
			d := math.MaxFloat64
			for _, c := range centroids {
				if sd := sqDist(p, c); sd < d {
					d = sd
				}
			}
			dists[i] = d
			total += d
		}
		if total == 0 {
			// All points coincide with existing seeds.
			centroids = append(centroids, clone(points[rng.Intn(len(points))]))
			continue
		}
		target := rng.Float64() * total
		var acc float64
		picked := len(points) - 1
		for i, d := range dists {
			acc += d
			if acc >= target {
				picked = i
				break
			}
		}
		centroids = append(centroids, clone(points[picked]))
	}
	return centroids
}

func sqDist(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
