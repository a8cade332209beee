package sparse

import "sort"

// RRFConstant is the rank-smoothing constant in reciprocal-rank fusion.
const RRFConstant = 60

// Ranked is one ranker's ordered result list entry. An entry's position in
// its list is its rank; the first entry has rank 1.
type Ranked struct {
	Offset uint32
	Score  float32
}

// FuseRRF merges ranked lists with reciprocal-rank fusion:
// score = sum over lists of 1/(k + rank), rank counting from 1. Offsets
// absent from a list simply
// contribute nothing for it.
func FuseRRF(k int, lists ...[]Ranked) []Scored {
	if k <= 0 {
		k = RRFConstant
	}
	scores := make(map[uint32]float64)
	for _, list := range lists {
		for rank, r := range list {
			scores[r.Offset] += 1 / float64(k+rank+1)
		}
	}
	return sortScored(scores)
}

// FuseLinear merges a dense and a sparse list with a weighted linear
// combination alpha*dense + (1-alpha)*sparse over min-max normalized
// scores. Dense scores are distances (lower better) and are inverted
// during normalization; sparse scores are similarities (higher better).
func FuseLinear(alpha float64, dense, sparseList []Ranked) []Scored {
	denseNorm := minMaxNormalize(dense, true)
	sparseNorm := minMaxNormalize(sparseList, false)

	scores := make(map[uint32]float64)
	for o, s := range denseNorm {
		scores[o] += alpha * s
	}
	for o, s := range sparseNorm {
		scores[o] += (1 - alpha) * s
	}
	return sortScored(scores)
}

// minMaxNormalize maps scores to [0, 1]; invert flips the scale so that
// smaller raw values come out larger.
func minMaxNormalize(list []Ranked, invert bool) map[uint32]float64 {
	out := make(map[uint32]float64, len(list))
	if len(list) == 0 {
		return out
	}
	lo, hi := float64(list[0].Score), float64(list[0].Score)
	for _, r := range list {
		s := float64(r.Score)
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	span := hi - lo
	for _, r := range list {
		var s float64
		if span == 0 {
			s = 1
		} else {
			s = (float64(r.Score) - lo) / span
		}
		if invert {
			s = 1 - s
		}
		out[r.Offset] = s
	}
	return out
}

func sortScored(scores map[uint32]float64) []Scored {
	out := make([]Scored, 0, len(scores))
	for o, s := range scores {
		out = append(out, Scored{Offset: o, Score: float32(s)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Offset < out[j].Offset
	})
	return out
}
