package quant

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// BinaryQuantizer packs the sign of each centered component into one bit.
// Distance is the Hamming distance over the packed words. 32x compression
// relative to float32.
type BinaryQuantizer struct {
	dim     int
	means   []float32 // per-dimension centering offsets
	trained bool
}

// NewBinaryQuantizer creates an untrained binary codec for the dimension.
func NewBinaryQuantizer(dim int) *BinaryQuantizer {
	return &BinaryQuantizer{dim: dim}
}

// Train learns the per-dimension mean used to center values before taking
// signs.
func (q *BinaryQuantizer) Train(ctx context.Context, samples [][]float32) error {
	if len(samples) == 0 {
		return fmt.Errorf("%w: empty training sample", vecerr.ErrInvalidParameter)
	}
	sums := make([]float64, q.dim)
	for _, v := range samples {
		if err := checkDim(len(v), q.dim); err != nil {
			return err
		}
		for i, x := range v {
			sums[i] += float64(x)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", vecerr.ErrCancelled, err)
		}
	}
	means := make([]float32, q.dim)
	for i := range means {
		means[i] = float32(sums[i] / float64(len(samples)))
	}
	q.means = means
	q.trained = true
	return nil
}

// Trained reports whether Train has completed.
func (q *BinaryQuantizer) Trained() bool { return q.trained }

func (q *BinaryQuantizer) words() int { return (q.dim + 63) / 64 }

// Encode packs sign bits of the centered vector into uint64 words.
func (q *BinaryQuantizer) Encode(vec []float32) ([]byte, error) {
	if !q.trained {
		return nil, fmt.Errorf("%w: binary quantizer not trained", vecerr.ErrInvalidParameter)
	}
	if err := checkDim(len(vec), q.dim); err != nil {
		return nil, err
	}
	words := make([]uint64, q.words())
	for i, x := range vec {
		if x >= q.means[i] {
			words[i/64] |= 1 << (uint(i) % 64)
		}
	}
	code := make([]byte, 8*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint64(code[i*8:], w)
	}
	return code, nil
}

// Decode reconstructs a coarse vector: +1/-1 around the learned means.
func (q *BinaryQuantizer) Decode(code []byte) ([]float32, error) {
	if !q.trained {
		return nil, fmt.Errorf("%w: binary quantizer not trained", vecerr.ErrInvalidParameter)
	}
	if len(code) != 8*q.words() {
		return nil, fmt.Errorf("%w: code size %d, want %d", vecerr.ErrDimensionMismatch, len(code), 8*q.words())
	}
	out := make([]float32, q.dim)
	for i := range out {
		w := binary.LittleEndian.Uint64(code[(i/64)*8:])
		if w&(1<<(uint(i)%64)) != 0 {
			out[i] = q.means[i] + 1
		} else {
			out[i] = q.means[i] - 1
		}
	}
	return out, nil
}

// EstimateDistance encodes the query and returns the Hamming distance
// between the two bit patterns.
func (q *BinaryQuantizer) EstimateDistance(query []float32, code []byte) (float32, error) {
	qc, err := q.Encode(query)
	if err != nil {
		return 0, err
	}
	if len(code) != len(qc) {
		return 0, fmt.Errorf("%w: code size %d, want %d", vecerr.ErrDimensionMismatch, len(code), len(qc))
	}
	var dist int
	for i := 0; i < len(code); i += 8 {
		a := binary.LittleEndian.Uint64(qc[i:])
		b := binary.LittleEndian.Uint64(code[i:])
		dist += bits.OnesCount64(a ^ b)
	}
	return float32(dist), nil
}

// CodeSize returns the packed size in bytes per vector.
func (q *BinaryQuantizer) CodeSize() int { return 8 * q.words() }

// Marshal serializes the centering means.
func (q *BinaryQuantizer) Marshal() ([]byte, error) {
	if !q.trained {
		return nil, fmt.Errorf("%w: binary quantizer not trained", vecerr.ErrInvalidParameter)
	}
	buf := make([]byte, 4+4*q.dim)
	binary.LittleEndian.PutUint32(buf, uint32(q.dim))
	for i, m := range q.means {
		binary.LittleEndian.PutUint32(buf[4+i*4:], math.Float32bits(m))
	}
	return buf, nil
}

// Unmarshal restores state produced by Marshal.
func (q *BinaryQuantizer) Unmarshal(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("%w: binary quantizer state truncated", vecerr.ErrCorruptedArchive)
	}
	dim := int(binary.LittleEndian.Uint32(data))
	if len(data) != 4+4*dim {
		return fmt.Errorf("%w: binary quantizer state size %d for dim %d",
			vecerr.ErrCorruptedArchive, len(data), dim)
	}
	means := make([]float32, dim)
	for i := range means {
		means[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4+i*4:]))
	}
	q.dim, q.means, q.trained = dim, means, true
	return nil
}

var _ Quantizer = (*BinaryQuantizer)(nil)
