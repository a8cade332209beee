// Package quant provides lossy vector compression codecs.
//
// Three codecs share one capability: compress full-precision vectors into
// opaque codes and estimate the distance between a full-precision query and
// a stored code without decompressing.
//
//   - Scalar 8-bit (SQ-8): 4x memory reduction, per-dimension min/max.
//   - Product quantization (PQ): k-means codebooks per sub-space, distance
//     via precomputed lookup tables.
//   - Binary: 1 bit per dimension, Hamming distance over packed words.
package quant

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/vectord/internal/numeric"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// Kind identifies a quantizer variant.
type Kind string

const (
	// None disables quantization.
	None Kind = "none"
	// Scalar is 8-bit scalar quantization.
	Scalar Kind = "scalar"
	// Product is product quantization.
	Product Kind = "product"
	// Binary is 1-bit sign quantization.
	Binary Kind = "binary"
)

// Descriptor selects and parameterizes a quantizer. The zero value means no
// quantization.
type Descriptor struct {
	Kind Kind `json:"kind" koanf:"kind"`

	// Subvectors is the PQ sub-space count M. Default: the largest divisor
	// of the dimension not above dimension / 8.
	Subvectors int `json:"subvectors,omitempty" koanf:"subvectors"`

	// Centroids is the PQ per-sub-space codebook size K. Default: 256.
	Centroids int `json:"centroids,omitempty" koanf:"centroids"`

	// TrainIterations caps the k-means loop. Default: 25.
	TrainIterations int `json:"train_iterations,omitempty" koanf:"train_iterations"`
}

// Enabled reports whether the descriptor requests quantization.
func (d Descriptor) Enabled() bool {
	return d.Kind != "" && d.Kind != None
}

// Validate checks the descriptor against a vector dimension.
func (d Descriptor) Validate(dim int) error {
	switch d.Kind {
	case "", None, Scalar, Binary:
		return nil
	case Product:
		m := d.Subvectors
		if m == 0 {
			m = defaultSubvectors(dim)
		}
		if m <= 0 || dim%m != 0 {
			return fmt.Errorf("%w: dimension %d not divisible by %d subvectors",
				vecerr.ErrInvalidParameter, dim, m)
		}
		if d.Centroids < 0 || d.Centroids > 256 {
			return fmt.Errorf("%w: centroids must be in [1, 256], got %d",
				vecerr.ErrInvalidParameter, d.Centroids)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown quantization kind %q", vecerr.ErrInvalidParameter, d.Kind)
	}
}

// Quantizer is the common capability of all codecs.
//
// A quantizer must be trained before Encode or EstimateDistance; Trained
// reports readiness. All implementations are safe for concurrent reads
// after training completes.
type Quantizer interface {
	// Train learns codec state from a sample of full-precision vectors.
	Train(ctx context.Context, samples [][]float32) error

	// Trained reports whether Train has completed.
	Trained() bool

	// Encode compresses a vector into an opaque code block.
	Encode(vec []float32) ([]byte, error)

	// Decode reconstructs an approximation of the original vector.
	Decode(code []byte) ([]float32, error)

	// EstimateDistance computes an asymmetric distance estimate between a
	// full-precision query and a stored code.
	EstimateDistance(query []float32, code []byte) (float32, error)

	// CodeSize returns the encoded size in bytes per vector.
	CodeSize() int

	// Marshal serializes the trained state.
	Marshal() ([]byte, error)

	// Unmarshal restores trained state produced by Marshal.
	Unmarshal(data []byte) error
}

// New builds a quantizer from a descriptor for vectors of the given
// dimension and metric. Returns (nil, nil) when quantization is disabled.
func New(d Descriptor, dim int, metric numeric.Metric) (Quantizer, error) {
	if err := d.Validate(dim); err != nil {
		return nil, err
	}
	switch d.Kind {
	case "", None:
		return nil, nil
	case Scalar:
		return NewScalarQuantizer(dim), nil
	case Product:
		m := d.Subvectors
		if m == 0 {
			m = defaultSubvectors(dim)
		}
		k := d.Centroids
		if k == 0 {
			k = 256
		}
		iters := d.TrainIterations
		if iters == 0 {
			iters = 25
		}
		return NewProductQuantizer(dim, m, k, iters, metric)
	case Binary:
		return NewBinaryQuantizer(dim), nil
	default:
		return nil, fmt.Errorf("%w: unknown quantization kind %q", vecerr.ErrInvalidParameter, d.Kind)
	}
}

// defaultSubvectors picks the largest divisor of dim that is <= dim/8,
// falling back to 1 for tiny dimensions.
func defaultSubvectors(dim int) int {
	target := dim / 8
	for m := target; m >= 1; m-- {
		if dim%m == 0 {
			return m
		}
	}
	return 1
}

func checkDim(got, want int) error {
	if got != want {
		return fmt.Errorf("%w: got %d, want %d", vecerr.ErrDimensionMismatch, got, want)
	}
	return nil
}
