package embeddings

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// retryProvider decorates a Provider with exponential backoff. Validation
// errors pass through; transport and timeout failures retry.
type retryProvider struct {
	inner      Provider
	maxRetries uint64
}

// WithRetry wraps a provider with the retry policy: maxRetries attempts
// beyond the first, exponential backoff with a 1s base.
func WithRetry(p Provider, maxRetries int) Provider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &retryProvider{inner: p, maxRetries: uint64(maxRetries)}
}

func (r *retryProvider) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
}

// permanent marks errors that retrying cannot fix.
func permanent(err error) error {
	if errors.Is(err, ErrEmptyInput) || errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, vecerr.ErrDimensionMismatch) {
		return backoff.Permanent(err)
	}
	return err
}

func (r *retryProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	op := func() error {
		v, err := r.inner.Embed(ctx, text)
		if err != nil {
			return permanent(err)
		}
		out = v
		return nil
	}
	if err := backoff.Retry(op, r.policy(ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *retryProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	op := func() error {
		v, err := r.inner.EmbedBatch(ctx, texts)
		if err != nil {
			return permanent(err)
		}
		out = v
		return nil
	}
	if err := backoff.Retry(op, r.policy(ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *retryProvider) Dimension() int { return r.inner.Dimension() }

func (r *retryProvider) Close() error { return r.inner.Close() }

var _ Provider = (*retryProvider)(nil)
