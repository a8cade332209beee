package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// RemoteProvider calls a text-embeddings-inference style HTTP server:
// POST {base_url}/embed with {"inputs": ..., "truncate": true}.
type RemoteProvider struct {
	baseURL   string
	model     string
	dimension int
	timeout   time.Duration
	client    *http.Client
}

// NewRemoteProvider creates a remote provider.
func NewRemoteProvider(cfg Config) (*RemoteProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	dim := cfg.Dimension
	if dim == 0 {
		dim = detectDimension(cfg.Model)
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &RemoteProvider{
		baseURL:   cfg.BaseURL,
		model:     cfg.Model,
		dimension: dim,
		timeout:   timeout,
		client:    &http.Client{},
	}, nil
}

type embedRequest struct {
	Inputs   any  `json:"inputs"`
	Truncate bool `json:"truncate"`
}

// Embed generates an embedding for a single text.
func (p *RemoteProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.call(ctx, embedRequest{Inputs: text, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: empty response", vecerr.ErrEmbeddingFailed)
	}
	return vectors[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (p *RemoteProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.call(ctx, embedRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
			vecerr.ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, nil
}

func (p *RemoteProvider) call(ctx context.Context, req embedRequest) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: embedding call: %v", vecerr.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", vecerr.ErrEmbeddingFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", vecerr.ErrEmbeddingFailed, resp.StatusCode, string(respBody))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", vecerr.ErrEmbeddingFailed, err)
	}
	return vectors, nil
}

// Dimension returns the embedding dimension.
func (p *RemoteProvider) Dimension() int { return p.dimension }

// Close is a no-op; the provider holds no persistent connection state.
func (p *RemoteProvider) Close() error { return nil }

var _ Provider = (*RemoteProvider)(nil)
