package collection

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// State is a collection's complete serializable state. The persistence
// layer turns it into compact-archive entries and back.
//
// IDs carry the insertion order and are authoritative: loaders must never
// sort, de-duplicate or reorder them, because HNSW layout depends on it.
type State struct {
	Config      Config
	IDs         []string
	Vectors     [][]float32
	Payloads    []map[string]any
	SparseVecs  []map[uint32]float32
	Graph       []byte
	QuantState  []byte
	SparseIndex []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Snapshot compacts the collection and captures its state. Compacting first
// guarantees the persisted graph holds no tombstoned offsets and the
// archive plus an empty WAL reconstruct the exact in-memory state.
func (c *Collection) Snapshot(ctx context.Context) (*State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.compactLocked(ctx); err != nil {
		return nil, fmt.Errorf("compacting before snapshot: %w", err)
	}

	st := &State{
		Config:     c.cfg,
		IDs:        make([]string, len(c.entries)),
		Vectors:    make([][]float32, len(c.entries)),
		Payloads:   make([]map[string]any, len(c.entries)),
		SparseVecs: make([]map[uint32]float32, len(c.entries)),
		CreatedAt:  c.createdAt,
		UpdatedAt:  c.updatedAt,
	}
	for i, e := range c.entries {
		st.IDs[i] = e.id
		st.Vectors[i] = e.vec
		st.Payloads[i] = e.payload
		st.SparseVecs[i] = e.sparseVec
	}

	graph, err := c.index.Marshal()
	if err != nil {
		return nil, fmt.Errorf("serializing graph: %w", err)
	}
	st.Graph = graph

	if c.quantizer != nil && c.quantizer.Trained() {
		qs, err := c.quantizer.Marshal()
		if err != nil {
			return nil, fmt.Errorf("serializing quantizer: %w", err)
		}
		st.QuantState = qs
	}
	if c.sparse != nil {
		ss, err := c.sparse.Marshal()
		if err != nil {
			return nil, fmt.Errorf("serializing sparse index: %w", err)
		}
		st.SparseIndex = ss
	}
	return st, nil
}

// Restore reconstructs a collection from a snapshot state.
func Restore(st *State, logger *zap.Logger, opts ...Option) (*Collection, error) {
	if len(st.IDs) != len(st.Vectors) || len(st.IDs) != len(st.Payloads) {
		return nil, fmt.Errorf("%w: id/vector/payload tables disagree", vecerr.ErrCorruptedArchive)
	}

	c, err := New(st.Config, logger, opts...)
	if err != nil {
		return nil, err
	}
	c.createdAt = st.CreatedAt
	c.updatedAt = st.UpdatedAt

	c.entries = make([]entry, len(st.IDs))
	for i := range st.IDs {
		e := entry{id: st.IDs[i], vec: st.Vectors[i], payload: st.Payloads[i]}
		if i < len(st.SparseVecs) && st.SparseVecs[i] != nil {
			e.sparseVec = st.SparseVecs[i]
		}
		if len(e.vec) != st.Config.Dim {
			return nil, fmt.Errorf("%w: vector %q has dimension %d, want %d",
				vecerr.ErrCorruptedArchive, e.id, len(e.vec), st.Config.Dim)
		}
		c.entries[i] = e
		c.offsets[e.id] = uint32(i)
	}
	if len(c.offsets) != len(c.entries) {
		return nil, fmt.Errorf("%w: duplicate ids in snapshot", vecerr.ErrCorruptedArchive)
	}

	if err := c.index.Unmarshal(st.Graph); err != nil {
		return nil, fmt.Errorf("restoring graph: %w", err)
	}
	if c.index.NodeCount() != len(c.entries) {
		return nil, fmt.Errorf("%w: graph has %d nodes for %d vectors",
			vecerr.ErrCorruptedArchive, c.index.NodeCount(), len(c.entries))
	}

	if len(st.QuantState) > 0 {
		if c.quantizer == nil {
			return nil, fmt.Errorf("%w: quantizer state for unquantized config", vecerr.ErrCorruptedArchive)
		}
		if err := c.quantizer.Unmarshal(st.QuantState); err != nil {
			return nil, fmt.Errorf("restoring quantizer: %w", err)
		}
		// Codes are deterministic given the trained state; re-encode rather
		// than persisting them.
		c.codes = make([][]byte, len(c.entries))
		for i, e := range c.entries {
			code, err := c.quantizer.Encode(e.vec)
			if err != nil {
				return nil, fmt.Errorf("re-encoding %q: %w", e.id, err)
			}
			c.codes[i] = code
		}
	}

	if len(st.SparseIndex) > 0 {
		if c.sparse == nil {
			return nil, fmt.Errorf("%w: sparse state for dense-only config", vecerr.ErrCorruptedArchive)
		}
		if err := c.sparse.Unmarshal(st.SparseIndex); err != nil {
			return nil, fmt.Errorf("restoring sparse index: %w", err)
		}
	}

	c.logger.Info("collection restored",
		zap.Int("vectors", len(c.entries)),
		zap.Bool("quantized", len(st.QuantState) > 0),
	)
	return c, nil
}
