package hnsw

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// Insert adds the vector at the given arena offset to the graph. Offsets
// must be appended densely in the owner's insertion order.
func (ix *Index) Insert(ctx context.Context, offset uint32, vec []float32) error {
	if len(vec) != ix.cfg.Dim {
		return fmt.Errorf("%w: got %d, want %d", vecerr.ErrDimensionMismatch, len(vec), ix.cfg.Dim)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.insertLocked(ctx, offset, vec)
}

// InsertBatch adds a run of consecutive offsets. Candidate searches and
// link updates run in parallel; per-node locks ordered by offset keep the
// bidirectional edge updates deadlock-free.
func (ix *Index) InsertBatch(ctx context.Context, firstOffset uint32, vecs [][]float32) error {
	for _, v := range vecs {
		if len(v) != ix.cfg.Dim {
			return fmt.Errorf("%w: got %d, want %d", vecerr.ErrDimensionMismatch, len(v), ix.cfg.Dim)
		}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	// Single ordered pass keeps arena offsets dense. Items that would
	// promote the entry point are wired immediately so the parallel phase
	// never races on the entry; the rest are appended now and wired by the
	// workers below.
	levels := make([]int, len(vecs))
	parallel := make([]int, 0, len(vecs))
	for i := range vecs {
		levels[i] = ix.sampleLevel()
		if !ix.hasEntry || levels[i] > ix.maxLevel {
			if err := ix.insertLockedWithLevel(ctx, firstOffset+uint32(i), vecs[i], levels[i]); err != nil {
				return err
			}
			continue
		}
		ix.appendNode(firstOffset+uint32(i), levels[i])
		parallel = append(parallel, i)
	}

	if len(parallel) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range parallel {
		g.Go(func() error {
			return ix.wireNode(gctx, firstOffset+uint32(i), vecs[i], levels[i])
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	ix.live += len(parallel)
	return nil
}

func (ix *Index) insertLocked(ctx context.Context, offset uint32, vec []float32) error {
	return ix.insertLockedWithLevel(ctx, offset, vec, ix.sampleLevel())
}

func (ix *Index) insertLockedWithLevel(ctx context.Context, offset uint32, vec []float32, level int) error {
	ix.appendNode(offset, level)

	if !ix.hasEntry {
		ix.entry = offset
		ix.hasEntry = true
		ix.maxLevel = level
		ix.live++
		return nil
	}

	if err := ix.wireNode(ctx, offset, vec, level); err != nil {
		return err
	}
	ix.live++

	if level > ix.maxLevel {
		ix.entry = offset
		ix.maxLevel = level
	}
	return nil
}

// appendNode grows the arena to hold the offset. Offsets arrive densely;
// a gap indicates an owner bug and panics early.
func (ix *Index) appendNode(offset uint32, level int) {
	if int(offset) != len(ix.nodes) {
		panic(fmt.Sprintf("hnsw: non-dense offset %d, arena size %d", offset, len(ix.nodes)))
	}
	links := make([][]uint32, level+1)
	for l := range links {
		links[l] = make([]uint32, 0, ix.capAt(l))
	}
	ix.nodes = append(ix.nodes, &node{level: level, links: links})
}

// wireNode connects an already-appended node into the graph.
func (ix *Index) wireNode(ctx context.Context, offset uint32, vec []float32, level int) error {
	distTo := ix.exactDistTo(vec)

	cur := ix.entry
	curDist, err := distTo(cur)
	if err != nil {
		return err
	}

	// Greedy descent to one level above the node's top level.
	for l := ix.maxLevel; l > level; l-- {
		cur, curDist, err = ix.greedyStep(ctx, distTo, cur, curDist, l)
		if err != nil {
			return err
		}
	}

	top := level
	if top > ix.maxLevel {
		top = ix.maxLevel
	}
	for l := top; l >= 0; l-- {
		found, err := ix.searchLayer(ctx, distTo, Candidate{Offset: cur, Distance: curDist}, ix.cfg.EfConstruction, l)
		if err != nil {
			return err
		}
		selected, err := ix.selectNeighbors(distTo, found, ix.capAt(l), offset)
		if err != nil {
			return err
		}

		for _, nb := range selected {
			if err := ix.linkPair(offset, nb.Offset, l); err != nil {
				return err
			}
		}
		if len(selected) > 0 {
			cur, curDist = selected[0].Offset, selected[0].Distance
		}
	}
	return nil
}

// selectNeighbors applies the heuristic rule: take the closest candidate,
// then add each next candidate only if it is closer to the target than to
// any already-chosen neighbor. This trades raw proximity for graph
// diversity.
func (ix *Index) selectNeighbors(distTo DistanceToFunc, cands []Candidate, m int, self uint32) ([]Candidate, error) {
	selected := make([]Candidate, 0, m)
	for _, c := range cands {
		if c.Offset == self {
			continue
		}
		if len(selected) == m {
			break
		}
		keep := true
		for _, s := range selected {
			d, err := ix.distBetween(c.Offset, s.Offset)
			if err != nil {
				return nil, err
			}
			if d < c.Distance {
				keep = false
				break
			}
		}
		if keep {
			selected = append(selected, c)
		}
	}
	return selected, nil
}

// linkPair adds a bidirectional edge, pruning either side that exceeds its
// cap. Node locks are taken in ascending offset order.
func (ix *Index) linkPair(a, b uint32, level int) error {
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	ix.nodes[lo].mu.Lock()
	ix.nodes[hi].mu.Lock()
	ix.addLink(a, b, level)
	ix.addLink(b, a, level)
	overA := len(ix.nodes[a].links[level]) > ix.capAt(level)
	overB := len(ix.nodes[b].links[level]) > ix.capAt(level)
	ix.nodes[hi].mu.Unlock()
	ix.nodes[lo].mu.Unlock()

	if overA {
		if err := ix.pruneNode(a, level); err != nil {
			return err
		}
	}
	if overB {
		if err := ix.pruneNode(b, level); err != nil {
			return err
		}
	}
	return nil
}

// addLink appends b to a's level list if absent. Caller holds a's lock.
func (ix *Index) addLink(a, b uint32, level int) {
	links := ix.nodes[a].links[level]
	for _, existing := range links {
		if existing == b {
			return
		}
	}
	ix.nodes[a].links[level] = append(links, b)
}

// pruneNode re-runs the heuristic over an overfull node's neighbor list.
func (ix *Index) pruneNode(o uint32, level int) error {
	n := ix.nodes[o]

	n.mu.Lock()
	current := make([]uint32, len(n.links[level]))
	copy(current, n.links[level])
	n.mu.Unlock()

	cands := make([]Candidate, 0, len(current))
	for _, nb := range current {
		d, err := ix.distBetween(o, nb)
		if err != nil {
			return err
		}
		cands = append(cands, Candidate{Offset: nb, Distance: d})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].Distance != cands[j].Distance {
			return cands[i].Distance < cands[j].Distance
		}
		return cands[i].Offset < cands[j].Offset
	})

	distTo := func(target uint32) (float32, error) { return ix.distBetween(o, target) }
	selected, err := ix.selectNeighbors(distTo, cands, ix.capAt(level), o)
	if err != nil {
		return err
	}

	pruned := make([]uint32, len(selected))
	for i, s := range selected {
		pruned[i] = s.Offset
	}
	n.mu.Lock()
	n.links[level] = pruned
	n.mu.Unlock()
	return nil
}

// Delete tombstones an offset. The node stays in the graph and remains
// traversable until Rebuild.
func (ix *Index) Delete(offset uint32) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if int(offset) >= len(ix.nodes) {
		return fmt.Errorf("%w: offset %d", vecerr.ErrNotFound, offset)
	}
	n := ix.nodes[offset]
	if n.tombstone {
		return fmt.Errorf("%w: offset %d already deleted", vecerr.ErrNotFound, offset)
	}
	n.tombstone = true
	ix.live--

	// A tombstoned entry point still navigates, but prefer a live one when
	// one exists: scan the arena for the highest-level live node.
	if ix.entry == offset {
		if alt, ok := ix.findLiveEntry(); ok {
			ix.entry = alt
			ix.maxLevel = ix.nodes[alt].level
		}
	}
	return nil
}

// findLiveEntry returns the highest-level live node, preferring low offsets.
func (ix *Index) findLiveEntry() (uint32, bool) {
	best := uint32(0)
	bestLevel := -1
	for i, n := range ix.nodes {
		if n.tombstone {
			continue
		}
		if n.level > bestLevel {
			best, bestLevel = uint32(i), n.level
		}
	}
	return best, bestLevel >= 0
}

// Rebuild constructs a fresh graph over a compacted vector source, inserting
// offsets 0..n-1 in order. HNSW is order-sensitive: callers must present
// vectors in the original insertion order.
func (ix *Index) Rebuild(ctx context.Context, source VectorSource, n int) (*Index, error) {
	fresh, err := New(ix.cfg, source)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		if err := fresh.Insert(ctx, uint32(i), source.Vector(uint32(i))); err != nil {
			return nil, fmt.Errorf("rebuilding offset %d: %w", i, err)
		}
	}
	return fresh, nil
}
