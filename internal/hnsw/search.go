package hnsw

import (
	"container/heap"
	"context"
	"fmt"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// candHeap is a min-heap of candidates ordered by distance, ties broken by
// offset for deterministic traversal.
type candHeap []Candidate

func (h candHeap) Len() int { return len(h) }
func (h candHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance < h[j].Distance
	}
	return h[i].Offset < h[j].Offset
}
func (h candHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x any)   { *h = append(*h, x.(Candidate)) }

func (h *candHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// farHeap is a max-heap of candidates: the root is the worst result kept.
type farHeap []Candidate

func (h farHeap) Len() int { return len(h) }
func (h farHeap) Less(i, j int) bool {
	if h[i].Distance != h[j].Distance {
		return h[i].Distance > h[j].Distance
	}
	return h[i].Offset > h[j].Offset
}
func (h farHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *farHeap) Push(x any)   { *h = append(*h, x.(Candidate)) }

func (h *farHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	*h = old[:n-1]
	return c
}

// Search returns the k closest live offsets to the query represented by
// distTo. The level-0 candidate list size is the largest of ef,
// cfg.EfSearch and k, so ef can widen the list but not narrow it.
//
// Cancellation is observed at candidate-list expansion boundaries and
// surfaces as ErrCancelled.
func (ix *Index) Search(ctx context.Context, distTo DistanceToFunc, k, ef int) ([]Candidate, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive", vecerr.ErrInvalidParameter)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if ix.live == 0 {
		return nil, vecerr.ErrEmptyIndex
	}
	if ef < ix.cfg.EfSearch {
		ef = ix.cfg.EfSearch
	}
	if ef < k {
		ef = k
	}

	// Greedy descent through the upper levels with a single-candidate beam.
	cur := ix.entry
	curDist, err := distTo(cur)
	if err != nil {
		return nil, err
	}
	for level := ix.maxLevel; level > 0; level-- {
		cur, curDist, err = ix.greedyStep(ctx, distTo, cur, curDist, level)
		if err != nil {
			return nil, err
		}
	}

	// Bounded best-first search at level 0.
	found, err := ix.searchLayer(ctx, distTo, Candidate{Offset: cur, Distance: curDist}, ef, 0)
	if err != nil {
		return nil, err
	}

	// Filter tombstones, then keep the k best.
	out := make([]Candidate, 0, k)
	for _, c := range found {
		if ix.nodes[c.Offset].tombstone {
			continue
		}
		out = append(out, c)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// greedyStep walks to the closest neighbor at the level until no neighbor
// improves on the current node.
func (ix *Index) greedyStep(ctx context.Context, distTo DistanceToFunc, cur uint32, curDist float32, level int) (uint32, float32, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", vecerr.ErrCancelled, err)
		}
		improved := false
		for _, nb := range ix.nodes[cur].neighbors(level) {
			d, err := distTo(nb)
			if err != nil {
				return 0, 0, err
			}
			if d < curDist || (d == curDist && nb < cur) {
				cur, curDist = nb, d
				improved = true
			}
		}
		if !improved {
			return cur, curDist, nil
		}
	}
}

// searchLayer runs the bounded best-first search of the paper: expand the
// closest unexpanded candidate until the closest is no better than the
// worst kept result. Tombstoned nodes are traversed but remain in the
// result set only until the caller filters them.
func (ix *Index) searchLayer(ctx context.Context, distTo DistanceToFunc, ep Candidate, ef, level int) ([]Candidate, error) {
	visited := map[uint32]struct{}{ep.Offset: {}}

	candidates := candHeap{ep}
	heap.Init(&candidates)
	results := farHeap{ep}
	heap.Init(&results)

	for candidates.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", vecerr.ErrCancelled, err)
		}

		closest := heap.Pop(&candidates).(Candidate)
		if results.Len() >= ef && closest.Distance > results[0].Distance {
			break
		}

		for _, nb := range ix.nodes[closest.Offset].neighbors(level) {
			if _, seen := visited[nb]; seen {
				continue
			}
			visited[nb] = struct{}{}

			d, err := distTo(nb)
			if err != nil {
				return nil, err
			}
			if results.Len() < ef || d < results[0].Distance {
				c := Candidate{Offset: nb, Distance: d}
				heap.Push(&candidates, c)
				heap.Push(&results, c)
				if results.Len() > ef {
					heap.Pop(&results)
				}
			}
		}
	}

	// Drain the far-heap into ascending order.
	out := make([]Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&results).(Candidate)
	}
	return out, nil
}

// exactDistTo adapts the kernel distance for a query vector.
func (ix *Index) exactDistTo(vec []float32) DistanceToFunc {
	return func(o uint32) (float32, error) {
		return ix.distToVec(vec, o)
	}
}
