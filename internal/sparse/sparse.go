// Package sparse provides the optional sparse-vector companion index for
// hybrid dense+sparse retrieval: an inverted index over integer dimensions
// with BM25 scoring, plus the fusion helpers that merge sparse and dense
// rankings.
package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// BM25 constants; the usual defaults.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// Vector is a sparse vector: a mapping from integer dimension to weight.
type Vector map[uint32]float32

// Scored is a ranked offset returned by Search.
type Scored struct {
	Offset uint32
	Score  float32
}

type posting struct {
	offset uint32
	weight float32
}

// Index is an inverted index keyed by sparse dimension. Offsets are the
// owning collection's internal vector offsets.
type Index struct {
	mu       sync.RWMutex
	postings map[uint32][]posting
	docLen   map[uint32]float64
	totalLen float64
	removed  map[uint32]struct{}
}

// NewIndex creates an empty sparse index.
func NewIndex() *Index {
	return &Index{
		postings: make(map[uint32][]posting),
		docLen:   make(map[uint32]float64),
		removed:  make(map[uint32]struct{}),
	}
}

// Add indexes the sparse vector under the offset.
func (ix *Index) Add(offset uint32, vec Vector) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	delete(ix.removed, offset)
	var length float64
	for dim, w := range vec {
		if w == 0 {
			continue
		}
		ix.postings[dim] = append(ix.postings[dim], posting{offset: offset, weight: w})
		length += float64(w)
	}
	ix.docLen[offset] = length
	ix.totalLen += length
}

// Remove drops an offset from scoring. Postings are filtered lazily at
// query time; Compact rebuilds the lists.
func (ix *Index) Remove(offset uint32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if length, ok := ix.docLen[offset]; ok {
		ix.totalLen -= length
		delete(ix.docLen, offset)
		ix.removed[offset] = struct{}{}
	}
}

// Len returns the number of live documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docLen)
}

// Search scores documents sharing at least one dimension with the query
// using BM25 and returns the top k, ties broken by offset.
func (ix *Index) Search(query Vector, k int) []Scored {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	n := len(ix.docLen)
	if n == 0 || k <= 0 {
		return nil
	}
	avgLen := ix.totalLen / float64(n)
	if avgLen == 0 {
		avgLen = 1
	}

	scores := make(map[uint32]float64)
	for dim, qw := range query {
		if qw == 0 {
			continue
		}
		plist := ix.postings[dim]
		df := 0
		for _, p := range plist {
			if _, gone := ix.removed[p.offset]; !gone {
				df++
			}
		}
		if df == 0 {
			continue
		}
		idf := math.Log(1 + (float64(n)-float64(df)+0.5)/(float64(df)+0.5))
		for _, p := range plist {
			if _, gone := ix.removed[p.offset]; gone {
				continue
			}
			tf := float64(p.weight)
			norm := tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*ix.docLen[p.offset]/avgLen))
			scores[p.offset] += float64(qw) * idf * norm
		}
	}

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
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Compact rewrites posting lists without removed offsets and remaps the
// survivors through remap (old offset -> new offset). Used after the
// owning collection compacts its vector table.
func (ix *Index) Compact(remap map[uint32]uint32) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	newPostings := make(map[uint32][]posting, len(ix.postings))
	for dim, plist := range ix.postings {
		kept := make([]posting, 0, len(plist))
		for _, p := range plist {
			if _, gone := ix.removed[p.offset]; gone {
				continue
			}
			newOffset, ok := remap[p.offset]
			if !ok {
				continue
			}
			kept = append(kept, posting{offset: newOffset, weight: p.weight})
		}
		if len(kept) > 0 {
			newPostings[dim] = kept
		}
	}
	newLens := make(map[uint32]float64, len(ix.docLen))
	for o, l := range ix.docLen {
		if newOffset, ok := remap[o]; ok {
			newLens[newOffset] = l
		}
	}
	ix.postings = newPostings
	ix.docLen = newLens
	ix.removed = make(map[uint32]struct{})
}

// Marshal serializes the index.
// Layout: docCount, per doc {offset, length f64}; dimCount, per dim
// {dim, postingCount, postings {offset, weight}}. Removed offsets are
// compacted away on write.
func (ix *Index) Marshal() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, binary.LittleEndian, v) } //nolint:errcheck // bytes.Buffer never fails

	w(uint32(len(ix.docLen)))
	docs := make([]uint32, 0, len(ix.docLen))
	for o := range ix.docLen {
		docs = append(docs, o)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i] < docs[j] })
	for _, o := range docs {
		w(o)
		w(ix.docLen[o])
	}

	dims := make([]uint32, 0, len(ix.postings))
	for d := range ix.postings {
		dims = append(dims, d)
	}
	sort.Slice(dims, func(i, j int) bool { return dims[i] < dims[j] })
	w(uint32(len(dims)))
	for _, d := range dims {
		live := make([]posting, 0, len(ix.postings[d]))
		for _, p := range ix.postings[d] {
			if _, gone := ix.removed[p.offset]; !gone {
				live = append(live, p)
			}
		}
		w(d)
		w(uint32(len(live)))
		for _, p := range live {
			w(p.offset)
			w(p.weight)
		}
	}
	return buf.Bytes(), nil
}

// Unmarshal restores an index serialized by Marshal.
func (ix *Index) Unmarshal(data []byte) error {
	r := bytes.NewReader(data)
	rd := func(v any) error { return binary.Read(r, binary.LittleEndian, v) }

	var docCount uint32
	if err := rd(&docCount); err != nil {
		return fmt.Errorf("%w: sparse index header: %v", vecerr.ErrCorruptedArchive, err)
	}
	docLen := make(map[uint32]float64, docCount)
	var totalLen float64
	for i := uint32(0); i < docCount; i++ {
		var o uint32
		var l float64
		if err := rd(&o); err != nil {
			return fmt.Errorf("%w: sparse doc table: %v", vecerr.ErrCorruptedArchive, err)
		}
		if err := rd(&l); err != nil {
			return fmt.Errorf("%w: sparse doc table: %v", vecerr.ErrCorruptedArchive, err)
		}
		docLen[o] = l
		totalLen += l
	}

	var dimCount uint32
	if err := rd(&dimCount); err != nil {
		return fmt.Errorf("%w: sparse postings header: %v", vecerr.ErrCorruptedArchive, err)
	}
	postings := make(map[uint32][]posting, dimCount)
	for i := uint32(0); i < dimCount; i++ {
		var dim, n uint32
		if err := rd(&dim); err != nil {
			return fmt.Errorf("%w: sparse postings: %v", vecerr.ErrCorruptedArchive, err)
		}
		if err := rd(&n); err != nil {
			return fmt.Errorf("%w: sparse postings: %v", vecerr.ErrCorruptedArchive, err)
		}
		plist := make([]posting, n)
		for j := range plist {
			if err := rd(&plist[j].offset); err != nil {
				return fmt.Errorf("%w: sparse postings: %v", vecerr.ErrCorruptedArchive, err)
			}
			if err := rd(&plist[j].weight); err != nil {
				return fmt.Errorf("%w: sparse postings: %v", vecerr.ErrCorruptedArchive, err)
			}
		}
		postings[dim] = plist
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.postings = postings
	ix.docLen = docLen
	ix.totalLen = totalLen
	ix.removed = make(map[uint32]struct{})
	return nil
}
