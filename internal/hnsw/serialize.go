package hnsw

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// graphFormatVersion tags the serialized layout.
const graphFormatVersion = 1

// Marshal serializes the graph: per node its level, tombstone flag and
// per-level neighbor lists. Vectors are not included; they live in the
// owner's table and offsets are the join key.
func (ix *Index) Marshal() ([]byte, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, binary.LittleEndian, v) } //nolint:errcheck // bytes.Buffer never fails

	w(uint32(graphFormatVersion))
	w(uint32(len(ix.nodes)))
	w(uint32(ix.live))
	w(ix.entry)
	if ix.hasEntry {
		w(uint8(1))
	} else {
		w(uint8(0))
	}
	w(uint32(ix.maxLevel))

	for _, n := range ix.nodes {
		n.mu.Lock()
		w(uint32(n.level))
		if n.tombstone {
			w(uint8(1))
		} else {
			w(uint8(0))
		}
		for l := 0; l <= n.level; l++ {
			w(uint32(len(n.links[l])))
			for _, nb := range n.links[l] {
				w(nb)
			}
		}
		n.mu.Unlock()
	}
	return buf.Bytes(), nil
}

// Unmarshal restores a graph serialized by Marshal into an empty index.
// Loaders never reorder: arena order is the owner's insertion order and is
// authoritative.
func (ix *Index) Unmarshal(data []byte) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if len(ix.nodes) != 0 {
		return fmt.Errorf("%w: unmarshal into non-empty index", vecerr.ErrInvalidParameter)
	}

	r := bytes.NewReader(data)
	var version, count, live, entry, maxLevel uint32
	var hasEntry uint8
	for _, v := range []any{&version, &count, &live, &entry, &hasEntry, &maxLevel} {
		if err := binary.Read(r, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("%w: graph header: %v", vecerr.ErrCorruptedArchive, err)
		}
	}
	if version != graphFormatVersion {
		return fmt.Errorf("%w: unsupported graph format version %d", vecerr.ErrCorruptedArchive, version)
	}

	nodes := make([]*node, 0, count)
	for i := uint32(0); i < count; i++ {
		var level uint32
		var tomb uint8
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return fmt.Errorf("%w: node %d level: %v", vecerr.ErrCorruptedArchive, i, err)
		}
		if err := binary.Read(r, binary.LittleEndian, &tomb); err != nil {
			return fmt.Errorf("%w: node %d tombstone: %v", vecerr.ErrCorruptedArchive, i, err)
		}
		if int(level) > ix.cfg.MaxLevel {
			return fmt.Errorf("%w: node %d level %d exceeds max %d",
				vecerr.ErrCorruptedArchive, i, level, ix.cfg.MaxLevel)
		}
		links := make([][]uint32, level+1)
		for l := uint32(0); l <= level; l++ {
			var n uint32
			if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
				return fmt.Errorf("%w: node %d links: %v", vecerr.ErrCorruptedArchive, i, err)
			}
			ls := make([]uint32, n)
			for j := range ls {
				if err := binary.Read(r, binary.LittleEndian, &ls[j]); err != nil {
					return fmt.Errorf("%w: node %d links: %v", vecerr.ErrCorruptedArchive, i, err)
				}
				if ls[j] >= count {
					return fmt.Errorf("%w: node %d links to out-of-range offset %d",
						vecerr.ErrCorruptedArchive, i, ls[j])
				}
			}
			links[l] = ls
		}
		nodes = append(nodes, &node{level: int(level), links: links, tombstone: tomb == 1})
	}

	if hasEntry == 1 && entry >= count {
		return fmt.Errorf("%w: entry point %d out of range", vecerr.ErrCorruptedArchive, entry)
	}

	ix.nodes = nodes
	ix.live = int(live)
	ix.entry = entry
	ix.hasEntry = hasEntry == 1
	ix.maxLevel = int(maxLevel)
	return nil
}
