package sparse

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchRanksSharedDimensions(t *testing.T) {
	ix := NewIndex()
	ix.Add(0, Vector{1: 2, 2: 1})       // strong match on dim 1
	ix.Add(1, Vector{1: 0.5, 3: 4})     // weak match on dim 1
	ix.Add(2, Vector{7: 3})             // no shared dims
	ix.Add(3, Vector{2: 2})             // matches dim 2 only

	res := ix.Search(Vector{1: 1}, 10)
	require.Len(t, res, 2)
	assert.Equal(t, uint32(0), res[0].Offset)
	assert.Equal(t, uint32(1), res[1].Offset)
	assert.Greater(t, res[0].Score, res[1].Score)
}

func TestSearchEmptyIndex(t *testing.T) {
	ix := NewIndex()
	assert.Empty(t, ix.Search(Vector{1: 1}, 5))
}

func TestRemoveExcludesFromScoring(t *testing.T) {
	ix := NewIndex()
	ix.Add(0, Vector{1: 1})
	ix.Add(1, Vector{1: 1})
	ix.Remove(0)

	res := ix.Search(Vector{1: 1}, 10)
	require.Len(t, res, 1)
	assert.Equal(t, uint32(1), res[0].Offset)
	assert.Equal(t, 1, ix.Len())
}

func TestCompactRemapsOffsets(t *testing.T) {
	ix := NewIndex()
	ix.Add(0, Vector{1: 1})
	ix.Add(1, Vector{1: 2})
	ix.Add(2, Vector{1: 3})
	ix.Remove(1)

	ix.Compact(map[uint32]uint32{0: 0, 2: 1})

	res := ix.Search(Vector{1: 1}, 10)
	require.Len(t, res, 2)
	offsets := []uint32{res[0].Offset, res[1].Offset}
	assert.ElementsMatch(t, []uint32{0, 1}, offsets)
}

func TestMarshalRoundTrip(t *testing.T) {
	ix := NewIndex()
	ix.Add(0, Vector{1: 2, 5: 1})
	ix.Add(1, Vector{1: 1})
	ix.Add(2, Vector{9: 4})
	ix.Remove(2)

	data, err := ix.Marshal()
	require.NoError(t, err)

	restored := NewIndex()
	require.NoError(t, restored.Unmarshal(data))

	a := ix.Search(Vector{1: 1}, 10)
	b := restored.Search(Vector{1: 1}, 10)
	assert.Equal(t, a, b)
	assert.Equal(t, ix.Len(), restored.Len())
}

func TestFuseRRF(t *testing.T) {
	dense := []Ranked{{Offset: 1, Score: 0.1}, {Offset: 2, Score: 0.2}, {Offset: 3, Score: 0.3}}
	sp := []Ranked{{Offset: 2, Score: 9}, {Offset: 1, Score: 5}}

	fused := FuseRRF(60, dense, sp)
	require.Len(t, fused, 3)

	// Offsets 1 and 2 both appear in two lists; 1 leads dense and is second
	// sparse, 2 leads sparse and is second dense — identical RRF mass, so
	// the offset tiebreak puts 1 first. 3 appears once and ranks last.
	assert.Equal(t, uint32(1), fused[0].Offset)
	assert.Equal(t, uint32(2), fused[1].Offset)
	assert.Equal(t, uint32(3), fused[2].Offset)
	assert.Equal(t, fused[0].Score, fused[1].Score)
}

func TestFuseLinear(t *testing.T) {
	// Dense scores are distances: 1 is best. Sparse: 2 is best.
	dense := []Ranked{{Offset: 1, Score: 0.0}, {Offset: 2, Score: 1.0}}
	sp := []Ranked{{Offset: 2, Score: 10}, {Offset: 1, Score: 0}}

	allDense := FuseLinear(1.0, dense, sp)
	assert.Equal(t, uint32(1), allDense[0].Offset)

	allSparse := FuseLinear(0.0, dense, sp)
	assert.Equal(t, uint32(2), allSparse[0].Offset)
}
