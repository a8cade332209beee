package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/collection"
	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/numeric"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		size    int
		overlap int
		want    []Chunk
	}{
		{
			name: "empty yields none",
			text: "", size: 10, overlap: 2,
			want: nil,
		},
		{
			name: "single short chunk",
			text: "hello", size: 10, overlap: 2,
			want: []Chunk{{Index: 0, Text: "hello"}},
		},
		{
			name: "overlapping windows",
			text: "abcdefghij", size: 4, overlap: 2,
			want: []Chunk{
				{Index: 0, Text: "abcd"},
				{Index: 1, Text: "cdef"},
				{Index: 2, Text: "efgh"},
				{Index: 3, Text: "ghij"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChunkText(tt.text, tt.size, tt.overlap))
		})
	}
}

func TestChunkTextRuneSafe(t *testing.T) {
	text := "héllo wörld ünïcode"
	for _, ch := range ChunkText(text, 5, 1) {
		assert.True(t, len([]rune(ch.Text)) <= 5)
	}
}

func TestMatcher(t *testing.T) {
	m, err := NewMatcher([]string{"**/*.md", "docs/**"}, []string{"**/draft-*"})
	require.NoError(t, err)

	assert.True(t, m.Match("readme.md"))
	assert.True(t, m.Match("deep/nested/file.md"))
	assert.True(t, m.Match("docs/anything.txt"))
	assert.False(t, m.Match("main.go"))
	assert.False(t, m.Match("notes/draft-1.md"), "exclude wins")

	_, err = NewMatcher([]string{"[bad"}, nil)
	assert.Error(t, err)
}

func TestCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()

	c, err := OpenCache(dir, "docs")
	require.NoError(t, err)

	st := FileState{Hash: 42, ModTime: time.Now().Truncate(time.Second), Size: 10, Chunks: 2}
	c.Put("a.md", st)
	require.NoError(t, c.Flush())

	reopened, err := OpenCache(dir, "docs")
	require.NoError(t, err)
	got, ok := reopened.Get("a.md")
	require.True(t, ok)
	assert.Equal(t, st.Hash, got.Hash)
	assert.Equal(t, st.Chunks, got.Chunks)
}

func TestCacheValidation(t *testing.T) {
	root := t.TempDir()
	cacheDir := t.TempDir()
	path := filepath.Join(root, "a.md")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	info, err := os.Stat(path)
	require.NoError(t, err)

	c, err := OpenCache(cacheDir, "docs")
	require.NoError(t, err)
	c.Put("a.md", FileState{
		Hash:    HashBytes([]byte("content")),
		ModTime: info.ModTime(),
		Size:    info.Size(),
	})

	for _, level := range []ValidationLevel{ValidationNone, ValidationBasic, ValidationFull} {
		assert.True(t, c.Valid(root, "a.md", level), level)
	}

	// Change content but keep size: only full validation notices.
	require.NoError(t, os.WriteFile(path, []byte("CONTENT"), 0o644))
	require.NoError(t, os.Chtimes(path, info.ModTime(), info.ModTime()))
	assert.True(t, c.Valid(root, "a.md", ValidationNone))
	assert.True(t, c.Valid(root, "a.md", ValidationBasic))
	assert.False(t, c.Valid(root, "a.md", ValidationFull))

	// A vanished file fails basic and full.
	require.NoError(t, os.Remove(path))
	assert.False(t, c.Valid(root, "a.md", ValidationBasic))
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Projects: []ProjectConfig{{
		Name: "p", Root: "/tmp/p",
		Collections: []CollectionConfig{{Name: "docs", Include: []string{"**/*.md"}}},
	}}}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultChunkSize, cfg.Projects[0].Collections[0].ChunkSize)

	dup := Config{Projects: []ProjectConfig{{
		Name: "p", Root: "/tmp/p",
		Collections: []CollectionConfig{
			{Name: "docs", Include: []string{"**"}},
			{Name: "docs", Include: []string{"**"}},
		},
	}}}
	dup.ApplyDefaults()
	assert.Error(t, dup.Validate())
}

// newBinding builds a workspace collection with a hash embedder binding
// over a temp root.
func newBinding(t *testing.T, root string, include []string) (*Binding, *collection.Collection) {
	t.Helper()
	coll, err := collection.New(collection.Config{
		Name: "docs", Dim: 32, Metric: numeric.Cosine, Type: collection.Workspace, Seed: 1,
	}, zap.NewNop())
	require.NoError(t, err)

	matcher, err := NewMatcher(include, nil)
	require.NoError(t, err)
	cache, err := OpenCache(t.TempDir(), "docs")
	require.NoError(t, err)

	return &Binding{
		Project: "p",
		Root:    root,
		Config:  CollectionConfig{Name: "docs", ChunkSize: 64, ChunkOverlap: 8},
		Matcher: matcher,
		Writer:  coll.NewWriter(),
		Cache:   cache,
	}, coll
}

func newTestIndexer(t *testing.T, b *Binding) *Indexer {
	t.Helper()
	ix := NewIndexer(Config{Validation: ValidationFull}, embeddings.NewHashProvider(32), nil, zap.NewNop())
	ix.AddBinding(b)
	return ix
}

func filePaths(t *testing.T, w *collection.Writer) map[string]int {
	t.Helper()
	out := map[string]int{}
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		out[name] = len(w.FindIDsByPayload("file_path", name))
	}
	return out
}

func TestFileLifecycle(t *testing.T) {
	// Scenario: include **/*.md over a.md ("hello world") and b.md
	// ("goodbye"); modify a.md; delete b.md.
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("hello world"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.md"), []byte("goodbye"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ignored.go"), []byte("package x"), 0o644))

	b, coll := newBinding(t, root, []string{"**/*.md"})
	ix := newTestIndexer(t, b)
	ctx := context.Background()

	require.NoError(t, ix.SyncAll(ctx))

	counts := filePaths(t, b.Writer)
	assert.Equal(t, 1, counts["a.md"])
	assert.Equal(t, 1, counts["b.md"])
	assert.Zero(t, counts["c.md"])
	assert.Equal(t, 2, coll.Count())

	// Vectors carry the required metadata.
	ids := b.Writer.FindIDsByPayload("file_path", "a.md")
	require.Len(t, ids, 1)
	got, err := coll.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "a.md", got.Payload["file_path"])
	assert.Contains(t, got.Payload, "chunk_index")
	assert.Contains(t, got.Payload, "content_hash")
	originalHash := got.Payload["content_hash"]

	// Modify a.md: its vectors are replaced, b.md untouched.
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("hello universe"), 0o644))
	ix.handleEvent(ctx, Event{Path: filepath.Join(root, "a.md"), Kind: EventModified})

	ids = b.Writer.FindIDsByPayload("file_path", "a.md")
	require.Len(t, ids, 1)
	got, err = coll.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.NotEqual(t, originalHash, got.Payload["content_hash"])
	assert.Equal(t, 1, len(b.Writer.FindIDsByPayload("file_path", "b.md")))

	// Delete b.md: its vectors are gone.
	require.NoError(t, os.Remove(filepath.Join(root, "b.md")))
	ix.handleEvent(ctx, Event{Path: filepath.Join(root, "b.md"), Kind: EventDeleted})
	assert.Empty(t, b.Writer.FindIDsByPayload("file_path", "b.md"))
	assert.Equal(t, 1, coll.Count())
}

func TestNoOpModificationSkipsReindex(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("stable"), 0o644))

	b, coll := newBinding(t, root, []string{"**/*.md"})
	ix := newTestIndexer(t, b)
	ctx := context.Background()

	require.NoError(t, ix.SyncAll(ctx))
	first := b.Writer.FindIDsByPayload("file_path", "a.md")

	// Same content: the content-hash short-circuit keeps the state as-is.
	ix.handleEvent(ctx, Event{Path: filepath.Join(root, "a.md"), Kind: EventModified})
	assert.Equal(t, first, b.Writer.FindIDsByPayload("file_path", "a.md"))
	assert.Equal(t, 1, coll.Count())
}

func TestSyncRemovesVanishedFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.md"), []byte("here"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.md"), []byte("gone soon"), 0o644))

	b, coll := newBinding(t, root, []string{"**/*.md"})
	ix := newTestIndexer(t, b)
	ctx := context.Background()

	require.NoError(t, ix.SyncAll(ctx))
	assert.Equal(t, 2, coll.Count())

	// Simulate a deletion while the daemon was down: resync reconciles.
	require.NoError(t, os.Remove(filepath.Join(root, "b.md")))
	require.NoError(t, ix.SyncAll(ctx))
	assert.Equal(t, 1, coll.Count())
	assert.Empty(t, b.Writer.FindIDsByPayload("file_path", "b.md"))
}

func TestLargeFileProducesMultipleChunks(t *testing.T) {
	root := t.TempDir()
	long := make([]byte, 500)
	for i := range long {
		long[i] = byte('a' + i%26)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.md"), long, 0o644))

	b, coll := newBinding(t, root, []string{"**/*.md"})
	ix := newTestIndexer(t, b)
	require.NoError(t, ix.SyncAll(context.Background()))

	ids := b.Writer.FindIDsByPayload("file_path", "big.md")
	assert.Greater(t, len(ids), 1)
	assert.Equal(t, len(ids), coll.Count())
}

func TestWatcherDebounceAndDedup(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(50*time.Millisecond, 100, zap.NewNop())
	require.NoError(t, err)
	defer w.Close()
	require.NoError(t, w.WatchTree(root))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	path := filepath.Join(root, "f.md")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("edit"), 0o644))
		time.Sleep(5 * time.Millisecond)
	}

	// Rapid edits collapse into a single event after the debounce window.
	select {
	case ev := <-w.Events():
		assert.Equal(t, path, ev.Path)
	case <-time.After(2 * time.Second):
		t.Fatal("no event emitted")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("expected one debounced event, got second: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
