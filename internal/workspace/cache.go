package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// FileState is one file's cached fingerprint.
type FileState struct {
	Hash    uint64    `json:"hash"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
	Chunks  int       `json:"chunks"`
}

// Cache is the per-collection file hash table used for startup validation
// and no-op change detection. Persisted as JSON in the cache directory.
type Cache struct {
	mu    sync.Mutex
	path  string
	files map[string]FileState // project-relative path -> state
}

// OpenCache loads or creates the cache manifest for a collection.
func OpenCache(dir, collectionName string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	c := &Cache{
		path:  filepath.Join(dir, collectionName+".cache.json"),
		files: make(map[string]FileState),
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.files); err != nil {
		// A damaged manifest just forces a rebuild.
		c.files = make(map[string]FileState)
	}
	return c, nil
}

// Get returns the cached state for a relative path.
func (c *Cache) Get(rel string) (FileState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.files[rel]
	return st, ok
}

// Put records a file's state.
func (c *Cache) Put(rel string, st FileState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files[rel] = st
}

// Delete forgets a file.
func (c *Cache) Delete(rel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.files, rel)
}

// Paths returns all cached relative paths.
func (c *Cache) Paths() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.files))
	for p := range c.files {
		out = append(out, p)
	}
	return out
}

// Flush persists the manifest atomically.
func (c *Cache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(c.files, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing cache: %w", err)
	}
	return nil
}

// Valid checks one file against the cache at the given validation level.
// Level none trusts the cache entry; basic compares size and mtime; full
// rehashes content and compares the 64-bit hash only, so a hash collision
// is not detected.
func (c *Cache) Valid(root, rel string, level ValidationLevel) bool {
	st, ok := c.Get(rel)
	if !ok {
		return false
	}
	if level == ValidationNone {
		return true
	}

	abs := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return false
	}
	if level == ValidationBasic {
		return info.Size() == st.Size && info.ModTime().Equal(st.ModTime)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return false
	}
	return xxhash.Sum64(data) == st.Hash
}

// HashBytes is the content hash used across the indexer.
func HashBytes(data []byte) uint64 { return xxhash.Sum64(data) }
