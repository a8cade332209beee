// Package workspace turns workspace configuration into collections whose
// contents mirror the filesystem: file discovery, chunking, embedding
// dispatch and incremental change application.
package workspace

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

const (
	// DefaultChunkSize is the chunk window in characters.
	DefaultChunkSize = 2048
	// DefaultChunkOverlap is the window overlap in characters.
	DefaultChunkOverlap = 256
	// DefaultDebounce collapses rapid edits to one event.
	DefaultDebounce = 400 * time.Millisecond
	// DefaultMaxPendingEvents bounds the watcher queue.
	DefaultMaxPendingEvents = 1000
	// DefaultMaxInFlightEmbeds bounds concurrent embedding calls.
	DefaultMaxInFlightEmbeds = 5
)

// ValidationLevel controls startup cache validation.
type ValidationLevel string

const (
	// ValidationNone trusts the cache.
	ValidationNone ValidationLevel = "none"
	// ValidationBasic checks existence and modification time.
	ValidationBasic ValidationLevel = "basic"
	// ValidationFull rehashes file content.
	ValidationFull ValidationLevel = "full"
)

// Config is the workspace section of the daemon configuration.
type Config struct {
	Projects          []ProjectConfig `koanf:"projects"`
	DebounceMillis    int             `koanf:"debounce_millis"`
	MaxPendingEvents  int             `koanf:"max_pending_events"`
	MaxInFlightEmbeds int             `koanf:"max_in_flight_embeds"`
	Validation        ValidationLevel `koanf:"validation"`
	CacheDir          string          `koanf:"cache_dir"`
}

// ProjectConfig is one watched project root.
type ProjectConfig struct {
	Name        string             `koanf:"name"`
	Root        string             `koanf:"root"`
	Collections []CollectionConfig `koanf:"collections"`
}

// CollectionConfig defines one workspace collection by its file patterns
// and chunking parameters.
type CollectionConfig struct {
	Name         string   `koanf:"name"`
	Include      []string `koanf:"include"`
	Exclude      []string `koanf:"exclude"`
	ChunkSize    int      `koanf:"chunk_size"`
	ChunkOverlap int      `koanf:"chunk_overlap"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.DebounceMillis == 0 {
		c.DebounceMillis = int(DefaultDebounce / time.Millisecond)
	}
	if c.MaxPendingEvents == 0 {
		c.MaxPendingEvents = DefaultMaxPendingEvents
	}
	if c.MaxInFlightEmbeds == 0 {
		c.MaxInFlightEmbeds = DefaultMaxInFlightEmbeds
	}
	if c.Validation == "" {
		c.Validation = ValidationBasic
	}
	for pi := range c.Projects {
		for ci := range c.Projects[pi].Collections {
			cc := &c.Projects[pi].Collections[ci]
			if cc.ChunkSize == 0 {
				cc.ChunkSize = DefaultChunkSize
			}
			if cc.ChunkOverlap == 0 {
				cc.ChunkOverlap = DefaultChunkOverlap
			}
		}
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Validation {
	case ValidationNone, ValidationBasic, ValidationFull:
	default:
		return fmt.Errorf("%w: unknown validation level %q", vecerr.ErrInvalidParameter, c.Validation)
	}
	seen := map[string]bool{}
	for _, p := range c.Projects {
		if p.Root == "" {
			return fmt.Errorf("%w: project %q has no root", vecerr.ErrInvalidParameter, p.Name)
		}
		for _, cc := range p.Collections {
			if cc.Name == "" {
				return fmt.Errorf("%w: unnamed collection in project %q", vecerr.ErrInvalidParameter, p.Name)
			}
			if seen[cc.Name] {
				return fmt.Errorf("%w: duplicate workspace collection %q", vecerr.ErrInvalidParameter, cc.Name)
			}
			seen[cc.Name] = true
			if len(cc.Include) == 0 {
				return fmt.Errorf("%w: collection %q has no include patterns", vecerr.ErrInvalidParameter, cc.Name)
			}
			if cc.ChunkOverlap >= cc.ChunkSize {
				return fmt.Errorf("%w: collection %q overlap %d >= chunk size %d",
					vecerr.ErrInvalidParameter, cc.Name, cc.ChunkOverlap, cc.ChunkSize)
			}
		}
	}
	return nil
}

// Debounce returns the debounce window as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}
