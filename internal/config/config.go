// Package config provides configuration loading for vectord.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/vectord/internal/embeddings"
	"github.com/fyrsmithlabs/vectord/internal/logging"
	"github.com/fyrsmithlabs/vectord/internal/persist"
	"github.com/fyrsmithlabs/vectord/internal/workspace"
)

// Config is the daemon configuration tree.
type Config struct {
	Logging    logging.Config    `koanf:"logging"`
	Storage    StorageConfig     `koanf:"storage"`
	Embeddings embeddings.Config `koanf:"embeddings"`
	Workspace  workspace.Config  `koanf:"workspace"`
}

// StorageConfig controls the persistence layer.
type StorageConfig struct {
	// Dir is the data directory holding the archive, WALs and snapshots.
	Dir string `koanf:"dir"`

	// ArchiveName is the compact archive file name. Default: "vectord.vecdb".
	ArchiveName string `koanf:"archive_name"`

	// CompressionLevel is the zstd level for archive entries (1-22).
	CompressionLevel int `koanf:"compression_level"`

	// WALSync is "immediate" or "none". Default immediate.
	WALSync string `koanf:"wal_sync"`

	// CheckpointOps flushes to the archive every N WAL operations.
	CheckpointOps int `koanf:"checkpoint_ops"`

	// CheckpointInterval flushes to the archive at least this often.
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`

	// Snapshots controls snapshot rotation.
	Snapshots persist.SnapshotConfig `koanf:"snapshots"`
}

// applyDefaults fills unset fields across the tree.
func applyDefaults(cfg *Config) {
	cfg.Logging.ApplyDefaults()
	cfg.Workspace.ApplyDefaults()

	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.ArchiveName == "" {
		cfg.Storage.ArchiveName = "vectord.vecdb"
	}
	if cfg.Storage.CompressionLevel == 0 {
		cfg.Storage.CompressionLevel = 3
	}
	if cfg.Storage.WALSync == "" {
		cfg.Storage.WALSync = string(persist.SyncImmediate)
	}
	if cfg.Storage.CheckpointOps == 0 {
		cfg.Storage.CheckpointOps = 1000
	}
	if cfg.Storage.CheckpointInterval == 0 {
		cfg.Storage.CheckpointInterval = 5 * time.Minute
	}
	cfg.Storage.Snapshots.ApplyDefaults()

	if cfg.Embeddings.TimeoutSeconds == 0 {
		cfg.Embeddings.TimeoutSeconds = 30
	}
}

// Validate checks the whole tree.
func (c *Config) Validate() error {
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Workspace.Validate(); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 22 {
		return fmt.Errorf("storage: compression level %d out of range [1, 22]", c.Storage.CompressionLevel)
	}
	switch persist.SyncMode(c.Storage.WALSync) {
	case persist.SyncImmediate, persist.SyncNone:
	default:
		return fmt.Errorf("storage: unknown wal_sync %q", c.Storage.WALSync)
	}
	return nil
}
