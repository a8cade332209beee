package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SnapshotConfig controls snapshot rotation.
type SnapshotConfig struct {
	// Dir is the snapshot directory. Default: "<archive dir>/snapshots".
	Dir string `koanf:"dir"`

	// RetainCount caps the number of snapshots kept. Default 48.
	RetainCount int `koanf:"retain_count"`

	// RetainAge caps snapshot age. Default 48h.
	RetainAge time.Duration `koanf:"retain_age"`
}

// ApplyDefaults fills unset fields.
func (c *SnapshotConfig) ApplyDefaults() {
	if c.RetainCount == 0 {
		c.RetainCount = 48
	}
	if c.RetainAge == 0 {
		c.RetainAge = 48 * time.Hour
	}
}

// Snapshotter takes point-in-time copies of the compact archive. A snapshot
// is a hardlink when the filesystem allows it, a copy otherwise; either way
// creation never blocks writers, because the archive is replaced by rename
// and the link pins the old inode.
type Snapshotter struct {
	cfg    SnapshotConfig
	logger *zap.Logger
}

// NewSnapshotter creates a snapshotter.
func NewSnapshotter(cfg SnapshotConfig, logger *zap.Logger) *Snapshotter {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{cfg: cfg, logger: logger}
}

// Create snapshots the archive at archivePath and prunes old snapshots.
// Returns the snapshot path.
func (s *Snapshotter) Create(archivePath string) (string, error) {
	dir := s.cfg.Dir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(archivePath), "snapshots")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating snapshot directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s%s",
		time.Now().UTC().Format("20060102T150405Z"),
		uuid.NewString()[:8],
		filepath.Ext(archivePath),
	)
	dst := filepath.Join(dir, name)

	if err := os.Link(archivePath, dst); err != nil {
		// Cross-device or unsupported: fall back to a copy.
		if err := copyFile(archivePath, dst); err != nil {
			return "", fmt.Errorf("copying snapshot: %w", err)
		}
	}

	s.logger.Info("snapshot created", zap.String("path", dst))
	if err := s.Prune(dir, filepath.Ext(archivePath)); err != nil {
		s.logger.Warn("snapshot pruning failed", zap.Error(err))
	}
	return dst, nil
}

// Prune removes snapshots beyond the retention count or age.
func (s *Snapshotter) Prune(dir, ext string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}

	type snap struct {
		path string
		mod  time.Time
	}
	snaps := make([]snap, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, snap{path: filepath.Join(dir, e.Name()), mod: info.ModTime()})
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].mod.After(snaps[j].mod) })

	cutoff := time.Now().Add(-s.cfg.RetainAge)
	for i, sn := range snaps {
		if i < s.cfg.RetainCount && sn.mod.After(cutoff) {
			continue
		}
		if err := os.Remove(sn.path); err != nil {
			s.logger.Warn("removing expired snapshot", zap.String("path", sn.path), zap.Error(err))
			continue
		}
		s.logger.Debug("snapshot pruned", zap.String("path", sn.path))
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
