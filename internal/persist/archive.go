// Package persist is the on-disk layer: the compact archive format, the
// per-collection write-ahead log, and snapshot rotation.
//
// The archive is a ZIP-structured container (recommended extension .vecdb)
// with one directory per collection. Every entry is zstd-compressed and
// CRC-checked; a sibling index file (.vecidx) maps collection names to
// their entries and carries a whole-archive checksum.
package persist

import (
	"archive/zip"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/fyrsmithlabs/vectord/internal/collection"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

const (
	archiveFormatVersion = 1

	entryMeta     = "meta.json"
	entryVectors  = "vectors.f32"
	entryQuant    = "quant.bin"
	entryGraph    = "graph.bin"
	entrySparse   = "sparse.bin"
	entryPayloads = "payloads.json"

	// IndexSuffix is the sibling index file extension.
	IndexSuffix = ".vecidx"
)

// ArchiveOptions tunes archive writing.
type ArchiveOptions struct {
	// CompressionLevel is the zstd level (1-22). Default 3.
	CompressionLevel int
}

// ArchiveCollection pairs a collection snapshot with its checkpoint
// sequence: WAL records with seq greater than CheckpointSeq post-date the
// archive and must be replayed on recovery.
type ArchiveCollection struct {
	State         *collection.State
	CheckpointSeq uint64
}

// archiveMeta is the per-collection meta.json entry. IDs are stored in
// insertion order; loaders never sort or de-duplicate them.
type archiveMeta struct {
	FormatVersion int               `json:"format_version"`
	Config        collection.Config `json:"config"`
	VectorCount   int               `json:"vector_count"`
	IDs           []string          `json:"ids"`
	CheckpointSeq uint64            `json:"checkpoint_seq"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// archivePayloads is the per-collection payloads.json entry, keyed by
// vector offset (array position).
type archivePayloads struct {
	Payloads      []map[string]any     `json:"payloads"`
	SparseVectors []map[uint32]float32 `json:"sparse_vectors,omitempty"`
}

// indexFile is the sibling .vecidx content.
type indexFile struct {
	FormatVersion int                 `json:"format_version"`
	Collections   map[string][]string `json:"collections"`
	Checksum      uint64              `json:"checksum"`
}

// WriteArchive writes all collections to a compact archive at path,
// atomically (temp file + rename), and refreshes the sibling index file.
func WriteArchive(path string, cols []ArchiveCollection, opts ArchiveOptions) error {
	level := opts.CompressionLevel
	if level == 0 {
		level = 3
	}
	if level < 1 || level > 22 {
		return fmt.Errorf("%w: compression level %d out of range [1, 22]", vecerr.ErrInvalidParameter, level)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating archive directory: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer enc.Close()

	tmp := path + ".tmp"
	os.Remove(tmp) // stale temp from a crashed write
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating temp archive: %w", err)
	}
	defer os.Remove(tmp)

	zw := zip.NewWriter(f)
	index := indexFile{FormatVersion: archiveFormatVersion, Collections: make(map[string][]string)}

	for _, col := range cols {
		names, err := writeCollectionEntries(zw, enc, col)
		if err != nil {
			f.Close()
			return fmt.Errorf("writing collection %q: %w", col.State.Config.Name, err)
		}
		index.Collections[col.State.Config.Name] = names
	}

	if err := zw.Close(); err != nil {
		f.Close()
		return fmt.Errorf("finalizing archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("syncing archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("finalizing archive: %w", err)
	}

	return writeIndexFile(path, index)
}

func writeCollectionEntries(zw *zip.Writer, enc *zstd.Encoder, col ArchiveCollection) ([]string, error) {
	st := col.State
	name := st.Config.Name

	meta := archiveMeta{
		FormatVersion: archiveFormatVersion,
		Config:        st.Config,
		VectorCount:   len(st.IDs),
		IDs:           st.IDs,
		CheckpointSeq: col.CheckpointSeq,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encoding meta: %w", err)
	}

	payloads := archivePayloads{Payloads: st.Payloads, SparseVectors: st.SparseVecs}
	payloadBytes, err := json.Marshal(payloads)
	if err != nil {
		return nil, fmt.Errorf("encoding payloads: %w", err)
	}

	entries := []struct {
		name string
		data []byte
	}{
		{entryMeta, metaBytes},
		{entryVectors, vectorsToBytes(st.Vectors)},
		{entryQuant, st.QuantState},
		{entryGraph, st.Graph},
		{entrySparse, st.SparseIndex},
		{entryPayloads, payloadBytes},
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.name != entryMeta && e.name != entryVectors && len(e.data) == 0 {
			continue // optional entries are omitted when empty
		}
		full := name + "/" + e.name
		w, err := zw.CreateHeader(&zip.FileHeader{Name: full, Method: zip.Store})
		if err != nil {
			return nil, fmt.Errorf("creating entry %s: %w", full, err)
		}
		if _, err := w.Write(enc.EncodeAll(e.data, nil)); err != nil {
			return nil, fmt.Errorf("writing entry %s: %w", full, err)
		}
		names = append(names, full)
	}
	return names, nil
}

// vectorsToBytes lays rows out contiguously: little-endian float32,
// row-major.
func vectorsToBytes(vecs [][]float32) []byte {
	if len(vecs) == 0 {
		return nil
	}
	dim := len(vecs[0])
	out := make([]byte, 0, len(vecs)*dim*4)
	var scratch [4]byte
	for _, v := range vecs {
		for _, x := range v {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(x))
			out = append(out, scratch[:]...)
		}
	}
	return out
}

func bytesToVectors(data []byte, count, dim int) ([][]float32, error) {
	if len(data) != count*dim*4 {
		return nil, fmt.Errorf("%w: vector table is %d bytes, want %d",
			vecerr.ErrCorruptedArchive, len(data), count*dim*4)
	}
	out := make([][]float32, count)
	off := 0
	for i := range out {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
			off += 4
		}
		out[i] = row
	}
	return out, nil
}

func writeIndexFile(archivePath string, index indexFile) error {
	sum, err := fileChecksum(archivePath)
	if err != nil {
		return fmt.Errorf("checksumming archive: %w", err)
	}
	index.Checksum = sum

	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding index: %w", err)
	}
	idxPath := indexPath(archivePath)
	tmp := idxPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing index: %w", err)
	}
	if err := os.Rename(tmp, idxPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalizing index: %w", err)
	}
	return nil
}

func indexPath(archivePath string) string {
	return strings.TrimSuffix(archivePath, filepath.Ext(archivePath)) + IndexSuffix
}

func fileChecksum(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// ReadArchive reads every collection from the archive, verifying the
// sibling index checksum when present and every entry's CRC via the ZIP
// layer.
func ReadArchive(path string) ([]ArchiveCollection, error) {
	if err := verifyIndexChecksum(path); err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening archive: %v", vecerr.ErrCorruptedArchive, err)
	}
	defer zr.Close()

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer dec.Close()

	byCollection := make(map[string]map[string][]byte)
	for _, f := range zr.File {
		parts := strings.SplitN(f.Name, "/", 2)
		if len(parts) != 2 {
			continue
		}
		data, err := readZipEntry(f, dec)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", f.Name, err)
		}
		if byCollection[parts[0]] == nil {
			byCollection[parts[0]] = make(map[string][]byte)
		}
		byCollection[parts[0]][parts[1]] = data
	}

	out := make([]ArchiveCollection, 0, len(byCollection))
	for name, entries := range byCollection {
		col, err := decodeCollection(name, entries)
		if err != nil {
			return nil, err
		}
		out = append(out, col)
	}
	return out, nil
}

// ReadArchiveCollection reads a single collection. It decodes the whole
// archive through ReadArchive and returns the entry with the matching name;
// the sibling index file is not used to narrow the read.
func ReadArchiveCollection(path, name string) (*ArchiveCollection, error) {
	cols, err := ReadArchive(path)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		if cols[i].State.Config.Name == name {
			return &cols[i], nil
		}
	}
	return nil, fmt.Errorf("%w: collection %q in archive", vecerr.ErrNotFound, name)
}

func verifyIndexChecksum(path string) error {
	data, err := os.ReadFile(indexPath(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil // index file is an optional accelerator
		}
		return fmt.Errorf("reading archive index: %w", err)
	}
	var idx indexFile
	if err := json.Unmarshal(data, &idx); err != nil {
		return fmt.Errorf("%w: archive index: %v", vecerr.ErrCorruptedArchive, err)
	}
	sum, err := fileChecksum(path)
	if err != nil {
		return fmt.Errorf("checksumming archive: %w", err)
	}
	if sum != idx.Checksum {
		return fmt.Errorf("%w: archive checksum %x, index records %x",
			vecerr.ErrChecksumMismatch, sum, idx.Checksum)
	}
	return nil
}

func readZipEntry(f *zip.File, dec *zstd.Decoder) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vecerr.ErrCorruptedArchive, err)
	}
	defer rc.Close()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		// The ZIP reader validates the entry CRC32 at EOF.
		return nil, fmt.Errorf("%w: %v", vecerr.ErrChecksumMismatch, err)
	}
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", vecerr.ErrCorruptedArchive, err)
	}
	return data, nil
}

func decodeCollection(name string, entries map[string][]byte) (ArchiveCollection, error) {
	metaBytes, ok := entries[entryMeta]
	if !ok {
		return ArchiveCollection{}, fmt.Errorf("%w: collection %q missing meta", vecerr.ErrCorruptedArchive, name)
	}
	var meta archiveMeta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return ArchiveCollection{}, fmt.Errorf("%w: collection %q meta: %v", vecerr.ErrCorruptedArchive, name, err)
	}
	if meta.FormatVersion != archiveFormatVersion {
		return ArchiveCollection{}, fmt.Errorf("%w: unsupported format version %d",
			vecerr.ErrCorruptedArchive, meta.FormatVersion)
	}
	if len(meta.IDs) != meta.VectorCount {
		return ArchiveCollection{}, fmt.Errorf("%w: collection %q id list length %d, count %d",
			vecerr.ErrCorruptedArchive, name, len(meta.IDs), meta.VectorCount)
	}

	vectors, err := bytesToVectors(entries[entryVectors], meta.VectorCount, meta.Config.Dim)
	if err != nil {
		return ArchiveCollection{}, fmt.Errorf("collection %q: %w", name, err)
	}

	var payloads archivePayloads
	if raw, ok := entries[entryPayloads]; ok {
		if err := json.Unmarshal(raw, &payloads); err != nil {
			return ArchiveCollection{}, fmt.Errorf("%w: collection %q payloads: %v",
				vecerr.ErrCorruptedArchive, name, err)
		}
	}
	if payloads.Payloads == nil {
		payloads.Payloads = make([]map[string]any, meta.VectorCount)
	}
	if payloads.SparseVectors == nil {
		payloads.SparseVectors = make([]map[uint32]float32, meta.VectorCount)
	}

	st := &collection.State{
		Config:      meta.Config,
		IDs:         meta.IDs,
		Vectors:     vectors,
		Payloads:    payloads.Payloads,
		SparseVecs:  payloads.SparseVectors,
		Graph:       entries[entryGraph],
		QuantState:  entries[entryQuant],
		SparseIndex: entries[entrySparse],
		CreatedAt:   meta.CreatedAt,
		UpdatedAt:   meta.UpdatedAt,
	}
	return ArchiveCollection{State: st, CheckpointSeq: meta.CheckpointSeq}, nil
}
