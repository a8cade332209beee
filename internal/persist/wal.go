package persist

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/vectord/internal/collection"
	"github.com/fyrsmithlabs/vectord/internal/vecerr"
)

// Op is a WAL operation type.
type Op uint8

const (
	// OpInsert records inserted or overwritten vectors.
	OpInsert Op = 1
	// OpUpdate records an update (journaled identically to insert, kept
	// distinct on the wire for audit).
	OpUpdate Op = 2
	// OpDelete records tombstoned ids.
	OpDelete Op = 3
	// OpCreateCollection records collection creation.
	OpCreateCollection Op = 4
	// OpDeleteCollection records collection drop.
	OpDeleteCollection Op = 5
	// OpCheckpoint marks a checkpoint boundary. Written after truncation so
	// a reopened log resumes its sequence past the archived records.
	OpCheckpoint Op = 6
)

func (o Op) valid() bool { return o >= OpInsert && o <= OpCheckpoint }

// Record is one decoded WAL entry.
type Record struct {
	Seq     uint64
	Op      Op
	Payload []byte
}

// VectorRecord is the JSON shape of one vector inside insert payloads.
type VectorRecord struct {
	ID      string             `json:"id"`
	Values  []float32          `json:"values"`
	Payload map[string]any     `json:"payload,omitempty"`
	Sparse  map[uint32]float32 `json:"sparse,omitempty"`
}

// InsertPayload is the payload of OpInsert and OpUpdate records.
type InsertPayload struct {
	Vectors []VectorRecord `json:"vectors"`
}

// DeletePayload is the payload of OpDelete records.
type DeletePayload struct {
	IDs []string `json:"ids"`
}

// SyncMode controls when appends reach stable storage.
type SyncMode string

const (
	// SyncImmediate fsyncs after every append. An acknowledged write
	// survives a crash.
	SyncImmediate SyncMode = "immediate"
	// SyncNone leaves flushing to the OS. Fastest; crash loses the tail.
	SyncNone SyncMode = "none"
)

// WAL is one collection's append-only log. A single appender serializes
// concurrent writers at the append point.
//
// Frame layout, little-endian:
//
//	seq uint64 | op uint8 | len uint32 | payload | crc32(seq..payload)
type WAL struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	writer *bufio.Writer
	seq    uint64
	mode   SyncMode
	closed bool
	logger *zap.Logger
}

// OpenWAL opens or creates the log at path and positions the sequence
// counter after the last valid record.
func OpenWAL(path string, mode SyncMode, logger *zap.Logger) (*WAL, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mode == "" {
		mode = SyncImmediate
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating wal directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening wal: %w", err)
	}

	w := &WAL{path: path, file: f, mode: mode, logger: logger}

	// Scan to the last intact record; a torn tail from a crash is trimmed.
	lastSeq, validEnd, err := scanWAL(f, logger)
	if err != nil {
		f.Close()
		return nil, err
	}
	w.seq = lastSeq
	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("trimming wal tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seeking wal: %w", err)
	}
	w.writer = bufio.NewWriterSize(f, 64*1024)

	logger.Info("wal opened",
		zap.String("path", path),
		zap.Uint64("last_seq", lastSeq),
		zap.String("sync_mode", string(mode)),
	)
	return w, nil
}

// Append writes one record and returns its sequence number.
func (w *WAL) Append(op Op, payload any) (uint64, error) {
	if !op.valid() {
		return 0, fmt.Errorf("%w: wal op %d", vecerr.ErrInvalidParameter, op)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encoding wal payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("%w: wal closed", vecerr.ErrInvalidParameter)
	}
	w.seq++
	seq := w.seq

	frame := encodeFrame(seq, op, data)
	if _, err := w.writer.Write(frame); err != nil {
		return 0, fmt.Errorf("appending wal record: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return 0, fmt.Errorf("flushing wal: %w", err)
	}
	if w.mode == SyncImmediate {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("syncing wal: %w", err)
		}
	}
	return seq, nil
}

func encodeFrame(seq uint64, op Op, payload []byte) []byte {
	frame := make([]byte, 8+1+4+len(payload)+4)
	binary.LittleEndian.PutUint64(frame, seq)
	frame[8] = byte(op)
	binary.LittleEndian.PutUint32(frame[9:], uint32(len(payload)))
	copy(frame[13:], payload)
	crc := crc32.ChecksumIEEE(frame[:13+len(payload)])
	binary.LittleEndian.PutUint32(frame[13+len(payload):], crc)
	return frame
}

// Replay streams records with seq > fromSeq to fn in order. A CRC mismatch
// mid-file fails the replay; a torn tail ends it cleanly.
func (w *WAL) Replay(fromSeq uint64, fn func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("opening wal for replay: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		rec, _, err := readFrame(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%w: %v", vecerr.ErrWALReplayFailed, err)
		}
		if rec.Seq <= fromSeq || rec.Op == OpCheckpoint {
			continue
		}
		if err := fn(rec); err != nil {
			return fmt.Errorf("%w: applying seq %d: %v", vecerr.ErrWALReplayFailed, rec.Seq, err)
		}
	}
}

// readFrame decodes one frame. io.EOF marks a clean end; a partial tail
// returns io.EOF as well (callers at open time use scanWAL to trim it);
// a CRC mismatch is an error.
func readFrame(r *bufio.Reader) (Record, int64, error) {
	header := make([]byte, 13)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, err
	}
	seq := binary.LittleEndian.Uint64(header)
	op := Op(header[8])
	n := binary.LittleEndian.Uint32(header[9:])
	if n > 256<<20 {
		return Record{}, 0, fmt.Errorf("record size %d exceeds limit", n)
	}

	body := make([]byte, int(n)+4)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, err
	}
	payload := body[:n]
	gotCRC := binary.LittleEndian.Uint32(body[n:])
	wantCRC := crc32.ChecksumIEEE(append(header, payload...))
	if gotCRC != wantCRC {
		return Record{}, 0, fmt.Errorf("crc mismatch at seq %d", seq)
	}
	if !op.valid() {
		return Record{}, 0, fmt.Errorf("invalid op %d at seq %d", op, seq)
	}
	return Record{Seq: seq, Op: op, Payload: payload}, int64(13 + len(body)), nil
}

// scanWAL finds the last valid sequence and the byte offset of the end of
// the last intact record.
func scanWAL(f *os.File, logger *zap.Logger) (lastSeq uint64, validEnd int64, err error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, fmt.Errorf("seeking wal: %w", err)
	}
	r := bufio.NewReader(f)
	for {
		rec, n, err := readFrame(r)
		if err == io.EOF {
			return lastSeq, validEnd, nil
		}
		if err != nil {
			// Damage past the last good record: trim from here. Damage is
			// surfaced at replay time only when it hides acknowledged
			// records; at open we keep the prefix.
			logger.Warn("wal: trimming damaged tail",
				zap.Int64("valid_bytes", validEnd),
				zap.Error(err),
			)
			return lastSeq, validEnd, nil
		}
		lastSeq = rec.Seq
		validEnd += n
	}
}

// LastSeq returns the sequence of the most recent append.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Truncate discards all records after a successful checkpoint, leaving a
// checkpoint sentinel so the sequence counter survives a reopen: without
// it, a restarted log would hand out sequence numbers the archive already
// claims to cover.
func (w *WAL) Truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("%w: wal closed", vecerr.ErrInvalidParameter)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flushing wal: %w", err)
	}
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("truncating wal: %w", err)
	}
	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seeking wal: %w", err)
	}
	w.writer.Reset(w.file)

	frame := encodeFrame(w.seq, OpCheckpoint, nil)
	if _, err := w.writer.Write(frame); err != nil {
		return fmt.Errorf("writing checkpoint sentinel: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flushing wal: %w", err)
	}
	return w.file.Sync()
}

// Close flushes and closes the log.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.writer.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flushing wal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("syncing wal: %w", err)
	}
	return w.file.Close()
}

// Journal adapts the WAL to the collection's journaling capability.
type Journal struct {
	wal *WAL
}

// NewJournal wraps a WAL for a collection.
func NewJournal(w *WAL) *Journal { return &Journal{wal: w} }

// LogInsert journals inserted vectors before they become visible.
func (j *Journal) LogInsert(_ context.Context, vecs []collection.Vector) error {
	payload := InsertPayload{Vectors: make([]VectorRecord, len(vecs))}
	for i, v := range vecs {
		payload.Vectors[i] = VectorRecord{ID: v.ID, Values: v.Values, Payload: v.Payload, Sparse: v.Sparse}
	}
	_, err := j.wal.Append(OpInsert, payload)
	return err
}

// LogDelete journals tombstoned ids.
func (j *Journal) LogDelete(_ context.Context, ids []string) error {
	_, err := j.wal.Append(OpDelete, DeletePayload{IDs: ids})
	return err
}

var _ collection.Journal = (*Journal)(nil)
