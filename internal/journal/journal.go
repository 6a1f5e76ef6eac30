// Package journal keeps the check batches appended since the last store save.
//
// The daemon saves the full store only every few cycles. Every batch is
// written to the journal first, so a crash or a reload between saves loses
// nothing: on start and on reload the journal is replayed on top of the
// store, and after every successful save it is reset.
//
// File format (little-endian):
//   - Header: 8 bytes magic + 4 bytes version
//   - Entries: [4 bytes length][4 bytes crc32][payload]
//
// A payload is one batch: repeated protobuf field 1, each holding one record
// in the current store record encoding. A torn or corrupt entry ends the
// journal; everything before it is kept.
package journal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/netpulse/config"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/logging"
	"github.com/xtxerr/netpulse/internal/records"
	"github.com/xtxerr/netpulse/internal/store"
)

var log = logging.Component("journal")

const (
	magic           = 0x4E504A524E4C0001 // "NPJRNL" + 0001
	formatVersion   = 1
	headerSize      = 12 // 8 bytes magic + 4 bytes version
	entryHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxEntrySize    = 16 * 1024 * 1024

	fieldRecord protowire.Number = 1
)

// Stats holds journal statistics.
type Stats struct {
	BatchesWritten int64
	RecordsWritten int64
	BytesWritten   int64
	Resets         int64
}

// file is the part of *os.File the journal writes through.
type file interface {
	io.Writer
	io.WriterAt
	io.Seeker
	io.Closer
	Truncate(size int64) error
	Sync() error
}

// Journal is an append-only batch log next to the store file.
type Journal struct {
	mu sync.Mutex

	path string
	file file
	size int64 // end of the last intact entry

	stats Stats
}

// PathFor returns the journal path for a store path.
func PathFor(storePath string) string {
	return storePath + config.JournalSuffix
}

// Open opens the journal at path for appending, creating it if needed.
// A torn tail left by a crash is cut off so new entries follow the last
// intact one.
func Open(path string) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{path: path, file: f}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat journal: %w", err)
	}
	if fi.Size() < headerSize {
		// Empty, or a header torn during creation.
		if err := f.Truncate(0); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate journal: %w", err)
		}
		if err := j.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return j, nil
	}

	res, err := scan(f, nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	if res.end < fi.Size() {
		log.Warn("truncating torn journal tail", "path", path, "valid_bytes", res.end, "file_bytes", fi.Size())
		if err := f.Truncate(res.end); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate journal: %w", err)
		}
	}
	if _, err := f.Seek(res.end, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek journal: %w", err)
	}
	j.size = res.end
	return j, nil
}

// Append writes one batch and syncs it to disk before returning. On failure
// the file is cut back to the last intact entry, so later appends stay
// replayable.
func (j *Journal) Append(batch []records.CheckRecord) error {
	if len(batch) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	payload := encodeBatch(batch)
	if len(payload) > maxEntrySize {
		return fmt.Errorf("journal entry too large: %d bytes", len(payload))
	}

	var header [entryHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if err := j.writeEntry(header[:], payload); err != nil {
		if rerr := j.rollback(); rerr != nil {
			log.Error("journal rollback failed", "path", j.path, "error", rerr)
			return fmt.Errorf("%w (rollback: %v)", err, rerr)
		}
		return err
	}

	n := int64(entryHeaderSize + len(payload))
	j.size += n
	j.stats.BatchesWritten++
	j.stats.RecordsWritten += int64(len(batch))
	j.stats.BytesWritten += n
	return nil
}

func (j *Journal) writeEntry(header, payload []byte) error {
	w := bufio.NewWriterSize(j.file, len(header)+len(payload))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// rollback drops whatever a failed append left after the last intact entry.
func (j *Journal) rollback() error {
	if err := j.file.Truncate(j.size); err != nil {
		return err
	}
	_, err := j.file.Seek(j.size, io.SeekStart)
	return err
}

// Reset discards every entry. Called after the store was saved.
func (j *Journal) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Truncate(headerSize); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	if _, err := j.file.Seek(headerSize, io.SeekStart); err != nil {
		return fmt.Errorf("reset journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.size = headerSize
	j.stats.Resets++
	return nil
}

// Empty reports whether the journal holds no entries.
func (j *Journal) Empty() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.size <= headerSize
}

// Close closes the journal file. Entries stay on disk.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Stats returns journal statistics.
func (j *Journal) Stats() Stats {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stats
}

// Path returns the journal path.
func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) writeHeader() error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], magic)
	binary.LittleEndian.PutUint32(header[8:12], formatVersion)
	if _, err := j.file.WriteAt(header[:], 0); err != nil {
		return fmt.Errorf("write journal header: %w", err)
	}
	if _, err := j.file.Seek(headerSize, io.SeekStart); err != nil {
		return fmt.Errorf("seek journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	j.size = headerSize
	return nil
}

// =============================================================================
// Replay
// =============================================================================

// Replay returns every record in the journal at path, in append order.
// A missing journal yields no records. Reading stops at the first torn or
// corrupt entry.
func Replay(path string) ([]records.CheckRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if fi, err := f.Stat(); err == nil && fi.Size() < headerSize {
		return nil, nil
	}

	var out []records.CheckRecord
	res, err := scan(f, func(batch []records.CheckRecord) {
		out = append(out, batch...)
	})
	if err != nil {
		return nil, err
	}
	if res.torn {
		log.Warn("journal has a torn tail, replaying intact entries only", "path", path, "entries", res.entries)
	}
	return out, nil
}

type scanResult struct {
	end     int64 // offset just past the last intact entry
	entries int
	torn    bool
}

// scan walks the journal from the start, calling fn for every intact batch.
func scan(f *os.File, fn func([]records.CheckRecord)) (scanResult, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return scanResult{}, fmt.Errorf("seek journal: %w", err)
	}
	r := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return scanResult{}, fmt.Errorf("read journal header: %w", err)
	}
	if m := binary.LittleEndian.Uint64(header[0:8]); m != magic {
		return scanResult{}, fmt.Errorf("invalid journal magic: expected %x, got %x", uint64(magic), m)
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != formatVersion {
		return scanResult{}, fmt.Errorf("unsupported journal version: %d", v)
	}

	res := scanResult{end: headerSize}
	for {
		var eh [entryHeaderSize]byte
		if _, err := io.ReadFull(r, eh[:]); err != nil {
			if err != io.EOF {
				res.torn = true
			}
			return res, nil
		}

		length := binary.LittleEndian.Uint32(eh[0:4])
		wantCRC := binary.LittleEndian.Uint32(eh[4:8])
		if length > maxEntrySize {
			res.torn = true
			return res, nil
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			res.torn = true
			return res, nil
		}
		if crc32.ChecksumIEEE(payload) != wantCRC {
			res.torn = true
			return res, nil
		}

		batch, err := decodeBatch(payload)
		if err != nil {
			res.torn = true
			return res, nil
		}
		if fn != nil {
			fn(batch)
		}
		res.entries++
		res.end += int64(entryHeaderSize) + int64(length)
	}
}

// =============================================================================
// Encoding
// =============================================================================

func encodeBatch(batch []records.CheckRecord) []byte {
	buf := make([]byte, 0, len(batch)*48)
	var rec []byte
	for _, r := range batch {
		rec = store.AppendRecord(rec[:0], r)
		buf = protowire.AppendTag(buf, fieldRecord, protowire.BytesType)
		buf = protowire.AppendBytes(buf, rec)
	}
	return buf
}

func decodeBatch(b []byte) ([]records.CheckRecord, error) {
	var batch []records.CheckRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldRecord || typ != protowire.BytesType {
			return nil, fmt.Errorf("unexpected journal field %d", num)
		}
		raw, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, protowire.ParseError(m)
		}
		b = b[m:]
		r, err := store.DecodeRecord(raw)
		if err != nil {
			return nil, err
		}
		batch = append(batch, r)
	}
	return batch, nil
}
