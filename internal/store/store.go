// Package store persists the check history as a single versioned,
// zstd-compressed file.
//
// On-disk layout:
//
//	zstd( field 1: format version (varint)
//	      field 2: encoded record (bytes, repeated) )
//
// Fields use the protobuf wire format. The record layout depends on the
// format version; see codec.go.
//
// Saves are atomic: the new content is written to a temporary file in the
// same directory, synced, and renamed over the target. A Store is owned by a
// single goroutine and is not safe for concurrent use.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"

	"github.com/xtxerr/netpulse/config"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/logging"
	"github.com/xtxerr/netpulse/internal/records"
)

var log = logging.Component("store")

// Version is the store format version. Values are never reused.
type Version uint32

const (
	// Version1 stores second-resolution timestamps and packs the outcome
	// into a flag word.
	Version1 Version = 1

	// Version2 stores millisecond timestamps, explicit kind and stack,
	// microsecond latency and a failure cause.
	Version2 Version = 2

	// CurrentVersion is the version new stores are written in.
	CurrentVersion = Version2
)

// Known reports whether v is a version this build can decode.
func (v Version) Known() bool {
	switch v {
	case Version1, Version2:
		return true
	default:
		return false
	}
}

// String returns e.g. "v2".
func (v Version) String() string {
	return fmt.Sprintf("v%d", uint32(v))
}

var errUnknownVersion = errors.New("unknown format version")

// peekBytes is enough decompressed data to hold the version tag and a
// maximal varint.
const peekBytes = 16

// Store is the check history together with its file metadata.
type Store struct {
	path     string
	readonly bool
	version  Version
	checks   []records.CheckRecord

	fileHash string
	diskSize int64
}

// Create writes a new empty store at path in the current format.
// An existing non-empty file is never overwritten.
func Create(path string) (*Store, error) {
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		return nil, errors.NewStoreError("create", path, errors.ErrAlreadyExists, nil)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.NewStoreError("create", path, errors.ErrIO, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.NewStoreError("create", path, errors.ErrIO, err)
	}

	s := &Store{
		path:    path,
		version: CurrentVersion,
		checks:  make([]records.CheckRecord, 0, 1024),
	}
	if err := s.Save(); err != nil {
		return nil, err
	}
	log.Info("created store", "path", path, "version", s.version)
	return s, nil
}

// Load reads the store at path. Readonly stores refuse to save.
//
// A store written in an older known format loads in compatibility mode:
// NeedsMigration reports true and Save fails until Migrate is called.
// Unknown versions fail with ErrUnsupportedVersion. Load never writes.
func Load(path string, readonly bool) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NewStoreError("load", path, errors.ErrStoreNotFound, err)
		}
		return nil, errors.NewStoreError("load", path, errors.ErrIO, err)
	}
	defer f.Close()

	h := sha256.New()
	cr := &countingReader{r: f}
	tee := io.TeeReader(cr, h)

	dec, err := zstd.NewReader(tee, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, errors.NewStoreError("load", path, errors.ErrDecompress, err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, errors.NewStoreError("load", path, errors.ErrDecompress, err)
	}
	// Hash trailing bytes the decoder did not need.
	if _, err := io.Copy(io.Discard, tee); err != nil {
		return nil, errors.NewStoreError("load", path, errors.ErrIO, err)
	}

	version, checks, err := decodeEnvelope(raw)
	if err != nil {
		if errors.Is(err, errUnknownVersion) {
			return nil, errors.NewStoreError("load", path, errors.ErrUnsupportedVersion,
				fmt.Errorf("file has %s, this build supports up to %s", version, CurrentVersion))
		}
		return nil, errors.NewStoreError("load", path, errors.ErrDeserialize, err)
	}

	s := &Store{
		path:     path,
		readonly: readonly,
		version:  version,
		checks:   checks,
		fileHash: hex.EncodeToString(h.Sum(nil)),
		diskSize: cr.n,
	}
	if s.NeedsMigration() {
		log.Warn("store uses an older format", "path", path, "version", version, "current", CurrentVersion)
	}
	log.Debug("loaded store", "path", path, "version", version, "records", len(checks), "readonly", readonly)
	return s, nil
}

// LoadOrCreate loads the store at path, creating it only if the file does
// not exist. Every other load error is returned unchanged.
func LoadOrCreate(path string) (*Store, error) {
	s, err := Load(path, false)
	if err == nil {
		return s, nil
	}
	if !errors.Is(err, errors.ErrStoreNotFound) {
		return nil, err
	}
	return Create(path)
}

// PeekVersion returns the format version of the store at path without
// decoding it. Only the first few decompressed bytes are produced.
func PeekVersion(path string) (Version, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, errors.NewStoreError("peek", path, errors.ErrStoreNotFound, err)
		}
		return 0, errors.NewStoreError("peek", path, errors.ErrIO, err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return 0, errors.NewStoreError("peek", path, errors.ErrDecompress, err)
	}
	defer dec.Close()

	buf := make([]byte, peekBytes)
	n, err := io.ReadFull(dec, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		if errors.Is(err, io.EOF) {
			return 0, errors.NewStoreError("peek", path, errors.ErrDeserialize, fmt.Errorf("empty store"))
		}
		return 0, errors.NewStoreError("peek", path, errors.ErrDecompress, err)
	}

	v, _, err := decodeVersion(buf[:n])
	if err != nil {
		return 0, errors.NewStoreError("peek", path, errors.ErrDeserialize, err)
	}
	return v, nil
}

// AddCheck appends one record.
func (s *Store) AddCheck(r records.CheckRecord) {
	s.checks = append(s.checks, r)
}

// AddChecks appends a batch in order.
func (s *Store) AddChecks(batch []records.CheckRecord) {
	s.checks = append(s.checks, batch...)
}

// Save writes the store to its path.
func (s *Store) Save() error {
	return s.save("save", s.path)
}

// SaveAs writes the store to path and makes path the store's location.
func (s *Store) SaveAs(path string) error {
	if err := s.save("save", path); err != nil {
		return err
	}
	s.path = path
	return nil
}

func (s *Store) save(op, path string) error {
	if s.readonly {
		return errors.NewStoreError(op, path, errors.ErrReadonly, nil)
	}
	if s.NeedsMigration() {
		return errors.NewStoreError(op, path, errors.ErrNeedsMigration,
			fmt.Errorf("store is %s, run migrate to upgrade to %s", s.version, CurrentVersion))
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	cw := &countingWriter{w: io.MultiWriter(tmp, h)}

	enc, err := zstd.NewWriter(cw, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(config.DefaultCompressionLevel)))
	if err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	if err := writeEnvelope(enc, s.version, s.checks); err != nil {
		enc.Close()
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	if err := enc.Close(); err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	if err := tmp.Sync(); err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	if err := tmp.Close(); err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}
	committed = true

	if err := syncDir(dir); err != nil {
		return errors.NewStoreError(op, path, errors.ErrIO, err)
	}

	s.fileHash = hex.EncodeToString(h.Sum(nil))
	s.diskSize = cw.n
	log.Debug("saved store", "path", path, "records", len(s.checks), "bytes", cw.n)
	return nil
}

// Migrate upgrades a store loaded in compatibility mode to CurrentVersion.
// The next save writes the current encoding. Migrating a current store is
// a no-op.
func (s *Store) Migrate() error {
	if !s.NeedsMigration() {
		return nil
	}
	if s.readonly {
		return errors.NewStoreError("migrate", s.path, errors.ErrReadonly, nil)
	}
	log.Info("migrating store", "path", s.path, "from", s.version, "to", CurrentVersion)
	s.version = CurrentVersion
	return nil
}

// =============================================================================
// Accessors
// =============================================================================

// Checks returns the records in insertion order. The slice is shared with
// the store and must not be modified.
func (s *Store) Checks() []records.CheckRecord { return s.checks }

// Len returns the number of records.
func (s *Store) Len() int { return len(s.checks) }

// Version returns the in-memory format version.
func (s *Store) Version() Version { return s.version }

// NeedsMigration reports whether the store was loaded from an older format.
func (s *Store) NeedsMigration() bool { return s.version < CurrentVersion }

// Path returns the file the store saves to.
func (s *Store) Path() string { return s.path }

// Readonly reports whether the store refuses to save.
func (s *Store) Readonly() bool { return s.readonly }

// Hash returns a 64-bit xxh3 hash of the decoded content, as 16 hex digits.
// Two stores with equal records have equal hashes regardless of how they
// are stored on disk.
func (s *Store) Hash() string {
	h := xxh3.New()
	_ = writeEnvelope(h, CurrentVersion, s.checks)
	return fmt.Sprintf("%016X", h.Sum64())
}

// FileHash returns the SHA-256 of the compressed file as last loaded or
// saved, in hex. It is empty for a store never read from or written to disk.
func (s *Store) FileHash() string { return s.fileHash }

// MemSize returns the size of the uncompressed encoding in bytes.
func (s *Store) MemSize() int64 {
	var cw countingWriter
	cw.w = io.Discard
	_ = writeEnvelope(&cw, CurrentVersion, s.checks)
	return cw.n
}

// DiskSize returns the compressed file size as last loaded or saved.
func (s *Store) DiskSize() int64 { return s.diskSize }

// Ratio returns MemSize divided by DiskSize, or 0 before the first save.
func (s *Store) Ratio() float64 {
	if s.diskSize == 0 {
		return 0
	}
	return float64(s.MemSize()) / float64(s.diskSize)
}

// =============================================================================
// Helpers
// =============================================================================

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
		return err
	}
	return nil
}
