// Package export writes the check history and derived outages as Parquet
// files for use in external tools (DuckDB, pandas, Grafana).
package export

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/netpulse/internal/analyze"
	"github.com/xtxerr/netpulse/internal/records"
)

// Options configures the Parquet writer.
type Options struct {
	// Compression algorithm
	Compression CompressionType

	// RowGroupSize is the target number of rows per row group
	RowGroupSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: 100_000,
	}
}

// ParseCompressionType parses a compression type string. Unknown names
// select zstd.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func codec(ct CompressionType) compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// =============================================================================
// Rows
// =============================================================================

// CheckRow is one CheckRecord in Parquet form.
type CheckRow struct {
	TimestampMs int64  `parquet:"timestamp_ms,delta"`
	Kind        string `parquet:"kind,dict"`
	Stack       string `parquet:"stack,dict"`
	Target      string `parquet:"target,dict"`
	Success     bool   `parquet:"success"`
	LatencyUs   int64  `parquet:"latency_us"`
	Cause       string `parquet:"cause,dict"`
	Detail      string `parquet:"detail,optional"`
}

// OutageRow is one Outage in Parquet form. EndMs is 0 for single-record
// outages.
type OutageRow struct {
	StartMs  int64   `parquet:"start_ms"`
	EndMs    int64   `parquet:"end_ms,optional"`
	Total    int64   `parquet:"total"`
	Complete bool    `parquet:"complete"`
	Fraction float64 `parquet:"fraction"`
	Failed   string  `parquet:"failed"`
}

// CheckToRow converts a record.
func CheckToRow(r records.CheckRecord) CheckRow {
	return CheckRow{
		TimestampMs: r.TimestampMs,
		Kind:        r.Kind.String(),
		Stack:       r.Stack.String(),
		Target:      r.Target.String(),
		Success:     r.Success,
		LatencyUs:   r.Latency.Microseconds(),
		Cause:       r.Cause.String(),
		Detail:      r.Detail,
	}
}

// RowToCheck converts a row back into a record.
func RowToCheck(row CheckRow) (records.CheckRecord, error) {
	var combo records.Combination
	for _, c := range records.AllCombinations() {
		if c.Kind.String() == row.Kind && c.Stack.String() == row.Stack {
			combo = c
		}
	}
	if !combo.Valid() {
		return records.CheckRecord{}, fmt.Errorf("unknown combination %s/%s", row.Kind, row.Stack)
	}
	target, err := netip.ParseAddr(row.Target)
	if err != nil {
		return records.CheckRecord{}, fmt.Errorf("parse target: %w", err)
	}
	if row.Success {
		return records.Succeeded(combo, target, row.TimestampMs, time.Duration(row.LatencyUs)*time.Microsecond), nil
	}
	cause := records.CauseError
	for c := records.CauseTimeout; c <= records.CausePanic; c++ {
		if c.String() == row.Cause {
			cause = c
		}
	}
	return records.Failed(combo, target, row.TimestampMs, cause, row.Detail), nil
}

// OutageToRow converts an outage.
func OutageToRow(o analyze.Outage) OutageRow {
	row := OutageRow{
		StartMs:  o.Start().UnixMilli(),
		Total:    int64(o.Total()),
		Complete: o.Severity().Complete(),
		Fraction: o.Severity().Fraction(),
	}
	if end, ok := o.End(); ok {
		row.EndMs = end.UnixMilli()
	}
	for i, c := range o.FailedCombinations() {
		if i > 0 {
			row.Failed += ","
		}
		row.Failed += c.String()
	}
	return row
}

// =============================================================================
// Writer
// =============================================================================

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("parquet writer is closed")

// Writer writes rows of type T to a Parquet file.
type Writer[T any] struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[T]
	rowCount int64
	closed   bool
}

// NewWriter creates the file at path and a writer for it.
func NewWriter[T any](path string, opts Options) (*Writer[T], error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	writerOpts := []parquet.WriterOption{
		parquet.Compression(codec(opts.Compression)),
	}
	if opts.RowGroupSize > 0 {
		writerOpts = append(writerOpts, parquet.MaxRowsPerRowGroup(int64(opts.RowGroupSize)))
	}

	return &Writer[T]{
		path:   path,
		file:   f,
		writer: parquet.NewGenericWriter[T](f, writerOpts...),
	}, nil
}

// Write appends rows.
func (w *Writer[T]) Write(rows []T) error {
	if len(rows) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}
	n, err := w.writer.Write(rows)
	if err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	w.rowCount += int64(n)
	return nil
}

// Close flushes the footer and closes the file.
func (w *Writer[T]) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync file: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer[T]) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer[T]) Path() string {
	return w.path
}

// =============================================================================
// Convenience
// =============================================================================

const batchSize = 8192

// WriteChecks writes recs to path.
func WriteChecks(path string, recs []records.CheckRecord, opts Options) (int64, error) {
	w, err := NewWriter[CheckRow](path, opts)
	if err != nil {
		return 0, err
	}
	rows := make([]CheckRow, 0, min(batchSize, len(recs)))
	for i, r := range recs {
		rows = append(rows, CheckToRow(r))
		if len(rows) == batchSize || i == len(recs)-1 {
			if err := w.Write(rows); err != nil {
				w.Close()
				return 0, err
			}
			rows = rows[:0]
		}
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.RowCount(), nil
}

// WriteOutages writes outages to path.
func WriteOutages(path string, outages []analyze.Outage, opts Options) (int64, error) {
	w, err := NewWriter[OutageRow](path, opts)
	if err != nil {
		return 0, err
	}
	rows := make([]OutageRow, len(outages))
	for i, o := range outages {
		rows[i] = OutageToRow(o)
	}
	if err := w.Write(rows); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.RowCount(), nil
}

// ReadChecks reads every record from a file written by WriteChecks.
func ReadChecks(path string) ([]records.CheckRecord, error) {
	rows, err := ReadRows[CheckRow](path)
	if err != nil {
		return nil, err
	}
	out := make([]records.CheckRecord, 0, len(rows))
	for i, row := range rows {
		r, err := RowToCheck(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ReadRows reads every row of type T from path.
func ReadRows[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[T](f)
	defer reader.Close()

	rows := make([]T, reader.NumRows())
	n := 0
	for n < len(rows) {
		k, err := reader.Read(rows[n:])
		n += k
		if errors.Is(err, io.EOF) || (err == nil && k == 0) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
	}
	return rows[:n], nil
}
