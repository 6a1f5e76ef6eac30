package export

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/netpulse/internal/analyze"
	"github.com/xtxerr/netpulse/internal/records"
	"github.com/xtxerr/netpulse/internal/testset"
)

func TestWriteReadChecks(t *testing.T) {
	v4 := netip.MustParseAddr("192.0.2.1")
	v6 := netip.MustParseAddr("2001:db8::1")
	recs := []records.CheckRecord{
		records.Succeeded(records.HTTPv4, v4, 1000, 12*time.Millisecond),
		records.Failed(records.HTTPv6, v6, 1000, records.CauseRefused, "connection refused"),
		records.Failed(records.ICMPv4, v4, 1000, records.CauseTimeout, ""),
		records.Succeeded(records.ICMPv6, v6, 1000, 1500*time.Microsecond),
	}

	path := filepath.Join(t.TempDir(), "out", "checks.parquet")
	n, err := WriteChecks(path, recs, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	got, err := ReadChecks(path)
	require.NoError(t, err)
	assert.Equal(t, recs, got)
}

func TestWriteChecksLarge(t *testing.T) {
	recs := testset.Generate(3, 5000) // 20000 rows, several batches
	opts := DefaultOptions()
	opts.RowGroupSize = 4096

	path := filepath.Join(t.TempDir(), "checks.parquet")
	n, err := WriteChecks(path, recs, opts)
	require.NoError(t, err)
	assert.Equal(t, int64(len(recs)), n)

	rows, err := ReadRows[CheckRow](path)
	require.NoError(t, err)
	require.Len(t, rows, len(recs))
	assert.Equal(t, recs[len(recs)-1].TimestampMs, rows[len(rows)-1].TimestampMs)
}

func TestWriteOutages(t *testing.T) {
	enabled := records.AllCombinations()
	v4 := netip.MustParseAddr("192.0.2.1")
	outages := []analyze.Outage{
		analyze.NewOutage(enabled, records.Failed(records.HTTPv4, v4, 60_000, records.CauseTimeout, "")),
		analyze.NewOutage(enabled,
			records.Failed(records.HTTPv4, v4, 600_000, records.CauseTimeout, ""),
			records.Failed(records.ICMPv4, v4, 660_000, records.CauseTimeout, "")),
	}

	path := filepath.Join(t.TempDir(), "outages.parquet")
	n, err := WriteOutages(path, outages, Options{Compression: CompressionSnappy})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := ReadRows[OutageRow](path)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(60_000), rows[0].StartMs)
	assert.Zero(t, rows[0].EndMs)
	assert.Equal(t, int64(660_000), rows[1].EndMs)
	assert.Equal(t, "http-v4,icmp-v4", rows[1].Failed)
	assert.InDelta(t, 0.5, rows[1].Fraction, 1e-9)
	assert.False(t, rows[1].Complete)
}

func TestWriterClosed(t *testing.T) {
	w, err := NewWriter[CheckRow](filepath.Join(t.TempDir(), "x.parquet"), DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Write([]CheckRow{{}}), ErrWriterClosed)
}

func TestRowToCheckRejectsUnknown(t *testing.T) {
	_, err := RowToCheck(CheckRow{Kind: "SMTP", Stack: "IPv4", Target: "192.0.2.1"})
	assert.Error(t, err)
	_, err = RowToCheck(CheckRow{Kind: "HTTP", Stack: "IPv4", Target: "nope"})
	assert.Error(t, err)
}

func TestParseCompressionType(t *testing.T) {
	assert.Equal(t, CompressionSnappy, ParseCompressionType("snappy"))
	assert.Equal(t, CompressionNone, ParseCompressionType("none"))
	assert.Equal(t, CompressionZstd, ParseCompressionType("whatever"))
}
