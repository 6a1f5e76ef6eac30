package journal

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xtxerr/netpulse/internal/records"
)

var target = netip.MustParseAddr("1.1.1.1")

func batchAt(ts int64) []records.CheckRecord {
	return []records.CheckRecord{
		records.Succeeded(records.HTTPv4, target, ts, 12*time.Millisecond),
		records.Failed(records.ICMPv4, target, ts, records.CauseTimeout, "no reply"),
	}
}

func TestAppendReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpulse.store.journal")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !j.Empty() {
		t.Error("new journal should be empty")
	}

	for i := int64(0); i < 3; i++ {
		if err := j.Append(batchAt(i * 60_000)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if j.Empty() {
		t.Error("journal should not be empty after append")
	}
	if got := j.Stats().RecordsWritten; got != 6 {
		t.Errorf("RecordsWritten = %d, want 6", got)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs, err := Replay(path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 6 {
		t.Fatalf("replayed %d records, want 6", len(recs))
	}
	for i, r := range recs {
		want := batchAt(int64(i/2) * 60_000)[i%2]
		if r != want {
			t.Errorf("record %d = %+v, want %+v", i, r, want)
		}
	}
}

func TestReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer j.Close()

	if err := j.Append(batchAt(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !j.Empty() {
		t.Error("journal should be empty after reset")
	}

	recs, err := Replay(path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("replayed %d records after reset, want 0", len(recs))
	}

	// Appending after a reset continues from the header.
	if err := j.Append(batchAt(60_000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	recs, err = Replay(path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 2 || recs[0].TimestampMs != 60_000 {
		t.Errorf("unexpected records after reset+append: %+v", recs)
	}
}

func TestReplayMissing(t *testing.T) {
	recs, err := Replay(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if recs != nil {
		t.Errorf("expected no records, got %d", len(recs))
	}
}

func TestTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Append(batchAt(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.Append(batchAt(60_000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Close()

	// Simulate a crash in the middle of the second entry.
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(path, fi.Size()-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	recs, err := Replay(path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("replayed %d records, want the 2 from the intact entry", len(recs))
	}

	// Reopening cuts the torn entry so new appends are readable.
	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := j.Append(batchAt(120_000)); err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Close()

	recs, err = Replay(path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("replayed %d records, want 4", len(recs))
	}
	if recs[2].TimestampMs != 120_000 {
		t.Errorf("record 2 timestamp = %d, want 120000", recs[2].TimestampMs)
	}
}

func TestCorruptEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j")

	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Append(batchAt(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	j.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	recs, err := Replay(path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("corrupt entry should be dropped, got %d records", len(recs))
	}
}

func TestBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "j")
	if err := os.WriteFile(path, []byte("this is not a journal file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Replay(path); err == nil {
		t.Error("expected error for bad magic")
	}
	if _, err := Open(path); err == nil {
		t.Error("expected error for bad magic")
	}
}

// shortWriteFile writes at most limit bytes per Write, then fails.
type shortWriteFile struct {
	file
	limit int
}

func (f shortWriteFile) Write(p []byte) (int, error) {
	if len(p) <= f.limit {
		return f.file.Write(p)
	}
	n, _ := f.file.Write(p[:f.limit])
	return n, errors.New("no space left on device")
}

func TestFailedAppendKeepsLaterEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netpulse.store.journal")
	j, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Append(batchAt(0)); err != nil {
		t.Fatalf("append: %v", err)
	}
	intact := j.size

	orig := j.file
	j.file = shortWriteFile{file: orig, limit: 5}
	if err := j.Append(batchAt(60_000)); err == nil {
		t.Fatal("append through a failing file should fail")
	}
	j.file = orig

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if fi.Size() != intact {
		t.Errorf("file size after failed append = %d, want %d", fi.Size(), intact)
	}
	if got := j.Stats().BatchesWritten; got != 1 {
		t.Errorf("BatchesWritten = %d, want 1", got)
	}

	if err := j.Append(batchAt(120_000)); err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	recs, err := Replay(path)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(recs) != 4 {
		t.Fatalf("replayed %d records, want 4", len(recs))
	}
	if recs[0].TimestampMs != 0 || recs[2].TimestampMs != 120_000 {
		t.Errorf("replayed timestamps %d, %d; want 0, 120000", recs[0].TimestampMs, recs[2].TimestampMs)
	}
}

func TestPathFor(t *testing.T) {
	if got := PathFor("/var/lib/netpulse/netpulse.store"); got != "/var/lib/netpulse/netpulse.store.journal" {
		t.Errorf("PathFor = %q", got)
	}
}
