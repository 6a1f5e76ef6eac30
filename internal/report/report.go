// Package report renders the human-readable analysis of a store.
//
// The report has one section per aspect, each introduced by a barrier
// line:
//
//	General, HTTP, ICMP, IPv4, IPv6, Outages, Store Metadata
//
// Values are printed as aligned "key: value" lines.
package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xtxerr/netpulse/internal/analyze"
	"github.com/xtxerr/netpulse/internal/errors"
	"github.com/xtxerr/netpulse/internal/records"
	"github.com/xtxerr/netpulse/internal/store"
)

// Options controls what the report shows.
type Options struct {
	// Analyze is passed to the outage analyzer.
	Analyze analyze.Options

	// MaxOutages limits the Outages section to the most recent N outages.
	// 0 shows all.
	MaxOutages int
}

// Render writes the full report for st.
func Render(w io.Writer, st *store.Store, opts Options) error {
	pw := &printer{w: w}
	renderChecks(pw, st.Checks(), opts)
	pw.barrier("Store Metadata")
	storeMeta(pw, st)
	return pw.err
}

// RenderChecks writes every section except Store Metadata for recs.
func RenderChecks(w io.Writer, recs []records.CheckRecord, opts Options) error {
	pw := &printer{w: w}
	renderChecks(pw, recs, opts)
	return pw.err
}

// String renders the full report into a string.
func String(st *store.Store, opts Options) (string, error) {
	var b strings.Builder
	err := Render(&b, st, opts)
	return b.String(), err
}

func renderChecks(pw *printer, recs []records.CheckRecord, opts Options) {
	sum := analyze.Summarize(recs)

	pw.barrier("General")
	if len(recs) == 0 {
		pw.line("Store has no checks yet")
		pw.line("")
	} else {
		counters(pw, sum.Overall)
	}

	pw.barrier("HTTP")
	counters(pw, sum.ByKind[records.KindHTTP])
	pw.barrier("ICMP")
	counters(pw, sum.ByKind[records.KindICMP])
	pw.barrier("IPv4")
	counters(pw, sum.ByStack[records.StackV4])
	pw.barrier("IPv6")
	counters(pw, sum.ByStack[records.StackV6])

	pw.barrier("Outages")
	outages(pw, analyze.Outages(recs, opts.Analyze), opts.MaxOutages)
}

func counters(pw *printer, c analyze.Counters) {
	if c.Total == 0 {
		pw.line("None")
		pw.line("")
		return
	}
	pw.kv("checks", fmt.Sprintf("%08d", c.Total))
	pw.kv("checks ok", fmt.Sprintf("%08d", c.OK))
	pw.kv("checks bad", fmt.Sprintf("%08d", c.Bad))
	pw.kv("success ratio", fmt.Sprintf("%03.02f%%", c.Ratio*100))
	pw.kv("first check at", timestamp(c.First))
	pw.kv("last check at", timestamp(c.Last))
	if c.OK > 0 {
		pw.kv("latency p50", c.LatencyP50.Round(time.Millisecond))
		pw.kv("latency p90", c.LatencyP90.Round(time.Millisecond))
		pw.kv("latency p99", c.LatencyP99.Round(time.Millisecond))
	}
	pw.line("")
}

func outages(pw *printer, list []analyze.Outage, limit int) {
	if len(list) == 0 {
		pw.line("None")
		pw.line("")
		return
	}

	complete := 0
	for _, o := range list {
		if o.Severity().Complete() {
			complete++
		}
	}
	pw.kv("outages", len(list))
	pw.kv("complete", complete)
	pw.kv("partial", len(list)-complete)
	pw.line("")

	shown := list
	if limit > 0 && len(shown) > limit {
		shown = shown[len(shown)-limit:]
		pw.line(fmt.Sprintf("(showing the last %d)", limit))
		pw.line("")
	}
	for _, o := range shown {
		outage(pw, o)
	}
}

// Outage writes one outage block. The zero Outage is rejected with
// ErrAnalysis.
func Outage(w io.Writer, o analyze.Outage) error {
	if o.IsZero() {
		return fmt.Errorf("%w: empty outage", errors.ErrAnalysis)
	}
	pw := &printer{w: w}
	outage(pw, o)
	return pw.err
}

func outage(pw *printer, o analyze.Outage) {
	if end, ok := o.End(); ok {
		pw.line(fmt.Sprintf("From %s To %s", timestamp(o.Start()), timestamp(end)))
	} else {
		pw.line(fmt.Sprintf("At %s (single check)", timestamp(o.Start())))
	}
	pw.line(fmt.Sprintf("Checks: %d", o.Total()))
	pw.line(fmt.Sprintf("Severity: %s", o.Severity()))

	names := make([]string, 0, 4)
	for _, c := range o.FailedCombinations() {
		names = append(names, c.String())
	}
	pw.line(fmt.Sprintf("Failed: %s", strings.Join(names, ", ")))
	pw.line("")
}

func storeMeta(pw *printer, st *store.Store) {
	fileVersion := "unknown"
	if v, err := store.PeekVersion(st.Path()); err == nil {
		fileVersion = v.String()
	}
	fileHash := st.FileHash()
	if fileHash == "" {
		fileHash = "(not saved)"
	}

	pw.kv("Hash Datastructure", st.Hash())
	pw.kv("Hash Store File", fileHash)
	pw.kv("Store Version (mem)", st.Version())
	pw.kv("Store Version (file)", fileVersion)
	pw.kv("Store Size (mem)", st.MemSize())
	pw.kv("Store Size (file)", st.DiskSize())
	pw.kv("File to Mem Ratio", fmt.Sprintf("%.4f", fileToMem(st)))
}

// Dump writes one line per record. With failedOnly, successes are skipped.
func Dump(w io.Writer, recs []records.CheckRecord, failedOnly bool) (int, error) {
	pw := &printer{w: w}
	n := 0
	for _, r := range recs {
		if failedOnly && r.Success {
			continue
		}
		pw.line(r.String())
		n++
	}
	return n, pw.err
}

// fileToMem is the on-disk size as a fraction of the encoded size, the
// inverse of Store.Ratio. 0 before the first save.
func fileToMem(st *store.Store) float64 {
	mem := st.MemSize()
	if st.DiskSize() == 0 || mem == 0 {
		return 0
	}
	return float64(st.DiskSize()) / float64(mem)
}

func timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// printer remembers the first write error so sections need no error
// plumbing.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) line(s string) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintln(p.w, s)
}

func (p *printer) barrier(title string) {
	p.line(strings.Repeat("=", 10) + padRight(" "+title+" ", 48, '='))
}

func (p *printer) kv(key string, value any) {
	p.line(fmt.Sprintf("%-24s: %v", key, value))
}

func padRight(s string, width int, pad byte) string {
	if len(s) >= width {
		return s
	}
	return s + strings.Repeat(string(pad), width-len(s))
}
