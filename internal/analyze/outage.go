package analyze

import (
	"fmt"
	"slices"
	"time"

	"github.com/xtxerr/netpulse/internal/records"
)

// =============================================================================
// Severity
// =============================================================================

// Severity tells how much of the monitored surface an outage affected.
// It is either Complete or Partial with a fraction strictly between 0 and 1.
type Severity struct {
	failed  int
	enabled int
}

// Complete reports whether every enabled combination failed.
func (s Severity) Complete() bool {
	return s.enabled > 0 && s.failed >= s.enabled
}

// Fraction returns the failed share of enabled combinations in (0, 1].
func (s Severity) Fraction() float64 {
	if s.enabled == 0 {
		return 0
	}
	return float64(s.failed) / float64(s.enabled)
}

// Percent returns Fraction as a percentage.
func (s Severity) Percent() float64 {
	return s.Fraction() * 100
}

// String renders "Complete" or e.g. "Partial (50.00 %)".
func (s Severity) String() string {
	if s.Complete() {
		return "Complete"
	}
	return fmt.Sprintf("Partial (%.02f %%)", s.Percent())
}

// Compare returns a positive number when s is more severe than o, negative
// when less severe and 0 when equal. Complete outranks every Partial.
func (s Severity) Compare(o Severity) int {
	switch {
	case s.Complete() && !o.Complete():
		return 1
	case !s.Complete() && o.Complete():
		return -1
	}
	// Cross-multiply to compare fractions exactly.
	l := s.failed * o.enabled
	r := o.failed * s.enabled
	switch {
	case l > r:
		return 1
	case l < r:
		return -1
	default:
		return 0
	}
}

// =============================================================================
// Outage
// =============================================================================

// Outage is a maximal run of temporally adjacent failed records.
//
// NewOutage always builds an Outage of at least one record. The zero value
// holds none; IsZero reports it and every accessor stays total on it.
type Outage struct {
	recs     []records.CheckRecord
	failed   []records.Combination
	severity Severity
}

// NewOutage groups first and rest into an Outage. Severity is measured
// against enabled; when enabled is empty, the combinations present in the
// records are taken as the enabled set. Records are expected in
// chronological order.
func NewOutage(enabled []records.Combination, first records.CheckRecord, rest ...records.CheckRecord) Outage {
	recs := make([]records.CheckRecord, 0, 1+len(rest))
	recs = append(recs, first)
	recs = append(recs, rest...)

	var failed []records.Combination
	for _, r := range recs {
		c := r.Combination()
		if !slices.Contains(failed, c) {
			failed = append(failed, c)
		}
	}
	sortCombinations(failed)

	sev := Severity{failed: len(failed), enabled: len(failed)}
	if len(enabled) > 0 {
		sev = Severity{enabled: len(enabled)}
		for _, c := range failed {
			if slices.Contains(enabled, c) {
				sev.failed++
			}
		}
	}
	return Outage{recs: recs, failed: failed, severity: sev}
}

// IsZero reports whether o holds no records, i.e. was not built by
// NewOutage.
func (o Outage) IsZero() bool {
	return len(o.recs) == 0
}

// Start returns the timestamp of the earliest record, or the zero time for
// the zero Outage.
func (o Outage) Start() time.Time {
	if o.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(o.startMs())
}

// End returns the timestamp of the latest record. ok is false for a
// single-record outage, which may still be ongoing.
func (o Outage) End() (end time.Time, ok bool) {
	if len(o.recs) < 2 {
		return time.Time{}, false
	}
	return time.UnixMilli(o.endMs()), true
}

// Duration returns End minus Start, or 0 for a single-record outage.
func (o Outage) Duration() time.Duration {
	return time.Duration(o.endMs()-o.startMs()) * time.Millisecond
}

// Total returns the number of failed records in the outage.
func (o Outage) Total() int {
	return len(o.recs)
}

// Severity returns the outage severity.
func (o Outage) Severity() Severity {
	return o.severity
}

// FailedCombinations returns the distinct combinations that failed, in
// canonical order.
func (o Outage) FailedCombinations() []records.Combination {
	return slices.Clone(o.failed)
}

// Records returns a copy of the failed records in the outage.
func (o Outage) Records() []records.CheckRecord {
	return slices.Clone(o.recs)
}

// String renders the outage on one line.
func (o Outage) String() string {
	if o.IsZero() {
		return "empty outage"
	}
	start := o.Start().UTC().Format(time.RFC3339)
	end := "(ongoing?)"
	if e, ok := o.End(); ok {
		end = e.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%s .. %s  total=%d  %s", start, end, o.Total(), o.severity)
}

func (o Outage) startMs() int64 {
	if o.IsZero() {
		return 0
	}
	return o.recs[0].TimestampMs
}

func (o Outage) endMs() int64 {
	if o.IsZero() {
		return 0
	}
	return o.recs[len(o.recs)-1].TimestampMs
}

func sortCombinations(cs []records.Combination) {
	order := records.AllCombinations()
	slices.SortFunc(cs, func(a, b records.Combination) int {
		return slices.Index(order, a) - slices.Index(order, b)
	})
}
