// Package analyze reconstructs outages from the check history.
//
// An outage is a maximal run of failed records in which consecutive
// failures are at most GapFactor periods apart. The tolerance derives from
// the configured probe period, so a history recorded with a 5 minute period
// groups just as well as one recorded every minute.
//
// Pipeline (Outages):
//
//  1. stable sort by timestamp (survives clock steps; equal timestamps
//     keep insertion order)
//  2. stack filter, then cutoff to the most recent N records
//  3. enabled combinations: configured ones on the filtered stack, or the
//     ones observed in the filtered input
//  4. drop successes and failures of combinations that are not enabled
//  5. group by gap, build one Outage per group
//
// The stack filter runs before grouping. Filtering afterwards would count
// the other stack's combinations as enabled and turn a Complete v4 outage
// into a Partial one.
package analyze

import (
	"cmp"
	"slices"
	"time"

	"github.com/xtxerr/netpulse/config"
	"github.com/xtxerr/netpulse/internal/records"
)

// Options controls outage detection. The zero value analyzes everything
// with the default period and gap factor.
type Options struct {
	// Period is the nominal probe period. Default: config.DefaultPeriod.
	Period time.Duration

	// GapFactor is the largest gap between two failures of one outage, in
	// periods. Default: config.DefaultGapFactor.
	GapFactor float64

	// Stack restricts the analysis to one IP stack. 0 means both.
	Stack records.Stack

	// Cutoff keeps only the most recent N records (after the stack filter).
	// 0 means no cutoff.
	Cutoff int

	// Enabled lists the configured combinations. Empty means the
	// combinations observed in the (filtered) input.
	Enabled []records.Combination
}

func (o Options) period() time.Duration {
	if o.Period <= 0 {
		return config.DefaultPeriod
	}
	return o.Period
}

func (o Options) gapFactor() float64 {
	if o.GapFactor <= 0 {
		return config.DefaultGapFactor
	}
	return o.GapFactor
}

// Tolerance returns the largest gap between two failures of one outage.
func (o Options) Tolerance() time.Duration {
	return time.Duration(float64(o.period()) * o.gapFactor())
}

// Outages groups the failed records of recs into outages, in chronological
// order. recs is not modified. The result is never nil.
func Outages(recs []records.CheckRecord, opts Options) []Outage {
	sorted := Filter(recs, opts)
	enabled := enabledCombinations(sorted, opts)

	failures := make([]records.CheckRecord, 0, len(sorted)/8)
	for _, r := range sorted {
		if !r.Success && slices.Contains(enabled, r.Combination()) {
			failures = append(failures, r)
		}
	}

	out := make([]Outage, 0)
	if len(failures) == 0 {
		return out
	}

	tolerance := opts.Tolerance().Milliseconds()
	begin := 0
	for i := 1; i <= len(failures); i++ {
		if i < len(failures) && failures[i].TimestampMs-failures[i-1].TimestampMs <= tolerance {
			continue
		}
		out = append(out, NewOutage(enabled, failures[begin], failures[begin+1:i]...))
		begin = i
	}
	return out
}

// Filter returns the records analysis would look at: stably sorted by time,
// restricted to opts.Stack and cut off to the most recent opts.Cutoff.
func Filter(recs []records.CheckRecord, opts Options) []records.CheckRecord {
	sorted := make([]records.CheckRecord, 0, len(recs))
	for _, r := range recs {
		if opts.Stack != 0 && r.Stack != opts.Stack {
			continue
		}
		sorted = append(sorted, r)
	}
	slices.SortStableFunc(sorted, func(a, b records.CheckRecord) int {
		return cmp.Compare(a.TimestampMs, b.TimestampMs)
	})
	if opts.Cutoff > 0 && len(sorted) > opts.Cutoff {
		sorted = sorted[len(sorted)-opts.Cutoff:]
	}
	return sorted
}

func enabledCombinations(recs []records.CheckRecord, opts Options) []records.Combination {
	var enabled []records.Combination
	if len(opts.Enabled) > 0 {
		for _, c := range opts.Enabled {
			if opts.Stack != 0 && c.Stack != opts.Stack {
				continue
			}
			if !slices.Contains(enabled, c) {
				enabled = append(enabled, c)
			}
		}
		return enabled
	}
	for _, r := range recs {
		if c := r.Combination(); !slices.Contains(enabled, c) {
			enabled = append(enabled, c)
		}
	}
	sortCombinations(enabled)
	return enabled
}

// =============================================================================
// Orderings
// =============================================================================

// SortByRecency orders outages newest first; equal starts put the more
// severe outage first.
func SortByRecency(outages []Outage) {
	slices.SortStableFunc(outages, func(a, b Outage) int {
		if c := cmp.Compare(b.startMs(), a.startMs()); c != 0 {
			return c
		}
		return b.severity.Compare(a.severity)
	})
}

// SortBySeverity orders outages most severe first: Complete before any
// Partial, then higher fraction, then more failed records, then newer.
func SortBySeverity(outages []Outage) {
	slices.SortStableFunc(outages, func(a, b Outage) int {
		if c := b.severity.Compare(a.severity); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Total(), a.Total()); c != 0 {
			return c
		}
		return cmp.Compare(b.startMs(), a.startMs())
	})
}
