// Package runner executes one check cycle: every enabled combination is
// probed concurrently and the cycle returns once all probes have finished.
//
// Each combination runs in its own goroutine and writes only its own slot
// of the result slice, so the result order is the configured combination
// order regardless of which probe finishes first. Since every probe is
// bounded by the executor timeout, a cycle never outlasts the slowest
// probe's deadline.
package runner

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xtxerr/netpulse/internal/config"
	"github.com/xtxerr/netpulse/internal/logging"
	"github.com/xtxerr/netpulse/internal/probe"
	"github.com/xtxerr/netpulse/internal/records"
)

var log = logging.Component("runner")

// Executor runs one probe and records its outcome. It must not fail.
type Executor interface {
	Execute(ctx context.Context, combo records.Combination, timestampMs int64) records.CheckRecord
}

// Stats holds runner statistics.
type Stats struct {
	Cycles       int64
	Records      int64
	Failures     int64
	LastDuration time.Duration
}

// Runner fans a cycle out over the enabled combinations.
//
// Runner is safe for concurrent use, but the daemon never overlaps cycles.
type Runner struct {
	exec   Executor
	combos []records.Combination
	now    func() time.Time

	cycles       atomic.Int64
	records      atomic.Int64
	failures     atomic.Int64
	lastDuration atomic.Int64
}

// New creates a Runner probing combos in the given order.
func New(exec Executor, combos []records.Combination) *Runner {
	return &Runner{
		exec:   exec,
		combos: append([]records.Combination(nil), combos...),
		now:    time.Now,
	}
}

// FromConfig creates a Runner with the standard probers for a validated
// configuration.
func FromConfig(cfg *config.Config) *Runner {
	exec := probe.NewExecutor(cfg.Probe.Timeout, cfg.Targets(), probe.DefaultProbers(cfg.Probe.HTTPScheme))
	return New(exec, cfg.Combinations())
}

// Combinations returns the combinations probed per cycle.
func (r *Runner) Combinations() []records.Combination {
	return append([]records.Combination(nil), r.combos...)
}

// RunCycle probes every combination once and returns exactly one record per
// combination, in combination order. All records carry the cycle start time.
func (r *Runner) RunCycle(ctx context.Context) []records.CheckRecord {
	start := r.now()
	ts := start.UnixMilli()
	out := make([]records.CheckRecord, len(r.combos))

	var g errgroup.Group
	for i, combo := range r.combos {
		g.Go(func() error {
			out[i] = r.exec.Execute(ctx, combo, ts)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, rec := range out {
		if !rec.Success {
			failed++
		}
	}

	elapsed := time.Since(start)
	r.cycles.Add(1)
	r.records.Add(int64(len(out)))
	r.failures.Add(int64(failed))
	r.lastDuration.Store(int64(elapsed))

	logging.WithContext(ctx).Debug("cycle finished",
		"component", "runner",
		"records", len(out),
		"failed", failed,
		"duration", elapsed)
	if failed > 0 {
		log.Info("checks failed", "failed", failed, "total", len(out))
	}
	return out
}

// Stats returns runner statistics.
func (r *Runner) Stats() Stats {
	return Stats{
		Cycles:       r.cycles.Load(),
		Records:      r.records.Load(),
		Failures:     r.failures.Load(),
		LastDuration: time.Duration(r.lastDuration.Load()),
	}
}
