package probe

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/xtxerr/netpulse/internal/logging"
	"github.com/xtxerr/netpulse/internal/records"
)

var log = logging.Component("probe")

// Executor runs one probe for a combination and records the outcome.
type Executor struct {
	timeout time.Duration
	targets map[records.Stack]netip.Addr
	probers map[records.Combination]Prober
}

// NewExecutor creates an Executor. Combinations without a prober or whose
// stack has no target produce failed records.
func NewExecutor(timeout time.Duration, targets map[records.Stack]netip.Addr, probers map[records.Combination]Prober) *Executor {
	return &Executor{
		timeout: timeout,
		targets: targets,
		probers: probers,
	}
}

// Timeout returns the per-probe deadline.
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

type outcome struct {
	latency  time.Duration
	err      error
	panicked any
}

// Execute runs the prober for combo and returns its record, stamped with
// timestampMs. It never returns later than the configured timeout and never
// panics: prober errors, panics and timeouts all become failed records.
func (e *Executor) Execute(ctx context.Context, combo records.Combination, timestampMs int64) records.CheckRecord {
	target, ok := e.targets[combo.Stack]
	if !ok {
		return records.Failed(combo, target, timestampMs, records.CauseError, "no target configured")
	}
	p, ok := e.probers[combo]
	if !ok || p == nil {
		return records.Failed(combo, target, timestampMs, records.CauseError, "no prober configured")
	}

	pctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	// Buffered so a late prober never blocks.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{panicked: r}
			}
		}()
		lat, err := p.Probe(pctx, target)
		done <- outcome{latency: lat, err: err}
	}()

	select {
	case out := <-done:
		switch {
		case out.panicked != nil:
			log.Error("prober panicked", "combination", combo, "panic", out.panicked)
			return records.Failed(combo, target, timestampMs, records.CausePanic, fmt.Sprint(out.panicked))
		case out.err != nil:
			cause := Classify(out.err)
			log.Debug("probe failed", "combination", combo, "target", target, "cause", cause, "error", out.err)
			return records.Failed(combo, target, timestampMs, cause, detail(out.err))
		default:
			return records.Succeeded(combo, target, timestampMs, out.latency)
		}

	case <-pctx.Done():
		if errors.Is(pctx.Err(), context.DeadlineExceeded) {
			log.Debug("probe timed out", "combination", combo, "target", target, "timeout", e.timeout)
			return records.Failed(combo, target, timestampMs, records.CauseTimeout,
				fmt.Sprintf("no answer within %s", e.timeout))
		}
		return records.Failed(combo, target, timestampMs, records.CauseError, "probe cancelled")
	}
}

// DefaultProbers returns the standard prober for every combination.
func DefaultProbers(httpScheme string) map[records.Combination]Prober {
	return map[records.Combination]Prober{
		records.HTTPv4: NewHTTPProber(httpScheme, records.StackV4),
		records.HTTPv6: NewHTTPProber(httpScheme, records.StackV6),
		records.ICMPv4: NewICMPProber(records.StackV4),
		records.ICMPv6: NewICMPProber(records.StackV6),
	}
}
