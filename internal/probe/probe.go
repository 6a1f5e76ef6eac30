// Package probe runs single connectivity checks.
//
// A Prober is the transport seam: it measures one round trip to a target
// and reports an error when the target did not answer. The Executor wraps a
// Prober with the policy every check shares: a hard per-probe deadline,
// panic isolation, and turning every outcome into a CheckRecord. Probe
// failures are data, never Go errors.
package probe

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/xtxerr/netpulse/internal/records"
)

// Prober measures one round trip to target.
//
// Implementations must return promptly once ctx is done. The Executor stops
// waiting at the deadline regardless, but a prober that ignores ctx keeps
// its goroutine alive until it returns.
type Prober interface {
	Probe(ctx context.Context, target netip.Addr) (time.Duration, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, target netip.Addr) (time.Duration, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, target netip.Addr) (time.Duration, error) {
	return f(ctx, target)
}

// ErrUnreachable is returned by probers when the network reported the
// target as unreachable (ICMP destination unreachable or time exceeded).
var ErrUnreachable = errors.New("destination unreachable")

// maxDetail bounds the failure text stored per record.
const maxDetail = 160

// Classify maps a prober error to a failure cause.
func Classify(err error) records.Cause {
	switch {
	case err == nil:
		return records.CauseNone
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, syscall.ETIMEDOUT):
		return records.CauseTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return records.CauseRefused
	case errors.Is(err, ErrUnreachable),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.EADDRNOTAVAIL):
		return records.CauseUnreachable
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return records.CauseTimeout
	}
	return records.CauseError
}

func detail(err error) string {
	s := err.Error()
	if len(s) > maxDetail {
		s = s[:maxDetail]
	}
	return s
}
