// Package records defines CheckRecord, the immutable outcome of one probe,
// and the closed set of probe combinations.
//
// Key types:
//   - Kind: probe protocol (HTTP, ICMP)
//   - Stack: IP version path (v4, v6)
//   - Combination: one independently enabled (Kind, Stack) pair
//   - CheckRecord: one probe's timestamped outcome
package records

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

// =============================================================================
// Kind
// =============================================================================

// Kind is the probe protocol.
type Kind uint8

// Values are persisted; never renumber.
const (
	KindHTTP Kind = 1
	KindICMP Kind = 2
)

// Kinds lists every known Kind in report order.
var Kinds = []Kind{KindHTTP, KindICMP}

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "HTTP"
	case KindICMP:
		return "ICMP"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Valid reports whether k is a known Kind.
func (k Kind) Valid() bool {
	return k == KindHTTP || k == KindICMP
}

// =============================================================================
// Stack
// =============================================================================

// Stack is the IP version a probe travels over.
type Stack uint8

// Values are persisted; never renumber.
const (
	StackV4 Stack = 4
	StackV6 Stack = 6
)

// Stacks lists every known Stack in report order.
var Stacks = []Stack{StackV4, StackV6}

// String returns a human-readable representation of the Stack.
func (s Stack) String() string {
	switch s {
	case StackV4:
		return "IPv4"
	case StackV6:
		return "IPv6"
	default:
		return fmt.Sprintf("Stack(%d)", uint8(s))
	}
}

// Valid reports whether s is a known Stack.
func (s Stack) Valid() bool {
	return s == StackV4 || s == StackV6
}

// ParseStack parses "v4", "ipv4", "4" and the v6 equivalents.
func ParseStack(s string) (Stack, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v4", "ipv4", "4":
		return StackV4, nil
	case "v6", "ipv6", "6":
		return StackV6, nil
	default:
		return 0, fmt.Errorf("unknown ip stack %q", s)
	}
}

// StackOf returns the Stack an address belongs to. IPv4-mapped IPv6
// addresses count as IPv4.
func StackOf(addr netip.Addr) Stack {
	if addr.Unmap().Is4() {
		return StackV4
	}
	return StackV6
}

// =============================================================================
// Combination
// =============================================================================

// Combination is one (Kind, Stack) pair that can be enabled independently.
// Only the four values below are legal.
type Combination struct {
	Kind  Kind
	Stack Stack
}

// The closed set of combinations.
var (
	HTTPv4 = Combination{KindHTTP, StackV4}
	HTTPv6 = Combination{KindHTTP, StackV6}
	ICMPv4 = Combination{KindICMP, StackV4}
	ICMPv6 = Combination{KindICMP, StackV6}
)

// AllCombinations lists every legal combination in canonical order.
func AllCombinations() []Combination {
	return []Combination{HTTPv4, HTTPv6, ICMPv4, ICMPv6}
}

// Valid reports whether c is one of the legal combinations.
func (c Combination) Valid() bool {
	return c.Kind.Valid() && c.Stack.Valid()
}

// String returns the canonical spelling, e.g. "http-v4".
func (c Combination) String() string {
	var k, s string
	switch c.Kind {
	case KindHTTP:
		k = "http"
	case KindICMP:
		k = "icmp"
	default:
		k = c.Kind.String()
	}
	switch c.Stack {
	case StackV4:
		s = "v4"
	case StackV6:
		s = "v6"
	default:
		s = c.Stack.String()
	}
	return k + "-" + s
}

// ParseCombination parses the canonical spelling of a combination.
func ParseCombination(s string) (Combination, error) {
	for _, c := range AllCombinations() {
		if strings.EqualFold(strings.TrimSpace(s), c.String()) {
			return c, nil
		}
	}
	return Combination{}, fmt.Errorf("unknown probe combination %q: must be one of http-v4, http-v6, icmp-v4, icmp-v6", s)
}

// =============================================================================
// Cause
// =============================================================================

// Cause classifies why a probe failed.
type Cause uint8

// Values are persisted; never renumber.
const (
	CauseNone        Cause = 0
	CauseTimeout     Cause = 1
	CauseUnreachable Cause = 2
	CauseRefused     Cause = 3
	CauseError       Cause = 4
	CausePanic       Cause = 5
)

// String returns a human-readable representation of the Cause.
func (c Cause) String() string {
	switch c {
	case CauseNone:
		return "none"
	case CauseTimeout:
		return "timeout"
	case CauseUnreachable:
		return "unreachable"
	case CauseRefused:
		return "refused"
	case CauseError:
		return "error"
	case CausePanic:
		return "panic"
	default:
		return fmt.Sprintf("Cause(%d)", uint8(c))
	}
}

// =============================================================================
// CheckRecord
// =============================================================================

// CheckRecord is the immutable outcome of one probe. Build it with
// Succeeded or Failed; there are no setters.
type CheckRecord struct {
	Kind        Kind
	Stack       Stack
	Target      netip.Addr
	TimestampMs int64 // Unix milliseconds, the start of the cycle

	Success bool
	Latency time.Duration // Only meaningful when Success is true
	Cause   Cause         // CauseNone when Success is true
	Detail  string        // Short failure description
}

// LatencyResolution is the precision latencies are kept and stored at.
const LatencyResolution = time.Microsecond

// Succeeded creates the record of a successful probe. latency is truncated
// to LatencyResolution so the record survives a store round trip unchanged.
func Succeeded(c Combination, target netip.Addr, timestampMs int64, latency time.Duration) CheckRecord {
	return CheckRecord{
		Kind:        c.Kind,
		Stack:       c.Stack,
		Target:      target,
		TimestampMs: timestampMs,
		Success:     true,
		Latency:     latency.Truncate(LatencyResolution),
	}
}

// Failed creates the record of a failed probe.
func Failed(c Combination, target netip.Addr, timestampMs int64, cause Cause, detail string) CheckRecord {
	if cause == CauseNone {
		cause = CauseError
	}
	return CheckRecord{
		Kind:        c.Kind,
		Stack:       c.Stack,
		Target:      target,
		TimestampMs: timestampMs,
		Cause:       cause,
		Detail:      detail,
	}
}

// Combination returns the (Kind, Stack) pair of the record.
func (r CheckRecord) Combination() Combination {
	return Combination{Kind: r.Kind, Stack: r.Stack}
}

// Time returns the timestamp as a time.Time.
func (r CheckRecord) Time() time.Time {
	return time.UnixMilli(r.TimestampMs)
}

// String renders the record on one line.
func (r CheckRecord) String() string {
	ts := r.Time().UTC().Format(time.RFC3339)
	if r.Success {
		return fmt.Sprintf("%s %-7s %-25s ok   %s", ts, r.Combination(), r.Target, r.Latency.Round(time.Microsecond))
	}
	if r.Detail != "" {
		return fmt.Sprintf("%s %-7s %-25s FAIL %s (%s)", ts, r.Combination(), r.Target, r.Cause, r.Detail)
	}
	return fmt.Sprintf("%s %-7s %-25s FAIL %s", ts, r.Combination(), r.Target, r.Cause)
}
