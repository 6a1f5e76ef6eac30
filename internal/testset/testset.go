// Package testset generates deterministic check histories for tests,
// benchmarks and demos.
//
// A dataset holds one cycle per minute starting at BaseTime, with one record
// for every combination per cycle. Two outage windows fail every
// combination; outside them roughly one probe in 4000 fails at random.
package testset

import (
	"math/rand/v2"
	"net/netip"
	"time"

	"github.com/xtxerr/netpulse/config"
	"github.com/xtxerr/netpulse/internal/records"
)

const (
	// DefaultCycles is the number of cycles in the default dataset.
	DefaultCycles = 30_000

	// DefaultSeed seeds the default dataset.
	DefaultSeed uint64 = 1686429357

	// Period is the spacing of generated cycles.
	Period = time.Minute
)

// Window is a half-open range of cycle indices in which every probe fails.
type Window struct {
	From, To int
}

// Contains reports whether cycle idx lies in the window.
func (w Window) Contains(idx int) bool {
	return idx >= w.From && idx < w.To
}

// Outages are the injected outage windows.
var Outages = []Window{
	{From: 2020, To: 2280},
	{From: 15020, To: 15080},
}

// BaseTime is the timestamp of the first cycle.
func BaseTime() time.Time {
	return time.Unix(int64(DefaultSeed), 0).Truncate(time.Minute)
}

var targets = map[records.Stack]netip.Addr{
	records.StackV4: netip.MustParseAddr(config.DefaultTargetV4),
	records.StackV6: netip.MustParseAddr(config.DefaultTargetV6),
}

// Generate returns cycles*4 records. The same seed always yields the same
// records.
func Generate(seed uint64, cycles int) []records.CheckRecord {
	rng := rand.New(rand.NewPCG(seed, seed>>1|1))
	base := BaseTime()
	combos := records.AllCombinations()

	out := make([]records.CheckRecord, 0, cycles*len(combos))
	for idx := 0; idx < cycles; idx++ {
		ts := base.Add(time.Duration(idx) * Period).UnixMilli()
		for _, c := range combos {
			r := rng.Uint32()
			target := targets[c.Stack]
			if failing(idx, r) {
				out = append(out, records.Failed(c, target, ts, records.CauseUnreachable, "injected"))
				continue
			}
			out = append(out, records.Succeeded(c, target, ts, time.Duration(r%100)*time.Millisecond))
		}
	}
	return out
}

// Default returns the default dataset.
func Default() []records.CheckRecord {
	return Generate(DefaultSeed, DefaultCycles)
}

func failing(idx int, r uint32) bool {
	for _, w := range Outages {
		if w.Contains(idx) {
			return true
		}
	}
	return r%4000 == 1
}
