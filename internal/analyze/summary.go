package analyze

import (
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/netpulse/internal/records"
)

// sketchAccuracy is the relative accuracy of latency quantiles.
const sketchAccuracy = 0.01

// Counters aggregates one category of records.
type Counters struct {
	Total int
	OK    int
	Bad   int

	// Ratio is OK / Total, 0 when empty.
	Ratio float64

	// First and Last are the earliest and latest timestamps seen.
	First time.Time
	Last  time.Time

	// Latency quantiles over successful records. Zero without successes.
	LatencyP50 time.Duration
	LatencyP90 time.Duration
	LatencyP99 time.Duration

	firstMs int64
	lastMs  int64
	sketch  *ddsketch.DDSketch
}

func newCounters() *Counters {
	c := &Counters{}
	if sketch, err := ddsketch.NewDefaultDDSketch(sketchAccuracy); err == nil {
		c.sketch = sketch
	}
	return c
}

func (c *Counters) add(r records.CheckRecord) {
	if c.Total == 0 || r.TimestampMs < c.firstMs {
		c.firstMs = r.TimestampMs
	}
	if c.Total == 0 || r.TimestampMs > c.lastMs {
		c.lastMs = r.TimestampMs
	}
	c.Total++
	if !r.Success {
		c.Bad++
		return
	}
	c.OK++
	if c.sketch != nil && r.Latency > 0 {
		_ = c.sketch.Add(float64(r.Latency.Microseconds()))
	}
}

func (c *Counters) finish() {
	if c.Total == 0 {
		return
	}
	c.Ratio = float64(c.OK) / float64(c.Total)
	c.First = time.UnixMilli(c.firstMs)
	c.Last = time.UnixMilli(c.lastMs)

	if c.sketch != nil && !c.sketch.IsEmpty() {
		c.LatencyP50 = c.quantile(0.50)
		c.LatencyP90 = c.quantile(0.90)
		c.LatencyP99 = c.quantile(0.99)
	}
	c.sketch = nil
}

func (c *Counters) quantile(q float64) time.Duration {
	v, err := c.sketch.GetValueAtQuantile(q)
	if err != nil {
		return 0
	}
	return time.Duration(v) * time.Microsecond
}

// Summary holds aggregate counters overall, per kind and per stack.
type Summary struct {
	Overall Counters
	ByKind  map[records.Kind]Counters
	ByStack map[records.Stack]Counters
}

// Summarize aggregates recs in a single pass. Every known kind and stack has
// an entry, possibly empty.
func Summarize(recs []records.CheckRecord) Summary {
	overall := newCounters()
	kinds := make(map[records.Kind]*Counters, len(records.Kinds))
	for _, k := range records.Kinds {
		kinds[k] = newCounters()
	}
	stacks := make(map[records.Stack]*Counters, len(records.Stacks))
	for _, s := range records.Stacks {
		stacks[s] = newCounters()
	}

	for _, r := range recs {
		overall.add(r)
		if c, ok := kinds[r.Kind]; ok {
			c.add(r)
		}
		if c, ok := stacks[r.Stack]; ok {
			c.add(r)
		}
	}

	s := Summary{
		ByKind:  make(map[records.Kind]Counters, len(kinds)),
		ByStack: make(map[records.Stack]Counters, len(stacks)),
	}
	overall.finish()
	s.Overall = *overall
	for k, c := range kinds {
		c.finish()
		s.ByKind[k] = *c
	}
	for st, c := range stacks {
		c.finish()
		s.ByStack[st] = *c
	}
	return s
}
