// Package stats aggregates traffic counters, throughput and latency
// distribution over the inspected message stream.
package stats

import (
	"fmt"
	"math"
	"slices"
	"sort"
	"time"

	"mqttlens/message"
	"mqttlens/ring"
)

const (
	DefaultLatencyWindowSize = 1000
	DefaultRateWindow        = 300 * time.Second
)

// histogramThresholds are the lower bounds, in milliseconds, of the latency
// histogram buckets.
var histogramThresholds = []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000}

// Options configures a Collector. Zero values select the defaults.
type Options struct {
	LatencyWindowSize int
	RateWindow        time.Duration
	Now               func() time.Time
}

// Counters are the per-kind message totals.
type Counters struct {
	Total       uint64 `json:"total"`
	Incoming    uint64 `json:"incoming"`
	Outgoing    uint64 `json:"outgoing"`
	Errors      uint64 `json:"errors"`
	Subscribes  uint64 `json:"subscribes"`
	Disconnects uint64 `json:"disconnects"`
}

// LatencyStats summarises every latency sample recorded since the last
// reset. Percentiles are computed over the retained window only.
type LatencyStats struct {
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Bucket is one latency histogram bin.
type Bucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// TopicCount is a topic and the number of publishes seen on it.
type TopicCount struct {
	Topic string `json:"topic"`
	Count uint64 `json:"count"`
}

// Snapshot is a point-in-time copy of every statistic.
type Snapshot struct {
	Counters Counters       `json:"counters"`
	QoS      map[int]uint64 `json:"qos"`
	Rate     float64        `json:"rate"`
	Latency  LatencyStats   `json:"latency"`
	Uptime   time.Duration  `json:"uptime"`
	Topics   int            `json:"topics"`
}

type rateEntry struct {
	at    time.Time
	count int
}

// Collector accumulates statistics. It is not safe for concurrent use.
type Collector struct {
	now        func() time.Time
	rateWindow time.Duration

	counters   Counters
	qos        map[int]uint64
	topics     map[string]uint64
	topicOrder []string

	latencies  *ring.Buffer[float64]
	latCount   int
	latSum     float64
	latMin     float64
	latMax     float64
	rates      []rateEntry

	startTime time.Time
}

// NewCollector creates a collector.
func NewCollector(opts Options) *Collector {
	if opts.LatencyWindowSize <= 0 {
		opts.LatencyWindowSize = DefaultLatencyWindowSize
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = DefaultRateWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	c := &Collector{
		now:        opts.Now,
		rateWindow: opts.RateWindow,
		latencies:  ring.New[float64](opts.LatencyWindowSize),
	}
	c.Reset()
	return c
}

// Record accounts for one message of any type.
func (c *Collector) Record(m *message.Message) {
	c.counters.Total++

	now := c.now()
	c.rates = append(c.rates, rateEntry{at: now, count: 1})
	c.prune(now)

	if ms, ok := m.Latency(); ok {
		c.RecordLatency(ms)
	}

	switch m.Type {
	case message.TypePublish:
		c.RecordPublish(m)
	case message.TypeSubscribe:
		c.counters.Subscribes++
	case message.TypeDisconnect:
		c.counters.Disconnects++
	case message.TypeError:
		c.counters.Errors++
	case message.TypeUnsubscribe, message.TypeData, message.TypeUnknown:
		// Counted in the total only.
	}
}

// RecordPublish updates the direction, QoS and topic counters.
func (c *Collector) RecordPublish(m *message.Message) {
	switch m.Direction() {
	case message.DirectionIncoming, "in":
		c.counters.Incoming++
	case message.DirectionOutgoing, "out":
		c.counters.Outgoing++
	}

	// Fractional, out-of-range and non-numeric levels are ignored.
	if q := m.QoS(); q >= 0 {
		c.qos[q]++
	}

	if t := m.PayloadTopic(); t != "" {
		if _, seen := c.topics[t]; !seen {
			c.topicOrder = append(c.topicOrder, t)
		}
		c.topics[t]++
	}
}

// RecordLatency adds one latency sample in milliseconds.
func (c *Collector) RecordLatency(ms float64) {
	if math.IsNaN(ms) {
		return
	}
	if c.latCount == 0 || ms < c.latMin {
		c.latMin = ms
	}
	if c.latCount == 0 || ms > c.latMax {
		c.latMax = ms
	}
	c.latCount++
	c.latSum += ms
	c.latencies.Push(ms)
}

// prune drops rate entries at or before now minus the window.
func (c *Collector) prune(now time.Time) {
	cutoff := now.Add(-c.rateWindow)
	i := 0
	for i < len(c.rates) && !c.rates[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		c.rates = slices.Delete(c.rates, 0, i)
	}
}

// Rate returns messages per second over the retained window, measured from
// the oldest retained entry to now.
func (c *Collector) Rate() float64 {
	now := c.now()
	c.prune(now)
	if len(c.rates) == 0 {
		return 0
	}
	elapsed := now.Sub(c.rates[0].at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	total := 0
	for _, e := range c.rates {
		total += e.count
	}
	return float64(total) / elapsed
}

// LatencyPercentile returns the p-th percentile of the latency window, or
// 0 when no samples are retained.
func (c *Collector) LatencyPercentile(p float64) float64 {
	sorted := c.sortedLatencies()
	return percentile(sorted, p)
}

func (c *Collector) sortedLatencies() []float64 {
	sorted := c.latencies.Slice()
	sort.Float64s(sorted)
	return sorted
}

func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(n)*p/100)) - 1
	idx = max(0, min(idx, n-1))
	return sorted[idx]
}

// LatencyHistogram bins the latency window. Each sample lands in the
// highest threshold it reaches; samples below every threshold land in the
// first bucket.
func (c *Collector) LatencyHistogram() []Bucket {
	buckets := make([]Bucket, len(histogramThresholds))
	for i, th := range histogramThresholds {
		buckets[i].Label = fmt.Sprintf("%gms", th)
	}
	buckets[len(buckets)-1].Label = "1s+"

	for _, v := range c.latencies.Slice() {
		idx := 0
		for i := len(histogramThresholds) - 1; i >= 0; i-- {
			if v >= histogramThresholds[i] {
				idx = i
				break
			}
		}
		buckets[idx].Count++
	}
	return buckets
}

// TopTopics returns up to limit topics by descending publish count. Ties
// keep first-seen order. A non-positive limit returns every topic.
func (c *Collector) TopTopics(limit int) []TopicCount {
	out := make([]TopicCount, 0, len(c.topicOrder))
	for _, t := range c.topicOrder {
		out = append(out, TopicCount{Topic: t, Count: c.topics[t]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// TotalMessages returns the number of messages recorded.
func (c *Collector) TotalMessages() uint64 { return c.counters.Total }

// Counters returns a copy of the counters.
func (c *Collector) Counters() Counters { return c.counters }

// QoSDistribution returns the per-QoS publish counts. Keys 0, 1 and 2 are
// always present.
func (c *Collector) QoSDistribution() map[int]uint64 {
	out := make(map[int]uint64, len(c.qos))
	for k, v := range c.qos {
		out[k] = v
	}
	return out
}

// LatencyStats returns the running latency summary.
func (c *Collector) LatencyStats() LatencyStats {
	if c.latCount == 0 {
		return LatencyStats{}
	}
	sorted := c.sortedLatencies()
	return LatencyStats{
		Count: c.latCount,
		Min:   c.latMin,
		Max:   c.latMax,
		Avg:   c.latSum / float64(c.latCount),
		P50:   percentile(sorted, 50),
		P95:   percentile(sorted, 95),
		P99:   percentile(sorted, 99),
	}
}

// Uptime returns the time since creation or the last reset.
func (c *Collector) Uptime() time.Duration { return c.now().Sub(c.startTime) }

// Snapshot returns every statistic at once.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		Counters: c.counters,
		QoS:      c.QoSDistribution(),
		Rate:     c.Rate(),
		Latency:  c.LatencyStats(),
		Uptime:   c.Uptime(),
		Topics:   len(c.topicOrder),
	}
}

// Reset zeroes every counter and window and restarts the uptime clock.
func (c *Collector) Reset() {
	c.counters = Counters{}
	c.qos = map[int]uint64{0: 0, 1: 0, 2: 0}
	c.topics = make(map[string]uint64)
	c.topicOrder = nil
	c.latencies.Clear()
	c.latCount = 0
	c.latSum = 0
	c.latMin = 0
	c.latMax = 0
	c.rates = nil
	c.startTime = c.now()
}
