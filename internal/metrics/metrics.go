// Package metrics aggregates pipeline counters, gauges, timers and
// histograms. Each named metric may carry (info, warn, critical) thresholds;
// crossing one publishes an alert event. Values are mirrored into Prometheus
// collectors for the /metrics scrape.
package metrics

import (
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"sms-gateway/internal/events"
)

type Level int

const (
	LevelNone Level = iota
	LevelInfo
	LevelWarn
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelCritical:
		return "critical"
	}
	return "none"
}

// Thresholds are crossed when a metric value reaches the bound. A zero bound
// is disabled.
type Thresholds struct {
	Info     float64
	Warn     float64
	Critical float64
}

func (t Thresholds) evaluate(value float64) (Level, float64) {
	switch {
	case t.Critical != 0 && value >= t.Critical:
		return LevelCritical, t.Critical
	case t.Warn != 0 && value >= t.Warn:
		return LevelWarn, t.Warn
	case t.Info != 0 && value >= t.Info:
		return LevelInfo, t.Info
	}
	return LevelNone, 0
}

// TimerBuckets are the bucket upper bounds in milliseconds shared by timers
// and histograms.
var TimerBuckets = []float64{5, 10, 25, 50, 100, 500, 1000, 5000, 10000}

type Registry struct {
	logger      *zap.Logger
	bus         *events.Bus
	promEnabled bool

	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
	timers   map[string]*Timer
}

// NewRegistry builds a registry. bus may be nil, in which case threshold
// crossings are only logged. promEnabled controls mirroring into the default
// Prometheus registerer.
func NewRegistry(logger *zap.Logger, bus *events.Bus, promEnabled bool) *Registry {
	return &Registry{
		logger:      logger,
		bus:         bus,
		promEnabled: promEnabled,
		counters:    make(map[string]*Counter),
		gauges:      make(map[string]*Gauge),
		timers:      make(map[string]*Timer),
	}
}

func promName(name string) string {
	return "smsgw_" + strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

func (r *Registry) alert(metric string, value float64, t Thresholds) {
	level, bound := t.evaluate(value)
	if level == LevelNone {
		return
	}
	r.logger.Warn("metric threshold crossed",
		zap.String("metric", metric),
		zap.String("level", level.String()),
		zap.Float64("value", value))
	if r.bus != nil {
		r.bus.Publish(events.New(events.TypeAlert, "metrics", nil, events.AlertPayload{
			Metric:    metric,
			Level:     level.String(),
			Value:     value,
			Threshold: bound,
		}))
	}
}

// Counter is monotonic.
type Counter struct {
	reg        *Registry
	name       string
	thresholds Thresholds
	value      uint64
	prom       prometheus.Counter
}

func (r *Registry) Counter(name string, thresholds ...Thresholds) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{reg: r, name: name}
	if len(thresholds) > 0 {
		c.thresholds = thresholds[0]
	}
	if r.promEnabled {
		c.prom = promauto.NewCounter(prometheus.CounterOpts{
			Name: promName(name) + "_total",
			Help: "Pipeline counter " + name,
		})
	}
	r.counters[name] = c
	return c
}

func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(delta uint64) {
	v := atomic.AddUint64(&c.value, delta)
	if c.prom != nil {
		c.prom.Add(float64(delta))
	}
	c.reg.alert(c.name, float64(v), c.thresholds)
}

func (c *Counter) Value() uint64 { return atomic.LoadUint64(&c.value) }

// Gauge holds the latest value.
type Gauge struct {
	reg        *Registry
	name       string
	thresholds Thresholds
	bits       uint64
	prom       prometheus.Gauge
}

func (r *Registry) Gauge(name string, thresholds ...Thresholds) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{reg: r, name: name}
	if len(thresholds) > 0 {
		g.thresholds = thresholds[0]
	}
	if r.promEnabled {
		g.prom = promauto.NewGauge(prometheus.GaugeOpts{
			Name: promName(name),
			Help: "Pipeline gauge " + name,
		})
	}
	r.gauges[name] = g
	return g
}

func (g *Gauge) Set(v float64) {
	atomic.StoreUint64(&g.bits, math.Float64bits(v))
	if g.prom != nil {
		g.prom.Set(v)
	}
	g.reg.alert(g.name, v, g.thresholds)
}

func (g *Gauge) Value() float64 {
	return math.Float64frombits(atomic.LoadUint64(&g.bits))
}

// Timer accumulates durations in milliseconds: count, sum, min/max and a
// bucketed histogram used for percentile estimation. Histogram shares the
// implementation; only the Prometheus help text differs.
type Timer struct {
	reg        *Registry
	name       string
	thresholds Thresholds
	prom       prometheus.Histogram

	mu      sync.Mutex
	count   uint64
	sum     float64
	min     float64
	max     float64
	buckets []uint64 // len(TimerBuckets)+1, last is overflow
}

func (r *Registry) Timer(name string, thresholds ...Thresholds) *Timer {
	return r.timer(name, "Pipeline timer ", thresholds...)
}

func (r *Registry) Histogram(name string, thresholds ...Thresholds) *Timer {
	return r.timer(name, "Pipeline histogram ", thresholds...)
}

func (r *Registry) timer(name, help string, thresholds ...Thresholds) *Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[name]; ok {
		return t
	}
	t := &Timer{
		reg:     r,
		name:    name,
		buckets: make([]uint64, len(TimerBuckets)+1),
		min:     math.Inf(1),
		max:     math.Inf(-1),
	}
	if len(thresholds) > 0 {
		t.thresholds = thresholds[0]
	}
	if r.promEnabled {
		t.prom = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    promName(name) + "_ms",
			Help:    help + name,
			Buckets: TimerBuckets,
		})
	}
	r.timers[name] = t
	return t
}

func (t *Timer) Observe(ms float64) {
	t.mu.Lock()
	t.count++
	t.sum += ms
	if ms < t.min {
		t.min = ms
	}
	if ms > t.max {
		t.max = ms
	}
	idx := len(TimerBuckets)
	for i, bound := range TimerBuckets {
		if ms <= bound {
			idx = i
			break
		}
	}
	t.buckets[idx]++
	t.mu.Unlock()

	if t.prom != nil {
		t.prom.Observe(ms)
	}
	t.reg.alert(t.name, ms, t.thresholds)
}

type TimerSnapshot struct {
	Count uint64  `json:"count"`
	Sum   float64 `json:"sum_ms"`
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
}

func (t *Timer) Snapshot() TimerSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := TimerSnapshot{Count: t.count, Sum: t.sum}
	if t.count == 0 {
		return snap
	}
	snap.Min = t.min
	snap.Max = t.max
	snap.P50 = t.percentileLocked(0.50)
	snap.P90 = t.percentileLocked(0.90)
	snap.P95 = t.percentileLocked(0.95)
	snap.P99 = t.percentileLocked(0.99)
	return snap
}

// percentileLocked estimates a percentile from the bucket table: the upper
// bound of the bucket holding the target rank, or the observed max for the
// overflow bucket.
func (t *Timer) percentileLocked(p float64) float64 {
	rank := uint64(math.Ceil(p * float64(t.count)))
	if rank == 0 {
		rank = 1
	}
	var cumulative uint64
	for i, n := range t.buckets {
		cumulative += n
		if cumulative >= rank {
			if i == len(TimerBuckets) {
				return t.max
			}
			return TimerBuckets[i]
		}
	}
	return t.max
}
