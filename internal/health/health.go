// Package health rolls component states up into a single verdict the
// dispatcher gates on. Transport availability is observed through the event
// bus rather than a direct dispatcher reference, keeping the component graph
// acyclic.
package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"sms-gateway/internal/events"
	"sms-gateway/internal/messages"
)

type Level int

const (
	Healthy Level = iota
	Warning
	Critical
	Down
)

func (l Level) String() string {
	switch l {
	case Healthy:
		return "HEALTHY"
	case Warning:
		return "WARNING"
	case Critical:
		return "CRITICAL"
	case Down:
		return "DOWN"
	}
	return "UNKNOWN"
}

type Component struct {
	Level  Level  `json:"level"`
	Detail string `json:"detail,omitempty"`
}

type Report struct {
	Overall         Level                `json:"overall"`
	Components      map[string]Component `json:"components"`
	Issues          []string             `json:"issues,omitempty"`
	Recommendations []string             `json:"recommendations,omitempty"`
	CheckedAt       time.Time            `json:"checked_at"`
}

func (r *Report) OverallString() string { return r.Overall.String() }

type Store interface {
	Ping(ctx context.Context) error
	CountInState(ctx context.Context, state messages.State) (int64, error)
}

type Thresholds struct {
	QueueDepthWarn     int64
	QueueDepthCritical int64
	ErrorRateWarn      float64
	ErrorRateCritical  float64
	// TransportStaleAfter is how long without a successful send before the
	// transport is considered degraded. Only applies once at least one send
	// has been attempted.
	TransportStaleAfter time.Duration
}

// Monitor computes the rollup. It keeps a one-hour ring of per-minute
// send outcomes fed by its bus subscription.
type Monitor struct {
	store      Store
	logger     *zap.Logger
	thresholds Thresholds

	mu          sync.Mutex
	sentRing    [60]int64
	failedRing  [60]int64
	ringMinute  int64
	lastSuccess atomic.Int64 // unix ms, 0 = never
	lastAttempt atomic.Int64

	report atomic.Pointer[Report]

	now func() time.Time
}

func NewMonitor(store Store, logger *zap.Logger, thresholds Thresholds) *Monitor {
	m := &Monitor{
		store:      store,
		logger:     logger,
		thresholds: thresholds,
		now:        time.Now,
	}
	initial := &Report{Overall: Healthy, Components: map[string]Component{}, CheckedAt: m.now()}
	m.report.Store(initial)
	return m
}

// Attach subscribes the monitor to send outcomes.
func (m *Monitor) Attach(bus *events.Bus) *events.Subscription {
	return bus.Subscribe("health-monitor", func(ev events.Event) {
		switch ev.Type {
		case events.TypeSent:
			m.recordOutcome(true)
		case events.TypeFailed:
			m.recordOutcome(false)
		}
	}, events.TypeSent, events.TypeFailed)
}

func (m *Monitor) recordOutcome(success bool) {
	nowMs := m.now().UnixMilli()
	m.lastAttempt.Store(nowMs)
	if success {
		m.lastSuccess.Store(nowMs)
	}

	minute := nowMs / 60_000
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceRing(minute)
	idx := minute % 60
	if success {
		m.sentRing[idx]++
	} else {
		m.failedRing[idx]++
	}
}

// advanceRing zeroes slots for minutes that have passed since the last
// write. Caller holds mu.
func (m *Monitor) advanceRing(minute int64) {
	if m.ringMinute == 0 {
		m.ringMinute = minute
		return
	}
	gap := minute - m.ringMinute
	if gap <= 0 {
		return
	}
	if gap > 60 {
		gap = 60
	}
	for i := int64(1); i <= gap; i++ {
		idx := (m.ringMinute + i) % 60
		m.sentRing[idx] = 0
		m.failedRing[idx] = 0
	}
	m.ringMinute = minute
}

// errorRate over the last hour. Returns 0 when there were no outcomes.
func (m *Monitor) errorRate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advanceRing(m.now().UnixMilli() / 60_000)
	var sent, failed int64
	for i := 0; i < 60; i++ {
		sent += m.sentRing[i]
		failed += m.failedRing[i]
	}
	if sent+failed == 0 {
		return 0
	}
	return float64(failed) / float64(sent+failed)
}

// Check recomputes the report. Worst component wins the overall verdict.
func (m *Monitor) Check(ctx context.Context) *Report {
	report := &Report{
		Components: make(map[string]Component),
		CheckedAt:  m.now(),
	}

	// Store reachability. An unreachable store means nothing can run.
	storeComp := Component{Level: Healthy}
	if err := m.store.Ping(ctx); err != nil {
		storeComp = Component{Level: Down, Detail: err.Error()}
		report.Issues = append(report.Issues, fmt.Sprintf("store unreachable: %v", err))
	}
	report.Components["store"] = storeComp

	// Queue depth.
	queueComp := Component{Level: Healthy}
	if storeComp.Level != Down {
		depth, err := m.store.CountInState(ctx, messages.StateQueued)
		switch {
		case err != nil:
			queueComp = Component{Level: Warning, Detail: err.Error()}
		case depth >= m.thresholds.QueueDepthCritical:
			queueComp = Component{Level: Critical, Detail: fmt.Sprintf("depth %d", depth)}
			report.Issues = append(report.Issues, fmt.Sprintf("queue depth %d over critical threshold", depth))
		case depth >= m.thresholds.QueueDepthWarn:
			queueComp = Component{Level: Warning, Detail: fmt.Sprintf("depth %d", depth)}
			report.Recommendations = append(report.Recommendations,
				fmt.Sprintf("queue depth %d > %d: consider raising worker count", depth, m.thresholds.QueueDepthWarn))
		}
	} else {
		queueComp = Component{Level: Down, Detail: "store unreachable"}
	}
	report.Components["queue"] = queueComp

	// Error rate over the last hour.
	rate := m.errorRate()
	errComp := Component{Level: Healthy, Detail: fmt.Sprintf("%.1f%%", rate*100)}
	switch {
	case rate >= m.thresholds.ErrorRateCritical:
		errComp.Level = Critical
		report.Issues = append(report.Issues, fmt.Sprintf("error rate %.1f%% over critical threshold", rate*100))
	case rate >= m.thresholds.ErrorRateWarn:
		errComp.Level = Warning
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("error rate %.1f%% > %.0f%%: investigate transport", rate*100, m.thresholds.ErrorRateWarn*100))
	}
	report.Components["error_rate"] = errComp

	// Transport: stale when attempts keep happening but nothing succeeds.
	transportComp := Component{Level: Healthy}
	lastSuccess := m.lastSuccess.Load()
	lastAttempt := m.lastAttempt.Load()
	if lastAttempt > 0 && m.thresholds.TransportStaleAfter > 0 {
		staleMs := m.thresholds.TransportStaleAfter.Milliseconds()
		nowMs := m.now().UnixMilli()
		if lastSuccess == 0 && nowMs-lastAttempt < staleMs {
			// Attempts started recently, nothing succeeded yet; too early to judge.
		} else if lastSuccess == 0 || nowMs-lastSuccess > staleMs {
			transportComp = Component{Level: Critical, Detail: "no successful send within stale window"}
			report.Issues = append(report.Issues, "transport has not delivered recently")
		}
	}
	report.Components["transport"] = transportComp

	report.Overall = Healthy
	for _, comp := range report.Components {
		if comp.Level > report.Overall {
			report.Overall = comp.Level
		}
	}

	m.report.Store(report)
	return report
}

// Current returns the last computed report without touching the store.
func (m *Monitor) Current() *Report {
	return m.report.Load()
}

// Level is what the dispatcher gates on.
func (m *Monitor) Level() Level {
	return m.report.Load().Overall
}

// Run refreshes the cached report periodically.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := m.Check(ctx)
			if report.Overall >= Critical {
				m.logger.Warn("health degraded",
					zap.String("overall", report.Overall.String()),
					zap.Strings("issues", report.Issues))
			}
		}
	}
}
