// Package maintenance is the periodic compactor: retention deletes, rescue
// of abandoned SENDING rows, expiry of stale SCHEDULED rows and queue
// position reorganization. Runs single-flight; overlapping triggers are
// skipped.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/events"
	"sms-gateway/internal/messages"
	"sms-gateway/internal/metrics"
	"sms-gateway/internal/retry"
)

const abandonedSending = "abandoned-sending"
const expiredBeforePromotion = "expired-before-promotion"

type Store interface {
	DeleteTerminalOlderThan(ctx context.Context, state messages.State, cutoff int64) (int64, error)
	ListSendingOlderThan(ctx context.Context, cutoff int64, limit int) ([]*messages.Message, error)
	ListScheduledDue(ctx context.Context, now int64, limit int) ([]*messages.Message, error)
	UpdateState(ctx context.Context, id uuid.UUID, from, to messages.State, fields messages.Fields) (bool, error)
	UpdateTerminal(ctx context.Context, id uuid.UUID, state messages.State, sentAt int64, lastError *string) error
	ReorganizePositions(ctx context.Context) (int64, error)
	QueueStats(ctx context.Context) (*messages.QueueStats, error)
}

type Config struct {
	Interval time.Duration
	// Retention windows per terminal state. CANCELLED rows share the FAILED
	// window.
	RetentionSent   time.Duration
	RetentionFailed time.Duration
	// SENDING rows untouched for longer than RescueAge are treated as
	// abandoned by a crashed worker.
	RescueAge time.Duration
	// SCHEDULED rows this far past their due time fail instead of queueing.
	ExpirationWindow time.Duration
}

type Maintenance struct {
	cfg    Config
	store  Store
	engine *retry.Engine
	bus    *events.Bus
	logger *zap.Logger

	runs    *metrics.Counter
	rescued *metrics.Counter

	single sync.Mutex
	now    func() time.Time
}

func New(cfg Config, store Store, engine *retry.Engine, bus *events.Bus, reg *metrics.Registry, logger *zap.Logger) *Maintenance {
	return &Maintenance{
		cfg:     cfg,
		store:   store,
		engine:  engine,
		bus:     bus,
		logger:  logger,
		runs:    reg.Counter("maintenance.runs"),
		rescued: reg.Counter("maintenance.rescued"),
		now:     time.Now,
	}
}

// Run executes one cycle immediately (restart rescue depends on it), then
// every interval.
func (m *Maintenance) Run(ctx context.Context) {
	m.logger.Info("maintenance started", zap.Duration("interval", m.cfg.Interval))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("maintenance cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("maintenance stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a full cycle. A second caller while one is in progress
// returns immediately with a nil payload.
func (m *Maintenance) RunOnce(ctx context.Context) (*events.MaintenancePayload, error) {
	if !m.single.TryLock() {
		m.logger.Debug("maintenance already in progress, skipping")
		return nil, nil
	}
	defer m.single.Unlock()

	nowMs := m.now().UnixMilli()
	payload := &events.MaintenancePayload{}
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	var err error
	payload.DeletedSent, err = m.store.DeleteTerminalOlderThan(ctx,
		messages.StateSent, nowMs-m.cfg.RetentionSent.Milliseconds())
	record(err)

	failedCutoff := nowMs - m.cfg.RetentionFailed.Milliseconds()
	payload.DeletedFailed, err = m.store.DeleteTerminalOlderThan(ctx, messages.StateFailed, failedCutoff)
	record(err)

	payload.DeletedCancelled, err = m.store.DeleteTerminalOlderThan(ctx, messages.StateCancelled, failedCutoff)
	record(err)

	payload.Rescued, err = m.rescueSending(ctx, nowMs)
	record(err)

	payload.Expired, err = m.expireScheduled(ctx, nowMs)
	record(err)

	if payload.DeletedSent+payload.DeletedFailed+payload.DeletedCancelled > 0 {
		payload.Reorganized, err = m.store.ReorganizePositions(ctx)
		record(err)
	}

	payload.Recommendations = m.recommendations(ctx)

	m.runs.Inc()
	m.bus.Publish(events.New(events.TypeMaintenance, "maintenance", nil, *payload))
	m.logger.Info("maintenance cycle complete",
		zap.Int64("deleted_sent", payload.DeletedSent),
		zap.Int64("deleted_failed", payload.DeletedFailed),
		zap.Int64("deleted_cancelled", payload.DeletedCancelled),
		zap.Int64("rescued", payload.Rescued),
		zap.Int64("expired", payload.Expired),
		zap.Int64("reorganized", payload.Reorganized))

	return payload, firstErr
}

// rescueSending recovers rows stuck in SENDING past the rescue age: the
// attempt counts as a failure with reason abandoned-sending, and the retry
// engine decides whether another attempt happens.
func (m *Maintenance) rescueSending(ctx context.Context, nowMs int64) (int64, error) {
	stuck, err := m.store.ListSendingOlderThan(ctx, nowMs-m.cfg.RescueAge.Milliseconds(), 500)
	if err != nil {
		return 0, err
	}

	var rescued int64
	reason := abandonedSending
	for _, msg := range stuck {
		decision := m.engine.Decide(msg, reason)
		if decision.Terminal {
			if err := m.store.UpdateTerminal(ctx, msg.ID, messages.StateFailed, nowMs, &reason); err != nil {
				m.logger.Error("failed to fail abandoned message",
					zap.String("id", msg.ID.String()), zap.Error(err))
				continue
			}
		} else {
			retryAt := decision.RetryAt.UnixMilli()
			ok, err := m.store.UpdateState(ctx, msg.ID, messages.StateSending, messages.StateScheduled, messages.Fields{
				ScheduledAt:  &retryAt,
				SetLastError: true,
				LastError:    &reason,
			})
			if err != nil {
				m.logger.Error("failed to reschedule abandoned message",
					zap.String("id", msg.ID.String()), zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}
		rescued++
		m.rescued.Inc()
		m.logger.Warn("rescued abandoned message",
			zap.String("id", msg.ID.String()),
			zap.Bool("terminal", decision.Terminal))
	}
	return rescued, nil
}

// expireScheduled fails SCHEDULED rows that sat past their due time longer
// than the expiration window without being promoted.
func (m *Maintenance) expireScheduled(ctx context.Context, nowMs int64) (int64, error) {
	overdue, err := m.store.ListScheduledDue(ctx, nowMs-m.cfg.ExpirationWindow.Milliseconds(), 500)
	if err != nil {
		return 0, err
	}

	var expired int64
	reason := expiredBeforePromotion
	for _, msg := range overdue {
		if err := m.store.UpdateTerminal(ctx, msg.ID, messages.StateFailed, nowMs, &reason); err != nil {
			m.logger.Error("failed to expire scheduled message",
				zap.String("id", msg.ID.String()), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// recommendations are advisory strings, never actions.
func (m *Maintenance) recommendations(ctx context.Context) []string {
	stats, err := m.store.QueueStats(ctx)
	if err != nil {
		return nil
	}
	var recs []string
	if depth := stats.Totals[messages.StateQueued]; depth > 100 {
		recs = append(recs, fmt.Sprintf("queue depth %d > 100: consider raising worker count", depth))
	}
	if stats.ErrorRate > 0.10 {
		recs = append(recs, fmt.Sprintf("error rate %.1f%% > 10%%: investigate transport", stats.ErrorRate*100))
	}
	return recs
}
