// Package scheduler runs the single-ticker promotion loop: due SCHEDULED
// messages move into the queue. Retry-pending messages are SCHEDULED rows
// like any other (the retry engine parks them with a scheduled_at), so one
// pass releases both kinds.
package scheduler

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/events"
	"sms-gateway/internal/messages"
	"sms-gateway/internal/metrics"
)

const expiredBeforePromotion = "expired-before-promotion"

type Store interface {
	ListScheduledDue(ctx context.Context, now int64, limit int) ([]*messages.Message, error)
	UpdateTerminal(ctx context.Context, id uuid.UUID, state messages.State, sentAt int64, lastError *string) error
}

type Promoter interface {
	Promote(ctx context.Context, msg *messages.Message) (bool, error)
}

type Scheduler struct {
	store    Store
	queue    Promoter
	bus      *events.Bus
	logger   *zap.Logger
	interval time.Duration
	// Scheduled rows whose due time is further in the past than expiration
	// fail instead of being queued.
	expiration time.Duration
	batchLimit int

	promoted *metrics.Counter
	expired  *metrics.Counter

	now func() time.Time
}

func New(store Store, queue Promoter, bus *events.Bus, reg *metrics.Registry, logger *zap.Logger, interval, expiration time.Duration) *Scheduler {
	return &Scheduler{
		store:      store,
		queue:      queue,
		bus:        bus,
		logger:     logger,
		interval:   interval,
		expiration: expiration,
		batchLimit: 500,
		promoted:   reg.Counter("scheduler.promoted"),
		expired:    reg.Counter("scheduler.expired"),
		now:        time.Now,
	}
}

// Run loops until ctx is cancelled. One tick fires immediately on start so a
// restart promotes overdue rows without waiting a full interval.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scheduler tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick promotes every due SCHEDULED message, expiring those past the
// expiration window. Returns the counts of the batch.
func (s *Scheduler) Tick(ctx context.Context) (promoted, expired int, err error) {
	nowMs := s.now().UnixMilli()
	due, err := s.store.ListScheduledDue(ctx, nowMs, s.batchLimit)
	if err != nil {
		return 0, 0, err
	}

	cutoff := nowMs - s.expiration.Milliseconds()
	for _, msg := range due {
		if msg.ScheduledAt != nil && *msg.ScheduledAt < cutoff {
			reason := expiredBeforePromotion
			if err := s.store.UpdateTerminal(ctx, msg.ID, messages.StateFailed, nowMs, &reason); err != nil {
				s.logger.Error("failed to expire message",
					zap.String("id", msg.ID.String()), zap.Error(err))
				continue
			}
			expired++
			s.expired.Inc()
			continue
		}

		ok, err := s.queue.Promote(ctx, msg)
		if err != nil {
			s.logger.Error("failed to promote message",
				zap.String("id", msg.ID.String()), zap.Error(err))
			continue
		}
		if ok {
			promoted++
			s.promoted.Inc()
		}
	}

	if promoted > 0 || expired > 0 {
		s.logger.Info("scheduled messages processed",
			zap.Int("promoted", promoted), zap.Int("expired", expired))
		s.bus.Publish(events.New(events.TypePromoted, "scheduler", nil, events.PromotedPayload{
			Promoted: promoted,
			Expired:  expired,
		}))
	}
	return promoted, expired, nil
}
