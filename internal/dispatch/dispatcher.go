// Package dispatch runs the bounded worker pool that drains the queue:
// claim, send through the transport, write the outcome back. Claim order
// across workers follows the queue's ordering rule; completion order is
// unconstrained.
package dispatch

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/events"
	"sms-gateway/internal/health"
	"sms-gateway/internal/messages"
	"sms-gateway/internal/metrics"
	"sms-gateway/internal/retry"
	"sms-gateway/internal/transport"
)

type Claimer interface {
	Dequeue(ctx context.Context) (*messages.Message, error)
}

type Store interface {
	UpdateState(ctx context.Context, id uuid.UUID, from, to messages.State, fields messages.Fields) (bool, error)
	UpdateTerminal(ctx context.Context, id uuid.UUID, state messages.State, sentAt int64, lastError *string) error
}

// Gate reports the current health verdict. HEALTHY and WARNING run full
// capacity, CRITICAL runs quarter capacity, DOWN pauses everything.
type Gate func() health.Level

type Config struct {
	Workers      int
	SendTimeout  time.Duration
	IdleSleep    time.Duration
	IdleSleepMax time.Duration
}

// DefaultWorkers is min(8, 2×CPU).
func DefaultWorkers() int {
	w := 2 * runtime.NumCPU()
	if w > 8 {
		w = 8
	}
	if w < 1 {
		w = 1
	}
	return w
}

type Dispatcher struct {
	cfg       Config
	queue     Claimer
	store     Store
	engine    *retry.Engine
	transport transport.Transport
	bus       *events.Bus
	gate      Gate
	logger    *zap.Logger

	paused atomic.Bool
	wg     sync.WaitGroup
	cancel context.CancelFunc

	inFlight  atomic.Int64
	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64

	sentCounter    *metrics.Counter
	failedCounter  *metrics.Counter
	retriedCounter *metrics.Counter
	processingTime *metrics.Timer
	inFlightGauge  *metrics.Gauge
}

func New(cfg Config, queue Claimer, store Store, engine *retry.Engine, tp transport.Transport, bus *events.Bus, reg *metrics.Registry, gate Gate, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 250 * time.Millisecond
	}
	if cfg.IdleSleepMax < cfg.IdleSleep {
		cfg.IdleSleepMax = 5 * time.Second
	}
	return &Dispatcher{
		cfg:            cfg,
		queue:          queue,
		store:          store,
		engine:         engine,
		transport:      tp,
		bus:            bus,
		gate:           gate,
		logger:         logger,
		sentCounter:    reg.Counter("sms.sent"),
		failedCounter:  reg.Counter("sms.failed"),
		retriedCounter: reg.Counter("sms.retried"),
		processingTime: reg.Timer("sms.processing"),
		inFlightGauge:  reg.Gauge("dispatch.inflight"),
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, i)
	}
	d.logger.Info("dispatcher started",
		zap.Int("workers", d.cfg.Workers),
		zap.Duration("send_timeout", d.cfg.SendTimeout))
}

// Stop cancels the pool and waits for in-flight sends to finish their
// outcome writes.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) Pause() {
	if d.paused.CompareAndSwap(false, true) {
		d.logger.Info("dispatcher paused")
	}
}

func (d *Dispatcher) Resume() {
	if d.paused.CompareAndSwap(true, false) {
		d.logger.Info("dispatcher resumed")
	}
}

func (d *Dispatcher) Paused() bool { return d.paused.Load() }

type Stats struct {
	Workers   int   `json:"workers"`
	Paused    bool  `json:"paused"`
	InFlight  int64 `json:"in_flight"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Workers:   d.cfg.Workers,
		Paused:    d.paused.Load(),
		InFlight:  d.inFlight.Load(),
		Processed: d.processed.Load(),
		Succeeded: d.succeeded.Load(),
		Failed:    d.failed.Load(),
		Retried:   d.retried.Load(),
	}
}

// activeWorkers is the number of workers allowed to claim under the current
// health verdict.
func (d *Dispatcher) activeWorkers() int {
	switch d.gate() {
	case health.Down:
		return 0
	case health.Critical:
		quarter := d.cfg.Workers / 4
		if quarter < 1 {
			quarter = 1
		}
		return quarter
	}
	return d.cfg.Workers
}

func (d *Dispatcher) runWorker(ctx context.Context, id int) {
	defer d.wg.Done()
	backoff := d.cfg.IdleSleep

	for {
		if ctx.Err() != nil {
			return
		}

		if d.paused.Load() || id >= d.activeWorkers() {
			if !sleepCtx(ctx, d.cfg.IdleSleep) {
				return
			}
			continue
		}

		msg, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("dequeue failed", zap.Int("worker", id), zap.Error(err))
			if !sleepCtx(ctx, backoff) {
				return
			}
			continue
		}
		if msg == nil {
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > d.cfg.IdleSleepMax {
				backoff = d.cfg.IdleSleepMax
			}
			continue
		}
		backoff = d.cfg.IdleSleep
		d.process(ctx, id, msg)
	}
}

func (d *Dispatcher) process(ctx context.Context, workerID int, msg *messages.Message) {
	d.inFlight.Add(1)
	d.inFlightGauge.Set(float64(d.inFlight.Load()))
	defer func() {
		d.inFlight.Add(-1)
		d.inFlightGauge.Set(float64(d.inFlight.Load()))
		d.processed.Add(1)
	}()

	start := time.Now()
	d.bus.Publish(events.New(events.TypeSendingStarted, "dispatcher", msg, nil))
	d.logger.Debug("sending message",
		zap.Int("worker", workerID),
		zap.String("id", msg.ID.String()),
		zap.Int("attempt", msg.AttemptCount))

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	_, sendErr := d.transport.Send(sendCtx, msg.Recipient, msg.Content)
	timedOut := sendCtx.Err() == context.DeadlineExceeded
	cancel()

	// Outcome writes run on a detached context: a shutdown signal mid-send
	// must not strand the row in SENDING when we already know the result.
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()

	if sendErr == nil {
		d.complete(writeCtx, msg, start)
		return
	}

	errText := sendErr.Error()
	if timedOut {
		errText = "send timeout"
	}
	d.fail(writeCtx, msg, errText)
}

func (d *Dispatcher) complete(ctx context.Context, msg *messages.Message, start time.Time) {
	sentAt := messages.NowMillis()
	ok, err := d.store.UpdateState(ctx, msg.ID, messages.StateSending, messages.StateSent, messages.Fields{
		SentAt:       &sentAt,
		SetLastError: true,
	})
	if err != nil {
		d.logger.Error("failed to record send success; row left for rescue",
			zap.String("id", msg.ID.String()), zap.Error(err))
		return
	}
	if !ok {
		// Cancelled while in flight: the send completed but the result is
		// discarded and the message is not re-queued.
		d.logger.Info("send result discarded, message left SENDING state",
			zap.String("id", msg.ID.String()))
		return
	}

	processingMs := time.Since(start).Milliseconds()
	d.succeeded.Add(1)
	d.sentCounter.Inc()
	d.processingTime.Observe(float64(processingMs))

	snapshot := *msg
	snapshot.State = messages.StateSent
	snapshot.SentAt = &sentAt
	snapshot.LastError = nil
	d.bus.Publish(events.New(events.TypeSent, "dispatcher", &snapshot, events.SentPayload{
		ProcessingMs: processingMs,
		Attempt:      msg.AttemptCount,
	}))

	d.logger.Info("message sent",
		zap.String("id", msg.ID.String()),
		zap.Int("attempt", msg.AttemptCount),
		zap.Int64("processing_ms", processingMs))
}

func (d *Dispatcher) fail(ctx context.Context, msg *messages.Message, errText string) {
	decision := d.engine.Decide(msg, errText)

	if decision.Terminal {
		sentAt := messages.NowMillis()
		if err := d.store.UpdateTerminal(ctx, msg.ID, messages.StateFailed, sentAt, &errText); err != nil {
			d.logger.Error("failed to record terminal failure",
				zap.String("id", msg.ID.String()), zap.Error(err))
			return
		}
		d.failed.Add(1)
		d.failedCounter.Inc()

		snapshot := *msg
		snapshot.State = messages.StateFailed
		snapshot.SentAt = &sentAt
		snapshot.LastError = &errText
		d.bus.Publish(events.New(events.TypeFailed, "dispatcher", &snapshot, events.FailedPayload{
			Error:     errText,
			WillRetry: false,
			Attempt:   msg.AttemptCount,
		}))

		d.logger.Warn("message permanently failed",
			zap.String("id", msg.ID.String()),
			zap.Int("attempts", msg.AttemptCount),
			zap.String("error", errText))
		return
	}

	retryAt := decision.RetryAt.UnixMilli()
	ok, err := d.store.UpdateState(ctx, msg.ID, messages.StateSending, messages.StateScheduled, messages.Fields{
		ScheduledAt:  &retryAt,
		SetLastError: true,
		LastError:    &errText,
	})
	if err != nil {
		d.logger.Error("failed to schedule retry; row left for rescue",
			zap.String("id", msg.ID.String()), zap.Error(err))
		return
	}
	if !ok {
		d.logger.Info("retry discarded, message no longer SENDING",
			zap.String("id", msg.ID.String()))
		return
	}
	d.retried.Add(1)
	d.retriedCounter.Inc()

	snapshot := *msg
	snapshot.State = messages.StateScheduled
	snapshot.ScheduledAt = &retryAt
	snapshot.LastError = &errText
	d.bus.Publish(events.New(events.TypeFailed, "dispatcher", &snapshot, events.FailedPayload{
		Error:     errText,
		WillRetry: true,
		RetryAtMs: retryAt,
		Attempt:   msg.AttemptCount,
	}))

	d.logger.Info("retry scheduled",
		zap.String("id", msg.ID.String()),
		zap.Int("attempt", msg.AttemptCount),
		zap.Duration("delay", decision.Delay),
		zap.String("error", errText))
}

// sleepCtx sleeps for d or until ctx is cancelled; false means cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
