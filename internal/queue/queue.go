// Package queue is the logical priority queue: a view over QUEUED rows in
// the store with a stable total order. It owns queue_position assignment;
// everything else translates directly to store operations.
package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/messages"
)

// Store is the slice of the message store the queue needs.
type Store interface {
	Insert(ctx context.Context, msg *messages.Message) error
	Get(ctx context.Context, id uuid.UUID) (*messages.Message, error)
	UpdateState(ctx context.Context, id uuid.UUID, from, to messages.State, fields messages.Fields) (bool, error)
	ClaimNext(ctx context.Context) (*messages.Message, error)
	MaxPositionForPriority(ctx context.Context, priority messages.Priority) (int64, error)
	ReprioritizeQueued(ctx context.Context, id uuid.UUID, priority messages.Priority, position int64) (bool, error)
	CountInState(ctx context.Context, state messages.State) (int64, error)
	CountInBand(ctx context.Context, priority messages.Priority) (int64, error)
	CancelByState(ctx context.Context, state messages.State) (int64, error)
	CancelBand(ctx context.Context, priority messages.Priority) (int64, error)
	OldestQueued(ctx context.Context) (*messages.Message, error)
}

var (
	ErrNotQueued   = fmt.Errorf("message is not queued")
	ErrTerminal    = fmt.Errorf("message is in a terminal state")
	ErrBadPriority = fmt.Errorf("invalid priority")
)

type Queue struct {
	store  Store
	logger *zap.Logger

	// One mutex per priority band serializes position assignment so two
	// concurrent enqueues never compute the same position. Reads and claims
	// do not take it; the store's conditional updates stay authoritative.
	bands [5]sync.Mutex
}

func New(store Store, logger *zap.Logger) *Queue {
	return &Queue{store: store, logger: logger}
}

func (q *Queue) bandLock(p messages.Priority) *sync.Mutex {
	return &q.bands[int(p)]
}

// nextPosition computes the next queue_position inside the band:
// (5 - priority) * 10000 + max_in_band + 1. The fixed offset per band keeps
// inter-priority ordering collision-free and leaves headroom for
// reorganization.
func (q *Queue) nextPosition(ctx context.Context, p messages.Priority) (int64, error) {
	max, err := q.store.MaxPositionForPriority(ctx, p)
	if err != nil {
		return 0, err
	}
	return max + 1, nil
}

// Enqueue persists a new message in QUEUED with its band position assigned.
func (q *Queue) Enqueue(ctx context.Context, msg *messages.Message) error {
	if !msg.Priority.Valid() {
		return ErrBadPriority
	}
	lock := q.bandLock(msg.Priority)
	lock.Lock()
	defer lock.Unlock()

	pos, err := q.nextPosition(ctx, msg.Priority)
	if err != nil {
		return err
	}
	msg.State = messages.StateQueued
	msg.QueuePosition = &pos
	return q.store.Insert(ctx, msg)
}

// Promote transitions a SCHEDULED message into the queue. Returns false if
// the message left SCHEDULED in the meantime.
func (q *Queue) Promote(ctx context.Context, msg *messages.Message) (bool, error) {
	lock := q.bandLock(msg.Priority)
	lock.Lock()
	defer lock.Unlock()

	pos, err := q.nextPosition(ctx, msg.Priority)
	if err != nil {
		return false, err
	}
	return q.store.UpdateState(ctx, msg.ID, messages.StateScheduled, messages.StateQueued, messages.Fields{
		QueuePosition:    &pos,
		ClearScheduledAt: true,
	})
}

// Dequeue claims the next message by the ordering rule. Exactly-once: under
// racing callers one receives the record, the others receive nil.
func (q *Queue) Dequeue(ctx context.Context) (*messages.Message, error) {
	return q.store.ClaimNext(ctx)
}

// Remove cancels a message. Idempotent: removing an already cancelled
// message is a no-op success. In-flight (SENDING) rows are cancelled
// cooperatively: the state flips now and the worker's completion write loses
// its conditional update.
func (q *Queue) Remove(ctx context.Context, id uuid.UUID) error {
	msg, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	switch msg.State {
	case messages.StateCancelled:
		return nil
	case messages.StateSent, messages.StateFailed:
		return ErrTerminal
	}

	ok, err := q.store.UpdateState(ctx, id, msg.State, messages.StateCancelled, messages.Fields{
		ClearQueuePosition: true,
		ClearScheduledAt:   true,
	})
	if err != nil {
		return err
	}
	if !ok {
		// Lost the race with a transition; re-read and retry against the
		// latest state. One level of recursion is enough: the message either
		// became terminal or moved to a still-cancellable state.
		return q.Remove(ctx, id)
	}
	q.logger.Info("message cancelled", zap.String("id", id.String()))
	return nil
}

// Reprioritize moves a QUEUED message to a new priority band, recomputing
// its position there.
func (q *Queue) Reprioritize(ctx context.Context, id uuid.UUID, priority messages.Priority) error {
	if !priority.Valid() {
		return ErrBadPriority
	}
	msg, err := q.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if msg.State != messages.StateQueued {
		return ErrNotQueued
	}

	lock := q.bandLock(priority)
	lock.Lock()
	defer lock.Unlock()

	pos, err := q.nextPosition(ctx, priority)
	if err != nil {
		return err
	}
	ok, err := q.store.ReprioritizeQueued(ctx, id, priority, pos)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotQueued
	}
	q.logger.Info("message reprioritized",
		zap.String("id", id.String()),
		zap.String("priority", priority.String()))
	return nil
}

// Clear bulk-cancels the queue, optionally only one priority band.
func (q *Queue) Clear(ctx context.Context, priority *messages.Priority) (int64, error) {
	if priority != nil {
		return q.store.CancelBand(ctx, *priority)
	}
	return q.store.CancelByState(ctx, messages.StateQueued)
}

// ClearState bulk-cancels every row in the given pending state. The store
// rejects states that cannot be bulk-cancelled.
func (q *Queue) ClearState(ctx context.Context, state messages.State) (int64, error) {
	return q.store.CancelByState(ctx, state)
}

func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.store.CountInState(ctx, messages.StateQueued)
}

func (q *Queue) SizeByPriority(ctx context.Context, priority messages.Priority) (int64, error) {
	return q.store.CountInBand(ctx, priority)
}

func (q *Queue) Oldest(ctx context.Context) (*messages.Message, error) {
	return q.store.OldestQueued(ctx)
}
