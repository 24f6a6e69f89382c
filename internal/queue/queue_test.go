package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sms-gateway/internal/messages"
)

// fakeStore is an in-memory Store honoring the same conditional update and
// claim ordering semantics as the real one.
type fakeStore struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*messages.Message
	seq  int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[uuid.UUID]*messages.Message)}
}

func (f *fakeStore) Insert(ctx context.Context, msg *messages.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	f.seq++
	msg.CreatedAt = f.seq
	cp := *msg
	f.rows[msg.ID] = &cp
	return nil
}

func (f *fakeStore) Get(ctx context.Context, id uuid.UUID) (*messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, messages.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (f *fakeStore) UpdateState(ctx context.Context, id uuid.UUID, from, to messages.State, fields messages.Fields) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, messages.ErrNotFound
	}
	if row.State != from || !messages.CanTransition(from, to) {
		return false, nil
	}
	row.State = to
	if fields.QueuePosition != nil {
		v := *fields.QueuePosition
		row.QueuePosition = &v
	}
	if fields.ClearQueuePosition {
		row.QueuePosition = nil
	}
	if fields.ScheduledAt != nil {
		v := *fields.ScheduledAt
		row.ScheduledAt = &v
	}
	if fields.ClearScheduledAt {
		row.ScheduledAt = nil
	}
	return true, nil
}

func (f *fakeStore) queuedInOrder() []*messages.Message {
	var queued []*messages.Message
	for _, row := range f.rows {
		if row.State == messages.StateQueued {
			queued = append(queued, row)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		a, b := queued[i], queued[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if *a.QueuePosition != *b.QueuePosition {
			return *a.QueuePosition < *b.QueuePosition
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID.String() < b.ID.String()
	})
	return queued
}

func (f *fakeStore) ClaimNext(ctx context.Context) (*messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	queued := f.queuedInOrder()
	if len(queued) == 0 {
		return nil, nil
	}
	row := queued[0]
	row.State = messages.StateSending
	row.QueuePosition = nil
	row.AttemptCount++
	cp := *row
	return &cp, nil
}

func (f *fakeStore) MaxPositionForPriority(ctx context.Context, priority messages.Priority) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := messages.BasePosition(priority) - 1
	for _, row := range f.rows {
		if row.State == messages.StateQueued && row.Priority == priority && row.QueuePosition != nil && *row.QueuePosition > max {
			max = *row.QueuePosition
		}
	}
	return max, nil
}

func (f *fakeStore) ReprioritizeQueued(ctx context.Context, id uuid.UUID, priority messages.Priority, position int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok || row.State != messages.StateQueued {
		return false, nil
	}
	row.Priority = priority
	row.QueuePosition = &position
	return true, nil
}

func (f *fakeStore) CountInState(ctx context.Context, state messages.State) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.State == state {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountInBand(ctx context.Context, priority messages.Priority) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.State == messages.StateQueued && row.Priority == priority {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CancelByState(ctx context.Context, state messages.State) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.State == state {
			row.State = messages.StateCancelled
			row.QueuePosition = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CancelBand(ctx context.Context, priority messages.Priority) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if row.State == messages.StateQueued && row.Priority == priority {
			row.State = messages.StateCancelled
			row.QueuePosition = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) OldestQueued(ctx context.Context) (*messages.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest *messages.Message
	for _, row := range f.rows {
		if row.State != messages.StateQueued {
			continue
		}
		if oldest == nil || row.CreatedAt < oldest.CreatedAt {
			oldest = row
		}
	}
	if oldest == nil {
		return nil, nil
	}
	cp := *oldest
	return &cp, nil
}

func newMsg(priority messages.Priority) *messages.Message {
	return &messages.Message{
		Recipient:     "+1234567890",
		Content:       "hello",
		Parts:         1,
		Priority:      priority,
		RetryStrategy: messages.RetryExponential,
		MaxAttempts:   3,
	}
}

func TestEnqueueAssignsBandPositions(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	first := newMsg(messages.PriorityNormal)
	second := newMsg(messages.PriorityNormal)
	urgent := newMsg(messages.PriorityUrgent)

	for _, m := range []*messages.Message{first, second, urgent} {
		if err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	if *first.QueuePosition != 30_000 {
		t.Errorf("first NORMAL position = %d, want 30000", *first.QueuePosition)
	}
	if *second.QueuePosition != 30_001 {
		t.Errorf("second NORMAL position = %d, want 30001", *second.QueuePosition)
	}
	if *urgent.QueuePosition != 10_000 {
		t.Errorf("first URGENT position = %d, want 10000", *urgent.QueuePosition)
	}
}

func TestEnqueueRejectsInvalidPriority(t *testing.T) {
	q := New(newFakeStore(), zap.NewNop())
	msg := newMsg(messages.Priority(9))
	if err := q.Enqueue(context.Background(), msg); !errors.Is(err, ErrBadPriority) {
		t.Errorf("err = %v, want ErrBadPriority", err)
	}
}

func TestDequeueFollowsPriorityThenPosition(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	low := newMsg(messages.PriorityLow)
	normal1 := newMsg(messages.PriorityNormal)
	normal2 := newMsg(messages.PriorityNormal)
	urgent := newMsg(messages.PriorityUrgent)

	// Insertion order deliberately mixes priorities.
	for _, m := range []*messages.Message{low, normal1, normal2, urgent} {
		if err := q.Enqueue(ctx, m); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	want := []uuid.UUID{urgent.ID, normal1.ID, normal2.ID, low.ID}
	for i, id := range want {
		got, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue %d: %v", i, err)
		}
		if got == nil || got.ID != id {
			t.Fatalf("Dequeue %d = %v, want %s", i, got, id)
		}
		if got.State != messages.StateSending {
			t.Errorf("claimed message state = %s, want SENDING", got.State)
		}
		if got.AttemptCount != 1 {
			t.Errorf("claimed attempt_count = %d, want 1", got.AttemptCount)
		}
	}

	empty, err := q.Dequeue(ctx)
	if err != nil || empty != nil {
		t.Errorf("Dequeue on empty queue = %v, %v, want nil, nil", empty, err)
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	msg := newMsg(messages.PriorityNormal)
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if err := q.Remove(ctx, msg.ID); err != nil {
		t.Fatalf("first Remove: %v", err)
	}
	if err := q.Remove(ctx, msg.ID); err != nil {
		t.Fatalf("second Remove should be a no-op success: %v", err)
	}

	row, _ := store.Get(ctx, msg.ID)
	if row.State != messages.StateCancelled {
		t.Errorf("state = %s, want CANCELLED", row.State)
	}
	if row.QueuePosition != nil {
		t.Error("queue_position should be cleared on cancel")
	}
}

func TestRemoveTerminalFails(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	msg := newMsg(messages.PriorityNormal)
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}
	store.UpdateState(ctx, msg.ID, messages.StateSending, messages.StateSent, messages.Fields{})

	if err := q.Remove(ctx, msg.ID); !errors.Is(err, ErrTerminal) {
		t.Errorf("err = %v, want ErrTerminal", err)
	}
}

func TestRemoveUnknownMessage(t *testing.T) {
	q := New(newFakeStore(), zap.NewNop())
	if err := q.Remove(context.Background(), uuid.New()); !errors.Is(err, messages.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestReprioritizeMovesBands(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	urgent := newMsg(messages.PriorityUrgent)
	low := newMsg(messages.PriorityLow)
	for _, m := range []*messages.Message{urgent, low} {
		if err := q.Enqueue(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	if err := q.Reprioritize(ctx, low.ID, messages.PriorityUrgent); err != nil {
		t.Fatalf("Reprioritize: %v", err)
	}

	row, _ := store.Get(ctx, low.ID)
	if row.Priority != messages.PriorityUrgent {
		t.Errorf("priority = %s, want URGENT", row.Priority)
	}
	// Moved behind the existing URGENT occupant.
	if *row.QueuePosition != 10_001 {
		t.Errorf("position = %d, want 10001", *row.QueuePosition)
	}

	first, _ := q.Dequeue(ctx)
	if first.ID != urgent.ID {
		t.Errorf("first claim = %s, want the original urgent message", first.ID)
	}
}

func TestReprioritizeNonQueued(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	msg := newMsg(messages.PriorityNormal)
	if err := q.Enqueue(ctx, msg); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatal(err)
	}

	if err := q.Reprioritize(ctx, msg.ID, messages.PriorityHigh); !errors.Is(err, ErrNotQueued) {
		t.Errorf("err = %v, want ErrNotQueued", err)
	}
}

func TestClear(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	for _, p := range []messages.Priority{messages.PriorityLow, messages.PriorityNormal, messages.PriorityNormal} {
		if err := q.Enqueue(ctx, newMsg(p)); err != nil {
			t.Fatal(err)
		}
	}

	band := messages.PriorityNormal
	n, err := q.Clear(ctx, &band)
	if err != nil || n != 2 {
		t.Fatalf("Clear(NORMAL) = %d, %v, want 2", n, err)
	}

	n, err = q.Clear(ctx, nil)
	if err != nil || n != 1 {
		t.Fatalf("Clear(all) = %d, %v, want 1 remaining", n, err)
	}

	size, _ := q.Size(ctx)
	if size != 0 {
		t.Errorf("Size = %d, want 0 after clears", size)
	}
}

func TestPromote(t *testing.T) {
	store := newFakeStore()
	q := New(store, zap.NewNop())
	ctx := context.Background()

	scheduledAt := int64(1000)
	msg := newMsg(messages.PriorityHigh)
	msg.State = messages.StateScheduled
	msg.ScheduledAt = &scheduledAt
	if err := store.Insert(ctx, msg); err != nil {
		t.Fatal(err)
	}

	ok, err := q.Promote(ctx, msg)
	if err != nil || !ok {
		t.Fatalf("Promote = %v, %v", ok, err)
	}

	row, _ := store.Get(ctx, msg.ID)
	if row.State != messages.StateQueued {
		t.Errorf("state = %s, want QUEUED", row.State)
	}
	if row.ScheduledAt != nil {
		t.Error("scheduled_at should be cleared on promotion")
	}
	if row.QueuePosition == nil || *row.QueuePosition != 20_000 {
		t.Errorf("position = %v, want 20000", row.QueuePosition)
	}

	// A second promotion attempt loses the conditional update.
	ok, err = q.Promote(ctx, msg)
	if err != nil || ok {
		t.Errorf("second Promote = %v, %v, want false, nil", ok, err)
	}
}
