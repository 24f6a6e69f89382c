package events

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler processes one event. Panics are recovered, logged and counted;
// they never reach the publisher.
type Handler func(Event)

const defaultMailboxSize = 256

// Subscription is one subscriber's bounded mailbox plus its delivery
// goroutine. Events from a single publisher arrive in publish order; when
// the mailbox is full the oldest pending event is dropped and counted.
type Subscription struct {
	name    string
	types   map[Type]bool // nil matches every type
	mailbox chan Event
	dropped uint64
	panics  uint64

	once sync.Once
	done chan struct{}
}

func (s *Subscription) Name() string { return s.name }

// Dropped returns the number of events discarded due to mailbox overflow.
func (s *Subscription) Dropped() uint64 { return atomic.LoadUint64(&s.dropped) }

// Panics returns the number of handler invocations that panicked.
func (s *Subscription) Panics() uint64 { return atomic.LoadUint64(&s.panics) }

func (s *Subscription) matches(t Type) bool {
	return s.types == nil || s.types[t]
}

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

// Bus is the single-process fan-out plane. Publish is fire-and-forget:
// delivery happens on per-subscriber goroutines and slow subscribers shed
// their own load without affecting anyone else.
type Bus struct {
	logger      *zap.Logger
	mailboxSize int

	mu     sync.RWMutex
	subs   []*Subscription
	closed bool
	wg     sync.WaitGroup
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{logger: logger, mailboxSize: defaultMailboxSize}
}

// Subscribe registers handler for the given types (all types when none are
// given) and starts its delivery goroutine.
func (b *Bus) Subscribe(name string, handler Handler, types ...Type) *Subscription {
	sub := &Subscription{
		name:    name,
		mailbox: make(chan Event, b.mailboxSize),
		done:    make(chan struct{}),
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub
	}
	b.subs = append(b.subs, sub)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.deliverLoop(sub, handler)
	return sub
}

// Unsubscribe stops delivery to sub. Events already in its mailbox are
// discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

// Publish enqueues the event into every matching mailbox. If a mailbox is
// full the oldest pending event is dropped to make room.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if !sub.matches(ev.Type) {
			continue
		}
		select {
		case sub.mailbox <- ev:
		default:
			// Drop-oldest: evict one and retry once.
			select {
			case <-sub.mailbox:
				atomic.AddUint64(&sub.dropped, 1)
			default:
			}
			select {
			case sub.mailbox <- ev:
			default:
				atomic.AddUint64(&sub.dropped, 1)
			}
		}
	}
}

// Close stops all subscriptions and waits for delivery goroutines to exit.
// Called during shutdown, after the publishers have stopped.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.wg.Wait()
}

func (b *Bus) deliverLoop(sub *Subscription, handler Handler) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.mailbox:
			b.invoke(sub, handler, ev)
		}
	}
}

func (b *Bus) invoke(sub *Subscription, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&sub.panics, 1)
			b.logger.Error("event handler panicked",
				zap.String("subscriber", sub.name),
				zap.String("event_type", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	handler(ev)
}
