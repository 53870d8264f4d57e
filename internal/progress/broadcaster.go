package progress

import (
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Subscription is one registered observer. Events arrive on C() until the
// subscription is removed or the broadcaster is closed.
type Subscription struct {
	id      uint64
	ch      chan Event
	dropped atomic.Uint64
	closed  bool
}

func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped counts events discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Broadcaster fans progress events out to subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID atomic.Uint64
	closed bool
	logger *slog.Logger
}

func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{subs: make(map[uint64]*Subscription), logger: logger}
}

func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	s := &Subscription{id: b.nextID.Add(1), ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s.id] = s
	return s
}

// SubscribeFunc runs handler for each event on a dedicated goroutine.
// A panicking handler is logged and keeps receiving.
func (b *Broadcaster) SubscribeFunc(buffer int, handler func(Event)) *Subscription {
	s := b.Subscribe(buffer)
	go func() {
		for e := range s.ch {
			b.safeCall(handler, e)
		}
	}()
	return s
}

func (b *Broadcaster) safeCall(handler func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("progress handler panicked", "event", e.Type, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	handler(e)
}

// Unsubscribe removes s and closes its channel. Safe to call twice.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return
	}
	delete(b.subs, s.id)
	s.closed = true
	close(s.ch)
}

func (b *Broadcaster) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			if s.dropped.Add(1) == 1 {
				b.logger.Warn("progress subscriber lagging; dropping events", "subscription", s.id, "event", e.Type)
			}
		}
	}
}

func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber. Later subscriptions are born closed.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.closed = true
		close(s.ch)
	}
}
