package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

const (
	defaultIngressSize    = 1024
	defaultSubscriberSize = 256
)

// Broadcaster is a channel-based fan-out of lifecycle events.
//
// Emit pushes onto one buffered ingress channel that a single dispatcher
// goroutine drains, so events reach every subscriber in emission order. Emit
// never blocks: when the ingress is full the newest event is dropped and
// counted. A slow subscriber loses its oldest buffered event instead of
// holding up the others.
type Broadcaster struct {
	logger *slog.Logger
	in     chan Event
	done   chan struct{}

	mu     sync.RWMutex // Guards closed against in-flight Emit calls
	closed bool

	subsMu sync.Mutex
	subs   map[<-chan Event]*subscription

	dropped atomic.Uint64
	evicted atomic.Uint64
}

type subscription struct {
	ch    chan Event
	types map[Type]struct{} // nil means every type
}

func (s *subscription) wants(t Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// NewBroadcaster creates a broadcaster and starts its dispatcher.
// bufSize is the ingress capacity (defaults to 1024 if <= 0).
func NewBroadcaster(bufSize int, logger *slog.Logger) *Broadcaster {
	if bufSize <= 0 {
		bufSize = defaultIngressSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broadcaster{
		logger: logger,
		in:     make(chan Event, bufSize),
		done:   make(chan struct{}),
		subs:   make(map[<-chan Event]*subscription),
	}
	go b.dispatch()
	return b
}

// Emit queues e for delivery. It is safe to call from any goroutine, never
// blocks, and is a no-op after Close.
func (b *Broadcaster) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	select {
	case b.in <- e:
	default:
		count := b.dropped.Add(1)
		if count%10 == 1 {
			b.logger.Warn("event ingress full, dropped event",
				"type", e.EventType(), "entity", e.Entity(), "total_dropped", count)
		}
	}
}

func (b *Broadcaster) dispatch() {
	defer close(b.done)
	for e := range b.in {
		b.deliver(e)
	}
}

func (b *Broadcaster) deliver(e Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	for _, s := range b.subs {
		if !s.wants(e.EventType()) {
			continue
		}
		select {
		case s.ch <- e:
			continue
		default:
		}
		// Subscriber is full: make room by discarding its oldest event.
		select {
		case <-s.ch:
			b.evicted.Add(1)
		default:
		}
		select {
		case s.ch <- e:
		default:
			b.evicted.Add(1)
		}
	}
}

// Subscribe creates a subscription to the given event types, or to every
// type when none are given. bufSize defaults to 256 if <= 0. The returned
// channel is closed by Unsubscribe or Close.
func (b *Broadcaster) Subscribe(bufSize int, types ...Type) <-chan Event {
	if bufSize <= 0 {
		bufSize = defaultSubscriberSize
	}

	s := &subscription{ch: make(chan Event, bufSize)}
	if len(types) > 0 {
		s.types = make(map[Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		close(s.ch)
		return s.ch
	}

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// SubscribeAll creates a subscription to every event type.
func (b *Broadcaster) SubscribeAll(bufSize int) <-chan Event {
	return b.Subscribe(bufSize)
}

// Unsubscribe removes the subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Broadcaster) Unsubscribe(ch <-chan Event) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()

	if s, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(s.ch)
	}
}

// Close stops accepting events, delivers everything already queued and
// closes all subscriber channels. Safe to call multiple times.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.in)
	b.mu.Unlock()

	<-b.done

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for ch, s := range b.subs {
		delete(b.subs, ch)
		close(s.ch)
	}
}

// Dropped returns how many events Emit discarded because the ingress was full.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Evicted returns how many buffered events were discarded to make room for
// newer ones at slow subscribers.
func (b *Broadcaster) Evicted() uint64 {
	return b.evicted.Load()
}
