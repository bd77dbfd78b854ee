// Package eventbus is an in-process fan-out of small lifecycle events
// (poller iterations, dispatches, destination changes).
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bot.
const (
	PollerStarted     = "poller.started"
	PollerSuspended   = "poller.suspended"
	PollerIteration   = "poller.iteration"
	PollerFetchFailed = "poller.fetch_failed"
	PollerStopped     = "poller.stopped"

	DispatchSent   = "dispatch.sent"
	DispatchFailed = "dispatch.failed"

	DestinationChanged = "destination.changed"
)

// Event data should stay small; subscribers may log or serialize it.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks publishers: a subscriber whose buffer is full misses the
// event. It owns no goroutines.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

type subscription struct {
	ch     chan Event
	prefix string
	closed bool
}

func New() *Bus { return &Bus{subs: map[uint64]*subscription{}} }

// Publish is safe on a nil bus.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock so unsubscribe (write lock) cannot
	// close a channel mid-send.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.closed || !strings.HasPrefix(e.Type, s.prefix) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe receives every event whose type starts with prefix ("" for all).
func (b *Bus) Subscribe(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscription{ch: make(chan Event, buffer), prefix: prefix}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			s.closed = true
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts deliveries skipped because a subscriber was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }
