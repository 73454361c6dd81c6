package events

import (
	"sync"
	"time"
)

type Kind string

const (
	KindOrder        Kind = "order"
	KindGuardTrigger Kind = "guard_trigger"
	KindUnwind       Kind = "unwind"
)

// Event is one fan-out notification from the orchestrator or a guard.
type Event struct {
	Kind       Kind
	PositionID string
	Venue      string
	Detail     string
	CreatedAt  time.Time
}

// Broadcaster is a minimal in-process pub/sub hub. Subscribers that
// stop draining their channel are dropped rather than blocking
// publishers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

func (b *Broadcaster) Register() chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broadcaster) Unregister(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *Broadcaster) Publish(ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	b.mu.Lock()
	var stale []chan Event
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			stale = append(stale, ch)
		}
	}
	for _, ch := range stale {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}
