// Package events carries lifecycle notifications between the supervisor,
// the session manager and the coordinator without coupling them.
package events

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	WorkerReady    Kind = "worker.ready"
	WorkerFailed   Kind = "worker.failed"
	WorkerDead     Kind = "worker.dead"
	BrowserCreated Kind = "browser.created"
	BrowserClosed  Kind = "browser.closed"
	SessionRemoved Kind = "session.removed"
)

// Event is a fixed-shape payload; fields irrelevant to a Kind stay empty.
type Event struct {
	Kind      Kind
	WorkerID  string
	BrowserID string
	SessionID string
	Reason    string
	At        time.Time
}

// Bus fans events out to every subscriber. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is logged.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	log    *zap.Logger
}

func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		subs: make(map[int]chan Event),
		log:  log,
	}
}

// Subscribe returns a channel receiving every subsequent event and a
// function that detaches and closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.log.Warn("event dropped, subscriber buffer full",
				zap.String("kind", string(e.Kind)),
				zap.String("browser", e.BrowserID),
				zap.String("session", e.SessionID))
		}
	}
}
