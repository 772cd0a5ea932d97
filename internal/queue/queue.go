// Package queue orders client commands by priority and drains them against
// the worker pool without ever running two commands of one session at once.
package queue

import (
	"errors"
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
)

var (
	ErrQueueFull = errors.New("command queue full")
	// ErrDropped is reported to a request that was evicted from the tail
	// by a higher-priority arrival.
	ErrDropped     = errors.New("command dropped")
	ErrPumpRunning = errors.New("pump already running")
)

// Priority orders requests; higher runs first.
type Priority int

const (
	PriorityScreenshot  Priority = 1
	PriorityProfile     Priority = 2
	PriorityHistory     Priority = 3
	PriorityNavigation  Priority = 4
	PriorityInteractive Priority = 5
)

func PriorityOf(kind protocol.CommandKind) Priority {
	switch kind {
	case protocol.CmdClick, protocol.CmdType:
		return PriorityInteractive
	case protocol.CmdNavigate, protocol.CmdRefresh:
		return PriorityNavigation
	case protocol.CmdScroll, protocol.CmdBack, protocol.CmdForward:
		return PriorityHistory
	case protocol.CmdScreenshot:
		return PriorityScreenshot
	}
	return PriorityProfile
}

// Request is one queued command.
type Request struct {
	SessionID  string
	Command    protocol.Command
	Priority   Priority
	EnqueuedAt time.Time
	// Done, when set, is called once with the outcome after execution or
	// when the request is dropped.
	Done func(error)
}

func (r *Request) finish(err error) {
	if r.Done != nil {
		r.Done(err)
	}
}

// Queue is a bounded, stable priority queue.
type Queue struct {
	mu      sync.Mutex
	items   []*Request
	max     int
	dropped uint64
}

func New(max int) *Queue {
	if max <= 0 {
		max = 1000
	}
	return &Queue{max: max}
}

// Add inserts r before the first strictly lower priority item, so equal
// priorities keep arrival order. When that overflows the queue the tail
// item is dropped and returned; if the tail is r itself Add returns
// ErrQueueFull.
func (q *Queue) Add(r *Request) (*Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := len(q.items)
	for j, item := range q.items {
		if item.Priority < r.Priority {
			i = j
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[i+1:], q.items[i:])
	q.items[i] = r

	if len(q.items) <= q.max {
		return nil, nil
	}

	tail := q.items[len(q.items)-1]
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	q.dropped++
	if tail == r {
		return r, ErrQueueFull
	}
	return tail, nil
}

// PopReady removes and returns the first request claim accepts, scanning
// from the head. Once claim rejects a session, its later requests are not
// offered in the same scan, which keeps each session in queue order.
func (q *Queue) PopReady(claim func(*Request) bool) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped map[string]struct{}
	for i, r := range q.items {
		if _, ok := skipped[r.SessionID]; ok {
			continue
		}
		if claim(r) {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return r
		}
		if skipped == nil {
			skipped = make(map[string]struct{})
		}
		skipped[r.SessionID] = struct{}{}
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Max() int { return q.max }

func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Snapshot returns the queued requests in dispatch order.
func (q *Queue) Snapshot() []Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Request, len(q.items))
	for i, r := range q.items {
		out[i] = *r
	}
	return out
}
