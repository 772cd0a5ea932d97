package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
	"github.com/shehryarbajwa/browserbase-stream/internal/session"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

// Pool is the part of the worker supervisor the pump dispatches to.
type Pool interface {
	AssignBrowser(ctx context.Context, sessionID string) (pool.Assignment, error)
	SendCommand(ctx context.Context, browserID string, cmd protocol.Command) (*protocol.Result, error)
	CloseBrowser(ctx context.Context, browserID string)
}

type Sessions interface {
	Get(id string) (*session.Session, bool)
}

// Pump drains the queue. Only one Run may be active; each dequeued request
// executes in its own goroutine while its session is marked processing.
type Pump struct {
	queue    *Queue
	pool     Pool
	sessions Sessions
	log      *zap.Logger
	yield    time.Duration

	running atomic.Bool
	wake    chan struct{}
	wg      sync.WaitGroup

	now func() time.Time
}

func NewPump(q *Queue, p Pool, sessions Sessions, yield time.Duration, log *zap.Logger) *Pump {
	if yield <= 0 {
		yield = 10 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pump{
		queue:    q,
		pool:     p,
		sessions: sessions,
		log:      log,
		yield:    yield,
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

func (p *Pump) Queue() *Queue { return p.queue }

// Submit enqueues cmd for sessionID. A request evicted from the tail to make
// room is reported to its own session.
func (p *Pump) Submit(sessionID string, cmd protocol.Command, done func(error)) error {
	req := &Request{
		SessionID:  sessionID,
		Command:    cmd,
		Priority:   PriorityOf(cmd.Kind),
		EnqueuedAt: p.now(),
		Done:       done,
	}

	dropped, err := p.queue.Add(req)
	if err != nil {
		p.log.Warn("queue full, command rejected", zap.String("session", sessionID), zap.String("cmd", string(cmd.Kind)))
		return err
	}
	if dropped != nil {
		p.log.Warn("queue full, dropped tail command",
			zap.String("session", dropped.SessionID),
			zap.String("cmd", string(dropped.Command.Kind)))
		if s, ok := p.sessions.Get(dropped.SessionID); ok {
			s.CountError()
			_ = s.Send(models.Error(fmt.Sprintf("Server busy, %s command dropped", dropped.Command.Kind)))
		}
		dropped.finish(ErrDropped)
	}

	p.signal()
	return nil
}

func (p *Pump) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run dispatches queued requests until ctx ends, then waits for the
// requests already executing.
func (p *Pump) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrPumpRunning
	}
	defer p.running.Store(false)
	defer p.wg.Wait()

	timer := time.NewTimer(p.yield)
	defer timer.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}

		var target *session.Session
		req := p.queue.PopReady(func(r *Request) bool {
			s, ok := p.sessions.Get(r.SessionID)
			if !ok {
				target = nil
				return true
			}
			if !s.TryBeginCommand() {
				return false
			}
			target = s
			return true
		})

		if req != nil {
			if target == nil {
				req.finish(session.ErrNotFound)
				continue
			}
			p.wg.Add(1)
			go func(s *session.Session, req *Request) {
				defer p.wg.Done()
				defer p.signal()
				defer s.EndCommand()
				req.finish(p.execute(ctx, s, req))
			}(target, req)
			continue
		}

		// Nothing runnable: wait for a submission, a finished command or
		// the yield interval rather than spinning.
		timer.Reset(p.yield)
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-timer.C:
		}
	}
}

func (p *Pump) execute(ctx context.Context, s *session.Session, req *Request) error {
	cmd := req.Command
	log := p.log.With(zap.String("session", s.ID), zap.String("cmd", string(cmd.Kind)))

	browserID, _ := s.Browser()
	if browserID == "" {
		a, err := p.pool.AssignBrowser(ctx, s.ID)
		if err != nil {
			s.CountError()
			log.Warn("browser assignment failed", zap.Error(err))
			_ = s.Send(models.Error("No browser available, please retry"))
			return err
		}
		if !s.Assign(a.BrowserID, a.WorkerID) {
			// Removed while the browser was being created.
			p.pool.CloseBrowser(context.WithoutCancel(ctx), a.BrowserID)
			return session.ErrNotFound
		}
		browserID = a.BrowserID
		_ = s.Send(models.Connected(s.ID, browserID))
	}

	navigates := cmd.Kind.Navigates()
	if navigates {
		_ = s.Send(models.Navigation(true, "Loading...", cmd.URL))
	}

	res, err := p.pool.SendCommand(ctx, browserID, cmd)
	if err != nil {
		s.CountError()
		if errors.Is(err, pool.ErrBrowserGone) {
			s.ClearBrowser(browserID)
			log.Warn("browser gone, will reassign on next command", zap.String("browser", browserID), zap.Error(err))
		} else {
			log.Warn("command failed", zap.Error(err))
		}
		if navigates {
			_ = s.Send(models.Navigation(false, "Navigation failed", ""))
		}
		_ = s.Send(models.Error(fmt.Sprintf("%s failed: %v", cmd.Kind, err)))
		return err
	}

	s.CountCommand()
	switch {
	case res.Skipped:
		_ = s.Send(models.Status(res.Loading, res.Reason, res.Message))
	case len(res.Frame) > 0:
		if err := s.Conn().SendFrame(res.Frame); err != nil {
			s.CountDropped()
		} else {
			s.CountFrame()
		}
	}
	if navigates {
		_ = s.Send(models.Navigation(false, "Loaded", res.URL))
	}
	log.Debug("command done", zap.Duration("queued", p.now().Sub(req.EnqueuedAt)))
	return nil
}
