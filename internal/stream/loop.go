// Package stream pushes frames to every connected session at its adaptive
// rate, independently of command execution.
package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
	"github.com/shehryarbajwa/browserbase-stream/internal/session"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

// FrameSource captures a frame from a browser. A page that is loading
// answers with a skipped result instead of an error.
type FrameSource interface {
	CaptureFrame(ctx context.Context, browserID string) (*protocol.Result, error)
}

type Sessions interface {
	List() []*session.Session
}

// Loop ticks at a fixed fast rate and, per session, starts a capture when
// its frame interval has elapsed and none is in flight.
type Loop struct {
	sessions Sessions
	source   FrameSource
	tick     time.Duration
	log      *zap.Logger

	wg  sync.WaitGroup
	now func() time.Time
}

func NewLoop(sessions Sessions, source FrameSource, tick time.Duration, log *zap.Logger) *Loop {
	if tick <= 0 {
		tick = 20 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		sessions: sessions,
		source:   source,
		tick:     tick,
		log:      log,
		now:      time.Now,
	}
}

// Run ticks until ctx ends and then waits for in-flight captures.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.tick)
	defer ticker.Stop()
	defer l.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx, l.now())
		}
	}
}

// Tick runs one pass over the sessions. Captures run in the background.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	for _, s := range l.sessions.List() {
		s.AdjustFPS(now)

		browserID, ok := s.TryBeginFrame(now)
		if !ok {
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer s.EndFrame()
			l.capture(ctx, s, browserID)
		}()
	}
}

func (l *Loop) capture(ctx context.Context, s *session.Session, browserID string) {
	res, err := l.source.CaptureFrame(ctx, browserID)
	if err != nil {
		if errors.Is(err, pool.ErrBrowserGone) {
			s.ClearBrowser(browserID)
		}
		if ctx.Err() == nil {
			l.log.Debug("frame capture failed",
				zap.String("session", s.ID),
				zap.String("browser", browserID),
				zap.Error(err))
		}
		return
	}

	// The session may have been given a new browser while this capture ran.
	if current, _ := s.Browser(); current != browserID {
		s.CountDropped()
		return
	}

	if res.Skipped {
		_ = s.Send(models.Status(res.Loading, res.Reason, res.Message))
		return
	}
	if len(res.Frame) == 0 {
		return
	}

	if err := s.Conn().SendFrame(res.Frame); err != nil {
		s.CountDropped()
		return
	}
	s.CountFrame()
}
