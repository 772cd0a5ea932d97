// Package session owns the records of connected clients: admission
// against a fixed slot count, lookup, idempotent removal, inactivity
// eviction and per-session adaptive frame rate.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserbase-stream/internal/config"
	"github.com/shehryarbajwa/browserbase-stream/internal/events"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

var (
	ErrAtCapacity = errors.New("server at capacity")
	ErrNotFound   = errors.New("session not found")
)

type Config struct {
	MaxSessions   int
	Timeout       time.Duration
	SweepInterval time.Duration
	FPS           FPSConfig
}

func ConfigFrom(cfg *config.Config) Config {
	return Config{
		MaxSessions:   cfg.Server.MaxSessions,
		Timeout:       cfg.Server.SessionTimeout,
		SweepInterval: cfg.Server.SweepInterval,
		FPS:           FPSConfigFrom(cfg.Stream),
	}
}

// Manager handles all session operations
type Manager struct {
	cfg      Config
	sessions sync.Map
	slots    *semaphore.Weighted
	count    int
	countMu  sync.Mutex
	bus      *events.Bus
	log      *zap.Logger

	now func() time.Time
}

func NewManager(cfg Config, bus *events.Bus, log *zap.Logger) *Manager {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:   cfg,
		slots: semaphore.NewWeighted(int64(cfg.MaxSessions)),
		bus:   bus,
		log:   log,
		now:   time.Now,
	}
}

// Create admits a new client. It fails with ErrAtCapacity when every slot
// is taken; pending connections are never queued.
func (m *Manager) Create(conn Conn) (*Session, error) {
	if !m.slots.TryAcquire(1) {
		return nil, ErrAtCapacity
	}

	s := newSession(uuid.New().String(), conn, m.cfg.FPS, m.now())
	m.sessions.Store(s.ID, s)
	m.countMu.Lock()
	m.count++
	m.countMu.Unlock()

	m.log.Info("session created", zap.String("session", s.ID), zap.String("remote", conn.RemoteAddr()))
	return s, nil
}

func (m *Manager) Get(id string) (*Session, bool) {
	v, ok := m.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove drops the session, closes its connection and announces the
// removal so its browser is released. Removing an unknown or already
// removed session is a no-op.
func (m *Manager) Remove(id, reason string) bool {
	v, ok := m.sessions.LoadAndDelete(id)
	if !ok {
		return false
	}
	s := v.(*Session)

	m.countMu.Lock()
	m.count--
	m.countMu.Unlock()
	m.slots.Release(1)

	if err := s.conn.Close(); err != nil {
		m.log.Debug("close after remove", zap.String("session", id), zap.Error(err))
	}

	browserID, workerID := s.detach()
	stats := s.Stats()
	m.log.Info("session removed",
		zap.String("session", id),
		zap.String("reason", reason),
		zap.String("browser", browserID),
		zap.Uint64("commands", stats.CommandsSent),
		zap.Uint64("frames", stats.FramesSent),
		zap.Uint64("dropped_frames", stats.DroppedFrames))

	m.bus.Publish(events.Event{
		Kind:      events.SessionRemoved,
		SessionID: id,
		BrowserID: browserID,
		WorkerID:  workerID,
		Reason:    reason,
	})
	return true
}

// List returns every session, oldest first.
func (m *Manager) List() []*Session {
	var out []*Session
	m.sessions.Range(func(_, v any) bool {
		out = append(out, v.(*Session))
		return true
	})
	slices.SortFunc(out, func(a, b *Session) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func (m *Manager) Count() int {
	m.countMu.Lock()
	defer m.countMu.Unlock()
	return m.count
}

func (m *Manager) Max() int { return m.cfg.MaxSessions }

// ReleaseBrowser clears browserID from whichever session still holds it;
// that session's next command assigns a new browser.
func (m *Manager) ReleaseBrowser(browserID string) {
	m.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		if s.ClearBrowser(browserID) {
			m.log.Info("session lost its browser", zap.String("session", s.ID), zap.String("browser", browserID))
			return false
		}
		return true
	})
}

// Run sweeps for inactive sessions until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.now()); n > 0 {
				m.log.Info("evicted inactive sessions", zap.Int("count", n))
			}
		}
	}
}

// Sweep evicts every session whose last activity is older than the
// session timeout and returns how many it removed.
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.Timeout <= 0 {
		return 0
	}
	evicted := 0
	for _, s := range m.List() {
		if now.Sub(s.LastActivity()) <= m.cfg.Timeout {
			continue
		}
		_ = s.Send(models.Error("Session timed out due to inactivity"))
		if m.Remove(s.ID, "inactive") {
			evicted++
		}
	}
	return evicted
}

// CloseAll removes every session, used on shutdown.
func (m *Manager) CloseAll(reason string) {
	for _, s := range m.List() {
		m.Remove(s.ID, reason)
	}
}
