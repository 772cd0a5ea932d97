package session

import (
	"sync"
	"time"

	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

// Conn is the client side of a session: a duplex connection carrying JSON
// control messages and binary frames.
type Conn interface {
	SendJSON(v any) error
	SendFrame(frame []byte) error
	// Buffered reports bytes queued for the client but not yet flushed.
	Buffered() int
	Close() error
	RemoteAddr() string
}

// Session is the server-side record of one connected client. The queue
// pump and the streaming loop both mutate it; every field behind mu.
type Session struct {
	ID        string
	CreatedAt time.Time
	conn      Conn

	mu            sync.Mutex
	lastActivity  time.Time
	browserID     string
	workerID      string
	removed       bool
	processing    bool
	frameInFlight bool
	lastFrame     time.Time
	fps           *AdaptiveFPS
	stats         models.SessionStats
}

func newSession(id string, conn Conn, fps FPSConfig, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		conn:         conn,
		lastActivity: now,
		fps:          NewAdaptiveFPS(fps, now),
	}
}

func (s *Session) Conn() Conn { return s.conn }

// Send writes a control message to the client.
func (s *Session) Send(msg models.ServerMessage) error {
	return s.conn.SendJSON(msg)
}

// Touch records inbound traffic for the inactivity timeout without
// counting as user activity for frame pacing.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// RecordActivity marks user input: it refreshes the timeout and restores
// the frame rate.
func (s *Session) RecordActivity(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.fps.Activity(now)
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Assign records the session's browser. It fails once the session has been
// removed; the caller then owns browserID and must close it.
func (s *Session) Assign(browserID, workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.browserID = browserID
	s.workerID = workerID
	return true
}

// detach marks the session removed and hands back its browser. Assign
// fails from here on, so every browser is released by exactly one side.
func (s *Session) detach() (browserID, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	browserID, workerID = s.browserID, s.workerID
	s.browserID, s.workerID = "", ""
	return browserID, workerID
}

// ClearBrowser forgets browserID if it is still the assigned browser and
// reports whether it was.
func (s *Session) ClearBrowser(browserID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if browserID == "" || s.browserID != browserID {
		return false
	}
	s.browserID = ""
	s.workerID = ""
	return true
}

// Browser returns the assigned browser and worker, empty when unassigned.
func (s *Session) Browser() (browserID, workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browserID, s.workerID
}

// TryBeginCommand claims the session for one command. It fails while
// another command for the session is running.
func (s *Session) TryBeginCommand() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processing {
		return false
	}
	s.processing = true
	return true
}

func (s *Session) EndCommand() {
	s.mu.Lock()
	s.processing = false
	s.mu.Unlock()
}

// TryBeginFrame claims a frame slot when the session has a browser, no
// capture in flight and at least one frame interval has passed. It returns
// the browser to capture from.
func (s *Session) TryBeginFrame(now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.browserID == "" || s.frameInFlight {
		return "", false
	}
	if !s.lastFrame.IsZero() && now.Sub(s.lastFrame) < s.fps.Interval() {
		return "", false
	}
	s.frameInFlight = true
	s.lastFrame = now
	return s.browserID, true
}

func (s *Session) EndFrame() {
	s.mu.Lock()
	s.frameInFlight = false
	s.mu.Unlock()
}

// AdjustFPS applies idle detection and backpressure for this tick and
// returns the resulting rate.
func (s *Session) AdjustFPS(now time.Time) int {
	buffered := s.conn.Buffered()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps.CheckIdle(now)
	s.fps.ApplyBackpressure(buffered, now)
	return s.fps.Current()
}

func (s *Session) FPS() models.FPSState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fpsState()
}

func (s *Session) fpsState() models.FPSState {
	return models.FPSState{
		Current: s.fps.Current(),
		Min:     s.fps.cfg.Min,
		Max:     s.fps.cfg.Max,
		Idle:    s.fps.Idle(),
	}
}

func (s *Session) CountCommand() {
	s.mu.Lock()
	s.stats.CommandsSent++
	s.mu.Unlock()
}

func (s *Session) CountFrame() {
	s.mu.Lock()
	s.stats.FramesSent++
	s.mu.Unlock()
}

func (s *Session) CountError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

func (s *Session) CountDropped() {
	s.mu.Lock()
	s.stats.DroppedFrames++
	s.mu.Unlock()
}

func (s *Session) Stats() models.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Session) Info() models.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.SessionInfo{
		ID:           s.ID,
		BrowserID:    s.browserID,
		WorkerID:     s.workerID,
		RemoteAddr:   s.conn.RemoteAddr(),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Processing:   s.processing,
		Stats:        s.stats,
		FPS:          s.fpsState(),
	}
}
