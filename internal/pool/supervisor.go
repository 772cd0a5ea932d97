// Package pool supervises the execution workers: it launches them, tracks
// their health and load, assigns browsers to sessions, correlates requests
// with responses and restarts failed workers under exponential backoff.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shehryarbajwa/browserbase-stream/internal/config"
	"github.com/shehryarbajwa/browserbase-stream/internal/events"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
)

// Status is a worker's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusError        Status = "error"
	StatusDead         Status = "dead"
)

// Config holds the supervisor's timing policy. NavigationCallTimeout
// applies to navigating commands, which wait on page loads.
type Config struct {
	ReadyTimeout          time.Duration
	CallTimeout           time.Duration
	NavigationCallTimeout time.Duration
	CaptureCallTimeout    time.Duration
	HeartbeatInterval     time.Duration
	RestartBaseDelay      time.Duration
	RestartMaxDelay       time.Duration
	MaxFailures           int
	StableAfter           time.Duration
}

func ConfigFrom(cfg config.WorkersConfig) Config {
	return Config{
		ReadyTimeout:          cfg.ReadyTimeout,
		CallTimeout:           cfg.CallTimeout,
		NavigationCallTimeout: cfg.NavigationCallTimeout,
		CaptureCallTimeout:    cfg.CaptureCallTimeout,
		HeartbeatInterval:     cfg.HeartbeatInterval,
		RestartBaseDelay:      cfg.RestartBaseDelay,
		RestartMaxDelay:       cfg.RestartMaxDelay,
		MaxFailures:           cfg.MaxFailures,
		StableAfter:           cfg.StableAfter,
	}
}

// Assignment identifies a browser and the worker hosting it.
type Assignment struct {
	WorkerID  string
	BrowserID string
}

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	ID                  string    `json:"id"`
	Status              Status    `json:"status"`
	Browsers            int       `json:"browsers"`
	Capacity            int       `json:"capacity"`
	Load                float64   `json:"load"`
	LastHealthCheck     time.Time `json:"lastHealthCheck"`
	RestartCount        int       `json:"restartCount"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastRestartTime     time.Time `json:"lastRestartTime"`
	CommandsHandled     uint64    `json:"commandsHandled"`
	FramesGenerated     uint64    `json:"framesGenerated"`
	Errors              uint64    `json:"errors"`
}

type workerRecord struct {
	id     string
	status Status
	conn   Conn
	// gen increments on every launch; messages and exits from an older
	// generation are ignored.
	gen int

	browsers    map[string]struct{}
	creating    int
	maxBrowsers int
	load        float64
	heartbeat   protocol.Heartbeat

	lastHealthCheck time.Time
	restartCount    int
	failures        int
	lastRestart     time.Time

	// ready is closed the first time the worker reports ready, dead when
	// it exhausts its restarts.
	ready     chan struct{}
	readyOnce sync.Once
	dead      chan struct{}
}

func (r *workerRecord) used() int {
	return len(r.browsers) + r.creating
}

type callResult struct {
	msg protocol.Message
	err error
}

type pendingCall struct {
	workerID string
	gen      int
	done     chan callResult
}

// Supervisor owns the worker set and the browser -> worker mapping. All
// of that state is guarded by mu; worker I/O happens outside the lock.
type Supervisor struct {
	cfg      Config
	launcher Launcher
	bus      *events.Bus
	log      *zap.Logger

	mu       sync.Mutex
	order    []string
	workers  map[string]*workerRecord
	browsers map[string]string
	pending  map[string]*pendingCall
	closing  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) bool
	now   func() time.Time
}

func NewSupervisor(cfg Config, launcher Launcher, bus *events.Bus, log *zap.Logger) *Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.CaptureCallTimeout <= 0 {
		cfg.CaptureCallTimeout = cfg.CallTimeout
	}
	if cfg.NavigationCallTimeout < cfg.CallTimeout {
		cfg.NavigationCallTimeout = cfg.CallTimeout
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RestartBaseDelay <= 0 {
		cfg.RestartBaseDelay = time.Second
	}
	if cfg.RestartMaxDelay < cfg.RestartBaseDelay {
		cfg.RestartMaxDelay = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		bus:      bus,
		log:      log,
		workers:  make(map[string]*workerRecord),
		browsers: make(map[string]string),
		pending:  make(map[string]*pendingCall),
		ctx:      ctx,
		cancel:   cancel,
		sleep:    sleepCtx,
		now:      time.Now,
	}
}

// Initialize launches workerCount workers and waits up to the ready
// timeout for each. It returns how many became ready; zero ready workers
// is not an error, the pool keeps restarting them and health reports it.
func (s *Supervisor) Initialize(ctx context.Context, workerCount, browsersPerWorker int) (int, error) {
	records := make([]*workerRecord, 0, workerCount)

	s.mu.Lock()
	for i := 1; i <= workerCount; i++ {
		rec := &workerRecord{
			id:          fmt.Sprintf("worker-%d", i),
			status:      StatusInitializing,
			browsers:    make(map[string]struct{}),
			maxBrowsers: browsersPerWorker,
			ready:       make(chan struct{}),
			dead:        make(chan struct{}),
		}
		s.workers[rec.id] = rec
		s.order = append(s.order, rec.id)
		records = append(records, rec)
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, rec := range records {
		if err := s.launch(rec); err != nil {
			s.log.Error("failed to launch worker", zap.String("worker", rec.id), zap.Error(err))
			s.restartWorker(rec.id)
		}
		g.Go(func() error {
			return s.awaitReady(ctx, rec)
		})
	}
	if err := g.Wait(); err != nil {
		return s.ReadyCount(), err
	}

	if s.cfg.HeartbeatInterval > 0 {
		s.wg.Add(1)
		go s.monitor()
	}

	ready := s.ReadyCount()
	if ready == 0 {
		s.log.Error("no workers became ready; service is degraded", zap.Int("workers", workerCount))
	} else {
		s.log.Info("worker pool initialized", zap.Int("ready", ready), zap.Int("workers", workerCount))
	}
	return ready, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, rec *workerRecord) error {
	timeout := s.cfg.ReadyTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-rec.ready:
	case <-rec.dead:
	case <-timer.C:
		s.log.Warn("worker not ready within grace period", zap.String("worker", rec.id), zap.Duration("timeout", timeout))
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// launch starts a new generation of rec.
func (s *Supervisor) launch(rec *workerRecord) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrClosed
	}
	rec.gen++
	gen := rec.gen
	rec.status = StatusInitializing
	s.mu.Unlock()

	conn, err := s.launcher.Launch(s.ctx, rec.id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.closing || rec.gen != gen {
		s.mu.Unlock()
		_ = conn.Kill()
		_ = conn.Wait()
		return ErrClosed
	}
	rec.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(rec, gen, conn)
	return nil
}

func (s *Supervisor) readLoop(rec *workerRecord, gen int, conn Conn) {
	defer s.wg.Done()

	for msg := range conn.Messages() {
		switch msg.Type {
		case protocol.MsgReady, protocol.MsgHeartbeat:
			s.recordHeartbeat(rec, gen, msg.Heartbeat)
		case protocol.MsgResponse:
			s.resolve(rec.id, msg)
		case protocol.MsgBrowserClosed:
			if _, ok := s.removeBrowser(msg.BrowserID, msg.Reason); ok {
				s.log.Warn("browser closed by worker",
					zap.String("worker", rec.id),
					zap.String("browser", msg.BrowserID),
					zap.String("reason", msg.Reason))
			}
		default:
			s.log.Warn("unknown worker message", zap.String("worker", rec.id), zap.String("type", string(msg.Type)))
		}
	}

	s.handleExit(rec, gen, conn.Wait())
}

// recordHeartbeat is the only place load is updated.
func (s *Supervisor) recordHeartbeat(rec *workerRecord, gen int, hb *protocol.Heartbeat) {
	now := s.now()

	s.mu.Lock()
	if rec.gen != gen || rec.status == StatusDead {
		s.mu.Unlock()
		return
	}
	rec.lastHealthCheck = now
	if hb != nil {
		rec.heartbeat = *hb
		rec.load = hb.Load
		if hb.Capacity > 0 {
			rec.maxBrowsers = hb.Capacity
		}
	}
	becameReady := rec.status != StatusReady
	if becameReady {
		rec.status = StatusReady
		rec.readyOnce.Do(func() { close(rec.ready) })
	}
	if rec.failures > 0 && now.Sub(rec.lastRestart) >= s.cfg.StableAfter {
		rec.failures = 0
	}
	s.mu.Unlock()

	if becameReady {
		s.log.Info("worker ready", zap.String("worker", rec.id), zap.Int("generation", gen))
		s.bus.Publish(events.Event{Kind: events.WorkerReady, WorkerID: rec.id})
	}
}

func (s *Supervisor) handleExit(rec *workerRecord, gen int, exitErr error) {
	s.mu.Lock()
	if rec.gen != gen {
		s.mu.Unlock()
		return
	}
	closing := s.closing
	rec.conn = nil
	if rec.status != StatusDead {
		rec.status = StatusError
	}

	var failed []*pendingCall
	for id, pc := range s.pending {
		if pc.workerID == rec.id && pc.gen == gen {
			delete(s.pending, id)
			failed = append(failed, pc)
		}
	}

	dropped := make([]string, 0, len(rec.browsers))
	for browserID := range rec.browsers {
		delete(s.browsers, browserID)
		dropped = append(dropped, browserID)
	}
	rec.browsers = make(map[string]struct{})
	s.mu.Unlock()

	for _, pc := range failed {
		pc.done <- callResult{err: fmt.Errorf("%w: %s", ErrWorkerExited, rec.id)}
	}
	for _, browserID := range dropped {
		s.bus.Publish(events.Event{Kind: events.BrowserClosed, WorkerID: rec.id, BrowserID: browserID, Reason: "worker exited"})
	}

	if closing {
		return
	}

	s.log.Error("worker exited",
		zap.String("worker", rec.id),
		zap.Int("browsers_lost", len(dropped)),
		zap.Error(exitErr))
	s.bus.Publish(events.Event{Kind: events.WorkerFailed, WorkerID: rec.id, Reason: errString(exitErr)})
	s.restartWorker(rec.id)
}

// restartWorker schedules a relaunch of id after Backoff(failures). Once
// the consecutive failure count reaches MaxFailures the worker is dead
// and never assigned again.
func (s *Supervisor) restartWorker(id string) {
	s.mu.Lock()
	rec, ok := s.workers[id]
	if !ok || s.closing || rec.status == StatusDead {
		s.mu.Unlock()
		return
	}
	rec.failures++
	if rec.failures >= s.cfg.MaxFailures {
		rec.status = StatusDead
		close(rec.dead)
		failures := rec.failures
		s.mu.Unlock()

		s.log.Error("worker marked dead", zap.String("worker", id), zap.Int("failures", failures))
		s.bus.Publish(events.Event{Kind: events.WorkerDead, WorkerID: id})
		return
	}
	rec.status = StatusError
	rec.restartCount++
	delay := Backoff(rec.failures, s.cfg.RestartBaseDelay, s.cfg.RestartMaxDelay)
	attempt := rec.failures
	s.mu.Unlock()

	s.log.Warn("restarting worker",
		zap.String("worker", id),
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !s.sleep(s.ctx, delay) {
			return
		}

		s.mu.Lock()
		rec.lastRestart = s.now()
		s.mu.Unlock()

		if err := s.launch(rec); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			s.log.Error("worker relaunch failed", zap.String("worker", id), zap.Error(err))
			s.restartWorker(id)
		}
	}()
}

// monitor kills workers that stopped sending heartbeats; the exit path
// then restarts them.
func (s *Supervisor) monitor() {
	defer s.wg.Done()

	interval := s.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		now := s.now()
		var stale []Conn
		s.mu.Lock()
		for _, id := range s.order {
			rec := s.workers[id]
			if rec.status == StatusReady && rec.conn != nil && now.Sub(rec.lastHealthCheck) > 3*interval {
				s.log.Warn("worker missed heartbeats", zap.String("worker", id), zap.Time("last", rec.lastHealthCheck))
				stale = append(stale, rec.conn)
			}
		}
		s.mu.Unlock()

		for _, conn := range stale {
			_ = conn.Kill()
		}
	}
}

// AssignBrowser creates a browser for sessionID on the best worker: one
// with no browsers if any exists, otherwise the lowest reported load.
func (s *Supervisor) AssignBrowser(ctx context.Context, sessionID string) (Assignment, error) {
	s.mu.Lock()
	rec := s.pickWorker()
	if rec == nil {
		s.mu.Unlock()
		return Assignment{}, ErrNoAvailableWorkers
	}
	rec.creating++
	gen := rec.gen
	s.mu.Unlock()

	msg, err := s.call(ctx, rec.id, protocol.Request{
		Op:          protocol.OpCreateBrowser,
		SessionHint: sessionID,
	}, s.cfg.CallTimeout)

	s.mu.Lock()
	rec.creating--
	if err == nil && (rec.gen != gen || rec.conn == nil) {
		err = fmt.Errorf("%w: %s", ErrWorkerExited, rec.id)
	}
	if err == nil && msg.BrowserID == "" {
		err = fmt.Errorf("worker %s returned no browser id", rec.id)
	}
	if err == nil {
		rec.browsers[msg.BrowserID] = struct{}{}
		s.browsers[msg.BrowserID] = rec.id
	}
	s.mu.Unlock()

	if err != nil {
		return Assignment{}, fmt.Errorf("create browser on %s: %w", rec.id, err)
	}

	s.log.Info("browser assigned",
		zap.String("session", sessionID),
		zap.String("worker", rec.id),
		zap.String("browser", msg.BrowserID))
	s.bus.Publish(events.Event{Kind: events.BrowserCreated, WorkerID: rec.id, BrowserID: msg.BrowserID, SessionID: sessionID})

	return Assignment{WorkerID: rec.id, BrowserID: msg.BrowserID}, nil
}

// pickWorker must be called with mu held.
func (s *Supervisor) pickWorker() *workerRecord {
	var best *workerRecord
	for _, id := range s.order {
		rec := s.workers[id]
		if rec.status != StatusReady || rec.conn == nil || rec.used() >= rec.maxBrowsers {
			continue
		}
		if rec.used() == 0 {
			return rec
		}
		if best == nil ||
			rec.load < best.load ||
			(rec.load == best.load && rec.used() < best.used()) {
			best = rec
		}
	}
	return best
}

// SendCommand forwards cmd to the worker hosting browserID. Failures that
// mean the browser can no longer be trusted remove its assignment and wrap
// ErrBrowserGone.
func (s *Supervisor) SendCommand(ctx context.Context, browserID string, cmd protocol.Command) (*protocol.Result, error) {
	timeout := s.cfg.CallTimeout
	if cmd.Kind.Navigates() {
		timeout = s.cfg.NavigationCallTimeout
	}
	return s.browserCall(ctx, browserID, protocol.Request{
		Op:        protocol.OpExecute,
		BrowserID: browserID,
		Command:   &cmd,
	}, timeout)
}

// CaptureFrame asks the hosting worker for a frame. Skips come back as a
// result with Skipped set, not as an error.
func (s *Supervisor) CaptureFrame(ctx context.Context, browserID string) (*protocol.Result, error) {
	return s.browserCall(ctx, browserID, protocol.Request{
		Op:        protocol.OpCaptureFrame,
		BrowserID: browserID,
	}, s.cfg.CaptureCallTimeout)
}

func (s *Supervisor) browserCall(ctx context.Context, browserID string, req protocol.Request, timeout time.Duration) (*protocol.Result, error) {
	s.mu.Lock()
	workerID, ok := s.browsers[browserID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %w", ErrBrowserGone, ErrBrowserNotFound)
	}

	msg, err := s.call(ctx, workerID, req, timeout)
	if err != nil {
		switch {
		case errors.Is(err, ErrCallTimeout):
			if _, removed := s.removeBrowser(browserID, "call timed out"); removed {
				s.closeOnWorker(workerID, browserID)
			}
			return nil, fmt.Errorf("%w: %w", ErrBrowserGone, err)
		case errors.Is(err, ErrBrowserNotFound), errors.Is(err, ErrWorkerExited):
			s.removeBrowser(browserID, err.Error())
			return nil, fmt.Errorf("%w: %w", ErrBrowserGone, err)
		}
		return nil, err
	}

	if msg.Result == nil {
		return &protocol.Result{}, nil
	}
	return msg.Result, nil
}

// CloseBrowser releases a browser. Unknown ids are ignored.
func (s *Supervisor) CloseBrowser(ctx context.Context, browserID string) {
	workerID, ok := s.removeBrowser(browserID, "released")
	if !ok {
		return
	}
	if _, err := s.call(ctx, workerID, protocol.Request{
		Op:        protocol.OpCloseBrowser,
		BrowserID: browserID,
	}, s.cfg.CallTimeout); err != nil {
		s.log.Warn("failed to close browser on worker",
			zap.String("worker", workerID),
			zap.String("browser", browserID),
			zap.Error(err))
	}
}

func (s *Supervisor) closeOnWorker(workerID, browserID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.CallTimeout)
		defer cancel()
		_, _ = s.call(ctx, workerID, protocol.Request{Op: protocol.OpCloseBrowser, BrowserID: browserID}, s.cfg.CallTimeout)
	}()
}

// removeBrowser deletes the assignment of browserID and reports whether it
// existed, so each browser is removed exactly once.
func (s *Supervisor) removeBrowser(browserID, reason string) (string, bool) {
	s.mu.Lock()
	workerID, ok := s.browsers[browserID]
	if ok {
		delete(s.browsers, browserID)
		if rec, exists := s.workers[workerID]; exists {
			delete(rec.browsers, browserID)
		}
	}
	s.mu.Unlock()

	if ok {
		s.bus.Publish(events.Event{Kind: events.BrowserClosed, WorkerID: workerID, BrowserID: browserID, Reason: reason})
	}
	return workerID, ok
}

// call sends req to a worker under a fresh correlation id and waits for
// the matching response, the timeout or ctx, whichever comes first.
func (s *Supervisor) call(ctx context.Context, workerID string, req protocol.Request, timeout time.Duration) (protocol.Message, error) {
	req.ID = uuid.New().String()

	s.mu.Lock()
	rec, ok := s.workers[workerID]
	if !ok || rec.conn == nil || rec.status == StatusDead {
		s.mu.Unlock()
		return protocol.Message{}, fmt.Errorf("%w: %s", ErrWorkerExited, workerID)
	}
	conn := rec.conn
	pc := &pendingCall{workerID: workerID, gen: rec.gen, done: make(chan callResult, 1)}
	s.pending[req.ID] = pc
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if err := conn.Send(req); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: send to %s: %v", ErrWorkerExited, workerID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-pc.done:
		if r.err != nil {
			return protocol.Message{}, r.err
		}
		if r.msg.Error != "" {
			return r.msg, &WorkerError{WorkerID: workerID, Code: r.msg.Code, Message: r.msg.Error}
		}
		return r.msg, nil
	case <-timer.C:
		return protocol.Message{}, fmt.Errorf("%w: %s %s after %s", ErrCallTimeout, req.Op, workerID, timeout)
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (s *Supervisor) resolve(workerID string, msg protocol.Message) {
	s.mu.Lock()
	pc, ok := s.pending[msg.ID]
	if ok {
		delete(s.pending, msg.ID)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("late or unknown response", zap.String("worker", workerID), zap.String("id", msg.ID))
		// A createBrowser that answered after its caller gave up leaves an
		// unassigned browser behind on the worker.
		if msg.BrowserID != "" && msg.Error == "" {
			if _, assigned := s.WorkerOf(msg.BrowserID); !assigned {
				s.closeOnWorker(workerID, msg.BrowserID)
			}
		}
		return
	}
	pc.done <- callResult{msg: msg}
}

// Workers returns a snapshot of every worker in launch order.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(s.order))
	for _, id := range s.order {
		rec := s.workers[id]
		infos = append(infos, WorkerInfo{
			ID:                  rec.id,
			Status:              rec.status,
			Browsers:            len(rec.browsers),
			Capacity:            rec.maxBrowsers,
			Load:                rec.load,
			LastHealthCheck:     rec.lastHealthCheck,
			RestartCount:        rec.restartCount,
			ConsecutiveFailures: rec.failures,
			LastRestartTime:     rec.lastRestart,
			CommandsHandled:     rec.heartbeat.CommandsHandled,
			FramesGenerated:     rec.heartbeat.FramesGenerated,
			Errors:              rec.heartbeat.Errors,
		})
	}
	return infos
}

func (s *Supervisor) ReadyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, rec := range s.workers {
		if rec.status == StatusReady {
			n++
		}
	}
	return n
}

// WorkerOf returns the worker currently hosting browserID.
func (s *Supervisor) WorkerOf(browserID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.browsers[browserID]
	return id, ok
}

// Shutdown asks every worker to stop, kills those that do not exit before
// ctx ends, and waits for all supervisor goroutines.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	conns := make([]Conn, 0, len(s.workers))
	for _, id := range s.order {
		if c := s.workers[id].conn; c != nil {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Send(protocol.Request{ID: uuid.New().String(), Op: protocol.OpShutdown}); err != nil {
			_ = c.Kill()
		}
	}

	exited := make(chan struct{})
	go func() {
		for _, c := range conns {
			_ = c.Wait()
		}
		close(exited)
	}()

	var err error
	select {
	case <-exited:
	case <-ctx.Done():
		err = ctx.Err()
		for _, c := range conns {
			_ = c.Kill()
		}
		<-exited
	}

	s.cancel()
	s.wg.Wait()
	s.log.Info("worker pool stopped")
	return err
}

func errString(err error) string {
	if err == nil {
		return "exited"
	}
	return err.Error()
}
