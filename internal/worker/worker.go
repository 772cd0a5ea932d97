// Package worker implements an execution worker: it hosts a bounded number
// of browser instances and serves supervisor requests over a line-delimited
// JSON stream, usually the stdin/stdout of a child process.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/browser"
	"github.com/shehryarbajwa/browserbase-stream/internal/config"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
)

type Config struct {
	ID                string
	MaxBrowsers       int
	DefaultURL        string
	CommandTimeout    time.Duration
	NavigationTimeout time.Duration
	CaptureTimeout    time.Duration
	HeartbeatInterval time.Duration
}

// ConfigFrom derives a worker config from the shared runtime config.
func ConfigFrom(id string, cfg *config.Config) Config {
	return Config{
		ID:                id,
		MaxBrowsers:       cfg.Workers.BrowsersPerWorker,
		DefaultURL:        cfg.Browser.DefaultURL,
		CommandTimeout:    cfg.Browser.CommandTimeout,
		NavigationTimeout: cfg.Browser.NavigationTimeout,
		CaptureTimeout:    cfg.Browser.CaptureTimeout,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
	}
}

// Worker owns its browser instances; nothing outside it touches a page.
type Worker struct {
	cfg     Config
	backend browser.Backend
	log     *zap.Logger
	enc     *protocol.Encoder

	mu       sync.Mutex
	browsers map[string]*instance
	creating int

	commands atomic.Uint64
	frames   atomic.Uint64
	errors   atomic.Uint64

	wg sync.WaitGroup
}

type instance struct {
	id         string
	page       browser.Page
	navigating atomic.Int32
	done       chan struct{}
}

func New(cfg Config, backend browser.Backend, log *zap.Logger) *Worker {
	if cfg.MaxBrowsers <= 0 {
		cfg.MaxBrowsers = 1
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 8 * time.Second
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 30 * time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 800 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		cfg:      cfg,
		backend:  backend,
		log:      log.With(zap.String("worker", cfg.ID)),
		enc:      protocol.NewEncoder(io.Discard),
		browsers: make(map[string]*instance),
	}
}

// Serve runs the request loop until ctx ends, the input stream closes or a
// shutdown request arrives. All hosted browsers are closed before it
// returns; the backend itself is left to the caller.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.enc = protocol.NewEncoder(out)
	if err := w.enc.Encode(protocol.Message{
		Type:      protocol.MsgReady,
		WorkerID:  w.cfg.ID,
		Heartbeat: w.snapshot(),
	}); err != nil {
		return err
	}
	w.log.Info("worker ready", zap.Int("capacity", w.cfg.MaxBrowsers))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.heartbeatLoop(ctx)
	}()

	requests := make(chan protocol.Request)
	readErr := make(chan error, 1)
	go func() {
		defer close(requests)
		dec := protocol.NewDecoder(in)
		for {
			var req protocol.Request
			err := dec.Decode(&req)
			if errors.Is(err, protocol.ErrMalformed) {
				w.log.Warn("ignoring malformed request", zap.Error(err))
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case requests <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	var serveErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case req, ok := <-requests:
			if !ok {
				select {
				case serveErr = <-readErr:
				default:
				}
				break loop
			}
			if req.Op == protocol.OpShutdown {
				w.reply(req, nil, nil)
				break loop
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.handle(ctx, req)
			}()
		}
	}

	cancel()
	w.wg.Wait()
	w.closeAll()
	w.log.Info("worker stopped",
		zap.Uint64("commands", w.commands.Load()),
		zap.Uint64("frames", w.frames.Load()),
		zap.Uint64("errors", w.errors.Load()))
	return serveErr
}

// opError is a failure reported back to the supervisor with a code.
type opError struct {
	code string
	msg  string
}

func (e *opError) Error() string { return e.msg }

func errBrowserNotFound(id string) error {
	return &opError{code: protocol.CodeBrowserNotFound, msg: fmt.Sprintf("browser %s not found", id)}
}

func (w *Worker) handle(ctx context.Context, req protocol.Request) {
	defer func() {
		if r := recover(); r != nil {
			w.errors.Add(1)
			w.log.Error("request panicked", zap.String("op", string(req.Op)), zap.Any("panic", r))
			w.reply(req, nil, &opError{code: protocol.CodeCommandFailed, msg: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	switch req.Op {
	case protocol.OpCreateBrowser:
		id, err := w.CreateBrowser(ctx, req.SessionHint)
		if err != nil {
			w.reply(req, nil, err)
			return
		}
		req.BrowserID = id
		w.reply(req, nil, nil)
	case protocol.OpCloseBrowser:
		w.CloseBrowser(req.BrowserID)
		w.reply(req, nil, nil)
	case protocol.OpExecute:
		if req.Command == nil {
			w.reply(req, nil, &opError{code: protocol.CodeBadRequest, msg: "missing command"})
			return
		}
		res, err := w.Execute(ctx, req.BrowserID, *req.Command)
		w.reply(req, res, err)
	case protocol.OpCaptureFrame:
		res, err := w.CaptureFrame(ctx, req.BrowserID)
		w.reply(req, res, err)
	default:
		w.reply(req, nil, &opError{code: protocol.CodeBadRequest, msg: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

func (w *Worker) reply(req protocol.Request, res *protocol.Result, err error) {
	msg := protocol.Message{
		Type:      protocol.MsgResponse,
		ID:        req.ID,
		WorkerID:  w.cfg.ID,
		BrowserID: req.BrowserID,
		Result:    res,
	}
	if err != nil {
		msg.Error = err.Error()
		msg.Code = protocol.CodeCommandFailed
		var oe *opError
		if errors.As(err, &oe) {
			msg.Code = oe.code
		}
	}
	w.send(msg)
}

func (w *Worker) send(msg protocol.Message) {
	if err := w.enc.Encode(msg); err != nil {
		w.log.Warn("failed to send message", zap.String("type", string(msg.Type)), zap.Error(err))
	}
}

// CreateBrowser launches an isolated context and starts loading the
// default page. The load continues in the background; frame captures skip
// with reason "navigating" until it finishes.
func (w *Worker) CreateBrowser(ctx context.Context, sessionHint string) (string, error) {
	w.mu.Lock()
	if len(w.browsers)+w.creating >= w.cfg.MaxBrowsers {
		w.mu.Unlock()
		return "", &opError{code: protocol.CodeCapacity, msg: fmt.Sprintf("worker at capacity (%d browsers)", w.cfg.MaxBrowsers)}
	}
	w.creating++
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.creating--
		w.mu.Unlock()
	}()

	cctx, cancel := context.WithTimeout(ctx, w.cfg.CommandTimeout)
	defer cancel()

	page, err := w.backend.NewSession(cctx)
	if err != nil {
		w.errors.Add(1)
		return "", fmt.Errorf("failed to create browser: %w", err)
	}

	inst := &instance{
		id:   uuid.New().String(),
		page: page,
		done: make(chan struct{}),
	}

	w.mu.Lock()
	w.browsers[inst.id] = inst
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watchCrash(ctx, inst)
	}()

	if w.cfg.DefaultURL != "" {
		inst.navigating.Add(1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer inst.navigating.Add(-1)
			nctx, cancel := context.WithTimeout(ctx, w.cfg.NavigationTimeout)
			defer cancel()
			if err := page.Navigate(nctx, w.cfg.DefaultURL); err != nil {
				w.log.Warn("default page failed to load", zap.String("browser", inst.id), zap.Error(err))
			}
		}()
	}

	w.log.Info("browser created", zap.String("browser", inst.id), zap.String("session", sessionHint))
	return inst.id, nil
}

// CloseBrowser is idempotent.
func (w *Worker) CloseBrowser(id string) {
	inst, ok := w.remove(id)
	if !ok {
		return
	}
	if err := inst.page.Close(); err != nil {
		w.log.Warn("failed to close browser", zap.String("browser", id), zap.Error(err))
	}
	w.log.Info("browser closed", zap.String("browser", id))
}

func (w *Worker) watchCrash(ctx context.Context, inst *instance) {
	select {
	case <-inst.page.Crashed():
	case <-inst.done:
		return
	case <-ctx.Done():
		return
	}

	if _, ok := w.remove(inst.id); !ok {
		return
	}
	_ = inst.page.Close()
	w.errors.Add(1)
	w.log.Warn("browser crashed", zap.String("browser", inst.id))
	w.send(protocol.Message{
		Type:      protocol.MsgBrowserClosed,
		WorkerID:  w.cfg.ID,
		BrowserID: inst.id,
		Reason:    "crashed",
	})
}

func (w *Worker) lookup(id string) (*instance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inst, ok := w.browsers[id]
	return inst, ok
}

func (w *Worker) remove(id string) (*instance, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	inst, ok := w.browsers[id]
	if !ok {
		return nil, false
	}
	delete(w.browsers, id)
	close(inst.done)
	return inst, true
}

func (w *Worker) closeAll() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.browsers))
	for id := range w.browsers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.CloseBrowser(id)
	}
}

func (w *Worker) snapshot() *protocol.Heartbeat {
	w.mu.Lock()
	n := len(w.browsers)
	w.mu.Unlock()

	return &protocol.Heartbeat{
		Browsers:        n,
		Capacity:        w.cfg.MaxBrowsers,
		Load:            float64(n) / float64(w.cfg.MaxBrowsers),
		CommandsHandled: w.commands.Load(),
		FramesGenerated: w.frames.Load(),
		Errors:          w.errors.Load(),
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.send(protocol.Message{
				Type:      protocol.MsgHeartbeat,
				WorkerID:  w.cfg.ID,
				Heartbeat: w.snapshot(),
			})
		}
	}
}
