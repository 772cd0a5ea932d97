// Package app wires the control plane together: one App value owns every
// component and is passed around instead of process-wide state.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/api"
	"github.com/shehryarbajwa/browserbase-stream/internal/browser"
	"github.com/shehryarbajwa/browserbase-stream/internal/config"
	"github.com/shehryarbajwa/browserbase-stream/internal/events"
	"github.com/shehryarbajwa/browserbase-stream/internal/health"
	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/internal/proxy"
	"github.com/shehryarbajwa/browserbase-stream/internal/queue"
	"github.com/shehryarbajwa/browserbase-stream/internal/ratelimit"
	"github.com/shehryarbajwa/browserbase-stream/internal/session"
	"github.com/shehryarbajwa/browserbase-stream/internal/stream"
	"github.com/shehryarbajwa/browserbase-stream/internal/worker"
)

const limiterSweepInterval = time.Minute

type App struct {
	cfg *config.Config
	log *zap.Logger
	bus *events.Bus

	Supervisor *pool.Supervisor
	Sessions   *session.Manager
	Queue      *queue.Queue
	Pump       *queue.Pump
	Stream     *stream.Loop
	Proxy      *proxy.Server
	Health     *health.Checker

	commandLimiter *ratelimit.Limiter
	restLimiter    *ratelimit.Limiter
	handler        http.Handler

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every component. Nothing runs until Start.
func New(cfg *config.Config, launcher pool.Launcher, log *zap.Logger) *App {
	bus := events.NewBus(log.Named("events"))

	sup := pool.NewSupervisor(pool.ConfigFrom(cfg.Workers), launcher, bus, log.Named("pool"))
	sessions := session.NewManager(session.ConfigFrom(cfg), bus, log.Named("session"))
	q := queue.New(cfg.Queue.MaxSize)
	pump := queue.NewPump(q, sup, sessions, cfg.Queue.YieldInterval, log.Named("queue"))
	loop := stream.NewLoop(sessions, sup, cfg.Stream.Tick, log.Named("stream"))

	commandLimiter := ratelimit.NewLimiter(cfg.Server.CommandsPerSecond, cfg.Server.CommandBurst)
	proxyServer := proxy.NewServer(sessions, pump, sup, commandLimiter, proxy.OptionsFrom(cfg.Server), log.Named("proxy"))

	checker := health.NewChecker(sup, sessions, q)
	handler := api.NewHandler(sessions, sup, checker, log.Named("api"))
	restLimiter := ratelimit.PerMinute(cfg.Server.RequestsPerMinute)

	return &App{
		cfg:        cfg,
		log:        log,
		bus:        bus,
		Supervisor: sup,
		Sessions:   sessions,
		Queue:      q,
		Pump:       pump,
		Stream:     loop,
		Proxy:      proxyServer,
		Health:     checker,

		commandLimiter: commandLimiter,
		restLimiter:    restLimiter,
		handler:        handler.SetupRoutes(proxyServer, restLimiter),
	}
}

// NewLauncher returns the worker launcher for cfg.Workers.Mode. Child
// processes re-execute this binary's worker command with configPath.
func NewLauncher(cfg *config.Config, configPath string, log *zap.Logger) (pool.Launcher, error) {
	switch cfg.Workers.Mode {
	case "inprocess":
		return &pool.InProcessLauncher{New: WorkerFactory(cfg, log)}, nil
	case "process":
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable: %w", err)
		}
		return &pool.ProcessLauncher{
			Path: exe,
			Args: func(workerID string) []string {
				args := []string{"worker", "--id", workerID}
				if configPath != "" {
					args = append(args, "--config", configPath)
				}
				return args
			},
			Log: log.Named("pool"),
		}, nil
	}
	return nil, fmt.Errorf("unsupported worker mode %q", cfg.Workers.Mode)
}

// WorkerFactory builds in-process workers backed by the configured browser
// provider.
func WorkerFactory(cfg *config.Config, log *zap.Logger) pool.WorkerFactory {
	return func(ctx context.Context, workerID string) (*worker.Worker, io.Closer, error) {
		backend, err := browser.Open(ctx, cfg.Browser, workerID, log.Named("browser").With(zap.String("worker", workerID)))
		if err != nil {
			return nil, nil, err
		}
		return worker.New(worker.ConfigFrom(workerID, cfg), backend, log.Named("worker")), backend, nil
	}
}

// RunWorker serves one worker on in/out until the supervisor shuts it down
// or the stream closes.
func RunWorker(ctx context.Context, cfg *config.Config, workerID string, in io.Reader, out io.Writer, log *zap.Logger) error {
	backend, err := browser.Open(ctx, cfg.Browser, workerID, log.Named("browser"))
	if err != nil {
		return fmt.Errorf("failed to open browser backend: %w", err)
	}
	defer backend.Close()

	w := worker.New(worker.ConfigFrom(workerID, cfg), backend, log.Named("worker"))
	return w.Serve(ctx, in, out)
}

func (a *App) Handler() http.Handler { return a.handler }

// Start launches the worker pool and the background loops. It returns once
// the pool has had its chance to become ready; zero ready workers leaves
// the service up and unhealthy.
func (a *App) Start(ctx context.Context) error {
	ready, err := a.Supervisor.Initialize(ctx, a.cfg.Workers.Count, a.cfg.Workers.BrowsersPerWorker)
	if err != nil {
		return fmt.Errorf("failed to initialize worker pool: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	sub, unsubscribe := a.bus.Subscribe(256)

	a.wg.Add(6)
	go func() {
		defer a.wg.Done()
		a.Sessions.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.Pump.Run(runCtx); err != nil {
			a.log.Error("pump stopped", zap.Error(err))
		}
	}()
	go func() {
		defer a.wg.Done()
		a.Stream.Run(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.restLimiter.Run(runCtx, limiterSweepInterval)
	}()
	go func() {
		defer a.wg.Done()
		a.commandLimiter.Run(runCtx, limiterSweepInterval)
	}()
	go func() {
		defer a.wg.Done()
		defer unsubscribe()
		a.watchEvents(runCtx, sub)
	}()

	a.log.Info("control plane started",
		zap.Int("workers_ready", ready),
		zap.Int("workers", a.cfg.Workers.Count),
		zap.Int("max_sessions", a.cfg.Server.MaxSessions))
	return nil
}

// watchEvents keeps sessions and browsers consistent: a removed session
// releases its browser and a dropped browser is cleared from its session.
func (a *App) watchEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			switch e.Kind {
			case events.SessionRemoved:
				if e.BrowserID == "" {
					continue
				}
				a.wg.Add(1)
				go func(browserID string) {
					defer a.wg.Done()
					a.Supervisor.CloseBrowser(ctx, browserID)
				}(e.BrowserID)
			case events.BrowserClosed:
				a.Sessions.ReleaseBrowser(e.BrowserID)
			case events.WorkerDead:
				a.log.Error("worker permanently excluded", zap.String("worker", e.WorkerID))
			}
		}
	}
}

// Shutdown disconnects every client, stops the loops and then the workers.
func (a *App) Shutdown(ctx context.Context) error {
	a.Sessions.CloseAll("server shutting down")
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return a.Supervisor.Shutdown(ctx)
}
