package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/browserbase-stream/internal/browser/browsertest"
	"github.com/shehryarbajwa/browserbase-stream/internal/events"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
	"github.com/shehryarbajwa/browserbase-stream/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: time.Second},
		{attempt: 2, want: 2 * time.Second},
		{attempt: 3, want: 4 * time.Second},
		{attempt: 5, want: 16 * time.Second},
		{attempt: 6, want: 30 * time.Second},
		{attempt: 60, want: 30 * time.Second},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, Backoff(tc.attempt, time.Second, 30*time.Second), "attempt %d", tc.attempt)
	}
}

type fakePool struct {
	sup *Supervisor
	bus *events.Bus

	mu       sync.Mutex
	backends map[string]*browsertest.Backend
	onNew    func(p *browsertest.Page)
}

func (f *fakePool) backend(workerID string) *browsertest.Backend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backends[workerID]
}

func newFakePool(t *testing.T, cfg Config, onNew func(p *browsertest.Page)) *fakePool {
	t.Helper()

	f := &fakePool{
		bus:      events.NewBus(nil),
		backends: make(map[string]*browsertest.Backend),
		onNew:    onNew,
	}
	launcher := &InProcessLauncher{
		New: func(ctx context.Context, workerID string) (*worker.Worker, io.Closer, error) {
			backend := browsertest.NewBackend()
			backend.OnNew = f.onNew
			f.mu.Lock()
			f.backends[workerID] = backend
			f.mu.Unlock()
			w := worker.New(worker.Config{
				ID:                workerID,
				MaxBrowsers:       2,
				CommandTimeout:    time.Second,
				NavigationTimeout: time.Second,
				CaptureTimeout:    100 * time.Millisecond,
				HeartbeatInterval: time.Hour,
			}, backend, nil)
			return w, backend, nil
		},
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = time.Second
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}
	f.sup = NewSupervisor(cfg, launcher, f.bus, nil)
	f.sup.sleep = func(ctx context.Context, d time.Duration) bool { return ctx.Err() == nil }
	return f
}

func shutdown(t *testing.T, s *Supervisor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestAssignBrowserPrefersEmptyWorkers(t *testing.T) {
	t.Parallel()

	f := newFakePool(t, Config{}, nil)
	ready, err := f.sup.Initialize(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Equal(t, 2, ready)
	defer shutdown(t, f.sup)

	ctx := context.Background()
	a1, err := f.sup.AssignBrowser(ctx, "s1")
	require.NoError(t, err)
	a2, err := f.sup.AssignBrowser(ctx, "s2")
	require.NoError(t, err)

	assert.Equal(t, "worker-1", a1.WorkerID)
	assert.Equal(t, "worker-2", a2.WorkerID)
	assert.NotEqual(t, a1.BrowserID, a2.BrowserID)

	for _, sessionID := range []string{"s3", "s4"} {
		_, err := f.sup.AssignBrowser(ctx, sessionID)
		require.NoError(t, err)
	}
	_, err = f.sup.AssignBrowser(ctx, "s5")
	assert.ErrorIs(t, err, ErrNoAvailableWorkers)

	res, err := f.sup.SendCommand(ctx, a1.BrowserID, protocol.Command{Kind: protocol.CmdClick, X: 3, Y: 4})
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	frame, err := f.sup.CaptureFrame(ctx, a2.BrowserID)
	require.NoError(t, err)
	assert.NotEmpty(t, frame.Frame)

	f.sup.CloseBrowser(ctx, a1.BrowserID)
	_, ok := f.sup.WorkerOf(a1.BrowserID)
	assert.False(t, ok)
	_, err = f.sup.SendCommand(ctx, a1.BrowserID, protocol.Command{Kind: protocol.CmdClick})
	assert.ErrorIs(t, err, ErrBrowserGone)
}

func TestCallTimeoutInvalidatesAssignment(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	f := newFakePool(t, Config{CallTimeout: 150 * time.Millisecond}, func(p *browsertest.Page) {
		p.Block = block
	})
	_, err := f.sup.Initialize(context.Background(), 1, 2)
	require.NoError(t, err)
	defer shutdown(t, f.sup)

	ctx := context.Background()
	a, err := f.sup.AssignBrowser(ctx, "s1")
	require.NoError(t, err)

	_, err = f.sup.SendCommand(ctx, a.BrowserID, protocol.Command{Kind: protocol.CmdClick, X: 1, Y: 1})
	require.ErrorIs(t, err, ErrBrowserGone)
	assert.ErrorIs(t, err, ErrCallTimeout)

	_, ok := f.sup.WorkerOf(a.BrowserID)
	assert.False(t, ok)

	// A second failure on the same id does not remove anything twice.
	_, err = f.sup.SendCommand(ctx, a.BrowserID, protocol.Command{Kind: protocol.CmdClick})
	assert.ErrorIs(t, err, ErrBrowserGone)

	close(block)
	b, err := f.sup.AssignBrowser(ctx, "s1")
	require.NoError(t, err)
	assert.NotEqual(t, a.BrowserID, b.BrowserID)
}

func TestSlowNavigationKeepsAssignment(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	f := newFakePool(t, Config{CallTimeout: 200 * time.Millisecond, NavigationCallTimeout: 2 * time.Second}, func(p *browsertest.Page) {
		p.Block = block
	})
	_, err := f.sup.Initialize(context.Background(), 1, 2)
	require.NoError(t, err)
	defer shutdown(t, f.sup)

	ctx := context.Background()
	a, err := f.sup.AssignBrowser(ctx, "s1")
	require.NoError(t, err)

	// The page load takes longer than a plain command may, but stays
	// inside the worker's navigation budget.
	time.AfterFunc(400*time.Millisecond, func() { close(block) })
	res, err := f.sup.SendCommand(ctx, a.BrowserID, protocol.Command{Kind: protocol.CmdNavigate, URL: "https://example.com"})
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	workerID, ok := f.sup.WorkerOf(a.BrowserID)
	assert.True(t, ok)
	assert.Equal(t, a.WorkerID, workerID)
	assert.Contains(t, f.backend(a.WorkerID).Pages()[0].Actions(), "nav https://example.com")
}

func TestCrashedBrowserIsForgotten(t *testing.T) {
	t.Parallel()

	f := newFakePool(t, Config{}, nil)
	_, err := f.sup.Initialize(context.Background(), 1, 2)
	require.NoError(t, err)
	defer shutdown(t, f.sup)

	sub, cancel := f.bus.Subscribe(16)
	defer cancel()

	ctx := context.Background()
	a, err := f.sup.AssignBrowser(ctx, "s1")
	require.NoError(t, err)

	f.backend(a.WorkerID).Pages()[0].Crash()

	require.Eventually(t, func() bool {
		_, ok := f.sup.WorkerOf(a.BrowserID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	var sawClosed bool
	for !sawClosed {
		select {
		case e := <-sub:
			sawClosed = e.Kind == events.BrowserClosed && e.BrowserID == a.BrowserID
		case <-time.After(time.Second):
			t.Fatal("no browser.closed event")
		}
	}

	_, err = f.sup.CaptureFrame(ctx, a.BrowserID)
	assert.ErrorIs(t, err, ErrBrowserGone)
}

func TestExitedWorkerIsRestarted(t *testing.T) {
	t.Parallel()

	f := newFakePool(t, Config{MaxFailures: 5}, nil)
	_, err := f.sup.Initialize(context.Background(), 1, 2)
	require.NoError(t, err)
	defer shutdown(t, f.sup)

	ctx := context.Background()
	a, err := f.sup.AssignBrowser(ctx, "s1")
	require.NoError(t, err)

	f.sup.mu.Lock()
	conn := f.sup.workers["worker-1"].conn
	f.sup.mu.Unlock()
	require.NoError(t, conn.Kill())

	require.Eventually(t, func() bool {
		infos := f.sup.Workers()
		return infos[0].Status == StatusReady && infos[0].RestartCount == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, ok := f.sup.WorkerOf(a.BrowserID)
	assert.False(t, ok)

	b, err := f.sup.AssignBrowser(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "worker-1", b.WorkerID)
}

type failingLauncher struct{}

func (failingLauncher) Launch(ctx context.Context, workerID string) (Conn, error) {
	return nil, errors.New("no browser binary")
}

func TestWorkerMarkedDeadAfterMaxFailures(t *testing.T) {
	t.Parallel()

	bus := events.NewBus(nil)
	sub, cancel := bus.Subscribe(32)
	defer cancel()

	s := NewSupervisor(Config{MaxFailures: 3, ReadyTimeout: 2 * time.Second}, failingLauncher{}, bus, nil)
	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		return ctx.Err() == nil
	}

	ready, err := s.Initialize(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Zero(t, ready)
	defer shutdown(t, s)

	infos := s.Workers()
	require.Len(t, infos, 1)
	assert.Equal(t, StatusDead, infos[0].Status)
	assert.Equal(t, 3, infos[0].ConsecutiveFailures)

	mu.Lock()
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
	mu.Unlock()

	_, err = s.AssignBrowser(context.Background(), "s1")
	assert.ErrorIs(t, err, ErrNoAvailableWorkers)

	var sawDead bool
	for !sawDead {
		select {
		case e := <-sub:
			sawDead = e.Kind == events.WorkerDead
		case <-time.After(time.Second):
			t.Fatal("no worker.dead event")
		}
	}
}
