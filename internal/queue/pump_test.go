package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shehryarbajwa/browserbase-stream/internal/events"
	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
	"github.com/shehryarbajwa/browserbase-stream/internal/session"
	"github.com/shehryarbajwa/browserbase-stream/internal/session/sessiontest"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakePool struct {
	mu        sync.Mutex
	calls     []string
	assigns   int
	inflight  map[string]int
	maxFlight map[string]int
	assignErr error
	// fail, when set, decides the error for each SendCommand.
	fail  func(browserID string, cmd protocol.Command) error
	block chan struct{}
	// onAssign runs after a browser is created, before it is returned.
	onAssign func(sessionID string)
	closed   []string
}

func newFakePool() *fakePool {
	return &fakePool{inflight: map[string]int{}, maxFlight: map[string]int{}}
}

func (f *fakePool) AssignBrowser(ctx context.Context, sessionID string) (pool.Assignment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.assignErr != nil {
		return pool.Assignment{}, f.assignErr
	}
	f.assigns++
	a := pool.Assignment{WorkerID: "worker-1", BrowserID: fmt.Sprintf("b-%d", f.assigns)}
	if f.onAssign != nil {
		f.mu.Unlock()
		f.onAssign(sessionID)
		f.mu.Lock()
	}
	return a, nil
}

func (f *fakePool) CloseBrowser(ctx context.Context, browserID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, browserID)
}

func (f *fakePool) Closed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

func (f *fakePool) SendCommand(ctx context.Context, browserID string, cmd protocol.Command) (*protocol.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, browserID+" "+string(cmd.Kind))
	f.inflight[browserID]++
	f.maxFlight[browserID] = max(f.maxFlight[browserID], f.inflight[browserID])
	block := f.block
	fail := f.fail
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight[browserID]--
		f.mu.Unlock()
	}()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(browserID, cmd); err != nil {
			return nil, err
		}
	}
	switch cmd.Kind {
	case protocol.CmdScreenshot:
		return &protocol.Result{Frame: []byte{1, 2, 3}}, nil
	case protocol.CmdNavigate:
		return &protocol.Result{URL: "https://" + cmd.URL}, nil
	}
	return &protocol.Result{}, nil
}

func (f *fakePool) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	pool     *fakePool
	sessions *session.Manager
	pump     *Pump
	cancel   context.CancelFunc
	done     chan error
}

func newHarness(t *testing.T, fp *fakePool) *harness {
	t.Helper()
	sessions := session.NewManager(session.Config{MaxSessions: 10}, events.NewBus(nil), nil)
	return &harness{
		pool:     fp,
		sessions: sessions,
		pump:     NewPump(New(100), fp, sessions, 5*time.Millisecond, nil),
	}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.pump.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-h.done)
	})
}

func (h *harness) newSession(t *testing.T, browserID string) (*session.Session, *sessiontest.Conn) {
	t.Helper()
	conn := sessiontest.NewConn()
	s, err := h.sessions.Create(conn)
	require.NoError(t, err)
	if browserID != "" {
		s.Assign(browserID, "worker-1")
	}
	return s, conn
}

func TestClickDispatchedBeforeScreenshot(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakePool())
	s, conn := h.newSession(t, "b-0")

	var wg sync.WaitGroup
	wg.Add(2)
	done := func(err error) {
		assert.NoError(t, err)
		wg.Done()
	}
	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdScreenshot}, done))
	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdClick, X: 5, Y: 5}, done))
	h.start(t)
	wg.Wait()

	assert.Equal(t, []string{"b-0 click", "b-0 requestScreenshot"}, h.pool.Calls())
	assert.Len(t, conn.Frames(), 1)
	assert.EqualValues(t, 2, s.Stats().CommandsSent)
	assert.EqualValues(t, 1, s.Stats().FramesSent)
}

func TestOneCommandPerSessionAtATime(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	fp.block = make(chan struct{})
	h := newHarness(t, fp)
	a, _ := h.newSession(t, "b-a")
	b, _ := h.newSession(t, "b-b")

	var wg sync.WaitGroup
	wg.Add(3)
	done := func(error) { wg.Done() }
	require.NoError(t, h.pump.Submit(a.ID, protocol.Command{Kind: protocol.CmdClick}, done))
	require.NoError(t, h.pump.Submit(a.ID, protocol.Command{Kind: protocol.CmdType, Text: "x"}, done))
	require.NoError(t, h.pump.Submit(b.ID, protocol.Command{Kind: protocol.CmdScroll, DY: 10}, done))
	h.start(t)

	// b runs while a's first command is still blocked.
	require.Eventually(t, func() bool { return len(fp.Calls()) == 2 }, time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"b-a click", "b-b scroll"}, fp.Calls())
	assert.Equal(t, 1, h.pump.Queue().Len())

	close(fp.block)
	wg.Wait()

	assert.Equal(t, "b-a type", fp.Calls()[2])
	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, 1, fp.maxFlight["b-a"])
}

func TestBrowserGoneTriggersReassignment(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	fp.fail = func(browserID string, cmd protocol.Command) error {
		if browserID == "b-1" {
			return fmt.Errorf("%w: %w", pool.ErrBrowserGone, pool.ErrCallTimeout)
		}
		return nil
	}
	h := newHarness(t, fp)
	s, conn := h.newSession(t, "")
	h.start(t)

	errs := make(chan error, 1)
	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdClick}, func(err error) { errs <- err }))
	assert.ErrorIs(t, <-errs, pool.ErrBrowserGone)
	browserID, _ := s.Browser()
	assert.Empty(t, browserID)

	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdClick}, func(err error) { errs <- err }))
	assert.NoError(t, <-errs)
	browserID, _ = s.Browser()
	assert.Equal(t, "b-2", browserID)

	assert.Equal(t, []string{"b-1 click", "b-2 click"}, fp.Calls())
	connected := conn.MessagesOfType(models.TypeConnected)
	require.Len(t, connected, 2)
	assert.Equal(t, "b-2", connected[1].BrowserID)
	assert.Len(t, conn.MessagesOfType(models.TypeError), 1)
	assert.EqualValues(t, 1, s.Stats().Errors)
}

func TestNoWorkersReportsErrorToClient(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	fp.assignErr = pool.ErrNoAvailableWorkers
	h := newHarness(t, fp)
	s, conn := h.newSession(t, "")
	h.start(t)

	errs := make(chan error, 1)
	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdClick}, func(err error) { errs <- err }))
	assert.ErrorIs(t, <-errs, pool.ErrNoAvailableWorkers)
	assert.Len(t, conn.MessagesOfType(models.TypeError), 1)
	assert.Empty(t, fp.Calls())
}

func TestNavigationAnnouncesLoading(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakePool())
	s, conn := h.newSession(t, "b-0")
	h.start(t)

	errs := make(chan error, 1)
	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdNavigate, URL: "example.com"}, func(err error) { errs <- err }))
	require.NoError(t, <-errs)

	nav := conn.MessagesOfType(models.TypeNavigation)
	require.Len(t, nav, 2)
	assert.True(t, *nav[0].Loading)
	assert.Equal(t, "example.com", nav[0].URL)
	assert.False(t, *nav[1].Loading)
	assert.Equal(t, "https://example.com", nav[1].URL)
}

func TestRequestsOfRemovedSessionsAreDiscarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakePool())
	s, _ := h.newSession(t, "b-0")

	errs := make(chan error, 1)
	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdClick}, func(err error) { errs <- err }))
	h.sessions.Remove(s.ID, "closed")
	h.start(t)

	assert.ErrorIs(t, <-errs, session.ErrNotFound)
	assert.Empty(t, h.pool.Calls())
}

func TestRunIsSingleInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakePool())
	h.start(t)

	require.Eventually(t, h.pump.running.Load, time.Second, time.Millisecond)
	assert.ErrorIs(t, h.pump.Run(context.Background()), ErrPumpRunning)
}

func TestBrowserOfRemovedSessionIsClosed(t *testing.T) {
	t.Parallel()

	fp := newFakePool()
	h := newHarness(t, fp)
	s, conn := h.newSession(t, "")
	fp.onAssign = func(sessionID string) {
		h.sessions.Remove(sessionID, "evicted")
	}
	h.start(t)

	errc := make(chan error, 1)
	require.NoError(t, h.pump.Submit(s.ID, protocol.Command{Kind: protocol.CmdClick}, func(err error) { errc <- err }))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, session.ErrNotFound)
	case <-time.After(time.Second):
		t.Fatal("command never finished")
	}

	assert.Equal(t, []string{"b-1"}, fp.Closed())
	assert.Empty(t, fp.Calls())
	browserID, _ := s.Browser()
	assert.Empty(t, browserID)
	assert.Empty(t, conn.MessagesOfType(models.TypeConnected))
}
