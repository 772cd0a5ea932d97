package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/events"
	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
	"github.com/shehryarbajwa/browserbase-stream/internal/ratelimit"
	"github.com/shehryarbajwa/browserbase-stream/internal/session"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

type recordingSubmitter struct {
	cmds chan protocol.Command
}

func (r *recordingSubmitter) Submit(sessionID string, cmd protocol.Command, done func(error)) error {
	r.cmds <- cmd
	return nil
}

type fakeAssigner struct {
	err error
	// onAssign runs after the browser is created, before it is returned.
	onAssign func(sessionID string)
	closed   chan string
}

func (f fakeAssigner) AssignBrowser(ctx context.Context, sessionID string) (pool.Assignment, error) {
	if f.err != nil {
		return pool.Assignment{}, f.err
	}
	if f.onAssign != nil {
		f.onAssign(sessionID)
	}
	return pool.Assignment{WorkerID: "worker-1", BrowserID: "b-" + sessionID[:8]}, nil
}

func (f fakeAssigner) CloseBrowser(ctx context.Context, browserID string) {
	if f.closed != nil {
		f.closed <- browserID
	}
}

func httpHandler(s *Server) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleConnection)
	return r
}

type testServer struct {
	*httptest.Server
	sessions *session.Manager
	cmds     chan protocol.Command
}

func newTestServer(t *testing.T, maxSessions int, assigner Assigner, limiter *ratelimit.Limiter) *testServer {
	t.Helper()
	sessions := session.NewManager(session.Config{MaxSessions: maxSessions}, events.NewBus(nil), nil)
	sub := &recordingSubmitter{cmds: make(chan protocol.Command, 16)}
	if limiter == nil {
		limiter = ratelimit.NewLimiter(1000, 1000)
	}
	srv := NewServer(sessions, sub, assigner, limiter, Options{SendBuffer: 8, WriteTimeout: time.Second}, zap.NewNop())
	ts := httptest.NewServer(httpHandler(srv))
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, sessions: sessions, cmds: sub.cmds}
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readMessage(t *testing.T, ws *websocket.Conn) models.ServerMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg models.ServerMessage
	require.NoError(t, ws.ReadJSON(&msg))
	return msg
}

func TestConnectAssignsBrowser(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 2, fakeAssigner{}, nil)
	ws := ts.dial(t)

	msg := readMessage(t, ws)
	assert.Equal(t, models.TypeConnected, msg.Type)
	assert.NotEmpty(t, msg.SessionID)
	assert.Equal(t, "b-"+msg.SessionID[:8], msg.BrowserID)

	s, ok := ts.sessions.Get(msg.SessionID)
	require.True(t, ok)
	browserID, workerID := s.Browser()
	assert.Equal(t, msg.BrowserID, browserID)
	assert.Equal(t, "worker-1", workerID)
}

func TestConnectWithoutWorkersStaysOpen(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 2, fakeAssigner{err: pool.ErrNoAvailableWorkers}, nil)
	ws := ts.dial(t)

	msg := readMessage(t, ws)
	assert.Equal(t, models.TypeConnected, msg.Type)
	assert.Empty(t, msg.BrowserID)
	assert.Equal(t, 1, ts.sessions.Count())

	require.NoError(t, ws.WriteJSON(models.ClientCommand{Cmd: "click", X: 1, Y: 1}))
	select {
	case cmd := <-ts.cmds:
		assert.Equal(t, protocol.CmdClick, cmd.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("command not submitted")
	}
}

func TestEleventhClientRefused(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 10, fakeAssigner{}, nil)
	for i := 0; i < 10; i++ {
		ws := ts.dial(t)
		require.Equal(t, models.TypeConnected, readMessage(t, ws).Type)
	}

	ws := ts.dial(t)
	msg := readMessage(t, ws)
	assert.Equal(t, models.TypeError, msg.Type)
	assert.Contains(t, msg.Message, "Server at capacity")

	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 10, ts.sessions.Count())
}

func TestCommandsAreValidated(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 1, fakeAssigner{}, nil)
	ws := ts.dial(t)
	readMessage(t, ws)

	require.NoError(t, ws.WriteJSON(models.ClientCommand{Cmd: "nav", URL: "example.com"}))
	cmd := <-ts.cmds
	assert.Equal(t, protocol.CmdNavigate, cmd.Kind)
	assert.Equal(t, "example.com", cmd.URL)

	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{name: "not json", payload: "hello", want: "Invalid message"},
		{name: "missing cmd", payload: `{"url":"x"}`, want: "missing cmd"},
		{name: "unknown cmd", payload: `{"cmd":"drag"}`, want: "unknown command: drag"},
		{name: "nav without url", payload: `{"cmd":"nav"}`, want: "nav requires a url"},
		{name: "empty type", payload: `{"cmd":"type"}`, want: "type requires text"},
	}
	for _, tc := range tests {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(tc.payload)), tc.name)
		msg := readMessage(t, ws)
		assert.Equal(t, models.TypeError, msg.Type, tc.name)
		assert.Contains(t, msg.Message, tc.want, tc.name)
	}
	assert.Empty(t, ts.cmds)
}

func TestCommandRateLimit(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 1, fakeAssigner{}, ratelimit.NewLimiter(0.001, 1))
	ws := ts.dial(t)
	readMessage(t, ws)

	require.NoError(t, ws.WriteJSON(models.ClientCommand{Cmd: "click"}))
	<-ts.cmds
	require.NoError(t, ws.WriteJSON(models.ClientCommand{Cmd: "click"}))
	msg := readMessage(t, ws)
	assert.Equal(t, models.TypeError, msg.Type)
	assert.Contains(t, msg.Message, "Rate limit")
}

func TestDisconnectRemovesSession(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, 1, fakeAssigner{}, nil)
	ws := ts.dial(t)
	readMessage(t, ws)
	require.Equal(t, 1, ts.sessions.Count())

	ws.Close()
	require.Eventually(t, func() bool { return ts.sessions.Count() == 0 }, 2*time.Second, 10*time.Millisecond)

	// The slot is free again.
	ws = ts.dial(t)
	assert.Equal(t, models.TypeConnected, readMessage(t, ws).Type)
}

func TestSendBufferBoundsPendingBytes(t *testing.T) {
	t.Parallel()

	c := newClientConn(nil, Options{SendBuffer: 1}, "test", zap.NewNop())
	require.NoError(t, c.SendFrame(make([]byte, 10)))
	assert.ErrorIs(t, c.SendFrame(make([]byte, 20)), ErrSendBufferFull)
	assert.Equal(t, 10, c.Buffered())

	require.NoError(t, c.Close())
	assert.ErrorIs(t, c.SendJSON(models.Error("x")), ErrConnClosed)
}

func TestEvictionDuringAssignClosesBrowser(t *testing.T) {
	t.Parallel()

	var sessions *session.Manager
	assigner := fakeAssigner{
		onAssign: func(sessionID string) { sessions.Remove(sessionID, "evicted") },
		closed:   make(chan string, 1),
	}
	ts := newTestServer(t, 1, assigner, nil)
	sessions = ts.sessions

	ws := ts.dial(t)
	select {
	case browserID := <-assigner.closed:
		assert.True(t, strings.HasPrefix(browserID, "b-"))
	case <-time.After(2 * time.Second):
		t.Fatal("browser of evicted session was not closed")
	}

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Equal(t, 0, ts.sessions.Count())
}
