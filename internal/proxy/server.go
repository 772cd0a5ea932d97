// Package proxy terminates client websocket connections: admission, the
// JSON command channel in and the frame/control channel out.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/config"
	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
	"github.com/shehryarbajwa/browserbase-stream/internal/queue"
	"github.com/shehryarbajwa/browserbase-stream/internal/ratelimit"
	"github.com/shehryarbajwa/browserbase-stream/internal/session"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Options struct {
	SendBuffer      int
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
}

func OptionsFrom(cfg config.ServerConfig) Options {
	return Options{
		SendBuffer:      cfg.SendBuffer,
		PingInterval:    cfg.PingInterval,
		WriteTimeout:    cfg.WriteTimeout,
		MaxMessageBytes: cfg.MaxMessageBytes,
	}
}

// Submitter accepts commands for asynchronous execution.
type Submitter interface {
	Submit(sessionID string, cmd protocol.Command, done func(error)) error
}

type Assigner interface {
	AssignBrowser(ctx context.Context, sessionID string) (pool.Assignment, error)
	CloseBrowser(ctx context.Context, browserID string)
}

type Server struct {
	sessions *session.Manager
	commands Submitter
	assigner Assigner
	limiter  *ratelimit.Limiter
	opts     Options
	log      *zap.Logger
}

func NewServer(sessions *session.Manager, commands Submitter, assigner Assigner, limiter *ratelimit.Limiter, opts Options, log *zap.Logger) *Server {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 32
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		sessions: sessions,
		commands: commands,
		assigner: assigner,
		limiter:  limiter,
		opts:     opts,
		log:      log,
	}
}

// HandleConnection serves one client for the lifetime of its websocket.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	conn := newClientConn(ws, s.opts, r.RemoteAddr, s.log)
	go conn.writeLoop()
	defer conn.wait()

	sess, err := s.sessions.Create(conn)
	if err != nil {
		if errors.Is(err, session.ErrAtCapacity) {
			s.log.Warn("connection refused, server at capacity",
				zap.String("remote", r.RemoteAddr),
				zap.Int("sessions", s.sessions.Count()))
			_ = conn.SendJSON(models.Error("Server at capacity, please try again later"))
		}
		conn.Close()
		return
	}
	defer s.limiter.Forget(sess.ID)
	defer s.sessions.Remove(sess.ID, "disconnected")

	browserID := ""
	if a, err := s.assigner.AssignBrowser(r.Context(), sess.ID); err != nil {
		s.log.Warn("no browser at connect, will retry on first command",
			zap.String("session", sess.ID), zap.Error(err))
	} else if sess.Assign(a.BrowserID, a.WorkerID) {
		browserID = a.BrowserID
	} else {
		// Evicted during the assignment.
		s.assigner.CloseBrowser(context.WithoutCancel(r.Context()), a.BrowserID)
		return
	}
	_ = sess.Send(models.Connected(sess.ID, browserID))

	s.readLoop(ws, sess)
}

func (s *Server) readLoop(ws *websocket.Conn, sess *session.Session) {
	ws.SetReadLimit(s.opts.MaxMessageBytes)
	if s.opts.PingInterval > 0 {
		pongWait := 2 * s.opts.PingInterval
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
	}

	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.log.Info("client connection error", zap.String("session", sess.ID), zap.Error(err))
			}
			return
		}
		if s.opts.PingInterval > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.handleMessage(sess, data)
	}
}

func (s *Server) handleMessage(sess *session.Session, data []byte) {
	now := time.Now()
	sess.Touch(now)

	var msg models.ClientCommand
	if err := json.Unmarshal(data, &msg); err != nil {
		sess.CountError()
		_ = sess.Send(models.Error("Invalid message: expected a JSON command"))
		return
	}

	cmd, err := ParseCommand(msg)
	if err != nil {
		sess.CountError()
		_ = sess.Send(models.Error(err.Error()))
		return
	}

	if !s.limiter.Allow(sess.ID) {
		_ = sess.Send(models.Error("Rate limit exceeded, slow down"))
		return
	}

	if cmd.Kind != protocol.CmdScreenshot {
		sess.RecordActivity(now)
	}

	if err := s.commands.Submit(sess.ID, cmd, nil); err != nil {
		sess.CountError()
		if errors.Is(err, queue.ErrQueueFull) {
			_ = sess.Send(models.Error("Server busy, command rejected"))
			return
		}
		_ = sess.Send(models.Error(fmt.Sprintf("Command rejected: %v", err)))
	}
}

// ParseCommand validates a client command.
func ParseCommand(msg models.ClientCommand) (protocol.Command, error) {
	cmd := protocol.Command{
		Kind: protocol.CommandKind(msg.Cmd),
		URL:  msg.URL,
		X:    msg.X,
		Y:    msg.Y,
		DY:   msg.DY,
		Text: msg.Text,
	}
	if msg.Cmd == "" {
		return cmd, errors.New("missing cmd field")
	}
	if !cmd.Kind.Valid() {
		return cmd, fmt.Errorf("unknown command: %s", msg.Cmd)
	}
	switch cmd.Kind {
	case protocol.CmdNavigate:
		if cmd.URL == "" {
			return cmd, errors.New("nav requires a url")
		}
	case protocol.CmdType:
		if cmd.Text == "" {
			return cmd, errors.New("type requires text")
		}
	case protocol.CmdClick:
		if cmd.X < 0 || cmd.Y < 0 {
			return cmd, errors.New("click coordinates must not be negative")
		}
	}
	return cmd, nil
}
