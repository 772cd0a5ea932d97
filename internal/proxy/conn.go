package proxy

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrSendBufferFull = errors.New("send buffer full")
	ErrConnClosed     = errors.New("connection closed")
)

type outbound struct {
	kind int
	data []byte
}

// clientConn serializes every write to one websocket through a single
// writer goroutine. pending counts bytes accepted but not yet written and
// is the backpressure gauge for frame pacing.
type clientConn struct {
	ws           *websocket.Conn
	out          chan outbound
	pending      atomic.Int64
	writeTimeout time.Duration
	pingInterval time.Duration
	remote       string
	log          *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	finished  chan struct{}
}

func newClientConn(ws *websocket.Conn, opts Options, remote string, log *zap.Logger) *clientConn {
	return &clientConn{
		ws:           ws,
		out:          make(chan outbound, opts.SendBuffer),
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		remote:       remote,
		log:          log,
		done:         make(chan struct{}),
		finished:     make(chan struct{}),
	}
}

func (c *clientConn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueue(websocket.TextMessage, data)
}

// SendFrame never blocks: a full buffer drops the frame.
func (c *clientConn) SendFrame(frame []byte) error {
	return c.enqueue(websocket.BinaryMessage, frame)
}

func (c *clientConn) enqueue(kind int, data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	c.pending.Add(int64(len(data)))
	select {
	case c.out <- outbound{kind: kind, data: data}:
		return nil
	default:
		c.pending.Add(-int64(len(data)))
		return ErrSendBufferFull
	}
}

func (c *clientConn) Buffered() int { return int(c.pending.Load()) }

func (c *clientConn) RemoteAddr() string { return c.remote }

// Close stops accepting messages. The writer flushes what is queued, sends
// a close frame and closes the socket.
func (c *clientConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// wait blocks until the writer has closed the socket.
func (c *clientConn) wait() {
	<-c.finished
}

func (c *clientConn) writeLoop() {
	defer close(c.finished)
	defer c.ws.Close()

	var ping <-chan time.Time
	if c.pingInterval > 0 {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				c.log.Debug("write failed", zap.String("remote", c.remote), zap.Error(err))
				c.Close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.flush()
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		}
	}
}

func (c *clientConn) flush() {
	for {
		select {
		case msg := <-c.out:
			if err := c.write(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *clientConn) write(msg outbound) error {
	defer c.pending.Add(-int64(len(msg.data)))
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(msg.kind, msg.data)
}
