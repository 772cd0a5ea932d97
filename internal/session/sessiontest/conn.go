// Package sessiontest provides a recording session.Conn for tests.
package sessiontest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

var ErrClosed = errors.New("connection closed")

// Conn records everything sent to it. Pending sets what Buffered reports.
type Conn struct {
	Pending atomic.Int64
	// SendErr, when set, fails every SendFrame.
	SendErr error

	mu       sync.Mutex
	messages []models.ServerMessage
	frames   [][]byte
	closed   bool
}

func NewConn() *Conn {
	return &Conn{}
}

func (c *Conn) SendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if msg, ok := v.(models.ServerMessage); ok {
		c.messages = append(c.messages, msg)
	}
	return nil
}

func (c *Conn) SendFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *Conn) Buffered() int { return int(c.Pending.Load()) }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) RemoteAddr() string { return "127.0.0.1:0" }

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Messages() []models.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ServerMessage(nil), c.messages...)
}

// MessagesOfType filters Messages by type.
func (c *Conn) MessagesOfType(typ string) []models.ServerMessage {
	var out []models.ServerMessage
	for _, m := range c.Messages() {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (c *Conn) Frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}
