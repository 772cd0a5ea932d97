// Package browsertest provides an in-memory browser.Backend for tests.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shehryarbajwa/browserbase-stream/internal/browser"
)

// Backend hands out fake pages and records them in creation order.
type Backend struct {
	mu      sync.Mutex
	pages   []*Page
	closed  bool
	NewErr  error
	// Frame is returned by every page's CaptureFrame unless overridden.
	Frame []byte
	// OnNew, when set, customizes each page as it is created.
	OnNew func(p *Page)
}

func NewBackend() *Backend {
	return &Backend{Frame: []byte{0xff, 0xd8, 0xff, 0xe0}}
}

func (b *Backend) NewSession(ctx context.Context) (browser.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.NewErr != nil {
		return nil, b.NewErr
	}
	if b.closed {
		return nil, errors.New("backend closed")
	}

	p := &Page{
		frame:      b.Frame,
		readyState: "complete",
		crashed:    make(chan struct{}),
	}
	if b.OnNew != nil {
		b.OnNew(p)
	}
	b.pages = append(b.pages, p)
	return p, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Pages returns every page created so far.
func (b *Backend) Pages() []*Page {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Page(nil), b.pages...)
}

// Page records every action applied to it.
type Page struct {
	mu         sync.Mutex
	actions    []string
	url        string
	readyState string
	frame      []byte
	closed     bool
	crashOnce  sync.Once
	crashed    chan struct{}

	// Block, when non-nil, makes every action wait until it is closed or
	// the action's context ends.
	Block chan struct{}
	// CaptureBlock does the same for CaptureFrame only.
	CaptureBlock chan struct{}
	// URLBlock does the same for URL, which then reports an empty URL.
	URLBlock chan struct{}
	// Err is returned by every action.
	Err error
}

func (p *Page) record(ctx context.Context, action string) error {
	if p.Block != nil {
		select {
		case <-p.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return browser.ErrPageClosed
	}
	if p.Err != nil {
		return p.Err
	}
	p.actions = append(p.actions, action)
	return nil
}

// Actions returns the recorded actions in order.
func (p *Page) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

// SetReadyState changes what ReadyState reports.
func (p *Page) SetReadyState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readyState = state
}

// Crash simulates a renderer crash.
func (p *Page) Crash() {
	p.crashOnce.Do(func() { close(p.crashed) })
}

func (p *Page) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.record(ctx, "nav "+url); err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	return nil
}

func (p *Page) Click(ctx context.Context, x, y float64) error {
	return p.record(ctx, fmt.Sprintf("click %g,%g", x, y))
}

func (p *Page) Type(ctx context.Context, text string) error {
	return p.record(ctx, "type "+text)
}

func (p *Page) PressKey(ctx context.Context, key string) error {
	return p.record(ctx, "key "+key)
}

func (p *Page) Scroll(ctx context.Context, dy float64) error {
	return p.record(ctx, fmt.Sprintf("scroll %g", dy))
}

func (p *Page) Back(ctx context.Context) error    { return p.record(ctx, "back") }
func (p *Page) Forward(ctx context.Context) error { return p.record(ctx, "forward") }
func (p *Page) Reload(ctx context.Context) error  { return p.record(ctx, "reload") }

func (p *Page) ReadyState(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", browser.ErrPageClosed
	}
	return p.readyState, nil
}

func (p *Page) CaptureFrame(ctx context.Context) ([]byte, error) {
	if p.CaptureBlock != nil {
		select {
		case <-p.CaptureBlock:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, browser.ErrPageClosed
	}
	return append([]byte(nil), p.frame...), nil
}

func (p *Page) URL(ctx context.Context) string {
	if p.URLBlock != nil {
		select {
		case <-p.URLBlock:
		case <-ctx.Done():
			return ""
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Crashed() <-chan struct{} {
	return p.crashed
}

func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
