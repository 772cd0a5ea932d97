package browser

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

const closeTimeout = 5 * time.Second

// RodOptions configures a RodBackend. An empty ControlURL launches a local
// Chrome through the rod launcher.
type RodOptions struct {
	ControlURL        string
	Bin               string
	Headless          bool
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	JPEGQuality       int
}

// RodBackend drives one Chrome over CDP. Each session gets its own
// incognito browser context, so cookies and storage never leak between
// sessions sharing a worker.
type RodBackend struct {
	opts     RodOptions
	browser  *rod.Browser
	launcher *launcher.Launcher
	log      *zap.Logger
	onClose  func() error
}

func NewRodBackend(ctx context.Context, opts RodOptions, log *zap.Logger) (*RodBackend, error) {
	if opts.ViewportWidth == 0 {
		opts.ViewportWidth = 1280
	}
	if opts.ViewportHeight == 0 {
		opts.ViewportHeight = 800
	}
	if opts.NavigationTimeout == 0 {
		opts.NavigationTimeout = 30 * time.Second
	}
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = 60
	}

	b := &RodBackend{opts: opts, log: log}

	controlURL := opts.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(opts.Headless).
			Set(flags.Flag("disable-gpu")).
			Set(flags.Flag("disable-dev-shm-usage"))
		if opts.Bin != "" {
			l = l.Bin(opts.Bin)
		}
		url, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch chrome: %w", err)
		}
		b.launcher = l
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		b.killLauncher()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}
	b.browser = browser

	log.Info("chrome connected", zap.String("control_url", controlURL))
	return b, nil
}

func (b *RodBackend) NewSession(ctx context.Context) (Page, error) {
	incognito, err := b.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = incognito.Close()
		return nil, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.opts.ViewportWidth,
		Height:            b.opts.ViewportHeight,
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		b.log.Warn("failed to set viewport", zap.Error(err))
	}

	// The page and its browser context outlive the creating request, so
	// they get their own lifetime.
	pctx, cancel := context.WithCancel(context.Background())
	rp := &rodPage{
		page:      page.Context(pctx),
		incognito: incognito.Context(pctx),
		opts:      b.opts,
		cancel:    cancel,
		crashed:   make(chan struct{}),
	}

	go rp.page.EachEvent(func(e *proto.InspectorTargetCrashed) bool {
		rp.markCrashed()
		return true
	}, func(e *proto.InspectorDetached) bool {
		rp.markCrashed()
		return true
	})()

	return rp, nil
}

func (b *RodBackend) Close() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	b.killLauncher()
	if b.onClose != nil {
		if cerr := b.onClose(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (b *RodBackend) killLauncher() {
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher.Cleanup()
	}
}

type rodPage struct {
	page      *rod.Page
	incognito *rod.Browser
	opts      RodOptions
	cancel    context.CancelFunc

	crashOnce sync.Once
	crashed   chan struct{}
	closeOnce sync.Once
}

func (p *rodPage) markCrashed() {
	p.crashOnce.Do(func() { close(p.crashed) })
}

func (p *rodPage) Crashed() <-chan struct{} {
	return p.crashed
}

func (p *rodPage) with(ctx context.Context) *rod.Page {
	return p.page.Context(ctx)
}

func (p *rodPage) Navigate(ctx context.Context, url string) error {
	page := p.with(ctx).Timeout(p.opts.NavigationTimeout)
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return page.WaitLoad()
}

func (p *rodPage) Click(ctx context.Context, x, y float64) error {
	page := p.with(ctx)
	events := []proto.InputDispatchMouseEvent{
		{Type: proto.InputDispatchMouseEventTypeMouseMoved, X: x, Y: y},
		{Type: proto.InputDispatchMouseEventTypeMousePressed, X: x, Y: y, Button: proto.InputMouseButtonLeft, ClickCount: 1},
		{Type: proto.InputDispatchMouseEventTypeMouseReleased, X: x, Y: y, Button: proto.InputMouseButtonLeft, ClickCount: 1},
	}
	for _, e := range events {
		if err := e.Call(page); err != nil {
			return fmt.Errorf("click: %w", err)
		}
	}
	return nil
}

func (p *rodPage) Type(ctx context.Context, text string) error {
	if err := (proto.InputInsertText{Text: text}).Call(p.with(ctx)); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	return nil
}

var rodKeys = map[string]input.Key{
	"Enter":      input.Enter,
	"Backspace":  input.Backspace,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Delete":     input.Delete,
	"ArrowUp":    input.ArrowUp,
	"ArrowDown":  input.ArrowDown,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"Home":       input.Home,
	"End":        input.End,
	"PageUp":     input.PageUp,
	"PageDown":   input.PageDown,
}

func (p *rodPage) PressKey(ctx context.Context, key string) error {
	k, ok := rodKeys[key]
	if !ok {
		return fmt.Errorf("unknown key %q", key)
	}
	if err := p.with(ctx).Keyboard.Type(k); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

func (p *rodPage) Scroll(ctx context.Context, dy float64) error {
	err := proto.InputDispatchMouseEvent{
		Type:   proto.InputDispatchMouseEventTypeMouseWheel,
		X:      float64(p.opts.ViewportWidth) / 2,
		Y:      float64(p.opts.ViewportHeight) / 2,
		DeltaX: 0,
		DeltaY: dy,
	}.Call(p.with(ctx))
	if err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

func (p *rodPage) Back(ctx context.Context) error {
	page := p.with(ctx).Timeout(p.opts.NavigationTimeout)
	if err := page.NavigateBack(); err != nil {
		return fmt.Errorf("back: %w", err)
	}
	return page.WaitLoad()
}

func (p *rodPage) Forward(ctx context.Context) error {
	page := p.with(ctx).Timeout(p.opts.NavigationTimeout)
	if err := page.NavigateForward(); err != nil {
		return fmt.Errorf("forward: %w", err)
	}
	return page.WaitLoad()
}

func (p *rodPage) Reload(ctx context.Context) error {
	page := p.with(ctx).Timeout(p.opts.NavigationTimeout)
	if err := page.Reload(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	return page.WaitLoad()
}

func (p *rodPage) ReadyState(ctx context.Context) (string, error) {
	res, err := p.with(ctx).Eval(`() => document.readyState`)
	if err != nil {
		return "", fmt.Errorf("ready state: %w", err)
	}
	return res.Value.Str(), nil
}

func (p *rodPage) CaptureFrame(ctx context.Context) ([]byte, error) {
	quality := p.opts.JPEGQuality
	return p.with(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
	})
}

func (p *rodPage) URL(ctx context.Context) string {
	info, err := p.with(ctx).Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// Close disposes the page and its incognito context. It is bounded by
// closeTimeout so a wedged renderer cannot hold the caller.
func (p *rodPage) Close() error {
	var err error
	p.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		defer p.cancel()

		err = p.page.Context(ctx).Close()
		if cerr := p.incognito.Context(ctx).Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
