// Package browser is the boundary to the automation backend. Workers only
// talk to Backend and Page; any implementation (rod driving a local Chrome,
// a browserless container, or an in-memory fake) is interchangeable.
package browser

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/config"
)

// ErrPageClosed is returned by Page methods after Close or a crash.
var ErrPageClosed = errors.New("page closed")

// Backend creates isolated automation contexts.
type Backend interface {
	NewSession(ctx context.Context) (Page, error)
	Close() error
}

// Page is one isolated browser context with a single tab.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Click(ctx context.Context, x, y float64) error
	Type(ctx context.Context, text string) error
	PressKey(ctx context.Context, key string) error
	Scroll(ctx context.Context, dy float64) error
	Back(ctx context.Context) error
	Forward(ctx context.Context) error
	Reload(ctx context.Context) error
	// ReadyState returns document.readyState.
	ReadyState(ctx context.Context) (string, error)
	CaptureFrame(ctx context.Context) ([]byte, error)
	URL(ctx context.Context) string
	// Crashed is closed when the underlying target dies.
	Crashed() <-chan struct{}
	Close() error
}

var namedKeys = map[string]struct{}{
	"Enter": {}, "Backspace": {}, "Tab": {}, "Escape": {}, "Delete": {},
	"ArrowUp": {}, "ArrowDown": {}, "ArrowLeft": {}, "ArrowRight": {},
	"Home": {}, "End": {}, "PageUp": {}, "PageDown": {},
}

// IsNamedKey reports whether text names a special key rather than
// characters to insert.
func IsNamedKey(text string) bool {
	_, ok := namedKeys[text]
	return ok
}

// Open builds the backend selected by cfg.Provider for one worker.
func Open(ctx context.Context, cfg config.BrowserConfig, workerID string, log *zap.Logger) (Backend, error) {
	opts := RodOptions{
		Bin:               cfg.Bin,
		Headless:          cfg.Headless,
		ViewportWidth:     cfg.ViewportWidth,
		ViewportHeight:    cfg.ViewportHeight,
		NavigationTimeout: cfg.NavigationTimeout,
		JPEGQuality:       cfg.JPEGQuality,
	}

	switch cfg.Provider {
	case "local":
		return NewRodBackend(ctx, opts, log)
	case "remote":
		opts.ControlURL = cfg.RemoteURL
		return NewRodBackend(ctx, opts, log)
	case "docker":
		provider, err := NewDockerProvider(cfg.DockerImage, log)
		if err != nil {
			return nil, err
		}
		if err := provider.EnsureImage(ctx); err != nil {
			provider.Close()
			return nil, fmt.Errorf("failed to ensure image: %w", err)
		}
		container, err := provider.Launch(ctx, workerID)
		if err != nil {
			provider.Close()
			return nil, err
		}
		opts.ControlURL = container.ControlURL
		backend, err := NewRodBackend(ctx, opts, log)
		if err != nil {
			provider.Release(container)
			return nil, err
		}
		backend.onClose = func() error { return provider.Release(container) }
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported browser provider %q", cfg.Provider)
	}
}
