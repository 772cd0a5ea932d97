package worker

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/browser"
	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
)

// Execute runs one command against a hosted browser.
func (w *Worker) Execute(ctx context.Context, browserID string, cmd protocol.Command) (*protocol.Result, error) {
	inst, ok := w.lookup(browserID)
	if !ok {
		return nil, errBrowserNotFound(browserID)
	}
	if cmd.Kind == protocol.CmdScreenshot {
		return w.CaptureFrame(ctx, browserID)
	}

	w.commands.Add(1)

	timeout := w.cfg.CommandTimeout
	if cmd.Kind.Navigates() {
		timeout = w.cfg.NavigationTimeout
		inst.navigating.Add(1)
		defer inst.navigating.Add(-1)
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	page := inst.page
	var err error
	switch cmd.Kind {
	case protocol.CmdNavigate:
		url := normalizeURL(cmd.URL)
		if url == "" {
			return nil, &opError{code: protocol.CodeBadRequest, msg: "nav requires a url"}
		}
		err = page.Navigate(cctx, url)
	case protocol.CmdClick:
		err = page.Click(cctx, cmd.X, cmd.Y)
	case protocol.CmdType:
		if cmd.Text == "" {
			return nil, &opError{code: protocol.CodeBadRequest, msg: "type requires text"}
		}
		if browser.IsNamedKey(cmd.Text) {
			err = page.PressKey(cctx, cmd.Text)
		} else {
			err = page.Type(cctx, cmd.Text)
		}
	case protocol.CmdScroll:
		err = page.Scroll(cctx, cmd.DY)
	case protocol.CmdBack:
		err = page.Back(cctx)
	case protocol.CmdForward:
		err = page.Forward(cctx)
	case protocol.CmdRefresh:
		err = page.Reload(cctx)
	default:
		return nil, &opError{code: protocol.CodeBadRequest, msg: fmt.Sprintf("unknown command %q", cmd.Kind)}
	}

	if err != nil {
		w.errors.Add(1)
		w.log.Debug("command failed",
			zap.String("browser", browserID),
			zap.String("cmd", string(cmd.Kind)),
			zap.Error(err))
		return nil, &opError{code: protocol.CodeCommandFailed, msg: fmt.Sprintf("%s failed: %v", cmd.Kind, err)}
	}

	uctx, ucancel := context.WithTimeout(ctx, w.cfg.CommandTimeout)
	defer ucancel()
	return &protocol.Result{URL: page.URL(uctx)}, nil
}

// CaptureFrame never blocks on a busy page: a navigating or loading page is
// reported as a skip, and a capture that overruns the capture timeout is a
// skip rather than an error.
func (w *Worker) CaptureFrame(ctx context.Context, browserID string) (*protocol.Result, error) {
	inst, ok := w.lookup(browserID)
	if !ok {
		return nil, errBrowserNotFound(browserID)
	}

	if inst.navigating.Load() > 0 {
		return skip(protocol.SkipNavigating, "Page is loading"), nil
	}

	cctx, cancel := context.WithTimeout(ctx, w.cfg.CaptureTimeout)
	defer cancel()

	state, err := inst.page.ReadyState(cctx)
	if err != nil {
		if cctx.Err() != nil {
			return skip(protocol.SkipTimeout, "Page did not respond in time"), nil
		}
		w.errors.Add(1)
		return nil, &opError{code: protocol.CodeCommandFailed, msg: fmt.Sprintf("ready state: %v", err)}
	}
	if state != "complete" {
		return skip(protocol.SkipNotReady, "Page is still loading"), nil
	}

	frame, err := inst.page.CaptureFrame(cctx)
	if err != nil {
		if cctx.Err() != nil {
			return skip(protocol.SkipTimeout, "Screenshot timed out"), nil
		}
		w.errors.Add(1)
		return nil, &opError{code: protocol.CodeCommandFailed, msg: fmt.Sprintf("capture: %v", err)}
	}

	w.frames.Add(1)
	return &protocol.Result{Frame: frame}, nil
}

func skip(reason, message string) *protocol.Result {
	return &protocol.Result{
		Skipped: true,
		Reason:  reason,
		Loading: reason != protocol.SkipTimeout,
		Message: message,
	}
}

func normalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if !strings.Contains(raw, "://") && !strings.HasPrefix(raw, "about:") {
		return "https://" + raw
	}
	return raw
}
