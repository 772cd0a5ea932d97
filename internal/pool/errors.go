package pool

import (
	"errors"
	"fmt"

	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
)

var (
	ErrNoAvailableWorkers = errors.New("no available workers")
	ErrBrowserNotFound    = errors.New("browser not found")
	// ErrBrowserGone means the browser assignment was invalidated; the
	// caller should drop its browser id and assign a new browser.
	ErrBrowserGone  = errors.New("browser gone")
	ErrCallTimeout  = errors.New("worker call timed out")
	ErrWorkerExited = errors.New("worker exited")
	ErrClosed       = errors.New("supervisor closed")
)

// WorkerError is a failure reported by a worker in its response.
type WorkerError struct {
	WorkerID string
	Code     string
	Message  string
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s: %s (%s)", e.WorkerID, e.Message, e.Code)
}

func (e *WorkerError) Is(target error) bool {
	return target == ErrBrowserNotFound && e.Code == protocol.CodeBrowserNotFound
}
