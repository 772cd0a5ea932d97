package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/protocol"
	"github.com/shehryarbajwa/browserbase-stream/internal/worker"
)

// Conn is the supervisor's end of one running worker.
type Conn interface {
	Send(req protocol.Request) error
	// Messages is closed once the worker has exited and Wait will not block.
	Messages() <-chan protocol.Message
	// Wait returns the worker's exit error; nil means a clean exit.
	Wait() error
	Kill() error
}

// Launcher starts a worker and returns a connection to it.
type Launcher interface {
	Launch(ctx context.Context, workerID string) (Conn, error)
}

// ProcessLauncher runs each worker as a child process speaking the worker
// protocol on stdin/stdout. Stderr lines are relayed into the log.
type ProcessLauncher struct {
	Path string
	Args func(workerID string) []string
	Log  *zap.Logger
}

func (l *ProcessLauncher) Launch(ctx context.Context, workerID string) (Conn, error) {
	cmd := exec.Command(l.Path, l.Args(workerID)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe failed: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe failed: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}

	log := l.Log.With(zap.String("worker", workerID), zap.Int("pid", cmd.Process.Pid))
	pc := &processConn{
		cmd:    cmd,
		stdin:  stdin,
		enc:    protocol.NewEncoder(stdin),
		msgs:   make(chan protocol.Message, 64),
		exited: make(chan struct{}),
	}

	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Info("worker output", zap.String("line", scanner.Text()))
		}
	}()

	go func() {
		dec := protocol.NewDecoder(stdout)
		for {
			var msg protocol.Message
			err := dec.Decode(&msg)
			if errors.Is(err, protocol.ErrMalformed) {
				log.Warn("malformed worker message", zap.Error(err))
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Warn("worker stdout error", zap.Error(err))
				}
				break
			}
			pc.msgs <- msg
		}
		// Wait closes the pipes, so every reader must be finished first.
		stderrDone.Wait()
		pc.err = cmd.Wait()
		close(pc.exited)
		close(pc.msgs)
	}()

	return pc, nil
}

type processConn struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	enc    *protocol.Encoder
	msgs   chan protocol.Message
	exited chan struct{}
	err    error
}

func (c *processConn) Send(req protocol.Request) error {
	select {
	case <-c.exited:
		return ErrWorkerExited
	default:
	}
	return c.enc.Encode(req)
}

func (c *processConn) Messages() <-chan protocol.Message { return c.msgs }

func (c *processConn) Wait() error {
	<-c.exited
	return c.err
}

func (c *processConn) Kill() error {
	select {
	case <-c.exited:
		return nil
	default:
	}
	_ = c.stdin.Close()
	return c.cmd.Process.Kill()
}

// WorkerFactory builds an in-process worker. The returned closer releases
// its backend once the worker stops.
type WorkerFactory func(ctx context.Context, workerID string) (*worker.Worker, io.Closer, error)

// InProcessLauncher runs workers as goroutines connected through pipes. It
// keeps the same message-passing boundary as child processes; a panic in
// the worker is reported as its exit error.
type InProcessLauncher struct {
	New WorkerFactory
}

func (l *InProcessLauncher) Launch(ctx context.Context, workerID string) (Conn, error) {
	w, closer, err := l.New(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker: %w", err)
	}

	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	wctx, cancel := context.WithCancel(context.Background())

	c := &pipeConn{
		reqW:   reqW,
		enc:    protocol.NewEncoder(reqW),
		msgs:   make(chan protocol.Message, 64),
		exited: make(chan struct{}),
		served: make(chan struct{}),
		cancel: cancel,
	}

	go func() {
		defer close(c.served)
		defer func() {
			if r := recover(); r != nil {
				c.err = fmt.Errorf("worker panicked: %v", r)
			}
			if closer != nil {
				_ = closer.Close()
			}
			reqR.CloseWithError(ErrWorkerExited)
			respW.Close()
		}()
		c.err = w.Serve(wctx, reqR, respW)
	}()

	go func() {
		dec := protocol.NewDecoder(respR)
		for {
			var msg protocol.Message
			if err := dec.Decode(&msg); err != nil {
				if errors.Is(err, protocol.ErrMalformed) {
					continue
				}
				break
			}
			c.msgs <- msg
		}
		<-c.served
		close(c.exited)
		close(c.msgs)
	}()

	return c, nil
}

type pipeConn struct {
	reqW   *io.PipeWriter
	enc    *protocol.Encoder
	msgs   chan protocol.Message
	exited chan struct{}
	served chan struct{}
	cancel context.CancelFunc
	err    error
}

func (c *pipeConn) Send(req protocol.Request) error {
	select {
	case <-c.served:
		return ErrWorkerExited
	default:
	}
	return c.enc.Encode(req)
}

func (c *pipeConn) Messages() <-chan protocol.Message { return c.msgs }

func (c *pipeConn) Wait() error {
	<-c.exited
	return c.err
}

func (c *pipeConn) Kill() error {
	c.cancel()
	return c.reqW.Close()
}
