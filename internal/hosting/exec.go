package hosting

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testhive/testhive/internal/extensions"
	"github.com/testhive/testhive/internal/model"
)

var ErrAlreadyRunning = errors.New("test host already running")

// StderrFunc receives one stderr line of a running test host.
type StderrFunc func(ctx context.Context, line string)

// ExitResult describes how a test host process ended.
type ExitResult struct {
	HostID  uuid.UUID
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Stdout  *bytes.Buffer
	Err     error
}

// ExecOptions configures an ExecLauncher.
type ExecOptions struct {
	Shared     bool
	Extensions []string // platform extension set for this host kind
	OnLaunched func(LaunchedEvent)
	Stderr     StderrFunc
}

// ExecLauncher is the default Provider, it runs one test host as a
// local child process. It ensures a single instance of the host is
// active and monitors it until exit.
type ExecLauncher struct {
	mx         sync.RWMutex
	opts       ExecOptions
	hostID     uuid.UUID
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     ExitResult
	waits      []chan ExitResult
}

var _ Provider = (*ExecLauncher)(nil)

func NewExecLauncher(opts ExecOptions) *ExecLauncher {
	return &ExecLauncher{
		opts:   opts,
		result: ExitResult{Err: model.ErrHostNotRunning},
	}
}

// ExecFactory returns a Factory constructing one ExecLauncher per call.
func ExecFactory(opts ExecOptions) Factory {
	return func() Provider {
		return NewExecLauncher(opts)
	}
}

func (l *ExecLauncher) Shared() bool {
	return l.opts.Shared
}

func (l *ExecLauncher) Extensions(defaults []string, extra []string) []string {
	return extensions.Distinct(defaults, l.opts.Extensions, extra)
}

// Launch starts the host process. It does NOT wait for the process to
// end, use ExitChan for that. A goroutine is spawned to monitor the
// command and its stderr.
func (l *ExecLauncher) Launch(ctx context.Context, info StartInfo) error {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.cmd != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	l.cancelFunc = cancel

	l.hostID = uuid.New()
	l.result = ExitResult{HostID: l.hostID}

	cmd := exec.CommandContext(ctx, info.Path, info.Args...)
	cmd.Env = append([]string(nil), info.Env...)
	cmd.Dir = info.Dir

	var stderr io.ReadCloser
	if l.opts.Stderr != nil {
		var err error
		stderr, err = cmd.StderrPipe()
		if err != nil {
			cancel()
			return err
		}
	}
	var buf bytes.Buffer
	l.result.Stdout = &buf
	cmd.Stdout = &buf

	l.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		cancel()
		l.cancelFunc = nil
		l.result.Stopped = time.Now().UTC()
		l.result.Err = err
		return fmt.Errorf("%w: %v", model.ErrHostLaunch, err)
	}
	l.cmd = cmd

	if l.opts.OnLaunched != nil {
		l.opts.OnLaunched(LaunchedEvent{HostID: l.hostID, PID: cmd.Process.Pid})
	}
	if stderr != nil {
		go l.processStderr(ctx, stderr)
	}
	go l.wait(cmd)
	return nil
}

func (l *ExecLauncher) processStderr(ctx context.Context, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		l.opts.Stderr(ctx, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "reading test host stderr", "error", err)
	}
}

func (l *ExecLauncher) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	stopped := time.Now().UTC()

	l.mx.Lock()
	if l.cancelFunc != nil {
		l.cancelFunc()
		l.cancelFunc = nil
	}
	l.result.Stopped = stopped
	l.result.State = cmd.ProcessState
	l.result.Err = err
	l.cmd = nil
	waits := l.waits
	l.waits = nil
	result := l.result
	l.mx.Unlock()

	for _, ch := range waits {
		ch <- result
		close(ch)
	}
}

// ExitChan returns a channel yielding the exit result of the running
// host, closed afterwards. When no host is running the last result is
// delivered immediately.
func (l *ExecLauncher) ExitChan() <-chan ExitResult {
	ch := make(chan ExitResult, 1)
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.cmd == nil {
		ch <- l.result
		close(ch)
		return ch
	}
	l.waits = append(l.waits, ch)
	return ch
}

// LastResult returns the most recent exit result, or one carrying
// ErrHostNotRunning if no host was ever launched.
func (l *ExecLauncher) LastResult() ExitResult {
	l.mx.RLock()
	defer l.mx.RUnlock()
	return l.result
}

// Terminate kills the running host process, if any.
func (l *ExecLauncher) Terminate() error {
	l.mx.Lock()
	cancel := l.cancelFunc
	l.mx.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
