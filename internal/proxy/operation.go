package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/testhive/testhive/internal/channel"
	"github.com/testhive/testhive/internal/extensions"
	"github.com/testhive/testhive/internal/hosting"
	"github.com/testhive/testhive/internal/model"
)

// Options configures a proxy manager. Provider and Dial are required.
type Options struct {
	Provider  hosting.Provider
	Dial      channel.Factory
	StartInfo hosting.StartInfo

	// ConnectTimeout bounds the wait for a launched host to connect
	// back, model.DefaultConnectTimeout when zero.
	ConnectTimeout time.Duration

	// Cache holds adapter paths already known to the caller. May be nil.
	Cache *extensions.Cache

	// DefaultAdapters are the default extension paths for this host kind.
	DefaultAdapters []string
}

// operation is the shared base of the discovery and execution proxy
// managers: one session, one state machine, one host.
type operation struct {
	opts Options
	id   uuid.UUID

	mu           sync.Mutex
	state        State
	session      channel.Session
	sessionReady bool
	aborted      bool
}

func newOperation(opts Options) operation {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = model.DefaultConnectTimeout
	}
	return operation{
		opts:  opts,
		id:    uuid.New(),
		state: StateCreated,
	}
}

func (o *operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *operation) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = s
}

func (o *operation) sess() channel.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// setupChannel launches the host if the session is not already
// connected and blocks until the host dials back or the timeout
// expires. Failure is returned, never retried.
func (o *operation) setupChannel(ctx context.Context) error {
	o.mu.Lock()
	if o.aborted {
		o.mu.Unlock()
		return model.ErrAborted
	}
	if o.sessionReady {
		// shared host reused for another batch
		o.mu.Unlock()
		return nil
	}
	o.state = StateChannelPending
	o.mu.Unlock()

	sess, err := o.opts.Dial()
	if err != nil {
		return o.commFailed(fmt.Errorf("opening channel: %w", err))
	}
	o.mu.Lock()
	o.session = sess
	o.mu.Unlock()

	port, err := sess.InitializeCommunication()
	if err != nil {
		return o.commFailed(fmt.Errorf("initializing communication: %w", err))
	}

	slog.DebugContext(ctx, "launching test host", "port", port)
	if err := o.opts.Provider.Launch(ctx, o.opts.StartInfo.WithPort(port)); err != nil {
		return o.commFailed(err)
	}

	if err := sess.WaitForConnection(ctx, o.opts.ConnectTimeout); err != nil {
		return o.commFailed(err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.aborted {
		// abort raced with the connect, do not hand the session out
		return model.ErrAborted
	}
	o.state = StateChannelReady
	o.sessionReady = true
	return nil
}

func (o *operation) commFailed(err error) error {
	o.mu.Lock()
	o.state = StateCommunicationFailed
	o.mu.Unlock()
	return err
}

// initializeExtensions sends the adapter extension set to the host.
// The set unions the host kind's defaults with the caller's cache,
// order-preserving and case-insensitive deduplicated. An empty cache
// skips the whole exchange, a failure degrades instead of aborting.
func (o *operation) initializeExtensions(ctx context.Context, send func(paths []string) error) {
	var cached []string
	if o.opts.Cache != nil {
		cached = o.opts.Cache.Paths()
	}
	if len(cached) == 0 && len(o.opts.DefaultAdapters) == 0 {
		return
	}
	paths := o.opts.Provider.Extensions(o.opts.DefaultAdapters, cached)
	if len(paths) == 0 {
		return
	}
	if err := send(paths); err != nil {
		slog.WarnContext(ctx, "initializing extensions failed, continuing without", "error", err)
		return
	}
	o.mu.Lock()
	if o.state == StateChannelReady {
		o.state = StateExtensionsInitialized
	}
	o.mu.Unlock()
}

// completeUnit tears the session down after one unit of work when the
// host is single-use. Shared hosts keep their channel for the next
// batch, the final Close does the teardown. A communication failure is
// terminal, the state stays put and the broken session is released even
// for a shared host.
func (o *operation) completeUnit(aborted bool) {
	o.mu.Lock()
	failed := o.state == StateCommunicationFailed
	if !failed {
		if aborted {
			o.state = StateAborted
		} else {
			o.state = StateCompleted
		}
	}
	o.mu.Unlock()
	if failed || !o.opts.Provider.Shared() {
		o.teardown()
	}
}

// Abort stops the operation cooperatively. Safe to call before any
// session exists, a not-yet-launched host will never be launched.
func (o *operation) Abort() {
	o.mu.Lock()
	o.aborted = true
	sess := o.session
	o.mu.Unlock()
	if sess != nil {
		_ = sess.Abort()
	}
}

// Close releases the session and, for single-use hosts, requests the
// host's termination. Always safe to call, also repeatedly.
func (o *operation) Close() {
	o.teardown()
}

func (o *operation) teardown() {
	o.mu.Lock()
	sess := o.session
	o.session = nil
	o.sessionReady = false
	o.mu.Unlock()
	if sess != nil {
		_ = sess.Close()
	}
	if !o.opts.Provider.Shared() {
		_ = o.opts.Provider.Terminate()
	}
}
