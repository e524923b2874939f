package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/log"
	"github.com/testhive/testhive/internal/model"
)

// Discovery drives test discovery against one test host.
type Discovery struct {
	operation
}

var _ DiscoveryManager = (*Discovery)(nil)

func NewDiscovery(opts Options) *Discovery {
	return &Discovery{operation: newOperation(opts)}
}

// DiscoverTests runs one discovery request, streaming events into
// sink. It blocks until the terminal event has been delivered. Any
// failure surfaces as a terminal event with Aborted set, never as a
// missing terminal event.
func (d *Discovery) DiscoverTests(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) {
	ctx = log.ContextAttrs(ctx, slog.String("session", d.id.String()))

	if sink == nil {
		slog.ErrorContext(ctx, "discovery request dropped", "error", model.ErrNoSink)
		return
	}
	if len(criteria.Sources) == 0 {
		sink.HandleLogMessage(events.SeverityError, model.ErrNoSources.Error())
		sink.HandleDiscoveryComplete(events.DiscoveryComplete{})
		return
	}

	if err := d.setupChannel(ctx); err != nil {
		slog.ErrorContext(ctx, "test host setup failed", "error", err)
		sink.HandleLogMessage(events.SeverityError, fmt.Sprintf("test host setup failed: %v", err))
		d.completeUnit(true)
		sink.HandleDiscoveryComplete(events.DiscoveryComplete{Aborted: true})
		return
	}

	sess := d.sess()
	d.initializeExtensions(ctx, sess.InitializeDiscovery)

	d.setState(StateBusy)
	forward := &discoveryForwarder{op: &d.operation, sink: sink}
	if err := sess.DiscoverTests(ctx, criteria, forward); err != nil && !forward.completed() {
		// channel lost mid-request, keep what was streamed
		slog.ErrorContext(ctx, "discovery channel lost", "error", err)
		d.setState(StateCommunicationFailed)
		d.teardown()
		sink.HandleLogMessage(events.SeverityError, fmt.Sprintf("discovery failed: %v", err))
		sink.HandleDiscoveryComplete(events.DiscoveryComplete{
			TotalDiscovered: forward.total(),
			Aborted:         true,
		})
	}
}

// discoveryForwarder passes streamed events through unchanged and
// intercepts the terminal event, so the session is torn down before
// the caller learns the unit is done.
type discoveryForwarder struct {
	op   *operation
	sink events.DiscoverySink

	mu   sync.Mutex
	n    int64
	done bool
}

func (f *discoveryForwarder) HandleDiscoveredTests(tests []model.TestCase) {
	f.mu.Lock()
	f.n += int64(len(tests))
	f.mu.Unlock()
	f.sink.HandleDiscoveredTests(tests)
}

func (f *discoveryForwarder) HandleRawMessage(raw []byte) {
	f.sink.HandleRawMessage(raw)
}

func (f *discoveryForwarder) HandleLogMessage(severity events.Severity, message string) {
	f.sink.HandleLogMessage(severity, message)
}

func (f *discoveryForwarder) HandleDiscoveryComplete(complete events.DiscoveryComplete) {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	f.op.completeUnit(complete.Aborted)
	f.sink.HandleDiscoveryComplete(complete)
}

func (f *discoveryForwarder) completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *discoveryForwarder) total() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}
