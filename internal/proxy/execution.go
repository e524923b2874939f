package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/log"
	"github.com/testhive/testhive/internal/model"
)

// Execution drives test execution against one test host.
type Execution struct {
	operation
}

var _ RunManager = (*Execution)(nil)

func NewExecution(opts Options) *Execution {
	return &Execution{operation: newOperation(opts)}
}

// StartExecution runs one execution request, streaming events into
// sink. It blocks until the terminal event has been delivered.
func (e *Execution) StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) {
	ctx = log.ContextAttrs(ctx, slog.String("session", e.id.String()))
	started := time.Now()

	if sink == nil {
		slog.ErrorContext(ctx, "execution request dropped", "error", model.ErrNoSink)
		return
	}
	if len(criteria.Sources) == 0 && !criteria.HasSpecificTests() {
		sink.HandleLogMessage(events.SeverityError, model.ErrNoSources.Error())
		sink.HandleRunComplete(events.RunComplete{})
		return
	}

	if err := e.setupChannel(ctx); err != nil {
		slog.ErrorContext(ctx, "test host setup failed", "error", err)
		sink.HandleLogMessage(events.SeverityError, fmt.Sprintf("test host setup failed: %v", err))
		e.completeUnit(true)
		sink.HandleRunComplete(events.RunComplete{
			Elapsed: time.Since(started),
			Aborted: true,
		})
		return
	}

	sess := e.sess()
	e.initializeExtensions(ctx, sess.InitializeExecution)

	e.setState(StateBusy)
	forward := &runForwarder{op: &e.operation, sink: sink}
	if err := sess.StartExecution(ctx, criteria, forward); err != nil && !forward.completed() {
		// channel lost mid-request, keep partial stats
		slog.ErrorContext(ctx, "execution channel lost", "error", err)
		e.setState(StateCommunicationFailed)
		e.teardown()
		sink.HandleLogMessage(events.SeverityError, fmt.Sprintf("execution failed: %v", err))
		sink.HandleRunComplete(events.RunComplete{
			Stats:   forward.lastStats(),
			Elapsed: time.Since(started),
			Aborted: true,
		})
	}
}

// runForwarder mirrors discoveryForwarder for execution events.
type runForwarder struct {
	op   *operation
	sink events.RunSink

	mu    sync.Mutex
	stats model.RunStats
	done  bool
}

func (f *runForwarder) HandleTestResults(results []model.TestResult) {
	f.sink.HandleTestResults(results)
}

func (f *runForwarder) HandleRunStatsChange(stats model.RunStats) {
	f.mu.Lock()
	f.stats = stats
	f.mu.Unlock()
	f.sink.HandleRunStatsChange(stats)
}

func (f *runForwarder) HandleRawMessage(raw []byte) {
	f.sink.HandleRawMessage(raw)
}

func (f *runForwarder) HandleLogMessage(severity events.Severity, message string) {
	f.sink.HandleLogMessage(severity, message)
}

func (f *runForwarder) HandleRunComplete(complete events.RunComplete) {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
	f.op.completeUnit(complete.Aborted)
	f.sink.HandleRunComplete(complete)
}

func (f *runForwarder) completed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

func (f *runForwarder) lastStats() model.RunStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}
