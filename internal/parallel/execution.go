package parallel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
	"github.com/testhive/testhive/internal/proxy"
)

// ExecutionOptions mirrors DiscoveryOptions for test execution.
type ExecutionOptions struct {
	NewManager func() proxy.RunManager
	Shared     bool
	MaxWorkers int
}

// Execution orchestrates one logical run across a pool of proxy
// managers. One instance serves one StartExecution call.
type Execution struct {
	opts ExecutionOptions

	mu        sync.Mutex
	pending   []string
	cancelled bool
	active    map[int]proxy.RunManager
	stats     model.RunStats
	artifacts []model.Artifact
	aborted   bool
}

var _ proxy.RunManager = (*Execution)(nil)

func NewExecution(opts ExecutionOptions) *Execution {
	return &Execution{
		opts:   opts,
		active: make(map[int]proxy.RunManager),
	}
}

// StartExecution partitions the run into per-source units, executes
// them on the pool and emits one aggregate terminal event after the
// last unit reached a terminal state.
func (e *Execution) StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) {
	if sink == nil {
		slog.ErrorContext(ctx, "execution request dropped", "error", model.ErrNoSink)
		return
	}
	fwd := &forwardRun{sink: sink}
	started := time.Now()

	sources := criteria.UnitSources()
	if len(sources) == 0 {
		fwd.HandleLogMessage(events.SeverityError, model.ErrNoSources.Error())
		fwd.HandleRunComplete(events.RunComplete{})
		return
	}

	e.mu.Lock()
	e.pending = append([]string(nil), sources...)
	cancelled := e.cancelled
	e.mu.Unlock()

	poolSize := PoolSize(e.opts.MaxWorkers, len(sources))
	if cancelled {
		poolSize = 0
	}
	slog.DebugContext(ctx, "parallel execution", "sources", len(sources), "pool", poolSize)

	var g errgroup.Group
	for i := range poolSize {
		g.Go(func() error {
			e.worker(ctx, i, criteria, fwd)
			return nil
		})
	}
	_ = g.Wait()

	e.mu.Lock()
	complete := events.RunComplete{
		Stats:     e.stats,
		Elapsed:   time.Since(started),
		Aborted:   e.aborted || e.cancelled,
		Artifacts: e.artifacts,
	}
	e.mu.Unlock()
	fwd.HandleRunComplete(complete)
}

func (e *Execution) worker(ctx context.Context, id int, criteria model.RunCriteria, fwd *forwardRun) {
	var mgr proxy.RunManager
	if e.opts.Shared {
		mgr = e.opts.NewManager()
		defer mgr.Close()
	}

	var contrib *unitRunSink
	for {
		source, ok := e.nextAfter(contrib)
		if !ok {
			return
		}

		m := mgr
		if !e.opts.Shared {
			m = e.opts.NewManager()
		}
		e.mu.Lock()
		if e.cancelled {
			e.mu.Unlock()
			return
		}
		e.active[id] = m
		e.mu.Unlock()

		contrib = &unitRunSink{fwd: fwd}
		m.StartExecution(ctx, criteria.ForSource(source), contrib)

		e.mu.Lock()
		delete(e.active, id)
		e.mu.Unlock()
	}
}

func (e *Execution) nextAfter(contrib *unitRunSink) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if contrib != nil {
		complete := contrib.complete
		e.stats.Merge(complete.Stats)
		e.artifacts = append(e.artifacts, complete.Artifacts...)
		if complete.Aborted {
			e.aborted = true
		}
	}
	if e.cancelled || len(e.pending) == 0 {
		return "", false
	}
	source := e.pending[0]
	e.pending = e.pending[1:]
	return source, true
}

// Abort cancels the run cooperatively, see Discovery.Abort.
func (e *Execution) Abort() {
	e.mu.Lock()
	e.cancelled = true
	e.pending = nil
	active := make([]proxy.RunManager, 0, len(e.active))
	for _, m := range e.active {
		active = append(active, m)
	}
	e.mu.Unlock()
	for _, m := range active {
		m.Abort()
	}
}

func (e *Execution) Close() {
	e.mu.Lock()
	active := make([]proxy.RunManager, 0, len(e.active))
	for _, m := range e.active {
		active = append(active, m)
	}
	e.mu.Unlock()
	for _, m := range active {
		m.Close()
	}
}

// forwardRun serializes concurrent pool members into the caller's sink.
type forwardRun struct {
	mu   sync.Mutex
	sink events.RunSink
}

func (f *forwardRun) HandleTestResults(results []model.TestResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleTestResults(results)
}

func (f *forwardRun) HandleRunStatsChange(stats model.RunStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleRunStatsChange(stats)
}

func (f *forwardRun) HandleRawMessage(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleRawMessage(raw)
}

func (f *forwardRun) HandleLogMessage(severity events.Severity, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleLogMessage(severity, message)
}

func (f *forwardRun) HandleRunComplete(complete events.RunComplete) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleRunComplete(complete)
}

// unitRunSink forwards one unit's streamed events and captures its
// terminal event for the aggregate.
type unitRunSink struct {
	fwd      *forwardRun
	mu       sync.Mutex
	complete events.RunComplete
}

func (u *unitRunSink) HandleTestResults(results []model.TestResult) {
	u.fwd.HandleTestResults(results)
}

func (u *unitRunSink) HandleRunStatsChange(stats model.RunStats) {
	u.fwd.HandleRunStatsChange(stats)
}

func (u *unitRunSink) HandleRawMessage(raw []byte) {
	u.fwd.HandleRawMessage(raw)
}

func (u *unitRunSink) HandleLogMessage(severity events.Severity, message string) {
	u.fwd.HandleLogMessage(severity, message)
}

func (u *unitRunSink) HandleRunComplete(complete events.RunComplete) {
	u.mu.Lock()
	u.complete = complete
	u.mu.Unlock()
}
