package parallel

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
	"github.com/testhive/testhive/internal/proxy"
)

// DiscoveryOptions configures a parallel discovery run.
type DiscoveryOptions struct {
	// NewManager constructs one proxy manager. Called once per pool
	// member for shared hosts, once per unit of work otherwise.
	NewManager func() proxy.DiscoveryManager

	// Shared reports whether host processes survive across batches.
	Shared bool

	// MaxWorkers caps the pool, 0 means available processors.
	MaxWorkers int
}

// Discovery orchestrates one logical discovery across a pool of
// proxy managers. One instance serves one DiscoverTests call.
type Discovery struct {
	opts DiscoveryOptions

	mu        sync.Mutex
	pending   []string
	cancelled bool
	active    map[int]proxy.DiscoveryManager
	total     int64
	aborted   bool
}

var _ proxy.DiscoveryManager = (*Discovery)(nil)

func NewDiscovery(opts DiscoveryOptions) *Discovery {
	return &Discovery{
		opts:   opts,
		active: make(map[int]proxy.DiscoveryManager),
	}
}

// DiscoverTests partitions the criteria's sources across the pool and
// blocks until every dispatched unit reached a terminal state. The
// aggregate terminal event is emitted exactly once, afterwards.
func (d *Discovery) DiscoverTests(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) {
	if sink == nil {
		slog.ErrorContext(ctx, "discovery request dropped", "error", model.ErrNoSink)
		return
	}
	fwd := &forwardDiscovery{sink: sink}

	if len(criteria.Sources) == 0 {
		fwd.HandleLogMessage(events.SeverityError, model.ErrNoSources.Error())
		fwd.HandleDiscoveryComplete(events.DiscoveryComplete{})
		return
	}

	d.mu.Lock()
	d.pending = append([]string(nil), criteria.Sources...)
	cancelled := d.cancelled
	d.mu.Unlock()

	poolSize := PoolSize(d.opts.MaxWorkers, len(criteria.Sources))
	if cancelled {
		poolSize = 0
	}
	slog.DebugContext(ctx, "parallel discovery", "sources", len(criteria.Sources), "pool", poolSize)

	var g errgroup.Group
	for i := range poolSize {
		g.Go(func() error {
			d.worker(ctx, i, criteria, fwd)
			return nil
		})
	}
	_ = g.Wait()

	d.mu.Lock()
	complete := events.DiscoveryComplete{
		TotalDiscovered: d.total,
		Aborted:         d.aborted || d.cancelled,
	}
	d.mu.Unlock()
	fwd.HandleDiscoveryComplete(complete)
}

// worker drains the pending queue: pop a source, run it on a manager,
// merge its contribution, repeat. Pop and merge share one critical
// section, so the aggregate can never observe a half-recorded unit.
func (d *Discovery) worker(ctx context.Context, id int, criteria model.DiscoveryCriteria, fwd *forwardDiscovery) {
	var mgr proxy.DiscoveryManager
	if d.opts.Shared {
		mgr = d.opts.NewManager()
		defer mgr.Close()
	}

	var contrib *unitDiscoverySink
	for {
		source, ok := d.nextAfter(contrib)
		if !ok {
			return
		}

		m := mgr
		if !d.opts.Shared {
			// single-use host, fresh manager per unit
			m = d.opts.NewManager()
		}
		d.mu.Lock()
		if d.cancelled {
			d.mu.Unlock()
			return
		}
		d.active[id] = m
		d.mu.Unlock()

		contrib = &unitDiscoverySink{fwd: fwd}
		m.DiscoverTests(ctx, criteria.ForSource(source), contrib)

		d.mu.Lock()
		delete(d.active, id)
		d.mu.Unlock()
	}
}

// nextAfter merges the previous unit's outcome and pops the next
// pending source in one atomic step.
func (d *Discovery) nextAfter(contrib *unitDiscoverySink) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if contrib != nil {
		complete := contrib.complete
		d.total += complete.TotalDiscovered
		if complete.Aborted {
			d.aborted = true
		}
	}
	if d.cancelled || len(d.pending) == 0 {
		return "", false
	}
	source := d.pending[0]
	d.pending = d.pending[1:]
	return source, true
}

// Abort cancels the run: no further units are dispatched and every
// active manager is asked to abort. In-flight units are still awaited
// by DiscoverTests before the aggregate event fires.
func (d *Discovery) Abort() {
	d.mu.Lock()
	d.cancelled = true
	d.pending = nil
	active := make([]proxy.DiscoveryManager, 0, len(d.active))
	for _, m := range d.active {
		active = append(active, m)
	}
	d.mu.Unlock()
	for _, m := range active {
		m.Abort()
	}
}

// Close releases whatever managers are still around. The pool members
// close themselves when the run ends, this covers early teardown.
func (d *Discovery) Close() {
	d.mu.Lock()
	active := make([]proxy.DiscoveryManager, 0, len(d.active))
	for _, m := range d.active {
		active = append(active, m)
	}
	d.mu.Unlock()
	for _, m := range active {
		m.Close()
	}
}

// forwardDiscovery serializes concurrent pool members into the
// caller's sink.
type forwardDiscovery struct {
	mu   sync.Mutex
	sink events.DiscoverySink
}

func (f *forwardDiscovery) HandleDiscoveredTests(tests []model.TestCase) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleDiscoveredTests(tests)
}

func (f *forwardDiscovery) HandleRawMessage(raw []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleRawMessage(raw)
}

func (f *forwardDiscovery) HandleLogMessage(severity events.Severity, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleLogMessage(severity, message)
}

func (f *forwardDiscovery) HandleDiscoveryComplete(complete events.DiscoveryComplete) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink.HandleDiscoveryComplete(complete)
}

// unitDiscoverySink forwards one unit's streamed events and captures
// its terminal event instead of forwarding it, the aggregate speaks
// for all units at the end. A unit's last chunk is forwarded as a
// regular discovered-tests event so no test case is lost.
type unitDiscoverySink struct {
	fwd      *forwardDiscovery
	mu       sync.Mutex
	complete events.DiscoveryComplete
}

func (u *unitDiscoverySink) HandleDiscoveredTests(tests []model.TestCase) {
	u.fwd.HandleDiscoveredTests(tests)
}

func (u *unitDiscoverySink) HandleRawMessage(raw []byte) {
	u.fwd.HandleRawMessage(raw)
}

func (u *unitDiscoverySink) HandleLogMessage(severity events.Severity, message string) {
	u.fwd.HandleLogMessage(severity, message)
}

func (u *unitDiscoverySink) HandleDiscoveryComplete(complete events.DiscoveryComplete) {
	if len(complete.LastChunk) > 0 {
		u.fwd.HandleDiscoveredTests(complete.LastChunk)
		complete.LastChunk = nil
	}
	u.mu.Lock()
	u.complete = complete
	u.mu.Unlock()
}
