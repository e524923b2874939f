package parallel_test

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDiscoveryManager struct {
	discover func(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink)

	mu      sync.Mutex
	calls   []model.DiscoveryCriteria
	aborted int
	closed  int
}

func (f *fakeDiscoveryManager) DiscoverTests(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) {
	f.mu.Lock()
	f.calls = append(f.calls, criteria)
	f.mu.Unlock()
	f.discover(ctx, criteria, sink)
}

func (f *fakeDiscoveryManager) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
}

func (f *fakeDiscoveryManager) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

type fakeRunManager struct {
	execute func(ctx context.Context, criteria model.RunCriteria, sink events.RunSink)

	mu      sync.Mutex
	calls   []model.RunCriteria
	aborted int
	closed  int
}

func (f *fakeRunManager) StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) {
	f.mu.Lock()
	f.calls = append(f.calls, criteria)
	f.mu.Unlock()
	f.execute(ctx, criteria, sink)
}

func (f *fakeRunManager) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted++
}

func (f *fakeRunManager) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

// gauge tracks the high-water mark of concurrently running units.
type gauge struct {
	mu      sync.Mutex
	current int
	peak    int
}

func (g *gauge) enter() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current++
	if g.current > g.peak {
		g.peak = g.current
	}
}

func (g *gauge) leave() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.current--
}

func (g *gauge) max() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
