package parallel_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/events/eventstest"
	"github.com/testhive/testhive/internal/model"
	"github.com/testhive/testhive/internal/parallel"
	"github.com/testhive/testhive/internal/proxy"
)

func makeTests(source string, n int) []model.TestCase {
	tests := make([]model.TestCase, n)
	for i := range tests {
		tests[i] = model.TestCase{
			ID:                 uuid.New(),
			FullyQualifiedName: "Suite.Case",
			Source:             source,
		}
	}
	return tests
}

func TestParallelDiscoveryAggregates(t *testing.T) {
	t.Parallel()

	var constructed atomic.Int64
	orch := parallel.NewDiscovery(parallel.DiscoveryOptions{
		NewManager: func() proxy.DiscoveryManager {
			constructed.Add(1)
			return &fakeDiscoveryManager{
				discover: func(_ context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) {
					source := criteria.Sources[0]
					sink.HandleDiscoveredTests(makeTests(source, 2))
					sink.HandleDiscoveryComplete(events.DiscoveryComplete{
						TotalDiscovered: 3,
						LastChunk:       makeTests(source, 1),
					})
				},
			}
		},
		MaxWorkers: 2,
	})

	rec := eventstest.NewDiscoveryRecorder()
	orch.DiscoverTests(t.Context(), model.DiscoveryCriteria{
		Sources: []string{"a.dll", "b.dll", "c.dll"},
	}, rec)

	completes := rec.Completes()
	require.Len(t, completes, 1)
	require.False(t, completes[0].Aborted)
	require.EqualValues(t, 9, completes[0].TotalDiscovered)
	require.Len(t, rec.Tests(), 9)
	require.EqualValues(t, 3, constructed.Load())
}

func TestParallelDiscoveryEmptySources(t *testing.T) {
	t.Parallel()

	orch := parallel.NewDiscovery(parallel.DiscoveryOptions{
		NewManager: func() proxy.DiscoveryManager {
			t.Error("no manager should be constructed")
			return nil
		},
	})

	rec := eventstest.NewDiscoveryRecorder()
	orch.DiscoverTests(t.Context(), model.DiscoveryCriteria{}, rec)

	completes := rec.Completes()
	require.Len(t, completes, 1)
	require.False(t, completes[0].Aborted)
	require.Zero(t, completes[0].TotalDiscovered)

	logs := rec.Logs()
	require.Len(t, logs, 1)
	require.Equal(t, events.SeverityError, logs[0].Severity)
}

func TestParallelDiscoveryPoolBound(t *testing.T) {
	t.Parallel()

	var g gauge
	orch := parallel.NewDiscovery(parallel.DiscoveryOptions{
		NewManager: func() proxy.DiscoveryManager {
			return &fakeDiscoveryManager{
				discover: func(_ context.Context, _ model.DiscoveryCriteria, sink events.DiscoverySink) {
					g.enter()
					time.Sleep(10 * time.Millisecond)
					g.leave()
					sink.HandleDiscoveryComplete(events.DiscoveryComplete{TotalDiscovered: 1})
				},
			}
		},
		MaxWorkers: 2,
	})

	rec := eventstest.NewDiscoveryRecorder()
	orch.DiscoverTests(t.Context(), model.DiscoveryCriteria{
		Sources: []string{"a.dll", "b.dll", "c.dll", "d.dll", "e.dll"},
	}, rec)

	require.Len(t, rec.Completes(), 1)
	require.EqualValues(t, 5, rec.Completes()[0].TotalDiscovered)
	require.LessOrEqual(t, g.max(), 2)
	require.Positive(t, g.max())
}

func TestParallelDiscoveryAbortStopsDispatch(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	var constructed atomic.Int64
	var mu sync.Mutex
	var managers []*fakeDiscoveryManager

	orch := parallel.NewDiscovery(parallel.DiscoveryOptions{
		NewManager: func() proxy.DiscoveryManager {
			constructed.Add(1)
			m := &fakeDiscoveryManager{
				discover: func(_ context.Context, _ model.DiscoveryCriteria, sink events.DiscoverySink) {
					close(started)
					<-release
					sink.HandleDiscoveryComplete(events.DiscoveryComplete{Aborted: true})
				},
			}
			mu.Lock()
			managers = append(managers, m)
			mu.Unlock()
			return m
		},
		MaxWorkers: 1,
	})

	rec := eventstest.NewDiscoveryRecorder()
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		orch.DiscoverTests(t.Context(), model.DiscoveryCriteria{
			Sources: []string{"a.dll", "b.dll", "c.dll", "d.dll"},
		}, rec)
	}()

	<-started
	orch.Abort()
	close(release)
	<-finished

	completes := rec.Completes()
	require.Len(t, completes, 1)
	require.True(t, completes[0].Aborted)
	require.EqualValues(t, 1, constructed.Load())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, managers, 1)
	require.Equal(t, 1, managers[0].aborted)
}

func TestParallelDiscoveryDynamicReassignment(t *testing.T) {
	t.Parallel()

	// The first source blocks until every other unit finished. With a
	// static partition of two workers this would deadlock; the shared
	// queue lets the free worker drain the rest.
	fastDone := make(chan struct{}, 3)
	orch := parallel.NewDiscovery(parallel.DiscoveryOptions{
		NewManager: func() proxy.DiscoveryManager {
			return &fakeDiscoveryManager{
				discover: func(_ context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) {
					if criteria.Sources[0] == "slow.dll" {
						for range 3 {
							<-fastDone
						}
					} else {
						fastDone <- struct{}{}
					}
					sink.HandleDiscoveryComplete(events.DiscoveryComplete{TotalDiscovered: 1})
				},
			}
		},
		MaxWorkers: 2,
	})

	rec := eventstest.NewDiscoveryRecorder()
	orch.DiscoverTests(t.Context(), model.DiscoveryCriteria{
		Sources: []string{"slow.dll", "b.dll", "c.dll", "d.dll"},
	}, rec)

	completes := rec.Completes()
	require.Len(t, completes, 1)
	require.EqualValues(t, 4, completes[0].TotalDiscovered)
}

func TestParallelDiscoverySingleSourcePerUnit(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var seen []model.DiscoveryCriteria
	orch := parallel.NewDiscovery(parallel.DiscoveryOptions{
		NewManager: func() proxy.DiscoveryManager {
			return &fakeDiscoveryManager{
				discover: func(_ context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) {
					mu.Lock()
					seen = append(seen, criteria)
					mu.Unlock()
					sink.HandleDiscoveryComplete(events.DiscoveryComplete{})
				},
			}
		},
		MaxWorkers: 1,
	})

	rec := eventstest.NewDiscoveryRecorder()
	orch.DiscoverTests(t.Context(), model.DiscoveryCriteria{
		Sources:   []string{"a.dll", "b.dll"},
		BatchSize: 50,
		Filter:    "Category=fast",
	}, rec)

	require.Len(t, rec.Completes(), 1)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	require.Equal(t, []string{"a.dll"}, seen[0].Sources)
	require.Equal(t, []string{"b.dll"}, seen[1].Sources)
	for _, c := range seen {
		require.Equal(t, 50, c.BatchSize)
		require.Equal(t, "Category=fast", c.Filter)
	}
}
