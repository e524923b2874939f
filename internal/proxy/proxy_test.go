package proxy_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/testhive/testhive/internal/channel"
	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/events/eventstest"
	"github.com/testhive/testhive/internal/extensions"
	"github.com/testhive/testhive/internal/hosting"
	"github.com/testhive/testhive/internal/model"
	"github.com/testhive/testhive/internal/proxy"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu         sync.Mutex
	shared     bool
	launchErr  error
	onLaunched func(hosting.LaunchedEvent)

	launches   int
	terminates int
}

func (p *fakeProvider) Shared() bool { return p.shared }

func (p *fakeProvider) Launch(_ context.Context, _ hosting.StartInfo) error {
	p.mu.Lock()
	p.launches++
	notify := p.onLaunched
	err := p.launchErr
	p.mu.Unlock()
	if notify != nil {
		// readiness signal is advisory and may precede a failed result
		notify(hosting.LaunchedEvent{PID: 4242})
	}
	return err
}

func (p *fakeProvider) Extensions(defaults, extra []string) []string {
	return extensions.Distinct(defaults, extra)
}

func (p *fakeProvider) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminates++
	return nil
}

func (p *fakeProvider) counts() (launches, terminates int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.launches, p.terminates
}

type fakeSession struct {
	mu            sync.Mutex
	initCommCalls int
	waitCalls     int
	initDiscovery [][]string
	initExecution [][]string
	discoverCalls int
	executeCalls  int
	aborts        int
	closes        int

	waitErr  error
	discover func(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) error
	execute  func(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) error
}

var _ channel.Session = (*fakeSession)(nil)

func (s *fakeSession) InitializeCommunication() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initCommCalls++
	return 1234, nil
}

func (s *fakeSession) WaitForConnection(_ context.Context, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitCalls++
	return s.waitErr
}

func (s *fakeSession) InitializeDiscovery(paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initDiscovery = append(s.initDiscovery, paths)
	return nil
}

func (s *fakeSession) InitializeExecution(paths []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initExecution = append(s.initExecution, paths)
	return nil
}

func (s *fakeSession) DiscoverTests(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) error {
	s.mu.Lock()
	s.discoverCalls++
	fn := s.discover
	s.mu.Unlock()
	if fn == nil {
		sink.HandleDiscoveryComplete(events.DiscoveryComplete{})
		return nil
	}
	return fn(ctx, criteria, sink)
}

func (s *fakeSession) StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) error {
	s.mu.Lock()
	s.executeCalls++
	fn := s.execute
	s.mu.Unlock()
	if fn == nil {
		sink.HandleRunComplete(events.RunComplete{})
		return nil
	}
	return fn(ctx, criteria, sink)
}

func (s *fakeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func dialTo(s *fakeSession) channel.Factory {
	return func() (channel.Session, error) { return s, nil }
}

func TestDiscoverySuccess(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		discover: func(_ context.Context, _ model.DiscoveryCriteria, sink events.DiscoverySink) error {
			sink.HandleDiscoveredTests([]model.TestCase{
				{FullyQualifiedName: "pkg.TestA", Source: "a_test"},
			})
			sink.HandleDiscoveryComplete(events.DiscoveryComplete{TotalDiscovered: 1})
			return nil
		},
	}
	provider := &fakeProvider{shared: true}
	mgr := proxy.NewDiscovery(proxy.Options{
		Provider: provider,
		Dial:     dialTo(sess),
		Cache:    extensions.NewCache("e1.dll", "e2.dll"),
	})

	sink := eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)

	require.Equal(t, 1, sess.initCommCalls)
	require.Equal(t, 1, sess.waitCalls)
	require.Equal(t, 1, sess.discoverCalls)
	launches, _ := provider.counts()
	require.Equal(t, 1, launches)

	require.Len(t, sink.Completes(), 1)
	require.False(t, sink.Completes()[0].Aborted)
	require.Equal(t, int64(1), sink.Completes()[0].TotalDiscovered)
	require.Len(t, sink.Tests(), 1)
	require.Equal(t, proxy.StateCompleted, mgr.State())

	// cached extension paths handed to the host exactly once, in order
	require.Equal(t, [][]string{{"e1.dll", "e2.dll"}}, sess.initDiscovery)
}

func TestDiscoveryEmptyCacheSkipsInitialize(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{}
	mgr := proxy.NewDiscovery(proxy.Options{
		Provider: &fakeProvider{},
		Dial:     dialTo(sess),
		Cache:    extensions.NewCache(),
	})

	sink := eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)

	require.Empty(t, sess.initDiscovery)
	require.Len(t, sink.Completes(), 1)
}

func TestDiscoveryConnectFailure(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{waitErr: model.ErrConnectTimeout}
	mgr := proxy.NewDiscovery(proxy.Options{
		Provider: &fakeProvider{},
		Dial:     dialTo(sess),
	})

	sink := eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)

	// no request ever reaches a host that failed to connect
	require.Zero(t, sess.discoverCalls)
	require.Empty(t, sess.initDiscovery)

	require.Len(t, sink.Completes(), 1)
	require.True(t, sink.Completes()[0].Aborted)
	require.Empty(t, sink.Tests())

	var errorLogs int
	for _, l := range sink.Logs() {
		if l.Severity == events.SeverityError {
			errorLogs++
		}
	}
	require.Equal(t, 1, errorLogs)
	require.Equal(t, proxy.StateCommunicationFailed, mgr.State())
}

func TestDiscoveryLaunchFailureAfterReadinessSignal(t *testing.T) {
	t.Parallel()

	var notified bool
	provider := &fakeProvider{
		launchErr:  model.ErrHostLaunch,
		onLaunched: func(hosting.LaunchedEvent) { notified = true },
	}
	sess := &fakeSession{}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: provider, Dial: dialTo(sess)})

	sink := eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)

	// the advisory signal fired, the authoritative result still failed
	require.True(t, notified)
	require.Zero(t, sess.waitCalls)
	require.Zero(t, sess.discoverCalls)
	require.Len(t, sink.Completes(), 1)
	require.True(t, sink.Completes()[0].Aborted)
}

func TestDiscoveryMalformedCriteria(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: provider, Dial: dialTo(&fakeSession{})})

	sink := eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{}, sink)

	launches, _ := provider.counts()
	require.Zero(t, launches)
	require.Len(t, sink.Completes(), 1)
	require.False(t, sink.Completes()[0].Aborted)
	require.Zero(t, sink.Completes()[0].TotalDiscovered)
	require.NotEmpty(t, sink.Logs())
}

func TestDiscoveryNilSink(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: provider, Dial: dialTo(&fakeSession{})})

	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, nil)

	launches, _ := provider.counts()
	require.Zero(t, launches, "request without a sink must never launch a host")
}

func TestAbortBeforeLaunch(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{}
	sess := &fakeSession{}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: provider, Dial: dialTo(sess)})

	mgr.Abort()
	sink := eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)

	launches, _ := provider.counts()
	require.Zero(t, launches, "aborted manager must never launch a host")
	require.Len(t, sink.Completes(), 1)
	require.True(t, sink.Completes()[0].Aborted)
}

// hookedDiscoverySink observes the moment the terminal event reaches
// the caller.
type hookedDiscoverySink struct {
	*eventstest.DiscoveryRecorder
	onComplete func()
}

func (h *hookedDiscoverySink) HandleDiscoveryComplete(complete events.DiscoveryComplete) {
	h.onComplete()
	h.DiscoveryRecorder.HandleDiscoveryComplete(complete)
}

func TestNonSharedHostTornDownBeforeTerminalEvent(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{shared: false}
	sess := &fakeSession{}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: provider, Dial: dialTo(sess)})

	var terminatesAtComplete, closesAtComplete int
	sink := &hookedDiscoverySink{
		DiscoveryRecorder: eventstest.NewDiscoveryRecorder(),
		onComplete: func() {
			_, terminatesAtComplete = provider.counts()
			sess.mu.Lock()
			closesAtComplete = sess.closes
			sess.mu.Unlock()
		},
	}
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)

	require.Equal(t, 1, closesAtComplete, "channel must be closed before the terminal event")
	require.Equal(t, 1, terminatesAtComplete, "single-use host must be terminated before the terminal event")
}

func TestSharedHostReusedAcrossBatches(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{shared: true}
	sess := &fakeSession{}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: provider, Dial: dialTo(sess)})

	for range 3 {
		sink := eventstest.NewDiscoveryRecorder()
		mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)
		require.Len(t, sink.Completes(), 1)
	}

	launches, terminates := provider.counts()
	require.Equal(t, 1, launches, "shared host is launched once")
	require.Zero(t, terminates)
	require.Equal(t, 1, sess.initCommCalls)
	require.Equal(t, 3, sess.discoverCalls)

	mgr.Close()
	require.Equal(t, 1, sess.closes)
}

func TestSharedHostConnectFailureReleasesSession(t *testing.T) {
	t.Parallel()

	first := &fakeSession{waitErr: model.ErrConnectTimeout}
	second := &fakeSession{}
	sessions := []*fakeSession{first, second}
	var dials int
	dial := func() (channel.Session, error) {
		s := sessions[dials]
		dials++
		return s, nil
	}
	provider := &fakeProvider{shared: true}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: provider, Dial: dial})

	sink := eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)
	require.True(t, sink.Completes()[0].Aborted)
	require.Equal(t, proxy.StateCommunicationFailed, mgr.State())
	require.Equal(t, 1, first.closes, "half-open channel must be closed when the connect fails")

	// the next batch gets a fresh channel instead of the broken one
	sink = eventstest.NewDiscoveryRecorder()
	mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"b_test"}}, sink)
	require.Len(t, sink.Completes(), 1)
	require.False(t, sink.Completes()[0].Aborted)
	require.Equal(t, 1, second.discoverCalls)
	require.Zero(t, second.closes)

	_, terminates := provider.counts()
	require.Zero(t, terminates, "shared host is never terminated by a failed batch")
}

func TestExecutionChannelLostKeepsPartialStats(t *testing.T) {
	t.Parallel()

	var want model.RunStats
	want.Record(model.OutcomePassed, 2)

	sess := &fakeSession{
		execute: func(_ context.Context, _ model.RunCriteria, sink events.RunSink) error {
			sink.HandleTestResults([]model.TestResult{
				{TestCase: model.TestCase{FullyQualifiedName: "pkg.TestA"}, Outcome: model.OutcomePassed},
				{TestCase: model.TestCase{FullyQualifiedName: "pkg.TestB"}, Outcome: model.OutcomePassed},
			})
			sink.HandleRunStatsChange(want)
			return errors.New("connection reset")
		},
	}
	mgr := proxy.NewExecution(proxy.Options{Provider: &fakeProvider{}, Dial: dialTo(sess)})

	sink := eventstest.NewRunRecorder()
	mgr.StartExecution(t.Context(), model.RunCriteria{Sources: []string{"a_test"}}, sink)

	require.Len(t, sink.Results(), 2)
	require.Len(t, sink.Completes(), 1)
	complete := sink.Completes()[0]
	require.True(t, complete.Aborted)
	require.Equal(t, int64(2), complete.Stats.Executed)
	require.Equal(t, proxy.StateCommunicationFailed, mgr.State())
}

func TestExecutionSuccess(t *testing.T) {
	t.Parallel()

	sess := &fakeSession{
		execute: func(_ context.Context, criteria model.RunCriteria, sink events.RunSink) error {
			var stats model.RunStats
			stats.Record(model.OutcomePassed, int64(len(criteria.Sources)))
			sink.HandleRunComplete(events.RunComplete{Stats: stats, Elapsed: time.Second})
			return nil
		},
	}
	mgr := proxy.NewExecution(proxy.Options{
		Provider:        &fakeProvider{},
		Dial:            dialTo(sess),
		Cache:           extensions.NewCache("adapter.dll"),
		DefaultAdapters: []string{"default.dll"},
	})

	sink := eventstest.NewRunRecorder()
	mgr.StartExecution(t.Context(), model.RunCriteria{Sources: []string{"a_test"}}, sink)

	require.Len(t, sink.Completes(), 1)
	require.False(t, sink.Completes()[0].Aborted)
	require.Equal(t, int64(1), sink.Completes()[0].Stats.Executed)
	require.Equal(t, [][]string{{"default.dll", "adapter.dll"}}, sess.initExecution)
	require.Equal(t, proxy.StateCompleted, mgr.State())
}

func TestAbortForwardsToSession(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	sess := &fakeSession{
		discover: func(_ context.Context, _ model.DiscoveryCriteria, sink events.DiscoverySink) error {
			close(started)
			<-release
			sink.HandleDiscoveryComplete(events.DiscoveryComplete{Aborted: true})
			return nil
		},
	}
	mgr := proxy.NewDiscovery(proxy.Options{Provider: &fakeProvider{}, Dial: dialTo(sess)})

	sink := eventstest.NewDiscoveryRecorder()
	go mgr.DiscoverTests(t.Context(), model.DiscoveryCriteria{Sources: []string{"a_test"}}, sink)

	<-started
	mgr.Abort()
	close(release)
	<-sink.Done()

	sess.mu.Lock()
	aborts := sess.aborts
	sess.mu.Unlock()
	require.Equal(t, 1, aborts)
	require.True(t, sink.Completes()[0].Aborted)
	require.Equal(t, proxy.StateAborted, mgr.State())
}
