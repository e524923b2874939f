// Package proxy owns the lifecycle of test host sessions: launch,
// connect, initialize adapters, dispatch one request, tear down.
package proxy

import (
	"context"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
)

// DiscoveryManager runs test discovery. Every call ends with exactly
// one terminal event on the sink, whatever happens to the host.
// Abort is safe at any time, even before the first discovery, and
// prevents a not-yet-launched host from being launched.
type DiscoveryManager interface {
	DiscoverTests(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink)
	Abort()
	Close()
}

// RunManager is the execution counterpart of DiscoveryManager.
type RunManager interface {
	StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink)
	Abort()
	Close()
}
