// Package channel is the conduit between the engine and one test host
// process. The engine consumes Session only through this contract, the
// concrete wire format is a detail of the implementation.
package channel

import (
	"context"
	"time"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
)

// Session is a bidirectional request/response conduit to one test
// host. A session is owned by exactly one proxy manager at a time.
//
// The lifecycle is InitializeCommunication (start listening, before
// the host process exists) -> WaitForConnection -> Initialize* ->
// DiscoverTests/StartExecution -> Close. DiscoverTests and
// StartExecution block until the host reports completion, streaming
// intermediate events into the sink, and return an error only when
// the conduit itself breaks.
type Session interface {
	InitializeCommunication() (port int, err error)
	WaitForConnection(ctx context.Context, timeout time.Duration) error
	InitializeDiscovery(adapterPaths []string) error
	InitializeExecution(adapterPaths []string) error
	DiscoverTests(ctx context.Context, criteria model.DiscoveryCriteria, sink events.DiscoverySink) error
	StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) error
	Abort() error
	Close() error
}

// Factory creates one fresh Session per test host.
type Factory func() (Session, error)
