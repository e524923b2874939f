// Package events defines the sinks through which discovery and
// execution progress flows back to the caller. Implementations must
// tolerate concurrent calls, parallel runs forward events from
// several test hosts at once.
package events

import (
	"time"

	"github.com/testhive/testhive/internal/model"
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// DiscoveryComplete is the terminal event of one discovery, or of the
// whole aggregated run in the parallel case.
type DiscoveryComplete struct {
	TotalDiscovered int64
	LastChunk       []model.TestCase // cases not yet reported via HandleDiscoveredTests
	Aborted         bool
}

// DiscoverySink receives streamed discovery events. Exactly one
// HandleDiscoveryComplete call ends every discovery.
type DiscoverySink interface {
	HandleDiscoveredTests(tests []model.TestCase)
	HandleRawMessage(raw []byte)
	HandleLogMessage(severity Severity, message string)
	HandleDiscoveryComplete(complete DiscoveryComplete)
}

// RunComplete is the terminal event of one execution, or of the whole
// aggregated run in the parallel case.
type RunComplete struct {
	Stats     model.RunStats
	Elapsed   time.Duration
	Aborted   bool
	Artifacts []model.Artifact // attached by data collectors
}

// RunSink receives streamed execution events. Exactly one
// HandleRunComplete call ends every run.
type RunSink interface {
	HandleTestResults(results []model.TestResult)
	HandleRunStatsChange(stats model.RunStats)
	HandleRawMessage(raw []byte)
	HandleLogMessage(severity Severity, message string)
	HandleRunComplete(complete RunComplete)
}
