// Package eventstest provides recording sinks for tests.
package eventstest

import (
	"sync"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
)

type LogEntry struct {
	Severity events.Severity
	Message  string
}

// DiscoveryRecorder is an events.DiscoverySink collecting everything
// it receives. Safe for concurrent use.
type DiscoveryRecorder struct {
	mu        sync.Mutex
	tests     []model.TestCase
	raw       [][]byte
	logs      []LogEntry
	completes []events.DiscoveryComplete
	done      chan struct{}
}

func NewDiscoveryRecorder() *DiscoveryRecorder {
	return &DiscoveryRecorder{done: make(chan struct{})}
}

func (r *DiscoveryRecorder) HandleDiscoveredTests(tests []model.TestCase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests = append(r.tests, tests...)
}

func (r *DiscoveryRecorder) HandleRawMessage(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, raw)
}

func (r *DiscoveryRecorder) HandleLogMessage(severity events.Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, LogEntry{Severity: severity, Message: message})
}

func (r *DiscoveryRecorder) HandleDiscoveryComplete(complete events.DiscoveryComplete) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, complete)
	if len(r.completes) == 1 {
		close(r.done)
	}
}

// Done is closed when the first terminal event arrives.
func (r *DiscoveryRecorder) Done() <-chan struct{} { return r.done }

func (r *DiscoveryRecorder) Tests() []model.TestCase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TestCase(nil), r.tests...)
}

func (r *DiscoveryRecorder) Raw() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.raw...)
}

func (r *DiscoveryRecorder) Logs() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.logs...)
}

func (r *DiscoveryRecorder) Completes() []events.DiscoveryComplete {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.DiscoveryComplete(nil), r.completes...)
}

// RunRecorder is the events.RunSink counterpart of DiscoveryRecorder.
type RunRecorder struct {
	mu        sync.Mutex
	results   []model.TestResult
	stats     []model.RunStats
	raw       [][]byte
	logs      []LogEntry
	completes []events.RunComplete
	done      chan struct{}
}

func NewRunRecorder() *RunRecorder {
	return &RunRecorder{done: make(chan struct{})}
}

func (r *RunRecorder) HandleTestResults(results []model.TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, results...)
}

func (r *RunRecorder) HandleRunStatsChange(stats model.RunStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = append(r.stats, stats)
}

func (r *RunRecorder) HandleRawMessage(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raw = append(r.raw, raw)
}

func (r *RunRecorder) HandleLogMessage(severity events.Severity, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, LogEntry{Severity: severity, Message: message})
}

func (r *RunRecorder) HandleRunComplete(complete events.RunComplete) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, complete)
	if len(r.completes) == 1 {
		close(r.done)
	}
}

// Done is closed when the first terminal event arrives.
func (r *RunRecorder) Done() <-chan struct{} { return r.done }

func (r *RunRecorder) Results() []model.TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.TestResult(nil), r.results...)
}

func (r *RunRecorder) Stats() []model.RunStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.RunStats(nil), r.stats...)
}

func (r *RunRecorder) Logs() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.logs...)
}

func (r *RunRecorder) Completes() []events.RunComplete {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.RunComplete(nil), r.completes...)
}
