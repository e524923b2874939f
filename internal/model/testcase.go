package model

import (
	"time"

	"github.com/google/uuid"
)

// TestCase is a single discovered test, identified by its fully
// qualified name within one source.
type TestCase struct {
	ID                 uuid.UUID
	FullyQualifiedName string
	DisplayName        string
	Source             string
	CodeFilePath       string
	LineNumber         int
}

type Outcome string

const (
	OutcomeNone    Outcome = "none"
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// TestResult is the outcome of executing one test case.
type TestResult struct {
	TestCase     TestCase
	Outcome      Outcome
	ErrorMessage string
	Duration     time.Duration
}

// RunStats counts executed tests per outcome. The zero value is ready to use.
type RunStats struct {
	Executed  int64
	ByOutcome map[Outcome]int64
}

func (s *RunStats) Record(o Outcome, n int64) {
	if s.ByOutcome == nil {
		s.ByOutcome = make(map[Outcome]int64, 4)
	}
	s.Executed += n
	s.ByOutcome[o] += n
}

// Merge adds other into s. Used when partial results of parallel
// test hosts are combined into one run summary.
func (s *RunStats) Merge(other RunStats) {
	s.Executed += other.Executed
	if len(other.ByOutcome) == 0 {
		return
	}
	if s.ByOutcome == nil {
		s.ByOutcome = make(map[Outcome]int64, len(other.ByOutcome))
	}
	for o, n := range other.ByOutcome {
		s.ByOutcome[o] += n
	}
}

func (s RunStats) Count(o Outcome) int64 {
	return s.ByOutcome[o]
}

// Artifact is a file attached to a run by a data collector.
type Artifact struct {
	Collector string
	Path      string
}
