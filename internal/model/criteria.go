package model

// DiscoveryCriteria describes what to discover. It is created by the
// caller and never modified by the engine.
type DiscoveryCriteria struct {
	Sources   []string
	BatchSize int    // how many test cases a host may report per chunk, 0 => host default
	Filter    string // opaque filter expression, evaluated by the caller
}

// RunCriteria describes what to execute. Either Sources or TestCases
// is populated, not both.
type RunCriteria struct {
	Sources   []string
	TestCases []TestCase

	ProgressFrequency int    // run-stats events per n executed tests, 0 => host default
	RunSettings       string // serialized run configuration passed through to hosts

	Parallel    bool
	MaxParallel int // 0 => number of available processors
}

// HasSpecificTests reports whether the run targets pre-selected test
// cases instead of whole sources.
func (c RunCriteria) HasSpecificTests() bool {
	return len(c.TestCases) > 0
}

// UnitSources returns one source per unit of work. For a test-case run
// the distinct sources the cases belong to, in first-seen order.
func (c RunCriteria) UnitSources() []string {
	if !c.HasSpecificTests() {
		return c.Sources
	}
	seen := make(map[string]struct{}, len(c.TestCases))
	sources := make([]string, 0, len(c.TestCases))
	for _, tc := range c.TestCases {
		if _, ok := seen[tc.Source]; ok {
			continue
		}
		seen[tc.Source] = struct{}{}
		sources = append(sources, tc.Source)
	}
	return sources
}

// ForSource returns a copy of c narrowed down to a single source, the
// shape in which one unit of work is handed to one test host.
func (c RunCriteria) ForSource(source string) RunCriteria {
	out := c
	out.Parallel = false
	out.MaxParallel = 0
	if c.HasSpecificTests() {
		out.Sources = nil
		out.TestCases = nil
		for _, tc := range c.TestCases {
			if tc.Source == source {
				out.TestCases = append(out.TestCases, tc)
			}
		}
		return out
	}
	out.Sources = []string{source}
	return out
}

// ForSource is the discovery counterpart of RunCriteria.ForSource.
func (c DiscoveryCriteria) ForSource(source string) DiscoveryCriteria {
	out := c
	out.Sources = []string{source}
	return out
}
