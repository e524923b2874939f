// Package parallel fans one logical discovery or run request out
// across a bounded pool of proxy managers, dynamically handing the
// next pending source to whichever manager frees up first, and
// aggregates the partial outcomes into one terminal event.
package parallel

import (
	"runtime"
)

// PoolSize bounds the worker pool: the requested parallelism, the
// number of available processors when unset, never more than there
// are units of work.
func PoolSize(requested, units int) int {
	if requested <= 0 {
		requested = runtime.NumCPU()
	}
	if requested > units {
		return units
	}
	return requested
}
