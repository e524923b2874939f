// Package hosting launches and supervises test host processes.
package hosting

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// PortPlaceholder in StartInfo args is replaced with the channel port
// the host must dial back to.
const PortPlaceholder = "{port}"

// EnvPort is set in every launched host's environment.
const EnvPort = "TESTHIVE_PORT"

// StartInfo describes how to launch one test host process.
type StartInfo struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// WithPort returns a copy of i with the channel port substituted into
// args and appended to the environment.
func (i StartInfo) WithPort(port int) StartInfo {
	out := i
	out.Args = make([]string, len(i.Args))
	for n, a := range i.Args {
		out.Args[n] = strings.ReplaceAll(a, PortPlaceholder, strconv.Itoa(port))
	}
	out.Env = append(append([]string(nil), i.Env...), EnvPort+"="+strconv.Itoa(port))
	return out
}

// LaunchedEvent is the advisory readiness notification raised when a
// host process has been started. The result of Launch stays
// authoritative, a provider may notify and still fail.
type LaunchedEvent struct {
	HostID uuid.UUID
	PID    int
}

// Provider is the runtime capability the proxy managers consume. One
// Provider instance owns at most one host process at a time.
type Provider interface {
	// Shared reports whether one host process may serve several
	// sequential batches of work before disposal.
	Shared() bool

	// Launch starts a host process described by info and returns once
	// the process is running (not once it connected back).
	Launch(ctx context.Context, info StartInfo) error

	// Extensions computes the adapter extension set a host of this
	// kind needs, ordered and deduplicated.
	Extensions(defaults []string, extra []string) []string

	// Terminate requests the host process to end. Safe to call when
	// nothing is running.
	Terminate() error
}

// Factory creates one Provider per proxy manager. Non-shared runs
// construct a fresh Provider for every unit of work.
type Factory func() Provider
