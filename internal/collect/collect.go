// Package collect decorates an execution manager with data collector
// lifecycle hooks. It adds before-start and after-finish notifications
// around a run without altering the execution protocol.
package collect

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/model"
	"github.com/testhive/testhive/internal/proxy"
)

// Collector contributes configuration to a test run before it starts
// and gathers artifacts once it finished.
type Collector interface {
	Name() string

	// SessionStart runs before the execution request is dispatched.
	// A returned settings fragment is appended to the outbound run
	// configuration.
	SessionStart(ctx context.Context, criteria model.RunCriteria) (runSettings string, err error)

	// SessionEnd runs after the (possibly synthetic) terminal event
	// was produced, its artifacts are attached to that event.
	SessionEnd(ctx context.Context) ([]model.Artifact, error)
}

// Execution wraps a proxy.RunManager with collector notifications.
// Abort and Close pass through unchanged.
type Execution struct {
	inner      proxy.RunManager
	collectors []Collector
}

var _ proxy.RunManager = (*Execution)(nil)

// Wrap decorates inner. With no collectors inner is returned as is.
func Wrap(inner proxy.RunManager, collectors ...Collector) proxy.RunManager {
	if len(collectors) == 0 {
		return inner
	}
	return &Execution{inner: inner, collectors: collectors}
}

func (e *Execution) StartExecution(ctx context.Context, criteria model.RunCriteria, sink events.RunSink) {
	for _, c := range e.collectors {
		frag, err := c.SessionStart(ctx, criteria)
		if err != nil {
			// a broken collector degrades the run, it does not stop it
			slog.WarnContext(ctx, "collector session start failed", "collector", c.Name(), "error", err)
			sink.HandleLogMessage(events.SeverityWarning,
				fmt.Sprintf("collector %s failed to start: %v", c.Name(), err))
			continue
		}
		if frag == "" {
			continue
		}
		if criteria.RunSettings != "" {
			criteria.RunSettings += "\n"
		}
		criteria.RunSettings += frag
	}

	e.inner.StartExecution(ctx, criteria, &collectingSink{
		RunSink:    sink,
		ctx:        ctx,
		collectors: e.collectors,
	})
}

func (e *Execution) Abort() {
	e.inner.Abort()
}

func (e *Execution) Close() {
	e.inner.Close()
}

// collectingSink intercepts the terminal event to close the
// collection session and merge its artifacts before forwarding.
type collectingSink struct {
	events.RunSink
	ctx        context.Context
	collectors []Collector
	once       sync.Once
}

func (s *collectingSink) HandleRunComplete(complete events.RunComplete) {
	s.once.Do(func() {
		for _, c := range s.collectors {
			artifacts, err := c.SessionEnd(s.ctx)
			if err != nil {
				slog.WarnContext(s.ctx, "collector session end failed", "collector", c.Name(), "error", err)
				s.RunSink.HandleLogMessage(events.SeverityWarning,
					fmt.Sprintf("collector %s failed to finish: %v", c.Name(), err))
				continue
			}
			complete.Artifacts = append(complete.Artifacts, artifacts...)
		}
	})
	s.RunSink.HandleRunComplete(complete)
}

// DirCollector attaches every regular file found under its output
// directory when the run ends. Hosts and adapters drop their output
// there during the run.
type DirCollector struct {
	name string
	dir  string
}

var _ Collector = (*DirCollector)(nil)

func NewDirCollector(name, dir string) *DirCollector {
	return &DirCollector{name: name, dir: dir}
}

func (d *DirCollector) Name() string { return d.name }

func (d *DirCollector) SessionStart(_ context.Context, _ model.RunCriteria) (string, error) {
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return "", err
	}
	return fmt.Sprintf("collectors:\n  %s:\n    outputDir: %s", d.name, d.dir), nil
}

func (d *DirCollector) SessionEnd(_ context.Context) ([]model.Artifact, error) {
	var artifacts []model.Artifact
	err := filepath.WalkDir(d.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.Type().IsRegular() {
			artifacts = append(artifacts, model.Artifact{Collector: d.name, Path: path})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return artifacts, nil
}
