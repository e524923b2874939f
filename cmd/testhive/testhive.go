package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/testhive/testhive/internal/channel"
	"github.com/testhive/testhive/internal/engine"
	"github.com/testhive/testhive/internal/events"
	"github.com/testhive/testhive/internal/extensions"
	"github.com/testhive/testhive/internal/hosting"
	"github.com/testhive/testhive/internal/log"
	"github.com/testhive/testhive/internal/model"

	"github.com/spf13/cobra"
)

func buildConfig() (engine.Config, error) {
	hostPath := flagHostPath
	if hostPath == "" && settings != nil && settings.Host != nil && settings.Host.Path != nil {
		hostPath = *settings.Host.Path
	}
	if hostPath == "" {
		return engine.Config{}, fmt.Errorf("no test host binary, use --host or the settings file")
	}

	shared := settings.SharedHosts()
	return engine.Config{
		Provider: hosting.ExecFactory(hosting.ExecOptions{
			Shared: shared,
			OnLaunched: func(ev hosting.LaunchedEvent) {
				slog.Debug("test host launched", "host", ev.HostID, "pid", ev.PID)
			},
			Stderr: func(ctx context.Context, line string) {
				slog.DebugContext(ctx, "test host stderr", "line", line)
			},
		}),
		Dial: channel.TCPFactory,
		StartInfo: hosting.StartInfo{
			Path: hostPath,
			Args: flagHostArgs,
		},
		Settings: settings,
		Cache:    extensions.NewCache(flagAdapters...),
	}, nil
}

func doDiscover(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.String("cmd", "discover"))

	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	criteria := model.DiscoveryCriteria{
		Sources:   args,
		BatchSize: flagBatchSize,
		Filter:    flagFilter,
	}

	mgr := engine.NewDiscoveryManager(cfg, criteria)
	defer mgr.Close()

	sink := &consoleDiscoverySink{out: os.Stdout}
	stop := watchAbort(ctx, mgr.Abort)
	defer stop()
	mgr.DiscoverTests(ctx, criteria, sink)

	complete := sink.complete
	fmt.Printf("\ndiscovered: %d\n", complete.TotalDiscovered)
	if complete.Aborted {
		return fmt.Errorf("discovery aborted")
	}
	return nil
}

func doRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ctx = log.ContextAttrs(ctx, slog.String("cmd", "run"))

	cfg, err := buildConfig()
	if err != nil {
		return err
	}

	criteria := model.RunCriteria{
		Sources:     args,
		RunSettings: flagRunSettings,
		Parallel:    flagParallel,
		MaxParallel: flagMaxParallel,
	}

	mgr := engine.NewExecutionManager(cfg, criteria)
	defer mgr.Close()

	sink := &consoleRunSink{out: os.Stdout}
	stop := watchAbort(ctx, mgr.Abort)
	defer stop()
	mgr.StartExecution(ctx, criteria, sink)

	complete := sink.complete
	fmt.Printf("\nexecuted: %d  passed: %d  failed: %d  skipped: %d  in %s\n",
		complete.Stats.Executed,
		complete.Stats.Count(model.OutcomePassed),
		complete.Stats.Count(model.OutcomeFailed),
		complete.Stats.Count(model.OutcomeSkipped),
		complete.Elapsed.Round(time.Millisecond),
	)
	for _, a := range complete.Artifacts {
		fmt.Printf("artifact: %s (%s)\n", a.Path, a.Collector)
	}
	if complete.Aborted {
		return fmt.Errorf("run aborted")
	}
	if complete.Stats.Count(model.OutcomeFailed) > 0 {
		return fmt.Errorf("%d tests failed", complete.Stats.Count(model.OutcomeFailed))
	}
	return nil
}

// watchAbort forwards context cancellation, typically SIGINT, to the
// manager. The returned func stops the watch.
func watchAbort(ctx context.Context, abort func()) (stop func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			abort()
		case <-done:
		}
	}()
	return sync.OnceFunc(func() { close(done) })
}

type consoleDiscoverySink struct {
	mu       sync.Mutex
	out      *os.File
	complete events.DiscoveryComplete
}

func (s *consoleDiscoverySink) HandleDiscoveredTests(tests []model.TestCase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tc := range tests {
		fmt.Fprintln(s.out, tc.FullyQualifiedName)
	}
}

func (s *consoleDiscoverySink) HandleRawMessage([]byte) {}

func (s *consoleDiscoverySink) HandleLogMessage(severity events.Severity, message string) {
	logMessage(severity, message)
}

func (s *consoleDiscoverySink) HandleDiscoveryComplete(complete events.DiscoveryComplete) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tc := range complete.LastChunk {
		fmt.Fprintln(s.out, tc.FullyQualifiedName)
	}
	s.complete = complete
}

type consoleRunSink struct {
	mu       sync.Mutex
	out      *os.File
	complete events.RunComplete
}

func (s *consoleRunSink) HandleTestResults(results []model.TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		fmt.Fprintf(s.out, "%-7s %s (%s)\n", r.Outcome, r.TestCase.FullyQualifiedName, r.Duration.Round(time.Millisecond))
		if r.Outcome == model.OutcomeFailed && r.ErrorMessage != "" {
			fmt.Fprintf(s.out, "        %s\n", r.ErrorMessage)
		}
	}
}

func (s *consoleRunSink) HandleRunStatsChange(stats model.RunStats) {
	slog.Debug("run progress", "executed", stats.Executed)
}

func (s *consoleRunSink) HandleRawMessage([]byte) {}

func (s *consoleRunSink) HandleLogMessage(severity events.Severity, message string) {
	logMessage(severity, message)
}

func (s *consoleRunSink) HandleRunComplete(complete events.RunComplete) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = complete
}

func logMessage(severity events.Severity, message string) {
	switch severity {
	case events.SeverityError:
		slog.Error(message)
	case events.SeverityWarning:
		slog.Warn(message)
	default:
		slog.Info(message)
	}
}
