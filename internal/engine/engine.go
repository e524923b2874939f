// Package engine assembles discovery and execution managers from
// configuration: plain proxy managers for single-source work, parallel
// orchestrators fanning out over a pool otherwise.
package engine

import (
	"github.com/testhive/testhive/internal/channel"
	"github.com/testhive/testhive/internal/collect"
	"github.com/testhive/testhive/internal/extensions"
	"github.com/testhive/testhive/internal/hosting"
	"github.com/testhive/testhive/internal/model"
	"github.com/testhive/testhive/internal/parallel"
	"github.com/testhive/testhive/internal/proxy"
)

// Config carries everything needed to build managers. Provider and
// Dial are required, the rest may be zero.
type Config struct {
	Provider  hosting.Factory
	Dial      channel.Factory
	StartInfo hosting.StartInfo

	Settings *model.Settings

	// Cache of adapter paths shared across managers. Built from the
	// settings adapter paths when nil.
	Cache *extensions.Cache

	DefaultAdapters []string

	// Collectors to attach to every execution, in addition to the ones
	// configured in Settings.
	Collectors []collect.Collector
}

func (c Config) cache() *extensions.Cache {
	if c.Cache != nil {
		return c.Cache
	}
	var paths []string
	if c.Settings != nil {
		paths = c.Settings.AdapterPaths
	}
	return extensions.NewCache(paths...)
}

// startInfo applies the configured host binary and arguments on top of
// the programmatic defaults.
func (c Config) startInfo() hosting.StartInfo {
	info := c.StartInfo
	if c.Settings == nil || c.Settings.Host == nil {
		return info
	}
	host := c.Settings.Host
	if host.Path != nil && *host.Path != "" {
		info.Path = *host.Path
	}
	if len(host.Args) > 0 {
		info.Args = append([]string(nil), host.Args...)
	}
	return info
}

func (c Config) proxyOptions(cache *extensions.Cache) proxy.Options {
	return proxy.Options{
		Provider:        c.Provider(),
		Dial:            c.Dial,
		StartInfo:       c.startInfo(),
		ConnectTimeout:  c.Settings.ConnectTimeout(),
		Cache:           cache,
		DefaultAdapters: c.DefaultAdapters,
	}
}

// collectors returns the configured collectors: the programmatic ones
// plus a directory collector per enabled settings entry that names an
// output directory.
func (c Config) collectors() []collect.Collector {
	out := append([]collect.Collector(nil), c.Collectors...)
	if c.Settings == nil {
		return out
	}
	for _, cs := range c.Settings.Collectors {
		if cs.Enabled != nil && !*cs.Enabled {
			continue
		}
		if cs.OutputDir == nil || *cs.OutputDir == "" {
			continue
		}
		out = append(out, collect.NewDirCollector(cs.Name, *cs.OutputDir))
	}
	return out
}

// NewDiscoveryManager returns the manager serving one discovery
// request. Multi-source requests run on the parallel orchestrator
// unless parallelism is disabled or capped to one worker.
func NewDiscoveryManager(cfg Config, criteria model.DiscoveryCriteria) proxy.DiscoveryManager {
	cache := cfg.cache()
	units := len(criteria.Sources)
	workers := cfg.Settings.MaxWorkers()

	if units <= 1 || workers == 1 || !cfg.Settings.ParallelEnabled() {
		return proxy.NewDiscovery(cfg.proxyOptions(cache))
	}
	return parallel.NewDiscovery(parallel.DiscoveryOptions{
		NewManager: func() proxy.DiscoveryManager {
			return proxy.NewDiscovery(cfg.proxyOptions(cache))
		},
		Shared:     cfg.Provider().Shared(),
		MaxWorkers: workers,
	})
}

// NewExecutionManager returns the manager serving one run request.
// Collectors decorate each pool member so their session spans exactly
// one test host.
func NewExecutionManager(cfg Config, criteria model.RunCriteria) proxy.RunManager {
	cache := cfg.cache()
	collectors := cfg.collectors()
	newManager := func() proxy.RunManager {
		return collect.Wrap(proxy.NewExecution(cfg.proxyOptions(cache)), collectors...)
	}

	units := len(criteria.UnitSources())
	enabled := criteria.Parallel && cfg.Settings.ParallelEnabled()
	workers := criteria.MaxParallel
	if workers == 0 {
		workers = cfg.Settings.MaxWorkers()
	}

	if units <= 1 || workers == 1 || !enabled {
		return newManager()
	}
	return parallel.NewExecution(parallel.ExecutionOptions{
		NewManager: newManager,
		Shared:     cfg.Provider().Shared(),
		MaxWorkers: workers,
	})
}
