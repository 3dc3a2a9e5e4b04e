// Package main is the entry point for the upstreamd routing proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/upstreamd/upstreamd/internal/breaker"
	"github.com/upstreamd/upstreamd/internal/config"
	"github.com/upstreamd/upstreamd/internal/engine"
	"github.com/upstreamd/upstreamd/internal/observability"
	"github.com/upstreamd/upstreamd/internal/probe"
	"github.com/upstreamd/upstreamd/internal/registry"
	"github.com/upstreamd/upstreamd/internal/selector"
	"github.com/upstreamd/upstreamd/internal/server"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting upstreamd",
		observability.String("version", version),
		observability.String("config", flags.configPath),
		observability.Int("backends", len(cfg.Backends)),
	)

	if err := run(cfg, flags.configPath, logger); err != nil {
		logger.Error("upstreamd exited with error", observability.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("UPSTREAMD_CONFIG_PATH", "configs/upstreamd.yaml"),
		"Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("upstreamd version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(cfg config.LoggingConfig) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Level,
		Format: cfg.Format,
		Output: cfg.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// run builds the engine and server and blocks until shutdown.
func run(cfg *config.Config, configPath string, logger observability.Logger) error {
	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to build routing engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer eng.Stop()

	watcher, err := startConfigWatcher(ctx, configPath, cfg, eng, logger)
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	proxy := server.NewProxy(eng,
		server.WithProxyLogger(logger),
		server.WithSessionHeader(sessionHeader(cfg)),
	)

	srv := server.New(eng, proxy, cfg.Listen, cfg.MetricsListen,
		server.WithLogger(logger),
	)

	return srv.Run(ctx)
}

// buildEngine maps the file configuration onto an engine.
func buildEngine(cfg *config.Config, logger observability.Logger) (*engine.Engine, error) {
	algorithm, err := selector.Parse(cfg.Routing.Algorithm)
	if err != nil {
		return nil, err
	}

	engineCfg := engine.Config{
		Algorithm:             algorithm,
		Breaker:               breakerConfig(cfg.Breaker),
		VirtualNodesPerWeight: cfg.Routing.VirtualNodesPerWeight,
		Backends:              backendSpecs(cfg.Backends),
	}

	if sticky := cfg.Routing.Sticky; sticky != nil && sticky.Enabled {
		engineCfg.Sticky = true
		engineCfg.StickyMaxEntries = sticky.MaxEntries
	}

	if cfg.HealthCheck.IsEnabled() {
		engineCfg.Prober = probe.NewHTTPProber(probe.WithPath(cfg.HealthCheck.Path))
		engineCfg.Probe = probe.Config{
			Interval:           cfg.HealthCheck.Interval.Duration(),
			Timeout:            cfg.HealthCheck.Timeout.Duration(),
			HealthyThreshold:   cfg.HealthCheck.HealthyThreshold,
			UnhealthyThreshold: cfg.HealthCheck.UnhealthyThreshold,
			ForceBreakerOpen:   cfg.HealthCheck.ShouldForceBreakerOpen(),
		}
	}

	return engine.New(engineCfg, engine.WithLogger(logger))
}

// breakerConfig maps the file breaker section onto a breaker config.
func breakerConfig(cfg config.CircuitBreakerConfig) *breaker.Config {
	c := breaker.DefaultConfig()
	if cfg.FailureThreshold > 0 {
		c.FailureThreshold = cfg.FailureThreshold
	}
	if cfg.OpenTimeout > 0 {
		c.OpenTimeout = cfg.OpenTimeout.Duration()
	}
	if cfg.HalfOpenMaxRequests > 0 {
		c.HalfOpenMaxRequests = cfg.HalfOpenMaxRequests
	}
	if cfg.SuccessThreshold > 0 {
		c.SuccessThreshold = cfg.SuccessThreshold
	}
	if cfg.BackoffFactor > 1 {
		c.BackoffFactor = cfg.BackoffFactor
		c.MaxOpenTimeout = cfg.MaxOpenTimeout.Duration()
	}
	return c
}

// backendSpecs maps configured backends onto registry specs.
func backendSpecs(backends []config.Backend) []registry.BackendSpec {
	specs := make([]registry.BackendSpec, 0, len(backends))
	for _, b := range backends {
		specs = append(specs, backendSpec(b))
	}
	return specs
}

func backendSpec(b config.Backend) registry.BackendSpec {
	return registry.BackendSpec{
		ID: b.Name,
		Target: registry.Target{
			Address: b.Address,
			Port:    b.Port,
			Scheme:  b.Scheme,
			Path:    b.HealthCheckPath,
		},
		Weight:         b.Weight,
		Disabled:       !b.IsEnabled(),
		MaxConnections: b.MaxConnections,
	}
}

// sessionHeader returns the configured sticky-session header, if any.
func sessionHeader(cfg *config.Config) string {
	if cfg.Routing.Sticky != nil {
		return cfg.Routing.Sticky.Header
	}
	return ""
}

// startConfigWatcher watches the config file and applies backend-set
// changes to the running engine. Settings outside the backend list need a
// restart.
func startConfigWatcher(
	ctx context.Context,
	configPath string,
	initial *config.Config,
	eng *engine.Engine,
	logger observability.Logger,
) (*config.Watcher, error) {
	previous := initial

	watcher, err := config.NewWatcher(configPath, func(updated *config.Config) {
		applyBackendDiff(eng, config.DiffBackends(previous, updated), logger)
		previous = updated
	}, config.WithWatcherLogger(logger))
	if err != nil {
		return nil, err
	}

	if err := watcher.Start(ctx); err != nil {
		return nil, err
	}
	return watcher, nil
}

// applyBackendDiff feeds a backend-set diff into the engine.
func applyBackendDiff(eng *engine.Engine, diff config.BackendDiff, logger observability.Logger) {
	for _, name := range diff.Removed {
		if err := eng.RemoveBackend(name); err != nil {
			logger.Error("failed to remove backend",
				observability.String("backend", name),
				observability.Error(err),
			)
		}
	}

	for _, b := range diff.Added {
		if err := eng.AddBackend(backendSpec(b)); err != nil {
			logger.Error("failed to add backend",
				observability.String("backend", b.Name),
				observability.Error(err),
			)
		}
	}

	for _, b := range diff.Updated {
		applyBackendUpdate(eng, b, logger)
	}

	if len(diff.Added)+len(diff.Removed)+len(diff.Updated) > 0 {
		logger.Info("backend set reconciled",
			observability.Int("added", len(diff.Added)),
			observability.Int("removed", len(diff.Removed)),
			observability.Int("updated", len(diff.Updated)),
		)
	}
}

// applyBackendUpdate patches a changed backend in place. A target change
// (address, port, scheme) replaces the entry, resetting its live state.
func applyBackendUpdate(eng *engine.Engine, b config.Backend, logger observability.Logger) {
	spec := backendSpec(b)

	if existing, ok := eng.Backend(b.Name); ok && existing.Target() == spec.Target {
		enabled := b.IsEnabled()
		err := eng.UpdateBackend(b.Name, registry.Patch{
			Weight:         &spec.Weight,
			Enabled:        &enabled,
			MaxConnections: &spec.MaxConnections,
		})
		if err != nil {
			logger.Error("failed to update backend",
				observability.String("backend", b.Name),
				observability.Error(err),
			)
		}
		return
	}

	if err := eng.RemoveBackend(b.Name); err != nil {
		logger.Error("failed to replace backend",
			observability.String("backend", b.Name),
			observability.Error(err),
		)
		return
	}
	if err := eng.AddBackend(spec); err != nil {
		logger.Error("failed to replace backend",
			observability.String("backend", b.Name),
			observability.Error(err),
		)
	}
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
