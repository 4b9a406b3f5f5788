// Command orchestratord runs the orchestrator daemon: it loads
// configuration, opens storage, wires the workflow engine and its
// collaborators, resumes any workflow left in-flight from a prior
// run, and serves the HTTP surface until it receives a shutdown signal.
//
// Usage:
//
//	orchestratord serve --config orchestrator.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/agentmesh/orchestrator/pkg/agentregistry"
	"github.com/agentmesh/orchestrator/pkg/auth"
	"github.com/agentmesh/orchestrator/pkg/bus"
	"github.com/agentmesh/orchestrator/pkg/config"
	"github.com/agentmesh/orchestrator/pkg/llmadapter"
	"github.com/agentmesh/orchestrator/pkg/logging"
	"github.com/agentmesh/orchestrator/pkg/observability"
	"github.com/agentmesh/orchestrator/pkg/ratelimit"
	"github.com/agentmesh/orchestrator/pkg/server"
	"github.com/agentmesh/orchestrator/pkg/storage"
	"github.com/agentmesh/orchestrator/pkg/workflow"
)

// CLI defines the command-line interface.
type CLI struct {
	Serve ServeCmd `cmd:"" help:"Start the orchestrator daemon."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)."`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (text or json)."`
}

// ServeCmd starts the daemon.
type ServeCmd struct {
	Addr string `help:"Override the configured listen address."`
	Watch bool  `help:"Watch the config file and log each reload; the running engine keeps its startup tunables."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("orchestratord: load config: %w", err)
	}
	if c.Addr != "" {
		cfg.Server.Addr = c.Addr
	}

	logger, closeLog, err := logging.Build(cli.LogLevel, cli.LogFile, cli.LogFormat, cfg.Logger)
	if err != nil {
		return fmt.Errorf("orchestratord: build logger: %w", err)
	}
	defer closeLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("orchestratord: shutdown signal received")
		cancel()
	}()

	daemon, err := newDaemon(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer daemon.Close()

	if c.Watch && cli.Config != "" {
		watcher, err := config.Watch(cli.Config, logger, daemon.onConfigChange)
		if err != nil {
			logger.Warn("orchestratord: config watch disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	if err := daemon.resumeInFlight(ctx); err != nil {
		logger.Warn("orchestratord: resume sweep failed", "error", err)
	}
	daemon.startSweepLoop(ctx)
	if err := daemon.startConsulDiscovery(ctx, cfg.AgentDiscovery.Consul, logger); err != nil {
		logger.Warn("orchestratord: consul discovery disabled", "error", err)
	}

	errCh := daemon.srv.Start()
	logger.Info("orchestratord: serving", "addr", cfg.Server.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("orchestratord: server: %w", err)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := daemon.srv.Stop(shutdownCtx); err != nil {
			logger.Error("orchestratord: graceful shutdown failed", "error", err)
		}
	}
	return nil
}

// daemon bundles every long-lived collaborator orchestratord owns, so
// Run can wire them once and tear them down in one place on exit.
type daemon struct {
	logger   *slog.Logger
	pool     *storage.Pool
	store    *storage.Store
	bus      *bus.Bus
	registry *agentregistry.Registry
	engine   *workflow.Engine
	srv      *server.Server

	sweepInterval time.Duration
}

func newDaemon(ctx context.Context, logger *slog.Logger, cfg *config.Config) (*daemon, error) {
	pool, err := storage.Open(ctx, logger, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("orchestratord: open storage: %w", err)
	}
	if err := pool.Migrate(ctx, cfg.Database.Dialect()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("orchestratord: migrate storage: %w", err)
	}
	store, err := storage.NewStore(pool, &cfg.Database)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("orchestratord: build store: %w", err)
	}

	b := bus.New(logger, 1024)
	registry := agentregistry.New(logger, cfg.Workflow.HeartbeatTimeout, nil)

	// The LLM client is an external collaborator out of scope (SPEC_FULL
	// §1 "Out of scope"); orchestratord runs against the in-memory Fake,
	// which reports no decomposition need and routes tasks through the
	// single-subtask coordination path.
	llm := &llmadapter.Fake{}

	engine := workflow.New(logger, cfg.Workflow, store, b, registry, llm)
	registry.SetSink(engine)

	metrics, err := observability.NewMetrics(&cfg.Observability.Metrics)
	if err != nil {
		engine.Close()
		pool.Close()
		return nil, fmt.Errorf("orchestratord: build metrics: %w", err)
	}
	tracerProvider, err := observability.InitGlobalTracer(ctx, cfg.Observability.Tracer)
	if err != nil {
		engine.Close()
		pool.Close()
		return nil, fmt.Errorf("orchestratord: init tracer: %w", err)
	}
	tracer := tracerProvider.Tracer("orchestrator")
	engine.SetObservability(metrics, tracer)
	b.SetMetrics(metrics)

	limiter := buildLimiter(cfg.Server.RateLimit)

	authCfg, err := buildAuthConfig(cfg.Server.Auth)
	if err != nil {
		engine.Close()
		pool.Close()
		return nil, fmt.Errorf("orchestratord: build auth validator: %w", err)
	}

	srv := server.New(logger, engine, registry, server.Config{
		Addr:           cfg.Server.Addr,
		Auth:           authCfg,
		RateLimiter:    limiter,
		Metrics:        metrics,
		EventRetention: server.DefaultEventRetention,
	})

	return &daemon{
		logger:        logger,
		pool:          pool,
		store:         store,
		bus:           b,
		registry:      registry,
		engine:        engine,
		srv:           srv,
		sweepInterval: cfg.Workflow.HeartbeatTimeout / 2,
	}, nil
}

// resumeInFlight replays every workflow with at least one checkpoint
// through Engine.Resume (§8 end-to-end scenario 6, "Resume after
// restart"). Already-terminal workflows are a harmless no-op there.
func (d *daemon) resumeInFlight(ctx context.Context) error {
	ids, err := d.store.ListWorkflowIDs(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := d.engine.Resume(ctx, id); err != nil {
			d.logger.Warn("orchestratord: resume failed", "workflow_id", id, "error", err)
		}
	}
	d.logger.Info("orchestratord: resume sweep complete", "workflows", len(ids))
	return nil
}

// startSweepLoop periodically sweeps the agent registry for heartbeat
// timeouts (§4.3); the registry itself only checks on demand.
func (d *daemon) startSweepLoop(ctx context.Context) {
	interval := d.sweepInterval
	if interval <= 0 {
		interval = agentregistry.DefaultHeartbeatTimeout / 2
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if unreachable := d.registry.SweepUnreachable(); len(unreachable) > 0 {
					d.logger.Info("orchestratord: agents marked unreachable", "agent_ids", unreachable)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// startConsulDiscovery wires the opt-in Consul-backed agent discovery
// poller (SPEC_FULL §C); a no-op when disabled.
func (d *daemon) startConsulDiscovery(ctx context.Context, cfg config.ConsulDiscoveryConfig, logger *slog.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	disc, err := agentregistry.NewConsulDiscovery(cfg.Address, cfg.ServiceName, cfg.PollInterval, d.registry, logger)
	if err != nil {
		return err
	}
	disc.Start(ctx)
	return nil
}

func (d *daemon) onConfigChange(cfg *config.Config, err error) {
	if err != nil {
		d.logger.Warn("orchestratord: config reload failed, keeping previous config", "error", err)
		return
	}
	d.logger.Info("orchestratord: config reloaded (not applied; the running engine keeps its startup tunables)")
}

func (d *daemon) Close() {
	d.srv.Stop(context.Background())
	d.engine.Close()
	d.pool.Close()
}

func buildLimiter(cfg config.RateLimitConfig) ratelimit.Limiter {
	if !cfg.Enabled {
		return ratelimit.NewLimiter(ratelimit.Config{})
	}
	return ratelimit.NewLimiter(ratelimit.Config{Rules: cfg.Rules()})
}

// buildAuthConfig constructs the middleware config from the YAML auth
// section, fetching the JWKS document up front so a misconfigured
// provider fails fast at startup rather than on the first request.
func buildAuthConfig(cfg config.AuthConfig) (auth.MiddlewareConfig, error) {
	if !cfg.Enabled {
		return auth.MiddlewareConfig{}, nil
	}
	validator, err := auth.NewJWTValidator(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	if err != nil {
		return auth.MiddlewareConfig{}, err
	}
	return auth.MiddlewareConfig{
		Validator:     validator,
		Enabled:       true,
		ExcludedPaths: cfg.ExcludedPaths,
	}, nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("orchestratord"),
		kong.Description("Agent-orchestration daemon."),
		kong.UsageOnError(),
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord:", err)
		os.Exit(1)
	}
}
