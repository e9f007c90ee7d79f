package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/taskpilot/agentd/internal/config"
	"github.com/taskpilot/agentd/internal/logger"
	"github.com/taskpilot/agentd/internal/metrics"
	"github.com/taskpilot/agentd/internal/store"
	"github.com/taskpilot/agentd/internal/tracing"
	"github.com/taskpilot/agentd/pkg/admission"
	"github.com/taskpilot/agentd/pkg/dispatch"
	"github.com/taskpilot/agentd/pkg/gateway"
	"github.com/taskpilot/agentd/pkg/relay"
	"github.com/taskpilot/agentd/pkg/runner"
	"github.com/taskpilot/agentd/pkg/sandbox"
	"github.com/taskpilot/agentd/pkg/secrets"
	"github.com/taskpilot/agentd/pkg/supervisor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator server",
	Long: `Run the agentd HTTP API and its execution workers in the
foreground until interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config: %s\n", e.Error())
		}
		return fmt.Errorf("invalid configuration (%d errors)", len(errs))
	}

	lg, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer lg.Close()

	if err := tracing.Init("agentd"); err != nil {
		log.Warn().Err(err).Msg("Tracing init failed, continuing without")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.Store
	if cfg.Store.DSN != "" {
		pg, err := store.Open(ctx, cfg.Store.DSN)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer pg.Close()
		if cfg.Store.BootstrapSchema {
			if err := pg.Bootstrap(ctx); err != nil {
				return fmt.Errorf("bootstrap schema: %w", err)
			}
			if err := store.SeedCatalogPostgres(ctx, pg); err != nil {
				return fmt.Errorf("seed catalog: %w", err)
			}
		}
		st = pg
	} else {
		log.Warn().Msg("No store DSN configured, using the in-memory store (single node only)")
		mem := store.NewMemoryStore()
		store.SeedCatalog(mem)
		st = mem
	}

	cipher, err := secrets.NewCipher(cfg.Secrets.InstanceSecret)
	if err != nil {
		return fmt.Errorf("init token cipher: %w", err)
	}
	resolver := secrets.NewResolver(cipher)
	resolver.InstanceLLMKey = cfg.Secrets.LLMAPIKey
	resolver.InstanceSourceControlToken = cfg.Secrets.SourceControlToken

	m := metrics.New()

	hub := relay.NewHub()
	hub.OnPublish = func() { m.ChunksPublished.Inc() }
	hub.OnDrop = func() { m.ChunksDropped.Inc() }

	if err := sandbox.CheckDocker(); err != nil {
		log.Warn().Err(err).Msg("Docker unavailable, sandbox executions will fail")
	}
	docker := sandbox.NewRunner(sandbox.Config{
		Memory:  cfg.Sandbox.Memory,
		CPUs:    cfg.Sandbox.CPUs,
		Network: cfg.Sandbox.Network,
	})
	sandboxStrategy := runner.NewSandboxStrategy(docker)
	selector := runner.NewSelector(sandboxStrategy, map[string]runner.Strategy{
		"claude": &runner.AnthropicStrategy{},
		"gpt":    &runner.OpenAIStrategy{},
	})

	sup := supervisor.New(st, hub, resolver, selector, sandboxStrategy, m, nil, nil)

	pool := dispatch.New(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize)
	pool.OnDepth = func(depth int) { m.DispatchQueueDepth.Set(float64(depth)) }
	pool.OnRetry = func() { m.DispatchRetries.Inc() }
	defer pool.Close()

	controller := admission.New(st, pool, sup.Run, m)

	janitor := supervisor.NewJanitor(st, hub, m,
		cfg.Janitor.Interval(), cfg.Janitor.OrphanAge())
	if cfg.Janitor.Enabled {
		go janitor.Start(ctx)
	}

	server := gateway.NewServer(gateway.Options{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Stream:        cfg.Stream,
	}, st, controller, sup, hub, cipher, m)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	if err := server.Stop(); err != nil {
		log.Error().Err(err).Msg("Gateway shutdown error")
	}
	return nil
}
