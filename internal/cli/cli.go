// ============================================================================
// Beaver-Query CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Provides command line interface based on Cobra framework
//
// Command Structure:
//   beaver-query                       # Root command
//   ├── run                            # Start engine + HTTP API + metrics
//   │   └── --addr                     # Override server.addr
//   ├── compile -f req.json            # Compile offline, print plan and hash
//   ├── submit  -f req.json            # Submit through the HTTP API
//   ├── status                         # Queue statistics from a running server
//   ├── budget set|get|reset           # Tenant budget management
//   ├── operators                      # Registry listing
//   ├── --config, -c                   # Config file (default: configs/default.yaml)
//   └── --server                       # HTTP API base URL for client commands
//
// run Command:
//   1. Load config
//   2. Open storage (memory + snapshot/WAL, or SQLite)
//   3. Tracing, metrics registry
//   4. Engine.New (recovery) → Engine.Start
//   5. HTTP server and metrics server under one errgroup
//   6. SIGINT / SIGTERM → shut servers down → Engine.Stop (final snapshot)
//
// Examples:
//   ./beaver-query run -c configs/default.yaml
//   ./beaver-query budget set shop-42 pro
//   ./beaver-query submit -f examples/anomaly.json
//   ./beaver-query status
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/beaver-query/internal/config"
	"github.com/ChuLiYu/beaver-query/internal/engine"
	"github.com/ChuLiYu/beaver-query/internal/eventstore"
	"github.com/ChuLiYu/beaver-query/internal/metrics"
	"github.com/ChuLiYu/beaver-query/internal/observability"
	"github.com/ChuLiYu/beaver-query/internal/repository"
	"github.com/ChuLiYu/beaver-query/internal/server"
)

var log = slog.Default()

// Version 由 -ldflags 覆寫
var Version = "0.1.0"

const defaultServerURL = "http://localhost:8080"

// rootOptions 所有子命令共用的旗標
type rootOptions struct {
	configFile string
	serverURL  string
}

// BuildCLI 建立根命令
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "beaver-query",
		Short: "Beaver-Query: analytics query execution core",
		Long: `Beaver-Query compiles analytics queries into DAG plans and runs them with:
- per-tenant execution budgets and admission control
- per-queue worker pools with backpressure
- deadline scheduling and cancellation
- a tenant-scoped result cache`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", defaultServerURL, "HTTP API base URL for client commands")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildCompileCommand(opts))
	rootCmd.AddCommand(buildSubmitCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildBudgetCommand(opts))
	rootCmd.AddCommand(buildOperatorsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the query engine with its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runSystem(ctx, cfg)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides server.addr)")
	return cmd
}

// runSystem 啟動整個系統並阻塞到 ctx 取消
func runSystem(ctx context.Context, cfg config.Config) (err error) {
	log.Info("Starting Beaver-Query", "version", Version, "storage", cfg.Storage.Backend)

	shutdownTracing, err := observability.Init(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if terr := shutdownTracing(context.Background()); terr != nil {
			log.Error("Failed to shut down tracing", "error", terr)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engineOpts := []engine.Option{engine.WithMetrics(metrics.NewCollector(reg))}
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := repository.OpenSQLite(cfg.Storage.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite: %w", err)
		}
		defer func() {
			if cerr := db.Close(); cerr != nil {
				log.Error("Failed to close database", "error", cerr)
			}
		}()
		engineOpts = append(engineOpts, engine.WithRepository(db), engine.WithEvents(db))
	default:
		engineOpts = append(engineOpts, engine.WithEvents(eventstore.NewSynthetic(cfg.Events.Step, cfg.Events.MaxPoints)))
	}

	eng, err := engine.New(ctx, cfg.EngineConfig(), engineOpts...)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := eng.Start(ctx); err != nil {
		eng.Stop()
		return fmt.Errorf("failed to start engine: %w", err)
	}

	srv := server.New(eng, cfg.Server)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx) })
	if cfg.Metrics.Enabled {
		log.Info("Starting metrics server", "addr", cfg.Metrics.Addr)
		g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Addr, reg) })
	}

	log.Info("System started successfully", "addr", cfg.Server.Addr)
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Server failed", "error", err)
	} else {
		err = nil
	}

	log.Info("Received shutdown signal, stopping gracefully...")
	eng.Stop()
	log.Info("System stopped")
	return err
}
