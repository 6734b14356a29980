package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/swarm/internal/config"
	"github.com/fentz26/swarm/internal/connectors"
	"github.com/fentz26/swarm/internal/connectors/localexec"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/metrics"
	"github.com/fentz26/swarm/internal/scheduler"
	"github.com/spf13/cobra"
)

var (
	metricsAddr string
	schedulerID string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Start the Swarm scheduler daemon",
	Long: `Starts a scheduler against the ticket store. It claims ready tickets for the
configured worker classes, runs the configured verifier over submitted work,
and reclaims expired leases. Any number of daemons may share one store.`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9466", "Listen address for /metrics, /healthz and /status (empty to disable)")
	daemonCmd.Flags().StringVar(&schedulerID, "id", "", "Scheduler id used as lease assignee (default random)")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger.Info("Starting Swarm daemon...", "db", cfg.DBPath)

	collector := metrics.NewCollector()
	svc, s, err := openService(collector)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("Closing database connection...")
		if err := s.Close(); err != nil {
			logger.Error("Database close error", "error", err)
		}
		logger.Info("Shutdown complete")
	}()

	var workers []connectors.Worker
	for _, wc := range cfg.WorkerConfigs() {
		workers = append(workers, localexec.New(wc))
	}
	registry, err := connectors.NewRegistry(workers...)
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		logger.Warn("No workers configured; tickets will only be reaped and reviewed")
	}

	opts := scheduler.Options{ID: schedulerID, Logger: logger, Metrics: collector}
	if vc, ok := cfg.VerifierConfig(); ok {
		opts.Verifier = localexec.New(vc)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := scheduler.New(svc, registry, cfg.SchedulerConfig(), opts)
	sched.Start(ctx)
	defer sched.Stop()

	if configPath != "" {
		go func() {
			err := config.Watch(ctx, configPath, logger, func(c *config.Config) {
				svc.ApplyConfig(c.RetryConfig(), c.BreakerConfig())
			})
			if err != nil {
				logger.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	// Channel to receive server errors
	serverErr := make(chan error, 1)
	var server *controlplane.Server
	if metricsAddr != "" {
		server = controlplane.NewServer(svc, s, metricsAddr, controlplane.ServerOptions{
			Metrics: collector.Handler(),
			Stats:   func() any { return sched.Stats() },
			Logger:  logger,
		})
		go func() {
			err := server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
			close(serverErr)
		}()
	}

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		logger.Info("Received signal, initiating graceful shutdown...")
	case err := <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
			return err
		}
	}

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logger.Info("Shutting down HTTP server...")
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}
	return nil
}
