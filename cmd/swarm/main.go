package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fentz26/swarm/internal/config"
	"github.com/fentz26/swarm/internal/controlplane"
	"github.com/fentz26/swarm/internal/metrics"
	"github.com/fentz26/swarm/internal/store"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Swarm - ticket orchestration engine",
	Long: `Swarm dispatches tickets to a pool of workers, routes their results through
a verification stage, and drives every ticket through its lifecycle with an
append-only audit log.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	configPath string
	dbPath     string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML or TOML config file")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "Path to SQLite database (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(ticketCmd)
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg = config.Default()
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger, err = newLogger(cfg.LogLevel)
	return err
}

// newLogger writes human-readable records to a terminal and JSON records
// when stderr is redirected.
func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

// openService opens the store and wires the engine around it.
func openService(m *metrics.Collector) (*controlplane.Service, *store.Store, error) {
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	s, err := store.New(cfg.DBPath, store.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	rc := cfg.RetryConfig()
	bc := cfg.BreakerConfig()
	svc := controlplane.NewService(s, controlplane.Options{
		Logger:             logger,
		Metrics:            m,
		Retry:              &rc,
		Breaker:            &bc,
		MaxDependencyDepth: cfg.MaxDependencyDepth,
	})
	return svc, s, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
