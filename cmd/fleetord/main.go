package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fleetor/fleetor/internal/control"
	"github.com/fleetor/fleetor/pkg/config"
	"github.com/fleetor/fleetor/pkg/logging"
)

var version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleetord",
		Short: "Fleet control plane daemon",
		Long:  "fleetord runs the control plane: agent registry, central task assignment, command dispatch, bulk operations, scheduling and health-driven recovery.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration file")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("fleetord %s\n", version)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewZapLogger(logging.Config{
		Level:  logging.ParseLevel(cfg.Logging.Level),
		Format: cfg.Logging.Format,
		Output: os.Stdout,
	})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	plane, err := control.New(cfg, logger)
	if err != nil {
		return err
	}

	if err := plane.Start(ctx); err != nil {
		return err
	}

	var metricsServer *http.Server
	if cfg.Monitoring.MetricsEnabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", plane.Collector().HTTPHandler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics endpoint listening",
				logging.Int("port", cfg.Monitoring.MetricsPort))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", logging.Err(err))
			}
		}()
	}

	// Hot-reload only touches log level today; structural changes need a
	// restart
	if configPath != "" {
		watcher := config.NewWatcher(configPath, logger, func(fresh *config.SystemConfig) {
			logger.Info("config change detected",
				logging.String("log_level", fresh.Logging.Level))
		})
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("config watcher unavailable", logging.Err(err))
		} else {
			defer watcher.Stop()
		}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.System.ShutdownTimeout)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", logging.Err(err))
		}
	}

	return plane.Stop()
}
