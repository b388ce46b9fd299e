package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/loopback/internal/api"
	"github.com/mattjoyce/loopback/internal/config"
	"github.com/mattjoyce/loopback/internal/events"
	"github.com/mattjoyce/loopback/internal/lock"
	"github.com/mattjoyce/loopback/internal/log"
)

func newServeCmd(configPath *string) *cobra.Command {
	var pidFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server hosting the run-task endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg, pidFile)
		},
	}
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "Hold an exclusive lock on this PID file while running")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, pidFile string) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("loopback starting", "version", version, "config", cfg.SourcePath)

	if cfg.SourcePath != "" {
		integrity, err := config.VerifyIntegrity(cfg.SourcePath)
		if err != nil {
			return fmt.Errorf("integrity check: %w", err)
		}
		for _, w := range integrity.Warnings {
			logger.Warn("config integrity", "warning", w)
		}
		if !integrity.Passed {
			return fmt.Errorf("config integrity check failed: %v", integrity.Errors)
		}
	}

	if pidFile != "" {
		pidLock, err := lock.Acquire(pidFile)
		if err != nil {
			return fmt.Errorf("failed to acquire PID lock (another instance may be running): %w", err)
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidFile)
	}

	reg, err := newRegistry()
	if err != nil {
		return err
	}
	hub := events.NewHub(256)

	w, err := newWorker(cfg, reg, hub)
	if err != nil {
		return err
	}
	defer w.Wait()

	server := api.New(api.Config{
		Listen:       cfg.Server.Listen,
		APIKey:       cfg.Server.APIKey,
		EndpointPath: cfg.Server.EndpointPath,
	}, w, reg, hub, log.WithComponent("api"))

	logger.Info("loopback running (press Ctrl+C to stop)",
		"listen", cfg.Server.Listen,
		"endpoint", w.Endpoint(),
		"tasks", reg.Names(),
	)

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server failed", "error", err)
		return err
	}

	logger.Info("loopback stopped")
	return nil
}
