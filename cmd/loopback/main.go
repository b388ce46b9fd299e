package main

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/loopback/internal/config"
	"github.com/mattjoyce/loopback/internal/endpoint"
	"github.com/mattjoyce/loopback/internal/events"
	"github.com/mattjoyce/loopback/internal/log"
	"github.com/mattjoyce/loopback/internal/task"
	"github.com/mattjoyce/loopback/internal/tasks"
	"github.com/mattjoyce/loopback/internal/worker"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "loopback",
		Short: "Self-dispatched background tasks over signed HTTP",
		Long: `loopback runs units of work outside the request that asked for them by
having the application call its own run-task endpoint with a signed,
time-windowed token.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			loadEnvironment()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file or directory")

	root.AddCommand(
		newServeCmd(&configPath),
		newDispatchCmd(&configPath),
		newTokenCmd(&configPath),
		newConfigCmd(&configPath),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "loopback version %s\n", version)
			},
		},
	)
	return root
}

// loadEnvironment loads .env from the working directory and then from the
// executable's directory. Existing variables are never overwritten.
func loadEnvironment() {
	_ = godotenv.Load()
	if execPath, err := os.Executable(); err == nil {
		_ = godotenv.Load(filepath.Join(filepath.Dir(execPath), ".env"))
	}
}

// loadConfig loads the config at path, discovering it when path is empty.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.Discover()
		if err != nil {
			return nil, err
		}
		path = discovered
		fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", path)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newRegistry returns a registry holding the built-in task kinds.
func newRegistry() (*task.Registry, error) {
	reg := task.NewRegistry()
	if err := tasks.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// newWorker builds the worker described by cfg.
func newWorker(cfg *config.Config, reg *task.Registry, hub *events.Hub) (*worker.Worker, error) {
	client := &http.Client{}
	if cfg.Dispatch.InsecureSkipVerify {
		client.Transport = &http.Transport{
			Proxy:           http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // opt-in for self-signed own endpoint
		}
	}

	return worker.New(worker.Options{
		BaseURL:         cfg.Site.BaseURL,
		Path:            cfg.Server.EndpointPath,
		Secret:          []byte(cfg.Nonce.Secret),
		Lifetime:        cfg.Nonce.Lifetime,
		Provenance:      endpoint.Provenance(cfg.Site.Provenance),
		MaxBodySize:     cfg.MaxBodyBytes(),
		AsyncTimeout:    cfg.Dispatch.AsyncTimeout,
		BlockingTimeout: cfg.Dispatch.BlockingTimeout,
		Registry:        reg,
		Client:          client,
		Events:          hub,
		Logger:          log.WithComponent("worker"),
	})
}
