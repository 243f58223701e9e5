package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/amelia-dev/amelia/pkg/api"
	"github.com/amelia-dev/amelia/pkg/bus"
	"github.com/amelia-dev/amelia/pkg/config"
	"github.com/amelia-dev/amelia/pkg/orchestrator"
	"github.com/amelia-dev/amelia/pkg/store"
)

var (
	serverPort    int
	serverBindAll bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the orchestrator server",
	Long: `Start the amelia server: REST API, WebSocket event stream, and the
workflow scheduler. Configuration comes from AMELIA_* environment
variables and an optional .env file in the data directory.`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().IntVar(&serverPort, "port", 0, "listen port (overrides AMELIA_PORT)")
	serverCmd.Flags().BoolVar(&serverBindAll, "bind-all", false, "bind 0.0.0.0 instead of loopback")
}

func runServer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServerConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	slog.Info("Starting amelia", "addr", cfg.Addr(), "data_dir", cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store ready", "backend", st.Backend())

	b := bus.New(st)
	connManager := bus.NewConnectionManager(b, 5*time.Second)
	connManager.SetIdleTimeout(cfg.WSIdleTimeout)

	orch := orchestrator.New(st, b, orchestrator.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxRetries:    cfg.MaxRetries,
		RunTimeout:    cfg.RunTimeout,
		Repository:    cfg.RepoURL,
	})
	sandboxes := newSandboxManager(cfg)
	orch.SetSandboxFactory(sandboxes.SandboxFor)
	orch.SetWorkspaceManager(sandboxes)
	if err := orch.CleanupOrphans(ctx); err != nil {
		slog.Error("Orphan cleanup failed", "error", err)
	}

	srv := api.NewServer(st, b, orch, connManager)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Addr())
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		slog.Info("Shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Error("Orchestrator shutdown failed", "error", err)
	}
	sandboxes.Close(shutdownCtx)
	slog.Info("Shutdown complete")
	return nil
}

// loadServerConfig layers the .env file, environment, and flags.
func loadServerConfig() (*config.ServerConfig, error) {
	config.LoadEnv(filepath.Join(defaultDataDirFromEnv(), ".env"))

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	if serverPort != 0 {
		cfg.Port = serverPort
	}
	if serverBindAll {
		cfg.Host = "0.0.0.0"
	}
	return cfg, nil
}

func defaultDataDirFromEnv() string {
	if dir := os.Getenv("AMELIA_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".amelia"
	}
	return filepath.Join(home, ".amelia")
}
