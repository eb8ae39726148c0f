package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/artbin/dlog/internal/config"
	"github.com/artbin/dlog/internal/logging"
	"github.com/artbin/dlog/internal/server"
)

// shutdownTimeout bounds a graceful stop after SIGINT or SIGTERM.
const shutdownTimeout = 30 * time.Second

// serveCmd handles the serve command.
func serveCmd(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	configFile := fs.String("config", "", "Path to configuration file")
	nodeID := fs.Uint64("node-id", 0, "Node ID (overrides config)")
	address := fs.String("address", "", "Peer RPC listen address (overrides config)")
	dataDir := fs.String("data-dir", "", "Data directory path (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	help := fs.Bool("h", false, "Show help message")
	helpLong := fs.Bool("help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *help || *helpLong {
		printServeUsage(os.Stdout)
		return 0
	}

	if *configFile == "" {
		fmt.Fprintln(os.Stderr, "Error: -config is required")
		return 1
	}

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	// Command-line overrides, then environment (highest priority).
	if *nodeID != 0 {
		cfg.Node.ID = *nodeID
	}
	if *address != "" {
		setNodeAddress(cfg, *address)
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := applyEnvOverrides(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid environment override: %v\n", err)
		return 1
	}

	if cfg.Node.DataDir != "" && !filepath.IsAbs(cfg.Node.DataDir) {
		abs, err := filepath.Abs(cfg.Node.DataDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to resolve data directory: %v\n", err)
			return 1
		}
		cfg.Node.DataDir = abs
	}

	if !printValidationErrors(config.ValidateConfig(cfg)) {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return runServer(ctx, cfg, *configFile)
}

// setNodeAddress moves the node, and its own peer entry if present, to addr.
func setNodeAddress(cfg *config.Config, addr string) {
	for i := range cfg.Cluster.Peers {
		if cfg.Cluster.Peers[i].ID == cfg.Node.ID {
			cfg.Cluster.Peers[i].Addr = addr
		}
	}
	cfg.Node.Address = addr
}

// runServer starts a node for cfg and blocks until ctx is cancelled or the
// node stops on its own. SIGHUP forces a reload of configFile.
func runServer(ctx context.Context, cfg *config.Config, configFile string) int {
	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	srv, err := server.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create server: %v\n", err)
		return 1
	}

	if configFile != "" {
		if err := srv.WatchConfig(configFile); err != nil {
			logger.Warn("failed to create config watcher", "error", err)
		}
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		srv.Stop(context.Background())
		return 1
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	exitCode := 0
	for waiting := true; waiting; {
		select {
		case <-hupCh:
			if manager := srv.ConfigManager(); manager != nil {
				logger.Info("received SIGHUP, reloading configuration")
				if err := manager.Reload(); err != nil {
					logger.Warn("config reload failed", "error", err)
				}
			}
		case <-ctx.Done():
			logger.Info("shutting down")
			waiting = false
		case <-srv.Done():
			logger.Error("node stopped unexpectedly")
			exitCode = 1
			waiting = false
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Shutdown error: %v\n", err)
		return 1
	}
	return exitCode
}
