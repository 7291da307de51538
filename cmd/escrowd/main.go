package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"escrowchain/config"
	"escrowchain/core"
	"escrowchain/observability"
	"escrowchain/observability/logging"
	telemetry "escrowchain/observability/otel"
	"escrowchain/rpc"
	"escrowchain/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	genesisFlag := flag.String("genesis", "", "Path to a genesis allocation JSON file (overrides config GenesisFile)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if path := strings.TrimSpace(*genesisFlag); path != "" {
		cfg.GenesisFile = path
	}

	logger := logging.Setup("escrowd", cfg.Environment, loggingOptions(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("escrowd stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func loggingOptions(cfg *config.Config) logging.Options {
	opts := logging.Options{Level: logging.ParseLevel(cfg.Log.Level)}
	if path := strings.TrimSpace(cfg.Log.File); path != "" {
		opts.File = &logging.FileOptions{
			Path:       path,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		}
	}
	return opts
}

// daemon holds everything run needs to serve and later tear down.
type daemon struct {
	node   *core.Node
	server *http.Server
}

// setup opens storage, applies genesis and builds the RPC server.
func setup(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	db, err := storage.Open(cfg.StorageBackend, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open %s database at %s: %w", cfg.StorageBackend, cfg.DataDir, err)
	}
	node, err := core.NewNode(db,
		core.WithLogger(logger),
		core.WithEmitter(observability.NewEventLogger(logger)),
	)
	if err != nil {
		db.Close()
		return nil, err
	}

	allocs, err := cfg.Allocations()
	if err != nil {
		node.Close()
		return nil, err
	}
	applied, err := node.InitGenesis(allocs)
	if err != nil {
		node.Close()
		return nil, fmt.Errorf("apply genesis: %w", err)
	}
	if !applied {
		logger.Info("genesis already applied, skipping allocations")
	}

	srv, err := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:         cfg.RPCAuthToken,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		TrustedProxies:    append([]string{}, cfg.RPCTrustedProxies...),
		Logger:            logger,
	})
	if err != nil {
		node.Close()
		return nil, err
	}
	return &daemon{
		node: node,
		server: &http.Server{
			Addr:              cfg.RPCAddress,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: time.Duration(cfg.RPCReadHeaderTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.RPCWriteTimeout) * time.Second,
		},
	}, nil
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "escrowd",
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Traces:      cfg.Telemetry.Traces,
		Metrics:     cfg.Telemetry.Metrics,
	}.WithEnv())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", slog.Any("error", err))
		}
	}()

	rt, err := setup(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.node.Close()

	listener, err := net.Listen("tcp", cfg.RPCAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	logger.Info("JSON-RPC server listening",
		slog.String("address", listener.Addr().String()),
		slog.String("network", cfg.NetworkName),
		slog.String("storage", cfg.StorageBackend),
		logging.MaskField("rpc_auth_token", cfg.RPCAuthToken))

	serveErr := make(chan error, 1)
	go func() {
		if err := rt.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := rt.server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}
