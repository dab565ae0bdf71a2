// Package main is the entry point for the lockbox server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/lockbox/lockbox/internal/bucket"
	"github.com/lockbox/lockbox/internal/config"
	"github.com/lockbox/lockbox/internal/connstate"
	"github.com/lockbox/lockbox/internal/guard"
	"github.com/lockbox/lockbox/internal/logging"
	"github.com/lockbox/lockbox/internal/metrics"
	"github.com/lockbox/lockbox/internal/server"
	"github.com/lockbox/lockbox/internal/stores"
)

func main() {
	configPath := flag.String("config", "lockbox.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 5000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	env := flag.String("env", "", "override environment: production, development")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout (default: from config or 30s)")
	maxUpload := flag.Int64("max-upload-bytes", 0, "maximum upload size in bytes (default: from config or 16 MiB)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *env != "" {
		cfg.Server.Environment = *env
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxUpload != 0 {
		cfg.Server.MaxUploadBytes = *maxUpload
	}
	if jwtSecret := os.Getenv("LOCKBOX_JWT_SECRET"); jwtSecret != "" {
		cfg.Auth.JWTSecret = jwtSecret
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Metrics.Enabled {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("Server exited", "error", err)
		os.Exit(1)
	}
}

// run wires the stores, the guard and the HTTP server, and blocks until ctx
// is cancelled or a component fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	hub := &connstate.Hub{}

	set, err := stores.Open(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer set.Close()

	g, err := guard.New(guard.Config{
		Open: func(ctx context.Context) (*bucket.Service, error) {
			return set.Bucket(cfg, logger), nil
		},
		Ping:          set.Ping,
		Hub:           hub,
		RetryInterval: cfg.Guard.RetryInterval,
		ProbeTimeout:  cfg.Guard.ProbeTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	unsubscribe := hub.Subscribe(g.Observe)
	defer unsubscribe()
	// The stores are open; warm the bucket before the first request.
	hub.Publish(connstate.Connected)

	srv, err := server.New(cfg, g, set.Meta, server.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return g.Run(gctx)
	})
	group.Go(func() error {
		return bucket.RunSweeper(gctx, g, cfg.Uploads.SweepInterval, cfg.Uploads.OrphanTTL)
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	group.Go(func() error {
		logger.Info("lockbox listening", "addr", addr, "environment", cfg.Server.Environment)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listening on %s: %w", addr, err)
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down", "timeout", cfg.Server.ShutdownTimeout)

		// Give in-flight requests time to complete.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		logger.Info("Server stopped")
		return nil
	})

	return group.Wait()
}
