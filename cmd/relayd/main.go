// Command relayd runs the request mediation daemon: an HTTP front end over
// the relay core, with structured logging, optional OTLP tracing, and
// graceful shutdown.
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
	"strconv"
	"syscall"
	"time"

	"github.com/llmrelay/relay"
	"github.com/llmrelay/relay/config"
	"github.com/llmrelay/relay/internal/logging"
	"github.com/llmrelay/relay/internal/tracing"
)

func main() {
	configPath := flag.String("config", envOr("RELAY_CONFIG", "relay.json"), "path to the JSON configuration file")
	healthcheck := flag.Bool("healthcheck", false, "probe a running daemon and exit (for container health checks)")
	flag.Parse()

	if *healthcheck {
		os.Exit(runHealthcheck())
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.Setup(tracing.Config{
			Enabled:     true,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: "relay",
		})
		if err != nil {
			return fmt.Errorf("tracing setup: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	core, err := relay.New(cfg, relay.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			logger.Error("shutdown cleanup failed", "error", err)
		}
	}()
	core.Start()

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           core.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Streaming responses can run long; this bounds a single dispatch.
		WriteTimeout: 300 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", addr, "strategy", cfg.Strategy, "providers", len(cfg.Providers))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("drain incomplete, closing", "error", err)
		_ = srv.Close()
	}
	return nil
}

// runHealthcheck probes the local daemon's health endpoint. Used as the
// container HEALTHCHECK command so the image needs no extra tooling.
func runHealthcheck() int {
	addr := envOr("RELAY_HEALTH_ADDR", "127.0.0.1:8080")
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		fmt.Fprintln(os.Stderr, "unhealthy:", err)
		return 1
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintln(os.Stderr, "unhealthy: status", resp.StatusCode)
		return 1
	}
	return 0
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
