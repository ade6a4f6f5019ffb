package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/planwallet/service/app"
	"github.com/brojonat/planwallet/service/config"
	"github.com/brojonat/planwallet/service/metrics"
	"github.com/brojonat/planwallet/service/server"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any required config is missing or invalid
	cfg := config.MustLoad()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: app.ParseLogLevel(cfg.LogLevel),
	}))
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
		"network", cfg.SolanaNetwork,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewMetrics(nil)

	a, err := app.New(ctx, cfg, m, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	var stream server.FlowStream
	if cfg.NATSURL != "" {
		streamer, err := server.NewSSEStreamer(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to initialize SSE streamer", "error", err)
			os.Exit(1)
		}
		stream = streamer
	}

	httpServer := server.New(cfg.ServerAddr, cfg.SolanaNetwork, a.Engine, stream, m, logger)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		a.Close()
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
		}

		// A payment already broadcast keeps its journal entry; it is picked
		// up as unresolved on the next connect.
		if n := len(a.Engine.Unresolved()); n > 0 {
			logger.Warn("exiting with unresolved payments", "count", n)
		}
		logger.Info("server shutdown complete")
	}
}
