package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ent0n29/companion/internal/app"
	"github.com/ent0n29/companion/internal/config"
	"github.com/ent0n29/companion/internal/observability"
)

func main() {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		slog.Error("companion exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.MetricsNamespace,
		Exporter:    cfg.TraceExporter,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	// The shutdown control command and OS signals both end up here.
	stopCh := make(chan time.Duration, 1)
	requestStop := func(grace time.Duration, _ string) {
		select {
		case stopCh <- grace:
		default:
		}
	}

	built, err := app.Build(runCtx, cfg, app.Options{
		LogHandler: newLogHandler(cfg),
		Shutdown:   requestStop,
	})
	if err != nil {
		return err
	}
	logger := built.Logger
	slog.SetDefault(logger)
	defer func() {
		if err := built.Cleanup(); err != nil {
			logger.Error("cleanup failed", "error", err)
		}
	}()

	if built.Logs != nil {
		go built.Logs.Run(runCtx)
	}
	built.Sessions.StartJanitor(runCtx, cfg.SessionSweepInterval)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", cfg.BindAddr, "llm_provider", built.LLMProvider, "memory_store", built.MemoryStore)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	grace := cfg.ShutdownTimeout
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case g := <-stopCh:
		logger.Info("shutdown requested by control command", "grace", g)
		if g > 0 {
			grace = g
		}
	case err := <-serveErr:
		return fmt.Errorf("listen: %w", err)
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	// Let in-flight deliveries finish inside the remaining grace period.
	if err := built.Broadcaster.Shutdown(shutdownCtx); err != nil {
		logger.Warn("broadcast jobs abandoned", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func newLogHandler(cfg config.Config) slog.Handler {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}
