// Command agentvaultd runs the A2A JSON-RPC server backed by an
// in-memory TaskStore. It is the module's single bootstrap entrypoint:
// it loads .env files, initializes the structured logger, and starts
// an HTTP server exposing the protocol and /metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kadirpekel/agentvault"
	"github.com/kadirpekel/agentvault/pkg/a2a"
	"github.com/kadirpekel/agentvault/pkg/config"
	"github.com/kadirpekel/agentvault/pkg/logger"
	"github.com/kadirpekel/agentvault/pkg/metrics"
	"github.com/kadirpekel/agentvault/pkg/task"
)

func main() {
	addr := flag.String("addr", ":8080", "address to listen on")
	logLevel := flag.String("log-level", envOr("LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	logFile := flag.String("log-file", envOr("LOG_FILE", ""), "log file path (empty = stderr)")
	logFormat := flag.String("log-format", envOr("LOG_FORMAT", "simple"), "log format (simple, verbose)")
	metricsEnabled := flag.Bool("metrics", true, "expose Prometheus metrics at /metrics")
	flag.Parse()

	if err := config.LoadEnvFiles(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env files: %v\n", err)
		os.Exit(1)
	}

	cleanup, err := initLogger(*logLevel, *logFile, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if cleanup != nil {
		defer cleanup()
	}

	slog.Info(agentvault.GetVersion().String())

	m := metrics.New(metrics.Config{Enabled: *metricsEnabled})

	store := task.NewInMemoryStore(m)
	srv, err := a2a.NewServer(store, slog.Default(), m)
	if err != nil {
		slog.Error("failed to construct server", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	if m != nil {
		mux.Handle("/metrics", m.Handler())
	}

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		slog.Info("agentvaultd starting", "address", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
	}
}

// initLogger mirrors the teacher CLI's initLoggerFromCLI: parse the
// level, pick stderr or a file as output, and call logger.Init so every
// slog.Default() call across the module picks up the configured handler.
func initLogger(levelStr, file, format string) (func(), error) {
	level, err := logger.ParseLevel(levelStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	var cleanup func()
	if file != "" {
		f, cleanupFn, err := logger.OpenLogFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = cleanupFn
	}

	logger.Init(level, output, format)
	return cleanup, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
