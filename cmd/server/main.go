/*
main.go - Application entry point

PURPOSE:
  Starts the alarm engine HTTP server. Loads configuration, opens the
  store, runs the launch bootstrap and serves the read/admin API until
  interrupted.

STARTUP SEQUENCE:
  1. Load configuration (-config flag or ALARM_CONFIG, then environment)
  2. Build the logger
  3. Open the app (store, cache, query layer, scheduler)
  4. Bootstrap: legacy migration, then catalog reconciliation
  5. Start the periodic resync and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML config file (optional; environment alone is enough)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (http.shutdown_timeout)
  3. Stop the scheduler, flush queued writes, close the store
  4. Exit

EXAMPLES:
  # Defaults: ./alarms.db, in-memory cache, :8080
  ./server

  # In-memory database with a Redis cache
  STORE_DB_PATH=":memory:" CACHE_BACKEND=redis ./server

  # From a file
  ./server -config=./deploy/alarm-engine.yaml

SEE ALSO:
  - config/config.go: Every setting and its environment variable
  - app/app.go: Component wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/warp/alarm-engine/api"
	"github.com/warp/alarm-engine/app"
	"github.com/warp/alarm-engine/config"
	"github.com/warp/alarm-engine/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	path := flag.String(config.FlagConfigPath, os.Getenv(config.EnvConfigPath), "YAML config file")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of %s:\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(flag.CommandLine.Output(), config.Description())
	}
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, cfg.App.Name)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	a, err := app.Open(ctx, cfg, logger, app.Options{})
	if err != nil {
		return err
	}

	report, err := a.Bootstrap(ctx)
	if err != nil {
		// The blob stays in place; the next launch retries.
		logger.Error("bootstrap incomplete", zap.Error(err))
	}
	if report.Legacy != nil {
		logger.Info("legacy migration",
			zap.String("state", string(report.Legacy.State)),
			zap.Int("migrated", len(report.Legacy.Migrated)),
			zap.Int("failed", len(report.Legacy.Failures)),
		)
	}

	a.Scheduler.Start()

	handler := api.NewHandler(a.Layer, a.Scheduler, logger)
	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.HTTP.AllowedOrigins, Logger: logger}),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.HTTP.Addr), zap.String("env", cfg.App.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	logger.Info("server stopped")
	return errors.Join(errs...)
}
