// Command orderstream runs the order event pipeline: the HTTP API, the
// order topic with its consumers, the email worker, the invoice change
// projector and the push endpoint.
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
	"sync"
	"syscall"
	"time"

	"github.com/randalmurphal/orderstream/pkg/orderstream/config"
	"github.com/randalmurphal/orderstream/pkg/orderstream/observability"
)

const (
	shutdownTimeout = 10 * time.Second
	reapInterval    = time.Second
	purgeInterval   = time.Hour
)

func main() {
	configPath := flag.String("config", "", "YAML or JSON config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintln(os.Stderr, "orderstream:", err)
		os.Exit(1)
	}
}

func loadSettings(path string) (config.Settings, error) {
	cfg := config.New(nil)
	if path != "" {
		var err error
		if cfg, err = config.FromFile(path); err != nil {
			return config.Settings{}, err
		}
	}
	s := cfg.WithEnv("ORDERSTREAM", os.Environ()).Settings()
	if err := s.Validate(); err != nil {
		return config.Settings{}, fmt.Errorf("invalid config: %w", err)
	}
	return s, nil
}

func run(ctx context.Context, configPath string) error {
	s, err := loadSettings(configPath)
	if err != nil {
		return err
	}
	logger := observability.NewLogger(os.Stdout, s.LogLevel)
	tel := observability.NewTelemetry()

	app, err := build(ctx, s, logger, tel)
	if err != nil {
		return err
	}
	defer app.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	bg := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				logger.Error("background task failed", slog.String("task", name), slog.String("error", err.Error()))
			}
		}()
	}
	if app.relay != nil {
		if err := app.relay.Start(ctx); err != nil {
			return err
		}
	}
	bg("email-worker", app.worker.Run)
	bg("invoice-projector", app.reader.Run)
	bg("reaper", func(ctx context.Context) error {
		app.runReaper(ctx, reapInterval, logger)
		return nil
	})
	bg("dlq-purger", func(ctx context.Context) error {
		app.runPurger(ctx, purgeInterval, logger)
		return nil
	})

	srv := &http.Server{
		Addr:              s.HTTPAddr,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("listening", slog.String("addr", s.HTTPAddr))
	err = serve(ctx, srv)

	// Stop intake first, then let in-flight deliveries drain.
	cancel()
	wg.Wait()
	if cerr := app.topic.Close(); cerr != nil {
		logger.Warn("topic close", slog.String("error", cerr.Error()))
	}
	logger.Info("stopped")
	return err
}

// serve runs srv until ctx ends, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
