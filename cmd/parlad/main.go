// Command parlad runs the Parla realtime tutoring relay: it accepts
// browser websocket connections, pairs each with a realtime speech
// backend session, and persists per-call progress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/parla/internal/audit"
	"github.com/basket/parla/internal/auth"
	"github.com/basket/parla/internal/bus"
	"github.com/basket/parla/internal/config"
	"github.com/basket/parla/internal/gateway"
	otelpkg "github.com/basket/parla/internal/otel"
	"github.com/basket/parla/internal/persistence"
	"github.com/basket/parla/internal/policy"
	"github.com/basket/parla/internal/retention"
	"github.com/basket/parla/internal/scenario"
	"github.com/basket/parla/internal/telemetry"
	"github.com/basket/parla/internal/tools"
	"github.com/basket/parla/internal/upstream"
)

func main() {
	var (
		quiet       = flag.Bool("quiet", false, "suppress stdout logging")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("parlad", otelpkg.Version)
		return
	}

	if err := run(*quiet); err != nil {
		fmt.Fprintln(os.Stderr, "parlad:", err)
		os.Exit(1)
	}
}

func run(quiet bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	provider, err := otelpkg.Init(ctx, cfg.OTel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		provider.Shutdown(shutdownCtx)
	}()
	metrics, err := otelpkg.NewMetrics(provider.Meter)
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "parla.db"))
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	catalog := scenario.NewCatalog(cfg.ScenarioDir, logger)
	if err := catalog.Load(); err != nil {
		logger.Warn("scenario catalog load", "error", err)
	}
	go func() {
		if err := catalog.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("scenario watcher stopped", "error", err)
		}
	}()

	sweeper, err := retention.New(store, logger, cfg.Retention.SessionDays, cfg.Retention.SweepSchedule)
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	eventBus := bus.New()
	lifecycle := eventBus.Subscribe("session.")
	defer eventBus.Unsubscribe(lifecycle)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-lifecycle.Ch():
				logger.Debug("session event", "topic", ev.Topic)
			}
		}
	}()
	srv := gateway.New(gateway.Deps{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Catalog:  catalog,
		Registry: tools.NewRegistry(),
		Dialer:   upstream.WSDialer{},
		Policy:   policy.New(cfg.DebugMirror),
		Bus:      eventBus,
		Signer:   auth.NewSigner(cfg.Auth.Secret, time.Duration(cfg.Auth.TokenTTLSeconds)*time.Second),
		Metrics:  metrics,
		Tracer:   provider.Tracer,
	})

	httpSrv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("parlad listening",
			"addr", cfg.BindAddr,
			"model", cfg.Upstream.Model,
			"scenario_dir", cfg.ScenarioDir,
			"config", cfg.Fingerprint())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}
