package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"codecanvas/internal/api"
	"codecanvas/internal/config"
	"codecanvas/internal/jobs"
	"codecanvas/internal/repositories"
	"codecanvas/internal/routers"
	"codecanvas/internal/session"
	"codecanvas/internal/templates"
	"codecanvas/internal/utils"
)

var (
	listenAndServe = func(srv *http.Server) error { return srv.ListenAndServe() }
	newLogger      = utils.NewLogger
	exitFunc       = func(err error) { log.Fatal(err) }
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	starters, err := templates.NewManager()
	if err != nil {
		return err
	}
	store, err := repositories.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("document store ready", "backend", cfg.StoreBackend)

	registry := session.NewRegistry()
	fabric := session.NewFabric()
	persister := session.NewPersister(store, logger, cfg.PersistTimeout)
	handlers := api.NewHandlers(api.Deps{
		Log:               logger,
		Resolver:          utils.NewJWTResolver(cfg.JWTSecret),
		Store:             store,
		Templates:         starters,
		Registry:          registry,
		Fabric:            fabric,
		Coordinator:       session.NewCoordinator(registry, fabric, persister, logger),
		MessagesPerSecond: cfg.MessagesPerSecond,
		MessageBurst:      cfg.MessageBurst,
	})

	reporter := jobs.NewStatsReporter(registry, fabric, logger, cfg.StatsSchedule)
	if err := reporter.Start(); err != nil {
		_ = store.Close(ctx)
		return err
	}
	defer reporter.Stop()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(handlers, cfg.FrontendURL),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("codecanvas listening", "addr", server.Addr)
		errc <- listenAndServe(server)
	}()

	var serveErr error
	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("codecanvas shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	fabric.CloseAll()
	if err := persister.Wait(shutdownCtx); err != nil {
		logger.Error("pending document writes abandoned", "error", err)
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("failed to close document store", "error", err)
	}
	logger.Info("codecanvas exited")
	return serveErr
}
