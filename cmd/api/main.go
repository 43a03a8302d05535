package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/propview/mortgage-engine/pkg/batch"
	"github.com/propview/mortgage-engine/pkg/config"
	"github.com/propview/mortgage-engine/pkg/metrics"
	"github.com/propview/mortgage-engine/pkg/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	if cfg.Environment == "development" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zap.NewExample().Fatal("failed to load config", zap.Error(err))
	}

	log, err := newLogger(cfg)
	if err != nil {
		zap.NewExample().Fatal("failed to build logger", zap.Error(err))
	}
	defer log.Sync()

	metrics.Init()

	sqliteStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		log.Fatal("failed to initialize sqlite store", zap.Error(err))
	}
	defer sqliteStore.Close()

	server := NewServer(sqliteStore, log)

	router := server.router()
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The runner shares the server's ledger so both paths serialize on the
	// same per-mortgage locks.
	runner := batch.New(
		server.ledger,
		cfg.Jobs.GenerateAt,
		cfg.Jobs.OverdueAt,
		cfg.Jobs.ReconcileAt,
		log,
	)
	go runner.Start(ctx)

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", cfg.Server.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatal("server failed", zap.Error(err))
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}
