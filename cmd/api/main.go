package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mqlite/mqlite/internal/api"
	"github.com/mqlite/mqlite/internal/broker"
	"github.com/mqlite/mqlite/internal/clock"
	"github.com/mqlite/mqlite/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	b := broker.New(clock.System{}, logger)

	monitor := broker.NewMonitor(b, cfg.MonitorInterval, logger)
	go monitor.Start(ctx)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, b, api.Options{
		ReceiveMax:  cfg.ReceiveMax,
		WaitTimeMax: cfg.WaitTimeMax,
	}, logger)

	logger.Info("HTTP server listening", zap.String("addr", addr))
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	_ = httpSrv.Shutdown(context.Background())
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
