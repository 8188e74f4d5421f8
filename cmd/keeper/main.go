package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/app"
	"github.com/path-hq/pln-protocol-sub000/internal/config"
	"github.com/path-hq/pln-protocol-sub000/internal/observability"
)

func main() {
	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env, cfg.LogLevel)
	if cfg.StoreDriver == config.StoreMemory {
		logger.Error("keeper needs a shared store; in-memory mode runs the keeper inside the api")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := app.Build(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to build app", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.RunKeeper(sigCtx); err != nil {
		logger.Error("keeper failed", "err", err)
		os.Exit(1)
	}
}
