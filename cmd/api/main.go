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
	"time"

	"github.com/path-hq/pln-protocol-sub000/internal/app"
	"github.com/path-hq/pln-protocol-sub000/internal/auth"
	"github.com/path-hq/pln-protocol-sub000/internal/config"
	"github.com/path-hq/pln-protocol-sub000/internal/observability"
	"github.com/path-hq/pln-protocol-sub000/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	mintIdentity := flag.String("mint-token", "", "print an access token for this identity and exit")
	mintRole := flag.String("role", auth.RoleAgent, "role for -mint-token")
	flag.Parse()

	cfg := config.Load()
	logger := observability.NewLogger(cfg.Env, cfg.LogLevel)

	if *mintIdentity != "" {
		svc := auth.NewService(auth.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTSigningKey), cfg.JWTAccessTTL)
		token, err := svc.IssueToken(*mintIdentity, *mintRole)
		if err != nil {
			logger.Error("failed to mint token", "err", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	buildCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	a, err := app.Build(buildCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Error("failed to build app", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	r := server.NewRouter(cfg, logger, a.RouterDependencies())
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		logger.Info("api server starting", "addr", cfg.Addr(), "store", cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.RunRelay(ctx) })
	if a.Embedded() {
		// In-memory stores are private to this process, so the worker and
		// keeper must run here too.
		g.Go(func() error { return a.RunWorker(ctx) })
		g.Go(func() error { return a.RunKeeper(ctx) })
	}

	if err := g.Wait(); err != nil {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
	logger.Info("api server stopped")
}
