package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-uci/internal/app"
	"github.com/park285/cheese-uci/internal/config"
	"github.com/park285/cheese-uci/internal/obslog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger error: %v", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	deps, err := app.New(startCtx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal("init_failed", zap.Error(err))
	}

	if cfg.EnginePath != "" {
		// warm the default engine; games fall back to starting it lazily
		initCtx, cancel := context.WithTimeout(ctx, cfg.InitTimeout+time.Second)
		if info, err := deps.Engine.Start(initCtx, cfg.EnginePath); err != nil {
			logger.Warn("engine_warmup_failed", zap.String("path", cfg.EnginePath), zap.Error(err))
		} else {
			logger.Info("engine_ready", zap.String("name", info.Name), zap.String("author", info.Author))
		}
		cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http_listen", zap.String("addr", cfg.HTTPAddr))
		return deps.API.ListenAndServe(cfg.HTTPAddr)
	})
	g.Go(func() error {
		logger.Info("ws_listen", zap.String("addr", cfg.WSAddr))
		if err := deps.Hub.ListenAndServe(cfg.WSAddr); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		apiErr := deps.API.Shutdown(shutdownCtx)
		hubErr := deps.Hub.Shutdown(shutdownCtx)
		closeErr := deps.Close(shutdownCtx)
		return errors.Join(apiErr, hubErr, closeErr)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server_stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("server_stopped")
}
