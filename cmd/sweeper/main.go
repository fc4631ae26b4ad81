package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/config"
	"lightning-mpesa-bridge/internal/bootstrap"
	"lightning-mpesa-bridge/pkg/logger"
)

var Cfg config.ApiConfig

const (
	sweepInterval          = 5 * time.Second
	idempotencyKeyInterval = 10 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	configPath := config.Path(root).Join("config.toml")
	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps, err := bootstrap.New(ctx, Cfg)
	if err != nil {
		return fmt.Errorf("failed to bootstrap dependencies: %w", err)
	}
	defer deps.Close()

	logger.Info("sweeper starting", zap.Duration("interval", sweepInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	idempotencyTicker := time.NewTicker(idempotencyKeyInterval)
	defer idempotencyTicker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal, stopping sweeper", zap.String("signal", sig.String()))
			return nil
		case <-ticker.C:
			n, err := deps.Orchestrator.SweepExpired(ctx)
			if err != nil {
				logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired transactions swept", zap.Int("count", n))
			}
		case <-idempotencyTicker.C:
			n, err := deps.Orchestrator.ReleaseExpiredIdempotencyKeys(ctx)
			if err != nil {
				logger.Error("idempotency key release failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("expired idempotency keys released", zap.Int64("count", n))
			}
		}
	}
}
