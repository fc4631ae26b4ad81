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

const reconcileInterval = 60 * time.Second

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

	logger.Info("reconciler starting", zap.Duration("interval", reconcileInterval))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal, stopping reconciler", zap.String("signal", sig.String()))
			return nil
		case <-ticker.C:
			n, err := deps.Orchestrator.ReconcileStalePending(ctx)
			if err != nil {
				logger.Error("reconciliation pass failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Warn("stale mpesa_pending transactions found", zap.Int("count", n))
			}
		}
	}
}
