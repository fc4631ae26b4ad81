package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/config"
	"lightning-mpesa-bridge/internal/bootstrap"
	"lightning-mpesa-bridge/internal/httpapi"
	"lightning-mpesa-bridge/internal/webhook"
	"lightning-mpesa-bridge/pkg/logger"
)

var Cfg config.ApiConfig

const shutdownGrace = 30 * time.Second

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

	webhookSrv, err := webhook.NewServer(webhook.Config{
		LightningHMACSecret: []byte(Cfg.Webhook.LightningHMACSecret),
		MpesaAllowlist:      Cfg.Webhook.MpesaIPAllowlist,
	}, bootstrap.CacheDeduper{}, deps.Queue)
	if err != nil {
		return fmt.Errorf("failed to init webhook server: %w", err)
	}

	apiSrv := httpapi.NewServer(deps.Orchestrator, deps.TxRepo, deps.ReceiptRepo, deps.Receipts)

	mux := http.NewServeMux()
	apiSrv.Routes(mux)
	webhookSrv.Routes(mux)

	httpSrv := &http.Server{
		Addr:              ":" + Cfg.HTTPPort,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("api server listening", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown did not complete cleanly", zap.Error(err))
	}
	cancel()
	logger.Info("api server shut down gracefully")
	return nil
}
