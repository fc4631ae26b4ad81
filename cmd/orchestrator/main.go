package main

import (
	"context"
	"encoding/json"
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
	"lightning-mpesa-bridge/internal/lnd"
	"lightning-mpesa-bridge/internal/queue"
	"lightning-mpesa-bridge/pkg/logger"
)

var Cfg config.ApiConfig

const (
	txEventsStream       = "tx-events"
	txEventsGroup        = "orchestrator-workers"
	settlementRetryDelay = 5 * time.Second
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

	if err := deps.Queue.DeclareStream(ctx, txEventsStream, txEventsGroup); err != nil {
		return fmt.Errorf("failed to declare tx-events consumer group: %w", err)
	}
	consumerName := fmt.Sprintf("orchestrator-%d", time.Now().Unix())

	go subscribeSettlements(ctx, deps)
	go consumeTxEvents(ctx, deps, consumerName)

	logger.Info("orchestrator daemon running",
		zap.String("stream", txEventsStream), zap.String("consumer", consumerName))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	time.Sleep(3 * time.Second)
	logger.Info("orchestrator daemon shut down gracefully")
	return nil
}

// subscribeSettlements drives the LND invoice-settlement stream into the
// orchestrator. LND subscriptions drop on any gRPC disconnect, so this
// reconnects with a fixed delay rather than treating one disconnect as
// fatal.
func subscribeSettlements(ctx context.Context, deps *bootstrap.Deps) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := deps.LND.SubscribeSettlements(ctx, func(s lnd.SettledInvoice) {
			handleErr := deps.Orchestrator.HandleLightningSettlement(ctx, queue.LightningSettlementPayload{
				PaymentHash: s.PaymentHash, AmountSats: s.AmountSats, SettledAt: s.SettledAt,
			})
			if handleErr != nil {
				logger.Error("failed to apply lightning settlement", zap.String("payment_hash", s.PaymentHash), zap.Error(handleErr))
			}
		})
		if ctx.Err() != nil {
			return
		}
		logger.Error("lightning settlement subscription ended, reconnecting", zap.Error(err), zap.Duration("delay", settlementRetryDelay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(settlementRetryDelay):
		}
	}
}

// consumeTxEvents drains the tx-events Redis stream for facts the
// orchestrator can't observe synchronously: webhook-translated M-Pesa
// callbacks, and refund requests it published itself for operator
// visibility and eventual manual/automated settlement.
func consumeTxEvents(ctx context.Context, deps *bootstrap.Deps, consumerName string) {
	err := deps.Queue.Consume(ctx, txEventsStream, txEventsGroup, consumerName, func(messageID string, data []byte) error {
		env, err := queue.FromJSON(data)
		if err != nil {
			logger.Error("dropping malformed tx-events message", zap.String("message_id", messageID), zap.Error(err))
			return nil
		}
		switch env.Type {
		case queue.EventMpesaCallback:
			var p queue.MpesaCallbackPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				logger.Error("dropping malformed mpesa callback event", zap.Error(err))
				return nil
			}
			return deps.Orchestrator.HandleMpesaCallback(ctx, p)
		case queue.EventRefundRequested:
			var p queue.RefundRequestedPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				logger.Error("dropping malformed refund requested event", zap.Error(err))
				return nil
			}
			logger.Warn("refund requested, awaiting manual or automated settlement",
				zap.String("tx_id", p.TxID), zap.String("reason", p.Reason))
			return nil
		case queue.EventLightningSettlement:
			// Published only by the webhook translator as a fallback to the
			// LND subscription; the settlement handler is itself idempotent.
			var p queue.LightningSettlementPayload
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				logger.Error("dropping malformed lightning settlement event", zap.Error(err))
				return nil
			}
			return deps.Orchestrator.HandleLightningSettlement(ctx, p)
		default:
			logger.Warn("unknown tx-events type, acking and dropping", zap.String("type", string(env.Type)))
			return nil
		}
	})
	if err != nil && ctx.Err() == nil {
		logger.Error("tx-events consumer stopped unexpectedly", zap.Error(err))
	}
}
