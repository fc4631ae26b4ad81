package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/queue"
	"lightning-mpesa-bridge/pkg/logger"
)

// idempotencyKeyTTLAfterTerminal is how long a (flow, idempotency_key) pair
// stays claimed once its transaction reaches a terminal state, after which
// it is freed for reuse by a new transaction.
const idempotencyKeyTTLAfterTerminal = 24 * time.Hour

// HandleMpesaCallback applies a Daraja STK-Push or B2C result callback. The
// correlation id is the account reference / occasion field Daraja echoes
// back unchanged, which is the transaction's payment_hash truncated to 12
// characters at dispatch time.
func (o *Orchestrator) HandleMpesaCallback(ctx context.Context, p queue.MpesaCallbackPayload) error {
	tx, err := o.resolveCallbackTarget(ctx, p)
	if err != nil {
		if errors.Is(err, database.ErrTransactionNotFound) {
			logger.Warn("orchestrator: mpesa callback for unknown correlation id", zap.String("correlation_id", p.CorrelationID))
			return nil
		}
		return bridgeerr.AsTransient(err)
	}

	var resultErr error
	o.locks.WithLock(tx.ID, func() {
		resultErr = o.applyMpesaCallback(ctx, tx.ID, p)
	})
	return resultErr
}

// resolveCallbackTarget prefers an exact tx_id match when the callback
// envelope carries one and otherwise uses the payment-hash-prefix
// correlation id. Envelopes from internal/webhook never carry a tx_id, so
// they always take the correlation-id path.
func (o *Orchestrator) resolveCallbackTarget(ctx context.Context, p queue.MpesaCallbackPayload) (*database.Transaction, error) {
	if p.TxID != "" {
		return o.txRepo.GetByID(ctx, p.TxID)
	}
	return o.txRepo.GetByPaymentHashPrefix(ctx, p.CorrelationID)
}

func (o *Orchestrator) applyMpesaCallback(ctx context.Context, txID string, p queue.MpesaCallbackPayload) error {
	tx, err := o.txRepo.GetByID(ctx, txID)
	if err != nil {
		return bridgeerr.AsTransient(err)
	}
	if tx.State != database.StateMpesaPending {
		logger.Info("orchestrator: ignoring duplicate mpesa callback", zap.String("tx_id", tx.ID), zap.String("state", string(tx.State)))
		return nil
	}

	if p.ResultCode == 0 {
		return o.completeTransaction(ctx, tx, p)
	}
	return o.failAfterDispatch(ctx, tx, p)
}

func (o *Orchestrator) completeTransaction(ctx context.Context, tx *database.Transaction, p queue.MpesaCallbackPayload) error {
	receiptNo := p.MpesaReceipt
	expiresAt := time.Now().UTC().Add(idempotencyKeyTTLAfterTerminal)
	completed, err := o.txRepo.Transition(ctx, tx.ID, database.StateMpesaPending, database.StateCompleted,
		database.EventMpesaCallback, tx.Version, func(t *database.Transaction) {
			t.MpesaReceipt = &receiptNo
			if t.IdempotencyKey != nil {
				t.IdempotencyKeyExpiresAt = &expiresAt
			}
		})
	if err != nil {
		if errors.Is(err, database.ErrStaleVersion) || errors.Is(err, database.ErrIllegalTransition) {
			return nil
		}
		return bridgeerr.AsTransient(err)
	}

	rc, err := o.receipts.Generate(completed)
	if err != nil {
		// The payout already succeeded; a receipt-generation failure never
		// rolls that back. The transaction stays COMPLETED without a
		// receipt: a redelivered callback is ignored because the state is no
		// longer MPESA_PENDING, so this path does not regenerate it.
		logger.Error("orchestrator: failed to generate receipt", zap.String("tx_id", completed.ID), zap.Error(err))
		return bridgeerr.AsInvariant(fmt.Errorf("orchestrator: receipt generation failed for completed tx %s: %w", completed.ID, err))
	}
	if err := o.receiptRepo.Create(ctx, rc); err != nil {
		logger.Error("orchestrator: failed to persist receipt", zap.String("tx_id", completed.ID), zap.Error(err))
		return bridgeerr.AsTransient(err)
	}
	if err := o.txRepo.AppendEvent(ctx, completed.ID, database.EventReceiptGenerated, rc); err != nil {
		logger.Warn("orchestrator: failed to append receipt_generated event", zap.String("tx_id", completed.ID), zap.Error(err))
	}
	database.ReleaseIdempotencyKey(ctx, completed.Flow, idempotencyKeyOf(completed))
	return nil
}

// failAfterDispatch handles a non-zero Daraja ResultCode. Because Lightning
// settlement already happened by the time a transaction reaches
// MPESA_PENDING, every such failure must route to REFUNDING.
func (o *Orchestrator) failAfterDispatch(ctx context.Context, tx *database.Transaction, p queue.MpesaCallbackPayload) error {
	failed, err := o.txRepo.Transition(ctx, tx.ID, database.StateMpesaPending, database.StateFailed,
		database.EventMpesaCallback, tx.Version, func(t *database.Transaction) {
			t.FailureReason = database.FailureDarajaRejected
			t.FailureDetail = fmt.Sprintf("daraja result_code=%d: %s", p.ResultCode, p.ResultDesc)
		})
	if err != nil {
		if errors.Is(err, database.ErrStaleVersion) || errors.Is(err, database.ErrIllegalTransition) {
			return nil
		}
		return bridgeerr.AsTransient(err)
	}

	refunding, err := o.txRepo.Transition(ctx, failed.ID, database.StateFailed, database.StateRefunding,
		database.EventRefundRequested, failed.Version, nil)
	if err != nil {
		return bridgeerr.AsTransient(err)
	}
	return o.requestRefund(ctx, refunding, "mpesa callback reported failure")
}
