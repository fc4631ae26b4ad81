package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/mpesa"
	"lightning-mpesa-bridge/pkg/logger"
)

// SweepExpired moves every LIGHTNING_PENDING transaction whose
// quote_expires_at has passed into EXPIRED, cancelling its Lightning
// invoice so a late payment attempt is rejected by the node itself. Run
// every 5s by cmd/sweeper.
func (o *Orchestrator) SweepExpired(ctx context.Context) (int, error) {
	expiring, err := o.txRepo.ListExpiring(ctx, time.Now().UTC())
	if err != nil {
		return 0, bridgeerr.AsTransient(err)
	}

	count := 0
	for _, tx := range expiring {
		var stepErr error
		o.locks.WithLock(tx.ID, func() {
			stepErr = o.expireOne(ctx, tx)
		})
		if stepErr != nil {
			logger.Error("orchestrator: failed to expire transaction", zap.String("tx_id", tx.ID), zap.Error(stepErr))
			continue
		}
		count++
	}
	return count, nil
}

func (o *Orchestrator) expireOne(ctx context.Context, tx *database.Transaction) error {
	current, err := o.txRepo.GetByID(ctx, tx.ID)
	if err != nil {
		return err
	}
	if current.State != database.StateLightningPending {
		return nil
	}

	if !isPendingPaymentHash(current.PaymentHash) {
		if err := o.lnd.CancelInvoice(ctx, current.PaymentHash); err != nil {
			logger.Warn("orchestrator: failed to cancel expired lnd invoice", zap.String("tx_id", current.ID), zap.Error(err))
		}
	}

	expiresAt := time.Now().UTC().Add(idempotencyKeyTTLAfterTerminal)
	_, err = o.txRepo.Transition(ctx, current.ID, database.StateLightningPending, database.StateExpired,
		database.EventExpired, current.Version, func(t *database.Transaction) {
			if t.IdempotencyKey != nil {
				t.IdempotencyKeyExpiresAt = &expiresAt
			}
		})
	if err != nil {
		if errors.Is(err, database.ErrStaleVersion) || errors.Is(err, database.ErrIllegalTransition) {
			return nil
		}
		return err
	}
	database.ReleaseIdempotencyKey(ctx, current.Flow, idempotencyKeyOf(current))
	return nil
}

// ReleaseExpiredIdempotencyKeys nulls the (flow, idempotency_key) pair on
// every transaction whose terminal-state grace period has elapsed, freeing
// it for reuse by a new transaction. Run periodically by cmd/sweeper.
func (o *Orchestrator) ReleaseExpiredIdempotencyKeys(ctx context.Context) (int64, error) {
	n, err := o.txRepo.ReleaseExpiredIdempotencyKeys(ctx, time.Now().UTC())
	if err != nil {
		return 0, bridgeerr.AsTransient(err)
	}
	return n, nil
}

// ReconcileStalePending re-queries Daraja's Transaction Status API for every
// MPESA_PENDING transaction older than cfg.StaleMpesaAfter to recover from a
// lost callback. The query itself only returns synchronous acceptance; the
// actual result arrives later on the existing B2C webhook, correlated by the
// same reference the original dispatch set. A transaction dispatched before
// provider_conversation_id existed, or lacking one for any other reason,
// has nothing to query with and is only logged.
func (o *Orchestrator) ReconcileStalePending(ctx context.Context) (int, error) {
	stale, err := o.txRepo.ListStalePending(ctx, time.Now().UTC().Add(-o.cfg.StaleMpesaAfter))
	if err != nil {
		return 0, bridgeerr.AsTransient(err)
	}

	queried := 0
	for _, tx := range stale {
		if tx.ProviderConversationID == nil || *tx.ProviderConversationID == "" {
			logger.Warn("orchestrator: mpesa_pending transaction has no provider_conversation_id to reconcile",
				zap.String("tx_id", tx.ID), zap.Time("updated_at", tx.UpdatedAt))
			continue
		}
		err := o.mpesa.QueryTransactionStatus(ctx, mpesa.StatusQueryRequest{
			TxID:                   tx.ID,
			ProviderConversationID: *tx.ProviderConversationID,
			PaymentHash:            tx.PaymentHash,
		}, o.cfg.MpesaSecurityCredential)
		if err != nil {
			logger.Error("orchestrator: transaction status query failed", zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		queried++
	}
	return queried, nil
}
