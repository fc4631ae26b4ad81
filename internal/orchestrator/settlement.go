package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/mpesa"
	"lightning-mpesa-bridge/internal/queue"
	"lightning-mpesa-bridge/internal/retry"
	"lightning-mpesa-bridge/internal/risk"
	"lightning-mpesa-bridge/pkg/logger"
)

// HandleLightningSettlement applies a Lightning invoice settlement observed
// by the LND subscription or the settlement webhook. Delivery is at-least-once;
// a settlement for a transaction no longer in LIGHTNING_PENDING is a no-op,
// not an error, so redelivery after a crash is safe.
func (o *Orchestrator) HandleLightningSettlement(ctx context.Context, p queue.LightningSettlementPayload) error {
	tx, err := o.txRepo.GetByPaymentHash(ctx, p.PaymentHash)
	if err != nil {
		if errors.Is(err, database.ErrTransactionNotFound) {
			logger.Warn("orchestrator: settlement for unknown payment hash", zap.String("payment_hash", p.PaymentHash))
			return nil
		}
		return bridgeerr.AsTransient(err)
	}

	var resultErr error
	o.locks.WithLock(tx.ID, func() {
		resultErr = o.advanceFromSettlement(ctx, tx, p)
	})
	return resultErr
}

func (o *Orchestrator) advanceFromSettlement(ctx context.Context, tx *database.Transaction, p queue.LightningSettlementPayload) error {
	// Re-read under the lock: the copy from GetByPaymentHash may already be
	// stale if a concurrent delivery of the same settlement won the race.
	tx, err := o.txRepo.GetByID(ctx, tx.ID)
	if err != nil {
		return bridgeerr.AsTransient(err)
	}
	if tx.State != database.StateLightningPending {
		logger.Info("orchestrator: ignoring duplicate settlement", zap.String("tx_id", tx.ID), zap.String("state", string(tx.State)))
		return nil
	}

	paid, err := o.txRepo.Transition(ctx, tx.ID, database.StateLightningPending, database.StateLightningPaid,
		database.EventLightningSettled, tx.Version, nil)
	if err != nil {
		if errors.Is(err, database.ErrStaleVersion) || errors.Is(err, database.ErrIllegalTransition) {
			logger.Info("orchestrator: settlement lost a race, treating as duplicate", zap.String("tx_id", tx.ID))
			return nil
		}
		return bridgeerr.AsTransient(err)
	}

	return o.evaluateRiskAndConvert(ctx, paid)
}

// evaluateRiskAndConvert scores the now-settled transaction and either
// moves it into CONVERTING (ALLOW/FLAG) or REFUNDING (BLOCK). Risk is
// evaluated only at this point, never before settlement.
func (o *Orchestrator) evaluateRiskAndConvert(ctx context.Context, tx *database.Transaction) error {
	result, err := o.risk.Score(ctx, tx, tx.UserAgent)
	if err != nil {
		return bridgeerr.AsTransient(fmt.Errorf("orchestrator: risk scoring: %w", err))
	}

	scoredPayload, _ := json.Marshal(result)
	_ = o.txRepo.AppendEvent(ctx, tx.ID, database.EventRiskScored, json.RawMessage(scoredPayload))

	if result.Decision == risk.Block {
		refunding, err := o.txRepo.Transition(ctx, tx.ID, database.StateLightningPaid, database.StateRefunding,
			database.EventRefundRequested, tx.Version, func(t *database.Transaction) {
				t.FailureReason = database.FailureRiskBlocked
				t.FailureDetail = fmt.Sprintf("risk score %.2f: %v", result.Score, result.Factors)
				t.RiskScore = result.Score
			})
		if err != nil {
			return bridgeerr.AsTransient(err)
		}
		return o.requestRefund(ctx, refunding, "risk blocked")
	}

	converting, err := o.txRepo.Transition(ctx, tx.ID, database.StateLightningPaid, database.StateConverting,
		database.EventRiskScored, tx.Version, func(t *database.Transaction) {
			t.RiskScore = result.Score
		})
	if err != nil {
		return bridgeerr.AsTransient(err)
	}

	return o.dispatchMpesa(ctx, converting)
}

// dispatchMpesa drives CONVERTING → MPESA_PENDING (Daraja accepted) or
// CONVERTING → FAILED (Daraja rejected synchronously).
// A synchronous rejection after Lightning settlement always needs a refund,
// so FAILED here is immediately followed by FAILED → REFUNDING and a refund
// request.
func (o *Orchestrator) dispatchMpesa(ctx context.Context, tx *database.Transaction) error {
	var result mpesa.DispatchResult
	dispatchErr := retry.Do(ctx, retry.OrchestratorPolicy, func(ctx context.Context) error {
		var err error
		result, err = o.mpesa.Dispatch(ctx, mpesa.DispatchRequest{
			TxID:               tx.ID,
			Flow:               tx.Flow,
			MSISDN:             tx.RecipientPhone,
			AmountKesCents:     tx.KesAmountCents,
			MerchantCode:       derefOr(tx.MerchantCode, ""),
			AccountNumber:      derefOr(tx.AccountNumber, ""),
			PaymentHash:        tx.PaymentHash,
			TransactionDesc:    string(tx.Flow),
			SecurityCredential: o.cfg.MpesaSecurityCredential,
		})
		if bridgeerr.Is(err, bridgeerr.Conflict) {
			// The adapter's in-memory dispatched-set already holds this
			// tx_id from an earlier attempt in this retry loop; the retry is
			// collapsed into that attempt rather than failing the request.
			return nil
		}
		return err
	})

	if dispatchErr != nil {
		failed, err := o.txRepo.Transition(ctx, tx.ID, database.StateConverting, database.StateFailed,
			database.EventMpesaRejected, tx.Version, func(t *database.Transaction) {
				t.FailureReason = database.FailureDarajaRejected
				t.FailureDetail = dispatchErr.Error()
			})
		if err != nil {
			return bridgeerr.AsTransient(err)
		}
		refunding, err := o.txRepo.Transition(ctx, failed.ID, database.StateFailed, database.StateRefunding,
			database.EventRefundRequested, failed.Version, nil)
		if err != nil {
			return bridgeerr.AsTransient(err)
		}
		return o.requestRefund(ctx, refunding, "mpesa dispatch rejected")
	}

	providerConversationID := result.ProviderConversationID
	_, err := o.txRepo.Transition(ctx, tx.ID, database.StateConverting, database.StateMpesaPending,
		database.EventMpesaDispatched, tx.Version, func(t *database.Transaction) {
			t.ProviderConversationID = &providerConversationID
		})
	if err != nil {
		return bridgeerr.AsTransient(err)
	}
	logger.Info("orchestrator: dispatched mpesa payout", zap.String("tx_id", tx.ID),
		zap.String("provider_conversation_id", result.ProviderConversationID))
	return nil
}

// requestRefund moves a FAILED-after-settlement or risk-BLOCKed transaction
// into the refund workflow. Automated execution of the Lightning-side
// refund payment (a keysend back to the payer, or an off-chain manual
// process) is intentionally out of scope here; this only records the
// request and publishes it for whichever process picks that up.
func (o *Orchestrator) requestRefund(ctx context.Context, tx *database.Transaction, reason string) error {
	env, err := queue.NewRefundRequestedEnvelope(queue.RefundRequestedPayload{TxID: tx.ID, Reason: reason})
	if err != nil {
		return bridgeerr.AsInvariant(err)
	}
	data, err := env.ToJSON()
	if err != nil {
		return bridgeerr.AsInvariant(err)
	}
	if o.events != nil {
		if _, err := o.events.Publish(ctx, EventStream, data); err != nil {
			logger.Error("orchestrator: failed to publish refund request", zap.String("tx_id", tx.ID), zap.Error(err))
			return bridgeerr.AsTransient(err)
		}
	}
	return nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
