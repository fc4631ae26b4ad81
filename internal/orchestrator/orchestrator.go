// Package orchestrator drives every transaction through quote → invoice →
// settle → convert → payout → receipt. It is the only
// component allowed to call database.TransactionRepository.Transition; every
// other package observes transactions read-only.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/exchange"
	"lightning-mpesa-bridge/internal/lnd"
	"lightning-mpesa-bridge/internal/lock"
	"lightning-mpesa-bridge/internal/mpesa"
	"lightning-mpesa-bridge/internal/quote"
	"lightning-mpesa-bridge/internal/receipt"
	"lightning-mpesa-bridge/internal/retry"
	"lightning-mpesa-bridge/internal/risk"
	"lightning-mpesa-bridge/pkg/logger"
)

// EventStream is the Redis Streams name the orchestrator publishes
// asynchronous follow-on work to (refund requests).
const EventStream = "tx-events"

// pendingPaymentHashPrefix marks the placeholder payment_hash a transaction
// is created with before its Lightning invoice exists. It can never collide
// with a real 64-char hex payment hash, and is unique per tx_id so the
// column's NOT NULL UNIQUE constraint is satisfied from the first insert.
const pendingPaymentHashPrefix = "pending:"

// VelocityRecorder records a freshly created transaction's fingerprint so
// the Risk Engine's counters reflect it for later scoring. Implemented by
// internal/risk.RedisCounters; kept as its own narrow interface so the
// Risk Engine's read-only Counters contract (and its tests) stay untouched.
type VelocityRecorder interface {
	RecordTransaction(ctx context.Context, txID, sourceIP, recipientPhone string, kesAmountCents int64, at time.Time) error
}

// Publisher is the subset of pkg/queue.StreamQueue the orchestrator depends
// on, kept as an interface so tests can substitute a recording fake.
type Publisher interface {
	Publish(ctx context.Context, stream string, data []byte) (string, error)
}

// Config parameterises orchestrator behaviour from config.toml / env.
type Config struct {
	Spread                float64
	InvoiceExpirySeconds  int32
	QuoteWindow           time.Duration
	MpesaSecurityCredential string
	StaleMpesaAfter       time.Duration
}

// Orchestrator wires every collaborator behind the state machine's
// transition logic.
type Orchestrator struct {
	txRepo      *database.TransactionRepository
	receiptRepo *database.ReceiptRepository
	lnd         lnd.LightningClient
	mpesa       *mpesa.Client
	risk        *risk.Engine
	recorder    VelocityRecorder
	rates       *exchange.RateAggregator
	receipts    *receipt.Generator
	locks       *lock.Striped
	events      Publisher
	cfg         Config
}

// New builds an Orchestrator. cfg.QuoteWindow and cfg.InvoiceExpirySeconds
// default to 15 minutes / 900s when zero.
func New(
	txRepo *database.TransactionRepository,
	receiptRepo *database.ReceiptRepository,
	lndClient lnd.LightningClient,
	mpesaClient *mpesa.Client,
	riskEngine *risk.Engine,
	recorder VelocityRecorder,
	rates *exchange.RateAggregator,
	receipts *receipt.Generator,
	events Publisher,
	cfg Config,
) *Orchestrator {
	if cfg.QuoteWindow <= 0 {
		cfg.QuoteWindow = 15 * time.Minute
	}
	if cfg.InvoiceExpirySeconds <= 0 {
		cfg.InvoiceExpirySeconds = 900
	}
	if cfg.StaleMpesaAfter <= 0 {
		cfg.StaleMpesaAfter = 2 * time.Minute
	}
	return &Orchestrator{
		txRepo:      txRepo,
		receiptRepo: receiptRepo,
		lnd:         lndClient,
		mpesa:       mpesaClient,
		risk:        riskEngine,
		recorder:    recorder,
		rates:       rates,
		receipts:    receipts,
		locks:       lock.NewStriped(1024),
		events:      events,
		cfg:         cfg,
	}
}

// CreateRequest carries the validated inputs for a new transaction. The
// flow-specific required fields (merchant_code, account_number) are
// validated by the caller against the flow before reaching here.
type CreateRequest struct {
	Flow           database.Flow
	KesAmountCents int64
	RecipientPhone string
	MerchantCode   string
	AccountNumber  string
	IdempotencyKey string
	SourceIP       string
	UserAgent      string
}

// CreateTransaction implements the create-request path: idempotency check,
// rate quote, a PENDING row, Lightning invoice mint, and the PENDING →
// LIGHTNING_PENDING transition. Because payment_hash is NOT NULL UNIQUE from
// the first row, the PENDING row carries a pendingPaymentHashPrefix
// placeholder that the transition replaces with the invoice's payment hash.
func (o *Orchestrator) CreateTransaction(ctx context.Context, req CreateRequest) (*database.Transaction, error) {
	if req.IdempotencyKey != "" {
		reserved, err := database.ReserveIdempotencyKey(ctx, req.Flow, req.IdempotencyKey)
		if err != nil {
			return nil, bridgeerr.AsTransient(fmt.Errorf("orchestrator: reserve idempotency key: %w", err))
		}
		if !reserved {
			existing, err := o.txRepo.GetByIdempotencyKey(ctx, req.Flow, req.IdempotencyKey)
			if err == nil {
				return existing, nil
			}
			if errors.Is(err, database.ErrTransactionNotFound) {
				return nil, bridgeerr.AsConflict(fmt.Errorf("orchestrator: idempotency key %q is being claimed by another request, retry", req.IdempotencyKey))
			}
			return nil, bridgeerr.AsTransient(err)
		}
		// On success the reservation stays claimed until its fastPathTTL
		// runs out or the transaction is cancelled, expired or completed;
		// the failure paths below release it early.
	}

	rate, err := o.rates.Rate(ctx)
	if err != nil {
		o.releaseIdempotency(ctx, req)
		return nil, bridgeerr.AsTransient(err)
	}

	q, err := quote.Price(req.Flow, req.KesAmountCents, rate, o.cfg.Spread)
	if err != nil {
		o.releaseIdempotency(ctx, req)
		return nil, bridgeerr.AsClient(err)
	}

	now := time.Now().UTC()
	txID := uuid.NewString()

	tx := &database.Transaction{
		ID:             txID,
		Flow:           req.Flow,
		PaymentHash:    pendingPaymentHashPrefix + txID,
		RecipientPhone: req.RecipientPhone,
		MerchantCode:   optionalPtr(req.MerchantCode),
		AccountNumber:  optionalPtr(req.AccountNumber),
		KesAmountCents: q.KesAmountCents,
		BtcAmountSats:  q.BtcAmountSats,
		Rate:           q.Rate,
		FeeKesCents:    q.FeeKesCents,
		State:          database.StatePending,
		IdempotencyKey: optionalPtr(req.IdempotencyKey),
		SourceIP:       req.SourceIP,
		UserAgent:      req.UserAgent,
		CreatedAt:      now,
		UpdatedAt:      now,
		QuoteExpiresAt: now.Add(o.cfg.QuoteWindow),
		Version:        1,
	}

	if err := o.txRepo.Create(ctx, tx); err != nil {
		o.releaseIdempotency(ctx, req)
		switch {
		case errors.Is(err, database.ErrDuplicatePaymentHash), errors.Is(err, database.ErrDuplicateIdempotencyKey):
			return nil, bridgeerr.AsConflict(err)
		default:
			return nil, bridgeerr.AsTransient(err)
		}
	}

	memo := fmt.Sprintf("%s %s", req.Flow, mpesa.Reference(txID))
	var invoice *lnd.CreatedInvoice
	invErr := retry.Do(ctx, retry.OrchestratorPolicy, func(ctx context.Context) error {
		var err error
		invoice, err = o.lnd.CreateInvoice(ctx, q.BtcAmountSats, memo, o.cfg.InvoiceExpirySeconds)
		return err
	})
	if invErr != nil {
		o.failBeforeSettlement(ctx, tx, database.FailureInvoiceCreation, invErr.Error())
		return nil, bridgeerr.AsPermanent(fmt.Errorf("orchestrator: invoice creation exhausted retries: %w", invErr))
	}

	bolt11 := invoice.Bolt11
	updated, err := o.txRepo.Transition(ctx, tx.ID, database.StatePending, database.StateLightningPending,
		database.EventInvoiceMinted, tx.Version, func(t *database.Transaction) {
			t.PaymentHash = invoice.PaymentHash
			t.LightningInvoice = &bolt11
		})
	if err != nil {
		logger.Error("orchestrator: failed to record minted invoice", zap.String("tx_id", tx.ID), zap.Error(err))
		return nil, bridgeerr.AsTransient(err)
	}

	if o.recorder != nil {
		if err := o.recorder.RecordTransaction(ctx, tx.ID, req.SourceIP, req.RecipientPhone, q.KesAmountCents, now); err != nil {
			logger.Warn("orchestrator: failed to record velocity counters", zap.String("tx_id", tx.ID), zap.Error(err))
		}
	}

	return updated, nil
}

// failBeforeSettlement marks a transaction FAILED when the failure happens
// before any Lightning payment could have arrived, so no refund is owed.
func (o *Orchestrator) failBeforeSettlement(ctx context.Context, tx *database.Transaction, reason database.FailureReason, detail string) {
	_, err := o.txRepo.Transition(ctx, tx.ID, tx.State, database.StateFailed, database.EventInvariantViolation, tx.Version,
		func(t *database.Transaction) {
			t.FailureReason = reason
			t.FailureDetail = detail
		})
	if err != nil {
		logger.Error("orchestrator: failed to mark transaction failed", zap.String("tx_id", tx.ID), zap.Error(err))
	}
}

// releaseIdempotency frees a reservation taken at the top of CreateTransaction
// when the request fails before a transaction row exists to own the key.
func (o *Orchestrator) releaseIdempotency(ctx context.Context, req CreateRequest) {
	if req.IdempotencyKey != "" {
		database.ReleaseIdempotencyKey(ctx, req.Flow, req.IdempotencyKey)
	}
}

// Cancel implements the client-initiated cancellation path:
// only legal while PENDING or LIGHTNING_PENDING, i.e. strictly before
// Lightning settlement.
func (o *Orchestrator) Cancel(ctx context.Context, txID string) (*database.Transaction, error) {
	var result *database.Transaction
	var outerErr error
	o.locks.WithLock(txID, func() {
		tx, err := o.txRepo.GetByID(ctx, txID)
		if err != nil {
			outerErr = err
			return
		}
		if tx.State != database.StatePending && tx.State != database.StateLightningPending {
			outerErr = bridgeerr.AsInvariant(fmt.Errorf("orchestrator: cannot cancel transaction %s in state %s", txID, tx.State))
			return
		}
		if tx.State == database.StateLightningPending && !isPendingPaymentHash(tx.PaymentHash) {
			if err := o.lnd.CancelInvoice(ctx, tx.PaymentHash); err != nil {
				logger.Warn("orchestrator: failed to cancel lnd invoice on client cancel", zap.String("tx_id", txID), zap.Error(err))
			}
		}
		expiresAt := time.Now().UTC().Add(idempotencyKeyTTLAfterTerminal)
		updated, err := o.txRepo.Transition(ctx, txID, tx.State, database.StateCancelled, database.EventCancelled, tx.Version, func(t *database.Transaction) {
			if t.IdempotencyKey != nil {
				t.IdempotencyKeyExpiresAt = &expiresAt
			}
		})
		if err != nil {
			outerErr = err
			return
		}
		database.ReleaseIdempotencyKey(ctx, tx.Flow, idempotencyKeyOf(tx))
		result = updated
	})
	if outerErr != nil {
		return nil, classifyRepoErr(outerErr)
	}
	return result, nil
}

func idempotencyKeyOf(tx *database.Transaction) string {
	if tx.IdempotencyKey == nil {
		return ""
	}
	return *tx.IdempotencyKey
}

func isPendingPaymentHash(hash string) bool {
	return len(hash) >= len(pendingPaymentHashPrefix) && hash[:len(pendingPaymentHashPrefix)] == pendingPaymentHashPrefix
}

func optionalPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// classifyRepoErr maps a database-layer sentinel to the bridge's error
// taxonomy for callers (typically the HTTP layer) that only understand
// bridgeerr classes.
func classifyRepoErr(err error) error {
	switch {
	case errors.Is(err, database.ErrTransactionNotFound):
		return bridgeerr.AsClient(err)
	case errors.Is(err, database.ErrStaleVersion):
		return bridgeerr.AsConflict(err)
	case errors.Is(err, database.ErrIllegalTransition):
		return bridgeerr.AsInvariant(err)
	case bridgeerr.ClassOf(err) != "":
		return err
	default:
		return bridgeerr.AsTransient(err)
	}
}
