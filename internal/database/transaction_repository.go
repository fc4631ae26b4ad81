package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrTransactionNotFound is returned when a transaction is not found in the database.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrDuplicatePaymentHash is returned when a payment_hash collides with an existing row.
	ErrDuplicatePaymentHash = errors.New("payment hash already exists")
	// ErrDuplicateIdempotencyKey is returned when (flow, idempotency_key) already exists.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already exists for this flow")
	// ErrStaleVersion is returned when a transition's expected_version no longer matches.
	ErrStaleVersion = errors.New("stale version: transaction was concurrently modified")
	// ErrIllegalTransition is returned when the row's current state is not the
	// expected from-state. Transition does not check the from->to pair against
	// a state graph; any pair is accepted when the from-state matches.
	ErrIllegalTransition = errors.New("illegal state transition")
)

// TransactionRepository handles all database operations for the transaction
// aggregate and its event ledger.
type TransactionRepository struct {
	db *pgxpool.Pool
}

// NewTransactionRepository creates a new transaction repository instance.
func NewTransactionRepository(db *DB) *TransactionRepository {
	return &TransactionRepository{db: db.pool}
}

// Create inserts a new transaction and its "created" ledger entry atomically.
// Returns ErrDuplicatePaymentHash or ErrDuplicateIdempotencyKey on collision.
func (r *TransactionRepository) Create(ctx context.Context, tx *Transaction) error {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback(ctx)

	query := `INSERT INTO transactions (
		id, flow, payment_hash, recipient_phone, merchant_code, account_number,
		kes_amount_cents, btc_amount_sats, rate, fee_kes_cents, state,
		failure_reason, failure_detail, risk_score, mpesa_receipt, provider_conversation_id,
		lightning_invoice, idempotency_key, idempotency_key_expires_at, source_ip, user_agent,
		created_at, updated_at, quote_expires_at, version
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21, $22, $23, $24, $25)`

	_, err = dbTx.Exec(ctx, query,
		tx.ID, tx.Flow, tx.PaymentHash, tx.RecipientPhone, tx.MerchantCode, tx.AccountNumber,
		tx.KesAmountCents, tx.BtcAmountSats, tx.Rate, tx.FeeKesCents, tx.State,
		tx.FailureReason, tx.FailureDetail, tx.RiskScore, tx.MpesaReceipt, tx.ProviderConversationID,
		tx.LightningInvoice, tx.IdempotencyKey, tx.IdempotencyKeyExpiresAt, tx.SourceIP, tx.UserAgent,
		tx.CreatedAt, tx.UpdatedAt, tx.QuoteExpiresAt, tx.Version,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			switch pgErr.ConstraintName {
			case "transactions_payment_hash_key":
				return ErrDuplicatePaymentHash
			case "transactions_flow_idempotency_key_key":
				return ErrDuplicateIdempotencyKey
			}
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	if err := appendEvent(ctx, dbTx, tx.ID, 1, EventCreated, tx.CreatedAt, tx); err != nil {
		return err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction creation: %w", err)
	}
	return nil
}

const selectColumns = `
		id, flow, payment_hash, recipient_phone, merchant_code, account_number,
		kes_amount_cents, btc_amount_sats, rate, fee_kes_cents, state,
		failure_reason, failure_detail, risk_score, mpesa_receipt, provider_conversation_id,
		lightning_invoice, idempotency_key, idempotency_key_expires_at, source_ip, user_agent,
		created_at, updated_at, quote_expires_at, version`

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	err := row.Scan(
		&t.ID, &t.Flow, &t.PaymentHash, &t.RecipientPhone, &t.MerchantCode, &t.AccountNumber,
		&t.KesAmountCents, &t.BtcAmountSats, &t.Rate, &t.FeeKesCents, &t.State,
		&t.FailureReason, &t.FailureDetail, &t.RiskScore, &t.MpesaReceipt, &t.ProviderConversationID,
		&t.LightningInvoice, &t.IdempotencyKey, &t.IdempotencyKeyExpiresAt, &t.SourceIP, &t.UserAgent,
		&t.CreatedAt, &t.UpdatedAt, &t.QuoteExpiresAt, &t.Version,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// GetByID retrieves a transaction by its opaque id.
func (r *TransactionRepository) GetByID(ctx context.Context, id string) (*Transaction, error) {
	query := "SELECT " + selectColumns + " FROM transactions WHERE id = $1"
	t, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}
	return t, nil
}

// GetByPaymentHash retrieves a transaction by its Lightning payment hash.
// payment_hash is treated as a capability by the status endpoint.
func (r *TransactionRepository) GetByPaymentHash(ctx context.Context, hash string) (*Transaction, error) {
	query := "SELECT " + selectColumns + " FROM transactions WHERE payment_hash = $1"
	t, err := scanTransaction(r.db.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by payment hash: %w", err)
	}
	return t, nil
}

// GetByPaymentHashPrefix resolves the M-Pesa callback correlation reference
// (the leading 12 hex characters of payment_hash) back to its
// transaction. The prefix is unique in practice because payment hashes are
//32-byte Lightning preimage digests; a collision is astronomically
// unlikely but would be reported as ErrTransactionNotFound's sibling below.
func (r *TransactionRepository) GetByPaymentHashPrefix(ctx context.Context, prefix string) (*Transaction, error) {
	query := "SELECT " + selectColumns + ` FROM transactions WHERE payment_hash LIKE $1 || '%'`
	rows, err := r.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to look up transaction by payment hash prefix: %w", err)
	}
	defer rows.Close()

	var out *Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction by payment hash prefix: %w", err)
		}
		if out != nil {
			return nil, fmt.Errorf("ambiguous payment hash prefix %q matches multiple transactions", prefix)
		}
		out = t
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrTransactionNotFound
	}
	return out, nil
}

// GetByIdempotencyKey implements the idempotent-create collapse of /P6.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, flow Flow, key string) (*Transaction, error) {
	query := "SELECT " + selectColumns + " FROM transactions WHERE flow = $1 AND idempotency_key = $2"
	t, err := scanTransaction(r.db.QueryRow(ctx, query, flow, key))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction by idempotency key: %w", err)
	}
	return t, nil
}

// ListExpiring returns LIGHTNING_PENDING transactions whose quote_expires_at
// is at or before the given time. Used by the sweeper.
func (r *TransactionRepository) ListExpiring(ctx context.Context, before time.Time) ([]*Transaction, error) {
	query := "SELECT " + selectColumns + ` FROM transactions WHERE state = $1 AND quote_expires_at <= $2`
	rows, err := r.db.Query(ctx, query, StateLightningPending, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expiring transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListStalePending returns MPESA_PENDING transactions older than the given
// cutoff. Used by the reconciler.
func (r *TransactionRepository) ListStalePending(ctx context.Context, updatedBefore time.Time) ([]*Transaction, error) {
	query := "SELECT " + selectColumns + ` FROM transactions WHERE state = $1 AND updated_at <= $2`
	rows, err := r.db.Query(ctx, query, StateMpesaPending, updatedBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale pending transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale pending transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ReleaseExpiredIdempotencyKeys nulls idempotency_key (and its expiry) for
// every row whose idempotency_key_expires_at has passed, freeing the
// (flow, key) pair for reuse by a new transaction. Used by the sweeper.
func (r *TransactionRepository) ReleaseExpiredIdempotencyKeys(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE transactions SET idempotency_key = NULL, idempotency_key_expires_at = NULL
		 WHERE idempotency_key_expires_at IS NOT NULL AND idempotency_key_expires_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release expired idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Mutator applies an in-place change to a transaction snapshot immediately
// before it is persisted by Transition. It must not change ID, Flow,
// PaymentHash, KesAmountCents, BtcAmountSats, Rate or FeeKesCents — those
// are frozen after the first event (invariant P4).
type Mutator func(t *Transaction)

// Transition performs an optimistic-concurrency-controlled state change and
// appends the corresponding ledger event in the same database transaction
//. Exactly one concurrent caller succeeds; others get
// ErrStaleVersion.
func (r *TransactionRepository) Transition(
	ctx context.Context,
	id string,
	expectedState State,
	newState State,
	kind EventKind,
	expectedVersion int64,
	mutate Mutator,
) (*Transaction, error) {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transition: %w", err)
	}
	defer dbTx.Rollback(ctx)

	query := "SELECT " + selectColumns + ` FROM transactions WHERE id = $1 FOR UPDATE`
	current, err := scanTransaction(dbTx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to load transaction for transition: %w", err)
	}

	if current.Version != expectedVersion {
		return nil, ErrStaleVersion
	}
	if current.State != expectedState {
		return nil, ErrIllegalTransition
	}

	now := time.Now().UTC()
	next := *current
	next.State = newState
	next.UpdatedAt = now
	next.Version = current.Version + 1
	if mutate != nil {
		mutate(&next)
	}

	update := `UPDATE transactions SET
		state = $2, failure_reason = $3, failure_detail = $4, risk_score = $5,
		mpesa_receipt = $6, provider_conversation_id = $7, lightning_invoice = $8,
		payment_hash = $9, idempotency_key_expires_at = $10, updated_at = $11, version = $12
		WHERE id = $1 AND version = $13`
	tag, err := dbTx.Exec(ctx, update,
		id, next.State, next.FailureReason, next.FailureDetail, next.RiskScore,
		next.MpesaReceipt, next.ProviderConversationID, next.LightningInvoice,
		next.PaymentHash, next.IdempotencyKeyExpiresAt, next.UpdatedAt, next.Version,
		expectedVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to apply transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrStaleVersion
	}

	if err := appendEvent(ctx, dbTx, id, next.Version, kind, now, &next); err != nil {
		return nil, err
	}

	if err := dbTx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}
	return &next, nil
}

// AppendEvent appends a standalone ledger row outside of a state transition
// (e.g. a dedup log entry for a duplicate webhook delivery).
func (r *TransactionRepository) AppendEvent(ctx context.Context, txID string, kind EventKind, payload any) error {
	dbTx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin event append: %w", err)
	}
	defer dbTx.Rollback(ctx)

	var nextSeq int64
	err = dbTx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM transaction_events WHERE tx_id = $1`, txID).Scan(&nextSeq)
	if err != nil {
		return fmt.Errorf("failed to compute next sequence: %w", err)
	}

	if err := appendEvent(ctx, dbTx, txID, nextSeq, kind, time.Now().UTC(), payload); err != nil {
		return err
	}
	return dbTx.Commit(ctx)
}

// ListEvents returns the gap-free, seq-ordered ledger for a transaction.
func (r *TransactionRepository) ListEvents(ctx context.Context, txID string) ([]*TransactionEvent, error) {
	rows, err := r.db.Query(ctx, `SELECT tx_id, seq, kind, at, payload FROM transaction_events WHERE tx_id = $1 ORDER BY seq ASC`, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for %s: %w", txID, err)
	}
	defer rows.Close()

	var out []*TransactionEvent
	for rows.Next() {
		var e TransactionEvent
		if err := rows.Scan(&e.TxID, &e.Seq, &e.Kind, &e.At, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func appendEvent(ctx context.Context, dbTx pgx.Tx, txID string, seq int64, kind EventKind, at time.Time, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	_, err = dbTx.Exec(ctx,
		`INSERT INTO transaction_events (tx_id, seq, kind, at, payload) VALUES ($1, $2, $3, $4, $5)`,
		txID, seq, kind, at, string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}
