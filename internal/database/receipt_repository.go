package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrReceiptNotFound is returned when no receipt exists for a transaction.
var ErrReceiptNotFound = errors.New("receipt not found")

// ReceiptRepository persists the immutable receipt created on entry to
// COMPLETED.
type ReceiptRepository struct {
	db *pgxpool.Pool
}

// NewReceiptRepository creates a new receipt repository instance.
func NewReceiptRepository(db *DB) *ReceiptRepository {
	return &ReceiptRepository{db: db.pool}
}

// Create inserts a receipt. Receipts are write-once: a second Create for the
// same tx_id fails on the unique constraint rather than overwriting.
func (r *ReceiptRepository) Create(ctx context.Context, rc *Receipt) error {
	query := `INSERT INTO receipts (id, tx_id, payload, qr_payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.db.Exec(ctx, query, rc.ID, rc.TxID, rc.Payload, rc.QRPayload, rc.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create receipt for tx %s: %w", rc.TxID, err)
	}
	return nil
}

// GetByTxID retrieves the receipt for a transaction, if it has one.
func (r *ReceiptRepository) GetByTxID(ctx context.Context, txID string) (*Receipt, error) {
	query := `SELECT id, tx_id, payload, qr_payload, created_at FROM receipts WHERE tx_id = $1`
	var rc Receipt
	err := r.db.QueryRow(ctx, query, txID).Scan(&rc.ID, &rc.TxID, &rc.Payload, &rc.QRPayload, &rc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to get receipt for tx %s: %w", txID, err)
	}
	return &rc, nil
}
