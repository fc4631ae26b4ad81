package database

import (
	"time"
)

// Flow identifies which M-Pesa product a transaction drives funds toward.
type Flow string

const (
	SendMoney  Flow = "SEND_MONEY"
	BuyAirtime Flow = "BUY_AIRTIME"
	Paybill    Flow = "PAYBILL"
	BuyGoods   Flow = "BUY_GOODS"
	ScanPay    Flow = "SCAN_PAY"
)

// ParseFlow validates a client-supplied flow string against the closed set.
func ParseFlow(s string) (Flow, bool) {
	switch Flow(s) {
	case SendMoney, BuyAirtime, Paybill, BuyGoods, ScanPay:
		return Flow(s), true
	default:
		return "", false
	}
}

// State is a node in the orchestrator's transaction state graph.
type State string

const (
	StatePending          State = "PENDING"
	StateLightningPending State = "LIGHTNING_PENDING"
	StateLightningPaid    State = "LIGHTNING_PAID"
	StateConverting       State = "CONVERTING"
	StateMpesaPending     State = "MPESA_PENDING"
	StateCompleted        State = "COMPLETED"
	StateFailed           State = "FAILED"
	StateRefunding        State = "REFUNDING"
	StateRefunded         State = "REFUNDED"
	StateExpired          State = "EXPIRED"
	StateCancelled        State = "CANCELLED"
)

var terminalStates = map[State]bool{
	StateCompleted: true,
	StateExpired:   true,
	StateCancelled: true,
	StateRefunded:  true,
}

// Terminal reports whether this state is an end state that a transaction
// does not leave.
func (s State) Terminal() bool {
	return terminalStates[s]
}

// FailureReason is a stable, user-facing enum for why a transaction failed.
type FailureReason string

const (
	FailureNone               FailureReason = ""
	FailureInvoiceCreation    FailureReason = "InvoiceCreationFailed"
	FailureRiskBlocked        FailureReason = "RiskBlocked"
	FailureDarajaRejected     FailureReason = "DarajaRejected"
	FailureDarajaTimeout      FailureReason = "DarajaTimeout"
	FailureUpstreamExhausted  FailureReason = "UpstreamRetriesExhausted"
	FailureInvariantViolation FailureReason = "InvariantViolation"
)

// Transaction is the single aggregate root of the bridge.
type Transaction struct {
	ID                     string        `json:"id" db:"id"`
	Flow                   Flow          `json:"flow" db:"flow"`
	PaymentHash            string        `json:"payment_hash" db:"payment_hash"`
	RecipientPhone         string        `json:"recipient_phone" db:"recipient_phone"`
	MerchantCode           *string       `json:"merchant_code,omitempty" db:"merchant_code"`
	AccountNumber          *string       `json:"account_number,omitempty" db:"account_number"`
	KesAmountCents         int64         `json:"kes_amount_cents" db:"kes_amount_cents"`
	BtcAmountSats          int64         `json:"btc_amount_sats" db:"btc_amount_sats"`
	Rate                   float64       `json:"rate" db:"rate"`
	FeeKesCents            int64         `json:"fee_kes_cents" db:"fee_kes_cents"`
	State                  State         `json:"state" db:"state"`
	FailureReason          FailureReason `json:"failure_reason,omitempty" db:"failure_reason"`
	FailureDetail          string        `json:"failure_detail,omitempty" db:"failure_detail"`
	RiskScore              float64       `json:"risk_score" db:"risk_score"`
	MpesaReceipt           *string       `json:"mpesa_receipt,omitempty" db:"mpesa_receipt"`
	// ProviderConversationID is Daraja's own CheckoutRequestID/ConversationID
	// for the dispatch, set once on entry to MPESA_PENDING. A stale reconcile
	// pass needs it to re-query Daraja's Transaction Status API.
	ProviderConversationID *string       `json:"provider_conversation_id,omitempty" db:"provider_conversation_id"`
	LightningInvoice       *string       `json:"lightning_invoice,omitempty" db:"lightning_invoice"`
	IdempotencyKey         *string       `json:"idempotency_key,omitempty" db:"idempotency_key"`
	// IdempotencyKeyExpiresAt is set to 24h past the moment a transaction
	// reaches a terminal state; ReleaseExpiredIdempotencyKeys nulls out
	// IdempotencyKey once this passes, freeing the (flow, key) pair for
	// reuse by a new transaction.
	IdempotencyKeyExpiresAt *time.Time   `json:"idempotency_key_expires_at,omitempty" db:"idempotency_key_expires_at"`
	SourceIP               string        `json:"-" db:"source_ip"`
	UserAgent              string        `json:"-" db:"user_agent"`
	CreatedAt              time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at" db:"updated_at"`
	QuoteExpiresAt         time.Time     `json:"quote_expires_at" db:"quote_expires_at"`
	Version                int64         `json:"version" db:"version"`
}

// GetBTC returns the locked sats amount as a float BTC value for display.
func (t *Transaction) GetBTC() float64 {
	return float64(t.BtcAmountSats) / 100_000_000
}

// GetKES returns the KES amount as a float shilling value for display.
func (t *Transaction) GetKES() float64 {
	return float64(t.KesAmountCents) / 100
}

// EventKind tags the variant carried by a TransactionEvent payload.
type EventKind string

const (
	EventCreated            EventKind = "created"
	EventInvoiceMinted      EventKind = "invoice_minted"
	EventCancelled          EventKind = "cancelled"
	EventLightningSettled   EventKind = "lightning_settled"
	EventExpired            EventKind = "expired"
	EventRiskScored         EventKind = "risk_scored"
	EventMpesaDispatched    EventKind = "mpesa_dispatched"
	EventMpesaRejected      EventKind = "mpesa_rejected"
	EventMpesaCallback      EventKind = "mpesa_callback"
	EventRefundRequested    EventKind = "refund_requested"
	EventRefundSettled      EventKind = "refund_settled"
	EventReceiptGenerated   EventKind = "receipt_generated"
	EventDuplicateDetected  EventKind = "duplicate_detected"
	EventInvariantViolation EventKind = "invariant_violation"
)

// TransactionEvent is one append-only row of the audit ledger.
// The ledger is replay-safe: folding every event for a tx_id in seq order
// must reproduce the materialised row in the transactions table.
type TransactionEvent struct {
	TxID    string    `json:"tx_id" db:"tx_id"`
	Seq     int64     `json:"seq" db:"seq"`
	Kind    EventKind `json:"kind" db:"kind"`
	At      time.Time `json:"at" db:"at"`
	Payload string    `json:"payload" db:"payload"` // JSON-encoded, shape depends on Kind
}

// Receipt is the immutable record created on entry to COMPLETED.
type Receipt struct {
	ID        string    `json:"id" db:"id"`
	TxID      string    `json:"tx_id" db:"tx_id"`
	Payload   string    `json:"payload" db:"payload"`     // JSON-encoded receipt.Payload, deterministic
	QRPayload string    `json:"qr_payload" db:"qr_payload"` // base64url, HMAC-signed
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
