// Package queue defines the message envelopes carried on the orchestrator's
// Redis Streams event bus (tx-events). Each envelope wraps one fact the
// orchestrator needs to act on asynchronously, outside of the synchronous
// create-transaction request path.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType discriminates the variant carried by an Envelope.
type EventType string

const (
	// EventLightningSettlement carries a Lightning invoice settlement
	// received by the settlement webhook. Settlements seen on the LND
	// subscription go to the orchestrator directly, not through the bus.
	EventLightningSettlement EventType = "lightning_settlement"
	// EventMpesaCallback carries a Daraja STK-Push or B2C result callback.
	EventMpesaCallback EventType = "mpesa_callback"
	// EventRefundRequested announces that a transaction failed after
	// Lightning settlement or was risk-blocked and now needs a refund. The
	// orchestrator daemon logs it; nothing in this module executes the refund.
	EventRefundRequested EventType = "refund_requested"
)

// Envelope is the single message shape published to tx-events. Payload is
// left as raw JSON and decoded according to Type by the consumer, mirroring
// how the orchestrator looks up the state-machine handler for a Type.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ToJSON serializes the envelope to JSON bytes for XAdd.
func (e *Envelope) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event envelope: %w", err)
	}
	return data, nil
}

// FromJSON deserializes JSON bytes into an Envelope and validates it.
func FromJSON(data []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(data, env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return env, nil
}

// Validate checks the envelope carries a known type and non-empty payload.
func (e *Envelope) Validate() error {
	switch e.Type {
	case EventLightningSettlement, EventMpesaCallback, EventRefundRequested:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if len(e.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// LightningSettlementPayload is the Payload of an EventLightningSettlement.
type LightningSettlementPayload struct {
	PaymentHash string `json:"payment_hash"`
	AmountSats  int64  `json:"amount_sats"`
	SettledAt   int64  `json:"settled_at"` // unix seconds
}

// NewLightningSettlementEnvelope builds a ready-to-publish envelope.
func NewLightningSettlementEnvelope(p LightningSettlementPayload) (*Envelope, error) {
	if p.PaymentHash == "" {
		return nil, errors.New("payment_hash is required")
	}
	if p.AmountSats <= 0 {
		return nil, errors.New("amount_sats must be greater than 0")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lightning settlement payload: %w", err)
	}
	return &Envelope{Type: EventLightningSettlement, Payload: payload}, nil
}

// MpesaCallbackPayload is the Payload of an EventMpesaCallback. Kind
// distinguishes an STK-Push callback from a B2C result callback, since the
// two Daraja products use different field shapes upstream, already
// normalized by internal/webhook before reaching the bus.
type MpesaCallbackPayload struct {
	Kind          string `json:"kind"` // "stk" or "b2c"
	TxID          string `json:"tx_id"`
	ResultCode    int    `json:"result_code"`
	ResultDesc    string `json:"result_desc"`
	MpesaReceipt  string `json:"mpesa_receipt,omitempty"`
	CorrelationID string `json:"correlation_id"` // AccountReference / BillRefNumber
}

// NewMpesaCallbackEnvelope builds a ready-to-publish envelope.
func NewMpesaCallbackEnvelope(p MpesaCallbackPayload) (*Envelope, error) {
	if p.Kind != "stk" && p.Kind != "b2c" {
		return nil, fmt.Errorf("kind must be \"stk\" or \"b2c\", got %q", p.Kind)
	}
	if p.CorrelationID == "" {
		return nil, errors.New("correlation_id is required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mpesa callback payload: %w", err)
	}
	return &Envelope{Type: EventMpesaCallback, Payload: payload}, nil
}

// RefundRequestedPayload is the Payload of an EventRefundRequested.
type RefundRequestedPayload struct {
	TxID   string `json:"tx_id"`
	Reason string `json:"reason"`
}

// NewRefundRequestedEnvelope builds a ready-to-publish envelope.
func NewRefundRequestedEnvelope(p RefundRequestedPayload) (*Envelope, error) {
	if p.TxID == "" {
		return nil, errors.New("tx_id is required")
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal refund requested payload: %w", err)
	}
	return &Envelope{Type: EventRefundRequested, Payload: payload}, nil
}
