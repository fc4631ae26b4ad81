package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"

	"lightning-mpesa-bridge/pkg/logger"

	"go.uber.org/zap"
)

// CreateInvoice mints a BOLT11 invoice for amtSats with the given memo and
// expiry. LND generates the preimage and payment hash; the caller never
// handles the preimage directly since this bridge is a payee, not a payer.
func (c *Client) CreateInvoice(ctx context.Context, amtSats int64, memo string, expirySeconds int32) (*CreatedInvoice, error) {
	if amtSats <= 0 {
		return nil, fmt.Errorf("invoice amount must be positive, got %d sats", amtSats)
	}
	if expirySeconds <= 0 {
		expirySeconds = c.cfg.DefaultInvoiceExpiry
	}

	resp, err := c.lnClient.AddInvoice(ctx, &lnrpc.Invoice{
		Memo:   memo,
		Value:  amtSats,
		Expiry: int64(expirySeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create invoice: %w", err)
	}

	return &CreatedInvoice{
		PaymentHash: hex.EncodeToString(resp.RHash),
		Bolt11:      resp.PaymentRequest,
		ExpirySecs:  expirySeconds,
	}, nil
}

// CancelInvoice marks an invoice CANCELED in LND so a payment arriving
// after the bridge has already moved the transaction to EXPIRED is
// rejected at the node level rather than settling into limbo.
func (c *Client) CancelInvoice(ctx context.Context, paymentHash string) error {
	hashBytes, err := hex.DecodeString(paymentHash)
	if err != nil {
		return fmt.Errorf("invalid payment hash %q: %w", paymentHash, err)
	}

	_, err = c.invoicesClient.CancelInvoice(ctx, &invoicesrpc.CancelInvoiceMsg{PaymentHash: hashBytes})
	if err != nil {
		return fmt.Errorf("failed to cancel invoice %s: %w", paymentHash, err)
	}
	return nil
}

// SubscribeSettlements opens LND's invoice subscription and invokes
// onSettle for each SETTLED update it receives. The subscription is opened
// without an add or settle index, so earlier settlements are not replayed.
// Non-settlement updates (OPEN, CANCELED, ACCEPTED) are ignored. The call
// blocks until ctx is cancelled or the stream returns an error, so callers
// run it in its own goroutine with a reconnect loop.
func (c *Client) SubscribeSettlements(ctx context.Context, onSettle func(SettledInvoice)) error {
	stream, err := c.lnClient.SubscribeInvoices(ctx, &lnrpc.InvoiceSubscription{})
	if err != nil {
		return fmt.Errorf("failed to open invoice subscription: %w", err)
	}

	for {
		inv, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("invoice subscription stream error: %w", err)
		}

		if inv.State != lnrpc.Invoice_SETTLED {
			continue
		}

		paymentHash := hex.EncodeToString(inv.RHash)
		logger.Info("lightning invoice settled",
			zap.String("payment_hash", paymentHash),
			zap.Int64("amount_sats", inv.AmtPaidSat),
		)
		onSettle(SettledInvoice{
			PaymentHash: paymentHash,
			AmountSats:  inv.AmtPaidSat,
			SettledAt:   inv.SettleDate,
		})
	}
}
