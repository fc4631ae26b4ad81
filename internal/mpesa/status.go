package mpesa

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/pkg/logger"
)

// StatusQueryRequest asks Daraja to re-announce the outcome of a dispatch
// that never produced a callback. ProviderConversationID is the
// CheckoutRequestID/ConversationID captured from the original STK-Push or
// B2C acceptance; PaymentHash re-derives the same Occasion/AccountReference
// token the original dispatch used, so the eventual answer correlates back
// to the transaction through the existing callback pipeline.
type StatusQueryRequest struct {
	TxID                   string
	ProviderConversationID string
	PaymentHash            string
	IdentifierType         string // "4" for shortcode, per Daraja's PartyA identifier types
}

type statusQueryWireRequest struct {
	Initiator          string `json:"Initiator"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	TransactionID      string `json:"TransactionID"`
	PartyA             string `json:"PartyA"`
	IdentifierType     string `json:"IdentifierType"`
	ResultURL          string `json:"ResultURL"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	Remarks            string `json:"Remarks"`
	Occasion           string `json:"Occasion"`
}

type statusQueryWireResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// QueryTransactionStatus asks Daraja's Transaction Status API to re-announce
// the result of a prior dispatch. Like STK-Push and B2C, this call only
// returns synchronous acceptance of the query itself; the actual result
// arrives later on ResultURL, shaped exactly like a B2C Result callback and
// routed through the same /webhooks/mpesa/b2c endpoint, correlated by the
// Occasion this call sets to the same reference the original dispatch used.
func (c *Client) QueryTransactionStatus(ctx context.Context, req StatusQueryRequest, securityCredential string) error {
	tok, err := c.token(ctx)
	if err != nil {
		return err
	}

	identifierType := req.IdentifierType
	if identifierType == "" {
		identifierType = "4"
	}

	wire := statusQueryWireRequest{
		Initiator:          c.cfg.ConsumerKey,
		SecurityCredential: securityCredential,
		CommandID:          "TransactionStatusQuery",
		TransactionID:      req.ProviderConversationID,
		PartyA:             c.cfg.Shortcode,
		IdentifierType:     identifierType,
		ResultURL:          c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		QueueTimeOutURL:    c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		Remarks:            "reconciliation",
		Occasion:           Reference(req.PaymentHash),
	}

	var out statusQueryWireResponse
	if err := c.postJSON(ctx, tok, "/mpesa/transactionstatus/v1/query", wire, &out); err != nil {
		return err
	}

	accepted := out.ResponseCode == "0"
	logger.Info("queried mpesa transaction status",
		zap.String("tx_id", req.TxID),
		zap.String("provider_conversation_id", req.ProviderConversationID),
		zap.Bool("accepted", accepted))

	if !accepted {
		return bridgeerr.AsPermanent(fmt.Errorf("mpesa: transaction status query rejected: %s", out.ResponseDescription))
	}
	return nil
}
