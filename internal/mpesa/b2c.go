package mpesa

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/pkg/logger"
)

// B2CRequest is the input to a Send-Money/Buy-Airtime dispatch.
type B2CRequest struct {
	TxID            string
	MSISDN          string
	AmountKesCents  int64
	PaymentHash     string
	CommandID       string // "BusinessPayment" or "PromotionPayment"; defaults to BusinessPayment
	Remarks         string
}

type b2cWireRequest struct {
	InitiatorName      string `json:"InitiatorName"`
	SecurityCredential string `json:"SecurityCredential"`
	CommandID          string `json:"CommandID"`
	Amount             int64  `json:"Amount"`
	PartyA             string `json:"PartyA"`
	PartyB             string `json:"PartyB"`
	Remarks            string `json:"Remarks"`
	QueueTimeOutURL    string `json:"QueueTimeOutURL"`
	ResultURL          string `json:"ResultURL"`
	Occasion           string `json:"Occasion"`
}

type b2cWireResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
}

// B2CPayment dispatches a business-to-customer payout for Send Money and
// Buy Airtime. SecurityCredential is the pre-encrypted initiator password
// Daraja requires; it is supplied as opaque configuration (the
// certificate-based RSA encryption that produces it is a one-time
// operational step outside the adapter's runtime path).
func (c *Client) B2CPayment(ctx context.Context, req B2CRequest, securityCredential string) (DispatchResult, error) {
	if !c.markDispatched(req.TxID) {
		return DispatchResult{}, bridgeerr.AsConflict(fmt.Errorf("mpesa: tx %s already dispatched", req.TxID))
	}

	tok, err := c.token(ctx)
	if err != nil {
		return DispatchResult{}, err
	}

	commandID := req.CommandID
	if commandID == "" {
		commandID = "BusinessPayment"
	}

	wire := b2cWireRequest{
		InitiatorName:      c.cfg.ConsumerKey,
		SecurityCredential: securityCredential,
		CommandID:          commandID,
		Amount:             req.AmountKesCents / 100,
		PartyA:             c.cfg.Shortcode,
		PartyB:             req.MSISDN,
		Remarks:            req.Remarks,
		QueueTimeOutURL:    c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		ResultURL:          c.cfg.CallbackBaseURL + "/webhooks/mpesa/b2c",
		Occasion:           Reference(req.PaymentHash),
	}

	var out b2cWireResponse
	if err := c.postJSON(ctx, tok, "/mpesa/b2c/v1/paymentrequest", wire, &out); err != nil {
		return DispatchResult{}, err
	}

	accepted := out.ResponseCode == "0"
	logger.Info("dispatched B2C payment",
		zap.String("tx_id", req.TxID),
		zap.String("conversation_id", out.ConversationID),
		zap.Bool("accepted", accepted))

	if !accepted {
		return DispatchResult{}, bridgeerr.AsPermanent(fmt.Errorf("mpesa: b2c payment rejected: %s", out.ResponseDescription))
	}

	return DispatchResult{ProviderConversationID: out.ConversationID, Accepted: true}, nil
}
