package mpesa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/pkg/logger"
)

// STKPushRequest is the input to a Paybill/Buy-Goods/Scan-Pay dispatch.
// AmountKesCents is converted to whole KES for the wire request; Daraja
// does not accept sub-shilling amounts.
type STKPushRequest struct {
	TxID            string
	MSISDN          string
	AmountKesCents  int64
	MerchantCode    string
	AccountNumber   string
	PaymentHash     string
	TransactionDesc string
}

type stkPushWireRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushWireResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// STKPush dispatches a customer-to-business prompt for Paybill, Buy Goods
// and Scan-Pay. It refuses to dispatch a second time for the same TxID.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (DispatchResult, error) {
	if !c.markDispatched(req.TxID) {
		return DispatchResult{}, bridgeerr.AsConflict(fmt.Errorf("mpesa: tx %s already dispatched", req.TxID))
	}

	tok, err := c.token(ctx)
	if err != nil {
		return DispatchResult{}, err
	}

	businessShortCode := req.MerchantCode
	if businessShortCode == "" {
		businessShortCode = c.cfg.Shortcode
	}
	partyB := businessShortCode

	transactionDesc := req.TransactionDesc
	if req.AccountNumber != "" {
		// The caller's own paybill/till account number has nowhere else to
		// go once AccountReference is reserved for correlation, so it rides
		// along in the description Daraja shows the customer and merchant.
		transactionDesc = fmt.Sprintf("%s acct:%s", transactionDesc, req.AccountNumber)
	}

	ts := darajaTimestamp(time.Now())
	wire := stkPushWireRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          stkPassword(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            req.AmountKesCents / 100,
		PartyA:            req.MSISDN,
		PartyB:            partyB,
		PhoneNumber:       req.MSISDN,
		CallBackURL:       c.cfg.CallbackBaseURL + "/webhooks/mpesa/stk",
		// AccountReference is never overridden by the caller's account
		// number: it is the sole correlation channel the callback path uses
		// to resolve a Daraja result back to this transaction.
		AccountReference: Reference(req.PaymentHash),
		TransactionDesc:  transactionDesc,
	}

	var out stkPushWireResponse
	if err := c.postJSON(ctx, tok, "/mpesa/stkpush/v1/processrequest", wire, &out); err != nil {
		return DispatchResult{}, err
	}

	accepted := out.ResponseCode == "0"
	logger.Info("dispatched STK-Push",
		zap.String("tx_id", req.TxID),
		zap.String("checkout_request_id", out.CheckoutRequestID),
		zap.Bool("accepted", accepted))

	if !accepted {
		return DispatchResult{}, bridgeerr.AsPermanent(fmt.Errorf("mpesa: stk push rejected: %s", out.ResponseDescription))
	}

	return DispatchResult{ProviderConversationID: out.CheckoutRequestID, Accepted: true}, nil
}

// postJSON is the shared wire transport for STK-Push and B2C dispatches,
// classifying HTTP failures into the bridge's error taxonomy the way
// internal/exchange's fetchJSON does for GET requests.
func (c *Client) postJSON(ctx context.Context, bearerToken, path string, body, target interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return bridgeerr.AsClient(fmt.Errorf("mpesa: marshal request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return bridgeerr.AsClient(fmt.Errorf("mpesa: build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return bridgeerr.AsTransient(fmt.Errorf("mpesa: request to %s failed: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return bridgeerr.AsTransient(fmt.Errorf("mpesa: %s upstream error: status %d", path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return bridgeerr.AsPermanent(fmt.Errorf("mpesa: %s rejected: status %d", path, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		return bridgeerr.AsTransient(fmt.Errorf("mpesa: decode %s response: %w", path, err))
	}
	return nil
}
