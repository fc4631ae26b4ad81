package mpesa

import (
	"context"
	"fmt"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/database"
)

// DispatchRequest carries everything the adapter needs to pick and execute
// the flow-specific Daraja call.
type DispatchRequest struct {
	TxID            string
	Flow            database.Flow
	MSISDN          string
	AmountKesCents  int64
	MerchantCode    string
	AccountNumber   string
	PaymentHash     string
	TransactionDesc string

	// SecurityCredential is only consulted for B2C flows (SEND_MONEY,
	// BUY_AIRTIME).
	SecurityCredential string
}

// Dispatch routes the request to STK-Push or B2C depending on flow and
// returns the synchronous acceptance result.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	switch req.Flow {
	case database.SendMoney, database.BuyAirtime:
		return c.B2CPayment(ctx, B2CRequest{
			TxID:           req.TxID,
			MSISDN:         req.MSISDN,
			AmountKesCents: req.AmountKesCents,
			PaymentHash:    req.PaymentHash,
			Remarks:        req.TransactionDesc,
		}, req.SecurityCredential)
	case database.Paybill, database.BuyGoods, database.ScanPay:
		return c.STKPush(ctx, STKPushRequest{
			TxID:            req.TxID,
			MSISDN:          req.MSISDN,
			AmountKesCents:  req.AmountKesCents,
			MerchantCode:    req.MerchantCode,
			AccountNumber:   req.AccountNumber,
			PaymentHash:     req.PaymentHash,
			TransactionDesc: req.TransactionDesc,
		})
	default:
		return DispatchResult{}, bridgeerr.AsClient(fmt.Errorf("mpesa: unsupported flow %q", req.Flow))
	}
}
