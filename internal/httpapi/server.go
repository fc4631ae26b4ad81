// Package httpapi exposes the bridge's synchronous create/status/cancel
// surface over plain net/http — no router library exists
// anywhere in the example corpus, so this follows the standard library's
// own ServeMux-per-route convention instead of introducing one.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/orchestrator"
	"lightning-mpesa-bridge/internal/receipt"
	"lightning-mpesa-bridge/pkg/logger"
)

// Orchestrator is the subset of *orchestrator.Orchestrator the HTTP layer
// drives, kept as an interface so handler tests can substitute a fake.
type Orchestrator interface {
	CreateTransaction(ctx context.Context, req orchestrator.CreateRequest) (*database.Transaction, error)
	Cancel(ctx context.Context, txID string) (*database.Transaction, error)
}

// TransactionLookup is the read path the status endpoint needs.
type TransactionLookup interface {
	GetByPaymentHash(ctx context.Context, paymentHash string) (*database.Transaction, error)
}

// ReceiptLookup is the read path the receipt-retrieval endpoint needs.
type ReceiptLookup interface {
	GetByTxID(ctx context.Context, txID string) (*database.Receipt, error)
}

// ReceiptRenderer renders a stored receipt into a presentable byte stream.
// Implemented by *receipt.Generator.
type ReceiptRenderer interface {
	Render(r *database.Receipt, format string) ([]byte, string, error)
}

// Server implements the bridge's public HTTP surface.
type Server struct {
	orch     Orchestrator
	lookup   TransactionLookup
	receipts ReceiptLookup
	renderer ReceiptRenderer
}

// NewServer builds an httpapi.Server. receipts/renderer may be nil, in
// which case the receipt-retrieval endpoint responds 503; every other
// caller (production wiring via internal/bootstrap) supplies both.
func NewServer(orch Orchestrator, lookup TransactionLookup, receipts ReceiptLookup, renderer ReceiptRenderer) *Server {
	return &Server{orch: orch, lookup: lookup, receipts: receipts, renderer: renderer}
}

// Routes registers every endpoint on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/send-money", s.handleCreate(database.SendMoney))
	mux.HandleFunc("/v1/buy-airtime", s.handleCreate(database.BuyAirtime))
	mux.HandleFunc("/v1/paybill", s.handleCreate(database.Paybill))
	mux.HandleFunc("/v1/buy-goods", s.handleCreate(database.BuyGoods))
	mux.HandleFunc("/v1/scan-pay", s.handleCreate(database.ScanPay))
	mux.HandleFunc("/v1/transactions/", s.handleTransactionPath)
	mux.HandleFunc("/healthz", handleHealth)
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// createRequestBody is the wire shape shared by every flow; flows that
// don't need merchant_code/account_number simply leave them empty.
type createRequestBody struct {
	KesAmountCents int64  `json:"kes_amount_cents"`
	RecipientPhone string `json:"recipient_phone"`
	MerchantCode   string `json:"merchant_code,omitempty"`
	AccountNumber  string `json:"account_number,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (s *Server) handleCreate(flow database.Flow) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var body createRequestBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
		if body.KesAmountCents <= 0 {
			writeError(w, http.StatusBadRequest, "kes_amount_cents must be positive")
			return
		}
		if strings.TrimSpace(body.RecipientPhone) == "" {
			writeError(w, http.StatusBadRequest, "recipient_phone is required")
			return
		}
		switch flow {
		case database.Paybill:
			if strings.TrimSpace(body.AccountNumber) == "" {
				writeError(w, http.StatusBadRequest, "account_number is required for paybill")
				return
			}
		case database.BuyGoods, database.ScanPay:
			if strings.TrimSpace(body.MerchantCode) == "" {
				writeError(w, http.StatusBadRequest, "merchant_code is required for this flow")
				return
			}
		}

		tx, err := s.orch.CreateTransaction(r.Context(), orchestrator.CreateRequest{
			Flow: flow, KesAmountCents: body.KesAmountCents, RecipientPhone: body.RecipientPhone,
			MerchantCode: body.MerchantCode, AccountNumber: body.AccountNumber,
			IdempotencyKey: body.IdempotencyKey, SourceIP: clientIP(r), UserAgent: r.UserAgent(),
		})
		if err != nil {
			writeClassifiedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, newTransactionView(tx))
	}
}

// handleTransactionPath dispatches GET /v1/transactions/{payment_hash},
// POST /v1/transactions/{tx_id}/cancel and GET
// /v1/transactions/{tx_id}/receipt from the same prefix registration,
// since net/http's ServeMux (pre-1.22 pattern routing) can't express a
// single path-parameter segment followed by a literal suffix.
func (s *Server) handleTransactionPath(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if rest == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if id, ok := strings.CutSuffix(rest, "/cancel"); ok {
		s.handleCancel(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(rest, "/receipt"); ok {
		s.handleReceipt(w, r, id)
		return
	}
	s.handleStatus(w, r, rest)
}

// handleReceipt serves the rendered receipt for a COMPLETED transaction.
// format defaults to "html"; ?format=pdf returns the PDF rendering instead.
func (s *Server) handleReceipt(w http.ResponseWriter, r *http.Request, txID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.receipts == nil || s.renderer == nil {
		writeError(w, http.StatusServiceUnavailable, "receipt retrieval unavailable")
		return
	}

	rec, err := s.receipts.GetByTxID(r.Context(), txID)
	if err != nil {
		if errors.Is(err, database.ErrReceiptNotFound) {
			writeError(w, http.StatusNotFound, "receipt not found")
			return
		}
		logger.Error("httpapi: receipt lookup failed", zap.String("tx_id", txID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "html"
	}
	body, contentType, err := s.renderer.Render(rec, format)
	if err != nil {
		if errors.Is(err, receipt.ErrUnsupportedFormat) {
			writeError(w, http.StatusBadRequest, "unsupported format")
			return
		}
		logger.Error("httpapi: receipt render failed", zap.String("tx_id", txID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, paymentHash string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tx, err := s.lookup.GetByPaymentHash(r.Context(), paymentHash)
	if err != nil {
		if errors.Is(err, database.ErrTransactionNotFound) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		logger.Error("httpapi: status lookup failed", zap.String("payment_hash", paymentHash), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(tx))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, txID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	tx, err := s.orch.Cancel(r.Context(), txID)
	if err != nil {
		writeClassifiedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(tx))
}

// transactionView is the public response shape for a transaction, deliberately narrower than database.Transaction (no
// idempotency key, source IP, user agent, or risk score).
type transactionView struct {
	TxID             string  `json:"tx_id"`
	Flow             string  `json:"flow"`
	State            string  `json:"state"`
	PaymentHash      string  `json:"payment_hash"`
	LightningInvoice *string `json:"lightning_invoice,omitempty"`
	BtcAmountSats    int64   `json:"btc_amount_sats"`
	KesAmountCents   int64   `json:"kes_amount_cents"`
	FeeKesCents      int64   `json:"fee_kes_cents"`
	Rate             float64 `json:"rate"`
	MpesaReceipt     *string `json:"mpesa_receipt,omitempty"`
	FailureReason    string  `json:"failure_reason,omitempty"`
	QuoteExpiresAt   string  `json:"quote_expires_at"`
	CreatedAt        string  `json:"created_at"`
}

func newTransactionView(tx *database.Transaction) transactionView {
	return transactionView{
		TxID: tx.ID, Flow: string(tx.Flow), State: string(tx.State), PaymentHash: tx.PaymentHash,
		LightningInvoice: tx.LightningInvoice, BtcAmountSats: tx.BtcAmountSats, KesAmountCents: tx.KesAmountCents,
		FeeKesCents: tx.FeeKesCents, Rate: tx.Rate, MpesaReceipt: tx.MpesaReceipt, FailureReason: string(tx.FailureReason),
		QuoteExpiresAt: tx.QuoteExpiresAt.Format(rfc3339Milli), CreatedAt: tx.CreatedAt.Format(rfc3339Milli),
	}
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeClassifiedError maps a bridgeerr-classified error to the HTTP status
// 400 ClientError, 409 Conflict, 422 business-rule
// rejection (reused here for Invariant), 503 for upstream transient/permanent.
func writeClassifiedError(w http.ResponseWriter, err error) {
	switch bridgeerr.ClassOf(err) {
	case bridgeerr.ClientErr:
		writeError(w, http.StatusBadRequest, err.Error())
	case bridgeerr.Conflict:
		writeError(w, http.StatusConflict, err.Error())
	case bridgeerr.Invariant:
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case bridgeerr.Permanent:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case bridgeerr.Transient:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("httpapi: unclassified error reached handler", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("httpapi: failed to encode response", zap.Error(err))
	}
}
