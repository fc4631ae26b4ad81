// Package webhook translates inbound Lightning settlement and Daraja
// callback deliveries into queue envelopes. It never calls the orchestrator
// directly or performs a state transition itself; its only job is to
// authenticate the caller, collapse duplicate deliveries, and publish.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/queue"
	"lightning-mpesa-bridge/pkg/logger"
)

const (
	maxBodyBytes  = 1 << 16
	dedupWindow   = 24 * time.Hour
	dedupKeyPfx   = "webhook:dedup:"
)

// Deduper collapses duplicate webhook deliveries within a sliding window.
// SetNX returns true the first time a token is seen and false on every
// repeat within dedupWindow. Implemented by pkg/cache's Redis-backed SetNX.
type Deduper interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
}

// Publisher is the subset of pkg/queue.StreamQueue webhook ingress needs.
type Publisher interface {
	Publish(ctx context.Context, stream string, data []byte) (string, error)
}

// Config carries the verification secrets for webhook authentication.
type Config struct {
	LightningHMACSecret []byte
	MpesaAllowlist      []string
	EventStream         string
}

// Server exposes the Lightning and Daraja webhook endpoints.
type Server struct {
	cfg       Config
	dedup     Deduper
	publisher Publisher
	allowNets []*net.IPNet
	allowIPs  map[string]struct{}
}

// NewServer builds a webhook Server. Entries in cfg.MpesaAllowlist may be a
// bare IP or a CIDR block.
func NewServer(cfg Config, dedup Deduper, publisher Publisher) (*Server, error) {
	s := &Server{cfg: cfg, dedup: dedup, publisher: publisher, allowIPs: map[string]struct{}{}}
	if cfg.EventStream == "" {
		s.cfg.EventStream = "tx-events"
	}
	for _, entry := range cfg.MpesaAllowlist {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			_, ipnet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("webhook: invalid mpesa allowlist CIDR %q: %w", entry, err)
			}
			s.allowNets = append(s.allowNets, ipnet)
			continue
		}
		if net.ParseIP(entry) == nil {
			return nil, fmt.Errorf("webhook: invalid mpesa allowlist IP %q", entry)
		}
		s.allowIPs[entry] = struct{}{}
	}
	return s, nil
}

// Routes registers the webhook endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/webhooks/lightning", s.handleLightning)
	mux.HandleFunc("/webhooks/mpesa/stk", s.handleMpesa("stk"))
	mux.HandleFunc("/webhooks/mpesa/b2c", s.handleMpesa("b2c"))
}

type lightningSettlementBody struct {
	PaymentHash string `json:"payment_hash"`
	AmountSats  int64  `json:"amount_sats"`
	SettledAt   int64  `json:"settled_at"`
}

func (s *Server) handleLightning(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeResult(w, http.StatusBadRequest, 1, "cannot read body")
		return
	}
	sig := r.Header.Get("X-Signature")
	if !verifyHMAC(s.cfg.LightningHMACSecret, body, sig) {
		writeResult(w, http.StatusUnauthorized, 1, "invalid signature")
		return
	}
	var payload lightningSettlementBody
	if err := json.Unmarshal(body, &payload); err != nil || payload.PaymentHash == "" {
		writeResult(w, http.StatusBadRequest, 1, "malformed payload")
		return
	}

	token := dedupToken("lightning", payload.PaymentHash, 0)
	first, err := s.reserve(r.Context(), token)
	if err != nil {
		logger.Error("webhook: dedup reservation failed", zap.Error(err))
		writeResult(w, http.StatusInternalServerError, 1, "internal error")
		return
	}
	if !first {
		writeResult(w, http.StatusOK, 0, "duplicate, ignored")
		return
	}

	env, err := queue.NewLightningSettlementEnvelope(queue.LightningSettlementPayload{
		PaymentHash: payload.PaymentHash, AmountSats: payload.AmountSats, SettledAt: payload.SettledAt,
	})
	if s.publish(r.Context(), w, env, err) {
		return
	}
	writeResult(w, http.StatusOK, 0, "ok")
}

type darajaCallbackBody struct {
	Body struct {
		StkCallback struct {
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        int    `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			// AccountReference is echoed back unchanged from the push
			// request regardless of outcome, carrying the payment-hash
			// correlation token set by mpesa.STKPush.
			AccountReference string `json:"AccountReference"`
			CallbackMetadata struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
	Result struct {
		ResultType               int    `json:"ResultType"`
		ResultCode               int    `json:"ResultCode"`
		ResultDesc               string `json:"ResultDesc"`
		ConversationID           string `json:"ConversationID"`
		OriginatorConversationID string `json:"OriginatorConversationID"`
		TransactionID            string `json:"TransactionID"`
		// Occasion is echoed back unchanged from the B2C payment request
		// regardless of outcome, carrying the same correlation token.
		Occasion string `json:"Occasion"`
	} `json:"Result"`
}

// handleMpesa returns a handler for the given Daraja callback kind ("stk"
// or "b2c"). Daraja carries no shared signing secret, so authentication is
// a source-IP allowlist instead.
func (s *Server) handleMpesa(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !s.mpesaIPAllowed(r) {
			writeResult(w, http.StatusForbidden, 1, "source not allowed")
			return
		}
		body, err := readBody(w, r)
		if err != nil {
			writeResult(w, http.StatusBadRequest, 1, "cannot read body")
			return
		}
		var cb darajaCallbackBody
		if err := json.Unmarshal(body, &cb); err != nil {
			writeResult(w, http.StatusBadRequest, 1, "malformed payload")
			return
		}

		resultCode, resultDesc, conversationID, receipt, reference := extractDaraja(kind, cb)
		if conversationID == "" {
			writeResult(w, http.StatusBadRequest, 1, "missing conversation id")
			return
		}

		token := dedupToken(kind, conversationID, resultCode)
		first, err := s.reserve(r.Context(), token)
		if err != nil {
			logger.Error("webhook: dedup reservation failed", zap.Error(err))
			writeResult(w, http.StatusInternalServerError, 1, "internal error")
			return
		}
		if !first {
			writeResult(w, http.StatusOK, 0, "duplicate, ignored")
			return
		}

		env, err := queue.NewMpesaCallbackEnvelope(queue.MpesaCallbackPayload{
			Kind: kind, ResultCode: resultCode, ResultDesc: resultDesc,
			MpesaReceipt: receipt, CorrelationID: reference,
		})
		if s.publish(r.Context(), w, env, err) {
			return
		}
		writeResult(w, http.StatusOK, 0, "ok")
	}
}

// extractDaraja normalises the two very different Daraja callback shapes
// (STK Push's Body.stkCallback vs B2C's flat Result) into one tuple.
// reference is the payment-hash correlation token mpesa.Reference derived
// at dispatch time (AccountReference for STK, Occasion for B2C), echoed
// back unchanged whether the transaction succeeded or failed; conversationID
// is Safaricom's own request identifier and is only used for deduplication,
// never for correlating back to a transaction.
func extractDaraja(kind string, cb darajaCallbackBody) (resultCode int, resultDesc, conversationID, receipt, reference string) {
	if kind == "stk" {
		sc := cb.Body.StkCallback
		conversationID = sc.CheckoutRequestID
		resultCode = sc.ResultCode
		resultDesc = sc.ResultDesc
		reference = sc.AccountReference
		for _, item := range sc.CallbackMetadata.Item {
			if item.Name == "MpesaReceiptNumber" {
				if s, ok := item.Value.(string); ok {
					receipt = s
				}
			}
		}
		return
	}
	conversationID = cb.Result.ConversationID
	resultCode = cb.Result.ResultCode
	resultDesc = cb.Result.ResultDesc
	receipt = cb.Result.TransactionID
	reference = cb.Result.Occasion
	return
}

func (s *Server) mpesaIPAllowed(r *http.Request) bool {
	if len(s.allowIPs) == 0 && len(s.allowNets) == 0 {
		return true
	}
	host := r.Header.Get("X-Forwarded-For")
	if host == "" {
		host, _, _ = net.SplitHostPort(r.RemoteAddr)
	} else {
		host = strings.TrimSpace(strings.Split(host, ",")[0])
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if _, ok := s.allowIPs[ip.String()]; ok {
		return true
	}
	for _, n := range s.allowNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (s *Server) reserve(ctx context.Context, token string) (bool, error) {
	if s.dedup == nil {
		return true, nil
	}
	return s.dedup.SetNX(ctx, dedupKeyPfx+token, "1", dedupWindow)
}

func (s *Server) publish(ctx context.Context, w http.ResponseWriter, env interface {
	ToJSON() ([]byte, error)
}, buildErr error) bool {
	if buildErr != nil {
		writeResult(w, http.StatusBadRequest, 1, buildErr.Error())
		return true
	}
	data, err := env.ToJSON()
	if err != nil {
		writeResult(w, http.StatusInternalServerError, 1, "encode failed")
		return true
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.EventStream, data); err != nil {
		logger.Error("webhook: failed to publish event", zap.Error(err))
		writeResult(w, http.StatusInternalServerError, 1, "publish failed")
		return true
	}
	return false
}

func dedupToken(endpoint, conversationID string, resultCode int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", endpoint, conversationID, resultCode)))
	return hex.EncodeToString(sum[:])
}

func verifyHMAC(secret, body []byte, provided string) bool {
	if len(secret) == 0 {
		return false
	}
	provided = strings.TrimSpace(strings.TrimPrefix(provided, "sha256="))
	decoded, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)
	return hmac.Equal(expected, decoded)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
}

type resultResponse struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func writeResult(w http.ResponseWriter, status, resultCode int, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resultResponse{ResultCode: resultCode, ResultDesc: desc})
}
