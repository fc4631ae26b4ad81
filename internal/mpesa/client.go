// Package mpesa is the sole client of the upstream Daraja API: OAuth token
// management, STK-Push for the pull-payment flows and B2C for the
// push-payment flows, plus the adapter-level dispatched-set idempotency
// guard. Transport details beyond this contract are an upstream concern;
// the adapter's job is to dispatch exactly once per transaction and
// classify whatever Daraja returns into the bridge's error taxonomy.
package mpesa

import (
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Config holds the Daraja credentials and endpoint configuration.
type Config struct {
	ConsumerKey     string
	ConsumerSecret  string
	Shortcode       string
	Passkey         string
	CallbackBaseURL string
	BaseURL         string
}

// referenceLength is the account-reference slot Daraja allows; the
// correlation reference is the payment hash truncated to this length.
const referenceLength = 12

// Reference derives the Daraja account reference / bill ref number used to
// correlate an asynchronous callback back to a transaction.
func Reference(paymentHash string) string {
	if len(paymentHash) <= referenceLength {
		return paymentHash
	}
	return paymentHash[:referenceLength]
}

// Client is the M-Pesa adapter. One Client instance is shared by every
// dispatch across the process; its dispatched-set and token cache are both
// process-local, which is sufficient because the orchestrator additionally
// serializes per-tx_id access through internal/lock before calling in.
type Client struct {
	cfg        Config
	httpClient *http.Client
	encryptKey []byte
	tokenGroup singleflight.Group
	tokenMu    sync.RWMutex
	// cachedToken is stored encrypted at rest (see oauth.go); a future
	// move of this cache out-of-process (e.g. to Redis) needs no change
	// to the token's representation.
	cachedToken  string
	cachedExpiry time.Time

	dispatchedMu sync.Mutex
	dispatched   map[string]bool
}

// NewClient builds an adapter. encryptKey must be 32 bytes (AES-256);
// internal/bootstrap decodes it once at startup so the cached OAuth token is
// never held as cleartext.
func NewClient(cfg Config, encryptKey []byte, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		encryptKey: encryptKey,
		dispatched: make(map[string]bool),
	}
}

// markDispatched returns true if txID had not yet been dispatched, atomically
// recording it as dispatched. This is the innermost of the three-layer
// defence against a double M-Pesa dispatch.
func (c *Client) markDispatched(txID string) bool {
	c.dispatchedMu.Lock()
	defer c.dispatchedMu.Unlock()
	if c.dispatched[txID] {
		return false
	}
	c.dispatched[txID] = true
	return true
}

// DispatchResult is the synchronous response to a dispatch attempt. The
// terminal ResultCode/receipt arrive later via the callback webhook.
type DispatchResult struct {
	ProviderConversationID string
	Accepted               bool
}

// darajaTimestamp renders the Daraja-required YYYYMMDDHHmmss timestamp.
func darajaTimestamp(at time.Time) string {
	return at.Format("20060102150405")
}

// stkPassword derives the STK-Push Lipa na M-Pesa password: base64 of
// shortcode+passkey+timestamp, per Daraja's documented scheme.
func stkPassword(shortcode, passkey, ts string) string {
	raw := shortcode + passkey + ts
	return base64.StdEncoding.EncodeToString([]byte(raw))
}
