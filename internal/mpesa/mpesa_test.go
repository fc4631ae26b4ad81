package mpesa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/crypto"
	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/pkg/logger"
)

func init() {
	_ = logger.Init("development")
}

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func newMockDaraja(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := Config{
		ConsumerKey:     "key",
		ConsumerSecret:  "secret",
		Shortcode:       "174379",
		Passkey:         "passkey",
		CallbackBaseURL: "https://bridge.example.com",
		BaseURL:         server.URL,
	}
	return server, NewClient(cfg, testKey(t), server.Client())
}

func TestReference_TruncatesTo12Chars(t *testing.T) {
	assert.Equal(t, "abcdef012345", Reference("abcdef0123456789"))
	assert.Equal(t, "short", Reference("short"))
}

func TestSTKPush_Success(t *testing.T) {
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_ = json.NewEncoder(w).Encode(oauthResponse{AccessToken: "tok1", ExpiresIn: "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			assert.Equal(t, "Bearer tok1", r.Header.Get("Authorization"))
			_ = json.NewEncoder(w).Encode(stkPushWireResponse{
				CheckoutRequestID: "ws_CO_123",
				ResponseCode:      "0",
				ResponseDescription: "Success",
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	res, err := client.STKPush(context.Background(), STKPushRequest{
		TxID:           "tx1",
		MSISDN:         "254712345678",
		AmountKesCents: 100000,
		PaymentHash:    "abcdef0123456789",
	})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "ws_CO_123", res.ProviderConversationID)
}

func TestSTKPush_RefusesDoubleDispatch(t *testing.T) {
	calls := 0
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_ = json.NewEncoder(w).Encode(oauthResponse{AccessToken: "tok1", ExpiresIn: "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			calls++
			_ = json.NewEncoder(w).Encode(stkPushWireResponse{CheckoutRequestID: "ws_CO_1", ResponseCode: "0"})
		}
	})

	req := STKPushRequest{TxID: "tx1", MSISDN: "254712345678", AmountKesCents: 1000, PaymentHash: "abc"}
	_, err := client.STKPush(context.Background(), req)
	require.NoError(t, err)

	_, err = client.STKPush(context.Background(), req)
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.Conflict))
	assert.Equal(t, 1, calls)
}

func TestSTKPush_PermanentRejectionClassified(t *testing.T) {
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_ = json.NewEncoder(w).Encode(oauthResponse{AccessToken: "tok1", ExpiresIn: "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			_ = json.NewEncoder(w).Encode(stkPushWireResponse{ResponseCode: "1", ResponseDescription: "Insufficient float"})
		}
	})

	_, err := client.STKPush(context.Background(), STKPushRequest{TxID: "tx1", MSISDN: "254712345678", AmountKesCents: 1000, PaymentHash: "abc"})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.Permanent))
}

func TestSTKPush_UpstreamServerErrorIsTransient(t *testing.T) {
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_ = json.NewEncoder(w).Encode(oauthResponse{AccessToken: "tok1", ExpiresIn: "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	})

	_, err := client.STKPush(context.Background(), STKPushRequest{TxID: "tx1", MSISDN: "254712345678", AmountKesCents: 1000, PaymentHash: "abc"})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.Transient))
}

func TestB2CPayment_Success(t *testing.T) {
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_ = json.NewEncoder(w).Encode(oauthResponse{AccessToken: "tok1", ExpiresIn: "3599"})
		case "/mpesa/b2c/v1/paymentrequest":
			_ = json.NewEncoder(w).Encode(b2cWireResponse{ConversationID: "conv1", ResponseCode: "0"})
		}
	})

	res, err := client.B2CPayment(context.Background(), B2CRequest{
		TxID:           "tx1",
		MSISDN:         "254712345678",
		AmountKesCents: 100000,
		PaymentHash:    "abcdef0123456789",
	}, "cred")
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "conv1", res.ProviderConversationID)
}

func TestDispatch_RoutesByFlow(t *testing.T) {
	var hitPaths []string
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		hitPaths = append(hitPaths, r.URL.Path)
		switch r.URL.Path {
		case "/oauth/v1/generate":
			_ = json.NewEncoder(w).Encode(oauthResponse{AccessToken: "tok1", ExpiresIn: "3599"})
		case "/mpesa/b2c/v1/paymentrequest":
			_ = json.NewEncoder(w).Encode(b2cWireResponse{ConversationID: "conv1", ResponseCode: "0"})
		case "/mpesa/stkpush/v1/processrequest":
			_ = json.NewEncoder(w).Encode(stkPushWireResponse{CheckoutRequestID: "ws1", ResponseCode: "0"})
		}
	})

	_, err := client.Dispatch(context.Background(), DispatchRequest{TxID: "tx-send", Flow: database.SendMoney, MSISDN: "254700000001", AmountKesCents: 1000, PaymentHash: "abc"})
	require.NoError(t, err)

	_, err = client.Dispatch(context.Background(), DispatchRequest{TxID: "tx-paybill", Flow: database.Paybill, MSISDN: "254700000002", AmountKesCents: 1000, PaymentHash: "def"})
	require.NoError(t, err)

	assert.Contains(t, hitPaths, "/mpesa/b2c/v1/paymentrequest")
	assert.Contains(t, hitPaths, "/mpesa/stkpush/v1/processrequest")
}

func TestDispatch_UnsupportedFlow(t *testing.T) {
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {})
	_, err := client.Dispatch(context.Background(), DispatchRequest{TxID: "tx1", Flow: "BOGUS"})
	require.Error(t, err)
	assert.True(t, bridgeerr.Is(err, bridgeerr.ClientErr))
}

func TestToken_CachesAcrossCalls(t *testing.T) {
	oauthCalls := 0
	_, client := newMockDaraja(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			oauthCalls++
			_ = json.NewEncoder(w).Encode(oauthResponse{AccessToken: "tok1", ExpiresIn: "3599"})
		case "/mpesa/stkpush/v1/processrequest":
			_ = json.NewEncoder(w).Encode(stkPushWireResponse{CheckoutRequestID: "ws1", ResponseCode: "0"})
		}
	})

	for i := 0; i < 3; i++ {
		_, err := client.STKPush(context.Background(), STKPushRequest{TxID: "tx-" + string(rune('a'+i)), MSISDN: "254700000001", AmountKesCents: 1000, PaymentHash: "abc"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, oauthCalls)
}
