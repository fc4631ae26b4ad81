package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"lightning-mpesa-bridge/internal/bridgeerr"
	"lightning-mpesa-bridge/internal/crypto"
	"lightning-mpesa-bridge/pkg/logger"
)

// tokenExpiryMargin is how long before the real expiry a cached token is
// treated as expired, so an in-flight dispatch never races a token that
// dies mid-request.
const tokenExpiryMargin = 60 * time.Second

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// token returns a valid bearer token, refreshing it through a single-flight
// group so concurrent dispatches share one refresh instead of hammering
// Daraja's OAuth endpoint.
func (c *Client) token(ctx context.Context) (string, error) {
	if tok, ok := c.cachedValidToken(); ok {
		return tok, nil
	}

	v, err, _ := c.tokenGroup.Do("refresh", func() (interface{}, error) {
		if tok, ok := c.cachedValidToken(); ok {
			return tok, nil
		}
		return c.refreshToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Client) cachedValidToken() (string, bool) {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	if c.cachedToken == "" || time.Now().After(c.cachedExpiry) {
		return "", false
	}
	tok, err := crypto.Decrypt(c.cachedToken, c.encryptKey)
	if err != nil {
		return "", false
	}
	return tok, true
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	url := c.cfg.BaseURL + "/oauth/v1/generate?grant_type=client_credentials"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", bridgeerr.AsClient(fmt.Errorf("mpesa: build oauth request: %w", err))
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", bridgeerr.AsTransient(fmt.Errorf("mpesa: oauth request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", bridgeerr.AsTransient(fmt.Errorf("mpesa: oauth upstream error: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		return "", bridgeerr.AsPermanent(fmt.Errorf("mpesa: oauth rejected: status %d", resp.StatusCode))
	}

	var out oauthResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", bridgeerr.AsTransient(fmt.Errorf("mpesa: decode oauth response: %w", err))
	}
	if out.AccessToken == "" {
		return "", bridgeerr.AsPermanent(fmt.Errorf("mpesa: oauth response missing access_token"))
	}

	var expiresIn int
	fmt.Sscanf(out.ExpiresIn, "%d", &expiresIn)
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	expiry := time.Now().Add(time.Duration(expiresIn)*time.Second - tokenExpiryMargin)
	encrypted, err := crypto.Encrypt(out.AccessToken, c.encryptKey)
	if err != nil {
		return "", fmt.Errorf("mpesa: encrypt cached token: %w", err)
	}

	c.tokenMu.Lock()
	c.cachedToken = encrypted
	c.cachedExpiry = expiry
	c.tokenMu.Unlock()

	logger.Info("refreshed Daraja OAuth token", zap.Time("expires_at", expiry))
	return out.AccessToken, nil
}
