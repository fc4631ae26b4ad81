package config

type ApiConfig struct {
	Database struct {
		Host            string `toml:"host" env:"BRIDGE_DB_HOST"`
		Port            string `toml:"port" env:"BRIDGE_DB_PORT" env-default:"5432"`
		User            string `toml:"user" env:"BRIDGE_DB_USER"`
		Password        string `toml:"password" env:"BRIDGE_DB_PASSWORD"`
		DB              string `toml:"db" env:"BRIDGE_DB_NAME"`
		SslMode         string `toml:"ssl_mode" env:"BRIDGE_DB_SSL_MODE" env-default:"disable"`
		MaxConns        int    `toml:"max_conns" env:"BRIDGE_DB_MAX_CONNS" env-default:"25"`
		MinConns        int    `toml:"min_conns" env:"BRIDGE_DB_MIN_CONNS" env-default:"5"`
		MaxConnLifetime int    `toml:"max_conn_lifetime" env:"BRIDGE_DB_MAX_CONN_LIFETIME" env-default:"5"`
		MaxConnIdleTime int    `toml:"max_conn_idle_time" env:"BRIDGE_DB_MAX_CONN_IDLE_TIME" env-default:"1"`
	} `toml:"database"`

	Redis struct {
		Host     string `toml:"host" env:"BRIDGE_REDIS_HOST"`
		Port     string `toml:"port" env:"BRIDGE_REDIS_PORT" env-default:"6379"`
		Password string `toml:"password" env:"BRIDGE_REDIS_PASSWORD"`
		DB       int    `toml:"db" env:"BRIDGE_REDIS_DB" env-default:"0"`
	} `toml:"redis"`

	Lightning struct {
		RPCEndpoint string `toml:"rpc_endpoint" env:"LIGHTNING_RPC_ENDPOINT"`
		Credentials string `toml:"credentials" env:"LIGHTNING_CREDENTIALS"` // path to macaroon + TLS cert bundle
	} `toml:"lightning"`

	Daraja struct {
		ConsumerKey     string `toml:"consumer_key" env:"DARAJA_CONSUMER_KEY"`
		ConsumerSecret  string `toml:"consumer_secret" env:"DARAJA_CONSUMER_SECRET"`
		Shortcode       string `toml:"shortcode" env:"DARAJA_SHORTCODE"`
		Passkey         string `toml:"passkey" env:"DARAJA_PASSKEY"`
		CallbackBaseURL string `toml:"callback_base_url" env:"DARAJA_CALLBACK_BASE_URL"`
		BaseURL         string `toml:"base_url" env:"DARAJA_BASE_URL" env-default:"https://sandbox.safaricom.co.ke"`
		// SecurityCredential is the pre-encrypted B2C initiator credential
		// (RSA-encrypted with Safaricom's public certificate at provisioning
		// time, outside the adapter's runtime path).
		SecurityCredential string `toml:"security_credential" env:"DARAJA_SECURITY_CREDENTIAL"`
	} `toml:"daraja"`

	Receipt struct {
		HMACSecret string `toml:"hmac_secret" env:"RECEIPT_HMAC_SECRET"`
	} `toml:"receipt"`

	Rate struct {
		Spread float64 `toml:"spread" env:"RATE_SPREAD" env-default:"0.005"`
	} `toml:"rate"`

	Risk struct {
		BlockedCountries []string `toml:"blocked_countries" env:"RISK_BLOCKED_COUNTRIES" env-separator:"," env-default:"AF,IR,KP,SY"`
		DailyLimitCents  int64    `toml:"daily_limit_cents" env:"RISK_DAILY_LIMIT_CENTS" env-default:"100000000"`
	} `toml:"risk"`

	// Webhook carries the ingress verification secrets for webhook ingress:
	// an HMAC secret for Lightning settlement callbacks and a source-IP
	// allowlist for Daraja callbacks, which otherwise carry no shared secret.
	Webhook struct {
		LightningHMACSecret string   `toml:"lightning_hmac_secret" env:"WEBHOOK_LIGHTNING_HMAC_SECRET"`
		MpesaIPAllowlist    []string `toml:"mpesa_ip_allowlist" env:"WEBHOOK_MPESA_IP_ALLOWLIST" env-separator:","`
	} `toml:"webhook"`

	// TokenEncryptionKey is the 32-byte AES-256 key, hex-encoded and decoded
	// by internal/bootstrap, that the Daraja adapter uses to encrypt its
	// in-process cached OAuth bearer token.
	TokenEncryptionKey string `toml:"token_encryption_key" env:"TOKEN_ENCRYPTION_KEY"`

	HTTPPort string `toml:"http_port" env:"BRIDGE_HTTP_PORT" env-default:"8080"`
}
