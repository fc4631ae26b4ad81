// Package bootstrap wires the concrete collaborators every long-running
// bridge process needs (API server, orchestrator daemon, sweeper,
// reconciler) from one config.ApiConfig, mirroring the inline wiring the
// original cmd/worker/fund_card/main.go did by hand but shared across four
// binaries instead of copy-pasted into each.
package bootstrap

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/jinzhu/copier"
	"github.com/redis/go-redis/v9"

	"lightning-mpesa-bridge/config"
	"lightning-mpesa-bridge/internal/database"
	"lightning-mpesa-bridge/internal/exchange"
	"lightning-mpesa-bridge/internal/lnd"
	"lightning-mpesa-bridge/internal/mpesa"
	"lightning-mpesa-bridge/internal/orchestrator"
	"lightning-mpesa-bridge/internal/receipt"
	"lightning-mpesa-bridge/internal/risk"
	"lightning-mpesa-bridge/pkg/cache"
	streams "lightning-mpesa-bridge/pkg/queue"
)

// Deps holds every constructed collaborator a process might need. Binaries
// that only need a subset (e.g. cmd/sweeper only touches DB + LND) simply
// ignore the rest.
type Deps struct {
	DB           *database.DB
	Redis        *redis.Client
	TxRepo       *database.TransactionRepository
	ReceiptRepo  *database.ReceiptRepository
	LND          lnd.LightningClient
	Mpesa        *mpesa.Client
	Risk         *risk.Engine
	Counters     *risk.RedisCounters
	Rates        *exchange.RateAggregator
	Receipts     *receipt.Generator
	Queue        *streams.StreamQueue
	Orchestrator *orchestrator.Orchestrator
}

// Close releases every resource that owns a connection.
func (d *Deps) Close() {
	if d.LND != nil {
		d.LND.Close()
	}
	if d.DB != nil {
		d.DB.Close()
	}
	cache.Close()
}

// New builds every collaborator from cfg. ctx is not used by the wiring
// itself; the startup GetInfo() sanity check against LND runs inside
// lnd.NewClient with a background context.
func New(ctx context.Context, cfg config.ApiConfig) (*Deps, error) {
	d := &Deps{}

	var redisCfg cache.Config
	if err := copier.Copy(&redisCfg, &cfg.Redis); err != nil {
		return nil, fmt.Errorf("bootstrap: copy redis config: %w", err)
	}
	if err := cache.Init(redisCfg); err != nil {
		return nil, fmt.Errorf("bootstrap: init redis: %w", err)
	}
	d.Redis = cache.Client

	var dbCfg database.Config
	if err := copier.Copy(&dbCfg, &cfg.Database); err != nil {
		return nil, fmt.Errorf("bootstrap: copy database config: %w", err)
	}
	db, err := database.NewDB(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init database: %w", err)
	}
	d.DB = db
	if err := db.RunMigrations(); err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap: run migrations: %w", err)
	}

	d.TxRepo = database.NewTransactionRepository(db)
	d.ReceiptRepo = database.NewReceiptRepository(db)

	lndClient, err := lnd.NewClient(lnd.Config{
		GRPCHost:             hostOf(cfg.Lightning.RPCEndpoint),
		GRPCPort:             portOf(cfg.Lightning.RPCEndpoint),
		TLSCertPath:          cfg.Lightning.Credentials + "/tls.cert",
		MacaroonPath:         cfg.Lightning.Credentials + "/invoice.macaroon",
		Network:              "mainnet",
		DefaultInvoiceExpiry: 900,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap: connect to lnd: %w", err)
	}
	d.LND = lndClient

	encryptKey, err := decodeKey(cfg.TokenEncryptionKey)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap: token encryption key: %w", err)
	}
	d.Mpesa = mpesa.NewClient(mpesa.Config{
		ConsumerKey:     cfg.Daraja.ConsumerKey,
		ConsumerSecret:  cfg.Daraja.ConsumerSecret,
		Shortcode:       cfg.Daraja.Shortcode,
		Passkey:         cfg.Daraja.Passkey,
		CallbackBaseURL: cfg.Daraja.CallbackBaseURL,
		BaseURL:         cfg.Daraja.BaseURL,
	}, encryptKey, &http.Client{Timeout: 15 * time.Second})

	d.Counters = risk.NewRedisCounters(d.Redis)
	d.Risk = risk.NewEngine(d.Counters, risk.Config{
		HighRiskCountryCodes: cfg.Risk.BlockedCountries,
		DailyLimitCents:      cfg.Risk.DailyLimitCents,
	})

	coinbase, err := exchange.NewProvider("coinbase", "", nil)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap: init coinbase provider: %w", err)
	}
	coingecko, err := exchange.NewProvider("coingecko", "", nil)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap: init coingecko provider: %w", err)
	}
	bitstamp, err := exchange.NewProvider("bitstamp", "", nil)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("bootstrap: init bitstamp provider: %w", err)
	}
	d.Rates = exchange.NewRateAggregator("KES", coinbase, coingecko, bitstamp)

	d.Receipts = receipt.NewGenerator([]byte(cfg.Receipt.HMACSecret))
	d.Queue = streams.NewStreamQueue(d.Redis)

	d.Orchestrator = orchestrator.New(
		d.TxRepo, d.ReceiptRepo, d.LND, d.Mpesa, d.Risk, d.Counters, d.Rates, d.Receipts,
		queuePublisher{d.Queue}, orchestrator.Config{
			Spread:                  cfg.Rate.Spread,
			InvoiceExpirySeconds:    900,
			QuoteWindow:             15 * time.Minute,
			MpesaSecurityCredential: cfg.Daraja.SecurityCredential,
			StaleMpesaAfter:         2 * time.Minute,
		},
	)

	return d, nil
}

// queuePublisher adapts *pkg/queue.StreamQueue to orchestrator.Publisher
// (and, structurally, to webhook.Publisher) without either package
// depending on the concrete Redis Streams type.
type queuePublisher struct{ q *streams.StreamQueue }

func (p queuePublisher) Publish(ctx context.Context, stream string, data []byte) (string, error) {
	return p.q.Publish(ctx, stream, data)
}

// CacheDeduper adapts pkg/cache's package-level SetNX function to the
// webhook.Deduper interface.
type CacheDeduper struct{}

func (CacheDeduper) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return cache.SetNX(ctx, key, value, expiration)
}

func decodeKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("token_encryption_key is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("token_encryption_key must be hex-encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("token_encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

func hostOf(endpoint string) string {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			return endpoint[:i]
		}
	}
	return endpoint
}

func portOf(endpoint string) string {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			return endpoint[i+1:]
		}
	}
	return "10009"
}
