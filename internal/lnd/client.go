// Package lnd provides a gRPC client wrapper for interacting with an LND
// node. The bridge only ever receives Lightning payments — it mints
// invoices and watches them settle — so this package exposes that half of
// LND's surface rather than the payment-sending one.
//
// This package abstracts LND behind a clean interface so the rest of the
// codebase depends on LightningClient, not on LND internals. This makes
// testing and a future migration (e.g. CLN) easier.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"lightning-mpesa-bridge/pkg/logger"

	"go.uber.org/zap"
)

// Config holds LND connection settings, populated from config.toml's
// [lightning] section plus the LIGHTNING_RPC_ENDPOINT / LIGHTNING_CREDENTIALS
// environment variables.
type Config struct {
	GRPCHost              string // "localhost" or the LND container's hostname
	GRPCPort              string // 10009
	TLSCertPath           string // path to LND's tls.cert
	MacaroonPath          string // path to invoice.macaroon (AddInvoice + SubscribeInvoices scope)
	Network               string // "mainnet", "testnet", "regtest"
	DefaultInvoiceExpiry  int32  // seconds; used when a flow's quote window isn't overridden
}

// LightningClient is the interface the rest of the bridge depends on for
// Lightning invoice issuance and settlement tracking.
type LightningClient interface {
	// CreateInvoice mints a BOLT11 invoice for the given amount. memo is
	// attached as the invoice description and is not shown to the payer
	// beyond that. expirySeconds controls the invoice's own expiry window,
	// separate from (but normally aligned with) the transaction's
	// quote_expires_at.
	CreateInvoice(ctx context.Context, amtSats int64, memo string, expirySeconds int32) (*CreatedInvoice, error)

	// CancelInvoice marks an unsettled invoice CANCELED so a late payment
	// attempt against it is rejected by LND itself. Used by the sweeper
	// when a transaction's quote expires.
	CancelInvoice(ctx context.Context, paymentHash string) error

	// SubscribeSettlements streams invoice state transitions and invokes
	// onSettle for each SETTLED update the stream delivers. Settlements from
	// before the stream was opened are not replayed. It blocks until ctx is
	// cancelled or the stream errors.
	SubscribeSettlements(ctx context.Context, onSettle func(SettledInvoice)) error

	// GetInfo returns basic LND node information, used for health checks
	// and startup validation.
	GetInfo(ctx context.Context) (*NodeInfo, error)

	// Close closes the underlying gRPC connection.
	Close() error
}

// CreatedInvoice is the result of minting a new invoice.
type CreatedInvoice struct {
	PaymentHash string // hex-encoded, 32 bytes
	Bolt11      string
	ExpirySecs  int32
}

// SettledInvoice describes one settlement event observed on the invoice
// subscription stream.
type SettledInvoice struct {
	PaymentHash string
	AmountSats  int64
	SettledAt   int64 // unix seconds, as reported by LND
}

type NodeInfo struct {
	Alias         string
	PubKey        string
	SyncedToChain bool
	SyncedToGraph bool
	BlockHeight   uint32
	NumChannels   uint32
}

// macaroonCredential implements grpc.PerRPCCredentials. It attaches the
// hex-encoded macaroon as gRPC metadata on every RPC call so LND can
// authenticate and authorize the request.
type macaroonCredential struct {
	macaroon string
}

func (m macaroonCredential) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"macaroon": m.macaroon}, nil
}

func (m macaroonCredential) RequireTransportSecurity() bool {
	return true
}

type Client struct {
	conn            *grpc.ClientConn
	lnClient        lnrpc.LightningClient
	invoicesClient  invoicesrpc.InvoicesClient
	cfg             Config
}

func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("could not load tls cert from %s: %w", cfg.TLSCertPath, err)
	}

	fileMacaroonData, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon file %s: %w", cfg.MacaroonPath, err)
	}
	macaroonCreds := macaroonCredential{macaroon: hex.EncodeToString(fileMacaroonData)}

	url := cfg.GRPCHost + ":" + cfg.GRPCPort
	conn, err := grpc.NewClient(url, grpc.WithTransportCredentials(creds), grpc.WithPerRPCCredentials(macaroonCreds))
	if err != nil {
		return nil, fmt.Errorf("could not dial %s: %w", url, err)
	}

	lnClient := lnrpc.NewLightningClient(conn)

	info, err := lnClient.GetInfo(context.Background(), &lnrpc.GetInfoRequest{})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to LND (is it running? wallet unlocked?): %w", err)
	}

	logger.Info("LND connected",
		zap.String("alias", info.Alias),
		zap.String("pubkey", info.IdentityPubkey),
		zap.Uint32("height", info.BlockHeight),
		zap.Bool("synced_chain", info.SyncedToChain),
		zap.Bool("synced_graph", info.SyncedToGraph),
	)
	if !info.SyncedToChain {
		logger.Warn("LND is not synced to chain, invoices may settle late")
	}

	return &Client{
		conn:           conn,
		lnClient:       lnClient,
		invoicesClient: invoicesrpc.NewInvoicesClient(conn),
		cfg:            cfg,
	}, nil
}

// Close closes the underlying gRPC connection to LND.
func (c *Client) Close() error {
	return c.conn.Close()
}

// GetInfo returns basic LND node information.
func (c *Client) GetInfo(ctx context.Context) (*NodeInfo, error) {
	info, err := c.lnClient.GetInfo(ctx, &lnrpc.GetInfoRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to get lnd info: %w", err)
	}
	return &NodeInfo{
		Alias:         info.Alias,
		PubKey:        info.IdentityPubkey,
		SyncedToChain: info.SyncedToChain,
		SyncedToGraph: info.SyncedToGraph,
		BlockHeight:   info.BlockHeight,
		NumChannels:   info.NumActiveChannels,
	}, nil
}
