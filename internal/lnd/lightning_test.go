package lnd

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"testing"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/invoicesrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

// mockLightningClient implements lnrpc.LightningClient for unit testing.
// Only the methods used by lightning.go are implemented; the rest panic
// via the embedded nil interface if ever called.
type mockLightningClient struct {
	lnrpc.LightningClient

	addInvoiceFn       func(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error)
	subscribeInvoicesFn func(ctx context.Context, in *lnrpc.InvoiceSubscription, opts ...grpc.CallOption) (lnrpc.Lightning_SubscribeInvoicesClient, error)
}

func (m *mockLightningClient) AddInvoice(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {
	return m.addInvoiceFn(ctx, in, opts...)
}

func (m *mockLightningClient) SubscribeInvoices(ctx context.Context, in *lnrpc.InvoiceSubscription, opts ...grpc.CallOption) (lnrpc.Lightning_SubscribeInvoicesClient, error) {
	return m.subscribeInvoicesFn(ctx, in, opts...)
}

// mockInvoicesClient implements invoicesrpc.InvoicesClient for unit testing.
type mockInvoicesClient struct {
	invoicesrpc.InvoicesClient

	cancelInvoiceFn func(ctx context.Context, in *invoicesrpc.CancelInvoiceMsg, opts ...grpc.CallOption) (*invoicesrpc.CancelInvoiceResp, error)
}

func (m *mockInvoicesClient) CancelInvoice(ctx context.Context, in *invoicesrpc.CancelInvoiceMsg, opts ...grpc.CallOption) (*invoicesrpc.CancelInvoiceResp, error) {
	return m.cancelInvoiceFn(ctx, in, opts...)
}

// mockInvoiceStream implements lnrpc.Lightning_SubscribeInvoicesClient.
type mockInvoiceStream struct {
	grpc.ClientStream
	invoices []*lnrpc.Invoice
	idx      int
}

func (s *mockInvoiceStream) Recv() (*lnrpc.Invoice, error) {
	if s.idx >= len(s.invoices) {
		return nil, io.EOF
	}
	inv := s.invoices[s.idx]
	s.idx++
	return inv, nil
}

func newTestClient(ln lnrpc.LightningClient, inv invoicesrpc.InvoicesClient) *Client {
	return &Client{
		lnClient:       ln,
		invoicesClient: inv,
		cfg:            Config{DefaultInvoiceExpiry: 900},
	}
}

func TestCreateInvoice_Success(t *testing.T) {
	rhash := []byte{0x01, 0x02, 0x03, 0x04}
	mock := &mockLightningClient{
		addInvoiceFn: func(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {
			assert.Equal(t, int64(50000), in.Value)
			assert.Equal(t, "bridge tx abc123", in.Memo)
			assert.Equal(t, int64(900), in.Expiry)
			return &lnrpc.AddInvoiceResponse{RHash: rhash, PaymentRequest: "lnbc..."}, nil
		},
	}
	c := newTestClient(mock, nil)

	result, err := c.CreateInvoice(context.Background(), 50000, "bridge tx abc123", 0)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(rhash), result.PaymentHash)
	assert.Equal(t, "lnbc...", result.Bolt11)
	assert.Equal(t, int32(900), result.ExpirySecs)
}

func TestCreateInvoice_RejectsNonPositiveAmount(t *testing.T) {
	c := newTestClient(&mockLightningClient{}, nil)
	_, err := c.CreateInvoice(context.Background(), 0, "memo", 60)
	require.Error(t, err)
}

func TestCreateInvoice_PropagatesUpstreamError(t *testing.T) {
	mock := &mockLightningClient{
		addInvoiceFn: func(ctx context.Context, in *lnrpc.Invoice, opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error) {
			return nil, errors.New("lnd unavailable")
		},
	}
	c := newTestClient(mock, nil)
	_, err := c.CreateInvoice(context.Background(), 1000, "memo", 60)
	require.Error(t, err)
}

func TestCancelInvoice_Success(t *testing.T) {
	paymentHash := "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
	mockInv := &mockInvoicesClient{
		cancelInvoiceFn: func(ctx context.Context, in *invoicesrpc.CancelInvoiceMsg, opts ...grpc.CallOption) (*invoicesrpc.CancelInvoiceResp, error) {
			assert.Equal(t, paymentHash, hex.EncodeToString(in.PaymentHash))
			return &invoicesrpc.CancelInvoiceResp{}, nil
		},
	}
	c := newTestClient(&mockLightningClient{}, mockInv)

	err := c.CancelInvoice(context.Background(), paymentHash)
	require.NoError(t, err)
}

func TestCancelInvoice_RejectsMalformedHash(t *testing.T) {
	c := newTestClient(&mockLightningClient{}, &mockInvoicesClient{})
	err := c.CancelInvoice(context.Background(), "not-hex")
	require.Error(t, err)
}

func TestSubscribeSettlements_OnlyFiresOnSettled(t *testing.T) {
	settledHash := []byte{0xaa, 0xbb}
	mock := &mockLightningClient{
		subscribeInvoicesFn: func(ctx context.Context, in *lnrpc.InvoiceSubscription, opts ...grpc.CallOption) (lnrpc.Lightning_SubscribeInvoicesClient, error) {
			return &mockInvoiceStream{invoices: []*lnrpc.Invoice{
				{State: lnrpc.Invoice_OPEN, RHash: []byte{0x01}},
				{State: lnrpc.Invoice_CANCELED, RHash: []byte{0x02}},
				{State: lnrpc.Invoice_SETTLED, RHash: settledHash, AmtPaidSat: 1234, SettleDate: 1700000000},
			}}, nil
		},
	}
	c := newTestClient(mock, nil)

	var got []SettledInvoice
	err := c.SubscribeSettlements(context.Background(), func(s SettledInvoice) {
		got = append(got, s)
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, hex.EncodeToString(settledHash), got[0].PaymentHash)
	assert.Equal(t, int64(1234), got[0].AmountSats)
}
