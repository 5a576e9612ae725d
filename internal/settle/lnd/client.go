// Package lnd implements settle.LightningProvider against an lnd node's
// gRPC interface.
package lnd

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lnrpc/routerrpc"
	"github.com/lightningnetwork/lnd/macaroons"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"gopkg.in/macaroon.v2"

	"github.com/claim-pipeline/internal/settle"
)

// Config holds connection configuration for the lnd node.
type Config struct {
	Host           string
	TLSCertPath    string
	MacaroonPath   string
	PaymentTimeout time.Duration
	FeeLimitSat    int64
}

// Client drives the custodial Lightning node over gRPC.
type Client struct {
	lnClient       lnrpc.LightningClient
	routerClient   routerrpc.RouterClient
	conn           *grpc.ClientConn
	paymentTimeout time.Duration
	feeLimitSat    int64
}

// NewClient connects to the lnd node with TLS and macaroon credentials.
func NewClient(cfg Config) (*Client, error) {
	creds, err := credentials.NewClientTLSFromFile(cfg.TLSCertPath, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS cert: %w", err)
	}

	macBytes, err := os.ReadFile(cfg.MacaroonPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read macaroon: %w", err)
	}

	mac := &macaroon.Macaroon{}
	if err := mac.UnmarshalBinary(macBytes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal macaroon: %w", err)
	}

	macCreds, err := macaroons.NewMacaroonCredential(mac)
	if err != nil {
		return nil, fmt.Errorf("failed to create macaroon credential: %w", err)
	}

	conn, err := grpc.NewClient(cfg.Host,
		grpc.WithTransportCredentials(creds),
		grpc.WithPerRPCCredentials(macCreds),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to dial lnd: %w", err)
	}

	paymentTimeout := cfg.PaymentTimeout
	if paymentTimeout <= 0 {
		paymentTimeout = 60 * time.Second
	}

	return &Client{
		lnClient:       lnrpc.NewLightningClient(conn),
		routerClient:   routerrpc.NewRouterClient(conn),
		conn:           conn,
		paymentTimeout: paymentTimeout,
		feeLimitSat:    cfg.FeeLimitSat,
	}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// DecodeInvoice decodes a BOLT11 payment request.
func (c *Client) DecodeInvoice(ctx context.Context, invoice string) (*settle.DecodedInvoice, error) {
	resp, err := c.lnClient.DecodePayReq(ctx, &lnrpc.PayReqString{PayReq: invoice})
	if err != nil {
		return nil, fmt.Errorf("failed to decode invoice: %w", err)
	}
	return &settle.DecodedInvoice{
		AmountSat:   resp.NumSatoshis,
		PaymentHash: resp.PaymentHash,
	}, nil
}

// PayInvoice pays the invoice and returns the payment hash. The call blocks
// until the payment reaches a terminal state or the configured timeout.
func (c *Client) PayInvoice(ctx context.Context, invoice string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.paymentTimeout)
	defer cancel()

	timeoutSeconds := int32(c.paymentTimeout / time.Second) // #nosec G115 - bounded config value
	stream, err := c.routerClient.SendPaymentV2(ctx, &routerrpc.SendPaymentRequest{
		PaymentRequest: invoice,
		TimeoutSeconds: timeoutSeconds,
		FeeLimitSat:    c.feeLimitSat,
	})
	if err != nil {
		return "", fmt.Errorf("failed to start payment: %w", err)
	}

	for {
		payment, err := stream.Recv()
		if err != nil {
			return "", fmt.Errorf("payment stream failed: %w", err)
		}

		switch payment.Status {
		case lnrpc.Payment_SUCCEEDED:
			return payment.PaymentHash, nil
		case lnrpc.Payment_FAILED:
			return "", fmt.Errorf("payment failed: %s", payment.FailureReason)
		}
		// IN_FLIGHT: keep reading until terminal or timeout.
	}
}

// PaymentSettled reports whether the payment with the given hash settled.
func (c *Client) PaymentSettled(ctx context.Context, paymentID string) (bool, error) {
	hashBytes, err := hex.DecodeString(paymentID)
	if err != nil {
		return false, fmt.Errorf("invalid payment hash %q: %w", paymentID, err)
	}

	stream, err := c.routerClient.TrackPaymentV2(ctx, &routerrpc.TrackPaymentRequest{
		PaymentHash:       hashBytes,
		NoInflightUpdates: true,
	})
	if err != nil {
		return false, fmt.Errorf("failed to track payment: %w", err)
	}

	payment, err := stream.Recv()
	if err != nil {
		return false, fmt.Errorf("payment tracking stream failed: %w", err)
	}

	return payment.Status == lnrpc.Payment_SUCCEEDED, nil
}

// ChannelBalance returns the node's local channel balance in satoshis.
func (c *Client) ChannelBalance(ctx context.Context) (int64, error) {
	resp, err := c.lnClient.ChannelBalance(ctx, &lnrpc.ChannelBalanceRequest{})
	if err != nil {
		return 0, fmt.Errorf("failed to read channel balance: %w", err)
	}
	if resp.LocalBalance != nil {
		return int64(resp.LocalBalance.Sat), nil // #nosec G115 - channel balance fits int64
	}
	return resp.Balance, nil // nolint:staticcheck // deprecated field kept as fallback
}
