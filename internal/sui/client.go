// Package sui is the client for the escrow gateway fronting the on-chain
// Sui escrow contract. Escrow mechanics beyond charge/deposit/withdraw and
// account lookup are opaque to billing.
//
// Amounts cross this boundary in decimal dollars, the chain's native unit.
package sui

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"suiftly/api_billing/pkg/logging"
)

// Account is the escrow account state as reported by the gateway.
type Account struct {
	EscrowID     string          `json:"escrow_id"`
	OwnerAddress string          `json:"owner_address"`
	BalanceUsd   decimal.Decimal `json:"balance_usd"`
}

// TxResult is the outcome of a state-changing escrow operation.
type TxResult struct {
	TxDigest      string          `json:"tx_digest"`
	NewBalanceUsd decimal.Decimal `json:"new_balance_usd"`
}

// Service is the escrow operation surface consumed by billing. The payment
// chain depends on this interface so tests can substitute a fake gateway.
type Service interface {
	GetAccount(ctx context.Context, escrowID string) (*Account, error)
	Charge(ctx context.Context, escrowID string, amountUsd decimal.Decimal, memo string) (*TxResult, error)
	Deposit(ctx context.Context, escrowID string, amountUsd decimal.Decimal) (*TxResult, error)
	Withdraw(ctx context.Context, escrowID string, amountUsd decimal.Decimal) (*TxResult, error)
}

// Config for creating a Client.
type Config struct {
	BaseURL      string // SUI_ESCROW_GATEWAY_URL
	ServiceToken string // SUI_ESCROW_SERVICE_TOKEN
	Logger       logging.Logger
}

// Client talks to the escrow gateway over HTTP.
type Client struct {
	http   *resty.Client
	logger logging.Logger
}

// NewClient creates an escrow gateway client.
func NewClient(cfg Config) *Client {
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetAuthToken(cfg.ServiceToken).
		SetTimeout(30 * time.Second).
		SetRetryCount(2)

	return &Client{http: http, logger: cfg.Logger}
}

type errorBody struct {
	Error string `json:"error"`
}

// GetAccount returns the current escrow account state.
func (c *Client) GetAccount(ctx context.Context, escrowID string) (*Account, error) {
	var account Account
	var apiErr errorBody

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&account).
		SetError(&apiErr).
		Get(fmt.Sprintf("/escrow/%s", escrowID))
	if err != nil {
		return nil, fmt.Errorf("escrow gateway request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("escrow gateway returned %d: %s", resp.StatusCode(), apiErr.Error)
	}

	return &account, nil
}

// Charge debits the escrow account and returns the transaction digest.
func (c *Client) Charge(ctx context.Context, escrowID string, amountUsd decimal.Decimal, memo string) (*TxResult, error) {
	return c.execute(ctx, escrowID, "charge", map[string]interface{}{
		"amount_usd": amountUsd,
		"memo":       memo,
	})
}

// Deposit credits the escrow account from the customer's wallet.
func (c *Client) Deposit(ctx context.Context, escrowID string, amountUsd decimal.Decimal) (*TxResult, error) {
	return c.execute(ctx, escrowID, "deposit", map[string]interface{}{
		"amount_usd": amountUsd,
	})
}

// Withdraw returns escrow funds to the customer's wallet.
func (c *Client) Withdraw(ctx context.Context, escrowID string, amountUsd decimal.Decimal) (*TxResult, error) {
	return c.execute(ctx, escrowID, "withdraw", map[string]interface{}{
		"amount_usd": amountUsd,
	})
}

// execute posts a state-changing escrow operation. Each call carries a
// fresh idempotency key that the gateway dedupes on, so a retry after a
// timed-out response cannot apply the debit twice.
func (c *Client) execute(ctx context.Context, escrowID, op string, body map[string]interface{}) (*TxResult, error) {
	var result TxResult
	var apiErr errorBody

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", uuid.New().String()).
		SetBody(body).
		SetResult(&result).
		SetError(&apiErr).
		Post(fmt.Sprintf("/escrow/%s/%s", escrowID, op))
	if err != nil {
		return nil, fmt.Errorf("escrow %s request failed: %w", op, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("escrow %s returned %d: %s", op, resp.StatusCode(), apiErr.Error)
	}

	c.logger.WithFields(logging.Fields{
		"escrow_id": escrowID,
		"operation": op,
		"tx_digest": result.TxDigest,
	}).Info("Escrow transaction executed")

	return &result, nil
}
