// Package payment implements the multi-provider settlement chain: credits
// first, then the customer's configured providers in priority order until
// one succeeds.
package payment

import (
	"context"
	"database/sql"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
)

// ChargeParams describes one charge attempt against a provider.
type ChargeParams struct {
	InvoiceID   string
	AmountCents int64
	Description string
}

// ChargeResult is the outcome of one provider charge attempt. A failed
// charge is a value, not an error: provider failures are converted into
// invoice state and must not abort the enclosing transaction.
type ChargeResult struct {
	Success bool
	// ReferenceID is the provider's identifier for the settled charge.
	ReferenceID string
	// TxDigest is set by the escrow provider only.
	TxDigest string
	// HostedActionURL is set when the provider requires out-of-band
	// authentication (3-D Secure). It is persisted on the invoice even
	// though the charge itself did not succeed.
	HostedActionURL string
	ErrorCode       models.ErrorCode
	ErrorMessage    string
	Retryable       bool
}

// MethodInfo is display information about a configured payment method.
type MethodInfo struct {
	Provider    models.PaymentSource `json:"provider"`
	DisplayName string               `json:"display_name"`
	Detail      string               `json:"detail,omitempty"`
}

// Provider is one payment backend variant. The set is closed: escrow,
// stripe, mollie, and the paypal stub. Selection per customer comes from
// customer_payment_methods, not from type hierarchy.
type Provider interface {
	Name() models.PaymentSource

	// IsConfigured reports whether this provider can be used for the
	// customer at all (keys present, method row exists).
	IsConfigured(ctx context.Context, tx *sql.Tx, customerID string) bool

	// CanPay is the cheap eligibility check: escrow balance covers the
	// amount, card method exists and is active. It must not charge.
	CanPay(ctx context.Context, tx *sql.Tx, customerID string, amountCents int64) (bool, error)

	// Charge attempts to collect the amount. Provider failures (declines,
	// insufficient funds) are values in the result; a non-nil error is a
	// database error and aborts the enclosing transaction so the chain
	// never moves to another provider after money may already have moved.
	// Only the escrow provider writes rows (the escrow_transactions
	// mirror) and it must write none on a gateway failure. Token proves
	// the customer lock is held.
	Charge(ctx context.Context, tx *sql.Tx, token locks.Token, params ChargeParams) (ChargeResult, error)

	// GetInfo returns display info for the customer's method, or nil when
	// not configured.
	GetInfo(ctx context.Context, tx *sql.Tx, customerID string) (*MethodInfo, error)
}
