package payment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"suiftly/api_billing/internal/credits"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
)

// SourcePayment is one settlement component in a result breakdown.
type SourcePayment struct {
	Source      models.PaymentSource `json:"source"`
	ReferenceID string               `json:"reference_id"`
	AmountCents int64                `json:"amount_cents"`
}

// SettlementResult is the outcome of one settlement attempt for an invoice.
type SettlementResult struct {
	InvoiceID          string               `json:"invoice_id"`
	InitialAmountCents int64                `json:"initial_amount_cents"`
	PaidCents          int64                `json:"paid_cents"`
	Breakdown          []SourcePayment      `json:"breakdown"`
	Status             models.InvoiceStatus `json:"status"`
	FailureReason      string               `json:"failure_reason,omitempty"`
	Retryable          bool                 `json:"retryable"`
	PaymentActionURL   string               `json:"payment_action_url,omitempty"`
}

// SettleOpts controls settlement behaviour.
type SettleOpts struct {
	// ServerInitiated marks retries not triggered by the customer. When the
	// invoice is parked on a hosted-authentication URL, a server-initiated
	// retry against the provider that set it fails fast instead of silently
	// charging an unauthenticated method.
	ServerInitiated bool
}

// Chain settles invoices: credits first, then providers in the customer's
// configured priority order, stopping at the first success.
type Chain struct {
	providers map[models.PaymentSource]Provider
	credits   *credits.Ledger
	logger    logging.Logger

	attempts *prometheus.CounterVec
}

// NewChain creates a settlement chain over the given provider variants.
func NewChain(ledger *credits.Ledger, logger logging.Logger, providers ...Provider) *Chain {
	m := make(map[models.PaymentSource]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Chain{providers: m, credits: ledger, logger: logger}
}

// SetMetrics wires the settlement attempt counter (labels: provider, outcome).
func (c *Chain) SetMetrics(attempts *prometheus.CounterVec) {
	c.attempts = attempts
}

// Provider returns the variant registered under the given source, or nil.
func (c *Chain) Provider(source models.PaymentSource) Provider {
	return c.providers[source]
}

// Settle attempts to fully settle the invoice's remaining balance.
//
// Business failures (declines, insufficient funds everywhere) are reported
// in the result with the invoice marked failed; the returned error is
// reserved for programmer/database errors, which abort the transaction.
func (c *Chain) Settle(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, invoice *models.BillingRecord, opts SettleOpts) (*SettlementResult, error) {
	result := &SettlementResult{
		InvoiceID:          invoice.ID,
		InitialAmountCents: invoice.RemainingUsdCents(),
	}

	// A parked 3-D-Secure flow blocks server-side retries against the
	// provider that requested it; the customer must authenticate first.
	if opts.ServerInitiated && invoice.PaymentActionURL != nil && invoice.PaymentActionSource != nil {
		if _, exists := c.providers[models.PaymentSource(*invoice.PaymentActionSource)]; exists {
			return nil, models.ErrAuthenticationRequired
		}
	}

	remaining := invoice.RemainingUsdCents()
	if remaining == 0 {
		result.Status = models.InvoicePaid
		return result, c.markPaid(ctx, tx, invoice, result)
	}

	// Credits are consumed before any provider is asked to pay, and are
	// never rolled back if a provider later fails.
	app, err := c.credits.ApplyCreditsToInvoice(ctx, tx, token, clk, invoice.ID, remaining)
	if err != nil {
		return nil, err
	}
	for _, applied := range app.Applied {
		result.Breakdown = append(result.Breakdown, SourcePayment{
			Source:      models.SourceCredit,
			ReferenceID: applied.CreditID,
			AmountCents: applied.AmountCents,
		})
	}
	result.PaidCents += app.TotalAppliedCents
	remaining = app.RemainingInvoiceCents

	if remaining == 0 {
		result.Status = models.InvoicePaid
		return result, c.markPaid(ctx, tx, invoice, result)
	}

	methods, err := c.loadMethods(ctx, tx, token.CustomerID())
	if err != nil {
		return nil, err
	}

	var lastFailure *ChargeResult
	for _, source := range methods {
		provider, ok := c.providers[source]
		if !ok || !provider.IsConfigured(ctx, tx, token.CustomerID()) {
			continue
		}

		eligible, err := provider.CanPay(ctx, tx, token.CustomerID(), remaining)
		if err != nil {
			return nil, fmt.Errorf("canPay check failed for %s: %w", source, err)
		}
		if !eligible {
			c.observe(source, "skipped")
			continue
		}

		charge, err := provider.Charge(ctx, tx, token, ChargeParams{
			InvoiceID:   invoice.ID,
			AmountCents: remaining,
			Description: fmt.Sprintf("Suiftly invoice %s", invoice.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("charge via %s: %w", source, err)
		}

		if charge.Success {
			c.observe(source, "success")
			if err := c.recordProviderPayment(ctx, tx, invoice, source, &charge, remaining); err != nil {
				return nil, err
			}
			result.Breakdown = append(result.Breakdown, SourcePayment{
				Source:      source,
				ReferenceID: charge.ReferenceID,
				AmountCents: remaining,
			})
			result.PaidCents += remaining
			result.Status = models.InvoicePaid
			return result, c.markPaid(ctx, tx, invoice, result)
		}

		c.observe(source, "failure")
		c.logger.WithFields(logging.Fields{
			"customer_id": token.CustomerID(),
			"invoice_id":  invoice.ID,
			"provider":    source,
			"error_code":  charge.ErrorCode,
			"error":       charge.ErrorMessage,
			"retryable":   charge.Retryable,
		}).Warn("Provider charge failed")

		// A hosted-authentication URL survives the overall failure so the
		// customer can complete the flow out of band.
		if charge.HostedActionURL != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE billing_records
				SET payment_action_url = $1, payment_action_source = $2, updated_at = NOW()
				WHERE id = $3
			`, charge.HostedActionURL, string(source), invoice.ID); err != nil {
				return nil, fmt.Errorf("failed to persist payment action url: %w", err)
			}
			result.PaymentActionURL = charge.HostedActionURL
		}

		lastFailure = &charge
	}

	// No provider settled the remainder.
	result.Status = models.InvoiceFailed
	if lastFailure != nil {
		result.FailureReason = lastFailure.ErrorMessage
		result.Retryable = lastFailure.Retryable
	} else {
		result.FailureReason = "no eligible payment method"
		result.Retryable = true
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_records
		SET status = 'failed', failure_reason = $1, retryable = $2,
		    retry_count = retry_count + 1, last_retry_at = $3, updated_at = NOW()
		WHERE id = $4
	`, result.FailureReason, result.Retryable, clk.Now(), invoice.ID); err != nil {
		return nil, fmt.Errorf("failed to mark invoice failed: %w", err)
	}

	return result, nil
}

// markPaid finalizes a fully settled invoice. Any stale hosted-auth URL from
// an earlier failed provider is cleared so the customer cannot complete an
// abandoned flow and be double-charged.
func (c *Chain) markPaid(ctx context.Context, tx *sql.Tx, invoice *models.BillingRecord, result *SettlementResult) error {
	var txDigest *string
	for _, p := range result.Breakdown {
		if p.Source == models.SourceEscrow {
			digest := p.ReferenceID
			txDigest = &digest
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_records
		SET status = 'paid', failure_reason = NULL,
		    payment_action_url = NULL, payment_action_source = NULL,
		    tx_digest = COALESCE($1, tx_digest), updated_at = NOW()
		WHERE id = $2
	`, txDigest, invoice.ID); err != nil {
		return fmt.Errorf("failed to mark invoice paid: %w", err)
	}

	c.logger.WithFields(logging.Fields{
		"invoice_id": invoice.ID,
		"paid_cents": result.PaidCents,
		"sources":    len(result.Breakdown),
	}).Info("Invoice settled")

	return nil
}

func (c *Chain) recordProviderPayment(ctx context.Context, tx *sql.Tx, invoice *models.BillingRecord, source models.PaymentSource, charge *ChargeResult, amountCents int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invoice_payments (id, invoice_id, source_type, reference_id, amount_usd_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), invoice.ID, source, charge.ReferenceID, amountCents); err != nil {
		return fmt.Errorf("failed to record %s payment: %w", source, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_records
		SET amount_paid_usd_cents = amount_paid_usd_cents + $1, updated_at = NOW()
		WHERE id = $2
	`, amountCents, invoice.ID); err != nil {
		return fmt.Errorf("failed to update invoice paid amount: %w", err)
	}

	return nil
}

// loadMethods returns the customer's active provider names in ascending
// priority order.
func (c *Chain) loadMethods(ctx context.Context, tx *sql.Tx, customerID string) ([]models.PaymentSource, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT provider
		FROM customer_payment_methods
		WHERE customer_id = $1 AND status = 'active'
		ORDER BY priority ASC
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment methods: %w", err)
	}
	defer rows.Close()

	var out []models.PaymentSource
	for rows.Next() {
		var provider string
		if err := rows.Scan(&provider); err != nil {
			return nil, fmt.Errorf("failed to scan payment method: %w", err)
		}
		out = append(out, models.PaymentSource(provider))
	}
	return out, rows.Err()
}

func (c *Chain) observe(source models.PaymentSource, outcome string) {
	if c.attempts != nil {
		c.attempts.WithLabelValues(string(source), outcome).Inc()
	}
}
