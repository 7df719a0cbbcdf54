// Package credits tracks account credits and their application order.
package credits

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
)

// AppliedCredit records one credit consumed against an invoice.
type AppliedCredit struct {
	CreditID    string `json:"credit_id"`
	AmountCents int64  `json:"amount_cents"`
}

// Application is the result of applying credits to an invoice.
type Application struct {
	Applied               []AppliedCredit `json:"applied"`
	TotalAppliedCents     int64           `json:"total_applied_cents"`
	RemainingInvoiceCents int64           `json:"remaining_invoice_cents"`
}

// Ledger reads and consumes customer credits.
type Ledger struct {
	logger logging.Logger
}

// NewLedger creates a credit ledger.
func NewLedger(logger logging.Logger) *Ledger {
	return &Ledger{logger: logger}
}

// ApplyCreditsToInvoice consumes active credits against the amount due on an
// invoice. Credits are ordered soonest-expiring first (non-expiring last);
// each is consumed fully before the next, with the final one partially
// consumed if it exceeds the remainder.
//
// Writes are immediate: an applied credit stays applied even if a later
// provider charge for the same invoice fails. The invoice carries the
// reduced remaining balance into its next payment attempt.
func (l *Ledger) ApplyCreditsToInvoice(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, invoiceID string, amountDueCents int64) (*Application, error) {
	app := &Application{RemainingInvoiceCents: amountDueCents}
	if amountDueCents <= 0 {
		return app, nil
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, remaining_amount_usd_cents
		FROM customer_credits
		WHERE customer_id = $1
		  AND remaining_amount_usd_cents > 0
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
		FOR UPDATE
	`, token.CustomerID(), clk.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to select credits: %w", err)
	}
	defer rows.Close()

	type candidate struct {
		id        string
		remaining int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.remaining); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate credits: %w", err)
	}

	due := amountDueCents
	for _, c := range candidates {
		if due <= 0 {
			break
		}
		consume := c.remaining
		if consume > due {
			consume = due
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE customer_credits
			SET remaining_amount_usd_cents = remaining_amount_usd_cents - $1, updated_at = NOW()
			WHERE id = $2
		`, consume, c.id); err != nil {
			return nil, fmt.Errorf("failed to consume credit %s: %w", c.id, err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_payments (id, invoice_id, source_type, reference_id, amount_usd_cents, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, uuid.New().String(), invoiceID, models.SourceCredit, c.id, consume); err != nil {
			return nil, fmt.Errorf("failed to record credit payment: %w", err)
		}

		app.Applied = append(app.Applied, AppliedCredit{CreditID: c.id, AmountCents: consume})
		app.TotalAppliedCents += consume
		due -= consume
	}

	if app.TotalAppliedCents > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE billing_records
			SET amount_paid_usd_cents = amount_paid_usd_cents + $1, updated_at = NOW()
			WHERE id = $2
		`, app.TotalAppliedCents, invoiceID); err != nil {
			return nil, fmt.Errorf("failed to update invoice paid amount: %w", err)
		}

		l.logger.WithFields(logging.Fields{
			"customer_id":   token.CustomerID(),
			"invoice_id":    invoiceID,
			"credits_used":  len(app.Applied),
			"applied_cents": app.TotalAppliedCents,
		}).Info("Applied credits to invoice")
	}

	app.RemainingInvoiceCents = due
	return app, nil
}

// Grant creates a new credit for a customer. Expiry is optional.
func (l *Ledger) Grant(ctx context.Context, tx *sql.Tx, token locks.Token, amountCents int64, expiresAt *time.Time, reason string) (*models.CustomerCredit, error) {
	if amountCents <= 0 {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "credit amount must be positive, got %d", amountCents)
	}

	credit := &models.CustomerCredit{
		ID:                      uuid.New().String(),
		CustomerID:              token.CustomerID(),
		OriginalAmountUsdCents:  amountCents,
		RemainingAmountUsdCents: amountCents,
		ExpiresAt:               expiresAt,
		Reason:                  reason,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO customer_credits (id, customer_id, original_amount_usd_cents, remaining_amount_usd_cents, expires_at, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
	`, credit.ID, credit.CustomerID, credit.OriginalAmountUsdCents, credit.RemainingAmountUsdCents, credit.ExpiresAt, credit.Reason); err != nil {
		return nil, fmt.Errorf("failed to grant credit: %w", err)
	}

	l.logger.WithFields(logging.Fields{
		"customer_id":  credit.CustomerID,
		"credit_id":    credit.ID,
		"amount_cents": amountCents,
		"reason":       reason,
	}).Info("Granted customer credit")

	return credit, nil
}

// ListActive returns credits with remaining balance, soonest-expiring first.
func (l *Ledger) ListActive(ctx context.Context, db *sql.DB, customerID string, now time.Time) ([]models.CustomerCredit, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, customer_id, original_amount_usd_cents, remaining_amount_usd_cents, expires_at, reason, created_at, updated_at
		FROM customer_credits
		WHERE customer_id = $1
		  AND remaining_amount_usd_cents > 0
		  AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY expires_at ASC NULLS LAST, created_at ASC
	`, customerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list credits: %w", err)
	}
	defer rows.Close()

	var out []models.CustomerCredit
	for rows.Next() {
		var c models.CustomerCredit
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.OriginalAmountUsdCents, &c.RemainingAmountUsdCents, &c.ExpiresAt, &c.Reason, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan credit: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
