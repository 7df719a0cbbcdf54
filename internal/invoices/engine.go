// Package invoices owns the billing record lifecycle: one forward-looking
// DRAFT per customer, finalization to PENDING at the month boundary, and
// settlement through the payment chain.
package invoices

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/internal/payment"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
)

// UsageFinalizer computes and persists the authoritative usage line items
// for an invoice being finalized. Implemented by the usage calculator.
type UsageFinalizer interface {
	FinalizeUsageChargesForBilling(ctx context.Context, tx *sql.Tx, token locks.Token, invoice *models.BillingRecord) error
}

// Engine drives billing records through their lifecycle.
type Engine struct {
	chain  *payment.Chain
	usage  UsageFinalizer
	logger logging.Logger
}

// NewEngine creates an invoice engine.
func NewEngine(chain *payment.Chain, usage UsageFinalizer, logger logging.Logger) *Engine {
	return &Engine{chain: chain, usage: usage, logger: logger}
}

// NextPeriod returns the calendar month after the one containing t, in UTC.
func NextPeriod(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	end = start.AddDate(0, 1, 0)
	return start, end
}

// GetOrCreateDraftInvoice returns the customer's single DRAFT record,
// creating it for the next calendar month if absent. A fresh draft is seeded
// with one subscription line per enabled paid service at the tier that will
// actually be active when the period starts.
func (e *Engine) GetOrCreateDraftInvoice(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock) (*models.BillingRecord, error) {
	draft, err := e.loadDraft(ctx, tx, token.CustomerID())
	if err != nil {
		return nil, err
	}
	if draft != nil {
		return draft, nil
	}

	start, end := NextPeriod(clk.Now())
	draft = &models.BillingRecord{
		ID:                 uuid.New().String(),
		CustomerID:         token.CustomerID(),
		BillingPeriodStart: start,
		BillingPeriodEnd:   end,
		Status:             models.InvoiceDraft,
		Type:               models.InvoiceTypeCharge,
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_records (id, customer_id, billing_period_start, billing_period_end, status, record_type, amount_usd_cents, amount_paid_usd_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'draft', 'charge', 0, 0, NOW(), NOW())
	`, draft.ID, draft.CustomerID, draft.BillingPeriodStart, draft.BillingPeriodEnd); err != nil {
		return nil, fmt.Errorf("failed to create draft invoice: %w", err)
	}

	services, err := e.loadServices(ctx, tx, token.CustomerID())
	if err != nil {
		return nil, err
	}
	for _, svc := range services {
		if svc.State != models.ServiceStateEnabled {
			continue
		}
		tier := svc.Tier
		if svc.ScheduledTier != nil {
			tier = *svc.ScheduledTier
		}
		price, err := models.TierPriceCents(tier)
		if err != nil {
			return nil, err
		}
		if price == 0 {
			continue
		}
		if err := e.AddLineItem(ctx, tx, draft.ID, models.SubscriptionItem{
			Service:    svc.ServiceType,
			Tier:       tier,
			PriceCents: price,
		}); err != nil {
			return nil, err
		}
	}

	e.logger.WithFields(logging.Fields{
		"customer_id":  token.CustomerID(),
		"invoice_id":   draft.ID,
		"period_start": start,
	}).Info("Created draft invoice")

	return e.loadInvoice(ctx, tx, draft.ID)
}

// CreateImmediateInvoice opens a PENDING record covering the remainder of
// the current month, for charges collected right away (first subscription,
// upgrade proration) rather than at the boundary.
func (e *Engine) CreateImmediateInvoice(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, items ...models.LineItem) (*models.BillingRecord, error) {
	now := clk.Now().UTC()
	end, _ := NextPeriod(now)

	id := uuid.New().String()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_records (id, customer_id, billing_period_start, billing_period_end, status, record_type, amount_usd_cents, amount_paid_usd_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', 'charge', 0, 0, NOW(), NOW())
	`, id, token.CustomerID(), now, end); err != nil {
		return nil, fmt.Errorf("failed to create immediate invoice: %w", err)
	}

	for _, item := range items {
		if err := e.AddLineItem(ctx, tx, id, item); err != nil {
			return nil, err
		}
	}
	return e.loadInvoice(ctx, tx, id)
}

// AddLineItem persists a line item and moves the invoice total by its signed
// amount. The switch over kinds is exhaustive; a new variant must be mapped
// here before it can be billed.
func (e *Engine) AddLineItem(ctx context.Context, tx *sql.Tx, invoiceID string, item models.LineItem) error {
	var (
		serviceType *int16
		tier        *string
		quantity    int64 = 1
		unitPrice   int64
	)

	switch it := item.(type) {
	case models.SubscriptionItem:
		st := int16(it.Service)
		t := string(it.Tier)
		serviceType, tier = &st, &t
		unitPrice = it.PriceCents
	case models.ProrationItem:
		st := int16(it.Service)
		t := string(it.ToTier)
		serviceType, tier = &st, &t
		unitPrice = it.ChargeCents
	case models.UsageItem:
		st := int16(it.Service)
		serviceType = &st
		quantity = it.Requests
		unitPrice = it.CentsPer1000
	default:
		return fmt.Errorf("unhandled line item kind %T", item)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invoice_line_items (id, invoice_id, item_type, service_type, tier, quantity, unit_price_usd_cents, amount_usd_cents, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New().String(), invoiceID, string(item.Kind()), serviceType, tier, quantity, unitPrice, item.AmountCents(), models.Describe(item)); err != nil {
		return fmt.Errorf("failed to insert line item: %w", err)
	}

	return e.applyTotalDelta(ctx, tx, invoiceID, item.AmountCents())
}

// RewriteSubscriptionLine replaces the subscription line for one service on
// a DRAFT invoice so the draft always shows the price that will actually be
// charged at the next boundary.
func (e *Engine) RewriteSubscriptionLine(ctx context.Context, tx *sql.Tx, token locks.Token, invoiceID string, service models.ServiceType, tier models.Tier) error {
	var removedCents int64
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_usd_cents), 0)
		FROM invoice_line_items
		WHERE invoice_id = $1 AND item_type = $2 AND service_type = $3
	`, invoiceID, string(models.ItemSubscription), int16(service)).Scan(&removedCents)
	if err != nil {
		return fmt.Errorf("failed to sum subscription lines: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM invoice_line_items
		WHERE invoice_id = $1 AND item_type = $2 AND service_type = $3
	`, invoiceID, string(models.ItemSubscription), int16(service)); err != nil {
		return fmt.Errorf("failed to delete subscription lines: %w", err)
	}
	if removedCents != 0 {
		if err := e.applyTotalDelta(ctx, tx, invoiceID, -removedCents); err != nil {
			return err
		}
	}

	price, err := models.TierPriceCents(tier)
	if err != nil {
		return err
	}
	if price == 0 {
		return nil
	}
	return e.AddLineItem(ctx, tx, invoiceID, models.SubscriptionItem{
		Service:    service,
		Tier:       tier,
		PriceCents: price,
	})
}

// ProcessInvoicePayment settles an invoice through credits and the provider
// chain, then updates the service rows tied to it. Business failures land in
// the result; only programmer and database errors return non-nil error.
func (e *Engine) ProcessInvoicePayment(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, invoiceID string, opts payment.SettleOpts) (*payment.SettlementResult, error) {
	invoice, err := e.loadInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return nil, err
	}
	if invoice.CustomerID != token.CustomerID() {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "invoice %s does not belong to customer", invoiceID)
	}
	if invoice.Status == models.InvoicePaid {
		return &payment.SettlementResult{InvoiceID: invoiceID, Status: models.InvoicePaid}, nil
	}

	// Service bookkeeping (parking on failure, paid_once on success) is the
	// caller's job: its scope depends on what the invoice covers.
	return e.chain.Settle(ctx, tx, token, clk, invoice, opts)
}

// ParkService pins one service to an unpaid invoice. Usage sync skips parked
// services until the balance clears.
func (e *Engine) ParkService(ctx context.Context, tx *sql.Tx, token locks.Token, service models.ServiceType, invoiceID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances SET sub_pending_invoice_id = $1, updated_at = NOW()
		WHERE customer_id = $2 AND service_type = $3
	`, invoiceID, token.CustomerID(), int16(service)); err != nil {
		return fmt.Errorf("failed to park service on failed invoice: %w", err)
	}
	return nil
}

// ParkAllServices pins every enabled paid service to an unpaid invoice.
func (e *Engine) ParkAllServices(ctx context.Context, tx *sql.Tx, token locks.Token, invoiceID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances SET sub_pending_invoice_id = $1, updated_at = NOW()
		WHERE customer_id = $2 AND state = 'enabled' AND tier <> 'free'
	`, invoiceID, token.CustomerID()); err != nil {
		return fmt.Errorf("failed to park services on failed invoice: %w", err)
	}
	return nil
}

// FinalizeMonthEnd closes out a DRAFT whose billing period has begun:
// usage for the prior month is finalized, scheduled tier changes take
// effect, the record goes PENDING and is settled, and a fresh DRAFT opens.
// Returns (nil, nil) when the draft's period has not started yet.
func (e *Engine) FinalizeMonthEnd(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock) (*payment.SettlementResult, error) {
	draft, err := e.loadDraft(ctx, tx, token.CustomerID())
	if err != nil {
		return nil, err
	}
	if draft == nil || clk.Now().Before(draft.BillingPeriodStart) {
		return nil, nil
	}

	if err := e.usage.FinalizeUsageChargesForBilling(ctx, tx, token, draft); err != nil {
		return nil, err
	}

	if err := e.applyScheduledTierChanges(ctx, tx, token); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_records SET status = 'pending', updated_at = NOW() WHERE id = $1
	`, draft.ID); err != nil {
		return nil, fmt.Errorf("failed to finalize invoice: %w", err)
	}

	result, err := e.ProcessInvoicePayment(ctx, tx, token, clk, draft.ID, payment.SettleOpts{ServerInitiated: true})
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case models.InvoicePaid:
		if err := e.MarkServicesPaid(ctx, tx, token, clk, draft.ID); err != nil {
			return nil, err
		}
	case models.InvoiceFailed:
		if err := e.ParkAllServices(ctx, tx, token, draft.ID); err != nil {
			return nil, err
		}
	}

	if _, err := e.GetOrCreateDraftInvoice(ctx, tx, token, clk); err != nil {
		return nil, err
	}

	e.logger.WithFields(logging.Fields{
		"customer_id": token.CustomerID(),
		"invoice_id":  draft.ID,
		"status":      result.Status,
		"paid_cents":  result.PaidCents,
	}).Info("Finalized month-end invoice")

	return result, nil
}

// MarkPaidExternally records an out-of-band settlement (hosted 3DS
// completion confirmed by webhook) and releases the parked services.
func (e *Engine) MarkPaidExternally(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, invoiceID string, source models.PaymentSource, referenceID string) error {
	invoice, err := e.loadInvoiceForUpdate(ctx, tx, invoiceID)
	if err != nil {
		return err
	}
	if invoice.Status == models.InvoicePaid {
		return nil
	}

	remaining := invoice.RemainingUsdCents()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO invoice_payments (id, invoice_id, source_type, reference_id, amount_usd_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (source_type, reference_id) DO NOTHING
	`, uuid.New().String(), invoiceID, source, referenceID, remaining); err != nil {
		return fmt.Errorf("failed to record external payment: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_records
		SET status = 'paid', amount_paid_usd_cents = amount_usd_cents,
		    failure_reason = NULL, payment_action_url = NULL, payment_action_source = NULL,
		    updated_at = NOW()
		WHERE id = $1
	`, invoiceID); err != nil {
		return fmt.Errorf("failed to mark invoice paid: %w", err)
	}

	return e.MarkServicesPaid(ctx, tx, token, clk, invoiceID)
}

// ListInvoices returns a customer's billing records, newest first.
func (e *Engine) ListInvoices(ctx context.Context, db *sql.DB, customerID string, limit int) ([]models.BillingRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT id, customer_id, billing_period_start, billing_period_end, status, record_type,
		       amount_usd_cents, amount_paid_usd_cents, failure_reason, payment_action_url,
		       payment_action_source, retry_count, last_retry_at, tx_digest, created_at, updated_at
		FROM billing_records
		WHERE customer_id = $1
		ORDER BY billing_period_start DESC
		LIMIT $2
	`, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var out []models.BillingRecord
	for rows.Next() {
		r, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetInvoice returns one billing record scoped to a customer.
func (e *Engine) GetInvoice(ctx context.Context, db *sql.DB, customerID, invoiceID string) (*models.BillingRecord, error) {
	row := db.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1 AND customer_id = $2`, invoiceID, customerID)
	return scanInvoice(row)
}

// MarkServicesPaid records a settled invoice on the customer's services:
// paid_once is set, the billing timestamp advances, and any service parked
// on this invoice is released so usage sync resumes.
func (e *Engine) MarkServicesPaid(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, invoiceID string) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances
		SET paid_once = TRUE, last_billed_at = $1, sub_pending_invoice_id = NULL, updated_at = NOW()
		WHERE customer_id = $2 AND (sub_pending_invoice_id = $3 OR sub_pending_invoice_id IS NULL)
		  AND state = 'enabled' AND tier <> 'free'
	`, clk.Now(), token.CustomerID(), invoiceID); err != nil {
		return fmt.Errorf("failed to mark services paid: %w", err)
	}
	return nil
}

// applyScheduledTierChanges moves each service to its scheduled tier at the
// period boundary. A schedule to free disables the service (cancellation).
func (e *Engine) applyScheduledTierChanges(ctx context.Context, tx *sql.Tx, token locks.Token) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances
		SET state = 'disabled', updated_at = NOW()
		WHERE customer_id = $1 AND scheduled_tier = 'free'
	`, token.CustomerID()); err != nil {
		return fmt.Errorf("failed to apply scheduled cancellations: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances
		SET tier = scheduled_tier, scheduled_tier = NULL, scheduled_tier_effective_date = NULL, updated_at = NOW()
		WHERE customer_id = $1 AND scheduled_tier IS NOT NULL
	`, token.CustomerID()); err != nil {
		return fmt.Errorf("failed to apply scheduled tier changes: %w", err)
	}
	return nil
}

func (e *Engine) applyTotalDelta(ctx context.Context, tx *sql.Tx, invoiceID string, deltaCents int64) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE billing_records SET amount_usd_cents = amount_usd_cents + $1, updated_at = NOW() WHERE id = $2
	`, deltaCents, invoiceID); err != nil {
		return fmt.Errorf("failed to update invoice total: %w", err)
	}
	return nil
}

const invoiceSelect = `
	SELECT id, customer_id, billing_period_start, billing_period_end, status, record_type,
	       amount_usd_cents, amount_paid_usd_cents, failure_reason, payment_action_url,
	       payment_action_source, retry_count, last_retry_at, tx_digest, created_at, updated_at
	FROM billing_records`

func (e *Engine) loadDraft(ctx context.Context, tx *sql.Tx, customerID string) (*models.BillingRecord, error) {
	row := tx.QueryRowContext(ctx, invoiceSelect+` WHERE customer_id = $1 AND status = 'draft' FOR UPDATE`, customerID)
	r, err := scanInvoice(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func (e *Engine) loadInvoice(ctx context.Context, tx *sql.Tx, invoiceID string) (*models.BillingRecord, error) {
	return scanInvoice(tx.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1`, invoiceID))
}

func (e *Engine) loadInvoiceForUpdate(ctx context.Context, tx *sql.Tx, invoiceID string) (*models.BillingRecord, error) {
	return scanInvoice(tx.QueryRowContext(ctx, invoiceSelect+` WHERE id = $1 FOR UPDATE`, invoiceID))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*models.BillingRecord, error) {
	var r models.BillingRecord
	err := row.Scan(&r.ID, &r.CustomerID, &r.BillingPeriodStart, &r.BillingPeriodEnd, &r.Status, &r.Type,
		&r.AmountUsdCents, &r.AmountPaidUsdCents, &r.FailureReason, &r.PaymentActionURL,
		&r.PaymentActionSource, &r.RetryCount, &r.LastRetryAt, &r.TxDigest, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Engine) loadServices(ctx context.Context, tx *sql.Tx, customerID string) ([]models.ServiceInstance, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, customer_id, service_type, tier, state, scheduled_tier, scheduled_tier_effective_date,
		       sub_pending_invoice_id, paid_once, last_billed_at, created_at, updated_at
		FROM service_instances
		WHERE customer_id = $1
		ORDER BY service_type
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load services: %w", err)
	}
	defer rows.Close()

	var out []models.ServiceInstance
	for rows.Next() {
		var s models.ServiceInstance
		if err := rows.Scan(&s.ID, &s.CustomerID, &s.ServiceType, &s.Tier, &s.State, &s.ScheduledTier,
			&s.ScheduledTierEffectiveDate, &s.SubPendingInvoiceID, &s.PaidOnce, &s.LastBilledAt,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan service: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
