package usage

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

// ChargeCents prices a request count at a per-1000 rate, rounding down.
// Flooring means a customer is never charged for a fraction of the rate
// unit; the remainder is simply not billed.
func ChargeCents(requests, centsPer1000 int64) int64 {
	if requests <= 0 || centsPer1000 <= 0 {
		return 0
	}
	return requests * centsPer1000 / 1000
}

// MonthStart returns the first instant of the calendar month containing t,
// in UTC.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// DisplayPeriod is the month-to-date window shown on the draft invoice.
func DisplayPeriod(now time.Time) (start, end time.Time) {
	return MonthStart(now), now.UTC()
}

// BillingPeriod derives the authoritative usage window for an invoice from
// the invoice's own billing period start: the calendar month immediately
// preceding it. Anchoring on the invoice rather than on wall-clock "last
// month" keeps a delayed billing run correct across month lengths, leap
// Februaries, and year boundaries.
func BillingPeriod(billingPeriodStart time.Time) (start, end time.Time) {
	end = MonthStart(billingPeriodStart)
	start = end.AddDate(0, -1, 0)
	return start, end
}

// Calculator maintains usage line items on billing records.
type Calculator struct {
	stats  StatsQuerier
	logger logging.Logger
}

// NewCalculator creates a usage calculator.
func NewCalculator(stats StatsQuerier, logger logging.Logger) *Calculator {
	return &Calculator{stats: stats, logger: logger}
}

// SyncUsageToDraft refreshes the month-to-date usage lines on the draft
// invoice. Idempotent: each run replaces the previous usage line per service
// and adjusts the invoice total by the delta, so running it twice in a row
// changes nothing. Services parked on an unpaid invoice are skipped until
// the balance clears.
func (c *Calculator) SyncUsageToDraft(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, draft *models.BillingRecord) error {
	start, end := DisplayPeriod(clk.Now())
	return c.rewriteUsageLines(ctx, tx, token, draft, start, end, true)
}

// FinalizeUsageChargesForBilling writes the authoritative usage lines for an
// invoice being finalized. The window comes from the invoice itself, not
// the wall clock, and parked services are included: finalization is the
// billing of record.
func (c *Calculator) FinalizeUsageChargesForBilling(ctx context.Context, tx *sql.Tx, token locks.Token, invoice *models.BillingRecord) error {
	start, end := BillingPeriod(invoice.BillingPeriodStart)
	return c.rewriteUsageLines(ctx, tx, token, invoice, start, end, false)
}

func (c *Calculator) rewriteUsageLines(ctx context.Context, tx *sql.Tx, token locks.Token, invoice *models.BillingRecord, start, end time.Time, skipParked bool) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT service_type, tier, sub_pending_invoice_id
		FROM service_instances
		WHERE customer_id = $1 AND state = 'enabled' AND tier <> 'free'
		ORDER BY service_type
	`, token.CustomerID())
	if err != nil {
		return fmt.Errorf("failed to load services for usage: %w", err)
	}

	type svc struct {
		serviceType models.ServiceType
		tier        models.Tier
	}
	var services []svc
	for rows.Next() {
		var s svc
		var pending *string
		if err := rows.Scan(&s.serviceType, &s.tier, &pending); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan service for usage: %w", err)
		}
		if skipParked && pending != nil {
			continue
		}
		services = append(services, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var totalDelta int64
	for _, s := range services {
		count, err := c.stats.GetBillableRequestCount(ctx, token.CustomerID(), s.serviceType, start, end)
		if err != nil {
			return err
		}

		spec, err := models.LookupTier(s.tier)
		if err != nil {
			return err
		}
		item := models.UsageItem{
			Service:      s.serviceType,
			Requests:     count,
			CentsPer1000: spec.UsageCentsPer1000,
			ChargeCents:  ChargeCents(count, spec.UsageCentsPer1000),
		}

		var removedCents int64
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(amount_usd_cents), 0)
			FROM invoice_line_items
			WHERE invoice_id = $1 AND item_type = $2 AND service_type = $3
		`, invoice.ID, string(models.ItemUsage), int16(s.serviceType)).Scan(&removedCents); err != nil {
			return fmt.Errorf("failed to sum usage lines: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM invoice_line_items
			WHERE invoice_id = $1 AND item_type = $2 AND service_type = $3
		`, invoice.ID, string(models.ItemUsage), int16(s.serviceType)); err != nil {
			return fmt.Errorf("failed to delete usage lines: %w", err)
		}

		// Zero-quantity lines persist so the invoice shows every metered
		// service, not just the busy ones.
		st := int16(s.serviceType)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_line_items (id, invoice_id, item_type, service_type, tier, quantity, unit_price_usd_cents, amount_usd_cents, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		`, uuid.New().String(), invoice.ID, string(models.ItemUsage), st, string(s.tier),
			item.Requests, item.CentsPer1000, item.ChargeCents, models.Describe(item)); err != nil {
			return fmt.Errorf("failed to insert usage line: %w", err)
		}

		totalDelta += item.ChargeCents - removedCents
	}

	if totalDelta != 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE billing_records SET amount_usd_cents = amount_usd_cents + $1, updated_at = NOW() WHERE id = $2
		`, totalDelta, invoice.ID); err != nil {
			return fmt.Errorf("failed to update invoice total for usage: %w", err)
		}
	}

	c.logger.WithFields(logging.Fields{
		"customer_id":  token.CustomerID(),
		"invoice_id":   invoice.ID,
		"period_start": start,
		"period_end":   end,
		"delta_cents":  totalDelta,
	}).Debug("Rewrote usage line items")

	return nil
}
