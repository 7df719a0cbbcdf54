// Package jobs runs the periodic billing sweep and housekeeping.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"suiftly/api_billing/internal/invoices"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/internal/notifications"
	"suiftly/api_billing/internal/payment"
	"suiftly/api_billing/internal/usage"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/config"
	"suiftly/api_billing/pkg/logging"
)

// billingOpsNamespace seeds the deterministic idempotency keys recorded in
// billing_operations.
var billingOpsNamespace = uuid.MustParse("8e03f1c2-64bd-49e8-9f70-2b1a5a30d5b1")

// JobManager schedules and runs the billing sweep: per customer, usage
// display sync, month-boundary finalization, and failed-invoice retry, all
// under one lock acquisition.
type JobManager struct {
	db       *sql.DB
	locker   *locks.Locker
	invoices *invoices.Engine
	usage    *usage.Calculator
	ops      *notifications.OpsProducer
	email    *notifications.EmailService
	clk      clock.Clock
	logger   logging.Logger

	cron     *cron.Cron
	schedule string

	maxRetryAttempts   int
	retryIntervalHours int
	eventRetentionDays int
}

// NewJobManager creates the job manager with env-tunable retry policy.
func NewJobManager(db *sql.DB, locker *locks.Locker, inv *invoices.Engine, calc *usage.Calculator, ops *notifications.OpsProducer, email *notifications.EmailService, clk clock.Clock, logger logging.Logger) *JobManager {
	return &JobManager{
		db:                 db,
		locker:             locker,
		invoices:           inv,
		usage:              calc,
		ops:                ops,
		email:              email,
		clk:                clk,
		logger:             logger,
		cron:               cron.New(),
		schedule:           config.GetEnv("BILLING_SWEEP_SCHEDULE", "@hourly"),
		maxRetryAttempts:   config.GetEnvInt("BILLING_MAX_RETRY_ATTEMPTS", 3),
		retryIntervalHours: config.GetEnvInt("BILLING_RETRY_INTERVAL_HOURS", 24),
		eventRetentionDays: config.GetEnvInt("BILLING_EVENT_RETENTION_DAYS", 90),
	}
}

// Start registers the cron entries and begins running them.
func (jm *JobManager) Start() error {
	if _, err := jm.cron.AddFunc(jm.schedule, func() {
		if err := jm.RunBillingSweep(context.Background()); err != nil {
			jm.logger.WithError(err).Error("Billing sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule billing sweep: %w", err)
	}

	if _, err := jm.cron.AddFunc("@daily", func() {
		jm.TrimActivityLog(context.Background())
	}); err != nil {
		return fmt.Errorf("failed to schedule activity log trim: %w", err)
	}

	jm.cron.Start()
	jm.logger.WithField("schedule", jm.schedule).Info("Started billing job manager")
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (jm *JobManager) Stop() {
	ctx := jm.cron.Stop()
	<-ctx.Done()
	jm.logger.Info("Stopped billing job manager")
}

// RunBillingSweep runs customer billing for every customer with billing
// surface: an open draft, a retryable failure, or an enabled paid service.
// A busy customer is skipped, not failed; the next sweep picks them up.
func (jm *JobManager) RunBillingSweep(ctx context.Context) error {
	rows, err := jm.db.QueryContext(ctx, `
		SELECT DISTINCT c.id
		FROM customers c
		WHERE EXISTS (SELECT 1 FROM billing_records br WHERE br.customer_id = c.id AND br.status IN ('draft', 'failed'))
		   OR EXISTS (SELECT 1 FROM service_instances si WHERE si.customer_id = c.id AND si.state = 'enabled' AND si.tier <> 'free')
	`)
	if err != nil {
		return fmt.Errorf("failed to list billable customers: %w", err)
	}

	var customerIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan customer id: %w", err)
		}
		customerIDs = append(customerIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var swept, busy, failed int
	for _, customerID := range customerIDs {
		err := jm.RunCustomerBilling(ctx, customerID)
		switch {
		case err == nil:
			swept++
		case errors.Is(err, models.ErrCustomerBusy) || models.IsRetryable(err):
			busy++
		default:
			failed++
			jm.logger.WithError(err).WithField("customer_id", customerID).Error("Customer billing run failed")
		}
	}

	jm.logger.WithFields(logging.Fields{
		"customers": len(customerIDs),
		"swept":     swept,
		"busy":      busy,
		"failed":    failed,
	}).Info("Billing sweep finished")
	return nil
}

// RunCustomerBilling performs the full billing pass for one customer inside
// a single lock acquisition: (a) refresh draft usage display, (b) finalize
// at the month boundary, (c) retry failed invoices within the retry policy.
func (jm *JobManager) RunCustomerBilling(ctx context.Context, customerID string) error {
	return jm.locker.WithCustomerLock(ctx, customerID, "billing_run", func(tx *sql.Tx, token locks.Token) error {
		draft, err := jm.invoices.GetOrCreateDraftInvoice(ctx, tx, token, jm.clk)
		if err != nil {
			return err
		}

		if err := jm.usage.SyncUsageToDraft(ctx, tx, token, jm.clk, draft); err != nil {
			return err
		}

		if err := jm.finalizeIfDue(ctx, tx, token, draft); err != nil {
			return err
		}

		return jm.retryFailedInvoices(ctx, tx, token)
	})
}

// finalizeIfDue closes out the draft once its period has begun, exactly
// once: the idempotency key makes a re-run of the same finalization a no-op
// even if two sweeps race across processes.
func (jm *JobManager) finalizeIfDue(ctx context.Context, tx *sql.Tx, token locks.Token, draft *models.BillingRecord) error {
	if jm.clk.Now().Before(draft.BillingPeriodStart) {
		return nil
	}

	fresh, err := jm.claimOperation(ctx, tx, token.CustomerID(), draft.ID, "finalize_month_end")
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}

	result, err := jm.invoices.FinalizeMonthEnd(ctx, tx, token, jm.clk)
	if err != nil {
		return err
	}
	if result != nil && result.Status == models.InvoiceFailed {
		jm.notifyFailure(ctx, tx, token.CustomerID(), draft.ID, result)
	}
	return nil
}

// retryFailedInvoices re-settles failed invoices that are retryable, under
// the attempt budget, and past the retry interval. An invoice whose last
// failure was non-retryable (a hard decline) waits for explicit customer
// action and is never picked up here. Invoices parked on a hosted
// authentication URL fail fast inside Settle and are counted as skipped.
func (jm *JobManager) retryFailedInvoices(ctx context.Context, tx *sql.Tx, token locks.Token) error {
	cutoff := jm.clk.Now().Add(-time.Duration(jm.retryIntervalHours) * time.Hour)

	rows, err := tx.QueryContext(ctx, `
		SELECT id, retry_count
		FROM billing_records
		WHERE customer_id = $1 AND status = 'failed' AND retryable = TRUE
		  AND retry_count < $2
		  AND (last_retry_at IS NULL OR last_retry_at < $3)
		ORDER BY billing_period_start
		FOR UPDATE
	`, token.CustomerID(), jm.maxRetryAttempts, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list retryable invoices: %w", err)
	}

	type retry struct {
		id         string
		retryCount int
	}
	var retries []retry
	for rows.Next() {
		var r retry
		if err := rows.Scan(&r.id, &r.retryCount); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan retryable invoice: %w", err)
		}
		retries = append(retries, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range retries {
		operation := fmt.Sprintf("retry_%d", r.retryCount+1)
		fresh, err := jm.claimOperation(ctx, tx, token.CustomerID(), r.id, operation)
		if err != nil {
			return err
		}
		if !fresh {
			continue
		}

		result, err := jm.invoices.ProcessInvoicePayment(ctx, tx, token, jm.clk, r.id, payment.SettleOpts{ServerInitiated: true})
		if err != nil {
			if be, ok := models.AsBillingError(err); ok && be.Code == models.ErrCodeRequiresAction {
				jm.logger.WithFields(logging.Fields{
					"customer_id": token.CustomerID(),
					"invoice_id":  r.id,
				}).Info("Skipping retry, invoice awaits customer authentication")
				continue
			}
			return err
		}

		switch result.Status {
		case models.InvoicePaid:
			if err := jm.invoices.MarkServicesPaid(ctx, tx, token, jm.clk, r.id); err != nil {
				return err
			}
		case models.InvoiceFailed:
			jm.notifyFailure(ctx, tx, token.CustomerID(), r.id, result)
			if r.retryCount+1 >= jm.maxRetryAttempts && jm.ops != nil {
				jm.ops.NotifyInvoiceOverdue(token.CustomerID(), r.id, r.retryCount+1)
			}
		}
	}
	return nil
}

// claimOperation records a deterministic idempotency key for a
// (customer, invoice, operation) triple. Returns false when the operation
// was already performed.
func (jm *JobManager) claimOperation(ctx context.Context, tx *sql.Tx, customerID, invoiceID, operation string) (bool, error) {
	key := uuid.NewSHA1(billingOpsNamespace, []byte(customerID+":"+invoiceID+":"+operation))

	result, err := tx.ExecContext(ctx, `
		INSERT INTO billing_operations (idempotency_key, customer_id, invoice_id, operation, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (idempotency_key) DO NOTHING
	`, key.String(), customerID, invoiceID, operation)
	if err != nil {
		return false, fmt.Errorf("failed to claim billing operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return affected == 1, nil
}

func (jm *JobManager) notifyFailure(ctx context.Context, tx *sql.Tx, customerID, invoiceID string, result *payment.SettlementResult) {
	if jm.ops != nil {
		jm.ops.NotifyPaymentFailed(customerID, invoiceID, result.FailureReason, result.Retryable)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO billing_events (customer_id, event_type, details, created_at)
		VALUES ($1, 'payment_failed', $2, NOW())
	`, customerID, fmt.Sprintf(`{"invoice_id": %q, "reason": %q}`, invoiceID, result.FailureReason)); err != nil {
		jm.logger.WithError(err).Warn("Failed to append billing event")
	}

	if jm.email == nil {
		return
	}
	var email, name sql.NullString
	if err := tx.QueryRowContext(ctx, `
		SELECT email, wallet_address FROM customers WHERE id = $1
	`, customerID).Scan(&email, &name); err != nil || !email.Valid {
		return
	}
	actionURL := ""
	if result.PaymentActionURL != "" {
		actionURL = result.PaymentActionURL
	}
	if err := jm.email.SendPaymentFailed(email.String, name.String, invoiceID, result.InitialAmountCents-result.PaidCents, actionURL); err != nil {
		jm.logger.WithError(err).Warn("Failed to send payment failed email")
	}
}

// TrimActivityLog deletes billing events older than the retention window.
// Deliberately outside the customer lock: the activity log is advisory and
// trimming it races with nothing that matters.
func (jm *JobManager) TrimActivityLog(ctx context.Context) {
	cutoff := jm.clk.Now().AddDate(0, 0, -jm.eventRetentionDays)
	result, err := jm.db.ExecContext(ctx, `DELETE FROM billing_events WHERE created_at < $1`, cutoff)
	if err != nil {
		jm.logger.WithError(err).Error("Failed to trim activity log")
		return
	}
	if n, err := result.RowsAffected(); err == nil && n > 0 {
		jm.logger.WithField("deleted", n).Info("Trimmed activity log")
	}
}
