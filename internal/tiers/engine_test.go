package tiers

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"suiftly/api_billing/internal/credits"
	"suiftly/api_billing/internal/invoices"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/internal/payment"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
)

func TestProrationCentsFloors(t *testing.T) {
	cases := []struct {
		name          string
		cur, next     int64
		daysRemaining int
		daysInPeriod  int
		want          int64
	}{
		{"pro to enterprise day 2 of 31", 2900, 18500, 30, 31, 15096},
		{"starter to pro full month", 900, 2900, 31, 31, 2000},
		{"last day", 900, 2900, 1, 30, 66},
		{"downgrade charges nothing", 2900, 900, 15, 30, 0},
		{"same tier", 2900, 2900, 15, 30, 0},
		{"no days remaining", 900, 2900, 0, 30, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ProrationCents(tc.cur, tc.next, tc.daysRemaining, tc.daysInPeriod)
			if got != tc.want {
				t.Errorf("ProrationCents(%d, %d, %d, %d) = %d, want %d",
					tc.cur, tc.next, tc.daysRemaining, tc.daysInPeriod, got, tc.want)
			}
		})
	}
}

func TestPeriodDays(t *testing.T) {
	cases := []struct {
		name          string
		t             time.Time
		wantRemaining int
		wantIn        int
	}{
		{"second of a 31-day month", time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), 30, 31},
		{"first of non-leap february", time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), 28, 28},
		{"leap day", time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), 1, 29},
		{"last of december", time.Date(2024, 12, 31, 12, 0, 0, 0, time.UTC), 1, 31},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			remaining, inPeriod := PeriodDays(tc.t)
			if remaining != tc.wantRemaining || inPeriod != tc.wantIn {
				t.Errorf("PeriodDays(%v) = (%d, %d), want (%d, %d)",
					tc.t, remaining, inPeriod, tc.wantRemaining, tc.wantIn)
			}
		})
	}
}

func expectLock(mock sqlmock.Sqlmock, customerID string) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func instanceRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "customer_id", "service_type", "tier", "state", "scheduled_tier",
		"scheduled_tier_effective_date", "sub_pending_invoice_id", "paid_once",
		"last_billed_at", "created_at", "updated_at",
	})
}

func invoiceRow(id, customerID string, status string, amountCents, paidCents int64, periodStart time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "customer_id", "billing_period_start", "billing_period_end", "status", "record_type",
		"amount_usd_cents", "amount_paid_usd_cents", "failure_reason", "payment_action_url",
		"payment_action_source", "retry_count", "last_retry_at", "tx_digest", "created_at", "updated_at",
	}).AddRow(id, customerID, periodStart, periodStart.AddDate(0, 1, 0), status, "charge",
		amountCents, paidCents, nil, nil, nil, 0, nil, nil, periodStart, periodStart)
}

func newEngine() *Engine {
	logger := logging.NewLogger()
	chain := payment.NewChain(credits.NewLedger(logger), logger)
	inv := invoices.NewEngine(chain, nil, logger)
	return NewEngine(inv, logger)
}

// An upgrade whose proration settles from credits applies immediately and
// clears the pending downgrade; the draft line moves to the new tier.
func TestUpgradeAppliesAndClearsScheduledDowngrade(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-1"
	// Day 2 of a 31-day month: proration (18500-2900)*30/31 = 15096.
	clk := clock.Fixed{T: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
	now := clk.Now()

	expectLock(mock, customerID)

	// Current instance: pro, enabled, paid, downgrade to starter scheduled.
	mock.ExpectQuery("SELECT id, customer_id, service_type, tier, state").
		WithArgs(customerID, int16(models.ServiceRPC)).
		WillReturnRows(instanceRows().AddRow(
			"svc-1", customerID, int16(models.ServiceRPC), "pro", "enabled", "starter",
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), nil, true, nil, now, now))

	// Immediate proration invoice.
	mock.ExpectExec("INSERT INTO billing_records").
		WithArgs(sqlmock.AnyArg(), customerID, now, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_line_items").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "tier_upgrade_proration", int16(models.ServiceRPC), "enterprise",
			int64(1), int64(15096), int64(15096), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(15096), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, customer_id, billing_period_start").
		WillReturnRows(invoiceRow("inv-pro", customerID, "pending", 15096, 0, now))

	// Settlement: the pending record is reloaded, then a credit covers it.
	mock.ExpectQuery("SELECT id, customer_id, billing_period_start").
		WillReturnRows(invoiceRow("inv-pro", customerID, "pending", 15096, 0, now))
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}).
			AddRow("credit-1", int64(20000)))
	mock.ExpectExec("UPDATE customer_credits").
		WithArgs(int64(15096), "credit-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), "inv-pro", "credit", "credit-1", int64(15096)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(15096), "inv-pro").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'paid'`).
		WithArgs(nil, "inv-pro").
		WillReturnResult(sqlmock.NewResult(0, 1))

	// The upgrade applies: new tier, schedule cleared.
	mock.ExpectExec(`UPDATE service_instances\s+SET tier = \$1, scheduled_tier = NULL`).
		WithArgs("enterprise", now, customerID, int16(models.ServiceRPC)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Draft line rewritten from the scheduled starter price to enterprise.
	mock.ExpectQuery("SELECT id, customer_id, billing_period_start").
		WithArgs(customerID).
		WillReturnRows(invoiceRow("inv-draft", customerID, "draft", 900, 0, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_usd_cents\), 0\)`).
		WithArgs("inv-draft", "subscription", int16(models.ServiceRPC)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(900)))
	mock.ExpectExec("DELETE FROM invoice_line_items").
		WithArgs("inv-draft", "subscription", int16(models.ServiceRPC)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(-900), "inv-draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_line_items").
		WithArgs(sqlmock.AnyArg(), "inv-draft", "subscription", int16(models.ServiceRPC), "enterprise",
			int64(1), int64(18500), int64(18500), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(18500), "inv-draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	engine := newEngine()
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	var result *ChangeResult
	err = locker.WithCustomerLock(context.Background(), customerID, "tier_upgrade", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = engine.HandleTierUpgrade(context.Background(), tx, token, clk, models.ServiceRPC, models.TierEnterprise)
		return err
	})
	if err != nil {
		t.Fatalf("HandleTierUpgrade: %v", err)
	}

	if result.Tier != models.TierEnterprise {
		t.Errorf("tier = %s, want enterprise", result.Tier)
	}
	if result.Scheduled != nil {
		t.Errorf("scheduled = %v, want cleared", *result.Scheduled)
	}
	if result.Settlement == nil || result.Settlement.Status != models.InvoicePaid {
		t.Fatalf("settlement = %+v, want paid", result.Settlement)
	}
	if result.Settlement.PaidCents != 15096 {
		t.Errorf("settled %d cents, want 15096", result.Settlement.PaidCents)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// A failed proration charge leaves the tier and any scheduled change
// exactly as they were.
func TestUpgradeDoesNotApplyWhenProrationUnpaid(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-2"
	clk := clock.Fixed{T: time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)}
	now := clk.Now()

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, customer_id, service_type, tier, state").
		WithArgs(customerID, int16(models.ServiceRPC)).
		WillReturnRows(instanceRows().AddRow(
			"svc-1", customerID, int16(models.ServiceRPC), "starter", "enabled", nil,
			nil, nil, true, nil, now, now))

	// Proration (2900-900)*30/31 = 1935.
	mock.ExpectExec("INSERT INTO billing_records").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_line_items").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "tier_upgrade_proration", int16(models.ServiceRPC), "pro",
			int64(1), int64(1935), int64(1935), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(1935), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT id, customer_id, billing_period_start").
		WillReturnRows(invoiceRow("inv-pro", customerID, "pending", 1935, 0, now))

	// Settlement fails: no credits, no payment methods.
	mock.ExpectQuery("SELECT id, customer_id, billing_period_start").
		WillReturnRows(invoiceRow("inv-pro", customerID, "pending", 1935, 0, now))
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}))
	mock.ExpectQuery("SELECT provider").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'failed'`).
		WithArgs("no eligible payment method", true, now, "inv-pro").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	engine := newEngine()
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	var result *ChangeResult
	err = locker.WithCustomerLock(context.Background(), customerID, "tier_upgrade", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = engine.HandleTierUpgrade(context.Background(), tx, token, clk, models.ServiceRPC, models.TierPro)
		return err
	})
	if err != nil {
		t.Fatalf("HandleTierUpgrade: %v", err)
	}

	if result.Tier != models.TierStarter {
		t.Errorf("tier = %s, want starter unchanged", result.Tier)
	}
	if result.Settlement == nil || result.Settlement.Status != models.InvoiceFailed {
		t.Fatalf("settlement = %+v, want failed", result.Settlement)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestDowngradeRejectedWhenNotADowngrade(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-3"
	now := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, customer_id, service_type, tier, state").
		WithArgs(customerID, int16(models.ServiceRPC)).
		WillReturnRows(instanceRows().AddRow(
			"svc-1", customerID, int16(models.ServiceRPC), "starter", "enabled", nil,
			nil, nil, true, nil, now, now))
	mock.ExpectRollback()

	engine := newEngine()
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	err = locker.WithCustomerLock(context.Background(), customerID, "tier_downgrade", func(tx *sql.Tx, token locks.Token) error {
		_, err := engine.ScheduleTierDowngrade(context.Background(), tx, token, clock.Fixed{T: now}, models.ServiceRPC, models.TierPro)
		return err
	})
	if be, ok := models.AsBillingError(err); !ok || be.Code != models.ErrCodeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// A downgrade on a paid service books at the next boundary and repoints the
// draft's subscription line to the lower tier.
func TestDowngradeSchedulesAtNextBoundary(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-4"
	clk := clock.Fixed{T: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	now := clk.Now()
	boundary := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, customer_id, service_type, tier, state").
		WithArgs(customerID, int16(models.ServiceGraphQL)).
		WillReturnRows(instanceRows().AddRow(
			"svc-2", customerID, int16(models.ServiceGraphQL), "pro", "enabled", nil,
			nil, nil, true, nil, now, now))
	mock.ExpectExec(`UPDATE service_instances\s+SET scheduled_tier = \$1`).
		WithArgs("starter", boundary, customerID, int16(models.ServiceGraphQL)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT id, customer_id, billing_period_start").
		WithArgs(customerID).
		WillReturnRows(invoiceRow("inv-draft", customerID, "draft", 2900, 0, boundary))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_usd_cents\), 0\)`).
		WithArgs("inv-draft", "subscription", int16(models.ServiceGraphQL)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(2900)))
	mock.ExpectExec("DELETE FROM invoice_line_items").
		WithArgs("inv-draft", "subscription", int16(models.ServiceGraphQL)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(-2900), "inv-draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_line_items").
		WithArgs(sqlmock.AnyArg(), "inv-draft", "subscription", int16(models.ServiceGraphQL), "starter",
			int64(1), int64(900), int64(900), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(900), "inv-draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	engine := newEngine()
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	var result *ChangeResult
	err = locker.WithCustomerLock(context.Background(), customerID, "tier_downgrade", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = engine.ScheduleTierDowngrade(context.Background(), tx, token, clk, models.ServiceGraphQL, models.TierStarter)
		return err
	})
	if err != nil {
		t.Fatalf("ScheduleTierDowngrade: %v", err)
	}

	if result.Tier != models.TierPro {
		t.Errorf("tier = %s, want pro until the boundary", result.Tier)
	}
	if result.Scheduled == nil || *result.Scheduled != models.TierStarter {
		t.Errorf("scheduled = %v, want starter", result.Scheduled)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// Cancelling a never-paid service disables it immediately; there is no paid
// period to run out.
func TestCancellationImmediateWhenNeverPaid(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-5"
	clk := clock.Fixed{T: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	now := clk.Now()
	boundary := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, customer_id, service_type, tier, state").
		WithArgs(customerID, int16(models.ServiceRPC)).
		WillReturnRows(instanceRows().AddRow(
			"svc-1", customerID, int16(models.ServiceRPC), "starter", "enabled", nil,
			nil, "inv-unpaid", false, nil, now, now))
	mock.ExpectExec(`UPDATE service_instances\s+SET tier = 'free', state = 'disabled'`).
		WithArgs(customerID, int16(models.ServiceRPC)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Free tier prices at zero, so the draft line is simply removed.
	mock.ExpectQuery("SELECT id, customer_id, billing_period_start").
		WithArgs(customerID).
		WillReturnRows(invoiceRow("inv-draft", customerID, "draft", 900, 0, boundary))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(amount_usd_cents\), 0\)`).
		WithArgs("inv-draft", "subscription", int16(models.ServiceRPC)).
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(900)))
	mock.ExpectExec("DELETE FROM invoice_line_items").
		WithArgs("inv-draft", "subscription", int16(models.ServiceRPC)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(-900), "inv-draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	engine := newEngine()
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	var result *ChangeResult
	err = locker.WithCustomerLock(context.Background(), customerID, "cancel_service", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = engine.ScheduleCancellation(context.Background(), tx, token, clk, models.ServiceRPC)
		return err
	})
	if err != nil {
		t.Fatalf("ScheduleCancellation: %v", err)
	}

	if result.Tier != models.TierFree || result.Scheduled != nil {
		t.Errorf("result = %+v, want immediate move to free", result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUndoCancellationRequiresPendingCancellation(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-6"
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	expectLock(mock, customerID)
	// Scheduled change is a downgrade, not a cancellation.
	mock.ExpectQuery("SELECT id, customer_id, service_type, tier, state").
		WithArgs(customerID, int16(models.ServiceRPC)).
		WillReturnRows(instanceRows().AddRow(
			"svc-1", customerID, int16(models.ServiceRPC), "pro", "enabled", "starter",
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), nil, true, nil, now, now))
	mock.ExpectRollback()

	engine := newEngine()
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	err = locker.WithCustomerLock(context.Background(), customerID, "undo_cancellation", func(tx *sql.Tx, token locks.Token) error {
		_, err := engine.UndoCancellation(context.Background(), tx, token, clock.Fixed{T: now}, models.ServiceRPC)
		return err
	})
	if be, ok := models.AsBillingError(err); !ok || be.Code != models.ErrCodeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
