package credits

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
)

// expectLock queues the transaction and advisory-lock expectations that
// locks.WithCustomerLock issues before the operation body runs.
func expectLock(mock sqlmock.Sqlmock, customerID string) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestApplyCreditsExpiryOrderAndPartialConsumption(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	customerID := "cust-1"
	invoiceID := "inv-1"

	expectLock(mock, customerID)

	// Two credits: 3000 expiring first, 5000 non-expiring. Amount due 4500
	// consumes the first fully, the second partially.
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}).
			AddRow("credit-expiring", int64(3000)).
			AddRow("credit-open", int64(5000)))

	mock.ExpectExec("UPDATE customer_credits").
		WithArgs(int64(3000), "credit-expiring").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), invoiceID, "credit", "credit-expiring", int64(3000)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE customer_credits").
		WithArgs(int64(1500), "credit-open").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), invoiceID, "credit", "credit-open", int64(1500)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(4500), invoiceID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ledger := NewLedger(logging.NewLogger())
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	var app *Application
	err = locker.WithCustomerLock(context.Background(), customerID, "test_apply", func(tx *sql.Tx, token locks.Token) error {
		app, err = ledger.ApplyCreditsToInvoice(context.Background(), tx, token, clk, invoiceID, 4500)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyCreditsToInvoice: %v", err)
	}

	if app.TotalAppliedCents != 4500 {
		t.Errorf("TotalAppliedCents = %d, want 4500", app.TotalAppliedCents)
	}
	if app.RemainingInvoiceCents != 0 {
		t.Errorf("RemainingInvoiceCents = %d, want 0", app.RemainingInvoiceCents)
	}
	if len(app.Applied) != 2 {
		t.Fatalf("Applied = %d entries, want 2", len(app.Applied))
	}
	if app.Applied[0].CreditID != "credit-expiring" || app.Applied[0].AmountCents != 3000 {
		t.Errorf("first applied = %+v, want credit-expiring/3000", app.Applied[0])
	}
	if app.Applied[1].CreditID != "credit-open" || app.Applied[1].AmountCents != 1500 {
		t.Errorf("second applied = %+v, want credit-open/1500", app.Applied[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyCreditsNoCreditsLeavesInvoiceUntouched(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	customerID := "cust-2"

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}))
	mock.ExpectCommit()

	ledger := NewLedger(logging.NewLogger())
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	err = locker.WithCustomerLock(context.Background(), customerID, "test_apply", func(tx *sql.Tx, token locks.Token) error {
		app, err := ledger.ApplyCreditsToInvoice(context.Background(), tx, token, clk, "inv-2", 9900)
		if err != nil {
			return err
		}
		if app.TotalAppliedCents != 0 || app.RemainingInvoiceCents != 9900 || len(app.Applied) != 0 {
			t.Errorf("application = %+v, want none applied and 9900 remaining", app)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ApplyCreditsToInvoice: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestApplyCreditsZeroDueIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-3"
	expectLock(mock, customerID)
	mock.ExpectCommit()

	ledger := NewLedger(logging.NewLogger())
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	err = locker.WithCustomerLock(context.Background(), customerID, "test_apply", func(tx *sql.Tx, token locks.Token) error {
		app, err := ledger.ApplyCreditsToInvoice(context.Background(), tx, token, clock.Fixed{T: time.Now()}, "inv-3", 0)
		if err != nil {
			return err
		}
		if app.TotalAppliedCents != 0 || app.RemainingInvoiceCents != 0 {
			t.Errorf("application = %+v, want empty", app)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ApplyCreditsToInvoice: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestGrantRejectsNonPositiveAmount(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-4"
	expectLock(mock, customerID)
	mock.ExpectRollback()

	ledger := NewLedger(logging.NewLogger())
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)

	err = locker.WithCustomerLock(context.Background(), customerID, "test_grant", func(tx *sql.Tx, token locks.Token) error {
		_, err := ledger.Grant(context.Background(), tx, token, 0, nil, "promo")
		return err
	})
	if err == nil {
		t.Fatal("Grant accepted a zero amount")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
