package payment

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"suiftly/api_billing/internal/credits"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
)

// fakeProvider scripts one charge outcome for chain tests.
type fakeProvider struct {
	name       models.PaymentSource
	configured bool
	canPay     bool
	result     ChargeResult
	chargeErr  error
	charges    int
}

func (f *fakeProvider) Name() models.PaymentSource { return f.name }

func (f *fakeProvider) IsConfigured(ctx context.Context, tx *sql.Tx, customerID string) bool {
	return f.configured
}

func (f *fakeProvider) CanPay(ctx context.Context, tx *sql.Tx, customerID string, amountCents int64) (bool, error) {
	return f.canPay, nil
}

func (f *fakeProvider) Charge(ctx context.Context, tx *sql.Tx, token locks.Token, params ChargeParams) (ChargeResult, error) {
	f.charges++
	return f.result, f.chargeErr
}

func (f *fakeProvider) GetInfo(ctx context.Context, tx *sql.Tx, customerID string) (*MethodInfo, error) {
	return nil, nil
}

func expectLock(mock sqlmock.Sqlmock, customerID string) {
	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs(customerID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func settleUnderLock(t *testing.T, db *sql.DB, chain *Chain, clk clock.Clock, customerID string, invoice *models.BillingRecord, opts SettleOpts) (*SettlementResult, error) {
	t.Helper()
	var result *SettlementResult
	locker := locks.NewLocker(db, logging.NewLogger(), locks.Config{}, nil)
	err := locker.WithCustomerLock(context.Background(), customerID, "settle_test", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = chain.Settle(context.Background(), tx, token, clk, invoice, opts)
		return err
	})
	return result, err
}

// A $200 invoice with a $50 credit: the credit is consumed first and the
// provider is asked only for the remainder.
func TestSettleSplitsAcrossCreditAndProvider(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-1"
	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	invoice := &models.BillingRecord{ID: "inv-1", CustomerID: customerID, AmountUsdCents: 20000, Status: models.InvoicePending}

	escrow := &fakeProvider{
		name:       models.SourceEscrow,
		configured: true,
		canPay:     true,
		result:     ChargeResult{Success: true, ReferenceID: "0xESCROWTX", TxDigest: "0xESCROWTX"},
	}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), escrow)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}).
			AddRow("credit-1", int64(5000)))
	mock.ExpectExec("UPDATE customer_credits").
		WithArgs(int64(5000), "credit-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), invoice.ID, "credit", "credit-1", int64(5000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(5000), invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery("SELECT provider").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("escrow"))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), invoice.ID, "escrow", "0xESCROWTX", int64(15000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(15000), invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'paid'`).
		WithArgs("0xESCROWTX", invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := settleUnderLock(t, db, chain, clk, customerID, invoice, SettleOpts{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Status != models.InvoicePaid {
		t.Errorf("status = %s, want paid", result.Status)
	}
	if result.PaidCents != 20000 {
		t.Errorf("PaidCents = %d, want 20000", result.PaidCents)
	}
	if len(result.Breakdown) != 2 {
		t.Fatalf("breakdown = %d entries, want 2", len(result.Breakdown))
	}
	if result.Breakdown[0].Source != models.SourceCredit || result.Breakdown[0].AmountCents != 5000 {
		t.Errorf("first component = %+v, want credit/5000", result.Breakdown[0])
	}
	if result.Breakdown[1].Source != models.SourceEscrow || result.Breakdown[1].AmountCents != 15000 {
		t.Errorf("second component = %+v, want escrow/15000", result.Breakdown[1])
	}
	if escrow.charges != 1 {
		t.Errorf("escrow charged %d times, want 1", escrow.charges)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// Escrow cannot cover the amount; the chain falls through to the next
// configured method in priority order.
func TestSettleFallsBackToNextProvider(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-2"
	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	invoice := &models.BillingRecord{ID: "inv-2", CustomerID: customerID, AmountUsdCents: 2900, Status: models.InvoicePending}

	escrow := &fakeProvider{name: models.SourceEscrow, configured: true, canPay: false}
	stripe := &fakeProvider{
		name:       models.SourceStripe,
		configured: true,
		canPay:     true,
		result:     ChargeResult{Success: true, ReferenceID: "pi_123"},
	}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), escrow, stripe)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}))
	mock.ExpectQuery("SELECT provider").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("escrow").AddRow("stripe"))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), invoice.ID, "stripe", "pi_123", int64(2900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(2900), invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'paid'`).
		WithArgs(nil, invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := settleUnderLock(t, db, chain, clk, customerID, invoice, SettleOpts{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Status != models.InvoicePaid {
		t.Errorf("status = %s, want paid", result.Status)
	}
	if escrow.charges != 0 {
		t.Errorf("ineligible escrow was charged %d times", escrow.charges)
	}
	if stripe.charges != 1 {
		t.Errorf("stripe charged %d times, want 1", stripe.charges)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// A hosted-authentication URL from a failed charge is persisted on the
// invoice and surfaced in the result; the invoice still goes failed.
func TestSettlePersistsHostedActionURL(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-3"
	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	invoice := &models.BillingRecord{ID: "inv-3", CustomerID: customerID, AmountUsdCents: 2900, Status: models.InvoicePending}

	actionURL := "https://app.suiftly.io/payment/stripe?client_secret=pi_secret"
	stripe := &fakeProvider{
		name:       models.SourceStripe,
		configured: true,
		canPay:     true,
		result: ChargeResult{
			ErrorCode:       models.ErrCodeRequiresAction,
			ErrorMessage:    "authentication required",
			HostedActionURL: actionURL,
		},
	}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), stripe)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}))
	mock.ExpectQuery("SELECT provider").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("stripe"))
	mock.ExpectExec("UPDATE billing_records\\s+SET payment_action_url").
		WithArgs(actionURL, "stripe", invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'failed'`).
		WithArgs("authentication required", false, clk.Now(), invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := settleUnderLock(t, db, chain, clk, customerID, invoice, SettleOpts{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Status != models.InvoiceFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.Retryable {
		t.Error("requires_action failure must not be retryable server-side")
	}
	if result.PaymentActionURL != actionURL {
		t.Errorf("PaymentActionURL = %q, want the hosted URL", result.PaymentActionURL)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// A server-initiated retry of an invoice parked on a hosted flow fails fast
// before touching the ledger.
func TestSettleServerRetryBlockedByPendingAuthentication(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-4"
	actionURL := "https://app.suiftly.io/payment/stripe?client_secret=pi_secret"
	actionSource := "stripe"
	invoice := &models.BillingRecord{
		ID:                  "inv-4",
		CustomerID:          customerID,
		AmountUsdCents:      2900,
		Status:              models.InvoiceFailed,
		PaymentActionURL:    &actionURL,
		PaymentActionSource: &actionSource,
	}

	stripe := &fakeProvider{name: models.SourceStripe, configured: true, canPay: true}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), stripe)

	expectLock(mock, customerID)
	mock.ExpectRollback()

	_, err = settleUnderLock(t, db, chain, clock.Fixed{T: time.Now()}, customerID, invoice, SettleOpts{ServerInitiated: true})
	if !errors.Is(err, models.ErrAuthenticationRequired) {
		t.Fatalf("err = %v, want ErrAuthenticationRequired", err)
	}
	if stripe.charges != 0 {
		t.Errorf("provider charged %d times during a blocked retry", stripe.charges)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// The same parked invoice is still payable when the customer initiates.
func TestSettleCustomerRetryAllowedDespiteActionURL(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-5"
	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	actionURL := "https://app.suiftly.io/payment/stripe?client_secret=pi_secret"
	actionSource := "stripe"
	invoice := &models.BillingRecord{
		ID:                  "inv-5",
		CustomerID:          customerID,
		AmountUsdCents:      2900,
		Status:              models.InvoiceFailed,
		PaymentActionURL:    &actionURL,
		PaymentActionSource: &actionSource,
	}

	stripe := &fakeProvider{
		name:       models.SourceStripe,
		configured: true,
		canPay:     true,
		result:     ChargeResult{Success: true, ReferenceID: "pi_456"},
	}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), stripe)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}))
	mock.ExpectQuery("SELECT provider").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("stripe"))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), invoice.ID, "stripe", "pi_456", int64(2900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(2900), invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'paid'`).
		WithArgs(nil, invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := settleUnderLock(t, db, chain, clk, customerID, invoice, SettleOpts{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Status != models.InvoicePaid {
		t.Errorf("status = %s, want paid", result.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// No method can pay: the invoice goes failed with the last provider's
// reason, and a decline is reported non-retryable.
func TestSettleDeclineMarksFailedNonRetryable(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-6"
	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	invoice := &models.BillingRecord{ID: "inv-6", CustomerID: customerID, AmountUsdCents: 900, Status: models.InvoicePending}

	stripe := &fakeProvider{
		name:       models.SourceStripe,
		configured: true,
		canPay:     true,
		result: ChargeResult{
			ErrorCode:    models.ErrCodeCardDeclined,
			ErrorMessage: "card declined",
		},
	}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), stripe)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}))
	mock.ExpectQuery("SELECT provider").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("stripe"))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'failed'`).
		WithArgs("card declined", false, clk.Now(), invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := settleUnderLock(t, db, chain, clk, customerID, invoice, SettleOpts{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Status != models.InvoiceFailed {
		t.Errorf("status = %s, want failed", result.Status)
	}
	if result.Retryable {
		t.Error("a hard decline must not be retryable")
	}
	if result.FailureReason != "card declined" {
		t.Errorf("FailureReason = %q, want the provider message", result.FailureReason)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// Credits alone can settle an invoice with no provider involved.
func TestSettleFullyFromCredits(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-7"
	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	invoice := &models.BillingRecord{ID: "inv-7", CustomerID: customerID, AmountUsdCents: 900, Status: models.InvoicePending}

	stripe := &fakeProvider{name: models.SourceStripe, configured: true, canPay: true}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), stripe)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}).
			AddRow("credit-1", int64(1500)))
	mock.ExpectExec("UPDATE customer_credits").
		WithArgs(int64(900), "credit-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO invoice_payments").
		WithArgs(sqlmock.AnyArg(), invoice.ID, "credit", "credit-1", int64(900)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE billing_records").
		WithArgs(int64(900), invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE billing_records\s+SET status = 'paid'`).
		WithArgs(nil, invoice.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := settleUnderLock(t, db, chain, clk, customerID, invoice, SettleOpts{})
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if result.Status != models.InvoicePaid || result.PaidCents != 900 {
		t.Errorf("result = %s/%d, want paid/900", result.Status, result.PaidCents)
	}
	if stripe.charges != 0 {
		t.Errorf("provider charged %d times for a credit-settled invoice", stripe.charges)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

// A database error inside a charge aborts the whole settlement instead of
// falling through to the next provider, which could collect the amount a
// second time after money already moved.
func TestSettleDatabaseErrorAbortsChain(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	customerID := "cust-8"
	clk := clock.Fixed{T: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	invoice := &models.BillingRecord{ID: "inv-8", CustomerID: customerID, AmountUsdCents: 2900, Status: models.InvoicePending}

	escrow := &fakeProvider{
		name:       models.SourceEscrow,
		configured: true,
		canPay:     true,
		chargeErr:  errors.New("failed to mirror escrow charge 0xDEAD: connection reset"),
	}
	stripe := &fakeProvider{
		name:       models.SourceStripe,
		configured: true,
		canPay:     true,
		result:     ChargeResult{Success: true, ReferenceID: "pi_999"},
	}
	chain := NewChain(credits.NewLedger(logging.NewLogger()), logging.NewLogger(), escrow, stripe)

	expectLock(mock, customerID)
	mock.ExpectQuery("SELECT id, remaining_amount_usd_cents").
		WithArgs(customerID, clk.Now()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "remaining_amount_usd_cents"}))
	mock.ExpectQuery("SELECT provider").
		WithArgs(customerID).
		WillReturnRows(sqlmock.NewRows([]string{"provider"}).AddRow("escrow").AddRow("stripe"))
	mock.ExpectRollback()

	_, err = settleUnderLock(t, db, chain, clk, customerID, invoice, SettleOpts{})
	if err == nil {
		t.Fatal("Settle returned nil for a database error during a charge")
	}
	if stripe.charges != 0 {
		t.Errorf("next provider charged %d times after a database error", stripe.charges)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
