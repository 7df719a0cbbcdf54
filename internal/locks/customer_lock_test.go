package locks

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/logging"
)

type recordingNotifier struct {
	customerID string
	operation  string
	waited     time.Duration
	calls      int
}

func (n *recordingNotifier) NotifyLockTimeout(customerID, operation string, waited time.Duration) {
	n.customerID = customerID
	n.operation = operation
	n.waited = waited
	n.calls++
}

func TestWithCustomerLockCommitsAndMintsToken(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("cust-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	locker := NewLocker(db, logging.NewLogger(), Config{}, nil)

	var got Token
	err = locker.WithCustomerLock(context.Background(), "cust-1", "test_op", func(tx *sql.Tx, token Token) error {
		got = token
		return nil
	})
	if err != nil {
		t.Fatalf("WithCustomerLock: %v", err)
	}
	if got.CustomerID() != "cust-1" {
		t.Errorf("token customer = %q, want cust-1", got.CustomerID())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithCustomerLockTimeoutReturnsBusy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("cust-2").
		WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
	mock.ExpectRollback()

	notifier := &recordingNotifier{}
	locker := NewLocker(db, logging.NewLogger(), Config{WaitTimeout: 50 * time.Millisecond}, notifier)

	err = locker.WithCustomerLock(context.Background(), "cust-2", "billing_run", func(tx *sql.Tx, token Token) error {
		t.Fatal("fn must not run when the lock is not acquired")
		return nil
	})
	if !errors.Is(err, models.ErrCustomerBusy) {
		t.Fatalf("err = %v, want ErrCustomerBusy", err)
	}
	if !models.IsRetryable(err) {
		t.Error("ErrCustomerBusy must be retryable")
	}
	if notifier.calls != 1 || notifier.customerID != "cust-2" || notifier.operation != "billing_run" {
		t.Errorf("notifier = %+v, want one call for cust-2/billing_run", notifier)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithCustomerLockRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("cust-3").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	locker := NewLocker(db, logging.NewLogger(), Config{}, nil)

	opErr := errors.New("boom")
	err = locker.WithCustomerLock(context.Background(), "cust-3", "test_op", func(tx *sql.Tx, token Token) error {
		return opErr
	})
	if !errors.Is(err, opErr) {
		t.Fatalf("err = %v, want the fn error", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithCustomerLockRejectsEmptyCustomer(t *testing.T) {
	db, _, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	locker := NewLocker(db, logging.NewLogger(), Config{}, nil)
	err = locker.WithCustomerLock(context.Background(), "", "test_op", func(tx *sql.Tx, token Token) error {
		return nil
	})
	if be, ok := models.AsBillingError(err); !ok || be.Code != models.ErrCodeValidation {
		t.Fatalf("err = %v, want validation error", err)
	}
}
