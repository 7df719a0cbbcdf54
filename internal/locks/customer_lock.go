// Package locks serializes all billing-mutating operations per customer.
//
// The lock is a Postgres transaction-scoped advisory lock: every operation
// that touches a customer's financial state runs inside one transaction that
// holds the lock for that customer id. Different customers proceed fully in
// parallel; two operations on the same customer observe a total order equal
// to lock-acquisition order.
package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/logging"
)

// Token proves the customer lock is held. Only Locker can mint one, so a
// helper that takes a Token can only ever be called from inside
// WithCustomerLock. Re-acquiring the lock from inside fn (which would
// deadlock against ourselves) is unrepresentable at call sites.
type Token struct {
	customerID string
}

// CustomerID returns the customer the token is scoped to.
func (t Token) CustomerID() string { return t.customerID }

// Config bounds lock acquisition.
type Config struct {
	// WaitTimeout is the hard ceiling on lock acquisition; exceeding it
	// surfaces models.ErrCustomerBusy.
	WaitTimeout time.Duration
	// WarnThreshold triggers a capacity-monitoring log line on slow but
	// successful acquisitions. It does not fail the call.
	WarnThreshold time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		WaitTimeout:   10 * time.Second,
		WarnThreshold: 2 * time.Second,
	}
}

// TimeoutNotifier receives lock-timeout events for the operational
// notifications channel. Sustained contention is a capacity problem, not a
// user error, so timeouts are reported beyond the caller's error return.
type TimeoutNotifier interface {
	NotifyLockTimeout(customerID, operation string, waited time.Duration)
}

// Locker acquires per-customer advisory locks.
type Locker struct {
	db       *sql.DB
	logger   logging.Logger
	cfg      Config
	notifier TimeoutNotifier

	acquisitions *prometheus.CounterVec
	waitSeconds  *prometheus.HistogramVec
}

// NewLocker creates a Locker. notifier may be nil; metrics may be nil.
func NewLocker(db *sql.DB, logger logging.Logger, cfg Config, notifier TimeoutNotifier) *Locker {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultConfig().WaitTimeout
	}
	if cfg.WarnThreshold <= 0 {
		cfg.WarnThreshold = DefaultConfig().WarnThreshold
	}
	return &Locker{
		db:       db,
		logger:   logger,
		cfg:      cfg,
		notifier: notifier,
	}
}

// SetMetrics wires Prometheus collectors for lock observability.
func (l *Locker) SetMetrics(acquisitions *prometheus.CounterVec, waitSeconds *prometheus.HistogramVec) {
	l.acquisitions = acquisitions
	l.waitSeconds = waitSeconds
}

// lockNotAvailable is the Postgres SQLSTATE raised when lock_timeout expires.
const lockNotAvailable = "55P03"

// WithCustomerLock opens a transaction, acquires the advisory lock for
// customerID with a bounded wait, runs fn, and commits on success or rolls
// back on error. The advisory lock is transaction-scoped and releases
// automatically either way.
//
// fn must do all customer-mutating work through the supplied tx and pass the
// Token to any helper that requires the lock. Once fn starts it runs to
// completion; there is no mid-operation cancellation, so the ledger is never
// left partially settled.
func (l *Locker) WithCustomerLock(ctx context.Context, customerID, operation string, fn func(tx *sql.Tx, token Token) error) error {
	if customerID == "" {
		return models.NewBillingError(models.ErrCodeValidation, false, "customer id required")
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	start := time.Now()
	if err := l.acquire(ctx, tx, customerID); err != nil {
		_ = tx.Rollback()
		waited := time.Since(start)

		if isLockTimeout(err) {
			l.observe(operation, "timeout", waited)
			l.logger.WithFields(logging.Fields{
				"customer_id": customerID,
				"operation":   operation,
				"waited":      waited,
			}).Warn("Customer lock acquisition timed out")
			if l.notifier != nil {
				l.notifier.NotifyLockTimeout(customerID, operation, waited)
			}
			return models.ErrCustomerBusy
		}

		l.observe(operation, "error", waited)
		return fmt.Errorf("failed to acquire customer lock: %w", err)
	}

	waited := time.Since(start)
	l.observe(operation, "acquired", waited)
	if waited >= l.cfg.WarnThreshold {
		// Slow but successful: log for capacity monitoring, do not fail.
		l.logger.WithFields(logging.Fields{
			"customer_id": customerID,
			"operation":   operation,
			"waited":      waited,
		}).Warn("Customer lock acquisition was slow")
	}

	if err := fn(tx, Token{customerID: customerID}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			l.logger.WithError(rbErr).WithFields(logging.Fields{
				"customer_id": customerID,
				"operation":   operation,
			}).Error("Rollback failed after operation error")
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s for customer %s: %w", operation, customerID, err)
	}
	return nil
}

// acquire sets the session wait ceiling and takes the advisory lock.
func (l *Locker) acquire(ctx context.Context, tx *sql.Tx, customerID string) error {
	timeoutMs := int(l.cfg.WaitTimeout / time.Millisecond)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", timeoutMs)); err != nil {
		return fmt.Errorf("failed to set lock_timeout: %w", err)
	}

	// hashtextextended folds the customer id into the bigint advisory key
	// space; the 'customer:' prefix namespaces it away from other lock users.
	_, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('customer:' || $1::text, 0))`, customerID)
	return err
}

func (l *Locker) observe(operation, outcome string, waited time.Duration) {
	if l.acquisitions != nil {
		l.acquisitions.WithLabelValues(operation, outcome).Inc()
	}
	if l.waitSeconds != nil {
		l.waitSeconds.WithLabelValues(operation).Observe(waited.Seconds())
	}
}

func isLockTimeout(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == lockNotAvailable
	}
	return false
}
