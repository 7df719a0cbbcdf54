package handlers

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"suiftly/api_billing/internal/credits"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/internal/sui"
	"suiftly/api_billing/pkg/middleware"
)

var creditLedger *credits.Ledger

// InitPayments wires the payment-surface handlers.
func InitPayments(ledger *credits.Ledger) {
	creditLedger = ledger
}

// ListPaymentMethods returns the customer's configured providers in chain
// priority order, with display info from each provider.
func ListPaymentMethods(c middleware.Context) {
	var infos []methodEntry
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "list_payment_methods", func(tx *sql.Tx, token locks.Token) error {
		rows, err := tx.QueryContext(c.Request.Context(), `
			SELECT provider, priority, status
			FROM customer_payment_methods
			WHERE customer_id = $1
			ORDER BY priority ASC
		`, token.CustomerID())
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var entry methodEntry
			if err := rows.Scan(&entry.Provider, &entry.Priority, &entry.Status); err != nil {
				return err
			}
			if p := chain.Provider(entry.Provider); p != nil {
				info, err := p.GetInfo(c.Request.Context(), tx, token.CustomerID())
				if err != nil {
					return err
				}
				if info != nil {
					entry.DisplayName = info.DisplayName
					entry.Detail = info.Detail
				}
			}
			infos = append(infos, entry)
		}
		return rows.Err()
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"payment_methods": infos})
}

type methodEntry struct {
	Provider    models.PaymentSource `json:"provider"`
	Priority    int                  `json:"priority"`
	Status      string               `json:"status"`
	DisplayName string               `json:"display_name,omitempty"`
	Detail      string               `json:"detail,omitempty"`
}

type addMethodRequest struct {
	Provider           models.PaymentSource `json:"provider" binding:"required"`
	Priority           int                  `json:"priority"`
	ProviderCustomerID string               `json:"provider_customer_id"`
	ProviderMethodID   string               `json:"provider_method_id"`
}

// AddPaymentMethod registers or replaces a provider method for the customer.
func AddPaymentMethod(c middleware.Context) {
	var req addMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "provider is required", Code: string(models.ErrCodeValidation)})
		return
	}
	if chain.Provider(req.Provider) == nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown provider", Code: string(models.ErrCodeValidation)})
		return
	}

	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "add_payment_method", func(tx *sql.Tx, token locks.Token) error {
		_, err := tx.ExecContext(c.Request.Context(), `
			INSERT INTO customer_payment_methods (id, customer_id, provider, priority, provider_customer_id, provider_method_id, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), 'active', NOW(), NOW())
			ON CONFLICT (customer_id, provider) DO UPDATE
			SET priority = EXCLUDED.priority,
			    provider_customer_id = EXCLUDED.provider_customer_id,
			    provider_method_id = EXCLUDED.provider_method_id,
			    status = 'active', updated_at = NOW()
		`, uuid.New().String(), token.CustomerID(), string(req.Provider), req.Priority, req.ProviderCustomerID, req.ProviderMethodID)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"status": "ok"})
}

// RemovePaymentMethod deactivates a provider method.
func RemovePaymentMethod(c middleware.Context) {
	provider := models.PaymentSource(c.Param("provider"))
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "remove_payment_method", func(tx *sql.Tx, token locks.Token) error {
		_, err := tx.ExecContext(c.Request.Context(), `
			UPDATE customer_payment_methods SET status = 'inactive', updated_at = NOW()
			WHERE customer_id = $1 AND provider = $2
		`, token.CustomerID(), string(provider))
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"status": "ok"})
}

// ListCredits returns the customer's active credits.
func ListCredits(c middleware.Context) {
	out, err := creditLedger.ListActive(c.Request.Context(), db, customerID(c), clk.Now())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"credits": out})
}

type grantCreditRequest struct {
	CustomerID  string     `json:"customer_id" binding:"required"`
	AmountCents int64      `json:"amount_usd_cents" binding:"required"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Reason      string     `json:"reason"`
}

// GrantCredit issues an account credit. Service auth only.
func GrantCredit(c middleware.Context) {
	var req grantCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "customer_id and amount_usd_cents are required", Code: string(models.ErrCodeValidation)})
		return
	}

	var credit *models.CustomerCredit
	err := locker.WithCustomerLock(c.Request.Context(), req.CustomerID, "grant_credit", func(tx *sql.Tx, token locks.Token) error {
		var err error
		credit, err = creditLedger.Grant(c.Request.Context(), tx, token, req.AmountCents, req.ExpiresAt, req.Reason)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"credit": credit})
}

type escrowMoveRequest struct {
	AmountUsd decimal.Decimal `json:"amount_usd" binding:"required"`
}

// EscrowDeposit moves funds from the customer's wallet into escrow and
// mirrors the transaction.
func EscrowDeposit(c middleware.Context) {
	escrowMove(c, models.EscrowDeposit)
}

// EscrowWithdraw returns escrow funds to the customer's wallet.
func EscrowWithdraw(c middleware.Context) {
	escrowMove(c, models.EscrowWithdraw)
}

func escrowMove(c middleware.Context, kind models.EscrowTxKind) {
	var req escrowMoveRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.AmountUsd.IsPositive() {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "positive amount_usd is required", Code: string(models.ErrCodeValidation)})
		return
	}

	var txResult middleware.H
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "escrow_"+string(kind), func(tx *sql.Tx, token locks.Token) error {
		var escrowID sql.NullString
		if err := tx.QueryRowContext(c.Request.Context(),
			`SELECT escrow_account_id FROM customers WHERE id = $1`, token.CustomerID()).Scan(&escrowID); err != nil {
			return err
		}
		if !escrowID.Valid || escrowID.String == "" {
			return models.NewBillingError(models.ErrCodeValidation, false, "customer has no escrow account")
		}

		var result *sui.TxResult
		var opErr error
		switch kind {
		case models.EscrowDeposit:
			result, opErr = escrowGateway.Deposit(c.Request.Context(), escrowID.String, req.AmountUsd)
		case models.EscrowWithdraw:
			result, opErr = escrowGateway.Withdraw(c.Request.Context(), escrowID.String, req.AmountUsd)
		}
		if opErr != nil {
			return models.NewBillingError(models.ErrCodePaymentFailed, true, "escrow %s failed: %v", kind, opErr)
		}

		if _, err := tx.ExecContext(c.Request.Context(), `
			INSERT INTO escrow_transactions (id, customer_id, kind, amount_usd, tx_digest, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
		`, uuid.New().String(), token.CustomerID(), string(kind), req.AmountUsd, result.TxDigest); err != nil {
			return err
		}

		newBalanceCents := result.NewBalanceUsd.Mul(decimal.NewFromInt(100)).IntPart()
		if _, err := tx.ExecContext(c.Request.Context(), `
			UPDATE customers SET balance_usd_cents = $1, updated_at = NOW() WHERE id = $2
		`, newBalanceCents, token.CustomerID()); err != nil {
			return err
		}

		txResult = middleware.H{
			"tx_digest":       result.TxDigest,
			"new_balance_usd": result.NewBalanceUsd,
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, txResult)
}

// ListEscrowTransactions returns the customer's escrow mirror, newest first.
func ListEscrowTransactions(c middleware.Context) {
	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, customer_id, kind, amount_usd, tx_digest, created_at
		FROM escrow_transactions
		WHERE customer_id = $1
		ORDER BY created_at DESC
		LIMIT 200
	`, customerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	defer rows.Close()

	var out []models.EscrowTransaction
	for rows.Next() {
		var t models.EscrowTransaction
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.Kind, &t.AmountUsd, &t.TxDigest, &t.CreatedAt); err != nil {
			respondError(c, err)
			return
		}
		out = append(out, t)
	}
	c.JSON(http.StatusOK, middleware.H{"transactions": out})
}
