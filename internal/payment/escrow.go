package payment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/internal/sui"
	"suiftly/api_billing/pkg/logging"
)

var centsPerDollar = decimal.NewFromInt(100)

// EscrowProvider settles invoices from the customer's on-chain Sui escrow
// account via the escrow gateway. It is the only provider that writes rows
// during Charge: the escrow_transactions mirror is appended before the
// invoice payment so chain reconciliation never sees a payment without its
// on-chain counterpart.
type EscrowProvider struct {
	gateway sui.Service
	logger  logging.Logger
}

// NewEscrowProvider creates the escrow variant.
func NewEscrowProvider(gateway sui.Service, logger logging.Logger) *EscrowProvider {
	return &EscrowProvider{gateway: gateway, logger: logger}
}

func (p *EscrowProvider) Name() models.PaymentSource { return models.SourceEscrow }

func (p *EscrowProvider) IsConfigured(ctx context.Context, tx *sql.Tx, customerID string) bool {
	if p.gateway == nil {
		return false
	}
	var escrowID sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT escrow_account_id FROM customers WHERE id = $1`, customerID).Scan(&escrowID)
	return err == nil && escrowID.Valid && escrowID.String != ""
}

// CanPay checks the cached balance and the per-period spending limit. The
// cached balance may lag the chain; the gateway is the authority and a stale
// read only costs one failed charge attempt.
func (p *EscrowProvider) CanPay(ctx context.Context, tx *sql.Tx, customerID string, amountCents int64) (bool, error) {
	var balanceCents int64
	var limitCents sql.NullInt64
	err := tx.QueryRowContext(ctx, `
		SELECT balance_usd_cents, spending_limit_usd_cents
		FROM customers WHERE id = $1
	`, customerID).Scan(&balanceCents, &limitCents)
	if err != nil {
		return false, fmt.Errorf("failed to load customer balance: %w", err)
	}

	if balanceCents < amountCents {
		return false, nil
	}

	if limitCents.Valid {
		var spentCents int64
		err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(ip.amount_usd_cents), 0)
			FROM invoice_payments ip
			JOIN billing_records br ON br.id = ip.invoice_id
			WHERE br.customer_id = $1
			  AND ip.source_type = 'escrow'
			  AND ip.created_at >= date_trunc('month', NOW())
		`, customerID).Scan(&spentCents)
		if err != nil {
			return false, fmt.Errorf("failed to compute period escrow spend: %w", err)
		}
		if spentCents+amountCents > limitCents.Int64 {
			return false, nil
		}
	}

	return true, nil
}

// Charge debits the on-chain escrow and mirrors the transaction locally. A
// gateway failure writes nothing; the cached balance is only updated from
// the gateway's post-charge balance, never computed locally. A database
// failure after the gateway debit succeeded returns a hard error so the
// transaction aborts instead of the chain collecting the amount a second
// time from another method.
func (p *EscrowProvider) Charge(ctx context.Context, tx *sql.Tx, token locks.Token, params ChargeParams) (ChargeResult, error) {
	var escrowID sql.NullString
	if err := tx.QueryRowContext(ctx,
		`SELECT escrow_account_id FROM customers WHERE id = $1`, token.CustomerID()).Scan(&escrowID); err != nil {
		return ChargeResult{}, fmt.Errorf("failed to load escrow account: %w", err)
	}
	if !escrowID.Valid || escrowID.String == "" {
		return ChargeResult{ErrorCode: models.ErrCodeValidation, ErrorMessage: "customer has no escrow account"}, nil
	}

	amountUsd := decimal.NewFromInt(params.AmountCents).Div(centsPerDollar)
	result, err := p.gateway.Charge(ctx, escrowID.String, amountUsd, params.Description)
	if err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"customer_id": token.CustomerID(),
			"invoice_id":  params.InvoiceID,
		}).Warn("Escrow charge failed")
		return ChargeResult{
			ErrorCode:    models.ErrCodeInsufficientBalance,
			ErrorMessage: err.Error(),
			Retryable:    true,
		}, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (id, customer_id, kind, amount_usd, tx_digest, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), token.CustomerID(), models.EscrowCharge, amountUsd, result.TxDigest); err != nil {
		return ChargeResult{}, fmt.Errorf("failed to mirror escrow charge %s: %w", result.TxDigest, err)
	}

	newBalanceCents := result.NewBalanceUsd.Mul(centsPerDollar).IntPart()
	if _, err := tx.ExecContext(ctx, `
		UPDATE customers SET balance_usd_cents = $1, updated_at = NOW() WHERE id = $2
	`, newBalanceCents, token.CustomerID()); err != nil {
		return ChargeResult{}, fmt.Errorf("failed to refresh cached escrow balance: %w", err)
	}

	return ChargeResult{
		Success:     true,
		ReferenceID: result.TxDigest,
		TxDigest:    result.TxDigest,
	}, nil
}

func (p *EscrowProvider) GetInfo(ctx context.Context, tx *sql.Tx, customerID string) (*MethodInfo, error) {
	var escrowID sql.NullString
	var balanceCents int64
	err := tx.QueryRowContext(ctx, `
		SELECT escrow_account_id, balance_usd_cents FROM customers WHERE id = $1
	`, customerID).Scan(&escrowID, &balanceCents)
	if err != nil {
		return nil, fmt.Errorf("failed to load escrow info: %w", err)
	}
	if !escrowID.Valid || escrowID.String == "" {
		return nil, nil
	}
	return &MethodInfo{
		Provider:    models.SourceEscrow,
		DisplayName: "Sui escrow",
		Detail:      fmt.Sprintf("balance $%.2f", float64(balanceCents)/100),
	}, nil
}
