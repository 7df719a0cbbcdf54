package payment

import (
	"context"
	"database/sql"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
)

// PayPalProvider is a placeholder for the planned PayPal integration. It
// registers the variant name so stored payment methods referencing paypal
// are recognized, but it never reports itself usable.
//
// TODO: implement once the PayPal billing-agreement flow is approved.
type PayPalProvider struct{}

// NewPayPalProvider creates the paypal stub.
func NewPayPalProvider() *PayPalProvider { return &PayPalProvider{} }

func (p *PayPalProvider) Name() models.PaymentSource { return models.SourcePayPal }

func (p *PayPalProvider) IsConfigured(ctx context.Context, tx *sql.Tx, customerID string) bool {
	return false
}

func (p *PayPalProvider) CanPay(ctx context.Context, tx *sql.Tx, customerID string, amountCents int64) (bool, error) {
	return false, nil
}

func (p *PayPalProvider) Charge(ctx context.Context, tx *sql.Tx, token locks.Token, params ChargeParams) (ChargeResult, error) {
	return ChargeResult{
		ErrorCode:    models.ErrCodeValidation,
		ErrorMessage: "paypal is not yet supported",
	}, nil
}

func (p *PayPalProvider) GetInfo(ctx context.Context, tx *sql.Tx, customerID string) (*MethodInfo, error) {
	return nil, nil
}
