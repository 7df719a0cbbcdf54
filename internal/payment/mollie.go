package payment

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/VictorAvelar/mollie-api-go/v4/mollie"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/logging"
)

// MollieConfig for creating a MollieProvider.
type MollieConfig struct {
	APIKey string // MOLLIE_API_KEY (live_xxx or test_xxx)
	Logger logging.Logger
}

// MollieProvider charges established SEPA/card mandates as recurring
// payments.
type MollieProvider struct {
	client *mollie.Client
	logger logging.Logger
}

// NewMollieProvider creates the mollie variant. A missing API key yields a
// provider that reports itself unconfigured rather than an error.
func NewMollieProvider(config MollieConfig) (*MollieProvider, error) {
	p := &MollieProvider{logger: config.Logger}
	if config.APIKey == "" {
		return p, nil
	}

	mollieConfig := mollie.NewAPITestingConfig(true)
	if len(config.APIKey) > 5 && config.APIKey[:5] == "live_" {
		mollieConfig = mollie.NewAPIConfig(true)
	}

	client, err := mollie.NewClient(nil, mollieConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Mollie client: %w", err)
	}
	if err := client.WithAuthenticationValue(config.APIKey); err != nil {
		return nil, fmt.Errorf("failed to set Mollie API key: %w", err)
	}

	p.client = client
	return p, nil
}

func (p *MollieProvider) Name() models.PaymentSource { return models.SourceMollie }

func (p *MollieProvider) IsConfigured(ctx context.Context, tx *sql.Tx, customerID string) bool {
	if p.client == nil {
		return false
	}
	method, err := p.loadMethod(ctx, tx, customerID)
	return err == nil && method != nil
}

func (p *MollieProvider) CanPay(ctx context.Context, tx *sql.Tx, customerID string, amountCents int64) (bool, error) {
	if p.client == nil {
		return false, nil
	}
	method, err := p.loadMethod(ctx, tx, customerID)
	if err != nil {
		return false, err
	}
	return method != nil, nil
}

// Charge creates a recurring payment against the customer's mandate. SEPA
// Direct Debit settles asynchronously, so a pending payment counts as
// success here; reversals arrive later via webhook.
func (p *MollieProvider) Charge(ctx context.Context, tx *sql.Tx, token locks.Token, params ChargeParams) (ChargeResult, error) {
	method, err := p.loadMethod(ctx, tx, token.CustomerID())
	if err != nil {
		return ChargeResult{}, err
	}
	if method == nil {
		return ChargeResult{ErrorCode: models.ErrCodeValidation, ErrorMessage: "no mandate on file"}, nil
	}

	paymentParams := mollie.CreatePayment{
		Amount: &mollie.Amount{
			Value:    fmt.Sprintf("%d.%02d", params.AmountCents/100, params.AmountCents%100),
			Currency: "USD",
		},
		Description: params.Description,
		Metadata: map[string]interface{}{
			"customer_id": token.CustomerID(),
			"invoice_id":  params.InvoiceID,
		},
		CreateRecurrentPaymentFields: mollie.CreateRecurrentPaymentFields{
			SequenceType: mollie.RecurringSequence,
			MandateID:    *method.ProviderMethodID,
		},
	}

	_, payment, err := p.client.Customers.CreatePayment(ctx, *method.ProviderCustomerID, paymentParams)
	if err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"customer_id": token.CustomerID(),
			"invoice_id":  params.InvoiceID,
		}).Warn("Mollie charge failed")
		return ChargeResult{
			ErrorCode:    models.ErrCodePaymentFailed,
			ErrorMessage: err.Error(),
			Retryable:    true,
		}, nil
	}

	if mandatePaymentAccepted(payment.Status) {
		p.logger.WithFields(logging.Fields{
			"customer_id":  token.CustomerID(),
			"invoice_id":   params.InvoiceID,
			"payment_id":   payment.ID,
			"status":       payment.Status,
			"amount_cents": params.AmountCents,
		}).Info("Mollie charge accepted")
		return ChargeResult{Success: true, ReferenceID: payment.ID}, nil
	}
	return ChargeResult{
		ErrorCode:    models.ErrCodePaymentFailed,
		ErrorMessage: fmt.Sprintf("mandate payment ended in status %s", payment.Status),
		Retryable:    false,
	}, nil
}

// mandatePaymentAccepted reports whether a payment status counts as
// collected. SEPA Direct Debit settles asynchronously, so pending is
// accepted too; a later reversal arrives via webhook.
func mandatePaymentAccepted(status string) bool {
	switch status {
	case "paid", "authorized", "pending":
		return true
	}
	return false
}

func (p *MollieProvider) GetInfo(ctx context.Context, tx *sql.Tx, customerID string) (*MethodInfo, error) {
	method, err := p.loadMethod(ctx, tx, customerID)
	if err != nil || method == nil {
		return nil, err
	}
	return &MethodInfo{
		Provider:    models.SourceMollie,
		DisplayName: "Direct debit (Mollie)",
	}, nil
}

func (p *MollieProvider) loadMethod(ctx context.Context, tx *sql.Tx, customerID string) (*models.PaymentMethod, error) {
	var m models.PaymentMethod
	err := tx.QueryRowContext(ctx, `
		SELECT id, customer_id, provider, priority, provider_customer_id, provider_method_id, status
		FROM customer_payment_methods
		WHERE customer_id = $1 AND provider = 'mollie' AND status = 'active'
	`, customerID).Scan(&m.ID, &m.CustomerID, &m.Provider, &m.Priority, &m.ProviderCustomerID, &m.ProviderMethodID, &m.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load mollie method: %w", err)
	}
	if m.ProviderCustomerID == nil || m.ProviderMethodID == nil {
		return nil, nil
	}
	return &m, nil
}
