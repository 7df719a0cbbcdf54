package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/paymentintent"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/logging"
)

// StripeConfig for creating a StripeProvider.
type StripeConfig struct {
	SecretKey   string // STRIPE_SECRET_KEY
	FrontendURL string // FRONTEND_URL, base for hosted 3DS completion pages
	Logger      logging.Logger
}

// StripeProvider charges saved cards off-session via PaymentIntents.
type StripeProvider struct {
	secretKey   string
	frontendURL string
	logger      logging.Logger
}

// NewStripeProvider creates the stripe variant.
func NewStripeProvider(config StripeConfig) *StripeProvider {
	stripe.Key = config.SecretKey
	return &StripeProvider{
		secretKey:   config.SecretKey,
		frontendURL: config.FrontendURL,
		logger:      config.Logger,
	}
}

func (p *StripeProvider) Name() models.PaymentSource { return models.SourceStripe }

func (p *StripeProvider) IsConfigured(ctx context.Context, tx *sql.Tx, customerID string) bool {
	if p.secretKey == "" {
		return false
	}
	method, err := p.loadMethod(ctx, tx, customerID)
	return err == nil && method != nil
}

// CanPay only verifies a usable saved card exists; actual authorization
// happens at charge time.
func (p *StripeProvider) CanPay(ctx context.Context, tx *sql.Tx, customerID string, amountCents int64) (bool, error) {
	if p.secretKey == "" {
		return false, nil
	}
	method, err := p.loadMethod(ctx, tx, customerID)
	if err != nil {
		return false, err
	}
	return method != nil, nil
}

// Charge confirms an off-session PaymentIntent against the saved card.
// A 3-D-Secure demand surfaces as a failed charge carrying the hosted
// completion URL; the customer finishes authentication in the browser.
func (p *StripeProvider) Charge(ctx context.Context, tx *sql.Tx, token locks.Token, params ChargeParams) (ChargeResult, error) {
	method, err := p.loadMethod(ctx, tx, token.CustomerID())
	if err != nil {
		return ChargeResult{}, err
	}
	if method == nil {
		return ChargeResult{ErrorCode: models.ErrCodeValidation, ErrorMessage: "no saved card on file"}, nil
	}

	intentParams := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(params.AmountCents),
		Currency:      stripe.String(string(stripe.CurrencyUSD)),
		Customer:      stripe.String(*method.ProviderCustomerID),
		PaymentMethod: stripe.String(*method.ProviderMethodID),
		Description:   stripe.String(params.Description),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Metadata: map[string]string{
			"customer_id": token.CustomerID(),
			"invoice_id":  params.InvoiceID,
		},
	}

	intent, err := paymentintent.New(intentParams)
	if err != nil {
		return p.classifyError(token.CustomerID(), params.InvoiceID, err), nil
	}

	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		return ChargeResult{
			ErrorCode:    models.ErrCodePaymentFailed,
			ErrorMessage: fmt.Sprintf("payment intent ended in status %s", intent.Status),
			Retryable:    true,
		}, nil
	}

	p.logger.WithFields(logging.Fields{
		"customer_id":  token.CustomerID(),
		"invoice_id":   params.InvoiceID,
		"intent_id":    intent.ID,
		"amount_cents": params.AmountCents,
	}).Info("Stripe charge succeeded")

	return ChargeResult{Success: true, ReferenceID: intent.ID}, nil
}

func (p *StripeProvider) classifyError(customerID, invoiceID string, err error) ChargeResult {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return ChargeResult{ErrorCode: models.ErrCodePaymentFailed, ErrorMessage: err.Error(), Retryable: true}
	}

	p.logger.WithFields(logging.Fields{
		"customer_id":  customerID,
		"invoice_id":   invoiceID,
		"stripe_code":  stripeErr.Code,
		"decline_code": stripeErr.DeclineCode,
	}).Warn("Stripe charge failed")

	switch stripeErr.Code {
	case stripe.ErrorCodeAuthenticationRequired:
		result := ChargeResult{
			ErrorCode:    models.ErrCodeRequiresAction,
			ErrorMessage: "card requires customer authentication",
			Retryable:    false,
		}
		if stripeErr.PaymentIntent != nil {
			result.HostedActionURL = fmt.Sprintf("%s/payment/stripe?client_secret=%s",
				p.frontendURL, stripeErr.PaymentIntent.ClientSecret)
		}
		return result
	case stripe.ErrorCodeCardDeclined:
		// Declines do not resolve on retry without customer action.
		return ChargeResult{
			ErrorCode:    models.ErrCodeCardDeclined,
			ErrorMessage: fmt.Sprintf("card declined: %s", stripeErr.DeclineCode),
			Retryable:    false,
		}
	case stripe.ErrorCodeExpiredCard:
		return ChargeResult{
			ErrorCode:    models.ErrCodeCardDeclined,
			ErrorMessage: "card expired",
			Retryable:    false,
		}
	default:
		return ChargeResult{
			ErrorCode:    models.ErrCodePaymentFailed,
			ErrorMessage: stripeErr.Msg,
			Retryable:    true,
		}
	}
}

func (p *StripeProvider) GetInfo(ctx context.Context, tx *sql.Tx, customerID string) (*MethodInfo, error) {
	method, err := p.loadMethod(ctx, tx, customerID)
	if err != nil || method == nil {
		return nil, err
	}
	return &MethodInfo{
		Provider:    models.SourceStripe,
		DisplayName: "Card (Stripe)",
	}, nil
}

// loadMethod returns the customer's active stripe method with both provider
// ids present, or nil.
func (p *StripeProvider) loadMethod(ctx context.Context, tx *sql.Tx, customerID string) (*models.PaymentMethod, error) {
	var m models.PaymentMethod
	err := tx.QueryRowContext(ctx, `
		SELECT id, customer_id, provider, priority, provider_customer_id, provider_method_id, status
		FROM customer_payment_methods
		WHERE customer_id = $1 AND provider = 'stripe' AND status = 'active'
	`, customerID).Scan(&m.ID, &m.CustomerID, &m.Provider, &m.Priority, &m.ProviderCustomerID, &m.ProviderMethodID, &m.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stripe method: %w", err)
	}
	if m.ProviderCustomerID == nil || m.ProviderMethodID == nil {
		return nil, nil
	}
	return &m, nil
}
