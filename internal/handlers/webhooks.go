package handlers

import (
	"database/sql"
	"encoding/json"
	"io"
	"net/http"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/pkg/config"
	"suiftly/api_billing/pkg/logging"
	"suiftly/api_billing/pkg/middleware"
)

// StripeWebhook confirms out-of-band settlements: when a customer completes
// 3-D-Secure on the hosted page, the resulting payment_intent.succeeded
// event marks the invoice paid and releases the parked services. The
// (source, reference) uniqueness on invoice_payments makes redelivery a
// no-op.
func StripeWebhook(c middleware.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read payload"})
		return
	}

	secret := config.GetEnv("STRIPE_WEBHOOK_SECRET", "")
	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), secret)
	if err != nil {
		logger.WithError(err).Warn("Stripe webhook signature verification failed")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid signature"})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		handleIntentSucceeded(c, event)
	case "payment_intent.payment_failed":
		handleIntentFailed(c, event)
	default:
		c.JSON(http.StatusOK, middleware.H{"status": "ignored"})
	}
}

func intentFromEvent(event stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func handleIntentSucceeded(c middleware.Context, event stripe.Event) {
	intent, err := intentFromEvent(event)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed payment intent"})
		return
	}

	custID := intent.Metadata["customer_id"]
	invoiceID := intent.Metadata["invoice_id"]
	if custID == "" || invoiceID == "" {
		// Not one of ours; acknowledge so Stripe stops redelivering.
		c.JSON(http.StatusOK, middleware.H{"status": "ignored"})
		return
	}

	err = locker.WithCustomerLock(c.Request.Context(), custID, "stripe_webhook_settle", func(tx *sql.Tx, token locks.Token) error {
		return invoiceEngine.MarkPaidExternally(c.Request.Context(), tx, token, clk, invoiceID, models.SourceStripe, intent.ID)
	})
	if err != nil {
		// Non-2xx makes Stripe retry, which is what we want for a busy lock.
		respondError(c, err)
		return
	}

	logger.WithFields(logging.Fields{
		"customer_id": custID,
		"invoice_id":  invoiceID,
		"intent_id":   intent.ID,
	}).Info("Invoice settled via Stripe webhook")
	c.JSON(http.StatusOK, middleware.H{"status": "ok"})
}

func handleIntentFailed(c middleware.Context, event stripe.Event) {
	intent, err := intentFromEvent(event)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "malformed payment intent"})
		return
	}

	custID := intent.Metadata["customer_id"]
	invoiceID := intent.Metadata["invoice_id"]
	if custID != "" {
		if _, err := db.ExecContext(c.Request.Context(), `
			INSERT INTO billing_events (customer_id, event_type, details, created_at)
			VALUES ($1, 'stripe_payment_failed', $2, NOW())
		`, custID, string(event.Data.Raw)); err != nil {
			logger.WithError(err).Warn("Failed to append stripe failure event")
		}
		logger.WithFields(logging.Fields{
			"customer_id": custID,
			"invoice_id":  invoiceID,
			"intent_id":   intent.ID,
		}).Warn("Stripe reported payment failure")
	}
	c.JSON(http.StatusOK, middleware.H{"status": "ok"})
}
