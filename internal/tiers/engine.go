// Package tiers implements subscription level changes: immediate prorated
// upgrades, end-of-period downgrades and cancellations, and their undo
// operations. Every operation runs inside the customer lock and keeps the
// DRAFT invoice's subscription line equal to the tier that will actually be
// charged at the next boundary.
package tiers

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"suiftly/api_billing/internal/invoices"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/internal/payment"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
)

// ProrationCents prices an immediate upgrade for the rest of the current
// period: the price difference scaled by remaining days, rounded down.
func ProrationCents(curPriceCents, newPriceCents int64, daysRemaining, daysInPeriod int) int64 {
	diff := newPriceCents - curPriceCents
	if diff <= 0 || daysRemaining <= 0 || daysInPeriod <= 0 {
		return 0
	}
	return diff * int64(daysRemaining) / int64(daysInPeriod)
}

// PeriodDays returns the day counts for prorating at time t: days in the
// calendar month containing t, and days from t's date through month end
// inclusive.
func PeriodDays(t time.Time) (daysRemaining, daysInPeriod int) {
	t = t.UTC()
	monthStart := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	daysInPeriod = int(monthStart.AddDate(0, 1, 0).Sub(monthStart).Hours() / 24)
	daysRemaining = daysInPeriod - t.Day() + 1
	return daysRemaining, daysInPeriod
}

// Engine performs tier changes.
type Engine struct {
	invoices *invoices.Engine
	logger   logging.Logger
}

// NewEngine creates a tier change engine.
func NewEngine(inv *invoices.Engine, logger logging.Logger) *Engine {
	return &Engine{invoices: inv, logger: logger}
}

// ChangeResult reports the outcome of a tier operation. Settlement is nil
// for operations that charge nothing.
type ChangeResult struct {
	Service    models.ServiceType        `json:"service_type"`
	Tier       models.Tier               `json:"tier"`
	Scheduled  *models.Tier              `json:"scheduled_tier,omitempty"`
	Settlement *payment.SettlementResult `json:"settlement,omitempty"`
}

// Subscribe enables a service at a tier. The first month is charged
// immediately; a failed charge leaves the service parked on the unpaid
// invoice (paid_once stays false) rather than rolling the subscription back.
func (e *Engine) Subscribe(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, service models.ServiceType, tier models.Tier) (*ChangeResult, error) {
	spec, err := models.LookupTier(tier)
	if err != nil {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "%v", err)
	}

	instance, err := e.loadInstance(ctx, tx, token, service)
	if err != nil {
		return nil, err
	}
	if instance != nil && instance.State == models.ServiceStateEnabled && instance.Tier != models.TierFree {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "service %s already subscribed, use a tier change", service)
	}

	if instance == nil {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO service_instances (id, customer_id, service_type, tier, state, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 'enabled', NOW(), NOW())
		`, uuid.New().String(), token.CustomerID(), int16(service), string(tier)); err != nil {
			return nil, fmt.Errorf("failed to create service instance: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_instances
			SET tier = $1, state = 'enabled', scheduled_tier = NULL, scheduled_tier_effective_date = NULL, updated_at = NOW()
			WHERE customer_id = $2 AND service_type = $3
		`, string(tier), token.CustomerID(), int16(service)); err != nil {
			return nil, fmt.Errorf("failed to enable service instance: %w", err)
		}
	}

	result := &ChangeResult{Service: service, Tier: tier}

	if spec.MonthlyPriceCents > 0 {
		invoice, err := e.invoices.CreateImmediateInvoice(ctx, tx, token, clk, models.SubscriptionItem{
			Service:    service,
			Tier:       tier,
			PriceCents: spec.MonthlyPriceCents,
		})
		if err != nil {
			return nil, err
		}
		settlement, err := e.invoices.ProcessInvoicePayment(ctx, tx, token, clk, invoice.ID, payment.SettleOpts{})
		if err != nil {
			return nil, err
		}
		result.Settlement = settlement

		if settlement.Status == models.InvoicePaid {
			if _, err := tx.ExecContext(ctx, `
				UPDATE service_instances
				SET paid_once = TRUE, last_billed_at = $1, sub_pending_invoice_id = NULL, updated_at = NOW()
				WHERE customer_id = $2 AND service_type = $3
			`, clk.Now(), token.CustomerID(), int16(service)); err != nil {
				return nil, fmt.Errorf("failed to mark subscription paid: %w", err)
			}
		} else {
			if err := e.invoices.ParkService(ctx, tx, token, service, invoice.ID); err != nil {
				return nil, err
			}
		}
	}

	if err := e.rewriteDraftLine(ctx, tx, token, clk, service, tier); err != nil {
		return nil, err
	}

	e.logger.WithFields(logging.Fields{
		"customer_id": token.CustomerID(),
		"service":     service,
		"tier":        tier,
	}).Info("Service subscribed")

	return result, nil
}

// HandleTierUpgrade applies an upgrade immediately, charging the prorated
// price difference for the rest of the current period. The upgrade only
// takes effect if the proration settles; a pending downgrade or
// cancellation is cleared and leaves no trace on the DRAFT.
func (e *Engine) HandleTierUpgrade(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, service models.ServiceType, newTier models.Tier) (*ChangeResult, error) {
	instance, err := e.requireInstance(ctx, tx, token, service)
	if err != nil {
		return nil, err
	}
	if !models.IsUpgrade(instance.Tier, newTier) {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "%s to %s is not an upgrade", instance.Tier, newTier)
	}

	curPrice, err := models.TierPriceCents(instance.Tier)
	if err != nil {
		return nil, err
	}
	newPrice, err := models.TierPriceCents(newTier)
	if err != nil {
		return nil, err
	}

	daysRemaining, daysInPeriod := PeriodDays(clk.Now())
	prorationCents := ProrationCents(curPrice, newPrice, daysRemaining, daysInPeriod)

	result := &ChangeResult{Service: service, Tier: newTier}

	if prorationCents > 0 {
		invoice, err := e.invoices.CreateImmediateInvoice(ctx, tx, token, clk, models.ProrationItem{
			Service:       service,
			FromTier:      instance.Tier,
			ToTier:        newTier,
			DaysRemaining: daysRemaining,
			DaysInPeriod:  daysInPeriod,
			ChargeCents:   prorationCents,
		})
		if err != nil {
			return nil, err
		}
		settlement, err := e.invoices.ProcessInvoicePayment(ctx, tx, token, clk, invoice.ID, payment.SettleOpts{})
		if err != nil {
			return nil, err
		}
		result.Settlement = settlement

		if settlement.Status != models.InvoicePaid {
			// Upgrade does not apply without payment; the current tier and
			// any scheduled change stay exactly as they were.
			result.Tier = instance.Tier
			result.Scheduled = instance.ScheduledTier
			return result, nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances
		SET tier = $1, scheduled_tier = NULL, scheduled_tier_effective_date = NULL,
		    paid_once = TRUE, last_billed_at = $2, updated_at = NOW()
		WHERE customer_id = $3 AND service_type = $4
	`, string(newTier), clk.Now(), token.CustomerID(), int16(service)); err != nil {
		return nil, fmt.Errorf("failed to apply upgrade: %w", err)
	}

	if err := e.rewriteDraftLine(ctx, tx, token, clk, service, newTier); err != nil {
		return nil, err
	}

	e.logger.WithFields(logging.Fields{
		"customer_id":     token.CustomerID(),
		"service":         service,
		"from_tier":       instance.Tier,
		"to_tier":         newTier,
		"proration_cents": prorationCents,
	}).Info("Tier upgraded")

	return result, nil
}

// ScheduleTierDowngrade books a downgrade for the next period boundary. A
// service that has never completed a paid period downgrades immediately
// instead: there is no paid-for period to run out.
func (e *Engine) ScheduleTierDowngrade(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, service models.ServiceType, newTier models.Tier) (*ChangeResult, error) {
	instance, err := e.requireInstance(ctx, tx, token, service)
	if err != nil {
		return nil, err
	}
	if _, err := models.LookupTier(newTier); err != nil {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "%v", err)
	}
	if !models.IsUpgrade(newTier, instance.Tier) {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "%s to %s is not a downgrade", instance.Tier, newTier)
	}

	if !instance.PaidOnce {
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_instances
			SET tier = $1, scheduled_tier = NULL, scheduled_tier_effective_date = NULL, updated_at = NOW()
			WHERE customer_id = $2 AND service_type = $3
		`, string(newTier), token.CustomerID(), int16(service)); err != nil {
			return nil, fmt.Errorf("failed to downgrade immediately: %w", err)
		}
		if err := e.rewriteDraftLine(ctx, tx, token, clk, service, newTier); err != nil {
			return nil, err
		}
		return &ChangeResult{Service: service, Tier: newTier}, nil
	}

	effective, _ := invoices.NextPeriod(clk.Now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances
		SET scheduled_tier = $1, scheduled_tier_effective_date = $2, updated_at = NOW()
		WHERE customer_id = $3 AND service_type = $4
	`, string(newTier), effective, token.CustomerID(), int16(service)); err != nil {
		return nil, fmt.Errorf("failed to schedule downgrade: %w", err)
	}

	// The draft bills the period after the boundary, so it shows the
	// scheduled tier's price, not the current one.
	if err := e.rewriteDraftLine(ctx, tx, token, clk, service, newTier); err != nil {
		return nil, err
	}

	scheduled := newTier
	e.logger.WithFields(logging.Fields{
		"customer_id": token.CustomerID(),
		"service":     service,
		"from_tier":   instance.Tier,
		"to_tier":     newTier,
		"effective":   effective,
	}).Info("Tier downgrade scheduled")

	return &ChangeResult{Service: service, Tier: instance.Tier, Scheduled: &scheduled}, nil
}

// ScheduleCancellation books a cancellation for the next period boundary,
// modeled as a scheduled change to the free tier. Immediate when the first
// period was never paid for.
func (e *Engine) ScheduleCancellation(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, service models.ServiceType) (*ChangeResult, error) {
	instance, err := e.requireInstance(ctx, tx, token, service)
	if err != nil {
		return nil, err
	}
	if instance.Tier == models.TierFree {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "service %s has no paid subscription to cancel", service)
	}

	if !instance.PaidOnce {
		if _, err := tx.ExecContext(ctx, `
			UPDATE service_instances
			SET tier = 'free', state = 'disabled', scheduled_tier = NULL, scheduled_tier_effective_date = NULL, updated_at = NOW()
			WHERE customer_id = $1 AND service_type = $2
		`, token.CustomerID(), int16(service)); err != nil {
			return nil, fmt.Errorf("failed to cancel immediately: %w", err)
		}
		if err := e.rewriteDraftLine(ctx, tx, token, clk, service, models.TierFree); err != nil {
			return nil, err
		}
		return &ChangeResult{Service: service, Tier: models.TierFree}, nil
	}

	effective, _ := invoices.NextPeriod(clk.Now())
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances
		SET scheduled_tier = 'free', scheduled_tier_effective_date = $1, updated_at = NOW()
		WHERE customer_id = $2 AND service_type = $3
	`, effective, token.CustomerID(), int16(service)); err != nil {
		return nil, fmt.Errorf("failed to schedule cancellation: %w", err)
	}

	if err := e.rewriteDraftLine(ctx, tx, token, clk, service, models.TierFree); err != nil {
		return nil, err
	}

	scheduled := models.TierFree
	return &ChangeResult{Service: service, Tier: instance.Tier, Scheduled: &scheduled}, nil
}

// UndoCancellation clears a pending cancellation and restores the draft's
// subscription line for the current tier.
func (e *Engine) UndoCancellation(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, service models.ServiceType) (*ChangeResult, error) {
	instance, err := e.requireInstance(ctx, tx, token, service)
	if err != nil {
		return nil, err
	}
	if instance.ScheduledTier == nil || *instance.ScheduledTier != models.TierFree {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "service %s has no pending cancellation", service)
	}
	return e.clearSchedule(ctx, tx, token, clk, instance)
}

// CancelScheduledTierChange clears any pending downgrade or cancellation.
func (e *Engine) CancelScheduledTierChange(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, service models.ServiceType) (*ChangeResult, error) {
	instance, err := e.requireInstance(ctx, tx, token, service)
	if err != nil {
		return nil, err
	}
	if instance.ScheduledTier == nil {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "service %s has no scheduled tier change", service)
	}
	return e.clearSchedule(ctx, tx, token, clk, instance)
}

func (e *Engine) clearSchedule(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, instance *models.ServiceInstance) (*ChangeResult, error) {
	if _, err := tx.ExecContext(ctx, `
		UPDATE service_instances
		SET scheduled_tier = NULL, scheduled_tier_effective_date = NULL, updated_at = NOW()
		WHERE customer_id = $1 AND service_type = $2
	`, token.CustomerID(), int16(instance.ServiceType)); err != nil {
		return nil, fmt.Errorf("failed to clear scheduled change: %w", err)
	}

	if err := e.rewriteDraftLine(ctx, tx, token, clk, instance.ServiceType, instance.Tier); err != nil {
		return nil, err
	}
	return &ChangeResult{Service: instance.ServiceType, Tier: instance.Tier}, nil
}

// rewriteDraftLine keeps the DRAFT invariant: its subscription line for the
// service always equals the tier that will be active next period.
func (e *Engine) rewriteDraftLine(ctx context.Context, tx *sql.Tx, token locks.Token, clk clock.Clock, service models.ServiceType, tier models.Tier) error {
	draft, err := e.invoices.GetOrCreateDraftInvoice(ctx, tx, token, clk)
	if err != nil {
		return err
	}
	return e.invoices.RewriteSubscriptionLine(ctx, tx, token, draft.ID, service, tier)
}

func (e *Engine) requireInstance(ctx context.Context, tx *sql.Tx, token locks.Token, service models.ServiceType) (*models.ServiceInstance, error) {
	instance, err := e.loadInstance(ctx, tx, token, service)
	if err != nil {
		return nil, err
	}
	if instance == nil || instance.State != models.ServiceStateEnabled {
		return nil, models.NewBillingError(models.ErrCodeValidation, false, "service %s is not active", service)
	}
	return instance, nil
}

func (e *Engine) loadInstance(ctx context.Context, tx *sql.Tx, token locks.Token, service models.ServiceType) (*models.ServiceInstance, error) {
	var s models.ServiceInstance
	err := tx.QueryRowContext(ctx, `
		SELECT id, customer_id, service_type, tier, state, scheduled_tier, scheduled_tier_effective_date,
		       sub_pending_invoice_id, paid_once, last_billed_at, created_at, updated_at
		FROM service_instances
		WHERE customer_id = $1 AND service_type = $2
		FOR UPDATE
	`, token.CustomerID(), int16(service)).Scan(&s.ID, &s.CustomerID, &s.ServiceType, &s.Tier, &s.State,
		&s.ScheduledTier, &s.ScheduledTierEffectiveDate, &s.SubPendingInvoiceID, &s.PaidOnce, &s.LastBilledAt,
		&s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load service instance: %w", err)
	}
	return &s, nil
}
