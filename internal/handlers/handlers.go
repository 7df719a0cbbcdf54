// Package handlers exposes the billing HTTP surface.
package handlers

import (
	"database/sql"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"suiftly/api_billing/internal/invoices"
	"suiftly/api_billing/internal/locks"
	"suiftly/api_billing/internal/models"
	"suiftly/api_billing/internal/payment"
	"suiftly/api_billing/internal/sui"
	"suiftly/api_billing/internal/tiers"
	"suiftly/api_billing/pkg/clock"
	"suiftly/api_billing/pkg/logging"
	"suiftly/api_billing/pkg/middleware"
)

var (
	db            *sql.DB
	logger        logging.Logger
	locker        *locks.Locker
	invoiceEngine *invoices.Engine
	tierEngine    *tiers.Engine
	chain         *payment.Chain
	escrowGateway sui.Service
	clk           clock.Clock
	metrics       *BursarMetrics
)

// BursarMetrics are the custom billing metrics.
type BursarMetrics struct {
	BillingRuns        *prometheus.CounterVec
	SettlementAttempts *prometheus.CounterVec
	LockAcquisitions   *prometheus.CounterVec
	LockWaitSeconds    *prometheus.HistogramVec
}

// Deps wires the handlers.
type Deps struct {
	DB            *sql.DB
	Logger        logging.Logger
	Locker        *locks.Locker
	InvoiceEngine *invoices.Engine
	TierEngine    *tiers.Engine
	Chain         *payment.Chain
	EscrowGateway sui.Service
	Clock         clock.Clock
	Metrics       *BursarMetrics
}

// Init initializes the handlers.
func Init(deps Deps) {
	db = deps.DB
	logger = deps.Logger
	locker = deps.Locker
	invoiceEngine = deps.InvoiceEngine
	tierEngine = deps.TierEngine
	chain = deps.Chain
	escrowGateway = deps.EscrowGateway
	clk = deps.Clock
	metrics = deps.Metrics
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	ActionURL string `json:"action_url,omitempty"`
}

func respondError(c middleware.Context, err error) {
	if be, ok := models.AsBillingError(err); ok {
		status := http.StatusUnprocessableEntity
		switch be.Code {
		case models.ErrCodeValidation:
			status = http.StatusBadRequest
		case models.ErrCodeLockTimeout:
			status = http.StatusConflict
		case models.ErrCodeRequiresAction:
			status = http.StatusPreconditionFailed
		}
		c.JSON(status, ErrorResponse{
			Error:     be.Message,
			Code:      string(be.Code),
			Retryable: be.Retryable,
			ActionURL: be.ActionURL,
		})
		return
	}

	logger.WithError(err).Error("Request failed")
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal error", Code: string(models.ErrCodeDatabase)})
}

func customerID(c middleware.Context) string {
	return c.GetString("customer_id")
}

func parseServiceType(raw string) (models.ServiceType, bool) {
	for _, st := range models.AllServiceTypes {
		if st.String() == raw {
			return st, true
		}
	}
	return 0, false
}

// tierResponse is one catalog entry.
type tierResponse struct {
	Tier              models.Tier `json:"tier"`
	DisplayName       string      `json:"display_name"`
	MonthlyPriceCents int64       `json:"monthly_price_usd_cents"`
	UsageCentsPer1000 int64       `json:"usage_cents_per_1000"`
	IncludedRequests  int64       `json:"included_requests,omitempty"`
}

// GetTiers returns the sellable tier catalog.
func GetTiers(c middleware.Context) {
	specs := models.AllTiers()
	out := make([]tierResponse, 0, len(specs))
	for _, s := range specs {
		out = append(out, tierResponse{
			Tier:              s.Tier,
			DisplayName:       s.DisplayName,
			MonthlyPriceCents: s.MonthlyPriceCents,
			UsageCentsPer1000: s.UsageCentsPer1000,
			IncludedRequests:  s.IncludedRequests,
		})
	}
	c.JSON(http.StatusOK, middleware.H{"tiers": out})
}

// ListServices returns the customer's service instances.
func ListServices(c middleware.Context) {
	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT id, customer_id, service_type, tier, state, scheduled_tier, scheduled_tier_effective_date,
		       sub_pending_invoice_id, paid_once, last_billed_at, created_at, updated_at
		FROM service_instances
		WHERE customer_id = $1
		ORDER BY service_type
	`, customerID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	defer rows.Close()

	var out []models.ServiceInstance
	for rows.Next() {
		var s models.ServiceInstance
		if err := rows.Scan(&s.ID, &s.CustomerID, &s.ServiceType, &s.Tier, &s.State, &s.ScheduledTier,
			&s.ScheduledTierEffectiveDate, &s.SubPendingInvoiceID, &s.PaidOnce, &s.LastBilledAt,
			&s.CreatedAt, &s.UpdatedAt); err != nil {
			respondError(c, err)
			return
		}
		out = append(out, s)
	}
	c.JSON(http.StatusOK, middleware.H{"services": out})
}

type tierChangeRequest struct {
	Tier models.Tier `json:"tier" binding:"required"`
}

// Subscribe enables a service at a tier and charges the first month.
func Subscribe(c middleware.Context) {
	service, ok := parseServiceType(c.Param("service"))
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown service type", Code: string(models.ErrCodeValidation)})
		return
	}
	var req tierChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "tier is required", Code: string(models.ErrCodeValidation)})
		return
	}

	var result *tiers.ChangeResult
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "subscribe", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = tierEngine.Subscribe(c.Request.Context(), tx, token, clk, service, req.Tier)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	observeBillingRun("subscribe", result.Settlement)
	c.JSON(http.StatusOK, result)
}

// UpgradeTier applies an immediate prorated upgrade.
func UpgradeTier(c middleware.Context) {
	service, ok := parseServiceType(c.Param("service"))
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown service type", Code: string(models.ErrCodeValidation)})
		return
	}
	var req tierChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "tier is required", Code: string(models.ErrCodeValidation)})
		return
	}

	var result *tiers.ChangeResult
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "tier_upgrade", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = tierEngine.HandleTierUpgrade(c.Request.Context(), tx, token, clk, service, req.Tier)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	observeBillingRun("tier_upgrade", result.Settlement)
	c.JSON(http.StatusOK, result)
}

// DowngradeTier schedules an end-of-period downgrade.
func DowngradeTier(c middleware.Context) {
	service, ok := parseServiceType(c.Param("service"))
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown service type", Code: string(models.ErrCodeValidation)})
		return
	}
	var req tierChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "tier is required", Code: string(models.ErrCodeValidation)})
		return
	}

	var result *tiers.ChangeResult
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "tier_downgrade", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = tierEngine.ScheduleTierDowngrade(c.Request.Context(), tx, token, clk, service, req.Tier)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelService schedules an end-of-period cancellation.
func CancelService(c middleware.Context) {
	service, ok := parseServiceType(c.Param("service"))
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown service type", Code: string(models.ErrCodeValidation)})
		return
	}

	var result *tiers.ChangeResult
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "cancel_service", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = tierEngine.ScheduleCancellation(c.Request.Context(), tx, token, clk, service)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// UndoCancellation clears a pending cancellation.
func UndoCancellation(c middleware.Context) {
	service, ok := parseServiceType(c.Param("service"))
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown service type", Code: string(models.ErrCodeValidation)})
		return
	}

	var result *tiers.ChangeResult
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "undo_cancellation", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = tierEngine.UndoCancellation(c.Request.Context(), tx, token, clk, service)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// CancelScheduledChange clears any pending downgrade or cancellation.
func CancelScheduledChange(c middleware.Context) {
	service, ok := parseServiceType(c.Param("service"))
	if !ok {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unknown service type", Code: string(models.ErrCodeValidation)})
		return
	}

	var result *tiers.ChangeResult
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "cancel_scheduled_change", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = tierEngine.CancelScheduledTierChange(c.Request.Context(), tx, token, clk, service)
		return err
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListInvoices returns the customer's billing records.
func ListInvoices(c middleware.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := invoiceEngine.ListInvoices(c.Request.Context(), db, customerID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, middleware.H{"invoices": records})
}

// lineItemResponse is one persisted invoice line.
type lineItemResponse struct {
	ItemType       string  `json:"item_type"`
	ServiceType    *int16  `json:"service_type,omitempty"`
	Tier           *string `json:"tier,omitempty"`
	Quantity       int64   `json:"quantity"`
	UnitPriceCents int64   `json:"unit_price_usd_cents"`
	AmountCents    int64   `json:"amount_usd_cents"`
	Description    *string `json:"description,omitempty"`
}

// GetInvoice returns one invoice with its line items.
func GetInvoice(c middleware.Context) {
	record, err := invoiceEngine.GetInvoice(c.Request.Context(), db, customerID(c), c.Param("id"))
	if err == sql.ErrNoRows {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "invoice not found"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	rows, err := db.QueryContext(c.Request.Context(), `
		SELECT item_type, service_type, tier, quantity, unit_price_usd_cents, amount_usd_cents, description
		FROM invoice_line_items
		WHERE invoice_id = $1
		ORDER BY created_at
	`, record.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer rows.Close()

	var items []lineItemResponse
	for rows.Next() {
		var li lineItemResponse
		if err := rows.Scan(&li.ItemType, &li.ServiceType, &li.Tier, &li.Quantity, &li.UnitPriceCents, &li.AmountCents, &li.Description); err != nil {
			respondError(c, err)
			return
		}
		items = append(items, li)
	}
	c.JSON(http.StatusOK, middleware.H{"invoice": record, "line_items": items})
}

// PayInvoice runs a customer-initiated settlement attempt on an invoice.
// Customer-initiated retries are allowed even when a hosted authentication
// URL is pending; only server-initiated ones fail fast.
func PayInvoice(c middleware.Context) {
	invoiceID := c.Param("id")

	var result *payment.SettlementResult
	err := locker.WithCustomerLock(c.Request.Context(), customerID(c), "pay_invoice", func(tx *sql.Tx, token locks.Token) error {
		var err error
		result, err = invoiceEngine.ProcessInvoicePayment(c.Request.Context(), tx, token, clk, invoiceID, payment.SettleOpts{})
		if err != nil {
			return err
		}
		if result.Status == models.InvoicePaid {
			return invoiceEngine.MarkServicesPaid(c.Request.Context(), tx, token, clk, invoiceID)
		}
		return nil
	})
	if err != nil {
		respondError(c, err)
		return
	}
	observeBillingRun("pay_invoice", result)
	c.JSON(http.StatusOK, result)
}

// TriggerBillingRun runs the full billing pass for one customer. Service
// auth only; used by operators and by tests against staging.
func TriggerBillingRun(runCustomerBilling func(c middleware.Context, customerID string) error) middleware.HandlerFunc {
	return func(c middleware.Context) {
		id := c.Param("id")
		if err := runCustomerBilling(c, id); err != nil {
			respondError(c, err)
			return
		}
		if metrics != nil {
			metrics.BillingRuns.WithLabelValues("manual", "ok").Inc()
		}
		c.JSON(http.StatusOK, middleware.H{"status": "ok", "customer_id": id})
	}
}

func observeBillingRun(operation string, result *payment.SettlementResult) {
	if metrics == nil || result == nil {
		return
	}
	metrics.BillingRuns.WithLabelValues(operation, string(result.Status)).Inc()
}
