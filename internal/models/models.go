package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceType identifies one billable Sui data service. The numeric values
// are shared with the stats pipeline and must not be renumbered.
type ServiceType int16

const (
	ServiceRPC     ServiceType = 1 // JSON-RPC node access
	ServiceGraphQL ServiceType = 2 // GraphQL query service
	ServiceIndexer ServiceType = 3 // indexed object/event feeds
)

// AllServiceTypes lists every provisioned service type in stable order.
var AllServiceTypes = []ServiceType{ServiceRPC, ServiceGraphQL, ServiceIndexer}

func (s ServiceType) String() string {
	switch s {
	case ServiceRPC:
		return "rpc"
	case ServiceGraphQL:
		return "graphql"
	case ServiceIndexer:
		return "indexer"
	default:
		return "unknown"
	}
}

// ServiceState is the provisioning state of a service instance.
type ServiceState string

const (
	ServiceStateEnabled        ServiceState = "enabled"
	ServiceStateDisabled       ServiceState = "disabled"
	ServiceStateSuspended      ServiceState = "suspended"
	ServiceStateNotProvisioned ServiceState = "not_provisioned"
)

// Customer is the billing view of an account. The live balance mirrors the
// on-chain escrow and may only be written while holding the customer lock.
type Customer struct {
	ID                    string     `json:"id" db:"id"`
	WalletAddress         string     `json:"wallet_address" db:"wallet_address"`
	EscrowAccountID       *string    `json:"escrow_account_id,omitempty" db:"escrow_account_id"`
	Email                 *string    `json:"email,omitempty" db:"email"`
	BalanceUsdCents       int64      `json:"balance_usd_cents" db:"balance_usd_cents"`
	SpendingLimitUsdCents *int64     `json:"spending_limit_usd_cents,omitempty" db:"spending_limit_usd_cents"`
	BillingPeriodStart    time.Time  `json:"billing_period_start" db:"billing_period_start"`
	CreatedAt             time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at" db:"updated_at"`
}

// ServiceInstance is one (customer, service type) subscription row.
// At most one of {scheduled downgrade, scheduled cancellation} may be pending
// at a time; an upgrade clears both.
type ServiceInstance struct {
	ID                         string       `json:"id" db:"id"`
	CustomerID                 string       `json:"customer_id" db:"customer_id"`
	ServiceType                ServiceType  `json:"service_type" db:"service_type"`
	Tier                       Tier         `json:"tier" db:"tier"`
	State                      ServiceState `json:"state" db:"state"`
	ScheduledTier              *Tier        `json:"scheduled_tier,omitempty" db:"scheduled_tier"`
	ScheduledTierEffectiveDate *time.Time   `json:"scheduled_tier_effective_date,omitempty" db:"scheduled_tier_effective_date"`
	SubPendingInvoiceID        *string      `json:"sub_pending_invoice_id,omitempty" db:"sub_pending_invoice_id"`
	PaidOnce                   bool         `json:"paid_once" db:"paid_once"`
	LastBilledAt               *time.Time   `json:"last_billed_at,omitempty" db:"last_billed_at"`
	CreatedAt                  time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt                  time.Time    `json:"updated_at" db:"updated_at"`
}

// InvoiceStatus is the lifecycle state of a billing record.
type InvoiceStatus string

const (
	InvoiceDraft   InvoiceStatus = "draft"
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceFailed  InvoiceStatus = "failed"
)

// InvoiceType distinguishes ordinary charges from credit-only records.
type InvoiceType string

const (
	InvoiceTypeCharge     InvoiceType = "charge"
	InvoiceTypeCreditOnly InvoiceType = "credit_only"
)

// BillingRecord is one invoice. A customer has at most one DRAFT record at
// any time; it accumulates next month's subscription plus the current
// month's usage for display.
type BillingRecord struct {
	ID                  string        `json:"id" db:"id"`
	CustomerID          string        `json:"customer_id" db:"customer_id"`
	BillingPeriodStart  time.Time     `json:"billing_period_start" db:"billing_period_start"`
	BillingPeriodEnd    time.Time     `json:"billing_period_end" db:"billing_period_end"`
	Status              InvoiceStatus `json:"status" db:"status"`
	Type                InvoiceType   `json:"record_type" db:"record_type"`
	AmountUsdCents      int64         `json:"amount_usd_cents" db:"amount_usd_cents"`
	AmountPaidUsdCents  int64         `json:"amount_paid_usd_cents" db:"amount_paid_usd_cents"`
	FailureReason       *string       `json:"failure_reason,omitempty" db:"failure_reason"`
	PaymentActionURL    *string       `json:"payment_action_url,omitempty" db:"payment_action_url"`
	PaymentActionSource *string       `json:"payment_action_source,omitempty" db:"payment_action_source"`
	RetryCount          int           `json:"retry_count" db:"retry_count"`
	LastRetryAt         *time.Time    `json:"last_retry_at,omitempty" db:"last_retry_at"`
	TxDigest            *string       `json:"tx_digest,omitempty" db:"tx_digest"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// RemainingUsdCents is the unpaid balance of the record.
func (r *BillingRecord) RemainingUsdCents() int64 {
	remaining := r.AmountUsdCents - r.AmountPaidUsdCents
	if remaining < 0 {
		return 0
	}
	return remaining
}

// PaymentSource identifies where an invoice settlement came from.
type PaymentSource string

const (
	SourceCredit PaymentSource = "credit"
	SourceEscrow PaymentSource = "escrow"
	SourceStripe PaymentSource = "stripe"
	SourceMollie PaymentSource = "mollie"
	SourcePayPal PaymentSource = "paypal"
)

// InvoicePayment records one successful partial or full settlement of an
// invoice from one source. ReferenceID is unique per source: credit id,
// escrow tx digest, or provider charge id.
type InvoicePayment struct {
	ID             string        `json:"id" db:"id"`
	InvoiceID      string        `json:"invoice_id" db:"invoice_id"`
	SourceType     PaymentSource `json:"source_type" db:"source_type"`
	ReferenceID    string        `json:"reference_id" db:"reference_id"`
	AmountUsdCents int64         `json:"amount_usd_cents" db:"amount_usd_cents"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
}

// CustomerCredit is a non-refundable account credit. Credits are applied
// soonest-expiring first and are never rolled back once applied.
type CustomerCredit struct {
	ID                      string     `json:"id" db:"id"`
	CustomerID              string     `json:"customer_id" db:"customer_id"`
	OriginalAmountUsdCents  int64      `json:"original_amount_usd_cents" db:"original_amount_usd_cents"`
	RemainingAmountUsdCents int64      `json:"remaining_amount_usd_cents" db:"remaining_amount_usd_cents"`
	ExpiresAt               *time.Time `json:"expires_at,omitempty" db:"expires_at"`
	Reason                  string     `json:"reason" db:"reason"`
	CreatedAt               time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at" db:"updated_at"`
}

// EscrowTxKind is the on-chain operation mirrored by an EscrowTransaction.
type EscrowTxKind string

const (
	EscrowCharge   EscrowTxKind = "charge"
	EscrowDeposit  EscrowTxKind = "deposit"
	EscrowWithdraw EscrowTxKind = "withdraw"
)

// EscrowTransaction is an append-only mirror of an on-chain escrow operation.
// Amount is in decimal dollars, the chain's native unit, not cents. Chain
// reconciliation depends on the dollar representation; do not convert.
type EscrowTransaction struct {
	ID         string          `json:"id" db:"id"`
	CustomerID string          `json:"customer_id" db:"customer_id"`
	Kind       EscrowTxKind    `json:"kind" db:"kind"`
	AmountUsd  decimal.Decimal `json:"amount_usd" db:"amount_usd"`
	TxDigest   string          `json:"tx_digest" db:"tx_digest"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// PaymentMethod is a customer's configured payment provider with its chain
// priority. Settlement tries methods in ascending priority order.
type PaymentMethod struct {
	ID                 string        `json:"id" db:"id"`
	CustomerID         string        `json:"customer_id" db:"customer_id"`
	Provider           PaymentSource `json:"provider" db:"provider"`
	Priority           int           `json:"priority" db:"priority"`
	ProviderCustomerID *string       `json:"provider_customer_id,omitempty" db:"provider_customer_id"`
	ProviderMethodID   *string       `json:"provider_method_id,omitempty" db:"provider_method_id"`
	Status             string        `json:"status" db:"status"`
	CreatedAt          time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at" db:"updated_at"`
}
