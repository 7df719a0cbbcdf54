package models

import "fmt"

// LineItemKind discriminates invoice line item variants.
type LineItemKind string

const (
	ItemSubscription LineItemKind = "subscription"
	ItemProration    LineItemKind = "tier_upgrade_proration"
	ItemUsage        LineItemKind = "usage"
)

// LineItem is one entry on a billing record. Each kind carries only the
// fields it needs; code that totals or formats items must switch over every
// kind so a new variant cannot fall through silently.
type LineItem interface {
	Kind() LineItemKind
	// AmountCents is the signed contribution to the invoice total.
	AmountCents() int64
}

// SubscriptionItem is the flat monthly price of one service tier.
type SubscriptionItem struct {
	Service    ServiceType
	Tier       Tier
	PriceCents int64
}

func (SubscriptionItem) Kind() LineItemKind { return ItemSubscription }
func (i SubscriptionItem) AmountCents() int64 { return i.PriceCents }

// ProrationItem is the partial-period charge for an immediate tier upgrade.
type ProrationItem struct {
	Service       ServiceType
	FromTier      Tier
	ToTier        Tier
	DaysRemaining int
	DaysInPeriod  int
	ChargeCents   int64
}

func (ProrationItem) Kind() LineItemKind { return ItemProration }
func (i ProrationItem) AmountCents() int64 { return i.ChargeCents }

// UsageItem is the metered charge for billable requests in one window.
type UsageItem struct {
	Service      ServiceType
	Requests     int64
	CentsPer1000 int64
	ChargeCents  int64
}

func (UsageItem) Kind() LineItemKind { return ItemUsage }
func (i UsageItem) AmountCents() int64 { return i.ChargeCents }

// TotalCents sums the signed amounts of the given line items.
func TotalCents(items []LineItem) int64 {
	var total int64
	for _, item := range items {
		total += item.AmountCents()
	}
	return total
}

// Describe renders a human-readable description for a line item. Every kind
// must be handled; unknown kinds are a programmer error.
func Describe(item LineItem) string {
	switch it := item.(type) {
	case SubscriptionItem:
		return fmt.Sprintf("%s subscription (%s)", it.Tier, it.Service)
	case ProrationItem:
		return fmt.Sprintf("upgrade %s → %s, %d/%d days", it.FromTier, it.ToTier, it.DaysRemaining, it.DaysInPeriod)
	case UsageItem:
		return fmt.Sprintf("%d requests @ %d¢/1000 (%s)", it.Requests, it.CentsPer1000, it.Service)
	default:
		panic(fmt.Sprintf("unhandled line item kind %T", item))
	}
}
