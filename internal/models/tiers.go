package models

import "fmt"

// Tier is a subscription level for one service.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// TierSpec is the pricing definition for one tier.
type TierSpec struct {
	Tier              Tier
	DisplayName       string
	MonthlyPriceCents int64
	// UsageCentsPer1000 is the metered rate per 1000 billable requests.
	UsageCentsPer1000 int64
	// IncludedRequests are not charged (free tier is hard-capped upstream).
	IncludedRequests int64
	SortOrder        int
}

// tierCatalog is the closed set of sellable tiers. Prices are USD cents.
var tierCatalog = map[Tier]TierSpec{
	TierFree:       {Tier: TierFree, DisplayName: "Free", MonthlyPriceCents: 0, UsageCentsPer1000: 0, IncludedRequests: 100_000, SortOrder: 0},
	TierStarter:    {Tier: TierStarter, DisplayName: "Starter", MonthlyPriceCents: 900, UsageCentsPer1000: 12, SortOrder: 1},
	TierPro:        {Tier: TierPro, DisplayName: "Pro", MonthlyPriceCents: 2900, UsageCentsPer1000: 8, SortOrder: 2},
	TierEnterprise: {Tier: TierEnterprise, DisplayName: "Enterprise", MonthlyPriceCents: 18500, UsageCentsPer1000: 5, SortOrder: 3},
}

// LookupTier returns the spec for a tier name.
func LookupTier(t Tier) (TierSpec, error) {
	spec, ok := tierCatalog[t]
	if !ok {
		return TierSpec{}, fmt.Errorf("unknown tier %q", t)
	}
	return spec, nil
}

// TierPriceCents returns the monthly subscription price for a tier, or an
// error for an unknown tier.
func TierPriceCents(t Tier) (int64, error) {
	spec, err := LookupTier(t)
	if err != nil {
		return 0, err
	}
	return spec.MonthlyPriceCents, nil
}

// AllTiers lists sellable tiers in display order.
func AllTiers() []TierSpec {
	out := make([]TierSpec, 0, len(tierCatalog))
	for _, t := range []Tier{TierFree, TierStarter, TierPro, TierEnterprise} {
		out = append(out, tierCatalog[t])
	}
	return out
}

// IsUpgrade reports whether moving from one tier to another increases the
// subscription level.
func IsUpgrade(from, to Tier) bool {
	return tierCatalog[to].SortOrder > tierCatalog[from].SortOrder
}
