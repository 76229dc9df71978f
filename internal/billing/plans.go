// Package billing provides the subscription plan catalogue, entitlement
// rules and the recurring-subscription flows.
package billing

import (
	"strings"

	"scopesafe/internal/types"
)

// WatermarkText is stamped on documents generated without paid access.
const WatermarkText = "powered by ScopeSafe"

// PlanFeature is one line of a plan's feature list.
type PlanFeature struct {
	Label    string `json:"label"`
	Included bool   `json:"included"`
	Soon     bool   `json:"soon,omitempty"`
}

// Plan describes a subscription tier as shown on the pricing page.
type Plan struct {
	Tier        types.SubscriptionTier `json:"id"`
	Name        string                 `json:"name"`
	PriceEUR    int                    `json:"price"`
	Interval    string                 `json:"interval"`
	Description string                 `json:"description"`
	Badge       string                 `json:"badge,omitempty"`
	Features    []PlanFeature          `json:"features"`

	// MaxMonthlyChangeOrders uses 0 for "unlimited".
	MaxMonthlyChangeOrders int `json:"-"`
}

// planCatalogue is ordered the way plans are presented.
//
//	| Plan     | Price  | Change orders / month |
//	|----------|--------|-----------------------|
//	| Free     | €0     | 3                     |
//	| Pro      | €15    | unlimited             |
//	| Business | €29    | unlimited             |
var planCatalogue = []Plan{
	{
		Tier:        types.SubscriptionFree,
		Name:        "Free",
		PriceEUR:    0,
		Interval:    "month",
		Description: "Perfect for trying out ScopeSafe",
		Features: []PlanFeature{
			{Label: "3 change orders per month", Included: true},
			{Label: "AI-powered analysis", Included: true},
			{Label: "PDF generation", Included: true},
			{Label: "Watermark-free PDFs"},
			{Label: "Automatically email customers"},
			{Label: "Custom branding"},
		},
		MaxMonthlyChangeOrders: 3,
	},
	{
		Tier:        types.SubscriptionPro,
		Name:        "Pro",
		PriceEUR:    15,
		Interval:    "month",
		Description: "For freelancers and solo professionals",
		Badge:       "Most Popular",
		Features: []PlanFeature{
			{Label: "Unlimited change orders", Included: true},
			{Label: "AI-powered analysis", Included: true},
			{Label: "PDF generation without watermarks", Included: true},
			{Label: "Automatically email customers", Included: true},
			{Label: "Custom branding", Included: true},
			{Label: "Custom templates", Included: true},
		},
	},
	{
		Tier:        types.SubscriptionBusiness,
		Name:        "Business",
		PriceEUR:    29,
		Interval:    "month",
		Description: "For agencies and teams",
		Features: []PlanFeature{
			{Label: "Everything in Pro", Included: true},
			{Label: "Team collaboration", Included: true},
			{Label: "Approval workflow", Included: true},
			{Label: "eSign integration", Soon: true},
			{Label: "Stripe integration", Soon: true},
		},
	},
}

// Plans returns a copy of the plan catalogue.
func Plans() []Plan {
	out := make([]Plan, len(planCatalogue))
	for i, p := range planCatalogue {
		p.Features = append([]PlanFeature(nil), p.Features...)
		out[i] = p
	}
	return out
}

// PlanFor returns the plan of the given tier. Unknown tiers get the Free plan.
func PlanFor(tier types.SubscriptionTier) Plan {
	for _, p := range planCatalogue {
		if p.Tier == tier {
			return p
		}
	}
	return planCatalogue[0]
}

// NormalizeTier maps stored or user-supplied tier strings onto a known tier,
// defaulting to free.
func NormalizeTier(raw string) types.SubscriptionTier {
	switch t := types.SubscriptionTier(strings.ToLower(strings.TrimSpace(raw))); t {
	case types.SubscriptionPro, types.SubscriptionBusiness:
		return t
	}
	return types.SubscriptionFree
}

// Entitlements is what a user may do given their subscription and lifetime
// state.
type Entitlements struct {
	Tier   types.SubscriptionTier   `json:"tier"`
	Status types.SubscriptionStatus `json:"status,omitempty"`
	// EffectiveTier is the plan whose limits apply.
	EffectiveTier types.SubscriptionTier `json:"effective_tier"`
	// MaxMonthlyChangeOrders is nil when unlimited.
	MaxMonthlyChangeOrders *int   `json:"max_monthly_change_orders"`
	WatermarkText          string `json:"watermark_text,omitempty"`
	CanSendEmails          bool   `json:"can_send_emails"`
	HasLifetimeAccess      bool   `json:"has_lifetime_access"`
}

// ComputeEntitlements derives entitlements. Lifetime access grants Business
// level use; a paid tier whose status does not grant access falls back to
// Free limits.
func ComputeEntitlements(tier types.SubscriptionTier, status types.SubscriptionStatus, lifetimeTier types.LifetimeTier) Entitlements {
	tier = NormalizeTier(string(tier))
	hasLifetime := lifetimeTier != "" && lifetimeTier != types.LifetimeTierClosed
	paidAccess := tier.IsPaid() && status.GrantsAccess()

	effective := tier
	switch {
	case hasLifetime:
		effective = types.SubscriptionBusiness
	case tier.IsPaid() && !paidAccess:
		effective = types.SubscriptionFree
	}

	ent := Entitlements{
		Tier:              tier,
		Status:            status,
		EffectiveTier:     effective,
		CanSendEmails:     hasLifetime || paidAccess,
		HasLifetimeAccess: hasLifetime,
	}
	if hasLifetime {
		return ent
	}
	if limit := PlanFor(effective).MaxMonthlyChangeOrders; limit > 0 {
		ent.MaxMonthlyChangeOrders = &limit
	}
	if effective == types.SubscriptionFree {
		ent.WatermarkText = WatermarkText
	}
	return ent
}

// ChangeOrderLimitReached reports whether usage has hit the monthly cap.
func ChangeOrderLimitReached(usage int, ent Entitlements) bool {
	if ent.MaxMonthlyChangeOrders == nil {
		return false
	}
	return usage >= *ent.MaxMonthlyChangeOrders
}
