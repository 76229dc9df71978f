package types

import "time"

// SubscriptionTier is the recurring plan a user is on.
type SubscriptionTier string

const (
	SubscriptionFree     SubscriptionTier = "free"
	SubscriptionPro      SubscriptionTier = "pro"
	SubscriptionBusiness SubscriptionTier = "business"
)

// IsPaid reports whether the tier is billed.
func (t SubscriptionTier) IsPaid() bool {
	return t == SubscriptionPro || t == SubscriptionBusiness
}

// SubscriptionStatus mirrors the provider's subscription status values,
// plus "free" for users without a subscription.
type SubscriptionStatus string

const (
	SubStatusFree              SubscriptionStatus = "free"
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
)

// GrantsAccess reports whether the status counts as an active paid plan.
func (s SubscriptionStatus) GrantsAccess() bool {
	switch s {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue:
		return true
	}
	return false
}

// UserProfile is the subset of the users table the billing flows read and write.
type UserProfile struct {
	ID               string       `json:"id" db:"id"`
	Email            string       `json:"email" db:"email"`
	LifetimeTier     LifetimeTier `json:"lifetime_tier,omitempty" db:"lifetime_tier"`
	StripeCustomerID string       `json:"-" db:"stripe_customer_id"`

	SubscriptionTier     SubscriptionTier   `json:"subscription_tier" db:"subscription_tier"`
	SubscriptionStatus   SubscriptionStatus `json:"subscription_status,omitempty" db:"subscription_status"`
	StripeSubscriptionID string             `json:"-" db:"stripe_subscription_id"`
	StripePriceID        string             `json:"-" db:"stripe_price_id"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty" db:"subscription_current_period_end"`
	CancelAt             *time.Time         `json:"cancel_at,omitempty" db:"subscription_cancel_at"`
}

// SubscriptionUpdate is the set of subscription fields written to a user in
// response to a provider subscription event. Empty strings and nil times are
// written as NULL.
type SubscriptionUpdate struct {
	Tier             SubscriptionTier
	Status           SubscriptionStatus
	SubscriptionID   string
	PriceID          string
	CurrentPeriodEnd *time.Time
	CancelAt         *time.Time
}

// RedirectURLs holds the post-checkout destinations handed to the provider.
type RedirectURLs struct {
	Success string
	Cancel  string
}

// CheckoutSession is the provider's hosted checkout session.
type CheckoutSession struct {
	ID              string
	URL             string
	PaymentIntentID string
}

// LifetimeSessionParams describes a one-time lifetime checkout session.
// When CustomerID is empty the provider creates a customer from Email.
type LifetimeSessionParams struct {
	PriceID    string
	PurchaseID string
	UserID     string
	Email      string
	CustomerID string
	Tier       LifetimeTier
	Redirects  RedirectURLs
}

// SubscriptionSessionParams describes a recurring subscription checkout.
type SubscriptionSessionParams struct {
	PriceID    string
	UserID     string
	CustomerID string
	Tier       SubscriptionTier
	TrialDays  int
	Redirects  RedirectURLs
}
