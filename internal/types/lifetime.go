package types

import "time"

// LifetimeTier is one of the capacity-capped pricing bands for lifetime
// access. The empty value means "no tier".
type LifetimeTier string

const (
	LifetimeTierEarly LifetimeTier = "early"
	LifetimeTierMid   LifetimeTier = "mid"
	LifetimeTierFinal LifetimeTier = "final"

	// LifetimeTierClosed is only ever produced by availability computation;
	// it is never stored on a purchase.
	LifetimeTierClosed LifetimeTier = "closed"
)

// LifetimeTierSequence lists the purchasable tiers in the order they open.
var LifetimeTierSequence = []LifetimeTier{LifetimeTierEarly, LifetimeTierMid, LifetimeTierFinal}

// IsValid reports whether t is a purchasable tier.
func (t LifetimeTier) IsValid() bool {
	switch t {
	case LifetimeTierEarly, LifetimeTierMid, LifetimeTierFinal:
		return true
	}
	return false
}

// PurchaseStatus is the lifecycle state of a lifetime purchase.
type PurchaseStatus string

const (
	PurchaseStatusPending   PurchaseStatus = "pending"
	PurchaseStatusPaid      PurchaseStatus = "paid"
	PurchaseStatusCancelled PurchaseStatus = "cancelled"
	PurchaseStatusExpired   PurchaseStatus = "expired"
	PurchaseStatusRefunded  PurchaseStatus = "refunded"
)

// PurchaseRecord is one attempted or completed lifetime purchase
// (lifetime_purchases row).
type PurchaseRecord struct {
	ID     string         `json:"id" db:"id"`
	UserID string         `json:"user_id,omitempty" db:"user_id"`
	Email  string         `json:"email,omitempty" db:"email"`
	Tier   LifetimeTier   `json:"tier" db:"tier"`
	Status PurchaseStatus `json:"status" db:"status"`

	AmountCents int64  `json:"amount_cents" db:"amount_cents"`
	Currency    string `json:"currency" db:"currency"`

	// ReservedUntil nil means the reservation has no deadline.
	ReservedUntil *time.Time `json:"reserved_expires_at,omitempty" db:"reserved_expires_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`

	StripeSessionID       string `json:"-" db:"stripe_session_id"`
	StripePaymentIntentID string `json:"-" db:"stripe_payment_intent_id"`
}

// TierLimit is a cumulative capacity threshold (lifetime_tier_limits row).
// MaxSlots counts the tier and every lower tier together.
type TierLimit struct {
	Tier     LifetimeTier `json:"tier" db:"tier"`
	MaxSlots int          `json:"max_slots" db:"max_slots"`
}

// PurchaseRef identifies a purchase from a payment-provider event. ID is
// preferred; SessionID is the fallback match key.
type PurchaseRef struct {
	ID        string
	SessionID string
}

// IsEmpty reports whether neither match key is present.
func (r PurchaseRef) IsEmpty() bool {
	return r.ID == "" && r.SessionID == ""
}
