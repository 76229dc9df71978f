// Package lifetime implements lifetime-access slot allocation: the pure
// availability engine, the checkout reservation flow, and settlement of
// provider events against purchase records.
package lifetime

import (
	"math"
	"sort"
	"time"

	"scopesafe/internal/types"
)

// DefaultTierLimits are the cumulative thresholds used when a tier has no
// configured row.
var DefaultTierLimits = Limits{Early: 50, Mid: 125, Final: 150}

// Limits holds the cumulative slot threshold for each tier. Final is also
// the overall program capacity.
type Limits struct {
	Early int `json:"early"`
	Mid   int `json:"mid"`
	Final int `json:"final"`
}

// For returns the threshold for tier, or 0 for anything that is not a
// purchasable tier.
func (l Limits) For(tier types.LifetimeTier) int {
	switch tier {
	case types.LifetimeTierEarly:
		return l.Early
	case types.LifetimeTierMid:
		return l.Mid
	case types.LifetimeTierFinal:
		return l.Final
	}
	return 0
}

func (l *Limits) set(tier types.LifetimeTier, slots int) {
	switch tier {
	case types.LifetimeTierEarly:
		l.Early = slots
	case types.LifetimeTierMid:
		l.Mid = slots
	case types.LifetimeTierFinal:
		l.Final = slots
	}
}

// Max returns the largest threshold. Limits are expected to be monotonic,
// but the largest value is the capacity even when they are not.
func (l Limits) Max() int {
	return max(l.Early, l.Mid, l.Final)
}

// ResolveTierLimits overlays configured rows on the defaults. Rows with an
// unknown tier or a negative slot count are ignored.
func ResolveTierLimits(rows []types.TierLimit) Limits {
	limits := DefaultTierLimits
	for _, row := range rows {
		if !row.Tier.IsValid() || row.MaxSlots < 0 {
			continue
		}
		limits.set(row.Tier, row.MaxSlots)
	}
	return limits
}

// Availability is the derived view of program capacity at a point in time.
type Availability struct {
	TierLimits        Limits              `json:"tier_limits"`
	EffectiveMaxSlots int                 `json:"effective_max_slots"`
	ReservedSlots     int                 `json:"reserved_slots"`
	AvailableSlots    int                 `json:"available_slots"`
	TotalActive       int                 `json:"total_active"`
	TotalPaid         int                 `json:"total_paid"`
	Tier              types.LifetimeTier  `json:"tier"`
	ActiveTier        *types.LifetimeTier `json:"active_tier"`
	RemainingInTier   int                 `json:"remaining_in_tier"`
	ClaimedPercentage int                 `json:"claimed_percentage"`
}

// IsClosed reports whether every slot is claimed.
func (a Availability) IsClosed() bool {
	return a.ActiveTier == nil
}

// Analysis bundles availability with the record subsets it was derived from.
type Analysis struct {
	Availability Availability
	Active       []types.PurchaseRecord
	Paid         []types.PurchaseRecord
}

// IsActive reports whether rec counts toward capacity at now: paid records
// always do, pending records do until their reservation deadline passes.
// Records with a tier outside the purchasable set never count.
func IsActive(rec types.PurchaseRecord, now time.Time) bool {
	if !rec.Tier.IsValid() {
		return false
	}
	switch rec.Status {
	case types.PurchaseStatusPaid:
		return true
	case types.PurchaseStatusPending:
		return rec.ReservedUntil == nil || rec.ReservedUntil.After(now)
	}
	return false
}

// DetermineTier returns the tier that is open once count slots are claimed.
// Thresholds are checked from the top down.
func DetermineTier(count int, limits Limits) types.LifetimeTier {
	switch {
	case count >= limits.Final:
		return types.LifetimeTierClosed
	case count >= limits.Mid:
		return types.LifetimeTierFinal
	case count >= limits.Early:
		return types.LifetimeTierMid
	default:
		return types.LifetimeTierEarly
	}
}

// RemainingInTier returns how many slots are left before tier fills.
func RemainingInTier(count int, tier types.LifetimeTier, limits Limits) int {
	if !tier.IsValid() {
		return 0
	}
	return max(limits.For(tier)-count, 0)
}

// Analyze filters purchases and computes availability at now. The input may
// contain records of any status and in any order.
func Analyze(purchases []types.PurchaseRecord, rows []types.TierLimit, now time.Time) Analysis {
	limits := ResolveTierLimits(rows)

	var active, paid []types.PurchaseRecord
	for _, rec := range purchases {
		if !IsActive(rec, now) {
			continue
		}
		active = append(active, rec)
		if rec.Status == types.PurchaseStatusPaid {
			paid = append(paid, rec)
		}
	}

	totalActive := len(active)
	effectiveMax := limits.Max()
	tier := DetermineTier(totalActive, limits)

	avail := Availability{
		TierLimits:        limits,
		EffectiveMaxSlots: effectiveMax,
		ReservedSlots:     min(totalActive, effectiveMax),
		AvailableSlots:    max(effectiveMax-totalActive, 0),
		TotalActive:       totalActive,
		TotalPaid:         len(paid),
		Tier:              tier,
		RemainingInTier:   RemainingInTier(totalActive, tier, limits),
		ClaimedPercentage: claimedPercentage(totalActive, effectiveMax),
	}
	if tier.IsValid() {
		open := tier
		avail.ActiveTier = &open
	}

	return Analysis{Availability: avail, Active: active, Paid: paid}
}

// ComputeAvailability is Analyze without the record subsets.
func ComputeAvailability(purchases []types.PurchaseRecord, rows []types.TierLimit, now time.Time) Availability {
	return Analyze(purchases, rows, now).Availability
}

func claimedPercentage(active, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(active) / float64(capacity)))
	return min(max(pct, 0), 100)
}

// UserLifetimeState is the caller-facing lifetime status.
type UserLifetimeState string

const (
	UserStateNone    UserLifetimeState = "none"
	UserStatePending UserLifetimeState = "pending"
	UserStatePaid    UserLifetimeState = "paid"
)

// UserStatus describes whether a user holds a slot.
type UserStatus struct {
	Tier                 types.LifetimeTier    `json:"tier,omitempty"`
	Status               UserLifetimeState     `json:"status"`
	ReservationExpiresAt *time.Time            `json:"reservation_expires_at,omitempty"`
	Purchase             *types.PurchaseRecord `json:"-"`
}

// ResolveUserStatus picks the record that decides userID's status from the
// active list. A paid record always wins over a pending one; among records
// of the same kind the most recently created wins.
func ResolveUserStatus(active []types.PurchaseRecord, userID string, now time.Time) UserStatus {
	none := UserStatus{Status: UserStateNone}
	if userID == "" {
		return none
	}

	var owned []types.PurchaseRecord
	for _, rec := range active {
		if rec.UserID == userID {
			owned = append(owned, rec)
		}
	}
	if len(owned) == 0 {
		return none
	}

	// Zero CreatedAt sorts as oldest.
	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})

	for i := range owned {
		if owned[i].Status == types.PurchaseStatusPaid {
			rec := owned[i]
			return UserStatus{Tier: rec.Tier, Status: UserStatePaid, Purchase: &rec}
		}
	}
	for i := range owned {
		if owned[i].Status == types.PurchaseStatusPending && IsActive(owned[i], now) {
			rec := owned[i]
			return UserStatus{
				Tier:                 rec.Tier,
				Status:               UserStatePending,
				ReservationExpiresAt: rec.ReservedUntil,
				Purchase:             &rec,
			}
		}
	}
	return none
}

// Rank orders tiers for upgrade decisions. No tier ranks below every tier.
func Rank(tier types.LifetimeTier) int {
	switch tier {
	case types.LifetimeTierEarly:
		return 0
	case types.LifetimeTierMid:
		return 1
	case types.LifetimeTierFinal:
		return 2
	}
	return -1
}

// IsUpgrade reports whether moving from current to next strictly raises rank.
func IsUpgrade(current, next types.LifetimeTier) bool {
	return Rank(next) > Rank(current)
}
