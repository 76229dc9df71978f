package lifetime

import (
	"math"
	"time"

	"scopesafe/internal/types"
)

// ReservationTTL is how long a pending purchase holds its slot.
const ReservationTTL = 15 * time.Minute

// Currency is the ISO code every lifetime price is charged in.
const Currency = "eur"

var tierPricesEUR = map[types.LifetimeTier]float64{
	types.LifetimeTierEarly: 100,
	types.LifetimeTierMid:   149,
	types.LifetimeTierFinal: 200,
}

// PriceEUR returns the display price in major units. Unknown tiers are free.
func PriceEUR(tier types.LifetimeTier) float64 {
	return tierPricesEUR[tier]
}

// AmountCents returns the price snapshot stored on a purchase, in minor
// units, never negative.
func AmountCents(tier types.LifetimeTier) int64 {
	return max(int64(math.Round(PriceEUR(tier)*100)), 0)
}
