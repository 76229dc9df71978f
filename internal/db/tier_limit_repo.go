package db

import (
	"context"

	"scopesafe/internal/types"
)

// TierLimitRepository provides data access for the lifetime_tier_limits
// table.
type TierLimitRepository struct {
	db DBTX
}

// NewTierLimitRepository creates a new TierLimitRepository.
func NewTierLimitRepository(db DBTX) *TierLimitRepository {
	return &TierLimitRepository{db: db}
}

// List returns every configured tier limit row. Unknown tiers are returned
// as stored; lifetime.ResolveTierLimits discards them.
func (r *TierLimitRepository) List(ctx context.Context) ([]types.TierLimit, error) {
	rows, err := r.db.Query(ctx,
		`SELECT tier, max_slots FROM lifetime_tier_limits`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list tier limits", err)
	}
	defer rows.Close()

	var out []types.TierLimit
	for rows.Next() {
		var l types.TierLimit
		if err := rows.Scan(&l.Tier, &l.MaxSlots); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan tier limit", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating tier limits", err)
	}
	return out, nil
}

// Upsert sets the cumulative slot ceiling for a tier.
func (r *TierLimitRepository) Upsert(ctx context.Context, limit types.TierLimit) error {
	if !limit.Tier.IsValid() {
		return types.NewAppError(types.ErrCodeValidationInvalidTier, "unknown lifetime tier: "+string(limit.Tier), nil)
	}
	if limit.MaxSlots < 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidBody, "max_slots must not be negative", nil)
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO lifetime_tier_limits (tier, max_slots)
		 VALUES ($1, $2)
		 ON CONFLICT (tier) DO UPDATE SET max_slots = EXCLUDED.max_slots`,
		string(limit.Tier),
		limit.MaxSlots,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert tier limit", err)
	}
	return nil
}
