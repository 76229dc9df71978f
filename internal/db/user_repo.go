package db

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"scopesafe/internal/types"
)

// UserRepository provides data access for the billing columns of the users
// table. Identity itself is owned by the auth provider.
type UserRepository struct {
	db DBTX
}

// NewUserRepository creates a new UserRepository backed by the given
// database connection (pool or transaction).
func NewUserRepository(db DBTX) *UserRepository {
	return &UserRepository{db: db}
}

// profileColumns defines the standard set of columns selected for profile
// queries. The order must match scanProfile.
const profileColumns = `id, email, lifetime_tier, stripe_customer_id,
	subscription_tier, subscription_status, stripe_subscription_id, stripe_price_id,
	subscription_current_period_end, subscription_cancel_at`

func scanProfile(row pgx.Row) (*types.UserProfile, error) {
	var (
		u              types.UserProfile
		email          *string
		lifetimeTier   *string
		customerID     *string
		subTier        *string
		subStatus      *string
		subscriptionID *string
		priceID        *string
	)
	err := row.Scan(
		&u.ID,
		&email,
		&lifetimeTier,
		&customerID,
		&subTier,
		&subStatus,
		&subscriptionID,
		&priceID,
		&u.CurrentPeriodEnd,
		&u.CancelAt,
	)
	if err != nil {
		return nil, err
	}
	u.Email = deref(email)
	u.LifetimeTier = types.LifetimeTier(deref(lifetimeTier))
	u.StripeCustomerID = deref(customerID)
	u.SubscriptionTier = types.SubscriptionTier(deref(subTier))
	if u.SubscriptionTier == "" {
		u.SubscriptionTier = types.SubscriptionFree
	}
	u.SubscriptionStatus = types.SubscriptionStatus(deref(subStatus))
	u.StripeSubscriptionID = deref(subscriptionID)
	u.StripePriceID = deref(priceID)
	return &u, nil
}

// GetProfile loads the billing profile of a user.
// Returns ErrCodeNotFoundUser if the row does not exist.
func (r *UserRepository) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM users WHERE id = $1`,
		userID,
	)
	u, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve user profile", err)
	}
	return u, nil
}

// FindForSettlement locates the user a completed checkout belongs to: by ID
// first, then by lower-cased email. An ID that is not a UUID cannot match
// the users table and goes straight to the email lookup. It returns
// (nil, nil) when neither matches.
func (r *UserRepository) FindForSettlement(ctx context.Context, userID, email string) (*types.UserProfile, error) {
	if uuid.Validate(userID) == nil {
		u, err := scanProfile(r.db.QueryRow(ctx,
			`SELECT `+profileColumns+` FROM users WHERE id = $1`,
			userID,
		))
		switch {
		case err == nil:
			return u, nil
		case !errors.Is(err, pgx.ErrNoRows):
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up user by id", err)
		}
	}

	if email == "" {
		return nil, nil
	}
	u, err := scanProfile(r.db.QueryRow(ctx,
		`SELECT `+profileColumns+` FROM users WHERE lower(email) = $1 LIMIT 1`,
		email,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up user by email", err)
	}
	return u, nil
}

// SetLifetimeTier records the lifetime tier a user owns.
func (r *UserRepository) SetLifetimeTier(ctx context.Context, userID string, tier types.LifetimeTier) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE users SET lifetime_tier = $2 WHERE id = $1`,
		userID,
		string(tier),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to set lifetime tier", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil)
	}
	return nil
}

// LinkStripeCustomer stores the provider customer ID on the user.
func (r *UserRepository) LinkStripeCustomer(ctx context.Context, userID, customerID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE users SET stripe_customer_id = $2 WHERE id = $1`,
		userID,
		customerID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link stripe customer", err)
	}
	return nil
}

// ApplySubscription writes a subscription event onto the user identified by
// userID, or by the stored customer ID when userID is empty. An empty
// upd.Tier keeps the stored tier. It returns the number of matched rows.
func (r *UserRepository) ApplySubscription(ctx context.Context, userID, customerID string, upd types.SubscriptionUpdate) (int64, error) {
	const set = `UPDATE users
		 SET stripe_customer_id = $2,
		     subscription_tier = COALESCE($3, subscription_tier),
		     subscription_status = $4,
		     stripe_subscription_id = $5,
		     stripe_price_id = $6,
		     subscription_current_period_end = $7,
		     subscription_cancel_at = $8`

	query, key := set+` WHERE id = $1`, userID
	if userID == "" {
		query, key = set+` WHERE stripe_customer_id = $1`, customerID
	}
	if key == "" {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, query,
		key,
		customerID,
		nullIfEmpty(string(upd.Tier)),
		string(upd.Status),
		nullIfEmpty(upd.SubscriptionID),
		nullIfEmpty(upd.PriceID),
		upd.CurrentPeriodEnd,
		upd.CancelAt,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to apply subscription update", err)
	}
	return tag.RowsAffected(), nil
}
