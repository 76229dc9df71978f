package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"scopesafe/internal/lifetime"
	"scopesafe/internal/types"
)

// LifetimePurchaseRepository provides data access for the lifetime_purchases
// table. It serves the checkout flow (list, create, attach, release), the
// webhook settlement (mark paid / closed) and the reservation sweep.
type LifetimePurchaseRepository struct {
	db DBTX
}

// NewLifetimePurchaseRepository creates a new LifetimePurchaseRepository
// backed by the given database connection (pool or transaction).
func NewLifetimePurchaseRepository(db DBTX) *LifetimePurchaseRepository {
	return &LifetimePurchaseRepository{db: db}
}

const purchaseColumns = `id, user_id, email, tier, status, amount_cents, currency,
	reserved_expires_at, created_at, stripe_session_id, stripe_payment_intent_id`

// scanPurchase scans a row selected with purchaseColumns. NULL text columns
// become empty strings.
func scanPurchase(row pgx.Row) (types.PurchaseRecord, error) {
	var (
		p               types.PurchaseRecord
		userID          *string
		email           *string
		sessionID       *string
		paymentIntentID *string
	)
	err := row.Scan(
		&p.ID,
		&userID,
		&email,
		&p.Tier,
		&p.Status,
		&p.AmountCents,
		&p.Currency,
		&p.ReservedUntil,
		&p.CreatedAt,
		&sessionID,
		&paymentIntentID,
	)
	if err != nil {
		return types.PurchaseRecord{}, err
	}
	p.UserID = deref(userID)
	p.Email = deref(email)
	p.StripeSessionID = deref(sessionID)
	p.StripePaymentIntentID = deref(paymentIntentID)
	return p, nil
}

// ListByStatuses returns every purchase whose status is one of statuses.
// Results are unordered; the allocation engine does not depend on order.
func (r *LifetimePurchaseRepository) ListByStatuses(ctx context.Context, statuses ...types.PurchaseStatus) ([]types.PurchaseRecord, error) {
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	rows, err := r.db.Query(ctx,
		`SELECT `+purchaseColumns+`
		 FROM lifetime_purchases
		 WHERE status = ANY($1)`,
		names,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list lifetime purchases", err)
	}
	defer rows.Close()

	var out []types.PurchaseRecord
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan lifetime purchase", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating lifetime purchases", err)
	}
	return out, nil
}

// Create inserts a new purchase row. CreatedAt is assigned by the database
// and written back to rec.
func (r *LifetimePurchaseRepository) Create(ctx context.Context, rec *types.PurchaseRecord) error {
	err := r.db.QueryRow(ctx,
		`INSERT INTO lifetime_purchases
		   (id, user_id, email, tier, status, amount_cents, currency, reserved_expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at`,
		rec.ID,
		nullIfEmpty(rec.UserID),
		nullIfEmpty(rec.Email),
		string(rec.Tier),
		string(rec.Status),
		rec.AmountCents,
		rec.Currency,
		rec.ReservedUntil,
	).Scan(&rec.CreatedAt)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create lifetime purchase", err)
	}
	return nil
}

// AttachSession records the provider session on a freshly created purchase.
func (r *LifetimePurchaseRepository) AttachSession(ctx context.Context, id, sessionID, paymentIntentID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE lifetime_purchases
		 SET stripe_session_id = $2,
		     stripe_payment_intent_id = $3,
		     updated_at = NOW()
		 WHERE id = $1`,
		id,
		nullIfEmpty(sessionID),
		nullIfEmpty(paymentIntentID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to attach checkout session", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundPurchase, "lifetime purchase not found", nil)
	}
	return nil
}

// Release rolls back a reservation whose checkout session could not be
// created.
func (r *LifetimePurchaseRepository) Release(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE lifetime_purchases
		 SET status = 'cancelled',
		     reserved_expires_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release lifetime reservation", err)
	}
	return nil
}

// MarkPaid settles a purchase. The row is matched by ID when present, and by
// provider session ID otherwise or when the ID matched nothing. Empty update
// fields keep the stored value.
func (r *LifetimePurchaseRepository) MarkPaid(ctx context.Context, ref types.PurchaseRef, upd lifetime.PaidUpdate) (int64, error) {
	const set = `UPDATE lifetime_purchases
		 SET status = 'paid',
		     reserved_expires_at = NULL,
		     stripe_session_id = COALESCE($2, stripe_session_id),
		     stripe_payment_intent_id = COALESCE($3, stripe_payment_intent_id),
		     user_id = COALESCE($4::uuid, user_id),
		     email = COALESCE($5, email),
		     updated_at = NOW()`

	args := func(key string) []any {
		return []any{
			key,
			nullIfEmpty(upd.SessionID),
			nullIfEmpty(upd.PaymentIntentID),
			nullIfEmpty(upd.UserID),
			nullIfEmpty(upd.Email),
		}
	}

	return r.updateByRef(ctx, ref, set+` WHERE id = $1`, set+` WHERE stripe_session_id = $1`, args, "failed to mark lifetime purchase paid")
}

// MarkClosed moves a still-pending purchase to status (expired or
// cancelled) and frees its slot. Rows in any other status are left alone,
// so a late expiry event never reopens a paid purchase.
func (r *LifetimePurchaseRepository) MarkClosed(ctx context.Context, ref types.PurchaseRef, status types.PurchaseStatus, paymentIntentID string) (int64, error) {
	const set = `UPDATE lifetime_purchases
		 SET status = $2,
		     reserved_expires_at = NULL,
		     stripe_session_id = COALESCE($3, stripe_session_id),
		     stripe_payment_intent_id = COALESCE($4, stripe_payment_intent_id),
		     updated_at = NOW()`

	args := func(key string) []any {
		return []any{
			key,
			string(status),
			nullIfEmpty(ref.SessionID),
			nullIfEmpty(paymentIntentID),
		}
	}

	return r.updateByRef(ctx, ref,
		set+` WHERE id = $1 AND status = 'pending'`,
		set+` WHERE stripe_session_id = $1 AND status = 'pending'`,
		args, "failed to close lifetime purchase")
}

func (r *LifetimePurchaseRepository) updateByRef(
	ctx context.Context,
	ref types.PurchaseRef,
	byID, bySession string,
	args func(key string) []any,
	failMsg string,
) (int64, error) {
	if ref.ID != "" {
		tag, err := r.db.Exec(ctx, byID, args(ref.ID)...)
		if err != nil {
			return 0, types.NewAppError(types.ErrCodeInternalDB, failMsg, err)
		}
		if n := tag.RowsAffected(); n > 0 || ref.SessionID == "" {
			return n, nil
		}
	}
	if ref.SessionID == "" {
		return 0, nil
	}

	tag, err := r.db.Exec(ctx, bySession, args(ref.SessionID)...)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, failMsg, err)
	}
	return tag.RowsAffected(), nil
}

// ExpireLapsed marks pending reservations whose deadline is before cutoff
// as expired and returns how many rows changed. Reservations without a
// deadline are never swept.
func (r *LifetimePurchaseRepository) ExpireLapsed(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE lifetime_purchases
		 SET status = 'expired',
		     reserved_expires_at = NULL,
		     updated_at = NOW()
		 WHERE status = 'pending'
		   AND reserved_expires_at IS NOT NULL
		   AND reserved_expires_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to expire lapsed reservations", err)
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
