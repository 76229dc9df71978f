package lifetime

import (
	"context"
	"log/slog"
	"strings"

	"scopesafe/internal/types"
)

// SettlementStore applies provider outcomes to purchase rows. Each method
// reports how many rows matched.
type SettlementStore interface {
	MarkPaid(ctx context.Context, ref types.PurchaseRef, upd PaidUpdate) (int64, error)
	MarkClosed(ctx context.Context, ref types.PurchaseRef, status types.PurchaseStatus, paymentIntentID string) (int64, error)
}

// UserStore is the users table access needed to record lifetime ownership.
// FindForSettlement returns (nil, nil) when no user matches.
type UserStore interface {
	FindForSettlement(ctx context.Context, userID, email string) (*types.UserProfile, error)
	SetLifetimeTier(ctx context.Context, userID string, tier types.LifetimeTier) error
	LinkStripeCustomer(ctx context.Context, userID, customerID string) error
}

// PaidUpdate carries the fields written when a purchase settles as paid.
// Empty strings leave the stored column untouched.
type PaidUpdate struct {
	SessionID       string
	PaymentIntentID string
	UserID          string
	Email           string
}

// CompletedSession is the part of a completed checkout session that
// settlement needs.
type CompletedSession struct {
	SessionID       string
	Mode            string
	PaymentStatus   string
	PurchaseID      string
	Tier            types.LifetimeTier
	UserID          string
	Email           string
	CustomerID      string
	PaymentIntentID string
}

// Settlement outcomes reported to Metrics and logs.
const (
	SettledNotLifetime  = "not_lifetime"
	SettledNoUser       = "unresolvable_user"
	SettledUpgraded     = "upgraded"
	SettledUnchanged    = "tier_unchanged"
	SettledClosed       = "closed"
	SettledNoMatch      = "no_match"
	SettledStoreFailure = "persistence_failure"
)

// Settler finalizes reservations from payment-provider events. Every
// sub-operation logs and swallows its own failure so that, for example, a
// failed tier write does not undo the purchase being marked paid.
type Settler struct {
	purchases SettlementStore
	users     UserStore
	metrics   Metrics
	logger    *slog.Logger
}

// NewSettler creates a Settler. metrics may be nil.
func NewSettler(purchases SettlementStore, users UserStore, metrics Metrics, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{purchases: purchases, users: users, metrics: metrics, logger: logger}
}

// Complete handles checkout.session.completed. Re-delivery is safe: the
// purchase write is a plain assignment and the tier write only ever raises
// the stored rank.
func (s *Settler) Complete(ctx context.Context, cs CompletedSession) string {
	logger := s.logger.With("session_id", cs.SessionID)

	if cs.UserID != "" && cs.CustomerID != "" {
		if err := s.users.LinkStripeCustomer(ctx, cs.UserID, cs.CustomerID); err != nil {
			logger.ErrorContext(ctx, "failed to link stripe customer to user",
				"user_id", cs.UserID, "error", err)
		}
	}

	if cs.Mode != "payment" || cs.PaymentStatus != "paid" || !cs.Tier.IsValid() {
		return s.record(ctx, "checkout.session.completed", SettledNotLifetime)
	}
	logger = logger.With("tier", string(cs.Tier))

	email := strings.ToLower(strings.TrimSpace(cs.Email))
	ref := types.PurchaseRef{ID: cs.PurchaseID, SessionID: cs.SessionID}
	if cs.PurchaseID == "" {
		logger.WarnContext(ctx, "lifetime session missing purchase metadata, matching by session id")
	}

	n, err := s.purchases.MarkPaid(ctx, ref, PaidUpdate{
		SessionID:       cs.SessionID,
		PaymentIntentID: cs.PaymentIntentID,
		UserID:          cs.UserID,
		Email:           email,
	})
	switch {
	case err != nil:
		logger.ErrorContext(ctx, "failed to mark lifetime purchase paid",
			"purchase_id", cs.PurchaseID, "error", err)
	case n == 0:
		logger.WarnContext(ctx, "no lifetime purchase matched completed session",
			"purchase_id", cs.PurchaseID)
	default:
		logger.InfoContext(ctx, "lifetime purchase paid", "purchase_id", cs.PurchaseID)
	}

	if cs.UserID == "" && email == "" {
		logger.ErrorContext(ctx, "lifetime checkout completed without user identifiers")
		return s.record(ctx, "checkout.session.completed", SettledNoUser)
	}

	user, err := s.users.FindForSettlement(ctx, cs.UserID, email)
	if err != nil {
		logger.ErrorContext(ctx, "failed to locate user for lifetime checkout",
			"user_id", cs.UserID, "error", err)
		return s.record(ctx, "checkout.session.completed", SettledStoreFailure)
	}
	if user == nil {
		logger.WarnContext(ctx, "lifetime checkout completed but no matching user record was found",
			"user_id", cs.UserID, "email", email)
		return s.record(ctx, "checkout.session.completed", SettledNoUser)
	}

	if !IsUpgrade(user.LifetimeTier, cs.Tier) {
		logger.InfoContext(ctx, "lifetime tier unchanged",
			"user_id", user.ID, "current_tier", string(user.LifetimeTier))
		return s.record(ctx, "checkout.session.completed", SettledUnchanged)
	}
	if err := s.users.SetLifetimeTier(ctx, user.ID, cs.Tier); err != nil {
		logger.ErrorContext(ctx, "failed to persist lifetime tier on user",
			"user_id", user.ID, "error", err)
		return s.record(ctx, "checkout.session.completed", SettledStoreFailure)
	}
	logger.InfoContext(ctx, "lifetime tier upgraded",
		"user_id", user.ID, "from", string(user.LifetimeTier), "to", string(cs.Tier))
	return s.record(ctx, "checkout.session.completed", SettledUpgraded)
}

// Expire handles checkout.session.expired; the slot frees immediately.
func (s *Settler) Expire(ctx context.Context, ref types.PurchaseRef, paymentIntentID string) string {
	return s.close(ctx, "checkout.session.expired", ref, types.PurchaseStatusExpired, paymentIntentID)
}

// Fail handles checkout.session.async_payment_failed.
func (s *Settler) Fail(ctx context.Context, ref types.PurchaseRef, paymentIntentID string) string {
	return s.close(ctx, "checkout.session.async_payment_failed", ref, types.PurchaseStatusCancelled, paymentIntentID)
}

func (s *Settler) close(ctx context.Context, eventType string, ref types.PurchaseRef, status types.PurchaseStatus, paymentIntentID string) string {
	logger := s.logger.With("event_type", eventType, "purchase_id", ref.ID, "session_id", ref.SessionID)
	if ref.IsEmpty() {
		logger.WarnContext(ctx, "lifetime session event without purchase reference")
		return s.record(ctx, eventType, SettledNoMatch)
	}

	n, err := s.purchases.MarkClosed(ctx, ref, status, paymentIntentID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to update lifetime purchase status",
			"status", string(status), "error", err)
		return s.record(ctx, eventType, SettledStoreFailure)
	}
	if n == 0 {
		logger.InfoContext(ctx, "no pending lifetime purchase matched session event")
		return s.record(ctx, eventType, SettledNoMatch)
	}
	logger.InfoContext(ctx, "lifetime reservation released", "status", string(status))
	return s.record(ctx, eventType, SettledClosed)
}

func (s *Settler) record(ctx context.Context, eventType, outcome string) string {
	if s.metrics != nil {
		s.metrics.RecordSettlement(ctx, eventType, outcome)
	}
	return outcome
}
