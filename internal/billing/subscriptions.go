package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"scopesafe/internal/types"
)

// Subscription event types handled by ApplyEvent.
const (
	EventSubscriptionCreated = "customer.subscription.created"
	EventSubscriptionUpdated = "customer.subscription.updated"
	EventSubscriptionDeleted = "customer.subscription.deleted"
)

// ApplyEvent outcomes.
const (
	AppliedUpdated   = "updated"
	AppliedNoKey     = "no_key"
	AppliedNoMatch   = "no_match"
	AppliedStoreFail = "persistence_failure"
)

// ProTrialDays is the free trial granted on new Pro subscriptions.
const ProTrialDays = 3

// SubscriptionEvent is the part of a provider subscription object that the
// users table mirrors.
type SubscriptionEvent struct {
	Type             string
	SubscriptionID   string
	CustomerID       string
	Status           types.SubscriptionStatus
	PriceID          string
	ProductID        string
	UserID           string
	CurrentPeriodEnd *time.Time
	CancelAt         *time.Time
}

// Cancelled reports whether the event ends the subscription.
func (e SubscriptionEvent) Cancelled() bool {
	return e.Type == EventSubscriptionDeleted ||
		e.Status == types.SubStatusCanceled ||
		e.Status == types.SubStatusIncompleteExpired
}

// ProductTiers maps provider product IDs to subscription tiers.
type ProductTiers map[types.SubscriptionTier]string

// TierFor returns the tier sold as productID, or "" when unknown.
func (p ProductTiers) TierFor(productID string) types.SubscriptionTier {
	if productID == "" {
		return ""
	}
	for tier, id := range p {
		if id == productID {
			return tier
		}
	}
	return ""
}

// SubscriptionUpdateFromEvent converts a subscription event into the user
// fields to write. A cancelled subscription resets the user to free and
// clears the provider references. An unknown product leaves the stored tier
// as it is.
func SubscriptionUpdateFromEvent(ev SubscriptionEvent, products ProductTiers) types.SubscriptionUpdate {
	if ev.Cancelled() {
		return types.SubscriptionUpdate{
			Tier:             types.SubscriptionFree,
			Status:           types.SubStatusFree,
			CurrentPeriodEnd: ev.CurrentPeriodEnd,
		}
	}
	return types.SubscriptionUpdate{
		Tier:             products.TierFor(ev.ProductID),
		Status:           ev.Status,
		SubscriptionID:   ev.SubscriptionID,
		PriceID:          ev.PriceID,
		CurrentPeriodEnd: ev.CurrentPeriodEnd,
		CancelAt:         ev.CancelAt,
	}
}

// SubscriptionStore is the users table access used by subscription flows.
type SubscriptionStore interface {
	GetProfile(ctx context.Context, userID string) (*types.UserProfile, error)
	LinkStripeCustomer(ctx context.Context, userID, customerID string) error
	ApplySubscription(ctx context.Context, userID, customerID string, upd types.SubscriptionUpdate) (int64, error)
}

// SubscriptionProvider is the payment-provider surface for recurring plans.
type SubscriptionProvider interface {
	ActivePriceForProduct(ctx context.Context, productID string) (string, error)
	CreateCustomer(ctx context.Context, userID, email, name string) (string, error)
	UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error
	CreateSubscriptionSession(ctx context.Context, params types.SubscriptionSessionParams) (*types.CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// SubscriptionConfig holds the static inputs of the subscription flows.
type SubscriptionConfig struct {
	Products        ProductTiers
	Redirects       types.RedirectURLs
	PortalReturnURL string
}

// DefaultSubscriptionConfig fills in redirect URLs relative to appURL for
// any that are unset.
func DefaultSubscriptionConfig(cfg SubscriptionConfig, appURL string) SubscriptionConfig {
	base := strings.TrimRight(appURL, "/")
	if base == "" {
		base = "http://localhost:3000"
	}
	if cfg.Redirects.Success == "" {
		cfg.Redirects.Success = base + "/dashboard/settings?checkout=success"
	}
	if cfg.Redirects.Cancel == "" {
		cfg.Redirects.Cancel = base + "/dashboard/settings?checkout=cancelled"
	}
	if cfg.PortalReturnURL == "" {
		cfg.PortalReturnURL = base + "/dashboard/settings"
	}
	return cfg
}

// SubscriptionService runs subscription checkout, the billing portal and
// subscription webhook updates.
type SubscriptionService struct {
	store    SubscriptionStore
	provider SubscriptionProvider
	cfg      SubscriptionConfig
	logger   *slog.Logger
}

// NewSubscriptionService creates a SubscriptionService.
func NewSubscriptionService(store SubscriptionStore, provider SubscriptionProvider, cfg SubscriptionConfig, logger *slog.Logger) *SubscriptionService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionService{store: store, provider: provider, cfg: cfg, logger: logger}
}

// Checkout opens a subscription checkout session for actor and returns its
// URL. rawTier must name a paid tier.
func (s *SubscriptionService) Checkout(ctx context.Context, actor types.Actor, rawTier string) (string, error) {
	logger := types.LoggerFromContext(ctx, s.logger)

	tier := NormalizeTier(rawTier)
	if !tier.IsPaid() {
		return "", types.NewAppError(types.ErrCodeValidationInvalidTier, "Unsupported subscription tier requested.", nil)
	}
	productID := s.cfg.Products[tier]
	if productID == "" {
		return "", types.NewAppError(types.ErrCodeInternalTierMisconfigured, "Stripe product not configured for this tier.", nil)
	}
	priceID, err := s.provider.ActivePriceForProduct(ctx, productID)
	if err != nil {
		logger.Error("failed to resolve subscription price", "tier", tier, "error", err)
		return "", types.NewAppError(types.ErrCodeUpstreamStripe, "Unable to resolve Stripe price for this tier.", err)
	}

	profile, err := s.store.GetProfile(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	if profile.StripeSubscriptionID != "" && profile.SubscriptionStatus.GrantsAccess() {
		return "", types.NewAppError(types.ErrCodeConflictSubscriptionActive,
			"There is already an active subscription. Manage changes via the billing portal.", nil)
	}

	customerID, err := s.ensureCustomer(ctx, logger, actor, profile)
	if err != nil {
		return "", err
	}

	params := types.SubscriptionSessionParams{
		PriceID:    priceID,
		UserID:     actor.ID,
		CustomerID: customerID,
		Tier:       tier,
		Redirects:  s.cfg.Redirects,
	}
	if tier == types.SubscriptionPro {
		params.TrialDays = ProTrialDays
	}
	session, err := s.provider.CreateSubscriptionSession(ctx, params)
	if err != nil {
		logger.Error("failed to create subscription checkout session", "tier", tier, "error", err)
		return "", types.NewAppError(types.ErrCodeUpstreamStripeSession, "Unable to create Stripe checkout session.", err)
	}
	return session.URL, nil
}

// ensureCustomer returns the provider customer for the user, creating one
// on first checkout. Failing to store a new customer ID is logged only; the
// webhook links it again on completion.
func (s *SubscriptionService) ensureCustomer(ctx context.Context, logger *slog.Logger, actor types.Actor, profile *types.UserProfile) (string, error) {
	if profile.StripeCustomerID != "" {
		meta := map[string]string{"supabaseUserId": actor.ID}
		if profile.SubscriptionTier != "" {
			meta["currentTier"] = string(profile.SubscriptionTier)
		}
		if err := s.provider.UpdateCustomerMetadata(ctx, profile.StripeCustomerID, meta); err != nil {
			logger.Warn("failed to refresh customer metadata", "customer_id", profile.StripeCustomerID, "error", err)
		}
		return profile.StripeCustomerID, nil
	}

	email := profile.Email
	if email == "" {
		email = actor.Email
	}
	customerID, err := s.provider.CreateCustomer(ctx, actor.ID, email, "")
	if err != nil {
		logger.Error("failed to create stripe customer", "error", err)
		return "", types.NewAppError(types.ErrCodeUpstreamStripeSession, "Unable to create Stripe checkout session.", err)
	}
	if err := s.store.LinkStripeCustomer(ctx, actor.ID, customerID); err != nil {
		logger.Error("failed to persist stripe customer", "customer_id", customerID, "error", err)
	}
	return customerID, nil
}

// Portal opens a billing portal session for the actor's customer.
func (s *SubscriptionService) Portal(ctx context.Context, actor types.Actor) (string, error) {
	profile, err := s.store.GetProfile(ctx, actor.ID)
	if err != nil {
		return "", err
	}
	if profile.StripeCustomerID == "" {
		return "", types.NewAppError(types.ErrCodeValidationNoCustomer,
			"No Stripe customer found. Start a subscription before accessing the billing portal.", nil)
	}
	url, err := s.provider.CreatePortalSession(ctx, profile.StripeCustomerID, s.cfg.PortalReturnURL)
	if err != nil {
		types.LoggerFromContext(ctx, s.logger).Error("failed to create portal session", "error", err)
		return "", types.NewAppError(types.ErrCodeUpstreamStripeSession, "Unable to create billing portal session.", err)
	}
	return url, nil
}

// Entitlements loads the user and computes what they may do.
func (s *SubscriptionService) Entitlements(ctx context.Context, userID string) (Entitlements, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		return Entitlements{}, err
	}
	return ComputeEntitlements(profile.SubscriptionTier, profile.SubscriptionStatus, profile.LifetimeTier), nil
}

// ApplyEvent mirrors a subscription event onto the user. The user is found
// by the ID carried in metadata, else by the stored customer ID. Failures
// are logged and reported through the returned outcome.
func (s *SubscriptionService) ApplyEvent(ctx context.Context, ev SubscriptionEvent) string {
	logger := types.LoggerFromContext(ctx, s.logger).With(
		"event_type", ev.Type,
		"subscription_id", ev.SubscriptionID,
		"customer_id", ev.CustomerID,
	)
	if ev.UserID == "" && ev.CustomerID == "" {
		logger.Warn("subscription event carries no user or customer reference")
		return AppliedNoKey
	}

	upd := SubscriptionUpdateFromEvent(ev, s.cfg.Products)
	n, err := s.store.ApplySubscription(ctx, ev.UserID, ev.CustomerID, upd)
	if err != nil {
		logger.Error("failed to apply subscription update", "error", err)
		return AppliedStoreFail
	}
	if n == 0 {
		logger.Warn("subscription event matched no user", "user_id", ev.UserID)
		return AppliedNoMatch
	}
	logger.Info("subscription updated", "user_id", ev.UserID, "status", upd.Status, "tier", upd.Tier)
	return AppliedUpdated
}
