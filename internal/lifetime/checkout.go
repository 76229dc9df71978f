package lifetime

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"scopesafe/internal/types"
)

// ProfileReader loads the user row the checkout flow needs.
type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*types.UserProfile, error)
}

// PurchaseStore is the lifetime_purchases access used by checkout.
type PurchaseStore interface {
	ListByStatuses(ctx context.Context, statuses ...types.PurchaseStatus) ([]types.PurchaseRecord, error)
	Create(ctx context.Context, rec *types.PurchaseRecord) error
	AttachSession(ctx context.Context, id, sessionID, paymentIntentID string) error
	Release(ctx context.Context, id string) error
}

// TierLimitReader loads the configured tier thresholds.
type TierLimitReader interface {
	List(ctx context.Context) ([]types.TierLimit, error)
}

// CheckoutProvider is the payment-provider surface used to start a purchase.
type CheckoutProvider interface {
	ActivePriceForProduct(ctx context.Context, productID string) (string, error)
	CreateLifetimeSession(ctx context.Context, params types.LifetimeSessionParams) (*types.CheckoutSession, error)
}

// CheckoutLocker serialises concurrent checkout attempts by the same user.
// It does not coordinate different users competing for the last slot.
type CheckoutLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Metrics receives checkout and settlement outcomes.
type Metrics interface {
	RecordCheckout(ctx context.Context, outcome string)
	RecordSettlement(ctx context.Context, eventType, outcome string)
	RecordAvailability(ctx context.Context, avail Availability)
}

// Checkout outcomes reported to Metrics.
const (
	OutcomeReserved          = "reserved"
	OutcomeAlreadyOwned      = "already_owned"
	OutcomeInProgress        = "in_progress"
	OutcomeSoldOut           = "sold_out"
	OutcomeMisconfigured     = "misconfigured"
	OutcomeProviderFailed    = "provider_failed"
	OutcomePersistenceFailed = "persistence_failed"
)

const checkoutLockTTL = 30 * time.Second

// CheckoutConfig holds the static inputs of the checkout flow.
type CheckoutConfig struct {
	// ProductIDs maps each tier to the provider product sold for it.
	ProductIDs map[types.LifetimeTier]string
	// AppURL is the public web origin used for checkout redirects.
	AppURL string
	// ReservationTTL overrides the default hold window when positive.
	ReservationTTL time.Duration
}

// Reservation is the result of a successful checkout start.
type Reservation struct {
	PurchaseID  string
	Tier        types.LifetimeTier
	CheckoutURL string
	SessionID   string
	ExpiresAt   time.Time
}

// CheckoutService reserves a lifetime slot and opens a provider checkout
// session for it.
type CheckoutService struct {
	profiles  ProfileReader
	purchases PurchaseStore
	limits    TierLimitReader
	provider  CheckoutProvider
	locker    CheckoutLocker
	metrics   Metrics
	cfg       CheckoutConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewCheckoutService wires the checkout flow. locker and metrics may be nil.
func NewCheckoutService(
	profiles ProfileReader,
	purchases PurchaseStore,
	limits TierLimitReader,
	provider CheckoutProvider,
	locker CheckoutLocker,
	metrics Metrics,
	cfg CheckoutConfig,
	logger *slog.Logger,
) *CheckoutService {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = ReservationTTL
	}
	return &CheckoutService{
		profiles:  profiles,
		purchases: purchases,
		limits:    limits,
		provider:  provider,
		locker:    locker,
		metrics:   metrics,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// Load reads the purchase rows and tier limits concurrently and analyzes
// them at now.
func (s *CheckoutService) Load(ctx context.Context, now time.Time) (Analysis, error) {
	var (
		purchases []types.PurchaseRecord
		rows      []types.TierLimit
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		purchases, err = s.purchases.ListByStatuses(gctx, types.PurchaseStatusPending, types.PurchaseStatusPaid)
		return err
	})
	g.Go(func() error {
		var err error
		rows, err = s.limits.List(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return Analysis{}, types.NewAppError(types.ErrCodeInternalDB, "Unable to verify lifetime availability.", err)
	}

	return Analyze(purchases, rows, now), nil
}

// Availability returns the current program availability.
func (s *CheckoutService) Availability(ctx context.Context) (Availability, error) {
	analysis, err := s.Load(ctx, s.now().UTC())
	if err != nil {
		return Availability{}, err
	}
	if s.metrics != nil {
		s.metrics.RecordAvailability(ctx, analysis.Availability)
	}
	return analysis.Availability, nil
}

// Status returns userID's lifetime status.
func (s *CheckoutService) Status(ctx context.Context, userID string) (UserStatus, error) {
	now := s.now().UTC()
	analysis, err := s.Load(ctx, now)
	if err != nil {
		return UserStatus{}, err
	}
	return ResolveUserStatus(analysis.Active, userID, now), nil
}

// Reserve runs the reserve-then-pay flow for actor. Expected rejections are
// returned as *types.AppError with a conflict code; infrastructure failures
// carry an internal or upstream code.
//
// Two different users racing for the last slot can both pass the
// availability check and both insert a pending row, overbooking the tier
// until one reservation lapses. Capacity is a soft limit.
func (s *CheckoutService) Reserve(ctx context.Context, actor types.Actor) (*Reservation, error) {
	if actor.ID == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenMissing, "Please sign in to purchase lifetime access.", nil)
	}
	logger := s.logger.With("user_id", actor.ID)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "lifetime-checkout:"+actor.ID, checkoutLockTTL)
		if err != nil {
			// The lock only guards double clicks; proceed without it.
			logger.WarnContext(ctx, "checkout lock unavailable", "error", err)
		} else if !ok {
			return nil, s.reject(ctx, OutcomeInProgress, inProgressErr())
		} else {
			defer unlock()
		}
	}

	profile, err := s.profiles.GetProfile(ctx, actor.ID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load profile for lifetime checkout", "error", err)
		return nil, s.fail(ctx, OutcomePersistenceFailed,
			types.NewAppError(types.ErrCodeInternalDB, "Unable to load your account details.", err))
	}
	if profile.LifetimeTier.IsValid() {
		return nil, s.reject(ctx, OutcomeAlreadyOwned, alreadyOwnedErr())
	}

	now := s.now().UTC()
	analysis, err := s.Load(ctx, now)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load lifetime availability", "error", err)
		return nil, s.fail(ctx, OutcomePersistenceFailed, err)
	}

	switch ResolveUserStatus(analysis.Active, actor.ID, now).Status {
	case UserStatePaid:
		return nil, s.reject(ctx, OutcomeAlreadyOwned, alreadyOwnedErr())
	case UserStatePending:
		return nil, s.reject(ctx, OutcomeInProgress, inProgressErr())
	}

	avail := analysis.Availability
	if avail.ActiveTier == nil || avail.RemainingInTier <= 0 {
		return nil, s.reject(ctx, OutcomeSoldOut,
			types.NewAppError(types.ErrCodeConflictSoldOut, "The lifetime offer is sold out.", nil))
	}
	tier := *avail.ActiveTier

	priceID, err := s.resolvePrice(ctx, tier)
	if err != nil {
		logger.ErrorContext(ctx, "lifetime tier misconfigured", "tier", string(tier), "error", err)
		return nil, s.fail(ctx, OutcomeMisconfigured, err)
	}

	email := strings.ToLower(strings.TrimSpace(profile.Email))
	if email == "" {
		email = strings.ToLower(strings.TrimSpace(actor.Email))
	}
	expiresAt := now.Add(s.cfg.ReservationTTL)
	rec := &types.PurchaseRecord{
		ID:            uuid.New().String(),
		UserID:        actor.ID,
		Email:         email,
		Tier:          tier,
		Status:        types.PurchaseStatusPending,
		AmountCents:   AmountCents(tier),
		Currency:      Currency,
		ReservedUntil: &expiresAt,
		CreatedAt:     now,
	}
	if err := s.purchases.Create(ctx, rec); err != nil {
		logger.ErrorContext(ctx, "failed to reserve lifetime slot", "tier", string(tier), "error", err)
		return nil, s.fail(ctx, OutcomePersistenceFailed,
			types.NewAppError(types.ErrCodeInternalDB, "Unable to reserve a lifetime slot right now.", err))
	}
	logger = logger.With("purchase_id", rec.ID, "tier", string(tier))

	session, err := s.provider.CreateLifetimeSession(ctx, types.LifetimeSessionParams{
		PriceID:    priceID,
		PurchaseID: rec.ID,
		UserID:     actor.ID,
		Email:      email,
		CustomerID: profile.StripeCustomerID,
		Tier:       tier,
		Redirects:  s.redirects(tier),
	})
	if err == nil && (session == nil || session.URL == "") {
		err = fmt.Errorf("checkout session returned without a URL")
	}
	if err != nil {
		logger.ErrorContext(ctx, "lifetime checkout session error", "error", err)
		s.release(ctx, logger, rec.ID)
		return nil, s.fail(ctx, OutcomeProviderFailed,
			types.NewAppError(types.ErrCodeUpstreamStripeSession, "Unable to create lifetime checkout session.", err))
	}

	// The webhook can still match the purchase by its id in session
	// metadata, so a failed attach does not abort the checkout.
	if err := s.purchases.AttachSession(ctx, rec.ID, session.ID, session.PaymentIntentID); err != nil {
		logger.ErrorContext(ctx, "failed to attach checkout session to lifetime purchase",
			"session_id", session.ID, "error", err)
	}

	if s.metrics != nil {
		s.metrics.RecordCheckout(ctx, OutcomeReserved)
	}
	logger.InfoContext(ctx, "lifetime slot reserved", "session_id", session.ID, "expires_at", expiresAt)

	return &Reservation{
		PurchaseID:  rec.ID,
		Tier:        tier,
		CheckoutURL: session.URL,
		SessionID:   session.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *CheckoutService) resolvePrice(ctx context.Context, tier types.LifetimeTier) (string, error) {
	productID := s.cfg.ProductIDs[tier]
	if productID == "" {
		return "", types.NewAppError(types.ErrCodeInternalTierMisconfigured,
			"Stripe is not configured for this lifetime tier.", nil)
	}
	if PriceEUR(tier) <= 0 {
		return "", types.NewAppError(types.ErrCodeInternalTierMisconfigured,
			"Lifetime pricing is not configured for this tier.", nil)
	}
	priceID, err := s.provider.ActivePriceForProduct(ctx, productID)
	if err != nil || priceID == "" {
		return "", types.NewAppError(types.ErrCodeInternalTierMisconfigured,
			"Unable to resolve Stripe price for this tier.", err)
	}
	return priceID, nil
}

func (s *CheckoutService) redirects(tier types.LifetimeTier) types.RedirectURLs {
	base := strings.TrimRight(s.cfg.AppURL, "/") + "/get-lifetime-access"
	build := func(outcome string) string {
		q := url.Values{}
		q.Set("checkout", outcome)
		q.Set("tier", string(tier))
		return base + "?" + q.Encode()
	}
	return types.RedirectURLs{Success: build("success"), Cancel: build("cancelled")}
}

// release is the compensating write after a failed session creation.
func (s *CheckoutService) release(ctx context.Context, logger *slog.Logger, purchaseID string) {
	if err := s.purchases.Release(context.WithoutCancel(ctx), purchaseID); err != nil {
		logger.ErrorContext(ctx, "failed to release lifetime slot after checkout error", "error", err)
	}
}

func (s *CheckoutService) reject(ctx context.Context, outcome string, err *types.AppError) error {
	s.logger.InfoContext(ctx, "lifetime checkout rejected", "outcome", outcome, "code", string(err.Code))
	if s.metrics != nil {
		s.metrics.RecordCheckout(ctx, outcome)
	}
	return err
}

func (s *CheckoutService) fail(ctx context.Context, outcome string, err error) error {
	if s.metrics != nil {
		s.metrics.RecordCheckout(ctx, outcome)
	}
	return err
}

func alreadyOwnedErr() *types.AppError {
	return types.NewAppError(types.ErrCodeConflictLifetimeOwned,
		"Lifetime access is already active on this account.", nil)
}

func inProgressErr() *types.AppError {
	return types.NewAppError(types.ErrCodeConflictReservationPending,
		"You already have a lifetime checkout in progress. Please finish the existing checkout to keep your reservation.", nil)
}
