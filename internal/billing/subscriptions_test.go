package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"scopesafe/internal/types"
)

// --- Mock implementations ---

type mockSubscriptionStore struct {
	mock.Mock
}

func (m *mockSubscriptionStore) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	args := m.Called(ctx, userID)
	if p := args.Get(0); p != nil {
		return p.(*types.UserProfile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriptionStore) LinkStripeCustomer(ctx context.Context, userID, customerID string) error {
	return m.Called(ctx, userID, customerID).Error(0)
}

func (m *mockSubscriptionStore) ApplySubscription(ctx context.Context, userID, customerID string, upd types.SubscriptionUpdate) (int64, error) {
	args := m.Called(ctx, userID, customerID, upd)
	return args.Get(0).(int64), args.Error(1)
}

type mockSubscriptionProvider struct {
	mock.Mock
}

func (m *mockSubscriptionProvider) ActivePriceForProduct(ctx context.Context, productID string) (string, error) {
	args := m.Called(ctx, productID)
	return args.String(0), args.Error(1)
}

func (m *mockSubscriptionProvider) CreateCustomer(ctx context.Context, userID, email, name string) (string, error) {
	args := m.Called(ctx, userID, email, name)
	return args.String(0), args.Error(1)
}

func (m *mockSubscriptionProvider) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	return m.Called(ctx, customerID, metadata).Error(0)
}

func (m *mockSubscriptionProvider) CreateSubscriptionSession(ctx context.Context, params types.SubscriptionSessionParams) (*types.CheckoutSession, error) {
	args := m.Called(ctx, params)
	if s := args.Get(0); s != nil {
		return s.(*types.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockSubscriptionProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	args := m.Called(ctx, customerID, returnURL)
	return args.String(0), args.Error(1)
}

// --- Helpers ---

var testProducts = ProductTiers{
	types.SubscriptionPro:      "prod_pro",
	types.SubscriptionBusiness: "prod_biz",
}

func setupSubscriptions() (*SubscriptionService, *mockSubscriptionStore, *mockSubscriptionProvider) {
	store := new(mockSubscriptionStore)
	provider := new(mockSubscriptionProvider)
	cfg := DefaultSubscriptionConfig(SubscriptionConfig{Products: testProducts}, "https://app.scopesafe.test/")
	return NewSubscriptionService(store, provider, cfg, nil), store, provider
}

func requireCode(t *testing.T, err error, code types.ErrorCode) {
	t.Helper()
	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, code, appErr.Code)
}

var owner = types.Actor{ID: "u1", Email: "owner@example.com", Type: types.ActorTypeUser}

// --- SubscriptionUpdateFromEvent ---

func TestSubscriptionUpdateFromEvent(t *testing.T) {
	end := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	cancelAt := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	base := SubscriptionEvent{
		Type:             EventSubscriptionUpdated,
		SubscriptionID:   "sub_1",
		CustomerID:       "cus_1",
		Status:           types.SubStatusActive,
		PriceID:          "price_1",
		ProductID:        "prod_biz",
		CurrentPeriodEnd: &end,
		CancelAt:         &cancelAt,
	}

	t.Run("active subscription", func(t *testing.T) {
		upd := SubscriptionUpdateFromEvent(base, testProducts)
		assert.Equal(t, types.SubscriptionBusiness, upd.Tier)
		assert.Equal(t, types.SubStatusActive, upd.Status)
		assert.Equal(t, "sub_1", upd.SubscriptionID)
		assert.Equal(t, "price_1", upd.PriceID)
		assert.Equal(t, &end, upd.CurrentPeriodEnd)
		assert.Equal(t, &cancelAt, upd.CancelAt)
	})

	t.Run("unknown product keeps tier", func(t *testing.T) {
		ev := base
		ev.ProductID = "prod_other"
		assert.Empty(t, SubscriptionUpdateFromEvent(ev, testProducts).Tier)
	})

	cancelled := map[string]SubscriptionEvent{
		"deleted event":      {Type: EventSubscriptionDeleted, Status: types.SubStatusActive, ProductID: "prod_pro"},
		"canceled status":    {Type: EventSubscriptionUpdated, Status: types.SubStatusCanceled, ProductID: "prod_pro"},
		"incomplete expired": {Type: EventSubscriptionUpdated, Status: types.SubStatusIncompleteExpired},
	}
	for name, ev := range cancelled {
		t.Run(name, func(t *testing.T) {
			ev.SubscriptionID, ev.PriceID, ev.CancelAt = "sub_1", "price_1", &cancelAt
			upd := SubscriptionUpdateFromEvent(ev, testProducts)
			assert.Equal(t, types.SubscriptionFree, upd.Tier)
			assert.Equal(t, types.SubStatusFree, upd.Status)
			assert.Empty(t, upd.SubscriptionID)
			assert.Empty(t, upd.PriceID)
			assert.Nil(t, upd.CancelAt)
		})
	}
}

func TestDefaultSubscriptionConfig(t *testing.T) {
	cfg := DefaultSubscriptionConfig(SubscriptionConfig{}, "")
	assert.Equal(t, "http://localhost:3000/dashboard/settings?checkout=success", cfg.Redirects.Success)
	assert.Equal(t, "http://localhost:3000/dashboard/settings?checkout=cancelled", cfg.Redirects.Cancel)
	assert.Equal(t, "http://localhost:3000/dashboard/settings", cfg.PortalReturnURL)

	custom := DefaultSubscriptionConfig(SubscriptionConfig{
		Redirects: types.RedirectURLs{Success: "https://x/ok"},
	}, "https://app.test")
	assert.Equal(t, "https://x/ok", custom.Redirects.Success)
	assert.Equal(t, "https://app.test/dashboard/settings?checkout=cancelled", custom.Redirects.Cancel)
}

// --- Checkout ---

func TestCheckout_NewCustomerProTrial(t *testing.T) {
	svc, store, provider := setupSubscriptions()
	ctx := context.Background()

	provider.On("ActivePriceForProduct", ctx, "prod_pro").Return("price_pro", nil)
	store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{ID: "u1", Email: "owner@example.com"}, nil)
	provider.On("CreateCustomer", ctx, "u1", "owner@example.com", "").Return("cus_new", nil)
	store.On("LinkStripeCustomer", ctx, "u1", "cus_new").Return(nil)
	provider.On("CreateSubscriptionSession", ctx, mock.MatchedBy(func(p types.SubscriptionSessionParams) bool {
		return p.PriceID == "price_pro" && p.CustomerID == "cus_new" && p.UserID == "u1" &&
			p.Tier == types.SubscriptionPro && p.TrialDays == ProTrialDays &&
			p.Redirects.Success == "https://app.scopesafe.test/dashboard/settings?checkout=success"
	})).Return(&types.CheckoutSession{ID: "cs_1", URL: "https://checkout.stripe.test/cs_1"}, nil)

	url, err := svc.Checkout(ctx, owner, " PRO ")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_1", url)
	store.AssertExpectations(t)
	provider.AssertExpectations(t)
}

func TestCheckout_ExistingCustomerBusinessNoTrial(t *testing.T) {
	svc, store, provider := setupSubscriptions()
	ctx := context.Background()

	provider.On("ActivePriceForProduct", ctx, "prod_biz").Return("price_biz", nil)
	store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{
		ID:                 "u1",
		StripeCustomerID:   "cus_1",
		SubscriptionTier:   types.SubscriptionPro,
		SubscriptionStatus: types.SubStatusCanceled,
	}, nil)
	provider.On("UpdateCustomerMetadata", ctx, "cus_1", map[string]string{
		"supabaseUserId": "u1",
		"currentTier":    "pro",
	}).Return(errors.New("stripe down"))
	provider.On("CreateSubscriptionSession", ctx, mock.MatchedBy(func(p types.SubscriptionSessionParams) bool {
		return p.CustomerID == "cus_1" && p.TrialDays == 0 && p.Tier == types.SubscriptionBusiness
	})).Return(&types.CheckoutSession{URL: "https://checkout.stripe.test/cs_2"}, nil)

	url, err := svc.Checkout(ctx, owner, "business")
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.stripe.test/cs_2", url)
	provider.AssertNotCalled(t, "CreateCustomer", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckout_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unsupported tier", func(t *testing.T) {
		svc, _, provider := setupSubscriptions()
		_, err := svc.Checkout(ctx, owner, "free")
		requireCode(t, err, types.ErrCodeValidationInvalidTier)
		provider.AssertNotCalled(t, "ActivePriceForProduct", mock.Anything, mock.Anything)
	})

	t.Run("product not configured", func(t *testing.T) {
		store, provider := new(mockSubscriptionStore), new(mockSubscriptionProvider)
		svc := NewSubscriptionService(store, provider, SubscriptionConfig{Products: ProductTiers{}}, nil)
		_, err := svc.Checkout(ctx, owner, "pro")
		requireCode(t, err, types.ErrCodeInternalTierMisconfigured)
	})

	t.Run("price lookup fails", func(t *testing.T) {
		svc, _, provider := setupSubscriptions()
		provider.On("ActivePriceForProduct", ctx, "prod_pro").Return("", errors.New("boom"))
		_, err := svc.Checkout(ctx, owner, "pro")
		requireCode(t, err, types.ErrCodeUpstreamStripe)
	})

	t.Run("active subscription", func(t *testing.T) {
		svc, store, provider := setupSubscriptions()
		provider.On("ActivePriceForProduct", ctx, "prod_pro").Return("price_pro", nil)
		store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{
			ID:                   "u1",
			StripeCustomerID:     "cus_1",
			StripeSubscriptionID: "sub_1",
			SubscriptionStatus:   types.SubStatusPastDue,
		}, nil)
		_, err := svc.Checkout(ctx, owner, "pro")
		requireCode(t, err, types.ErrCodeConflictSubscriptionActive)
		provider.AssertNotCalled(t, "CreateSubscriptionSession", mock.Anything, mock.Anything)
	})

	t.Run("session creation fails", func(t *testing.T) {
		svc, store, provider := setupSubscriptions()
		provider.On("ActivePriceForProduct", ctx, "prod_pro").Return("price_pro", nil)
		store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{ID: "u1", StripeCustomerID: "cus_1"}, nil)
		provider.On("UpdateCustomerMetadata", ctx, "cus_1", mock.Anything).Return(nil)
		provider.On("CreateSubscriptionSession", ctx, mock.Anything).Return(nil, errors.New("boom"))
		_, err := svc.Checkout(ctx, owner, "pro")
		requireCode(t, err, types.ErrCodeUpstreamStripeSession)
	})

	t.Run("customer link failure is not fatal", func(t *testing.T) {
		svc, store, provider := setupSubscriptions()
		provider.On("ActivePriceForProduct", ctx, "prod_pro").Return("price_pro", nil)
		store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{ID: "u1"}, nil)
		provider.On("CreateCustomer", ctx, "u1", "owner@example.com", "").Return("cus_new", nil)
		store.On("LinkStripeCustomer", ctx, "u1", "cus_new").Return(errors.New("db down"))
		provider.On("CreateSubscriptionSession", ctx, mock.Anything).
			Return(&types.CheckoutSession{URL: "https://checkout.stripe.test/cs_3"}, nil)

		url, err := svc.Checkout(ctx, owner, "pro")
		require.NoError(t, err)
		assert.Equal(t, "https://checkout.stripe.test/cs_3", url)
	})
}

// --- Portal ---

func TestPortal(t *testing.T) {
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		svc, store, provider := setupSubscriptions()
		store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{ID: "u1", StripeCustomerID: "cus_1"}, nil)
		provider.On("CreatePortalSession", ctx, "cus_1", "https://app.scopesafe.test/dashboard/settings").
			Return("https://billing.stripe.test/p_1", nil)

		url, err := svc.Portal(ctx, owner)
		require.NoError(t, err)
		assert.Equal(t, "https://billing.stripe.test/p_1", url)
	})

	t.Run("no customer", func(t *testing.T) {
		svc, store, _ := setupSubscriptions()
		store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{ID: "u1"}, nil)
		_, err := svc.Portal(ctx, owner)
		requireCode(t, err, types.ErrCodeValidationNoCustomer)
	})

	t.Run("provider failure", func(t *testing.T) {
		svc, store, provider := setupSubscriptions()
		store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{ID: "u1", StripeCustomerID: "cus_1"}, nil)
		provider.On("CreatePortalSession", ctx, "cus_1", mock.Anything).Return("", errors.New("boom"))
		_, err := svc.Portal(ctx, owner)
		requireCode(t, err, types.ErrCodeUpstreamStripeSession)
	})
}

// --- Entitlements ---

func TestSubscriptionService_Entitlements(t *testing.T) {
	svc, store, _ := setupSubscriptions()
	ctx := context.Background()
	store.On("GetProfile", ctx, "u1").Return(&types.UserProfile{
		ID:               "u1",
		SubscriptionTier: types.SubscriptionFree,
		LifetimeTier:     types.LifetimeTierMid,
	}, nil)

	ent, err := svc.Entitlements(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, ent.HasLifetimeAccess)
	assert.Equal(t, types.SubscriptionBusiness, ent.EffectiveTier)

	missing, missingStore, _ := setupSubscriptions()
	missingStore.On("GetProfile", ctx, "nobody").
		Return(nil, types.NewAppError(types.ErrCodeNotFoundUser, "user not found", nil))
	_, err = missing.Entitlements(ctx, "nobody")
	requireCode(t, err, types.ErrCodeNotFoundUser)
}

// --- ApplyEvent ---

func TestApplyEvent(t *testing.T) {
	ctx := context.Background()
	ev := SubscriptionEvent{
		Type:       EventSubscriptionCreated,
		CustomerID: "cus_1",
		UserID:     "u1",
		Status:     types.SubStatusTrialing,
		ProductID:  "prod_pro",
	}

	t.Run("updated", func(t *testing.T) {
		svc, store, _ := setupSubscriptions()
		store.On("ApplySubscription", ctx, "u1", "cus_1", mock.MatchedBy(func(u types.SubscriptionUpdate) bool {
			return u.Tier == types.SubscriptionPro && u.Status == types.SubStatusTrialing
		})).Return(int64(1), nil)
		assert.Equal(t, AppliedUpdated, svc.ApplyEvent(ctx, ev))
	})

	t.Run("matched by customer only", func(t *testing.T) {
		svc, store, _ := setupSubscriptions()
		byCustomer := ev
		byCustomer.UserID = ""
		store.On("ApplySubscription", ctx, "", "cus_1", mock.Anything).Return(int64(0), nil)
		assert.Equal(t, AppliedNoMatch, svc.ApplyEvent(ctx, byCustomer))
	})

	t.Run("no key", func(t *testing.T) {
		svc, store, _ := setupSubscriptions()
		assert.Equal(t, AppliedNoKey, svc.ApplyEvent(ctx, SubscriptionEvent{Type: EventSubscriptionUpdated}))
		store.AssertNotCalled(t, "ApplySubscription", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("store failure", func(t *testing.T) {
		svc, store, _ := setupSubscriptions()
		store.On("ApplySubscription", ctx, "u1", "cus_1", mock.Anything).Return(int64(0), errors.New("db down"))
		assert.Equal(t, AppliedStoreFail, svc.ApplyEvent(ctx, ev))
	})
}
