package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v82"

	"scopesafe/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeClientConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// Metadata keys shared with the webhook handler.
const (
	MetaUserID           = "supabaseUserId"
	MetaLifetimeTier     = "lifetimeTier"
	MetaPurchaseID       = "lifetimePurchaseId"
	MetaSubscriptionTier = "subscriptionTier"
	MetaCurrentTier      = "currentTier"
)

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey string
	BaseURL   string // Override for testing; defaults to stripeAPIBase
	Logger    *slog.Logger
}

// StripeClient calls the Stripe REST API directly through BaseClient, which
// keeps every request behind the breaker and makes httptest fakes trivial.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient with the default retry policy.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	base := NewBaseClient(httpClient, "stripe", DefaultRetryPolicy(), "ScopeSafe/1.0")
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient over a pre-built BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// ---------------------------------------------------------------------------
// Prices
// ---------------------------------------------------------------------------

// ActivePriceForProduct returns the product's default price, or the first
// active price listed for it when no default is set.
func (s *StripeClient) ActivePriceForProduct(ctx context.Context, productID string) (string, error) {
	var product stripeProduct
	if err := s.getJSON(ctx, "/v1/products/"+url.PathEscape(productID), nil, "ActivePriceForProduct.product", &product); err != nil {
		return "", err
	}
	if product.DefaultPrice.ID != "" {
		return product.DefaultPrice.ID, nil
	}

	params := url.Values{}
	params.Set("product", productID)
	params.Set("active", "true")
	params.Set("limit", "1")
	var prices stripeList[stripePrice]
	if err := s.getJSON(ctx, "/v1/prices", params, "ActivePriceForProduct.prices", &prices); err != nil {
		return "", err
	}
	if len(prices.Data) == 0 {
		return "", types.NewAppError(types.ErrCodeUpstreamStripe,
			fmt.Sprintf("no active price for product %s", productID), nil)
	}
	return prices.Data[0].ID, nil
}

// ---------------------------------------------------------------------------
// Checkout
// ---------------------------------------------------------------------------

// CreateLifetimeSession creates a one-time payment session for a reserved
// lifetime slot. The purchase ID travels in metadata so the webhook can
// find the reservation again.
func (s *StripeClient) CreateLifetimeSession(ctx context.Context, p types.LifetimeSessionParams) (*types.CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "payment")
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("client_reference_id", p.UserID)
	params.Set("success_url", p.Redirects.Success)
	params.Set("cancel_url", p.Redirects.Cancel)
	params.Set("metadata["+MetaLifetimeTier+"]", string(p.Tier))
	params.Set("metadata["+MetaUserID+"]", p.UserID)
	params.Set("metadata["+MetaPurchaseID+"]", p.PurchaseID)
	if p.CustomerID != "" {
		params.Set("customer", p.CustomerID)
	} else {
		params.Set("customer_creation", "always")
		if p.Email != "" {
			params.Set("customer_email", p.Email)
		}
	}

	// One session per reservation, however many times the request is retried.
	key := ""
	if p.PurchaseID != "" {
		key = "lifetime-session-" + p.PurchaseID
	}
	var session stripeCheckoutSession
	if err := s.postJSON(ctx, "/v1/checkout/sessions", params, key, "CreateLifetimeSession", &session); err != nil {
		return nil, err
	}
	return session.toDomain(), nil
}

// CreateSubscriptionSession creates a recurring checkout session. Promotion
// codes are allowed and the user ID is mirrored onto the subscription's
// metadata so later subscription events resolve the user.
func (s *StripeClient) CreateSubscriptionSession(ctx context.Context, p types.SubscriptionSessionParams) (*types.CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("customer", p.CustomerID)
	params.Set("client_reference_id", p.UserID)
	params.Set("allow_promotion_codes", "true")
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("success_url", p.Redirects.Success)
	params.Set("cancel_url", p.Redirects.Cancel)
	params.Set("metadata["+MetaUserID+"]", p.UserID)
	params.Set("metadata["+MetaSubscriptionTier+"]", string(p.Tier))
	params.Set("subscription_data[metadata]["+MetaUserID+"]", p.UserID)
	params.Set("subscription_data[metadata]["+MetaSubscriptionTier+"]", string(p.Tier))
	if p.TrialDays > 0 {
		params.Set("subscription_data[trial_period_days]", strconv.Itoa(p.TrialDays))
	}

	var session stripeCheckoutSession
	if err := s.postJSON(ctx, "/v1/checkout/sessions", params, "", "CreateSubscriptionSession", &session); err != nil {
		return nil, err
	}
	return session.toDomain(), nil
}

// ---------------------------------------------------------------------------
// Customers & Portal
// ---------------------------------------------------------------------------

// CreateCustomer creates a customer tagged with the ScopeSafe user ID.
func (s *StripeClient) CreateCustomer(ctx context.Context, userID, email, name string) (string, error) {
	params := url.Values{}
	if email != "" {
		params.Set("email", email)
	}
	if name != "" {
		params.Set("name", name)
	}
	params.Set("metadata["+MetaUserID+"]", userID)

	var customer stripeCustomer
	if err := s.postJSON(ctx, "/v1/customers", params, "", "CreateCustomer", &customer); err != nil {
		return "", err
	}
	return customer.ID, nil
}

// UpdateCustomerMetadata merges metadata into an existing customer.
func (s *StripeClient) UpdateCustomerMetadata(ctx context.Context, customerID string, metadata map[string]string) error {
	params := url.Values{}
	for k, v := range metadata {
		params.Set("metadata["+k+"]", v)
	}
	var customer stripeCustomer
	return s.postJSON(ctx, "/v1/customers/"+url.PathEscape(customerID), params, "", "UpdateCustomerMetadata", &customer)
}

// CreatePortalSession returns a billing portal URL for the customer.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	var session stripePortalSession
	if err := s.postJSON(ctx, "/v1/billing_portal/sessions", params, "", "CreatePortalSession", &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) getJSON(ctx context.Context, path string, params url.Values, op string, out any) error {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": building request", err)
	}
	return s.send(req, op, out)
}

// postJSON sends a form POST. The Idempotency-Key is fixed before BaseClient
// retries, so every attempt replays the same logical request. An empty
// idempotencyKey gets a fresh random key.
func (s *StripeClient) postJSON(ctx context.Context, path string, params url.Values, idempotencyKey, op string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, op+": building request", err)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	return s.send(req, op, out)
}

func (s *StripeClient) send(req *http.Request, op string, out any) error {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)

	resp, err := s.base.Do(req)
	if err != nil {
		return wrapStripeError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(req.Context(), resp, op)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamStripe, op+": failed to decode Stripe response", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
		Param   string `json:"param"`
	} `json:"error"`
}

// handleErrorResponse maps a non-200 Stripe response onto an AppError.
func (s *StripeClient) handleErrorResponse(ctx context.Context, resp *http.Response, op string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var se stripeErrorResponse
	msg := fmt.Sprintf("%s: Stripe returned status %d", op, resp.StatusCode)
	if err := json.Unmarshal(body, &se); err == nil && se.Error.Message != "" {
		msg = fmt.Sprintf("%s: Stripe error (%d): %s", op, resp.StatusCode, se.Error.Message)
	}
	s.logger.WarnContext(ctx, "stripe request rejected",
		"operation", op,
		"status", resp.StatusCode,
		"stripe_code", se.Error.Code,
		"param", se.Error.Param,
	)

	code := types.ErrCodeUpstreamStripe
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = types.ErrCodeUpstreamRateLimited
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	}
	return types.NewAppError(code, msg, nil).WithDetails(map[string]any{
		"stripe_code": se.Error.Code,
		"status":      resp.StatusCode,
	})
}

// wrapStripeError keeps AppErrors from BaseClient as they are.
func wrapStripeError(op string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(types.ErrCodeUpstreamStripe, op+": Stripe request failed", err)
}

// ---------------------------------------------------------------------------
// Stripe Response Types
// ---------------------------------------------------------------------------

type stripeList[T any] struct {
	Data    []T  `json:"data"`
	HasMore bool `json:"has_more"`
}

type stripeCustomer struct {
	ID       string            `json:"id"`
	Email    string            `json:"email"`
	Metadata map[string]string `json:"metadata"`
}

type stripePrice struct {
	ID     string `json:"id"`
	Active bool   `json:"active"`
}

// stripeRef decodes a field Stripe sends either as an ID string or as an
// expanded object with an "id" key.
type stripeRef struct {
	ID string
}

func (r *stripeRef) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &r.ID)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	r.ID = obj.ID
	return nil
}

type stripeProduct struct {
	ID           string    `json:"id"`
	Active       bool      `json:"active"`
	DefaultPrice stripeRef `json:"default_price"`
}

type stripeCheckoutSession struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	PaymentIntent stripeRef `json:"payment_intent"`
}

func (cs stripeCheckoutSession) toDomain() *types.CheckoutSession {
	return &types.CheckoutSession{ID: cs.ID, URL: cs.URL, PaymentIntentID: cs.PaymentIntent.ID}
}

type stripePortalSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// NewStripeHTTPClient returns the http.Client used for Stripe calls.
func NewStripeHTTPClient() *http.Client {
	return &http.Client{Timeout: 20 * time.Second}
}
